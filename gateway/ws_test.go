package gateway

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"pulseim/tools/security"
)

// Exercises the full socket path: upgrade, token auth, attach, frame
// round-trip, and the ping/pong liveness cycle. The pong handler is wired
// before the read loop starts, so pongs keep refreshing the registry beat
// while the sweeper runs with a short TTL.
func TestWebSocketSessionSurvivesHeartbeatSweeps(t *testing.T) {
	auth := security.NewTokenAuth(security.DefaultOptions([]byte("test-secret")))
	env := newTestEnvWith(t, func(o *Options, d *Deps) {
		o.HeartbeatInterval = 100 * time.Millisecond
		d.Auth = auth
	})

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/ws", env.s.HandleWS)
	srv := httptest.NewServer(r)
	defer srv.Close()

	token, _, err := auth.Generate("alice", "a-phone")
	if err != nil {
		t.Fatal(err)
	}
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=" + token
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	// the reader keeps control frames flowing; gorilla's default ping
	// handler answers the server's pings with pongs
	frames := make(chan []byte, 16)
	go func() {
		defer close(frames)
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			frames <- data
		}
	}()
	waitFrame := func(wantType string) []byte {
		t.Helper()
		deadline := time.After(2 * time.Second)
		for {
			select {
			case raw, ok := <-frames:
				if !ok {
					t.Fatalf("conn closed waiting for %s", wantType)
				}
				var head struct {
					Type string `json:"type"`
				}
				if err := json.Unmarshal(raw, &head); err != nil {
					t.Fatalf("bad frame %s: %v", raw, err)
				}
				if head.Type == wantType {
					return raw
				}
			case <-deadline:
				t.Fatalf("no %s frame", wantType)
			}
		}
	}

	waitFrame(FrameConnected)
	waitFrame(FrameOfflineMessages)

	// several sweep TTLs pass; pongs must keep the connection registered
	time.Sleep(500 * time.Millisecond)
	if n := env.s.Registry().CountForUser("alice"); n != 1 {
		t.Fatalf("connection swept despite pongs, registry count = %d", n)
	}

	send, _ := json.Marshal(map[string]string{
		"type":              FrameSendMessage,
		"conversation_id":   "c1",
		"content":           "still here",
		"client_message_id": "cm-live",
	})
	if err := ws.WriteMessage(websocket.TextMessage, send); err != nil {
		t.Fatalf("write: %v", err)
	}
	var ack struct {
		ClientMessageID string `json:"client_message_id"`
	}
	if err := json.Unmarshal(waitFrame(FrameMessageSent), &ack); err != nil {
		t.Fatal(err)
	}
	if ack.ClientMessageID != "cm-live" {
		t.Fatalf("ack correlation = %q", ack.ClientMessageID)
	}
}
