package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"pulseim/logger"
)

const writeDeadline = 5 * time.Second

// Client is one authenticated device connection owned by this process.
// All writes go through the Send queue and a single writer goroutine;
// nothing else touches the websocket for writing.
type Client struct {
	ConnID      string
	UserID      string
	DeviceID    string
	WS          *websocket.Conn
	Send        chan []byte
	ConnectedAt time.Time

	closeOnce sync.Once
	done      chan struct{}
}

func NewClient(connID, userID, deviceID string, ws *websocket.Conn, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 256
	}
	return &Client{
		ConnID:      connID,
		UserID:      userID,
		DeviceID:    deviceID,
		WS:          ws,
		Send:        make(chan []byte, sendQueueSize),
		ConnectedAt: time.Now(),
		done:        make(chan struct{}),
	}
}

// Enqueue queues a frame for the writer goroutine. A full queue means a
// slow client; the frame is dropped rather than blocking the caller.
func (c *Client) Enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.Send <- frame:
		return true
	default:
		logger.Warnf("[gateway] send queue full, dropping frame conn=%s user=%s", c.ConnID, c.UserID)
		return false
	}
}

// writePump is the single writer. A write failure is treated like a
// heartbeat timeout: onFail runs the disconnect path.
func (c *Client) writePump(onFail func()) {
	for {
		select {
		case <-c.done:
			return
		case frame, ok := <-c.Send:
			if !ok {
				return
			}
			_ = c.WS.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.WS.WriteMessage(websocket.TextMessage, frame); err != nil {
				logger.Infof("[gateway] write failed conn=%s user=%s: %v", c.ConnID, c.UserID, err)
				onFail()
				return
			}
		}
	}
}

// Close is idempotent; safe from any goroutine.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.WS != nil {
			_ = c.WS.Close()
		}
	})
}
