package gateway

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"pulseim/archive"
	"pulseim/fanout"
	"pulseim/logger"
	"pulseim/store"
	"pulseim/tools/errs"
	"pulseim/tools/ids"
	"pulseim/tools/safe"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Options tunes one gateway server instance.
type Options struct {
	GatewayID         string
	HeartbeatInterval time.Duration // ping cadence; 2 missed intervals kill the conn
	SendQueue         int
	DeliverWorkers    int
	Retry             store.RetryPolicy
	IdemTTL           time.Duration
}

func (o *Options) norm() {
	if o.GatewayID == "" {
		o.GatewayID = "gateway_1"
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.SendQueue <= 0 {
		o.SendQueue = 256
	}
	if o.DeliverWorkers <= 0 {
		o.DeliverWorkers = 8
	}
	if o.IdemTTL <= 0 {
		o.IdemTTL = 10 * time.Minute
	}
}

// Deps are the server's collaborators. Everything is an interface except
// the optional kafka archive.
type Deps struct {
	Delivery    store.DeliveryStore
	Mailbox     store.MailboxStore
	Presence    store.PresenceStore
	Routes      store.RouteRegistry
	Bus         fanout.Bus
	Idem        fanout.IdemStore
	Directory   Directory
	Persistence Persistence
	Auth        Auth
	Devices     DeviceRecorder    // nil disables device recording
	Archive     *archive.Producer // nil disables archiving
}

// Server owns this process's live sockets and translates between client
// frames and domain events. It is stateless across restarts: all shared
// state lives in the stores and the bus.
type Server struct {
	opts Options
	deps Deps
	reg  *Registry
	disp *Dispatcher
	pool *deliverPool
}

func NewServer(opts Options, deps Deps) *Server {
	opts.norm()
	s := &Server{opts: opts, deps: deps, disp: NewDispatcher()}
	// a conn missing two ping intervals is dead
	s.reg = NewRegistry(RegistryConf{
		TTL:        2 * opts.HeartbeatInterval,
		SweepEvery: opts.HeartbeatInterval / 3,
	}, s.afterDetach)
	s.pool = newDeliverPool(opts.DeliverWorkers, 1024)
	s.registerHandlers()
	return s
}

func (s *Server) registerHandlers() {
	s.disp.Register(FrameSendMessage, s.handleSend)
	s.disp.Register(FrameTyping, s.handleTyping)
	s.disp.Register(FrameRead, s.handleRead)
	s.disp.Register(FrameReaction, s.handleReaction)
	s.disp.Register(FrameSync, s.handleSync)
}

// Start subscribes to the fanout bus. Call once before serving traffic.
func (s *Server) Start() error {
	return s.deps.Bus.Subscribe(fanout.AllTopics(), s.onFanoutEvent)
}

func (s *Server) Close() {
	s.reg.Close()
	s.pool.close()
}

// Registry is exposed for the health endpoint.
func (s *Server) Registry() *Registry { return s.reg }

// HandleWS is the gin route terminating client sockets.
func (s *Server) HandleWS(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Infof("[gateway] upgrade failed: %v", err)
		return
	}

	ctx := c.Request.Context()
	token := c.Query("token")
	userID, deviceID, err := s.deps.Auth.Authenticate(ctx, token)
	if err != nil {
		_ = ws.SetWriteDeadline(time.Now().Add(writeDeadline))
		_ = ws.WriteMessage(websocket.TextMessage, ErrorFrame(errs.ErrAuthFailed, ""))
		_ = ws.Close()
		return
	}

	if s.deps.Devices != nil {
		if err := s.deps.Devices.RememberDevice(ctx, userID, deviceID); err != nil {
			logger.Warnf("[gateway] remember device failed user=%s device=%s: %v", userID, deviceID, err)
		}
	}

	client := NewClient(ids.GenerateString(), userID, deviceID, ws, s.opts.SendQueue)
	s.installPongHandler(client)
	safe.Go("write-pump", func() {
		client.writePump(func() { s.disconnect(client) })
	})

	if err := s.Attach(ctx, client); err != nil {
		logger.Errorf("[gateway] attach failed user=%s device=%s: %v", userID, deviceID, err)
		client.Close()
		return
	}

	safe.Go("heartbeat", func() { s.heartbeatLoop(client) })
	s.readLoop(client)
	s.disconnect(client)
}

// Attach sends the connected ack and the offline backlog before the
// connection becomes visible to the fanout consumer, so backlog frames
// always precede live ones. Events published while the backlog drains still
// route to the mailbox (the conn is unregistered and presence untouched);
// a second drain after registration flushes those too.
func (s *Server) Attach(ctx context.Context, c *Client) error {
	devices, err := s.deps.Directory.GetDevicesForUser(ctx, c.UserID)
	if err != nil {
		return errs.WrapMsg(err, "get devices")
	}
	wasOnline, err := s.deps.Presence.UserOnline(ctx, c.UserID, devices)
	if err != nil {
		// degraded presence read: assume online to avoid a spurious event
		logger.Warnf("[gateway] presence read failed user=%s: %v", c.UserID, err)
		wasOnline = true
	}

	c.Enqueue(ConnectedFrame(c.UserID, c.DeviceID))
	if err := s.drainBacklog(ctx, c, true); err != nil {
		logger.Errorf("[gateway] backlog sync failed user=%s device=%s: %v", c.UserID, c.DeviceID, err)
	}

	s.reg.Register(c)
	// last-writer-wins: a reconnect elsewhere overwrote us, and ours
	// overwrites theirs now
	if err := s.deps.Routes.RegisterRoute(ctx, c.UserID, c.DeviceID, s.opts.GatewayID); err != nil {
		logger.Errorf("[gateway] register route failed user=%s device=%s: %v", c.UserID, c.DeviceID, err)
	}
	if err := s.deps.Presence.Touch(ctx, c.UserID, c.DeviceID, s.opts.GatewayID); err != nil {
		logger.Errorf("[gateway] presence touch failed user=%s: %v", c.UserID, err)
	}

	// second pass: anything that reached the mailbox mid-attach
	if err := s.drainBacklog(ctx, c, false); err != nil {
		logger.Errorf("[gateway] backlog sync failed user=%s device=%s: %v", c.UserID, c.DeviceID, err)
	}

	if !wasOnline {
		s.publishEvent(ctx, PresenceEvent{UserID: c.UserID, Status: "online"})
	}
	return nil
}

// syncBacklog drains the device mailbox and flushes it as one
// offline_messages batch, then marks the contained messages delivered in a
// single batch advance.
func (s *Server) syncBacklog(ctx context.Context, c *Client) error {
	return s.drainBacklog(ctx, c, true)
}

// drainBacklog is syncBacklog with an optional empty batch: the attach-time
// second pass stays silent when nothing arrived mid-attach, while an
// explicit sync always answers.
func (s *Server) drainBacklog(ctx context.Context, c *Client, sendEmpty bool) error {
	entries, err := s.deps.Mailbox.Drain(ctx, c.UserID, c.DeviceID)
	if err != nil {
		return errs.WrapMsg(err, "drain mailbox")
	}

	frames := make([]json.RawMessage, 0, len(entries))
	var messageIDs []string
	for _, e := range entries {
		_, ev, err := DecodeEvent(e.Event)
		if err != nil {
			logger.Warnf("[gateway] undecodable mailbox entry user=%s device=%s: %v", c.UserID, c.DeviceID, err)
			continue
		}
		if f := frameForEvent(ev); f != nil {
			frames = append(frames, f)
		}
		if nm, ok := ev.(NewMessageEvent); ok {
			messageIDs = append(messageIDs, nm.Message.ID)
		}
	}
	if len(frames) > 0 || sendEmpty {
		c.Enqueue(OfflineMessagesFrame(frames))
	}

	if len(messageIDs) > 0 {
		if _, err := store.BatchAdvanceRetry(ctx, s.deps.Delivery, messageIDs, c.UserID, store.StatusDelivered, s.opts.Retry); err != nil {
			logger.Errorf("[gateway] batch delivered failed user=%s: %v", c.UserID, err)
		}
	}
	return nil
}

// frameForEvent renders the outbound frame an event produces, both for live
// delivery and for the offline batch.
func frameForEvent(ev Event) []byte {
	switch e := ev.(type) {
	case NewMessageEvent:
		return NewMessageFrame(e.Message)
	case TypingEvent:
		return TypingOutFrame(e)
	case ReadReceiptEvent:
		return ReadReceiptFrame(e)
	case ReactionUpdateEvent:
		return ReactionUpdateFrame(e)
	case PresenceEvent:
		return PresenceFrame(e.UserID, e.Status)
	}
	return nil
}

func (s *Server) readLoop(c *Client) {
	ctx := context.Background()
	for {
		mt, data, err := c.WS.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				logger.Infof("[gateway] peer closed conn=%s user=%s", c.ConnID, c.UserID)
			} else if ne, ok := err.(net.Error); ok && ne.Timeout() {
				logger.Infof("[gateway] read timeout conn=%s user=%s", c.ConnID, c.UserID)
			} else {
				logger.Infof("[gateway] read error conn=%s user=%s: %v", c.ConnID, c.UserID, err)
			}
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}

		// every inbound frame counts as liveness
		s.reg.Heartbeat(c.ConnID)
		if err := s.deps.Presence.Touch(ctx, c.UserID, c.DeviceID, s.opts.GatewayID); err != nil {
			logger.Debugf("[gateway] presence touch failed user=%s: %v", c.UserID, err)
		}

		frame, err := DecodeInbound(data)
		if err != nil {
			// bad frame, open connection
			c.Enqueue(ErrorFrame(err, clientMessageIDOf(data)))
			continue
		}
		if err := s.disp.Dispatch(ctx, c, frame); err != nil {
			c.Enqueue(ErrorFrame(err, clientMessageIDOfFrame(frame)))
		}
	}
}

// clientMessageIDOf digs the correlation id out of a frame that failed to
// decode, so the error still reaches the right pending send.
func clientMessageIDOf(raw []byte) string {
	var head struct {
		ClientMessageID string `json:"client_message_id"`
	}
	_ = json.Unmarshal(raw, &head)
	return head.ClientMessageID
}

func clientMessageIDOfFrame(f InboundFrame) string {
	if sm, ok := f.(SendMessageFrame); ok {
		return sm.ClientMessageID
	}
	return ""
}

// installPongHandler must run before the read loop starts: gorilla control
// handlers are not safe to swap under a concurrent ReadMessage.
func (s *Server) installPongHandler(c *Client) {
	c.WS.SetPongHandler(func(string) error {
		s.reg.Heartbeat(c.ConnID)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.deps.Presence.Touch(ctx, c.UserID, c.DeviceID, s.opts.GatewayID); err != nil {
			logger.Debugf("[gateway] presence touch failed user=%s: %v", c.UserID, err)
		}
		return nil
	})
}

// heartbeatLoop pings on a fixed interval. Pongs (and inbound frames)
// refresh the registry beat; the sweeper kills connections that missed two
// intervals. A failed ping write kills the connection immediately.
func (s *Server) heartbeatLoop(c *Client) {
	t := time.NewTicker(s.opts.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-t.C:
			deadline := time.Now().Add(writeDeadline)
			if err := c.WS.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				logger.Infof("[gateway] ping failed conn=%s user=%s: %v", c.ConnID, c.UserID, err)
				s.disconnect(c)
				return
			}
		}
	}
}

// disconnect runs the full teardown exactly once per connection; the
// registry deregistration is the idempotency gate.
func (s *Server) disconnect(c *Client) {
	if s.reg.Deregister(c.ConnID) == nil {
		return
	}
	c.Close()
	s.afterDetach(c)
}

// afterDetach cleans up shared state after the local registry entry is
// gone. Also the sweeper's expiry callback.
func (s *Server) afterDetach(c *Client) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.deps.Routes.DeregisterRoute(ctx, c.UserID, c.DeviceID, s.opts.GatewayID); err != nil {
		logger.Errorf("[gateway] deregister route failed user=%s device=%s: %v", c.UserID, c.DeviceID, err)
	}
	if err := s.deps.Presence.SetOffline(ctx, c.UserID, c.DeviceID); err != nil {
		logger.Errorf("[gateway] presence offline failed user=%s device=%s: %v", c.UserID, c.DeviceID, err)
	}

	if s.reg.CountForUser(c.UserID) > 0 {
		return
	}
	devices, err := s.deps.Directory.GetDevicesForUser(ctx, c.UserID)
	if err != nil {
		logger.Errorf("[gateway] get devices failed user=%s: %v", c.UserID, err)
		return
	}
	online, err := s.deps.Presence.UserOnline(ctx, c.UserID, devices)
	if err != nil {
		logger.Errorf("[gateway] presence read failed user=%s: %v", c.UserID, err)
		return
	}
	if !online {
		s.publishEvent(ctx, PresenceEvent{UserID: c.UserID, Status: "offline"})
	}
}

// publishEvent encodes and publishes, logging (not dropping silently) on
// failure. Callers that need the error use publishEventErr.
func (s *Server) publishEvent(ctx context.Context, ev Event) {
	if err := s.publishEventErr(ctx, ev); err != nil {
		logger.Errorf("[gateway] publish %s failed, delivery deferred: %v", ev.EventOp(), err)
	}
}

func (s *Server) publishEventErr(ctx context.Context, ev Event) error {
	_, data, err := EncodeEvent(ev)
	if err != nil {
		return err
	}
	return s.deps.Bus.Publish(ctx, TopicFor(ev), data)
}
