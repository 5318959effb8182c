package gateway

import (
	"context"

	"pulseim/tools/errs"
)

// HandlerFunc handles one inbound frame for one connection.
type HandlerFunc func(ctx context.Context, c *Client, f InboundFrame) error

// Dispatcher routes inbound frames by kind. Registration happens once at
// server construction; dispatch is read-only after that.
type Dispatcher struct {
	handlers map[string]HandlerFunc
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]HandlerFunc)}
}

func (d *Dispatcher) Register(kind string, h HandlerFunc) { d.handlers[kind] = h }

func (d *Dispatcher) Dispatch(ctx context.Context, c *Client, f InboundFrame) error {
	h, ok := d.handlers[f.FrameKind()]
	if !ok {
		return errs.ErrUnknownFrame.WithDetail("type=" + f.FrameKind())
	}
	return h(ctx, c, f)
}
