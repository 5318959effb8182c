package fanout

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"

	"pulseim/logger"
)

const subjectPrefix = "im.fanout."

// NatsConfig holds the connection knobs for the bus.
type NatsConfig struct {
	Servers       []string
	Name          string
	ReconnectWait time.Duration
	Timeout       time.Duration
	// Publish retry: attempts and first backoff (tripled per attempt).
	PublishAttempts int
	PublishBackoff  time.Duration
}

func (c *NatsConfig) norm() {
	if c.ReconnectWait == 0 {
		c.ReconnectWait = 500 * time.Millisecond
	}
	if c.Timeout == 0 {
		c.Timeout = 3 * time.Second
	}
	if c.PublishAttempts == 0 {
		c.PublishAttempts = 3
	}
	if c.PublishBackoff == 0 {
		c.PublishBackoff = 100 * time.Millisecond
	}
}

// NatsBus is the cluster bus. Subscriptions are deliberately not queue
// groups: every gateway process must receive every event, because only the
// process owning a live socket can deliver to it.
type NatsBus struct {
	cfg NatsConfig
	nc  *nats.Conn

	mu   sync.Mutex
	subs []*nats.Subscription
}

func NewNatsBus(cfg NatsConfig) (*NatsBus, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("nats servers missing")
	}
	cfg.norm()
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(cfg.Timeout),
	}
	nc, err := nats.Connect(strings.Join(cfg.Servers, ","), opts...)
	if err != nil {
		return nil, errors.Wrap(err, "connect nats")
	}
	return &NatsBus{cfg: cfg, nc: nc}, nil
}

func subject(topic Topic) string { return subjectPrefix + string(topic) }

func (b *NatsBus) Publish(ctx context.Context, topic Topic, data []byte) error {
	backoff := b.cfg.PublishBackoff
	var lastErr error
	for i := 0; i < b.cfg.PublishAttempts; i++ {
		if err := b.nc.Publish(subject(topic), data); err != nil {
			lastErr = err
			logger.Warnf("[fanout] publish attempt %d/%d topic=%s failed: %v",
				i+1, b.cfg.PublishAttempts, topic, err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 3
			continue
		}
		return nil
	}
	return errors.Wrapf(lastErr, "publish topic=%s", topic)
}

func (b *NatsBus) Subscribe(topics []Topic, h Handler) error {
	for _, topic := range topics {
		topic := topic
		sub, err := b.nc.Subscribe(subject(topic), func(msg *nats.Msg) {
			if err := h(context.Background(), topic, msg.Data); err != nil {
				// core NATS has no redelivery; the handler's own dedup and
				// the offline mailbox are the safety nets
				logger.Errorf("[fanout] handler topic=%s failed: %v", topic, err)
			}
		})
		if err != nil {
			return errors.Wrapf(err, "subscribe topic=%s", topic)
		}
		b.mu.Lock()
		b.subs = append(b.subs, sub)
		b.mu.Unlock()
	}
	return nil
}

func (b *NatsBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		_ = sub.Drain()
	}
	b.subs = nil
	if b.nc != nil {
		return b.nc.Drain()
	}
	return nil
}
