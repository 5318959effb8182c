package fanout

import (
	"context"
	"sync"

	"pulseim/logger"
)

// MemBus is the in-process Bus for tests and single-node deployments.
// Publish invokes subscribers synchronously, which gives tests a
// deterministic happens-before without changing the Bus contract.
type MemBus struct {
	mu   sync.RWMutex
	subs map[Topic][]Handler
}

func NewMemBus() *MemBus {
	return &MemBus{subs: make(map[Topic][]Handler)}
}

func (b *MemBus) Publish(ctx context.Context, topic Topic, data []byte) error {
	b.mu.RLock()
	hs := append([]Handler(nil), b.subs[topic]...)
	b.mu.RUnlock()
	for _, h := range hs {
		if err := h(ctx, topic, data); err != nil {
			logger.Errorf("[fanout] mem handler topic=%s failed: %v", topic, err)
		}
	}
	return nil
}

func (b *MemBus) Subscribe(topics []Topic, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range topics {
		b.subs[t] = append(b.subs[t], h)
	}
	return nil
}

func (b *MemBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = make(map[Topic][]Handler)
	return nil
}
