package fanout

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestMemBusFanoutToAllSubscribers(t *testing.T) {
	b := NewMemBus()
	var mu sync.Mutex
	got := map[string]int{}

	for _, name := range []string{"gw-1", "gw-2"} {
		name := name
		err := b.Subscribe([]Topic{TopicMessages}, func(_ context.Context, topic Topic, data []byte) error {
			mu.Lock()
			got[name]++
			mu.Unlock()
			return nil
		})
		if err != nil {
			t.Fatalf("subscribe: %v", err)
		}
	}

	if err := b.Publish(context.Background(), TopicMessages, []byte("ev")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if got["gw-1"] != 1 || got["gw-2"] != 1 {
		t.Fatalf("every subscriber must see the event once, got %v", got)
	}
}

func TestMemBusTopicIsolation(t *testing.T) {
	b := NewMemBus()
	calls := 0
	_ = b.Subscribe([]Topic{TopicTyping}, func(_ context.Context, _ Topic, _ []byte) error {
		calls++
		return nil
	})
	_ = b.Publish(context.Background(), TopicMessages, []byte("ev"))
	if calls != 0 {
		t.Fatalf("typing subscriber saw a messages event")
	}
}

func TestMemIdemSeenOnce(t *testing.T) {
	s := NewMemIdem(time.Minute)

	seen, err := s.SeenOnce("ev1", 0)
	if err != nil || seen {
		t.Fatalf("first sighting must not be seen, got %v %v", seen, err)
	}
	seen, _ = s.SeenOnce("ev1", 0)
	if !seen {
		t.Fatalf("redelivery must be seen")
	}
	if seen, _ := s.SeenOnce("ev2", 0); seen {
		t.Fatalf("distinct key reported seen")
	}
}

func TestMemIdemTTLExpires(t *testing.T) {
	s := NewMemIdem(time.Minute)
	if seen, _ := s.SeenOnce("ev1", time.Second); seen {
		t.Fatalf("first sighting seen")
	}
	// SeenOnce stores unix-second granularity; wait past expiry
	time.Sleep(1100 * time.Millisecond)
	if seen, _ := s.SeenOnce("ev1", time.Second); seen {
		t.Fatalf("expired key still seen")
	}
}
