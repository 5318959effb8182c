package gateway

import (
	"sync"
	"testing"
	"time"
)

func testClock() (func() time.Time, func(d time.Duration)) {
	var mu sync.Mutex
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(d)
	}
	return clock, advance
}

func TestRegistryIndexesByUser(t *testing.T) {
	clock, _ := testClock()
	r := NewRegistry(RegistryConf{TTL: time.Minute, SweepEvery: time.Hour, Clock: clock}, nil)
	defer r.Close()

	a1 := NewClient("cn1", "alice", "phone", nil, 8)
	a2 := NewClient("cn2", "alice", "laptop", nil, 8)
	b := NewClient("cn3", "bob", "phone", nil, 8)
	r.Register(a1)
	r.Register(a2)
	r.Register(b)

	if n := r.CountForUser("alice"); n != 2 {
		t.Fatalf("alice conns = %d, want 2", n)
	}
	if got := r.LocalConnsFor("bob"); len(got) != 1 || got[0].ConnID != "cn3" {
		t.Fatalf("bob conns = %v", got)
	}

	if r.Deregister("cn1") == nil {
		t.Fatal("first deregister must return the client")
	}
	if r.Deregister("cn1") != nil {
		t.Fatal("second deregister must return nil")
	}
	if n := r.CountForUser("alice"); n != 1 {
		t.Fatalf("alice conns after deregister = %d, want 1", n)
	}
}

func TestRegistrySweepExpiresStaleConns(t *testing.T) {
	clock, advance := testClock()
	var mu sync.Mutex
	var expired []string
	r := NewRegistry(RegistryConf{TTL: time.Minute, SweepEvery: time.Hour, Clock: clock}, func(c *Client) {
		mu.Lock()
		expired = append(expired, c.ConnID)
		mu.Unlock()
	})
	defer r.Close()

	fresh := NewClient("fresh", "alice", "phone", nil, 8)
	stale := NewClient("stale", "bob", "phone", nil, 8)
	r.Register(fresh)
	r.Register(stale)

	advance(45 * time.Second)
	r.Heartbeat("fresh")
	advance(30 * time.Second) // stale is 75s old, fresh 30s

	r.sweepOnce(clock())

	mu.Lock()
	defer mu.Unlock()
	if len(expired) != 1 || expired[0] != "stale" {
		t.Fatalf("expired = %v, want [stale]", expired)
	}
	if r.CountForUser("bob") != 0 {
		t.Fatal("stale conn still registered")
	}
	if r.CountForUser("alice") != 1 {
		t.Fatal("fresh conn was swept")
	}
	select {
	case <-stale.done:
	default:
		t.Fatal("expired client not closed")
	}
}
