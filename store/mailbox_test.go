package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestMailboxEnqueueOncePerEvent(t *testing.T) {
	ctx := context.Background()
	m := NewMemMailbox(100, time.Hour)

	// three gateway instances all see the same fanout event
	for i := 0; i < 3; i++ {
		if err := m.Enqueue(ctx, "bob", "d1", "ev1", []byte("payload")); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	entries, err := m.Drain(ctx, "bob", "d1")
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("duplicate fanout enqueues must collapse, got %d entries", len(entries))
	}
}

func TestMailboxDrainClearsAtomically(t *testing.T) {
	ctx := context.Background()
	m := NewMemMailbox(100, time.Hour)
	const n = 50
	for i := 0; i < n; i++ {
		if err := m.Enqueue(ctx, "bob", "d1", fmt.Sprintf("ev%d", i), []byte("x")); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	var wg sync.WaitGroup
	got := make([][]MailboxEntry, 2)
	wg.Add(2)
	for i := 0; i < 2; i++ {
		go func(i int) {
			defer wg.Done()
			entries, err := m.Drain(ctx, "bob", "d1")
			if err != nil {
				t.Errorf("drain: %v", err)
			}
			got[i] = entries
		}(i)
	}
	wg.Wait()

	// the two drains must partition the backlog: no entry seen twice
	seen := make(map[string]int)
	total := 0
	for _, entries := range got {
		total += len(entries)
		for _, e := range entries {
			seen[e.EventID]++
		}
	}
	if total != n {
		t.Fatalf("drained %d entries, want %d", total, n)
	}
	for id, c := range seen {
		if c != 1 {
			t.Fatalf("entry %s drained %d times", id, c)
		}
	}
}

func TestMailboxKeepsFIFOOrder(t *testing.T) {
	ctx := context.Background()
	m := NewMemMailbox(100, time.Hour)
	for i := 0; i < 5; i++ {
		if err := m.Enqueue(ctx, "bob", "d1", fmt.Sprintf("ev%d", i), []byte{byte(i)}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	entries, _ := m.Drain(ctx, "bob", "d1")
	for i, e := range entries {
		if e.EventID != fmt.Sprintf("ev%d", i) {
			t.Fatalf("order broken at %d: %s", i, e.EventID)
		}
	}
}

func TestMailboxRetentionPrunes(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	m := NewMemMailbox(100, time.Hour)
	m.Clock = func() time.Time { return now }

	if err := m.Enqueue(ctx, "bob", "d1", "old", []byte("x")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	now = now.Add(2 * time.Hour)
	if err := m.Enqueue(ctx, "bob", "d1", "fresh", []byte("x")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	entries, _ := m.Drain(ctx, "bob", "d1")
	if len(entries) != 1 || entries[0].EventID != "fresh" {
		t.Fatalf("retention should drop stale entries, got %v", entries)
	}
}

func TestMailboxDedupGuardExpires(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	m := NewMemMailbox(100, time.Hour)
	m.Clock = func() time.Time { return now }

	if err := m.Enqueue(ctx, "bob", "d1", "ev1", []byte("x")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if entries, _ := m.Drain(ctx, "bob", "d1"); len(entries) != 1 {
		t.Fatalf("first drain got %d entries", len(entries))
	}

	// long after retention the same event id is a legitimate new enqueue
	now = now.Add(2 * time.Hour)
	if err := m.Enqueue(ctx, "bob", "d1", "ev1", []byte("x")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	entries, _ := m.Drain(ctx, "bob", "d1")
	if len(entries) != 1 || entries[0].EventID != "ev1" {
		t.Fatalf("expired guard still absorbing, got %v", entries)
	}

	// and the guard map must not accumulate expired entries forever
	m.mu.Lock()
	guards := len(m.seen)
	m.mu.Unlock()
	if guards != 1 {
		t.Fatalf("expired guards not pruned, %d left", guards)
	}
}

func TestMailboxRollingCap(t *testing.T) {
	ctx := context.Background()
	m := NewMemMailbox(3, time.Hour)
	for i := 0; i < 5; i++ {
		if err := m.Enqueue(ctx, "bob", "d1", fmt.Sprintf("ev%d", i), []byte("x")); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	entries, _ := m.Drain(ctx, "bob", "d1")
	if len(entries) != 3 {
		t.Fatalf("cap not applied, got %d", len(entries))
	}
	// most recent kept
	if entries[0].EventID != "ev2" || entries[2].EventID != "ev4" {
		t.Fatalf("rolling window wrong: %v, %v", entries[0].EventID, entries[2].EventID)
	}
}
