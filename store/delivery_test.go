package store

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestTryAdvanceForwardOnly(t *testing.T) {
	ctx := context.Background()
	s := NewMemDelivery()
	if err := s.Create(ctx, "m1", []string{"bob"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	applied, err := s.TryAdvance(ctx, "m1", "bob", StatusRead)
	if err != nil || !applied {
		t.Fatalf("sent->read should apply, got applied=%v err=%v", applied, err)
	}

	// delivered arriving after read must be a no-op
	applied, err = s.TryAdvance(ctx, "m1", "bob", StatusDelivered)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if applied {
		t.Fatalf("read->delivered regression applied")
	}

	rec, err := s.Get(ctx, "m1", "bob")
	if err != nil || rec == nil {
		t.Fatalf("get: rec=%v err=%v", rec, err)
	}
	if rec.Status != StatusRead {
		t.Fatalf("status = %v, want read", rec.Status)
	}
	if rec.ReadAt == nil {
		t.Fatalf("read_at not stamped")
	}
}

func TestTryAdvanceConcurrentExactlyOneApplies(t *testing.T) {
	ctx := context.Background()
	s := NewMemDelivery()
	if err := s.Create(ctx, "m1", []string{"bob"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	const callers = 16
	var wg sync.WaitGroup
	results := make([]bool, callers)
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer wg.Done()
			applied, err := s.TryAdvance(ctx, "m1", "bob", StatusDelivered)
			if err != nil {
				t.Errorf("advance: %v", err)
			}
			results[i] = applied
		}(i)
	}
	wg.Wait()

	applies := 0
	for _, r := range results {
		if r {
			applies++
		}
	}
	if applies != 1 {
		t.Fatalf("exactly one concurrent caller must win, got %d", applies)
	}

	rec, _ := s.Get(ctx, "m1", "bob")
	if rec.DeliveredAt == nil {
		t.Fatalf("delivered_at not stamped")
	}
}

func TestTryAdvanceMissingRecordAbsorbed(t *testing.T) {
	s := NewMemDelivery()
	applied, err := s.TryAdvance(context.Background(), "ghost", "bob", StatusDelivered)
	if err != nil {
		t.Fatalf("stray notification must not error: %v", err)
	}
	if applied {
		t.Fatalf("stray notification must not apply")
	}
}

func TestBatchAdvanceReturnsOnlyAdvanced(t *testing.T) {
	ctx := context.Background()
	s := NewMemDelivery()
	for _, id := range []string{"m1", "m2", "m3"} {
		if err := s.Create(ctx, id, []string{"bob"}); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	// m2 is already read
	if _, err := s.TryAdvance(ctx, "m2", "bob", StatusRead); err != nil {
		t.Fatalf("advance: %v", err)
	}

	advanced, err := s.BatchAdvance(ctx, []string{"m1", "m2", "m3", "unknown"}, "bob", StatusRead)
	if err != nil {
		t.Fatalf("batch advance: %v", err)
	}
	if len(advanced) != 2 {
		t.Fatalf("advanced = %v, want [m1 m3]", advanced)
	}
	for _, id := range advanced {
		if id == "m2" || id == "unknown" {
			t.Fatalf("no-op id %s reported as advanced", id)
		}
	}
}

// flakyDelivery fails the first n calls, then delegates to the mem store.
type flakyDelivery struct {
	*MemDelivery
	mu       sync.Mutex
	failures int
}

func (f *flakyDelivery) fail() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return true
	}
	return false
}

func (f *flakyDelivery) TryAdvance(ctx context.Context, messageID, recipientID string, to Status) (bool, error) {
	if f.fail() {
		return false, context.DeadlineExceeded
	}
	return f.MemDelivery.TryAdvance(ctx, messageID, recipientID, to)
}

func (f *flakyDelivery) Create(ctx context.Context, messageID string, recipientIDs []string) error {
	if f.fail() {
		return context.DeadlineExceeded
	}
	return f.MemDelivery.Create(ctx, messageID, recipientIDs)
}

func TestTryAdvanceRetryRecoversFromTransientFailure(t *testing.T) {
	ctx := context.Background()
	f := &flakyDelivery{MemDelivery: NewMemDelivery(), failures: 2}
	if err := f.MemDelivery.Create(ctx, "m1", []string{"bob"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	applied, err := TryAdvanceRetry(ctx, f, "m1", "bob", StatusDelivered,
		RetryPolicy{Attempts: 3, Backoff: time.Millisecond})
	if err != nil {
		t.Fatalf("retry should recover: %v", err)
	}
	if !applied {
		t.Fatalf("advance should apply after retries")
	}
}

func TestTryAdvanceRetryGivesUpRecoverably(t *testing.T) {
	ctx := context.Background()
	f := &flakyDelivery{MemDelivery: NewMemDelivery(), failures: 100}
	if err := f.MemDelivery.Create(ctx, "m1", []string{"bob"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	_, err := TryAdvanceRetry(ctx, f, "m1", "bob", StatusDelivered,
		RetryPolicy{Attempts: 3, Backoff: time.Millisecond})
	if err == nil {
		t.Fatalf("expected recoverable error after bounded retries")
	}
	// and the record must still be at sent, never unconditionally written
	rec, _ := f.MemDelivery.Get(ctx, "m1", "bob")
	if rec.Status != StatusSent {
		t.Fatalf("status mutated on failed path: %v", rec.Status)
	}
}

func TestCreateRetryRecoversFromTransientFailure(t *testing.T) {
	ctx := context.Background()
	f := &flakyDelivery{MemDelivery: NewMemDelivery(), failures: 2}

	err := CreateRetry(ctx, f, "m1", []string{"bob", "carol"},
		RetryPolicy{Attempts: 3, Backoff: time.Millisecond})
	if err != nil {
		t.Fatalf("retry should recover: %v", err)
	}
	rec, _ := f.MemDelivery.Get(ctx, "m1", "bob")
	if rec == nil || rec.Status != StatusSent {
		t.Fatalf("record missing after recovered create: %v", rec)
	}
}

func TestCreateRetryGivesUpRecoverably(t *testing.T) {
	ctx := context.Background()
	f := &flakyDelivery{MemDelivery: NewMemDelivery(), failures: 100}

	err := CreateRetry(ctx, f, "m1", []string{"bob"},
		RetryPolicy{Attempts: 3, Backoff: time.Millisecond})
	if err == nil {
		t.Fatalf("expected recoverable error after bounded retries")
	}
	rec, _ := f.MemDelivery.Get(ctx, "m1", "bob")
	if rec != nil {
		t.Fatalf("failed create left a record: %v", rec)
	}
}

func TestCreateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemDelivery()
	if err := s.Create(ctx, "m1", []string{"bob"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.TryAdvance(ctx, "m1", "bob", StatusRead); err != nil {
		t.Fatalf("advance: %v", err)
	}
	// client retried the send; status must survive
	if err := s.Create(ctx, "m1", []string{"bob"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	rec, _ := s.Get(ctx, "m1", "bob")
	if rec.Status != StatusRead {
		t.Fatalf("re-create reset status to %v", rec.Status)
	}
}
