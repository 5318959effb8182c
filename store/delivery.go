package store

import (
	"context"
	"time"

	"pulseim/logger"
	"pulseim/tools/errs"
)

// DeliveryStore holds delivery status records with conditional, rank-ordered
// updates. All mutations are atomic store operations; there is no
// read-modify-write from the caller's side.
type DeliveryStore interface {
	// Create writes one record per recipient at StatusSent. Existing records
	// are left untouched (client retries of a send must not reset status).
	Create(ctx context.Context, messageID string, recipientIDs []string) error

	// TryAdvance moves the record to `to` iff rank(current) < rank(to), and
	// stamps the matching timestamp if unset. applied=false means the record
	// was already at or past `to`, a normal outcome of duplicate or
	// out-of-order notifications, not an error.
	TryAdvance(ctx context.Context, messageID, recipientID string, to Status) (applied bool, err error)

	// BatchAdvance applies the same predicate to a set of messages as one
	// atomic store operation and returns the subset actually advanced.
	BatchAdvance(ctx context.Context, messageIDs []string, recipientID string, to Status) (advanced []string, err error)

	// Get reads one record (audit trail), nil if it does not exist.
	Get(ctx context.Context, messageID, recipientID string) (*DeliveryRecord, error)
}

// RetryPolicy bounds retries against a transiently failing store.
type RetryPolicy struct {
	Attempts int           // total attempts, not extra retries
	Backoff  time.Duration // first backoff, tripled per attempt
}

func (p RetryPolicy) norm() RetryPolicy {
	if p.Attempts <= 0 {
		p.Attempts = 3
	}
	if p.Backoff <= 0 {
		p.Backoff = 100 * time.Millisecond
	}
	return p
}

// TryAdvanceRetry retries the whole conditional mutation on transient store
// failure. It never degrades to an unconditional write: every attempt goes
// through TryAdvance so the monotonicity invariant holds on every path.
func TryAdvanceRetry(ctx context.Context, s DeliveryStore, messageID, recipientID string, to Status, p RetryPolicy) (bool, error) {
	p = p.norm()
	backoff := p.Backoff
	var lastErr error
	for i := 0; i < p.Attempts; i++ {
		applied, err := s.TryAdvance(ctx, messageID, recipientID, to)
		if err == nil {
			return applied, nil
		}
		lastErr = err
		logger.Warnf("[delivery] try_advance attempt %d/%d failed msg=%s rcpt=%s: %v",
			i+1, p.Attempts, messageID, recipientID, err)
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 3
	}
	return false, errs.ErrStoreUnavailable.WrapMsg(lastErr.Error())
}

// CreateRetry retries record creation on transient store failure. Create
// never resets an existing record, so replaying the whole call is safe.
func CreateRetry(ctx context.Context, s DeliveryStore, messageID string, recipientIDs []string, p RetryPolicy) error {
	p = p.norm()
	backoff := p.Backoff
	var lastErr error
	for i := 0; i < p.Attempts; i++ {
		err := s.Create(ctx, messageID, recipientIDs)
		if err == nil {
			return nil
		}
		lastErr = err
		logger.Warnf("[delivery] create attempt %d/%d failed msg=%s: %v",
			i+1, p.Attempts, messageID, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 3
	}
	return errs.ErrStoreUnavailable.WrapMsg(lastErr.Error())
}

// BatchAdvanceRetry is TryAdvanceRetry for BatchAdvance.
func BatchAdvanceRetry(ctx context.Context, s DeliveryStore, messageIDs []string, recipientID string, to Status, p RetryPolicy) ([]string, error) {
	p = p.norm()
	backoff := p.Backoff
	var lastErr error
	for i := 0; i < p.Attempts; i++ {
		advanced, err := s.BatchAdvance(ctx, messageIDs, recipientID, to)
		if err == nil {
			return advanced, nil
		}
		lastErr = err
		logger.Warnf("[delivery] batch_advance attempt %d/%d failed rcpt=%s: %v",
			i+1, p.Attempts, recipientID, err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 3
	}
	return nil, errs.ErrStoreUnavailable.WrapMsg(lastErr.Error())
}
