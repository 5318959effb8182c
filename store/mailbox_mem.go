package store

import (
	"context"
	"sync"
	"time"
)

// MemMailbox is the in-memory MailboxStore for tests and single-node mode.
type MemMailbox struct {
	mu        sync.Mutex
	boxes     map[string][]MailboxEntry // key: userID|deviceID
	seen      map[string]time.Time      // eventID|deviceID -> guard set at
	lastPrune time.Time
	cap       int
	retention time.Duration
	Clock     func() time.Time
}

func NewMemMailbox(cap int, retention time.Duration) *MemMailbox {
	if cap <= 0 {
		cap = 10000
	}
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	return &MemMailbox{
		boxes:     make(map[string][]MailboxEntry),
		seen:      make(map[string]time.Time),
		cap:       cap,
		retention: retention,
	}
}

func (m *MemMailbox) now() time.Time {
	if m.Clock != nil {
		return m.Clock()
	}
	return time.Now()
}

func (m *MemMailbox) Enqueue(_ context.Context, userID, deviceID, eventID string, event []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.pruneSeenLocked(now)
	guard := eventID + "|" + deviceID
	if at, dup := m.seen[guard]; dup && now.Sub(at) < m.retention {
		return nil
	}
	m.seen[guard] = now
	k := userID + "|" + deviceID
	box := append(m.boxes[k], MailboxEntry{
		UserID:     userID,
		DeviceID:   deviceID,
		EventID:    eventID,
		Event:      event,
		EnqueuedAt: now,
	})
	if len(box) > m.cap {
		box = box[len(box)-m.cap:]
	}
	m.boxes[k] = box
	return nil
}

// pruneSeenLocked drops expired dedup guards, the mem counterpart of the
// redis guard key's PX expiry. Runs at most every retention/4 to keep
// Enqueue from rescanning the map on every call.
func (m *MemMailbox) pruneSeenLocked(now time.Time) {
	if now.Sub(m.lastPrune) < m.retention/4 {
		return
	}
	m.lastPrune = now
	for guard, at := range m.seen {
		if now.Sub(at) >= m.retention {
			delete(m.seen, guard)
		}
	}
}

func (m *MemMailbox) Drain(_ context.Context, userID, deviceID string) ([]MailboxEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := userID + "|" + deviceID
	box := m.boxes[k]
	delete(m.boxes, k)
	if len(box) == 0 {
		return nil, nil
	}
	cutoff := m.now().Add(-m.retention)
	out := make([]MailboxEntry, 0, len(box))
	for _, e := range box {
		if e.EnqueuedAt.Before(cutoff) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}
