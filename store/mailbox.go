package store

import (
	"context"
	"time"
)

// MailboxEntry is one undelivered event parked for a device. Event holds the
// encoded domain event exactly as it would have gone over the fanout bus.
type MailboxEntry struct {
	UserID     string    `json:"user_id"`
	DeviceID   string    `json:"device_id"`
	EventID    string    `json:"event_id"`
	Event      []byte    `json:"event"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// MailboxStore is the durable per-device backlog for events that could not
// be delivered live. Entries expire after the retention window even if
// never drained: the mailbox favors bounded staleness over unlimited
// retention.
type MailboxStore interface {
	// Enqueue appends once per (eventID, device): every gateway instance
	// consumes every fanout event, so the same offline event arrives at this
	// method once per process and must collapse to a single entry.
	Enqueue(ctx context.Context, userID, deviceID, eventID string, event []byte) error

	// Drain atomically returns and clears the backlog. Two concurrent drains
	// for the same device must partition the entries between them;
	// read-then-delete in two store operations is not an implementation.
	Drain(ctx context.Context, userID, deviceID string) ([]MailboxEntry, error)
}
