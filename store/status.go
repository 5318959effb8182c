package store

import "time"

// Status is the per-recipient delivery state of one message. The rank order
// sent < delivered < read is the invariant every store implementation
// enforces: a record's status never moves backwards.
type Status int

const (
	StatusSent Status = iota
	StatusDelivered
	StatusRead
)

func (s Status) Rank() int { return int(s) }

func (s Status) String() string {
	switch s {
	case StatusSent:
		return "sent"
	case StatusDelivered:
		return "delivered"
	case StatusRead:
		return "read"
	}
	return "unknown"
}

// DeliveryRecord is the audit record for one (message, recipient) pair.
// Records are created at send time and never deleted.
type DeliveryRecord struct {
	MessageID   string     `json:"message_id"`
	RecipientID string     `json:"recipient_id"`
	Status      Status     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	ReadAt      *time.Time `json:"read_at,omitempty"`
}
