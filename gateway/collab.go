package gateway

import (
	"context"
	"time"
)

// Message is the persisted chat message as the persistence collaborator
// returns it. The gateway never queries or mutates message rows beyond
// CreateMessage/GetMessage.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Content        string    `json:"content"`
	ReplyToID      string    `json:"reply_to_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Directory answers conversation membership and device ownership questions.
// Read-only from this core's point of view.
type Directory interface {
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
	GetParticipantIDs(ctx context.Context, conversationID string) ([]string, error)
	GetDevicesForUser(ctx context.Context, userID string) ([]string, error)
}

// Persistence creates and reads messages. A send either completes against
// it synchronously or fails and is reported to the sender; there is no
// half-applied state.
type Persistence interface {
	CreateMessage(ctx context.Context, m *Message) (*Message, error)
	GetMessage(ctx context.Context, id string) (*Message, error)
}

// Auth validates connection credentials.
type Auth interface {
	Authenticate(ctx context.Context, token string) (userID, deviceID string, err error)
}

// DeviceRecorder learns (user, device) pairs from successful connections,
// feeding the device list the offline queues target. Optional.
type DeviceRecorder interface {
	RememberDevice(ctx context.Context, userID, deviceID string) error
}
