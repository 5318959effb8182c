// Package directory backs the gateway's membership, device and message
// collaborators with mongo collections. One Store satisfies both the
// directory and the persistence side.
package directory

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"pulseim/gateway"
	"pulseim/tools/errs"
)

const (
	collConversations = "conversations"
	collDevices       = "devices"
	collMessages      = "messages"
)

type conversationDoc struct {
	ConversationID string   `bson:"conversation_id"`
	ParticipantIDs []string `bson:"participant_ids"`
}

type deviceDoc struct {
	UserID   string    `bson:"user_id"`
	DeviceID string    `bson:"device_id"`
	LastSeen time.Time `bson:"last_seen"`
}

type messageDoc struct {
	MessageID      string    `bson:"message_id"`
	ConversationID string    `bson:"conversation_id"`
	SenderID       string    `bson:"sender_id"`
	Content        string    `bson:"content"`
	ReplyToID      string    `bson:"reply_to_id,omitempty"`
	CreatedAt      time.Time `bson:"created_at"`
}

type Store struct {
	db *mongo.Database
}

func NewStore(db *mongo.Database) *Store {
	return &Store{db: db}
}

func (s *Store) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	n, err := s.db.Collection(collConversations).CountDocuments(ctx, bson.M{
		"conversation_id": conversationID,
		"participant_ids": userID,
	})
	if err != nil {
		return false, errs.WrapMsg(err, "count participant")
	}
	return n > 0, nil
}

func (s *Store) GetParticipantIDs(ctx context.Context, conversationID string) ([]string, error) {
	var doc conversationDoc
	err := s.db.Collection(collConversations).
		FindOne(ctx, bson.M{"conversation_id": conversationID}).
		Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, errs.WrapMsg(err, "find conversation")
	}
	return doc.ParticipantIDs, nil
}

func (s *Store) GetDevicesForUser(ctx context.Context, userID string) ([]string, error) {
	raw, err := s.db.Collection(collDevices).
		Distinct(ctx, "device_id", bson.M{"user_id": userID})
	if err != nil {
		return nil, errs.WrapMsg(err, "list devices")
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if id, ok := v.(string); ok {
			out = append(out, id)
		}
	}
	return out, nil
}

// RememberDevice upserts the (user, device) pair on successful auth so
// offline queues can target every device the user ever connected with.
func (s *Store) RememberDevice(ctx context.Context, userID, deviceID string) error {
	_, err := s.db.Collection(collDevices).UpdateOne(ctx,
		bson.M{"user_id": userID, "device_id": deviceID},
		bson.M{"$set": bson.M{"last_seen": time.Now().UTC()}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return errs.WrapMsg(err, "remember device")
	}
	return nil
}

func (s *Store) CreateMessage(ctx context.Context, m *gateway.Message) (*gateway.Message, error) {
	doc := messageDoc{
		MessageID:      m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		ReplyToID:      m.ReplyToID,
		CreatedAt:      m.CreatedAt,
	}
	if _, err := s.db.Collection(collMessages).InsertOne(ctx, doc); err != nil {
		return nil, errs.WrapMsg(err, "insert message")
	}
	cp := *m
	return &cp, nil
}

func (s *Store) GetMessage(ctx context.Context, id string) (*gateway.Message, error) {
	var doc messageDoc
	err := s.db.Collection(collMessages).
		FindOne(ctx, bson.M{"message_id": id}).
		Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, errs.WrapMsg(err, "find message")
	}
	return &gateway.Message{
		ID:             doc.MessageID,
		ConversationID: doc.ConversationID,
		SenderID:       doc.SenderID,
		Content:        doc.Content,
		ReplyToID:      doc.ReplyToID,
		CreatedAt:      doc.CreatedAt,
	}, nil
}
