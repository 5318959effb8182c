package gateway

import (
	"encoding/json"
	"fmt"

	"pulseim/fanout"
	"pulseim/tools/ids"
)

// Domain events carried on the fanout bus. Every variant except Presence
// embeds its recipient list so delivery never needs a live membership query
// downstream of the publisher.

const (
	OpNewMessage     = "new_message"
	OpTyping         = "typing"
	OpReadReceipt    = "read_receipt"
	OpReactionUpdate = "reaction_update"
	OpPresence       = "presence"
)

type Event interface {
	EventOp() string
}

type NewMessageEvent struct {
	Message        *Message `json:"message"`
	ParticipantIDs []string `json:"participant_ids"`
	SenderID       string   `json:"sender_id"`
	SenderDeviceID string   `json:"sender_device_id"`
}

func (NewMessageEvent) EventOp() string { return OpNewMessage }

type TypingEvent struct {
	ConversationID string   `json:"conversation_id"`
	UserID         string   `json:"user_id"`
	IsTyping       bool     `json:"is_typing"`
	ParticipantIDs []string `json:"participant_ids"`
}

func (TypingEvent) EventOp() string { return OpTyping }

type ReadReceiptEvent struct {
	ConversationID string   `json:"conversation_id"`
	UserID         string   `json:"user_id"`
	MessageID      string   `json:"message_id"`
	ParticipantIDs []string `json:"participant_ids"`
}

func (ReadReceiptEvent) EventOp() string { return OpReadReceipt }

type ReactionUpdateEvent struct {
	ConversationID string   `json:"conversation_id"`
	MessageID      string   `json:"message_id"`
	UserID         string   `json:"user_id"`
	Reaction       string   `json:"reaction"`
	Remove         bool     `json:"remove"`
	ParticipantIDs []string `json:"participant_ids"`
}

func (ReactionUpdateEvent) EventOp() string { return OpReactionUpdate }

type PresenceEvent struct {
	UserID string `json:"user_id"`
	Status string `json:"status"` // online | offline
}

func (PresenceEvent) EventOp() string { return OpPresence }

// TopicFor maps an event variant to its bus topic.
func TopicFor(ev Event) fanout.Topic {
	switch ev.(type) {
	case NewMessageEvent, *NewMessageEvent:
		return fanout.TopicMessages
	case TypingEvent, *TypingEvent:
		return fanout.TopicTyping
	case ReadReceiptEvent, *ReadReceiptEvent:
		return fanout.TopicReadReceipts
	case ReactionUpdateEvent, *ReactionUpdateEvent:
		return fanout.TopicReactions
	case PresenceEvent, *PresenceEvent:
		return fanout.TopicPresence
	}
	return ""
}

// eventEnvelope is the wire shape: op discriminator, dedup id, payload.
type eventEnvelope struct {
	Op   string          `json:"op"`
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data"`
}

// EncodeEvent wraps ev with a fresh dedup id.
func EncodeEvent(ev Event) (id string, data []byte, err error) {
	return encodeEventWithID(ids.GenerateString(), ev)
}

func encodeEventWithID(id string, ev Event) (string, []byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return "", nil, fmt.Errorf("marshal event %s: %w", ev.EventOp(), err)
	}
	b, err := json.Marshal(eventEnvelope{Op: ev.EventOp(), ID: id, Data: payload})
	if err != nil {
		return "", nil, fmt.Errorf("marshal envelope %s: %w", ev.EventOp(), err)
	}
	return id, b, nil
}

// DecodeEvent parses an envelope and dispatches on the op discriminator.
// Unknown ops are an error: the set of variants is closed.
func DecodeEvent(data []byte) (id string, ev Event, err error) {
	var env eventEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	switch env.Op {
	case OpNewMessage:
		var e NewMessageEvent
		err = json.Unmarshal(env.Data, &e)
		ev = e
	case OpTyping:
		var e TypingEvent
		err = json.Unmarshal(env.Data, &e)
		ev = e
	case OpReadReceipt:
		var e ReadReceiptEvent
		err = json.Unmarshal(env.Data, &e)
		ev = e
	case OpReactionUpdate:
		var e ReactionUpdateEvent
		err = json.Unmarshal(env.Data, &e)
		ev = e
	case OpPresence:
		var e PresenceEvent
		err = json.Unmarshal(env.Data, &e)
		ev = e
	default:
		return "", nil, fmt.Errorf("unknown event op %q", env.Op)
	}
	if err != nil {
		return "", nil, fmt.Errorf("unmarshal event %s: %w", env.Op, err)
	}
	return env.ID, ev, nil
}
