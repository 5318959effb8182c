package gateway

import (
	"encoding/json"

	"pulseim/tools/errs"
)

// Client frames: a tagged union keyed by "type". Inbound frames decode into
// one variant each; outbound frames are built by the helpers below.

const (
	FrameSendMessage = "send_message"
	FrameTyping      = "typing"
	FrameRead        = "read"
	FrameReaction    = "reaction"
	FrameSync        = "sync"

	FrameConnected       = "connected"
	FrameOfflineMessages = "offline_messages"
	FrameNewMessage      = "new_message"
	FrameMessageSent     = "message_sent"
	FrameReadReceipt     = "read_receipt"
	FrameReactionUpdate  = "reaction_update"
	FramePresence        = "presence"
	FrameError           = "error"
)

type InboundFrame interface {
	FrameKind() string
}

type SendMessageFrame struct {
	ConversationID  string `json:"conversation_id"`
	Content         string `json:"content"`
	ReplyToID       string `json:"reply_to_id,omitempty"`
	ClientMessageID string `json:"client_message_id,omitempty"`
}

func (SendMessageFrame) FrameKind() string { return FrameSendMessage }

type TypingFrame struct {
	ConversationID string `json:"conversation_id"`
	IsTyping       bool   `json:"is_typing"`
}

func (TypingFrame) FrameKind() string { return FrameTyping }

type ReadFrame struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
}

func (ReadFrame) FrameKind() string { return FrameRead }

type ReactionFrame struct {
	MessageID string `json:"message_id"`
	Reaction  string `json:"reaction"`
	Remove    bool   `json:"remove,omitempty"`
}

func (ReactionFrame) FrameKind() string { return FrameReaction }

type SyncFrame struct{}

func (SyncFrame) FrameKind() string { return FrameSync }

// DecodeInbound parses a client frame. A missing or unknown type yields
// ErrUnknownFrame; bad JSON yields ErrMalformedFrame. Neither closes the
// connection; the caller answers with an error frame.
func DecodeInbound(raw []byte) (InboundFrame, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, errs.ErrMalformedFrame.WrapMsg(err.Error())
	}
	switch head.Type {
	case FrameSendMessage:
		var f SendMessageFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, errs.ErrMalformedFrame.WrapMsg(err.Error())
		}
		return f, nil
	case FrameTyping:
		var f TypingFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, errs.ErrMalformedFrame.WrapMsg(err.Error())
		}
		return f, nil
	case FrameRead:
		var f ReadFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, errs.ErrMalformedFrame.WrapMsg(err.Error())
		}
		return f, nil
	case FrameReaction:
		var f ReactionFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, errs.ErrMalformedFrame.WrapMsg(err.Error())
		}
		return f, nil
	case FrameSync:
		return SyncFrame{}, nil
	default:
		return nil, errs.ErrUnknownFrame.WithDetail("type=" + head.Type)
	}
}

// outbound builders

type outboundBase struct {
	Type string `json:"type"`
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		// outbound frames are plain structs; this cannot fail at runtime
		panic(err)
	}
	return b
}

func ConnectedFrame(userID, deviceID string) []byte {
	return mustJSON(struct {
		outboundBase
		UserID   string `json:"user_id"`
		DeviceID string `json:"device_id"`
	}{outboundBase{FrameConnected}, userID, deviceID})
}

// OfflineMessagesFrame batches the drained backlog: each element is the
// outbound frame the event would have produced live, oldest first.
func OfflineMessagesFrame(frames []json.RawMessage) []byte {
	if frames == nil {
		frames = []json.RawMessage{}
	}
	return mustJSON(struct {
		outboundBase
		Messages []json.RawMessage `json:"messages"`
	}{outboundBase{FrameOfflineMessages}, frames})
}

func NewMessageFrame(m *Message) []byte {
	return mustJSON(struct {
		outboundBase
		Message *Message `json:"message"`
	}{outboundBase{FrameNewMessage}, m})
}

func MessageSentFrame(clientMessageID string, m *Message) []byte {
	return mustJSON(struct {
		outboundBase
		ClientMessageID string   `json:"client_message_id,omitempty"`
		Message         *Message `json:"message"`
	}{outboundBase{FrameMessageSent}, clientMessageID, m})
}

func TypingOutFrame(ev TypingEvent) []byte {
	return mustJSON(struct {
		outboundBase
		ConversationID string `json:"conversation_id"`
		UserID         string `json:"user_id"`
		IsTyping       bool   `json:"is_typing"`
	}{outboundBase{FrameTyping}, ev.ConversationID, ev.UserID, ev.IsTyping})
}

func ReadReceiptFrame(ev ReadReceiptEvent) []byte {
	return mustJSON(struct {
		outboundBase
		ConversationID string `json:"conversation_id"`
		UserID         string `json:"user_id"`
		MessageID      string `json:"message_id"`
	}{outboundBase{FrameReadReceipt}, ev.ConversationID, ev.UserID, ev.MessageID})
}

func ReactionUpdateFrame(ev ReactionUpdateEvent) []byte {
	return mustJSON(struct {
		outboundBase
		ConversationID string `json:"conversation_id"`
		MessageID      string `json:"message_id"`
		UserID         string `json:"user_id"`
		Reaction       string `json:"reaction"`
		Remove         bool   `json:"remove,omitempty"`
	}{outboundBase{FrameReactionUpdate}, ev.ConversationID, ev.MessageID, ev.UserID, ev.Reaction, ev.Remove})
}

func PresenceFrame(userID, status string) []byte {
	return mustJSON(struct {
		outboundBase
		UserID string `json:"user_id"`
		Status string `json:"status"`
	}{outboundBase{FramePresence}, userID, status})
}

// ErrorFrame reports a failure to the sender only; the connection stays
// open. clientMessageID correlates the error to a pending client send.
func ErrorFrame(err error, clientMessageID string) []byte {
	code := errs.CodeInternal
	msg := "internal error"
	if ce := errs.CodeOf(err); ce != nil {
		code = ce.Code
		msg = ce.Msg
		if ce.Detail != "" {
			msg = msg + ": " + ce.Detail
		}
	}
	return mustJSON(struct {
		outboundBase
		Error           string `json:"error"`
		Code            int    `json:"code"`
		ClientMessageID string `json:"client_message_id,omitempty"`
	}{outboundBase{FrameError}, msg, code, clientMessageID})
}
