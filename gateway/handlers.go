package gateway

import (
	"context"
	"strings"
	"time"

	"pulseim/logger"
	"pulseim/store"
	"pulseim/tools/errs"
	"pulseim/tools/ids"
)

const maxContentLen = 8192

// handleSend persists a message, records per-participant delivery state,
// acks the sender, archives, and publishes. Persistence failure fails the
// send; a failed publish after the ack is deferred work, never a rollback.
func (s *Server) handleSend(ctx context.Context, c *Client, fr InboundFrame) error {
	f := fr.(SendMessageFrame)
	if strings.TrimSpace(f.ConversationID) == "" || f.Content == "" {
		return errs.ErrMalformedFrame.WithDetail("conversation_id and content are required")
	}
	if len(f.Content) > maxContentLen {
		return errs.ErrMalformedFrame.WithDetail("content too long")
	}

	ok, err := s.deps.Directory.IsParticipant(ctx, f.ConversationID, c.UserID)
	if err != nil {
		return errs.ErrStoreUnavailable.WrapMsg("membership check: " + err.Error())
	}
	if !ok {
		return errs.ErrNotParticipant.WithDetail("conversation=" + f.ConversationID)
	}
	participants, err := s.deps.Directory.GetParticipantIDs(ctx, f.ConversationID)
	if err != nil {
		return errs.ErrStoreUnavailable.WrapMsg("participant lookup: " + err.Error())
	}

	msg, err := s.deps.Persistence.CreateMessage(ctx, &Message{
		ID:             ids.GenerateString(),
		ConversationID: f.ConversationID,
		SenderID:       c.UserID,
		Content:        f.Content,
		ReplyToID:      f.ReplyToID,
		CreatedAt:      time.Now().UTC(),
	})
	if err != nil {
		return errs.ErrStoreUnavailable.WrapMsg("create message: " + err.Error())
	}

	if err := store.CreateRetry(ctx, s.deps.Delivery, msg.ID, participants, s.opts.Retry); err != nil {
		// the message exists; delivery tracking degrades but the send stands
		logger.Errorf("[gateway] delivery records failed msg=%s: %v", msg.ID, err)
	}

	c.Enqueue(MessageSentFrame(f.ClientMessageID, msg))
	s.deps.Archive.Message(msg.ConversationID, NewMessageFrame(msg))

	s.publishEvent(ctx, NewMessageEvent{
		Message:        msg,
		ParticipantIDs: participants,
		SenderID:       c.UserID,
		SenderDeviceID: c.DeviceID,
	})
	return nil
}

// handleTyping relays a typing indicator. Ephemeral: not persisted, not
// queued offline, and a failed publish is only logged.
func (s *Server) handleTyping(ctx context.Context, c *Client, fr InboundFrame) error {
	f := fr.(TypingFrame)
	if f.ConversationID == "" {
		return errs.ErrMalformedFrame.WithDetail("conversation_id is required")
	}
	ok, err := s.deps.Directory.IsParticipant(ctx, f.ConversationID, c.UserID)
	if err != nil {
		return errs.ErrStoreUnavailable.WrapMsg("membership check: " + err.Error())
	}
	if !ok {
		return errs.ErrNotParticipant.WithDetail("conversation=" + f.ConversationID)
	}
	participants, err := s.deps.Directory.GetParticipantIDs(ctx, f.ConversationID)
	if err != nil {
		return errs.ErrStoreUnavailable.WrapMsg("participant lookup: " + err.Error())
	}
	s.publishEvent(ctx, TypingEvent{
		ConversationID: f.ConversationID,
		UserID:         c.UserID,
		IsTyping:       f.IsTyping,
		ParticipantIDs: participants,
	})
	return nil
}

// handleRead advances the reader's delivery record to read. The receipt is
// published only when the advance actually applied, so replayed or stale
// read frames never republish.
func (s *Server) handleRead(ctx context.Context, c *Client, fr InboundFrame) error {
	f := fr.(ReadFrame)
	if f.ConversationID == "" || f.MessageID == "" {
		return errs.ErrMalformedFrame.WithDetail("conversation_id and message_id are required")
	}
	ok, err := s.deps.Directory.IsParticipant(ctx, f.ConversationID, c.UserID)
	if err != nil {
		return errs.ErrStoreUnavailable.WrapMsg("membership check: " + err.Error())
	}
	if !ok {
		return errs.ErrNotParticipant.WithDetail("conversation=" + f.ConversationID)
	}

	applied, err := store.TryAdvanceRetry(ctx, s.deps.Delivery, f.MessageID, c.UserID, store.StatusRead, s.opts.Retry)
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}

	participants, err := s.deps.Directory.GetParticipantIDs(ctx, f.ConversationID)
	if err != nil {
		// record is advanced; the receipt event is deferred work
		logger.Errorf("[gateway] participant lookup failed after read msg=%s: %v", f.MessageID, err)
		return nil
	}
	ev := ReadReceiptEvent{
		ConversationID: f.ConversationID,
		UserID:         c.UserID,
		MessageID:      f.MessageID,
		ParticipantIDs: participants,
	}
	s.deps.Archive.Receipt(f.ConversationID, ReadReceiptFrame(ev))
	s.publishEvent(ctx, ev)
	return nil
}

// handleReaction validates against the target message, then publishes.
// Reaction state itself lives with the persistence collaborator.
func (s *Server) handleReaction(ctx context.Context, c *Client, fr InboundFrame) error {
	f := fr.(ReactionFrame)
	if f.MessageID == "" || f.Reaction == "" {
		return errs.ErrMalformedFrame.WithDetail("message_id and reaction are required")
	}
	msg, err := s.deps.Persistence.GetMessage(ctx, f.MessageID)
	if err != nil {
		return errs.ErrStoreUnavailable.WrapMsg("message lookup: " + err.Error())
	}
	if msg == nil {
		return errs.ErrMalformedFrame.WithDetail("unknown message " + f.MessageID)
	}
	ok, err := s.deps.Directory.IsParticipant(ctx, msg.ConversationID, c.UserID)
	if err != nil {
		return errs.ErrStoreUnavailable.WrapMsg("membership check: " + err.Error())
	}
	if !ok {
		return errs.ErrNotParticipant.WithDetail("conversation=" + msg.ConversationID)
	}
	s.publishEvent(ctx, ReactionUpdateEvent{
		ConversationID: msg.ConversationID,
		MessageID:      f.MessageID,
		UserID:         c.UserID,
		Reaction:       f.Reaction,
		Remove:         f.Remove,
		ParticipantIDs: s.participantsOf(ctx, msg.ConversationID),
	})
	return nil
}

func (s *Server) participantsOf(ctx context.Context, conversationID string) []string {
	out, err := s.deps.Directory.GetParticipantIDs(ctx, conversationID)
	if err != nil {
		logger.Errorf("[gateway] participant lookup failed conv=%s: %v", conversationID, err)
		return nil
	}
	return out
}

// handleSync re-runs the backlog drain on client request, e.g. after the
// client suspects it missed frames.
func (s *Server) handleSync(ctx context.Context, c *Client, _ InboundFrame) error {
	if err := s.syncBacklog(ctx, c); err != nil {
		return errs.ErrStoreUnavailable.WrapMsg("backlog sync: " + err.Error())
	}
	return nil
}
