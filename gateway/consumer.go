package gateway

import (
	"context"

	"pulseim/fanout"
	"pulseim/logger"
	"pulseim/store"
)

// onFanoutEvent is the single bus handler for every topic. The bus is
// at-least-once, so the dedup id gates redeliveries before any effect runs.
func (s *Server) onFanoutEvent(ctx context.Context, topic fanout.Topic, data []byte) error {
	id, ev, err := DecodeEvent(data)
	if err != nil {
		// poison event; returning the error would only redeliver it
		logger.Errorf("[gateway] dropping undecodable event topic=%s: %v", topic, err)
		return nil
	}
	seen, err := s.deps.Idem.SeenOnce(string(topic)+":"+id, s.opts.IdemTTL)
	if err != nil {
		logger.Warnf("[gateway] idem check failed id=%s, delivering anyway: %v", id, err)
	} else if seen {
		return nil
	}

	switch e := ev.(type) {
	case NewMessageEvent:
		s.deliverNewMessage(ctx, id, e, data)
	case TypingEvent:
		s.deliverToParticipants(e.ParticipantIDs, TypingOutFrame(e))
	case ReadReceiptEvent:
		s.deliverToParticipants(e.ParticipantIDs, ReadReceiptFrame(e))
		s.enqueueOffline(ctx, id, e.ParticipantIDs, data)
	case ReactionUpdateEvent:
		s.deliverToParticipants(e.ParticipantIDs, ReactionUpdateFrame(e))
		s.enqueueOffline(ctx, id, e.ParticipantIDs, data)
	case PresenceEvent:
		s.deliverPresence(e)
	}
	return nil
}

// deliverNewMessage pushes to every locally connected participant device
// except the sender's originating device, marks those recipients delivered,
// and queues the event for participants with no live connection anywhere.
func (s *Server) deliverNewMessage(ctx context.Context, eventID string, e NewMessageEvent, raw []byte) {
	frame := NewMessageFrame(e.Message)
	for _, pid := range e.ParticipantIDs {
		conns := s.reg.LocalConnsFor(pid)
		local := conns[:0:0]
		for _, c := range conns {
			if pid == e.SenderID && c.DeviceID == e.SenderDeviceID {
				continue
			}
			local = append(local, c)
		}

		if len(local) > 0 {
			s.pool.deliver(local, frame)
			if pid != e.SenderID {
				if _, err := store.TryAdvanceRetry(ctx, s.deps.Delivery, e.Message.ID, pid, store.StatusDelivered, s.opts.Retry); err != nil {
					logger.Errorf("[gateway] mark delivered failed msg=%s user=%s: %v", e.Message.ID, pid, err)
				}
			}
			continue
		}
		if pid == e.SenderID {
			continue
		}
		s.enqueueOfflineFor(ctx, eventID, pid, raw)
	}
}

// deliverToParticipants pushes a frame to every local connection of the
// listed users. The acting user's own devices are included: a read on one
// device is how the other devices learn the read state.
func (s *Server) deliverToParticipants(participantIDs []string, frame []byte) {
	for _, pid := range participantIDs {
		if conns := s.reg.LocalConnsFor(pid); len(conns) > 0 {
			s.pool.deliver(conns, frame)
		}
	}
}

// deliverPresence broadcasts a presence change to every local connection
// except the subject's own.
func (s *Server) deliverPresence(e PresenceEvent) {
	frame := PresenceFrame(e.UserID, e.Status)
	conns := s.reg.AllConns()
	kept := conns[:0:0]
	for _, c := range conns {
		if c.UserID == e.UserID {
			continue
		}
		kept = append(kept, c)
	}
	if len(kept) > 0 {
		s.pool.deliver(kept, frame)
	}
}

// enqueueOffline queues the raw event for each participant who is offline
// everywhere. The enqueue is keyed by event id per device, so the N
// gateways that all consumed this event store it once.
func (s *Server) enqueueOffline(ctx context.Context, eventID string, participantIDs []string, raw []byte) {
	for _, pid := range participantIDs {
		if s.reg.CountForUser(pid) > 0 {
			continue
		}
		s.enqueueOfflineFor(ctx, eventID, pid, raw)
	}
}

func (s *Server) enqueueOfflineFor(ctx context.Context, eventID, userID string, raw []byte) {
	devices, err := s.deps.Directory.GetDevicesForUser(ctx, userID)
	if err != nil {
		logger.Errorf("[gateway] get devices failed user=%s: %v", userID, err)
		return
	}
	online, err := s.deps.Presence.UserOnline(ctx, userID, devices)
	if err != nil {
		logger.Errorf("[gateway] presence read failed user=%s: %v", userID, err)
		return
	}
	if online {
		// connected to another gateway; that instance delivers live
		return
	}
	for _, did := range devices {
		if err := s.deps.Mailbox.Enqueue(ctx, userID, did, eventID, raw); err != nil {
			logger.Errorf("[gateway] offline enqueue failed user=%s device=%s: %v", userID, did, err)
		}
	}
}
