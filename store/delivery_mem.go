package store

import (
	"context"
	"sync"
	"time"
)

// MemDelivery mirrors RedisDelivery under a single mutex. Used by tests and
// by single-node deployments without redis.
type MemDelivery struct {
	mu    sync.Mutex
	recs  map[string]*DeliveryRecord // key: messageID|recipientID
	Clock func() time.Time           // injectable for tests; nil => time.Now
}

func NewMemDelivery() *MemDelivery {
	return &MemDelivery{recs: make(map[string]*DeliveryRecord)}
}

func (s *MemDelivery) now() time.Time {
	if s.Clock != nil {
		return s.Clock()
	}
	return time.Now()
}

func memDeliveryKey(messageID, recipientID string) string {
	return messageID + "|" + recipientID
}

func (s *MemDelivery) Create(_ context.Context, messageID string, recipientIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for _, rcpt := range recipientIDs {
		k := memDeliveryKey(messageID, rcpt)
		if _, exists := s.recs[k]; exists {
			continue
		}
		s.recs[k] = &DeliveryRecord{
			MessageID:   messageID,
			RecipientID: rcpt,
			Status:      StatusSent,
			CreatedAt:   now,
		}
	}
	return nil
}

func (s *MemDelivery) TryAdvance(_ context.Context, messageID, recipientID string, to Status) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.advanceLocked(messageID, recipientID, to), nil
}

func (s *MemDelivery) advanceLocked(messageID, recipientID string, to Status) bool {
	rec, ok := s.recs[memDeliveryKey(messageID, recipientID)]
	if !ok {
		return false
	}
	if rec.Status.Rank() >= to.Rank() {
		return false
	}
	rec.Status = to
	now := s.now()
	switch to {
	case StatusDelivered:
		if rec.DeliveredAt == nil {
			rec.DeliveredAt = &now
		}
	case StatusRead:
		if rec.ReadAt == nil {
			rec.ReadAt = &now
		}
	}
	return true
}

func (s *MemDelivery) BatchAdvance(_ context.Context, messageIDs []string, recipientID string, to Status) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var advanced []string
	for _, id := range messageIDs {
		if s.advanceLocked(id, recipientID, to) {
			advanced = append(advanced, id)
		}
	}
	return advanced, nil
}

func (s *MemDelivery) Get(_ context.Context, messageID, recipientID string) (*DeliveryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[memDeliveryKey(messageID, recipientID)]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}
