package store

import (
	"context"
	"sync"
	"time"
)

// MemPresence implements PresenceStore and RouteRegistry in memory with an
// injectable clock, mirroring the redis TTL semantics via IsExpired.
type MemPresence struct {
	mu     sync.Mutex
	recs   map[string]PresenceRecord // userID|deviceID
	routes map[string]string         // userID|deviceID -> gatewayID
	ttl    time.Duration
	Clock  func() time.Time
}

func NewMemPresence(ttl time.Duration) *MemPresence {
	if ttl <= 0 {
		ttl = 90 * time.Second
	}
	return &MemPresence{
		recs:   make(map[string]PresenceRecord),
		routes: make(map[string]string),
		ttl:    ttl,
	}
}

func (p *MemPresence) now() time.Time {
	if p.Clock != nil {
		return p.Clock()
	}
	return time.Now()
}

func presenceMemKey(userID, deviceID string) string { return userID + "|" + deviceID }

func (p *MemPresence) Touch(_ context.Context, userID, deviceID, gatewayID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recs[presenceMemKey(userID, deviceID)] = PresenceRecord{
		UserID:          userID,
		DeviceID:        deviceID,
		GatewayID:       gatewayID,
		LastHeartbeatAt: p.now(),
	}
	return nil
}

func (p *MemPresence) SetOffline(_ context.Context, userID, deviceID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.recs, presenceMemKey(userID, deviceID))
	return nil
}

func (p *MemPresence) DeviceOnline(_ context.Context, userID, deviceID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.recs[presenceMemKey(userID, deviceID)]
	if !ok {
		return false, nil
	}
	return !IsExpired(rec, p.now(), p.ttl), nil
}

func (p *MemPresence) UserOnline(_ context.Context, userID string, deviceIDs []string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	for _, d := range deviceIDs {
		if rec, ok := p.recs[presenceMemKey(userID, d)]; ok && !IsExpired(rec, now, p.ttl) {
			return true, nil
		}
	}
	return false, nil
}

func (p *MemPresence) RegisterRoute(_ context.Context, userID, deviceID, gatewayID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.routes[presenceMemKey(userID, deviceID)] = gatewayID
	return nil
}

func (p *MemPresence) DeregisterRoute(_ context.Context, userID, deviceID, gatewayID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	k := presenceMemKey(userID, deviceID)
	if p.routes[k] == gatewayID {
		delete(p.routes, k)
	}
	return nil
}

func (p *MemPresence) LookupRoute(_ context.Context, userID, deviceID string) (string, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	gw, ok := p.routes[presenceMemKey(userID, deviceID)]
	return gw, ok, nil
}
