package fanout

import (
	"sync"
	"time"
)

// IdemStore answers "has this key been seen before" with a TTL. Subscribers
// use it to absorb the transport's at-least-once redeliveries before any
// side effect runs.
type IdemStore interface {
	SeenOnce(key string, ttl time.Duration) (seen bool, err error)
}

// memIdem is the per-process implementation. Per-process is the right scope
// here: every gateway instance is supposed to handle every event once, so
// dedup only needs to collapse redeliveries to the same process.
type memIdem struct {
	mu  sync.Mutex
	m   map[string]int64 // key -> expiry unix
	ttl time.Duration
}

func NewMemIdem(defaultTTL time.Duration) IdemStore {
	mi := &memIdem{m: make(map[string]int64), ttl: defaultTTL}
	go func() {
		t := time.NewTicker(time.Minute)
		defer t.Stop()
		for range t.C {
			now := time.Now().Unix()
			mi.mu.Lock()
			for k, exp := range mi.m {
				if exp <= now {
					delete(mi.m, k)
				}
			}
			mi.mu.Unlock()
		}
	}()
	return mi
}

func (mi *memIdem) SeenOnce(key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = mi.ttl
	}
	now := time.Now()
	mi.mu.Lock()
	defer mi.mu.Unlock()
	if old, ok := mi.m[key]; ok && old > now.Unix() {
		return true, nil
	}
	mi.m[key] = now.Add(ttl).Unix()
	return false, nil
}
