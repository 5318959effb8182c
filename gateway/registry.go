package gateway

import (
	"sync"
	"time"

	"pulseim/tools/safe"
)

// RegistryConf tunes the local connection registry.
type RegistryConf struct {
	TTL        time.Duration    // connection expiry without a heartbeat
	SweepEvery time.Duration
	Clock      func() time.Time // injectable for tests; nil => time.Now
}

func (c *RegistryConf) norm() {
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.TTL <= 0 {
		c.TTL = 90 * time.Second
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = 10 * time.Second
	}
}

// Registry is the process-local connection registry: which live sockets
// this process owns, indexed by connection and by user. The cluster-wide
// view is the shared route registry, a different object on purpose.
type Registry struct {
	mu     sync.RWMutex
	byConn map[string]*Client
	byUser map[string]map[string]*Client // userID -> connID -> client
	beats  map[string]time.Time          // connID -> last heartbeat

	conf     RegistryConf
	onExpire func(*Client)
	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewRegistry starts the sweeper; onExpire runs outside the lock for every
// connection whose heartbeat lapsed (the caller's disconnect path).
func NewRegistry(conf RegistryConf, onExpire func(*Client)) *Registry {
	conf.norm()
	r := &Registry{
		byConn:   make(map[string]*Client),
		byUser:   make(map[string]map[string]*Client),
		beats:    make(map[string]time.Time),
		conf:     conf,
		onExpire: onExpire,
		stopCh:   make(chan struct{}),
	}
	safe.Go("registry-sweeper", r.sweeper)
	return r
}

func (r *Registry) Register(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byConn[c.ConnID] = c
	m := r.byUser[c.UserID]
	if m == nil {
		m = make(map[string]*Client)
		r.byUser[c.UserID] = m
	}
	m[c.ConnID] = c
	r.beats[c.ConnID] = r.conf.Clock()
}

// Deregister removes and returns the client, nil if unknown.
func (r *Registry) Deregister(connID string) *Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deregisterLocked(connID)
}

func (r *Registry) deregisterLocked(connID string) *Client {
	c, ok := r.byConn[connID]
	if !ok {
		return nil
	}
	delete(r.byConn, connID)
	delete(r.beats, connID)
	if m := r.byUser[c.UserID]; m != nil {
		delete(m, connID)
		if len(m) == 0 {
			delete(r.byUser, c.UserID)
		}
	}
	return c
}

// LocalConnsFor lists this process's live connections for a user.
func (r *Registry) LocalConnsFor(userID string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m := r.byUser[userID]
	if len(m) == 0 {
		return nil
	}
	out := make([]*Client, 0, len(m))
	for _, c := range m {
		out = append(out, c)
	}
	return out
}

// AllConns snapshots every live connection, for process-wide broadcasts.
func (r *Registry) AllConns() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Client, 0, len(r.byConn))
	for _, c := range r.byConn {
		out = append(out, c)
	}
	return out
}

func (r *Registry) CountForUser(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID])
}

// Heartbeat refreshes a connection's expiry. Called from the pong handler
// and from every inbound frame.
func (r *Registry) Heartbeat(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byConn[connID]; ok {
		r.beats[connID] = r.conf.Clock()
	}
}

func (r *Registry) Close() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.mu.Lock()
	conns := make([]*Client, 0, len(r.byConn))
	for _, c := range r.byConn {
		conns = append(conns, c)
	}
	r.byConn = make(map[string]*Client)
	r.byUser = make(map[string]map[string]*Client)
	r.beats = make(map[string]time.Time)
	r.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

func (r *Registry) sweeper() {
	t := time.NewTicker(r.conf.SweepEvery)
	defer t.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case now := <-t.C:
			r.sweepOnce(now)
		}
	}
}

func (r *Registry) sweepOnce(now time.Time) {
	var expired []*Client
	r.mu.Lock()
	for connID, beat := range r.beats {
		if now.Sub(beat) > r.conf.TTL {
			if c := r.deregisterLocked(connID); c != nil {
				expired = append(expired, c)
			}
		}
	}
	r.mu.Unlock()

	// close and notify outside the lock
	for _, c := range expired {
		c.Close()
		if r.onExpire != nil {
			r.onExpire(c)
		}
	}
}
