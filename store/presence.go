package store

import (
	"context"
	"time"
)

// PresenceRecord is one device's heartbeat state. A user's aggregate
// presence is online iff at least one of its device records is unexpired.
type PresenceRecord struct {
	UserID          string    `json:"user_id"`
	DeviceID        string    `json:"device_id"`
	GatewayID       string    `json:"gateway_id"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
}

// IsExpired is the single definition of heartbeat expiry. Expiry doubles as
// implicit offline: a crashed gateway never publishes an offline event, so
// readers must treat an expired record the same as a deleted one.
func IsExpired(rec PresenceRecord, now time.Time, ttl time.Duration) bool {
	return now.Sub(rec.LastHeartbeatAt) > ttl
}

// PresenceStore tracks per-device online state visible to every process.
type PresenceStore interface {
	// Touch refreshes the device heartbeat; called on every pong and every
	// inbound frame.
	Touch(ctx context.Context, userID, deviceID, gatewayID string) error

	// SetOffline removes the device record on clean disconnect.
	SetOffline(ctx context.Context, userID, deviceID string) error

	DeviceOnline(ctx context.Context, userID, deviceID string) (bool, error)

	// UserOnline aggregates over the user's known devices.
	UserOnline(ctx context.Context, userID string, deviceIDs []string) (bool, error)
}

// RouteRegistry is the cross-process connection registry: which gateway
// currently owns the live socket for (user, device). Registration is
// last-writer-wins; a stale entry from a previous owner is advisory only and
// ages out with the TTL.
type RouteRegistry interface {
	RegisterRoute(ctx context.Context, userID, deviceID, gatewayID string) error

	// DeregisterRoute deletes the entry only while gatewayID still owns it,
	// so a disconnect on the old gateway cannot erase a newer registration.
	DeregisterRoute(ctx context.Context, userID, deviceID, gatewayID string) error

	LookupRoute(ctx context.Context, userID, deviceID string) (gatewayID string, ok bool, err error)
}
