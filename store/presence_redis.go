package store

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// RedisPresence backs both PresenceStore and RouteRegistry. Presence keys
// carry the TTL, so expiry is lazy: a missing key is an expired heartbeat
// and no cluster-side sweeper is needed.
type RedisPresence struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisPresence(rdb *redis.Client, ttl time.Duration) *RedisPresence {
	if ttl <= 0 {
		ttl = 90 * time.Second
	}
	return &RedisPresence{rdb: rdb, ttl: ttl}
}

func presenceKey(userID, deviceID string) string {
	return "im:prs:" + userID + ":" + deviceID
}

func routeKey(userID, deviceID string) string {
	return "im:rt:" + userID + ":" + deviceID
}

func (p *RedisPresence) Touch(ctx context.Context, userID, deviceID, gatewayID string) error {
	err := p.rdb.Set(ctx, presenceKey(userID, deviceID), gatewayID, p.ttl).Err()
	return errors.Wrapf(err, "presence touch user=%s device=%s", userID, deviceID)
}

func (p *RedisPresence) SetOffline(ctx context.Context, userID, deviceID string) error {
	err := p.rdb.Del(ctx, presenceKey(userID, deviceID)).Err()
	return errors.Wrapf(err, "presence offline user=%s device=%s", userID, deviceID)
}

func (p *RedisPresence) DeviceOnline(ctx context.Context, userID, deviceID string) (bool, error) {
	n, err := p.rdb.Exists(ctx, presenceKey(userID, deviceID)).Result()
	if err != nil {
		return false, errors.Wrap(err, "presence lookup")
	}
	return n == 1, nil
}

func (p *RedisPresence) UserOnline(ctx context.Context, userID string, deviceIDs []string) (bool, error) {
	if len(deviceIDs) == 0 {
		return false, nil
	}
	keys := make([]string, len(deviceIDs))
	for i, d := range deviceIDs {
		keys[i] = presenceKey(userID, d)
	}
	n, err := p.rdb.Exists(ctx, keys...).Result()
	if err != nil {
		return false, errors.Wrap(err, "presence aggregate lookup")
	}
	return n > 0, nil
}

// route registry

// Delete only while still owned, so an old gateway's teardown cannot erase
// a takeover registration.
var deregisterScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

func (p *RedisPresence) RegisterRoute(ctx context.Context, userID, deviceID, gatewayID string) error {
	// plain SET = last-writer-wins
	err := p.rdb.Set(ctx, routeKey(userID, deviceID), gatewayID, p.ttl).Err()
	return errors.Wrapf(err, "register route user=%s device=%s", userID, deviceID)
}

func (p *RedisPresence) DeregisterRoute(ctx context.Context, userID, deviceID, gatewayID string) error {
	err := deregisterScript.Run(ctx, p.rdb, []string{routeKey(userID, deviceID)}, gatewayID).Err()
	return errors.Wrapf(err, "deregister route user=%s device=%s", userID, deviceID)
}

func (p *RedisPresence) LookupRoute(ctx context.Context, userID, deviceID string) (string, bool, error) {
	val, err := p.rdb.Get(ctx, routeKey(userID, deviceID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(err, "lookup route")
	}
	return val, true, nil
}
