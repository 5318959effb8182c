package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// RedisMailbox keeps one list per (user, device). The enqueue guard key
// collapses the per-gateway duplicate enqueues of a single fanout event; the
// drain script makes return-and-clear a single atomic EVAL.
type RedisMailbox struct {
	rdb       *redis.Client
	cap       int
	retention time.Duration
}

func NewRedisMailbox(rdb *redis.Client, cap int, retention time.Duration) *RedisMailbox {
	if cap <= 0 {
		cap = 10000
	}
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	return &RedisMailbox{rdb: rdb, cap: cap, retention: retention}
}

func mailboxKey(userID, deviceID string) string {
	return "im:mbx:" + userID + ":" + deviceID
}

func mailboxOnceKey(eventID, deviceID string) string {
	return "im:mbx:once:" + eventID + ":" + deviceID
}

// KEYS[1] list, KEYS[2] once-guard; ARGV: entry, cap, retention ms.
// SET NX on the guard and the append happen in one script so a crash between
// them cannot lose the entry while keeping the guard.
var enqueueScript = redis.NewScript(`
if redis.call('SET', KEYS[2], '1', 'NX', 'PX', ARGV[3]) == false then
  return 0
end
redis.call('RPUSH', KEYS[1], ARGV[1])
redis.call('LTRIM', KEYS[1], -tonumber(ARGV[2]), -1)
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

var drainScript = redis.NewScript(`
local vals = redis.call('LRANGE', KEYS[1], 0, -1)
redis.call('DEL', KEYS[1])
return vals
`)

func (m *RedisMailbox) Enqueue(ctx context.Context, userID, deviceID, eventID string, event []byte) error {
	entry := MailboxEntry{
		UserID:     userID,
		DeviceID:   deviceID,
		EventID:    eventID,
		Event:      event,
		EnqueuedAt: time.Now(),
	}
	b, err := json.Marshal(entry)
	if err != nil {
		return errors.Wrap(err, "marshal mailbox entry")
	}
	err = enqueueScript.Run(ctx, m.rdb,
		[]string{mailboxKey(userID, deviceID), mailboxOnceKey(eventID, deviceID)},
		b, m.cap, m.retention.Milliseconds()).Err()
	if err != nil {
		return errors.Wrapf(err, "enqueue mailbox user=%s device=%s", userID, deviceID)
	}
	return nil
}

func (m *RedisMailbox) Drain(ctx context.Context, userID, deviceID string) ([]MailboxEntry, error) {
	vals, err := drainScript.Run(ctx, m.rdb,
		[]string{mailboxKey(userID, deviceID)}).StringSlice()
	if err != nil {
		return nil, errors.Wrapf(err, "drain mailbox user=%s device=%s", userID, deviceID)
	}
	cutoff := time.Now().Add(-m.retention)
	out := make([]MailboxEntry, 0, len(vals))
	for _, v := range vals {
		var e MailboxEntry
		if err := json.Unmarshal([]byte(v), &e); err != nil {
			continue
		}
		// key-level TTL covers the idle case; this prunes old entries on a
		// mailbox that kept being refreshed by newer ones
		if e.EnqueuedAt.Before(cutoff) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}
