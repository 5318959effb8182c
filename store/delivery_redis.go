package store

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// RedisDelivery keeps one hash per (message, recipient). The conditional
// rank update runs inside a Lua script so concurrent writers from any
// gateway process race inside redis, not in application code.
type RedisDelivery struct {
	rdb *redis.Client
}

func NewRedisDelivery(rdb *redis.Client) *RedisDelivery {
	return &RedisDelivery{rdb: rdb}
}

func deliveryKey(messageID, recipientID string) string {
	return "im:dlv:" + messageID + ":" + recipientID
}

// Creates the record only if absent; a retried send must not reset status.
var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then return 0 end
redis.call('HSET', KEYS[1],
  'status', 0,
  'message_id', ARGV[1],
  'recipient_id', ARGV[2],
  'created_at', ARGV[3])
return 1
`)

// Advances iff rank(current) < rank(new); stamps the timestamp matching the
// new status only if unset. Returns 1 applied, 0 no-op, -1 missing record.
var advanceScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'status')
if not cur then return -1 end
local new = tonumber(ARGV[1])
if tonumber(cur) >= new then return 0 end
redis.call('HSET', KEYS[1], 'status', new)
if new == 1 and redis.call('HEXISTS', KEYS[1], 'delivered_at') == 0 then
  redis.call('HSET', KEYS[1], 'delivered_at', ARGV[2])
end
if new == 2 and redis.call('HEXISTS', KEYS[1], 'read_at') == 0 then
  redis.call('HSET', KEYS[1], 'read_at', ARGV[2])
end
return 1
`)

// Same predicate over many keys in one EVAL; result[i] is 1 iff KEYS[i] advanced.
var batchAdvanceScript = redis.NewScript(`
local new = tonumber(ARGV[1])
local out = {}
for i, key in ipairs(KEYS) do
  local cur = redis.call('HGET', key, 'status')
  if cur and tonumber(cur) < new then
    redis.call('HSET', key, 'status', new)
    if new == 1 and redis.call('HEXISTS', key, 'delivered_at') == 0 then
      redis.call('HSET', key, 'delivered_at', ARGV[2])
    end
    if new == 2 and redis.call('HEXISTS', key, 'read_at') == 0 then
      redis.call('HSET', key, 'read_at', ARGV[2])
    end
    out[i] = 1
  else
    out[i] = 0
  end
end
return out
`)

func (s *RedisDelivery) Create(ctx context.Context, messageID string, recipientIDs []string) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	for _, rcpt := range recipientIDs {
		err := createScript.Run(ctx, s.rdb,
			[]string{deliveryKey(messageID, rcpt)}, messageID, rcpt, now).Err()
		if err != nil {
			return errors.Wrapf(err, "create delivery record msg=%s rcpt=%s", messageID, rcpt)
		}
	}
	return nil
}

func (s *RedisDelivery) TryAdvance(ctx context.Context, messageID, recipientID string, to Status) (bool, error) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	res, err := advanceScript.Run(ctx, s.rdb,
		[]string{deliveryKey(messageID, recipientID)}, to.Rank(), now).Int()
	if err != nil {
		return false, errors.Wrapf(err, "advance msg=%s rcpt=%s", messageID, recipientID)
	}
	// A missing record means a notification for a message this store never
	// saw; absorbing it keeps duplicate/stray notifications non-fatal.
	return res == 1, nil
}

func (s *RedisDelivery) BatchAdvance(ctx context.Context, messageIDs []string, recipientID string, to Status) ([]string, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}
	keys := make([]string, len(messageIDs))
	for i, id := range messageIDs {
		keys[i] = deliveryKey(id, recipientID)
	}
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	res, err := batchAdvanceScript.Run(ctx, s.rdb, keys, to.Rank(), now).Int64Slice()
	if err != nil {
		return nil, errors.Wrapf(err, "batch advance rcpt=%s", recipientID)
	}
	var advanced []string
	for i, v := range res {
		if v == 1 {
			advanced = append(advanced, messageIDs[i])
		}
	}
	return advanced, nil
}

func (s *RedisDelivery) Get(ctx context.Context, messageID, recipientID string) (*DeliveryRecord, error) {
	m, err := s.rdb.HGetAll(ctx, deliveryKey(messageID, recipientID)).Result()
	if err != nil {
		return nil, errors.Wrap(err, "get delivery record")
	}
	if len(m) == 0 {
		return nil, nil
	}
	rec := &DeliveryRecord{MessageID: messageID, RecipientID: recipientID}
	if v, ok := m["status"]; ok {
		n, _ := strconv.Atoi(v)
		rec.Status = Status(n)
	}
	rec.CreatedAt = millisField(m, "created_at")
	if t := millisField(m, "delivered_at"); !t.IsZero() {
		rec.DeliveredAt = &t
	}
	if t := millisField(m, "read_at"); !t.IsZero() {
		rec.ReadAt = &t
	}
	return rec, nil
}

func millisField(m map[string]string, field string) time.Time {
	v, ok := m[field]
	if !ok {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
