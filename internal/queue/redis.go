package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Each script touches only keys sharing the queue's hash tag, so the
// queue also works against a cluster.
var (
	claimScript = redis.NewScript(`
local id = redis.call('RPOP', KEYS[1])
if not id then return false end
redis.call('HSET', KEYS[2], ARGV[1], id)
redis.call('ZADD', KEYS[3], ARGV[2], ARGV[1])
local n = redis.call('HGET', KEYS[4], id)
if not n then n = '0' end
return {id, n}
`)

	ackScript = redis.NewScript(`
local id = redis.call('HGET', KEYS[1], ARGV[1])
if not id then return 0 end
redis.call('HDEL', KEYS[1], ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[3], id)
return 1
`)

	nackScript = redis.NewScript(`
local id = redis.call('HGET', KEYS[1], ARGV[1])
if not id then return -1 end
redis.call('HDEL', KEYS[1], ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[1])
local n = redis.call('HINCRBY', KEYS[3], id, 1)
if n >= tonumber(ARGV[2]) then
  redis.call('HDEL', KEYS[3], id)
  redis.call('LPUSH', KEYS[5], id)
  return 1
end
redis.call('LPUSH', KEYS[4], id)
return 0
`)

	requeueScript = redis.NewScript(`
local receipts = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, r in ipairs(receipts) do
  local id = redis.call('HGET', KEYS[2], r)
  if id then redis.call('LPUSH', KEYS[3], id) end
  redis.call('HDEL', KEYS[2], r)
  redis.call('ZREM', KEYS[1], r)
end
return #receipts
`)
)

// RedisQueue is a lease queue kept in five keys: a pending LIST, a claims
// HASH (receipt to id), a visibility ZSET (receipt scored by expiry), an
// attempts HASH (id to failed deliveries) and a dead LIST.
type RedisQueue struct {
	client redis.UniversalClient
	cfg    Config
	opts   []Option
	prefix string
}

// NewRedis builds a queue over an existing client. The client lifecycle is
// managed by the caller.
func NewRedis(client redis.UniversalClient, cfg Config, opts ...Option) *RedisQueue {
	cfg = cfg.withDefaults()
	return &RedisQueue{
		client: client,
		cfg:    cfg,
		opts:   opts,
		prefix: "eligibility:{" + cfg.Name + "}",
	}
}

func (q *RedisQueue) pendingKey() string    { return q.prefix + ":pending" }
func (q *RedisQueue) claimsKey() string     { return q.prefix + ":claims" }
func (q *RedisQueue) visibilityKey() string { return q.prefix + ":visibility" }
func (q *RedisQueue) attemptsKey() string   { return q.prefix + ":attempts" }
func (q *RedisQueue) deadKey() string       { return q.prefix + ":dead" }

func (q *RedisQueue) Publish(ctx context.Context, checkIDs ...string) error {
	return q.Enqueue(ctx, checkIDs...)
}

func (q *RedisQueue) Consume(ctx context.Context, h Handler) error {
	return NewPoller(q, BackendRedis, q.cfg, q.opts...).Run(ctx, h)
}

// Close is a no-op; the client is owned by the caller.
func (q *RedisQueue) Close() error {
	return nil
}

func (q *RedisQueue) Enqueue(ctx context.Context, checkIDs ...string) error {
	if len(checkIDs) == 0 {
		return nil
	}
	values := make([]any, len(checkIDs))
	for i, id := range checkIDs {
		values[i] = id
	}
	if err := q.client.LPush(ctx, q.pendingKey(), values...).Err(); err != nil {
		return fmt.Errorf("enqueue checks: %w", err)
	}
	return nil
}

func (q *RedisQueue) Claim(ctx context.Context, max int, consumer string, visibility time.Duration) ([]Claim, error) {
	if max <= 0 {
		max = 1
	}
	if visibility <= 0 {
		visibility = q.cfg.VisibilityTimeout
	}
	keys := []string{q.pendingKey(), q.claimsKey(), q.visibilityKey(), q.attemptsKey()}
	now := time.Now().UTC()
	visibleAt := now.Add(visibility)

	out := make([]Claim, 0, max)
	for i := 0; i < max; i++ {
		receipt := consumer + ":" + uuid.NewString()
		res, err := claimScript.Run(ctx, q.client, keys, receipt, visibleAt.UnixMilli()).Slice()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return out, fmt.Errorf("claim check: %w", err)
		}
		if len(res) != 2 {
			return out, fmt.Errorf("claim check: unexpected reply %v", res)
		}
		id, _ := res[0].(string)
		failed, _ := strconv.Atoi(fmt.Sprint(res[1]))
		out = append(out, Claim{
			CheckID:   id,
			Receipt:   receipt,
			Attempt:   failed + 1,
			ClaimedBy: consumer,
			ClaimedAt: now,
			VisibleAt: visibleAt,
		})
	}
	return out, nil
}

func (q *RedisQueue) Ack(ctx context.Context, c Claim) error {
	keys := []string{q.claimsKey(), q.visibilityKey(), q.attemptsKey()}
	if err := ackScript.Run(ctx, q.client, keys, c.Receipt).Err(); err != nil {
		return fmt.Errorf("ack check %s: %w", c.CheckID, err)
	}
	return nil
}

func (q *RedisQueue) Nack(ctx context.Context, c Claim) (bool, error) {
	keys := []string{q.claimsKey(), q.visibilityKey(), q.attemptsKey(), q.pendingKey(), q.deadKey()}
	res, err := nackScript.Run(ctx, q.client, keys, c.Receipt, q.cfg.MaxAttempts).Int()
	if err != nil {
		return false, fmt.Errorf("nack check %s: %w", c.CheckID, err)
	}
	return res == 1, nil
}

func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, max int) (int, error) {
	if max <= 0 {
		max = 100
	}
	keys := []string{q.visibilityKey(), q.claimsKey(), q.pendingKey()}
	n, err := requeueScript.Run(ctx, q.client, keys, now.UnixMilli(), max).Int()
	if err != nil {
		return 0, fmt.Errorf("requeue expired leases: %w", err)
	}
	return n, nil
}

// DeadLetters lists up to limit ids that exhausted their attempts.
func (q *RedisQueue) DeadLetters(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 50
	}
	ids, err := q.client.LRange(ctx, q.deadKey(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	return ids, nil
}

// Depth reports pending and in-flight counts.
func (q *RedisQueue) Depth(ctx context.Context) (pending, inflight int64, err error) {
	pipe := q.client.Pipeline()
	p := pipe.LLen(ctx, q.pendingKey())
	f := pipe.HLen(ctx, q.claimsKey())
	if _, err = pipe.Exec(ctx); err != nil {
		return 0, 0, fmt.Errorf("queue depth: %w", err)
	}
	return p.Val(), f.Val(), nil
}
