// Package queue is the thin typed wrapper over the Redis-like commands the
// rest of the engine needs: push/fetch/ack on live queues, the retry and
// scheduled time-ordered sets, the capped dead set, and the process
// registry the poller uses to size its tick interval.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client is a namespaced, connection-pooled Redis client tuned for a
// job-queue workload: many long-lived blocking fetchers, a handful of
// pipelined writers, and one poller issuing periodic scripted promotions.
type Client struct {
	rdb       *redis.Client
	keyPrefix string

	retryKey     string
	scheduledKey string
	deadKey      string
	queuesKey    string
	processesKey string

	deadAgeCap   time.Duration
	deadCountCap int64

	promoteScript *redis.Script
	requeueScript *redis.Script
}

// Options configures dead-letter retention. Zero values fall back to the
// spec's defaults (180 days, 10,000 entries).
type Options struct {
	Namespace    string
	DeadAgeCap   time.Duration
	DeadCountCap int64
}

// NewClient parses redisURL, applies pool tuning appropriate for a fleet
// of blocking fetchers plus a pipelined writer side, and verifies
// connectivity before returning.
func NewClient(redisURL string, opts Options) (*Client, error) {
	parsed, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("queue: failed to parse redis url: %w", err)
	}

	// Pool sized for N blocking fetchers (each holds a connection for the
	// duration of its BRPOPLPUSH call) plus headroom for pipelined writers
	// (enqueue, ack, retry scheduling) and the poller's scripted promotes.
	parsed.PoolSize = 50
	parsed.MinIdleConns = 5
	parsed.ConnMaxIdleTime = 10 * time.Minute
	parsed.PoolTimeout = 5 * time.Second

	parsed.MaxRetries = 3
	parsed.MinRetryBackoff = 8 * time.Millisecond
	parsed.MaxRetryBackoff = 512 * time.Millisecond
	parsed.DialTimeout = 5 * time.Second
	// Read timeout must exceed the longest blocking fetch timeout used by
	// the fetcher, or the client will time out the connection mid-block.
	parsed.ReadTimeout = 10 * time.Second
	parsed.WriteTimeout = 3 * time.Second
	parsed.ContextTimeoutEnabled = true

	rdb := redis.NewClient(parsed)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("queue: failed to connect to redis: %w", err)
	}

	prefix := opts.Namespace
	if prefix == "" {
		prefix = "joblet:"
	}

	ageCap := opts.DeadAgeCap
	if ageCap <= 0 {
		ageCap = 180 * 24 * time.Hour
	}
	countCap := opts.DeadCountCap
	if countCap <= 0 {
		countCap = 10000
	}

	return &Client{
		rdb:           rdb,
		keyPrefix:     prefix,
		retryKey:      prefix + "retry",
		scheduledKey:  prefix + "scheduled",
		deadKey:       prefix + "dead",
		queuesKey:     prefix + "queues",
		processesKey:  prefix + "processes",
		deadAgeCap:    ageCap,
		deadCountCap:  countCap,
		promoteScript: redis.NewScript(promoteLuaScript),
		requeueScript: redis.NewScript(requeueLuaScript),
	}, nil
}

// NewClientFromRedis wraps an already-constructed *redis.Client (used by
// tests against miniredis, which builds its own client).
func NewClientFromRedis(rdb *redis.Client, opts Options) *Client {
	prefix := opts.Namespace
	if prefix == "" {
		prefix = "joblet:"
	}
	ageCap := opts.DeadAgeCap
	if ageCap <= 0 {
		ageCap = 180 * 24 * time.Hour
	}
	countCap := opts.DeadCountCap
	if countCap <= 0 {
		countCap = 10000
	}
	return &Client{
		rdb:           rdb,
		keyPrefix:     prefix,
		retryKey:      prefix + "retry",
		scheduledKey:  prefix + "scheduled",
		deadKey:       prefix + "dead",
		queuesKey:     prefix + "queues",
		processesKey:  prefix + "processes",
		deadAgeCap:    ageCap,
		deadCountCap:  countCap,
		promoteScript: redis.NewScript(promoteLuaScript),
		requeueScript: redis.NewScript(requeueLuaScript),
	}
}

// QueueKey returns the live-queue list key for queue name.
func (c *Client) QueueKey(queue string) string {
	return c.keyPrefix + "queue:" + queue
}

// InFlightKey returns the per-process in-flight list key for (queue, identity).
func (c *Client) InFlightKey(queue, identity string) string {
	return c.keyPrefix + "queue:" + queue + ":" + identity
}

// Push appends payload to queue's live list and records the queue name in
// the known-queues set.
func (c *Client) Push(ctx context.Context, queue string, payload []byte) error {
	pipe := c.rdb.Pipeline()
	pipe.LPush(ctx, c.QueueKey(queue), payload)
	pipe.SAdd(ctx, c.queuesKey, queue)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: failed to push to %s: %w", queue, err)
	}
	return nil
}

// PushBulk appends many payloads to queue in one round trip.
func (c *Client) PushBulk(ctx context.Context, queue string, payloads [][]byte) error {
	if len(payloads) == 0 {
		return nil
	}
	pipe := c.rdb.Pipeline()
	members := make([]interface{}, len(payloads))
	for i, p := range payloads {
		members[i] = p
	}
	pipe.LPush(ctx, c.QueueKey(queue), members...)
	pipe.SAdd(ctx, c.queuesKey, queue)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: failed to push_bulk to %s: %w", queue, err)
	}
	return nil
}

// Fetch blocks up to timeout waiting for an item on queue, atomically
// moving it onto the in-flight list identified by identity. Returns
// (nil, nil) on a timeout with no item available.
func (c *Client) Fetch(ctx context.Context, queue, identity string, timeout time.Duration) ([]byte, error) {
	result, err := c.rdb.BRPopLPush(ctx, c.QueueKey(queue), c.InFlightKey(queue, identity), timeout).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("queue: failed to fetch from %s: %w", queue, err)
	}
	return result, nil
}

// Ack removes exactly one matching payload from the in-flight list.
func (c *Client) Ack(ctx context.Context, queue, identity string, payload []byte) error {
	if err := c.rdb.LRem(ctx, c.InFlightKey(queue, identity), 1, payload).Err(); err != nil {
		return fmt.Errorf("queue: failed to ack on %s: %w", queue, err)
	}
	return nil
}

// RequeueInFlight atomically drains every item currently on the in-flight
// list for (queue, identity) back onto the tail of the live queue. Used on
// graceful shutdown. Returns the number of items moved.
func (c *Client) RequeueInFlight(ctx context.Context, queue, identity string) (int64, error) {
	res, err := c.requeueScript.Run(ctx, c.rdb, []string{c.InFlightKey(queue, identity), c.QueueKey(queue)}).Int64()
	if err != nil {
		return 0, fmt.Errorf("queue: failed to requeue in-flight for %s/%s: %w", queue, identity, err)
	}
	return res, nil
}

// InFlightIdentitiesForQueue lists the process identities with a
// currently-existing in-flight list for queue, by scanning for keys
// matching its in-flight key pattern. Used by crash-recovery bulk-requeue
// to find identities no longer present in the process registry.
func (c *Client) InFlightIdentitiesForQueue(ctx context.Context, queue string) ([]string, error) {
	pattern := c.InFlightKey(queue, "*")
	var identities []string
	var cursor uint64
	prefixLen := len(c.InFlightKey(queue, ""))

	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("queue: failed to scan in-flight keys for %s: %w", queue, err)
		}
		for _, k := range keys {
			if len(k) > prefixLen {
				identities = append(identities, k[prefixLen:])
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return identities, nil
}

// ScheduleRetry inserts payload into the retry set scored by fireAt.
func (c *Client) ScheduleRetry(ctx context.Context, fireAt time.Time, payload []byte) error {
	return c.zaddPayload(ctx, c.retryKey, fireAt, payload)
}

// ScheduleAt inserts payload into the scheduled set scored by fireAt.
func (c *Client) ScheduleAt(ctx context.Context, fireAt time.Time, payload []byte) error {
	return c.zaddPayload(ctx, c.scheduledKey, fireAt, payload)
}

func (c *Client) zaddPayload(ctx context.Context, key string, fireAt time.Time, payload []byte) error {
	score := float64(fireAt.UnixNano()) / 1e9
	if err := c.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: payload}).Err(); err != nil {
		return fmt.Errorf("queue: failed to schedule into %s: %w", key, err)
	}
	return nil
}

// RetrySetKey and ScheduledSetKey expose the sorted-set keys the poller
// iterates over.
func (c *Client) RetrySetKey() string     { return c.retryKey }
func (c *Client) ScheduledSetKey() string { return c.scheduledKey }

// PromotePending runs the atomic poll-promote script against setKey: every
// entry scored <= now is removed from the set and LPUSHed onto the live
// queue named by its own `queue` field, one entry at a time so a failed
// promotion leaves that entry in place. Returns the number promoted.
func (c *Client) PromotePending(ctx context.Context, setKey string, now time.Time, batchSize int64) (int64, error) {
	moved, err := c.promoteScript.Run(ctx, c.rdb,
		[]string{setKey},
		float64(now.UnixNano())/1e9, batchSize, c.keyPrefix+"queue:",
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("queue: failed to promote from %s: %w", setKey, err)
	}
	return moved, nil
}

// PushDead inserts payload into the dead set scored by deathTime, then
// evicts entries older than the configured age cap and truncates to the
// configured count cap by removing the lowest scores.
func (c *Client) PushDead(ctx context.Context, deathTime time.Time, payload []byte) error {
	score := float64(deathTime.UnixNano()) / 1e9

	pipe := c.rdb.Pipeline()
	pipe.ZAdd(ctx, c.deadKey, redis.Z{Score: score, Member: payload})
	cutoff := float64(deathTime.Add(-c.deadAgeCap).UnixNano()) / 1e9
	pipe.ZRemRangeByScore(ctx, c.deadKey, "-inf", fmt.Sprintf("%f", cutoff))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: failed to push to dead set: %w", err)
	}

	count, err := c.rdb.ZCard(ctx, c.deadKey).Result()
	if err != nil {
		return fmt.Errorf("queue: failed to size dead set: %w", err)
	}
	if count > c.deadCountCap {
		excess := count - c.deadCountCap
		if err := c.rdb.ZRemRangeByRank(ctx, c.deadKey, 0, excess-1).Err(); err != nil {
			return fmt.Errorf("queue: failed to trim dead set: %w", err)
		}
	}
	return nil
}

// DeadSetSize returns the number of entries currently in the dead set.
func (c *Client) DeadSetSize(ctx context.Context) (int64, error) {
	return c.rdb.ZCard(ctx, c.deadKey).Result()
}

// QueueDepth returns the number of items currently waiting on queue.
func (c *Client) QueueDepth(ctx context.Context, queue string) (int64, error) {
	return c.rdb.LLen(ctx, c.QueueKey(queue)).Result()
}

// KnownQueues returns every queue name ever pushed to.
func (c *Client) KnownQueues(ctx context.Context) ([]string, error) {
	return c.rdb.SMembers(ctx, c.queuesKey).Result()
}

// RegisterProcess records identity as live in the process registry with an
// expiring TTL, along with free-form info fields (host, pid, started_at).
// The info hash always carries an identity field, so the expiring key
// exists even when info is empty.
func (c *Client) RegisterProcess(ctx context.Context, identity string, info map[string]string, ttl time.Duration) error {
	infoKey := c.keyPrefix + "process:" + identity

	pipe := c.rdb.Pipeline()
	pipe.SAdd(ctx, c.processesKey, identity)
	fields := make(map[string]interface{}, len(info)+1)
	fields["identity"] = identity
	for k, v := range info {
		fields[k] = v
	}
	pipe.HSet(ctx, infoKey, fields)
	pipe.Expire(ctx, infoKey, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: failed to register process %s: %w", identity, err)
	}
	return nil
}

// DeregisterProcess removes identity from the process registry.
func (c *Client) DeregisterProcess(ctx context.Context, identity string) error {
	pipe := c.rdb.Pipeline()
	pipe.SRem(ctx, c.processesKey, identity)
	pipe.Del(ctx, c.keyPrefix+"process:"+identity)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: failed to deregister process %s: %w", identity, err)
	}
	return nil
}

// ActiveProcessCount returns the number of identities currently registered
// as live; the poller uses this to size its tick interval.
func (c *Client) ActiveProcessCount(ctx context.Context) (int64, error) {
	identities, err := c.ActiveProcesses(ctx)
	if err != nil {
		return 0, err
	}
	return int64(len(identities)), nil
}

// ActiveProcesses returns every identity currently registered as live. A
// Redis set has no per-member TTL, so membership in processesKey is only a
// candidate list: liveness is the expiring process:<identity> info key set
// by RegisterProcess. Any candidate whose info key has already expired is
// pruned from the set here before it's returned, so a crashed identity
// that stops renewing its heartbeat disappears once its TTL lapses instead
// of staying "live" forever.
func (c *Client) ActiveProcesses(ctx context.Context) ([]string, error) {
	candidates, err := c.rdb.SMembers(ctx, c.processesKey).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: failed to list active processes: %w", err)
	}
	if len(candidates) == 0 {
		return candidates, nil
	}

	pipe := c.rdb.Pipeline()
	checks := make([]*redis.IntCmd, len(candidates))
	for i, id := range candidates {
		checks[i] = pipe.Exists(ctx, c.keyPrefix+"process:"+id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("queue: failed to check process liveness: %w", err)
	}

	live := make([]string, 0, len(candidates))
	var stale []interface{}
	for i, id := range candidates {
		if checks[i].Val() > 0 {
			live = append(live, id)
		} else {
			stale = append(stale, id)
		}
	}
	if len(stale) > 0 {
		if err := c.rdb.SRem(ctx, c.processesKey, stale...).Err(); err != nil {
			return nil, fmt.Errorf("queue: failed to prune expired processes: %w", err)
		}
	}
	return live, nil
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	if err := c.rdb.Close(); err != nil {
		return fmt.Errorf("queue: failed to close redis connection: %w", err)
	}
	return nil
}

// Redis exposes the underlying client for components (e.g. a result
// backend) that need raw Redis access outside this package's key scheme.
func (c *Client) Redis() *redis.Client {
	return c.rdb
}

// promoteLuaScript implements the atomic poll-promote primitive:
// ZRANGEBYSCORE to select due entries, then per entry a decode attempt
// before anything is removed, and only on a successful decode a ZREM
// guarded by its return value (so a concurrent promoter can't double-move
// the same entry) followed by LPUSH onto the queue named in the payload's
// own `queue` field. Decoding first means a malformed payload, or one a
// concurrent promoter's ZREM already claimed, is simply skipped — it is
// never removed without also being moved.
const promoteLuaScript = `
local setKey = KEYS[1]
local now = ARGV[1]
local limit = tonumber(ARGV[2])
local queuePrefix = ARGV[3]
local items = redis.call('ZRANGEBYSCORE', setKey, '-inf', now, 'LIMIT', 0, limit)
local moved = 0
for _, payload in ipairs(items) do
  local ok, decoded = pcall(cjson.decode, payload)
  if ok and decoded.queue then
    local removed = redis.call('ZREM', setKey, payload)
    if removed == 1 then
      redis.call('LPUSH', queuePrefix .. decoded.queue, payload)
      moved = moved + 1
    end
  end
end
return moved
`

// requeueLuaScript atomically drains the in-flight list (source) back onto
// the tail of the live queue (dest), preserving per-item atomicity so a
// crash mid-drain leaves no payload lost or duplicated.
const requeueLuaScript = `
local n = 0
while true do
  local v = redis.call('LPOP', KEYS[1])
  if not v then break end
  redis.call('RPUSH', KEYS[2], v)
  n = n + 1
end
return n
`
