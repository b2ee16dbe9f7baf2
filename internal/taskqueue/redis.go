package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"mediaforge/internal/jobs"
)

// enqueueScript stores the unit hash and pushes it onto the ready list unless
// the unit already exists.
//
// KEYS[1] ready list, KEYS[2] unit hash
// ARGV[1] member, ARGV[2..] hash field/value pairs
var enqueueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 1 then
    return 0
end
local fields = {}
for i = 2, #ARGV do
    fields[#fields + 1] = ARGV[i]
end
redis.call('HSET', KEYS[2], unpack(fields))
redis.call('RPUSH', KEYS[1], ARGV[1])
return 1
`)

// claimScript requeues expired leases and then leases the head of the ready
// list, returning the unit hash as a flat field/value array.
//
// KEYS[1] ready list, KEYS[2] in-flight zset
// ARGV[1] now ms, ARGV[2] deadline ms, ARGV[3] worker id, ARGV[4] unit key prefix
var claimScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, member in ipairs(expired) do
    redis.call('ZREM', KEYS[2], member)
    redis.call('RPUSH', KEYS[1], member)
end
local member = redis.call('LPOP', KEYS[1])
while member do
    local key = ARGV[4] .. member
    if redis.call('EXISTS', key) == 1 then
        redis.call('HINCRBY', key, 'attempts', 1)
        redis.call('HSET', key, 'worker_id', ARGV[3])
        redis.call('ZADD', KEYS[2], ARGV[2], member)
        return redis.call('HGETALL', key)
    end
    member = redis.call('LPOP', KEYS[1])
end
return false
`)

// ackScript deletes a unit leased to the caller.
//
// KEYS[1] ready list, KEYS[2] in-flight zset, KEYS[3] unit hash
// ARGV[1] member, ARGV[2] worker id
var ackScript = redis.NewScript(`
if redis.call('HGET', KEYS[3], 'worker_id') ~= ARGV[2] then
    return 0
end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('LREM', KEYS[1], 0, ARGV[1])
redis.call('DEL', KEYS[3])
return 1
`)

// nackScript moves a unit leased to the caller back to the front of the
// ready list.
//
// KEYS[1] ready list, KEYS[2] in-flight zset, KEYS[3] unit hash
// ARGV[1] member, ARGV[2] worker id
var nackScript = redis.NewScript(`
if redis.call('HGET', KEYS[3], 'worker_id') ~= ARGV[2] then
    return 0
end
if redis.call('ZREM', KEYS[2], ARGV[1]) == 1 then
    redis.call('HDEL', KEYS[3], 'worker_id')
    redis.call('LPUSH', KEYS[1], ARGV[1])
    return 1
end
return 0
`)

// extendScript moves the lease deadline when the caller still owns it.
//
// KEYS[1] in-flight zset, KEYS[2] unit hash
// ARGV[1] member, ARGV[2] worker id, ARGV[3] deadline ms
var extendScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], 'worker_id') ~= ARGV[2] then
    return 0
end
if not redis.call('ZSCORE', KEYS[1], ARGV[1]) then
    return 0
end
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[1])
return 1
`)

// RedisQueue keeps units in Redis under a key prefix.
type RedisQueue struct {
	client *redis.Client
	prefix string
	now    func() time.Time
	owned  bool
}

// DialRedis connects to url and returns a queue that owns the client.
func DialRedis(ctx context.Context, url, prefix string, opts ...Option) (*RedisQueue, error) {
	redisOpts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(redisOpts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	q := NewRedis(client, prefix, opts...)
	q.owned = true
	return q, nil
}

// NewRedis wraps an existing client. Close leaves the client open.
func NewRedis(client *redis.Client, prefix string, opts ...Option) *RedisQueue {
	o := buildOptions(opts)
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "mediaforge"
	}
	return &RedisQueue{client: client, prefix: prefix, now: o.now}
}

func (q *RedisQueue) readyKey() string    { return q.prefix + ":ready" }
func (q *RedisQueue) inflightKey() string { return q.prefix + ":inflight" }
func (q *RedisQueue) unitPrefix() string  { return q.prefix + ":unit:" }
func (q *RedisQueue) unitHashKey(jobID string, index int) string {
	return q.unitPrefix() + unitKey(jobID, index)
}

func (q *RedisQueue) Enqueue(ctx context.Context, unit Unit) error {
	member := unit.Key()
	args := []any{
		member,
		"job_id", unit.JobID,
		"unit_index", unit.Index,
		"kind", string(unit.Kind),
		"label", unit.Label,
		"params_json", unit.ParamsJSON,
		"attempts", 0,
		"enqueued_at", q.now().UnixMilli(),
	}
	if err := enqueueScript.Run(ctx, q.client, []string{q.readyKey(), q.unitPrefix() + member}, args...).Err(); err != nil {
		return fmt.Errorf("enqueue unit %s: %w", member, err)
	}
	return nil
}

func (q *RedisQueue) Claim(ctx context.Context, workerID string, visibility time.Duration) (*Lease, error) {
	now := q.now()
	deadline := now.Add(visibility)
	res, err := claimScript.Run(ctx, q.client,
		[]string{q.readyKey(), q.inflightKey()},
		now.UnixMilli(), deadline.UnixMilli(), workerID, q.unitPrefix(),
	).StringSlice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim unit: %w", err)
	}
	unit, err := decodeUnitHash(res)
	if err != nil {
		return nil, fmt.Errorf("claim unit: %w", err)
	}
	return &Lease{
		Unit:     unit,
		WorkerID: workerID,
		Deadline: time.UnixMilli(deadline.UnixMilli()),
	}, nil
}

func (q *RedisQueue) Ack(ctx context.Context, jobID string, index int, workerID string) error {
	member := unitKey(jobID, index)
	if err := ackScript.Run(ctx, q.client,
		[]string{q.readyKey(), q.inflightKey(), q.unitHashKey(jobID, index)}, member, workerID,
	).Err(); err != nil {
		return fmt.Errorf("ack unit %s: %w", member, err)
	}
	return nil
}

func (q *RedisQueue) Nack(ctx context.Context, jobID string, index int, workerID string) error {
	member := unitKey(jobID, index)
	ok, err := nackScript.Run(ctx, q.client,
		[]string{q.readyKey(), q.inflightKey(), q.unitHashKey(jobID, index)}, member, workerID,
	).Int()
	if err != nil {
		return fmt.Errorf("nack unit %s: %w", member, err)
	}
	if ok == 0 {
		return fmt.Errorf("nack unit %s: %w", member, ErrLeaseLost)
	}
	return nil
}

func (q *RedisQueue) Extend(ctx context.Context, jobID string, index int, workerID string, visibility time.Duration) error {
	member := unitKey(jobID, index)
	deadline := q.now().Add(visibility).UnixMilli()
	ok, err := extendScript.Run(ctx, q.client,
		[]string{q.inflightKey(), q.unitHashKey(jobID, index)}, member, workerID, deadline,
	).Int()
	if err != nil {
		return fmt.Errorf("extend unit %s: %w", member, err)
	}
	if ok == 0 {
		return fmt.Errorf("extend unit %s: %w", member, ErrLeaseLost)
	}
	return nil
}

func (q *RedisQueue) Stats(ctx context.Context) (Stats, error) {
	pipe := q.client.Pipeline()
	ready := pipe.LLen(ctx, q.readyKey())
	expired := pipe.ZCount(ctx, q.inflightKey(), "-inf", strconv.FormatInt(q.now().UnixMilli(), 10))
	inflight := pipe.ZCard(ctx, q.inflightKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, fmt.Errorf("queue stats: %w", err)
	}
	// Expired leases are claimable and count as ready.
	return Stats{
		Ready:    int(ready.Val() + expired.Val()),
		InFlight: int(inflight.Val() - expired.Val()),
	}, nil
}

func (q *RedisQueue) Close() error {
	if !q.owned {
		return nil
	}
	return q.client.Close()
}

func decodeUnitHash(flat []string) (Unit, error) {
	if len(flat)%2 != 0 {
		return Unit{}, fmt.Errorf("malformed unit hash with %d entries", len(flat))
	}
	fields := make(map[string]string, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		fields[flat[i]] = flat[i+1]
	}
	var (
		unit Unit
		err  error
	)
	unit.JobID = fields["job_id"]
	if unit.JobID == "" {
		return Unit{}, errors.New("unit hash missing job_id")
	}
	if unit.Index, err = strconv.Atoi(fields["unit_index"]); err != nil {
		return Unit{}, fmt.Errorf("unit_index: %w", err)
	}
	if unit.Attempts, err = strconv.Atoi(fields["attempts"]); err != nil {
		return Unit{}, fmt.Errorf("attempts: %w", err)
	}
	enqueued, err := strconv.ParseInt(fields["enqueued_at"], 10, 64)
	if err != nil {
		return Unit{}, fmt.Errorf("enqueued_at: %w", err)
	}
	unit.EnqueuedAt = time.UnixMilli(enqueued)
	unit.Kind = jobs.Kind(fields["kind"])
	unit.Label = fields["label"]
	unit.ParamsJSON = fields["params_json"]
	return unit, nil
}
