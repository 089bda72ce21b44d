package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"PulseDispatch/internal/models"
)

// Lua keeps each state change atomic: a task id is in exactly one of the due
// set, the in-flight set or the dead hash, and entries holds the payload of
// everything not yet acked.
var (
	enqueueScript = redis.NewScript(`
if redis.call('HSETNX', KEYS[1], ARGV[1], ARGV[2]) == 0 then
  return 0
end
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
return 1
`)

	claimScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', '0', '1')
if #ids == 0 then
  return false
end
local id = ids[1]
redis.call('ZREM', KEYS[1], id)
local payload = redis.call('HGET', KEYS[3], id)
if not payload then
  return false
end
redis.call('ZADD', KEYS[2], ARGV[1], id)
return payload
`)

	requeueScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[3], ARGV[1], ARGV[2])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
return 1
`)

	ackScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('HDEL', KEYS[2], ARGV[1])
return 1
`)

	deadScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('HSET', KEYS[3], ARGV[1], ARGV[2])
return 1
`)

	reclaimScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('ZADD', KEYS[2], ARGV[2], id)
end
return #ids
`)
)

// Redis is a durable queue shared by every dispatcher process pointed at the
// same prefix. Due times are compared against the callers' clocks, so
// processes are expected to run with synchronized time.
type Redis struct {
	Client       redis.UniversalClient
	Prefix       string
	PollInterval time.Duration

	policy RetryPolicy
	now    func() time.Time
}

func NewRedis(client redis.UniversalClient, prefix string, policy RetryPolicy, poll time.Duration) *Redis {
	if poll <= 0 {
		poll = 250 * time.Millisecond
	}
	return &Redis{
		Client:       client,
		Prefix:       prefix,
		PollInterval: poll,
		policy:       policy,
		now:          time.Now,
	}
}

func (r *Redis) Policy() RetryPolicy { return r.policy }

func (r *Redis) key(name string) string {
	return r.Prefix + ":queue:" + name
}

func (r *Redis) Enqueue(ctx context.Context, task models.EmailTask, delay time.Duration) (bool, error) {
	if delay < 0 {
		delay = 0
	}
	e := Entry{Task: task, DueAt: r.now().Add(delay)}
	payload, err := json.Marshal(e)
	if err != nil {
		return false, err
	}

	n, err := enqueueScript.Run(ctx, r.Client,
		[]string{r.key("entries"), r.key("due")},
		task.ID, payload, e.DueAt.UnixMilli(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("%w: enqueue %s: %w", models.ErrQueue, task.ID, err)
	}
	return n == 1, nil
}

func (r *Redis) DequeueDue(ctx context.Context) (Entry, error) {
	ticker := time.NewTicker(r.PollInterval)
	defer ticker.Stop()

	for {
		e, ok, err := r.claim(ctx)
		if err != nil {
			return Entry{}, err
		}
		if ok {
			return e, nil
		}

		select {
		case <-ctx.Done():
			return Entry{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (r *Redis) claim(ctx context.Context) (Entry, bool, error) {
	payload, err := claimScript.Run(ctx, r.Client,
		[]string{r.key("due"), r.key("inflight"), r.key("entries")},
		r.now().UnixMilli(),
	).Text()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return Entry{}, false, ctx.Err()
		}
		return Entry{}, false, fmt.Errorf("%w: claim: %w", models.ErrQueue, err)
	}

	var e Entry
	if err := json.Unmarshal([]byte(payload), &e); err != nil {
		return Entry{}, false, fmt.Errorf("%w: decode entry: %w", models.ErrQueue, err)
	}
	return e, true, nil
}

func (r *Redis) Requeue(ctx context.Context, e Entry, delay time.Duration) error {
	if delay < 0 {
		delay = 0
	}
	e.DueAt = r.now().Add(delay)
	return r.reschedule(ctx, e)
}

func (r *Redis) reschedule(ctx context.Context, e Entry) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	n, err := requeueScript.Run(ctx, r.Client,
		[]string{r.key("inflight"), r.key("due"), r.key("entries")},
		e.Task.ID, payload, e.DueAt.UnixMilli(),
	).Int()
	if err != nil {
		return fmt.Errorf("%w: requeue %s: %w", models.ErrQueue, e.Task.ID, err)
	}
	if n == 0 {
		return ErrNotInFlight
	}
	return nil
}

func (r *Redis) Ack(ctx context.Context, e Entry) error {
	n, err := ackScript.Run(ctx, r.Client,
		[]string{r.key("inflight"), r.key("entries")},
		e.Task.ID,
	).Int()
	if err != nil {
		return fmt.Errorf("%w: ack %s: %w", models.ErrQueue, e.Task.ID, err)
	}
	if n == 0 {
		return ErrNotInFlight
	}
	return nil
}

func (r *Redis) Nack(ctx context.Context, e Entry, cause error) (Outcome, error) {
	e.Attempts++
	e.LastError = errString(cause)

	if !r.policy.Exhausted(e.Attempts) {
		e.DueAt = r.now().Add(r.policy.Delay(e.Attempts))
		if err := r.reschedule(ctx, e); err != nil {
			return 0, err
		}
		return Retried, nil
	}

	e.DueAt = r.now()
	payload, err := json.Marshal(e)
	if err != nil {
		return 0, err
	}
	n, err := deadScript.Run(ctx, r.Client,
		[]string{r.key("inflight"), r.key("entries"), r.key("dead")},
		e.Task.ID, payload,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("%w: dead-letter %s: %w", models.ErrQueue, e.Task.ID, err)
	}
	if n == 0 {
		return 0, ErrNotInFlight
	}
	return DeadLettered, nil
}

// Reclaim makes entries that have been in flight longer than visibility due
// again. It recovers tasks whose worker died between claim and ack.
func (r *Redis) Reclaim(ctx context.Context, visibility time.Duration) (int, error) {
	now := r.now()
	n, err := reclaimScript.Run(ctx, r.Client,
		[]string{r.key("inflight"), r.key("due")},
		now.Add(-visibility).UnixMilli(), now.UnixMilli(),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("%w: reclaim: %w", models.ErrQueue, err)
	}
	return n, nil
}

func (r *Redis) Len(ctx context.Context) (int, error) {
	n, err := r.Client.HLen(ctx, r.key("entries")).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: len: %w", models.ErrQueue, err)
	}
	return int(n), nil
}

func (r *Redis) Dead(ctx context.Context) ([]Entry, error) {
	vals, err := r.Client.HVals(ctx, r.key("dead")).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: dead: %w", models.ErrQueue, err)
	}
	out := make([]Entry, 0, len(vals))
	for _, v := range vals {
		var e Entry
		if err := json.Unmarshal([]byte(v), &e); err != nil {
			return nil, fmt.Errorf("%w: decode dead entry: %w", models.ErrQueue, err)
		}
		out = append(out, e)
	}
	return out, nil
}
