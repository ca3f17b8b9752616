package redis

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultPendingKey = "groupwatch:jobs:pending"
	defaultDelayedKey = "groupwatch:jobs:delayed"
)

// promoteScript moves due members of the delayed ZSET to the pending list in
// one step, so two promoters never push the same id twice.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, id in ipairs(due) do
	redis.call('ZREM', KEYS[1], id)
	redis.call('RPUSH', KEYS[2], id)
end
return #due
`)

type RedisQueue struct {
	client      *redis.Client
	queueName   string
	delayedName string
	popTimeout  time.Duration
	batch       int
}

func NewRedisQueue(client *redis.Client, popTimeout time.Duration) *RedisQueue {
	if popTimeout <= 0 {
		popTimeout = 5 * time.Second
	}
	return &RedisQueue{
		client:      client,
		queueName:   defaultPendingKey,
		delayedName: defaultDelayedKey,
		popTimeout:  popTimeout,
		batch:       100,
	}
}

// WithPrefix namespaces both keys, used to isolate tests and deployments.
func (q *RedisQueue) WithPrefix(prefix string) *RedisQueue {
	q.queueName = prefix + ":" + defaultPendingKey
	q.delayedName = prefix + ":" + defaultDelayedKey
	return q
}

// Push adds a job ID to the end of the list
func (q *RedisQueue) Push(ctx context.Context, jobID string) error {
	return q.client.RPush(ctx, q.queueName, jobID).Err()
}

// Pop waits up to popTimeout for a job ID and removes it from the front of
// the list. A timeout yields "" so callers can re-check ctx.
func (q *RedisQueue) Pop(ctx context.Context) (string, error) {
	result, err := q.client.BLPop(ctx, q.popTimeout, q.queueName).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", err
	}
	// BLPop returns a slice: [QueueName, Element]
	return result[1], nil
}

func (q *RedisQueue) Schedule(ctx context.Context, jobID string, at time.Time) error {
	return q.client.ZAdd(ctx, q.delayedName, redis.Z{
		Score:  float64(at.UnixMilli()),
		Member: jobID,
	}).Err()
}

func (q *RedisQueue) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	n, err := promoteScript.Run(ctx, q.client,
		[]string{q.delayedName, q.queueName},
		strconv.FormatInt(now.UnixMilli(), 10), q.batch,
	).Int()
	if err != nil {
		return 0, err
	}
	return n, nil
}
