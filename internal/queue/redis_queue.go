package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"geolake/internal/logging"
)

// RedisConfig configures a RedisQueue.
type RedisConfig struct {
	Client *redis.Client
	// Queues are consumed in order; earlier queues win when several hold work.
	Queues       []string
	Visibility   time.Duration
	PollInterval time.Duration
	RequeueBatch int64
	Logger       *logrus.Entry
}

// RedisQueue is a reliable list-based transport: a dequeued message is leased
// into an in-flight set until acknowledged, and reclaimed once its lease
// expires.
type RedisQueue struct {
	client       *redis.Client
	queues       []string
	visibility   time.Duration
	pollInterval time.Duration
	requeueBatch int64
	log          *logrus.Entry
}

// NewRedisClient builds a client from connection settings.
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// NewRedisQueue builds a queue client.
func NewRedisQueue(cfg RedisConfig) *RedisQueue {
	if cfg.Visibility == 0 {
		cfg.Visibility = 30 * time.Minute
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.RequeueBatch == 0 {
		cfg.RequeueBatch = 100
	}
	return &RedisQueue{
		client:       cfg.Client,
		queues:       cfg.Queues,
		visibility:   cfg.Visibility,
		pollInterval: cfg.PollInterval,
		requeueBatch: cfg.RequeueBatch,
		log:          logging.OrDiscard(cfg.Logger).WithField("component", "redis-queue"),
	}
}

func inflightKey(queue string) string { return queue + ":inflight" }
func payloadKey(queue string) string  { return queue + ":payloads" }
func dlqKey(queue string) string      { return queue + ":dlq" }

// Publish stores body and appends it to the ready list of queue.
func (q *RedisQueue) Publish(ctx context.Context, queue string, body []byte) error {
	id := uuid.New().String()
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, payloadKey(queue), id, body)
	pipe.RPush(ctx, queue, id)
	_, err := pipe.Exec(ctx)
	return err
}

// DequeueWithLease pops the next message and leases it until the visibility
// timeout. It returns false when every queue is empty.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (Delivery, bool, error) {
	for _, queue := range q.queues {
		keys := []string{queue, inflightKey(queue), payloadKey(queue)}
		res, err := dequeueScript.Run(ctx, q.client, keys, time.Now().Add(q.visibility).UnixMilli()).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return Delivery{}, false, err
		}
		pair, ok := res.([]any)
		if !ok || len(pair) != 2 {
			return Delivery{}, false, fmt.Errorf("unexpected type from dequeue script: %T", res)
		}
		id, _ := pair[0].(string)
		body, _ := pair[1].(string)
		return Delivery{ID: id, Queue: queue, Body: []byte(body)}, true, nil
	}
	return Delivery{}, false, nil
}

// Consume polls the queues until ctx ends. Expired leases are reclaimed
// whenever the queues run dry.
func (q *RedisQueue) Consume(ctx context.Context) (<-chan Delivery, error) {
	if err := q.client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			d, ok, err := q.DequeueWithLease(ctx)
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				q.log.WithError(err).Error("dequeue failed")
				return
			}
			if !ok {
				if _, err := q.RequeueExpired(ctx, time.Now()); err != nil && ctx.Err() == nil {
					q.log.WithError(err).Warn("requeue expired leases failed")
				}
				select {
				case <-ctx.Done():
					return
				case <-time.After(q.pollInterval):
				}
				continue
			}
			if !q.handOff(ctx, out, d) {
				return
			}
		}
	}()
	return out, nil
}

// handOff blocks until the receiver takes d, renewing its lease meanwhile.
func (q *RedisQueue) handOff(ctx context.Context, out chan<- Delivery, d Delivery) bool {
	renew := time.NewTicker(q.visibility / 3)
	defer renew.Stop()
	for {
		select {
		case out <- d:
			return true
		case <-renew.C:
			if err := q.ExtendLease(ctx, d, q.visibility); err != nil && ctx.Err() == nil {
				q.log.WithError(err).WithField("delivery", d.ID).Warn("extend lease failed")
			}
		case <-ctx.Done():
			return false
		}
	}
}

// Visibility is the lease granted at dequeue.
func (q *RedisQueue) Visibility() time.Duration { return q.visibility }

// ExtendLease pushes the visibility deadline forward for an in-flight message.
// Settled or reclaimed messages are left alone.
func (q *RedisQueue) ExtendLease(ctx context.Context, d Delivery, extension time.Duration) error {
	return q.client.ZAddXX(ctx, inflightKey(d.Queue), redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: d.ID,
	}).Err()
}

// Ack removes a message from in-flight tracking and drops its payload.
func (q *RedisQueue) Ack(ctx context.Context, d Delivery) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, inflightKey(d.Queue), d.ID)
	pipe.HDel(ctx, payloadKey(d.Queue), d.ID)
	_, err := pipe.Exec(ctx)
	return err
}

// Reject moves a message to the dead-letter list; its payload is kept for
// inspection.
func (q *RedisQueue) Reject(ctx context.Context, d Delivery) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, inflightKey(d.Queue), d.ID)
	pipe.RPush(ctx, dlqKey(d.Queue), d.ID)
	_, err := pipe.Exec(ctx)
	return err
}

// Requeue returns a message to the head of its queue.
func (q *RedisQueue) Requeue(ctx context.Context, d Delivery) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, inflightKey(d.Queue), d.ID)
	pipe.LPush(ctx, d.Queue, d.ID)
	_, err := pipe.Exec(ctx)
	return err
}

// RequeueExpired reclaims leases that timed out, re-enqueuing them at the
// head of their queue.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time) ([]string, error) {
	var reclaimed []string
	for _, queue := range q.queues {
		ids, err := q.client.ZRangeByScore(ctx, inflightKey(queue), &redis.ZRangeBy{
			Min:    "-inf",
			Max:    fmt.Sprintf("%d", now.UnixMilli()),
			Offset: 0,
			Count:  q.requeueBatch,
		}).Result()
		if err != nil {
			return reclaimed, err
		}
		if len(ids) == 0 {
			continue
		}
		pipe := q.client.TxPipeline()
		for _, id := range ids {
			pipe.ZRem(ctx, inflightKey(queue), id)
			pipe.LPush(ctx, queue, id)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return reclaimed, err
		}
		q.log.WithFields(logrus.Fields{"queue": queue, "count": len(ids)}).Warn("requeued expired leases")
		reclaimed = append(reclaimed, ids...)
	}
	return reclaimed, nil
}

// DLQPeek reads the oldest dead-lettered message ids of a queue.
func (q *RedisQueue) DLQPeek(ctx context.Context, queue string, count int64) ([]string, error) {
	return q.client.LRange(ctx, dlqKey(queue), 0, count-1).Result()
}

// ReadyDepth returns the total length of all ready lists.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	pipe := q.client.Pipeline()
	cmds := make([]*redis.IntCmd, 0, len(q.queues))
	for _, queue := range q.queues {
		cmds = append(cmds, pipe.LLen(ctx, queue))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	var total int64
	for _, c := range cmds {
		total += c.Val()
	}
	return total, nil
}

// Close releases the client.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}

var dequeueScript = redis.NewScript(`
local id = redis.call('LPOP', KEYS[1])
if not id then
  return nil
end
redis.call('ZADD', KEYS[2], ARGV[1], id)
local body = redis.call('HGET', KEYS[3], id)
if not body then
  body = ''
end
return {id, body}
`)
