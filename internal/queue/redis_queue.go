package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"workitem-pipeline/internal/config"
)

// RedisQueue coordinates per-stage inboxes, in-flight leases, and delayed redelivery in Redis.
type RedisQueue struct {
	client         *redis.Client
	inflightKey    string
	scheduledKey   string
	itemMetaPrefix string
	visibilityTTL  time.Duration
	dlqKey         string
}

// NewRedisQueue builds a queue client from config.
func NewRedisQueue(cfg config.Config) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewRedisQueueWithClient(client, cfg)
}

// NewRedisQueueWithClient wraps an existing client.
func NewRedisQueueWithClient(client *redis.Client, cfg config.Config) *RedisQueue {
	visibility := cfg.VisibilityTimeout
	if visibility == 0 {
		visibility = 5 * time.Minute
	}
	dlq := cfg.DLQName
	if dlq == "" {
		dlq = "queue:dlq"
	}
	return &RedisQueue{
		client:         client,
		inflightKey:    "queue:inflight",
		scheduledKey:   "queue:scheduled",
		itemMetaPrefix: "queue:itemmeta:",
		visibilityTTL:  visibility,
		dlqKey:         dlq,
	}
}

// Close releases the underlying connection pool.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}

// InboxKey names the ready list holding items a stage has yet to claim for a run.
func InboxKey(runID, stage string) string {
	return fmt.Sprintf("queue:inbox:%s:%s", runID, stage)
}

func (q *RedisQueue) metaKey(itemID string) string {
	return q.itemMetaPrefix + itemID
}

// Enqueue appends an item to an inbox. Calls from one client are applied in order.
func (q *RedisQueue) Enqueue(ctx context.Context, itemID, inbox string) error {
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(itemID), "inbox", inbox)
	pipe.RPush(ctx, inbox, itemID)
	_, err := pipe.Exec(ctx)
	return err
}

// Schedule moves an item into the scheduled set for redelivery to its inbox at runAt.
func (q *RedisQueue) Schedule(ctx context.Context, itemID, inbox string, runAt time.Time) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, itemID)
	pipe.HSet(ctx, q.metaKey(itemID), "inbox", inbox)
	pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: itemID})
	_, err := pipe.Exec(ctx)
	return err
}

// PromoteScheduled moves due scheduled items back into their inboxes. It returns how many were promoted.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	return q.moveDue(ctx, q.scheduledKey, now, limit, nil)
}

// DequeueWithLease pops the next item from an inbox and leases it with the visibility timeout.
// An empty inbox yields "" and no error.
func (q *RedisQueue) DequeueWithLease(ctx context.Context, inbox string) (string, error) {
	keys := []string{inbox, q.inflightKey}
	res, err := dequeueScript.Run(ctx, q.client, keys, time.Now().Add(q.visibilityTTL).UnixMilli()).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	itemID, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return itemID, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight item.
func (q *RedisQueue) ExtendLease(ctx context.Context, itemID string, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: itemID,
	}).Err()
}

// Ack removes an item from in-flight tracking and its meta record.
func (q *RedisQueue) Ack(ctx context.Context, itemID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, itemID)
	pipe.Del(ctx, q.metaKey(itemID))
	_, err := pipe.Exec(ctx)
	return err
}

// RequeueExpired reclaims leases that timed out, returning the items to their inboxes.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	var ids []string
	_, err := q.moveDue(ctx, q.inflightKey, now, limit, &ids)
	return ids, err
}

func (q *RedisQueue) moveDue(ctx context.Context, from string, now time.Time, limit int64, moved *[]string) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, from, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := q.client.TxPipeline()
	promoted := 0
	for _, id := range ids {
		inbox, err := q.client.HGet(ctx, q.metaKey(id), "inbox").Result()
		if err != nil || inbox == "" {
			// Without a recorded inbox the item cannot be routed; drop the stale entry.
			pipe.ZRem(ctx, from, id)
			continue
		}
		pipe.ZRem(ctx, from, id)
		pipe.RPush(ctx, inbox, id)
		promoted++
		if moved != nil {
			*moved = append(*moved, id)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return promoted, nil
}

// DLQPush appends to the dead-letter list for operational inspection.
func (q *RedisQueue) DLQPush(ctx context.Context, itemID string) error {
	return q.client.RPush(ctx, q.dlqKey, itemID).Err()
}

// DLQPeek reads the oldest dead-lettered item IDs.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]string, error) {
	return q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
}

// InboxDepth returns the number of unclaimed items in an inbox.
func (q *RedisQueue) InboxDepth(ctx context.Context, inbox string) (int64, error) {
	return q.client.LLen(ctx, inbox).Result()
}

var dequeueScript = redis.NewScript(`
local item = redis.call('LPOP', KEYS[1])
if item then
  redis.call('ZADD', KEYS[2], ARGV[1], item)
  return item
end
return nil
`)
