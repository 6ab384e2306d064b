package queue

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// OfflineQueue buffers message ids for receivers with no live connection.
// Entries are ids, not payloads, so replay always reflects the latest
// stored state of each message.
type OfflineQueue interface {
	// Enqueue appends messageID to the receiver's queue. Queue order
	// matches send order.
	Enqueue(ctx context.Context, receiverID, messageID string) error

	// Drain returns the queued ids in order and clears the queue. An
	// enqueue racing a drain either lands in the result or survives for
	// the next drain; it is never lost.
	Drain(ctx context.Context, receiverID string) ([]string, error)

	// Len reports the number of queued ids for the receiver.
	Len(ctx context.Context, receiverID string) (int64, error)
}

// RedisOfflineQueue keeps one Redis list per receiver
// (offline:queue:{receiverId}).
type RedisOfflineQueue struct {
	client *redis.Client
}

func NewRedisOfflineQueue(client *redis.Client) *RedisOfflineQueue {
	return &RedisOfflineQueue{client: client}
}

func (q *RedisOfflineQueue) key(receiverID string) string {
	return "offline:queue:" + receiverID
}

func (q *RedisOfflineQueue) Enqueue(ctx context.Context, receiverID, messageID string) error {
	if err := q.client.RPush(ctx, q.key(receiverID), messageID).Err(); err != nil {
		return fmt.Errorf("enqueue offline message: %w", err)
	}
	return nil
}

func (q *RedisOfflineQueue) Drain(ctx context.Context, receiverID string) ([]string, error) {
	// LRANGE+DEL inside MULTI/EXEC: a concurrent RPUSH executes either
	// before the transaction (included and cleared) or after it (kept for
	// the next drain).
	pipe := q.client.TxPipeline()
	entries := pipe.LRange(ctx, q.key(receiverID), 0, -1)
	pipe.Del(ctx, q.key(receiverID))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("drain offline queue: %w", err)
	}
	return entries.Val(), nil
}

func (q *RedisOfflineQueue) Len(ctx context.Context, receiverID string) (int64, error) {
	n, err := q.client.LLen(ctx, q.key(receiverID)).Result()
	if err != nil {
		return 0, fmt.Errorf("offline queue length: %w", err)
	}
	return n, nil
}
