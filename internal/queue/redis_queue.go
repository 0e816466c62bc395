package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisQueue keeps one list per channel. Popped messages move to a
// per-consumer processing list until they are acked, so a crashed consumer
// can reclaim them with Recover.
type RedisQueue struct {
	client   *redis.Client
	prefix   string
	consumer string
}

// NewRedisQueue wraps an existing client. consumer names this process's
// processing lists, normally the hostname plus stage.
func NewRedisQueue(client *redis.Client, consumer string) *RedisQueue {
	return &RedisQueue{client: client, prefix: "queue:", consumer: consumer}
}

func (q *RedisQueue) readyKey(channel string) string {
	return q.prefix + channel
}

func (q *RedisQueue) processingKey(channel string) string {
	return fmt.Sprintf("%s%s:processing:%s", q.prefix, channel, q.consumer)
}

// Push appends a message to the channel.
func (q *RedisQueue) Push(ctx context.Context, channel string, msg Message) error {
	body, err := encode(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	return q.client.LPush(ctx, q.readyKey(channel), body).Err()
}

// Pop takes the oldest message from the channel. Undecodable payloads are
// dropped and reported as ErrMalformed.
func (q *RedisQueue) Pop(ctx context.Context, channel string) (*Message, error) {
	raw, err := q.client.RPopLPush(ctx, q.readyKey(channel), q.processingKey(channel)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	msg, err := decode(channel, []byte(raw))
	if err != nil {
		_ = q.client.LRem(ctx, q.processingKey(channel), 1, raw).Err()
		return nil, err
	}
	msg.ack = func(ctx context.Context) error {
		return q.client.LRem(ctx, q.processingKey(channel), 1, raw).Err()
	}
	msg.nack = func(ctx context.Context, requeue bool) error {
		pipe := q.client.TxPipeline()
		pipe.LRem(ctx, q.processingKey(channel), 1, raw)
		if requeue {
			pipe.LPush(ctx, q.readyKey(channel), raw)
		}
		_, err := pipe.Exec(ctx)
		return err
	}
	return msg, nil
}

// Recover moves messages left in this consumer's processing list back onto
// the channel. It returns how many were moved.
func (q *RedisQueue) Recover(ctx context.Context, channel string) (int, error) {
	moved := 0
	for {
		_, err := q.client.RPopLPush(ctx, q.processingKey(channel), q.readyKey(channel)).Result()
		if errors.Is(err, redis.Nil) {
			return moved, nil
		}
		if err != nil {
			return moved, err
		}
		moved++
	}
}

// Depth returns the number of messages waiting on a channel.
func (q *RedisQueue) Depth(ctx context.Context, channel string) (int64, error) {
	return q.client.LLen(ctx, q.readyKey(channel)).Result()
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}
