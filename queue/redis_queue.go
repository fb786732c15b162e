package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"SynthFM/logger"

	"github.com/redis/go-redis/v9"
)

// defaultReservePoll bounds a single BLMOVE so that Reserve notices a
// cancelled context without waiting for a job.
const defaultReservePoll = 2 * time.Second

// RedisQueue is a reliable list queue: LPUSH onto the pending list, BLMOVE
// into the processing list on reserve, LREM on ack.
type RedisQueue struct {
	client     redis.UniversalClient
	pending    string
	processing string
	poll       time.Duration
}

// NewRedisQueue creates a queue on the list named name. In-flight jobs live in
// name + ":processing".
func NewRedisQueue(client redis.UniversalClient, name string) *RedisQueue {
	return &RedisQueue{
		client:     client,
		pending:    name,
		processing: name + ":processing",
		poll:       defaultReservePoll,
	}
}

func (q *RedisQueue) Enqueue(ctx context.Context, job Job) error {
	payload, err := encodeJob(job)
	if err != nil {
		return err
	}
	if err := q.client.LPush(ctx, q.pending, payload).Err(); err != nil {
		return fmt.Errorf("enqueue job %s: %w", job.JobID, err)
	}
	logger.Debug("[Queue] 任务已入队",
		logger.String("jobId", job.JobID),
		logger.String("list", q.pending))
	return nil
}

func (q *RedisQueue) Reserve(ctx context.Context) (*Delivery, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		payload, err := q.client.BLMove(ctx, q.pending, q.processing, "RIGHT", "LEFT", q.poll).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(err, redis.ErrClosed) {
				return nil, ErrClosed
			}
			return nil, fmt.Errorf("reserve job: %w", err)
		}
		return decodeDelivery(payload), nil
	}
}

func (q *RedisQueue) Ack(ctx context.Context, d *Delivery) error {
	if err := q.client.LRem(ctx, q.processing, 1, d.payload).Err(); err != nil {
		return fmt.Errorf("ack job %s: %w", d.Job.JobID, err)
	}
	return nil
}

// Recover must only run while no worker holds a reservation, usually at
// worker start-up.
func (q *RedisQueue) Recover(ctx context.Context) (int64, error) {
	var moved int64
	for {
		err := q.client.LMove(ctx, q.processing, q.pending, "RIGHT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return moved, fmt.Errorf("recover jobs: %w", err)
		}
		moved++
	}
	if moved > 0 {
		logger.Warn("[Queue] 已重新投递未确认的任务",
			logger.Int64("count", moved),
			logger.String("list", q.pending))
	}
	return moved, nil
}

func (q *RedisQueue) Len(ctx context.Context) (Stats, error) {
	pipe := q.client.Pipeline()
	pending := pipe.LLen(ctx, q.pending)
	inFlight := pipe.LLen(ctx, q.processing)
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, fmt.Errorf("queue length: %w", err)
	}
	return Stats{Pending: pending.Val(), InFlight: inFlight.Val()}, nil
}
