package queue

import (
	"context"
	"sync"
)

// MemoryQueue keeps jobs in process memory. It only serves a worker running
// in the same process and loses everything on exit.
type MemoryQueue struct {
	mu       sync.Mutex
	pending  []string
	inFlight map[*Delivery]struct{}
	notify   chan struct{}
	closed   bool
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		inFlight: make(map[*Delivery]struct{}),
		notify:   make(chan struct{}, 1),
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, job Job) error {
	payload, err := encodeJob(job)
	if err != nil {
		return err
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.pending = append(q.pending, payload)
	q.wake()
	q.mu.Unlock()
	return nil
}

// wake must be called with mu held.
func (q *MemoryQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *MemoryQueue) Reserve(ctx context.Context) (*Delivery, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}
		if len(q.pending) > 0 {
			payload := q.pending[0]
			q.pending = q.pending[1:]
			d := decodeDelivery(payload)
			q.inFlight[d] = struct{}{}
			if len(q.pending) > 0 {
				q.wake()
			}
			q.mu.Unlock()
			return d, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.notify:
		}
	}
}

func (q *MemoryQueue) Ack(ctx context.Context, d *Delivery) error {
	q.mu.Lock()
	delete(q.inFlight, d)
	q.mu.Unlock()
	return nil
}

func (q *MemoryQueue) Recover(ctx context.Context) (int64, error) {
	q.mu.Lock()
	var moved int64
	for d := range q.inFlight {
		q.pending = append(q.pending, d.payload)
		delete(q.inFlight, d)
		moved++
	}
	if moved > 0 && !q.closed {
		q.wake()
	}
	q.mu.Unlock()
	return moved, nil
}

func (q *MemoryQueue) Len(ctx context.Context) (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{Pending: int64(len(q.pending)), InFlight: int64(len(q.inFlight))}, nil
}

// Close wakes blocked consumers with ErrClosed.
func (q *MemoryQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.notify)
}
