package notify

import (
	"context"
	"sync"
)

// LocalBus fans events out inside one process. It backs the memory queue
// mode, where worker and server share a process.
type LocalBus struct {
	mu   sync.Mutex
	subs map[int64]map[chan Event]struct{}
}

func NewLocalBus() *LocalBus {
	return &LocalBus{subs: make(map[int64]map[chan Event]struct{})}
}

// Publish never blocks: a subscriber that is not reading misses the event.
func (b *LocalBus) Publish(ctx context.Context, event Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[event.UserID] {
		select {
		case ch <- event:
		default:
		}
	}
	return nil
}

func (b *LocalBus) Subscribe(ctx context.Context, userID int64) (<-chan Event, error) {
	ch := make(chan Event, 16)
	b.mu.Lock()
	if b.subs[userID] == nil {
		b.subs[userID] = make(map[chan Event]struct{})
	}
	b.subs[userID][ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs[userID], ch)
		if len(b.subs[userID]) == 0 {
			delete(b.subs, userID)
		}
		close(ch)
		b.mu.Unlock()
	}()
	return ch, nil
}
