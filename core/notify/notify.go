// Package notify publishes processing outcomes to the owner of a job.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"SynthFM/logger"

	"github.com/redis/go-redis/v9"
)

// EventType is the outcome of a processing job.
type EventType string

const (
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
)

// Event is delivered to the owner of the processed song.
type Event struct {
	Type        EventType `json:"type"`
	SynthInfoID int64     `json:"synth_info_id"`
	SongID      int64     `json:"song_id"`
	UserID      int64     `json:"user_id"`
	Genre       string    `json:"genre,omitempty"`
	Error       string    `json:"error,omitempty"`
	At          time.Time `json:"at"`
}

// Publisher delivers events. Delivery is best effort.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Subscriber streams the events of one user until ctx is done.
type Subscriber interface {
	Subscribe(ctx context.Context, userID int64) (<-chan Event, error)
}

// Channel is the pub/sub channel carrying the events of userID.
func Channel(userID int64) string {
	return fmt.Sprintf("synth:events:%d", userID)
}

// RedisBus publishes and subscribes through Redis pub/sub.
type RedisBus struct {
	client redis.UniversalClient
}

func NewRedisBus(client redis.UniversalClient) *RedisBus {
	return &RedisBus{client: client}
}

func (b *RedisBus) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := b.client.Publish(ctx, Channel(event.UserID), payload).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, userID int64) (<-chan Event, error) {
	sub := b.client.Subscribe(ctx, Channel(userID))
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe to events: %w", err)
	}

	out := make(chan Event)
	go func() {
		defer close(out)
		defer sub.Close()
		messages := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				var event Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					logger.Warn("[Events] 无法解析事件", logger.ErrorField(err))
					continue
				}
				select {
				case out <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
