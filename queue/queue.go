package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrClosed is returned by Reserve once the queue has been closed.
var ErrClosed = errors.New("queue closed")

// Job is the message handed from upload intake to the processing worker.
type Job struct {
	JobID       string    `json:"job_id"`
	FileRef     string    `json:"file_ref"`
	Filename    string    `json:"filename"`
	Genre       string    `json:"genre"`
	SynthInfoID int64     `json:"synth_info_id"`
	SongID      int64     `json:"song_id"`
	UserID      int64     `json:"user_id"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
}

// Delivery is a reserved job. It stays in flight until acknowledged.
type Delivery struct {
	Job Job
	// Err is set when the payload could not be decoded. The delivery must
	// still be acknowledged.
	Err error

	payload string
}

// Queue is an at-least-once job queue. A job that was reserved but never
// acknowledged is handed out again after Recover.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	// Reserve blocks until a job is available or ctx is done.
	Reserve(ctx context.Context) (*Delivery, error)
	Ack(ctx context.Context, d *Delivery) error
	// Recover moves in-flight jobs back to pending and returns how many moved.
	Recover(ctx context.Context) (int64, error)
	Len(ctx context.Context) (Stats, error)
}

// Stats is a snapshot of queue depth.
type Stats struct {
	Pending  int64
	InFlight int64
}

func encodeJob(job Job) (string, error) {
	b, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("encode job %s: %w", job.JobID, err)
	}
	return string(b), nil
}

func decodeDelivery(payload string) *Delivery {
	d := &Delivery{payload: payload}
	if err := json.Unmarshal([]byte(payload), &d.Job); err != nil {
		d.Err = fmt.Errorf("decode job payload: %w", err)
	}
	return d
}
