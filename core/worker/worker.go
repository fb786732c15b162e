// Package worker consumes processing jobs: it runs the transform, uploads
// the result and marks the SynthInfo complete.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"SynthFM/core/errs"
	"SynthFM/core/notify"
	"SynthFM/core/synth"
	"SynthFM/logger"
	"SynthFM/queue"
	"SynthFM/repository"
	"SynthFM/storage"

	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"
)

// reserveBackoff is the pause after a failed Reserve.
const reserveBackoff = time.Second

// Deps are the collaborators of Worker. Events may be nil.
type Deps struct {
	Synths      repository.SynthInfoRepository
	Blobs       storage.BlobStore
	Queue       queue.Queue
	Transformer synth.Transformer
	Events      notify.Publisher
}

// Worker runs processing jobs from a queue.
type Worker struct {
	synths      repository.SynthInfoRepository
	blobs       storage.BlobStore
	queue       queue.Queue
	transformer synth.Transformer
	events      notify.Publisher
	concurrency int
}

func New(deps Deps, concurrency int) *Worker {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Worker{
		synths:      deps.Synths,
		blobs:       deps.Blobs,
		queue:       deps.Queue,
		transformer: deps.Transformer,
		events:      deps.Events,
		concurrency: concurrency,
	}
}

// Run consumes jobs until ctx is cancelled or the queue is closed. A job
// already being handled when ctx is cancelled runs to completion.
func (w *Worker) Run(ctx context.Context) error {
	logger.Info("[Worker] 启动", logger.Int("concurrency", w.concurrency))

	var wg sync.WaitGroup
	for i := 0; i < w.concurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			w.loop(ctx, id)
		}(i)
	}
	wg.Wait()

	logger.Info("[Worker] 已停止")
	return nil
}

func (w *Worker) loop(ctx context.Context, id int) {
	for {
		d, err := w.queue.Reserve(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return
			}
			logger.Error("[Worker] 获取任务失败", logger.Int("worker", id), logger.ErrorField(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(reserveBackoff):
			}
			continue
		}

		jobCtx := context.WithoutCancel(ctx)
		if d.Err != nil {
			logger.Error("[Worker] 任务格式错误，已丢弃", logger.Int("worker", id), logger.ErrorField(d.Err))
		} else if err := w.Handle(jobCtx, d.Job); err != nil {
			logger.Error("[Worker] 任务处理失败",
				logger.Int("worker", id),
				logger.String("jobId", d.Job.JobID),
				logger.Int64("synthInfoId", d.Job.SynthInfoID),
				logger.ErrorField(err))
		}
		if err := w.queue.Ack(jobCtx, d); err != nil {
			logger.Error("[Worker] 确认任务失败", logger.String("jobId", d.Job.JobID), logger.ErrorField(err))
		}
	}
}

// Handle processes one job. Handling a job whose SynthInfo is already
// complete is a no-op, so redelivery is safe.
func (w *Worker) Handle(ctx context.Context, job queue.Job) error {
	start := time.Now()

	info, err := w.synths.GetSynthInfoByID(ctx, job.SynthInfoID)
	if err != nil {
		return err
	}
	if info == nil {
		logger.Warn("[Worker] SynthInfo 不存在，放弃任务",
			logger.String("jobId", job.JobID),
			logger.Int64("synthInfoId", job.SynthInfoID))
		removeFile(job.FileRef)
		return fmt.Errorf("%w: synth info %d", errs.ErrNotFound, job.SynthInfoID)
	}
	if info.ProcessingComplete {
		logger.Info("[Worker] 任务已处理，跳过",
			logger.String("jobId", job.JobID),
			logger.Int64("synthInfoId", info.ID))
		return nil
	}

	result, err := w.transformer.Transform(ctx, job.FileRef, job.Genre)
	if err != nil {
		if !errors.Is(err, errs.ErrTransformFailure) {
			err = fmt.Errorf("%w: %v", errs.ErrTransformFailure, err)
		}
		w.publish(ctx, job, notify.EventFailed, err)
		return err
	}
	defer removeFile(result)

	size, err := w.upload(ctx, job, result)
	if err != nil {
		w.publish(ctx, job, notify.EventFailed, err)
		return err
	}

	changed, err := w.synths.MarkComplete(ctx, info.ID)
	if err != nil {
		return err
	}
	if !changed {
		current, err := w.synths.GetSynthInfoByID(ctx, info.ID)
		if err != nil {
			return err
		}
		if current == nil {
			// the song was deleted while the transform ran
			key := storage.SongKey(job.UserID, job.Filename)
			if err := w.blobs.Delete(ctx, key); err != nil {
				logger.Warn("[Worker] 删除孤立对象失败", logger.String("key", key), logger.ErrorField(err))
			}
			removeFile(job.FileRef)
			logger.Warn("[Worker] SynthInfo 已在处理期间被删除，丢弃结果",
				logger.String("jobId", job.JobID),
				logger.Int64("synthInfoId", info.ID))
			return nil
		}
		logger.Info("[Worker] SynthInfo 已被其他投递完成", logger.Int64("synthInfoId", info.ID))
	}
	removeFile(job.FileRef)

	logger.Info("[Worker] 任务完成",
		logger.String("jobId", job.JobID),
		logger.Int64("songId", job.SongID),
		logger.String("genre", job.Genre),
		logger.String("size", humanize.Bytes(uint64(size))),
		logger.Duration("elapsed", time.Since(start)))
	w.publish(ctx, job, notify.EventCompleted, nil)
	return nil
}

func (w *Worker) upload(ctx context.Context, job queue.Job, path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("%w: open result: %v", errs.ErrTransformFailure, err)
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("%w: stat result: %v", errs.ErrTransformFailure, err)
	}
	contentType := "application/octet-stream"
	if mtype, err := mimetype.DetectReader(f); err == nil {
		contentType = mtype.String()
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, fmt.Errorf("%w: rewind result: %v", errs.ErrTransformFailure, err)
	}

	key := storage.SongKey(job.UserID, job.Filename)
	if err := w.blobs.Put(ctx, key, f, stat.Size(), contentType); err != nil {
		return 0, fmt.Errorf("%w: upload %s: %v", errs.ErrStorageUnavailable, key, err)
	}
	return stat.Size(), nil
}

func (w *Worker) publish(ctx context.Context, job queue.Job, typ notify.EventType, cause error) {
	if w.events == nil {
		return
	}
	event := notify.Event{
		Type:        typ,
		SynthInfoID: job.SynthInfoID,
		SongID:      job.SongID,
		UserID:      job.UserID,
		Genre:       job.Genre,
		At:          time.Now().UTC(),
	}
	if cause != nil {
		event.Error = cause.Error()
	}
	if err := w.events.Publish(ctx, event); err != nil {
		logger.Warn("[Worker] 事件发布失败", logger.String("jobId", job.JobID), logger.ErrorField(err))
	}
}

func removeFile(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("删除临时文件失败", logger.String("path", path), logger.ErrorField(err))
	}
}
