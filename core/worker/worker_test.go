package worker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"SynthFM/core/errs"
	"SynthFM/core/notify"
	"SynthFM/model"
	"SynthFM/queue"
	"SynthFM/repository"
	"SynthFM/testsupport"

	"github.com/stretchr/testify/suite"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []notify.Event
}

func (p *recordingPublisher) Publish(ctx context.Context, event notify.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) Events() []notify.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]notify.Event(nil), p.events...)
}

// hookTransformer runs before() ahead of the wrapped transform.
type hookTransformer struct {
	*testsupport.FakeTransformer
	before func()
}

func (t hookTransformer) Transform(ctx context.Context, inputPath, genre string) (string, error) {
	t.before()
	return t.FakeTransformer.Transform(ctx, inputPath, genre)
}

type WorkerSuite struct {
	suite.Suite
	ctx         context.Context
	songs       repository.SongRepository
	synths      repository.SynthInfoRepository
	blobs       *testsupport.MemoryBlobStore
	queue       *queue.MemoryQueue
	transformer *testsupport.FakeTransformer
	events      *recordingPublisher
	worker      *Worker
	stagingDir  string
}

func TestWorkerSuite(t *testing.T) {
	suite.Run(t, new(WorkerSuite))
}

func (s *WorkerSuite) SetupTest() {
	s.ctx = context.Background()
	gdb := testsupport.OpenDB(s.T())
	s.songs = repository.NewGormSongRepository(gdb)
	s.synths = repository.NewGormSynthInfoRepository(gdb)
	s.blobs = testsupport.NewMemoryBlobStore()
	s.queue = queue.NewMemoryQueue()
	s.transformer = &testsupport.FakeTransformer{Dir: s.T().TempDir()}
	s.events = &recordingPublisher{}
	s.stagingDir = s.T().TempDir()

	s.worker = New(Deps{
		Synths:      s.synths,
		Blobs:       s.blobs,
		Queue:       s.queue,
		Transformer: s.transformer,
		Events:      s.events,
	}, 2)
}

// pendingJob creates a pending synthesized song and its staged input.
func (s *WorkerSuite) pendingJob(name string) queue.Job {
	song := &model.Song{Name: name, UserID: 1}
	info := &model.SynthInfo{Genre: "jazz"}
	s.Require().NoError(s.songs.CreateSongWithSynth(s.ctx, song, info))

	staged := filepath.Join(s.stagingDir, name)
	s.Require().NoError(os.WriteFile(staged, []byte("notes"), 0644))
	return queue.Job{
		JobID:       "job-" + name,
		FileRef:     staged,
		Filename:    name,
		Genre:       "jazz",
		SynthInfoID: info.ID,
		SongID:      song.ID,
		UserID:      1,
		EnqueuedAt:  time.Now(),
	}
}

func (s *WorkerSuite) synthInfo(id int64) *model.SynthInfo {
	info, err := s.synths.GetSynthInfoByID(s.ctx, id)
	s.Require().NoError(err)
	s.Require().NotNil(info)
	return info
}

func (s *WorkerSuite) TestHandleCompletesJob() {
	job := s.pendingJob("a.mid")

	s.Require().NoError(s.worker.Handle(s.ctx, job))

	s.True(s.synthInfo(job.SynthInfoID).ProcessingComplete)
	data, ok := s.blobs.Object("1/a.mid")
	s.Require().True(ok)
	s.Equal("jazz:notes", string(data))

	_, err := os.Stat(job.FileRef)
	s.True(os.IsNotExist(err), "staged input should be removed")
	s.Empty(testsupport.DirEntries(s.T(), s.transformer.Dir))

	events := s.events.Events()
	s.Require().Len(events, 1)
	s.Equal(notify.EventCompleted, events[0].Type)
	s.Equal(job.SongID, events[0].SongID)
}

func (s *WorkerSuite) TestRedeliveryIsIdempotent() {
	job := s.pendingJob("a.mid")
	s.Require().NoError(s.worker.Handle(s.ctx, job))
	before := s.synthInfo(job.SynthInfoID)

	s.Require().NoError(s.worker.Handle(s.ctx, job))

	after := s.synthInfo(job.SynthInfoID)
	s.True(after.ProcessingComplete)
	s.Equal(before.UpdatedAt, after.UpdatedAt)
	s.Equal(1, s.transformer.Calls())
	s.Len(s.events.Events(), 1)
}

func (s *WorkerSuite) TestTransformFailureLeavesStateUnchanged() {
	job := s.pendingJob("a.mid")
	s.transformer.Err = errors.New("model crashed")

	err := s.worker.Handle(s.ctx, job)
	s.ErrorIs(err, errs.ErrTransformFailure)

	s.False(s.synthInfo(job.SynthInfoID).ProcessingComplete)
	s.Empty(s.blobs.Keys())

	events := s.events.Events()
	s.Require().Len(events, 1)
	s.Equal(notify.EventFailed, events[0].Type)
	s.Contains(events[0].Error, "model crashed")
}

func (s *WorkerSuite) TestUploadFailureLeavesStateUnchanged() {
	job := s.pendingJob("a.mid")
	s.blobs.FailPut = testsupport.ErrInjected

	err := s.worker.Handle(s.ctx, job)
	s.ErrorIs(err, errs.ErrStorageUnavailable)
	s.False(s.synthInfo(job.SynthInfoID).ProcessingComplete)
	s.Empty(testsupport.DirEntries(s.T(), s.transformer.Dir))
}

func (s *WorkerSuite) TestMissingSynthInfoIsDropped() {
	job := s.pendingJob("a.mid")
	job.SynthInfoID = 999

	err := s.worker.Handle(s.ctx, job)
	s.ErrorIs(err, errs.ErrNotFound)
	s.Equal(0, s.transformer.Calls())
}

func (s *WorkerSuite) TestSongDeletedDuringTransformDiscardsResult() {
	job := s.pendingJob("a.mid")
	w := New(Deps{
		Synths: s.synths,
		Blobs:  s.blobs,
		Queue:  s.queue,
		Transformer: hookTransformer{
			FakeTransformer: s.transformer,
			before: func() {
				s.Require().NoError(s.songs.DeleteSong(s.ctx, job.SongID))
			},
		},
		Events: s.events,
	}, 1)

	s.Require().NoError(w.Handle(s.ctx, job))

	_, ok := s.blobs.Object("1/a.mid")
	s.False(ok)
	s.Empty(s.events.Events())
	s.Empty(testsupport.DirEntries(s.T(), s.stagingDir))
	s.Empty(testsupport.DirEntries(s.T(), s.transformer.Dir))
}

func (s *WorkerSuite) TestRunConsumesAndAcks() {
	jobs := []queue.Job{s.pendingJob("a.mid"), s.pendingJob("b.mid"), s.pendingJob("c.mid")}
	for _, job := range jobs {
		s.Require().NoError(s.queue.Enqueue(s.ctx, job))
	}
	// a job whose SynthInfo vanished must not stop the loop
	bad := jobs[0]
	bad.JobID, bad.SynthInfoID = "gone", 12345
	bad.FileRef = filepath.Join(s.stagingDir, "gone.mid")
	s.Require().NoError(s.queue.Enqueue(s.ctx, bad))

	ctx, cancel := context.WithCancel(s.ctx)
	done := make(chan error, 1)
	go func() { done <- s.worker.Run(ctx) }()

	s.Eventually(func() bool {
		stats, _ := s.queue.Len(s.ctx)
		return stats.Pending == 0 && stats.InFlight == 0
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	s.Require().NoError(<-done)

	for _, job := range jobs {
		s.True(s.synthInfo(job.SynthInfoID).ProcessingComplete, job.Filename)
	}
	s.ElementsMatch([]string{"1/a.mid", "1/b.mid", "1/c.mid"}, s.blobs.Keys())
}

func (s *WorkerSuite) TestRunStopsWhenQueueCloses() {
	done := make(chan error, 1)
	go func() { done <- s.worker.Run(s.ctx) }()
	s.queue.Close()

	select {
	case err := <-done:
		s.NoError(err)
	case <-time.After(2 * time.Second):
		s.Fail("worker did not stop")
	}
}
