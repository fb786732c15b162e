package songs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"SynthFM/core/errs"
	"SynthFM/core/synth"
	"SynthFM/model"
	"SynthFM/queue"
	"SynthFM/repository"
	"SynthFM/testsupport"

	"github.com/stretchr/testify/suite"
)

var midiBytes = []byte("MThd\x00\x00\x00\x06\x00\x01\x00\x01\x00\x60MTrk\x00\x00\x00\x04\x00\xff\x2f\x00")

type staticGenres []string

func (g staticGenres) List() []string { return g }

func (g staticGenres) Contains(genre string) bool {
	for _, v := range g {
		if v == genre {
			return true
		}
	}
	return false
}

type failingQueue struct {
	queue.Queue
}

func (failingQueue) Enqueue(ctx context.Context, job queue.Job) error {
	return errors.New("broker down")
}

type ServiceSuite struct {
	suite.Suite
	ctx     context.Context
	users   repository.UserRepository
	songs   repository.SongRepository
	synths  repository.SynthInfoRepository
	ratings repository.RatingRepository
	blobs   *testsupport.MemoryBlobStore
	queue   *queue.MemoryQueue
	opts    Options
	svc     *Service
	alice   *model.User
	bob     *model.User
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.ctx = context.Background()
	gdb := testsupport.OpenDB(s.T())
	s.users = repository.NewGormUserRepository(gdb)
	s.songs = repository.NewGormSongRepository(gdb)
	s.synths = repository.NewGormSynthInfoRepository(gdb)
	s.ratings = repository.NewGormRatingRepository(gdb)
	s.blobs = testsupport.NewMemoryBlobStore()
	s.queue = queue.NewMemoryQueue()

	dir := s.T().TempDir()
	s.opts = Options{
		AllowedExtensions: []string{".mid", ".mp3"},
		StagingDir:        filepath.Join(dir, "staging"),
		DownloadDir:       filepath.Join(dir, "downloads"),
	}
	s.svc = s.newService(s.queue)

	s.alice = &model.User{Username: "alice", Email: "alice@example.com", PasswordHash: "x"}
	s.bob = &model.User{Username: "bob", Email: "bob@example.com", PasswordHash: "x"}
	s.Require().NoError(s.users.CreateUser(s.ctx, s.alice))
	s.Require().NoError(s.users.CreateUser(s.ctx, s.bob))
}

func (s *ServiceSuite) newService(q queue.Queue) *Service {
	svc, err := NewService(Deps{
		Users:   s.users,
		Songs:   s.songs,
		Synths:  s.synths,
		Ratings: s.ratings,
		Blobs:   s.blobs,
		Queue:   q,
		Genres:  staticGenres{"jazz", "rock"},
	}, s.opts)
	s.Require().NoError(err)
	return svc
}

func genre(g string) *string { return &g }

func (s *ServiceSuite) upload(user *model.User, name string, g *string) *SongRecord {
	rec, err := s.svc.Submit(s.ctx, user, name, midiBytes, g)
	s.Require().NoError(err)
	return rec
}

func (s *ServiceSuite) TestSubmitRawThenListOwned() {
	rec := s.upload(s.alice, "song1.mid", nil)
	s.Equal("song1.mid", rec.Name)
	s.Nil(rec.SynthInfo)
	s.Nil(rec.AverageRating)
	s.Equal(s.alice.ID, rec.User.ID)
	s.Equal("alice", rec.User.Username)

	data, ok := s.blobs.Object("1/song1.mid")
	s.Require().True(ok)
	s.Equal(midiBytes, data)
	s.Contains(s.blobs.ContentType("1/song1.mid"), "midi")

	list, err := s.svc.ListOwned(s.ctx, s.alice)
	s.Require().NoError(err)
	s.Require().Len(list, 1)
	s.Equal(rec.ID, list[0].ID)
	s.Equal(0, list[0].RatingsCount)

	other, err := s.svc.ListOwned(s.ctx, s.bob)
	s.Require().NoError(err)
	s.Empty(other)
}

func (s *ServiceSuite) TestSubmitValidation() {
	cases := []struct {
		name     string
		user     *model.User
		filename string
		data     []byte
		genre    *string
		kind     error
	}{
		{"anonymous", nil, "a.mid", midiBytes, nil, errs.ErrUnauthorized},
		{"no filename", s.alice, "", midiBytes, nil, errs.ErrInvalidInput},
		{"path in filename", s.alice, "../a.mid", midiBytes, nil, errs.ErrInvalidInput},
		{"bad extension", s.alice, "a.txt", midiBytes, nil, errs.ErrInvalidInput},
		{"empty file", s.alice, "a.mid", nil, nil, errs.ErrInvalidInput},
		{"empty genre", s.alice, "a.mid", midiBytes, genre(""), errs.ErrInvalidInput},
		{"unknown genre", s.alice, "a.mid", midiBytes, genre("polka"), errs.ErrInvalidInput},
	}
	for _, tc := range cases {
		s.Run(tc.name, func() {
			_, err := s.svc.Submit(s.ctx, tc.user, tc.filename, tc.data, tc.genre)
			s.ErrorIs(err, tc.kind)
		})
	}
	s.Empty(s.blobs.Keys())
}

func (s *ServiceSuite) TestSubmitExtensionIsCaseInsensitive() {
	s.upload(s.alice, "LOUD.MID", nil)
}

func (s *ServiceSuite) TestSubmitDuplicateNamePerUser() {
	s.upload(s.alice, "song.mid", nil)

	_, err := s.svc.Submit(s.ctx, s.alice, "song.mid", midiBytes, nil)
	s.ErrorIs(err, errs.ErrDuplicateResource)
	_, err = s.svc.Submit(s.ctx, s.alice, "song.mid", midiBytes, genre("jazz"))
	s.ErrorIs(err, errs.ErrDuplicateResource)

	s.upload(s.bob, "song.mid", nil)
	s.ElementsMatch([]string{"1/song.mid", "2/song.mid"}, s.blobs.Keys())
}

func (s *ServiceSuite) TestSubmitWithGenreEnqueuesJob() {
	rec := s.upload(s.alice, "song.mid", genre("jazz"))
	s.Require().NotNil(rec.SynthInfo)
	s.False(rec.SynthInfo.ProcessingComplete)
	s.Equal("jazz", rec.SynthInfo.Genre)
	s.Equal(rec.ID, rec.SynthInfo.ResultSongID)
	s.Nil(rec.SynthInfo.SourceSongID)
	s.Empty(s.blobs.Keys())

	stats, _ := s.queue.Len(s.ctx)
	s.Equal(int64(1), stats.Pending)

	d, err := s.queue.Reserve(s.ctx)
	s.Require().NoError(err)
	s.Equal(rec.SynthInfo.ID, d.Job.SynthInfoID)
	s.Equal(rec.ID, d.Job.SongID)
	s.Equal(s.alice.ID, d.Job.UserID)
	s.Equal("song.mid", d.Job.Filename)
	s.Equal("jazz", d.Job.Genre)
	s.NotEmpty(d.Job.JobID)

	staged, err := os.ReadFile(d.Job.FileRef)
	s.Require().NoError(err)
	s.Equal(midiBytes, staged)
	s.Equal(s.opts.StagingDir, filepath.Dir(d.Job.FileRef))
}

func (s *ServiceSuite) TestSubmitEnqueueFailureRollsBack() {
	svc := s.newService(failingQueue{})

	_, err := svc.Submit(s.ctx, s.alice, "song.mid", midiBytes, genre("rock"))
	s.ErrorIs(err, errs.ErrStorageUnavailable)

	list, err := svc.ListOwned(s.ctx, s.alice)
	s.Require().NoError(err)
	s.Empty(list)
	s.Empty(testsupport.DirEntries(s.T(), s.opts.StagingDir))
}

func (s *ServiceSuite) TestSubmitRawStorageFailureLeavesNoRow() {
	s.blobs.FailPut = testsupport.ErrInjected

	_, err := s.svc.Submit(s.ctx, s.alice, "song.mid", midiBytes, nil)
	s.ErrorIs(err, errs.ErrStorageUnavailable)

	list, err := s.svc.ListOwned(s.ctx, s.alice)
	s.Require().NoError(err)
	s.Empty(list)
}

func (s *ServiceSuite) TestProcessExistingSong() {
	src := s.upload(s.alice, "song.mid", nil)

	rec, err := s.svc.Process(s.ctx, s.alice, src.ID, "jazz")
	s.Require().NoError(err)
	s.Equal("jazz_song.mid", rec.Name)
	s.Require().NotNil(rec.SynthInfo)
	s.Require().NotNil(rec.SynthInfo.SourceSongID)
	s.Equal(src.ID, *rec.SynthInfo.SourceSongID)

	d, err := s.queue.Reserve(s.ctx)
	s.Require().NoError(err)
	staged, err := os.ReadFile(d.Job.FileRef)
	s.Require().NoError(err)
	s.Equal(midiBytes, staged)

	_, err = s.svc.Process(s.ctx, s.alice, src.ID, "jazz")
	s.ErrorIs(err, errs.ErrDuplicateResource)

	_, err = s.svc.Process(s.ctx, s.alice, rec.ID, "rock")
	s.ErrorIs(err, errs.ErrInvalidInput)

	_, err = s.svc.Process(s.ctx, s.bob, src.ID, "rock")
	s.ErrorIs(err, errs.ErrForbidden)

	_, err = s.svc.Process(s.ctx, s.alice, 999, "rock")
	s.ErrorIs(err, errs.ErrNotFound)

	_, err = s.svc.Process(s.ctx, s.alice, src.ID, "")
	s.ErrorIs(err, errs.ErrInvalidInput)
}

func (s *ServiceSuite) TestProcessRejectsGenresThatLeaveTheUserPrefix() {
	catalog, err := synth.NewGenreCatalog(s.T().TempDir())
	s.Require().NoError(err)
	svc, err := NewService(Deps{
		Users:   s.users,
		Songs:   s.songs,
		Synths:  s.synths,
		Ratings: s.ratings,
		Blobs:   s.blobs,
		Queue:   s.queue,
		Genres:  catalog,
	}, s.opts)
	s.Require().NoError(err)

	src := s.upload(s.alice, "song.mid", nil)
	for _, g := range []string{"../2/evil", "a/b", `a\b`, "..", "lo\x00fi"} {
		_, err := svc.Process(s.ctx, s.alice, src.ID, g)
		s.ErrorIs(err, errs.ErrInvalidInput, g)

		_, err = svc.Submit(s.ctx, s.alice, "other.mid", midiBytes, genre(g))
		s.ErrorIs(err, errs.ErrInvalidInput, g)
	}

	stats, err := s.queue.Len(s.ctx)
	s.Require().NoError(err)
	s.Zero(stats.Pending)

	rec, err := svc.Process(s.ctx, s.alice, src.ID, "lo-fi")
	s.Require().NoError(err)
	s.Equal("lo-fi_song.mid", rec.Name)
}

func (s *ServiceSuite) TestNameLengthIsBounded() {
	long := strings.Repeat("a", MaxNameLength-len(".mid")) + ".mid"
	src := s.upload(s.alice, long, nil)

	_, err := s.svc.Submit(s.ctx, s.alice, "a"+long, midiBytes, nil)
	s.ErrorIs(err, errs.ErrInvalidInput)

	_, err = s.svc.Process(s.ctx, s.alice, src.ID, "jazz")
	s.ErrorIs(err, errs.ErrInvalidInput)
}

func (s *ServiceSuite) TestListPublicVisibility() {
	raw := s.upload(s.alice, "raw.mid", nil)
	pending := s.upload(s.alice, "pending.mid", genre("jazz"))
	s.upload(s.alice, "private.mid", nil)

	_, err := s.svc.MakePublic(s.ctx, s.alice, raw.ID)
	s.Require().NoError(err)
	_, err = s.svc.MakePublic(s.ctx, s.alice, pending.ID)
	s.Require().NoError(err)

	list, err := s.svc.ListPublic(s.ctx, s.bob)
	s.Require().NoError(err)
	s.Require().Len(list, 1)
	s.Equal(raw.ID, list[0].ID)

	changed, err := s.synths.MarkComplete(s.ctx, pending.SynthInfo.ID)
	s.Require().NoError(err)
	s.True(changed)

	list, err = s.svc.ListPublic(s.ctx, s.bob)
	s.Require().NoError(err)
	s.Len(list, 2)

	_, err = s.svc.ListPublic(s.ctx, nil)
	s.ErrorIs(err, errs.ErrUnauthorized)
}

func (s *ServiceSuite) TestRateUpsertsPerUser() {
	song := s.upload(s.alice, "song.mid", nil)
	_, err := s.svc.MakePublic(s.ctx, s.alice, song.ID)
	s.Require().NoError(err)

	_, err = s.svc.Rate(s.ctx, s.bob, song.ID, 3)
	s.Require().NoError(err)
	rec, err := s.svc.Rate(s.ctx, s.bob, song.ID, 5)
	s.Require().NoError(err)
	s.Equal(1, rec.RatingsCount)
	s.Require().NotNil(rec.AverageRating)
	s.InDelta(5.0, *rec.AverageRating, 1e-9)

	rec, err = s.svc.Rate(s.ctx, s.alice, song.ID, 4)
	s.Require().NoError(err)
	s.Equal(2, rec.RatingsCount)
	s.InDelta(4.5, *rec.AverageRating, 1e-9)

	scores, err := s.ratings.ScoresBySongIDs(s.ctx, []int64{song.ID})
	s.Require().NoError(err)
	s.ElementsMatch([]int{5, 4}, scores[song.ID])
}

func (s *ServiceSuite) TestRateValidation() {
	song := s.upload(s.alice, "song.mid", nil)

	for _, score := range []int{0, 6, -1} {
		_, err := s.svc.Rate(s.ctx, s.alice, song.ID, score)
		s.ErrorIs(err, errs.ErrInvalidInput)
	}
	_, err := s.svc.Rate(s.ctx, s.bob, song.ID, 3)
	s.ErrorIs(err, errs.ErrForbidden)
	_, err = s.svc.Rate(s.ctx, s.alice, 999, 3)
	s.ErrorIs(err, errs.ErrNotFound)
	_, err = s.svc.Rate(s.ctx, nil, song.ID, 3)
	s.ErrorIs(err, errs.ErrUnauthorized)
}

func (s *ServiceSuite) TestMakePublicOwnerOnly() {
	song := s.upload(s.alice, "song.mid", nil)

	_, err := s.svc.MakePublic(s.ctx, s.bob, song.ID)
	s.ErrorIs(err, errs.ErrForbidden)

	rec, err := s.svc.MakePublic(s.ctx, s.alice, song.ID)
	s.Require().NoError(err)
	s.True(rec.IsPublic)
	rec, err = s.svc.MakePublic(s.ctx, s.alice, song.ID)
	s.Require().NoError(err)
	s.True(rec.IsPublic)

	_, err = s.svc.MakePublic(s.ctx, s.alice, 999)
	s.ErrorIs(err, errs.ErrNotFound)
}

func (s *ServiceSuite) TestDownload() {
	song := s.upload(s.alice, "song.mid", nil)

	dl, err := s.svc.Download(s.ctx, s.alice, song.ID)
	s.Require().NoError(err)
	data, err := os.ReadFile(dl.Path)
	s.Require().NoError(err)
	s.Equal(midiBytes, data)
	s.Equal("song.mid", dl.Name)
	s.Equal(int64(len(midiBytes)), dl.Size)
	s.Contains(dl.ContentType, "midi")
	s.Require().NoError(dl.Close())
	_, err = os.Stat(dl.Path)
	s.True(os.IsNotExist(err))

	_, err = s.svc.Download(s.ctx, s.bob, song.ID)
	s.ErrorIs(err, errs.ErrForbidden)

	_, err = s.svc.MakePublic(s.ctx, s.alice, song.ID)
	s.Require().NoError(err)
	dl, err = s.svc.Download(s.ctx, s.bob, song.ID)
	s.Require().NoError(err)
	s.NoError(dl.Close())

	_, err = s.svc.Download(s.ctx, s.alice, 999)
	s.ErrorIs(err, errs.ErrNotFound)
}

func (s *ServiceSuite) TestDownloadPendingAndMissingBlob() {
	pending := s.upload(s.alice, "pending.mid", genre("jazz"))
	_, err := s.svc.Download(s.ctx, s.alice, pending.ID)
	s.ErrorIs(err, errs.ErrNotFound)

	song := s.upload(s.alice, "gone.mid", nil)
	s.Require().NoError(s.blobs.Delete(s.ctx, "1/gone.mid"))
	_, err = s.svc.Download(s.ctx, s.alice, song.ID)
	s.ErrorIs(err, errs.ErrStorageUnavailable)
	s.Empty(testsupport.DirEntries(s.T(), s.opts.DownloadDir))
}

func (s *ServiceSuite) TestDeleteRemovesSongBlobAndRatings() {
	song := s.upload(s.alice, "song.mid", nil)
	_, err := s.svc.Rate(s.ctx, s.alice, song.ID, 4)
	s.Require().NoError(err)

	s.ErrorIs(s.svc.Delete(s.ctx, s.bob, song.ID), errs.ErrForbidden)
	s.Require().NoError(s.svc.Delete(s.ctx, s.alice, song.ID))

	got, err := s.songs.GetSongByID(s.ctx, song.ID)
	s.Require().NoError(err)
	s.Nil(got)
	_, ok := s.blobs.Object("1/song.mid")
	s.False(ok)
	scores, err := s.ratings.ScoresBySongIDs(s.ctx, []int64{song.ID})
	s.Require().NoError(err)
	s.Empty(scores[song.ID])

	s.ErrorIs(s.svc.Delete(s.ctx, s.alice, song.ID), errs.ErrNotFound)

	// the name is free again
	s.upload(s.alice, "song.mid", nil)
}

func (s *ServiceSuite) TestDeleteSynthesizedKeepsSource() {
	src := s.upload(s.alice, "song.mid", nil)
	derived, err := s.svc.Process(s.ctx, s.alice, src.ID, "rock")
	s.Require().NoError(err)

	s.Require().NoError(s.svc.Delete(s.ctx, s.alice, src.ID))
	info, err := s.synths.GetSynthInfoByID(s.ctx, derived.SynthInfo.ID)
	s.Require().NoError(err)
	s.Require().NotNil(info)
	s.Nil(info.SourceSongID)

	s.Require().NoError(s.svc.Delete(s.ctx, s.alice, derived.ID))
	info, err = s.synths.GetSynthInfoByID(s.ctx, derived.SynthInfo.ID)
	s.Require().NoError(err)
	s.Nil(info)
}

func (s *ServiceSuite) TestGenres() {
	s.Equal([]string{"jazz", "rock"}, s.svc.Genres())
}
