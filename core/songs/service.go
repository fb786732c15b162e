// Package songs implements upload intake and the retrieval, rating and
// sharing operations on songs.
package songs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"SynthFM/core/errs"
	"SynthFM/logger"
	"SynthFM/model"
	"SynthFM/queue"
	"SynthFM/repository"
	"SynthFM/storage"

	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
)

const (
	MinScore = 1
	MaxScore = 5

	// MaxNameLength matches the size of the songs.name column.
	MaxNameLength = 255
)

// GenreCatalog is the set of genres the transform accepts.
type GenreCatalog interface {
	List() []string
	Contains(genre string) bool
}

// Deps are the collaborators of Service.
type Deps struct {
	Users   repository.UserRepository
	Songs   repository.SongRepository
	Synths  repository.SynthInfoRepository
	Ratings repository.RatingRepository
	Blobs   storage.BlobStore
	Queue   queue.Queue
	Genres  GenreCatalog
}

// Options tune intake validation and local working directories.
type Options struct {
	AllowedExtensions []string
	StagingDir        string
	DownloadDir       string
}

// Service is the song pipeline's synchronous half.
type Service struct {
	users   repository.UserRepository
	songs   repository.SongRepository
	synths  repository.SynthInfoRepository
	ratings repository.RatingRepository
	blobs   storage.BlobStore
	queue   queue.Queue
	genres  GenreCatalog

	allowed     map[string]struct{}
	stagingDir  string
	downloadDir string
	now         func() time.Time
}

func NewService(deps Deps, opts Options) (*Service, error) {
	for _, dir := range []string{opts.StagingDir, opts.DownloadDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	allowed := make(map[string]struct{}, len(opts.AllowedExtensions))
	for _, ext := range opts.AllowedExtensions {
		allowed[strings.ToLower(ext)] = struct{}{}
	}
	return &Service{
		users:       deps.Users,
		songs:       deps.Songs,
		synths:      deps.Synths,
		ratings:     deps.Ratings,
		blobs:       deps.Blobs,
		queue:       deps.Queue,
		genres:      deps.Genres,
		allowed:     allowed,
		stagingDir:  opts.StagingDir,
		downloadDir: opts.DownloadDir,
		now:         time.Now,
	}, nil
}

// Genres lists the genres a processing request may name.
func (s *Service) Genres() []string {
	if s.genres == nil {
		return []string{}
	}
	return s.genres.List()
}

// Submit accepts an upload. A nil genre stores the file as a raw song;
// otherwise a synthesized song is created and a processing job enqueued.
func (s *Service) Submit(ctx context.Context, user *model.User, filename string, data []byte, genre *string) (*SongRecord, error) {
	if user == nil {
		return nil, fmt.Errorf("%w: login required", errs.ErrUnauthorized)
	}
	if err := s.validateFilename(filename); err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: file is empty", errs.ErrInvalidInput)
	}
	if genre != nil {
		if err := s.validateGenre(*genre); err != nil {
			return nil, err
		}
	}
	if err := s.ensureNameFree(ctx, user.ID, filename); err != nil {
		return nil, err
	}

	if genre == nil {
		return s.storeRaw(ctx, user, filename, data)
	}

	staged, err := s.stage(filepath.Ext(filename), bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return s.createSynthesized(ctx, user, filename, staged, &model.SynthInfo{Genre: *genre})
}

func (s *Service) storeRaw(ctx context.Context, user *model.User, filename string, data []byte) (*SongRecord, error) {
	key := storage.SongKey(user.ID, filename)
	contentType := mimetype.Detect(data).String()
	if err := s.blobs.Put(ctx, key, bytes.NewReader(data), int64(len(data)), contentType); err != nil {
		logger.Error("[Upload] 上传到对象存储失败", logger.String("key", key), logger.ErrorField(err))
		return nil, fmt.Errorf("%w: %v", errs.ErrStorageUnavailable, err)
	}

	song := &model.Song{Name: filename, UserID: user.ID}
	if err := s.songs.CreateSong(ctx, song); err != nil {
		// a duplicate means another upload of the same name won the race and
		// owns the blob now
		if !errors.Is(err, errs.ErrDuplicateResource) {
			if delErr := s.blobs.Delete(ctx, key); delErr != nil {
				logger.Warn("[Upload] 回滚对象失败", logger.String("key", key), logger.ErrorField(delErr))
			}
		}
		return nil, err
	}

	logger.Info("[Upload] 歌曲上传成功",
		logger.Int64("songId", song.ID),
		logger.Int64("userId", user.ID),
		logger.String("name", filename),
		logger.String("size", humanize.Bytes(uint64(len(data)))),
		logger.String("contentType", contentType))
	return SerializeSong(song, user, nil, nil), nil
}

// Process requests a synthesized version of an existing raw song.
func (s *Service) Process(ctx context.Context, user *model.User, sourceSongID int64, genre string) (*SongRecord, error) {
	if user == nil {
		return nil, fmt.Errorf("%w: login required", errs.ErrUnauthorized)
	}
	if err := s.validateGenre(genre); err != nil {
		return nil, err
	}
	source, err := s.readableSong(ctx, user, sourceSongID)
	if err != nil {
		return nil, err
	}
	infos, err := s.synths.GetSynthInfosByResultSongIDs(ctx, []int64{source.ID})
	if err != nil {
		return nil, err
	}
	if infos[source.ID] != nil {
		return nil, fmt.Errorf("%w: song %d is already synthesized", errs.ErrInvalidInput, source.ID)
	}

	name := genre + "_" + source.Name
	if err := s.validateFilename(name); err != nil {
		return nil, err
	}
	if err := s.ensureNameFree(ctx, user.ID, name); err != nil {
		return nil, err
	}

	r, err := s.fetch(ctx, source)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	staged, err := s.stage(filepath.Ext(source.Name), r)
	if err != nil {
		return nil, err
	}

	sourceID := source.ID
	return s.createSynthesized(ctx, user, name, staged, &model.SynthInfo{Genre: genre, SourceSongID: &sourceID})
}

// createSynthesized persists the song with its pending SynthInfo and
// enqueues the job. The staged file is removed on any failure.
func (s *Service) createSynthesized(ctx context.Context, user *model.User, name, staged string, synth *model.SynthInfo) (*SongRecord, error) {
	song := &model.Song{Name: name, UserID: user.ID}
	if err := s.songs.CreateSongWithSynth(ctx, song, synth); err != nil {
		removeFile(staged)
		return nil, err
	}

	job := queue.Job{
		JobID:       uuid.NewString(),
		FileRef:     staged,
		Filename:    name,
		Genre:       synth.Genre,
		SynthInfoID: synth.ID,
		SongID:      song.ID,
		UserID:      user.ID,
		EnqueuedAt:  s.now().UTC(),
	}
	if err := s.queue.Enqueue(ctx, job); err != nil {
		logger.Error("[Upload] 任务入队失败，回滚歌曲",
			logger.Int64("songId", song.ID),
			logger.ErrorField(err))
		if delErr := s.songs.DeleteSong(context.WithoutCancel(ctx), song.ID); delErr != nil {
			logger.Error("[Upload] 回滚歌曲失败", logger.Int64("songId", song.ID), logger.ErrorField(delErr))
		}
		removeFile(staged)
		return nil, fmt.Errorf("%w: enqueue processing job: %v", errs.ErrStorageUnavailable, err)
	}

	logger.Info("[Upload] 处理任务已提交",
		logger.String("jobId", job.JobID),
		logger.Int64("songId", song.ID),
		logger.Int64("synthInfoId", synth.ID),
		logger.String("genre", synth.Genre))
	return SerializeSong(song, user, synth, nil), nil
}

// ListOwned lists the caller's songs, newest first.
func (s *Service) ListOwned(ctx context.Context, user *model.User) ([]*SongRecord, error) {
	if user == nil {
		return nil, fmt.Errorf("%w: login required", errs.ErrUnauthorized)
	}
	list, err := s.songs.ListSongsByUser(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	return s.serializeAll(ctx, list)
}

// ListPublic lists public songs that are raw or finished processing.
func (s *Service) ListPublic(ctx context.Context, user *model.User) ([]*SongRecord, error) {
	if user == nil {
		return nil, fmt.Errorf("%w: login required", errs.ErrUnauthorized)
	}
	list, err := s.songs.ListPublicSongs(ctx)
	if err != nil {
		return nil, err
	}
	return s.serializeAll(ctx, list)
}

// Download is a song fetched to a local temp file. Close removes the file.
type Download struct {
	Path        string
	Name        string
	ContentType string
	Size        int64
}

func (d *Download) Open() (*os.File, error) {
	return os.Open(d.Path)
}

func (d *Download) Close() error {
	err := os.Remove(d.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// Download pulls the song's blob from the store on demand.
func (s *Service) Download(ctx context.Context, user *model.User, songID int64) (*Download, error) {
	if user == nil {
		return nil, fmt.Errorf("%w: login required", errs.ErrUnauthorized)
	}
	song, err := s.readableSong(ctx, user, songID)
	if err != nil {
		return nil, err
	}
	infos, err := s.synths.GetSynthInfosByResultSongIDs(ctx, []int64{song.ID})
	if err != nil {
		return nil, err
	}
	if info := infos[song.ID]; info != nil && !info.ProcessingComplete {
		return nil, fmt.Errorf("%w: song %d processing not complete", errs.ErrNotFound, song.ID)
	}

	r, err := s.fetch(ctx, song)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	f, err := os.CreateTemp(s.downloadDir, "song-*"+filepath.Ext(song.Name))
	if err != nil {
		return nil, fmt.Errorf("failed to create download file: %w", err)
	}
	size, err := io.Copy(f, r)
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		removeFile(f.Name())
		return nil, fmt.Errorf("%w: read %s: %v", errs.ErrStorageUnavailable, song.Name, err)
	}

	contentType := "application/octet-stream"
	if mtype, err := mimetype.DetectFile(f.Name()); err == nil {
		contentType = mtype.String()
	}
	return &Download{Path: f.Name(), Name: song.Name, ContentType: contentType, Size: size}, nil
}

// Delete removes a song owned by the caller, its blob and its ratings.
func (s *Service) Delete(ctx context.Context, user *model.User, songID int64) error {
	if user == nil {
		return fmt.Errorf("%w: login required", errs.ErrUnauthorized)
	}
	song, err := s.ownedSong(ctx, user, songID)
	if err != nil {
		return err
	}

	key := storage.SongKey(song.UserID, song.Name)
	if err := s.blobs.Delete(ctx, key); err != nil && !errors.Is(err, storage.ErrObjectNotFound) {
		logger.Error("[Delete] 删除对象失败", logger.String("key", key), logger.ErrorField(err))
		return fmt.Errorf("%w: %v", errs.ErrStorageUnavailable, err)
	}
	if err := s.songs.DeleteSong(ctx, song.ID); err != nil {
		return err
	}
	logger.Info("[Delete] 歌曲已删除", logger.Int64("songId", song.ID), logger.Int64("userId", user.ID))
	return nil
}

// Rate records the caller's score for a song, replacing any earlier score.
func (s *Service) Rate(ctx context.Context, user *model.User, songID int64, score int) (*SongRecord, error) {
	if user == nil {
		return nil, fmt.Errorf("%w: login required", errs.ErrUnauthorized)
	}
	if score < MinScore || score > MaxScore {
		return nil, fmt.Errorf("%w: score must be between %d and %d", errs.ErrInvalidInput, MinScore, MaxScore)
	}
	song, err := s.readableSong(ctx, user, songID)
	if err != nil {
		return nil, err
	}
	rating := &model.SongRating{SongID: song.ID, UserID: user.ID, Score: score}
	if err := s.ratings.UpsertRating(ctx, rating); err != nil {
		return nil, err
	}
	return s.serializeOne(ctx, song)
}

// MakePublic shares a song owned by the caller. Repeating it is harmless.
func (s *Service) MakePublic(ctx context.Context, user *model.User, songID int64) (*SongRecord, error) {
	if user == nil {
		return nil, fmt.Errorf("%w: login required", errs.ErrUnauthorized)
	}
	song, err := s.ownedSong(ctx, user, songID)
	if err != nil {
		return nil, err
	}
	if !song.IsPublic {
		if err := s.songs.SetPublic(ctx, song.ID); err != nil {
			return nil, err
		}
		song.IsPublic = true
	}
	return s.serializeOne(ctx, song)
}

func (s *Service) getSong(ctx context.Context, songID int64) (*model.Song, error) {
	song, err := s.songs.GetSongByID(ctx, songID)
	if err != nil {
		return nil, err
	}
	if song == nil {
		return nil, fmt.Errorf("%w: song %d", errs.ErrNotFound, songID)
	}
	return song, nil
}

// readableSong allows the owner, or anyone when the song is public.
func (s *Service) readableSong(ctx context.Context, user *model.User, songID int64) (*model.Song, error) {
	song, err := s.getSong(ctx, songID)
	if err != nil {
		return nil, err
	}
	if song.UserID != user.ID && !song.IsPublic {
		return nil, fmt.Errorf("%w: song %d is private", errs.ErrForbidden, songID)
	}
	return song, nil
}

func (s *Service) ownedSong(ctx context.Context, user *model.User, songID int64) (*model.Song, error) {
	song, err := s.getSong(ctx, songID)
	if err != nil {
		return nil, err
	}
	if song.UserID != user.ID {
		return nil, fmt.Errorf("%w: song %d belongs to another user", errs.ErrForbidden, songID)
	}
	return song, nil
}

func (s *Service) fetch(ctx context.Context, song *model.Song) (io.ReadCloser, error) {
	key := storage.SongKey(song.UserID, song.Name)
	r, err := s.blobs.Get(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			logger.Error("[Download] 对象存储中缺少歌曲文件",
				logger.Int64("songId", song.ID),
				logger.String("key", key))
		}
		return nil, fmt.Errorf("%w: %v", errs.ErrStorageUnavailable, err)
	}
	return r, nil
}

func (s *Service) validateFilename(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: filename required", errs.ErrInvalidInput)
	}
	if strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return fmt.Errorf("%w: invalid filename %q", errs.ErrInvalidInput, name)
	}
	if utf8.RuneCountInString(name) > MaxNameLength {
		return fmt.Errorf("%w: filename longer than %d characters", errs.ErrInvalidInput, MaxNameLength)
	}
	ext := strings.ToLower(filepath.Ext(name))
	if _, ok := s.allowed[ext]; !ok {
		return fmt.Errorf("%w: file type %q not allowed", errs.ErrInvalidInput, ext)
	}
	return nil
}

func (s *Service) validateGenre(genre string) error {
	if genre == "" {
		return fmt.Errorf("%w: genre required", errs.ErrInvalidInput)
	}
	// genres become part of song names and blob keys
	if strings.ContainsAny(genre, `/\`) || strings.Contains(genre, "..") ||
		strings.IndexFunc(genre, unicode.IsControl) >= 0 {
		return fmt.Errorf("%w: invalid genre %q", errs.ErrInvalidInput, genre)
	}
	if s.genres != nil && !s.genres.Contains(genre) {
		return fmt.Errorf("%w: unknown genre %q", errs.ErrInvalidInput, genre)
	}
	return nil
}

func (s *Service) ensureNameFree(ctx context.Context, userID int64, name string) error {
	existing, err := s.songs.GetSongByUserAndName(ctx, userID, name)
	if err != nil {
		return err
	}
	if existing != nil {
		return fmt.Errorf("%w: song %q already exists", errs.ErrDuplicateResource, name)
	}
	return nil
}

// stage copies r into a fresh file in the staging directory.
func (s *Service) stage(ext string, r io.Reader) (string, error) {
	path := filepath.Join(s.stagingDir, uuid.NewString()+ext)
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to stage upload: %w", err)
	}
	_, err = io.Copy(f, r)
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		removeFile(path)
		return "", fmt.Errorf("failed to stage upload: %w", err)
	}
	return path, nil
}

func (s *Service) serializeOne(ctx context.Context, song *model.Song) (*SongRecord, error) {
	recs, err := s.serializeAll(ctx, []*model.Song{song})
	if err != nil {
		return nil, err
	}
	return recs[0], nil
}

// serializeAll loads owners, synth infos and scores for songs in three queries.
func (s *Service) serializeAll(ctx context.Context, list []*model.Song) ([]*SongRecord, error) {
	songIDs := make([]int64, 0, len(list))
	userIDs := make([]int64, 0, len(list))
	seen := make(map[int64]struct{})
	for _, song := range list {
		songIDs = append(songIDs, song.ID)
		if _, ok := seen[song.UserID]; !ok {
			seen[song.UserID] = struct{}{}
			userIDs = append(userIDs, song.UserID)
		}
	}

	owners, err := s.users.GetUsersByIDs(ctx, userIDs)
	if err != nil {
		return nil, err
	}
	infos, err := s.synths.GetSynthInfosByResultSongIDs(ctx, songIDs)
	if err != nil {
		return nil, err
	}
	scores, err := s.ratings.ScoresBySongIDs(ctx, songIDs)
	if err != nil {
		return nil, err
	}

	recs := make([]*SongRecord, 0, len(list))
	for _, song := range list {
		recs = append(recs, SerializeSong(song, owners[song.UserID], infos[song.ID], scores[song.ID]))
	}
	return recs, nil
}

func removeFile(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("删除临时文件失败", logger.String("path", path), logger.ErrorField(err))
	}
}
