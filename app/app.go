// Package app builds the explicit application context shared by the HTTP
// server and the worker.
package app

import (
	"context"
	"errors"
	"fmt"

	"SynthFM/config"
	"SynthFM/core/auth"
	"SynthFM/core/notify"
	"SynthFM/core/songs"
	"SynthFM/core/synth"
	"SynthFM/core/worker"
	"SynthFM/db"
	"SynthFM/logger"
	"SynthFM/queue"
	"SynthFM/repository"
	"SynthFM/storage"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// Bus publishes job events and streams them to subscribers.
type Bus interface {
	notify.Publisher
	notify.Subscriber
}

// Infra are the connected backends an App is assembled from.
type Infra struct {
	DB          *gorm.DB
	Redis       *redis.Client
	Blobs       storage.BlobStore
	Queue       queue.Queue
	Bus         Bus
	Transformer synth.Transformer
}

// App holds every long-lived dependency. There are no package-level
// connections; pass the App (or the parts a component needs) explicitly.
type App struct {
	Config *config.Config
	Infra

	Users   repository.UserRepository
	Songs   repository.SongRepository
	Synths  repository.SynthInfoRepository
	Ratings repository.RatingRepository

	Genres *synth.GenreCatalog
	Auth   *auth.Service
	Music  *songs.Service
}

// New connects the database, Redis and MinIO described by cfg and
// assembles the App. The queue and event bus follow cfg.QueueBackend.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	gdb, err := db.ConnectGormDB(cfg)
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(gdb); err != nil {
		db.CloseGormDB(gdb)
		return nil, err
	}

	minioStore, err := storage.NewMinioStore(cfg)
	if err != nil {
		db.CloseGormDB(gdb)
		return nil, err
	}
	if err := minioStore.EnsureBucket(ctx); err != nil {
		db.CloseGormDB(gdb)
		return nil, err
	}

	transformer, err := synth.NewCommandTransformer(cfg.SynthCommand, cfg.OutputDir(), cfg.TransformTimeout)
	if err != nil {
		db.CloseGormDB(gdb)
		return nil, err
	}

	infra := Infra{DB: gdb, Blobs: minioStore, Transformer: transformer}
	switch cfg.QueueBackend {
	case "memory":
		infra.Queue = queue.NewMemoryQueue()
		infra.Bus = notify.NewLocalBus()
	default:
		rdb, err := db.ConnectRedis(cfg)
		if err != nil {
			db.CloseGormDB(gdb)
			return nil, err
		}
		infra.Redis = rdb
		infra.Queue = queue.NewRedisQueue(rdb, cfg.QueueName)
		infra.Bus = notify.NewRedisBus(rdb)
	}

	a, err := Assemble(cfg, infra)
	if err != nil {
		a.closeInfra()
		return nil, err
	}
	logger.Info("[App] 初始化完成",
		logger.String("db", cfg.DBDriver),
		logger.String("queue", cfg.QueueBackend),
		logger.String("bucket", minioStore.Bucket()))
	return a, nil
}

// Assemble builds repositories and services on already connected infra.
// The returned App is non-nil even on error so that Close can release infra.
func Assemble(cfg *config.Config, infra Infra) (*App, error) {
	a := &App{Config: cfg, Infra: infra}
	a.Users = repository.NewGormUserRepository(infra.DB)
	a.Songs = repository.NewGormSongRepository(infra.DB)
	a.Synths = repository.NewGormSynthInfoRepository(infra.DB)
	a.Ratings = repository.NewGormRatingRepository(infra.DB)

	genres, err := synth.NewGenreCatalog(cfg.GenreModelsDir)
	if err != nil {
		return a, err
	}
	a.Genres = genres

	a.Auth = auth.NewService(a.Users, auth.NewAuthenticator(cfg.JWTSecret, cfg.JWTTTL))

	music, err := songs.NewService(songs.Deps{
		Users:   a.Users,
		Songs:   a.Songs,
		Synths:  a.Synths,
		Ratings: a.Ratings,
		Blobs:   infra.Blobs,
		Queue:   infra.Queue,
		Genres:  genres,
	}, songs.Options{
		AllowedExtensions: cfg.AllowedExtensions,
		StagingDir:        cfg.StagingDir(),
		DownloadDir:       cfg.DownloadDir(),
	})
	if err != nil {
		return a, err
	}
	a.Music = music
	return a, nil
}

// NewWorker builds a processing worker on the App's queue and stores.
func (a *App) NewWorker() *worker.Worker {
	return worker.New(worker.Deps{
		Synths:      a.Synths,
		Blobs:       a.Blobs,
		Queue:       a.Queue,
		Transformer: a.Transformer,
		Events:      a.Bus,
	}, a.Config.WorkerConcurrency)
}

// WatchGenres keeps the genre catalog in sync with the model directory
// until ctx is done. A missing directory is logged and not watched.
func (a *App) WatchGenres(ctx context.Context) {
	go func() {
		if err := a.Genres.Watch(ctx); err != nil {
			logger.Warn("[Genres] 无法监听模型目录",
				logger.String("dir", a.Config.GenreModelsDir),
				logger.ErrorField(err))
		}
	}()
}

// Close releases every connection.
func (a *App) Close() error {
	return a.closeInfra()
}

func (a *App) closeInfra() error {
	var errs []error
	if mq, ok := a.Queue.(*queue.MemoryQueue); ok {
		mq.Close()
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	if err := db.CloseGormDB(a.DB); err != nil {
		errs = append(errs, fmt.Errorf("close database: %w", err))
	}
	return errors.Join(errs...)
}
