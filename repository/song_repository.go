package repository

import (
	"context"
	"errors"
	"fmt"

	"SynthFM/core/errs"
	"SynthFM/model"

	"gorm.io/gorm"
)

// SongRepository defines the interface for song data operations.
type SongRepository interface {
	CreateSong(ctx context.Context, song *model.Song) error
	// CreateSongWithSynth persists song and synth in one transaction and
	// points synth.ResultSongID at the new song.
	CreateSongWithSynth(ctx context.Context, song *model.Song, synth *model.SynthInfo) error
	GetSongByID(ctx context.Context, id int64) (*model.Song, error)
	GetSongByUserAndName(ctx context.Context, userID int64, name string) (*model.Song, error)
	ListSongsByUser(ctx context.Context, userID int64) ([]*model.Song, error)
	ListPublicSongs(ctx context.Context) ([]*model.Song, error)
	SetPublic(ctx context.Context, id int64) error
	DeleteSong(ctx context.Context, id int64) error
}

type gormSongRepository struct {
	db *gorm.DB
}

// NewGormSongRepository creates a GORM backed SongRepository.
func NewGormSongRepository(db *gorm.DB) SongRepository {
	return &gormSongRepository{db: db}
}

func (r *gormSongRepository) CreateSong(ctx context.Context, song *model.Song) error {
	return wrapWrite(r.db.WithContext(ctx).Create(song).Error, "song")
}

func (r *gormSongRepository) CreateSongWithSynth(ctx context.Context, song *model.Song, synth *model.SynthInfo) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(song).Error; err != nil {
			return wrapWrite(err, "song")
		}
		synth.ResultSongID = song.ID
		synth.ProcessingComplete = false
		if err := tx.Create(synth).Error; err != nil {
			return wrapWrite(err, "synth info")
		}
		return nil
	})
}

// GetSongByID returns nil, nil when the song does not exist.
func (r *gormSongRepository) GetSongByID(ctx context.Context, id int64) (*model.Song, error) {
	return r.first(ctx, "id = ?", id)
}

func (r *gormSongRepository) GetSongByUserAndName(ctx context.Context, userID int64, name string) (*model.Song, error) {
	return r.first(ctx, "user_id = ? AND name = ?", userID, name)
}

func (r *gormSongRepository) first(ctx context.Context, query string, args ...interface{}) (*model.Song, error) {
	var song model.Song
	err := r.db.WithContext(ctx).Where(query, args...).First(&song).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query song: %w", err)
	}
	return &song, nil
}

func (r *gormSongRepository) ListSongsByUser(ctx context.Context, userID int64) ([]*model.Song, error) {
	songs := make([]*model.Song, 0)
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC, id DESC").
		Find(&songs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list songs for user %d: %w", userID, err)
	}
	return songs, nil
}

// ListPublicSongs returns public songs that are raw or finished processing.
func (r *gormSongRepository) ListPublicSongs(ctx context.Context) ([]*model.Song, error) {
	songs := make([]*model.Song, 0)
	pending := r.db.Model(&model.SynthInfo{}).
		Select("1").
		Where("synth_infos.result_song_id = songs.id AND synth_infos.processing_complete = ?", false)
	err := r.db.WithContext(ctx).
		Where("is_public = ?", true).
		Where("NOT EXISTS (?)", pending).
		Order("created_at DESC, id DESC").
		Find(&songs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list public songs: %w", err)
	}
	return songs, nil
}

// SetPublic marks a song public. Setting it again is a no-op.
func (r *gormSongRepository) SetPublic(ctx context.Context, id int64) error {
	res := r.db.WithContext(ctx).Model(&model.Song{}).Where("id = ?", id).Update("is_public", true)
	if res.Error != nil {
		return fmt.Errorf("failed to update song %d: %w", id, res.Error)
	}
	return nil
}

// DeleteSong removes the song with its ratings and its own SynthInfo, and
// detaches synth infos that used it as a source.
func (r *gormSongRepository) DeleteSong(ctx context.Context, id int64) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("song_id = ?", id).Delete(&model.SongRating{}).Error; err != nil {
			return fmt.Errorf("failed to delete ratings of song %d: %w", id, err)
		}
		if err := tx.Where("result_song_id = ?", id).Delete(&model.SynthInfo{}).Error; err != nil {
			return fmt.Errorf("failed to delete synth info of song %d: %w", id, err)
		}
		if err := tx.Model(&model.SynthInfo{}).
			Where("source_song_id = ?", id).
			Update("source_song_id", nil).Error; err != nil {
			return fmt.Errorf("failed to detach synth sources of song %d: %w", id, err)
		}
		res := tx.Delete(&model.Song{}, id)
		if res.Error != nil {
			return fmt.Errorf("failed to delete song %d: %w", id, res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: song %d", errs.ErrNotFound, id)
		}
		return nil
	})
}
