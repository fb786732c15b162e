package repository

import (
	"context"
	"errors"
	"fmt"

	"SynthFM/model"

	"gorm.io/gorm"
)

// SynthInfoRepository defines the interface for processing job state.
type SynthInfoRepository interface {
	GetSynthInfoByID(ctx context.Context, id int64) (*model.SynthInfo, error)
	GetSynthInfosByResultSongIDs(ctx context.Context, songIDs []int64) (map[int64]*model.SynthInfo, error)
	// MarkComplete flips processing_complete from false to true. It reports
	// false when the row was already complete or does not exist.
	MarkComplete(ctx context.Context, id int64) (bool, error)
}

type gormSynthInfoRepository struct {
	db *gorm.DB
}

// NewGormSynthInfoRepository creates a GORM backed SynthInfoRepository.
func NewGormSynthInfoRepository(db *gorm.DB) SynthInfoRepository {
	return &gormSynthInfoRepository{db: db}
}

// GetSynthInfoByID returns nil, nil when the row does not exist.
func (r *gormSynthInfoRepository) GetSynthInfoByID(ctx context.Context, id int64) (*model.SynthInfo, error) {
	var info model.SynthInfo
	err := r.db.WithContext(ctx).First(&info, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query synth info %d: %w", id, err)
	}
	return &info, nil
}

// GetSynthInfosByResultSongIDs returns synth infos keyed by result song id.
func (r *gormSynthInfoRepository) GetSynthInfosByResultSongIDs(ctx context.Context, songIDs []int64) (map[int64]*model.SynthInfo, error) {
	result := make(map[int64]*model.SynthInfo, len(songIDs))
	if len(songIDs) == 0 {
		return result, nil
	}
	var infos []*model.SynthInfo
	if err := r.db.WithContext(ctx).Where("result_song_id IN ?", songIDs).Find(&infos).Error; err != nil {
		return nil, fmt.Errorf("failed to query synth infos: %w", err)
	}
	for _, info := range infos {
		result[info.ResultSongID] = info
	}
	return result, nil
}

func (r *gormSynthInfoRepository) MarkComplete(ctx context.Context, id int64) (bool, error) {
	res := r.db.WithContext(ctx).Model(&model.SynthInfo{}).
		Where("id = ? AND processing_complete = ?", id, false).
		Update("processing_complete", true)
	if res.Error != nil {
		return false, fmt.Errorf("failed to mark synth info %d complete: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}
