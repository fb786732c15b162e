package repository

import (
	"context"
	"fmt"
	"time"

	"SynthFM/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RatingRepository defines the interface for song ratings.
type RatingRepository interface {
	// UpsertRating inserts the rating or overwrites the score of the
	// existing (song, user) row.
	UpsertRating(ctx context.Context, rating *model.SongRating) error
	ScoresBySongIDs(ctx context.Context, songIDs []int64) (map[int64][]int, error)
}

type gormRatingRepository struct {
	db *gorm.DB
}

// NewGormRatingRepository creates a GORM backed RatingRepository.
func NewGormRatingRepository(db *gorm.DB) RatingRepository {
	return &gormRatingRepository{db: db}
}

func (r *gormRatingRepository) UpsertRating(ctx context.Context, rating *model.SongRating) error {
	rating.UpdatedAt = time.Now()
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "song_id"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"score", "updated_at"}),
	}).Create(rating).Error
	if err != nil {
		return fmt.Errorf("failed to upsert rating for song %d: %w", rating.SongID, err)
	}
	return nil
}

// ScoresBySongIDs loads every score of the given songs in one query.
func (r *gormRatingRepository) ScoresBySongIDs(ctx context.Context, songIDs []int64) (map[int64][]int, error) {
	result := make(map[int64][]int, len(songIDs))
	if len(songIDs) == 0 {
		return result, nil
	}
	var rows []struct {
		SongID int64
		Score  int
	}
	err := r.db.WithContext(ctx).Model(&model.SongRating{}).
		Select("song_id, score").
		Where("song_id IN ?", songIDs).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query ratings: %w", err)
	}
	for _, row := range rows {
		result[row.SongID] = append(result[row.SongID], row.Score)
	}
	return result, nil
}
