package songs

import (
	"time"

	"SynthFM/model"
)

// UserRef is the owner summary embedded in a SongRecord.
type UserRef struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

// SynthInfoRecord is the processing state embedded in a SongRecord.
type SynthInfoRecord struct {
	ID                 int64  `json:"id"`
	SourceSongID       *int64 `json:"source_song_id"`
	ResultSongID       int64  `json:"result_song_id"`
	Genre              string `json:"genre"`
	ProcessingComplete bool   `json:"processing_complete"`
}

// SongRecord is the transport representation of a song.
type SongRecord struct {
	ID            int64            `json:"id"`
	Name          string           `json:"name"`
	CreateDate    time.Time        `json:"create_date"`
	IsPublic      bool             `json:"is_public"`
	User          UserRef          `json:"user"`
	SynthInfo     *SynthInfoRecord `json:"synth_info"`
	AverageRating *float64         `json:"average_rating"`
	RatingsCount  int              `json:"ratings_count"`
}

// SerializeSong builds the SongRecord of song. owner and synth may be nil;
// scores are every rating the song has.
func SerializeSong(song *model.Song, owner *model.User, synth *model.SynthInfo, scores []int) *SongRecord {
	rec := &SongRecord{
		ID:            song.ID,
		Name:          song.Name,
		CreateDate:    song.CreatedAt,
		IsPublic:      song.IsPublic,
		User:          UserRef{ID: song.UserID},
		AverageRating: averageRating(scores),
		RatingsCount:  len(scores),
	}
	if owner != nil {
		rec.User.Username = owner.Username
	}
	if synth != nil {
		rec.SynthInfo = &SynthInfoRecord{
			ID:                 synth.ID,
			SourceSongID:       synth.SourceSongID,
			ResultSongID:       synth.ResultSongID,
			Genre:              synth.Genre,
			ProcessingComplete: synth.ProcessingComplete,
		}
	}
	return rec
}

// averageRating is the arithmetic mean, nil when there are no scores.
func averageRating(scores []int) *float64 {
	if len(scores) == 0 {
		return nil
	}
	sum := 0
	for _, s := range scores {
		sum += s
	}
	avg := float64(sum) / float64(len(scores))
	return &avg
}
