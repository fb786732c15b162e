package model

import "time"

// Song is a user-owned audio artifact. Its blob lives under
// BlobKey(UserID, Name). A song is synthesized when a SynthInfo row has
// ResultSongID == ID, raw otherwise.
type Song struct {
	ID        int64     `gorm:"primaryKey;autoIncrement"`
	Name      string    `gorm:"size:255;not null;uniqueIndex:idx_song_owner_name,priority:2"`
	UserID    int64     `gorm:"not null;uniqueIndex:idx_song_owner_name,priority:1"`
	IsPublic  bool      `gorm:"not null;default:false;index"`
	CreatedAt time.Time `gorm:"index"`
	UpdatedAt time.Time
}

func (Song) TableName() string {
	return "songs"
}

// SynthInfo is the durable state of one processing job.
type SynthInfo struct {
	ID                 int64  `gorm:"primaryKey;autoIncrement"`
	SourceSongID       *int64 `gorm:"index"`
	ResultSongID       int64  `gorm:"not null;uniqueIndex"`
	Genre              string `gorm:"size:64;not null"`
	ProcessingComplete bool   `gorm:"not null;default:false"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (SynthInfo) TableName() string {
	return "synth_infos"
}

// SongRating is one user's score for one song; unique per (song, user).
type SongRating struct {
	ID        int64 `gorm:"primaryKey;autoIncrement"`
	SongID    int64 `gorm:"not null;uniqueIndex:idx_rating_song_user,priority:1"`
	UserID    int64 `gorm:"not null;uniqueIndex:idx_rating_song_user,priority:2"`
	Score     int   `gorm:"not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (SongRating) TableName() string {
	return "song_ratings"
}

// Models lists every persisted type, in migration order.
func Models() []interface{} {
	return []interface{}{&User{}, &Song{}, &SynthInfo{}, &SongRating{}}
}
