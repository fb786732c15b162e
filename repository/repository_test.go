package repository

import (
	"context"
	"testing"

	"SynthFM/core/errs"
	"SynthFM/model"
	"SynthFM/testsupport"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserRepositoryUniqueness(t *testing.T) {
	ctx := context.Background()
	repo := NewGormUserRepository(testsupport.OpenDB(t))

	require.NoError(t, repo.CreateUser(ctx, &model.User{Username: "alice", Email: "a@x.io", PasswordHash: "h"}))

	err := repo.CreateUser(ctx, &model.User{Username: "alice", Email: "other@x.io", PasswordHash: "h"})
	assert.ErrorIs(t, err, errs.ErrDuplicateResource)
	err = repo.CreateUser(ctx, &model.User{Username: "other", Email: "a@x.io", PasswordHash: "h"})
	assert.ErrorIs(t, err, errs.ErrDuplicateResource)

	u, err := repo.GetUserByUsername(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, u)

	missing, err := repo.GetUserByUsername(ctx, "nobody")
	require.NoError(t, err)
	assert.Nil(t, missing)

	byID, err := repo.GetUsersByIDs(ctx, []int64{u.ID, 404})
	require.NoError(t, err)
	assert.Len(t, byID, 1)
	assert.Equal(t, "alice", byID[u.ID].Username)
}

func TestSongRepositoryNamesUniquePerOwner(t *testing.T) {
	ctx := context.Background()
	repo := NewGormSongRepository(testsupport.OpenDB(t))

	require.NoError(t, repo.CreateSong(ctx, &model.Song{Name: "a.mid", UserID: 1}))
	require.NoError(t, repo.CreateSong(ctx, &model.Song{Name: "a.mid", UserID: 2}))
	err := repo.CreateSong(ctx, &model.Song{Name: "a.mid", UserID: 1})
	assert.ErrorIs(t, err, errs.ErrDuplicateResource)

	err = repo.CreateSongWithSynth(ctx, &model.Song{Name: "a.mid", UserID: 2}, &model.SynthInfo{Genre: "jazz"})
	assert.ErrorIs(t, err, errs.ErrDuplicateResource)

	songs, err := repo.ListSongsByUser(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, songs, 1)
}

func TestSynthInfoMarkCompleteOnce(t *testing.T) {
	ctx := context.Background()
	gdb := testsupport.OpenDB(t)
	songs := NewGormSongRepository(gdb)
	synths := NewGormSynthInfoRepository(gdb)

	song := &model.Song{Name: "a.mid", UserID: 1}
	info := &model.SynthInfo{Genre: "rock"}
	require.NoError(t, songs.CreateSongWithSynth(ctx, song, info))
	assert.Equal(t, song.ID, info.ResultSongID)

	changed, err := synths.MarkComplete(ctx, info.ID)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = synths.MarkComplete(ctx, info.ID)
	require.NoError(t, err)
	assert.False(t, changed)

	changed, err = synths.MarkComplete(ctx, 999)
	require.NoError(t, err)
	assert.False(t, changed)

	got, err := synths.GetSynthInfosByResultSongIDs(ctx, []int64{song.ID})
	require.NoError(t, err)
	assert.True(t, got[song.ID].ProcessingComplete)
}

func TestRatingRepositoryUpsert(t *testing.T) {
	ctx := context.Background()
	repo := NewGormRatingRepository(testsupport.OpenDB(t))

	require.NoError(t, repo.UpsertRating(ctx, &model.SongRating{SongID: 1, UserID: 1, Score: 2}))
	require.NoError(t, repo.UpsertRating(ctx, &model.SongRating{SongID: 1, UserID: 1, Score: 5}))
	require.NoError(t, repo.UpsertRating(ctx, &model.SongRating{SongID: 1, UserID: 2, Score: 3}))
	require.NoError(t, repo.UpsertRating(ctx, &model.SongRating{SongID: 2, UserID: 1, Score: 1}))

	scores, err := repo.ScoresBySongIDs(ctx, []int64{1, 2, 3})
	require.NoError(t, err)
	assert.ElementsMatch(t, []int{5, 3}, scores[1])
	assert.Equal(t, []int{1}, scores[2])
	assert.Empty(t, scores[3])
}

func TestDeleteSongMissing(t *testing.T) {
	repo := NewGormSongRepository(testsupport.OpenDB(t))
	err := repo.DeleteSong(context.Background(), 42)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}
