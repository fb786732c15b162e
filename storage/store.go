package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// ErrObjectNotFound is returned by Get when the key does not exist.
var ErrObjectNotFound = errors.New("object not found")

// BlobStore is key-addressed durable binary storage.
type BlobStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	// Get returns ErrObjectNotFound when the key is absent.
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// Delete succeeds when the key is already absent.
	Delete(ctx context.Context, key string) error
}

// SongKey is the blob key of a song: "{userId}/{filename}".
func SongKey(userID int64, filename string) string {
	return fmt.Sprintf("%d/%s", userID, filename)
}
