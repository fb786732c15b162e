// Package testsupport holds in-memory collaborators shared by package tests.
package testsupport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"SynthFM/db"
	"SynthFM/model"
	"SynthFM/storage"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// OpenDB returns a migrated in-memory SQLite database private to t.
func OpenDB(t testing.TB) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_foreign_keys=on", uuid.NewString())
	gdb, err := gorm.Open(sqlite.Open(dsn), db.Config(false))
	require.NoError(t, err)

	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, gdb.AutoMigrate(model.Models()...))
	return gdb
}

// MemoryBlobStore is a storage.BlobStore kept in a map. Set FailPut or
// FailGet to simulate an unreachable store.
type MemoryBlobStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string

	FailPut error
	FailGet error
}

func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{objects: make(map[string][]byte), types: make(map[string]string)}
}

func (s *MemoryBlobStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	if s.FailPut != nil {
		return s.FailPut
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = data
	s.types[key] = contentType
	return nil
}

func (s *MemoryBlobStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if s.FailGet != nil {
		return nil, s.FailGet
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrObjectNotFound, key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *MemoryBlobStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	delete(s.types, key)
	return nil
}

// Object returns the stored bytes of key.
func (s *MemoryBlobStore) Object(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	return data, ok
}

// ContentType returns the content type key was stored with.
func (s *MemoryBlobStore) ContentType(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.types[key]
}

// Keys lists the stored keys in order.
func (s *MemoryBlobStore) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.objects))
	for k := range s.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// FakeTransformer writes "<genre>:" followed by the input bytes to a file in
// Dir. Set Err to make every call fail.
type FakeTransformer struct {
	Dir string
	Err error

	mu    sync.Mutex
	calls int
}

func (f *FakeTransformer) Transform(ctx context.Context, inputPath, genre string) (string, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.Err != nil {
		return "", f.Err
	}
	data, err := os.ReadFile(inputPath)
	if err != nil {
		return "", err
	}
	out := filepath.Join(f.Dir, uuid.NewString()+filepath.Ext(inputPath))
	if err := os.WriteFile(out, append([]byte(genre+":"), data...), 0644); err != nil {
		return "", err
	}
	return out, nil
}

// Calls reports how many times Transform ran.
func (f *FakeTransformer) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// ErrInjected is a convenience failure for FailPut/FailGet/Err.
var ErrInjected = errors.New("injected failure")

// DirEntries lists file names in dir, ignoring a missing dir.
func DirEntries(t testing.TB, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), ".") {
			names = append(names, e.Name())
		}
	}
	return names
}
