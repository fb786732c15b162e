package synth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"SynthFM/logger"

	"github.com/fsnotify/fsnotify"
)

// GenreCatalog lists the genres the transform has a model for: one model
// file per genre in a directory, named after the genre.
type GenreCatalog struct {
	dir string

	mu     sync.RWMutex
	genres []string
}

// NewGenreCatalog scans dir once. A missing directory yields an empty catalog.
func NewGenreCatalog(dir string) (*GenreCatalog, error) {
	c := &GenreCatalog{dir: dir}
	if err := c.Refresh(); err != nil {
		return nil, err
	}
	return c, nil
}

// Refresh rescans the model directory.
func (c *GenreCatalog) Refresh() error {
	entries, err := os.ReadDir(c.dir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to read genre models in %s: %w", c.dir, err)
	}

	seen := make(map[string]struct{}, len(entries))
	genres := make([]string, 0, len(entries))
	for _, entry := range entries {
		genre := genreName(entry.Name())
		if genre == "" {
			continue
		}
		if _, ok := seen[genre]; ok {
			continue
		}
		seen[genre] = struct{}{}
		genres = append(genres, genre)
	}
	sort.Strings(genres)

	c.mu.Lock()
	c.genres = genres
	c.mu.Unlock()
	return nil
}

// genreName strips the extension; hidden files yield "".
func genreName(file string) string {
	if strings.HasPrefix(file, ".") {
		return ""
	}
	return strings.TrimSuffix(file, filepath.Ext(file))
}

// List returns a copy of the known genres in sorted order.
func (c *GenreCatalog) List() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.genres))
	copy(out, c.genres)
	return out
}

// Contains reports whether genre has a model. An empty catalog accepts every
// genre, so a deployment without local models still processes jobs.
func (c *GenreCatalog) Contains(genre string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.genres) == 0 {
		return true
	}
	i := sort.SearchStrings(c.genres, genre)
	return i < len(c.genres) && c.genres[i] == genre
}

// Watch refreshes the catalog whenever the model directory changes, until
// ctx is done. Bursts of events are coalesced.
func (c *GenreCatalog) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("创建文件监听器失败: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(c.dir); err != nil {
		return fmt.Errorf("监听目录失败: %w", err)
	}

	const settle = 200 * time.Millisecond
	timer := time.NewTimer(settle)
	if !timer.Stop() {
		<-timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				timer.Reset(settle)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("[Genres] 文件监听错误", logger.ErrorField(err))
		case <-timer.C:
			if err := c.Refresh(); err != nil {
				logger.Warn("[Genres] 刷新失败", logger.ErrorField(err))
				continue
			}
			logger.Info("[Genres] 类型列表已刷新", logger.Int("count", len(c.List())))
		}
	}
}
