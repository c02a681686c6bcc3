package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/packforge/packforge/pkg/utils"
	"github.com/tidwall/gjson"
)

// LocalBackend stores one JSON file per entry under dir, named by the
// SHA-256 of the key and sharded by its first two hex digits. Writes go
// through a temp file and rename. The file mtime records the last access.
//
// Entry metadata is indexed in memory on first use so that listing, sizing
// and eviction never re-read payloads. The index assumes this process is
// the only writer of dir.
type LocalBackend struct {
	dir string

	mu     sync.Mutex
	loaded bool
	index  map[string]*Metadata
}

// NewLocalBackend creates a backend rooted at dir, creating it if needed
func NewLocalBackend(dir string) (*LocalBackend, error) {
	if dir == "" {
		return nil, fmt.Errorf("local cache directory is required")
	}
	if err := utils.EnsureDirectory(dir); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}
	return &LocalBackend{dir: dir}, nil
}

// Dir returns the cache root
func (b *LocalBackend) Dir() string { return b.dir }

func (b *LocalBackend) path(key string) string {
	h := hashKey(key)
	return filepath.Join(b.dir, h[:2], h+".json")
}

func (b *LocalBackend) read(key string) ([]byte, error) {
	data, err := os.ReadFile(b.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return data, err
}

// Get implements Backend
func (b *LocalBackend) Get(_ context.Context, key string) (*Entry, error) {
	data, err := b.read(key)
	if err != nil || data == nil {
		return nil, err
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptEntry, key, err)
	}
	if entry.Key != key {
		return nil, nil
	}
	if info, err := os.Stat(b.path(key)); err == nil && info.ModTime().After(entry.Metadata.LastAccessedAt) {
		entry.Metadata.LastAccessedAt = info.ModTime()
	}
	return &entry, nil
}

// Metadata implements MetadataReader without decoding payload or artifacts
func (b *LocalBackend) Metadata(ctx context.Context, key string) (*Metadata, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.loadIndex(ctx); err != nil {
		return nil, err
	}
	meta, ok := b.index[key]
	if !ok {
		return nil, nil
	}
	c := *meta
	return &c, nil
}

// ListMetadata implements MetadataLister
func (b *LocalBackend) ListMetadata(ctx context.Context) (map[string]*Metadata, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.loadIndex(ctx); err != nil {
		return nil, err
	}
	out := make(map[string]*Metadata, len(b.index))
	for k, meta := range b.index {
		c := *meta
		out[k] = &c
	}
	return out, nil
}

// loadIndex reads the metadata of every entry file once. The caller holds mu.
func (b *LocalBackend) loadIndex(ctx context.Context) error {
	if b.loaded {
		return nil
	}
	index := make(map[string]*Metadata)
	err := b.walk(ctx, func(path string, data []byte) {
		key := gjson.GetBytes(data, "key")
		if !key.Exists() {
			return
		}
		var meta Metadata
		if err := json.Unmarshal([]byte(gjson.GetBytes(data, "metadata").Raw), &meta); err != nil {
			return
		}
		if info, err := os.Stat(path); err == nil && info.ModTime().After(meta.LastAccessedAt) {
			meta.LastAccessedAt = info.ModTime()
		}
		index[key.String()] = &meta
	})
	if err != nil {
		return err
	}
	b.index = index
	b.loaded = true
	return nil
}

// Set implements Backend
func (b *LocalBackend) Set(_ context.Context, entry *Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}
	if err := utils.WriteFileAtomic(b.path(entry.Key), data, 0644); err != nil {
		return err
	}

	b.mu.Lock()
	if b.loaded {
		meta := entry.Metadata
		b.index[entry.Key] = &meta
	}
	b.mu.Unlock()
	return nil
}

// Touch implements Toucher
func (b *LocalBackend) Touch(_ context.Context, key string, at time.Time) error {
	err := os.Chtimes(b.path(key), at, at)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}

	b.mu.Lock()
	if meta, ok := b.index[key]; ok && at.After(meta.LastAccessedAt) {
		meta.LastAccessedAt = at
	}
	b.mu.Unlock()
	return nil
}

// Delete implements Backend
func (b *LocalBackend) Delete(_ context.Context, key string) error {
	err := os.Remove(b.path(key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	b.mu.Lock()
	delete(b.index, key)
	b.mu.Unlock()
	return nil
}

// Has implements Backend
func (b *LocalBackend) Has(_ context.Context, key string) (bool, error) {
	_, err := os.Stat(b.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

// Clear implements Backend
func (b *LocalBackend) Clear(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.index = nil
	b.loaded = false

	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() && len(e.Name()) == 2 {
			if err := os.RemoveAll(filepath.Join(b.dir, e.Name())); err != nil {
				return err
			}
		}
	}
	return nil
}

// Keys implements Backend. Unreadable files are skipped.
func (b *LocalBackend) Keys(ctx context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.loadIndex(ctx); err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(b.index))
	for k := range b.index {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Size implements Backend
func (b *LocalBackend) Size(ctx context.Context) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.loadIndex(ctx); err != nil {
		return 0, err
	}
	var total int64
	for _, meta := range b.index {
		total += meta.SizeBytes
	}
	return total, nil
}

func (b *LocalBackend) walk(ctx context.Context, fn func(path string, data []byte)) error {
	return filepath.WalkDir(b.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || !strings.HasSuffix(path, ".json") || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil || !gjson.ValidBytes(data) {
			return nil
		}
		fn(path, data)
		return nil
	})
}
