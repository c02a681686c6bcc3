package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/packforge/packforge/pkg/types"
)

//go:generate mockgen -destination=../mocks/mock_backend.go -package=mocks github.com/packforge/packforge/pkg/cache Backend

// Backend stores entries. Get returns (nil, nil) on a miss.
type Backend interface {
	Get(ctx context.Context, key string) (*Entry, error)
	Set(ctx context.Context, entry *Entry) error
	Delete(ctx context.Context, key string) error
	Has(ctx context.Context, key string) (bool, error)
	Clear(ctx context.Context) error
	Keys(ctx context.Context) ([]string, error)
	// Size returns the sum of SizeBytes over all entries
	Size(ctx context.Context) (int64, error)
}

// MetadataReader is implemented by backends that can read an entry's
// metadata without decoding its payload. Returns (nil, nil) on a miss.
type MetadataReader interface {
	Metadata(ctx context.Context, key string) (*Metadata, error)
}

// MetadataLister is implemented by backends that can return every entry's
// metadata in one call
type MetadataLister interface {
	ListMetadata(ctx context.Context) (map[string]*Metadata, error)
}

// Toucher is implemented by backends that persist last-access times
type Toucher interface {
	Touch(ctx context.Context, key string, at time.Time) error
}

// SharedBackend is implemented by backends other processes may write to.
// The store confirms presence with the backend before serving from its mirror.
type SharedBackend interface {
	Shared() bool
}

// NewBackend creates the backend selected by cfg
func NewBackend(cfg types.CacheConfig) (Backend, error) {
	switch cfg.Backend {
	case types.BackendTypeLocal, "":
		return NewLocalBackend(cfg.Dir)
	case types.BackendTypeRemote:
		if cfg.Remote == nil || cfg.Remote.Addr == "" {
			return nil, fmt.Errorf("remote backend requires an address")
		}
		return NewRemoteBackend(NewRedisClient(*cfg.Remote), cfg.Remote.Prefix), nil
	case types.BackendTypeMemory:
		return NewMemoryBackend(), nil
	default:
		return nil, fmt.Errorf("unknown cache backend: %s", cfg.Backend)
	}
}

func readMetadata(ctx context.Context, b Backend, key string) (*Metadata, error) {
	if mr, ok := b.(MetadataReader); ok {
		return mr.Metadata(ctx, key)
	}
	entry, err := b.Get(ctx, key)
	if err != nil || entry == nil {
		return nil, err
	}
	return &entry.Metadata, nil
}

// listMetadata returns the metadata of every entry, in one call when the
// backend supports it. Entries whose metadata cannot be read are skipped.
func listMetadata(ctx context.Context, b Backend) (map[string]*Metadata, error) {
	if ml, ok := b.(MetadataLister); ok {
		return ml.ListMetadata(ctx)
	}
	keys, err := b.Keys(ctx)
	if err != nil {
		return nil, err
	}
	index := make(map[string]*Metadata, len(keys))
	for _, k := range keys {
		meta, err := readMetadata(ctx, b, k)
		if err != nil || meta == nil {
			continue
		}
		index[k] = meta
	}
	return index, nil
}
