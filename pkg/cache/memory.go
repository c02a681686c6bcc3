package cache

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryBackend keeps entries in process memory
type MemoryBackend struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewMemoryBackend creates an empty in-memory backend
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{entries: make(map[string]*Entry)}
}

// Get implements Backend
func (b *MemoryBackend) Get(_ context.Context, key string) (*Entry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.entries[key]
	if !ok {
		return nil, nil
	}
	return e.clone(), nil
}

// Set implements Backend
func (b *MemoryBackend) Set(_ context.Context, entry *Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[entry.Key] = entry.clone()
	return nil
}

// Touch implements Toucher
func (b *MemoryBackend) Touch(_ context.Context, key string, at time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.entries[key]; ok {
		e.Metadata.LastAccessedAt = at
	}
	return nil
}

// Delete implements Backend
func (b *MemoryBackend) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, key)
	return nil
}

// Has implements Backend
func (b *MemoryBackend) Has(_ context.Context, key string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.entries[key]
	return ok, nil
}

// Clear implements Backend
func (b *MemoryBackend) Clear(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = make(map[string]*Entry)
	return nil
}

// Keys implements Backend, sorted for stable output
func (b *MemoryBackend) Keys(_ context.Context) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	keys := make([]string, 0, len(b.entries))
	for k := range b.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Size implements Backend
func (b *MemoryBackend) Size(_ context.Context) (int64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var total int64
	for _, e := range b.entries {
		total += e.Metadata.SizeBytes
	}
	return total, nil
}

// ListMetadata implements MetadataLister
func (b *MemoryBackend) ListMetadata(_ context.Context) (map[string]*Metadata, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	index := make(map[string]*Metadata, len(b.entries))
	for k, e := range b.entries {
		meta := e.Metadata
		index[k] = &meta
	}
	return index, nil
}

// FuncBackend adapts caller-supplied functions to Backend. Operations
// left nil return ErrUnsupported, except Has which falls back to Get.
type FuncBackend struct {
	GetFunc    func(ctx context.Context, key string) (*Entry, error)
	SetFunc    func(ctx context.Context, entry *Entry) error
	DeleteFunc func(ctx context.Context, key string) error
	HasFunc    func(ctx context.Context, key string) (bool, error)
	ClearFunc  func(ctx context.Context) error
	KeysFunc   func(ctx context.Context) ([]string, error)
	SizeFunc   func(ctx context.Context) (int64, error)
}

// Get implements Backend
func (b *FuncBackend) Get(ctx context.Context, key string) (*Entry, error) {
	if b.GetFunc == nil {
		return nil, ErrUnsupported
	}
	return b.GetFunc(ctx, key)
}

// Set implements Backend
func (b *FuncBackend) Set(ctx context.Context, entry *Entry) error {
	if b.SetFunc == nil {
		return ErrUnsupported
	}
	return b.SetFunc(ctx, entry)
}

// Delete implements Backend
func (b *FuncBackend) Delete(ctx context.Context, key string) error {
	if b.DeleteFunc == nil {
		return ErrUnsupported
	}
	return b.DeleteFunc(ctx, key)
}

// Has implements Backend
func (b *FuncBackend) Has(ctx context.Context, key string) (bool, error) {
	if b.HasFunc != nil {
		return b.HasFunc(ctx, key)
	}
	e, err := b.Get(ctx, key)
	return e != nil, err
}

// Clear implements Backend
func (b *FuncBackend) Clear(ctx context.Context) error {
	if b.ClearFunc == nil {
		return ErrUnsupported
	}
	return b.ClearFunc(ctx)
}

// Keys implements Backend
func (b *FuncBackend) Keys(ctx context.Context) ([]string, error) {
	if b.KeysFunc == nil {
		return nil, ErrUnsupported
	}
	return b.KeysFunc(ctx)
}

// Size implements Backend
func (b *FuncBackend) Size(ctx context.Context) (int64, error) {
	if b.SizeFunc == nil {
		return 0, ErrUnsupported
	}
	return b.SizeFunc(ctx)
}
