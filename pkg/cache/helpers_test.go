package cache_test

import (
	"sync"
	"testing"
	"time"

	"github.com/packforge/packforge/pkg/cache"
	"github.com/packforge/packforge/pkg/types"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newStore(t *testing.T, backend cache.Backend, cfg types.CacheConfig, opts ...cache.Option) *cache.Store {
	t.Helper()
	store, err := cache.New(backend, cfg, opts...)
	if err != nil {
		t.Fatalf("cache.New() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}
