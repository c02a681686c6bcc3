// Package cache implements a content-addressable build cache with pluggable
// backends, TTL expiry, size-bounded LRU eviction and artifact restoration.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/packforge/packforge/pkg/logger"
	"github.com/packforge/packforge/pkg/types"
)

// SetOptions carries optional entry attributes
type SetOptions struct {
	Dependencies []string
	Tags         []string
	Artifacts    []ArtifactFile
}

// Stats reports store activity since creation plus current backend usage
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Writes    int64 `json:"writes"`
	Evictions int64 `json:"evictions"`
	Expired   int64 `json:"expired"`
	Errors    int64 `json:"errors"`
	Entries   int   `json:"entries"`
	Bytes     int64 `json:"bytes"`
	MaxBytes  int64 `json:"maxBytes"`
}

// Option configures a Store
type Option func(*Store)

// WithLogger sets the store logger
func WithLogger(log logger.Logger) Option {
	return func(s *Store) { s.logger = logger.OrNop(log) }
}

// WithClock replaces time.Now, for expiry tests
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store is the cache front end. It owns one backend, mirrors recently used
// entries in process and keeps the backend within its size limit.
// Backend I/O failures are logged and reported as misses or no-ops.
type Store struct {
	backend    Backend
	compressor *Compressor
	mirror     *lru.Cache[string, *Entry]
	shared     bool
	ttl        time.Duration
	maxSize    int64
	logger     logger.Logger
	now        func() time.Time

	keyLocks sync.Map
	evictMu  sync.Mutex

	// access holds last-access times newer than what the backend recorded
	accessMu sync.Mutex
	access   map[string]time.Time

	hits, misses, writes, evictions, expired, errs atomic.Int64
}

// New creates a store over backend using the cache section of the config
func New(backend Backend, cfg types.CacheConfig, opts ...Option) (*Store, error) {
	compressor, err := NewCompressor(cfg.Compression, cfg.GetCompressionThreshold())
	if err != nil {
		return nil, err
	}
	mirror, err := lru.New[string, *Entry](cfg.GetMirrorSize())
	if err != nil {
		_ = compressor.Close()
		return nil, fmt.Errorf("create mirror: %w", err)
	}

	s := &Store{
		backend:    backend,
		compressor: compressor,
		mirror:     mirror,
		ttl:        cfg.GetTTL(),
		maxSize:    cfg.MaxSize,
		logger:     logger.NewNopLogger(),
		now:        time.Now,
		access:     make(map[string]time.Time),
	}
	if sb, ok := backend.(SharedBackend); ok {
		s.shared = sb.Shared()
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Open creates the backend selected by cfg and a store over it
func Open(cfg types.CacheConfig, opts ...Option) (*Store, error) {
	backend, err := NewBackend(cfg)
	if err != nil {
		return nil, err
	}
	return New(backend, cfg, opts...)
}

// Backend returns the underlying backend
func (s *Store) Backend() Backend { return s.backend }

// Close releases compressor resources and the backend when it is closable
func (s *Store) Close() error {
	err := s.compressor.Close()
	if c, ok := s.backend.(interface{ Close() error }); ok {
		if cerr := c.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

func (s *Store) lock(key string) func() {
	m, _ := s.keyLocks.LoadOrStore(key, &sync.Mutex{})
	mu := m.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// tryLock takes the lock for key only when it is free
func (s *Store) tryLock(key string) (func(), bool) {
	m, _ := s.keyLocks.LoadOrStore(key, &sync.Mutex{})
	mu := m.(*sync.Mutex)
	if !mu.TryLock() {
		return nil, false
	}
	return mu.Unlock, true
}

func (s *Store) backendError(op, key string, err error) {
	s.errs.Add(1)
	s.logger.Warn("Cache backend error",
		logger.WithField("op", op),
		logger.WithField("key", key),
		logger.WithError(err))
}

// lookup returns the live entry for key or nil. Expired and corrupt entries
// are deleted. The caller holds the key lock.
func (s *Store) lookup(ctx context.Context, key string) *Entry {
	entry, ok := s.mirror.Get(key)
	if ok && s.shared {
		present, err := s.backend.Has(ctx, key)
		if err != nil {
			s.backendError("has", key, err)
			return nil
		}
		if !present {
			s.mirror.Remove(key)
			return nil
		}
	}

	if !ok {
		var err error
		entry, err = s.backend.Get(ctx, key)
		if err != nil {
			s.backendError("get", key, err)
			if errors.Is(err, ErrCorruptEntry) {
				s.remove(ctx, key)
			}
			return nil
		}
		if entry == nil {
			s.mirror.Remove(key)
			return nil
		}
		s.mirror.Add(key, entry)
	}

	if expired(entry.Metadata, s.ttl, s.now()) {
		s.expired.Add(1)
		s.logger.Debug("Cache entry expired", logger.WithField("key", key))
		s.remove(ctx, key)
		return nil
	}
	return entry
}

func (s *Store) remove(ctx context.Context, key string) {
	s.mirror.Remove(key)
	s.forget(key)
	if err := s.backend.Delete(ctx, key); err != nil {
		s.backendError("delete", key, err)
	}
}

func (s *Store) touch(ctx context.Context, entry *Entry) {
	now := s.now()
	s.accessMu.Lock()
	s.access[entry.Key] = now
	s.accessMu.Unlock()
	if t, ok := s.backend.(Toucher); ok {
		if err := t.Touch(ctx, entry.Key, now); err != nil {
			s.backendError("touch", entry.Key, err)
		}
	}
}

// Get loads the value stored under key into out (a pointer, or nil to only
// test for a live entry). It reports whether a live entry was found.
func (s *Store) Get(ctx context.Context, key string, out interface{}) (bool, error) {
	if key == "" {
		return false, ErrInvalidKey
	}
	unlock := s.lock(key)
	defer unlock()

	entry := s.lookup(ctx, key)
	if entry == nil {
		s.misses.Add(1)
		return false, nil
	}

	if out != nil {
		raw, err := s.compressor.Decompress(entry.Payload, entry.Metadata.Codec)
		if err != nil {
			s.backendError("decode", key, err)
			s.remove(ctx, key)
			s.misses.Add(1)
			return false, nil
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return false, fmt.Errorf("decode cached value for %s: %w", key, err)
		}
	}

	s.touch(ctx, entry)
	s.hits.Add(1)
	return true, nil
}

// Has reports whether a live entry exists for key without touching it
func (s *Store) Has(ctx context.Context, key string) bool {
	if key == "" {
		return false
	}
	unlock := s.lock(key)
	defer unlock()
	return s.lookup(ctx, key) != nil
}

// Entry returns a copy of the live entry for key, for inspection
func (s *Store) Entry(ctx context.Context, key string) (*Entry, bool) {
	if key == "" {
		return nil, false
	}
	unlock := s.lock(key)
	defer unlock()
	entry := s.lookup(ctx, key)
	if entry == nil {
		return nil, false
	}
	return entry.clone(), true
}

// Set stores value under key. Least recently accessed entries are evicted
// first until the new entry fits within the size limit.
func (s *Store) Set(ctx context.Context, key string, value interface{}, opts SetOptions) error {
	if key == "" {
		return ErrInvalidKey
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode value for %s: %w", key, err)
	}
	payload, codec, err := s.compressor.Compress(raw)
	if err != nil {
		return fmt.Errorf("compress value for %s: %w", key, err)
	}
	artifacts, err := s.packArtifacts(opts.Artifacts)
	if err != nil {
		return err
	}

	now := s.now()
	entry := &Entry{
		Key:       key,
		Payload:   payload,
		Artifacts: artifacts,
		Metadata: Metadata{
			CreatedAt:      now,
			LastAccessedAt: now,
			SizeBytes:      storedSize(payload, artifacts),
			ContentHash:    contentHash(raw),
			Dependencies:   append([]string(nil), opts.Dependencies...),
			Tags:           append([]string(nil), opts.Tags...),
			Codec:          codec,
		},
	}

	if s.maxSize > 0 && entry.Metadata.SizeBytes > s.maxSize {
		return fmt.Errorf("%w: %s is %d bytes, limit %d", ErrEntryTooLarge, key, entry.Metadata.SizeBytes, s.maxSize)
	}

	unlock := s.lock(key)
	defer unlock()

	s.evictMu.Lock()
	defer s.evictMu.Unlock()

	if s.maxSize > 0 {
		s.makeRoom(ctx, key, entry.Metadata.SizeBytes)
	}

	if err := s.backend.Set(ctx, entry); err != nil {
		s.backendError("set", key, err)
		s.mirror.Remove(key)
		return nil
	}
	s.mirror.Add(key, entry)
	s.forget(key)
	s.writes.Add(1)
	return nil
}

func (s *Store) lastAccess(key string) (time.Time, bool) {
	s.accessMu.Lock()
	defer s.accessMu.Unlock()
	at, ok := s.access[key]
	return at, ok
}

func (s *Store) forget(key string) {
	s.accessMu.Lock()
	delete(s.access, key)
	s.accessMu.Unlock()
}

type evictionCandidate struct {
	key  string
	meta *Metadata
}

// makeRoom evicts entries other than key until incoming bytes fit. The
// caller holds evictMu and the lock for key. Entries whose lock is held by
// a concurrent reader or writer are in use and are not evicted.
func (s *Store) makeRoom(ctx context.Context, key string, incoming int64) {
	var (
		index map[string]*Metadata
		used  int64
		err   error
	)
	if ml, ok := s.backend.(MetadataLister); ok {
		if index, err = ml.ListMetadata(ctx); err != nil {
			s.backendError("list", key, err)
			return
		}
		for _, meta := range index {
			used += meta.SizeBytes
		}
		if existing, ok := index[key]; ok {
			used -= existing.SizeBytes
		}
	} else {
		if used, err = s.backend.Size(ctx); err != nil {
			s.backendError("size", key, err)
			return
		}
		if existing, err := readMetadata(ctx, s.backend, key); err == nil && existing != nil {
			used -= existing.SizeBytes
		}
	}
	if used+incoming <= s.maxSize {
		return
	}

	if index == nil {
		if index, err = listMetadata(ctx, s.backend); err != nil {
			s.backendError("keys", key, err)
			return
		}
	}

	candidates := make([]evictionCandidate, 0, len(index))
	for k, meta := range index {
		if k == key {
			continue
		}
		if at, ok := s.lastAccess(k); ok && at.After(meta.LastAccessedAt) {
			meta.LastAccessedAt = at
		}
		candidates = append(candidates, evictionCandidate{key: k, meta: meta})
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i].meta, candidates[j].meta
		if !a.LastAccessedAt.Equal(b.LastAccessedAt) {
			return a.LastAccessedAt.Before(b.LastAccessedAt)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return candidates[i].key < candidates[j].key
	})

	for _, c := range candidates {
		if used+incoming <= s.maxSize {
			return
		}
		if s.evict(ctx, c) {
			used -= c.meta.SizeBytes
		}
	}
}

// evict deletes a victim under its key lock so a concurrent Get cannot
// repopulate the mirror with it. It reports whether the entry was removed.
func (s *Store) evict(ctx context.Context, c evictionCandidate) bool {
	unlock, ok := s.tryLock(c.key)
	if !ok {
		return false
	}
	defer unlock()

	if err := s.backend.Delete(ctx, c.key); err != nil {
		s.backendError("evict", c.key, err)
		return false
	}
	s.mirror.Remove(c.key)
	s.forget(c.key)
	s.evictions.Add(1)
	s.logger.Debug("Cache entry evicted",
		logger.WithField("key", c.key),
		logger.WithField("bytes", c.meta.SizeBytes))
	return true
}

// Delete removes the entry for key
func (s *Store) Delete(ctx context.Context, key string) error {
	if key == "" {
		return ErrInvalidKey
	}
	unlock := s.lock(key)
	defer unlock()
	s.remove(ctx, key)
	return nil
}

// Clear removes every entry
func (s *Store) Clear(ctx context.Context) error {
	s.evictMu.Lock()
	defer s.evictMu.Unlock()

	s.mirror.Purge()
	s.accessMu.Lock()
	s.access = make(map[string]time.Time)
	s.accessMu.Unlock()
	if err := s.backend.Clear(ctx); err != nil {
		s.backendError("clear", "", err)
		return fmt.Errorf("clear cache: %w", err)
	}
	return nil
}

// DeleteByTags removes every entry carrying any of tags and returns how many were removed
func (s *Store) DeleteByTags(ctx context.Context, tags ...string) (int, error) {
	return s.deleteWhere(ctx, func(k string, m *Metadata) bool {
		e := Entry{Metadata: *m}
		return e.HasTag(tags...)
	})
}

// Prune removes expired entries and returns how many were removed
func (s *Store) Prune(ctx context.Context) (int, error) {
	now := s.now()
	n, err := s.deleteWhere(ctx, func(_ string, m *Metadata) bool {
		return expired(*m, s.ttl, now)
	})
	s.expired.Add(int64(n))
	return n, err
}

func (s *Store) deleteWhere(ctx context.Context, match func(string, *Metadata) bool) (int, error) {
	index, err := listMetadata(ctx, s.backend)
	if err != nil {
		s.backendError("keys", "", err)
		return 0, fmt.Errorf("list cache keys: %w", err)
	}

	keys := make([]string, 0, len(index))
	for k := range index {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	removed := 0
	for _, k := range keys {
		if !match(k, index[k]) {
			continue
		}
		unlock := s.lock(k)
		s.remove(ctx, k)
		unlock()
		removed++
	}
	return removed, nil
}

// Keys lists every stored key
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	return s.backend.Keys(ctx)
}

// Stats returns counters and current backend usage
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	st := Stats{
		Hits:      s.hits.Load(),
		Misses:    s.misses.Load(),
		Writes:    s.writes.Load(),
		Evictions: s.evictions.Load(),
		Expired:   s.expired.Load(),
		Errors:    s.errs.Load(),
		MaxBytes:  s.maxSize,
	}
	keys, err := s.backend.Keys(ctx)
	if err != nil {
		return st, fmt.Errorf("list cache keys: %w", err)
	}
	st.Entries = len(keys)
	if st.Bytes, err = s.backend.Size(ctx); err != nil {
		return st, fmt.Errorf("measure cache: %w", err)
	}
	return st, nil
}
