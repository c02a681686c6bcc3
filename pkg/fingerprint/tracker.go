// Package fingerprint tracks per-file content hashes between builds so
// unchanged inputs can be skipped.
package fingerprint

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/packforge/packforge/pkg/logger"
	"github.com/packforge/packforge/pkg/types"
	"github.com/packforge/packforge/pkg/utils"
	"golang.org/x/sync/errgroup"
)

// ChangeSet classifies a file set against the prior snapshot. Each slice is sorted.
type ChangeSet struct {
	Changed   []string `json:"changed"`
	Unchanged []string `json:"unchanged"`
	Added     []string `json:"added"`
	Removed   []string `json:"removed"`
}

// HasChanges reports whether anything was changed, added or removed
func (c ChangeSet) HasChanges() bool {
	return len(c.Changed)+len(c.Added)+len(c.Removed) > 0
}

// Stale returns changed and added paths, the files that need rebuilding
func (c ChangeSet) Stale() []string {
	stale := make([]string, 0, len(c.Changed)+len(c.Added))
	stale = append(stale, c.Changed...)
	stale = append(stale, c.Added...)
	sort.Strings(stale)
	return stale
}

// Stats summarizes tracker state
type Stats struct {
	TrackedFiles  int
	TotalBytes    int64
	BuildCount    int
	LastBuildTime time.Time
	HashAlgorithm types.HashAlgorithm
}

// Option configures a Tracker
type Option func(*Tracker)

// WithLogger sets the logger
func WithLogger(log logger.Logger) Option {
	return func(t *Tracker) { t.logger = logger.OrNop(log) }
}

// WithClock overrides the time source used for the last build time
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithRoot makes ignore patterns containing a slash, such as "src/gen/**",
// match against paths relative to root
func WithRoot(root string) Option {
	return func(t *Tracker) {
		if abs, err := filepath.Abs(root); err == nil {
			t.root = abs
		}
	}
}

// WithConcurrency bounds how many files are hashed in parallel by the batch operations
func WithConcurrency(n int) Option {
	return func(t *Tracker) {
		if n > 0 {
			t.concurrency = n
		}
	}
}

// Tracker records a FileFingerprint per path. It is safe for concurrent use.
type Tracker struct {
	path        string
	root        string
	algorithm   types.HashAlgorithm
	newHash     HashFunc
	ignore      *utils.IgnoreMatcher
	logger      logger.Logger
	now         func() time.Time
	concurrency int

	mu            sync.RWMutex
	files         map[string]FileFingerprint
	buildCount    int
	lastBuildTime time.Time
}

// New creates a tracker. It does not read the snapshot; call Load for that.
func New(cfg types.FingerprintConfig, opts ...Option) (*Tracker, error) {
	newHash, err := NewHashFunc(cfg.HashAlgorithm)
	if err != nil {
		return nil, err
	}
	ignore, err := utils.NewIgnoreMatcher(cfg.IgnorePatterns)
	if err != nil {
		return nil, fmt.Errorf("invalid ignore pattern: %w", err)
	}

	algorithm := cfg.HashAlgorithm
	if algorithm == "" {
		algorithm = types.HashAlgorithmSHA256
	}

	t := &Tracker{
		path:        cfg.SnapshotPath,
		algorithm:   algorithm,
		newHash:     newHash,
		ignore:      ignore,
		logger:      logger.NewNopLogger(),
		now:         time.Now,
		concurrency: 8,
		files:       make(map[string]FileFingerprint),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

func normalize(path string) string {
	return filepath.Clean(path)
}

// IsIgnored reports whether path is excluded by the ignore patterns
func (t *Tracker) IsIgnored(path string) bool {
	return t.isIgnored(normalize(path))
}

// isIgnored matches a normalized path as given and, when it lies under the
// root, relative to it
func (t *Tracker) isIgnored(path string) bool {
	if t.ignore.IsIgnored(path) {
		return true
	}
	if t.root == "" {
		return false
	}
	abs := path
	if !filepath.IsAbs(abs) {
		var err error
		if abs, err = filepath.Abs(abs); err != nil {
			return false
		}
	}
	rel, err := filepath.Rel(t.root, abs)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false
	}
	return t.ignore.IsIgnored(rel)
}

// Fingerprint returns the recorded fingerprint for path
func (t *Tracker) Fingerprint(path string) (FileFingerprint, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	fp, ok := t.files[normalize(path)]
	return fp, ok
}

// HasFileChanged reports whether path differs from its recorded fingerprint.
// Untracked and unreadable files count as changed. Ignored files never do.
func (t *Tracker) HasFileChanged(path string) bool {
	path = normalize(path)
	if t.isIgnored(path) {
		return false
	}

	prior, ok := t.Fingerprint(path)
	if !ok {
		return true
	}

	current, err := hashFile(path, t.newHash)
	if err != nil {
		t.logger.Debug("Fingerprint read failed, treating as changed",
			logger.WithField("path", path),
			logger.WithError(err))
		return true
	}
	return !prior.sameContent(current)
}

type classified struct {
	path   string
	result fileClass
}

type fileClass int

const (
	classUnchanged fileClass = iota
	classChanged
	classAdded
)

// GetChangedFiles classifies paths against the snapshot. Paths with no
// prior record are added; recorded paths whose hash or size differs, or
// that cannot be read, are changed. Recorded paths absent from paths are
// removed. Ignored paths appear in no category. The snapshot is not modified.
func (t *Tracker) GetChangedFiles(ctx context.Context, paths []string) (ChangeSet, error) {
	current := t.filterPaths(paths)

	t.mu.RLock()
	prior := make(map[string]FileFingerprint, len(t.files))
	for k, v := range t.files {
		prior[k] = v
	}
	t.mu.RUnlock()

	results := make([]classified, len(current))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.concurrency)
	for i, path := range current {
		i, path := i, path
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = classified{path: path, result: t.classify(path, prior)}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return ChangeSet{}, err
	}

	var cs ChangeSet
	seen := make(map[string]struct{}, len(current))
	for _, r := range results {
		seen[r.path] = struct{}{}
		switch r.result {
		case classAdded:
			cs.Added = append(cs.Added, r.path)
		case classChanged:
			cs.Changed = append(cs.Changed, r.path)
		default:
			cs.Unchanged = append(cs.Unchanged, r.path)
		}
	}
	for path := range prior {
		if _, ok := seen[path]; !ok && !t.isIgnored(path) {
			cs.Removed = append(cs.Removed, path)
		}
	}

	sort.Strings(cs.Changed)
	sort.Strings(cs.Unchanged)
	sort.Strings(cs.Added)
	sort.Strings(cs.Removed)
	return cs, nil
}

func (t *Tracker) classify(path string, prior map[string]FileFingerprint) fileClass {
	recorded, ok := prior[path]
	if !ok {
		return classAdded
	}
	current, err := hashFile(path, t.newHash)
	if err != nil {
		t.logger.Debug("Fingerprint read failed, treating as changed",
			logger.WithField("path", path),
			logger.WithError(err))
		return classChanged
	}
	if recorded.sameContent(current) {
		return classUnchanged
	}
	return classChanged
}

// filterPaths normalizes, de-duplicates and drops ignored paths
func (t *Tracker) filterPaths(paths []string) []string {
	seen := make(map[string]struct{}, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		p = normalize(p)
		if _, dup := seen[p]; dup || t.isIgnored(p) {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

// UpdateFile records the current fingerprint of path. A file that no
// longer exists is dropped from the snapshot.
func (t *Tracker) UpdateFile(path string) error {
	path = normalize(path)
	if t.isIgnored(path) {
		return nil
	}

	fp, err := hashFile(path, t.newHash)
	if errors.Is(err, fs.ErrNotExist) {
		t.Remove(path)
		return nil
	}
	if err != nil {
		return fmt.Errorf("fingerprint %s: %w", path, err)
	}

	t.mu.Lock()
	t.files[path] = fp
	t.mu.Unlock()
	return nil
}

// UpdateFiles records fingerprints for paths in parallel. All paths are
// attempted; the errors are joined.
func (t *Tracker) UpdateFiles(ctx context.Context, paths []string) error {
	var (
		mu   sync.Mutex
		errs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.concurrency)
	for _, path := range t.filterPaths(paths) {
		path := path
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if err := t.UpdateFile(path); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return errors.Join(errs...)
}

// Remove drops paths from the snapshot
func (t *Tracker) Remove(paths ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range paths {
		delete(t.files, normalize(p))
	}
}

// Files returns the tracked paths, sorted
func (t *Tracker) Files() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	paths := make([]string, 0, len(t.files))
	for p := range t.files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Clear drops all state and deletes the persisted snapshot
func (t *Tracker) Clear() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.files = make(map[string]FileFingerprint)
	t.buildCount = 0
	t.lastBuildTime = time.Time{}

	if t.path == "" {
		return nil
	}
	if err := os.Remove(t.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove snapshot: %w", err)
	}
	t.logger.Info("Cleared fingerprint snapshot", logger.WithField("path", t.path))
	return nil
}

// Load replaces in-memory state with the persisted snapshot. A missing or
// corrupt snapshot, or one recorded with a different hash algorithm,
// leaves the tracker empty so every file counts as added. Without a
// snapshot path Load keeps the in-memory state.
func (t *Tracker) Load() error {
	if t.path == "" {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.files = make(map[string]FileFingerprint)
	t.buildCount = 0
	t.lastBuildTime = time.Time{}

	snap, err := readSnapshot(t.path)
	if err != nil {
		t.logger.Warn("Ignoring unreadable fingerprint snapshot",
			logger.WithField("path", t.path),
			logger.WithError(err))
		return nil
	}
	if snap == nil {
		t.logger.Debug("No fingerprint snapshot", logger.WithField("path", t.path))
		return nil
	}

	t.buildCount = snap.BuildCount
	t.lastBuildTime = snap.LastBuildTime
	if snap.HashAlgorithm != t.algorithm {
		t.logger.Info("Hash algorithm changed, discarding fingerprints",
			logger.WithField("was", snap.HashAlgorithm),
			logger.WithField("now", t.algorithm))
		return nil
	}

	for path, fp := range snap.Files {
		t.files[normalize(path)] = fp
	}
	t.logger.Debug("Loaded fingerprint snapshot",
		logger.WithField("path", t.path),
		logger.WithField("files", len(t.files)),
		logger.WithField("builds", t.buildCount))
	return nil
}

// Save persists the snapshot atomically, incrementing the build counter
// and stamping the last build time.
func (t *Tracker) Save() error {
	if t.path == "" {
		return ErrNoSnapshotPath
	}

	t.mu.Lock()
	t.buildCount++
	t.lastBuildTime = t.now()
	snap := &snapshot{
		Version:       snapshotVersion,
		HashAlgorithm: t.algorithm,
		BuildCount:    t.buildCount,
		LastBuildTime: t.lastBuildTime,
		Files:         make(map[string]FileFingerprint, len(t.files)),
	}
	for k, v := range t.files {
		snap.Files[k] = v
	}
	t.mu.Unlock()

	if err := writeSnapshot(t.path, snap); err != nil {
		return fmt.Errorf("save fingerprint snapshot: %w", err)
	}
	return nil
}

// Stats returns a summary of tracked state
func (t *Tracker) Stats() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var total int64
	for _, fp := range t.files {
		total += fp.SizeBytes
	}
	return Stats{
		TrackedFiles:  len(t.files),
		TotalBytes:    total,
		BuildCount:    t.buildCount,
		LastBuildTime: t.lastBuildTime,
		HashAlgorithm: t.algorithm,
	}
}
