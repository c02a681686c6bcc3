// Package watch triggers rebuilds from file system events using fsnotify
package watch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/packforge/packforge/pkg/logger"
	"github.com/packforge/packforge/pkg/utils"
)

// DefaultSettlingDelay is how long the tree must be quiet before a batch of
// changes is delivered
const DefaultSettlingDelay = 200 * time.Millisecond

// ChangeFunc receives the absolute paths changed since the last batch, sorted
type ChangeFunc func(ctx context.Context, paths []string)

// Option configures a Watcher
type Option func(*Watcher)

// WithSettlingDelay sets the quiet period that closes a batch
func WithSettlingDelay(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.settling = d
		}
	}
}

// WithLogger sets the logger
func WithLogger(log logger.Logger) Option {
	return func(w *Watcher) { w.logger = logger.OrNop(log) }
}

// Watcher watches a project tree recursively. Only files matching the
// include patterns (relative to root) and not ignored are reported.
type Watcher struct {
	root     string
	include  *utils.IgnoreMatcher
	ignore   *utils.IgnoreMatcher
	settling time.Duration
	logger   logger.Logger
	watcher  *fsnotify.Watcher
}

// New creates a watcher for root
func New(root string, include []string, ignore *utils.IgnoreMatcher, opts ...Option) (*Watcher, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	inc, err := utils.NewIgnoreMatcher(include)
	if err != nil {
		return nil, fmt.Errorf("invalid include pattern: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	w := &Watcher{
		root:     absRoot,
		include:  inc,
		ignore:   ignore,
		settling: DefaultSettlingDelay,
		logger:   logger.NewNopLogger(),
		watcher:  fw,
	}
	for _, opt := range opts {
		opt(w)
	}

	if err := w.addDirectory(absRoot); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", absRoot, err)
	}
	return w, nil
}

// Close stops watching
func (w *Watcher) Close() error {
	return w.watcher.Close()
}

// List returns the watched directories
func (w *Watcher) List() []string {
	return w.watcher.WatchList()
}

// Run delivers batches of changes to fn until ctx is done. fn runs on the
// watcher goroutine; events arriving meanwhile form the next batch.
func (w *Watcher) Run(ctx context.Context, fn ChangeFunc) error {
	w.logger.Info(fmt.Sprintf("Watching %s", w.root))

	pending := make(map[string]struct{})
	timer := time.NewTimer(w.settling)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := w.addDirectory(event.Name); err != nil {
						w.logger.Warn(fmt.Sprintf("Failed to watch directory %s: %v", event.Name, err))
					}
					continue
				}
			}
			if event.Has(fsnotify.Chmod) && !event.Has(fsnotify.Write) {
				continue
			}
			if !w.relevant(event.Name) {
				continue
			}
			pending[event.Name] = struct{}{}
			timer.Reset(w.settling)

		case <-timer.C:
			if len(pending) == 0 {
				continue
			}
			paths := make([]string, 0, len(pending))
			for p := range pending {
				paths = append(paths, p)
			}
			sort.Strings(paths)
			pending = make(map[string]struct{})

			w.logger.Debug("Change batch settled", logger.WithField("files", len(paths)))
			fn(ctx, paths)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error(fmt.Sprintf("Watcher error: %v", err))
		}
	}
}

func (w *Watcher) relevant(path string) bool {
	rel, err := filepath.Rel(w.root, path)
	if err != nil || rel == "." {
		return false
	}
	return !w.ignore.Matches(rel) && w.include.Matches(rel)
}

// addDirectory watches dir and every non-ignored directory beneath it
func (w *Watcher) addDirectory(dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if rel, _ := filepath.Rel(w.root, path); rel != "." && w.ignore.Matches(rel) {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(path); err != nil {
			w.logger.Warn(fmt.Sprintf("Failed to watch directory %s: %v", path, err))
			return nil
		}
		w.logger.Debug(fmt.Sprintf("Watching directory: %s", path))
		return nil
	})
}
