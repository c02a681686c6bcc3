package engine

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/packforge/packforge/pkg/cache"
	"github.com/packforge/packforge/pkg/fingerprint"
	"github.com/packforge/packforge/pkg/logger"
	"github.com/packforge/packforge/pkg/notifier"
	"github.com/packforge/packforge/pkg/scheduler"
	"github.com/packforge/packforge/pkg/types"
	"github.com/packforge/packforge/pkg/utils"
)

// Dependencies are the collaborators an Orchestrator runs with. Nil
// fields disable the corresponding feature.
type Dependencies struct {
	Cache    *cache.Store
	Tracker  *fingerprint.Tracker
	Monitor  scheduler.ResourceMonitor
	Notifier *notifier.BuildNotifier
}

// Close releases resources held by the dependencies and waits for pending
// notifications
func (d Dependencies) Close() error {
	if d.Notifier != nil {
		d.Notifier.Wait()
	}
	if d.Cache != nil {
		return d.Cache.Close()
	}
	return nil
}

// AdapterConstructor creates the adapter for one configured unit
type AdapterConstructor func(unit types.UnitConfig, projectRoot string, log logger.Logger) (Adapter, error)

// DependencyFactory creates default implementations of dependencies from
// configuration, resolving relative paths against the project root.
type DependencyFactory struct {
	projectRoot string
	logger      logger.Logger
	config      *types.EngineConfig
	adapters    map[string]AdapterConstructor
}

// NewDependencyFactory creates a new dependency factory with the command
// adapter registered
func NewDependencyFactory(projectRoot string, log logger.Logger, config *types.EngineConfig) *DependencyFactory {
	f := &DependencyFactory{
		projectRoot: projectRoot,
		logger:      logger.OrNop(log),
		config:      config,
		adapters:    make(map[string]AdapterConstructor),
	}
	f.RegisterAdapter("command", func(unit types.UnitConfig, root string, log logger.Logger) (Adapter, error) {
		a := NewCommandAdapter(unit, root, log)
		if err := a.Validate(); err != nil {
			return nil, err
		}
		return a, nil
	})
	return f
}

// RegisterAdapter makes an adapter available to units by name
func (f *DependencyFactory) RegisterAdapter(name string, ctor AdapterConstructor) {
	f.adapters[name] = ctor
}

// Adapters returns the registered adapter names, sorted
func (f *DependencyFactory) Adapters() []string {
	names := make([]string, 0, len(f.adapters))
	for name := range f.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CreateDefaults creates all default dependencies. Callers must Close the
// result.
func (f *DependencyFactory) CreateDefaults() (Dependencies, error) {
	var deps Dependencies

	if f.config.Cache.IsEnabled() {
		store, err := f.CreateCache()
		if err != nil {
			return Dependencies{}, err
		}
		deps.Cache = store
	}

	tracker, err := f.CreateTracker()
	if err != nil {
		_ = deps.Close()
		return Dependencies{}, err
	}
	deps.Tracker = tracker

	if cfg := notifier.ConfigFrom(f.config.Notifications); cfg.Enabled {
		deps.Notifier = notifier.New(cfg, f.logger)
	}

	return deps, nil
}

// CreateWithOverrides creates dependencies with specific overrides.
// Non-nil override fields replace defaults.
func (f *DependencyFactory) CreateWithOverrides(overrides Dependencies) (Dependencies, error) {
	deps, err := f.CreateDefaults()
	if err != nil {
		return Dependencies{}, err
	}

	if overrides.Cache != nil {
		if deps.Cache != nil {
			_ = deps.Cache.Close()
		}
		deps.Cache = overrides.Cache
	}
	if overrides.Tracker != nil {
		deps.Tracker = overrides.Tracker
	}
	if overrides.Monitor != nil {
		deps.Monitor = overrides.Monitor
	}
	if overrides.Notifier != nil {
		deps.Notifier = overrides.Notifier
	}
	return deps, nil
}

// CreateCache opens the configured cache store
func (f *DependencyFactory) CreateCache() (*cache.Store, error) {
	cfg := f.config.Cache
	if cfg.Backend == types.BackendTypeLocal || cfg.Backend == "" {
		cfg.Dir = resolvePath(f.projectRoot, cfg.Dir)
	}
	store, err := cache.Open(cfg, cache.WithLogger(f.logger))
	if err != nil {
		return nil, fmt.Errorf("failed to open cache: %w", err)
	}
	return store, nil
}

// CreateTracker creates the fingerprint tracker
func (f *DependencyFactory) CreateTracker() (*fingerprint.Tracker, error) {
	cfg := f.config.Fingerprint
	if cfg.SnapshotPath != "" {
		cfg.SnapshotPath = resolvePath(f.projectRoot, cfg.SnapshotPath)
	}
	tracker, err := fingerprint.New(cfg,
		fingerprint.WithLogger(f.logger),
		fingerprint.WithRoot(f.projectRoot))
	if err != nil {
		return nil, fmt.Errorf("failed to create fingerprint tracker: %w", err)
	}
	return tracker, nil
}

// CreateUnits builds the units selected by names, or every enabled unit
// when names is empty. Named units pull in their dependencies.
func (f *DependencyFactory) CreateUnits(names []string) ([]BuildUnit, error) {
	selected, err := selectUnits(f.config, names)
	if err != nil {
		return nil, err
	}

	ignore, err := utils.NewIgnoreMatcher(f.config.Fingerprint.IgnorePatterns)
	if err != nil {
		return nil, err
	}
	root, err := filepath.Abs(f.projectRoot)
	if err != nil {
		return nil, err
	}

	units := make([]BuildUnit, 0, len(selected))
	for _, uc := range selected {
		ctor, ok := f.adapters[uc.GetAdapter()]
		if !ok {
			return nil, fmt.Errorf("%w: %s (unit %s)", ErrUnknownAdapter, uc.GetAdapter(), uc.Name)
		}
		adapter, err := ctor(uc, root, f.logger)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidUnit, uc.Name, err)
		}
		unit, err := newUnit(root, uc, adapter, ignore)
		if err != nil {
			return nil, err
		}
		units = append(units, unit)
	}
	return units, nil
}

// CreateOrchestrator wires an orchestrator from configuration
func (f *DependencyFactory) CreateOrchestrator(deps Dependencies, opts ...Option) *Orchestrator {
	root, err := filepath.Abs(f.projectRoot)
	if err != nil {
		root = f.projectRoot
	}
	opts = append([]Option{WithEmbedArtifacts(f.config.Cache.EmbedArtifacts)}, opts...)
	return NewOrchestrator(root, f.config.Scheduler, deps, f.logger, opts...)
}
