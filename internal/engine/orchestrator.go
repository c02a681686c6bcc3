package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/packforge/packforge/pkg/cache"
	pcontext "github.com/packforge/packforge/pkg/context"
	"github.com/packforge/packforge/pkg/fingerprint"
	"github.com/packforge/packforge/pkg/logger"
	"github.com/packforge/packforge/pkg/scheduler"
	"github.com/packforge/packforge/pkg/types"
)

// RunSummary is the outcome of one orchestrated run, unit names in
// submission order.
type RunSummary struct {
	RunID     string
	Built     []string
	Skipped   []string
	Failed    []string
	Blocked   []string
	Cancelled []string
	Changes   fingerprint.ChangeSet
	Report    *scheduler.Report
	Duration  time.Duration
}

// Succeeded reports whether every unit was built or skipped
func (s *RunSummary) Succeeded() bool {
	return len(s.Failed)+len(s.Blocked)+len(s.Cancelled) == 0
}

// Result returns a unit's result. Built units return the adapter's value;
// skipped units return the cached JSON as json.RawMessage.
func (s *RunSummary) Result(unit string) (interface{}, bool) {
	if s.Report == nil {
		return nil, false
	}
	res, ok := s.Report.Result(unit)
	if !ok || res.State != types.TaskStateCompleted {
		return nil, false
	}
	return res.Result, true
}

// unitRecord is the cached form of a successful build
type unitRecord struct {
	Unit         string          `json:"unit"`
	Adapter      string          `json:"adapter"`
	InputsDigest string          `json:"inputsDigest"`
	Result       json.RawMessage `json:"result"`
	BuiltAt      time.Time       `json:"builtAt"`
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithForce disables skipping; every unit is built
func WithForce(force bool) Option {
	return func(o *Orchestrator) { o.force = force }
}

// WithEmbedArtifacts stores output file bytes in cache entries so missing
// outputs can be restored instead of rebuilt
func WithEmbedArtifacts(embed bool) Option {
	return func(o *Orchestrator) { o.embed = embed }
}

// WithObserver forwards scheduler events to obs
func WithObserver(obs scheduler.Observer) Option {
	return func(o *Orchestrator) { o.observers = append(o.observers, obs) }
}

// Orchestrator decides per unit whether a cached result can stand in for a
// build, runs the rest on the scheduler and records what was built.
type Orchestrator struct {
	root      string
	schedCfg  types.SchedulerConfig
	cache     *cache.Store
	tracker   *fingerprint.Tracker
	monitor   scheduler.ResourceMonitor
	observers []scheduler.Observer
	logger    logger.Logger
	force     bool
	embed     bool
}

// NewOrchestrator creates an orchestrator. A nil cache disables skipping; a
// nil tracker makes every input count as added.
func NewOrchestrator(root string, cfg types.SchedulerConfig, deps Dependencies, log logger.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		root:     root,
		schedCfg: cfg,
		cache:    deps.Cache,
		tracker:  deps.Tracker,
		monitor:  deps.Monitor,
		logger:   logger.OrNop(log),
	}
	if deps.Notifier != nil {
		o.observers = append(o.observers, deps.Notifier)
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// runState records which units were built during a run
type runState struct {
	mu    sync.Mutex
	built map[string]bool
}

func (r *runState) markBuilt(name string) {
	r.mu.Lock()
	r.built[name] = true
	r.mu.Unlock()
}

func (r *runState) wasBuilt(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.built[name]
}

// Run executes units. A unit is skipped when none of its inputs changed,
// none of its dependencies was rebuilt in this run, and the cache holds a
// live entry whose outputs are present or restorable. The snapshot is saved
// at the end regardless of failures; failed units' inputs are not recorded
// so they stay dirty.
func (o *Orchestrator) Run(ctx context.Context, units []BuildUnit) (*RunSummary, error) {
	start := time.Now()
	if err := validateUnits(units); err != nil {
		return nil, err
	}
	units = cleanPaths(units)

	runID := pcontext.GenerateRunID()
	ctx = pcontext.WithRunID(ctx, runID)
	log := logger.WithContext(ctx, o.logger)

	keys := make(map[string]string, len(units))
	for _, u := range units {
		key, err := cache.ComputeKey(u.Adapter, u.Config)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidUnit, u.Name, err)
		}
		keys[u.Name] = key
	}

	changes, err := o.classify(ctx, units)
	if err != nil {
		return nil, err
	}
	stale := make(map[string]bool, len(changes.Changed)+len(changes.Added))
	for _, p := range changes.Stale() {
		stale[p] = true
	}
	log.Info("Classified inputs",
		logger.WithField("changed", len(changes.Changed)),
		logger.WithField("added", len(changes.Added)),
		logger.WithField("removed", len(changes.Removed)),
		logger.WithField("unchanged", len(changes.Unchanged)))

	schedOpts := []scheduler.Option{scheduler.WithLogger(o.logger)}
	if o.monitor != nil {
		schedOpts = append(schedOpts, scheduler.WithMonitor(o.monitor))
	}
	for _, obs := range o.observers {
		schedOpts = append(schedOpts, scheduler.WithObserver(obs))
	}
	sched := scheduler.New(o.schedCfg, schedOpts...)

	state := &runState{built: make(map[string]bool)}
	tasks := make([]types.Task, 0, len(units))
	for _, u := range units {
		tasks = append(tasks, types.Task{
			ID:                u.Name,
			Dependencies:      u.Dependencies,
			Priority:          u.Priority,
			EstimatedDuration: u.EstimatedDuration,
			Resources:         u.Resources,
			Timeout:           u.Timeout,
			Run:               o.taskBody(u, keys[u.Name], stale, state),
		})
	}
	if err := sched.AddTasks(tasks); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidUnit, err)
	}

	report, execErr := sched.Execute(ctx)

	if o.tracker != nil {
		o.tracker.Remove(changes.Removed...)
		if err := o.tracker.Save(); err != nil && !errors.Is(err, fingerprint.ErrNoSnapshotPath) {
			log.Warn("Failed to save fingerprint snapshot", logger.WithError(err))
		}
	}

	summary := &RunSummary{
		RunID:   runID,
		Changes: changes,
		Report:  report,
	}
	if report != nil {
		summary.Failed = report.Failed
		summary.Cancelled = report.Cancelled
		summary.Blocked = append(append([]string(nil), report.Blocked...), report.Stuck...)
		for _, name := range report.Completed {
			if state.wasBuilt(name) {
				summary.Built = append(summary.Built, name)
			} else {
				summary.Skipped = append(summary.Skipped, name)
			}
		}
	}
	summary.Duration = time.Since(start)

	log.Info("Run finished",
		logger.WithField("built", len(summary.Built)),
		logger.WithField("skipped", len(summary.Skipped)),
		logger.WithField("failed", len(summary.Failed)),
		logger.WithField("blocked", len(summary.Blocked)),
		logger.WithField("duration", summary.Duration.Round(time.Millisecond)))

	return summary, execErr
}

func (o *Orchestrator) classify(ctx context.Context, units []BuildUnit) (fingerprint.ChangeSet, error) {
	seen := make(map[string]bool)
	var all []string
	for _, u := range units {
		for _, in := range u.Inputs {
			if !seen[in] {
				seen[in] = true
				all = append(all, in)
			}
		}
	}

	if o.tracker == nil {
		sort.Strings(all)
		return fingerprint.ChangeSet{Added: all}, nil
	}
	if err := o.tracker.Load(); err != nil {
		return fingerprint.ChangeSet{}, err
	}
	return o.tracker.GetChangedFiles(ctx, all)
}

func (o *Orchestrator) taskBody(u BuildUnit, key string, stale map[string]bool, state *runState) types.TaskFunc {
	return func(ctx context.Context) (interface{}, error) {
		log := logger.WithContext(ctx, o.logger).WithTask(u.Name)

		var changed []string
		for _, in := range u.Inputs {
			if stale[in] {
				changed = append(changed, in)
			}
		}

		if reason := o.rebuildReason(u, changed, state); reason == "" {
			if result, ok := o.fromCache(ctx, u, key); ok {
				log.Info("Using cached result", logger.WithField("key", shortKey(key)))
				return result, nil
			}
		} else {
			log.Debug("Rebuilding", logger.WithField("reason", reason))
		}

		value, err := u.Build(ctx, BuildRequest{
			Unit:    u.Name,
			RunID:   pcontext.GetRunID(ctx),
			Root:    o.root,
			Inputs:  u.Inputs,
			Changed: changed,
		})
		if err != nil {
			return nil, err
		}
		state.markBuilt(u.Name)

		if o.tracker != nil {
			if err := o.tracker.UpdateFiles(ctx, u.Inputs); err != nil {
				log.Warn("Failed to record input fingerprints", logger.WithError(err))
			}
		}
		o.store(ctx, log, u, key, value)
		return value, nil
	}
}

// rebuildReason returns why u cannot be served from cache, or "" when it may be
func (o *Orchestrator) rebuildReason(u BuildUnit, changed []string, state *runState) string {
	switch {
	case o.force:
		return "forced"
	case o.cache == nil:
		return "cache disabled"
	case len(changed) > 0:
		return fmt.Sprintf("%d input(s) changed", len(changed))
	}
	for _, dep := range u.Dependencies {
		if state.wasBuilt(dep) {
			return "dependency " + dep + " rebuilt"
		}
	}
	return ""
}

func (o *Orchestrator) fromCache(ctx context.Context, u BuildUnit, key string) (json.RawMessage, bool) {
	var rec unitRecord
	found, err := o.cache.Get(ctx, key, &rec)
	if err != nil || !found {
		return nil, false
	}
	if rec.InputsDigest != o.inputsDigest(u.Inputs) {
		return nil, false
	}
	check, err := o.cache.ValidateArtifacts(ctx, key, u.Outputs)
	if err != nil || !check.Usable() {
		return nil, false
	}
	return rec.Result, true
}

func (o *Orchestrator) store(ctx context.Context, log logger.Logger, u BuildUnit, key string, value interface{}) {
	if o.cache == nil {
		return
	}

	result, err := json.Marshal(value)
	if err != nil {
		log.Warn("Result is not cacheable", logger.WithError(err))
		return
	}

	opts := cache.SetOptions{
		Dependencies: u.Dependencies,
		Tags:         []string{u.Adapter, "unit:" + u.Name},
	}
	if o.embed && len(u.Outputs) > 0 {
		files, err := cache.CaptureArtifacts(u.Outputs)
		if err != nil {
			log.Warn("Declared outputs missing after build, not caching", logger.WithError(err))
			return
		}
		opts.Artifacts = files
	}

	rec := unitRecord{
		Unit:         u.Name,
		Adapter:      u.Adapter,
		InputsDigest: o.inputsDigest(u.Inputs),
		Result:       result,
		BuiltAt:      time.Now(),
	}
	if err := o.cache.Set(ctx, key, rec, opts); err != nil {
		log.Warn("Failed to cache result", logger.WithError(err))
	}
}

// inputsDigest hashes the recorded fingerprints of inputs so a cached entry
// is only reused for the input contents it was built from
func (o *Orchestrator) inputsDigest(inputs []string) string {
	if o.tracker == nil {
		return ""
	}
	sorted := append([]string(nil), inputs...)
	sort.Strings(sorted)

	h := sha256.New()
	for _, in := range sorted {
		fp, _ := o.tracker.Fingerprint(in)
		fmt.Fprintf(h, "%s\x00%s\x00%d\n", in, fp.ContentHash, fp.SizeBytes)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func shortKey(key string) string {
	if len(key) > 12 {
		return key[:12]
	}
	return key
}
