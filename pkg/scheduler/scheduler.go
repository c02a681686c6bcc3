// Package scheduler runs a dependency graph of tasks on a bounded worker pool
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	pcontext "github.com/packforge/packforge/pkg/context"
	"github.com/packforge/packforge/pkg/logger"
	"github.com/packforge/packforge/pkg/types"
)

// maxGateWaits caps consecutive resource-gate pauses so a machine that stays
// above threshold slows the run down instead of stalling it.
const maxGateWaits = 20

// Scheduler executes tasks once all of their dependencies completed.
// A Scheduler holds the tasks of a single run; use Reset to reuse it.
type Scheduler struct {
	cfg       types.SchedulerConfig
	logger    logger.Logger
	monitor   ResourceMonitor
	observers []Observer

	mu        sync.Mutex
	graph     *taskGraph
	workers   []types.Worker
	limit     int
	running   int
	peak      int
	executing bool
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithLogger sets the scheduler logger
func WithLogger(log logger.Logger) Option {
	return func(s *Scheduler) { s.logger = logger.OrNop(log) }
}

// WithMonitor sets the resource monitor used for gating, scaling and the
// resource-aware strategy
func WithMonitor(m ResourceMonitor) Option {
	return func(s *Scheduler) { s.monitor = m }
}

// WithObserver registers a lifecycle observer
func WithObserver(o Observer) Option {
	return func(s *Scheduler) { s.observers = append(s.observers, o) }
}

// New creates a scheduler. When resource monitoring or dynamic scaling is
// enabled and no monitor is supplied, the system monitor is used.
func New(cfg types.SchedulerConfig, opts ...Option) *Scheduler {
	if cfg.Strategy == "" {
		cfg.Strategy = types.StrategyFIFO
	}
	s := &Scheduler{
		cfg:    cfg,
		logger: logger.NewNopLogger(),
		graph:  newTaskGraph(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.monitor == nil && (cfg.ResourceMonitoring || cfg.DynamicScaling) {
		s.monitor = NewSystemMonitor()
	}
	s.limit = cfg.GetMaxWorkers()
	s.workers = newWorkers(s.limit)
	return s
}

func newWorkers(n int) []types.Worker {
	workers := make([]types.Worker, n)
	for i := range workers {
		workers[i].ID = i
	}
	return workers
}

// AddTask registers a task. Ids must be unique within the scheduler.
func (s *Scheduler) AddTask(task types.Task) error {
	return s.AddTasks([]types.Task{task})
}

// AddTasks registers a batch of tasks. The batch is validated as a whole and
// nothing is registered if any task is rejected.
func (s *Scheduler) AddTasks(tasks []types.Task) error {
	s.mu.Lock()
	if s.executing {
		s.mu.Unlock()
		return ErrExecuting
	}

	seen := make(map[string]bool, len(tasks))
	for _, task := range tasks {
		if task.ID == "" {
			s.mu.Unlock()
			return fmt.Errorf("%w: empty id", ErrInvalidTask)
		}
		if task.Run == nil {
			s.mu.Unlock()
			return fmt.Errorf("%w: %s has no body", ErrInvalidTask, task.ID)
		}
		if _, exists := s.graph.nodes[task.ID]; exists || seen[task.ID] {
			s.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrDuplicateTask, task.ID)
		}
		seen[task.ID] = true
	}

	for _, task := range tasks {
		s.graph.add(task)
	}
	s.mu.Unlock()

	for _, task := range tasks {
		s.logger.Debug("Task added",
			logger.WithField("task", task.ID),
			logger.WithField("dependencies", len(task.Dependencies)))
		s.emit(Event{Type: EventTaskAdded, TaskID: task.ID})
	}
	return nil
}

// Cancel marks a Pending or Ready task as Cancelled. Its dependents will be
// reported as blocked. Running and finished tasks cannot be cancelled.
func (s *Scheduler) Cancel(id string) error {
	s.mu.Lock()
	n, ok := s.graph.nodes[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	if n.state != types.TaskStatePending && n.state != types.TaskStateReady {
		state := n.state
		s.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrNotCancellable, id, state)
	}
	s.cancelLocked(n, ErrTaskCancelled)
	result := n.result
	s.mu.Unlock()

	s.emit(Event{Type: EventTaskCancelled, TaskID: id, Result: &result})
	return nil
}

func (s *Scheduler) cancelLocked(n *taskNode, cause error) {
	now := time.Now()
	n.state = types.TaskStateCancelled
	n.result.State = types.TaskStateCancelled
	n.result.Err = &TaskError{TaskID: n.task.ID, Err: cause}
	n.result.Error = n.result.Err.Error()
	n.result.EndTime = now
}

// Reset drops all tasks so the scheduler can be reused for another run
func (s *Scheduler) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.executing {
		return ErrExecuting
	}
	s.graph = newTaskGraph()
	s.limit = s.cfg.GetMaxWorkers()
	s.workers = newWorkers(s.limit)
	s.peak = 0
	return nil
}

// CriticalPath returns the longest estimated-duration chain through the graph
func (s *Scheduler) CriticalPath() ([]string, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.graph.criticalPath()
}

// Workers returns a snapshot of the worker pool
func (s *Scheduler) Workers() []types.Worker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.Worker(nil), s.workers...)
}

// Stats returns a snapshot of task states and pool usage
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{
		Total:            s.graph.len(),
		MaxWorkers:       len(s.workers),
		EffectiveWorkers: s.limit,
		PeakRunning:      s.peak,
	}
	for _, n := range s.graph.order {
		switch n.state {
		case types.TaskStatePending:
			st.Pending++
		case types.TaskStateReady:
			st.Ready++
		case types.TaskStateRunning:
			st.Running++
		case types.TaskStateCompleted:
			st.Completed++
		case types.TaskStateFailed:
			st.Failed++
		case types.TaskStateCancelled:
			st.Cancelled++
		}
	}
	return st
}

type completion struct {
	node     *taskNode
	workerID int
	value    interface{}
	err      error
	retries  int
	start    time.Time
	end      time.Time
}

// Execute runs the graph until no further progress is possible. Task
// failures never abort the run; their dependents are reported as blocked.
// ErrBlockedGraph is returned together with the partial report when tasks
// remain that can never run for any other reason. Cancelling ctx cancels
// tasks that have not started and waits for running ones.
func (s *Scheduler) Execute(ctx context.Context) (*Report, error) {
	s.mu.Lock()
	if s.executing {
		s.mu.Unlock()
		return nil, ErrExecuting
	}
	s.executing = true
	maxWorkers := len(s.workers)
	total := s.graph.len()
	path, pathDuration := s.graph.criticalPath()
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.executing = false
		s.mu.Unlock()
	}()

	ctx = pcontext.WithRunID(ctx, pcontext.GetRunID(ctx))
	ctx = pcontext.WithOperation(ctx, "execute")
	log := logger.WithContext(ctx, s.logger)

	critical := make(map[string]bool, len(path))
	for _, id := range path {
		critical[id] = true
	}

	start := time.Now()
	log.Info("Execution started",
		logger.WithField("tasks", total),
		logger.WithField("workers", maxWorkers),
		logger.WithField("strategy", s.cfg.Strategy))
	s.emit(Event{Type: EventExecutionStart, Time: start})

	group := NewSafeGroup(s.logger)
	group.SetLimit(maxWorkers)
	done := make(chan completion, total)

	ctxDone := ctx.Done()
	gateWaits := 0

	for {
		s.mu.Lock()
		settled := s.graph.settled()
		running := s.running
		s.mu.Unlock()

		if settled == total {
			break
		}

		if ctxDone != nil && ctx.Err() != nil {
			s.cancelPending(ctx.Err())
			ctxDone = nil
			continue
		}

		s.mu.Lock()
		ready := s.graph.ready()
		limit := s.limit
		s.mu.Unlock()

		if len(ready) == 0 && running == 0 {
			break
		}

		var wait time.Duration
		if len(ready) > 0 && running < limit {
			usage, sampled := s.sample(ctx)
			if sampled {
				limit = s.scale(usage, maxWorkers)
			}

			overloaded := sampled && s.overloaded(usage)
			if overloaded && gateWaits < maxGateWaits {
				gateWaits++
				wait = s.cfg.GetPollInterval()
				log.Debug("Resource threshold exceeded, pausing dispatch",
					logger.WithField("cpu", usage.CPUPercent),
					logger.WithField("memory", usage.MemoryPercent))
			} else {
				gateWaits = 0
				budget := limit
				if overloaded {
					// Still overloaded after the wait budget: let one task through.
					budget = min(limit, running+1)
					log.Debug("Resource gate timed out, dispatching one task")
				}
				orderReady(ready, s.cfg.Strategy, critical, s.capacity(usage, sampled, running, limit))
				for _, n := range ready {
					if running >= budget {
						break
					}
					if s.dispatch(ctx, group, done, n) {
						running++
					}
				}
			}
		}

		s.await(ctxDone, done, wait)
	}

	if err := group.Wait(); err != nil {
		log.Error("Worker goroutine failed", logger.WithError(err))
	}
	// Collect completions that raced with the final settle check.
	s.drain(done)

	report, blockedErr := s.buildReport(pcontext.GetRunID(ctx), path, pathDuration, time.Since(start))

	if len(report.Stuck) > 0 {
		log.Error("Execution blocked",
			logger.WithField("stuck", report.Stuck))
		s.emit(Event{Type: EventExecutionBlocked, Report: report})
	}

	log.Info("Execution finished",
		logger.WithField("completed", len(report.Completed)),
		logger.WithField("failed", len(report.Failed)),
		logger.WithField("blocked", len(report.Blocked)),
		logger.WithField("cancelled", len(report.Cancelled)),
		logger.WithField("duration_ms", report.Duration.Milliseconds()))
	s.emit(Event{Type: EventExecutionComplete, Report: report})

	if blockedErr != nil {
		return report, blockedErr
	}
	if err := ctx.Err(); err != nil {
		return report, err
	}
	return report, nil
}

func (s *Scheduler) sample(ctx context.Context) (ResourceUsage, bool) {
	if s.monitor == nil {
		return ResourceUsage{}, false
	}
	usage, err := s.monitor.Sample(ctx)
	if err != nil {
		s.logger.Debug("Resource sample failed", logger.WithError(err))
		return ResourceUsage{}, false
	}
	return usage, true
}

func (s *Scheduler) overloaded(u ResourceUsage) bool {
	if !s.cfg.ResourceMonitoring {
		return false
	}
	if s.cfg.CPUThreshold > 0 && u.CPUPercent > s.cfg.CPUThreshold {
		return true
	}
	return s.cfg.MemoryThreshold > 0 && u.MemoryPercent > s.cfg.MemoryThreshold
}

// scale moves the effective worker limit one step toward what the machine
// can sustain and returns the new limit.
func (s *Scheduler) scale(u ResourceUsage, maxWorkers int) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.cfg.DynamicScaling || s.cfg.CPUThreshold <= 0 {
		return s.limit
	}

	prev := s.limit
	switch {
	case u.CPUPercent > s.cfg.CPUThreshold && s.limit > 1:
		s.limit--
	case u.CPUPercent <= s.cfg.CPUThreshold && s.limit < maxWorkers:
		s.limit++
	}
	if s.limit != prev {
		s.logger.Debug("Worker limit adjusted",
			logger.WithField("from", prev),
			logger.WithField("to", s.limit),
			logger.WithField("cpu", u.CPUPercent))
	}
	return s.limit
}

func (s *Scheduler) capacity(u ResourceUsage, sampled bool, running, limit int) capacity {
	if sampled {
		return capacity{idleCPU: u.IdleCPU(), availableMemory: u.AvailableMemory}
	}
	if limit <= 0 {
		return capacity{}
	}
	return capacity{idleCPU: float64(limit-running) / float64(limit)}
}

func (s *Scheduler) dispatch(ctx context.Context, group *SafeGroup, done chan<- completion, n *taskNode) bool {
	s.mu.Lock()
	// Cancel may have run since the ready set was computed.
	if n.state != types.TaskStateReady {
		s.mu.Unlock()
		return false
	}
	workerID := s.acquireWorkerLocked(n.task.ID)
	started := time.Now()
	n.state = types.TaskStateRunning
	n.result.State = types.TaskStateRunning
	n.result.StartTime = started
	n.result.WorkerID = workerID
	s.running++
	if s.running > s.peak {
		s.peak = s.running
	}
	result := n.result
	s.mu.Unlock()

	s.emit(Event{Type: EventTaskStart, TaskID: n.task.ID, WorkerID: workerID, Result: &result})

	task := n.task
	group.Go(func() error {
		value, retries, err := s.runTask(ctx, task)
		done <- completion{
			node:     n,
			workerID: workerID,
			value:    value,
			err:      err,
			retries:  retries,
			start:    started,
			end:      time.Now(),
		}
		return nil
	})
	return true
}

func (s *Scheduler) acquireWorkerLocked(taskID string) int {
	for i := range s.workers {
		if !s.workers[i].Busy {
			s.workers[i].Busy = true
			s.workers[i].CurrentTaskID = taskID
			return i
		}
	}
	// Unreachable while running <= len(workers).
	return -1
}

// runTask invokes the task body, retrying up to MaxRetries times while the
// run is still live.
func (s *Scheduler) runTask(ctx context.Context, task types.Task) (interface{}, int, error) {
	var (
		value interface{}
		err   error
	)
	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		value, err = s.invoke(ctx, task)
		if err == nil || ctx.Err() != nil {
			return value, attempt, err
		}
		if attempt < s.cfg.MaxRetries {
			s.logger.Warn("Task failed, retrying",
				logger.WithField("task", task.ID),
				logger.WithField("attempt", attempt+1),
				logger.WithError(err))
		}
	}
	return value, s.cfg.MaxRetries, err
}

func (s *Scheduler) invoke(ctx context.Context, task types.Task) (value interface{}, err error) {
	taskCtx := pcontext.WithTaskID(ctx, task.ID)
	if task.Timeout > 0 {
		var cancel context.CancelFunc
		taskCtx, cancel = context.WithTimeout(taskCtx, task.Timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Task panic recovered",
				logger.WithField("task", task.ID),
				logger.WithField("panic", r),
				logger.WithField("stack_trace", string(debug.Stack())))
			value = nil
			err = &TaskError{TaskID: task.ID, Err: fmt.Errorf("%w: %v", ErrTaskPanic, r)}
		}
	}()

	value, err = task.Run(taskCtx)
	if err != nil {
		var te *TaskError
		if !errors.As(err, &te) {
			err = &TaskError{TaskID: task.ID, Err: err}
		}
		return nil, err
	}
	return value, nil
}

// await blocks until at least one task settles, the run context is done or
// the optional timeout elapses, then applies every available completion.
func (s *Scheduler) await(ctxDone <-chan struct{}, done <-chan completion, timeout time.Duration) {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if running == 0 && timer == nil {
		return
	}

	select {
	case c := <-done:
		s.complete(c)
	case <-ctxDone:
	case <-timer:
	}
	s.drain(done)
}

func (s *Scheduler) drain(done <-chan completion) {
	for {
		select {
		case c := <-done:
			s.complete(c)
		default:
			return
		}
	}
}

func (s *Scheduler) complete(c completion) {
	s.mu.Lock()
	n := c.node
	n.result.EndTime = c.end
	n.result.Duration = c.end.Sub(c.start)
	n.result.Retries = c.retries
	if c.err == nil {
		n.state = types.TaskStateCompleted
		n.result.Result = c.value
	} else {
		n.state = types.TaskStateFailed
		n.result.Err = c.err
		n.result.Error = c.err.Error()
	}
	n.result.State = n.state

	if c.workerID >= 0 && c.workerID < len(s.workers) {
		w := &s.workers[c.workerID]
		w.Busy = false
		w.CurrentTaskID = ""
		w.TasksCompleted++
		w.TotalTime += n.result.Duration
	}
	s.running--
	result := n.result
	s.mu.Unlock()

	if c.err == nil {
		s.logger.Debug("Task completed",
			logger.WithField("task", n.task.ID),
			logger.WithField("duration_ms", result.Duration.Milliseconds()))
		s.emit(Event{Type: EventTaskComplete, TaskID: n.task.ID, WorkerID: c.workerID, Result: &result})
		return
	}

	s.logger.Warn("Task failed",
		logger.WithField("task", n.task.ID),
		logger.WithError(c.err))
	s.emit(Event{Type: EventTaskFailed, TaskID: n.task.ID, WorkerID: c.workerID, Result: &result})
}

func (s *Scheduler) cancelPending(cause error) {
	s.mu.Lock()
	var cancelled []types.ExecutionResult
	for _, n := range s.graph.order {
		if n.state == types.TaskStatePending || n.state == types.TaskStateReady {
			s.cancelLocked(n, fmt.Errorf("%w: %v", ErrTaskCancelled, cause))
			cancelled = append(cancelled, n.result)
		}
	}
	s.mu.Unlock()

	for i := range cancelled {
		s.emit(Event{Type: EventTaskCancelled, TaskID: cancelled[i].TaskID, Result: &cancelled[i]})
	}
}

func (s *Scheduler) buildReport(runID string, path []string, pathDuration, elapsed time.Duration) (*Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	report := &Report{
		RunID:                runID,
		Results:              make(map[string]types.ExecutionResult, s.graph.len()),
		CriticalPath:         path,
		CriticalPathDuration: pathDuration,
		Duration:             elapsed,
		Workers:              append([]types.Worker(nil), s.workers...),
	}

	for _, n := range s.graph.order {
		id := n.task.ID
		switch n.state {
		case types.TaskStateCompleted:
			report.Completed = append(report.Completed, id)
		case types.TaskStateFailed:
			report.Failed = append(report.Failed, id)
		case types.TaskStateCancelled:
			report.Cancelled = append(report.Cancelled, id)
		default:
			// Never dispatched: it stays Pending in the report.
			n.state = types.TaskStatePending
			n.result.State = types.TaskStatePending
			if ancestor, ok := s.graph.failedAncestor(id, map[string]bool{}); ok {
				n.result.Err = &TaskError{TaskID: id, Err: fmt.Errorf("%w: %s", ErrDependencyFailed, ancestor)}
				report.Blocked = append(report.Blocked, id)
			} else {
				n.result.Err = &TaskError{TaskID: id, Err: ErrBlockedGraph}
				report.Stuck = append(report.Stuck, id)
			}
			n.result.Error = n.result.Err.Error()
		}
		report.Results[id] = n.result
	}

	if len(report.Stuck) > 0 {
		return report, fmt.Errorf("%w: %d task(s) can never run: %v", ErrBlockedGraph, len(report.Stuck), report.Stuck)
	}
	return report, nil
}
