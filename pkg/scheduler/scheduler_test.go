package scheduler_test

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/packforge/packforge/pkg/scheduler"
	"github.com/packforge/packforge/pkg/types"
)

func noop(context.Context) (interface{}, error) { return nil, nil }

func sleepTask(d time.Duration) types.TaskFunc {
	return func(ctx context.Context) (interface{}, error) {
		select {
		case <-time.After(d):
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// recorder appends task ids in the order their bodies start
type recorder struct {
	mu    sync.Mutex
	order []string
}

func (r *recorder) task(id string, deps ...string) types.Task {
	return types.Task{
		ID:           id,
		Dependencies: deps,
		Run: func(context.Context) (interface{}, error) {
			r.mu.Lock()
			r.order = append(r.order, id)
			r.mu.Unlock()
			return id, nil
		},
	}
}

func (r *recorder) got() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

func TestAddTask_RejectsDuplicates(t *testing.T) {
	s := scheduler.New(types.SchedulerConfig{MaxWorkers: 1})

	if err := s.AddTask(types.Task{ID: "a", Run: noop}); err != nil {
		t.Fatalf("AddTask() error = %v", err)
	}
	err := s.AddTask(types.Task{ID: "a", Run: noop})
	if !errors.Is(err, scheduler.ErrDuplicateTask) {
		t.Errorf("AddTask() duplicate error = %v, want ErrDuplicateTask", err)
	}
}

func TestAddTasks_ValidatesWholeBatch(t *testing.T) {
	s := scheduler.New(types.SchedulerConfig{MaxWorkers: 1})

	err := s.AddTasks([]types.Task{
		{ID: "a", Run: noop},
		{ID: "b", Run: noop},
		{ID: "a", Run: noop},
	})
	if !errors.Is(err, scheduler.ErrDuplicateTask) {
		t.Fatalf("AddTasks() error = %v, want ErrDuplicateTask", err)
	}
	if got := s.Stats().Total; got != 0 {
		t.Errorf("rejected batch registered %d tasks", got)
	}
}

func TestAddTask_Invalid(t *testing.T) {
	s := scheduler.New(types.SchedulerConfig{MaxWorkers: 1})

	tests := []types.Task{
		{ID: "", Run: noop},
		{ID: "no-body"},
	}
	for _, task := range tests {
		if err := s.AddTask(task); !errors.Is(err, scheduler.ErrInvalidTask) {
			t.Errorf("AddTask(%q) error = %v, want ErrInvalidTask", task.ID, err)
		}
	}
}

func TestExecute_NoPrematureStart(t *testing.T) {
	s := scheduler.New(types.SchedulerConfig{MaxWorkers: 4})

	tasks := []types.Task{
		{ID: "a", Run: sleepTask(20 * time.Millisecond)},
		{ID: "b", Run: sleepTask(10 * time.Millisecond), Dependencies: []string{"a"}},
		{ID: "c", Run: sleepTask(30 * time.Millisecond), Dependencies: []string{"a"}},
		{ID: "d", Run: sleepTask(5 * time.Millisecond), Dependencies: []string{"b", "c"}},
	}
	if err := s.AddTasks(tasks); err != nil {
		t.Fatal(err)
	}

	report, err := s.Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !report.Succeeded() {
		t.Fatalf("expected all tasks to complete, got %+v", report.Completed)
	}

	for _, task := range tasks {
		res, _ := report.Result(task.ID)
		for _, dep := range task.Dependencies {
			depRes, _ := report.Result(dep)
			if res.StartTime.Before(depRes.EndTime) {
				t.Errorf("%s started at %v before dependency %s ended at %v",
					task.ID, res.StartTime, dep, depRes.EndTime)
			}
		}
	}
}

func TestExecute_BoundedParallelism(t *testing.T) {
	const maxWorkers = 3
	s := scheduler.New(types.SchedulerConfig{MaxWorkers: maxWorkers})

	var current, peak int32
	body := func(context.Context) (interface{}, error) {
		n := atomic.AddInt32(&current, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(15 * time.Millisecond)
		atomic.AddInt32(&current, -1)
		return nil, nil
	}

	for _, id := range []string{"t1", "t2", "t3", "t4", "t5", "t6", "t7", "t8", "t9", "t10"} {
		if err := s.AddTask(types.Task{ID: id, Run: body}); err != nil {
			t.Fatal(err)
		}
	}

	report, err := s.Execute(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Completed) != 10 {
		t.Fatalf("completed = %d, want 10", len(report.Completed))
	}
	if peak > maxWorkers {
		t.Errorf("observed %d concurrent tasks, limit is %d", peak, maxWorkers)
	}
	if got := s.Stats().PeakRunning; got > maxWorkers {
		t.Errorf("PeakRunning = %d, limit is %d", got, maxWorkers)
	}

	total := 0
	for _, w := range report.Workers {
		total += w.TasksCompleted
		if w.Busy {
			t.Errorf("worker %d still busy after execution", w.ID)
		}
	}
	if total != 10 {
		t.Errorf("workers completed %d tasks, want 10", total)
	}
}

func TestExecute_FailureBlocksDependents(t *testing.T) {
	s := scheduler.New(types.SchedulerConfig{MaxWorkers: 2})
	boom := errors.New("boom")

	err := s.AddTasks([]types.Task{
		{ID: "a", Run: func(context.Context) (interface{}, error) { return nil, boom }},
		{ID: "b", Run: noop, Dependencies: []string{"a"}},
		{ID: "c", Run: noop, Dependencies: []string{"b"}},
		{ID: "d", Run: noop},
	})
	if err != nil {
		t.Fatal(err)
	}

	report, err := s.Execute(context.Background())
	if err != nil {
		t.Fatalf("task failure must not fail Execute, got %v", err)
	}

	if !reflect.DeepEqual(report.Completed, []string{"d"}) {
		t.Errorf("Completed = %v", report.Completed)
	}
	if !reflect.DeepEqual(report.Failed, []string{"a"}) {
		t.Errorf("Failed = %v", report.Failed)
	}
	if !reflect.DeepEqual(report.Blocked, []string{"b", "c"}) {
		t.Errorf("Blocked = %v", report.Blocked)
	}
	if n := len(report.Completed) + len(report.Failed) + len(report.Blocked); n != report.Total() {
		t.Errorf("completed+failed+blocked = %d, total = %d", n, report.Total())
	}

	a, _ := report.Result("a")
	if !errors.Is(a.Err, boom) {
		t.Errorf("a.Err = %v, want wrapped boom", a.Err)
	}
	var te *scheduler.TaskError
	if !errors.As(a.Err, &te) || te.TaskID != "a" {
		t.Errorf("expected TaskError for a, got %v", a.Err)
	}

	c, _ := report.Result("c")
	if c.State != types.TaskStatePending || !errors.Is(c.Err, scheduler.ErrDependencyFailed) {
		t.Errorf("c = %+v, want pending with ErrDependencyFailed", c)
	}
}

func TestExecute_CycleIsReportedNotHung(t *testing.T) {
	s := scheduler.New(types.SchedulerConfig{MaxWorkers: 2})
	err := s.AddTasks([]types.Task{
		{ID: "a", Run: noop, Dependencies: []string{"b"}},
		{ID: "b", Run: noop, Dependencies: []string{"a"}},
		{ID: "free", Run: noop},
	})
	if err != nil {
		t.Fatal(err)
	}

	type outcome struct {
		report *scheduler.Report
		err    error
	}
	ch := make(chan outcome, 1)
	go func() {
		r, err := s.Execute(context.Background())
		ch <- outcome{r, err}
	}()

	select {
	case out := <-ch:
		if !errors.Is(out.err, scheduler.ErrBlockedGraph) {
			t.Fatalf("Execute() error = %v, want ErrBlockedGraph", out.err)
		}
		if !reflect.DeepEqual(out.report.Stuck, []string{"a", "b"}) {
			t.Errorf("Stuck = %v", out.report.Stuck)
		}
		if !reflect.DeepEqual(out.report.Completed, []string{"free"}) {
			t.Errorf("Completed = %v", out.report.Completed)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Execute hung on a cyclic graph")
	}
}

func TestExecute_UnknownDependency(t *testing.T) {
	s := scheduler.New(types.SchedulerConfig{MaxWorkers: 1})
	if err := s.AddTask(types.Task{ID: "a", Run: noop, Dependencies: []string{"ghost"}}); err != nil {
		t.Fatal(err)
	}

	report, err := s.Execute(context.Background())
	if !errors.Is(err, scheduler.ErrBlockedGraph) {
		t.Fatalf("Execute() error = %v, want ErrBlockedGraph", err)
	}
	if !reflect.DeepEqual(report.Stuck, []string{"a"}) {
		t.Errorf("Stuck = %v", report.Stuck)
	}
}

func diamond(r *recorder) []types.Task {
	a := r.task("A")
	a.EstimatedDuration = 10 * time.Millisecond
	b := r.task("B", "A")
	b.EstimatedDuration = 5 * time.Millisecond
	c := r.task("C", "A")
	c.EstimatedDuration = 15 * time.Millisecond
	d := r.task("D", "B", "C")
	d.EstimatedDuration = 10 * time.Millisecond
	return []types.Task{a, b, c, d}
}

func TestCriticalPath(t *testing.T) {
	s := scheduler.New(types.SchedulerConfig{MaxWorkers: 1})
	if err := s.AddTasks(diamond(&recorder{})); err != nil {
		t.Fatal(err)
	}

	path, total := s.CriticalPath()
	if !reflect.DeepEqual(path, []string{"A", "C", "D"}) {
		t.Errorf("CriticalPath() = %v, want [A C D]", path)
	}
	if total != 35*time.Millisecond {
		t.Errorf("CriticalPath() duration = %v, want 35ms", total)
	}
}

func TestCriticalPath_TieKeepsFirst(t *testing.T) {
	s := scheduler.New(types.SchedulerConfig{MaxWorkers: 1})
	err := s.AddTasks([]types.Task{
		{ID: "x", Run: noop, EstimatedDuration: time.Second},
		{ID: "y", Run: noop, EstimatedDuration: time.Second},
	})
	if err != nil {
		t.Fatal(err)
	}

	path, _ := s.CriticalPath()
	if !reflect.DeepEqual(path, []string{"x"}) {
		t.Errorf("CriticalPath() = %v, want [x]", path)
	}
}

func TestStrategies_DispatchOrder(t *testing.T) {
	tests := []struct {
		name     string
		strategy types.Strategy
		tasks    func(r *recorder) []types.Task
		want     []string
	}{
		{
			name:     "fifo keeps submission order",
			strategy: types.StrategyFIFO,
			tasks:    diamond,
			want:     []string{"A", "B", "C", "D"},
		},
		{
			name:     "critical path members first",
			strategy: types.StrategyCriticalPath,
			tasks:    diamond,
			want:     []string{"A", "C", "B", "D"},
		},
		{
			name:     "priority descending",
			strategy: types.StrategyPriority,
			tasks: func(r *recorder) []types.Task {
				low, high, mid := r.task("low"), r.task("high"), r.task("mid")
				low.Priority, high.Priority, mid.Priority = 1, 10, 5
				return []types.Task{low, high, mid}
			},
			want: []string{"high", "mid", "low"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &recorder{}
			s := scheduler.New(types.SchedulerConfig{MaxWorkers: 1, Strategy: tt.strategy})
			if err := s.AddTasks(tt.tasks(r)); err != nil {
				t.Fatal(err)
			}
			if _, err := s.Execute(context.Background()); err != nil {
				t.Fatal(err)
			}
			if got := r.got(); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("dispatch order = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestExecute_ParallelSpeedup(t *testing.T) {
	s := scheduler.New(types.SchedulerConfig{MaxWorkers: 2})
	for _, id := range []string{"1", "2", "3", "4", "5"} {
		if err := s.AddTask(types.Task{ID: id, Run: sleepTask(100 * time.Millisecond)}); err != nil {
			t.Fatal(err)
		}
	}

	start := time.Now()
	report, err := s.Execute(context.Background())
	elapsed := time.Since(start)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Completed) != 5 {
		t.Fatalf("completed = %d, want 5", len(report.Completed))
	}
	if elapsed < 280*time.Millisecond || elapsed > 450*time.Millisecond {
		t.Errorf("elapsed = %v, want about 300ms", elapsed)
	}
}

func TestExecute_PanicBecomesFailure(t *testing.T) {
	s := scheduler.New(types.SchedulerConfig{MaxWorkers: 2})
	err := s.AddTasks([]types.Task{
		{ID: "bad", Run: func(context.Context) (interface{}, error) { panic("kaboom") }},
		{ID: "good", Run: noop},
	})
	if err != nil {
		t.Fatal(err)
	}

	report, err := s.Execute(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	bad, _ := report.Result("bad")
	if bad.State != types.TaskStateFailed || !errors.Is(bad.Err, scheduler.ErrTaskPanic) {
		t.Errorf("bad = %+v, want failed with ErrTaskPanic", bad)
	}
	if !reflect.DeepEqual(report.Completed, []string{"good"}) {
		t.Errorf("Completed = %v", report.Completed)
	}
}

func TestCancel_BeforeExecute(t *testing.T) {
	s := scheduler.New(types.SchedulerConfig{MaxWorkers: 1})
	err := s.AddTasks([]types.Task{
		{ID: "a", Run: noop},
		{ID: "b", Run: noop},
		{ID: "c", Run: noop, Dependencies: []string{"b"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := s.Cancel("b"); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if err := s.Cancel("missing"); !errors.Is(err, scheduler.ErrUnknownTask) {
		t.Errorf("Cancel(missing) error = %v, want ErrUnknownTask", err)
	}

	report, err := s.Execute(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(report.Cancelled, []string{"b"}) {
		t.Errorf("Cancelled = %v", report.Cancelled)
	}
	if !reflect.DeepEqual(report.Blocked, []string{"c"}) {
		t.Errorf("Blocked = %v", report.Blocked)
	}

	if err := s.Cancel("a"); !errors.Is(err, scheduler.ErrNotCancellable) {
		t.Errorf("Cancel(completed) error = %v, want ErrNotCancellable", err)
	}
}

func TestExecute_ContextCancellation(t *testing.T) {
	s := scheduler.New(types.SchedulerConfig{MaxWorkers: 1})
	started := make(chan struct{})
	err := s.AddTasks([]types.Task{
		{ID: "long", Run: func(ctx context.Context) (interface{}, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		}},
		{ID: "next", Run: noop, Dependencies: []string{"long"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	report, err := s.Execute(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Execute() error = %v, want context.Canceled", err)
	}
	if !reflect.DeepEqual(report.Failed, []string{"long"}) {
		t.Errorf("Failed = %v", report.Failed)
	}
	if !reflect.DeepEqual(report.Cancelled, []string{"next"}) {
		t.Errorf("Cancelled = %v", report.Cancelled)
	}
}

func TestExecute_RetriesAreOptIn(t *testing.T) {
	var calls int32
	flaky := func(context.Context) (interface{}, error) {
		if atomic.AddInt32(&calls, 1) < 3 {
			return nil, errors.New("flaky")
		}
		return "ok", nil
	}

	s := scheduler.New(types.SchedulerConfig{MaxWorkers: 1})
	if err := s.AddTask(types.Task{ID: "once", Run: flaky}); err != nil {
		t.Fatal(err)
	}
	report, _ := s.Execute(context.Background())
	if res, _ := report.Result("once"); res.State != types.TaskStateFailed || res.Retries != 0 {
		t.Errorf("default run = %+v, want failed with 0 retries", res)
	}

	atomic.StoreInt32(&calls, 0)
	s = scheduler.New(types.SchedulerConfig{MaxWorkers: 1, MaxRetries: 2})
	if err := s.AddTask(types.Task{ID: "retried", Run: flaky}); err != nil {
		t.Fatal(err)
	}
	report, _ = s.Execute(context.Background())
	res, _ := report.Result("retried")
	if res.State != types.TaskStateCompleted || res.Retries != 2 || res.Result != "ok" {
		t.Errorf("retried run = %+v, want completed after 2 retries", res)
	}
}

func TestExecute_TaskTimeout(t *testing.T) {
	s := scheduler.New(types.SchedulerConfig{MaxWorkers: 1})
	err := s.AddTask(types.Task{
		ID:      "slow",
		Timeout: 20 * time.Millisecond,
		Run:     sleepTask(time.Second),
	})
	if err != nil {
		t.Fatal(err)
	}

	report, err := s.Execute(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	res, _ := report.Result("slow")
	if !errors.Is(res.Err, context.DeadlineExceeded) {
		t.Errorf("slow.Err = %v, want deadline exceeded", res.Err)
	}
}

func TestAddTask_DuringExecute(t *testing.T) {
	s := scheduler.New(types.SchedulerConfig{MaxWorkers: 1})
	var addErr error
	err := s.AddTask(types.Task{ID: "a", Run: func(context.Context) (interface{}, error) {
		addErr = s.AddTask(types.Task{ID: "late", Run: noop})
		return nil, nil
	}})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := s.Execute(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !errors.Is(addErr, scheduler.ErrExecuting) {
		t.Errorf("AddTask during Execute error = %v, want ErrExecuting", addErr)
	}
}

func TestObserver_ReceivesLifecycle(t *testing.T) {
	var mu sync.Mutex
	var events []scheduler.EventType

	record := scheduler.ObserverFunc(func(e scheduler.Event) {
		mu.Lock()
		events = append(events, e.Type)
		mu.Unlock()
	})
	panicky := scheduler.ObserverFunc(func(scheduler.Event) { panic("observer bug") })

	s := scheduler.New(types.SchedulerConfig{MaxWorkers: 1},
		scheduler.WithObserver(panicky),
		scheduler.WithObserver(record))

	err := s.AddTasks([]types.Task{
		{ID: "ok", Run: noop},
		{ID: "bad", Run: func(context.Context) (interface{}, error) { return nil, errors.New("x") }, Dependencies: []string{"ok"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Execute(context.Background()); err != nil {
		t.Fatal(err)
	}

	want := []scheduler.EventType{
		scheduler.EventTaskAdded,
		scheduler.EventTaskAdded,
		scheduler.EventExecutionStart,
		scheduler.EventTaskStart,
		scheduler.EventTaskComplete,
		scheduler.EventTaskStart,
		scheduler.EventTaskFailed,
		scheduler.EventExecutionComplete,
	}
	mu.Lock()
	defer mu.Unlock()
	if !reflect.DeepEqual(events, want) {
		t.Errorf("events = %v, want %v", events, want)
	}
}

func TestReset(t *testing.T) {
	s := scheduler.New(types.SchedulerConfig{MaxWorkers: 1})
	if err := s.AddTask(types.Task{ID: "a", Run: noop}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Execute(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := s.Reset(); err != nil {
		t.Fatal(err)
	}
	if err := s.AddTask(types.Task{ID: "a", Run: noop}); err != nil {
		t.Errorf("AddTask after Reset error = %v", err)
	}
}
