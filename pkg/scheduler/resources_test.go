package scheduler_test

import (
	"context"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/packforge/packforge/pkg/scheduler"
	"github.com/packforge/packforge/pkg/types"
)

// fakeMonitor returns scripted samples; the last one repeats
type fakeMonitor struct {
	mu      sync.Mutex
	samples []scheduler.ResourceUsage
	calls   int
}

func (m *fakeMonitor) Sample(context.Context) (scheduler.ResourceUsage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.calls
	if i >= len(m.samples) {
		i = len(m.samples) - 1
	}
	m.calls++
	return m.samples[i], nil
}

func (m *fakeMonitor) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func TestResourceAwareStrategy(t *testing.T) {
	monitor := &fakeMonitor{samples: []scheduler.ResourceUsage{
		{CPUPercent: 50, AvailableMemory: 1000, TotalMemory: 2000},
	}}
	r := &recorder{}

	heavy := r.task("heavy")
	heavy.Resources = types.ResourceRequirement{CPUFraction: 1, MemoryBytes: 900}
	heavy.EstimatedDuration = time.Second
	fitting := r.task("fitting")
	fitting.Resources = types.ResourceRequirement{CPUFraction: 0.5, MemoryBytes: 100}
	fitting.EstimatedDuration = time.Second
	oversized := r.task("oversized")
	oversized.Resources = types.ResourceRequirement{CPUFraction: 0.5, MemoryBytes: 5000}
	oversized.EstimatedDuration = time.Second

	s := scheduler.New(
		types.SchedulerConfig{MaxWorkers: 1, Strategy: types.StrategyResourceAware},
		scheduler.WithMonitor(monitor))
	if err := s.AddTasks([]types.Task{heavy, oversized, fitting}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Execute(context.Background()); err != nil {
		t.Fatal(err)
	}

	if got, want := r.got(), []string{"fitting", "oversized", "heavy"}; !reflect.DeepEqual(got, want) {
		t.Errorf("dispatch order = %v, want %v", got, want)
	}
}

func TestResourceGate_PausesWhileOverloaded(t *testing.T) {
	monitor := &fakeMonitor{samples: []scheduler.ResourceUsage{
		{CPUPercent: 99, MemoryPercent: 10},
		{CPUPercent: 10, MemoryPercent: 95},
		{CPUPercent: 10, MemoryPercent: 10},
	}}

	s := scheduler.New(types.SchedulerConfig{
		MaxWorkers:         2,
		ResourceMonitoring: true,
		CPUThreshold:       80,
		MemoryThreshold:    80,
		PollInterval:       10,
	}, scheduler.WithMonitor(monitor))
	if err := s.AddTask(types.Task{ID: "a", Run: noop}); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	report, err := s.Execute(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !report.Succeeded() {
		t.Fatal("task should complete once load drops")
	}
	if monitor.count() < 3 {
		t.Errorf("monitor sampled %d times, want at least 3", monitor.count())
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Errorf("elapsed = %v, expected two poll intervals of pause", elapsed)
	}
}

func TestResourceGate_DoesNotStallForever(t *testing.T) {
	monitor := &fakeMonitor{samples: []scheduler.ResourceUsage{{CPUPercent: 100}}}

	s := scheduler.New(types.SchedulerConfig{
		MaxWorkers:         1,
		ResourceMonitoring: true,
		CPUThreshold:       50,
		PollInterval:       1,
	}, scheduler.WithMonitor(monitor))
	if err := s.AddTask(types.Task{ID: "a", Run: noop}); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := s.Execute(context.Background()); err != nil {
			t.Error(err)
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Execute stalled behind a permanently overloaded gate")
	}
}

func TestResourceGate_TimeoutReleasesOneTask(t *testing.T) {
	monitor := &fakeMonitor{samples: []scheduler.ResourceUsage{{CPUPercent: 100}}}

	s := scheduler.New(types.SchedulerConfig{
		MaxWorkers:         3,
		ResourceMonitoring: true,
		CPUThreshold:       50,
		PollInterval:       5,
	}, scheduler.WithMonitor(monitor))

	var mu sync.Mutex
	inFlight, peak := 0, 0
	run := func(ctx context.Context) (interface{}, error) {
		mu.Lock()
		inFlight++
		if inFlight > peak {
			peak = inFlight
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
		return nil, nil
	}
	for _, id := range []string{"a", "b", "c"} {
		if err := s.AddTask(types.Task{ID: id, Run: run}); err != nil {
			t.Fatal(err)
		}
	}

	report, err := s.Execute(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !report.Succeeded() {
		t.Fatal("every task should eventually run")
	}
	if peak != 1 {
		t.Errorf("peak concurrency = %d, want 1 while the host stays overloaded", peak)
	}
}

func TestDynamicScaling_ShrinksUnderLoad(t *testing.T) {
	monitor := &fakeMonitor{samples: []scheduler.ResourceUsage{{CPUPercent: 95}}}

	s := scheduler.New(types.SchedulerConfig{
		MaxWorkers:     4,
		DynamicScaling: true,
		CPUThreshold:   80,
	}, scheduler.WithMonitor(monitor))
	for _, id := range []string{"a", "b", "c", "d"} {
		if err := s.AddTask(types.Task{ID: id, Run: sleepTask(20 * time.Millisecond)}); err != nil {
			t.Fatal(err)
		}
	}
	// A chain after the fan-out guarantees several more dispatch rounds.
	err := s.AddTasks([]types.Task{
		{ID: "e", Run: noop, Dependencies: []string{"a", "b", "c", "d"}},
		{ID: "f", Run: noop, Dependencies: []string{"e"}},
		{ID: "g", Run: noop, Dependencies: []string{"f"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := s.Execute(context.Background()); err != nil {
		t.Fatal(err)
	}

	stats := s.Stats()
	if stats.EffectiveWorkers != 1 {
		t.Errorf("EffectiveWorkers = %d, want 1 under sustained load", stats.EffectiveWorkers)
	}
	if stats.PeakRunning >= 4 {
		t.Errorf("PeakRunning = %d, scaling should keep it below the pool size", stats.PeakRunning)
	}
	if stats.MaxWorkers != 4 {
		t.Errorf("MaxWorkers = %d, want 4", stats.MaxWorkers)
	}
}

func TestResourceUsage_IdleCPU(t *testing.T) {
	tests := map[float64]float64{0: 1, 25: 0.75, 100: 0, 130: 0}
	for cpu, want := range tests {
		if got := (scheduler.ResourceUsage{CPUPercent: cpu}).IdleCPU(); got != want {
			t.Errorf("IdleCPU(%v) = %v, want %v", cpu, got, want)
		}
	}
}
