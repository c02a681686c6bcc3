package scheduler

import (
	"time"

	"github.com/packforge/packforge/pkg/types"
)

// Report is the outcome of one Execute call. Every submitted task appears in
// Results and in exactly one of the id lists, each kept in submission order.
type Report struct {
	RunID   string
	Results map[string]types.ExecutionResult

	Completed []string
	Failed    []string
	Cancelled []string
	// Blocked tasks never ran because a transitive dependency failed or was cancelled
	Blocked []string
	// Stuck tasks never ran because of a cycle or a dependency that was never added
	Stuck []string

	CriticalPath         []string
	CriticalPathDuration time.Duration
	Duration             time.Duration
	Workers              []types.Worker
}

// Total returns the number of tasks in the run
func (r *Report) Total() int { return len(r.Results) }

// Succeeded reports whether every task completed
func (r *Report) Succeeded() bool {
	return len(r.Completed) == len(r.Results)
}

// Result returns the execution result for a task
func (r *Report) Result(id string) (types.ExecutionResult, bool) {
	res, ok := r.Results[id]
	return res, ok
}

// Stats is a snapshot of scheduler state
type Stats struct {
	Total            int `json:"total"`
	Pending          int `json:"pending"`
	Ready            int `json:"ready"`
	Running          int `json:"running"`
	Completed        int `json:"completed"`
	Failed           int `json:"failed"`
	Cancelled        int `json:"cancelled"`
	MaxWorkers       int `json:"maxWorkers"`
	EffectiveWorkers int `json:"effectiveWorkers"`
	PeakRunning      int `json:"peakRunning"`
}
