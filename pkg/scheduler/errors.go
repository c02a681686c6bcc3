package scheduler

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateTask is returned when a task id is submitted twice
	ErrDuplicateTask = errors.New("duplicate task id")

	// ErrInvalidTask is returned for tasks without an id or body
	ErrInvalidTask = errors.New("invalid task")

	// ErrUnknownTask is returned when an operation names a task that was never added
	ErrUnknownTask = errors.New("unknown task")

	// ErrExecuting is returned when the graph is modified or executed during a run
	ErrExecuting = errors.New("scheduler is executing")

	// ErrNotCancellable is returned by Cancel for tasks that already started
	ErrNotCancellable = errors.New("task can no longer be cancelled")

	// ErrBlockedGraph means pending tasks remain that can never become ready
	// because of a dependency cycle or a dependency that was never added.
	ErrBlockedGraph = errors.New("task graph cannot make progress")

	// ErrDependencyFailed marks tasks blocked behind a failed or cancelled ancestor
	ErrDependencyFailed = errors.New("dependency did not complete")

	// ErrTaskPanic wraps a panic raised by a task body
	ErrTaskPanic = errors.New("task panicked")

	// ErrTaskCancelled marks tasks cancelled before they started
	ErrTaskCancelled = errors.New("task cancelled")
)

// TaskError attaches the task id to a task failure
type TaskError struct {
	TaskID string
	Err    error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("task %s: %v", e.TaskID, e.Err)
}

func (e *TaskError) Unwrap() error {
	return e.Err
}
