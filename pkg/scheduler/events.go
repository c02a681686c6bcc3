package scheduler

import (
	"time"

	"github.com/packforge/packforge/pkg/logger"
	"github.com/packforge/packforge/pkg/types"
)

// EventType names a scheduler lifecycle notification
type EventType string

const (
	EventTaskAdded         EventType = "task:added"
	EventTaskStart         EventType = "task:start"
	EventTaskComplete      EventType = "task:complete"
	EventTaskFailed        EventType = "task:failed"
	EventTaskCancelled     EventType = "task:cancelled"
	EventExecutionStart    EventType = "execution:start"
	EventExecutionComplete EventType = "execution:complete"
	EventExecutionBlocked  EventType = "execution:blocked"
)

// Event is delivered to observers. Result is set for task events and
// Report for execution:complete and execution:blocked.
type Event struct {
	Type     EventType
	TaskID   string
	Time     time.Time
	WorkerID int
	Result   *types.ExecutionResult
	Report   *Report
}

// Observer receives lifecycle events. Observers are advisory: they run on the
// coordinator goroutine, must not block, and cannot influence scheduling.
type Observer interface {
	OnEvent(Event)
}

// ObserverFunc adapts a function to Observer
type ObserverFunc func(Event)

// OnEvent implements Observer
func (f ObserverFunc) OnEvent(e Event) { f(e) }

func (s *Scheduler) emit(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	for _, o := range s.observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Warn("Observer panic recovered",
						logger.WithField("event", e.Type),
						logger.WithField("panic", r))
				}
			}()
			o.OnEvent(e)
		}()
	}
}
