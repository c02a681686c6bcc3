// Package notifier provides build notification functionality
package notifier

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gen2brain/beeep"
	"github.com/packforge/packforge/pkg/logger"
	"github.com/packforge/packforge/pkg/scheduler"
	"github.com/packforge/packforge/pkg/types"
)

// NotifyFunc delivers one desktop notification
type NotifyFunc func(title, message, icon string) error

// BeepFunc plays an alert sound
type BeepFunc func() error

// maxListed bounds how many task ids a summary names
const maxListed = 3

// Config represents notification configuration
type Config struct {
	Enabled   bool
	OnSuccess bool
	Sound     bool
}

// ConfigFrom converts the engine's notification settings
func ConfigFrom(cfg *types.NotificationConfig) Config {
	if cfg == nil {
		return Config{}
	}
	return Config{
		Enabled:   cfg.Enabled != nil && *cfg.Enabled,
		OnSuccess: cfg.OnSuccess,
		Sound:     cfg.Sound,
	}
}

// Option configures a BuildNotifier
type Option func(*BuildNotifier)

// WithNotifyFunc replaces the desktop notification backend
func WithNotifyFunc(fn NotifyFunc) Option {
	return func(n *BuildNotifier) { n.notify = fn }
}

// WithBeepFunc replaces the alert sound backend
func WithBeepFunc(fn BeepFunc) Option {
	return func(n *BuildNotifier) { n.beep = fn }
}

// BuildNotifier turns scheduler events into desktop notifications. It
// implements scheduler.Observer; notifications are sent off the
// coordinator goroutine.
type BuildNotifier struct {
	cfg    Config
	notify NotifyFunc
	beep   BeepFunc
	logger logger.Logger
	wg     sync.WaitGroup
}

// New creates a new build notifier
func New(cfg Config, log logger.Logger, opts ...Option) *BuildNotifier {
	n := &BuildNotifier{
		cfg:    cfg,
		notify: beeep.Notify,
		beep: func() error {
			return beeep.Beep(beeep.DefaultFreq, beeep.DefaultDuration)
		},
		logger: logger.OrNop(log),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// OnEvent implements scheduler.Observer
func (n *BuildNotifier) OnEvent(e scheduler.Event) {
	if !n.cfg.Enabled {
		return
	}
	switch e.Type {
	case scheduler.EventTaskFailed:
		var err error
		if e.Result != nil {
			err = e.Result.Err
		}
		n.NotifyTaskFailure(e.TaskID, err)
	case scheduler.EventExecutionComplete:
		if e.Report != nil {
			n.NotifyRunComplete(e.Report)
		}
	}
}

// NotifyTaskFailure notifies that a task failed
func (n *BuildNotifier) NotifyTaskFailure(taskID string, err error) {
	if !n.cfg.Enabled {
		return
	}
	message := taskID
	if err != nil {
		message = fmt.Sprintf("%s: %v", taskID, err)
	}
	n.send("❌ Task Failed", message, true)
}

// NotifyRunComplete summarizes a finished run. Successful runs notify only
// when OnSuccess is set.
func (n *BuildNotifier) NotifyRunComplete(report *scheduler.Report) {
	if !n.cfg.Enabled {
		return
	}

	switch {
	case len(report.Stuck) > 0:
		n.send("⚠️ Build Stuck",
			fmt.Sprintf("%d task(s) can never run: %s", len(report.Stuck), listIDs(report.Stuck)),
			true)
	case len(report.Failed) > 0:
		message := fmt.Sprintf("%d of %d task(s) failed: %s", len(report.Failed), report.Total(), listIDs(report.Failed))
		if len(report.Blocked) > 0 {
			message += fmt.Sprintf(" (%d blocked)", len(report.Blocked))
		}
		n.send("❌ Build Failed", message, true)
	case report.Succeeded() && n.cfg.OnSuccess:
		n.send("✅ Build Succeeded",
			fmt.Sprintf("%d task(s) built in %s", len(report.Completed), formatDuration(report.Duration)),
			false)
	}
}

// Wait blocks until in-flight notifications have been delivered
func (n *BuildNotifier) Wait() {
	n.wg.Wait()
}

func (n *BuildNotifier) send(title, message string, alert bool) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.notify(title, message, ""); err != nil {
			n.logger.Debug("Failed to send notification", logger.WithError(err))
			n.logger.Info(fmt.Sprintf("%s: %s", title, message))
		}
		if alert && n.cfg.Sound && n.beep != nil {
			if err := n.beep(); err != nil {
				n.logger.Debug("Failed to play sound", logger.WithError(err))
			}
		}
	}()
}

func listIDs(ids []string) string {
	if len(ids) <= maxListed {
		return strings.Join(ids, ", ")
	}
	return fmt.Sprintf("%s and %d more", strings.Join(ids[:maxListed], ", "), len(ids)-maxListed)
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
}
