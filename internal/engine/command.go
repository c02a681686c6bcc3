package engine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/packforge/packforge/pkg/logger"
	"github.com/packforge/packforge/pkg/types"
)

// shellChars force a command through sh -c instead of direct exec
const shellChars = "&|;<>$`'\"*?(){}~\\\n"

// CommandResult is the cached result of a command build
type CommandResult struct {
	Command  string `json:"command"`
	Output   string `json:"output,omitempty"`
	Duration int64  `json:"durationMs"`
}

// CommandAdapter runs a unit's shell command in the project root, teeing
// output to .packforge/logs/<unit>.log.
type CommandAdapter struct {
	unit        types.UnitConfig
	projectRoot string
	logger      logger.Logger

	mu            sync.RWMutex
	lastBuildTime time.Duration
	totalBuilds   int
	successBuilds int
}

// NewCommandAdapter creates a command adapter for unit
func NewCommandAdapter(unit types.UnitConfig, projectRoot string, log logger.Logger) *CommandAdapter {
	return &CommandAdapter{
		unit:        unit,
		projectRoot: projectRoot,
		logger:      logger.OrNop(log).WithTask(unit.Name),
	}
}

// Name implements Adapter
func (a *CommandAdapter) Name() string { return "command" }

// Validate checks the unit can be run
func (a *CommandAdapter) Validate() error {
	if _, err := os.Stat(a.projectRoot); os.IsNotExist(err) {
		return fmt.Errorf("project root does not exist: %s", a.projectRoot)
	}
	if strings.TrimSpace(a.unit.Command) == "" {
		return fmt.Errorf("no command defined for unit %s", a.unit.Name)
	}
	return nil
}

// Build implements Adapter
func (a *CommandAdapter) Build(ctx context.Context, req BuildRequest) (interface{}, error) {
	startTime := time.Now()
	defer func() {
		a.mu.Lock()
		a.lastBuildTime = time.Since(startTime)
		a.totalBuilds++
		a.mu.Unlock()
	}()

	logFile, err := a.prepareLogFile()
	if err != nil {
		a.logger.Warn(fmt.Sprintf("Failed to create log file: %v", err))
	}
	defer func() {
		if logFile != nil {
			_ = logFile.Close()
		}
	}()

	a.logToFile(logFile, fmt.Sprintf("\n=== Build Started at %s ===\n", startTime.Format("2006-01-02 15:04:05")))
	a.logger.Info(fmt.Sprintf("Building with %d changed input(s)", len(req.Changed)))
	if len(req.Changed) > 0 {
		a.logToFile(logFile, fmt.Sprintf("Changed files: %v\n", req.Changed))
	}

	cmd := createCommand(ctx, a.unit.Command)
	cmd.Dir = a.projectRoot
	cmd.Env = append(os.Environ(),
		"PACKFORGE_UNIT="+req.Unit,
		"PACKFORGE_RUN_ID="+req.RunID,
	)
	for k, v := range a.unit.Environment {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}
	a.logToFile(logFile, fmt.Sprintf("Executing: %s\n", a.unit.Command))

	var outputBuffer bytes.Buffer
	var out io.Writer = &outputBuffer
	if logFile != nil {
		out = io.MultiWriter(&outputBuffer, logFile)
	}
	cmd.Stdout = out
	cmd.Stderr = out

	err = cmd.Run()
	output := outputBuffer.String()
	duration := time.Since(startTime)

	if err != nil {
		a.logger.Error("Build failed",
			logger.WithError(err),
			logger.WithField("output", output))
		a.logToFile(logFile, fmt.Sprintf("\n=== Build FAILED after %s ===\nError: %v\n", duration, err))
		return nil, fmt.Errorf("command failed: %w\n%s", err, output)
	}

	a.mu.Lock()
	a.successBuilds++
	a.mu.Unlock()

	a.logger.Success(fmt.Sprintf("Build completed in %s", duration.Round(time.Millisecond)))
	if output != "" {
		a.logger.Debug("Build output", logger.WithField("output", output))
	}
	a.logToFile(logFile, fmt.Sprintf("\n=== Build SUCCEEDED after %s ===\n", duration))

	return CommandResult{
		Command:  a.unit.Command,
		Output:   output,
		Duration: duration.Milliseconds(),
	}, nil
}

// LastBuildTime returns the duration of the most recent build
func (a *CommandAdapter) LastBuildTime() time.Duration {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.lastBuildTime
}

// SuccessRate returns the fraction of builds that succeeded
func (a *CommandAdapter) SuccessRate() float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.totalBuilds == 0 {
		return 1.0
	}
	return float64(a.successBuilds) / float64(a.totalBuilds)
}

// createCommand execs simple commands directly and hands anything with
// shell syntax to sh -c
func createCommand(ctx context.Context, command string) *exec.Cmd {
	if strings.ContainsAny(command, shellChars) {
		return exec.CommandContext(ctx, "sh", "-c", command)
	}
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return exec.CommandContext(ctx, "sh", "-c", command)
	}
	return exec.CommandContext(ctx, parts[0], parts[1:]...)
}

func (a *CommandAdapter) prepareLogFile() (*os.File, error) {
	logDir := filepath.Join(a.projectRoot, ".packforge", "logs")
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	logPath := filepath.Join(logDir, fmt.Sprintf("%s.log", sanitizeName(a.unit.Name)))
	return os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
}

func (a *CommandAdapter) logToFile(logFile *os.File, message string) {
	if logFile != nil {
		_, _ = logFile.WriteString(message)
	}
}

func sanitizeName(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', ' ':
			return '_'
		}
		return r
	}, name)
}
