package logger_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	pcontext "github.com/packforge/packforge/pkg/context"
	"github.com/packforge/packforge/pkg/logger"
)

func TestCreateLogger(t *testing.T) {
	log := logger.CreateLogger("", "info")
	if log == nil {
		t.Fatal("expected logger to be created")
	}
}

func TestLogger_WithTask(t *testing.T) {
	var buf bytes.Buffer
	log := logger.CreateLoggerWithOutput("info", &buf)

	log.WithTask("rollup:esm").Info("bundling")

	output := buf.String()
	if !strings.Contains(output, "[rollup:esm]") {
		t.Errorf("expected task prefix in output, got %q", output)
	}
	if strings.Contains(output, "task=") {
		t.Error("task should not be repeated as a field")
	}
}

func TestLogger_FieldsAreSorted(t *testing.T) {
	var buf bytes.Buffer
	log := logger.CreateLoggerWithOutput("info", &buf)

	log.Info("cache hit",
		logger.WithField("zeta", 1),
		logger.WithField("alpha", "x"),
		logger.WithError(errors.New("boom")),
	)

	output := buf.String()
	if !strings.Contains(output, "{alpha=x, error=boom, zeta=1}") {
		t.Errorf("expected sorted fields, got %q", output)
	}
}

func TestLogger_Success(t *testing.T) {
	var buf bytes.Buffer
	log := logger.CreateLoggerWithOutput("info", &buf)

	log.Success("build completed")

	if !strings.Contains(buf.String(), "✅ build completed") {
		t.Errorf("expected success marker, got %q", buf.String())
	}
}

func TestLogger_ErrorLevel(t *testing.T) {
	var buf bytes.Buffer
	log := logger.CreateLoggerWithOutput("error", &buf)

	log.Debug("should not appear")
	log.Info("should not appear")
	log.Warn("should not appear")
	log.Error("should appear")

	output := buf.String()
	if strings.Contains(output, "should not appear") {
		t.Error("lower level logs should not appear with error level")
	}
	if !strings.Contains(output, "should appear") {
		t.Error("error level log should appear")
	}
}

func TestLogger_InvalidLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	log := logger.CreateLoggerWithOutput("chatty", &buf)

	log.Debug("hidden")
	log.Info("shown")

	if strings.Contains(buf.String(), "hidden") {
		t.Error("debug output should be suppressed at info level")
	}
	if !strings.Contains(buf.String(), "shown") {
		t.Error("info output should be present")
	}
}

func TestWithContext(t *testing.T) {
	var buf bytes.Buffer
	base := logger.CreateLoggerWithOutput("info", &buf)

	ctx := pcontext.WithRunID(context.Background(), "run_abc")
	ctx = pcontext.WithTaskID(ctx, "tsc")

	logger.WithContext(ctx, base).Info("started")

	output := buf.String()
	if !strings.Contains(output, "run_id=run_abc") {
		t.Errorf("expected run id field, got %q", output)
	}
	if !strings.Contains(output, "task_id=tsc") {
		t.Errorf("expected task id field, got %q", output)
	}
}

func TestNopLogger(t *testing.T) {
	log := logger.OrNop(nil)
	log.Info("discarded")
	log.WithTask("x").Error("discarded")
}
