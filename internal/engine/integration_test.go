//go:build integration

package engine_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/packforge/packforge/internal/engine"
	"github.com/packforge/packforge/pkg/types"
)

// Runs real shell commands through the configured pipeline: the local cache
// and fingerprint snapshot persist between orchestrator instances.
func TestIntegration_CommandPipeline(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, "src/index.ts", "src/util.ts")

	cfg := factoryConfig(
		types.UnitConfig{
			Name:    "concat",
			Command: "mkdir -p dist && cat src/*.ts > dist/bundle.js",
			Inputs:  []string{"src/**/*.ts"},
			Outputs: []string{"dist/bundle.js"},
		},
		types.UnitConfig{
			Name:         "size",
			Command:      "wc -c < dist/bundle.js > dist/size.txt",
			Inputs:       []string{"src/**/*.ts"},
			Outputs:      []string{"dist/size.txt"},
			Dependencies: []string{"concat"},
		},
	)
	cfg.Cache.Backend = types.BackendTypeLocal
	cfg.Cache.EmbedArtifacts = true

	runOnce := func() *engine.RunSummary {
		t.Helper()
		factory := engine.NewDependencyFactory(root, nil, cfg)
		deps, err := factory.CreateDefaults()
		if err != nil {
			t.Fatal(err)
		}
		defer deps.Close()

		units, err := factory.CreateUnits(nil)
		if err != nil {
			t.Fatal(err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		summary, err := factory.CreateOrchestrator(deps).Run(ctx, units)
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		return summary
	}

	assertUnits(t, "first Built", runOnce().Built, []string{"concat", "size"})
	assertUnits(t, "second Skipped", runOnce().Skipped, []string{"concat", "size"})

	if err := os.RemoveAll(filepath.Join(root, "dist")); err != nil {
		t.Fatal(err)
	}
	assertUnits(t, "restored Skipped", runOnce().Skipped, []string{"concat", "size"})
	if _, err := os.Stat(filepath.Join(root, "dist", "size.txt")); err != nil {
		t.Errorf("output not restored: %v", err)
	}

	writeFiles(t, root, "src/new.ts")
	assertUnits(t, "after add Built", runOnce().Built, []string{"concat", "size"})
}
