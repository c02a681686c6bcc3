package engine

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/packforge/packforge/pkg/types"
	"github.com/packforge/packforge/pkg/utils"
)

// BuildUnit is one unit of work: an adapter invocation whose result is
// cached under hash(Adapter, Config).
type BuildUnit struct {
	Name    string
	Adapter string
	// Config is the normalized adapter configuration; it determines the cache key
	Config interface{}
	// Inputs are source file paths tracked by the fingerprint tracker
	Inputs []string
	// Outputs are file paths that must exist for a cached result to be reused
	Outputs      []string
	Dependencies []string

	Priority          int
	EstimatedDuration time.Duration
	Resources         types.ResourceRequirement
	Timeout           time.Duration

	Build BuildFunc
}

func validateUnits(units []BuildUnit) error {
	seen := make(map[string]bool, len(units))
	for _, u := range units {
		if u.Name == "" {
			return fmt.Errorf("%w: unit name is required", ErrInvalidUnit)
		}
		if seen[u.Name] {
			return fmt.Errorf("%w: duplicate unit %s", ErrInvalidUnit, u.Name)
		}
		if u.Build == nil {
			return fmt.Errorf("%w: unit %s has no build function", ErrInvalidUnit, u.Name)
		}
		seen[u.Name] = true
	}
	return nil
}

// cleanPaths returns units whose inputs and outputs are cleaned and
// de-duplicated, the form the tracker and cache record them in
func cleanPaths(units []BuildUnit) []BuildUnit {
	cleaned := make([]BuildUnit, len(units))
	for i, u := range units {
		u.Inputs = cleanList(u.Inputs)
		u.Outputs = cleanList(u.Outputs)
		cleaned[i] = u
	}
	return cleaned
}

func cleanList(paths []string) []string {
	if paths == nil {
		return nil
	}
	seen := make(map[string]bool, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		p = filepath.Clean(p)
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

// unitKeyConfig is what a configured unit contributes to its cache key
type unitKeyConfig struct {
	Command string                 `json:"command"`
	Env     map[string]string      `json:"env,omitempty"`
	Options map[string]interface{} `json:"options,omitempty"`
	Inputs  []string               `json:"inputs,omitempty"`
	Outputs []string               `json:"outputs,omitempty"`
}

// selectUnits returns the enabled units, or the named units plus their
// transitive dependencies, in configuration order.
func selectUnits(cfg *types.EngineConfig, names []string) ([]types.UnitConfig, error) {
	if len(names) == 0 {
		var enabled []types.UnitConfig
		for _, u := range cfg.Units {
			if u.IsEnabled() {
				enabled = append(enabled, u)
			}
		}
		return enabled, nil
	}

	want := make(map[string]bool)
	var visit func(name string) error
	visit = func(name string) error {
		if want[name] {
			return nil
		}
		u, ok := cfg.GetUnit(name)
		if !ok {
			return fmt.Errorf("%w: no unit named %s", ErrInvalidUnit, name)
		}
		want[name] = true
		for _, dep := range u.Dependencies {
			if err := visit(dep); err != nil {
				return err
			}
		}
		return nil
	}
	for _, name := range names {
		if err := visit(name); err != nil {
			return nil, err
		}
	}

	var selected []types.UnitConfig
	for _, u := range cfg.Units {
		if want[u.Name] {
			selected = append(selected, u)
		}
	}
	return selected, nil
}

// newUnit builds a BuildUnit from configuration, expanding input globs
// under root and resolving outputs against it.
func newUnit(root string, uc types.UnitConfig, adapter Adapter, ignore *utils.IgnoreMatcher) (BuildUnit, error) {
	inputs, err := utils.ExpandGlobs(root, uc.Inputs, ignore)
	if err != nil {
		return BuildUnit{}, fmt.Errorf("expand inputs of %s: %w", uc.Name, err)
	}

	outputs := make([]string, 0, len(uc.Outputs))
	for _, out := range uc.Outputs {
		outputs = append(outputs, resolvePath(root, out))
	}

	return BuildUnit{
		Name:    uc.Name,
		Adapter: adapter.Name(),
		Config: unitKeyConfig{
			Command: uc.Command,
			Env:     uc.Environment,
			Options: uc.Options,
			Inputs:  uc.Inputs,
			Outputs: uc.Outputs,
		},
		Inputs:            inputs,
		Outputs:           outputs,
		Dependencies:      uc.Dependencies,
		Priority:          uc.Priority,
		EstimatedDuration: time.Duration(uc.EstimatedDuration) * time.Millisecond,
		Resources:         uc.Resources,
		Timeout:           time.Duration(uc.Timeout) * time.Millisecond,
		Build:             adapter.Build,
	}, nil
}

// resolvePath resolves a path relative to the project root
func resolvePath(root, path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(root, path)
}
