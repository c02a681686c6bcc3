package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/packforge/packforge/pkg/config"
	"github.com/packforge/packforge/pkg/types"
	"github.com/packforge/packforge/pkg/utils"
	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"
	"gopkg.in/yaml.v3"
)

// ConfigFileName is the file written by init
const ConfigFileName = "packforge.config.yaml"

func (c *CLI) newInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a packforge configuration",
		Long: `Create packforge.config.yaml in the project root. When package.json is present,
one unit is generated per build script.`,
		Annotations: map[string]string{skipConfig: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runInit(force)
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite existing configuration")
	return cmd
}

func (c *CLI) runInit(force bool) error {
	path := c.config.ConfigFile
	if path == "" {
		path = filepath.Join(c.config.ProjectRoot, ConfigFileName)
	}
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("configuration already exists at %s. Use --force to overwrite", path)
	}

	cfg := config.NewManager().GetDefaultConfig()
	cfg.Units = c.detectUnits()

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := utils.WriteFileAtomic(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	c.printSuccess(fmt.Sprintf("Created configuration at %s with %d unit(s)", path, len(cfg.Units)))
	return nil
}

// detectUnits derives units from package.json build scripts, falling back
// to a single make unit
func (c *CLI) detectUnits() []types.UnitConfig {
	data, err := os.ReadFile(filepath.Join(c.config.ProjectRoot, "package.json"))
	if err != nil || !gjson.ValidBytes(data) {
		return []types.UnitConfig{{
			Name:    "build",
			Command: "make",
			Inputs:  []string{"src/**/*", "Makefile"},
		}}
	}

	pkg := gjson.ParseBytes(data)
	runner := "npm run"
	if _, err := os.Stat(filepath.Join(c.config.ProjectRoot, "pnpm-lock.yaml")); err == nil {
		runner = "pnpm run"
	} else if _, err := os.Stat(filepath.Join(c.config.ProjectRoot, "yarn.lock")); err == nil {
		runner = "yarn run"
	}

	var units []types.UnitConfig
	var aggregate bool
	pkg.Get("scripts").ForEach(func(key, value gjson.Result) bool {
		script := key.String()
		if script != "build" && !strings.HasPrefix(script, "build:") {
			return true
		}
		// "build" usually chains the build:* scripts; units replace that.
		if script == "build" && strings.Contains(value.String(), "build:") {
			aggregate = true
			return true
		}
		units = append(units, types.UnitConfig{
			Name:    strings.TrimPrefix(script, "build:"),
			Command: runner + " " + script,
			Inputs:  []string{"src/**/*", "package.json", "tsconfig*.json"},
			Outputs: scriptOutputs(pkg, script),
		})
		return true
	})

	if len(units) == 0 && !aggregate {
		units = append(units, types.UnitConfig{
			Name:    "build",
			Command: runner + " build",
			Inputs:  []string{"src/**/*", "package.json"},
			Outputs: scriptOutputs(pkg, "build"),
		})
	}
	return units
}

// scriptOutputs guesses a script's outputs from package.json entry points
func scriptOutputs(pkg gjson.Result, script string) []string {
	var fields []string
	switch {
	case script == "build":
		fields = []string{"main", "module", "types"}
	case strings.Contains(script, "types") || strings.Contains(script, "dts"):
		fields = []string{"types", "typings"}
	case strings.Contains(script, "esm"):
		fields = []string{"module"}
	case strings.Contains(script, "cjs"):
		fields = []string{"main"}
	}

	var outputs []string
	for _, field := range fields {
		if v := pkg.Get(field).String(); v != "" {
			outputs = append(outputs, filepath.ToSlash(filepath.Clean(v)))
		}
	}
	return outputs
}
