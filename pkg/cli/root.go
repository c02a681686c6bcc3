// Package cli provides the packforge command-line interface
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/packforge/packforge/pkg/config"
	"github.com/packforge/packforge/pkg/logger"
	"github.com/packforge/packforge/pkg/types"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// skipConfig marks commands that run without loading the project config
const skipConfig = "skipConfig"

// CLI wires the cobra command tree to a configuration and output writers
type CLI struct {
	config    *Config
	engineCfg *types.EngineConfig
	// configPath is the file engineCfg was read from, empty when defaults were used
	configPath string
	rootCmd    *cobra.Command
	logger     logger.Logger
	output     io.Writer
	errorOut   io.Writer
	captured   bool
}

// NewCLI creates a new CLI instance with the given configuration
func NewCLI(cfg *Config) *CLI {
	if cfg == nil {
		cfg = NewConfig()
	}

	c := &CLI{
		config:   cfg,
		output:   os.Stdout,
		errorOut: os.Stderr,
		logger:   logger.NewNopLogger(),
	}
	c.setupCommands()
	return c
}

// NewCLIWithOutput creates a CLI with custom output writers. Log output goes
// to errorOut without colors.
func NewCLIWithOutput(cfg *Config, output, errorOut io.Writer) *CLI {
	c := NewCLI(cfg)
	c.output = output
	c.errorOut = errorOut
	c.captured = true
	c.rootCmd.SetOut(output)
	c.rootCmd.SetErr(errorOut)
	return c
}

// Execute runs the CLI with the given arguments
func (c *CLI) Execute(args []string) error {
	return c.ExecuteContext(context.Background(), args)
}

// ExecuteContext runs the CLI with context support
func (c *CLI) ExecuteContext(ctx context.Context, args []string) error {
	c.rootCmd.SetArgs(args)
	return c.rootCmd.ExecuteContext(ctx)
}

func (c *CLI) setupCommands() {
	c.rootCmd = &cobra.Command{
		Use:   "packforge",
		Short: "Incremental build orchestration for JavaScript packages",
		Long: `📦 packforge - Dependency-aware incremental builds

packforge schedules build units across a bounded worker pool, skips units whose
inputs have not changed since the last successful build, and restores cached
outputs instead of rebuilding them.`,

		PersistentPreRunE: c.initializeConfig,
		SilenceUsage:      true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	c.setupFlags()

	c.rootCmd.Version = c.config.Version
	c.rootCmd.SetVersionTemplate("📦 packforge v{{.Version}}\n")

	c.rootCmd.AddCommand(
		c.newBuildCmd(),
		c.newInitCmd(),
		c.newListCmd(),
		c.newValidateCmd(),
		c.newCacheCmd(),
		c.newFingerprintCmd(),
		c.newLogsCmd(),
		c.newCleanCmd(),
		c.newVersionCmd(),
	)
}

func (c *CLI) setupFlags() {
	flags := c.rootCmd.PersistentFlags()

	flags.StringVar(&c.config.ConfigFile, "config", c.config.ConfigFile, "config file (default: packforge.config.{yaml,json} in the project root)")
	flags.StringVar(&c.config.ProjectRoot, "root", c.config.ProjectRoot, "project root directory")
	flags.StringVarP(&c.config.Verbosity, "verbosity", "v", c.config.Verbosity, "log level (debug, info, warn, error)")
}

func (c *CLI) initializeConfig(cmd *cobra.Command, args []string) error {
	if cmd.Annotations[skipConfig] == "true" {
		c.logger = c.newLogger(c.config.Verbosity, "")
		return nil
	}

	v := viper.New()
	cfg, err := config.Load(v, c.config.ConfigFile, c.config.ProjectRoot)
	if err != nil {
		return err
	}
	c.engineCfg = cfg
	c.configPath = v.ConfigFileUsed()

	level := c.config.Verbosity
	file := ""
	if cfg.Logging != nil {
		if level == "" {
			level = string(cfg.Logging.Level)
		}
		if cfg.Logging.File != "" {
			file = filepath.Join(c.config.ProjectRoot, cfg.Logging.File)
		}
	}
	c.logger = c.newLogger(level, file)
	return nil
}

func (c *CLI) newLogger(level, file string) logger.Logger {
	if level == "" {
		level = string(types.LogLevelInfo)
	}
	if c.captured {
		return logger.CreateLoggerWithOutput(level, c.errorOut)
	}
	return logger.CreateLogger(file, level)
}

func (c *CLI) printSuccess(message string) {
	c.logger.Success(message)
}

func (c *CLI) printInfo(message string) {
	c.logger.Info(message)
}

func (c *CLI) printWarning(message string) {
	c.logger.Warn(message)
}

func (c *CLI) printf(format string, args ...interface{}) {
	_, _ = fmt.Fprintf(c.output, format, args...)
}

func (c *CLI) stateDir() string {
	return filepath.Join(c.config.ProjectRoot, ".packforge")
}

// ExecuteWithVersion runs the CLI against os.Args, cancelling on SIGINT or
// SIGTERM
func ExecuteWithVersion(version string) error {
	cfg := NewConfig()
	cfg.Version = version

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return NewCLI(cfg).ExecuteContext(ctx, os.Args[1:])
}
