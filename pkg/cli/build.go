package cli

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/packforge/packforge/internal/engine"
	"github.com/packforge/packforge/internal/watch"
	"github.com/packforge/packforge/pkg/config"
	"github.com/packforge/packforge/pkg/logger"
	"github.com/packforge/packforge/pkg/types"
	"github.com/packforge/packforge/pkg/utils"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type buildOptions struct {
	force   bool
	watch   bool
	workers int
	settle  time.Duration
}

func (c *CLI) newBuildCmd() *cobra.Command {
	var opts buildOptions

	cmd := &cobra.Command{
		Use:   "build [unit...]",
		Short: "Build units, skipping those whose inputs are unchanged",
		Long: `Build the named units and their dependencies, or every enabled unit when
none are named. With --watch, keep running and rebuild when inputs change.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runBuild(cmd.Context(), args, opts)
		},
	}

	cmd.Flags().BoolVarP(&opts.force, "force", "f", false, "rebuild every unit regardless of cache")
	cmd.Flags().BoolVarP(&opts.watch, "watch", "w", false, "rebuild when inputs change")
	cmd.Flags().IntVarP(&opts.workers, "workers", "j", 0, "maximum concurrent units (default: CPU count)")
	cmd.Flags().DurationVar(&opts.settle, "settle", watch.DefaultSettlingDelay, "quiet period before a watch rebuild")

	return cmd
}

// buildSession holds the dependencies built from one configuration
type buildSession struct {
	factory *engine.DependencyFactory
	deps    engine.Dependencies
}

func (c *CLI) openSession(workers int) (*buildSession, error) {
	if workers > 0 {
		c.engineCfg.Scheduler.MaxWorkers = workers
	}
	factory := engine.NewDependencyFactory(c.config.ProjectRoot, c.logger, c.engineCfg)
	deps, err := factory.CreateDefaults()
	if err != nil {
		return nil, err
	}
	return &buildSession{factory: factory, deps: deps}, nil
}

func (s *buildSession) close() {
	_ = s.deps.Close()
}

func (c *CLI) runBuild(ctx context.Context, names []string, opts buildOptions) error {
	session, err := c.openSession(opts.workers)
	if err != nil {
		return err
	}
	defer func() { session.close() }()

	err = c.build(ctx, session, names, opts.force)
	if !opts.watch {
		return err
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Error("Initial build failed", logger.WithError(err))
	}

	for {
		current := session
		reloaded, err := c.watchAndRebuild(ctx, names, opts.settle, func(ctx context.Context) {
			if err := c.build(ctx, current, names, false); err != nil && !errors.Is(err, context.Canceled) {
				c.logger.Error("Rebuild failed", logger.WithError(err))
			}
		})
		if err != nil || reloaded == nil {
			return err
		}

		previous := c.engineCfg
		c.engineCfg = reloaded
		next, err := c.openSession(opts.workers)
		if err != nil {
			c.engineCfg = previous
			c.logger.Error("Reloaded configuration is unusable, keeping the previous one", logger.WithError(err))
			continue
		}
		session.close()
		session = next

		c.printInfo("Configuration changed, rebuilding")
		if err := c.build(ctx, session, names, false); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Error("Rebuild failed", logger.WithError(err))
		}
	}
}

func (c *CLI) build(ctx context.Context, s *buildSession, names []string, force bool) error {
	units, err := s.factory.CreateUnits(names)
	if err != nil {
		return err
	}
	if len(units) == 0 {
		c.printWarning("No units to build")
		return nil
	}
	summary, err := s.factory.CreateOrchestrator(s.deps, engine.WithForce(force)).Run(ctx, units)
	if summary != nil {
		c.printSummary(summary)
	}
	if err != nil {
		return err
	}
	if !summary.Succeeded() {
		return fmt.Errorf("%d unit(s) failed, %d blocked", len(summary.Failed), len(summary.Blocked))
	}
	return nil
}

// watchAndRebuild runs rebuild after input changes settle. It returns a
// non-nil configuration when the config file changed and the watch must be
// restarted with it, or nil once ctx is done.
func (c *CLI) watchAndRebuild(ctx context.Context, names []string, settle time.Duration, rebuild func(context.Context)) (*types.EngineConfig, error) {
	var include []string
	selected := make(map[string]bool)
	for _, n := range names {
		selected[n] = true
	}
	for _, u := range c.engineCfg.Units {
		if len(names) == 0 || selected[u.Name] || c.isDependencyOf(u.Name, names) {
			include = append(include, u.Inputs...)
		}
	}
	if len(include) == 0 {
		return nil, fmt.Errorf("no input patterns to watch")
	}

	ignore, err := utils.NewIgnoreMatcher(c.engineCfg.Fingerprint.IgnorePatterns)
	if err != nil {
		return nil, err
	}
	w, err := watch.New(c.config.ProjectRoot, include, ignore,
		watch.WithSettlingDelay(settle),
		watch.WithLogger(c.logger))
	if err != nil {
		return nil, err
	}
	defer func() { _ = w.Close() }()

	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	reloaded := make(chan *types.EngineConfig, 1)
	if c.configPath != "" {
		rm := config.NewReloadManager(c.configPath, c.logger)
		rm.SetDebouncePeriod(settle)
		rm.AddCallback(func(_ *types.EngineConfig, err error) {
			if err != nil {
				c.printWarning(fmt.Sprintf("Ignoring configuration change: %v", err))
				return
			}
			// Re-read through viper so environment overrides still apply.
			cfg, err := config.Load(viper.New(), c.configPath, c.config.ProjectRoot)
			if err != nil {
				c.printWarning(fmt.Sprintf("Ignoring configuration change: %v", err))
				return
			}
			select {
			case reloaded <- cfg:
				cancel()
			default:
			}
		})
		if err := rm.StartWatching(watchCtx); err != nil {
			c.logger.Warn("Configuration changes will not be picked up", logger.WithError(err))
		} else {
			defer func() { _ = rm.StopWatching() }()
		}
	}

	c.printInfo("Watching for changes (Ctrl+C to stop)")
	err = w.Run(watchCtx, func(ctx context.Context, paths []string) {
		c.printInfo(fmt.Sprintf("%d file(s) changed", len(paths)))
		rebuild(ctx)
	})

	select {
	case cfg := <-reloaded:
		return cfg, nil
	default:
	}
	if errors.Is(err, context.Canceled) {
		return nil, nil
	}
	return nil, err
}

// isDependencyOf reports whether unit is a transitive dependency of any of names
func (c *CLI) isDependencyOf(unit string, names []string) bool {
	seen := make(map[string]bool)
	var visit func(string) bool
	visit = func(name string) bool {
		if seen[name] {
			return false
		}
		seen[name] = true
		u, ok := c.engineCfg.GetUnit(name)
		if !ok {
			return false
		}
		for _, dep := range u.Dependencies {
			if dep == unit || visit(dep) {
				return true
			}
		}
		return false
	}
	for _, n := range names {
		if visit(n) {
			return true
		}
	}
	return false
}

func (c *CLI) printSummary(s *engine.RunSummary) {
	w := tabwriter.NewWriter(c.output, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "UNIT\tSTATUS\tDURATION")

	durations := make(map[string]string)
	if s.Report != nil {
		for _, res := range s.Report.Results {
			if res.Duration > 0 {
				durations[res.TaskID] = res.Duration.Round(time.Millisecond).String()
			}
		}
	}
	row := func(names []string, status string) {
		for _, name := range names {
			d := durations[name]
			if d == "" {
				d = "-"
			}
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", name, status, d)
		}
	}
	row(s.Built, color.GreenString("built"))
	row(s.Skipped, color.CyanString("cached"))
	row(s.Failed, color.RedString("failed"))
	row(s.Blocked, color.YellowString("blocked"))
	row(s.Cancelled, color.YellowString("cancelled"))
	_ = w.Flush()

	c.printf("\n%d built, %d cached, %d failed, %d blocked in %s\n",
		len(s.Built), len(s.Skipped), len(s.Failed), len(s.Blocked),
		s.Duration.Round(time.Millisecond))
}
