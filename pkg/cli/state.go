package cli

import (
	"fmt"
	"path/filepath"
	"text/tabwriter"

	"github.com/packforge/packforge/internal/engine"
	"github.com/spf13/cobra"
)

func (c *CLI) newCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and maintain the build cache",
	}

	var tags []string
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove cache entries, all or by tag",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runCacheClear(cmd, tags)
		},
	}
	clearCmd.Flags().StringSliceVar(&tags, "tag", nil, "only remove entries carrying one of these tags (e.g. unit:esm)")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "stats",
			Short: "Show cache size and entry count",
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.runCacheStats(cmd)
			},
		},
		clearCmd,
		&cobra.Command{
			Use:   "prune",
			Short: "Remove expired entries",
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.runCachePrune(cmd)
			},
		},
	)
	return cmd
}

func (c *CLI) newFingerprintCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fingerprint",
		Short: "Inspect and reset recorded input fingerprints",
	}

	var changed bool
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show the fingerprint snapshot and, with --changed, pending input changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runFingerprintStatus(cmd, changed)
		},
	}
	statusCmd.Flags().BoolVar(&changed, "changed", false, "classify current inputs against the snapshot")

	cmd.AddCommand(
		statusCmd,
		&cobra.Command{
			Use:   "clear",
			Short: "Forget all fingerprints so every unit rebuilds",
			RunE: func(cmd *cobra.Command, args []string) error {
				tracker, err := c.factory().CreateTracker()
				if err != nil {
					return err
				}
				if err := tracker.Clear(); err != nil {
					return err
				}
				c.printSuccess("Cleared fingerprint snapshot")
				return nil
			},
		},
	)
	return cmd
}

func (c *CLI) factory() *engine.DependencyFactory {
	return engine.NewDependencyFactory(c.config.ProjectRoot, c.logger, c.engineCfg)
}

func (c *CLI) runCacheStats(cmd *cobra.Command) error {
	store, err := c.factory().CreateCache()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	stats, err := store.Stats(cmd.Context())
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(c.output, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Backend:\t%s\n", c.engineCfg.Cache.Backend)
	_, _ = fmt.Fprintf(w, "Entries:\t%d\n", stats.Entries)
	_, _ = fmt.Fprintf(w, "Size:\t%s\n", formatBytes(stats.Bytes))
	if stats.MaxBytes > 0 {
		_, _ = fmt.Fprintf(w, "Limit:\t%s\n", formatBytes(stats.MaxBytes))
	} else {
		_, _ = fmt.Fprintln(w, "Limit:\tnone")
	}
	return w.Flush()
}

func (c *CLI) runCacheClear(cmd *cobra.Command, tags []string) error {
	store, err := c.factory().CreateCache()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	if len(tags) == 0 {
		if err := store.Clear(cmd.Context()); err != nil {
			return err
		}
		c.printSuccess("Cleared build cache")
		return nil
	}

	n, err := store.DeleteByTags(cmd.Context(), tags...)
	if err != nil {
		return err
	}
	c.printSuccess(fmt.Sprintf("Removed %d cache entr%s", n, plural(n, "y", "ies")))
	return nil
}

func (c *CLI) runCachePrune(cmd *cobra.Command) error {
	store, err := c.factory().CreateCache()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	n, err := store.Prune(cmd.Context())
	if err != nil {
		return err
	}
	c.printSuccess(fmt.Sprintf("Pruned %d expired entr%s", n, plural(n, "y", "ies")))
	return nil
}

func (c *CLI) runFingerprintStatus(cmd *cobra.Command, showChanged bool) error {
	f := c.factory()
	tracker, err := f.CreateTracker()
	if err != nil {
		return err
	}
	if err := tracker.Load(); err != nil {
		return err
	}

	stats := tracker.Stats()
	w := tabwriter.NewWriter(c.output, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Algorithm:\t%s\n", stats.HashAlgorithm)
	_, _ = fmt.Fprintf(w, "Tracked files:\t%d\n", stats.TrackedFiles)
	_, _ = fmt.Fprintf(w, "Tracked size:\t%s\n", formatBytes(stats.TotalBytes))
	_, _ = fmt.Fprintf(w, "Builds:\t%d\n", stats.BuildCount)
	_, _ = fmt.Fprintf(w, "Last build:\t%s\n", formatTime(stats.LastBuildTime))
	if err := w.Flush(); err != nil {
		return err
	}
	if !showChanged {
		return nil
	}

	units, err := f.CreateUnits(nil)
	if err != nil {
		return err
	}
	seen := make(map[string]bool)
	var inputs []string
	for _, u := range units {
		for _, in := range u.Inputs {
			if !seen[in] {
				seen[in] = true
				inputs = append(inputs, in)
			}
		}
	}

	changes, err := tracker.GetChangedFiles(cmd.Context(), inputs)
	if err != nil {
		return err
	}
	if !changes.HasChanges() {
		c.printf("\nAll %d input(s) unchanged\n", len(changes.Unchanged))
		return nil
	}
	section := func(label string, paths []string) {
		for _, p := range paths {
			c.printf("  %s %s\n", label, c.relative(p))
		}
	}
	c.printf("\n")
	section("changed:", changes.Changed)
	section("added:  ", changes.Added)
	section("removed:", changes.Removed)
	return nil
}

func (c *CLI) relative(path string) string {
	root, err := filepath.Abs(c.config.ProjectRoot)
	if err != nil {
		return path
	}
	if rel, err := filepath.Rel(root, path); err == nil {
		return rel
	}
	return path
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
