package cli

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/packforge/packforge/internal/engine"
	"github.com/spf13/cobra"
)

func (c *CLI) newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured units",
		Long:  `List all build units defined in the configuration file.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runList()
		},
	}
}

func (c *CLI) newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		Long:  `Check that the configuration file parses and every unit is well formed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runValidate()
		},
	}
}

func (c *CLI) newLogsCmd() *cobra.Command {
	var lines int

	cmd := &cobra.Command{
		Use:   "logs [unit]",
		Short: "Show build logs",
		Long:  `Display command output logs for all units or a specific unit.`,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			unit := ""
			if len(args) > 0 {
				unit = args[0]
			}
			return c.runLogs(unit, lines)
		},
	}

	cmd.Flags().IntVarP(&lines, "lines", "n", 50, "number of lines to show")
	return cmd
}

func (c *CLI) newCleanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clean",
		Short: "Remove cached results, fingerprints and logs",
		Long:  `Remove the .packforge state directory. A remote cache is not touched; use 'cache clear' for that.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := os.RemoveAll(c.stateDir()); err != nil {
				return fmt.Errorf("failed to remove state directory: %w", err)
			}
			c.printSuccess("Cleaned build state")
			return nil
		},
	}
}

func (c *CLI) newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "version",
		Short:       "Print the version number of packforge",
		Annotations: map[string]string{skipConfig: "true"},
		Run: func(cmd *cobra.Command, args []string) {
			c.printf("📦 packforge v%s\n", c.config.Version)
		},
	}
}

func (c *CLI) runList() error {
	if len(c.engineCfg.Units) == 0 {
		c.printWarning("No units configured")
		return nil
	}

	w := tabwriter.NewWriter(c.output, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NAME\tADAPTER\tENABLED\tDEPENDS ON\tINPUTS")

	for _, u := range c.engineCfg.Units {
		enabled := color.GreenString("✓")
		if !u.IsEnabled() {
			enabled = color.RedString("✗")
		}
		deps := "-"
		if len(u.Dependencies) > 0 {
			deps = strings.Join(u.Dependencies, ",")
		}
		inputs := "-"
		if len(u.Inputs) > 0 {
			inputs = u.Inputs[0]
			if len(u.Inputs) > 1 {
				inputs += fmt.Sprintf(" (+%d more)", len(u.Inputs)-1)
			}
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", u.Name, u.GetAdapter(), enabled, deps, inputs)
	}
	return w.Flush()
}

func (c *CLI) runValidate() error {
	// Loading already validated the file; this resolves units against the tree.
	factory := engine.NewDependencyFactory(c.config.ProjectRoot, c.logger, c.engineCfg)
	units, err := factory.CreateUnits(nil)
	if err != nil {
		return err
	}

	for _, u := range units {
		if len(u.Inputs) == 0 {
			c.printWarning(fmt.Sprintf("Unit '%s': inputs match no files", u.Name))
		}
	}
	c.printSuccess(fmt.Sprintf("Configuration is valid (%d unit(s))", len(c.engineCfg.Units)))
	return nil
}

func (c *CLI) runLogs(unit string, lines int) error {
	logDir := filepath.Join(c.stateDir(), "logs")
	if _, err := os.Stat(logDir); os.IsNotExist(err) {
		c.printWarning("No logs found. Run 'packforge build' first.")
		return nil
	}

	var logFiles []string
	if unit != "" {
		path := filepath.Join(logDir, unit+".log")
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return fmt.Errorf("no logs found for unit: %s", unit)
		}
		logFiles = []string{path}
	} else {
		entries, err := os.ReadDir(logDir)
		if err != nil {
			return fmt.Errorf("failed to read log directory: %w", err)
		}
		for _, entry := range entries {
			if !entry.IsDir() && filepath.Ext(entry.Name()) == ".log" {
				logFiles = append(logFiles, filepath.Join(logDir, entry.Name()))
			}
		}
		if len(logFiles) == 0 {
			c.printWarning("No log files found")
			return nil
		}
	}

	for _, logFile := range logFiles {
		content, err := readLastNLines(logFile, lines)
		if err != nil {
			return err
		}
		c.printf("\n=== %s ===\n%s", strings.TrimSuffix(filepath.Base(logFile), ".log"), content)
	}
	return nil
}

func readLastNLines(filename string, n int) (string, error) {
	file, err := os.Open(filename)
	if err != nil {
		return "", err
	}
	defer file.Close()

	var all []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		all = append(all, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}

	start := 0
	if n > 0 && len(all) > n {
		start = len(all) - n
	}
	if start == len(all) {
		return "", nil
	}
	return strings.Join(all[start:], "\n") + "\n", nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
