// Command supervisor runs task plans on a pool of workers with automatic
// error recovery, health monitoring and failover.
package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/aristath/supervisor/internal/config"
	"github.com/aristath/supervisor/internal/logging"
)

// rootOptions are the flags shared by every subcommand.
type rootOptions struct {
	configPath string
	envFile    string
	logLevel   string
	logFormat  string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "supervisor",
		Short: "Fault-tolerant task supervisor",
		Long: `Supervisor schedules a dependency graph of tasks onto a pool of workers
and keeps it running when things break.

Failures are classified and handed to recovery strategies (retry, reset,
reassign, restart). Workers that keep failing walk a recovery ladder and
are failed over, with their tasks moved to healthy workers.

Configuration is read from ~/.supervisor/config.yaml, then
.supervisor/config.yaml, then SUPERVISOR_* environment variables.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadEnv(opts.envFile)
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "project config file (default .supervisor/config.yaml)")
	flags.StringVar(&opts.envFile, "env-file", ".env", "environment file loaded before configuration")
	flags.StringVar(&opts.logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")
	flags.StringVar(&opts.logFormat, "log-format", "", "override logging.format (text, json)")

	cmd.AddCommand(newRunCmd(opts))
	cmd.AddCommand(newLogsCmd())
	cmd.AddCommand(newConfigCmd(opts))
	return cmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// loadEnv loads path into the process environment. A missing file is not an
// error; variables already set win.
func loadEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

// paths returns the global and project config paths, honouring --config.
func (o *rootOptions) paths() (global, project string, err error) {
	global, project, err = config.DefaultPaths()
	if err != nil {
		return "", "", err
	}
	if o.configPath != "" {
		project = o.configPath
	}
	return global, project, nil
}

func (o *rootOptions) loadConfig() (*config.Config, error) {
	global, project, err := o.paths()
	if err != nil {
		return nil, err
	}
	return config.Load(global, project)
}

// logger builds the process logger from cfg and the --log-* overrides.
func (o *rootOptions) logger(cfg *config.Config) (*slog.Logger, error) {
	lc := cfg.Logging
	if o.logLevel != "" {
		lc.Level = o.logLevel
	}
	if o.logFormat != "" {
		lc.Format = o.logFormat
	}
	return logging.New(os.Stderr, lc)
}
