package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/aristath/supervisor/internal/errlog"
	"github.com/aristath/supervisor/internal/faults"
)

type logsOptions struct {
	worker string
	task   string
	kinds  []string
	since  time.Duration
	asJSON bool
}

func newLogsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Inspect exported recovery logs",
	}
	cmd.AddCommand(newLogsStatsCmd())
	return cmd
}

func newLogsStatsCmd() *cobra.Command {
	opts := &logsOptions{}

	cmd := &cobra.Command{
		Use:   "stats <export.json>",
		Short: "Summarise a recovery log written by run --export-errors",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := logStats(args[0], opts)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(st)
			}
			fmt.Fprintln(out, renderStats(st))
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.worker, "worker", "", "only entries for this worker")
	flags.StringVar(&opts.task, "task", "", "only entries for this task")
	flags.StringSliceVar(&opts.kinds, "kind", nil, "only these error kinds (agent, task, file, communication, validation, system)")
	flags.DurationVar(&opts.since, "since", 0, "only entries newer than this")
	flags.BoolVar(&opts.asJSON, "json", false, "print statistics as JSON")
	return cmd
}

func logStats(path string, opts *logsOptions) (errlog.Statistics, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return errlog.Statistics{}, fmt.Errorf("reading recovery log: %w", err)
	}

	// Retention is disabled so old exports are not pruned on import.
	log := errlog.New(errlog.Config{MaxSize: errlog.DefaultConfig().MaxSize})
	if _, _, err := log.Import(data); err != nil {
		return errlog.Statistics{}, err
	}

	f := errlog.Filter{WorkerID: opts.worker, TaskID: opts.task}
	for _, k := range opts.kinds {
		f.Kinds = append(f.Kinds, faults.Kind(k))
	}
	if opts.since > 0 {
		f.Since = time.Now().Add(-opts.since)
	}
	return log.Stats(f), nil
}
