package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xor-freenet/wotfetch/internal/filequeue"
)

// NewStatsCommand creates the stats command.
func NewStatsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show file queue statistics",
		Long: `Inspect the disk file queue without opening it: how many fetched
identity files are waiting, how many were interrupted mid-processing, and
the counters of the last cleanly closed session.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStats(rootOpts, cmd)
		},
	}
}

func runStats(opts *RootOptions, cmd *cobra.Command) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	stats, err := filequeue.ReadDiskStats(cfg.QueueDir)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if opts.Format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	}

	fmt.Fprintf(out, "queued:     %d\n", stats.Queued)
	fmt.Fprintf(out, "processing: %d\n", stats.Processing)
	if s := stats.LastSession; s != nil {
		fmt.Fprintf(out, "last session: %d queued, %d finished, %d failed, %d deduplicated (%d total)\n",
			s.Queued, s.Finished, s.Failed, s.Deduplicated, s.TotalQueued)
	} else {
		fmt.Fprintln(out, "last session: no statistics on disk")
	}
	return nil
}
