package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// newStatsCmd creates the stats command.
func newStatsCmd(o *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show queue depth",
		Long: `Show the pending, delayed, processing and failed message counts
reported by the active backend. Cloud counts are approximate.`,
		Args: cobra.NoArgs,
		Example: `  taskqueue stats
  taskqueue stats --backend cloud --output json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := o.newRuntime(cmd, false)
			if err != nil {
				return err
			}
			defer rt.Close()

			stats, err := rt.service.Stats(cmd.Context())
			if err != nil {
				return fmt.Errorf("read stats: %w", err)
			}

			if o.jsonOutput() {
				return printJSON(cmd, stats)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "Backend:\t%s\n", stats.Backend)
			fmt.Fprintf(w, "Pending:\t%d\n", stats.Pending)
			fmt.Fprintf(w, "Delayed:\t%d\n", stats.Delayed)
			fmt.Fprintf(w, "Processing:\t%d\n", stats.Processing)
			fmt.Fprintf(w, "Failed:\t%d\n", stats.Failed)
			return w.Flush()
		},
	}

	return cmd
}
