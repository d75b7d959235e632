package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/bargom/taskqueue/internal/api/types"
	"github.com/bargom/taskqueue/internal/taskqueue"
	"github.com/bargom/taskqueue/internal/tasks"
)

// newFailedCmd creates the failed command with subcommands.
func newFailedCmd(o *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "failed",
		Short: "Inspect and recover failed messages",
		Long: `List, requeue or purge messages that exhausted their attempts or hit a
permanent error. Only the embedded backend keeps failed messages.`,
	}

	cmd.AddCommand(newFailedListCmd(o))
	cmd.AddCommand(newFailedRequeueCmd(o))
	cmd.AddCommand(newFailedPurgeCmd(o))

	return cmd
}

func newFailedListCmd(o *rootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List failed messages, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := o.newRuntime(cmd, false)
			if err != nil {
				return err
			}
			defer rt.Close()

			store, err := rt.requireEmbedded("failed list")
			if err != nil {
				return err
			}
			msgs, err := store.List(cmd.Context(), taskqueue.StatusFailed, limit)
			if err != nil {
				return err
			}

			if o.jsonOutput() {
				return printJSON(cmd, types.NewListResponse(types.MessagesFromModels(msgs), limit))
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTASK\tATTEMPTS\tCREATED\tERROR")
			for _, m := range msgs {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
					m.ID, m.TaskName, m.Attempts, m.CreatedAt.Format(time.RFC3339), m.ErrorReason)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", types.DefaultLimit, "maximum number of messages")

	return cmd
}

func newFailedRequeueCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "requeue ID...",
		Short: "Return failed messages to pending with a fresh retry budget",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := o.newRuntime(cmd, false)
			if err != nil {
				return err
			}
			defer rt.Close()

			store, err := rt.requireEmbedded("failed requeue")
			if err != nil {
				return err
			}
			for _, id := range args {
				if err := store.RequeueFailed(cmd.Context(), id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Requeued %s\n", id)
			}
			return nil
		},
	}
}

func newFailedPurgeCmd(o *rootOptions) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete failed messages older than a retention",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan < 0 {
				return fmt.Errorf("--older-than must not be negative")
			}

			rt, err := o.newRuntime(cmd, false)
			if err != nil {
				return err
			}
			defer rt.Close()

			store, err := rt.requireEmbedded("failed purge")
			if err != nil {
				return err
			}
			n, err := store.PurgeFailed(cmd.Context(), olderThan)
			if err != nil {
				return err
			}

			if o.jsonOutput() {
				return printJSON(cmd, types.PurgeResponse{Purged: n})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Purged %d failed messages\n", n)
			return nil
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", tasks.DefaultFailedRetention, "only purge messages failed longer ago than this")

	return cmd
}
