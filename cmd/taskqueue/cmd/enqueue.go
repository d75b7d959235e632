package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bargom/taskqueue/internal/api/types"
	"github.com/bargom/taskqueue/internal/taskqueue"
)

// newEnqueueCmd creates the enqueue command.
func newEnqueueCmd(o *rootOptions) *cobra.Command {
	var (
		payload       string
		correlationID string
		ownerID       string
	)

	cmd := &cobra.Command{
		Use:   "enqueue TASK",
		Short: "Enqueue a task",
		Long: `Enqueue a task with an optional JSON object payload and print the
message ID assigned by the backend.`,
		Args: cobra.ExactArgs(1),
		Example: `  taskqueue enqueue email:send --payload '{"to":"a@example.com"}'
  taskqueue enqueue webhook:deliver --payload '{"url":"https://example.com/hook"}' --correlation-id req-42`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var body map[string]any
			if payload != "" {
				if err := json.Unmarshal([]byte(payload), &body); err != nil {
					return fmt.Errorf("--payload must be a JSON object: %w", err)
				}
			}

			rt, err := o.newRuntime(cmd, false)
			if err != nil {
				return err
			}
			defer rt.Close()

			var opts []taskqueue.MessageOption
			if correlationID != "" {
				opts = append(opts, taskqueue.WithCorrelationID(correlationID))
			}
			if ownerID != "" {
				opts = append(opts, taskqueue.WithOwnerID(ownerID))
			}

			id, err := rt.service.Enqueue(cmd.Context(), args[0], body, opts...)
			if err != nil {
				return err
			}

			if o.jsonOutput() {
				return printJSON(cmd, types.EnqueueResponse{
					ID:       id,
					TaskName: args[0],
					Status:   string(taskqueue.StatusPending),
				})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Enqueued %s (%s)\n", id, args[0])
			return nil
		},
	}

	cmd.Flags().StringVarP(&payload, "payload", "p", "", "task payload as a JSON object")
	cmd.Flags().StringVar(&correlationID, "correlation-id", "", "correlation ID carried to the handler")
	cmd.Flags().StringVar(&ownerID, "owner-id", "", "owner of the task")

	return cmd
}
