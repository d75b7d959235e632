// Package cmd provides the CLI commands for taskqueue.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bargom/taskqueue/internal/config"
)

// rootOptions holds the persistent flags shared by every subcommand.
type rootOptions struct {
	// cfgFile is the path to the YAML config file
	cfgFile string
	// backend overrides backend.type from the file and environment
	backend string
	// verbose switches logging to debug
	verbose bool
	// output is the output format (plain|json)
	output string
}

// Execute builds the command tree and runs it. It is called by main.main.
func Execute() error {
	return NewRootCmd().ExecuteContext(context.Background())
}

// NewRootCmd creates a fresh command tree.
func NewRootCmd() *cobra.Command {
	o := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "taskqueue",
		Short: "Asynchronous task queue with pluggable backends",
		Long: `taskqueue enqueues named tasks with JSON payloads and runs workers that
deliver them to registered handlers.

Messages are stored in an embedded SQLite database, an SQS queue or a
Redis-backed asynq broker, selected with --backend or backend.type.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			switch o.output {
			case "plain", "json":
				return nil
			default:
				return fmt.Errorf("unsupported output format %q (want plain or json)", o.output)
			}
		},
	}

	cmd.PersistentFlags().StringVar(&o.cfgFile, "config", "", "config file (YAML)")
	cmd.PersistentFlags().StringVar(&o.backend, "backend", "", "backend type: embedded, cloud or distributed")
	cmd.PersistentFlags().BoolVarP(&o.verbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().StringVarP(&o.output, "output", "o", "plain", "output format (plain|json)")

	cmd.AddCommand(newWorkerCmd(o))
	cmd.AddCommand(newServeCmd(o))
	cmd.AddCommand(newEnqueueCmd(o))
	cmd.AddCommand(newStatsCmd(o))
	cmd.AddCommand(newFailedCmd(o))
	cmd.AddCommand(newMigrateCmd(o))
	cmd.AddCommand(newTokenCmd(o))
	cmd.AddCommand(newVersionCmd(o))
	cmd.AddCommand(newCompletionCmd())

	return cmd
}

// loadConfig reads the config file and environment, then applies the flag
// overrides.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	var overrides []config.Override
	if o.backend != "" {
		overrides = append(overrides, func(c *config.Config) error {
			t, err := config.ParseBackendType(o.backend)
			if err != nil {
				return fmt.Errorf("--backend: %w", err)
			}
			c.Backend.Type = t
			return nil
		})
	}
	if o.verbose {
		overrides = append(overrides, func(c *config.Config) error {
			c.Logging.Level = "debug"
			return nil
		})
	}
	return config.Load(o.cfgFile, overrides...)
}

func (o *rootOptions) jsonOutput() bool {
	return o.output == "json"
}

// printJSON writes v indented to the command output.
func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
