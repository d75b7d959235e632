package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version information (set at build time via ldflags)
var (
	Version   = "0.1.0"
	BuildDate = "unknown"
	GitCommit = "unknown"
)

// VersionInfo holds version information for JSON output.
type VersionInfo struct {
	Version   string `json:"version"`
	BuildDate string `json:"buildDate"`
	GitCommit string `json:"gitCommit"`
}

// newVersionCmd creates the version command.
func newVersionCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "version",
		Short:   "Print version information",
		Args:    cobra.NoArgs,
		Example: `  taskqueue version --output json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if o.jsonOutput() {
				return printJSON(cmd, VersionInfo{
					Version:   Version,
					BuildDate: BuildDate,
					GitCommit: GitCommit,
				})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "taskqueue v%s\n", Version)
			fmt.Fprintf(cmd.OutOrStdout(), "Build Date: %s\n", BuildDate)
			fmt.Fprintf(cmd.OutOrStdout(), "Git Commit: %s\n", GitCommit)
			return nil
		},
	}
}
