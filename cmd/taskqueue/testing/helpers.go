// Package testing runs taskqueue commands in-process for tests.
package testing

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

// ExecuteCommand runs root with args and returns stdout and stderr combined.
func ExecuteCommand(root *cobra.Command, args ...string) (string, error) {
	var out bytes.Buffer
	err := run(root, &out, &out, args)
	return out.String(), err
}

// ExecuteCommandWithErr runs root with args and returns stdout and stderr
// separately, for commands whose stdout is parsed.
func ExecuteCommandWithErr(root *cobra.Command, args ...string) (stdout, stderr string, err error) {
	var out, errOut bytes.Buffer
	err = run(root, &out, &errOut, args)
	return out.String(), errOut.String(), err
}

func run(root *cobra.Command, stdout, stderr io.Writer, args []string) error {
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetArgs(args)
	return root.Execute()
}

// WriteConfig writes a YAML config file into a test directory and returns its path.
func WriteConfig(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "taskqueue.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

// EmbeddedConfig writes a config for the embedded backend backed by a fresh
// database file and returns the config path.
func EmbeddedConfig(t *testing.T, extra string) string {
	t.Helper()

	db := filepath.Join(t.TempDir(), "queue.db")
	return WriteConfig(t, fmt.Sprintf(`backend:
  type: embedded
  sqlite:
    path: %q
logging:
  format: text
  level: warn
  output: stderr
%s`, db, extra))
}

// ResetCommand resets a cobra command for reuse in tests.
func ResetCommand(cmd *cobra.Command) {
	cmd.SetArgs([]string{})
	cmd.SetOut(nil)
	cmd.SetErr(nil)

	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
}
