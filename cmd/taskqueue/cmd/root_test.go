package cmd

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	clitest "github.com/bargom/taskqueue/cmd/taskqueue/testing"
	"github.com/bargom/taskqueue/internal/taskqueue"
)

func TestRootCommand(t *testing.T) {
	t.Run("help lists subcommands", func(t *testing.T) {
		output, err := clitest.ExecuteCommand(NewRootCmd(), "--help")

		require.NoError(t, err)
		for _, sub := range []string{"worker", "serve", "enqueue", "stats", "failed", "migrate", "token", "version", "completion"} {
			assert.Contains(t, output, sub)
		}
	})

	t.Run("rejects unknown output format", func(t *testing.T) {
		_, err := clitest.ExecuteCommand(NewRootCmd(), "version", "--output", "yaml")

		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported output format")
	})

	t.Run("rejects unknown backend", func(t *testing.T) {
		cfg := clitest.EmbeddedConfig(t, "")
		_, err := clitest.ExecuteCommand(NewRootCmd(), "--config", cfg, "--backend", "kafka", "stats")

		assert.ErrorIs(t, err, taskqueue.ErrUnsupportedBackend)
	})

	t.Run("missing config file", func(t *testing.T) {
		_, err := clitest.ExecuteCommand(NewRootCmd(), "--config", "/nonexistent/taskqueue.yaml", "stats")

		assert.Error(t, err)
	})
}

func TestVersionCommand(t *testing.T) {
	t.Run("prints version information", func(t *testing.T) {
		output, err := clitest.ExecuteCommand(NewRootCmd(), "version")

		require.NoError(t, err)
		assert.Contains(t, output, "taskqueue v"+Version)
		assert.Contains(t, output, "Build Date")
		assert.Contains(t, output, "Git Commit")
	})

	t.Run("JSON output format", func(t *testing.T) {
		output, err := clitest.ExecuteCommand(NewRootCmd(), "version", "--output", "json")
		require.NoError(t, err)

		var info VersionInfo
		require.NoError(t, json.Unmarshal([]byte(output), &info))
		assert.Equal(t, Version, info.Version)
	})

	t.Run("does not accept arguments", func(t *testing.T) {
		_, err := clitest.ExecuteCommand(NewRootCmd(), "version", "extra")

		assert.Error(t, err)
	})

	t.Run("reused root after reset", func(t *testing.T) {
		root := NewRootCmd()
		_, err := clitest.ExecuteCommand(root, "version", "-o", "json")
		require.NoError(t, err)

		clitest.ResetCommand(root)
		output, err := clitest.ExecuteCommand(root, "version")
		require.NoError(t, err)
		assert.NotContains(t, output, "{")
	})
}

func TestCompletionCommand(t *testing.T) {
	for _, shell := range []string{"bash", "zsh", "fish", "powershell"} {
		t.Run(shell, func(t *testing.T) {
			output, err := clitest.ExecuteCommand(NewRootCmd(), "completion", shell)

			require.NoError(t, err)
			assert.NotEmpty(t, output)
		})
	}

	t.Run("invalid shell", func(t *testing.T) {
		_, err := clitest.ExecuteCommand(NewRootCmd(), "completion", "tcsh")

		assert.Error(t, err)
	})
}
