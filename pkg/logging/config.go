// Package logging builds slog loggers that carry queue and request context.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Config selects the level, encoding and destination of log records.
type Config struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Format string `yaml:"format" validate:"omitempty,oneof=json text"`

	// Output is stdout, stderr or a file path opened for appending.
	Output string `yaml:"output"`

	AddSource bool `yaml:"add_source"`
}

// DefaultConfig logs JSON at info level to stdout.
func DefaultConfig() Config {
	return Config{
		Level:  "info",
		Format: "json",
		Output: "stdout",
	}
}

// ParseLevel maps a level name to slog.Level. Unknown names mean info.
func ParseLevel(name string) slog.Level {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "warning" {
		name = "warn"
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// open resolves Output. The returned closer is nil for the standard streams.
func (c Config) open() (io.Writer, io.Closer, error) {
	switch c.Output {
	case "", "stdout":
		return os.Stdout, nil, nil
	case "stderr":
		return os.Stderr, nil, nil
	}

	f, err := os.OpenFile(c.Output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log output: %w", err)
	}
	return f, f, nil
}
