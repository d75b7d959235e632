package logging

import (
	"context"
	"io"
	"log/slog"
)

// Logger is a slog.Logger whose records include the request and message
// ids found in the context.
type Logger struct {
	*slog.Logger
	out io.Closer
}

// New builds a logger writing to cfg.Output.
func New(cfg Config) (*Logger, error) {
	w, closer, err := cfg.open()
	if err != nil {
		return nil, err
	}
	l := NewWithWriter(cfg, w)
	l.out = closer
	return l, nil
}

// NewWithWriter builds a logger writing to w, ignoring cfg.Output.
func NewWithWriter(cfg Config, w io.Writer) *Logger {
	opts := &slog.HandlerOptions{
		Level:     ParseLevel(cfg.Level),
		AddSource: cfg.AddSource,
	}

	var h slog.Handler
	if cfg.Format == "text" {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}
	return &Logger{Logger: slog.New(contextHandler{h})}
}

// SetDefault installs l as the process-wide slog logger.
func (l *Logger) SetDefault() {
	slog.SetDefault(l.Logger)
}

// Close closes a file output. Loggers derived with With share the output
// and are not closed separately.
func (l *Logger) Close() error {
	if l.out == nil {
		return nil
	}
	return l.out.Close()
}

// With returns a child logger carrying args.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// WithBackend tags records with the queue backend name.
func (l *Logger) WithBackend(name string) *Logger {
	return l.With("backend", name)
}

type contextHandler struct {
	slog.Handler
}

func (h contextHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, key := range contextAttrs {
		if v := stringValue(ctx, key); v != "" {
			r.AddAttrs(slog.String(string(key), v))
		}
	}
	return h.Handler.Handle(ctx, r)
}

func (h contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return contextHandler{h.Handler.WithAttrs(attrs)}
}

func (h contextHandler) WithGroup(name string) slog.Handler {
	return contextHandler{h.Handler.WithGroup(name)}
}
