package logging

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

// RequestHeaderRequestID carries the request id in and out of the API.
const RequestHeaderRequestID = "X-Request-ID"

const redactedValue = "[REDACTED]"

var sensitiveHeaders = map[string]struct{}{
	"authorization": {},
	"cookie":        {},
	"x-api-key":     {},
}

// RequestLogOption configures RequestLogger.
type RequestLogOption func(*requestLogger)

// LogHeaders includes request headers in every record, with credentials
// redacted.
func LogHeaders() RequestLogOption {
	return func(l *requestLogger) { l.headers = true }
}

type requestLogger struct {
	logger  *slog.Logger
	headers bool
}

// RequestLogger assigns each request an id (reusing X-Request-ID when the
// client sent one), echoes it in the response and logs one record per
// request. 5xx responses log at error level and 4xx at warn.
func RequestLogger(logger *slog.Logger, opts ...RequestLogOption) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	l := &requestLogger{logger: logger.With("component", "http")}
	for _, opt := range opts {
		opt(l)
	}
	return l.wrap
}

func (l *requestLogger) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		id := r.Header.Get(RequestHeaderRequestID)
		if id == "" {
			id = GenerateRequestID()
		}
		ctx := WithRequestID(r.Context(), id)
		w.Header().Set(RequestHeaderRequestID, id)

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		attrs := []slog.Attr{
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", status),
			slog.Duration("duration", time.Since(start)),
			slog.String("remote_addr", r.RemoteAddr),
			slog.Int("response_bytes", ww.BytesWritten()),
		}
		if l.headers {
			attrs = append(attrs, slog.Any("request_headers", redact(r.Header)))
		}

		l.logger.LogAttrs(ctx, levelFor(status), "http request", attrs...)
	})
}

func levelFor(status int) slog.Level {
	switch {
	case status >= 500:
		return slog.LevelError
	case status >= 400:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

// redact flattens h to its first values, masking credentials.
func redact(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) == 0 {
			continue
		}
		if _, ok := sensitiveHeaders[strings.ToLower(k)]; ok {
			out[k] = redactedValue
			continue
		}
		out[k] = v[0]
	}
	return out
}
