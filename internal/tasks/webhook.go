package tasks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bargom/taskqueue/internal/taskqueue"
)

const (
	defaultWebhookTimeout = 30 * time.Second
	maxWebhookTimeout     = 5 * time.Minute

	// responseSnippet bounds how much of a failed response ends up in the error.
	responseSnippet = 512
)

// WebhookPayload is the payload of webhook:deliver.
type WebhookPayload struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`

	// Timeout is a Go duration string such as "10s".
	Timeout string `json:"timeout,omitempty"`
}

func (p *WebhookPayload) normalize() (time.Duration, error) {
	u, err := url.Parse(p.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return 0, fmt.Errorf("invalid url %q", p.URL)
	}

	p.Method = strings.ToUpper(p.Method)
	if p.Method == "" {
		p.Method = http.MethodPost
	}

	timeout := defaultWebhookTimeout
	if p.Timeout != "" {
		d, err := time.ParseDuration(p.Timeout)
		if err != nil || d <= 0 {
			return 0, fmt.Errorf("invalid timeout %q", p.Timeout)
		}
		timeout = min(d, maxWebhookTimeout)
	}
	return timeout, nil
}

// StatusError is returned for a non-2xx webhook response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("webhook failed with status %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether another attempt may succeed. Client errors are
// final except request timeout and rate limiting.
func (e *StatusError) Retryable() bool {
	if e.StatusCode == http.StatusRequestTimeout || e.StatusCode == http.StatusTooManyRequests {
		return true
	}
	return e.StatusCode < 400 || e.StatusCode >= 500
}

// WebhookOption configures a WebhookHandler.
type WebhookOption func(*WebhookHandler)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) WebhookOption {
	return func(h *WebhookHandler) {
		h.client = c
	}
}

// WithWebhookLogger sets the logger.
func WithWebhookLogger(logger *slog.Logger) WebhookOption {
	return func(h *WebhookHandler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithSigningSecret signs every delivery with an HMAC of the timestamp and
// body. Receivers verify it with VerifySignature.
func WithSigningSecret(secret string) WebhookOption {
	return func(h *WebhookHandler) {
		h.secret = secret
	}
}

// WebhookHandler delivers outbound HTTP requests.
type WebhookHandler struct {
	client *http.Client
	logger *slog.Logger
	secret string
	now    func() time.Time
}

// NewWebhookHandler creates a webhook handler.
func NewWebhookHandler(opts ...WebhookOption) *WebhookHandler {
	h := &WebhookHandler{
		client: &http.Client{},
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("task", TypeWebhookDeliver)
	return h
}

// Handle implements taskqueue.Handler.
func (h *WebhookHandler) Handle(ctx context.Context, msg *taskqueue.Message) error {
	var payload WebhookPayload
	if err := decodePayload(msg, &payload); err != nil {
		return err
	}
	timeout, err := payload.normalize()
	if err != nil {
		return taskqueue.Permanent(err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if len(payload.Body) > 0 {
		body = bytes.NewReader(payload.Body)
	}
	req, err := http.NewRequestWithContext(ctx, payload.Method, payload.URL, body)
	if err != nil {
		return taskqueue.Permanent(fmt.Errorf("create request: %w", err))
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range payload.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("X-Task-Message-ID", msg.ID)
	if msg.CorrelationID != "" {
		req.Header.Set("X-Correlation-ID", msg.CorrelationID)
	}
	if h.secret != "" {
		addSignatureHeaders(req.Header, h.secret, h.now().Unix(), payload.Body)
	}

	start := time.Now()
	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, responseSnippet))
	_, _ = io.Copy(io.Discard, resp.Body)

	h.logger.DebugContext(ctx, "webhook delivered",
		"url", payload.URL,
		"status", resp.StatusCode,
		"duration", time.Since(start),
		"attempt", msg.Attempts+1,
	)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	statusErr := &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	if !statusErr.Retryable() {
		return taskqueue.Permanent(statusErr)
	}
	return statusErr
}

// IsStatusError reports whether err carries a webhook StatusError.
func IsStatusError(err error) (*StatusError, bool) {
	var se *StatusError
	ok := errors.As(err, &se)
	return se, ok
}
