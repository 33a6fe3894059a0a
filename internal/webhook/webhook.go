// Package webhook delivers job phase transitions to external HTTP sinks.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/jonathan/agent-runner/internal/types"
)

// Delivery defaults.
const (
	DefaultTimeout   = 15 * time.Second
	DefaultAttempts  = 3
	DefaultUserAgent = "agent-runner/1.0"
)

// Payload is the JSON body posted to a sink.
type Payload struct {
	JobName   string        `json:"job_name"`
	RunID     string        `json:"run_id"`
	Phase     string        `json:"phase"`
	FromPhase string        `json:"from_phase,omitempty"`
	Outcome   types.Outcome `json:"outcome"`
	Timestamp time.Time     `json:"timestamp"`
	Error     string        `json:"error,omitempty"`
}

// Error reports a delivery that failed on every attempt.
type Error struct {
	URL      string
	Attempts int
	Message  string
	Cause    error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("webhook %s failed after %d attempt(s): %s: %v", e.URL, e.Attempts, e.Message, e.Cause)
	}
	return fmt.Sprintf("webhook %s failed after %d attempt(s): %s", e.URL, e.Attempts, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Options configures delivery.
type Options struct {
	Timeout   time.Duration
	Attempts  int
	UserAgent string
	Headers   map[string]string
}

// DefaultOptions returns the delivery defaults.
func DefaultOptions() *Options {
	return &Options{
		Timeout:   DefaultTimeout,
		Attempts:  DefaultAttempts,
		UserAgent: DefaultUserAgent,
	}
}

// Notifier posts payloads to webhook URLs.
type Notifier struct {
	client *http.Client
	opts   Options
	logger *zap.SugaredLogger
}

// New creates a Notifier. Zero option fields take their defaults.
func New(opts *Options, logger *zap.SugaredLogger) *Notifier {
	o := *DefaultOptions()
	if opts != nil {
		if opts.Timeout > 0 {
			o.Timeout = opts.Timeout
		}
		if opts.Attempts > 0 {
			o.Attempts = opts.Attempts
		}
		if opts.UserAgent != "" {
			o.UserAgent = opts.UserAgent
		}
		o.Headers = opts.Headers
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Notifier{
		client: &http.Client{Timeout: o.Timeout},
		opts:   o,
		logger: logger,
	}
}

// Notify posts payload to url, retrying immediately up to the configured number of
// attempts. Any 2xx response counts as delivered.
func (n *Notifier) Notify(ctx context.Context, url string, payload Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return &Error{URL: url, Message: "failed to marshal payload", Cause: err}
	}

	var last error
	attempt := 0
	for attempt < n.opts.Attempts {
		attempt++
		if last = n.post(ctx, url, body); last == nil {
			n.logger.Debugw("Webhook delivered",
				"url", url, "job", payload.JobName, "phase", payload.Phase, "attempt", attempt)
			return nil
		}
		n.logger.Warnw("Webhook attempt failed",
			"url", url, "job", payload.JobName, "attempt", attempt, "error", last)
		if ctx.Err() != nil {
			break
		}
	}

	return &Error{URL: url, Attempts: attempt, Message: "delivery failed", Cause: last}
}

func (n *Notifier) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", n.opts.UserAgent)
	for key, value := range n.opts.Headers {
		req.Header.Set(key, value)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("HTTP status %d", resp.StatusCode)
	}
	return nil
}
