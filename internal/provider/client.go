// Package provider calls the upstream chat-completions API with retries,
// exponential backoff and circuit breaker integration.
package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	log "github.com/sirupsen/logrus"

	"github.com/AliZeynalov/heyhi-proxy/internal/logger"
)

const (
	DefaultBaseURL        = "https://api.openai.com"
	ChatCompletionsPath   = "/v1/chat/completions"
	DefaultMaxAttempts    = 3
	DefaultInitialBackoff = time.Second
	DefaultMaxBackoff     = 30 * time.Second

	// DefaultMaxResponseBytes caps how much of an upstream response is read.
	DefaultMaxResponseBytes = 10 << 20
)

// ErrResponseTooLarge is returned for a 200 response whose body exceeds the
// configured cap. Error bodies are truncated instead, since only a snippet
// of them is kept.
var ErrResponseTooLarge = errors.New("upstream response too large")

// CircuitBreaker is the subset of the breaker the client needs.
type CircuitBreaker interface {
	CanExecute() bool
	RecordSuccess()
	RecordFailure()
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Option configures a Client.
type Option func(*Client)

// WithBaseURL sets the upstream base URL (scheme and host, no path).
func WithBaseURL(u string) Option {
	return func(c *Client) {
		if u != "" {
			c.endpoint = strings.TrimRight(u, "/") + ChatCompletionsPath
		}
	}
}

// WithMaxAttempts sets the attempt budget per call.
func WithMaxAttempts(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// WithInitialBackoff sets the first backoff delay. It doubles on every retry.
func WithInitialBackoff(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.initialBackoff = d
		}
	}
}

// WithMaxResponseBytes sets the upstream response body cap.
func WithMaxResponseBytes(n int64) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxResponseBytes = n
		}
	}
}

// WithSleep replaces the backoff sleep.
func WithSleep(fn SleepFunc) Option {
	return func(c *Client) {
		c.sleep = fn
	}
}

// WithAttemptObserver registers a callback receiving the outcome label of
// every attempt ("success" or an ErrorKind).
func WithAttemptObserver(fn func(outcome string)) Option {
	return func(c *Client) {
		c.observe = fn
	}
}

// Client performs chat-completions calls. It holds no connections between
// attempts; every attempt dials with its own http.Client.
type Client struct {
	endpoint       string
	breaker        CircuitBreaker
	maxAttempts    int
	initialBackoff time.Duration
	sleep          SleepFunc
	observe        func(outcome string)

	maxResponseBytes int64
}

// NewClient creates a client guarded by breaker.
func NewClient(breaker CircuitBreaker, opts ...Option) *Client {
	c := &Client{
		endpoint:       DefaultBaseURL + ChatCompletionsPath,
		breaker:        breaker,
		maxAttempts:    DefaultMaxAttempts,
		initialBackoff: DefaultInitialBackoff,
		sleep:          sleepContext,

		maxResponseBytes: DefaultMaxResponseBytes,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Endpoint returns the full upstream URL.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// Call sends req to the upstream, retrying transient failures. Classified
// failures are returned as *CallError. A cancelled ctx aborts the call with
// the context error and leaves the breaker untouched.
func (c *Client) Call(ctx context.Context, apiKey string, req Request) (*Response, error) {
	entry := logger.FromContext(ctx).WithField("model", req.Model)

	if !c.breaker.CanExecute() {
		entry.WithField("event", "circuit_open").Warn("Circuit breaker open, rejecting call")
		return nil, &CallError{Kind: KindCircuitOpen}
	}

	body, err := json.Marshal(newPayload(req))
	if err != nil {
		return nil, fmt.Errorf("encode upstream payload: %w", err)
	}

	schedule := &backoff.ExponentialBackOff{
		InitialInterval:     c.initialBackoff,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         DefaultMaxBackoff,
	}
	schedule.Reset()

	var last *AttemptFailure
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		start := time.Now()
		status, data, doErr := c.do(ctx, body, apiKey, req.Timeouts)
		if ctx.Err() != nil {
			return nil, fmt.Errorf("chat call cancelled: %w", ctx.Err())
		}
		if errors.Is(doErr, errBuildRequest) {
			return nil, doErr
		}

		outcome := Classify(attempt, status, data, doErr)
		fields := log.Fields{
			"attempt":    attempt,
			"status":     status,
			"latency_ms": time.Since(start).Milliseconds(),
		}

		switch outcome.Verdict {
		case VerdictSuccess:
			c.breaker.RecordSuccess()
			c.observeAttempt("success")
			entry.WithFields(fields).WithField("event", "attempt_success").Debug("Upstream call succeeded")
			return outcome.Response, nil

		case VerdictTerminal:
			c.breaker.RecordFailure()
			c.observeAttempt(string(outcome.Failure.Kind))
			entry.WithFields(fields).WithField("event", "client_error").Warn("Upstream rejected request")
			return nil, &CallError{
				Kind:       KindClientError,
				StatusCode: outcome.Failure.StatusCode,
				Body:       outcome.Failure.Body,
				Attempts:   attempt,
			}
		}

		last = outcome.Failure
		c.observeAttempt(string(last.Kind))
		if attempt == c.maxAttempts {
			break
		}

		wait := schedule.NextBackOff()
		entry.WithFields(fields).WithFields(log.Fields{
			"event":   "retry",
			"kind":    last.Kind,
			"backoff": wait.String(),
			"error":   last.Detail(),
		}).Warn("Upstream attempt failed, will retry")

		if err := c.sleep(ctx, wait); err != nil {
			return nil, fmt.Errorf("chat call cancelled: %w", err)
		}
	}

	c.breaker.RecordFailure()
	entry.WithFields(log.Fields{
		"event":    "exhausted",
		"attempts": c.maxAttempts,
		"kind":     last.Kind,
	}).Error("Upstream call failed after all attempts")

	return nil, &CallError{
		Kind:     KindUpstreamExhausted,
		Attempts: c.maxAttempts,
		Last:     last,
	}
}

var errBuildRequest = errors.New("build upstream request")

// do performs one HTTP attempt.
func (c *Client) do(ctx context.Context, body []byte, apiKey string, t Timeouts) (int, []byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %w", errBuildRequest, err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	httpClient := newAttemptClient(t)
	defer httpClient.CloseIdleConnections()

	resp, err := httpClient.Do(httpReq)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxResponseBytes+1))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read upstream response: %w", err)
	}
	if int64(len(data)) > c.maxResponseBytes {
		if resp.StatusCode == http.StatusOK {
			return resp.StatusCode, nil, fmt.Errorf("%w: more than %d bytes", ErrResponseTooLarge, c.maxResponseBytes)
		}
		data = data[:c.maxResponseBytes]
	}
	return resp.StatusCode, data, nil
}

func (c *Client) observeAttempt(outcome string) {
	if c.observe != nil {
		c.observe(outcome)
	}
}

// newAttemptClient builds an isolated client: connect covers dialing and the
// TLS handshake, read covers waiting for headers, and the sum bounds the
// whole attempt including the body.
func newAttemptClient(t Timeouts) *http.Client {
	dialer := &net.Dialer{Timeout: t.Connect}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   t.Connect,
		ResponseHeaderTimeout: t.Read,
		DisableKeepAlives:     true,
	}

	var total time.Duration
	if t.Connect > 0 && t.Read > 0 {
		total = t.Connect + t.Read
	}
	return &http.Client{Transport: transport, Timeout: total}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
