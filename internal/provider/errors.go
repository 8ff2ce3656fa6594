package provider

import (
	"fmt"
	"net/http"
)

// ErrorKind identifies a failure class. The string value is what ends up in
// metrics and in the "error" field of error responses.
type ErrorKind string

const (
	KindCircuitOpen       ErrorKind = "circuit_open"
	KindClientError       ErrorKind = "upstream_client_error"
	KindUpstreamExhausted ErrorKind = "upstream_exhausted"

	// Per-attempt kinds. Only KindClientError is terminal.
	KindServerError  ErrorKind = "upstream_server_error"
	KindTimeout      ErrorKind = "upstream_timeout"
	KindNetworkError ErrorKind = "upstream_network_error"
	KindUnknownError ErrorKind = "upstream_unknown_error"
)

// maxBodySnippet caps how much of an upstream error body is kept.
const maxBodySnippet = 500

// AttemptFailure describes why a single HTTP attempt failed.
type AttemptFailure struct {
	Kind    ErrorKind
	Attempt int

	// StatusCode is 0 when no response was received.
	StatusCode int

	// Body is the first 500 characters of the upstream response body.
	Body string

	// Err is the transport or decode error, if any.
	Err error
}

// Detail returns a short human readable description.
func (f *AttemptFailure) Detail() string {
	switch {
	case f.Err != nil:
		return f.Err.Error()
	case f.StatusCode > 0:
		return fmt.Sprintf("upstream returned status %d", f.StatusCode)
	default:
		return string(f.Kind)
	}
}

// CallError is the error returned by Client.Call for every classified
// failure: the circuit was open, the upstream rejected the request, or all
// attempts were used up.
type CallError struct {
	Kind ErrorKind

	// StatusCode and Body are set for KindClientError.
	StatusCode int
	Body       string

	// Attempts is the number of HTTP attempts made (0 for KindCircuitOpen).
	Attempts int

	// Last is the final attempt failure for KindUpstreamExhausted.
	Last *AttemptFailure
}

// Error implements the error interface.
func (e *CallError) Error() string {
	switch e.Kind {
	case KindCircuitOpen:
		return "upstream circuit breaker is open"
	case KindClientError:
		return fmt.Sprintf("upstream rejected request (status %d): %s", e.StatusCode, e.Body)
	case KindUpstreamExhausted:
		if e.Last != nil {
			return fmt.Sprintf("upstream failed after %d attempts: %s: %s", e.Attempts, e.Last.Kind, e.Last.Detail())
		}
		return fmt.Sprintf("upstream failed after %d attempts", e.Attempts)
	default:
		return string(e.Kind)
	}
}

// Unwrap returns the last attempt's underlying error, if any.
func (e *CallError) Unwrap() error {
	if e.Last != nil {
		return e.Last.Err
	}
	return nil
}

// HTTPStatus is the status the proxy answers with for this error.
func (e *CallError) HTTPStatus() int {
	switch e.Kind {
	case KindCircuitOpen:
		return http.StatusServiceUnavailable
	case KindClientError:
		return e.StatusCode
	default:
		return http.StatusBadGateway
	}
}

// MetricKind is the error kind recorded in metrics. Exhaustion is reported
// under the kind of the last failed attempt.
func (e *CallError) MetricKind() string {
	if e.Kind == KindUpstreamExhausted && e.Last != nil {
		return string(e.Last.Kind)
	}
	return string(e.Kind)
}

func snippet(body []byte) string {
	r := []rune(string(body))
	if len(r) > maxBodySnippet {
		r = r[:maxBodySnippet]
	}
	return string(r)
}
