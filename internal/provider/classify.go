package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"

	json "github.com/goccy/go-json"
)

// Verdict is the retry decision for one attempt.
type Verdict int

const (
	VerdictSuccess Verdict = iota
	VerdictRetry
	VerdictTerminal
)

// Outcome is the classified result of one HTTP attempt.
type Outcome struct {
	Verdict  Verdict
	Response *Response
	Failure  *AttemptFailure
}

// terminalStatuses are client errors that will repeat on every attempt.
// 429 is deliberately absent: rate limiting is transient.
var terminalStatuses = map[int]bool{
	http.StatusBadRequest:   true,
	http.StatusUnauthorized: true,
	http.StatusForbidden:    true,
	http.StatusNotFound:     true,
}

// Classify decides what a single attempt's result means. err is the
// transport error (or body read error); when it is non-nil status and body
// are ignored. It performs no I/O.
func Classify(attempt, status int, body []byte, err error) Outcome {
	if err != nil {
		return retry(&AttemptFailure{
			Kind:    classifyError(err),
			Attempt: attempt,
			Err:     err,
		})
	}

	switch {
	case status == http.StatusOK:
		var resp Response
		if decodeErr := json.Unmarshal(body, &resp); decodeErr != nil {
			return retry(&AttemptFailure{
				Kind:       KindUnknownError,
				Attempt:    attempt,
				StatusCode: status,
				Body:       snippet(body),
				Err:        fmt.Errorf("decode upstream response: %w", decodeErr),
			})
		}
		resp.Attempts = attempt
		return Outcome{Verdict: VerdictSuccess, Response: &resp}

	case terminalStatuses[status]:
		return Outcome{
			Verdict: VerdictTerminal,
			Failure: &AttemptFailure{
				Kind:       KindClientError,
				Attempt:    attempt,
				StatusCode: status,
				Body:       snippet(body),
			},
		}

	default:
		// 429, 5xx and anything unexpected.
		return retry(&AttemptFailure{
			Kind:       KindServerError,
			Attempt:    attempt,
			StatusCode: status,
			Body:       snippet(body),
		})
	}
}

func retry(f *AttemptFailure) Outcome {
	return Outcome{Verdict: VerdictRetry, Failure: f}
}

func classifyError(err error) ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}

	var opErr *net.OpError
	var dnsErr *net.DNSError
	var urlErr *url.Error
	switch {
	case errors.As(err, &opErr), errors.As(err, &dnsErr):
		return KindNetworkError
	case errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.EOF):
		return KindNetworkError
	case errors.As(err, &urlErr):
		return KindNetworkError
	}
	return KindUnknownError
}
