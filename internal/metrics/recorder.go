// Package metrics aggregates request outcomes for the /metrics endpoints.
package metrics

import (
	"math"
	"sync"
	"time"
)

// StateSource reports the current circuit breaker state label.
type StateSource interface {
	StateLabel() string
}

// Stats is the JSON snapshot served by GET /metrics.
type Stats struct {
	TotalRequests         int64            `json:"total_requests"`
	SuccessfulRequests    int64            `json:"successful_requests"`
	FailedRequests        int64            `json:"failed_requests"`
	SuccessRate           float64          `json:"success_rate"`
	TotalTokens           int64            `json:"total_tokens"`
	AverageLatencySeconds float64          `json:"average_latency_seconds"`
	ErrorsByType          map[string]int64 `json:"errors_by_type"`
	CircuitBreakerState   string           `json:"circuit_breaker_state"`
}

// Recorder accumulates request counters. Counters only grow; there is no reset.
// Recorder is safe for concurrent use.
type Recorder struct {
	mu           sync.Mutex
	total        int64
	successful   int64
	failed       int64
	tokens       int64
	latency      time.Duration
	errorsByType map[string]int64

	breaker StateSource
}

// NewRecorder creates an empty recorder. breaker may be nil.
func NewRecorder(breaker StateSource) *Recorder {
	return &Recorder{
		errorsByType: make(map[string]int64),
		breaker:      breaker,
	}
}

// Record adds one request outcome. Tokens count only for successes and
// errorKind only for failures.
func (r *Recorder) Record(success bool, latency time.Duration, tokens int, errorKind string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.total++
	if success {
		r.successful++
		r.tokens += int64(tokens)
	} else {
		r.failed++
		if errorKind != "" {
			r.errorsByType[errorKind]++
		}
	}
	r.latency += latency
}

// Stats returns a copy of the current counters with derived rates.
func (r *Recorder) Stats() Stats {
	r.mu.Lock()
	s := Stats{
		TotalRequests:      r.total,
		SuccessfulRequests: r.successful,
		FailedRequests:     r.failed,
		TotalTokens:        r.tokens,
		ErrorsByType:       make(map[string]int64, len(r.errorsByType)),
	}
	for kind, n := range r.errorsByType {
		s.ErrorsByType[kind] = n
	}
	latency := r.latency
	r.mu.Unlock()

	if s.TotalRequests > 0 {
		s.SuccessRate = round(float64(s.SuccessfulRequests)/float64(s.TotalRequests)*100, 2)
		s.AverageLatencySeconds = round(latency.Seconds()/float64(s.TotalRequests), 3)
	}
	if r.breaker != nil {
		s.CircuitBreakerState = r.breaker.StateLabel()
	}
	return s
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
