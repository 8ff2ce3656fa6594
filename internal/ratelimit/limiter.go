// Package ratelimit limits how many chat requests a single client may send
// within a rolling window.
package ratelimit

import (
	"math"
	"sync"
	"time"
)

const (
	DefaultMaxRequests = 60
	DefaultWindow      = 60 * time.Second
)

// Limiter decides whether the request identified by id may proceed.
type Limiter interface {
	Allow(id string) Decision
}

// Decision is the result of one Allow call.
type Decision struct {
	Allowed bool
	Limit   int
	Window  time.Duration

	// Remaining is the number of requests left in the window after this one.
	Remaining int

	// CurrentCount and RetryAfter are set when the request is denied.
	CurrentCount int
	RetryAfter   time.Duration
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds, minimum 1.
func (d Decision) RetryAfterSeconds() int {
	s := int(math.Ceil(d.RetryAfter.Seconds()))
	if s < 1 {
		s = 1
	}
	return s
}

// SlidingWindow keeps the timestamps of accepted requests per identifier and
// allows at most max of them within any window-long period.
//
// Denied requests are not recorded, so a client that keeps hammering the
// proxy is let through again as soon as its oldest accepted request ages out.
type SlidingWindow struct {
	max    int
	window time.Duration
	now    func() time.Time

	mu       sync.Mutex
	requests map[string][]time.Time
}

// Option configures a SlidingWindow.
type Option func(*SlidingWindow)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(sw *SlidingWindow) {
		sw.now = now
	}
}

// NewSlidingWindow creates a limiter allowing max requests per window.
// Non-positive values fall back to the defaults.
func NewSlidingWindow(max int, window time.Duration, opts ...Option) *SlidingWindow {
	if max <= 0 {
		max = DefaultMaxRequests
	}
	if window <= 0 {
		window = DefaultWindow
	}
	sw := &SlidingWindow{
		max:      max,
		window:   window,
		now:      time.Now,
		requests: make(map[string][]time.Time),
	}
	for _, opt := range opts {
		opt(sw)
	}
	return sw
}

// Allow records a request for id if it fits in the window.
func (sw *SlidingWindow) Allow(id string) Decision {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	now := sw.now()
	recent := sw.pruneLocked(id, now)

	d := Decision{Limit: sw.max, Window: sw.window}
	if len(recent) >= sw.max {
		d.CurrentCount = len(recent)
		d.RetryAfter = recent[0].Add(sw.window).Sub(now)
		return d
	}

	sw.requests[id] = append(recent, now)
	d.Allowed = true
	d.Remaining = sw.max - len(recent) - 1
	return d
}

// Sweep drops identifiers with no request inside the window and returns how
// many were removed.
func (sw *SlidingWindow) Sweep() int {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	now := sw.now()
	removed := 0
	for id := range sw.requests {
		if len(sw.pruneLocked(id, now)) == 0 {
			delete(sw.requests, id)
			removed++
		}
	}
	return removed
}

// Tracked returns the number of identifiers currently held.
func (sw *SlidingWindow) Tracked() int {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return len(sw.requests)
}

// pruneLocked drops timestamps at or before now-window. Timestamps are
// appended in order, so the expired ones form a prefix.
func (sw *SlidingWindow) pruneLocked(id string, now time.Time) []time.Time {
	ts := sw.requests[id]
	cutoff := now.Add(-sw.window)

	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	if i > 0 {
		ts = append(ts[:0], ts[i:]...)
		sw.requests[id] = ts
	}
	return ts
}
