// Package reporter periodically logs the metrics snapshot and prunes idle
// rate limiter state.
package reporter

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"

	"github.com/AliZeynalov/heyhi-proxy/internal/metrics"
)

// StatsSource provides the snapshot to report.
type StatsSource interface {
	Stats() metrics.Stats
}

// Sweeper drops idle per-client state.
type Sweeper interface {
	Sweep() int
}

// Reporter runs the report job on a cron schedule.
type Reporter struct {
	schedule string
	stats    StatsSource
	sweeper  Sweeper
	cron     *cron.Cron
}

// Option configures a Reporter.
type Option func(*Reporter)

// WithSweeper sweeps s on every tick.
func WithSweeper(s Sweeper) Option {
	return func(r *Reporter) {
		r.sweeper = s
	}
}

// New creates a reporter for a standard cron spec or descriptor such as
// "@every 5m". An empty schedule yields a disabled reporter.
func New(schedule string, stats StatsSource, opts ...Option) (*Reporter, error) {
	r := &Reporter{schedule: schedule, stats: stats}
	for _, opt := range opts {
		opt(r)
	}
	if schedule == "" {
		return r, nil
	}

	logger := cronLogger{entry: log.WithField("component", "reporter")}
	r.cron = cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	if _, err := r.cron.AddFunc(schedule, r.Report); err != nil {
		return nil, fmt.Errorf("invalid reporter schedule %q: %w", schedule, err)
	}
	return r, nil
}

// Enabled reports whether a schedule is configured.
func (r *Reporter) Enabled() bool {
	return r.cron != nil
}

// Run starts the schedule and blocks until ctx is done, then waits for a
// running report to finish.
func (r *Reporter) Run(ctx context.Context) {
	if r.cron == nil {
		return
	}

	log.WithFields(log.Fields{
		"schedule": r.schedule,
		"event":    "reporter_started",
	}).Info("Stats reporter started")

	r.cron.Start()
	<-ctx.Done()
	<-r.cron.Stop().Done()
}

// Report logs the current stats once.
func (r *Reporter) Report() {
	s := r.stats.Stats()

	fields := log.Fields{
		"event":                   "stats",
		"total_requests":          s.TotalRequests,
		"successful_requests":     s.SuccessfulRequests,
		"failed_requests":         s.FailedRequests,
		"success_rate":            s.SuccessRate,
		"total_tokens":            s.TotalTokens,
		"average_latency_seconds": s.AverageLatencySeconds,
		"circuit_breaker_state":   s.CircuitBreakerState,
	}
	for kind, n := range s.ErrorsByType {
		fields["errors."+kind] = n
	}
	if r.sweeper != nil {
		fields["rate_limit_swept"] = r.sweeper.Sweep()
	}

	log.WithFields(fields).Info("Proxy stats")
}

// cronLogger routes cron's own logging through logrus.
type cronLogger struct {
	entry *log.Entry
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.entry.WithFields(toFields(keysAndValues)).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.entry.WithFields(toFields(keysAndValues)).WithError(err).Error(msg)
}

func toFields(kv []interface{}) log.Fields {
	fields := make(log.Fields, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		fields[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return fields
}
