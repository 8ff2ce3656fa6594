package reporter

import (
	"context"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/AliZeynalov/heyhi-proxy/internal/metrics"
)

type staticStats metrics.Stats

func (s staticStats) Stats() metrics.Stats { return metrics.Stats(s) }

type countingSweeper struct{ calls int }

func (s *countingSweeper) Sweep() int {
	s.calls++
	return 3
}

func TestReport(t *testing.T) {
	hook := test.NewGlobal()
	defer hook.Reset()

	stats := staticStats{
		TotalRequests:       10,
		SuccessfulRequests:  8,
		FailedRequests:      2,
		SuccessRate:         80,
		ErrorsByType:        map[string]int64{"upstream_timeout": 2},
		CircuitBreakerState: "closed",
	}
	sweeper := &countingSweeper{}

	r, err := New("", stats, WithSweeper(sweeper))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r.Report()

	entry := hook.LastEntry()
	if entry == nil {
		t.Fatal("nothing logged")
	}
	if entry.Level != log.InfoLevel || entry.Data["event"] != "stats" {
		t.Errorf("entry = %+v", entry)
	}
	if entry.Data["total_requests"] != int64(10) || entry.Data["errors.upstream_timeout"] != int64(2) {
		t.Errorf("fields = %v", entry.Data)
	}
	if entry.Data["rate_limit_swept"] != 3 || sweeper.calls != 1 {
		t.Errorf("sweeper not run: %v", entry.Data)
	}
}

func TestNew_Schedules(t *testing.T) {
	r, err := New("", staticStats{})
	if err != nil || r.Enabled() {
		t.Errorf("empty schedule: enabled = %v, err = %v", r.Enabled(), err)
	}

	r, err = New("@every 5m", staticStats{})
	if err != nil || !r.Enabled() {
		t.Errorf("descriptor: err = %v", err)
	}

	r, err = New("*/10 * * * *", staticStats{})
	if err != nil || !r.Enabled() {
		t.Errorf("cron spec: err = %v", err)
	}

	if _, err := New("every now and then", staticStats{}); err == nil {
		t.Error("expected error for an invalid schedule")
	}
}

func TestRun_DisabledReturnsImmediately(t *testing.T) {
	r, _ := New("", staticStats{})

	done := make(chan struct{})
	go func() {
		r.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("disabled reporter blocked")
	}
}

func TestRun_ReportsOnSchedule(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for a cron tick")
	}

	hook := test.NewGlobal()
	defer hook.Reset()

	r, err := New("@every 1s", staticStats{CircuitBreakerState: "open"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2500*time.Millisecond)
	defer cancel()
	r.Run(ctx)

	reports := 0
	for _, e := range hook.AllEntries() {
		if e.Data["event"] == "stats" {
			reports++
		}
	}
	if reports == 0 {
		t.Error("no stats reported")
	}
}
