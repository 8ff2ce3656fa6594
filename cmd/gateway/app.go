package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"

	"github.com/AliZeynalov/heyhi-proxy/internal/breaker"
	"github.com/AliZeynalov/heyhi-proxy/internal/config"
	"github.com/AliZeynalov/heyhi-proxy/internal/gateway"
	"github.com/AliZeynalov/heyhi-proxy/internal/logger"
	"github.com/AliZeynalov/heyhi-proxy/internal/metrics"
	"github.com/AliZeynalov/heyhi-proxy/internal/provider"
	"github.com/AliZeynalov/heyhi-proxy/internal/ratelimit"
	"github.com/AliZeynalov/heyhi-proxy/internal/reporter"
)

// app owns every long-lived component of the proxy.
type app struct {
	cfg       *config.Config
	breaker   *breaker.Breaker
	recorder  *metrics.Recorder
	collector *metrics.Collector
	service   *gateway.ChatService
	reporter  *reporter.Reporter
	server    *http.Server
}

func newApp(cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}

	if cfg.Metrics.Prometheus {
		a.collector = metrics.NewCollector(cfg.Metrics.Namespace)
	}

	a.breaker = breaker.New(
		breaker.WithFailureThreshold(cfg.Breaker.FailureThreshold),
		breaker.WithCooldown(cfg.Breaker.Cooldown),
		breaker.WithStateChange(a.onBreakerChange),
	)
	a.recorder = metrics.NewRecorder(a.breaker)

	clientOpts := []provider.Option{
		provider.WithBaseURL(cfg.Upstream.BaseURL),
		provider.WithMaxAttempts(cfg.Upstream.MaxAttempts),
		provider.WithInitialBackoff(cfg.Upstream.InitialBackoff),
		provider.WithMaxResponseBytes(cfg.Upstream.MaxResponseBytes),
	}
	if a.collector != nil {
		clientOpts = append(clientOpts, provider.WithAttemptObserver(a.collector.ObserveAttempt))
	}
	client := provider.NewClient(a.breaker, clientOpts...)

	a.service = gateway.NewChatService(client, a.recorder, a.collector, settingsFrom(cfg))

	var limiter ratelimit.Limiter
	var reporterOpts []reporter.Option
	if cfg.RateLimit.Enabled {
		sw := ratelimit.NewSlidingWindow(cfg.RateLimit.MaxRequests, cfg.RateLimit.Window)
		limiter = sw
		reporterOpts = append(reporterOpts, reporter.WithSweeper(sw))
	}

	rep, err := reporter.New(cfg.Reporter.Schedule, a.recorder, reporterOpts...)
	if err != nil {
		return nil, err
	}
	a.reporter = rep

	handler := gateway.NewHandler(gateway.HandlerDeps{
		Service:   a.service,
		Recorder:  a.recorder,
		Collector: a.collector,
		Breaker:   a.breaker,
		Info: gateway.Info{
			Service:        cfg.App.Name,
			Version:        cfg.App.Version,
			AllowedOrigins: cfg.Server.AllowedOrigins,
		},
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
	})
	router, err := gateway.NewRouter(handler, limiter, cfg.Server.AllowedOrigins)
	if err != nil {
		return nil, err
	}

	a.server = &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}

	log.WithFields(log.Fields{
		"endpoint":          client.Endpoint(),
		"failure_threshold": cfg.Breaker.FailureThreshold,
		"cooldown":          cfg.Breaker.Cooldown.String(),
		"rate_limit":        cfg.RateLimit.Enabled,
		"prometheus":        a.collector != nil,
		"reporter":          rep.Enabled(),
		"event":             "initialized",
	}).Debug("Proxy components initialized")

	return a, nil
}

func settingsFrom(cfg *config.Config) gateway.Settings {
	return gateway.Settings{
		APIKey: cfg.Upstream.APIKey,
		Model:  cfg.Upstream.Model,
		Timeouts: provider.Timeouts{
			Connect: cfg.Upstream.ConnectTimeout,
			Read:    cfg.Upstream.ReadTimeout,
		},
	}
}

func (a *app) onBreakerChange(from, to breaker.State) {
	entry := log.WithFields(log.Fields{
		"from":  from.String(),
		"to":    to.String(),
		"event": "circuit_breaker_" + to.String(),
	})
	if to == breaker.Open {
		entry.Warn("Circuit breaker opened")
	} else {
		entry.Info("Circuit breaker state changed")
	}

	if a.collector != nil {
		a.collector.SetBreakerState(int(to))
	}
}

// reload applies the settings that can change without a restart.
func (a *app) reload(cfg *config.Config) {
	a.service.UpdateSettings(settingsFrom(cfg))

	if err := logger.SetLevel(cfg.Log.Level); err != nil {
		log.WithError(err).Warn("Keeping previous log level")
	}

	log.WithFields(log.Fields{
		"model":       cfg.Upstream.Model,
		"has_api_key": cfg.Upstream.APIKey != "",
		"log_level":   cfg.Log.Level,
		"event":       "settings_applied",
	}).Info("Applied reloaded settings")
}

// run serves until ctx is cancelled, SIGINT or SIGTERM arrives, or the
// listener fails, then shuts down gracefully.
func (a *app) run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)

	var wg conc.WaitGroup
	wg.Go(func() {
		a.reporter.Run(ctx)
	})
	wg.Go(func() {
		log.WithField("addr", a.server.Addr).Info("HTTP server listening")
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- fmt.Errorf("http server: %w", err)
		}
	})

	var runErr error
	select {
	case <-ctx.Done():
		log.WithField("event", "shutdown").Info("Shutting down")
	case runErr = <-serveErr:
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = fmt.Errorf("shutdown: %w", err)
	}

	wg.Wait()
	a.reporter.Report()
	return runErr
}
