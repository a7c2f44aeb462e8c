package cmd

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/adalundhe/ctxsync/core/config"
	"github.com/adalundhe/ctxsync/core/synchronizer"
)

const metricsShutdownTimeout = 5 * time.Second

// engineEnv bundles one engine with the config it was built from and the
// registry its metrics live in.
type engineEnv struct {
	mgr      *config.Manager
	engine   *synchronizer.Synchronizer
	registry *prometheus.Registry
	logger   *slog.Logger
	server   *http.Server
}

// openEngine loads configuration and builds a fresh engine. A scenario's
// priorities and rules, when present, replace the configured ones; config
// reloads only update priorities the scenario did not pin.
func openEngine(cmd *cobra.Command, sc *Scenario) (*engineEnv, error) {
	stderr := cmd.ErrOrStderr()
	mgr, err := loadConfig(newLogger(stderr, logLevel, "info"))
	if err != nil {
		return nil, err
	}
	cfg := mgr.Get()
	logger := newLogger(stderr, logLevel, cfg.Log.Level)

	opts := synchronizer.OptionsFromConfig(cfg)
	pinned := false
	if sc != nil {
		if len(sc.Priorities) > 0 {
			opts.Priorities = sc.Priorities
			pinned = true
		}
		if len(sc.StrategyRules) > 0 {
			opts.StrategyRules = sc.StrategyRules
		}
	}
	registry := prometheus.NewRegistry()
	opts.Registerer = registry
	opts.Logger = logger

	engine, err := synchronizer.New(opts)
	if err != nil {
		mgr.Close()
		return nil, err
	}
	if !pinned {
		mgr.OnChange(func(c *config.Config) {
			engine.SetPriorities(c.Priorities)
			logger.Info("priority table reloaded", "agents", len(c.Priorities))
		})
	}

	return &engineEnv{
		mgr:      mgr,
		engine:   engine,
		registry: registry,
		logger:   logger,
	}, nil
}

// serveMetrics exposes the engine's registry at addr/metrics until Close.
func (e *engineEnv) serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{}))
	e.server = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := e.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.logger.Error("metrics server stopped", "addr", addr, "error", err)
		}
	}()
	e.logger.Info("serving metrics", "addr", addr)
}

func (e *engineEnv) Close() {
	if e.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		defer cancel()
		_ = e.server.Shutdown(ctx)
	}
	e.engine.Close()
	e.mgr.Close()
}
