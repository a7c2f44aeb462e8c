package synchronizer

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/adalundhe/ctxsync/core/config"
	"github.com/adalundhe/ctxsync/core/conflict"
)

// Options configures a Synchronizer. Zero values fall back to the
// package defaults of the component they size.
type Options struct {
	HistoryCapacity     int
	DetectionWindow     int
	LockTimeout         time.Duration
	ResolvedArchiveSize int
	LatencySamples      int
	Priorities          map[string]int
	StrategyRules       []conflict.Rule
	MetricsNamespace    string

	// Registerer receives the engine's Prometheus series. Nil leaves them
	// unregistered.
	Registerer prometheus.Registerer
	Logger     *slog.Logger
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		HistoryCapacity:     cfg.HistoryCapacity,
		DetectionWindow:     cfg.DetectionWindow,
		LockTimeout:         cfg.LockTimeout,
		ResolvedArchiveSize: cfg.ResolvedArchiveSize,
		LatencySamples:      cfg.LatencySamples,
		Priorities:          cfg.Priorities,
		StrategyRules:       cfg.StrategyRules,
		MetricsNamespace:    cfg.Metrics.Namespace,
	}
}
