// Package cmd provides the ctxsync command line interface.
package cmd

import (
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/adalundhe/ctxsync/core/config"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "ctxsync",
	Short: "ctxsync - versioned shared context for concurrent agents",
	Long: `ctxsync drives an in-process context synchronization engine.

Agents write partial updates to one shared key/value context. Every write
becomes a full, immutable version; conflicting writes are detected against
other agents' recent and pending versions and resolved by strategy.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file layered over the user and local config")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error); overrides config")
}

func Execute() error {
	return rootCmd.Execute()
}

// loadConfig builds a manager over the default layers plus --config and
// loads it once.
func loadConfig(logger *slog.Logger) (*config.Manager, error) {
	mgr := config.NewManager(logger, config.DefaultLayers(configPath)...)
	if err := mgr.Load(); err != nil {
		return nil, err
	}
	return mgr, nil
}

// newLogger writes text logs to w. An empty or unknown level falls back to
// fallback.
func newLogger(w io.Writer, level, fallback string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		if err := lvl.UnmarshalText([]byte(fallback)); err != nil {
			lvl = slog.LevelInfo
		}
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
}
