package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/adalundhe/ctxsync/core/conflict"
	"github.com/adalundhe/ctxsync/core/metrics"
	"github.com/adalundhe/ctxsync/core/versioning"
)

const (
	AppName       = "ctxsync"
	EnvPrefix     = "CTXSYNC_"
	LocalFileName = ".ctxsync.yaml"
)

var ErrManagerClosed = errors.New("config manager closed")

var validate = validator.New()

type Config struct {
	HistoryCapacity     int             `yaml:"history_capacity" validate:"gte=1"`
	DetectionWindow     int             `yaml:"detection_window" validate:"gte=1"`
	LockTimeout         time.Duration   `yaml:"lock_timeout" validate:"gte=0"`
	ResolvedArchiveSize int             `yaml:"resolved_archive_size" validate:"gte=1"`
	LatencySamples      int             `yaml:"latency_samples" validate:"gte=1"`
	Priorities          map[string]int  `yaml:"priorities" validate:"dive,keys,required,endkeys,min=1,max=10"`
	StrategyRules       []conflict.Rule `yaml:"strategy_rules" validate:"dive"`
	Metrics             MetricsConfig   `yaml:"metrics"`
	Log                 LogConfig       `yaml:"log"`
}

type MetricsConfig struct {
	Namespace string `yaml:"namespace" validate:"required,excludesall=- ."`
}

type LogConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
}

func DefaultConfig() *Config {
	return &Config{
		HistoryCapacity:     versioning.DefaultHistoryCapacity,
		DetectionWindow:     conflict.DefaultWindowSize,
		LockTimeout:         0,
		ResolvedArchiveSize: conflict.DefaultArchiveSize,
		LatencySamples:      metrics.DefaultLatencySamples,
		Priorities:          map[string]int{},
		StrategyRules:       []conflict.Rule{},
		Metrics:             MetricsConfig{Namespace: metrics.DefaultNamespace},
		Log:                 LogConfig{Level: "info"},
	}
}

// Validate checks field constraints and compiles the strategy rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := conflict.NewChooser(c.StrategyRules); err != nil {
		return fmt.Errorf("invalid config: strategy_rules: %w", err)
	}
	return nil
}

func (c *Config) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// Layer is one YAML file in the load order. Missing optional layers are
// skipped; a missing required layer fails the load.
type Layer struct {
	Path     string
	Required bool
}

// DefaultLayers returns the user config file, the working directory's
// local file, and explicit (when non-empty), lowest precedence first.
func DefaultLayers(explicit string) []Layer {
	var layers []Layer
	if dir, err := os.UserConfigDir(); err == nil {
		layers = append(layers, Layer{Path: filepath.Join(dir, AppName, "config.yaml")})
	}
	layers = append(layers, Layer{Path: LocalFileName})
	if explicit != "" {
		layers = append(layers, Layer{Path: explicit, Required: true})
	}
	return layers
}

type Manager struct {
	current   atomic.Pointer[Config]
	layers    []Layer
	logger    *slog.Logger
	watchers  []func(*Config)
	watcherMu sync.RWMutex

	mu        sync.Mutex
	fsw       *fsnotify.Watcher
	stopWatch chan struct{}
	watchDone chan struct{}
	watchOnce sync.Once
	closed    bool
}

func NewManager(logger *slog.Logger, layers ...Layer) *Manager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	m := &Manager{
		layers:    layers,
		logger:    logger,
		stopWatch: make(chan struct{}),
	}
	m.current.Store(DefaultConfig())
	return m
}

func (m *Manager) Get() *Config {
	return m.current.Load()
}

// Load rebuilds the config from defaults, every layer in order, and the
// environment. An invalid result leaves the previous config in place.
func (m *Manager) Load() error {
	cfg := DefaultConfig()

	for _, l := range m.layers {
		if err := loadYAMLFile(l, cfg); err != nil {
			return fmt.Errorf("load %s: %w", l.Path, err)
		}
	}

	if err := applyEnvironment(cfg); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	m.current.Store(cfg)
	m.notifyWatchers(cfg)
	return nil
}

func loadYAMLFile(l Layer, cfg *Config) error {
	data, err := os.ReadFile(l.Path)
	if os.IsNotExist(err) && !l.Required {
		return nil
	}
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func applyEnvironment(cfg *Config) error {
	ints := map[string]*int{
		"HISTORY_CAPACITY":      &cfg.HistoryCapacity,
		"DETECTION_WINDOW":      &cfg.DetectionWindow,
		"RESOLVED_ARCHIVE_SIZE": &cfg.ResolvedArchiveSize,
		"LATENCY_SAMPLES":       &cfg.LatencySamples,
	}
	for name, dst := range ints {
		v := os.Getenv(EnvPrefix + name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
		}
		*dst = n
	}

	if v := os.Getenv(EnvPrefix + "LOCK_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%sLOCK_TIMEOUT: %w", EnvPrefix, err)
		}
		cfg.LockTimeout = d
	}
	if v := os.Getenv(EnvPrefix + "METRICS_NAMESPACE"); v != "" {
		cfg.Metrics.Namespace = v
	}
	if v := os.Getenv(EnvPrefix + "LOG_LEVEL"); v != "" {
		cfg.Log.Level = strings.ToLower(v)
	}
	return nil
}

func (m *Manager) OnChange(fn func(*Config)) {
	m.watcherMu.Lock()
	m.watchers = append(m.watchers, fn)
	m.watcherMu.Unlock()
}

func (m *Manager) notifyWatchers(cfg *Config) {
	m.watcherMu.RLock()
	watchers := m.watchers
	m.watcherMu.RUnlock()

	for _, fn := range watchers {
		fn(cfg)
	}
}

func (m *Manager) Reload() error {
	return m.Load()
}

// Watch reloads the config whenever one of the layer files changes. The
// parent directories are watched so editors that replace files are seen.
// Reload failures are logged and the previous config is kept.
func (m *Manager) Watch(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrManagerClosed
	}
	if m.fsw != nil {
		return nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	targets := make(map[string]struct{}, len(m.layers))
	dirs := make(map[string]struct{})
	for _, l := range m.layers {
		abs, err := filepath.Abs(l.Path)
		if err != nil {
			continue
		}
		targets[abs] = struct{}{}
		dirs[filepath.Dir(abs)] = struct{}{}
	}
	for dir := range dirs {
		if _, err := os.Stat(dir); err != nil {
			continue
		}
		if err := fsw.Add(dir); err != nil {
			fsw.Close()
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
	}

	m.fsw = fsw
	m.watchDone = make(chan struct{})
	go m.watchLoop(ctx, fsw, targets)
	return nil
}

func (m *Manager) watchLoop(ctx context.Context, fsw *fsnotify.Watcher, targets map[string]struct{}) {
	defer close(m.watchDone)
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopWatch:
			return
		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			m.handleEvent(event, targets)
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			m.logger.Warn("config watcher error", "error", err)
		}
	}
}

func (m *Manager) handleEvent(event fsnotify.Event, targets map[string]struct{}) {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
		return
	}
	abs, err := filepath.Abs(event.Name)
	if err != nil {
		return
	}
	if _, ok := targets[abs]; !ok {
		return
	}
	if err := m.Reload(); err != nil {
		m.logger.Warn("config reload failed, keeping previous config", "path", abs, "error", err)
		return
	}
	m.logger.Info("config reloaded", "path", abs)
}

func (m *Manager) Close() error {
	m.watchOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		fsw, done := m.fsw, m.watchDone
		m.mu.Unlock()

		close(m.stopWatch)
		if fsw != nil {
			<-done
			fsw.Close()
		}
	})
	return nil
}
