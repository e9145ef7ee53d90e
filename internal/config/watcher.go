package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// ReloadFunc receives what changed and the newly active configuration.
type ReloadFunc func(d ConfigDiff, cfg *Config)

// Watcher re-reads a config file and hands every effective change to a
// [ReloadFunc]. Files that fail to parse or validate are logged and ignored;
// the last good configuration stays active.
type Watcher struct {
	path     string
	interval time.Duration
	kick     <-chan os.Signal
	onReload ReloadFunc
	logger   *slog.Logger

	mu      sync.Mutex
	current *Config
	sum     [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithReloadSignal makes [Watcher.Run] poll immediately whenever a value
// arrives on ch, typically SIGHUP.
func WithReloadSignal(ch <-chan os.Signal) WatcherOption {
	return func(w *Watcher) { w.kick = ch }
}

// WithWatcherLogger sets the logger for reload events. Defaults to slog.Default().
func WithWatcherLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) { w.logger = l }
}

// NewWatcher loads path and returns a Watcher for it. Polling starts with
// [Watcher.Run].
func NewWatcher(path string, onReload ReloadFunc, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		onReload: onReload,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, sum, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current, w.sum = cfg, sum
	return w, nil
}

// Current returns the active configuration.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run polls until ctx is done.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-w.kick:
			w.logger.Info("config reload requested", "path", w.path)
		}
		if _, err := w.Poll(); err != nil {
			w.logger.Warn("config reload rejected; keeping previous configuration", "path", w.path, "err", err)
		}
	}
}

// Poll reads the file once. It returns the zero ConfigDiff when the content
// is unchanged or only its formatting moved, and an error when the new
// content is invalid. The ReloadFunc runs only for effective changes.
func (w *Watcher) Poll() (ConfigDiff, error) {
	cfg, sum, err := w.read()
	if err != nil {
		return ConfigDiff{}, err
	}

	w.mu.Lock()
	if sum == w.sum {
		w.mu.Unlock()
		return ConfigDiff{}, nil
	}
	d := Diff(w.current, cfg)
	w.current, w.sum = cfg, sum
	w.mu.Unlock()

	if !d.Changed() {
		return d, nil
	}
	w.logger.Info("configuration reloaded", "path", w.path,
		"log_level_changed", d.LogLevelChanged,
		"segmentation_changed", d.SegmentationChanged,
		"restart_required", d.RestartRequired,
	)
	// Outside the lock so the callback may call Current.
	if w.onReload != nil {
		w.onReload(d, cfg)
	}
	return d, nil
}

func (w *Watcher) read() (*Config, [sha256.Size]byte, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, [sha256.Size]byte{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, [sha256.Size]byte{}, err
	}
	return cfg, sha256.Sum256(data), nil
}
