package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultWatchInterval is how often a [Watcher] polls its file.
const DefaultWatchInterval = 5 * time.Second

// Watcher polls a config file and reports content changes that still form a
// valid configuration. Invalid edits are logged and ignored; the last valid
// config stays current.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config, d Diff)

	mu      sync.Mutex
	current *Config
	mtime   time.Time
	hash    [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithOnChange registers fn to run after every accepted reload. fn runs on
// the polling goroutine and may call [Watcher.Current].
func WithOnChange(fn func(old, new *Config, d Diff)) WatcherOption {
	return func(w *Watcher) { w.onChange = fn }
}

// NewWatcher loads path once and returns a watcher primed with the result.
// Polling starts with [Watcher.Run].
func NewWatcher(path string, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{path: path, interval: DefaultWatchInterval}
	for _, opt := range opts {
		opt(w)
	}
	cfg, snap, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current = cfg
	w.mtime, w.hash = snap.mtime, snap.hash
	return w, nil
}

// Current returns the most recently accepted config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run polls until ctx is cancelled and returns nil.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.Check()
		}
	}
}

// Check compares the file against the last accepted state and reloads it
// when the content changed. It reports whether a new config was accepted.
func (w *Watcher) Check() bool {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config: watcher cannot stat file", "path", w.path, "err", err)
		return false
	}
	w.mu.Lock()
	unchanged := info.ModTime().Equal(w.mtime)
	w.mu.Unlock()
	if unchanged {
		return false
	}

	cfg, snap, err := w.read()
	if err != nil {
		slog.Warn("config: watcher rejected new config", "path", w.path, "err", err)
		return false
	}

	w.mu.Lock()
	w.mtime = snap.mtime
	if snap.hash == w.hash {
		w.mu.Unlock()
		return false
	}
	old := w.current
	w.current = cfg
	w.hash = snap.hash
	w.mu.Unlock()

	d := Compare(old, cfg)
	slog.Info("config: reloaded", "path", w.path, "restart_required", d.RestartRequired)
	if w.onChange != nil {
		w.onChange(old, cfg, d)
	}
	return true
}

type fileState struct {
	mtime time.Time
	hash  [sha256.Size]byte
}

func (w *Watcher) read() (*Config, fileState, error) {
	f, err := os.Open(w.path)
	if err != nil {
		return nil, fileState{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fileState{}, err
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fileState{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fileState{}, err
	}
	return cfg, fileState{mtime: info.ModTime(), hash: sha256.Sum256(data)}, nil
}
