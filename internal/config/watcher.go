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

// DefaultWatchInterval is the poll interval used when none is given.
const DefaultWatchInterval = 5 * time.Second

// Watcher polls a config file and reports validated changes. Invalid edits
// are logged and skipped; the last valid config stays current.
type Watcher struct {
	path     string
	interval time.Duration

	mu      sync.Mutex
	current *Config
	stamp   fileStamp
}

// fileStamp identifies one version of the file on disk.
type fileStamp struct {
	mtime time.Time
	size  int64
	sum   [sha256.Size]byte
}

// NewWatcher loads path once and returns a watcher for it. interval <= 0
// selects [DefaultWatchInterval].
func NewWatcher(path string, interval time.Duration) (*Watcher, error) {
	if interval <= 0 {
		interval = DefaultWatchInterval
	}
	cfg, stamp, err := readStamped(path)
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	return &Watcher{path: path, interval: interval, current: cfg, stamp: stamp}, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Reload checks the file once. It returns the previous and new config with
// changed=true when the content differs from the last valid version and
// passes validation. A touched but identical file reports no change.
func (w *Watcher) Reload() (old, new *Config, changed bool, err error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, nil, false, err
	}

	w.mu.Lock()
	last := w.stamp
	w.mu.Unlock()
	if info.ModTime().Equal(last.mtime) && info.Size() == last.size {
		return nil, nil, false, nil
	}

	cfg, stamp, err := readStamped(w.path)
	if err != nil {
		return nil, nil, false, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if stamp.sum == w.stamp.sum {
		w.stamp = stamp
		return nil, nil, false, nil
	}
	old = w.current
	w.current = cfg
	w.stamp = stamp
	return old, cfg, true, nil
}

// Watch polls until ctx is done, calling onChange from the polling goroutine
// after each accepted change.
func (w *Watcher) Watch(ctx context.Context, onChange func(old, new *Config)) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		old, cfg, changed, err := w.Reload()
		if err != nil {
			slog.Warn("config reload rejected, keeping previous config", "path", w.path, "err", err)
			continue
		}
		if !changed {
			continue
		}
		slog.Info("config reloaded", "path", w.path)
		if onChange != nil {
			onChange(old, cfg)
		}
	}
}

func readStamped(path string) (*Config, fileStamp, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fileStamp{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fileStamp{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fileStamp{}, err
	}
	return cfg, fileStamp{
		mtime: info.ModTime(),
		size:  info.Size(),
		sum:   sha256.Sum256(data),
	}, nil
}
