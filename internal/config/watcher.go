package config

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultWatchInterval is how often a [Watcher] checks its file.
const DefaultWatchInterval = 5 * time.Second

// ErrUnchanged is returned by [Watcher.Reload] when the file content matches
// the active configuration.
var ErrUnchanged = errors.New("config: unchanged")

// stamp identifies one observed version of the file. Size and mtime gate the
// cheap check; the content hash decides whether a reload happened.
type stamp struct {
	size  int64
	mtime time.Time
	sum   [sha256.Size]byte
}

// Watcher keeps a configuration file in sync with the running process. It
// polls the file and also reloads on demand (murmur serve calls [Watcher.Reload]
// on SIGHUP). Edits that fail to parse or validate are logged and the
// previous configuration stays active.
type Watcher struct {
	path     string
	interval time.Duration
	apply    func(old, new *Config)
	parse    func([]byte) (*Config, error)
	log      *slog.Logger

	// reloadMu serialises whole reloads so apply sees configs in order.
	reloadMu sync.Mutex

	mu      sync.Mutex
	current *Config
	seen    stamp

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Zero or negative disables polling,
// leaving only [Watcher.Reload].
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.interval = d }
}

// WithEnv re-applies the MURMUR_* environment on every reload, matching [Load].
func WithEnv() WatcherOption {
	return func(w *Watcher) {
		w.parse = func(data []byte) (*Config, error) {
			cfg, err := decode(bytes.NewReader(data))
			if err != nil {
				return nil, err
			}
			return finish(cfg)
		}
	}
}

// WithWatcherLogger sets the logger. Defaults to slog.Default.
func WithWatcherLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) { w.log = l }
}

// NewWatcher loads the config at path and, unless polling is disabled, starts
// checking it in the background. apply receives every accepted change and may
// be nil.
func NewWatcher(path string, apply func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		apply:    apply,
		parse: func(data []byte) (*Config, error) {
			return LoadFromReader(bytes.NewReader(data))
		},
		log:  slog.Default(),
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, st, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %q: %w", path, err)
	}
	w.current, w.seen = cfg, st

	if w.interval > 0 {
		w.wg.Add(1)
		go w.poll()
	}
	return w, nil
}

// Current returns the active configuration.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Reload reads the file now. It returns [ErrUnchanged] when the content is
// identical to the active config and the parse or validation error when the
// new content is rejected; in both cases nothing is applied.
func (w *Watcher) Reload() error {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()

	cfg, st, err := w.read()
	if err != nil {
		// Remember the stamp so polling does not report the same bad edit
		// on every tick.
		if info, statErr := os.Stat(w.path); statErr == nil {
			w.mu.Lock()
			w.seen.size, w.seen.mtime = info.Size(), info.ModTime()
			w.mu.Unlock()
		}
		return err
	}

	w.mu.Lock()
	if st.sum == w.seen.sum {
		w.seen = st
		w.mu.Unlock()
		return ErrUnchanged
	}
	old := w.current
	w.current, w.seen = cfg, st
	w.mu.Unlock()

	w.log.Info("configuration reloaded", "path", w.path)
	if w.apply != nil {
		w.apply(old, cfg)
	}
	return nil
}

// Stop ends polling and waits for an in-flight check. Safe to call more than
// once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
	w.wg.Wait()
}

func (w *Watcher) poll() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			if !w.touched() {
				continue
			}
			if err := w.Reload(); err != nil && !errors.Is(err, ErrUnchanged) {
				w.log.Warn("config reload rejected, keeping previous config", "path", w.path, "err", err)
			}
		}
	}
}

// touched reports whether the file's size or mtime moved since the last read.
func (w *Watcher) touched() bool {
	info, err := os.Stat(w.path)
	if err != nil {
		w.log.Warn("config watcher: cannot stat file", "path", w.path, "err", err)
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return info.Size() != w.seen.size || !info.ModTime().Equal(w.seen.mtime)
}

func (w *Watcher) read() (*Config, stamp, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, stamp{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, stamp{}, err
	}
	cfg, err := w.parse(data)
	if err != nil {
		return nil, stamp{}, err
	}
	return cfg, stamp{size: info.Size(), mtime: info.ModTime(), sum: sha256.Sum256(data)}, nil
}
