package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// SettleDelay is how long the file must stay unchanged before it is
// reloaded. Saving usually truncates and then writes, each with its own event.
const SettleDelay = 100 * time.Millisecond

// Watcher keeps a validated configuration current while the file changes,
// for the long-running serve mode.
type Watcher struct {
	path     string
	onChange func(*Config)
	logger   *slog.Logger
	fsw      *fsnotify.Watcher

	mu  sync.RWMutex
	cfg *Config

	done    chan struct{}
	stopped chan struct{}
}

// NewWatcher loads and validates path and starts watching it. onChange may
// be nil.
func NewWatcher(path string, onChange func(*Config), logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Editors replace the file, so watch the directory.
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{
		path:     path,
		onChange: onChange,
		logger:   logger.With(slog.String("path", path)),
		fsw:      fsw,
		cfg:      cfg,
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go w.watch()
	return w, nil
}

// Config returns the current configuration. Callers must not modify it.
func (w *Watcher) Config() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.cfg
}

func (w *Watcher) watch() {
	defer close(w.stopped)
	name := filepath.Base(w.path)

	settle := time.NewTimer(SettleDelay)
	settle.Stop()
	defer settle.Stop()

	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) == name && ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				settle.Reset(SettleDelay)
			}
		case <-settle.C:
			w.reload()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", slog.String("error", err.Error()))
		}
	}
}

// reload swaps in the file's configuration. An empty file is a save in
// progress and is skipped; a file that does not parse or validate keeps
// the previous configuration.
func (w *Watcher) reload() {
	data, err := os.ReadFile(w.path)
	if err != nil {
		w.logger.Error("failed to read config", slog.String("error", err.Error()))
		return
	}
	if len(bytes.TrimSpace(data)) == 0 {
		w.logger.Debug("config file is empty, keeping current config")
		return
	}
	cfg, err := Parse(data)
	if err != nil {
		w.logger.Error("failed to reload config", slog.String("error", err.Error()))
		return
	}
	if err := cfg.Validate(); err != nil {
		w.logger.Error("invalid config after reload", slog.String("error", err.Error()))
		return
	}

	w.mu.Lock()
	w.cfg = cfg
	w.mu.Unlock()

	w.logger.Info("config reloaded", slog.String("target", cfg.Net.Target))
	if w.onChange != nil {
		w.onChange(cfg)
	}
}

// Close stops watching and waits for the watch goroutine.
func (w *Watcher) Close() error {
	close(w.done)
	err := w.fsw.Close()
	<-w.stopped
	return err
}
