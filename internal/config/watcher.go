package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// ToolsChangedFunc receives the tools section after a reload changed it.
type ToolsChangedFunc func(tools ToolsConfig)

// Watcher reloads the config file when it changes and reports new tool
// defaults. Other sections only take effect after a restart.
type Watcher struct {
	watcher            *fsnotify.Watcher
	loader             *Loader
	path               string
	stabilityThreshold time.Duration
	onToolsChanged     ToolsChangedFunc

	mu      sync.Mutex
	current ToolsConfig
	timer   *time.Timer

	done     chan struct{}
	stopOnce sync.Once
}

// WatcherConfig holds configuration for the watcher
type WatcherConfig struct {
	Loader             *Loader
	Initial            ToolsConfig
	StabilityThreshold time.Duration
	OnToolsChanged     ToolsChangedFunc
}

// NewWatcher creates a new config watcher
func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	if cfg.Loader == nil {
		return nil, fmt.Errorf("loader is required")
	}
	path := cfg.Loader.GetConfigPath()
	if path == "" {
		return nil, fmt.Errorf("config path is unknown")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	if cfg.StabilityThreshold == 0 {
		cfg.StabilityThreshold = 100 * time.Millisecond
	}

	return &Watcher{
		watcher:            watcher,
		loader:             cfg.Loader,
		path:               filepath.Clean(path),
		stabilityThreshold: cfg.StabilityThreshold,
		onToolsChanged:     cfg.OnToolsChanged,
		current:            cfg.Initial,
		done:               make(chan struct{}),
	}, nil
}

// Start starts watching. The directory is watched rather than the file so
// editors that replace the file on save are followed.
func (w *Watcher) Start() error {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch config directory: %w", err)
	}

	go w.eventLoop()

	log.Info().
		Str("path", w.path).
		Msg("Config watcher started")

	return nil
}

// Stop stops the watcher
func (w *Watcher) Stop() error {
	w.stopOnce.Do(func() {
		close(w.done)
	})

	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.mu.Unlock()

	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}

	log.Info().Msg("Config watcher stopped")
	return nil
}

func (w *Watcher) eventLoop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			w.debounce()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Config watcher error")

		case <-w.done:
			return
		}
	}
}

func (w *Watcher) debounce() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.stabilityThreshold, func() {
		select {
		case <-w.done:
			return
		default:
			w.reload()
		}
	})
}

// reload re-reads the file. Invalid files are ignored and the previous tool
// defaults stay in effect.
func (w *Watcher) reload() {
	cfg, err := w.loader.Load()
	if err != nil {
		log.Warn().Err(err).Str("path", w.path).Msg("Failed to reload config")
		return
	}
	if err := cfg.Validate(); err != nil {
		log.Warn().Err(err).Str("path", w.path).Msg("Ignoring invalid config")
		return
	}

	w.mu.Lock()
	changed := !reflect.DeepEqual(normalizeTools(w.current), normalizeTools(cfg.Tools))
	if changed {
		w.current = cfg.Tools
	}
	w.mu.Unlock()

	if !changed {
		return
	}

	log.Info().
		Strs("allowed", cfg.Tools.Allowed).
		Strs("disallowed", cfg.Tools.Disallowed).
		Bool("skip_permissions", cfg.Tools.SkipPermissions).
		Msg("Tool defaults reloaded")

	if w.onToolsChanged != nil {
		w.onToolsChanged(cfg.Tools)
	}
}

// Tools returns the tool defaults currently in effect.
func (w *Watcher) Tools() ToolsConfig {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

func normalizeTools(t ToolsConfig) ToolsConfig {
	if len(t.Allowed) == 0 {
		t.Allowed = nil
	}
	if len(t.Disallowed) == 0 {
		t.Disallowed = nil
	}
	return t
}
