// Package watcher watches the configuration file and triggers hot reloads.
// It supports cross-platform fsnotify event handling.
package watcher

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/opendatalabs/databridge/internal/config"
	"github.com/opendatalabs/databridge/internal/logging"
	log "github.com/sirupsen/logrus"
)

const configReloadDebounce = 150 * time.Millisecond

// Watcher reloads the configuration file when its content changes.
type Watcher struct {
	configPath     string
	configDir      string
	reloadCallback func(*config.Config)
	watcher        *fsnotify.Watcher
	log            *log.Entry

	mu             sync.RWMutex
	config         *config.Config
	lastConfigHash string

	configReloadMu    sync.Mutex
	configReloadTimer *time.Timer
	debounce          time.Duration
}

// NewWatcher creates a watcher for configPath. reloadCallback receives every
// successfully parsed configuration whose content differs from the last one.
func NewWatcher(configPath string, reloadCallback func(*config.Config)) (*Watcher, error) {
	abs, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("watcher: resolve %s: %w", configPath, err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		configPath:     abs,
		configDir:      filepath.Dir(abs),
		reloadCallback: reloadCallback,
		watcher:        fsw,
		log:            logging.Component("watcher"),
		debounce:       configReloadDebounce,
	}, nil
}

// Start begins watching. The parent directory is watched so editors that replace the
// file through a rename keep triggering reloads.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(w.configDir); err != nil {
		w.log.Errorf("failed to watch config directory %s: %v", w.configDir, err)
		return err
	}
	w.log.Debugf("watching config file: %s", w.configPath)
	if hash, err := fileHash(w.configPath); err == nil {
		w.mu.Lock()
		if w.lastConfigHash == "" {
			w.lastConfigHash = hash
		}
		w.mu.Unlock()
	}
	go w.processEvents(ctx)
	return nil
}

// Stop stops the file watcher.
func (w *Watcher) Stop() error {
	w.stopConfigReloadTimer()
	return w.watcher.Close()
}

// SetConfig records the configuration currently in effect. It is the baseline for
// change logging on the next reload.
func (w *Watcher) SetConfig(cfg *config.Config) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.config = cfg
}

// Config returns the configuration currently in effect.
func (w *Watcher) Config() *config.Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.config
}

func (w *Watcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case errWatch, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Errorf("file watcher error: %v", errWatch)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	configOps := fsnotify.Write | fsnotify.Create | fsnotify.Rename
	if normalizePath(event.Name) != normalizePath(w.configPath) || event.Op&configOps == 0 {
		return
	}
	w.log.Debugf("config file event: %s %s", event.Op.String(), event.Name)
	w.scheduleConfigReload()
}
