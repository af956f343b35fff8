// config_reload.go implements debounced configuration hot reload.
// It detects content changes and hands the new configuration to the callback.
package watcher

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/opendatalabs/databridge/internal/config"
)

func (w *Watcher) stopConfigReloadTimer() {
	w.configReloadMu.Lock()
	if w.configReloadTimer != nil {
		w.configReloadTimer.Stop()
		w.configReloadTimer = nil
	}
	w.configReloadMu.Unlock()
}

func (w *Watcher) scheduleConfigReload() {
	w.configReloadMu.Lock()
	defer w.configReloadMu.Unlock()
	if w.configReloadTimer != nil {
		w.configReloadTimer.Stop()
	}
	w.configReloadTimer = time.AfterFunc(w.debounce, func() {
		w.configReloadMu.Lock()
		w.configReloadTimer = nil
		w.configReloadMu.Unlock()
		w.reloadConfigIfChanged()
	})
}

func (w *Watcher) reloadConfigIfChanged() {
	data, err := os.ReadFile(w.configPath)
	if err != nil {
		w.log.Errorf("failed to read config file for hash check: %v", err)
		return
	}
	if len(data) == 0 {
		w.log.Debug("ignoring empty config file write event")
		return
	}
	newHash := contentHash(data)

	w.mu.RLock()
	currentHash := w.lastConfigHash
	w.mu.RUnlock()
	if currentHash != "" && currentHash == newHash {
		w.log.Debug("config file content unchanged (hash match), skipping reload")
		return
	}

	w.log.Infof("config file changed, reloading: %s", w.configPath)
	if w.reloadConfig() {
		w.mu.Lock()
		w.lastConfigHash = newHash
		w.mu.Unlock()
	}
}

func (w *Watcher) reloadConfig() bool {
	newConfig, err := config.LoadConfig(w.configPath)
	if err != nil {
		w.log.Errorf("failed to reload config: %v", err)
		return false
	}

	w.mu.Lock()
	oldConfig := w.config
	w.config = newConfig
	w.mu.Unlock()

	if oldConfig != nil {
		details := BuildConfigChangeDetails(oldConfig, newConfig)
		if len(details) == 0 {
			w.log.Debug("no material config field changes detected")
		}
		for _, d := range details {
			w.log.Debugf("  %s", d)
		}
	}

	if w.reloadCallback != nil {
		w.reloadCallback(newConfig)
	}
	w.log.Info("config successfully reloaded")
	return true
}

func fileHash(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return contentHash(data), nil
}

func contentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func normalizePath(path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return ""
	}
	cleaned := filepath.Clean(trimmed)
	if runtime.GOOS == "windows" {
		cleaned = strings.TrimPrefix(cleaned, `\\?\`)
		cleaned = strings.ToLower(cleaned)
	}
	return cleaned
}
