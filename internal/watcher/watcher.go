// Package watcher reloads the relay configuration when config.yaml changes
// on disk. Only settings that can change at runtime are applied by the
// reload callback; the rest take effect on restart.
package watcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/router-for-me/claude-relay/internal/config"
	"github.com/router-for-me/claude-relay/internal/logging"
	log "github.com/sirupsen/logrus"
)

const configReloadDebounce = 150 * time.Millisecond

// Watcher watches the configuration file.
type Watcher struct {
	configPath     string
	reloadCallback func(*config.Config)
	watcher        *fsnotify.Watcher

	mu                sync.Mutex
	lastConfigHash    string
	configReloadTimer *time.Timer
}

// NewWatcher creates a watcher for configPath. reloadCallback receives every
// successfully parsed new configuration.
func NewWatcher(configPath string, reloadCallback func(*config.Config)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	absPath, errAbs := filepath.Abs(configPath)
	if errAbs != nil {
		absPath = configPath
	}
	w := &Watcher{
		configPath:     absPath,
		reloadCallback: reloadCallback,
		watcher:        fsw,
	}
	if data, errRead := os.ReadFile(absPath); errRead == nil {
		w.lastConfigHash = hashOf(data)
	}
	return w, nil
}

// Run watches until ctx is done. The parent directory is watched so that
// editors replacing the file by rename are still seen.
func (w *Watcher) Run(ctx context.Context) error {
	dir := filepath.Dir(w.configPath)
	if err := w.watcher.Add(dir); err != nil {
		log.Errorf("failed to watch config directory %s: %v", dir, err)
		return err
	}
	log.Debugf("watching config file: %s", w.configPath)
	defer func() {
		w.stopConfigReloadTimer()
		if errClose := w.watcher.Close(); errClose != nil {
			log.Errorf("failed to close config watcher: %v", errClose)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handleEvent(event)
		case errWatch, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			log.Errorf("file watcher error: %v", errWatch)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.configPath {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return
	}
	log.Debugf("config file event: %s", event.Op.String())
	w.scheduleConfigReload()
}

func (w *Watcher) scheduleConfigReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.configReloadTimer != nil {
		w.configReloadTimer.Stop()
	}
	w.configReloadTimer = time.AfterFunc(configReloadDebounce, func() {
		w.mu.Lock()
		w.configReloadTimer = nil
		w.mu.Unlock()
		w.reloadConfigIfChanged()
	})
}

func (w *Watcher) stopConfigReloadTimer() {
	w.mu.Lock()
	if w.configReloadTimer != nil {
		w.configReloadTimer.Stop()
		w.configReloadTimer = nil
	}
	w.mu.Unlock()
}

func (w *Watcher) reloadConfigIfChanged() {
	data, err := os.ReadFile(w.configPath)
	if err != nil {
		log.Errorf("failed to read config file for hash check: %v", err)
		return
	}
	if len(data) == 0 {
		log.Debugf("ignoring empty config file write event")
		return
	}
	newHash := hashOf(data)

	w.mu.Lock()
	unchanged := w.lastConfigHash == newHash
	w.mu.Unlock()
	if unchanged {
		log.Debugf("config file content unchanged (hash match), skipping reload")
		return
	}

	newConfig, errLoad := config.LoadConfig(w.configPath)
	if errLoad != nil {
		log.Errorf("failed to reload config: %v", errLoad)
		return
	}
	w.mu.Lock()
	w.lastConfigHash = newHash
	w.mu.Unlock()

	logging.SetLevel(newConfig.Debug)
	log.Infof("config file changed, reloaded %s", w.configPath)
	if w.reloadCallback != nil {
		w.reloadCallback(newConfig)
	}
}

func hashOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
