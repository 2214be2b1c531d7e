package usage

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"
)

const persistenceVersion = 1

type persistedStatistics struct {
	Version int                `json:"version"`
	SavedAt time.Time          `json:"saved_at"`
	Usage   StatisticsSnapshot `json:"usage"`
}

// PersistenceManager saves statistics to a JSON file periodically and on shutdown.
type PersistenceManager struct {
	stats        *RequestStatistics
	filePath     string
	saveInterval time.Duration
}

// NewPersistenceManager persists stats to filePath every saveInterval.
func NewPersistenceManager(stats *RequestStatistics, filePath string, saveInterval time.Duration) *PersistenceManager {
	if saveInterval <= 0 {
		saveInterval = 5 * time.Minute
	}
	return &PersistenceManager{stats: stats, filePath: filePath, saveInterval: saveInterval}
}

// Run loads existing statistics, then saves on every tick until ctx ends,
// finishing with a final save.
func (m *PersistenceManager) Run(ctx context.Context) error {
	if m == nil || m.filePath == "" {
		return nil
	}
	if err := m.Load(); err != nil {
		log.WithError(err).Warn("failed to load existing usage statistics")
	}

	ticker := time.NewTicker(m.saveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := m.Save(); err != nil {
				log.WithError(err).Warn("periodic usage statistics save failed")
			} else {
				log.Debug("usage statistics saved to disk")
			}
		case <-ctx.Done():
			if err := m.Save(); err != nil {
				log.WithError(err).Error("failed to save usage statistics on shutdown")
			}
			return nil
		}
	}
}

// Save writes the current statistics through a temp file and rename.
func (m *PersistenceManager) Save() error {
	if m == nil || m.stats == nil || m.filePath == "" {
		return nil
	}
	data, err := json.MarshalIndent(persistedStatistics{
		Version: persistenceVersion,
		SavedAt: time.Now().UTC(),
		Usage:   m.stats.Snapshot(),
	}, "", "  ")
	if err != nil {
		return err
	}
	if err = os.MkdirAll(filepath.Dir(m.filePath), 0o755); err != nil {
		return err
	}
	tmpPath := m.filePath + ".tmp"
	if err = os.WriteFile(tmpPath, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmpPath, m.filePath)
}

// Load merges statistics from disk; a missing file is not an error.
func (m *PersistenceManager) Load() error {
	if m == nil || m.stats == nil || m.filePath == "" {
		return nil
	}
	data, err := os.ReadFile(m.filePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var payload persistedStatistics
	if err = json.Unmarshal(data, &payload); err != nil {
		return err
	}
	result := m.stats.MergeSnapshot(payload.Usage)
	log.WithFields(log.Fields{
		"added":    result.Added,
		"skipped":  result.Skipped,
		"file":     m.filePath,
		"saved_at": payload.SavedAt,
	}).Info("loaded usage statistics from disk")
	return nil
}

// FilePath returns the persistence target.
func (m *PersistenceManager) FilePath() string {
	if m == nil {
		return ""
	}
	return m.filePath
}
