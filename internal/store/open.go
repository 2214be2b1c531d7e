package store

import (
	"context"
	"fmt"
	"time"

	"github.com/router-for-me/claude-relay/internal/config"
	log "github.com/sirupsen/logrus"
)

// Open builds the backend selected by cfg.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch cfg.Type {
	case "", config.StoreMemory:
		return NewMemoryStore(), nil
	case config.StorePostgres:
		return NewPostgresStore(ctx, cfg.DSN)
	case config.StoreSQLite:
		return NewSQLiteStore(cfg.Path)
	default:
		return nil, fmt.Errorf("store: unknown backend %q", cfg.Type)
	}
}

type memoryEvicter interface {
	EvictExpired() int
}

type sessionPurger interface {
	PurgeExpiredSessions(ctx context.Context) (int64, error)
}

// RunJanitor evicts expired session mappings every interval until ctx is done.
func RunJanitor(ctx context.Context, s Store, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			var removed int64
			switch backend := s.(type) {
			case memoryEvicter:
				removed = int64(backend.EvictExpired())
			case sessionPurger:
				n, err := backend.PurgeExpiredSessions(ctx)
				if err != nil {
					log.Warnf("store: purge expired sessions: %v", err)
					continue
				}
				removed = n
			default:
				return nil
			}
			if removed > 0 {
				log.Debugf("store: evicted %d expired session mappings", removed)
			}
		}
	}
}
