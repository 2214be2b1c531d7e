// Package store provides the shared key-value store holding upstream account
// records and session affinity mappings. Every operation touches a single key;
// callers never rely on multi-key transactions.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when an account or live session mapping is absent.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence contract shared by the memory, PostgreSQL and SQLite backends.
//
// Account records are flat string field maps so partial updates (a token refresh,
// a last-used stamp) merge into the stored record instead of replacing it.
type Store interface {
	Ping(ctx context.Context) error
	Close() error

	GetAccount(ctx context.Context, id string) (map[string]string, error)
	SetAccountFields(ctx context.Context, id string, fields map[string]string) error
	ListAccountIDs(ctx context.Context) ([]string, error)

	GetSessionMapping(ctx context.Context, hash string) (string, error)
	SetSessionMapping(ctx context.Context, hash, accountID string, ttl time.Duration) error
	DeleteSessionMapping(ctx context.Context, hash string) error
}

// SessionKey is the store key of a session mapping.
func SessionKey(hash string) string {
	return "session:" + hash
}

func validateID(kind, id string) error {
	if id == "" {
		return fmt.Errorf("store: empty %s id", kind)
	}
	return nil
}

func copyFields(fields map[string]string) map[string]string {
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}
