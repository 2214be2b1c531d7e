package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS relay_accounts (
	id         TEXT PRIMARY KEY,
	fields     TEXT NOT NULL DEFAULT '{}',
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS relay_sessions (
	key        TEXT PRIMARY KEY,
	account_id TEXT NOT NULL,
	expires_at INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_relay_sessions_expires ON relay_sessions(expires_at);
`

// SQLiteStore persists accounts and session mappings in a local SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite store: create db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite store: open db: %w", err)
	}
	if _, err = db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite store: migrate: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) GetAccount(ctx context.Context, id string) (map[string]string, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT fields FROM relay_accounts WHERE id = ?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite store: get account: %w", err)
	}
	fields := map[string]string{}
	if err = json.Unmarshal([]byte(raw), &fields); err != nil {
		return nil, fmt.Errorf("sqlite store: decode account %s: %w", id, err)
	}
	return fields, nil
}

func (s *SQLiteStore) SetAccountFields(ctx context.Context, id string, fields map[string]string) error {
	if err := validateID("account", id); err != nil {
		return err
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("sqlite store: encode account: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO relay_accounts (id, fields, updated_at) VALUES (?, ?, ?)
ON CONFLICT(id) DO UPDATE SET fields = json_patch(relay_accounts.fields, excluded.fields), updated_at = excluded.updated_at`,
		id, string(raw), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("sqlite store: set account: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListAccountIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM relay_accounts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: list accounts: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var ids []string
	for rows.Next() {
		var id string
		if err = rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("sqlite store: list accounts: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteStore) GetSessionMapping(ctx context.Context, hash string) (string, error) {
	var accountID string
	err := s.db.QueryRowContext(ctx, `
SELECT account_id FROM relay_sessions
WHERE key = ? AND (expires_at = 0 OR expires_at > ?)`, SessionKey(hash), time.Now().UnixMilli()).Scan(&accountID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("sqlite store: get session: %w", err)
	}
	return accountID, nil
}

func (s *SQLiteStore) SetSessionMapping(ctx context.Context, hash, accountID string, ttl time.Duration) error {
	if err := validateID("session", hash); err != nil {
		return err
	}
	var expiresAt int64
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl).UnixMilli()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO relay_sessions (key, account_id, expires_at) VALUES (?, ?, ?)
ON CONFLICT(key) DO UPDATE SET account_id = excluded.account_id, expires_at = excluded.expires_at`,
		SessionKey(hash), accountID, expiresAt)
	if err != nil {
		return fmt.Errorf("sqlite store: set session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteSessionMapping(ctx context.Context, hash string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM relay_sessions WHERE key = ?`, SessionKey(hash)); err != nil {
		return fmt.Errorf("sqlite store: delete session: %w", err)
	}
	return nil
}

// PurgeExpiredSessions removes session rows whose TTL elapsed.
func (s *SQLiteStore) PurgeExpiredSessions(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM relay_sessions WHERE expires_at <> 0 AND expires_at <= ?`, time.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("sqlite store: purge sessions: %w", err)
	}
	return res.RowsAffected()
}
