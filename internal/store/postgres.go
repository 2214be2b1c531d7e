package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS relay_accounts (
	id         TEXT PRIMARY KEY,
	fields     JSONB NOT NULL DEFAULT '{}'::jsonb,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS relay_sessions (
	key        TEXT PRIMARY KEY,
	account_id TEXT NOT NULL,
	expires_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_relay_sessions_expires ON relay_sessions(expires_at);
`

// PostgresStore persists accounts and session mappings in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn and ensures the schema exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: connect: %w", err)
	}
	if err = pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	if _, err = pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) GetAccount(ctx context.Context, id string) (map[string]string, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT fields FROM relay_accounts WHERE id = $1`, id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres store: get account: %w", err)
	}
	fields := map[string]string{}
	if err = json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("postgres store: decode account %s: %w", id, err)
	}
	return fields, nil
}

func (s *PostgresStore) SetAccountFields(ctx context.Context, id string, fields map[string]string) error {
	if err := validateID("account", id); err != nil {
		return err
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("postgres store: encode account: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO relay_accounts (id, fields, updated_at) VALUES ($1, $2::jsonb, NOW())
ON CONFLICT (id) DO UPDATE SET fields = relay_accounts.fields || EXCLUDED.fields, updated_at = NOW()`, id, string(raw))
	if err != nil {
		return fmt.Errorf("postgres store: set account: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAccountIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM relay_accounts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list accounts: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("postgres store: list accounts: %w", err)
	}
	return ids, nil
}

func (s *PostgresStore) GetSessionMapping(ctx context.Context, hash string) (string, error) {
	var accountID string
	err := s.pool.QueryRow(ctx, `
SELECT account_id FROM relay_sessions
WHERE key = $1 AND (expires_at IS NULL OR expires_at > NOW())`, SessionKey(hash)).Scan(&accountID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("postgres store: get session: %w", err)
	}
	return accountID, nil
}

func (s *PostgresStore) SetSessionMapping(ctx context.Context, hash, accountID string, ttl time.Duration) error {
	if err := validateID("session", hash); err != nil {
		return err
	}
	var expiresAt *time.Time
	if ttl > 0 {
		t := time.Now().Add(ttl)
		expiresAt = &t
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO relay_sessions (key, account_id, expires_at) VALUES ($1, $2, $3)
ON CONFLICT (key) DO UPDATE SET account_id = EXCLUDED.account_id, expires_at = EXCLUDED.expires_at`,
		SessionKey(hash), accountID, expiresAt)
	if err != nil {
		return fmt.Errorf("postgres store: set session: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteSessionMapping(ctx context.Context, hash string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM relay_sessions WHERE key = $1`, SessionKey(hash)); err != nil {
		return fmt.Errorf("postgres store: delete session: %w", err)
	}
	return nil
}

// PurgeExpiredSessions removes session rows whose TTL elapsed.
func (s *PostgresStore) PurgeExpiredSessions(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM relay_sessions WHERE expires_at IS NOT NULL AND expires_at <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("postgres store: purge sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}
