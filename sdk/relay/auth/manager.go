package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/router-for-me/claude-relay/internal/interfaces"
	"github.com/router-for-me/claude-relay/internal/store"
	log "github.com/sirupsen/logrus"
)

// DefaultSessionTTL bounds how long a session stays pinned to one account.
const DefaultSessionTTL = time.Hour

// Manager reads and writes account records and session mappings in the shared store.
// It holds no in-process lock; every store call touches a single key.
type Manager struct {
	store      store.Store
	sessionTTL time.Duration
	now        func() time.Time
}

// NewManager returns a Manager over st. A non-positive sessionTTL uses DefaultSessionTTL.
func NewManager(st store.Store, sessionTTL time.Duration) *Manager {
	if sessionTTL <= 0 {
		sessionTTL = DefaultSessionTTL
	}
	return &Manager{store: st, sessionTTL: sessionTTL, now: time.Now}
}

// Store exposes the backing store.
func (m *Manager) Store() store.Store { return m.store }

// GetAccount loads one account; a missing record yields AccountNotFound.
func (m *Manager) GetAccount(ctx context.Context, id string) (*Account, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, interfaces.NewError(interfaces.ErrorKindAccountNotFound, "empty account id")
	}
	fields, err := m.store.GetAccount(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, interfaces.NewError(interfaces.ErrorKindAccountNotFound, "account %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("load account %s: %w", id, err)
	}
	return decodeAccount(id, fields), nil
}

// ListAccounts loads every account record. Records that vanish between listing and loading are skipped.
func (m *Manager) ListAccounts(ctx context.Context) ([]*Account, error) {
	ids, err := m.store.ListAccountIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	out := make([]*Account, 0, len(ids))
	for _, id := range ids {
		fields, errGet := m.store.GetAccount(ctx, id)
		if errors.Is(errGet, store.ErrNotFound) {
			continue
		}
		if errGet != nil {
			return nil, fmt.Errorf("load account %s: %w", id, errGet)
		}
		out = append(out, decodeAccount(id, fields))
	}
	return out, nil
}

// SaveAccount writes the full record.
func (m *Manager) SaveAccount(ctx context.Context, a *Account) error {
	if a == nil || strings.TrimSpace(a.ID) == "" {
		return fmt.Errorf("save account: empty id")
	}
	return m.store.SetAccountFields(ctx, a.ID, encodeAccount(a))
}

func (m *Manager) patchAccount(ctx context.Context, id string, patch accountPatch) error {
	if err := m.store.SetAccountFields(ctx, id, patch); err != nil {
		return fmt.Errorf("update account %s: %w", id, err)
	}
	return nil
}

// MarkAccountError moves the account to error status with message persisted.
func (m *Manager) MarkAccountError(ctx context.Context, id, message string) error {
	patch := accountPatch{}
	patch.setString(fieldStatus, string(StatusError)).setString(fieldErrorMessage, message)
	return m.patchAccount(ctx, id, patch)
}

// TouchAccount stamps the last-used instant.
func (m *Manager) TouchAccount(ctx context.Context, id string) error {
	return m.patchAccount(ctx, id, accountPatch{}.setTime(fieldLastUsedAt, m.now()))
}

// MarkUpstreamFailure applies the account policy for a failed upstream call.
// It returns the failure kind for logging and metrics.
func (m *Manager) MarkUpstreamFailure(ctx context.Context, accountID string, status int, body []byte) UpstreamFailureKind {
	kind, reason, disable := classifyUpstreamFailure(status, string(body))
	if !disable {
		if kind == FailureQuotaLimited {
			if wait := parseRetryAfterHint(string(body)); wait != nil {
				log.Warnf("account %s rate limited, upstream suggests retry in %s", accountID, wait.Round(time.Second))
			}
		}
		return kind
	}
	message := fmt.Sprintf("%s: %s", kind, reason)
	if err := m.MarkAccountError(ctx, accountID, message); err != nil {
		log.Errorf("account %s: persist upstream failure: %v", accountID, err)
	} else {
		log.Warnf("account %s marked as error after upstream %d (%s)", accountID, status, kind)
	}
	return kind
}
