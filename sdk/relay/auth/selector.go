package auth

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/router-for-me/claude-relay/internal/interfaces"
	"github.com/router-for-me/claude-relay/internal/queuehealth"
	"github.com/router-for-me/claude-relay/internal/store"
	log "github.com/sirupsen/logrus"
)

// SelectAccount picks the upstream account for one request.
//
// A bound dedicated account wins while it is usable. Otherwise the shared pool is
// consulted: a live session mapping to an eligible account is honoured, else the
// most recently refreshed eligible account is chosen and, when sessionHash is set,
// pinned for the session TTL. Selection and pinning are two store operations with
// no transaction; two racing first requests of a session may pin different accounts.
func (m *Manager) SelectAccount(ctx context.Context, apiKey APIKey, sessionHash string) (string, error) {
	if boundID := strings.TrimSpace(apiKey.BoundAccountID); boundID != "" {
		bound, err := m.GetAccount(ctx, boundID)
		switch {
		case err == nil && bound.Usable():
			return bound.ID, nil
		case err == nil:
			log.Debugf("api key %s: dedicated account %s unusable (active=%t status=%s), using shared pool", apiKey.ID, boundID, bound.Active, bound.Status)
		case interfaces.IsKind(err, interfaces.ErrorKindAccountNotFound):
			log.Debugf("api key %s: dedicated account %s missing, using shared pool", apiKey.ID, boundID)
		default:
			return "", err
		}
	}

	accounts, err := m.ListAccounts(ctx)
	if err != nil {
		return "", err
	}
	eligible := eligibleSharedAccounts(accounts)
	if len(eligible) == 0 {
		return "", interfaces.NewError(interfaces.ErrorKindNoEligibleAccount, "no shared account is available")
	}

	sessionHash = strings.TrimSpace(sessionHash)
	if sessionHash != "" {
		if pinnedID, ok := m.loadSessionMapping(ctx, sessionHash); ok {
			for _, candidate := range eligible {
				if candidate.ID == pinnedID {
					return candidate.ID, nil
				}
			}
			queuehealth.Inc(queuehealth.StaleSessionMapping)
			if errDel := m.store.DeleteSessionMapping(ctx, sessionHash); errDel != nil {
				log.Warnf("session %s: delete stale mapping: %v", sessionHash, errDel)
			}
		}
	}

	rankAccounts(eligible)
	selected := eligible[0]
	if sessionHash != "" {
		if errSet := m.store.SetSessionMapping(ctx, sessionHash, selected.ID, m.sessionTTL); errSet != nil {
			log.Warnf("session %s: store mapping: %v", sessionHash, errSet)
		}
	}
	return selected.ID, nil
}

func (m *Manager) loadSessionMapping(ctx context.Context, sessionHash string) (string, bool) {
	accountID, err := m.store.GetSessionMapping(ctx, sessionHash)
	if errors.Is(err, store.ErrNotFound) {
		return "", false
	}
	if err != nil {
		log.Warnf("session %s: load mapping: %v", sessionHash, err)
		return "", false
	}
	return accountID, accountID != ""
}

func eligibleSharedAccounts(accounts []*Account) []*Account {
	out := make([]*Account, 0, len(accounts))
	for _, candidate := range accounts {
		if candidate.Usable() && candidate.Pooled() {
			out = append(out, candidate)
		}
	}
	return out
}

// rankAccounts orders most recently refreshed first; ties fall back to id order.
func rankAccounts(accounts []*Account) {
	sort.SliceStable(accounts, func(i, j int) bool {
		a, b := accounts[i], accounts[j]
		if !a.LastRefreshAt.Equal(b.LastRefreshAt) {
			return a.LastRefreshAt.After(b.LastRefreshAt)
		}
		return a.ID < b.ID
	})
}
