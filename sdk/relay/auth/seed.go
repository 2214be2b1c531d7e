package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/router-for-me/claude-relay/internal/config"
	"github.com/router-for-me/claude-relay/internal/store"
	log "github.com/sirupsen/logrus"
)

// ImportSeeds writes configured accounts whose id is not yet in the store,
// encrypting their secrets with cipher. It returns how many were imported.
func (m *Manager) ImportSeeds(ctx context.Context, cipher Cipher, seeds []config.AccountSeed) (int, error) {
	imported := 0
	for i := range seeds {
		seed := seeds[i]
		id := strings.TrimSpace(seed.ID)
		if id == "" {
			return imported, fmt.Errorf("account seed %d: empty id", i)
		}
		if _, err := m.store.GetAccount(ctx, id); err == nil {
			continue
		} else if !errors.Is(err, store.ErrNotFound) {
			return imported, fmt.Errorf("account seed %s: %w", id, err)
		}

		account, err := accountFromSeed(seed, cipher, m.now())
		if err != nil {
			return imported, fmt.Errorf("account seed %s: %w", id, err)
		}
		if err = m.SaveAccount(ctx, account); err != nil {
			return imported, fmt.Errorf("account seed %s: %w", id, err)
		}
		imported++
		log.Infof("imported %s (%s)", account, account.EffectiveProtocol())
	}
	return imported, nil
}

func accountFromSeed(seed config.AccountSeed, cipher Cipher, now time.Time) (*Account, error) {
	account := &Account{
		ID:        strings.TrimSpace(seed.ID),
		Name:      strings.TrimSpace(seed.Name),
		Kind:      Kind(strings.ToLower(strings.TrimSpace(seed.Kind))),
		Protocol:  Protocol(strings.ToLower(strings.TrimSpace(seed.Protocol))),
		ExpiresAt: parseAccountTime(seed.ExpiresAt),
		Scopes:    seed.Scopes,
		Status:    StatusCreated,
		Active:    true,
		CreatedAt: now,
	}
	if account.Name == "" {
		account.Name = account.ID
	}
	switch account.Kind {
	case "", KindShared, KindDedicated:
	default:
		return nil, fmt.Errorf("unknown kind %q", seed.Kind)
	}
	switch account.Protocol {
	case "", ProtocolMessages, ProtocolResponses:
	default:
		return nil, fmt.Errorf("unknown protocol %q", seed.Protocol)
	}
	if seed.Active != nil {
		account.Active = *seed.Active
	}
	if seed.Proxy != nil && strings.TrimSpace(seed.Proxy.Host) != "" {
		account.Proxy = &ProxyConfig{
			Type:     seed.Proxy.Type,
			Host:     seed.Proxy.Host,
			Port:     seed.Proxy.Port,
			Username: seed.Proxy.Username,
			Password: seed.Proxy.Password,
		}
	}
	if seed.AccessToken != "" && !account.ExpiresAt.IsZero() {
		account.Status = StatusActive
	}

	secrets := []struct {
		plain string
		dst   *string
	}{
		{seed.Email, &account.Email},
		{seed.Password, &account.Password},
		{seed.RefreshToken, &account.RefreshToken},
		{seed.AccessToken, &account.AccessToken},
	}
	for _, secret := range secrets {
		enc, err := cipher.Encrypt(secret.plain)
		if err != nil {
			return nil, err
		}
		*secret.dst = enc
	}
	return account, nil
}
