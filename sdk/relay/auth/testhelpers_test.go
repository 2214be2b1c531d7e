package auth

import (
	"context"
	"testing"
	"time"

	"github.com/router-for-me/claude-relay/internal/store"
	"github.com/router-for-me/claude-relay/internal/vault"
)

var testVault *vault.Vault

func newTestVault(t *testing.T) *vault.Vault {
	t.Helper()
	if testVault != nil {
		return testVault
	}
	v, err := vault.New("unit-test-encryption-key")
	if err != nil {
		t.Fatalf("vault.New() error = %v", err)
	}
	testVault = v
	return v
}

func newTestManager(t *testing.T) (*Manager, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	return NewManager(st, time.Hour), st
}

func mustSaveAccount(t *testing.T, m *Manager, a *Account) {
	t.Helper()
	if err := m.SaveAccount(context.Background(), a); err != nil {
		t.Fatalf("SaveAccount(%s) error = %v", a.ID, err)
	}
}

func mustEncrypt(t *testing.T, plaintext string) string {
	t.Helper()
	out, err := newTestVault(t).Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	return out
}
