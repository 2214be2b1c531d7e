package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

type sessionEntry struct {
	AccountID string
	ExpiresAt time.Time
}

// MemoryStore keeps accounts and session mappings in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]map[string]string
	sessions map[string]sessionEntry
	now      func() time.Time
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]map[string]string),
		sessions: make(map[string]sessionEntry),
		now:      time.Now,
	}
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) GetAccount(_ context.Context, id string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fields, ok := s.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyFields(fields), nil
}

func (s *MemoryStore) SetAccountFields(_ context.Context, id string, fields map[string]string) error {
	if err := validateID("account", id); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.accounts[id]
	if !ok {
		current = make(map[string]string, len(fields))
		s.accounts[id] = current
	}
	for k, v := range fields {
		current[k] = v
	}
	return nil
}

func (s *MemoryStore) ListAccountIDs(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.accounts))
	for id := range s.accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) GetSessionMapping(_ context.Context, hash string) (string, error) {
	key := SessionKey(hash)
	s.mu.RLock()
	entry, ok := s.sessions[key]
	s.mu.RUnlock()
	if !ok {
		return "", ErrNotFound
	}
	if !entry.ExpiresAt.IsZero() && !s.now().Before(entry.ExpiresAt) {
		return "", ErrNotFound
	}
	return entry.AccountID, nil
}

func (s *MemoryStore) SetSessionMapping(_ context.Context, hash, accountID string, ttl time.Duration) error {
	if err := validateID("session", hash); err != nil {
		return err
	}
	expiresAt := time.Time{}
	if ttl > 0 {
		expiresAt = s.now().Add(ttl)
	}
	s.mu.Lock()
	s.sessions[SessionKey(hash)] = sessionEntry{AccountID: accountID, ExpiresAt: expiresAt}
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) DeleteSessionMapping(_ context.Context, hash string) error {
	s.mu.Lock()
	delete(s.sessions, SessionKey(hash))
	s.mu.Unlock()
	return nil
}

// EvictExpired drops session mappings whose TTL has elapsed and returns how many were removed.
func (s *MemoryStore) EvictExpired() int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, entry := range s.sessions {
		if !entry.ExpiresAt.IsZero() && !now.Before(entry.ExpiresAt) {
			delete(s.sessions, key)
			removed++
		}
	}
	return removed
}
