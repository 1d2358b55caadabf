// Package nonce implements the one-time consumed-id store shared by
// authorization-token replay protection and webhook nonce replay protection.
// Consume is atomic: the first caller wins, every later caller is refused.
package nonce

import (
	"context"
	"sync"
	"time"
)

// Store records consumed ids durably until their expiry.
type Store interface {
	// Consume marks id as used. It returns true only for the first call for
	// a given id; all subsequent calls return false.
	Consume(ctx context.Context, id string, expiresAt time.Time) (bool, error)
	// PurgeExpired removes entries whose expiry has passed and returns the
	// number removed. Purging frees storage only; a purged id stays
	// unusable because the credential that carried it has itself expired.
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
}

// MemoryStore is a transient Store for tests.
type MemoryStore struct {
	mu       sync.Mutex
	consumed map[string]time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{consumed: make(map[string]time.Time)}
}

func (m *MemoryStore) Consume(ctx context.Context, id string, expiresAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.consumed[id]; ok {
		return false, nil
	}
	m.consumed[id] = expiresAt
	return true, nil
}

func (m *MemoryStore) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, exp := range m.consumed {
		if now.After(exp) {
			delete(m.consumed, id)
			removed++
		}
	}
	return removed, nil
}
