package credentials

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore is an in-process Store for development and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	creds map[cacheKey]Credential
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{creds: make(map[cacheKey]Credential)}
}

// Put stores cred for (user, service).
func (m *MemoryStore) Put(userID, service string, cred Credential) {
	m.mu.Lock()
	m.creds[cacheKey{user: userID, service: service}] = cred
	m.mu.Unlock()
}

func (m *MemoryStore) Lookup(_ context.Context, userID, service string) (Credential, error) {
	m.mu.RLock()
	c, ok := m.creds[cacheKey{user: userID, service: service}]
	m.mu.RUnlock()
	if !ok {
		return Credential{}, fmt.Errorf("%s/%s: %w", service, userID, ErrNotFound)
	}
	return c, nil
}

func (m *MemoryStore) Update(_ context.Context, userID, service string, cred Credential) error {
	m.Put(userID, service, cred)
	return nil
}
