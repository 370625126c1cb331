package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
)

// KeyStore maps hashed API keys to caller IDs. Thread-safe.
// Keys are stored as SHA-256 hashes so plaintext keys never sit in memory.
type KeyStore struct {
	mu   sync.RWMutex
	keys map[string]string // SHA-256(apiKey) → callerID
}

// NewKeyStore creates a KeyStore from a comma-separated "caller:key" string.
// Example: "assistant:sk-abc,batch-jobs:sk-def"
func NewKeyStore(raw string) *KeyStore {
	ks := &KeyStore{keys: make(map[string]string)}
	if raw == "" {
		return ks
	}
	for _, pair := range strings.Split(raw, ",") {
		parts := strings.SplitN(strings.TrimSpace(pair), ":", 2)
		if len(parts) != 2 {
			continue
		}
		caller := strings.TrimSpace(parts[0])
		key := strings.TrimSpace(parts[1])
		if caller == "" || key == "" {
			continue
		}
		ks.keys[hashKey(key)] = caller
	}
	return ks
}

// Add registers one more key at runtime.
func (ks *KeyStore) Add(caller, apiKey string) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.keys[hashKey(apiKey)] = caller
}

// Len reports the number of configured keys.
func (ks *KeyStore) Len() int {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return len(ks.keys)
}

// Lookup returns the caller ID for a given API key.
func (ks *KeyStore) Lookup(apiKey string) (callerID string, ok bool) {
	if apiKey == "" {
		return "", false
	}
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	callerID, ok = ks.keys[hashKey(apiKey)]
	return
}

func hashKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}
