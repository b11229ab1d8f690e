package action

import (
	"context"
	"crypto/rsa"
	"sync"

	"github.com/gravitational/trace"

	"github.com/cloudillo/cloudillo-sub008/internal/store"
)

// MemoryKeyStore is an in-process KeyStore: one RSA key per tenant, kept
// only in memory. A production deployment would back this with a hardware
// key store or at minimum an encrypted-at-rest file; this reference
// implementation exists so the engine is exercisable without one.
type MemoryKeyStore struct {
	mu   sync.RWMutex
	keys map[store.TnId]*rsa.PrivateKey
}

// NewMemoryKeyStore returns an empty in-process KeyStore.
func NewMemoryKeyStore() *MemoryKeyStore {
	return &MemoryKeyStore{keys: make(map[store.TnId]*rsa.PrivateKey)}
}

var _ KeyStore = (*MemoryKeyStore)(nil)

// Put installs key as tnId's signing key, replacing any prior one.
func (m *MemoryKeyStore) Put(tnId store.TnId, key *rsa.PrivateKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[tnId] = key
}

func (m *MemoryKeyStore) SigningKey(ctx context.Context, tnId store.TnId) (*rsa.PrivateKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	key, ok := m.keys[tnId]
	if !ok {
		return nil, trace.NotFound("no signing key for tenant %v", tnId)
	}
	return key, nil
}
