package identity

import (
	"crypto/rsa"

	lru "github.com/hashicorp/golang-lru"
)

// keyCacheSize bounds how many remote issuers' public keys are held at
// once; federation fetches are re-done on eviction.
const keyCacheSize = 4096

// KeyRing caches remote issuers' public signing keys, keyed by idTag, so
// action-token verification does not refetch a peer's key set on every
// inbound action.
type KeyRing struct {
	cache *lru.Cache
}

// NewKeyRing returns an empty, bounded issuer key cache.
func NewKeyRing() *KeyRing {
	c, err := lru.New(keyCacheSize)
	if err != nil {
		// Only fails for a non-positive size, which keyCacheSize never is.
		panic(err)
	}
	return &KeyRing{cache: c}
}

// Get returns a cached key for idTag, if present.
func (k *KeyRing) Get(idTag string) (*rsa.PublicKey, bool) {
	v, ok := k.cache.Get(idTag)
	if !ok {
		return nil, false
	}
	return v.(*rsa.PublicKey), true
}

// Put caches key for idTag, evicting the least recently used entry if the
// cache is full.
func (k *KeyRing) Put(idTag string, key *rsa.PublicKey) {
	k.cache.Add(idTag, key)
}

// Invalidate drops any cached key for idTag, forcing the next verification
// to refetch it (used when a peer rotates its signing key).
func (k *KeyRing) Invalidate(idTag string) {
	k.cache.Remove(idTag)
}
