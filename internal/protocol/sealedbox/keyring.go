package sealedbox

import (
	"sync"

	"github.com/pkg/errors"
)

// Keyring resolves the local private key for a published key version.
type Keyring interface {
	PrivateKey(version uint32) (PrivateKey, error)
}

// MemoryKeyring keeps the caller's private keys for the lifetime of a client
// process. It belongs to the client, not to the codec.
type MemoryKeyring struct {
	mu   sync.RWMutex
	keys map[uint32]PrivateKey
}

func NewMemoryKeyring(keys ...PrivateKey) *MemoryKeyring {
	ring := &MemoryKeyring{keys: make(map[uint32]PrivateKey, len(keys))}
	for _, k := range keys {
		ring.Add(k)
	}
	return ring
}

func (r *MemoryKeyring) Add(key PrivateKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys[key.Version] = PrivateKey{Version: key.Version, Key: append([]byte(nil), key.Key...)}
}

func (r *MemoryKeyring) PrivateKey(version uint32) (PrivateKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.keys[version]
	if !ok {
		return PrivateKey{}, errors.Wrapf(ErrUnknownKeyVersion, "version %d", version)
	}
	return k, nil
}
