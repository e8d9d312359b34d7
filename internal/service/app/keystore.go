package app

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"

	"contact_chat/internal/model"
	"contact_chat/internal/protocol/sealedbox"

	"github.com/pkg/errors"
)

// KeyStore keeps a user's private keys in a local file, one entry per
// published version, so envelopes sealed to older versions stay readable.
type KeyStore struct {
	dir string
}

type keyFile struct {
	UserID model.UserRef          `json:"userID"`
	Keys   []sealedbox.PrivateKey `json:"keys"`
}

func NewKeyStore(dir string) *KeyStore {
	return &KeyStore{dir: dir}
}

func (s *KeyStore) path(user model.UserRef) string {
	return filepath.Join(s.dir, user.String()+".keys.json")
}

func (s *KeyStore) read(user model.UserRef) (*keyFile, error) {
	data, err := os.ReadFile(s.path(user))
	if errors.Is(err, os.ErrNotExist) {
		return &keyFile{UserID: user}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read key file")
	}
	var f keyFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrap(err, "decode key file")
	}
	return &f, nil
}

// Keyring loads every stored private key of user.
func (s *KeyStore) Keyring(user model.UserRef) (*sealedbox.MemoryKeyring, error) {
	f, err := s.read(user)
	if err != nil {
		return nil, err
	}
	if len(f.Keys) == 0 {
		return nil, errors.Errorf("no private keys for %s in %s; run keygen first", user, s.dir)
	}
	return sealedbox.NewMemoryKeyring(f.Keys...), nil
}

// Add stores key, replacing a stored key with the same version.
func (s *KeyStore) Add(user model.UserRef, key sealedbox.PrivateKey) error {
	f, err := s.read(user)
	if err != nil {
		return err
	}
	kept := f.Keys[:0]
	for _, k := range f.Keys {
		if k.Version != key.Version {
			kept = append(kept, k)
		}
	}
	f.Keys = append(kept, key)
	sort.Slice(f.Keys, func(i, j int) bool { return f.Keys[i].Version < f.Keys[j].Version })

	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return errors.Wrap(err, "create key dir")
	}
	tmp := s.path(user) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return errors.Wrap(err, "write key file")
	}
	return errors.Wrap(os.Rename(tmp, s.path(user)), "replace key file")
}
