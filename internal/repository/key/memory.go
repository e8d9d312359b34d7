package key

import (
	"context"
	"sync"
	"time"

	"contact_chat/internal/model"
)

// MemoryDirectory keeps every published version in process memory.
type MemoryDirectory struct {
	users Users

	mu   sync.RWMutex
	keys map[model.UserRef][]model.KeyRecord
}

var (
	_ Directory = (*MemoryDirectory)(nil)
	_ Publisher = (*MemoryDirectory)(nil)
)

// NewMemoryDirectory checks account existence against users when it is not nil.
func NewMemoryDirectory(users Users) *MemoryDirectory {
	return &MemoryDirectory{
		users: users,
		keys:  make(map[model.UserRef][]model.KeyRecord),
	}
}

func (d *MemoryDirectory) Publish(ctx context.Context, userID model.UserRef, publicKey []byte) (*model.KeyRecord, error) {
	if err := checkPublicKey(publicKey); err != nil {
		return nil, err
	}
	if err := checkUser(ctx, d.users, userID); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	history := d.keys[userID]
	rec := model.KeyRecord{
		UserID:    userID,
		PublicKey: append([]byte(nil), publicKey...),
		Version:   uint32(len(history)) + 1,
		CreatedAt: time.Now().UTC(),
	}
	d.keys[userID] = append(history, rec)
	return copyRecord(rec), nil
}

func (d *MemoryDirectory) PublicKeyOf(ctx context.Context, userID model.UserRef) (*model.KeyRecord, error) {
	if err := checkUser(ctx, d.users, userID); err != nil {
		return nil, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	history := d.keys[userID]
	if len(history) == 0 {
		return nil, ErrNoKey
	}
	return copyRecord(history[len(history)-1]), nil
}

func copyRecord(rec model.KeyRecord) *model.KeyRecord {
	rec.PublicKey = append([]byte(nil), rec.PublicKey...)
	return &rec
}
