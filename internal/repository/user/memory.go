package user

import (
	"context"
	"sync"

	"contact_chat/internal/model"

	"github.com/google/uuid"
)

// MemoryRepo is an in-process account store for tests and single-node runs.
type MemoryRepo struct {
	mu     sync.RWMutex
	byID   map[model.UserRef]model.User
	byName map[string]model.UserRef
}

var _ Accounts = (*MemoryRepo)(nil)

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		byID:   make(map[model.UserRef]model.User),
		byName: make(map[string]model.UserRef),
	}
}

func (r *MemoryRepo) Create(_ context.Context, user *model.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	user.Username = model.NormalizeUsername(user.Username)
	if _, ok := r.byName[user.Username]; ok {
		return ErrUsernameTaken
	}
	if user.UserID == "" {
		user.UserID = model.UserRef(uuid.NewString())
	}
	r.byID[user.UserID] = *user
	r.byName[user.Username] = user.UserID
	return nil
}

func (r *MemoryRepo) GetByName(_ context.Context, name string) (*model.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byName[model.NormalizeUsername(name)]
	if !ok {
		return nil, nil
	}
	u := r.byID[id]
	return &u, nil
}

func (r *MemoryRepo) GetByID(_ context.Context, id model.UserRef) (*model.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.byID[id]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (r *MemoryRepo) Register(ctx context.Context, username string) (*model.User, error) {
	if model.NormalizeUsername(username) == "" {
		return nil, ErrInvalidUsername
	}
	user := &model.User{Username: username}
	if err := r.Create(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}
