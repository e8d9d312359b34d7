package user

import (
	"context"
	"testing"

	"contact_chat/internal/model"

	"github.com/stretchr/testify/require"
)

func TestMemoryRepo(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepo()

	alice := &model.User{Username: " Alice "}
	require.NoError(t, repo.Create(ctx, alice))
	require.Equal(t, "alice", alice.Username)
	require.True(t, alice.UserID.Valid())

	got, err := repo.GetByName(ctx, "ALICE")
	require.NoError(t, err)
	require.Equal(t, alice.UserID, got.UserID)

	got, err = repo.GetByID(ctx, alice.UserID)
	require.NoError(t, err)
	require.Equal(t, "alice", got.Username)

	require.ErrorIs(t, repo.Create(ctx, &model.User{Username: "alice"}), ErrUsernameTaken)

	got, err = repo.GetByName(ctx, "nobody")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestMemoryRepoRegister(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepo()

	bob, err := repo.Register(ctx, "Bob")
	require.NoError(t, err)
	require.Equal(t, "bob", bob.Username)
	require.True(t, bob.UserID.Valid())

	_, err = repo.Register(ctx, "bob")
	require.ErrorIs(t, err, ErrUsernameTaken)
	_, err = repo.Register(ctx, "   ")
	require.ErrorIs(t, err, ErrInvalidUsername)
}
