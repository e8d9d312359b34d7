package app

import (
	"context"

	"contact_chat/internal/model"
	"contact_chat/internal/protocol/sealedbox"
	"contact_chat/internal/repository/key"
	"contact_chat/internal/utils/log"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Register creates the account and publishes its first key.
func Register(ctx context.Context, api *Client, keys key.Publisher, store *KeyStore, username string) (*model.User, *model.KeyRecord, error) {
	user, err := api.Register(ctx, username)
	if err != nil {
		return nil, nil, err
	}
	rec, err := RotateKey(ctx, keys, store, user.UserID)
	if err != nil {
		return user, nil, errors.Wrap(err, "publish first key")
	}
	return user, rec, nil
}

// RotateKey generates a key pair, publishes its public half and stores the
// private half under the version the directory assigned. Older private keys
// stay in the store.
func RotateKey(ctx context.Context, keys key.Publisher, store *KeyStore, self model.UserRef) (*model.KeyRecord, error) {
	pair, err := sealedbox.GenerateKeyPair(0)
	if err != nil {
		return nil, err
	}
	rec, err := keys.Publish(ctx, self, pair.Public)
	if err != nil {
		return nil, err
	}

	pair.Private.Version = rec.Version
	if err := store.Add(self, pair.Private); err != nil {
		// The published key is unusable without its private half; the next
		// rotation supersedes it.
		log.Error("store private key failed", zap.String("userID", self.String()), zap.Uint32("version", rec.Version), zap.Error(err))
		return nil, err
	}
	log.Info("published key", zap.String("userID", self.String()), zap.Uint32("version", rec.Version))
	return rec, nil
}
