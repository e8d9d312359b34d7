// Package key is the public key directory. Only public halves are stored;
// every published key keeps its version so older envelopes stay attributable
// after a rotation.
package key

import (
	"context"

	"contact_chat/internal/cryptographic/dh"
	"contact_chat/internal/model"

	"github.com/pkg/errors"
)

var (
	ErrNoKey         = errors.New("key: user has not published a key")
	ErrUserNotFound  = errors.New("key: user not found")
	ErrInvalidKey    = errors.New("key: public key must be 32 bytes")
	ErrInvalidUserID = errors.New("key: malformed user reference")
)

type (
	// Directory returns the current public key of a user. Implementations
	// never cache: every call reflects the latest published version.
	Directory interface {
		PublicKeyOf(ctx context.Context, userID model.UserRef) (*model.KeyRecord, error)
	}

	// Publisher rotates a user's key to a new version.
	Publisher interface {
		Publish(ctx context.Context, userID model.UserRef, publicKey []byte) (*model.KeyRecord, error)
	}

	// Users reports whether an account exists.
	Users interface {
		GetByID(ctx context.Context, id model.UserRef) (*model.User, error)
	}
)

func checkUser(ctx context.Context, users Users, id model.UserRef) error {
	if !id.Valid() {
		return ErrInvalidUserID
	}
	if users == nil {
		return nil
	}
	u, err := users.GetByID(ctx, id)
	if err != nil {
		return errors.Wrap(err, "lookup user")
	}
	if u == nil {
		return ErrUserNotFound
	}
	return nil
}

func checkPublicKey(pub []byte) error {
	if len(pub) != dh.KeySize {
		return ErrInvalidKey
	}
	return nil
}
