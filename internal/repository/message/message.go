// Package message keeps the server's ciphertext log. The server never sees
// plaintext: it records envelopes as they are relayed so that history can be
// served to either member of a room later.
package message

import (
	"context"

	"contact_chat/internal/model"

	"github.com/pkg/errors"
)

var (
	ErrNotFound     = errors.New("message: not found")
	ErrInvalidKind  = errors.New("message: unknown envelope kind")
	ErrNotPermitted = errors.New("message: sender may not apply this event")
)

// Log applies relayed envelopes and serves room history. Apply is
// idempotent for every kind.
type Log interface {
	Apply(ctx context.Context, env *model.Envelope) error
	History(ctx context.Context, room model.RoomID, limit int64) ([]*model.Message, error)
}
