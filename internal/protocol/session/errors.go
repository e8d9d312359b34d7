package session

import (
	"contact_chat/internal/protocol/sealedbox"
	"contact_chat/internal/repository/relationship"

	"github.com/pkg/errors"
)

var (
	ErrInvalidTransition = errors.New("session: invalid state transition")
	ErrSessionClosed     = errors.New("session: closed")
	ErrNotOpen           = errors.New("session: not open")

	ErrMissingID       = errors.New("session: message id is required")
	ErrDuplicateID     = errors.New("session: message id already used by the peer")
	ErrMessageNotFound = errors.New("session: message not found")
	ErrNotSender       = errors.New("session: only the sender may edit a message")
	ErrInvalidReaction = errors.New("session: reaction must be a single emoji")
	ErrNotDelivered    = errors.New("session: message has not been acknowledged yet")

	ErrForeignEnvelope = errors.New("session: envelope does not belong to this room")
	ErrUnknownKind     = errors.New("session: unknown envelope kind")
)

// Errors from the packages a session depends on, re-exported so callers
// can branch without importing them.
var (
	ErrNotAccepted      = relationship.ErrNotAccepted
	ErrBlocked          = relationship.ErrBlocked
	ErrDecryptionFailed = sealedbox.ErrDecryptionFailed
)

type transitionError struct {
	from, to State
}

func (e *transitionError) Error() string {
	return ErrInvalidTransition.Error() + ": " + e.from.String() + " -> " + e.to.String()
}

func (e *transitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}
