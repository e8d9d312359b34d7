package relationship

import "github.com/pkg/errors"

var (
	ErrInvalidUser     = errors.New("relationship: malformed user reference")
	ErrSelfReference   = errors.New("relationship: owner and target are the same user")
	ErrInvalidDecision = errors.New("relationship: decision must be accept or reject")

	ErrAlreadyRelated = errors.New("relationship: an edge already exists for this pair")
	ErrNoSuchRequest  = errors.New("relationship: no pending request from target")
	ErrNotAccepted    = errors.New("relationship: pair is not mutually accepted")
	ErrNotBlocked     = errors.New("relationship: target is not blocked")
	ErrBlocked        = errors.New("relationship: pair is blocked")

	ErrCorrupt     = errors.New("relationship: corrupt edge")
	ErrOutsidePair = errors.New("relationship: edge is outside the transaction pair")
)
