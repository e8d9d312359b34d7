package relationship

import (
	"context"

	"contact_chat/internal/model"
)

type (
	// Txn is a staged view over the two directed edges of one pair. Reads
	// observe earlier staged writes. Nothing is visible to other callers
	// until the enclosing Update commits.
	Txn interface {
		// Get returns the edge or nil when the state is none.
		Get(owner, other model.UserRef) (*model.Relationship, error)
		Put(rel *model.Relationship) error
		Delete(owner, other model.UserRef) error
	}

	// Backend stores directed edges keyed by (owner, other).
	Backend interface {
		// Update runs fn against the pair {a, b} and commits all of its staged
		// writes or none of them. Updates on the same unordered pair are
		// serialized; updates on disjoint pairs are not.
		Update(ctx context.Context, a, b model.UserRef, fn func(Txn) error) error
		List(ctx context.Context, owner model.UserRef) ([]*model.Relationship, error)
	}
)

type edgeKey struct {
	owner, other model.UserRef
}

func inPair(a, b, owner, other model.UserRef) bool {
	return (owner == a && other == b) || (owner == b && other == a)
}
