// Package relationship implements the contact relationship state machine.
//
// Each user owns one directed edge per counterpart. Operations that touch
// both sides of a pair run inside a single Backend.Update, so both rows
// commit together or not at all.
package relationship

import (
	"context"
	"time"

	"contact_chat/internal/model"

	"github.com/pkg/errors"
)

type (
	// ProfileLookup resolves the public profile shown next to a contact.
	ProfileLookup interface {
		GetByID(ctx context.Context, id model.UserRef) (*model.User, error)
	}

	// PairState holds both directed edges of a pair as seen from A.
	PairState struct {
		A, B                 model.UserRef
		AB, BA               model.RelationState
		ABVersion, BAVersion uint64
	}

	Store struct {
		backend  Backend
		profiles ProfileLookup
		now      func() time.Time
	}

	Option func(*Store)
)

// WithClock replaces time.Now for edge timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithProfiles attaches usernames to Query results.
func WithProfiles(p ProfileLookup) Option {
	return func(s *Store) { s.profiles = p }
}

func NewStore(backend Backend, opts ...Option) *Store {
	s := &Store{
		backend: backend,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func validatePair(owner, target model.UserRef) error {
	if !owner.Valid() || !target.Valid() {
		return ErrInvalidUser
	}
	if owner == target {
		return ErrSelfReference
	}
	return nil
}

func stateOf(rel *model.Relationship) model.RelationState {
	if rel == nil {
		return model.StateNone
	}
	return rel.State
}

func (s *Store) get(t Txn, owner, other model.UserRef) (*model.Relationship, error) {
	rel, err := t.Get(owner, other)
	if err != nil {
		return nil, err
	}
	if rel != nil && (!rel.State.Valid() || rel.State == model.StateNone) {
		return nil, errors.Wrapf(ErrCorrupt, "%s -> %s has state %q", owner, other, rel.State)
	}
	return rel, nil
}

func (s *Store) put(t Txn, prev *model.Relationship, owner, other model.UserRef, state model.RelationState) error {
	var version uint64
	if prev != nil {
		version = prev.Version
	}
	return t.Put(&model.Relationship{
		Owner:     owner,
		Other:     other,
		State:     state,
		Version:   version + 1,
		UpdatedAt: s.now().UTC(),
	})
}

// Request records owner's invitation to target: pending for owner,
// requested for target.
func (s *Store) Request(ctx context.Context, owner, target model.UserRef) error {
	if err := validatePair(owner, target); err != nil {
		return err
	}
	return s.backend.Update(ctx, owner, target, func(t Txn) error {
		own, err := s.get(t, owner, target)
		if err != nil {
			return err
		}
		if own != nil {
			return ErrAlreadyRelated
		}
		mirror, err := s.get(t, target, owner)
		if err != nil {
			return err
		}
		// A dangling accepted edge on the target side is superseded.
		if mirror != nil && mirror.State != model.StateAccepted {
			return ErrAlreadyRelated
		}
		if err := s.put(t, own, owner, target, model.StatePending); err != nil {
			return err
		}
		return s.put(t, mirror, target, owner, model.StateRequested)
	})
}

// Resolve answers the request target sent to owner.
func (s *Store) Resolve(ctx context.Context, owner, target model.UserRef, decision model.Decision) error {
	if err := validatePair(owner, target); err != nil {
		return err
	}
	if !decision.Valid() {
		return ErrInvalidDecision
	}
	return s.backend.Update(ctx, owner, target, func(t Txn) error {
		own, err := s.get(t, owner, target)
		if err != nil {
			return err
		}
		if stateOf(own) != model.StateRequested {
			return ErrNoSuchRequest
		}
		mirror, err := s.get(t, target, owner)
		if err != nil {
			return err
		}

		if decision == model.DecisionReject {
			if err := t.Delete(owner, target); err != nil {
				return err
			}
			if stateOf(mirror) == model.StatePending {
				return t.Delete(target, owner)
			}
			return nil
		}

		switch stateOf(mirror) {
		case model.StatePending:
		case model.StateBlocked:
			return ErrBlocked
		default:
			return ErrNoSuchRequest
		}
		if err := s.put(t, own, owner, target, model.StateAccepted); err != nil {
			return err
		}
		return s.put(t, mirror, target, owner, model.StateAccepted)
	})
}

// Remove ends an accepted relationship on both sides.
func (s *Store) Remove(ctx context.Context, owner, target model.UserRef) error {
	if err := validatePair(owner, target); err != nil {
		return err
	}
	return s.backend.Update(ctx, owner, target, func(t Txn) error {
		own, err := s.get(t, owner, target)
		if err != nil {
			return err
		}
		if stateOf(own) != model.StateAccepted {
			return ErrNotAccepted
		}
		mirror, err := s.get(t, target, owner)
		if err != nil {
			return err
		}
		if err := t.Delete(owner, target); err != nil {
			return err
		}
		if stateOf(mirror) == model.StateAccepted {
			return t.Delete(target, owner)
		}
		return nil
	})
}

// Block overwrites owner's edge with blocked. The target's edge is left as is.
func (s *Store) Block(ctx context.Context, owner, target model.UserRef) error {
	if err := validatePair(owner, target); err != nil {
		return err
	}
	return s.backend.Update(ctx, owner, target, func(t Txn) error {
		own, err := t.Get(owner, target)
		if err != nil {
			return err
		}
		return s.put(t, own, owner, target, model.StateBlocked)
	})
}

// Unblock returns a blocked edge to none.
func (s *Store) Unblock(ctx context.Context, owner, target model.UserRef) error {
	if err := validatePair(owner, target); err != nil {
		return err
	}
	return s.backend.Update(ctx, owner, target, func(t Txn) error {
		own, err := s.get(t, owner, target)
		if err != nil {
			return err
		}
		if stateOf(own) != model.StateBlocked {
			return ErrNotBlocked
		}
		return t.Delete(owner, target)
	})
}

// Query lists owner's edges partitioned by state.
func (s *Store) Query(ctx context.Context, owner model.UserRef) (*model.Contacts, error) {
	if !owner.Valid() {
		return nil, ErrInvalidUser
	}
	rels, err := s.backend.List(ctx, owner)
	if err != nil {
		return nil, errors.Wrap(err, "list relationships")
	}

	contacts := model.NewContacts()
	for _, rel := range rels {
		c, err := s.contact(ctx, rel.Other)
		if err != nil {
			return nil, err
		}
		switch rel.State {
		case model.StateAccepted:
			contacts.Accepted = append(contacts.Accepted, c)
		case model.StatePending:
			contacts.Pending = append(contacts.Pending, c)
		case model.StateRequested:
			contacts.Requests = append(contacts.Requests, c)
		case model.StateBlocked:
			contacts.Blocked = append(contacts.Blocked, c)
		default:
			return nil, errors.Wrapf(ErrCorrupt, "%s -> %s has state %q", owner, rel.Other, rel.State)
		}
	}
	return contacts, nil
}

func (s *Store) contact(ctx context.Context, id model.UserRef) (model.Contact, error) {
	c := model.Contact{UserID: id}
	if s.profiles == nil {
		return c, nil
	}
	u, err := s.profiles.GetByID(ctx, id)
	if err != nil {
		return c, errors.Wrap(err, "lookup profile")
	}
	if u != nil {
		c.Profile.Username = u.Username
	}
	return c, nil
}

// Pair reads both directed edges of {a, b} in one transaction.
func (s *Store) Pair(ctx context.Context, a, b model.UserRef) (PairState, error) {
	if err := validatePair(a, b); err != nil {
		return PairState{}, err
	}
	p := PairState{A: a, B: b}
	err := s.backend.Update(ctx, a, b, func(t Txn) error {
		ab, err := s.get(t, a, b)
		if err != nil {
			return err
		}
		ba, err := s.get(t, b, a)
		if err != nil {
			return err
		}
		p.AB, p.BA = stateOf(ab), stateOf(ba)
		if ab != nil {
			p.ABVersion = ab.Version
		}
		if ba != nil {
			p.BAVersion = ba.Version
		}
		return nil
	})
	return p, err
}

// Messaging reports whether the pair may exchange messages. A block on
// either side wins over any other state.
func (p PairState) Messaging() error {
	if p.AB == model.StateBlocked || p.BA == model.StateBlocked {
		return ErrBlocked
	}
	if p.AB != model.StateAccepted || p.BA != model.StateAccepted {
		return ErrNotAccepted
	}
	return nil
}

// CheckMessaging returns nil only when a and b have accepted each other and
// neither has blocked the other.
func (s *Store) CheckMessaging(ctx context.Context, a, b model.UserRef) error {
	p, err := s.Pair(ctx, a, b)
	if err != nil {
		return err
	}
	return p.Messaging()
}
