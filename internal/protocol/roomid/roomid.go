// Package roomid derives the shared room identifier for a pair of users.
//
// Both clients compute the same value locally: the two identifiers are put
// in lexicographic order, each is length-prefixed, and the result is hashed
// with keyed BLAKE3 under a fixed domain key. The length prefix keeps
// ("ab", "c") and ("a", "bc") apart.
package roomid

import (
	"encoding/binary"
	"encoding/hex"

	"contact_chat/internal/model"

	"github.com/pkg/errors"
	"github.com/zeebo/blake3"
)

const prefix = "dm_"

// domainKey separates room ids from any other BLAKE3 use of the same inputs.
var domainKey = [32]byte{
	'c', 'o', 'n', 't', 'a', 'c', 't', '_', 'c', 'h', 'a', 't', '/',
	'r', 'o', 'o', 'm', '/', 'v', '1',
}

var (
	ErrSelfRoom    = errors.New("roomid: a room needs two distinct users")
	ErrInvalidUser = errors.New("roomid: malformed user identifier")
)

// Derive returns the room id for the unordered pair {a, b}.
func Derive(a, b model.UserRef) model.RoomID {
	if b < a {
		a, b = b, a
	}

	hasher, err := blake3.NewKeyed(domainKey[:])
	if err != nil {
		// NewKeyed only fails on a key of the wrong length.
		panic(err)
	}

	var lenBuf [binary.MaxVarintLen64]byte
	for _, id := range []model.UserRef{a, b} {
		n := binary.PutUvarint(lenBuf[:], uint64(len(id)))
		_, _ = hasher.Write(lenBuf[:n])
		_, _ = hasher.Write([]byte(id))
	}

	return model.RoomID(prefix + hex.EncodeToString(hasher.Sum(nil)))
}

// DeriveChecked is Derive with validation of the pair.
func DeriveChecked(a, b model.UserRef) (model.RoomID, error) {
	if !a.Valid() || !b.Valid() {
		return "", ErrInvalidUser
	}
	if a == b {
		return "", ErrSelfRoom
	}
	return Derive(a, b), nil
}

// Member reports whether user is one of the two parties of room, given the
// other party.
func Member(room model.RoomID, user, other model.UserRef) bool {
	return Derive(user, other) == room
}
