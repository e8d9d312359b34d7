package model

import (
	"strings"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type (
	// UserRef is the opaque, immutable identifier of an account holder.
	UserRef string

	User struct {
		ID       primitive.ObjectID `bson:"_id,omitempty" json:"-"`
		UserID   UserRef            `bson:"user_id" json:"userID"`
		Username string             `bson:"username" json:"username"`
	}
)

func (u UserRef) String() string {
	return string(u)
}

func (u UserRef) Valid() bool {
	return strings.TrimSpace(string(u)) != "" && strings.TrimSpace(string(u)) == string(u)
}

// NormalizeUsername lower-cases and trims a username the way accounts are stored.
func NormalizeUsername(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
