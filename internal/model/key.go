package model

import "time"

type (
	// KeyRecord is a user's published public encryption key. Only public
	// halves are ever modelled.
	KeyRecord struct {
		UserID    UserRef   `bson:"user_id" json:"userID"`
		PublicKey []byte    `bson:"public_key" json:"publicKey"`
		Version   uint32    `bson:"version" json:"version"`
		CreatedAt time.Time `bson:"created_at" json:"createdAt"`
	}
)
