package model

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

type RoomID string

func (r RoomID) String() string {
	return string(r)
}

type (
	Attachment struct {
		ID          string `bson:"id" json:"id"`
		ContentType string `bson:"content_type" json:"contentType"`
		Size        int64  `bson:"size" json:"size"`
		Digest      string `bson:"digest,omitempty" json:"digest,omitempty"`
	}

	// Edit is a prior version of a message body.
	Edit struct {
		Ciphertext []byte    `bson:"ciphertext" json:"ciphertext"`
		Algo       string    `bson:"algo" json:"algo"`
		KeyVersion uint32    `bson:"key_version" json:"keyVersion"`
		At         time.Time `bson:"at" json:"at"`
	}

	Reaction struct {
		UserID UserRef   `bson:"user_id" json:"userID"`
		Tag    string    `bson:"tag" json:"tag"`
		At     time.Time `bson:"at" json:"at"`
	}

	Message struct {
		ID          string       `bson:"_id" json:"id"`
		RoomID      RoomID       `bson:"room_id" json:"roomID"`
		SenderID    UserRef      `bson:"sender_id" json:"senderID"`
		ReceiverID  UserRef      `bson:"receiver_id" json:"receiverID"`
		Ciphertext  []byte       `bson:"ciphertext" json:"ciphertext"`
		Algo        string       `bson:"algo" json:"algo"`
		KeyVersion  uint32       `bson:"key_version" json:"keyVersion"`
		CreatedAt   time.Time    `bson:"created_at" json:"createdAt"`
		UpdatedAt   time.Time    `bson:"updated_at" json:"updatedAt"`
		IsRead      bool         `bson:"is_read" json:"isRead"`
		Attachments []Attachment `bson:"attachments" json:"attachments"`
		EditHistory []Edit       `bson:"edit_history" json:"editHistory"`
		Reactions   []Reaction   `bson:"reactions" json:"reactions"`
	}
)

// NewMessageID returns a fresh client-side message id.
func NewMessageID() string {
	return uuid.NewString()
}

// HasReaction reports whether user already reacted with tag.
func (m *Message) HasReaction(user UserRef, tag string) bool {
	for _, r := range m.Reactions {
		if r.UserID == user && r.Tag == tag {
			return true
		}
	}
	return false
}

// Before orders messages by creation time, then id.
func (m *Message) Before(other *Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.ID < other.ID
}

// SortMessages orders messages for rendering; arrival order is not used.
func SortMessages(msgs []*Message) {
	sort.Slice(msgs, func(i, j int) bool {
		return msgs[i].Before(msgs[j])
	})
}
