package model

import "time"

type EnvelopeKind string

const (
	KindMessage  EnvelopeKind = "message"
	KindRead     EnvelopeKind = "read"
	KindEdit     EnvelopeKind = "edit"
	KindReaction EnvelopeKind = "reaction"
)

type (
	// Envelope is the wire unit for one message event. ID is the envelope's
	// own id; MessageID names the message it targets (equal to ID for
	// KindMessage).
	Envelope struct {
		Kind        EnvelopeKind `json:"kind"`
		ID          string       `json:"id"`
		RoomID      RoomID       `json:"roomID"`
		SenderID    UserRef      `json:"senderID"`
		ReceiverID  UserRef      `json:"receiverID"`
		MessageID   string       `json:"messageID"`
		Ciphertext  []byte       `json:"ciphertext,omitempty"`
		Algo        string       `json:"algo,omitempty"`
		KeyVersion  uint32       `json:"keyVersion,omitempty"`
		CreatedAt   time.Time    `json:"createdAt"`
		Reaction    string       `json:"reaction,omitempty"`
		Attachments []Attachment `json:"attachments,omitempty"`
	}
)

func (k EnvelopeKind) Valid() bool {
	switch k {
	case KindMessage, KindRead, KindEdit, KindReaction:
		return true
	}
	return false
}

// Target returns the id of the message the envelope refers to.
func (e *Envelope) Target() string {
	if e.Kind == KindMessage || e.MessageID == "" {
		return e.ID
	}
	return e.MessageID
}

// ToMessage builds the message record carried by a KindMessage envelope.
func (e *Envelope) ToMessage() *Message {
	return &Message{
		ID:          e.ID,
		RoomID:      e.RoomID,
		SenderID:    e.SenderID,
		ReceiverID:  e.ReceiverID,
		Ciphertext:  append([]byte(nil), e.Ciphertext...),
		Algo:        e.Algo,
		KeyVersion:  e.KeyVersion,
		CreatedAt:   e.CreatedAt,
		UpdatedAt:   e.CreatedAt,
		Attachments: append([]Attachment{}, e.Attachments...),
		EditHistory: []Edit{},
		Reactions:   []Reaction{},
	}
}
