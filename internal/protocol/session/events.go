package session

import "contact_chat/internal/model"

type EventKind string

const (
	EventReceived      EventKind = "received"
	EventEdited        EventKind = "edited"
	EventReacted       EventKind = "reacted"
	EventRead          EventKind = "read"
	EventUndeliverable EventKind = "undeliverable"
	EventRevoked       EventKind = "revoked"
)

type (
	// Event reports something that happened to the session outside of a
	// direct call, such as an incoming envelope.
	Event struct {
		Kind      EventKind
		MessageID string
		Envelope  *model.Envelope
		Err       error
	}

	// Observer is called outside the session lock, in the goroutine that
	// caused the event.
	Observer func(Event)

	// AckFunc reports the hand-off result of one sent message.
	AckFunc func(messageID string, err error)
)
