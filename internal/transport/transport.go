// Package transport moves envelopes between the members of a room. The
// wire frames shared by the websocket gateway and its client live here too.
package transport

import (
	"context"
	"encoding/json"

	"contact_chat/internal/model"

	"github.com/pkg/errors"
)

var (
	ErrBlocked      = errors.New("transport: pair is blocked")
	ErrJoinRejected = errors.New("transport: join rejected")
	ErrNotJoined    = errors.New("transport: room not joined")
	ErrClosed       = errors.New("transport: connection closed")
	ErrRejected     = errors.New("transport: envelope rejected")
)

type (
	// Membership identifies one member's view of a room.
	Membership struct {
		Room model.RoomID
		Self model.UserRef
		Peer model.UserRef
	}

	// Handler receives envelopes addressed to a joined member.
	Handler func(env *model.Envelope)

	// Transport is what a RoomSession needs from the network. Join returns
	// once the room is confirmed; Publish returns once the envelope has been
	// accepted for delivery.
	Transport interface {
		Join(ctx context.Context, m Membership, h Handler) error
		Leave(ctx context.Context, m Membership) error
		Publish(ctx context.Context, env *model.Envelope) error
	}
)

// Realtime events.
const (
	EventJoin     = "rooms.private.join"
	EventLeave    = "rooms.private.leave"
	EventEnvelope = "envelope"
	EventAck      = "envelope.ack"
)

// Room and acknowledgement statuses.
const (
	StatusJoined    = "joined"
	StatusLeft      = "left"
	StatusBlocked   = "blocked"
	StatusError     = "error"
	StatusDelivered = "delivered"
	StatusQueued    = "queued"
)

type (
	Frame struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
	}

	RoomRequest struct {
		ContactID model.UserRef `json:"contactID"`
	}

	RoomReply struct {
		RoomName model.RoomID `json:"roomName"`
		Status   string       `json:"status"`
		Error    string       `json:"error,omitempty"`
	}

	Ack struct {
		ID     string `json:"id"`
		Status string `json:"status"`
		Error  string `json:"error,omitempty"`
	}
)

// NewFrame encodes v as the data of a frame for event.
func NewFrame(event string, v any) (*Frame, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrapf(err, "encode %s frame", event)
	}
	return &Frame{Event: event, Data: data}, nil
}

// Decode unmarshals the frame data into v.
func (f *Frame) Decode(v any) error {
	return errors.Wrapf(json.Unmarshal(f.Data, v), "decode %s frame", f.Event)
}
