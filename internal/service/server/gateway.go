package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"contact_chat/internal/model"
	"contact_chat/internal/protocol/roomid"
	"contact_chat/internal/repository/relationship"
	"contact_chat/internal/transport"
	"contact_chat/internal/utils/log"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	maxFrameSize = 1 << 20
	frameTimeout = 10 * time.Second
)

var (
	errMissingID      = errors.New("envelope id is required")
	errSenderMismatch = errors.New("sender does not match connection")
	errRoomMismatch   = errors.New("room does not match sender and receiver")
	errNotJoined      = errors.New("room not joined")
	errInvalidKind    = errors.New("unknown envelope kind")
)

func (s *HttpServer) HandleWS() http.HandlerFunc {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true // Allow all origins
		},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		userID := model.UserRef(r.URL.Query().Get("userID"))
		if !userID.Valid() {
			http.Error(w, "userID cannot be empty", http.StatusBadRequest)
			return
		}

		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Error("websocket upgrade failed", zap.Error(err))
			return
		}

		conn := NewConnection(userID, ws)
		s.hub.Attach(conn)
		log.Debug("websocket attached", zap.String("userID", userID.String()), zap.String("conn", conn.ID))
		go s.processWSMessage(conn)
	}
}

func (s *HttpServer) processWSMessage(conn *Connection) {
	defer func() {
		s.hub.Detach(conn)
		conn.Close(websocket.CloseNormalClosure, "")
	}()

	conn.ws.SetReadLimit(maxFrameSize)
	_ = conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	conn.ws.SetPongHandler(func(string) error {
		return conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			log.Debug("worker web socket closed", zap.String("userID", conn.UserID.String()), zap.Error(err))
			return
		}

		var frame transport.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			log.Error("Unmarshal frame failed", zap.Error(err))
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), frameTimeout)
		s.handleFrame(ctx, conn, &frame)
		cancel()
	}
}

func (s *HttpServer) handleFrame(ctx context.Context, conn *Connection, frame *transport.Frame) {
	switch frame.Event {
	case transport.EventJoin:
		s.handleJoin(ctx, conn, frame)
	case transport.EventLeave:
		s.handleLeave(conn, frame)
	case transport.EventEnvelope:
		s.handleEnvelope(ctx, conn, frame)
	default:
		log.Warn("unknown frame event", zap.String("event", frame.Event))
	}
}

func (s *HttpServer) send(conn *Connection, event string, v any) error {
	frame, err := transport.NewFrame(event, v)
	if err != nil {
		return err
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return conn.Send(data)
}

func (s *HttpServer) reply(conn *Connection, event string, v any) {
	if err := s.send(conn, event, v); err != nil {
		log.Warn("reply failed", zap.String("event", event), zap.String("userID", conn.UserID.String()), zap.Error(err))
	}
}

func (s *HttpServer) handleJoin(ctx context.Context, conn *Connection, frame *transport.Frame) {
	var req transport.RoomRequest
	if err := frame.Decode(&req); err != nil {
		log.Error("decode join failed", zap.Error(err))
		return
	}

	reply := transport.RoomReply{RoomName: roomid.Derive(conn.UserID, req.ContactID)}
	err := s.checkRoom(ctx, conn.UserID, req.ContactID)
	if err == nil {
		// Held across join and drain; a sender cannot queue in between.
		var unlock func()
		unlock, err = s.deliveries.acquire(ctx, conn.UserID, reply.RoomName)
		if err == nil {
			defer unlock()
		}
	}
	switch {
	case err == nil:
		if s.hub.Join(reply.RoomName, conn) {
			reply.Status = transport.StatusJoined
		} else {
			reply.Status, reply.Error = transport.StatusError, errConnClosed.Error()
		}
	case errors.Is(err, relationship.ErrBlocked):
		reply.Status = transport.StatusBlocked
	default:
		reply.Status, reply.Error = transport.StatusError, err.Error()
	}
	s.reply(conn, transport.EventJoin, reply)

	if reply.Status == transport.StatusJoined {
		s.flushMailbox(ctx, conn, reply.RoomName)
	}
}

func (s *HttpServer) checkRoom(ctx context.Context, self, contact model.UserRef) error {
	if _, err := roomid.DeriveChecked(self, contact); err != nil {
		return err
	}
	return s.relationships.CheckMessaging(ctx, self, contact)
}

func (s *HttpServer) handleLeave(conn *Connection, frame *transport.Frame) {
	var req transport.RoomRequest
	if err := frame.Decode(&req); err != nil {
		log.Error("decode leave failed", zap.Error(err))
		return
	}
	room := roomid.Derive(conn.UserID, req.ContactID)
	s.hub.Leave(room, conn)
	s.reply(conn, transport.EventLeave, transport.RoomReply{RoomName: room, Status: transport.StatusLeft})
}

// flushMailbox forwards envelopes queued for conn's user in room. What
// cannot be sent goes back to the mailbox.
func (s *HttpServer) flushMailbox(ctx context.Context, conn *Connection, room model.RoomID) {
	envs, err := s.mailbox.Drain(ctx, conn.UserID, room)
	if err != nil {
		log.Error("forward msg failed", zap.String("userID", conn.UserID.String()), zap.Error(err))
		return
	}
	for i, env := range envs {
		if err := s.send(conn, transport.EventEnvelope, env); err != nil {
			if err := s.mailbox.Push(ctx, conn.UserID, room, envs[i:]...); err != nil {
				log.Error("requeue failed", zap.String("userID", conn.UserID.String()), zap.Int("lost", len(envs)-i), zap.Error(err))
			}
			return
		}
	}
	if len(envs) > 0 {
		log.Debug("forwarded queued envelopes", zap.String("userID", conn.UserID.String()), zap.Int("count", len(envs)))
	}
}

func (s *HttpServer) handleEnvelope(ctx context.Context, conn *Connection, frame *transport.Frame) {
	var env model.Envelope
	if err := frame.Decode(&env); err != nil {
		log.Error("decode envelope failed", zap.Error(err))
		return
	}

	status, err := s.relayEnvelope(ctx, conn, &env)
	ack := transport.Ack{ID: env.ID, Status: status}
	if err != nil {
		ack.Error = err.Error()
		log.Warn("envelope rejected",
			zap.String("id", env.ID),
			zap.String("sender", conn.UserID.String()),
			zap.String("status", status),
			zap.Error(err))
	}
	s.reply(conn, transport.EventAck, ack)
}

// relayEnvelope checks env, records it and hands it to the receiver or the
// mailbox. It returns the acknowledgement status.
func (s *HttpServer) relayEnvelope(ctx context.Context, conn *Connection, env *model.Envelope) (string, error) {
	if env.ID == "" {
		return transport.StatusError, errMissingID
	}
	if env.SenderID != conn.UserID {
		return transport.StatusError, errSenderMismatch
	}
	if !env.Kind.Valid() {
		return transport.StatusError, errInvalidKind
	}
	room, err := roomid.DeriveChecked(env.SenderID, env.ReceiverID)
	if err != nil {
		return transport.StatusError, err
	}
	if room != env.RoomID {
		return transport.StatusError, errRoomMismatch
	}

	// Block wins over an accepted edge on either side.
	if err := s.relationships.CheckMessaging(ctx, env.SenderID, env.ReceiverID); err != nil {
		if errors.Is(err, relationship.ErrBlocked) {
			return transport.StatusBlocked, err
		}
		return transport.StatusError, err
	}
	if !s.hub.Joined(room, conn) {
		return transport.StatusError, errNotJoined
	}

	if err := s.messages.Apply(ctx, env); err != nil {
		return transport.StatusError, err
	}
	if s.relay != nil {
		if err := s.relay.Publish(ctx, env); err != nil {
			log.Warn("relay publish failed", zap.String("id", env.ID), zap.Error(err))
		}
	}

	frame, err := transport.NewFrame(transport.EventEnvelope, env)
	if err != nil {
		return transport.StatusError, err
	}
	payload, err := json.Marshal(frame)
	if err != nil {
		return transport.StatusError, err
	}
	unlock, err := s.deliveries.acquire(ctx, env.ReceiverID, room)
	if err != nil {
		return transport.StatusError, err
	}
	defer unlock()

	if err := s.hub.Deliver(room, env.ReceiverID, payload); err == nil {
		return transport.StatusDelivered, nil
	}

	if err := s.mailbox.Push(ctx, env.ReceiverID, room, env); err != nil {
		log.Error("queue envelope failed", zap.String("receiver", env.ReceiverID.String()), zap.Error(err))
		return transport.StatusError, errors.Wrap(err, "queue envelope")
	}
	return transport.StatusQueued, nil
}
