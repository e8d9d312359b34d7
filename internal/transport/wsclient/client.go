// Package wsclient is the client side of the realtime gateway.
package wsclient

import (
	"context"
	"net/url"
	"sync"
	"time"

	"contact_chat/internal/model"
	"contact_chat/internal/transport"
	"contact_chat/internal/utils/log"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const writeWait = 10 * time.Second

type (
	replyKey struct {
		event string
		room  model.RoomID
	}

	// Client is one user's websocket connection to the gateway. It
	// implements transport.Transport.
	Client struct {
		conn *websocket.Conn
		self model.UserRef

		writeMu sync.Mutex

		mu       sync.Mutex
		handlers map[model.RoomID]transport.Handler
		early    map[model.RoomID][]*model.Envelope
		replies  map[replyKey]chan transport.RoomReply
		acks     map[string]chan transport.Ack
		err      error

		done chan struct{}
	}
)

var _ transport.Transport = (*Client)(nil)

// Dial connects self to the gateway at host.
func Dial(ctx context.Context, host string, self model.UserRef) (*Client, error) {
	params := url.Values{
		"userID": []string{self.String()},
	}
	u := url.URL{
		Scheme:   "ws",
		Host:     host,
		Path:     "/ws",
		RawQuery: params.Encode(),
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "dial gateway")
	}
	return newClient(conn, self), nil
}

func newClient(conn *websocket.Conn, self model.UserRef) *Client {
	c := &Client{
		conn:     conn,
		self:     self,
		handlers: make(map[model.RoomID]transport.Handler),
		early:    make(map[model.RoomID][]*model.Envelope),
		replies:  make(map[replyKey]chan transport.RoomReply),
		acks:     make(map[string]chan transport.Ack),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	c.writeMu.Unlock()
	return c.conn.Close()
}

func (c *Client) write(f *transport.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return errors.Wrap(c.conn.WriteJSON(f), "write frame")
}

func (c *Client) Join(ctx context.Context, m transport.Membership, h transport.Handler) error {
	reply, err := c.roundTrip(ctx, transport.EventJoin, m)
	if err != nil {
		return err
	}
	switch reply.Status {
	case transport.StatusJoined:
	case transport.StatusBlocked:
		return transport.ErrBlocked
	default:
		return errors.Wrap(transport.ErrJoinRejected, reply.Error)
	}

	c.mu.Lock()
	c.handlers[m.Room] = h
	early := c.early[m.Room]
	delete(c.early, m.Room)
	c.mu.Unlock()

	for _, env := range early {
		h(env)
	}
	return nil
}

func (c *Client) Leave(ctx context.Context, m transport.Membership) error {
	c.mu.Lock()
	delete(c.handlers, m.Room)
	c.mu.Unlock()

	reply, err := c.roundTrip(ctx, transport.EventLeave, m)
	if err != nil {
		return err
	}
	if reply.Status != transport.StatusLeft {
		return errors.Wrap(transport.ErrJoinRejected, reply.Error)
	}
	return nil
}

func (c *Client) roundTrip(ctx context.Context, event string, m transport.Membership) (transport.RoomReply, error) {
	key := replyKey{event: event, room: m.Room}
	ch := make(chan transport.RoomReply, 1)

	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return transport.RoomReply{}, c.err
	}
	c.replies[key] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.replies, key)
		c.mu.Unlock()
	}()

	frame, err := transport.NewFrame(event, transport.RoomRequest{ContactID: m.Peer})
	if err != nil {
		return transport.RoomReply{}, err
	}
	if err := c.write(frame); err != nil {
		return transport.RoomReply{}, err
	}

	select {
	case reply := <-ch:
		return reply, nil
	case <-ctx.Done():
		return transport.RoomReply{}, ctx.Err()
	case <-c.done:
		return transport.RoomReply{}, transport.ErrClosed
	}
}

// Publish sends env and waits for the gateway's acknowledgement.
func (c *Client) Publish(ctx context.Context, env *model.Envelope) error {
	ch := make(chan transport.Ack, 1)

	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return c.err
	}
	c.acks[env.ID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.acks, env.ID)
		c.mu.Unlock()
	}()

	frame, err := transport.NewFrame(transport.EventEnvelope, env)
	if err != nil {
		return err
	}
	if err := c.write(frame); err != nil {
		return err
	}

	select {
	case ack := <-ch:
		switch ack.Status {
		case transport.StatusDelivered, transport.StatusQueued:
			return nil
		case transport.StatusBlocked:
			return transport.ErrBlocked
		}
		return errors.Wrap(transport.ErrRejected, ack.Error)
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return transport.ErrClosed
	}
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		var frame transport.Frame
		if err := c.conn.ReadJSON(&frame); err != nil {
			log.Debug("gateway connection closed", zap.Error(err))
			c.mu.Lock()
			c.err = transport.ErrClosed
			c.mu.Unlock()
			return
		}
		if err := c.dispatch(&frame); err != nil {
			log.Warn("dropping gateway frame", zap.String("event", frame.Event), zap.Error(err))
		}
	}
}

func (c *Client) dispatch(frame *transport.Frame) error {
	switch frame.Event {
	case transport.EventJoin, transport.EventLeave:
		var reply transport.RoomReply
		if err := frame.Decode(&reply); err != nil {
			return err
		}
		c.mu.Lock()
		ch, ok := c.replies[replyKey{event: frame.Event, room: reply.RoomName}]
		c.mu.Unlock()
		if ok {
			select {
			case ch <- reply:
			default:
			}
		}

	case transport.EventAck:
		var ack transport.Ack
		if err := frame.Decode(&ack); err != nil {
			return err
		}
		c.mu.Lock()
		ch, ok := c.acks[ack.ID]
		c.mu.Unlock()
		if ok {
			select {
			case ch <- ack:
			default:
			}
		}

	case transport.EventEnvelope:
		var env model.Envelope
		if err := frame.Decode(&env); err != nil {
			return err
		}
		c.mu.Lock()
		h, ok := c.handlers[env.RoomID]
		if !ok {
			c.early[env.RoomID] = append(c.early[env.RoomID], &env)
		}
		c.mu.Unlock()
		if ok {
			h(&env)
		}

	default:
		return errors.Errorf("unknown event %q", frame.Event)
	}
	return nil
}
