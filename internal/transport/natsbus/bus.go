// Package natsbus carries room envelopes over NATS subjects
// rooms.private.<roomID>. It suits trusted service participants such as
// bots or other nodes; relationship checks stay with the session.
package natsbus

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"contact_chat/internal/model"
	"contact_chat/internal/transport"
	"contact_chat/internal/utils/log"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const subjectPrefix = "rooms.private."

type (
	Config struct {
		URL           string
		Name          string
		ReconnectWait time.Duration
		Timeout       time.Duration
	}

	Bus struct {
		nc *nats.Conn

		mu   sync.Mutex
		subs map[transport.Membership]*nats.Subscription
	}
)

var _ transport.Transport = (*Bus)(nil)

// Subject returns the NATS subject of a room.
func Subject(room model.RoomID) string {
	return subjectPrefix + room.String()
}

func Connect(cfg Config) (*Bus, error) {
	if cfg.URL == "" {
		return nil, errors.New("natsbus: url missing")
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 500 * time.Millisecond
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 3 * time.Second
	}
	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
	)
	if err != nil {
		return nil, errors.Wrap(err, "natsbus: connect")
	}
	return New(nc), nil
}

func New(nc *nats.Conn) *Bus {
	return &Bus{
		nc:   nc,
		subs: make(map[transport.Membership]*nats.Subscription),
	}
}

// Join subscribes to the room subject and waits for the server to
// register the subscription. Envelopes sent by self are not delivered back.
func (b *Bus) Join(ctx context.Context, m transport.Membership, h transport.Handler) error {
	if strings.ContainsAny(m.Room.String(), " .*>") {
		return errors.Errorf("natsbus: room %q is not a valid subject token", m.Room)
	}

	sub, err := b.nc.Subscribe(Subject(m.Room), func(msg *nats.Msg) {
		var env model.Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			log.Warn("natsbus: dropping malformed envelope", zap.String("subject", msg.Subject), zap.Error(err))
			return
		}
		if env.SenderID == m.Self || env.ReceiverID != m.Self {
			return
		}
		h(&env)
	})
	if err != nil {
		return errors.Wrap(err, "natsbus: subscribe")
	}
	if err := b.nc.FlushWithContext(ctx); err != nil {
		_ = sub.Unsubscribe()
		return errors.Wrap(err, "natsbus: confirm subscription")
	}

	b.mu.Lock()
	prev := b.subs[m]
	b.subs[m] = sub
	b.mu.Unlock()
	if prev != nil {
		_ = prev.Unsubscribe()
	}
	return nil
}

func (b *Bus) Leave(_ context.Context, m transport.Membership) error {
	b.mu.Lock()
	sub, ok := b.subs[m]
	delete(b.subs, m)
	b.mu.Unlock()
	if !ok {
		return transport.ErrNotJoined
	}
	return errors.Wrap(sub.Unsubscribe(), "natsbus: unsubscribe")
}

// Publish sends env on its room subject and flushes so that the server has
// accepted it before returning.
func (b *Bus) Publish(ctx context.Context, env *model.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return errors.Wrap(err, "natsbus: encode envelope")
	}
	if err := b.nc.Publish(Subject(env.RoomID), data); err != nil {
		if errors.Is(err, nats.ErrConnectionClosed) {
			return transport.ErrClosed
		}
		return errors.Wrap(err, "natsbus: publish")
	}
	return errors.Wrap(b.nc.FlushWithContext(ctx), "natsbus: flush")
}

func (b *Bus) Close() error {
	b.mu.Lock()
	for m, sub := range b.subs {
		_ = sub.Unsubscribe()
		delete(b.subs, m)
	}
	b.mu.Unlock()
	return b.nc.Drain()
}
