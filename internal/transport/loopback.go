package transport

import (
	"context"
	"sync"

	"contact_chat/internal/model"
)

type memberKey struct {
	room model.RoomID
	user model.UserRef
}

// Loopback delivers envelopes between sessions in one process. Envelopes
// for a member that has not joined are held and flushed when it joins.
type Loopback struct {
	mu      sync.Mutex
	members map[memberKey]Handler
	held    map[memberKey][]*model.Envelope
}

var _ Transport = (*Loopback)(nil)

func NewLoopback() *Loopback {
	return &Loopback{
		members: make(map[memberKey]Handler),
		held:    make(map[memberKey][]*model.Envelope),
	}
}

func (l *Loopback) Join(ctx context.Context, m Membership, h Handler) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := memberKey{m.Room, m.Self}

	l.mu.Lock()
	l.members[key] = h
	held := l.held[key]
	delete(l.held, key)
	l.mu.Unlock()

	for _, env := range held {
		h(env)
	}
	return nil
}

func (l *Loopback) Leave(_ context.Context, m Membership) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.members, memberKey{m.Room, m.Self})
	return nil
}

func (l *Loopback) Publish(ctx context.Context, env *model.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := memberKey{env.RoomID, env.ReceiverID}
	cp := *env

	l.mu.Lock()
	h, ok := l.members[key]
	if !ok {
		l.held[key] = append(l.held[key], &cp)
	}
	l.mu.Unlock()

	if ok {
		h(&cp)
	}
	return nil
}

// Held reports how many envelopes wait for user in room.
func (l *Loopback) Held(room model.RoomID, user model.UserRef) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.held[memberKey{room, user}])
}
