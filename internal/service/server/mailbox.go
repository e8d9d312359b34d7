package server

import (
	"context"
	"sync"

	"contact_chat/internal/model"
)

// Mailbox holds envelopes for a member who has not joined the room yet.
// Drain hands every held envelope out at most once.
type Mailbox interface {
	Push(ctx context.Context, user model.UserRef, room model.RoomID, envs ...*model.Envelope) error
	Drain(ctx context.Context, user model.UserRef, room model.RoomID) ([]*model.Envelope, error)
}

type mailboxKey struct {
	user model.UserRef
	room model.RoomID
}

type MemoryMailbox struct {
	mu    sync.Mutex
	boxes map[mailboxKey][]*model.Envelope
}

var _ Mailbox = (*MemoryMailbox)(nil)

func NewMemoryMailbox() *MemoryMailbox {
	return &MemoryMailbox{boxes: make(map[mailboxKey][]*model.Envelope)}
}

func (m *MemoryMailbox) Push(_ context.Context, user model.UserRef, room model.RoomID, envs ...*model.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := mailboxKey{user, room}
	for _, env := range envs {
		cp := *env
		m.boxes[k] = append(m.boxes[k], &cp)
	}
	return nil
}

func (m *MemoryMailbox) Drain(_ context.Context, user model.UserRef, room model.RoomID) ([]*model.Envelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := mailboxKey{user, room}
	envs := m.boxes[k]
	delete(m.boxes, k)
	return envs, nil
}

type deliveryLock struct {
	ch   chan struct{}
	refs int
}

// deliveryLocks serializes, per receiver and room, the gateway's "deliver
// or queue" step against the receiver joining and draining its mailbox.
type deliveryLocks struct {
	mu    sync.Mutex
	locks map[mailboxKey]*deliveryLock
}

func newDeliveryLocks() *deliveryLocks {
	return &deliveryLocks{locks: make(map[mailboxKey]*deliveryLock)}
}

func (d *deliveryLocks) acquire(ctx context.Context, user model.UserRef, room model.RoomID) (func(), error) {
	k := mailboxKey{user, room}

	d.mu.Lock()
	l, ok := d.locks[k]
	if !ok {
		l = &deliveryLock{ch: make(chan struct{}, 1)}
		d.locks[k] = l
	}
	l.refs++
	d.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
		return func() {
			<-l.ch
			d.release(k, l)
		}, nil
	case <-ctx.Done():
		d.release(k, l)
		return nil, ctx.Err()
	}
}

func (d *deliveryLocks) release(k mailboxKey, l *deliveryLock) {
	d.mu.Lock()
	defer d.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(d.locks, k)
	}
}
