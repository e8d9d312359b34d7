package relationship

import (
	"context"
	"sync"

	"contact_chat/internal/model"
)

type pairKey struct {
	lo, hi model.UserRef
}

func newPairKey(a, b model.UserRef) pairKey {
	if b < a {
		a, b = b, a
	}
	return pairKey{lo: a, hi: b}
}

type pairLock struct {
	ch   chan struct{}
	refs int
}

// pairLocks hands out one lock per unordered pair. Entries are dropped when
// the last holder or waiter releases them.
type pairLocks struct {
	mu    sync.Mutex
	locks map[pairKey]*pairLock
}

func newPairLocks() *pairLocks {
	return &pairLocks{locks: make(map[pairKey]*pairLock)}
}

func (p *pairLocks) acquire(ctx context.Context, a, b model.UserRef) (func(), error) {
	key := newPairKey(a, b)

	p.mu.Lock()
	l, ok := p.locks[key]
	if !ok {
		l = &pairLock{ch: make(chan struct{}, 1)}
		p.locks[key] = l
	}
	l.refs++
	p.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
		return func() {
			<-l.ch
			p.release(key, l)
		}, nil
	case <-ctx.Done():
		p.release(key, l)
		return nil, ctx.Err()
	}
}

func (p *pairLocks) release(key pairKey, l *pairLock) {
	p.mu.Lock()
	defer p.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(p.locks, key)
	}
}

func (p *pairLocks) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.locks)
}
