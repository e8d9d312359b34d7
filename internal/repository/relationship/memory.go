package relationship

import (
	"context"
	"sort"
	"sync"

	"contact_chat/internal/model"
)

// MemoryBackend keeps edges in process memory. Writes to one pair are
// serialized by a per-pair lock; the map lock is only held while reading
// or applying a commit.
type MemoryBackend struct {
	locks *pairLocks

	mu    sync.RWMutex
	edges map[model.UserRef]map[model.UserRef]model.Relationship
}

var _ Backend = (*MemoryBackend)(nil)

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		locks: newPairLocks(),
		edges: make(map[model.UserRef]map[model.UserRef]model.Relationship),
	}
}

func (m *MemoryBackend) Update(ctx context.Context, a, b model.UserRef, fn func(Txn) error) error {
	unlock, err := m.locks.acquire(ctx, a, b)
	if err != nil {
		return err
	}
	defer unlock()

	txn := &memoryTxn{backend: m, a: a, b: b, staged: make(map[edgeKey]*model.Relationship)}
	if err := fn(txn); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.commit(txn.staged)
	return nil
}

func (m *MemoryBackend) List(ctx context.Context, owner model.UserRef) ([]*model.Relationship, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*model.Relationship, 0, len(m.edges[owner]))
	for _, rel := range m.edges[owner] {
		rel := rel
		out = append(out, &rel)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Other < out[j].Other })
	return out, nil
}

func (m *MemoryBackend) get(owner, other model.UserRef) *model.Relationship {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rel, ok := m.edges[owner][other]
	if !ok {
		return nil
	}
	return &rel
}

func (m *MemoryBackend) commit(staged map[edgeKey]*model.Relationship) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, rel := range staged {
		if rel == nil {
			delete(m.edges[key.owner], key.other)
			if len(m.edges[key.owner]) == 0 {
				delete(m.edges, key.owner)
			}
			continue
		}
		row, ok := m.edges[key.owner]
		if !ok {
			row = make(map[model.UserRef]model.Relationship)
			m.edges[key.owner] = row
		}
		row[key.other] = *rel
	}
}

type memoryTxn struct {
	backend *MemoryBackend
	a, b    model.UserRef
	staged  map[edgeKey]*model.Relationship
}

func (t *memoryTxn) Get(owner, other model.UserRef) (*model.Relationship, error) {
	if !inPair(t.a, t.b, owner, other) {
		return nil, ErrOutsidePair
	}
	if rel, ok := t.staged[edgeKey{owner, other}]; ok {
		if rel == nil {
			return nil, nil
		}
		cp := *rel
		return &cp, nil
	}
	return t.backend.get(owner, other), nil
}

func (t *memoryTxn) Put(rel *model.Relationship) error {
	if !inPair(t.a, t.b, rel.Owner, rel.Other) {
		return ErrOutsidePair
	}
	cp := *rel
	t.staged[edgeKey{rel.Owner, rel.Other}] = &cp
	return nil
}

func (t *memoryTxn) Delete(owner, other model.UserRef) error {
	if !inPair(t.a, t.b, owner, other) {
		return ErrOutsidePair
	}
	t.staged[edgeKey{owner, other}] = nil
	return nil
}
