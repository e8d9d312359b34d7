package message

import (
	"context"
	"sync"

	"contact_chat/internal/model"
)

type MemoryLog struct {
	mu       sync.RWMutex
	messages map[string]*model.Message
}

var _ Log = (*MemoryLog)(nil)

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{messages: make(map[string]*model.Message)}
}

func (l *MemoryLog) Apply(_ context.Context, env *model.Envelope) error {
	if !env.Kind.Valid() {
		return ErrInvalidKind
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if env.Kind == model.KindMessage {
		if _, ok := l.messages[env.ID]; !ok {
			l.messages[env.ID] = env.ToMessage()
		}
		return nil
	}

	m, ok := l.messages[env.Target()]
	if !ok {
		return ErrNotFound
	}
	switch env.Kind {
	case model.KindRead:
		if m.ReceiverID != env.SenderID {
			return ErrNotPermitted
		}
		m.IsRead = true
	case model.KindEdit:
		if m.SenderID != env.SenderID {
			return ErrNotPermitted
		}
		if !env.CreatedAt.After(m.UpdatedAt) {
			return nil
		}
		m.EditHistory = append(m.EditHistory, model.Edit{
			Ciphertext: m.Ciphertext,
			Algo:       m.Algo,
			KeyVersion: m.KeyVersion,
			At:         m.UpdatedAt,
		})
		m.Ciphertext = append([]byte(nil), env.Ciphertext...)
		m.Algo = env.Algo
		m.KeyVersion = env.KeyVersion
		m.UpdatedAt = env.CreatedAt
	case model.KindReaction:
		if !m.HasReaction(env.SenderID, env.Reaction) {
			m.Reactions = append(m.Reactions, model.Reaction{UserID: env.SenderID, Tag: env.Reaction, At: env.CreatedAt})
		}
	}
	return nil
}

func (l *MemoryLog) History(_ context.Context, room model.RoomID, limit int64) ([]*model.Message, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []*model.Message
	for _, m := range l.messages {
		if m.RoomID != room {
			continue
		}
		cp := *m
		cp.EditHistory = append([]model.Edit{}, m.EditHistory...)
		cp.Reactions = append([]model.Reaction{}, m.Reactions...)
		out = append(out, &cp)
	}
	model.SortMessages(out)
	if limit > 0 && int64(len(out)) > limit {
		out = out[int64(len(out))-limit:]
	}
	return out, nil
}
