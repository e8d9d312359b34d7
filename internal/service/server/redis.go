package server

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"contact_chat/internal/model"
	"contact_chat/internal/service/redis"
	"contact_chat/internal/utils/log"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// RedisMailbox keeps one Redis list per receiver and room.
type RedisMailbox struct {
	redisService *redis.RedisService
	ttl          time.Duration
}

var _ Mailbox = (*RedisMailbox)(nil)

func NewRedisMailbox(redisService *redis.RedisService, ttl time.Duration) *RedisMailbox {
	return &RedisMailbox{redisService: redisService, ttl: ttl}
}

func mailboxKeyOf(user model.UserRef, room model.RoomID) string {
	return fmt.Sprintf("mailbox:%s:%s", user, room)
}

func (m *RedisMailbox) Push(ctx context.Context, user model.UserRef, room model.RoomID, envs ...*model.Envelope) error {
	vals := make([]any, 0, len(envs))
	for _, env := range envs {
		data, err := json.Marshal(env)
		if err != nil {
			return errors.Wrap(err, "encode envelope")
		}
		vals = append(vals, data)
	}
	return m.redisService.Push(ctx, mailboxKeyOf(user, room), m.ttl, vals...)
}

func (m *RedisMailbox) Drain(ctx context.Context, user model.UserRef, room model.RoomID) ([]*model.Envelope, error) {
	vals, err := m.redisService.Drain(ctx, mailboxKeyOf(user, room))
	if err != nil {
		return nil, err
	}

	res := make([]*model.Envelope, 0, len(vals))
	for _, v := range vals {
		var env model.Envelope
		if err := json.Unmarshal([]byte(v), &env); err != nil {
			log.Error("dropping undecodable mailbox entry", zap.String("user", user.String()), zap.Error(err))
			continue
		}
		res = append(res, &env)
	}
	return res, nil
}
