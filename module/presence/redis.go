package presence

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"IMRelay/module/chat/model"
)

const presenceTTL = time.Hour // stale records decay to offline

type redisStore struct {
	rdb redis.UniversalClient
}

// NewRedisStore shares presence across gateway nodes. TTLs make redis
// self-cleaning; the Tracker still drives typing-expiry broadcasts for
// flags set through this node.
func NewRedisStore(rdb redis.UniversalClient) Store {
	return &redisStore{rdb: rdb}
}

func statusKey(user string) string       { return "im:presence:" + user }
func typingKey(conv, user string) string { return "im:typing:" + conv + ":" + user }

func (s *redisStore) SetStatus(ctx context.Context, userID, status string, now time.Time) (model.Presence, error) {
	p := model.Presence{UserID: userID, Status: status, LastSeenMS: now.UnixMilli()}
	err := s.rdb.HSet(ctx, statusKey(userID),
		"status", status,
		"last_seen_ms", p.LastSeenMS,
	).Err()
	if err != nil {
		return p, errors.Wrap(err, "set presence")
	}
	return p, errors.Wrap(s.rdb.Expire(ctx, statusKey(userID), presenceTTL).Err(), "presence ttl")
}

func (s *redisStore) Get(ctx context.Context, userID string) (model.Presence, error) {
	vals, err := s.rdb.HGetAll(ctx, statusKey(userID)).Result()
	if err != nil {
		return model.Presence{}, errors.Wrap(err, "get presence")
	}
	if len(vals) == 0 {
		return model.Presence{UserID: userID, Status: model.PresenceOffline}, nil
	}
	last, _ := strconv.ParseInt(vals["last_seen_ms"], 10, 64)
	return model.Presence{UserID: userID, Status: vals["status"], LastSeenMS: last}, nil
}

func (s *redisStore) SetTyping(ctx context.Context, userID, convID string, typing bool, ttl time.Duration) error {
	if !typing {
		return errors.Wrap(s.rdb.Del(ctx, typingKey(convID, userID)).Err(), "clear typing")
	}
	return errors.Wrap(s.rdb.Set(ctx, typingKey(convID, userID), "1", ttl).Err(), "set typing")
}

func (s *redisStore) IsTyping(ctx context.Context, userID, convID string) (bool, error) {
	n, err := s.rdb.Exists(ctx, typingKey(convID, userID)).Result()
	return n > 0, errors.Wrap(err, "typing exists")
}
