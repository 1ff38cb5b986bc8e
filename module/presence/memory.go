package presence

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"IMRelay/module/chat/model"
)

const presenceShards = 16

// memStore shards by user id: many independent writers, infrequent
// readers per key, so per-shard locks beat one global lock.
type memStore struct {
	shards [presenceShards]*presenceShard
}

type presenceShard struct {
	mu     sync.RWMutex
	users  map[string]*model.Presence
	typing map[string]time.Time // user|conv -> expiry
}

func NewMemStore() Store {
	s := &memStore{}
	for i := range s.shards {
		s.shards[i] = &presenceShard{
			users:  make(map[string]*model.Presence),
			typing: make(map[string]time.Time),
		}
	}
	return s
}

func (s *memStore) shard(userID string) *presenceShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return s.shards[h.Sum32()%presenceShards]
}

func (s *memStore) SetStatus(ctx context.Context, userID, status string, now time.Time) (model.Presence, error) {
	sh := s.shard(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	p := &model.Presence{UserID: userID, Status: status, LastSeenMS: now.UnixMilli()}
	sh.users[userID] = p
	return *p, nil
}

func (s *memStore) Get(ctx context.Context, userID string) (model.Presence, error) {
	sh := s.shard(userID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	if p, ok := sh.users[userID]; ok {
		return *p, nil
	}
	return model.Presence{UserID: userID, Status: model.PresenceOffline}, nil
}

func (s *memStore) SetTyping(ctx context.Context, userID, convID string, typing bool, ttl time.Duration) error {
	sh := s.shard(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	k := userID + "|" + convID
	if typing {
		sh.typing[k] = time.Now().Add(ttl)
	} else {
		delete(sh.typing, k)
	}
	return nil
}

func (s *memStore) IsTyping(ctx context.Context, userID, convID string) (bool, error) {
	sh := s.shard(userID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	exp, ok := sh.typing[userID+"|"+convID]
	return ok && time.Now().Before(exp), nil
}
