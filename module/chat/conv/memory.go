package conv

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"IMRelay/module/chat/model"
	"IMRelay/tools/errs"
)

// memStore keeps everything under one RWMutex; conversation churn is
// low compared to message traffic so a single lock is fine here.
type memStore struct {
	mu       sync.RWMutex
	byID     map[string]*model.Conversation
	byDirect map[string]string // direct pair key -> conversation id
	clock    func() time.Time
}

func NewMemStore() Store {
	return &memStore{
		byID:     make(map[string]*model.Conversation),
		byDirect: make(map[string]string),
		clock:    time.Now,
	}
}

// NewMemStoreWithClock is for tests that need deterministic timestamps.
func NewMemStoreWithClock(clock func() time.Time) Store {
	s := NewMemStore().(*memStore)
	s.clock = clock
	return s
}

func (s *memStore) CreateOrGetDirect(ctx context.Context, userA, userB string) (*model.Conversation, error) {
	if userA == "" || userB == "" || userA == userB {
		return nil, errs.ErrInvalidParticipantCount
	}
	key := model.DirectKey(userA, userB)

	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byDirect[key]; ok {
		return clone(s.byID[id]), nil
	}
	c := &model.Conversation{
		ID:           uuid.NewString(),
		Type:         model.ConversationDirect,
		Participants: []string{userA, userB},
		DirectKey:    key,
		CreatedAtMS:  s.clock().UnixMilli(),
	}
	s.byID[c.ID] = c
	s.byDirect[key] = c.ID
	return clone(c), nil
}

func (s *memStore) CreateGroup(ctx context.Context, participants []string, name string) (*model.Conversation, error) {
	participants = dedupe(participants)
	if len(participants) < 3 {
		return nil, errs.ErrInvalidParticipantCount
	}
	c := &model.Conversation{
		ID:           uuid.NewString(),
		Type:         model.ConversationGroup,
		Name:         name,
		Participants: participants,
		CreatedAtMS:  s.clock().UnixMilli(),
	}
	s.mu.Lock()
	s.byID[c.ID] = c
	s.mu.Unlock()
	return clone(c), nil
}

func (s *memStore) AddParticipant(ctx context.Context, conversationID, userID string) (*model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byID[conversationID]
	if !ok {
		return nil, errs.ErrNotFound
	}
	if !c.IsGroup() {
		return nil, errs.ErrNotAGroup
	}
	if !c.HasParticipant(userID) {
		c.Participants = append(c.Participants, userID)
	}
	return clone(c), nil
}

func (s *memStore) Get(ctx context.Context, conversationID string) (*model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.byID[conversationID]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return clone(c), nil
}

func (s *memStore) ListForUser(ctx context.Context, userID string) ([]*model.Conversation, error) {
	s.mu.RLock()
	out := make([]*model.Conversation, 0, 8)
	for _, c := range s.byID {
		if c.HasParticipant(userID) {
			out = append(out, clone(c))
		}
	}
	s.mu.RUnlock()

	sortForList(out)
	return out, nil
}

func (s *memStore) SetLastMessage(ctx context.Context, conversationID string, lm *model.LastMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byID[conversationID]
	if !ok {
		return errs.ErrNotFound
	}
	if lm.Seq <= c.MaxSeq {
		return nil // stale writer
	}
	cp := *lm
	c.LastMessage = &cp
	c.MaxSeq = lm.Seq
	return nil
}

func clone(c *model.Conversation) *model.Conversation {
	cp := *c
	cp.Participants = append([]string(nil), c.Participants...)
	if c.LastMessage != nil {
		lm := *c.LastMessage
		cp.LastMessage = &lm
	}
	return &cp
}
