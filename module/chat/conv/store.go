// Package conv is the durable record of conversations and membership.
package conv

import (
	"context"
	"sort"

	"IMRelay/module/chat/model"
)

// Store abstracts conversation persistence. Production runs the mongo
// implementation; tests and single-node dev use the memory one.
type Store interface {
	// CreateOrGetDirect returns the unique direct conversation for the
	// unordered pair, creating it on first use. Racing callers converge
	// on one conversation via a compare-and-insert on the pair key.
	CreateOrGetDirect(ctx context.Context, userA, userB string) (*model.Conversation, error)

	// CreateGroup requires at least three participants
	// (errs.ErrInvalidParticipantCount otherwise).
	CreateGroup(ctx context.Context, participants []string, name string) (*model.Conversation, error)

	// AddParticipant fails with errs.ErrNotAGroup on direct
	// conversations and is idempotent for existing members.
	AddParticipant(ctx context.Context, conversationID, userID string) (*model.Conversation, error)

	Get(ctx context.Context, conversationID string) (*model.Conversation, error)

	// ListForUser returns the user's conversations ordered by last
	// message time descending, id as tiebreaker.
	ListForUser(ctx context.Context, userID string) ([]*model.Conversation, error)

	// SetLastMessage updates the denormalized preview and the shadow
	// max seq. Only moves forward: stale writers lose.
	SetLastMessage(ctx context.Context, conversationID string, lm *model.LastMessage) error
}

// sortForList orders conversations the way ListForUser promises:
// last activity descending, conversation id ascending on ties.
func sortForList(out []*model.Conversation) {
	sort.Slice(out, func(i, j int) bool {
		ti, tj := lastActivity(out[i]), lastActivity(out[j])
		if ti != tj {
			return ti > tj
		}
		return out[i].ID < out[j].ID
	})
}

func lastActivity(c *model.Conversation) int64 {
	if c.LastMessage != nil {
		return c.LastMessage.SentAtMS
	}
	return c.CreatedAtMS
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
