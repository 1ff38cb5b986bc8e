package model

import (
	"sort"
	"strings"
)

// Conversation types.
const (
	ConversationDirect int32 = 1
	ConversationGroup  int32 = 2
)

// LastMessage is the denormalized preview kept on the conversation so
// list rendering never touches the message collection.
type LastMessage struct {
	Preview  string `bson:"preview" json:"preview"`
	SenderID string `bson:"sender_id" json:"senderId"`
	Seq      int64  `bson:"seq" json:"seq"`
	SentAtMS int64  `bson:"sent_at_ms" json:"sentAtMs"`
}

// Conversation is the durable membership record. Direct conversations
// have exactly two participants and are unique per unordered pair; the
// pair key (see DirectKey) is the compare-and-insert anchor.
type Conversation struct {
	ID           string       `bson:"_id" json:"id"`
	Type         int32        `bson:"type" json:"type"`
	Name         string       `bson:"name,omitempty" json:"name,omitempty"`
	Participants []string     `bson:"participants" json:"participants"`
	DirectKey    string       `bson:"direct_key,omitempty" json:"-"` // unique index, direct only
	CreatedAtMS  int64        `bson:"created_at_ms" json:"createdAtMs"`
	LastMessage  *LastMessage `bson:"last_message,omitempty" json:"lastMessage,omitempty"`
	MaxSeq       int64        `bson:"max_seq" json:"maxSeq"` // shadow of the message log head
}

func (c *Conversation) IsGroup() bool { return c.Type == ConversationGroup }

// HasParticipant reports membership; participant lists are small enough
// that a linear scan beats keeping a parallel set in every copy.
func (c *Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// Recipients returns participants minus the sender.
func (c *Conversation) Recipients(senderID string) []string {
	out := make([]string, 0, len(c.Participants))
	for _, p := range c.Participants {
		if p != senderID {
			out = append(out, p)
		}
	}
	return out
}

// DirectKey derives the deterministic key for a direct pair. Both
// argument orders produce the same key, which is what makes
// createOrGetDirect idempotent across racing callers.
func DirectKey(userA, userB string) string {
	pair := []string{userA, userB}
	sort.Strings(pair)
	return "d:" + strings.Join(pair, ":")
}
