// Package recon replays missed events for reconnecting clients.
package recon

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// CursorStore persists the per (user, conversation) acked seq. Raising
// only: Ack never lowers a cursor, so duplicate or out-of-order acks
// are harmless.
type CursorStore interface {
	Get(ctx context.Context, userID, convID string) (int64, error)
	Ack(ctx context.Context, userID, convID string, seq int64) error
}

// ---- memory ----

type memCursors struct {
	mu sync.RWMutex
	m  map[string]int64 // user|conv -> acked seq
}

func NewMemCursorStore() CursorStore {
	return &memCursors{m: make(map[string]int64)}
}

func ckey(userID, convID string) string { return userID + "|" + convID }

func (s *memCursors) Get(ctx context.Context, userID, convID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.m[ckey(userID, convID)], nil
}

func (s *memCursors) Ack(ctx context.Context, userID, convID string, seq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.m[ckey(userID, convID)] < seq {
		s.m[ckey(userID, convID)] = seq
	}
	return nil
}

// ---- mongo ----

const collCursor = "sync_cursor"

type mongoCursors struct {
	db *mongo.Database
}

func NewMongoCursorStore(db *mongo.Database) CursorStore {
	return &mongoCursors{db: db}
}

func (s *mongoCursors) coll() *mongo.Collection { return s.db.Collection(collCursor) }

func (s *mongoCursors) Get(ctx context.Context, userID, convID string) (int64, error) {
	var doc struct {
		AckedSeq int64 `bson:"acked_seq"`
	}
	err := s.coll().FindOne(ctx, bson.M{"user_id": userID, "conversation_id": convID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "get cursor")
	}
	return doc.AckedSeq, nil
}

func (s *mongoCursors) Ack(ctx context.Context, userID, convID string, seq int64) error {
	_, err := s.coll().UpdateOne(ctx,
		bson.M{"user_id": userID, "conversation_id": convID, "acked_seq": bson.M{"$lt": seq}},
		bson.M{
			"$set": bson.M{"acked_seq": seq, "updated_at_ms": time.Now().UnixMilli()},
			"$setOnInsert": bson.M{
				"user_id": userID, "conversation_id": convID,
			},
		},
		options.Update().SetUpsert(true),
	)
	if mongo.IsDuplicateKeyError(err) {
		// upsert raced with a bigger ack, nothing to do
		return nil
	}
	return errors.Wrap(err, "ack cursor")
}
