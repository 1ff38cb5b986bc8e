package msg

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"IMRelay/module/chat/model"
	"IMRelay/tools/errs"
)

const collMessage = "message"

type mongoDB struct {
	db *mongo.Database
}

func NewMongoDB(db *mongo.Database) DB {
	return &mongoDB{db: db}
}

func (s *mongoDB) coll() *mongo.Collection { return s.db.Collection(collMessage) }

func (s *mongoDB) InsertMessage(ctx context.Context, m *model.Message) error {
	if m.DeliveredTo == nil {
		m.DeliveredTo = []string{}
	}
	if m.ReadBy == nil {
		m.ReadBy = []string{}
	}
	_, err := s.coll().InsertOne(ctx, m)
	return err
}

func (s *mongoDB) FindByClientID(ctx context.Context, convID, clientMsgID string) (*model.Message, error) {
	var m model.Message
	err := s.coll().FindOne(ctx, bson.M{
		"conversation_id": convID, "client_msg_id": clientMsgID,
	}).Decode(&m)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "find by client id")
	}
	return &m, nil
}

func (s *mongoDB) FindByID(ctx context.Context, convID, messageID string) (*model.Message, error) {
	var m model.Message
	err := s.coll().FindOne(ctx, bson.M{"conversation_id": convID, "_id": messageID}).Decode(&m)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "find by id")
	}
	return &m, nil
}

func (s *mongoDB) MaxSeq(ctx context.Context, convID string) (int64, error) {
	return s.edgeSeq(ctx, convID, -1)
}

func (s *mongoDB) MinSeq(ctx context.Context, convID string) (int64, error) {
	return s.edgeSeq(ctx, convID, 1)
}

func (s *mongoDB) edgeSeq(ctx context.Context, convID string, dir int) (int64, error) {
	var m model.Message
	err := s.coll().FindOne(ctx, bson.M{"conversation_id": convID},
		options.FindOne().SetSort(bson.M{"seq": dir}).SetProjection(bson.M{"seq": 1}),
	).Decode(&m)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "edge seq")
	}
	return m.Seq, nil
}

// AddReceipt verifies the full id list first, then applies $addToSet
// updates. The updates themselves are idempotent, so a retry after a
// partial failure converges rather than corrupting the sets.
func (s *mongoDB) AddReceipt(ctx context.Context, convID string, messageIDs []string, userID string, read bool) ([]*model.Message, error) {
	filter := bson.M{"conversation_id": convID, "_id": bson.M{"$in": messageIDs}}

	n, err := s.coll().CountDocuments(ctx, filter)
	if err != nil {
		return nil, errors.Wrap(err, "count receipt targets")
	}
	if n != int64(len(dedupeIDs(messageIDs))) {
		return nil, errs.ErrNotFound
	}

	add := bson.M{"delivered_to": userID}
	if read {
		add = bson.M{"delivered_to": userID, "read_by": userID}
	}
	if _, err := s.coll().UpdateMany(ctx, filter, bson.M{"$addToSet": add}); err != nil {
		return nil, errors.Wrap(err, "add receipt")
	}

	cur, err := s.coll().Find(ctx, filter)
	if err != nil {
		return nil, errors.Wrap(err, "reload receipts")
	}
	return decodeAll(ctx, cur)
}

func (s *mongoDB) ListBefore(ctx context.Context, convID string, beforeSeq int64, limit int) ([]*model.Message, error) {
	cur, err := s.coll().Find(ctx,
		bson.M{"conversation_id": convID, "seq": bson.M{"$lt": beforeSeq}},
		options.Find().SetSort(bson.M{"seq": -1}).SetLimit(int64(limit)),
	)
	if err != nil {
		return nil, errors.Wrap(err, "list before")
	}
	return decodeAll(ctx, cur)
}

func (s *mongoDB) ListRange(ctx context.Context, convID string, fromSeq, toSeq int64, limit int) ([]*model.Message, error) {
	cur, err := s.coll().Find(ctx,
		bson.M{"conversation_id": convID, "seq": bson.M{"$gte": fromSeq, "$lte": toSeq}},
		options.Find().SetSort(bson.M{"seq": 1}).SetLimit(int64(limit)),
	)
	if err != nil {
		return nil, errors.Wrap(err, "list range")
	}
	return decodeAll(ctx, cur)
}

func (s *mongoDB) ListRecentBySender(ctx context.Context, convID, senderID string, limit int) ([]*model.Message, error) {
	cur, err := s.coll().Find(ctx,
		bson.M{"conversation_id": convID, "sender_id": senderID},
		options.Find().SetSort(bson.M{"seq": -1}).SetLimit(int64(limit)),
	)
	if err != nil {
		return nil, errors.Wrap(err, "list recent by sender")
	}
	return decodeAll(ctx, cur)
}

func (s *mongoDB) CountUnread(ctx context.Context, convID, userID string) (int64, error) {
	n, err := s.coll().CountDocuments(ctx, bson.M{
		"conversation_id": convID,
		"sender_id":       bson.M{"$ne": userID},
		"read_by":         bson.M{"$ne": userID},
	})
	return n, errors.Wrap(err, "count unread")
}

func (s *mongoDB) IsUniqueSeqErr(err error) bool {
	return mongo.IsDuplicateKeyError(err) && strings.Contains(err.Error(), "seq")
}

func (s *mongoDB) IsUniqueClientIDErr(err error) bool {
	return mongo.IsDuplicateKeyError(err) && strings.Contains(err.Error(), "client_msg_id")
}

func (s *mongoDB) IsTransientErr(err error) bool {
	return mongo.IsTimeout(err) || mongo.IsNetworkError(err)
}

func decodeAll(ctx context.Context, cur *mongo.Cursor) ([]*model.Message, error) {
	defer func() { _ = cur.Close(ctx) }()
	var out []*model.Message
	for cur.Next(ctx) {
		var m model.Message
		if err := cur.Decode(&m); err != nil {
			return nil, errors.Wrap(err, "decode message")
		}
		out = append(out, &m)
	}
	return out, errors.Wrap(cur.Err(), "cursor")
}

func dedupeIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := ids[:0:0]
	for _, id := range ids {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}
