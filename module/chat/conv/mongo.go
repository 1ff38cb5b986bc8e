package conv

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"IMRelay/module/chat/model"
	"IMRelay/tools/errs"
)

const collConversation = "conversation"

type mongoStore struct {
	db *mongo.Database
}

func NewMongoStore(db *mongo.Database) Store {
	return &mongoStore{db: db}
}

func (s *mongoStore) coll() *mongo.Collection { return s.db.Collection(collConversation) }

// CreateOrGetDirect leans on the unique index over direct_key: the
// insert either wins or collides, and a collision means someone else
// just created the pair, so we read theirs back.
func (s *mongoStore) CreateOrGetDirect(ctx context.Context, userA, userB string) (*model.Conversation, error) {
	if userA == "" || userB == "" || userA == userB {
		return nil, errs.ErrInvalidParticipantCount
	}
	key := model.DirectKey(userA, userB)

	var existing model.Conversation
	err := s.coll().FindOne(ctx, bson.M{"direct_key": key}).Decode(&existing)
	if err == nil {
		return &existing, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, errors.Wrap(err, "find direct")
	}

	c := &model.Conversation{
		ID:           uuid.NewString(),
		Type:         model.ConversationDirect,
		Participants: []string{userA, userB},
		DirectKey:    key,
		CreatedAtMS:  time.Now().UnixMilli(),
	}
	_, err = s.coll().InsertOne(ctx, c)
	if err == nil {
		return c, nil
	}
	if mongo.IsDuplicateKeyError(err) {
		// lost the race, return the winner
		if e := s.coll().FindOne(ctx, bson.M{"direct_key": key}).Decode(&existing); e == nil {
			return &existing, nil
		}
	}
	return nil, errors.Wrap(err, "insert direct")
}

func (s *mongoStore) CreateGroup(ctx context.Context, participants []string, name string) (*model.Conversation, error) {
	participants = dedupe(participants)
	if len(participants) < 3 {
		return nil, errs.ErrInvalidParticipantCount
	}
	c := &model.Conversation{
		ID:           uuid.NewString(),
		Type:         model.ConversationGroup,
		Name:         name,
		Participants: participants,
		CreatedAtMS:  time.Now().UnixMilli(),
	}
	if _, err := s.coll().InsertOne(ctx, c); err != nil {
		return nil, errors.Wrap(err, "insert group")
	}
	return c, nil
}

func (s *mongoStore) AddParticipant(ctx context.Context, conversationID, userID string) (*model.Conversation, error) {
	c, err := s.Get(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !c.IsGroup() {
		return nil, errs.ErrNotAGroup
	}
	after := options.After
	res := s.coll().FindOneAndUpdate(ctx,
		bson.M{"_id": conversationID},
		bson.M{"$addToSet": bson.M{"participants": userID}},
		&options.FindOneAndUpdateOptions{ReturnDocument: &after},
	)
	var updated model.Conversation
	if err := res.Decode(&updated); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, errs.ErrNotFound
		}
		return nil, errors.Wrap(err, "add participant")
	}
	return &updated, nil
}

func (s *mongoStore) Get(ctx context.Context, conversationID string) (*model.Conversation, error) {
	var c model.Conversation
	err := s.coll().FindOne(ctx, bson.M{"_id": conversationID}).Decode(&c)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "find conversation")
	}
	return &c, nil
}

func (s *mongoStore) ListForUser(ctx context.Context, userID string) ([]*model.Conversation, error) {
	cur, err := s.coll().Find(ctx, bson.M{"participants": userID})
	if err != nil {
		return nil, errors.Wrap(err, "list for user")
	}
	defer func() { _ = cur.Close(ctx) }()

	var out []*model.Conversation
	for cur.Next(ctx) {
		var c model.Conversation
		if err := cur.Decode(&c); err != nil {
			return nil, errors.Wrap(err, "decode conversation")
		}
		out = append(out, &c)
	}
	if err := cur.Err(); err != nil {
		return nil, errors.Wrap(err, "cursor")
	}

	// tie-break in memory; last_message ordering with nil fallbacks is
	// simpler here than in an aggregation pipeline
	sortForList(out)
	return out, nil
}

func (s *mongoStore) SetLastMessage(ctx context.Context, conversationID string, lm *model.LastMessage) error {
	res, err := s.coll().UpdateOne(ctx,
		bson.M{"_id": conversationID, "max_seq": bson.M{"$lt": lm.Seq}}, // forward only
		bson.M{"$set": bson.M{"last_message": lm, "max_seq": lm.Seq}},
	)
	if err != nil {
		return errors.Wrap(err, "set last message")
	}
	if res.MatchedCount == 0 {
		// stale writer or unknown conversation; unknown is the caller's
		// problem only when the conversation truly does not exist
		n, cerr := s.coll().CountDocuments(ctx, bson.M{"_id": conversationID})
		if cerr == nil && n == 0 {
			return errs.ErrNotFound
		}
	}
	return nil
}
