package msg

import (
	"context"
	"hash/fnv"
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"

	"IMRelay/logger"
	"IMRelay/module/chat/model"
	"IMRelay/tools/errs"
	"IMRelay/tools/ids"
)

const (
	appendShards = 64
	fetchLimit   = 50  // default page
	fetchMax     = 200 // hard page cap
)

type Conf struct {
	MaxAttempts int              // insert attempts before StoreUnavailable
	BaseBackoff time.Duration    // doubled per transient retry
	Clock       func() time.Time // injectable for tests
	Sleep       func(time.Duration)
}

func (c *Conf) norm() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 4
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 50 * time.Millisecond
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.Sleep == nil {
		c.Sleep = time.Sleep
	}
}

// Store serializes appends per conversation (sharded locks keep
// unrelated conversations fully parallel) and owns the retry policy.
// Transient storage failures never surface individually; only
// exhaustion comes back, as errs.ErrStoreUnavailable.
type Store struct {
	db       DB
	seq      Sequencer
	conf     Conf
	onCommit func(ctx context.Context, m *model.Message)
	locks    [appendShards]sync.Mutex
}

func NewStore(db DB, seq Sequencer, conf Conf) *Store {
	conf.norm()
	return &Store{db: db, seq: seq, conf: conf}
}

// OnCommit registers fn to run once per freshly committed message,
// while the append lock is still held. Callers observe commits in seq
// order per conversation; idempotent replays of an already committed
// message do not fire it.
func (s *Store) OnCommit(fn func(ctx context.Context, m *model.Message)) {
	s.onCommit = fn
}

func shard(convID string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(convID))
	return h.Sum32() % appendShards
}

// Append commits a message: next gapless seq, server timestamp, durable
// insert. Safe to retry with the same clientMsgID — the second call
// returns the originally committed message.
func (s *Store) Append(ctx context.Context, convID, senderID, clientMsgID, content, mediaRef string) (*model.Message, error) {
	if convID == "" || senderID == "" || clientMsgID == "" {
		return nil, errors.New("append: conv/sender/clientMsgID required")
	}

	lk := &s.locks[shard(convID)]
	lk.Lock()
	defer lk.Unlock()

	// idempotency fast path
	if existing, err := s.db.FindByClientID(ctx, convID, clientMsgID); err == nil && existing != nil {
		return existing, nil
	}

	seq, err := s.seq.Next(ctx, convID)
	if err != nil {
		return nil, errors.Wrap(errs.ErrStoreUnavailable, err.Error())
	}

	m := &model.Message{
		ID:             ids.GenerateString(),
		ClientMsgID:    clientMsgID,
		ConversationID: convID,
		SenderID:       senderID,
		Content:        content,
		MediaRef:       mediaRef,
		Seq:            seq,
		CreatedAtMS:    s.conf.Clock().UnixMilli(),
		DeliveredTo:    []string{},
		ReadBy:         []string{},
	}

	backoff := s.conf.BaseBackoff
	var lastErr error
	for attempt := 0; attempt < s.conf.MaxAttempts; attempt++ {
		err := s.db.InsertMessage(ctx, m)
		if err == nil {
			if s.onCommit != nil {
				s.onCommit(ctx, m)
			}
			return m, nil
		}
		lastErr = err

		switch {
		case s.db.IsUniqueClientIDErr(err):
			// concurrent retry of the same send won the insert
			if existing, e := s.db.FindByClientID(ctx, convID, clientMsgID); e == nil && existing != nil {
				return existing, nil
			}
		case s.db.IsUniqueSeqErr(err):
			// counter fell behind the log, raise it and take a new seq
			dbMax, e := s.db.MaxSeq(ctx, convID)
			if e != nil {
				break
			}
			if e := s.seq.Reconcile(ctx, convID, dbMax); e != nil {
				break
			}
			if m.Seq, e = s.seq.Next(ctx, convID); e != nil {
				break
			}
			continue
		case s.db.IsTransientErr(err):
			logger.Warnf("[msg] transient insert error conv=%s attempt=%d: %v", convID, attempt, err)
			s.conf.Sleep(backoff)
			backoff *= 2
			continue
		}
		break
	}

	// the insert never committed, so hand the seq back or the log keeps
	// a permanent hole at m.Seq. Skipped on a seq conflict: that value
	// is already occupied in the DB.
	if !s.db.IsUniqueSeqErr(lastErr) {
		if e := s.seq.Release(ctx, convID, m.Seq); e != nil {
			logger.Warnf("[msg] seq release conv=%s seq=%d: %v", convID, m.Seq, e)
		}
	}
	return nil, errors.Wrapf(errs.ErrStoreUnavailable, "append conv=%s: %v", convID, lastErr)
}

// MarkDelivered adds userID to the delivered set; no-op when present.
func (s *Store) MarkDelivered(ctx context.Context, convID, messageID, userID string) ([]*model.Message, error) {
	return s.receipt(ctx, convID, []string{messageID}, userID, false)
}

// MarkRead adds userID to the read set. Read implies delivered, so the
// delivered set gains the user too.
func (s *Store) MarkRead(ctx context.Context, convID, messageID, userID string) ([]*model.Message, error) {
	return s.receipt(ctx, convID, []string{messageID}, userID, true)
}

// BatchMarkDelivered bounds write amplification during scroll/reconnect
// bursts. Atomic per batch: all ids update or none do.
func (s *Store) BatchMarkDelivered(ctx context.Context, convID string, messageIDs []string, userID string) ([]*model.Message, error) {
	return s.receipt(ctx, convID, messageIDs, userID, false)
}

func (s *Store) BatchMarkRead(ctx context.Context, convID string, messageIDs []string, userID string) ([]*model.Message, error) {
	return s.receipt(ctx, convID, messageIDs, userID, true)
}

func (s *Store) receipt(ctx context.Context, convID string, messageIDs []string, userID string, read bool) ([]*model.Message, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}
	var out []*model.Message
	err := s.withRetry(ctx, func() error {
		var e error
		out, e = s.db.AddReceipt(ctx, convID, messageIDs, userID, read)
		return e
	})
	return out, err
}

// Fetch pages backward: up to limit messages with seq < beforeSeq,
// newest first. beforeSeq <= 0 means "from the head".
func (s *Store) Fetch(ctx context.Context, convID string, beforeSeq int64, limit int) ([]*model.Message, error) {
	if beforeSeq <= 0 {
		beforeSeq = math.MaxInt64
	}
	if limit <= 0 {
		limit = fetchLimit
	}
	if limit > fetchMax {
		limit = fetchMax
	}
	var out []*model.Message
	err := s.withRetry(ctx, func() error {
		var e error
		out, e = s.db.ListBefore(ctx, convID, beforeSeq, limit)
		return e
	})
	return out, err
}

// Range replays fromSeq..toSeq ascending for reconciliation.
func (s *Store) Range(ctx context.Context, convID string, fromSeq, toSeq int64, limit int) ([]*model.Message, error) {
	var out []*model.Message
	err := s.withRetry(ctx, func() error {
		var e error
		out, e = s.db.ListRange(ctx, convID, fromSeq, toSeq, limit)
		return e
	})
	return out, err
}

func (s *Store) MaxSeq(ctx context.Context, convID string) (int64, error) {
	var v int64
	err := s.withRetry(ctx, func() error {
		var e error
		v, e = s.db.MaxSeq(ctx, convID)
		return e
	})
	return v, err
}

func (s *Store) MinSeq(ctx context.Context, convID string) (int64, error) {
	var v int64
	err := s.withRetry(ctx, func() error {
		var e error
		v, e = s.db.MinSeq(ctx, convID)
		return e
	})
	return v, err
}

func (s *Store) Get(ctx context.Context, convID, messageID string) (*model.Message, error) {
	var m *model.Message
	err := s.withRetry(ctx, func() error {
		var e error
		m, e = s.db.FindByID(ctx, convID, messageID)
		return e
	})
	return m, err
}

// RecentBySender snapshots the sender's newest messages; reconciliation
// uses it to refresh receipt state for messages below the cursor.
func (s *Store) RecentBySender(ctx context.Context, convID, senderID string, limit int) ([]*model.Message, error) {
	var out []*model.Message
	err := s.withRetry(ctx, func() error {
		var e error
		out, e = s.db.ListRecentBySender(ctx, convID, senderID, limit)
		return e
	})
	return out, err
}

// CountUnread counts messages userID has neither sent nor read.
func (s *Store) CountUnread(ctx context.Context, convID, userID string) (int64, error) {
	var v int64
	err := s.withRetry(ctx, func() error {
		var e error
		v, e = s.db.CountUnread(ctx, convID, userID)
		return e
	})
	return v, err
}

// withRetry runs op, retrying transient errors with exponential backoff
// up to the attempt budget. Validation errors pass through untouched.
func (s *Store) withRetry(ctx context.Context, op func() error) error {
	backoff := s.conf.BaseBackoff
	var lastErr error
	for attempt := 0; attempt < s.conf.MaxAttempts; attempt++ {
		err := op()
		if err == nil {
			return nil
		}
		if !s.db.IsTransientErr(err) {
			return err
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return errors.Wrap(errs.ErrStoreUnavailable, ctx.Err().Error())
		default:
		}
		s.conf.Sleep(backoff)
		backoff *= 2
	}
	return errors.Wrapf(errs.ErrStoreUnavailable, "retries exhausted: %v", lastErr)
}
