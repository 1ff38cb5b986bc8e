package msg

import (
	"context"
	"errors"
	"sort"
	"sync"

	"IMRelay/module/chat/model"
	"IMRelay/tools/errs"
)

var (
	ErrUniqueCID = errors.New("unique client_msg_id violated")
	ErrUniqueSeq = errors.New("unique seq violated")
)

// memDB mirrors the unique constraints the mongo schema enforces so the
// Store layer behaves identically against either backend.
type memDB struct {
	mu    sync.RWMutex
	bySeq map[string]map[int64]*model.Message // conv -> seq -> msg
	byCID map[string]*model.Message           // conv|cid -> msg
	byID  map[string]*model.Message           // conv|id -> msg
}

func NewMemDB() DB {
	return &memDB{
		bySeq: make(map[string]map[int64]*model.Message),
		byCID: make(map[string]*model.Message),
		byID:  make(map[string]*model.Message),
	}
}

func key2(a, b string) string { return a + "|" + b }

func (db *memDB) InsertMessage(ctx context.Context, m *model.Message) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	kcid := key2(m.ConversationID, m.ClientMsgID)
	if _, ok := db.byCID[kcid]; ok {
		return ErrUniqueCID
	}
	seqs := db.bySeq[m.ConversationID]
	if seqs == nil {
		seqs = make(map[int64]*model.Message)
		db.bySeq[m.ConversationID] = seqs
	}
	if _, ok := seqs[m.Seq]; ok {
		return ErrUniqueSeq
	}

	cp := cloneMsg(m)
	seqs[m.Seq] = cp
	db.byCID[kcid] = cp
	db.byID[key2(m.ConversationID, m.ID)] = cp
	return nil
}

func (db *memDB) FindByClientID(ctx context.Context, convID, clientMsgID string) (*model.Message, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if v, ok := db.byCID[key2(convID, clientMsgID)]; ok {
		return cloneMsg(v), nil
	}
	return nil, nil
}

func (db *memDB) FindByID(ctx context.Context, convID, messageID string) (*model.Message, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if v, ok := db.byID[key2(convID, messageID)]; ok {
		return cloneMsg(v), nil
	}
	return nil, errs.ErrNotFound
}

func (db *memDB) MaxSeq(ctx context.Context, convID string) (int64, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	var max int64
	for s := range db.bySeq[convID] {
		if s > max {
			max = s
		}
	}
	return max, nil
}

func (db *memDB) MinSeq(ctx context.Context, convID string) (int64, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	var min int64
	for s := range db.bySeq[convID] {
		if min == 0 || s < min {
			min = s
		}
	}
	return min, nil
}

func (db *memDB) AddReceipt(ctx context.Context, convID string, messageIDs []string, userID string, read bool) ([]*model.Message, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	// all-or-nothing: verify every id before touching anything
	targets := make([]*model.Message, 0, len(messageIDs))
	for _, id := range messageIDs {
		m, ok := db.byID[key2(convID, id)]
		if !ok {
			return nil, errs.ErrNotFound
		}
		targets = append(targets, m)
	}

	out := make([]*model.Message, 0, len(targets))
	for _, m := range targets {
		m.DeliveredTo = addToSet(m.DeliveredTo, userID)
		if read {
			m.ReadBy = addToSet(m.ReadBy, userID)
		}
		out = append(out, cloneMsg(m))
	}
	return out, nil
}

func (db *memDB) ListBefore(ctx context.Context, convID string, beforeSeq int64, limit int) ([]*model.Message, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	var out []*model.Message
	for s, m := range db.bySeq[convID] {
		if s < beforeSeq {
			out = append(out, cloneMsg(m))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq > out[j].Seq })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (db *memDB) ListRange(ctx context.Context, convID string, fromSeq, toSeq int64, limit int) ([]*model.Message, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	var out []*model.Message
	for s, m := range db.bySeq[convID] {
		if s >= fromSeq && s <= toSeq {
			out = append(out, cloneMsg(m))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (db *memDB) ListRecentBySender(ctx context.Context, convID, senderID string, limit int) ([]*model.Message, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	var out []*model.Message
	for _, m := range db.bySeq[convID] {
		if m.SenderID == senderID {
			out = append(out, cloneMsg(m))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq > out[j].Seq })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (db *memDB) CountUnread(ctx context.Context, convID, userID string) (int64, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	var n int64
	for _, m := range db.bySeq[convID] {
		if m.SenderID != userID && !m.WasReadBy(userID) {
			n++
		}
	}
	return n, nil
}

func (db *memDB) IsUniqueSeqErr(err error) bool      { return errors.Is(err, ErrUniqueSeq) }
func (db *memDB) IsUniqueClientIDErr(err error) bool { return errors.Is(err, ErrUniqueCID) }
func (db *memDB) IsTransientErr(err error) bool      { return false }

func cloneMsg(m *model.Message) *model.Message {
	cp := *m
	cp.DeliveredTo = append([]string(nil), m.DeliveredTo...)
	cp.ReadBy = append([]string(nil), m.ReadBy...)
	return &cp
}

func addToSet(xs []string, x string) []string {
	for _, v := range xs {
		if v == x {
			return xs
		}
	}
	return append(xs, x)
}
