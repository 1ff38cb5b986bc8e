package msg

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"IMRelay/tools"
)

// Sequencer hands out the per-conversation commit sequence. Next must
// return strictly increasing values; Reconcile raises the counter to at
// least floor (never lowers it) when the store proves it fell behind.
// Release returns an allocated seq that never made it into the log, so
// a failed append leaves no hole; it is a guarded decrement that only
// applies while the counter still sits at seq.
type Sequencer interface {
	Next(ctx context.Context, convID string) (int64, error)
	Reconcile(ctx context.Context, convID string, floor int64) error
	Release(ctx context.Context, convID string, seq int64) error
}

// ---- single-node sequencer ----

// localSequencer is correct when exactly one process appends to a given
// conversation, which the Store's per-conversation lock guarantees on a
// single node. Counters lazily initialize from the DB max.
type localSequencer struct {
	mu   sync.Mutex
	next map[string]int64
	db   DB
}

func NewLocalSequencer(db DB) Sequencer {
	return &localSequencer{next: make(map[string]int64), db: db}
}

func (s *localSequencer) Next(ctx context.Context, convID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.next[convID]
	if !ok {
		max, err := s.db.MaxSeq(ctx, convID)
		if err != nil {
			return 0, err
		}
		cur = max
	}
	cur++
	s.next[convID] = cur
	return cur, nil
}

func (s *localSequencer) Reconcile(ctx context.Context, convID string, floor int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next[convID] < floor {
		s.next[convID] = floor
	}
	return nil
}

func (s *localSequencer) Release(ctx context.Context, convID string, seq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next[convID] == seq {
		s.next[convID] = seq - 1
	}
	return nil
}

// ---- multi-node sequencer ----

// redisSequencer keeps the counter in redis so several gateway nodes
// can append to the same conversation. The unique (conv, seq) index in
// the DB backstops any counter loss; reconcile is raise-only.
type redisSequencer struct {
	rdb       redis.UniversalClient
	db        DB
	seqPrefix string
	lockTTL   time.Duration
	spinWait  time.Duration
}

func NewRedisSequencer(rdb redis.UniversalClient, db DB) Sequencer {
	return &redisSequencer{
		rdb:       rdb,
		db:        db,
		seqPrefix: "im:seq",
		lockTTL:   10 * time.Second,
		spinWait:  50 * time.Millisecond,
	}
}

func (a *redisSequencer) seqKey(convID string) string {
	return fmt.Sprintf("%s:%s", a.seqPrefix, convID)
}

func (a *redisSequencer) Next(ctx context.Context, convID string) (int64, error) {
	key := a.seqKey(convID)
	if v, err := a.rdb.Get(ctx, key).Int64(); err == nil && v > 0 {
		return a.rdb.Incr(ctx, key).Result()
	}
	if err := a.initIfNeeded(ctx, convID); err != nil {
		return 0, err
	}
	return a.rdb.Incr(ctx, key).Result()
}

func (a *redisSequencer) initIfNeeded(ctx context.Context, convID string) error {
	key := a.seqKey(convID)
	if v, err := a.rdb.Get(ctx, key).Int64(); err == nil && v > 0 {
		return nil
	}
	// init lock so a cold conversation doesn't stampede the DB
	lock := key + ":init"
	token := tools.RandToken(16)
	ok, err := a.rdb.SetNX(ctx, lock, token, a.lockTTL).Result()
	if err != nil {
		return err
	}
	if !ok {
		timer := time.NewTimer(a.spinWait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		if v, err := a.rdb.Get(ctx, key).Int64(); err == nil && v > 0 {
			return nil
		}
		return fmt.Errorf("seq init contention, retry")
	}
	defer func() { _ = unlock(ctx, a.rdb, lock, token) }()

	// double check under the lock
	if v, err := a.rdb.Get(ctx, key).Int64(); err == nil && v > 0 {
		return nil
	}
	maxSeq, err := a.db.MaxSeq(ctx, convID)
	if err != nil {
		return err
	}
	return a.rdb.Set(ctx, key, maxSeq, 0).Err()
}

// raise-only bump, then INCR for the fresh value on the caller side
var reconcileLua = redis.NewScript(`
local k = KEYS[1]
local floor = tonumber(ARGV[1])
local v = redis.call('GET', k)
if (not v) or (tonumber(v) < floor) then
  redis.call('SET', k, floor)
end
return redis.call('GET', k)
`)

func (a *redisSequencer) Reconcile(ctx context.Context, convID string, floor int64) error {
	return reconcileLua.Run(ctx, a.rdb, []string{a.seqKey(convID)}, floor).Err()
}

// guarded decrement: undoes our own INCR only while the counter still
// sits at the allocated value
var releaseLua = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if v and tonumber(v) == tonumber(ARGV[1]) then
  return redis.call('DECR', KEYS[1])
end
return -1
`)

func (a *redisSequencer) Release(ctx context.Context, convID string, seq int64) error {
	return releaseLua.Run(ctx, a.rdb, []string{a.seqKey(convID)}, seq).Err()
}

var unlockLua = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

func unlock(ctx context.Context, rdb redis.UniversalClient, key, token string) error {
	return unlockLua.Run(ctx, rdb, []string{key}, token).Err()
}
