package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"IMRelay/module/chat/model"
)

type typingEvent struct {
	convID string
	userID string
	typing bool
}

type recorder struct {
	mu       sync.Mutex
	presence []model.Presence
	typing   []typingEvent
}

func (r *recorder) onPresence(p model.Presence) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.presence = append(r.presence, p)
}

func (r *recorder) onTyping(convID, userID string, typing bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.typing = append(r.typing, typingEvent{convID, userID, typing})
}

func (r *recorder) lastTyping() (typingEvent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.typing) == 0 {
		return typingEvent{}, false
	}
	return r.typing[len(r.typing)-1], true
}

func newTestTracker(t *testing.T, clock func() time.Time) (*Tracker, *recorder) {
	t.Helper()
	rec := &recorder{}
	tr := NewTracker(NewMemStore(), Conf{
		TypingTTL:  5 * time.Second,
		SweepEvery: time.Hour, // sweeps driven by hand in tests
		Clock:      clock,
	}, rec.onPresence, rec.onTyping)
	t.Cleanup(tr.Close)
	return tr, rec
}

func TestSetStatusLastWriteWins(t *testing.T) {
	now := time.UnixMilli(1000)
	tr, rec := newTestTracker(t, func() time.Time { return now })
	ctx := context.Background()

	_, err := tr.SetStatus(ctx, "alice", model.PresenceOnline)
	require.NoError(t, err)
	now = time.UnixMilli(2000)
	_, err = tr.SetStatus(ctx, "alice", model.PresenceAway)
	require.NoError(t, err)

	p, err := tr.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, model.PresenceAway, p.Status)
	assert.EqualValues(t, 2000, p.LastSeenMS)
	assert.Len(t, rec.presence, 2)
}

func TestSetStatusRejectsUnknownValue(t *testing.T) {
	tr, _ := newTestTracker(t, time.Now)
	_, err := tr.SetStatus(context.Background(), "alice", "sleeping")
	assert.Error(t, err)
}

func TestGetUnknownUserIsOffline(t *testing.T) {
	tr, _ := newTestTracker(t, time.Now)
	p, err := tr.Get(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Equal(t, model.PresenceOffline, p.Status)
}

func TestTypingBroadcastsAndDecays(t *testing.T) {
	now := time.UnixMilli(1000)
	tr, rec := newTestTracker(t, func() time.Time { return now })
	ctx := context.Background()

	require.NoError(t, tr.SetTyping(ctx, "alice", "c1", true))
	ev, ok := rec.lastTyping()
	require.True(t, ok)
	assert.Equal(t, typingEvent{"c1", "alice", true}, ev)

	// inside the TTL: nothing expires
	tr.sweepOnce(now.Add(4 * time.Second))
	ev, _ = rec.lastTyping()
	assert.True(t, ev.typing)

	// past the TTL: the flag decays and broadcasts typing=false on its
	// own, with no client message involved
	tr.sweepOnce(now.Add(6 * time.Second))
	ev, _ = rec.lastTyping()
	assert.Equal(t, typingEvent{"c1", "alice", false}, ev)

	on, err := tr.store.IsTyping(ctx, "alice", "c1")
	require.NoError(t, err)
	assert.False(t, on)
}

func TestTypingRefreshExtendsDeadline(t *testing.T) {
	now := time.UnixMilli(1000)
	clock := func() time.Time { return now }
	tr, rec := newTestTracker(t, clock)
	ctx := context.Background()

	require.NoError(t, tr.SetTyping(ctx, "alice", "c1", true))
	now = now.Add(3 * time.Second)
	require.NoError(t, tr.SetTyping(ctx, "alice", "c1", true)) // refresh

	// 6s after the first set, but only 3s after the refresh
	tr.sweepOnce(time.UnixMilli(1000).Add(6 * time.Second))
	ev, _ := rec.lastTyping()
	assert.True(t, ev.typing, "refreshed flag must not expire on the old deadline")
}

func TestTypingExplicitStopCancelsDecay(t *testing.T) {
	now := time.UnixMilli(1000)
	tr, rec := newTestTracker(t, func() time.Time { return now })
	ctx := context.Background()

	require.NoError(t, tr.SetTyping(ctx, "alice", "c1", true))
	require.NoError(t, tr.SetTyping(ctx, "alice", "c1", false))
	ev, _ := rec.lastTyping()
	assert.False(t, ev.typing)

	before := len(rec.typing)
	tr.sweepOnce(now.Add(time.Minute))
	assert.Len(t, rec.typing, before, "stopped flag must not fire a second stop")
}

func TestMemStoreTypingTTL(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	require.NoError(t, s.SetTyping(ctx, "alice", "c1", true, 50*time.Millisecond))
	on, err := s.IsTyping(ctx, "alice", "c1")
	require.NoError(t, err)
	assert.True(t, on)

	time.Sleep(80 * time.Millisecond)
	on, err = s.IsTyping(ctx, "alice", "c1")
	require.NoError(t, err)
	assert.False(t, on, "expired flag reads as not typing even before a sweep")
}
