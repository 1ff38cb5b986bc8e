package presence

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"IMRelay/module/chat/model"
	"IMRelay/tools/safe"
)

type Conf struct {
	TypingTTL  time.Duration // how long a typing flag lives without refresh
	SweepEvery time.Duration
	Clock      func() time.Time
}

func (c *Conf) norm() {
	if c.TypingTTL <= 0 {
		c.TypingTTL = 5 * time.Second
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = time.Second
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// OnPresence and OnTyping hand state changes to the fan-out layer.
type OnPresence func(p model.Presence)
type OnTyping func(convID, userID string, typing bool)

// Tracker wraps a Store with the one autonomous transition the state
// machine has: typing=true decays to typing=false when its TTL elapses
// without an explicit stop. Deadlines are swept locally per node for
// flags set through that node.
type Tracker struct {
	store Store
	conf  Conf

	mu        sync.Mutex
	deadlines map[[2]string]time.Time // {userID, convID} -> expiry

	onPresence OnPresence
	onTyping   OnTyping

	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewTracker(store Store, conf Conf, onPresence OnPresence, onTyping OnTyping) *Tracker {
	conf.norm()
	t := &Tracker{
		store:      store,
		conf:       conf,
		deadlines:  make(map[[2]string]time.Time),
		onPresence: onPresence,
		onTyping:   onTyping,
		stopCh:     make(chan struct{}),
	}
	safe.SafeGo(t.sweeper)
	return t
}

func (t *Tracker) Close() {
	t.stopOnce.Do(func() { close(t.stopCh) })
}

// SetStatus is last-write-wins and fires a presence-changed broadcast.
func (t *Tracker) SetStatus(ctx context.Context, userID, status string) (model.Presence, error) {
	if !model.ValidPresenceStatus(status) {
		return model.Presence{}, errors.Errorf("invalid presence status %q", status)
	}
	p, err := t.store.SetStatus(ctx, userID, status, t.conf.Clock())
	if err != nil {
		return p, err
	}
	if t.onPresence != nil {
		t.onPresence(p)
	}
	return p, nil
}

func (t *Tracker) Get(ctx context.Context, userID string) (model.Presence, error) {
	return t.store.Get(ctx, userID)
}

// SetTyping sets or clears the flag and schedules its decay.
func (t *Tracker) SetTyping(ctx context.Context, userID, convID string, typing bool) error {
	if err := t.store.SetTyping(ctx, userID, convID, typing, t.conf.TypingTTL); err != nil {
		return err
	}
	k := [2]string{userID, convID}
	t.mu.Lock()
	if typing {
		t.deadlines[k] = t.conf.Clock().Add(t.conf.TypingTTL)
	} else {
		delete(t.deadlines, k)
	}
	t.mu.Unlock()

	if t.onTyping != nil {
		t.onTyping(convID, userID, typing)
	}
	return nil
}

func (t *Tracker) sweeper() {
	tick := time.NewTicker(t.conf.SweepEvery)
	defer tick.Stop()
	for {
		select {
		case <-t.stopCh:
			return
		case <-tick.C:
			t.sweepOnce(t.conf.Clock())
		}
	}
}

func (t *Tracker) sweepOnce(now time.Time) {
	var expired [][2]string
	t.mu.Lock()
	for k, dl := range t.deadlines {
		if now.After(dl) {
			delete(t.deadlines, k)
			expired = append(expired, k)
		}
	}
	t.mu.Unlock()

	for _, k := range expired {
		userID, convID := k[0], k[1]
		_ = t.store.SetTyping(context.Background(), userID, convID, false, 0)
		if t.onTyping != nil {
			t.onTyping(convID, userID, false)
		}
	}
}
