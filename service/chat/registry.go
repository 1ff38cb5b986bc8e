package chat

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"IMRelay/logger"
	"IMRelay/tools/safe"
)

type RegistryConf struct {
	UnauthTTL  time.Duration // grace for connections that never auth
	AuthTTL    time.Duration // heartbeat window for bound connections
	SweepEvery time.Duration
	MaxPerUser int              // <=0 means unlimited
	Clock      func() time.Time // injectable for tests
}

func (c *RegistryConf) norm() {
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = 10 * time.Second
	}
	if c.UnauthTTL <= 0 {
		c.UnauthTTL = 60 * time.Second
	}
	if c.AuthTTL <= 0 {
		c.AuthTTL = 90 * time.Second
	}
}

type connState struct {
	conn      *Conn
	ttl       time.Duration
	expireAt  time.Time
	heartbeat time.Time
}

// Registry tracks which sessions are attached for which users. Double
// index: byConn for detach/heartbeat, byUser for fan-out lookup.
// Absence of a heartbeat within the TTL window detaches the connection.
type Registry struct {
	mu     sync.RWMutex
	byConn map[string]*connState
	byUser map[string]map[string]*Conn // userID -> connID -> conn

	conf    RegistryConf
	onEvict func(*Conn) // fired outside the lock

	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewRegistry(conf RegistryConf, onEvict func(*Conn)) *Registry {
	conf.norm()
	r := &Registry{
		byConn:  make(map[string]*connState),
		byUser:  make(map[string]map[string]*Conn),
		conf:    conf,
		onEvict: onEvict,
		stopCh:  make(chan struct{}),
	}
	safe.SafeGo(r.sweeper)
	return r
}

// Attach registers a fresh, not-yet-authenticated connection.
func (r *Registry) Attach(c *Conn) error {
	now := r.conf.Clock()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byConn[c.ID]; exists {
		return errors.Errorf("conn %s already attached", c.ID)
	}
	r.byConn[c.ID] = &connState{
		conn:      c,
		ttl:       r.conf.UnauthTTL,
		expireAt:  now.Add(r.conf.UnauthTTL),
		heartbeat: now,
	}
	return nil
}

// Bind associates an authenticated user with the connection and swaps
// it onto the long heartbeat TTL. Over-limit users lose their oldest
// connection first.
func (r *Registry) Bind(connID, userID string) error {
	if userID == "" {
		return errors.New("empty userID")
	}
	now := r.conf.Clock()

	var evicted *Conn
	r.mu.Lock()
	st, ok := r.byConn[connID]
	if !ok {
		r.mu.Unlock()
		return errors.Errorf("conn %s not attached", connID)
	}
	_, rebind := r.byUser[userID][connID]
	if !rebind && r.conf.MaxPerUser > 0 && len(r.byUser[userID]) >= r.conf.MaxPerUser {
		evicted = r.evictOldestLocked(userID)
	}
	// re-auth as a different user must not leave the old identity's
	// index entry targeting this connection
	r.dropUserIndexLocked(st.conn)
	st.conn.bindUser(userID)
	st.ttl = r.conf.AuthTTL
	st.expireAt = now.Add(r.conf.AuthTTL)
	st.heartbeat = now
	if r.byUser[userID] == nil {
		r.byUser[userID] = make(map[string]*Conn)
	}
	r.byUser[userID][connID] = st.conn
	r.mu.Unlock()

	if evicted != nil {
		r.fireEvict(evicted)
	}
	return nil
}

// Detach removes and closes the connection. Safe to call repeatedly;
// transport teardown and sweeper eviction can race here. Fires the
// evict callback so a clean close and a sweeper expiry leave the same
// state behind (presence in particular).
func (r *Registry) Detach(connID string) {
	r.mu.Lock()
	st, ok := r.byConn[connID]
	if ok {
		delete(r.byConn, connID)
		r.dropUserIndexLocked(st.conn)
	}
	r.mu.Unlock()
	if ok {
		r.fireEvict(st.conn)
	}
}

// Heartbeat refreshes the liveness window for the connection.
func (r *Registry) Heartbeat(connID string) error {
	now := r.conf.Clock()
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.byConn[connID]
	if !ok {
		return errors.Errorf("conn %s not attached", connID)
	}
	st.heartbeat = now
	st.expireAt = now.Add(st.ttl)
	return nil
}

// ConnectionsFor returns every live connection of the user; empty when
// offline (events are simply not pushed, reconciliation covers them).
func (r *Registry) ConnectionsFor(userID string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m := r.byUser[userID]
	if len(m) == 0 {
		return nil
	}
	out := make([]*Conn, 0, len(m))
	for _, c := range m {
		out = append(out, c)
	}
	return out
}

func (r *Registry) Get(connID string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.byConn[connID]
	if !ok {
		return nil, false
	}
	return st.conn, true
}

// HasLive reports whether the user has any connection on this node.
func (r *Registry) HasLive(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

func (r *Registry) Close() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.mu.Lock()
	conns := make([]*Conn, 0, len(r.byConn))
	for _, st := range r.byConn {
		conns = append(conns, st.conn)
	}
	r.byConn = map[string]*connState{}
	r.byUser = map[string]map[string]*Conn{}
	r.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

func (r *Registry) sweeper() {
	t := time.NewTicker(r.conf.SweepEvery)
	defer t.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-t.C:
			r.sweepOnce(r.conf.Clock())
		}
	}
}

func (r *Registry) sweepOnce(now time.Time) {
	var expired []*Conn
	r.mu.Lock()
	for id, st := range r.byConn {
		if now.After(st.expireAt) {
			delete(r.byConn, id)
			r.dropUserIndexLocked(st.conn)
			expired = append(expired, st.conn)
		}
	}
	r.mu.Unlock()

	for _, c := range expired {
		logger.Infof("[registry] heartbeat expired conn=%s user=%s", c.ID, c.UserID())
		r.fireEvict(c)
	}
}

func (r *Registry) dropUserIndexLocked(c *Conn) {
	user := c.UserID()
	if user == "" {
		return
	}
	if m := r.byUser[user]; m != nil {
		delete(m, c.ID)
		if len(m) == 0 {
			delete(r.byUser, user)
		}
	}
}

func (r *Registry) evictOldestLocked(userID string) *Conn {
	var oldest *Conn
	var oldestAt time.Time
	for id, c := range r.byUser[userID] {
		st := r.byConn[id]
		if st == nil {
			continue
		}
		if oldest == nil || st.heartbeat.Before(oldestAt) {
			oldest, oldestAt = c, st.heartbeat
		}
	}
	if oldest != nil {
		delete(r.byConn, oldest.ID)
		delete(r.byUser[userID], oldest.ID)
	}
	return oldest
}

func (r *Registry) fireEvict(c *Conn) {
	c.Close()
	if r.onEvict != nil {
		r.onEvict(c)
	}
}
