package chat

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T, conf RegistryConf, onEvict func(*Conn)) (*Registry, *time.Time) {
	t.Helper()
	now := time.UnixMilli(0)
	conf.Clock = func() time.Time { return now }
	if conf.SweepEvery == 0 {
		conf.SweepEvery = time.Hour // sweeps driven by hand
	}
	r := NewRegistry(conf, onEvict)
	t.Cleanup(r.Close)
	return r, &now
}

func attach(t *testing.T, r *Registry, id string) *Conn {
	t.Helper()
	c := NewConn(id, nil, 8)
	require.NoError(t, r.Attach(c))
	return c
}

func TestAttachBindLookup(t *testing.T) {
	r, _ := newTestRegistry(t, RegistryConf{}, nil)

	c := attach(t, r, "c1")
	assert.Empty(t, c.UserID())
	assert.False(t, r.HasLive("alice"))

	require.NoError(t, r.Bind("c1", "alice"))
	assert.Equal(t, "alice", c.UserID())
	assert.True(t, r.HasLive("alice"))

	got, ok := r.Get("c1")
	require.True(t, ok)
	assert.Same(t, c, got)
}

func TestMultiDevice(t *testing.T) {
	r, _ := newTestRegistry(t, RegistryConf{}, nil)

	attach(t, r, "c1")
	attach(t, r, "c2")
	require.NoError(t, r.Bind("c1", "alice"))
	require.NoError(t, r.Bind("c2", "alice"))

	conns := r.ConnectionsFor("alice")
	assert.Len(t, conns, 2)

	// dropping one device leaves the other live
	r.Detach("c1")
	assert.Len(t, r.ConnectionsFor("alice"), 1)
	assert.True(t, r.HasLive("alice"))

	r.Detach("c2")
	assert.False(t, r.HasLive("alice"))
}

func TestDetachFiresEvictCallback(t *testing.T) {
	var evicted []*Conn
	r, _ := newTestRegistry(t, RegistryConf{}, func(c *Conn) { evicted = append(evicted, c) })

	c := attach(t, r, "c1")
	require.NoError(t, r.Bind("c1", "alice"))

	// a clean close must leave the same state as a sweeper expiry
	r.Detach("c1")
	require.Len(t, evicted, 1)
	assert.Same(t, c, evicted[0])

	r.Detach("c1")
	assert.Len(t, evicted, 1, "repeat detach must not re-fire")
}

func TestRebindDropsOldUserIndex(t *testing.T) {
	r, _ := newTestRegistry(t, RegistryConf{}, nil)

	c := attach(t, r, "c1")
	require.NoError(t, r.Bind("c1", "alice"))
	require.NoError(t, r.Bind("c1", "bob"))

	assert.Empty(t, r.ConnectionsFor("alice"), "re-auth must not leave the old identity targeting the conn")
	assert.False(t, r.HasLive("alice"))

	conns := r.ConnectionsFor("bob")
	require.Len(t, conns, 1)
	assert.Same(t, c, conns[0])

	r.Detach("c1")
	assert.False(t, r.HasLive("bob"))
}

func TestDetachIdempotent(t *testing.T) {
	r, _ := newTestRegistry(t, RegistryConf{}, nil)

	attach(t, r, "c1")
	require.NoError(t, r.Bind("c1", "alice"))

	r.Detach("c1")
	r.Detach("c1") // second detach is a no-op
	assert.False(t, r.HasLive("alice"))
	_, ok := r.Get("c1")
	assert.False(t, ok)
}

func TestAttachDuplicateRejected(t *testing.T) {
	r, _ := newTestRegistry(t, RegistryConf{}, nil)
	c := attach(t, r, "c1")
	assert.Error(t, r.Attach(c))
}

func TestHeartbeatExtendsWindow(t *testing.T) {
	r, now := newTestRegistry(t, RegistryConf{AuthTTL: 90 * time.Second}, nil)

	attach(t, r, "c1")
	require.NoError(t, r.Bind("c1", "alice"))

	// heartbeats keep arriving: the connection survives well past one TTL
	for i := 0; i < 5; i++ {
		*now = now.Add(60 * time.Second)
		require.NoError(t, r.Heartbeat("c1"))
		r.sweepOnce(*now)
	}
	assert.True(t, r.HasLive("alice"))

	// then they stop
	*now = now.Add(91 * time.Second)
	r.sweepOnce(*now)
	assert.False(t, r.HasLive("alice"))
	require.Error(t, r.Heartbeat("c1"))
}

func TestSweepUsesShorterUnauthTTL(t *testing.T) {
	var evicted []*Conn
	r, now := newTestRegistry(t, RegistryConf{
		UnauthTTL: 30 * time.Second,
		AuthTTL:   90 * time.Second,
	}, func(c *Conn) { evicted = append(evicted, c) })

	attach(t, r, "anon")
	attach(t, r, "authd")
	require.NoError(t, r.Bind("authd", "alice"))

	*now = now.Add(31 * time.Second)
	r.sweepOnce(*now)

	_, anonAlive := r.Get("anon")
	assert.False(t, anonAlive, "unauthenticated connection expires on the short TTL")
	assert.True(t, r.HasLive("alice"))
	require.Len(t, evicted, 1)
	assert.Equal(t, "anon", evicted[0].ID)
}

func TestMaxPerUserEvictsOldest(t *testing.T) {
	var evicted []*Conn
	r, now := newTestRegistry(t, RegistryConf{MaxPerUser: 2},
		func(c *Conn) { evicted = append(evicted, c) })

	for i := 1; i <= 2; i++ {
		id := fmt.Sprintf("c%d", i)
		attach(t, r, id)
		require.NoError(t, r.Bind(id, "alice"))
		*now = now.Add(time.Second)
	}
	// c1 has the stalest heartbeat; a third device pushes it out
	attach(t, r, "c3")
	require.NoError(t, r.Bind("c3", "alice"))

	require.Len(t, evicted, 1)
	assert.Equal(t, "c1", evicted[0].ID)
	assert.Len(t, r.ConnectionsFor("alice"), 2)
	_, ok := r.Get("c1")
	assert.False(t, ok)
}

func TestCloseDropsEverything(t *testing.T) {
	r, _ := newTestRegistry(t, RegistryConf{}, nil)
	attach(t, r, "c1")
	require.NoError(t, r.Bind("c1", "alice"))

	r.Close()
	assert.False(t, r.HasLive("alice"))
	_, ok := r.Get("c1")
	assert.False(t, ok)
}
