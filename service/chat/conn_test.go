package chat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(c *Conn) [][]byte {
	var out [][]byte
	for {
		select {
		case p := <-c.send:
			out = append(out, p)
		default:
			return out
		}
	}
}

func TestEnqueueOrdering(t *testing.T) {
	c := NewConn("c1", nil, 4)

	assert.True(t, c.Enqueue([]byte("a")))
	assert.True(t, c.Enqueue([]byte("b")))
	assert.False(t, c.Stale())

	got := drain(c)
	require.Len(t, got, 2)
	assert.Equal(t, "a", string(got[0]))
	assert.Equal(t, "b", string(got[1]))
}

func TestEnqueueOverflowDropsOldest(t *testing.T) {
	c := NewConn("c1", nil, 2)

	assert.True(t, c.Enqueue([]byte("a")))
	assert.True(t, c.Enqueue([]byte("b")))

	// full queue: the oldest event goes, the new one gets in, and the
	// connection is flagged for reconciliation
	assert.False(t, c.Enqueue([]byte("c")))
	assert.True(t, c.Stale())

	got := drain(c)
	require.Len(t, got, 2)
	assert.Equal(t, "b", string(got[0]))
	assert.Equal(t, "c", string(got[1]))
}

func TestEnqueueNeverBlocks(t *testing.T) {
	c := NewConn("c1", nil, 1)
	for i := 0; i < 100; i++ {
		c.Enqueue([]byte{byte(i)})
	}
	got := drain(c)
	require.Len(t, got, 1)
	assert.Equal(t, []byte{99}, got[0])
}

func TestStaleClearedForReplay(t *testing.T) {
	c := NewConn("c1", nil, 1)
	c.Enqueue([]byte("a"))
	c.Enqueue([]byte("b"))
	require.True(t, c.Stale())

	c.clearStale()
	assert.False(t, c.Stale())
}

func TestCloseIdempotent(t *testing.T) {
	c := NewConn("c1", nil, 1)
	c.Close()
	c.Close() // must not panic on the second call

	select {
	case <-c.done:
	default:
		t.Fatal("done channel not closed")
	}
}
