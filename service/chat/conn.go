package chat

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"IMRelay/logger"
)

const (
	defaultSendQueue = 256
	writeTimeout     = 5 * time.Second
	pingEvery        = 10 * time.Second
)

// Conn is one live client session. A user may hold several at once
// (multi-device); each gets its own fan-out copies through its own
// bounded send queue, drained by a single writer goroutine.
type Conn struct {
	ID     string
	userID atomic.Value // string, set on auth

	ws   *websocket.Conn
	send chan []byte

	// stale flips when the send queue overflowed and an event was
	// dropped: the live stream is incomplete and the client must run
	// reconciliation before trusting it again.
	stale atomic.Bool

	closeOnce sync.Once
	done      chan struct{}
}

func NewConn(id string, ws *websocket.Conn, queueSize int) *Conn {
	if queueSize <= 0 {
		queueSize = defaultSendQueue
	}
	c := &Conn{
		ID:   id,
		ws:   ws,
		send: make(chan []byte, queueSize),
		done: make(chan struct{}),
	}
	c.userID.Store("")
	return c
}

func (c *Conn) UserID() string       { return c.userID.Load().(string) }
func (c *Conn) bindUser(user string) { c.userID.Store(user) }

func (c *Conn) Stale() bool { return c.stale.Load() }
func (c *Conn) markStale()  { c.stale.Store(true) }
func (c *Conn) clearStale() { c.stale.Store(false) }

// Enqueue never blocks: a slow client must not stall fan-out to
// anyone else. On overflow the oldest queued event is dropped and the
// connection goes stale, trading a guaranteed-complete live stream for
// bounded memory; reconciliation repairs the gap.
func (c *Conn) Enqueue(payload []byte) bool {
	select {
	case c.send <- payload:
		return true
	default:
	}
	// full: drop the oldest, then try once more
	select {
	case <-c.send:
	default:
	}
	c.markStale()
	select {
	case c.send <- payload:
	default:
	}
	return false
}

// writePump is the connection's only websocket writer.
func (c *Conn) writePump() {
	ping := time.NewTicker(pingEvery)
	defer ping.Stop()
	for {
		select {
		case <-c.done:
			return
		case payload, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.write(websocket.TextMessage, payload); err != nil {
				logger.Debug("[conn] write failed, closing: " + err.Error())
				c.Close()
				return
			}
		case <-ping.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		}
	}
}

func (c *Conn) write(mt int, payload []byte) error {
	if c.ws == nil {
		return nil
	}
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(mt, payload)
}

// Close is idempotent; the registry's detach path and transport errors
// may both land here.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.ws != nil {
			_ = c.ws.Close()
		}
	})
}
