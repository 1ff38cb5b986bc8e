package chat

import (
	"github.com/pkg/errors"
)

// Handler processes one inbound frame type.
type Handler interface {
	Type() string
	// RequiresAuth gates dispatch: the read loop rejects the frame
	// before the handler runs when the connection is still unbound.
	RequiresAuth() bool
	Handle(ctx *Context, f *Frame, c *Conn) error
}

// Context carries the server into handlers.
type Context struct {
	S *Server
}

type Dispatcher struct {
	handlers map[string]Handler
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]Handler)}
}

func (d *Dispatcher) Register(h Handler) { d.handlers[h.Type()] = h }

func (d *Dispatcher) Get(frameType string) Handler {
	return d.handlers[frameType]
}

func (d *Dispatcher) Dispatch(ctx *Context, f *Frame, c *Conn) error {
	h := d.Get(f.Type)
	if h == nil {
		return errors.Errorf("no handler for type=%s", f.Type)
	}
	if h.RequiresAuth() && c.UserID() == "" {
		c.Enqueue(BuildFrame(FrameError, f.ID, &ErrorBody{
			Code: "unauthorized", Message: "authenticate first",
		}))
		return nil
	}
	return h.Handle(ctx, f, c)
}
