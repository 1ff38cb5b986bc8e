// Package bus moves committed events between gateway nodes. Each node
// fans out to its own local connections; the bus only bridges nodes, so
// a single-node deployment runs the no-op implementation.
package bus

import (
	"context"
	"encoding/json"
)

// Event is the cross-node envelope. Origin is the publishing node id;
// subscribers drop their own events.
type Event struct {
	Origin         string          `json:"origin"`
	Type           string          `json:"type"`
	ConversationID string          `json:"conversationId,omitempty"`
	Targets        []string        `json:"targets"` // user ids to fan out to
	Payload        json.RawMessage `json:"payload"` // pre-marshaled client frame
}

type Handler func(ev *Event)

type Bus interface {
	Publish(ctx context.Context, ev *Event) error
	// Subscribe registers the remote-event handler; events published by
	// this node's own Origin are filtered out before the handler runs.
	Subscribe(h Handler) error
	Close()
}

// NopBus is the single-node bus: no peers, nothing to do.
type NopBus struct{}

func NewNopBus() *NopBus { return &NopBus{} }

func (*NopBus) Publish(ctx context.Context, ev *Event) error { return nil }
func (*NopBus) Subscribe(h Handler) error                    { return nil }
func (*NopBus) Close()                                       {}
