package bus

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"

	"IMRelay/logger"
)

const subjectEvents = "im.gateway.events"

type NatsConf struct {
	Servers string // comma-separated nats urls
	Name    string // client name, usually the gateway node id
	Origin  string // node id stamped on published events
}

// NatsBus broadcasts events over core NATS. At-most-once is acceptable
// here: a dropped bus event is repaired by the recipient's next
// reconciliation, same as an overflowed connection queue.
type NatsBus struct {
	nc     *nats.Conn
	origin string

	mu   sync.Mutex
	subs []*nats.Subscription
}

func NewNatsBus(conf NatsConf) (*NatsBus, error) {
	nc, err := nats.Connect(conf.Servers,
		nats.Name(conf.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Infof("[bus] nats reconnected url=%s", c.ConnectedUrl())
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warnf("[bus] nats disconnected: %v", err)
		}),
	)
	if err != nil {
		return nil, errors.Wrap(err, "nats connect")
	}
	return &NatsBus{nc: nc, origin: conf.Origin}, nil
}

func (b *NatsBus) Publish(ctx context.Context, ev *Event) error {
	ev.Origin = b.origin
	data, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "marshal bus event")
	}
	return errors.Wrap(b.nc.Publish(subjectEvents, data), "publish bus event")
}

func (b *NatsBus) Subscribe(h Handler) error {
	sub, err := b.nc.Subscribe(subjectEvents, func(m *nats.Msg) {
		var ev Event
		if err := json.Unmarshal(m.Data, &ev); err != nil {
			logger.Warnf("[bus] bad event payload: %v", err)
			return
		}
		if ev.Origin == b.origin {
			return // our own broadcast coming back
		}
		h(&ev)
	})
	if err != nil {
		return errors.Wrap(err, "subscribe")
	}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return nil
}

func (b *NatsBus) Close() {
	b.mu.Lock()
	for _, s := range b.subs {
		_ = s.Unsubscribe()
	}
	b.subs = nil
	b.mu.Unlock()
	b.nc.Close()
}
