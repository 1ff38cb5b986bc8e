package chat

import (
	"context"
	"hash/fnv"

	"IMRelay/logger"
	"IMRelay/service/bus"
)

type fanoutJob struct {
	targets []string
	payload []byte
}

// Fanout pushes one event to every live connection of every target
// user, and mirrors it onto the bus so peer nodes do the same for
// their connections. Every conversation hashes onto one fixed worker,
// so events for a conversation are delivered in the order they entered
// Publish; workers only race across conversations.
type Fanout struct {
	reg   *Registry
	bus   bus.Bus
	lanes []chan fanoutJob
	done  chan struct{}
}

func NewFanout(reg *Registry, b bus.Bus, workers, queue int) *Fanout {
	if workers <= 0 {
		workers = 4
	}
	if queue <= 0 {
		queue = 4096
	}
	f := &Fanout{
		reg:   reg,
		bus:   b,
		lanes: make([]chan fanoutJob, workers),
		done:  make(chan struct{}),
	}
	for i := range f.lanes {
		f.lanes[i] = make(chan fanoutJob, queue)
		go f.worker(f.lanes[i])
	}
	return f
}

// lane picks the worker for the event. Keyed by conversation; events
// without one (presence) key on their first target, which keeps one
// user's presence transitions ordered too.
func (f *Fanout) lane(convID string, targets []string) chan fanoutJob {
	key := convID
	if key == "" && len(targets) > 0 {
		key = targets[0]
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return f.lanes[h.Sum32()%uint32(len(f.lanes))]
}

// Publish delivers payload to the targets' local connections and, when
// remote is true, broadcasts it to peer nodes. Never blocks on a slow
// connection; Conn.Enqueue handles overflow.
func (f *Fanout) Publish(ctx context.Context, evType, convID string, targets []string, payload []byte, remote bool) {
	if len(targets) == 0 || len(payload) == 0 {
		return
	}
	select {
	case f.lane(convID, targets) <- fanoutJob{targets: targets, payload: payload}:
	default:
		// fan-out lane is saturated; local delivery for this event is
		// skipped and reconciliation covers the receivers
		logger.Warnf("[fanout] lane full, dropping local delivery type=%s conv=%s", evType, convID)
	}

	if remote && f.bus != nil {
		ev := &bus.Event{Type: evType, ConversationID: convID, Targets: targets, Payload: payload}
		if err := f.bus.Publish(ctx, ev); err != nil {
			logger.Warnf("[fanout] bus publish failed type=%s conv=%s: %v", evType, convID, err)
		}
	}
}

// DeliverLocal pushes a bus event from a peer node to this node's
// connections only (no re-broadcast, or events would loop forever).
// Keyed the same way as Publish so peer events keep their order.
func (f *Fanout) DeliverLocal(ev *bus.Event) {
	select {
	case f.lane(ev.ConversationID, ev.Targets) <- fanoutJob{targets: ev.Targets, payload: ev.Payload}:
	default:
		logger.Warnf("[fanout] lane full, dropping remote event type=%s", ev.Type)
	}
}

func (f *Fanout) worker(jobs <-chan fanoutJob) {
	for {
		select {
		case <-f.done:
			return
		case job := <-jobs:
			for _, user := range job.targets {
				for _, c := range f.reg.ConnectionsFor(user) {
					if !c.Enqueue(job.payload) {
						logger.Warnf("[fanout] queue overflow conn=%s user=%s, marked stale", c.ID, user)
					}
				}
			}
		}
	}
}

func (f *Fanout) Close() {
	select {
	case <-f.done:
	default:
		close(f.done)
	}
}
