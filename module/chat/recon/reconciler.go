package recon

import (
	"context"

	"IMRelay/module/chat/conv"
	"IMRelay/module/chat/model"
	"IMRelay/module/chat/msg"
	"IMRelay/tools/errs"
)

const (
	replayPage          = 100
	statusSnapshotLimit = 50
)

// Reconciler replays the committed backlog between a client's cursor
// and the log head, in strict seq order, then the caller hands the
// connection over to live fan-out. Works for cursors of any staleness;
// a pruned log below the cursor surfaces as errs.ErrCursorTooOld so the
// client falls back to a full snapshot fetch.
type Reconciler struct {
	convs   conv.Store
	msgs    *msg.Store
	cursors CursorStore
}

func New(convs conv.Store, msgs *msg.Store, cursors CursorStore) *Reconciler {
	return &Reconciler{convs: convs, msgs: msgs, cursors: cursors}
}

// ConvResult reports the replay outcome for one conversation.
type ConvResult struct {
	ConversationID string
	FromSeq        int64 // first replayed seq (0 when nothing replayed)
	ToSeq          int64 // new cursor position
	Err            error // per-conversation failure, e.g. CursorTooOld
}

// Emit receives replayed messages in ascending seq order, batched.
// Status receives receipt snapshots for the user's own older messages
// (their delivered/read sets may have grown while the client was away;
// the sets are monotonic so the client merges them idempotently).
type Emit func(convID string, batch []*model.Message) error
type Status func(convID string, snapshot []*model.Message) error

// Replay catches the user up on every conversation in cursors. A
// conversation-level failure is recorded in its ConvResult and does not
// abort the other conversations; only emit errors (dead connection)
// abort the whole call.
func (r *Reconciler) Replay(ctx context.Context, userID string, cursors map[string]int64, emit Emit, status Status) ([]ConvResult, error) {
	out := make([]ConvResult, 0, len(cursors))
	for convID, cursor := range cursors {
		res, err := r.replayOne(ctx, userID, convID, cursor, emit, status)
		if err != nil {
			return out, err
		}
		out = append(out, res)
	}
	return out, nil
}

func (r *Reconciler) replayOne(ctx context.Context, userID, convID string, cursor int64, emit Emit, status Status) (ConvResult, error) {
	res := ConvResult{ConversationID: convID}

	c, err := r.convs.Get(ctx, convID)
	if err != nil {
		res.Err = err
		return res, nil
	}
	if !c.HasParticipant(userID) {
		res.Err = errs.ErrUnauthorized
		return res, nil
	}
	if cursor < 0 {
		cursor = 0
	}

	minSeq, err := r.msgs.MinSeq(ctx, convID)
	if err != nil {
		res.Err = err
		return res, nil
	}
	if cursor > 0 && minSeq > cursor+1 {
		// log pruned past the cursor: no gap-free delta exists
		res.Err = errs.ErrCursorTooOld
		return res, nil
	}

	maxSeq, err := r.msgs.MaxSeq(ctx, convID)
	if err != nil {
		res.Err = err
		return res, nil
	}
	res.ToSeq = cursor

	for next := cursor + 1; next <= maxSeq; {
		batch, err := r.msgs.Range(ctx, convID, next, maxSeq, replayPage)
		if err != nil {
			res.Err = err
			return res, nil
		}
		if len(batch) == 0 {
			break
		}
		if err := emit(convID, batch); err != nil {
			return res, err // connection gone, stop everything
		}
		if res.FromSeq == 0 {
			res.FromSeq = batch[0].Seq
		}
		res.ToSeq = batch[len(batch)-1].Seq
		next = res.ToSeq + 1
	}

	if status != nil {
		snap, err := r.msgs.RecentBySender(ctx, convID, userID, statusSnapshotLimit)
		if err == nil && len(snap) > 0 {
			// only messages at or below the old cursor; newer ones were
			// just replayed with current sets
			older := snap[:0]
			for _, m := range snap {
				if m.Seq <= cursor {
					older = append(older, m)
				}
			}
			if len(older) > 0 {
				if err := status(convID, older); err != nil {
					return res, err
				}
			}
		}
	}

	if res.ToSeq > cursor {
		if err := r.cursors.Ack(ctx, userID, convID, res.ToSeq); err != nil {
			res.Err = err
		}
	}
	return res, nil
}

// Cursor exposes the stored acked seq, mainly for diagnostics.
func (r *Reconciler) Cursor(ctx context.Context, userID, convID string) (int64, error) {
	return r.cursors.Get(ctx, userID, convID)
}

// Ack advances the stored cursor after the client confirms receipt of
// live-pushed messages.
func (r *Reconciler) Ack(ctx context.Context, userID, convID string, seq int64) error {
	return r.cursors.Ack(ctx, userID, convID, seq)
}
