// Package msg is the append-only per-conversation message log with
// delivery/read tracking.
package msg

import (
	"context"

	"IMRelay/module/chat/model"
)

// DB abstracts message persistence. The Store layer on top owns
// sequencing, idempotency and retries; implementations only have to
// enforce the unique constraints and classify their errors.
//
// Required uniques: (conversation_id, seq) and
// (conversation_id, client_msg_id).
type DB interface {
	InsertMessage(ctx context.Context, m *model.Message) error

	// FindByClientID returns (nil, nil) when absent.
	FindByClientID(ctx context.Context, convID, clientMsgID string) (*model.Message, error)

	// FindByID returns errs.ErrNotFound when absent.
	FindByID(ctx context.Context, convID, messageID string) (*model.Message, error)

	// MaxSeq / MinSeq are 0 for an empty conversation.
	MaxSeq(ctx context.Context, convID string) (int64, error)
	MinSeq(ctx context.Context, convID string) (int64, error)

	// AddReceipt adds userID to delivered_to of every listed message,
	// and to read_by as well when read is true. All ids must exist or
	// the call fails with errs.ErrNotFound. Returns the updated
	// documents. The memory implementation rejects the whole batch
	// without touching anything; the mongo implementation prechecks the
	// count but an update interrupted mid-batch can leave a partial
	// result until the client retries — $addToSet makes the retry
	// converge.
	AddReceipt(ctx context.Context, convID string, messageIDs []string, userID string, read bool) ([]*model.Message, error)

	// ListBefore returns up to limit messages with seq < beforeSeq,
	// descending. Backward pagination.
	ListBefore(ctx context.Context, convID string, beforeSeq int64, limit int) ([]*model.Message, error)

	// ListRange returns messages with fromSeq <= seq <= toSeq,
	// ascending, capped at limit. Reconciliation replay.
	ListRange(ctx context.Context, convID string, fromSeq, toSeq int64, limit int) ([]*model.Message, error)

	// ListRecentBySender returns the sender's newest messages,
	// descending by seq. Used to snapshot receipt state on attach.
	ListRecentBySender(ctx context.Context, convID, senderID string, limit int) ([]*model.Message, error)

	// CountUnread counts messages in the conversation that userID
	// neither sent nor read.
	CountUnread(ctx context.Context, convID, userID string) (int64, error)

	IsUniqueSeqErr(err error) bool
	IsUniqueClientIDErr(err error) bool
	IsTransientErr(err error) bool
}
