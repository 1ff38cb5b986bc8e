package model

// SyncCursor tracks, per (user, conversation), the last message seq the
// user's client has acknowledged during reconciliation. Server-internal;
// never shown to users.
type SyncCursor struct {
	UserID         string `bson:"user_id" json:"userId"`
	ConversationID string `bson:"conversation_id" json:"conversationId"`
	AckedSeq       int64  `bson:"acked_seq" json:"ackedSeq"` // monotonic, never lowered
	UpdatedAtMS    int64  `bson:"updated_at_ms" json:"updatedAtMs"`
}
