package chat

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"IMRelay/module/chat/model"
)

// Frame is the wire envelope, one JSON object per websocket message.
// Requests carry a client-chosen ID which is echoed on the matching ack
// so clients can correlate.
type Frame struct {
	Type string          `json:"type"`
	ID   string          `json:"id,omitempty"`
	Ts   int64           `json:"ts,omitempty"` // unix ms, server-stamped on outbound
	Body json.RawMessage `json:"body,omitempty"`
}

// client -> server
const (
	FrameAuth               = "auth"
	FramePing               = "ping"
	FrameSend               = "send"
	FrameMarkDelivered      = "mark_delivered"
	FrameMarkRead           = "mark_read"
	FrameBatchMarkDelivered = "batch_mark_delivered"
	FrameBatchMarkRead      = "batch_mark_read"
	FrameFetch              = "fetch"
	FrameCreateDirect       = "create_direct"
	FrameCreateGroup        = "create_group"
	FrameAddParticipant     = "add_participant"
	FrameListConversations  = "list_conversations"
	FrameAttach             = "attach"
	FrameSetPresence        = "set_presence"
	FrameSetTyping          = "set_typing"
)

// server -> client
const (
	FrameConnAck         = "conn_ack"
	FrameAuthAck         = "auth_ack"
	FramePong            = "pong"
	FrameSendAck         = "send_ack"
	FrameError           = "error"
	FrameMessageCreated  = "message_created"
	FrameMessageStatus   = "message_status"
	FramePresenceChanged = "presence_changed"
	FrameTypingChanged   = "typing_changed"
	FrameReconcile       = "reconcile"
	FrameReconcileDone   = "reconcile_done"
	FrameConversation    = "conversation"
	FrameConversations   = "conversations"
	FrameMessages        = "messages"
)

// ---- request bodies ----

type AuthBody struct {
	Token string `json:"token"`
}

type SendBody struct {
	ConversationID  string `json:"conversationId"`
	ClientMessageID string `json:"clientMessageId"`
	Content         string `json:"content"`
	MediaRef        string `json:"mediaRef,omitempty"`
}

type ReceiptBody struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
}

type BatchReceiptBody struct {
	ConversationID string   `json:"conversationId"`
	MessageIDs     []string `json:"messageIds"`
}

type FetchBody struct {
	ConversationID string `json:"conversationId"`
	BeforeSeq      int64  `json:"beforeSeq,omitempty"` // 0 = newest page
	Limit          int    `json:"limit,omitempty"`
}

type CreateDirectBody struct {
	OtherUserID string `json:"otherUserId"`
}

type CreateGroupBody struct {
	Participants []string `json:"participants"`
	Name         string   `json:"name"`
}

type AddParticipantBody struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

type AttachBody struct {
	// conversation id -> last acked seq; 0 replays from the beginning
	Cursors map[string]int64 `json:"cursors"`
}

type PresenceBody struct {
	Status string `json:"status"`
}

type TypingBody struct {
	ConversationID string `json:"conversationId"`
	IsTyping       bool   `json:"isTyping"`
}

// ---- response / event bodies ----

type ConnAckBody struct {
	ConnID string `json:"connId"`
	NodeID string `json:"nodeId"`
}

type AuthAckBody struct {
	UserID string `json:"userId"`
	ConnID string `json:"connId"`
}

type SendAckBody struct {
	ClientMessageID string         `json:"clientMessageId"`
	Status          string         `json:"status"` // sent | failed
	Message         *model.Message `json:"message,omitempty"`
	Error           string         `json:"error,omitempty"`
	Retryable       bool           `json:"retryable,omitempty"`
}

type ErrorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

type MessageCreatedBody struct {
	Message *model.Message `json:"message"`
	Status  string         `json:"status"`
}

type MessageStatusBody struct {
	ConversationID string   `json:"conversationId"`
	MessageID      string   `json:"messageId"`
	Seq            int64    `json:"seq"`
	DeliveredTo    []string `json:"deliveredTo"`
	ReadBy         []string `json:"readBy"`
	Status         string   `json:"status"`
}

type TypingChangedBody struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
}

type ReconcileBody struct {
	ConversationID string           `json:"conversationId"`
	Messages       []*model.Message `json:"messages"`
}

type ReconcileSummary struct {
	ConversationID string `json:"conversationId"`
	FromSeq        int64  `json:"fromSeq,omitempty"`
	ToSeq          int64  `json:"toSeq"`
	Error          string `json:"error,omitempty"`
}

type ReconcileDoneBody struct {
	Results []ReconcileSummary `json:"results"`
}

type ConversationListItem struct {
	*model.Conversation
	Unread int64 `json:"unread"`
}

type ConversationsBody struct {
	Conversations []*ConversationListItem `json:"conversations"`
}

type MessagesBody struct {
	ConversationID string           `json:"conversationId"`
	Messages       []*model.Message `json:"messages"`
}

// ---- codec ----

func ParseFrame(raw []byte) (*Frame, error) {
	f := &Frame{}
	if err := json.Unmarshal(raw, f); err != nil {
		return nil, errors.Wrap(err, "unmarshal frame")
	}
	if f.Type == "" {
		return nil, errors.New("frame missing type")
	}
	return f, nil
}

func decodeBody(f *Frame, v any) error {
	if len(f.Body) == 0 {
		return errors.Errorf("%s frame missing body", f.Type)
	}
	return errors.Wrapf(json.Unmarshal(f.Body, v), "decode %s body", f.Type)
}

// BuildFrame marshals body into an envelope; panics are not worth the
// ceremony here since every body type is marshal-safe by construction.
func BuildFrame(frameType, id string, body any) []byte {
	var raw json.RawMessage
	if body != nil {
		raw, _ = json.Marshal(body)
	}
	out, _ := json.Marshal(&Frame{
		Type: frameType,
		ID:   id,
		Ts:   time.Now().UnixMilli(),
		Body: raw,
	})
	return out
}
