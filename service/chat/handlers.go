package chat

import (
	"context"

	"github.com/pkg/errors"

	"IMRelay/logger"
	"IMRelay/module/chat/model"
	"IMRelay/tools/errs"
)

// sendErr maps err onto the wire taxonomy and pushes an error frame
// correlated to the request.
func sendErr(c *Conn, reqID string, err error) {
	c.Enqueue(BuildFrame(FrameError, reqID, &ErrorBody{
		Code:      errs.Code(err),
		Message:   err.Error(),
		Retryable: errs.Retryable(err),
	}))
}

// memberConv loads the conversation and rejects non-participants with
// errs.ErrUnauthorized. Every conversation-scoped frame goes through
// this gate.
func memberConv(ctx context.Context, s *Server, convID, userID string) (*model.Conversation, error) {
	cv, err := s.convs.Get(ctx, convID)
	if err != nil {
		return nil, err
	}
	if !cv.HasParticipant(userID) {
		return nil, errors.Wrapf(errs.ErrUnauthorized, "user %s not in conversation %s", userID, convID)
	}
	return cv, nil
}

// ---- auth ----

type authHandler struct{}

func (h *authHandler) Type() string       { return FrameAuth }
func (h *authHandler) RequiresAuth() bool { return false }

func (h *authHandler) Handle(ctx *Context, f *Frame, c *Conn) error {
	var body AuthBody
	if err := decodeBody(f, &body); err != nil {
		sendErr(c, f.ID, err)
		return nil
	}
	userID, err := ctx.S.identity.Verify(body.Token)
	if err != nil {
		sendErr(c, f.ID, errors.Wrap(errs.ErrUnauthorized, err.Error()))
		return nil
	}
	if err := ctx.S.reg.Bind(c.ID, userID); err != nil {
		return err
	}
	c.Enqueue(BuildFrame(FrameAuthAck, f.ID, &AuthAckBody{UserID: userID, ConnID: c.ID}))

	if _, err := ctx.S.presence.SetStatus(context.Background(), userID, model.PresenceOnline); err != nil {
		logger.Warnf("[auth] presence online for %s: %v", userID, err)
	}
	return nil
}

// ---- heartbeat ----

type pingHandler struct{}

func (h *pingHandler) Type() string       { return FramePing }
func (h *pingHandler) RequiresAuth() bool { return false }

func (h *pingHandler) Handle(ctx *Context, f *Frame, c *Conn) error {
	if err := ctx.S.reg.Heartbeat(c.ID); err != nil {
		return err
	}
	c.Enqueue(BuildFrame(FramePong, f.ID, nil))
	return nil
}

// ---- messaging ----

type sendHandler struct{}

func (h *sendHandler) Type() string       { return FrameSend }
func (h *sendHandler) RequiresAuth() bool { return true }

func (h *sendHandler) Handle(ctx *Context, f *Frame, c *Conn) error {
	var body SendBody
	if err := decodeBody(f, &body); err != nil {
		sendErr(c, f.ID, err)
		return nil
	}
	userID := c.UserID()
	rctx := context.Background()

	cv, err := memberConv(rctx, ctx.S, body.ConversationID, userID)
	if err != nil {
		sendErr(c, f.ID, err)
		return nil
	}

	m, err := ctx.S.msgs.Append(rctx, cv.ID, userID, body.ClientMessageID, body.Content, body.MediaRef)
	if err != nil {
		// the client keeps the message in "failed" and may retry with
		// the same clientMessageId; idempotent append absorbs it
		c.Enqueue(BuildFrame(FrameSendAck, f.ID, &SendAckBody{
			ClientMessageID: body.ClientMessageID,
			Status:          "failed",
			Error:           errs.Code(err),
			Retryable:       errs.Retryable(err),
		}))
		return nil
	}

	if err := ctx.S.convs.SetLastMessage(rctx, cv.ID, &model.LastMessage{
		Preview:  truncate(m.Content, ctx.S.conf.PreviewLen),
		SenderID: m.SenderID,
		Seq:      m.Seq,
		SentAtMS: m.CreatedAtMS,
	}); err != nil {
		logger.Warnf("[send] last-message update conv=%s: %v", cv.ID, err)
	}

	c.Enqueue(BuildFrame(FrameSendAck, f.ID, &SendAckBody{
		ClientMessageID: m.ClientMsgID,
		Status:          "sent",
		Message:         m,
	}))

	// broadcast happens from the store's commit hook, in seq order;
	// only the push decision lives here
	ctx.S.notifyOffline(rctx, cv, m)
	return nil
}

// receiptHandler serves mark_delivered and mark_read; the two differ
// only in which set grows (read implies delivered either way).
type receiptHandler struct {
	kind string
}

func (h *receiptHandler) Type() string       { return h.kind }
func (h *receiptHandler) RequiresAuth() bool { return true }

func (h *receiptHandler) Handle(ctx *Context, f *Frame, c *Conn) error {
	var body ReceiptBody
	if err := decodeBody(f, &body); err != nil {
		sendErr(c, f.ID, err)
		return nil
	}
	userID := c.UserID()
	rctx := context.Background()

	cv, err := memberConv(rctx, ctx.S, body.ConversationID, userID)
	if err != nil {
		sendErr(c, f.ID, err)
		return nil
	}

	var updated []*model.Message
	if h.kind == FrameMarkRead {
		updated, err = ctx.S.msgs.MarkRead(rctx, cv.ID, body.MessageID, userID)
	} else {
		updated, err = ctx.S.msgs.MarkDelivered(rctx, cv.ID, body.MessageID, userID)
	}
	if err != nil {
		sendErr(c, f.ID, err)
		return nil
	}
	ctx.S.broadcastStatus(rctx, cv, updated)
	return nil
}

type batchReceiptHandler struct {
	kind string
}

func (h *batchReceiptHandler) Type() string       { return h.kind }
func (h *batchReceiptHandler) RequiresAuth() bool { return true }

func (h *batchReceiptHandler) Handle(ctx *Context, f *Frame, c *Conn) error {
	var body BatchReceiptBody
	if err := decodeBody(f, &body); err != nil {
		sendErr(c, f.ID, err)
		return nil
	}
	if len(body.MessageIDs) == 0 {
		return nil
	}
	userID := c.UserID()
	rctx := context.Background()

	cv, err := memberConv(rctx, ctx.S, body.ConversationID, userID)
	if err != nil {
		sendErr(c, f.ID, err)
		return nil
	}

	var updated []*model.Message
	if h.kind == FrameBatchMarkRead {
		updated, err = ctx.S.msgs.BatchMarkRead(rctx, cv.ID, body.MessageIDs, userID)
	} else {
		updated, err = ctx.S.msgs.BatchMarkDelivered(rctx, cv.ID, body.MessageIDs, userID)
	}
	if err != nil {
		// all-or-nothing: one bad id rejects the whole batch
		sendErr(c, f.ID, err)
		return nil
	}
	ctx.S.broadcastStatus(rctx, cv, updated)
	return nil
}

type fetchHandler struct{}

func (h *fetchHandler) Type() string       { return FrameFetch }
func (h *fetchHandler) RequiresAuth() bool { return true }

func (h *fetchHandler) Handle(ctx *Context, f *Frame, c *Conn) error {
	var body FetchBody
	if err := decodeBody(f, &body); err != nil {
		sendErr(c, f.ID, err)
		return nil
	}
	rctx := context.Background()

	cv, err := memberConv(rctx, ctx.S, body.ConversationID, c.UserID())
	if err != nil {
		sendErr(c, f.ID, err)
		return nil
	}
	msgs, err := ctx.S.msgs.Fetch(rctx, cv.ID, body.BeforeSeq, body.Limit)
	if err != nil {
		sendErr(c, f.ID, err)
		return nil
	}
	c.Enqueue(BuildFrame(FrameMessages, f.ID, &MessagesBody{
		ConversationID: cv.ID,
		Messages:       msgs,
	}))
	return nil
}

// ---- conversations ----

type createDirectHandler struct{}

func (h *createDirectHandler) Type() string       { return FrameCreateDirect }
func (h *createDirectHandler) RequiresAuth() bool { return true }

func (h *createDirectHandler) Handle(ctx *Context, f *Frame, c *Conn) error {
	var body CreateDirectBody
	if err := decodeBody(f, &body); err != nil {
		sendErr(c, f.ID, err)
		return nil
	}
	cv, err := ctx.S.convs.CreateOrGetDirect(context.Background(), c.UserID(), body.OtherUserID)
	if err != nil {
		sendErr(c, f.ID, err)
		return nil
	}
	c.Enqueue(BuildFrame(FrameConversation, f.ID, cv))
	return nil
}

type createGroupHandler struct{}

func (h *createGroupHandler) Type() string       { return FrameCreateGroup }
func (h *createGroupHandler) RequiresAuth() bool { return true }

func (h *createGroupHandler) Handle(ctx *Context, f *Frame, c *Conn) error {
	var body CreateGroupBody
	if err := decodeBody(f, &body); err != nil {
		sendErr(c, f.ID, err)
		return nil
	}
	userID := c.UserID()
	rctx := context.Background()

	// the creator is always a member, listed or not
	participants := body.Participants
	found := false
	for _, p := range participants {
		if p == userID {
			found = true
			break
		}
	}
	if !found {
		participants = append(append([]string(nil), participants...), userID)
	}

	cv, err := ctx.S.convs.CreateGroup(rctx, participants, body.Name)
	if err != nil {
		sendErr(c, f.ID, err)
		return nil
	}
	c.Enqueue(BuildFrame(FrameConversation, f.ID, cv))

	// other members' conversation lists pick it up immediately
	payload := BuildFrame(FrameConversation, "", cv)
	ctx.S.fanout.Publish(rctx, FrameConversation, cv.ID, cv.Recipients(userID), payload, true)
	return nil
}

type addParticipantHandler struct{}

func (h *addParticipantHandler) Type() string       { return FrameAddParticipant }
func (h *addParticipantHandler) RequiresAuth() bool { return true }

func (h *addParticipantHandler) Handle(ctx *Context, f *Frame, c *Conn) error {
	var body AddParticipantBody
	if err := decodeBody(f, &body); err != nil {
		sendErr(c, f.ID, err)
		return nil
	}
	rctx := context.Background()

	if _, err := memberConv(rctx, ctx.S, body.ConversationID, c.UserID()); err != nil {
		sendErr(c, f.ID, err)
		return nil
	}
	cv, err := ctx.S.convs.AddParticipant(rctx, body.ConversationID, body.UserID)
	if err != nil {
		sendErr(c, f.ID, err)
		return nil
	}
	c.Enqueue(BuildFrame(FrameConversation, f.ID, cv))

	payload := BuildFrame(FrameConversation, "", cv)
	ctx.S.fanout.Publish(rctx, FrameConversation, cv.ID, cv.Recipients(c.UserID()), payload, true)
	return nil
}

type listConversationsHandler struct{}

func (h *listConversationsHandler) Type() string       { return FrameListConversations }
func (h *listConversationsHandler) RequiresAuth() bool { return true }

func (h *listConversationsHandler) Handle(ctx *Context, f *Frame, c *Conn) error {
	userID := c.UserID()
	rctx := context.Background()

	convs, err := ctx.S.convs.ListForUser(rctx, userID)
	if err != nil {
		sendErr(c, f.ID, err)
		return nil
	}
	items := make([]*ConversationListItem, 0, len(convs))
	for _, cv := range convs {
		unread, uerr := ctx.S.msgs.CountUnread(rctx, cv.ID, userID)
		if uerr != nil {
			logger.Warnf("[list] unread count conv=%s: %v", cv.ID, uerr)
		}
		items = append(items, &ConversationListItem{Conversation: cv, Unread: unread})
	}
	c.Enqueue(BuildFrame(FrameConversations, f.ID, &ConversationsBody{Conversations: items}))
	return nil
}

// ---- reconciliation ----

type attachHandler struct{}

func (h *attachHandler) Type() string       { return FrameAttach }
func (h *attachHandler) RequiresAuth() bool { return true }

func (h *attachHandler) Handle(ctx *Context, f *Frame, c *Conn) error {
	var body AttachBody
	if err := decodeBody(f, &body); err != nil {
		sendErr(c, f.ID, err)
		return nil
	}
	userID := c.UserID()
	rctx := context.Background()

	// whatever was dropped while the queue overflowed is about to be
	// replayed, so the stale flag no longer means anything
	c.clearStale()

	emit := func(convID string, batch []*model.Message) error {
		if !c.Enqueue(BuildFrame(FrameReconcile, "", &ReconcileBody{
			ConversationID: convID,
			Messages:       batch,
		})) {
			return errors.Errorf("conn %s overflowed during replay", c.ID)
		}
		return nil
	}
	status := func(convID string, snapshot []*model.Message) error {
		for _, m := range snapshot {
			if !c.Enqueue(BuildFrame(FrameMessageStatus, "", &MessageStatusBody{
				ConversationID: convID,
				MessageID:      m.ID,
				Seq:            m.Seq,
				DeliveredTo:    m.DeliveredTo,
				ReadBy:         m.ReadBy,
			})) {
				return errors.Errorf("conn %s overflowed during replay", c.ID)
			}
		}
		return nil
	}

	results, err := ctx.S.recon.Replay(rctx, userID, body.Cursors, emit, status)
	if err != nil {
		// connection-level failure: the client reattaches and replays
		// from its cursors again
		logger.Infof("[attach] replay aborted conn=%s: %v", c.ID, err)
		return err
	}

	done := &ReconcileDoneBody{Results: make([]ReconcileSummary, 0, len(results))}
	for _, r := range results {
		sum := ReconcileSummary{
			ConversationID: r.ConversationID,
			FromSeq:        r.FromSeq,
			ToSeq:          r.ToSeq,
		}
		if r.Err != nil {
			sum.Error = errs.Code(r.Err)
		}
		done.Results = append(done.Results, sum)
	}
	c.Enqueue(BuildFrame(FrameReconcileDone, f.ID, done))
	return nil
}

// ---- presence & typing ----

type presenceHandler struct{}

func (h *presenceHandler) Type() string       { return FrameSetPresence }
func (h *presenceHandler) RequiresAuth() bool { return true }

func (h *presenceHandler) Handle(ctx *Context, f *Frame, c *Conn) error {
	var body PresenceBody
	if err := decodeBody(f, &body); err != nil {
		sendErr(c, f.ID, err)
		return nil
	}
	if _, err := ctx.S.presence.SetStatus(context.Background(), c.UserID(), body.Status); err != nil {
		sendErr(c, f.ID, err)
	}
	return nil
}

type typingHandler struct{}

func (h *typingHandler) Type() string       { return FrameSetTyping }
func (h *typingHandler) RequiresAuth() bool { return true }

func (h *typingHandler) Handle(ctx *Context, f *Frame, c *Conn) error {
	var body TypingBody
	if err := decodeBody(f, &body); err != nil {
		sendErr(c, f.ID, err)
		return nil
	}
	userID := c.UserID()
	rctx := context.Background()

	if _, err := memberConv(rctx, ctx.S, body.ConversationID, userID); err != nil {
		sendErr(c, f.ID, err)
		return nil
	}
	if err := ctx.S.presence.SetTyping(rctx, userID, body.ConversationID, body.IsTyping); err != nil {
		sendErr(c, f.ID, err)
	}
	return nil
}
