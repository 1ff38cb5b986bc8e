package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"IMRelay/module/chat/conv"
	"IMRelay/module/chat/model"
	"IMRelay/module/chat/msg"
	"IMRelay/module/chat/recon"
	"IMRelay/module/presence"
	"IMRelay/tools/security"
)

var testJWT = security.NewJWTProvider(security.DefaultOptions([]byte("test-secret")))

func newTestServer(t *testing.T) (*Server, msg.DB) {
	t.Helper()
	db := msg.NewMemDB()
	msgs := msg.NewStore(db, msg.NewLocalSequencer(db), msg.Conf{Sleep: func(time.Duration) {}})
	convs := conv.NewMemStore()

	s, err := NewServer(ServerConf{NodeID: "test-node"}, Deps{
		Convs:         convs,
		Msgs:          msgs,
		Recon:         recon.New(convs, msgs, recon.NewMemCursorStore()),
		PresenceStore: presence.NewMemStore(),
		Identity:      testJWT,
	})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s, db
}

// connect attaches a queue-only connection and binds it to userID.
func connect(t *testing.T, s *Server, connID, userID string) *Conn {
	t.Helper()
	c := NewConn(connID, nil, 64)
	require.NoError(t, s.reg.Attach(c))
	if userID != "" {
		require.NoError(t, s.reg.Bind(c.ID, userID))
	}
	return c
}

func dispatch(t *testing.T, s *Server, c *Conn, frameType string, body any) {
	t.Helper()
	var raw json.RawMessage
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		raw = b
	}
	require.NoError(t, s.disp.Dispatch(&Context{S: s}, &Frame{Type: frameType, ID: "r1", Body: raw}, c))
}

// waitFrame drains c until a frame of the wanted type shows up.
func waitFrame(t *testing.T, c *Conn, frameType string) *Frame {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case raw := <-c.send:
			f, err := ParseFrame(raw)
			require.NoError(t, err)
			if f.Type == frameType {
				return f
			}
		case <-deadline:
			t.Fatalf("no %s frame within deadline", frameType)
			return nil
		}
	}
}

func frameBody[T any](t *testing.T, f *Frame) *T {
	t.Helper()
	v := new(T)
	require.NoError(t, json.Unmarshal(f.Body, v))
	return v
}

func directConv(t *testing.T, s *Server, a *Conn, other string) *model.Conversation {
	t.Helper()
	dispatch(t, s, a, FrameCreateDirect, &CreateDirectBody{OtherUserID: other})
	f := waitFrame(t, a, FrameConversation)
	return frameBody[model.Conversation](t, f)
}

func TestAuthFlow(t *testing.T) {
	s, _ := newTestServer(t)
	c := connect(t, s, "c1", "")

	tok, err := testJWT.Generate("alice")
	require.NoError(t, err)
	dispatch(t, s, c, FrameAuth, &AuthBody{Token: tok})

	ack := frameBody[AuthAckBody](t, waitFrame(t, c, FrameAuthAck))
	assert.Equal(t, "alice", ack.UserID)
	assert.Equal(t, "alice", c.UserID())
	assert.True(t, s.reg.HasLive("alice"))

	p, err := s.presence.Get(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, model.PresenceOnline, p.Status)
}

func TestAuthBadToken(t *testing.T) {
	s, _ := newTestServer(t)
	c := connect(t, s, "c1", "")

	dispatch(t, s, c, FrameAuth, &AuthBody{Token: "garbage"})
	eb := frameBody[ErrorBody](t, waitFrame(t, c, FrameError))
	assert.Equal(t, "unauthorized", eb.Code)
	assert.Empty(t, c.UserID())
}

func TestUnauthenticatedFramesRejected(t *testing.T) {
	s, _ := newTestServer(t)
	c := connect(t, s, "c1", "")

	dispatch(t, s, c, FrameSend, &SendBody{ConversationID: "c", ClientMessageID: "m", Content: "hi"})
	eb := frameBody[ErrorBody](t, waitFrame(t, c, FrameError))
	assert.Equal(t, "unauthorized", eb.Code)
}

func TestSendDeliversToRecipient(t *testing.T) {
	s, _ := newTestServer(t)
	alice := connect(t, s, "ca", "alice")
	bob := connect(t, s, "cb", "bob")

	cv := directConv(t, s, alice, "bob")
	dispatch(t, s, alice, FrameSend, &SendBody{
		ConversationID:  cv.ID,
		ClientMessageID: "m1",
		Content:         "hello bob",
	})

	ack := frameBody[SendAckBody](t, waitFrame(t, alice, FrameSendAck))
	assert.Equal(t, "sent", ack.Status)
	require.NotNil(t, ack.Message)
	assert.EqualValues(t, 1, ack.Message.Seq)

	// fan-out runs on the worker pool
	ev := frameBody[MessageCreatedBody](t, waitFrame(t, bob, FrameMessageCreated))
	assert.Equal(t, "hello bob", ev.Message.Content)
	assert.EqualValues(t, 1, ev.Message.Seq)

	// the last-message denormalization followed the commit
	got, err := s.convs.Get(context.Background(), cv.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastMessage)
	assert.Equal(t, "hello bob", got.LastMessage.Preview)
}

func TestSendRetrySameClientID(t *testing.T) {
	s, _ := newTestServer(t)
	alice := connect(t, s, "ca", "alice")

	cv := directConv(t, s, alice, "bob")
	dispatch(t, s, alice, FrameSend, &SendBody{ConversationID: cv.ID, ClientMessageID: "m1", Content: "once"})
	first := frameBody[SendAckBody](t, waitFrame(t, alice, FrameSendAck))

	dispatch(t, s, alice, FrameSend, &SendBody{ConversationID: cv.ID, ClientMessageID: "m1", Content: "once"})
	second := frameBody[SendAckBody](t, waitFrame(t, alice, FrameSendAck))

	assert.Equal(t, first.Message.ID, second.Message.ID)
	assert.Equal(t, first.Message.Seq, second.Message.Seq)
}

func TestSendToForeignConversationRejected(t *testing.T) {
	s, _ := newTestServer(t)
	alice := connect(t, s, "ca", "alice")
	carol := connect(t, s, "cc", "carol")

	cv := directConv(t, s, alice, "bob")
	dispatch(t, s, carol, FrameSend, &SendBody{ConversationID: cv.ID, ClientMessageID: "m1", Content: "hi"})
	eb := frameBody[ErrorBody](t, waitFrame(t, carol, FrameError))
	assert.Equal(t, "unauthorized", eb.Code)
}

func TestMarkReadBroadcastsStatus(t *testing.T) {
	s, _ := newTestServer(t)
	alice := connect(t, s, "ca", "alice")
	bob := connect(t, s, "cb", "bob")

	cv := directConv(t, s, alice, "bob")
	dispatch(t, s, alice, FrameSend, &SendBody{ConversationID: cv.ID, ClientMessageID: "m1", Content: "hi"})
	ack := frameBody[SendAckBody](t, waitFrame(t, alice, FrameSendAck))

	dispatch(t, s, bob, FrameMarkRead, &ReceiptBody{ConversationID: cv.ID, MessageID: ack.Message.ID})

	st := frameBody[MessageStatusBody](t, waitFrame(t, alice, FrameMessageStatus))
	assert.Equal(t, ack.Message.ID, st.MessageID)
	assert.Contains(t, st.ReadBy, "bob")
	assert.Contains(t, st.DeliveredTo, "bob")
	assert.Equal(t, string(model.StatusRead), st.Status)
}

func TestBatchMarkDelivered(t *testing.T) {
	s, _ := newTestServer(t)
	alice := connect(t, s, "ca", "alice")
	bob := connect(t, s, "cb", "bob")

	cv := directConv(t, s, alice, "bob")
	var ids []string
	for i := 0; i < 3; i++ {
		dispatch(t, s, alice, FrameSend, &SendBody{
			ConversationID: cv.ID, ClientMessageID: fmt.Sprintf("m%d", i), Content: "x",
		})
		ack := frameBody[SendAckBody](t, waitFrame(t, alice, FrameSendAck))
		ids = append(ids, ack.Message.ID)
	}

	dispatch(t, s, bob, FrameBatchMarkDelivered, &BatchReceiptBody{ConversationID: cv.ID, MessageIDs: ids})
	seen := map[string]bool{}
	for range ids {
		st := frameBody[MessageStatusBody](t, waitFrame(t, alice, FrameMessageStatus))
		assert.Contains(t, st.DeliveredTo, "bob")
		seen[st.MessageID] = true
	}
	assert.Len(t, seen, 3)
}

func TestFetchBackward(t *testing.T) {
	s, _ := newTestServer(t)
	alice := connect(t, s, "ca", "alice")

	cv := directConv(t, s, alice, "bob")
	for i := 0; i < 5; i++ {
		dispatch(t, s, alice, FrameSend, &SendBody{
			ConversationID: cv.ID, ClientMessageID: fmt.Sprintf("m%d", i), Content: "x",
		})
		waitFrame(t, alice, FrameSendAck)
	}

	dispatch(t, s, alice, FrameFetch, &FetchBody{ConversationID: cv.ID, BeforeSeq: 0, Limit: 3})
	mb := frameBody[MessagesBody](t, waitFrame(t, alice, FrameMessages))
	require.Len(t, mb.Messages, 3)
	assert.EqualValues(t, 5, mb.Messages[0].Seq)
	assert.EqualValues(t, 3, mb.Messages[2].Seq)
}

func TestAttachReplaysBacklog(t *testing.T) {
	s, _ := newTestServer(t)
	alice := connect(t, s, "ca", "alice")

	cv := directConv(t, s, alice, "bob")
	for i := 0; i < 3; i++ {
		dispatch(t, s, alice, FrameSend, &SendBody{
			ConversationID: cv.ID, ClientMessageID: fmt.Sprintf("m%d", i), Content: fmt.Sprintf("msg %d", i),
		})
		waitFrame(t, alice, FrameSendAck)
	}

	// bob was offline for all of it and now attaches
	bob := connect(t, s, "cb", "bob")
	dispatch(t, s, bob, FrameAttach, &AttachBody{Cursors: map[string]int64{cv.ID: 0}})

	rb := frameBody[ReconcileBody](t, waitFrame(t, bob, FrameReconcile))
	require.Len(t, rb.Messages, 3)
	for i, m := range rb.Messages {
		assert.EqualValues(t, i+1, m.Seq)
	}

	done := frameBody[ReconcileDoneBody](t, waitFrame(t, bob, FrameReconcileDone))
	require.Len(t, done.Results, 1)
	assert.Empty(t, done.Results[0].Error)
	assert.EqualValues(t, 3, done.Results[0].ToSeq)
}

func TestAttachCursorTooOldSurfaces(t *testing.T) {
	s, db := newTestServer(t)
	bob := connect(t, s, "cb", "bob")

	// a conversation whose log starts past the cursor
	cv, err := s.convs.CreateOrGetDirect(context.Background(), "alice", "bob")
	require.NoError(t, err)
	require.NoError(t, db.InsertMessage(context.Background(), &model.Message{
		ID: "m9", ClientMsgID: "cid9", ConversationID: cv.ID, SenderID: "alice", Seq: 9,
	}))

	dispatch(t, s, bob, FrameAttach, &AttachBody{Cursors: map[string]int64{cv.ID: 2}})
	done := frameBody[ReconcileDoneBody](t, waitFrame(t, bob, FrameReconcileDone))
	require.Len(t, done.Results, 1)
	assert.Equal(t, "cursor_too_old", done.Results[0].Error)
}

func TestTypingBroadcast(t *testing.T) {
	s, _ := newTestServer(t)
	alice := connect(t, s, "ca", "alice")
	bob := connect(t, s, "cb", "bob")

	cv := directConv(t, s, alice, "bob")
	dispatch(t, s, alice, FrameSetTyping, &TypingBody{ConversationID: cv.ID, IsTyping: true})

	ev := frameBody[TypingChangedBody](t, waitFrame(t, bob, FrameTypingChanged))
	assert.Equal(t, "alice", ev.UserID)
	assert.True(t, ev.IsTyping)
}

func TestPresenceBroadcastToContacts(t *testing.T) {
	s, _ := newTestServer(t)
	alice := connect(t, s, "ca", "alice")
	bob := connect(t, s, "cb", "bob")

	directConv(t, s, alice, "bob")
	dispatch(t, s, alice, FrameSetPresence, &PresenceBody{Status: model.PresenceAway})

	p := frameBody[model.Presence](t, waitFrame(t, bob, FramePresenceChanged))
	assert.Equal(t, "alice", p.UserID)
	assert.Equal(t, model.PresenceAway, p.Status)
}

func TestDetachFlipsPresenceOffline(t *testing.T) {
	s, _ := newTestServer(t)
	alice := connect(t, s, "ca", "alice")

	dispatch(t, s, alice, FrameSetPresence, &PresenceBody{Status: model.PresenceOnline})
	p, err := s.presence.Get(context.Background(), "alice")
	require.NoError(t, err)
	require.Equal(t, model.PresenceOnline, p.Status)

	// a clean disconnect of the last device must read as offline, or
	// push suppression keeps treating the user as live
	s.reg.Detach(alice.ID)
	p, err = s.presence.Get(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, model.PresenceOffline, p.Status)
}

func TestDetachKeepsPresenceWithLiveDevice(t *testing.T) {
	s, _ := newTestServer(t)
	phone := connect(t, s, "ca", "alice")
	connect(t, s, "cb", "alice")

	dispatch(t, s, phone, FrameSetPresence, &PresenceBody{Status: model.PresenceOnline})
	s.reg.Detach(phone.ID)

	p, err := s.presence.Get(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, model.PresenceOnline, p.Status, "other device still live")
}

func TestConcurrentSendsDeliverInSeqOrder(t *testing.T) {
	s, _ := newTestServer(t)
	alice := connect(t, s, "ca", "alice")
	bea := connect(t, s, "cb", "bea")
	carol := connect(t, s, "cc", "carol")

	dispatch(t, s, alice, FrameCreateGroup, &CreateGroupBody{
		Participants: []string{"bea", "carol"},
		Name:         "team",
	})
	cv := frameBody[model.Conversation](t, waitFrame(t, alice, FrameConversation))

	const perSender = 15
	var wg sync.WaitGroup
	for _, sender := range []*Conn{alice, bea} {
		wg.Add(1)
		go func(c *Conn) {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				b, _ := json.Marshal(&SendBody{
					ConversationID:  cv.ID,
					ClientMessageID: c.UserID() + "-" + fmt.Sprint(i),
					Content:         "x",
				})
				_ = s.disp.Dispatch(&Context{S: s}, &Frame{Type: FrameSend, ID: "r", Body: b}, c)
			}
		}(sender)
	}
	wg.Wait()

	// carol observes every message exactly once, seq strictly ascending
	var last int64
	for i := 0; i < 2*perSender; i++ {
		ev := frameBody[MessageCreatedBody](t, waitFrame(t, carol, FrameMessageCreated))
		require.Greater(t, ev.Message.Seq, last, "seq regressed at delivery %d", i)
		last = ev.Message.Seq
	}
	assert.EqualValues(t, 2*perSender, last)
}

func TestTruncateRespectsRuneBoundary(t *testing.T) {
	// a 2-byte cut lands inside the two-byte é
	got := truncate("héllo", 2)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, "h", got)

	assert.Equal(t, "hél", truncate("héllo", 4))
	assert.Equal(t, "héllo", truncate("héllo", 120))
}

func TestListConversationsWithUnread(t *testing.T) {
	s, _ := newTestServer(t)
	alice := connect(t, s, "ca", "alice")
	bob := connect(t, s, "cb", "bob")

	cv := directConv(t, s, alice, "bob")
	for i := 0; i < 2; i++ {
		dispatch(t, s, alice, FrameSend, &SendBody{
			ConversationID: cv.ID, ClientMessageID: fmt.Sprintf("m%d", i), Content: "x",
		})
		waitFrame(t, alice, FrameSendAck)
	}

	dispatch(t, s, bob, FrameListConversations, nil)
	lb := frameBody[ConversationsBody](t, waitFrame(t, bob, FrameConversations))
	require.Len(t, lb.Conversations, 1)
	assert.Equal(t, cv.ID, lb.Conversations[0].ID)
	assert.EqualValues(t, 2, lb.Conversations[0].Unread)
}

func TestCreateGroupNotifiesMembers(t *testing.T) {
	s, _ := newTestServer(t)
	alice := connect(t, s, "ca", "alice")
	bob := connect(t, s, "cb", "bob")

	dispatch(t, s, alice, FrameCreateGroup, &CreateGroupBody{
		Participants: []string{"bob", "carol"}, // creator implied
		Name:         "team",
	})
	cv := frameBody[model.Conversation](t, waitFrame(t, alice, FrameConversation))
	assert.Len(t, cv.Participants, 3)

	got := frameBody[model.Conversation](t, waitFrame(t, bob, FrameConversation))
	assert.Equal(t, cv.ID, got.ID)
}

func TestAddParticipantGroupOnly(t *testing.T) {
	s, _ := newTestServer(t)
	alice := connect(t, s, "ca", "alice")

	cv := directConv(t, s, alice, "bob")
	dispatch(t, s, alice, FrameAddParticipant, &AddParticipantBody{ConversationID: cv.ID, UserID: "carol"})
	eb := frameBody[ErrorBody](t, waitFrame(t, alice, FrameError))
	assert.Equal(t, "not_a_group", eb.Code)
}
