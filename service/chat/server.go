package chat

import (
	"context"
	"net"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"IMRelay/logger"
	"IMRelay/module/chat/conv"
	"IMRelay/module/chat/model"
	"IMRelay/module/chat/msg"
	"IMRelay/module/chat/recon"
	"IMRelay/module/presence"
	"IMRelay/service/bus"
	"IMRelay/service/push"
	"IMRelay/tools/ids"
	"IMRelay/tools/security"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type ServerConf struct {
	NodeID        string
	SendQueue     int // per-connection outbound queue size
	FanoutWorkers int
	FanoutQueue   int
	PreviewLen    int           // last-message / push preview truncation
	TypingTTL     time.Duration // 0 = tracker default
	Registry      RegistryConf
}

func (c *ServerConf) norm() {
	if c.NodeID == "" {
		c.NodeID = ids.GenerateString()
	}
	if c.SendQueue <= 0 {
		c.SendQueue = defaultSendQueue
	}
	if c.PreviewLen <= 0 {
		c.PreviewLen = 120
	}
}

// Deps are the server's collaborators; memory or external-backed
// implementations plug in interchangeably.
type Deps struct {
	Convs         conv.Store
	Msgs          *msg.Store
	Recon         *recon.Reconciler
	PresenceStore presence.Store
	Identity      security.IdentityProvider
	Notifier      push.Notifier
	Bus           bus.Bus
}

// Server is the gateway: one reader goroutine and one writer goroutine
// per connection, store calls on the request path, fan-out decoupled
// behind the Fanout worker pool.
type Server struct {
	conf     ServerConf
	reg      *Registry
	fanout   *Fanout
	disp     *Dispatcher
	presence *presence.Tracker

	convs    conv.Store
	msgs     *msg.Store
	recon    *recon.Reconciler
	identity security.IdentityProvider
	notifier push.Notifier
	bus      bus.Bus
}

func NewServer(conf ServerConf, deps Deps) (*Server, error) {
	conf.norm()
	if deps.Bus == nil {
		deps.Bus = bus.NewNopBus()
	}
	if deps.Notifier == nil {
		deps.Notifier = push.NewLogNotifier()
	}

	s := &Server{
		conf:     conf,
		disp:     NewDispatcher(),
		convs:    deps.Convs,
		msgs:     deps.Msgs,
		recon:    deps.Recon,
		identity: deps.Identity,
		notifier: deps.Notifier,
		bus:      deps.Bus,
	}
	s.reg = NewRegistry(conf.Registry, s.afterDetach)
	s.fanout = NewFanout(s.reg, deps.Bus, conf.FanoutWorkers, conf.FanoutQueue)
	s.msgs.OnCommit(s.onMessageCommitted)
	s.presence = presence.NewTracker(deps.PresenceStore, presence.Conf{TypingTTL: conf.TypingTTL}, s.onPresenceChanged, s.onTypingChanged)

	for _, h := range []Handler{
		&authHandler{}, &pingHandler{},
		&sendHandler{}, &receiptHandler{kind: FrameMarkDelivered}, &receiptHandler{kind: FrameMarkRead},
		&batchReceiptHandler{kind: FrameBatchMarkDelivered}, &batchReceiptHandler{kind: FrameBatchMarkRead},
		&fetchHandler{},
		&createDirectHandler{}, &createGroupHandler{}, &addParticipantHandler{}, &listConversationsHandler{},
		&attachHandler{}, &presenceHandler{}, &typingHandler{},
	} {
		s.disp.Register(h)
	}

	if err := deps.Bus.Subscribe(s.fanout.DeliverLocal); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Server) Registry() *Registry { return s.reg }

func (s *Server) Close() {
	s.presence.Close()
	s.fanout.Close()
	s.reg.Close()
	s.bus.Close()
}

// HandleWS upgrades the request and runs the connection's read loop
// until the transport dies or the heartbeat window lapses.
func (s *Server) HandleWS(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Infof("[ws] upgrade failed: %v", err)
		return
	}

	conn := NewConn(ids.GenerateString(), ws, s.conf.SendQueue)
	if err := s.reg.Attach(conn); err != nil {
		logger.Errorf("[ws] attach failed conn=%s: %v", conn.ID, err)
		_ = ws.Close()
		return
	}
	defer s.reg.Detach(conn.ID)

	ws.SetPongHandler(func(string) error {
		_ = s.reg.Heartbeat(conn.ID) // conn may have been swept already
		return nil
	})

	go conn.writePump()
	conn.Enqueue(BuildFrame(FrameConnAck, "", &ConnAckBody{ConnID: conn.ID, NodeID: s.conf.NodeID}))

	sctx := &Context{S: s}
	for {
		mt, data, rerr := ws.ReadMessage()
		if rerr != nil {
			if websocket.IsCloseError(rerr,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				logger.Infof("[ws] peer closed conn=%s", conn.ID)
			} else if ne, ok := rerr.(net.Error); ok && ne.Timeout() {
				logger.Infof("[ws] read timeout conn=%s: %v", conn.ID, rerr)
			} else {
				logger.Infof("[ws] read error conn=%s: %v", conn.ID, rerr)
			}
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}

		f, perr := ParseFrame(data)
		if perr != nil {
			sample := data
			if len(sample) > 256 {
				sample = sample[:256]
			}
			logger.Infof("[ws] bad frame conn=%s err=%v sample=%q", conn.ID, perr, sample)
			continue
		}

		if err := s.disp.Dispatch(sctx, f, conn); err != nil {
			logger.Infof("[ws] handler error conn=%s type=%s: %v", conn.ID, f.Type, err)
		}
	}
}

// afterDetach runs when a connection leaves for any reason (close,
// heartbeat expiry, eviction). The user's last connection going away
// flips them offline.
func (s *Server) afterDetach(c *Conn) {
	user := c.UserID()
	if user == "" {
		return
	}
	if !s.reg.HasLive(user) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := s.presence.SetStatus(ctx, user, model.PresenceOffline); err != nil {
			logger.Warnf("[ws] offline presence for %s: %v", user, err)
		}
	}
}

// ---- event emission ----

// onMessageCommitted runs inside the store's append lock, once per
// committed message. Publishing from here means fan-out jobs for a
// conversation enter their lane in seq order; the lane worker and the
// connection queue are both FIFO, so recipients observe that order.
func (s *Server) onMessageCommitted(ctx context.Context, m *model.Message) {
	c, err := s.convs.Get(ctx, m.ConversationID)
	if err != nil {
		logger.Warnf("[send] conversation %s for broadcast: %v", m.ConversationID, err)
		return
	}
	s.broadcastMessageCreated(ctx, c, m)
}

// broadcastMessageCreated pushes the committed message to every
// participant except the sender (the sender's ack already carries it).
func (s *Server) broadcastMessageCreated(ctx context.Context, c *model.Conversation, m *model.Message) {
	body := &MessageCreatedBody{Message: m, Status: string(model.DeriveStatus(m, c.Participants))}
	payload := BuildFrame(FrameMessageCreated, "", body)
	s.fanout.Publish(ctx, FrameMessageCreated, c.ID, c.Recipients(m.SenderID), payload, true)
}

// broadcastStatus pushes receipt movement to all participants: senders
// watch their ticks, other group members render read counts, and the
// reporter's own other devices stay in sync.
func (s *Server) broadcastStatus(ctx context.Context, c *model.Conversation, updated []*model.Message) {
	for _, m := range updated {
		body := &MessageStatusBody{
			ConversationID: c.ID,
			MessageID:      m.ID,
			Seq:            m.Seq,
			DeliveredTo:    m.DeliveredTo,
			ReadBy:         m.ReadBy,
			Status:         string(model.DeriveStatus(m, c.Participants)),
		}
		payload := BuildFrame(FrameMessageStatus, "", body)
		s.fanout.Publish(ctx, FrameMessageStatus, c.ID, c.Participants, payload, true)
	}
}

// onPresenceChanged broadcasts to the user's contacts. Scope is
// best-effort: everyone sharing a conversation with the user, live
// connections only by construction of the fan-out.
func (s *Server) onPresenceChanged(p model.Presence) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	convs, err := s.convs.ListForUser(ctx, p.UserID)
	if err != nil {
		logger.Warnf("[presence] list conversations for %s: %v", p.UserID, err)
		return
	}
	seen := map[string]struct{}{p.UserID: {}}
	var targets []string
	for _, c := range convs {
		for _, u := range c.Participants {
			if _, ok := seen[u]; !ok {
				seen[u] = struct{}{}
				targets = append(targets, u)
			}
		}
	}
	payload := BuildFrame(FramePresenceChanged, "", &p)
	s.fanout.Publish(ctx, FramePresenceChanged, "", targets, payload, true)
}

func (s *Server) onTypingChanged(convID, userID string, typing bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c, err := s.convs.Get(ctx, convID)
	if err != nil {
		logger.Warnf("[typing] conversation %s: %v", convID, err)
		return
	}
	body := &TypingChangedBody{ConversationID: convID, UserID: userID, IsTyping: typing}
	payload := BuildFrame(FrameTypingChanged, "", body)
	s.fanout.Publish(ctx, FrameTypingChanged, convID, c.Recipients(userID), payload, true)
}

// notifyOffline hands recipients without a live session anywhere to the
// push pipeline. Presence is the cross-node liveness signal.
func (s *Server) notifyOffline(ctx context.Context, c *model.Conversation, m *model.Message) {
	summary := push.Summary{
		ConversationID: c.ID,
		MessageID:      m.ID,
		SenderID:       m.SenderID,
		Preview:        truncate(m.Content, s.conf.PreviewLen),
		IsGroup:        c.IsGroup(),
	}
	for _, user := range c.Recipients(m.SenderID) {
		if s.reg.HasLive(user) {
			continue
		}
		p, err := s.presence.Get(ctx, user)
		if err == nil && p.Status != model.PresenceOffline {
			continue // live on a peer node
		}
		if err := s.notifier.Notify(ctx, user, summary); err != nil {
			logger.Warnf("[push] notify %s: %v", user, err)
		}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	// back off to a rune boundary so the preview stays valid UTF-8
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
