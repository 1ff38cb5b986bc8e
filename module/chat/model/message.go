package model

// Status is the derived delivery state of a message. "sending" and
// "failed" exist only client-side; the server never stores either.
type Status string

const (
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
)

// Message is one entry of the append-only per-conversation log.
// Seq is assigned at commit time, strictly increasing and gapless
// within its conversation. DeliveredTo/ReadBy only ever grow.
type Message struct {
	ID             string   `bson:"_id" json:"id"` // server message id
	ClientMsgID    string   `bson:"client_msg_id" json:"clientMessageId"`
	ConversationID string   `bson:"conversation_id" json:"conversationId"`
	SenderID       string   `bson:"sender_id" json:"senderId"`
	Content        string   `bson:"content" json:"content"`
	MediaRef       string   `bson:"media_ref,omitempty" json:"mediaRef,omitempty"`
	Seq            int64    `bson:"seq" json:"seq"`
	CreatedAtMS    int64    `bson:"created_at_ms" json:"createdAtMs"` // server clock at commit
	DeliveredTo    []string `bson:"delivered_to" json:"deliveredTo"`
	ReadBy         []string `bson:"read_by" json:"readBy"`
}

// DeliveredBy reports whether userID is in the delivered set.
func (m *Message) DeliveredBy(userID string) bool { return contains(m.DeliveredTo, userID) }

// WasReadBy reports whether userID is in the read set.
func (m *Message) WasReadBy(userID string) bool { return contains(m.ReadBy, userID) }

// DeriveStatus computes the message status from the stored sets and the
// conversation's participant list. Computed on read so the sets stay
// the single source of truth. The sender never counts as a recipient.
func DeriveStatus(m *Message, participants []string) Status {
	allRead, allDelivered := true, true
	recipients := 0
	for _, p := range participants {
		if p == m.SenderID {
			continue
		}
		recipients++
		if !m.WasReadBy(p) {
			allRead = false
		}
		// read implies delivered
		if !m.DeliveredBy(p) && !m.WasReadBy(p) {
			allDelivered = false
		}
	}
	switch {
	case recipients > 0 && allRead:
		return StatusRead
	case recipients > 0 && allDelivered:
		return StatusDelivered
	default:
		return StatusSent
	}
}

func contains(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}
