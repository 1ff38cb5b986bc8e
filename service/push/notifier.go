// Package push hands message summaries to the external push pipeline
// for recipients with no live connection. Transport (APNs/FCM) is an
// external collaborator; this boundary only decides who gets a summary.
package push

import (
	"context"

	"IMRelay/logger"
)

// Summary is what an offline device needs to render a notification.
type Summary struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
	SenderID       string `json:"senderId"`
	Preview        string `json:"preview"`
	IsGroup        bool   `json:"isGroup"`
}

type Notifier interface {
	Notify(ctx context.Context, userID string, s Summary) error
}

// LogNotifier is the default sink when no push transport is wired.
type LogNotifier struct{}

func NewLogNotifier() *LogNotifier { return &LogNotifier{} }

func (*LogNotifier) Notify(ctx context.Context, userID string, s Summary) error {
	logger.Infof("[push] user=%s conv=%s msg=%s from=%s", userID, s.ConversationID, s.MessageID, s.SenderID)
	return nil
}
