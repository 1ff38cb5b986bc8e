// Package presence tracks ephemeral online/away/offline state and
// short-lived typing flags. Nothing here survives a restart; absent
// users read as offline.
package presence

import (
	"context"
	"time"

	"IMRelay/module/chat/model"
)

// Store is the plain state holder. TTL sweeping and broadcast live in
// the Tracker so both backends get identical expiry behavior.
type Store interface {
	// SetStatus is last-write-wins and refreshes last-seen.
	SetStatus(ctx context.Context, userID, status string, now time.Time) (model.Presence, error)

	// Get returns an offline record for unknown users, never an error
	// for mere absence.
	Get(ctx context.Context, userID string) (model.Presence, error)

	SetTyping(ctx context.Context, userID, convID string, typing bool, ttl time.Duration) error
	IsTyping(ctx context.Context, userID, convID string) (bool, error)
}
