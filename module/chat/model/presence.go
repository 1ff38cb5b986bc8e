package model

// Presence status values. Absent records read as offline.
const (
	PresenceOnline  = "online"
	PresenceAway    = "away"
	PresenceOffline = "offline"
)

// Presence is the ephemeral per-user state. No durability guarantee;
// a restart reconstructs everyone as offline.
type Presence struct {
	UserID     string `json:"userId"`
	Status     string `json:"status"`
	LastSeenMS int64  `json:"lastSeenMs"`
}

func ValidPresenceStatus(s string) bool {
	return s == PresenceOnline || s == PresenceAway || s == PresenceOffline
}
