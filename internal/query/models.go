package query

import "backend-riderpos/internal/gps"

// RiderLatest is one live-map entry: the rider's newest position by device
// timestamp plus profile details and a staleness indicator.
type RiderLatest struct {
	gps.Position
	FullName    string `json:"full_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
	LastSeenSec int64  `json:"last_seen_sec"`
}
