package gps

import "time"

// Fix is a single raw location observation. Immutable once created; fix ids
// are client-generated and unique per device.
type Fix struct {
	FixID      string    `json:"fix_id" validate:"required"`
	RiderID    string    `json:"rider_id" validate:"required"`
	Lat        float64   `json:"lat" validate:"gte=-90,lte=90"`
	Lon        float64   `json:"lon" validate:"gte=-180,lte=180"`
	AccuracyM  float64   `json:"accuracy_m" validate:"gte=0"`
	SpeedMps   *float64  `json:"speed_mps,omitempty" validate:"omitempty,gte=0"`
	HeadingDeg *float64  `json:"heading_deg,omitempty" validate:"omitempty,gte=0,lt=360"`
	DeviceTS   time.Time `json:"device_ts" validate:"required"`
}

// Batch groups fixes for one upload. The batch id is client-generated and
// identical across retries of the same batch so the server can deduplicate.
type Batch struct {
	BatchID   string `json:"batch_id" validate:"required"`
	SessionID string `json:"session_id" validate:"required"`
	Fixes     []Fix  `json:"fixes" validate:"required,dive"`
}

// Rejection reasons returned per fix by the ingest endpoint.
const (
	ReasonValidation = "validation"
	ReasonDuplicate  = "duplicate" // accepted idempotently, informational only
)

type RejectedFix struct {
	FixID  string `json:"fix_id"`
	Reason string `json:"reason"`
}

// BatchAck is the ingest response. AcceptedFixIDs includes re-submitted fixes
// that were already stored; only malformed fixes land in Rejected.
type BatchAck struct {
	BatchID        string        `json:"batch_id"`
	AcceptedFixIDs []string      `json:"accepted_fix_ids"`
	Rejected       []RejectedFix `json:"rejected,omitempty"`
}

// Position is the durable server-side record of a fix.
type Position struct {
	RiderID          string    `json:"rider_id"`
	FixID            string    `json:"fix_id"`
	Lat              float64   `json:"lat"`
	Lon              float64   `json:"lon"`
	AccuracyM        float64   `json:"accuracy_m"`
	SpeedMps         *float64  `json:"speed_mps,omitempty"`
	HeadingDeg       *float64  `json:"heading_deg,omitempty"`
	DeviceTS         time.Time `json:"device_ts"`
	ServerReceivedTS time.Time `json:"server_received_ts"`
}
