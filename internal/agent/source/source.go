package source

import (
	"context"
	"errors"
	"time"
)

// ErrPermissionDenied is fatal for a tracking session. Sensor timeouts are
// not errors; the source simply emits nothing for a while.
var ErrPermissionDenied = errors.New("location permission denied")

// ErrAlreadyStarted marks a second Readings call on a one-shot source.
var ErrAlreadyStarted = errors.New("source already started")

// Reading is one raw sensor observation. Low-confidence readings are tagged,
// not dropped; rejection is the sampler's call.
type Reading struct {
	Lat           float64
	Lon           float64
	AccuracyM     float64
	SpeedMps      *float64
	HeadingDeg    *float64
	Time          time.Time
	LowConfidence bool
}

// Source wraps the device's location-sensing capability. The stream is
// infinite while tracking is active and is not restartable once stopped; a
// new session must request a new source.
type Source interface {
	// Readings starts emission. It returns ErrPermissionDenied when sensor
	// access is not granted. The returned channel closes when ctx is
	// cancelled or the source fails; Err reports the terminal cause, if any.
	Readings(ctx context.Context) (<-chan Reading, error)
	Err() error
}
