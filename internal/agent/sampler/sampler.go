package sampler

import (
	"time"

	"backend-riderpos/internal/agent/source"
	"backend-riderpos/internal/shared/geo"
)

// Config holds the throttling thresholds. Values are product-tunable
// defaults, not invariants.
type Config struct {
	ActiveInterval   time.Duration // min gap between accepted fixes while moving
	IdleInterval     time.Duration // min gap while the rider appears stationary
	MinDisplacementM float64       // displacement that always justifies a fix
	StalenessCeiling time.Duration // after this long without an accept, take anything
	IdleSpeedMps     float64       // below this the rider counts as idle
}

func DefaultConfig() Config {
	return Config{
		ActiveInterval:   15 * time.Second,
		IdleInterval:     60 * time.Second,
		MinDisplacementM: 25,
		StalenessCeiling: 5 * time.Minute,
		IdleSpeedMps:     0.5,
	}
}

// Accept decides whether a candidate reading is worth keeping. last is the
// previously accepted reading (nil when none this session); anchor is the
// time of that acceptance, or session start when nothing was accepted yet.
// The decision is pure: identical inputs always yield identical results.
func (c Config) Accept(candidate source.Reading, last *source.Reading, anchor time.Time) bool {
	// low-confidence readings are only taken to break a long silent gap
	if candidate.LowConfidence && candidate.Time.Sub(anchor) < c.StalenessCeiling {
		return false
	}

	if last == nil {
		return true
	}

	interval := c.ActiveInterval
	if candidate.SpeedMps != nil && *candidate.SpeedMps < c.IdleSpeedMps {
		interval = c.IdleInterval
	}
	if candidate.Time.Sub(last.Time) >= interval {
		return true
	}

	return geo.DistanceM(last.Lat, last.Lon, candidate.Lat, candidate.Lon) >= c.MinDisplacementM
}
