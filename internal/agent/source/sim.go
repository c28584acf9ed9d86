package source

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// Sim is a scripted position source for tests and the rider simulator. It
// walks north-east from a starting coordinate at a fixed pace.
type Sim struct {
	StartLat, StartLon float64
	StepDeg            float64       // per-tick coordinate delta
	Interval           time.Duration // emission period
	AccuracyM          float64
	AccuracyCeilingM   float64 // readings above this are tagged low-confidence
	Jitter             *rand.Rand

	mu      sync.Mutex
	started bool
	err     error
}

func NewSim(lat, lon float64, interval time.Duration) *Sim {
	return &Sim{
		StartLat:         lat,
		StartLon:         lon,
		StepDeg:          0.0005,
		Interval:         interval,
		AccuracyM:        10,
		AccuracyCeilingM: 100,
	}
}

func (s *Sim) Readings(ctx context.Context) (<-chan Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil, ErrAlreadyStarted
	}
	s.started = true

	ch := make(chan Reading)
	go s.run(ctx, ch)
	return ch, nil
}

func (s *Sim) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Sim) run(ctx context.Context, ch chan<- Reading) {
	defer close(ch)

	lat, lon := s.StartLat, s.StartLon
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			lat += s.StepDeg
			lon += s.StepDeg

			acc := s.AccuracyM
			if s.Jitter != nil {
				acc += s.Jitter.Float64() * s.AccuracyM
			}
			speed := 5.0
			r := Reading{
				Lat:           lat,
				Lon:           lon,
				AccuracyM:     acc,
				SpeedMps:      &speed,
				Time:          now,
				LowConfidence: acc > s.AccuracyCeilingM,
			}

			select {
			case ch <- r:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Denied is a source whose permission was never granted.
type Denied struct{}

func (Denied) Readings(context.Context) (<-chan Reading, error) {
	return nil, ErrPermissionDenied
}

func (Denied) Err() error { return ErrPermissionDenied }
