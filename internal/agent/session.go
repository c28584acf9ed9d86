package agent

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"backend-riderpos/internal/agent/buffer"
	"backend-riderpos/internal/agent/source"
	"backend-riderpos/internal/agent/uploader"
	"backend-riderpos/internal/gps"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateActive
	StatePaused
	StateStopping
)

const flushTimeout = 10 * time.Second

// Session owns the sampler state and buffer lifecycle for one rider login.
type Session struct {
	ID  string
	cfg Config

	src    source.Source
	buf    *buffer.Buffer
	up     *uploader.Uploader
	log    zerolog.Logger
	cancel context.CancelFunc

	state      atomic.Int32
	lastErr    atomic.Value // error
	finalStats atomic.Value // Stats, frozen just before the buffer closes
	onStop   func(*Session)
	stopOnce sync.Once
	wg       sync.WaitGroup

	// sampler state, owned by the run loop
	lastAccepted   *source.Reading
	lastAcceptedAt time.Time
}

func startSession(ctx context.Context, cfg Config, src source.Source, client uploader.Client, onStop func(*Session)) (*Session, error) {
	s := &Session{
		ID:     uuid.NewString(),
		cfg:    cfg,
		src:    src,
		onStop: onStop,
	}
	s.log = cfg.Logger.With().Str("session_id", s.ID).Str("rider_id", cfg.RiderID).Logger()
	s.state.Store(int32(StateStarting))

	// the subscription lives for the session, not for the Start call
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel

	readings, err := src.Readings(runCtx)
	if err != nil {
		cancel()
		s.state.Store(int32(StateStopped))
		return nil, err
	}

	buf, err := buffer.Open(cfg.BufferPath, cfg.HighWater)
	if err != nil {
		cancel()
		s.state.Store(int32(StateStopped))
		return nil, err
	}
	s.buf = buf
	s.up = uploader.New(buf, client, s.ID, cfg.Uploader, s.log)

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.up.Run(runCtx)
	}()
	go func() {
		defer s.wg.Done()
		s.run(runCtx, readings)
	}()

	s.state.Store(int32(StateActive))
	s.log.Info().Msg("tracking session started")
	return s, nil
}

func (s *Session) State() State {
	return State(s.state.Load())
}

// Err returns the terminal error that ended the session, if any.
func (s *Session) Err() error {
	if err, ok := s.lastErr.Load().(error); ok {
		return err
	}
	return nil
}

// Pause suspends fix acceptance while the environment has revoked sensor
// access (app backgrounded). The uploader keeps draining.
func (s *Session) Pause() {
	s.state.CompareAndSwap(int32(StateActive), int32(StatePaused))
}

// Resume re-enables fix acceptance.
func (s *Session) Resume() {
	s.state.CompareAndSwap(int32(StatePaused), int32(StateActive))
}

// Stop ends the session: the source subscription and retry timers are
// cancelled, and a best-effort final flush runs in the background so logout
// is never delayed.
func (s *Session) Stop() {
	s.stopOnce.Do(func() { s.stop(nil) })
}

func (s *Session) stop(cause error) {
	s.state.Store(int32(StateStopping))
	if cause != nil {
		s.lastErr.Store(cause)
	}
	s.cancel()

	go func() {
		s.wg.Wait()

		flushCtx, cancel := context.WithTimeout(context.Background(), flushTimeout)
		defer cancel()
		if err := s.up.Flush(flushCtx); err != nil {
			s.log.Warn().Err(err).Msg("final flush incomplete, fixes remain buffered")
		}

		s.finalStats.Store(s.snapshotStats())
		_ = s.buf.Close()
		s.state.Store(int32(StateStopped))
		if s.onStop != nil {
			s.onStop(s)
		}
		s.log.Info().Msg("tracking session stopped")
	}()
}

// Stats is a snapshot of the session's data-loss counters.
type Stats struct {
	BufferSize      int
	DroppedByBuffer int64
	DroppedPoison   int64
}

func (s *Session) Stats() Stats {
	// after teardown the buffer db is closed; report the frozen snapshot so a
	// flush that left fixes behind still shows up in the counters
	if final, ok := s.finalStats.Load().(Stats); ok {
		return final
	}
	return s.snapshotStats()
}

func (s *Session) snapshotStats() Stats {
	size, _ := s.buf.Size()
	return Stats{
		BufferSize:      size,
		DroppedByBuffer: s.buf.Dropped(),
		DroppedPoison:   s.up.Dropped(),
	}
}

func (s *Session) run(ctx context.Context, readings <-chan source.Reading) {
	for {
		select {
		case <-ctx.Done():
			return
		case r, ok := <-readings:
			if !ok {
				if err := s.src.Err(); isPermissionDenied(err) {
					s.log.Error().Msg("sensor permission revoked, stopping session")
					s.stopOnce.Do(func() { s.stop(err) })
				}
				return
			}

			// latest candidate wins: anything already queued supersedes r
		drain:
			for {
				select {
				case newer, open := <-readings:
					if !open {
						break drain
					}
					r = newer
				default:
					break drain
				}
			}

			s.evaluate(r)
		}
	}
}

func (s *Session) evaluate(r source.Reading) {
	// the staleness anchor lives on the source's clock, which a simulator is
	// free to detach from wall time
	if s.lastAcceptedAt.IsZero() {
		s.lastAcceptedAt = r.Time
	}

	if s.State() != StateActive {
		return
	}

	if !s.cfg.Sampler.Accept(r, s.lastAccepted, s.lastAcceptedAt) {
		return
	}

	fix := gps.Fix{
		FixID:      uuid.NewString(),
		RiderID:    s.cfg.RiderID,
		Lat:        r.Lat,
		Lon:        r.Lon,
		AccuracyM:  r.AccuracyM,
		SpeedMps:   r.SpeedMps,
		HeadingDeg: r.HeadingDeg,
		DeviceTS:   r.Time,
	}
	if err := s.buf.Append(fix); err != nil {
		// buffer trouble degrades, never crashes the session
		s.log.Warn().Err(err).Msg("buffer append failed, fix lost")
		return
	}

	accepted := r
	s.lastAccepted = &accepted
	s.lastAcceptedAt = r.Time
	s.up.Notify()
}
