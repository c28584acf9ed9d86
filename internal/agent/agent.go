// Package agent implements the device-side tracking pipeline: it pulls raw
// readings from a position source, throttles them through the sampler,
// persists accepted fixes to the durable buffer and lets the uploader drain
// them to the server.
package agent

import (
	"context"
	"errors"
	"sync"

	"backend-riderpos/internal/agent/sampler"
	"backend-riderpos/internal/agent/source"
	"backend-riderpos/internal/agent/uploader"

	"github.com/rs/zerolog"
)

type Config struct {
	RiderID    string
	BufferPath string
	HighWater  int
	Sampler    sampler.Config
	Uploader   uploader.Config
	Logger     zerolog.Logger
}

// Manager enforces the one-active-session-per-device rule. Tests create
// their own managers to run simulated sessions in isolation.
type Manager struct {
	mu     sync.Mutex
	active *Session
}

func NewManager() *Manager {
	return &Manager{}
}

// Start begins a tracking session. If one is already active its handle is
// returned unchanged. A permission-denied source fails the start.
func (m *Manager) Start(ctx context.Context, cfg Config, src source.Source, client uploader.Client) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != nil {
		switch m.active.State() {
		case StateStopped, StateStopping:
			// the old session is torn down or tearing down; its onStop only
			// clears the slot when it still owns it, so a fresh session can
			// take over now
		default:
			return m.active, nil
		}
	}

	sess, err := startSession(ctx, cfg, src, client, func(s *Session) {
		m.mu.Lock()
		if m.active == s {
			m.active = nil
		}
		m.mu.Unlock()
	})
	if err != nil {
		return nil, err
	}
	m.active = sess
	return sess, nil
}

// Active returns the current session handle, or nil.
func (m *Manager) Active() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// ErrPermissionDenied re-exported for callers that only import agent.
var ErrPermissionDenied = source.ErrPermissionDenied

func isPermissionDenied(err error) bool {
	return errors.Is(err, source.ErrPermissionDenied)
}
