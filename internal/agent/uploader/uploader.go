package uploader

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"backend-riderpos/internal/agent/buffer"
	"backend-riderpos/internal/gps"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Client submits one batch to the ingest endpoint.
type Client interface {
	SubmitBatch(ctx context.Context, batch gps.Batch) (gps.BatchAck, error)
}

// RetryableError marks transient failures: network errors and server 5xx.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return "retryable: " + e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// RejectedError marks permanent rejection (4xx). The batch is dropped rather
// than retried so one bad batch cannot stall the pipeline.
type RejectedError struct {
	Status int
	Body   string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("rejected with status %d: %s", e.Status, e.Body)
}

type Config struct {
	BatchSize   int           // fixes per upload, default 200
	Interval    time.Duration // drain timer period, default 15s
	BackoffBase time.Duration // default 2s
	BackoffCap  time.Duration // default 5m
}

func DefaultConfig() Config {
	return Config{
		BatchSize:   200,
		Interval:    15 * time.Second,
		BackoffBase: 2 * time.Second,
		BackoffCap:  5 * time.Minute,
	}
}

// State of the upload loop: Idle -> Uploading -> (acked | failed) -> Idle.
type State int32

const (
	StateIdle State = iota
	StateUploading
)

// Uploader drains the buffer in batches. Only one attempt is ever in flight;
// sampling and buffering never wait on it.
type Uploader struct {
	buf       *buffer.Buffer
	client    Client
	cfg       Config
	sessionID string
	log       zerolog.Logger

	state atomic.Int32
	wake  chan struct{}

	mu sync.Mutex
	// pending batch, retried verbatim under the same id until acked or dropped
	pendingID    string
	pendingFixes []gps.Fix
	attempts     int
	notBefore    time.Time

	dropped atomic.Int64
}

func New(buf *buffer.Buffer, client Client, sessionID string, cfg Config, log zerolog.Logger) *Uploader {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 2 * time.Second
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 5 * time.Minute
	}
	return &Uploader{
		buf:       buf,
		client:    client,
		cfg:       cfg,
		sessionID: sessionID,
		log:       log,
		wake:      make(chan struct{}, 1),
	}
}

// Notify nudges the loop after an append so uploads start without waiting a
// full timer period.
func (u *Uploader) Notify() {
	select {
	case u.wake <- struct{}{}:
	default:
	}
}

// Dropped reports fixes lost to permanently rejected batches.
func (u *Uploader) Dropped() int64 {
	return u.dropped.Load()
}

func (u *Uploader) State() State {
	return State(u.state.Load())
}

// Run drives the drain loop until ctx is cancelled.
func (u *Uploader) Run(ctx context.Context) {
	ticker := time.NewTicker(u.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-u.wake:
		}
		u.tryUpload(ctx)
	}
}

// Flush pushes everything still buffered, batch by batch, until the buffer
// is empty or an attempt fails. Used for the best-effort final drain on
// session stop.
func (u *Uploader) Flush(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		size, err := u.buf.Size()
		if err != nil {
			return err
		}
		if size == 0 {
			return nil
		}

		// wait out any in-flight timer attempt; its outcome still applies
		for !u.state.CompareAndSwap(int32(StateIdle), int32(StateUploading)) {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(10 * time.Millisecond):
			}
		}
		err = u.uploadOnce(ctx, true)
		u.state.Store(int32(StateIdle))
		if err != nil {
			return err
		}
	}
}

func (u *Uploader) tryUpload(ctx context.Context) {
	// a tick while an upload is in flight is skipped, not queued
	if !u.state.CompareAndSwap(int32(StateIdle), int32(StateUploading)) {
		return
	}
	defer u.state.Store(int32(StateIdle))

	_ = u.uploadOnce(ctx, false)
}

func (u *Uploader) uploadOnce(ctx context.Context, ignoreBackoff bool) error {
	u.mu.Lock()
	if !ignoreBackoff && time.Now().Before(u.notBefore) {
		u.mu.Unlock()
		return nil
	}

	if u.pendingFixes == nil {
		fixes, err := u.buf.PeekBatch(u.cfg.BatchSize)
		if err != nil {
			u.mu.Unlock()
			return err
		}
		if len(fixes) == 0 {
			u.mu.Unlock()
			return nil
		}
		u.pendingID = uuid.NewString()
		u.pendingFixes = fixes
		u.attempts = 0
	}
	batch := gps.Batch{
		BatchID:   u.pendingID,
		SessionID: u.sessionID,
		Fixes:     u.pendingFixes,
	}
	u.mu.Unlock()

	ack, err := u.client.SubmitBatch(ctx, batch)

	u.mu.Lock()
	defer u.mu.Unlock()

	var rejected *RejectedError
	switch {
	case err == nil:
		ids := fixIDs(batch.Fixes)
		if ackErr := u.buf.Acknowledge(batch.BatchID, ids); ackErr != nil {
			return ackErr
		}
		if len(ack.Rejected) > 0 {
			u.dropped.Add(int64(len(ack.Rejected)))
			u.log.Warn().Str("batch_id", batch.BatchID).Int("rejected", len(ack.Rejected)).
				Msg("server rejected fixes in batch")
		}
		u.clearPendingLocked()
		return nil

	case errors.As(err, &rejected):
		// poison batch: drop it so the queue keeps moving
		u.dropped.Add(int64(len(batch.Fixes)))
		u.log.Error().Str("batch_id", batch.BatchID).Int("status", rejected.Status).
			Int("fixes", len(batch.Fixes)).Msg("dropping permanently rejected batch")
		if ackErr := u.buf.Acknowledge(batch.BatchID, fixIDs(batch.Fixes)); ackErr != nil {
			return ackErr
		}
		u.clearPendingLocked()
		return err

	default:
		// transient: same batch id is retried after backoff so the server can
		// dedup an accepted-but-unacknowledged submission
		u.attempts++
		delay := u.backoff(u.attempts)
		u.notBefore = time.Now().Add(delay)
		u.log.Debug().Str("batch_id", batch.BatchID).Int("attempt", u.attempts).
			Dur("retry_in", delay).Msg("upload failed, will retry")
		return err
	}
}

func (u *Uploader) clearPendingLocked() {
	u.pendingID = ""
	u.pendingFixes = nil
	u.attempts = 0
	u.notBefore = time.Time{}
}

func (u *Uploader) backoff(attempt int) time.Duration {
	d := u.cfg.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= u.cfg.BackoffCap {
			d = u.cfg.BackoffCap
			break
		}
	}
	// half fixed, half jitter
	return d/2 + time.Duration(rand.Int63n(int64(d/2)+1))
}

func fixIDs(fixes []gps.Fix) []string {
	ids := make([]string, len(fixes))
	for i, fix := range fixes {
		ids[i] = fix.FixID
	}
	return ids
}
