package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"backend-riderpos/internal/db"
	"backend-riderpos/internal/gps"
	"backend-riderpos/internal/stream"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

var (
	// ErrRiderMismatch means the batch carried fixes for a rider other than
	// the authenticated caller. Terminal: the client must drop the batch.
	ErrRiderMismatch = errors.New("batch rider does not match caller")
	// ErrMalformedBatch covers missing ids and oversized batches. Terminal.
	ErrMalformedBatch = errors.New("malformed batch")
)

type Service struct {
	db       db.Querier
	hub      *stream.Hub
	validate *validator.Validate
	maxFixes int

	auditCount atomic.Int64
}

func NewService(querier db.Querier, hub *stream.Hub, maxFixes int) *Service {
	if maxFixes <= 0 {
		maxFixes = 500
	}
	return &Service{
		db:       querier,
		hub:      hub,
		validate: validator.New(),
		maxFixes: maxFixes,
	}
}

// IngestBatch validates, deduplicates and persists a batch for the given
// authenticated rider. All new fixes are inserted in one transaction so the
// client's all-or-nothing acknowledgment stays valid. Re-submitted fixes are
// acknowledged idempotently. Malformed fixes are rejected per fix with a
// reason; they never fail the batch.
func (s *Service) IngestBatch(ctx context.Context, riderID string, batch gps.Batch) (gps.BatchAck, error) {
	if batch.BatchID == "" || batch.SessionID == "" {
		return gps.BatchAck{}, fmt.Errorf("%w: missing batch or session id", ErrMalformedBatch)
	}
	if len(batch.Fixes) > s.maxFixes {
		return gps.BatchAck{}, fmt.Errorf("%w: %d fixes exceeds limit %d", ErrMalformedBatch, len(batch.Fixes), s.maxFixes)
	}

	for _, fix := range batch.Fixes {
		if fix.RiderID != riderID {
			s.recordAudit(ctx, riderID, batch.BatchID, fmt.Sprintf("fix %s claims rider %s", fix.FixID, fix.RiderID))
			return gps.BatchAck{}, ErrRiderMismatch
		}
	}

	ack := gps.BatchAck{BatchID: batch.BatchID}
	var valid []gps.Fix
	for _, fix := range batch.Fixes {
		if err := s.validate.Struct(fix); err != nil {
			ack.Rejected = append(ack.Rejected, gps.RejectedFix{
				FixID:  fix.FixID,
				Reason: gps.ReasonValidation + ": " + err.Error(),
			})
			continue
		}
		valid = append(valid, fix)
	}

	if len(valid) > 0 {
		if err := s.storeFixes(ctx, batch.BatchID, valid); err != nil {
			return gps.BatchAck{}, err
		}
		for _, fix := range valid {
			ack.AcceptedFixIDs = append(ack.AcceptedFixIDs, fix.FixID)
		}
		s.broadcastLatest(valid)
	}

	return ack, nil
}

// AuditCount reports how many authorization mismatches were flagged.
func (s *Service) AuditCount() int64 {
	return s.auditCount.Load()
}

func (s *Service) storeFixes(ctx context.Context, batchID string, fixes []gps.Fix) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, fix := range fixes {
		_, err := tx.Exec(ctx, `
			INSERT INTO positions (rider_id, fix_id, batch_id, lat, lon, accuracy_m, speed_mps, heading_deg, device_ts)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
			ON CONFLICT (rider_id, fix_id) DO NOTHING
		`, fix.RiderID, fix.FixID, batchID, fix.Lat, fix.Lon, fix.AccuracyM, fix.SpeedMps, fix.HeadingDeg, fix.DeviceTS)
		if err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *Service) recordAudit(ctx context.Context, riderID, batchID, reason string) {
	s.auditCount.Add(1)
	_, err := s.db.Exec(ctx, `
		INSERT INTO ingest_audit (id, rider_id, batch_id, reason)
		VALUES ($1,$2,$3,$4)
	`, uuid.NewString(), riderID, batchID, reason)
	if err != nil {
		// the rejection itself still stands
		return
	}
}

func (s *Service) broadcastLatest(fixes []gps.Fix) {
	if s.hub == nil {
		return
	}
	latest := fixes[0]
	for _, fix := range fixes[1:] {
		if fix.DeviceTS.After(latest.DeviceTS) {
			latest = fix
		}
	}
	payload, _ := json.Marshal(latest)
	s.hub.Broadcast(latest.RiderID, payload)
	s.hub.Broadcast(stream.TopicFleet, payload)
}
