package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"backend-riderpos/internal/gps"
	"backend-riderpos/internal/stream"

	"github.com/pashagolub/pgxmock/v3"
)

var errIngest = errors.New("ingest error")

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("mock pool: %v", err)
	}
	t.Cleanup(mock.Close)
	return mock
}

func fixAt(riderID, fixID string, ts time.Time) gps.Fix {
	return gps.Fix{
		FixID:     fixID,
		RiderID:   riderID,
		Lat:       -6.2,
		Lon:       106.8,
		AccuracyM: 10,
		DeviceTS:  ts,
	}
}

func expectStore(mock pgxmock.PgxPoolIface, n int) {
	mock.ExpectBegin()
	for i := 0; i < n; i++ {
		mock.ExpectExec(`INSERT INTO positions`).
			WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
				pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
	}
	mock.ExpectCommit()
}

func TestIngestBatchAcceptsAndBroadcasts(t *testing.T) {
	mock := newMock(t)
	hub := stream.NewHub(nil)
	client := hub.Register("rider-1")
	fleet := hub.Register(stream.TopicFleet)

	expectStore(mock, 2)

	svc := NewService(mock, hub, 0)
	now := time.Now()
	ack, err := svc.IngestBatch(context.Background(), "rider-1", gps.Batch{
		BatchID:   "batch-1",
		SessionID: "sess-1",
		Fixes: []gps.Fix{
			fixAt("rider-1", "fix-1", now.Add(-time.Minute)),
			fixAt("rider-1", "fix-2", now),
		},
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if len(ack.AcceptedFixIDs) != 2 || len(ack.Rejected) != 0 {
		t.Fatalf("unexpected ack: %+v", ack)
	}

	select {
	case <-client.Send:
	default:
		t.Fatalf("expected rider topic broadcast")
	}
	select {
	case <-fleet.Send:
	default:
		t.Fatalf("expected fleet topic broadcast")
	}
}

func TestIngestBatchResubmitIsIdempotent(t *testing.T) {
	mock := newMock(t)
	svc := NewService(mock, nil, 0)

	batch := gps.Batch{
		BatchID:   "batch-2",
		SessionID: "sess-1",
		Fixes:     []gps.Fix{fixAt("rider-1", "fix-1", time.Now())},
	}

	expectStore(mock, 1)
	first, err := svc.IngestBatch(context.Background(), "rider-1", batch)
	if err != nil {
		t.Fatalf("first ingest: %v", err)
	}

	// re-submission hits ON CONFLICT DO NOTHING and is still acknowledged
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO positions`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectCommit()

	second, err := svc.IngestBatch(context.Background(), "rider-1", batch)
	if err != nil {
		t.Fatalf("resubmit ingest: %v", err)
	}
	if len(first.AcceptedFixIDs) != len(second.AcceptedFixIDs) {
		t.Fatalf("resubmit should acknowledge identically")
	}
}

func TestIngestBatchMixedValidation(t *testing.T) {
	mock := newMock(t)
	svc := NewService(mock, nil, 0)

	now := time.Now()
	var fixes []gps.Fix
	for i := 0; i < 9; i++ {
		fixes = append(fixes, fixAt("rider-1", "fix-"+string(rune('a'+i)), now.Add(time.Duration(i)*time.Second)))
	}
	bad := fixAt("rider-1", "fix-bad", now)
	bad.Lat = 91 // out of range
	fixes = append(fixes, bad)

	expectStore(mock, 9)

	ack, err := svc.IngestBatch(context.Background(), "rider-1", gps.Batch{
		BatchID:   "batch-3",
		SessionID: "sess-1",
		Fixes:     fixes,
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if len(ack.AcceptedFixIDs) != 9 {
		t.Fatalf("expected 9 accepted, got %d", len(ack.AcceptedFixIDs))
	}
	if len(ack.Rejected) != 1 || ack.Rejected[0].FixID != "fix-bad" {
		t.Fatalf("expected fix-bad rejected: %+v", ack.Rejected)
	}
}

func TestIngestBatchRiderMismatch(t *testing.T) {
	mock := newMock(t)
	svc := NewService(mock, nil, 0)

	mock.ExpectExec(`INSERT INTO ingest_audit`).
		WithArgs(pgxmock.AnyArg(), "rider-1", "batch-4", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	_, err := svc.IngestBatch(context.Background(), "rider-1", gps.Batch{
		BatchID:   "batch-4",
		SessionID: "sess-1",
		Fixes:     []gps.Fix{fixAt("rider-2", "fix-1", time.Now())},
	})
	if !errors.Is(err, ErrRiderMismatch) {
		t.Fatalf("expected rider mismatch, got %v", err)
	}
	if svc.AuditCount() != 1 {
		t.Fatalf("expected audit count 1")
	}
}

func TestIngestBatchTooLarge(t *testing.T) {
	svc := NewService(nil, nil, 2)

	now := time.Now()
	_, err := svc.IngestBatch(context.Background(), "rider-1", gps.Batch{
		BatchID:   "batch-5",
		SessionID: "sess-1",
		Fixes: []gps.Fix{
			fixAt("rider-1", "f1", now),
			fixAt("rider-1", "f2", now),
			fixAt("rider-1", "f3", now),
		},
	})
	if !errors.Is(err, ErrMalformedBatch) {
		t.Fatalf("expected malformed batch, got %v", err)
	}
}

func TestIngestBatchMissingIDs(t *testing.T) {
	svc := NewService(nil, nil, 0)
	_, err := svc.IngestBatch(context.Background(), "rider-1", gps.Batch{})
	if !errors.Is(err, ErrMalformedBatch) {
		t.Fatalf("expected malformed batch, got %v", err)
	}
}

func TestIngestBatchStoreErrorRollsBack(t *testing.T) {
	mock := newMock(t)
	svc := NewService(mock, nil, 0)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO positions`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(errIngest)
	mock.ExpectRollback()

	_, err := svc.IngestBatch(context.Background(), "rider-1", gps.Batch{
		BatchID:   "batch-6",
		SessionID: "sess-1",
		Fixes:     []gps.Fix{fixAt("rider-1", "fix-1", time.Now())},
	})
	if err == nil {
		t.Fatalf("expected store error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
