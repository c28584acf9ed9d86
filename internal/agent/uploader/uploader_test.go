package uploader

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"backend-riderpos/internal/agent/buffer"
	"backend-riderpos/internal/gps"

	"github.com/rs/zerolog"
)

type fakeClient struct {
	mu      sync.Mutex
	fail    error // returned until cleared
	batches []gps.Batch
}

func (f *fakeClient) SubmitBatch(_ context.Context, batch gps.Batch) (gps.BatchAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return gps.BatchAck{}, f.fail
	}
	f.batches = append(f.batches, batch)

	ids := make([]string, len(batch.Fixes))
	for i, fix := range batch.Fixes {
		ids[i] = fix.FixID
	}
	return gps.BatchAck{BatchID: batch.BatchID, AcceptedFixIDs: ids}, nil
}

func (f *fakeClient) setFail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = err
}

func (f *fakeClient) submitted() []gps.Batch {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]gps.Batch, len(f.batches))
	copy(out, f.batches)
	return out
}

func openBuffer(t *testing.T) *buffer.Buffer {
	t.Helper()
	buf, err := buffer.Open(filepath.Join(t.TempDir(), "up.db"), 0)
	if err != nil {
		t.Fatalf("open buffer: %v", err)
	}
	t.Cleanup(func() { _ = buf.Close() })
	return buf
}

func fillBuffer(t *testing.T, buf *buffer.Buffer, n int) {
	t.Helper()
	now := time.Now()
	for i := 0; i < n; i++ {
		fix := gps.Fix{
			FixID:     fmt.Sprintf("fix-%03d", i),
			RiderID:   "rider-1",
			Lat:       -6.2,
			Lon:       106.8,
			AccuracyM: 10,
			DeviceTS:  now.Add(time.Duration(i) * time.Second),
		}
		if err := buf.Append(fix); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
}

func testUploader(buf *buffer.Buffer, client Client, cfg Config) *Uploader {
	return New(buf, client, "sess-1", cfg, zerolog.Nop())
}

func TestFlushDrainsInOrderAndChunks(t *testing.T) {
	buf := openBuffer(t)
	fillBuffer(t, buf, 5)

	client := &fakeClient{}
	up := testUploader(buf, client, Config{BatchSize: 2})

	if err := up.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}

	batches := client.submitted()
	if len(batches) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(batches))
	}
	var ids []string
	for _, b := range batches {
		if len(b.Fixes) > 2 {
			t.Fatalf("chunk over batch size: %d", len(b.Fixes))
		}
		for _, fix := range b.Fixes {
			ids = append(ids, fix.FixID)
		}
	}
	for i, id := range ids {
		if id != fmt.Sprintf("fix-%03d", i) {
			t.Fatalf("out of order at %d: %s", i, id)
		}
	}

	size, _ := buf.Size()
	if size != 0 {
		t.Fatalf("expected empty buffer after flush, got %d", size)
	}
}

func TestOfflineThenReconnect(t *testing.T) {
	buf := openBuffer(t)
	fillBuffer(t, buf, 6)

	client := &fakeClient{}
	client.setFail(&RetryableError{Err: errors.New("no network")})
	up := testUploader(buf, client, Config{BatchSize: 3, BackoffBase: time.Millisecond, BackoffCap: 2 * time.Millisecond})

	// offline: attempt fails, nothing is lost
	if err := up.uploadOnce(context.Background(), true); err == nil {
		t.Fatalf("expected failure while offline")
	}
	size, _ := buf.Size()
	if size != 6 {
		t.Fatalf("offline failure must not consume the buffer, size %d", size)
	}

	firstID := up.pendingID
	if firstID == "" {
		t.Fatalf("expected a pending batch id")
	}

	// still offline: retry keeps the same batch id
	_ = up.uploadOnce(context.Background(), true)
	if up.pendingID != firstID {
		t.Fatalf("batch id must be preserved across retries")
	}

	// reconnect: everything drains in order
	client.setFail(nil)
	if err := up.Flush(context.Background()); err != nil {
		t.Fatalf("flush after reconnect: %v", err)
	}

	batches := client.submitted()
	if len(batches) != 2 {
		t.Fatalf("expected 2 chunks of 3, got %d", len(batches))
	}
	if batches[0].BatchID != firstID {
		t.Fatalf("first drained batch must reuse the retried id")
	}
	if batches[0].Fixes[0].FixID != "fix-000" {
		t.Fatalf("expected original order after reconnect")
	}
}

func TestRejectedBatchIsDroppedNotRetried(t *testing.T) {
	buf := openBuffer(t)
	fillBuffer(t, buf, 2)

	client := &fakeClient{}
	client.setFail(&RejectedError{Status: http.StatusBadRequest, Body: "malformed"})
	up := testUploader(buf, client, Config{BatchSize: 10})

	err := up.uploadOnce(context.Background(), true)
	var rejected *RejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("expected rejection, got %v", err)
	}

	size, _ := buf.Size()
	if size != 0 {
		t.Fatalf("poison batch must be dropped from the buffer, size %d", size)
	}
	if up.Dropped() != 2 {
		t.Fatalf("expected 2 dropped, got %d", up.Dropped())
	}
	if up.pendingID != "" {
		t.Fatalf("pending batch must be cleared after drop")
	}
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	up := testUploader(nil, nil, Config{BackoffBase: 2 * time.Second, BackoffCap: 10 * time.Second})

	prevMax := time.Duration(0)
	for attempt := 1; attempt <= 6; attempt++ {
		d := up.backoff(attempt)
		if d > 10*time.Second {
			t.Fatalf("backoff above cap: %v", d)
		}
		if d < time.Second {
			t.Fatalf("backoff below half-base floor: %v", d)
		}
		if attempt <= 3 && d/2 < prevMax/4 {
			t.Fatalf("backoff should grow with attempts")
		}
		if d > prevMax {
			prevMax = d
		}
	}
}

func TestTickSkippedWhileUploading(t *testing.T) {
	up := testUploader(openBuffer(t), &fakeClient{}, Config{})
	up.state.Store(int32(StateUploading))

	// must return immediately without touching the nil-safe paths
	up.tryUpload(context.Background())
	if up.State() != StateUploading {
		t.Fatalf("state must be untouched by a skipped tick")
	}
}

func TestHTTPClientStatusMapping(t *testing.T) {
	var status int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		if status == http.StatusOK {
			_, _ = w.Write([]byte(`{"batch_id":"b","accepted_fix_ids":["f1"]}`))
		}
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, "token")
	batch := gps.Batch{BatchID: "b", SessionID: "s"}

	status = http.StatusOK
	ack, err := client.SubmitBatch(context.Background(), batch)
	if err != nil || len(ack.AcceptedFixIDs) != 1 {
		t.Fatalf("expected ack, got %v %v", ack, err)
	}

	status = http.StatusBadRequest
	_, err = client.SubmitBatch(context.Background(), batch)
	var rejected *RejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("expected RejectedError, got %v", err)
	}

	status = http.StatusInternalServerError
	_, err = client.SubmitBatch(context.Background(), batch)
	var retryable *RetryableError
	if !errors.As(err, &retryable) {
		t.Fatalf("expected RetryableError, got %v", err)
	}

	srv.Close()
	_, err = client.SubmitBatch(context.Background(), batch)
	if !errors.As(err, &retryable) {
		t.Fatalf("expected RetryableError on connection failure, got %v", err)
	}
}

func TestRunRespondsToNotify(t *testing.T) {
	buf := openBuffer(t)
	client := &fakeClient{}
	up := testUploader(buf, client, Config{BatchSize: 10, Interval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		up.Run(ctx)
		close(done)
	}()

	fillBuffer(t, buf, 1)
	up.Notify()

	deadline := time.After(2 * time.Second)
	for {
		if len(client.submitted()) > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("expected notify to trigger an upload")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	<-done
}
