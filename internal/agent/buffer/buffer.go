package buffer

import (
	"database/sql"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"backend-riderpos/internal/gps"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS fixes (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	fix_id TEXT UNIQUE NOT NULL,
	rider_id TEXT NOT NULL,
	lat REAL NOT NULL,
	lon REAL NOT NULL,
	accuracy_m REAL NOT NULL,
	speed_mps REAL,
	heading_deg REAL,
	device_ts_ms INTEGER NOT NULL
);
`

// Buffer is a durable, ordered queue of accepted fixes awaiting upload.
// Entries survive process restarts and are only removed by explicit
// acknowledgment, or by the high-water trim under prolonged offline
// operation.
type Buffer struct {
	db        *sql.DB
	highWater int
	dropped   atomic.Int64
}

// Open opens (or creates) the buffer database at path. highWater bounds the
// queue; zero or negative means the default of 5000.
func Open(path string, highWater int) (*Buffer, error) {
	if highWater <= 0 {
		highWater = 5000
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open buffer: %w", err)
	}
	// the queue is written from the session loop and read from the uploader
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("buffer schema: %w", err)
	}
	return &Buffer{db: db, highWater: highWater}, nil
}

// Append stores a fix. Appending an already-stored fix id is a no-op.
func (b *Buffer) Append(fix gps.Fix) error {
	_, err := b.db.Exec(`
		INSERT OR IGNORE INTO fixes (fix_id, rider_id, lat, lon, accuracy_m, speed_mps, heading_deg, device_ts_ms)
		VALUES (?,?,?,?,?,?,?,?)
	`, fix.FixID, fix.RiderID, fix.Lat, fix.Lon, fix.AccuracyM,
		nullable(fix.SpeedMps), nullable(fix.HeadingDeg), fix.DeviceTS.UnixMilli())
	if err != nil {
		return err
	}
	return b.trim()
}

// PeekBatch returns up to max of the oldest unacknowledged fixes, in append
// order, without removing them.
func (b *Buffer) PeekBatch(max int) ([]gps.Fix, error) {
	rows, err := b.db.Query(`
		SELECT fix_id, rider_id, lat, lon, accuracy_m, speed_mps, heading_deg, device_ts_ms
		FROM fixes ORDER BY seq LIMIT ?
	`, max)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []gps.Fix
	for rows.Next() {
		var f gps.Fix
		var speed, heading sql.NullFloat64
		var tsMs int64
		if err := rows.Scan(&f.FixID, &f.RiderID, &f.Lat, &f.Lon, &f.AccuracyM, &speed, &heading, &tsMs); err != nil {
			return nil, err
		}
		if speed.Valid {
			f.SpeedMps = &speed.Float64
		}
		if heading.Valid {
			f.HeadingDeg = &heading.Float64
		}
		f.DeviceTS = time.UnixMilli(tsMs).UTC()
		out = append(out, f)
	}
	return out, rows.Err()
}

// Acknowledge removes exactly the given fix ids once the server confirmed
// persistence. The batch id is informational.
func (b *Buffer) Acknowledge(batchID string, fixIDs []string) error {
	if len(fixIDs) == 0 {
		return nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(fixIDs)), ",")
	args := make([]any, len(fixIDs))
	for i, id := range fixIDs {
		args[i] = id
	}
	_, err := b.db.Exec(`DELETE FROM fixes WHERE fix_id IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("acknowledge batch %s: %w", batchID, err)
	}
	return nil
}

func (b *Buffer) Size() (int, error) {
	var n int
	err := b.db.QueryRow(`SELECT COUNT(*) FROM fixes`).Scan(&n)
	return n, err
}

// Dropped reports how many fixes were discarded by the high-water trim.
func (b *Buffer) Dropped() int64 {
	return b.dropped.Load()
}

func (b *Buffer) Close() error {
	return b.db.Close()
}

// trim discards the oldest entries beyond the high-water mark. Recency wins
// over completeness when connectivity is gone for long.
func (b *Buffer) trim() error {
	size, err := b.Size()
	if err != nil {
		return err
	}
	excess := size - b.highWater
	if excess <= 0 {
		return nil
	}

	res, err := b.db.Exec(`
		DELETE FROM fixes WHERE seq IN (SELECT seq FROM fixes ORDER BY seq LIMIT ?)
	`, excess)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil {
		b.dropped.Add(n)
	}
	return nil
}

func nullable(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
