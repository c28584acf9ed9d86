package query

import (
	"context"
	"time"

	"backend-riderpos/internal/db"
	"backend-riderpos/internal/gps"
)

type Service struct {
	db  db.Querier
	now func() time.Time
}

func NewService(querier db.Querier) *Service {
	return &Service{db: querier, now: time.Now}
}

// Latest returns one position per rider, the most recent by device timestamp,
// joined with the rider's profile. LastSeenSec is computed against the server
// clock so prolonged upload failure shows up as staleness on the live map.
func (s *Service) Latest(ctx context.Context) ([]RiderLatest, error) {
	rows, err := s.db.Query(ctx, `
		SELECT DISTINCT ON (p.rider_id)
		       p.rider_id, p.fix_id, p.lat, p.lon, p.accuracy_m, p.speed_mps, p.heading_deg,
		       p.device_ts, p.server_received_ts,
		       COALESCE(u.full_name, ''), COALESCE(u.avatar_url, '')
		FROM positions p
		LEFT JOIN users u ON u.id = p.rider_id
		ORDER BY p.rider_id, p.device_ts DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	now := s.now()
	var out []RiderLatest
	for rows.Next() {
		var r RiderLatest
		if err := rows.Scan(&r.RiderID, &r.FixID, &r.Lat, &r.Lon, &r.AccuracyM, &r.SpeedMps, &r.HeadingDeg,
			&r.DeviceTS, &r.ServerReceivedTS, &r.FullName, &r.AvatarURL); err != nil {
			return nil, err
		}
		r.LastSeenSec = int64(now.Sub(r.DeviceTS).Seconds())
		out = append(out, r)
	}
	return out, rows.Err()
}

// Range returns a rider's positions inside [from, to], ordered by device
// timestamp ascending.
func (s *Service) Range(ctx context.Context, riderID string, from, to time.Time) ([]gps.Position, error) {
	rows, err := s.db.Query(ctx, `
		SELECT rider_id, fix_id, lat, lon, accuracy_m, speed_mps, heading_deg, device_ts, server_received_ts
		FROM positions
		WHERE rider_id = $1 AND device_ts >= $2 AND device_ts <= $3
		ORDER BY device_ts ASC
	`, riderID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []gps.Position
	for rows.Next() {
		var p gps.Position
		if err := rows.Scan(&p.RiderID, &p.FixID, &p.Lat, &p.Lon, &p.AccuracyM, &p.SpeedMps, &p.HeadingDeg,
			&p.DeviceTS, &p.ServerReceivedTS); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
