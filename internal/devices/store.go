// Package devices persists the per-transport station directory so
// reachability history survives restarts.
package devices

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"geogram/internal/transport"
)

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Upsert(ctx context.Context, transportID string, d transport.Device) error {
	meta := "{}"
	if len(d.Metadata) > 0 {
		raw, err := json.Marshal(d.Metadata)
		if err != nil {
			return fmt.Errorf("encode station metadata: %w", err)
		}
		meta = string(raw)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stations(transport_id, callsign, address, metadata, last_seen_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(transport_id, callsign) DO UPDATE SET
			address = CASE WHEN excluded.address != '' THEN excluded.address ELSE stations.address END,
			metadata = excluded.metadata,
			last_seen_at = MAX(excluded.last_seen_at, stations.last_seen_at)
	`, transportID, transport.CanonicalCallsign(d.Callsign), d.Address, meta, toUnixMillis(d.LastSeen))
	if err != nil {
		return fmt.Errorf("upsert station: %w", err)
	}
	return nil
}

func (s *Store) List(ctx context.Context, transportID string) ([]transport.Device, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT callsign, address, metadata, last_seen_at
		FROM stations
		WHERE transport_id = ?
		ORDER BY last_seen_at DESC
	`, transportID)
	if err != nil {
		return nil, fmt.Errorf("list stations: %w", err)
	}
	defer rows.Close()

	var out []transport.Device
	for rows.Next() {
		var (
			d      transport.Device
			meta   string
			seenMs int64
		)
		if err := rows.Scan(&d.Callsign, &d.Address, &meta, &seenMs); err != nil {
			return nil, fmt.Errorf("scan station: %w", err)
		}
		d.LastSeen = fromUnixMillis(seenMs)
		if meta != "" && meta != "{}" {
			if err := json.Unmarshal([]byte(meta), &d.Metadata); err != nil {
				return nil, fmt.Errorf("decode station metadata: %w", err)
			}
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stations: %w", err)
	}
	return out, nil
}

// Prune removes stations not heard since the cutoff across all transports.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM stations WHERE last_seen_at < ? AND last_seen_at > 0
	`, toUnixMillis(before))
	if err != nil {
		return 0, fmt.Errorf("prune stations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune stations: %w", err)
	}
	return n, nil
}

// Hydrate loads the persisted directory for a transport into its
// in-memory registry.
func (s *Store) Hydrate(ctx context.Context, t transport.Transport) error {
	list, err := s.List(ctx, t.ID())
	if err != nil {
		return err
	}
	for _, d := range list {
		t.Devices().Upsert(d)
	}
	return nil
}

// Snapshot writes a transport's current registry back to disk.
func (s *Store) Snapshot(ctx context.Context, t transport.Transport) error {
	for _, d := range t.Devices().List() {
		if err := s.Upsert(ctx, t.ID(), d); err != nil {
			return err
		}
	}
	return nil
}

func toUnixMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromUnixMillis(v int64) time.Time {
	if v <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(v)
}
