package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Replicant-Partners/Chrysalis/internal/crdt"
)

// ReadEvents returns the stored events in canonical log order: clock sum,
// then id. A non-empty origin keeps only the events recorded by that
// instance.
//
// Returns an empty slice (not nil) if no events match.
func (s *Store) ReadEvents(ctx context.Context, origin string) ([]crdt.Event, error) {
	query := `
		SELECT id, origin, kind, timestamp, payload, clock
		FROM events
		ORDER BY clock_sum ASC, id COLLATE BINARY ASC
	`
	args := []any{}
	if origin != "" {
		query = `
			SELECT id, origin, kind, timestamp, payload, clock
			FROM events
			WHERE origin = ?
			ORDER BY clock_sum ASC, id COLLATE BINARY ASC
		`
		args = append(args, origin)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	events := []crdt.Event{}
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// scanEvent scans one events row.
func scanEvent(rows *sql.Rows) (crdt.Event, error) {
	var (
		e         crdt.Event
		kind      string
		timestamp string
		payload   sql.NullString
		clock     string
	)
	if err := rows.Scan(&e.ID, &e.Origin, &kind, &timestamp, &payload, &clock); err != nil {
		return crdt.Event{}, fmt.Errorf("scan event: %w", err)
	}

	k, err := crdt.ParseEventKind(kind)
	if err != nil {
		return crdt.Event{}, fmt.Errorf("event %s: %w", e.ID, err)
	}
	e.Kind = k

	e.Timestamp, err = time.Parse(timestampLayout, timestamp)
	if err != nil {
		return crdt.Event{}, fmt.Errorf("event %s: parse timestamp: %w", e.ID, err)
	}
	e.Clock, err = unmarshalClock(clock)
	if err != nil {
		return crdt.Event{}, fmt.Errorf("event %s: %w", e.ID, err)
	}
	e.Payload = unmarshalPayload(payload)
	return e, nil
}

// CountEvents returns the number of stored events. A non-empty origin
// counts only that instance's events.
func (s *Store) CountEvents(ctx context.Context, origin string) (int, error) {
	var (
		count int
		err   error
	)
	if origin == "" {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&count)
	} else {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE origin = ?`, origin).Scan(&count)
	}
	if err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return count, nil
}

// Origins returns the distinct event origins, sorted.
func (s *Store) Origins(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT origin FROM events ORDER BY origin COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query origins: %w", err)
	}
	defer rows.Close()

	origins := []string{}
	for rows.Next() {
		var o string
		if err := rows.Scan(&o); err != nil {
			return nil, fmt.Errorf("scan origin: %w", err)
		}
		origins = append(origins, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate origins: %w", err)
	}
	return origins, nil
}

// entryRow is one lww_entries row before value decoding.
type entryRow struct {
	key       string
	value     sql.NullString
	timestamp float64
	writer    string
	deleted   bool
}

func (s *Store) readEntries(ctx context.Context, mapName string) ([]entryRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, value, timestamp, writer, deleted
		FROM lww_entries
		WHERE map = ?
		ORDER BY key COLLATE BINARY ASC
	`, mapName)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", mapName, err)
	}
	defer rows.Close()

	var out []entryRow
	for rows.Next() {
		var r entryRow
		if err := rows.Scan(&r.key, &r.value, &r.timestamp, &r.writer, &r.deleted); err != nil {
			return nil, fmt.Errorf("scan %s: %w", mapName, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", mapName, err)
	}
	return out, nil
}

// ReadMetrics returns every stored metric entry, tombstones included.
func (s *Store) ReadMetrics(ctx context.Context) (map[string]crdt.LWWEntry[float64], error) {
	rows, err := s.readEntries(ctx, mapMetrics)
	if err != nil {
		return nil, fmt.Errorf("read metrics: %w", err)
	}
	out := make(map[string]crdt.LWWEntry[float64], len(rows))
	for _, r := range rows {
		v, err := unmarshalMetric(r.value)
		if err != nil {
			return nil, fmt.Errorf("read metrics: %q: %w", r.key, err)
		}
		out[r.key] = crdt.LWWEntry[float64]{Value: v, Timestamp: r.timestamp, Writer: r.writer, Deleted: r.deleted}
	}
	return out, nil
}

// ReadMetadata returns every stored metadata entry, tombstones included.
func (s *Store) ReadMetadata(ctx context.Context) (map[string]crdt.LWWEntry[json.RawMessage], error) {
	rows, err := s.readEntries(ctx, mapMetadata)
	if err != nil {
		return nil, fmt.Errorf("read metadata: %w", err)
	}
	out := make(map[string]crdt.LWWEntry[json.RawMessage], len(rows))
	for _, r := range rows {
		e := crdt.LWWEntry[json.RawMessage]{Timestamp: r.timestamp, Writer: r.writer, Deleted: r.deleted}
		if r.value.Valid {
			e.Value = json.RawMessage(r.value.String)
		}
		out[r.key] = e
	}
	return out, nil
}
