package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Replicant-Partners/Chrysalis/internal/crdt"
)

// LWW map names stored in lww_entries.map.
const (
	mapMetrics  = "metrics"
	mapMetadata = "metadata"
)

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// WriteEvent inserts one event.
// Uses ON CONFLICT(id) DO NOTHING for idempotency - duplicate IDs are silently ignored.
func (s *Store) WriteEvent(ctx context.Context, e crdt.Event) error {
	if err := writeEvent(ctx, s.db, e); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

// WriteEvents inserts events in one transaction. Either all new events
// are stored or none are. Implements engine.Sink.
func (s *Store) WriteEvents(ctx context.Context, events []crdt.Event) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("write events: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	for _, e := range events {
		if err := writeEvent(ctx, tx, e); err != nil {
			return fmt.Errorf("write events: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("write events: commit: %w", err)
	}
	return nil
}

func writeEvent(ctx context.Context, db execer, e crdt.Event) error {
	if e.ID == "" {
		return fmt.Errorf("event id is required")
	}
	clockJSON, err := marshalClock(e.Clock)
	if err != nil {
		return fmt.Errorf("event %s: %w", e.ID, err)
	}
	payload, err := marshalPayload(e.Payload)
	if err != nil {
		return fmt.Errorf("event %s: %w", e.ID, err)
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO events
		(id, origin, kind, timestamp, payload, clock, clock_sum, stored_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		e.ID,
		e.Origin,
		string(e.Kind),
		e.Timestamp.UTC().Format(timestampLayout),
		payload,
		clockJSON,
		int64(e.Clock.Sum()),
		time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("event %s: %w", e.ID, err)
	}
	return nil
}

// upsertEntry replaces the stored row only when the incoming write wins
// under the replica's LWW rule: greater timestamp, then greater writer,
// then tombstone over value.
const upsertEntry = `
	INSERT INTO lww_entries (map, key, value, timestamp, writer, deleted)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(map, key) DO UPDATE SET
		value = excluded.value,
		timestamp = excluded.timestamp,
		writer = excluded.writer,
		deleted = excluded.deleted
	WHERE excluded.timestamp > lww_entries.timestamp
	   OR (excluded.timestamp = lww_entries.timestamp
	       AND excluded.writer > lww_entries.writer)
	   OR (excluded.timestamp = lww_entries.timestamp
	       AND excluded.writer = lww_entries.writer
	       AND excluded.deleted > lww_entries.deleted)
`

func writeEntry(ctx context.Context, db execer, mapName, key string, value sql.NullString, ts float64, writer string, deleted bool) error {
	_, err := db.ExecContext(ctx, upsertEntry, mapName, key, value, ts, writer, deleted)
	if err != nil {
		return fmt.Errorf("%s[%q]: %w", mapName, key, err)
	}
	return nil
}

// WriteMetric stores one metric entry if it wins over the stored one.
func (s *Store) WriteMetric(ctx context.Context, name string, e crdt.LWWEntry[float64]) error {
	value, err := marshalMetric(e)
	if err != nil {
		return fmt.Errorf("write metric: %w", err)
	}
	if err := writeEntry(ctx, s.db, mapMetrics, name, value, e.Timestamp, e.Writer, e.Deleted); err != nil {
		return fmt.Errorf("write metric: %w", err)
	}
	return nil
}

// WriteMetrics stores metric entries in one transaction. Implements
// engine.EntrySink.
func (s *Store) WriteMetrics(ctx context.Context, entries map[string]crdt.LWWEntry[float64]) error {
	return s.inTx(ctx, "write metrics", func(tx *sql.Tx) error {
		for name, e := range entries {
			value, err := marshalMetric(e)
			if err != nil {
				return err
			}
			if err := writeEntry(ctx, tx, mapMetrics, name, value, e.Timestamp, e.Writer, e.Deleted); err != nil {
				return err
			}
		}
		return nil
	})
}

// WriteMetadata stores metadata entries in one transaction. Implements
// engine.EntrySink.
func (s *Store) WriteMetadata(ctx context.Context, entries map[string]crdt.LWWEntry[json.RawMessage]) error {
	return s.inTx(ctx, "write metadata", func(tx *sql.Tx) error {
		for key, e := range entries {
			value, err := marshalMetadata(e)
			if err != nil {
				return err
			}
			if err := writeEntry(ctx, tx, mapMetadata, key, value, e.Timestamp, e.Writer, e.Deleted); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) inTx(ctx context.Context, op string, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: begin tx: %w", op, err)
	}
	defer tx.Rollback() // No-op if committed

	if err := fn(tx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s: commit: %w", op, err)
	}
	return nil
}
