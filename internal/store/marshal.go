package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/Replicant-Partners/Chrysalis/internal/canonical"
	"github.com/Replicant-Partners/Chrysalis/internal/crdt"
)

// timestampLayout is the TEXT format of event timestamps.
const timestampLayout = time.RFC3339Nano

// marshalClock converts a vector clock to canonical JSON TEXT. Zero
// entries are dropped.
func marshalClock(vc crdt.VectorClock) (string, error) {
	m := make(map[string]any, len(vc))
	for _, id := range vc.IDs() {
		m[id] = vc[id]
	}
	data, err := canonical.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshal clock: %w", err)
	}
	return string(data), nil
}

// unmarshalClock parses clock TEXT.
func unmarshalClock(data string) (crdt.VectorClock, error) {
	vc := crdt.NewVectorClock()
	if err := json.Unmarshal([]byte(data), &vc); err != nil {
		return nil, fmt.Errorf("unmarshal clock: %w", err)
	}
	return vc, nil
}

// marshalPayload stores the payload bytes verbatim. An absent payload is
// NULL.
func marshalPayload(payload json.RawMessage) (sql.NullString, error) {
	if len(payload) == 0 {
		return sql.NullString{}, nil
	}
	if !json.Valid(payload) {
		return sql.NullString{}, fmt.Errorf("marshal payload: invalid JSON")
	}
	return sql.NullString{String: string(payload), Valid: true}, nil
}

func unmarshalPayload(data sql.NullString) json.RawMessage {
	if !data.Valid {
		return nil
	}
	return json.RawMessage(data.String)
}

// marshalMetric renders a metric value as a JSON number. Tombstones
// store NULL.
func marshalMetric(e crdt.LWWEntry[float64]) (sql.NullString, error) {
	if e.Deleted {
		return sql.NullString{}, nil
	}
	data, err := canonical.Marshal(e.Value)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshal metric: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func unmarshalMetric(data sql.NullString) (float64, error) {
	if !data.Valid {
		return 0, nil
	}
	v, err := strconv.ParseFloat(data.String, 64)
	if err != nil {
		return 0, fmt.Errorf("unmarshal metric: %w", err)
	}
	return v, nil
}

// marshalMetadata stores a metadata value as canonical JSON. Tombstones
// store NULL.
func marshalMetadata(e crdt.LWWEntry[json.RawMessage]) (sql.NullString, error) {
	if e.Deleted || len(e.Value) == 0 {
		return sql.NullString{}, nil
	}
	data, err := canonical.Marshal(e.Value)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshal metadata: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}
