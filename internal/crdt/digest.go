package crdt

import (
	"encoding/json"

	"github.com/Replicant-Partners/Chrysalis/internal/canonical"
)

// Digest returns a hash of the replicated content: aggregate clock, event
// ids in log order, and every LWW entry including tombstones.
//
// Two replicas have converged iff their digests match. Owner id, last
// sync time and state version are local bookkeeping and are excluded.
func (s *ReplicaState) Digest() string {
	clock := make(map[string]any)
	for _, id := range s.log.clock.IDs() {
		clock[id] = s.log.clock[id]
	}
	ids := make([]any, 0, s.log.Len())
	for _, id := range s.log.IDs() {
		ids = append(ids, id)
	}

	metrics := make(map[string]any)
	for k, e := range s.metrics.entries {
		metrics[k] = entryDoc(e.Value, e.Timestamp, e.Writer, e.Deleted)
	}
	metadata := make(map[string]any)
	for k, e := range s.metadata.entries {
		metadata[k] = entryDoc(rawValue(e.Value), e.Timestamp, e.Writer, e.Deleted)
	}

	doc := map[string]any{
		"clock":    clock,
		"events":   ids,
		"metrics":  metrics,
		"metadata": metadata,
	}
	b, err := canonical.Marshal(doc)
	if err != nil {
		// Only reachable with non-finite metric values; hash a lossy
		// rendering rather than fail a total operation.
		b, _ = json.Marshal(s.log.IDs())
	}
	return canonical.Hash(canonical.DomainReplica, b)
}

func entryDoc(value any, ts float64, writer string, deleted bool) map[string]any {
	doc := map[string]any{
		"timestamp": ts,
		"writer":    writer,
	}
	if deleted {
		doc["deleted"] = true
	} else {
		doc["value"] = value
	}
	return doc
}

// rawValue keeps valid JSON structured and falls back to the raw text so
// malformed metadata still contributes to the digest.
func rawValue(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	if !json.Valid(raw) {
		return string(raw)
	}
	return raw
}
