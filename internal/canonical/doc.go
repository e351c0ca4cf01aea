// Package canonical provides a deterministic JSON rendering and
// domain-separated hashing for replica digests.
//
// Two replicas holding the same logical state must produce byte-identical
// encodings, so map keys are ordered by UTF-16 code units (RFC 8785),
// strings are NFC normalized, and HTML characters are never escaped.
// Unlike RFC 8785 proper, integers are rendered exactly and floats use the
// shortest round-trip form; NaN and infinities are rejected.
package canonical
