// Package codec encodes gossip traffic for the network transports.
//
// A frame is one header byte naming the compression, then for compressed
// frames a 4-byte big-endian length of the uncompressed body, then the
// body. The body is the CBOR (RFC 8949 Core Deterministic) encoding of an
// Envelope, so equal envelopes always produce identical bytes.
//
// Decoding never trusts the peer: the frame, the declared body length and
// the decompressed body are all bounded by MaxSize.
package codec
