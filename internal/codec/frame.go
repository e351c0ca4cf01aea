package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/Replicant-Partners/Chrysalis/internal/gossip"
)

// Defaults for Codec fields left zero.
const (
	DefaultMaxSize              = 1 << 20
	DefaultCompressionThreshold = 4 << 10
)

// ErrTooLarge is returned when a frame or body exceeds MaxSize.
var ErrTooLarge = errors.New("message too large")

// Envelope is what travels on the wire: the gossip message plus the
// sender's advertised address, used as the reply and registration
// address on the receiving side.
type Envelope struct {
	From    string         `cbor:"from"`
	SentAt  time.Time      `cbor:"sent_at"`
	Message gossip.Message `cbor:"message"`
}

// Codec turns envelopes into frames and back.
//
// Thread-safety: a Codec is immutable after construction and safe for
// concurrent use.
type Codec struct {
	// Compression applied to bodies above Threshold.
	Compression Compression

	// Threshold is the minimum body size worth compressing.
	Threshold int

	// MaxSize bounds both the frame and the uncompressed body.
	MaxSize int
}

// New returns a Codec with zero fields replaced by defaults.
func New(c Compression, threshold, maxSize int) *Codec {
	if threshold <= 0 {
		threshold = DefaultCompressionThreshold
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Codec{Compression: c, Threshold: threshold, MaxSize: maxSize}
}

// Encode renders env as a frame.
func (c *Codec) Encode(env Envelope) ([]byte, error) {
	body, err := Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	if len(body) > c.MaxSize {
		return nil, fmt.Errorf("encode envelope: body %d bytes exceeds %d: %w", len(body), c.MaxSize, ErrTooLarge)
	}

	if c.Compression != CompressionNone && len(body) >= c.Threshold {
		packed, err := compress(body, c.Compression)
		switch {
		case err == nil:
			frame := make([]byte, 5, 5+len(packed))
			frame[0] = byte(c.Compression)
			binary.BigEndian.PutUint32(frame[1:5], uint32(len(body)))
			return append(frame, packed...), nil
		case !errors.Is(err, errIncompressible):
			return nil, fmt.Errorf("encode envelope: %w", err)
		}
	}

	frame := make([]byte, 1, 1+len(body))
	frame[0] = byte(CompressionNone)
	return append(frame, body...), nil
}

// Decode parses a frame produced by Encode.
func (c *Codec) Decode(frame []byte) (Envelope, error) {
	var env Envelope
	if len(frame) == 0 {
		return env, errors.New("decode envelope: empty frame")
	}
	if len(frame) > c.MaxSize+5 {
		return env, fmt.Errorf("decode envelope: frame %d bytes exceeds %d: %w", len(frame), c.MaxSize, ErrTooLarge)
	}

	body := frame[1:]
	switch tag := Compression(frame[0]); tag {
	case CompressionNone:
	case CompressionZstd, CompressionLZ4:
		if len(body) < 4 {
			return env, fmt.Errorf("decode envelope: truncated %s header", tag)
		}
		size := int(binary.BigEndian.Uint32(body[:4]))
		if size > c.MaxSize {
			return env, fmt.Errorf("decode envelope: body %d bytes exceeds %d: %w", size, c.MaxSize, ErrTooLarge)
		}
		var err error
		body, err = decompress(body[4:], tag, size)
		if err != nil {
			return env, fmt.Errorf("decode envelope: %w", err)
		}
	default:
		return env, fmt.Errorf("decode envelope: unknown compression tag %d", uint8(tag))
	}

	if err := Unmarshal(body, &env); err != nil {
		return env, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}
