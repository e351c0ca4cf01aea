package transport

import (
	"log/slog"
	"math"
	"sync"

	"golang.org/x/time/rate"

	"github.com/Replicant-Partners/Chrysalis/internal/codec"
)

// inbox is the bounded queue behind Receive.
//
// Thread-safety: push may be called from any number of reader goroutines
// or HTTP handlers while a single consumer drains.
type inbox struct {
	mu      sync.Mutex
	items   []Inbound
	size    int
	limiter *rate.Limiter
	dropped uint64
	signal  chan struct{} // Signals availability (buffered, size 1)
}

func newInbox(size int, perSecond float64) *inbox {
	b := &inbox{
		size:   size,
		signal: make(chan struct{}, 1),
	}
	if perSecond > 0 {
		burst := int(math.Ceil(perSecond))
		b.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
	return b
}

// push queues in, or drops it when rate limited or full.
func (b *inbox) push(in Inbound) error {
	if b.limiter != nil && !b.limiter.Allow() {
		b.drop(in, "rate limited")
		return newError(CodeReceiveFailed, in.From, ErrRateLimited)
	}

	b.mu.Lock()
	if len(b.items) >= b.size {
		b.mu.Unlock()
		b.drop(in, "inbox full")
		return newError(CodeReceiveFailed, in.From, ErrInboxFull)
	}
	b.items = append(b.items, in)
	b.mu.Unlock()

	select {
	case b.signal <- struct{}{}:
	default:
	}
	return nil
}

func (b *inbox) drop(in Inbound, reason string) {
	b.mu.Lock()
	b.dropped++
	b.mu.Unlock()
	slog.Warn("dropping inbound message",
		"from", in.From,
		"type", in.Message.Type,
		"sender_id", in.Message.SenderID,
		"reason", reason)
}

// drain returns and clears everything queued.
func (b *inbox) drain() []Inbound {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.items) == 0 {
		return nil
	}
	out := b.items
	b.items = nil
	return out
}

// Dropped returns the number of messages dropped so far.
func (b *inbox) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

func (b *inbox) Notify() <-chan struct{} {
	return b.signal
}

// receiver decodes frames into an inbox. Embedded by every transport.
type receiver struct {
	codec *codec.Codec
	inbox *inbox
}

func newReceiver(cfg Config) receiver {
	return receiver{
		codec: cfg.codec(),
		inbox: newInbox(cfg.InboxSize, cfg.InboundRate),
	}
}

// handleFrame decodes frame and queues the message. Malformed frames are
// logged and returned as SERIALIZATION or MESSAGE_TOO_LARGE errors.
func (r receiver) handleFrame(frame []byte) (codec.Envelope, error) {
	env, err := r.codec.Decode(frame)
	if err != nil {
		slog.Warn("dropping malformed frame", "bytes", len(frame), "error", err)
		return env, encodeError("", err)
	}
	return env, r.inbox.push(Inbound{From: env.From, Message: env.Message})
}

// HandleFrame decodes frame and queues the message it carries.
func (r receiver) HandleFrame(frame []byte) error {
	_, err := r.handleFrame(frame)
	return err
}

// Notify returns a channel signalled whenever a message is queued.
func (r receiver) Notify() <-chan struct{} {
	return r.inbox.Notify()
}

// Dropped returns the number of inbound messages dropped for backpressure.
func (r receiver) Dropped() uint64 {
	return r.inbox.Dropped()
}
