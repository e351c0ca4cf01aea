package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/Replicant-Partners/Chrysalis/internal/gossip"
)

// Compile-time interface checks.
var (
	_ Transport    = (*HTTPTransport)(nil)
	_ Notifier     = (*HTTPTransport)(nil)
	_ FrameHandler = (*HTTPTransport)(nil)
)

// ContentType is the media type of a frame body.
const ContentType = "application/cbor"

// HTTPTransport sends each message as one POST to {address}/sync.
//
// Connect and Disconnect only track addresses; Send works for any
// address. Inbound messages arrive through Server, which hands frames to
// HandleFrame.
type HTTPTransport struct {
	receiver

	cfg    Config
	client *http.Client

	mu     sync.RWMutex
	peers  addressSet
	closed bool
}

// NewHTTPTransport creates an HTTP transport.
func NewHTTPTransport(cfg Config) *HTTPTransport {
	cfg = cfg.withDefaults()
	return &HTTPTransport{
		receiver: newReceiver(cfg),
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.Timeout},
		peers:    make(addressSet),
	}
}

// Connect tracks address.
func (t *HTTPTransport) Connect(_ context.Context, address string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return newError(CodeConnectionFailed, address, ErrClosed)
	}
	t.peers[address] = struct{}{}
	return nil
}

// Disconnect stops tracking address.
func (t *HTTPTransport) Disconnect(_ context.Context, address string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.peers, address)
	return nil
}

// Send posts msg to address, retrying RetryCount times after connection
// failures and server errors. 4xx responses are never retried.
func (t *HTTPTransport) Send(ctx context.Context, address string, msg gossip.Message) error {
	t.mu.RLock()
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		return newError(CodeSendFailed, address, ErrClosed)
	}

	frame, err := t.codec.Encode(envelope(t.cfg.Advertise, msg))
	if err != nil {
		return encodeError(address, err)
	}

	url := baseURL(address) + "/sync"
	var lastErr *Error
	for attempt := 0; attempt <= t.cfg.RetryCount; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, t.cfg.RetryDelay); err != nil {
				return classify(address, CodeTimeout, err)
			}
		}
		retry, err := t.post(ctx, url, address, frame)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retry || ctx.Err() != nil {
			break
		}
		slog.Debug("http send failed, retrying",
			"address", address,
			"attempt", attempt+1,
			"error", err)
	}
	return lastErr
}

// post performs one attempt and reports whether a failure is retryable.
func (t *HTTPTransport) post(ctx context.Context, url, address string, frame []byte) (bool, *Error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(frame))
	if err != nil {
		return false, newError(CodeSendFailed, address, err)
	}
	req.Header.Set("Content-Type", ContentType)

	resp, err := t.client.Do(req)
	if err != nil {
		return true, classify(address, CodeConnectionFailed, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return false, nil
	case resp.StatusCode == http.StatusRequestEntityTooLarge:
		return false, newError(CodeMessageTooLarge, address, fmt.Errorf("peer rejected frame of %d bytes", len(frame)))
	case resp.StatusCode < 500:
		return false, newError(CodeSendFailed, address, fmt.Errorf("peer answered %s", resp.Status))
	default:
		return true, newError(CodeSendFailed, address, fmt.Errorf("peer answered %s", resp.Status))
	}
}

// Receive drains the inbox.
func (t *HTTPTransport) Receive(ctx context.Context) ([]Inbound, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return t.inbox.drain(), nil
}

// IsConnected reports whether address is tracked.
func (t *HTTPTransport) IsConnected(address string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.peers[address]
	return ok
}

// ConnectedPeers returns the tracked addresses.
func (t *HTTPTransport) ConnectedPeers() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.peers.sorted()
}

// Close stops sending and releases idle connections.
func (t *HTTPTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.peers = make(addressSet)
	t.mu.Unlock()
	t.client.CloseIdleConnections()
	return nil
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
