package transport

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Replicant-Partners/Chrysalis/internal/gossip"
)

// Compile-time interface checks.
var (
	_ Transport = (*WebSocketTransport)(nil)
	_ Notifier  = (*WebSocketTransport)(nil)
)

// wsConn is one open WebSocket link. gorilla/websocket allows a single
// concurrent writer, so writes hold writeMu.
type wsConn struct {
	address string // "" until an accepted connection announces itself
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// WebSocketTransport keeps one persistent connection per peer.
//
// Outbound connections are dialed by Connect. Inbound connections are
// accepted by Server and keyed by the sender address of their first
// frame, so replies reuse the connection the peer opened. Each
// connection has one reader goroutine feeding the inbox.
type WebSocketTransport struct {
	receiver

	cfg    Config
	dialer *websocket.Dialer

	mu     sync.Mutex
	conns  map[string]*wsConn
	closed bool
	wg     sync.WaitGroup
}

// NewWebSocketTransport creates a WebSocket transport.
func NewWebSocketTransport(cfg Config) *WebSocketTransport {
	cfg = cfg.withDefaults()
	return &WebSocketTransport{
		receiver: newReceiver(cfg),
		cfg:      cfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.Timeout,
		},
		conns: make(map[string]*wsConn),
	}
}

// Connect dials {address}/ws unless a connection is already open.
func (t *WebSocketTransport) Connect(ctx context.Context, address string) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return newError(CodeConnectionFailed, address, ErrClosed)
	}
	_, ok := t.conns[address]
	t.mu.Unlock()
	if ok {
		return nil
	}

	conn, _, err := t.dialer.DialContext(ctx, websocketURL(address), nil)
	if err != nil {
		return classify(address, CodeConnectionFailed, err)
	}
	c := &wsConn{address: address, conn: conn}
	if !t.adopt(address, c) {
		// Lost a race with another dial or an inbound connection.
		conn.Close()
		return nil
	}

	slog.Debug("websocket connected", "address", address)
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.readLoop(c)
	}()
	return nil
}

// adopt registers c under address unless one is already open.
func (t *WebSocketTransport) adopt(address string, c *wsConn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	if _, ok := t.conns[address]; ok {
		return false
	}
	c.address = address
	t.conns[address] = c
	return true
}

// remove forgets c if it is still the registered connection.
func (t *WebSocketTransport) remove(c *wsConn) {
	t.mu.Lock()
	if c.address != "" && t.conns[c.address] == c {
		delete(t.conns, c.address)
	}
	t.mu.Unlock()
	c.conn.Close()
}

// HandleConn serves an inbound connection accepted by Server. It blocks
// until the connection closes.
func (t *WebSocketTransport) HandleConn(conn *websocket.Conn) {
	t.readLoop(&wsConn{conn: conn})
}

func (t *WebSocketTransport) readLoop(c *wsConn) {
	defer t.remove(c)
	c.conn.SetReadLimit(int64(t.codec.MaxSize) + 5)

	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) &&
				!errors.Is(err, websocket.ErrCloseSent) {
				slog.Debug("websocket read ended", "address", t.addressOf(c), "error", err)
			}
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		env, err := t.handleFrame(data)
		if err != nil {
			continue
		}
		if env.From != "" && t.addressOf(c) == "" {
			t.adopt(env.From, c)
		}
	}
}

func (t *WebSocketTransport) addressOf(c *wsConn) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return c.address
}

// Disconnect closes the connection to address.
func (t *WebSocketTransport) Disconnect(_ context.Context, address string) error {
	t.mu.Lock()
	c, ok := t.conns[address]
	delete(t.conns, address)
	t.mu.Unlock()
	if ok {
		c.close()
	}
	return nil
}

// Send writes msg on the open connection to address. Sending to an
// address without a connection fails with NOT_CONNECTED.
func (t *WebSocketTransport) Send(ctx context.Context, address string, msg gossip.Message) error {
	t.mu.Lock()
	c, ok := t.conns[address]
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return newError(CodeSendFailed, address, ErrClosed)
	}
	if !ok {
		return newError(CodeNotConnected, address, errors.New("no open connection"))
	}

	frame, err := t.codec.Encode(envelope(t.cfg.Advertise, msg))
	if err != nil {
		return encodeError(address, err)
	}

	deadline := time.Now().Add(t.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return newError(CodeSendFailed, address, err)
	}
	if err := c.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		// A failed write leaves the connection unusable.
		go t.remove(c)
		return classify(address, CodeSendFailed, err)
	}
	return nil
}

// close sends a close frame, best effort, then closes the socket.
func (c *wsConn) close() {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	c.conn.Close()
}

// Receive drains the inbox.
func (t *WebSocketTransport) Receive(ctx context.Context) ([]Inbound, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return t.inbox.drain(), nil
}

// IsConnected reports whether a connection to address is open.
func (t *WebSocketTransport) IsConnected(address string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.conns[address]
	return ok
}

// ConnectedPeers returns the addresses with an open connection.
func (t *WebSocketTransport) ConnectedPeers() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(addressSet, len(t.conns))
	for a := range t.conns {
		out[a] = struct{}{}
	}
	return out.sorted()
}

// Close closes every connection and waits for dialed readers to exit.
func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conns := t.conns
	t.conns = make(map[string]*wsConn)
	t.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
	t.wg.Wait()
	return nil
}
