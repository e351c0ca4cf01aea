package transport

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collect drains tr until n messages have arrived.
func collect(t *testing.T, tr Transport, n int) []Inbound {
	t.Helper()
	var got []Inbound
	require.Eventually(t, func() bool {
		in, _ := tr.Receive(context.Background())
		got = append(got, in...)
		return len(got) >= n
	}, 2*time.Second, 5*time.Millisecond)
	return got
}

func TestWebSocketDuplex(t *testing.T) {
	ctx := context.Background()

	serverCfg := DefaultConfig()
	serverCfg.Advertise = "server-node"
	serverSide := NewWebSocketTransport(serverCfg)
	srv := httptest.NewServer(NewServer(ServerConfig{Transport: serverSide}).Handler())
	t.Cleanup(srv.Close)
	t.Cleanup(func() { serverSide.Close() })

	clientCfg := DefaultConfig()
	clientCfg.Advertise = "client-node"
	clientSide := NewWebSocketTransport(clientCfg)
	t.Cleanup(func() { clientSide.Close() })

	require.NoError(t, clientSide.Connect(ctx, srv.URL))
	assert.True(t, clientSide.IsConnected(srv.URL))
	require.NoError(t, clientSide.Connect(ctx, srv.URL), "second connect is a no-op")

	require.NoError(t, clientSide.Send(ctx, srv.URL, heartbeat("inst-client")))
	got := collect(t, serverSide, 1)
	assert.Equal(t, "client-node", got[0].From)
	assert.Equal(t, "inst-client", got[0].Message.SenderID)

	// The accepted connection is keyed by the advertised address, so the
	// reply travels back over it.
	require.Eventually(t, func() bool {
		return serverSide.IsConnected("client-node")
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, serverSide.Send(ctx, "client-node", heartbeat("inst-server")))

	got = collect(t, clientSide, 1)
	assert.Equal(t, "server-node", got[0].From)
	assert.Equal(t, "inst-server", got[0].Message.SenderID)
}

func TestWebSocketSendWithoutConnection(t *testing.T) {
	tr := NewWebSocketTransport(DefaultConfig())
	err := tr.Send(context.Background(), "127.0.0.1:1", heartbeat("inst-a"))
	assert.Equal(t, CodeNotConnected, Code(err))
}

func TestWebSocketConnectFailure(t *testing.T) {
	srv := httptest.NewServer(nil)
	addr := srv.URL
	srv.Close()

	tr := NewWebSocketTransport(DefaultConfig())
	err := tr.Connect(context.Background(), addr)
	assert.Equal(t, CodeConnectionFailed, Code(err))
	assert.False(t, tr.IsConnected(addr))
}

func TestWebSocketDisconnect(t *testing.T) {
	ctx := context.Background()
	serverSide := NewWebSocketTransport(DefaultConfig())
	srv := httptest.NewServer(NewServer(ServerConfig{Transport: serverSide}).Handler())
	t.Cleanup(srv.Close)
	t.Cleanup(func() { serverSide.Close() })

	tr := NewWebSocketTransport(DefaultConfig())
	t.Cleanup(func() { tr.Close() })
	require.NoError(t, tr.Connect(ctx, srv.URL))
	assert.Equal(t, []string{srv.URL}, tr.ConnectedPeers())

	require.NoError(t, tr.Disconnect(ctx, srv.URL))
	assert.False(t, tr.IsConnected(srv.URL))
	err := tr.Send(ctx, srv.URL, heartbeat("inst-a"))
	assert.Equal(t, CodeNotConnected, Code(err))
}

func TestWebSocketClose(t *testing.T) {
	ctx := context.Background()
	serverSide := NewWebSocketTransport(DefaultConfig())
	srv := httptest.NewServer(NewServer(ServerConfig{Transport: serverSide}).Handler())
	t.Cleanup(srv.Close)
	t.Cleanup(func() { serverSide.Close() })

	tr := NewWebSocketTransport(DefaultConfig())
	require.NoError(t, tr.Connect(ctx, srv.URL))
	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())

	assert.Empty(t, tr.ConnectedPeers())
	assert.ErrorIs(t, tr.Connect(ctx, srv.URL), ErrClosed)
}
