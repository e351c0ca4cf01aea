package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKind(t *testing.T) {
	tests := []struct {
		in      string
		want    Kind
		wantErr bool
	}{
		{"http", KindHTTP, false},
		{"WebSocket", KindWebSocket, false},
		{"memory", KindMemory, false},
		{"", KindHTTP, false},
		{"carrier-pigeon", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseKind(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewSelectsImplementation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Advertise = "node-1"

	tr, err := New(KindHTTP, cfg)
	require.NoError(t, err)
	assert.IsType(t, &HTTPTransport{}, tr)

	tr, err = New(KindWebSocket, cfg)
	require.NoError(t, err)
	assert.IsType(t, &WebSocketTransport{}, tr)

	network := NewMemoryNetwork()
	tr, err = New(KindMemory, cfg, WithNetwork(network))
	require.NoError(t, err)
	assert.IsType(t, &MemoryTransport{}, tr)
	assert.Equal(t, []string{"node-1"}, network.Addresses())

	_, err = New(KindMemory, cfg, WithNetwork(network))
	assert.Error(t, err, "address already registered")

	cfg.Advertise = ""
	_, err = New(KindMemory, cfg)
	assert.Error(t, err)

	_, err = New(Kind("smoke"), cfg)
	assert.Error(t, err)
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{RetryCount: -1}.withDefaults()
	assert.Equal(t, DefaultTimeout, cfg.Timeout)
	assert.Equal(t, DefaultMaxMessageSize, cfg.MaxMessageSize)
	assert.Equal(t, DefaultInboxSize, cfg.InboxSize)
	assert.Equal(t, 0, cfg.RetryCount)

	d := DefaultConfig()
	assert.Equal(t, 3, d.RetryCount)
	assert.Equal(t, DefaultRetryDelay, d.RetryDelay)
}

func TestAddressURLs(t *testing.T) {
	assert.Equal(t, "http://10.0.0.1:7946", baseURL("10.0.0.1:7946"))
	assert.Equal(t, "https://sync.example.com", baseURL("https://sync.example.com/"))
	assert.Equal(t, "ws://10.0.0.1:7946/ws", websocketURL("10.0.0.1:7946"))
	assert.Equal(t, "ws://127.0.0.1:1234/ws", websocketURL("http://127.0.0.1:1234"))
	assert.Equal(t, "wss://sync.example.com/ws", websocketURL("https://sync.example.com"))
}
