package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerHealthz(t *testing.T) {
	srv := httptest.NewServer(NewServer(ServerConfig{}).Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestServerStatus(t *testing.T) {
	status := func(ctx context.Context) (any, error) {
		return map[string]any{"instance_id": "inst-a", "peers": 2}, nil
	}
	srv := httptest.NewServer(NewServer(ServerConfig{Status: status}).Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "inst-a", body["instance_id"])
	assert.Equal(t, float64(2), body["peers"])
}

func TestServerStatusError(t *testing.T) {
	status := func(ctx context.Context) (any, error) {
		return nil, errors.New("stopped")
	}
	srv := httptest.NewServer(NewServer(ServerConfig{Status: status}).Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestServerMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chrysalis_test_total",
		Help: "Test counter.",
	})
	reg.MustRegister(counter)
	counter.Add(3)

	srv := httptest.NewServer(NewServer(ServerConfig{Gatherer: reg}).Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "chrysalis_test_total 3")
}

func TestServerOmitsUnsupportedEndpoints(t *testing.T) {
	srv := httptest.NewServer(NewServer(ServerConfig{}).Handler())
	t.Cleanup(srv.Close)

	for _, path := range []string{"/metrics", "/status", "/ws"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
	}
	resp, err := http.Post(srv.URL+"/sync", ContentType, strings.NewReader("x"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServerSyncRejections(t *testing.T) {
	cfg := DefaultConfig()
	cfg.InboxSize = 1
	recv := NewHTTPTransport(cfg)
	srv := httptest.NewServer(NewServer(ServerConfig{Transport: recv, MaxBodySize: 1024}).Handler())
	t.Cleanup(srv.Close)

	post := func(body []byte) int {
		resp, err := http.Post(srv.URL+"/sync", ContentType, bytes.NewReader(body))
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusBadRequest, post([]byte{0, 0xff}))
	assert.Equal(t, http.StatusRequestEntityTooLarge, post(make([]byte, 2048)))

	frame, err := recv.codec.Encode(envelope("peer", heartbeat("inst-b")))
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, post(frame))
	assert.Equal(t, http.StatusTooManyRequests, post(frame), "inbox of one is full")
}

func TestServerServeShutsDownCleanly(t *testing.T) {
	s := NewServer(ServerConfig{Address: "127.0.0.1:0"})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()

	select {
	case <-s.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("server never became ready")
	}
	resp, err := http.Get("http://" + s.Addr().String() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
