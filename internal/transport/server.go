package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ConnHandler is implemented by duplex transports that take over inbound
// WebSocket connections accepted on GET /ws.
type ConnHandler interface {
	HandleConn(conn *websocket.Conn)
}

// StatusFunc reports node status as a JSON-serialisable value.
type StatusFunc func(ctx context.Context) (any, error)

// ServerConfig configures a Server.
type ServerConfig struct {
	// Address is the TCP listen address, e.g. ":7946". Use ":0" for a
	// random port; Addr reports the resolved one.
	Address string

	// Transport receives inbound frames. POST /sync is served when it
	// implements FrameHandler, GET /ws when it implements ConnHandler.
	Transport Transport

	// Gatherer backs GET /metrics. Nil disables the endpoint.
	Gatherer prometheus.Gatherer

	// Status backs GET /status. Nil disables the endpoint.
	Status StatusFunc

	// MaxBodySize bounds POST /sync bodies. Defaults to the default
	// message size plus the frame header.
	MaxBodySize int64

	// ShutdownTimeout bounds graceful shutdown. Defaults to 10s.
	ShutdownTimeout time.Duration
}

// Server exposes a transport's inbound endpoints over HTTP.
type Server struct {
	cfg      ServerConfig
	router   *gin.Engine
	upgrader websocket.Upgrader

	ready chan struct{}
	addr  net.Addr
}

// NewServer builds the router. Call Serve to start listening.
func NewServer(cfg ServerConfig) *Server {
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = DefaultMaxMessageSize + 5
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		cfg:    cfg,
		router: gin.New(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		ready: make(chan struct{}),
	}
	s.router.Use(gin.Recovery())

	if h, ok := cfg.Transport.(FrameHandler); ok {
		s.router.POST("/sync", s.handleSync(h))
	}
	if h, ok := cfg.Transport.(ConnHandler); ok {
		s.router.GET("/ws", s.handleWebSocket(h))
	}
	if cfg.Gatherer != nil {
		s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})))
	}
	s.router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if cfg.Status != nil {
		s.router.GET("/status", s.handleStatus)
	}
	return s
}

// Handler returns the router, for tests and for embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Ready returns a channel closed once the listener is bound.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addr returns the resolved listen address. Only valid after Ready is
// closed.
func (s *Server) Addr() net.Addr {
	return s.addr
}

func (s *Server) handleSync(h FrameHandler) gin.HandlerFunc {
	return func(c *gin.Context) {
		body := http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.MaxBodySize)
		frame, err := io.ReadAll(body)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": string(CodeMessageTooLarge)})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		err = h.HandleFrame(frame)
		switch {
		case err == nil:
			c.Status(http.StatusAccepted)
		case errors.Is(err, ErrInboxFull), errors.Is(err, ErrRateLimited):
			c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
		case Code(err) == CodeMessageTooLarge:
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		}
	}
}

func (s *Server) handleWebSocket(h ConnHandler) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			slog.Warn("websocket upgrade failed", "remote", c.Request.RemoteAddr, "error", err)
			return
		}
		h.HandleConn(conn)
	}
}

func (s *Server) handleStatus(c *gin.Context) {
	status, err := s.cfg.Status(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, status)
}

// Serve listens on Address and blocks until ctx is cancelled, then shuts
// down gracefully. Returns nil on clean shutdown.
func (s *Server) Serve(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Address, err)
	}
	s.addr = listener.Addr()
	close(s.ready)

	server := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	slog.Info("sync server listening", "address", s.addr.String())

	serveDone := make(chan error, 1)
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveDone <- err
		}
		close(serveDone)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveDone:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("sync server shutdown: %w", err)
	}
	slog.Info("sync server stopped")
	return nil
}
