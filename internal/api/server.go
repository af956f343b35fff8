// Package api serves the control API used by the desktop webview. It is a small gin
// application bound to loopback: it starts auth flows, drives the personal server and
// automation runs, and streams application events over a websocket.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/opendatalabs/databridge/internal/authgateway"
	"github.com/opendatalabs/databridge/internal/events"
	"github.com/opendatalabs/databridge/internal/logging"
	"github.com/opendatalabs/databridge/internal/runner"
	"github.com/opendatalabs/databridge/internal/sidecar"
	"github.com/opendatalabs/databridge/internal/store"
	log "github.com/sirupsen/logrus"
)

const shutdownTimeout = 5 * time.Second

// AuthService starts and reports on browser auth flows.
type AuthService interface {
	StartFlow(ctx context.Context) (authgateway.FlowInfo, error)
	Status() authgateway.FlowStatus
}

// SidecarService controls the personal server.
type SidecarService interface {
	Start(ctx context.Context, opts sidecar.StartOptions) (sidecar.Status, error)
	Stop(ctx context.Context) error
	Status() sidecar.Status
}

// RunService controls automation runs.
type RunService interface {
	Start(ctx context.Context, req runner.RunRequest) (runner.RunInfo, error)
	Stop(ctx context.Context, runID string) error
	List() []runner.RunInfo
}

// HistoryService lists finished runs.
type HistoryService interface {
	Recent(ctx context.Context, limit int) ([]store.Record, error)
}

// EventSource fans out application events.
type EventSource interface {
	Subscribe(buffer int) (<-chan events.Event, func())
}

// Backend is what the handlers call into. History may be nil.
type Backend struct {
	Auth    AuthService
	Sidecar SidecarService
	Runs    RunService
	History HistoryService
	Events  EventSource
}

// ServerOption customises server construction.
type ServerOption func(*Server)

// WithMiddleware appends gin middleware after the logger and recovery handlers.
func WithMiddleware(mw ...gin.HandlerFunc) ServerOption {
	return func(s *Server) { s.middleware = append(s.middleware, mw...) }
}

// Server is the control API HTTP server.
type Server struct {
	engine     *gin.Engine
	handler    *Handler
	middleware []gin.HandlerFunc

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// NewServer builds the gin engine and registers every route.
func NewServer(backend Backend, opts ...ServerOption) *Server {
	s := &Server{handler: NewHandler(backend)}
	for _, opt := range opts {
		opt(s)
	}

	engine := gin.New()
	engine.Use(logging.GinLogrusLogger(), logging.GinLogrusRecovery())
	engine.Use(s.middleware...)
	s.setupRoutes(engine)
	s.engine = engine
	return s
}

func (s *Server) setupRoutes(engine *gin.Engine) {
	h := s.handler
	engine.GET("/healthz", h.Health)
	engine.GET("/version", h.Version)

	v0 := engine.Group("/v0")
	v0.POST("/auth/start", h.StartAuth)
	v0.GET("/auth/status", h.AuthStatus)

	v0.POST("/sidecar/start", h.StartSidecar)
	v0.POST("/sidecar/stop", h.StopSidecar)
	v0.GET("/sidecar/status", h.SidecarStatus)

	v0.POST("/runs", h.StartRun)
	v0.GET("/runs", h.ListRuns)
	v0.GET("/runs/history", h.RunHistory)
	v0.DELETE("/runs/:id", h.StopRun)

	v0.GET("/events/ws", h.EventStream)
}

// Handler returns the engine as an http.Handler.
func (s *Server) Handler() http.Handler { return s.engine }

// Start binds host:port and serves in the background. Bind errors are returned.
func (s *Server) Start(host string, port int) error {
	if host == "" {
		host = "127.0.0.1"
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("api: listen %s: %w", addr, err)
	}
	server := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.mu.Lock()
	s.server = server
	s.listener = ln
	s.mu.Unlock()

	log.Infof("control API listening on %s", ln.Addr())
	go func() {
		if errServe := server.Serve(ln); errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
			log.Errorf("control API failed on %s: %v", ln.Addr(), errServe)
		}
	}()
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down, waiting at most shutdownTimeout for in-flight requests.
// Shutdown does not track hijacked connections, so open event streams are closed first.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	server := s.server
	s.server = nil
	s.listener = nil
	s.mu.Unlock()
	if server == nil {
		return nil
	}

	s.handler.closeStreams()
	stopCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(stopCtx); err != nil {
		return fmt.Errorf("api: shutdown: %w", err)
	}
	log.Info("control API stopped")
	return nil
}
