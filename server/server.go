// Package server is the HTTP execution surface: execution endpoints behind
// the admission gate, execution status, and operational endpoints.
package server

import (
	"context"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/chainpulse/admission"
	"github.com/teranos/chainpulse/am"
	"github.com/teranos/chainpulse/chain/failover"
	"github.com/teranos/chainpulse/chain/multicall"
	"github.com/teranos/chainpulse/errors"
	"github.com/teranos/chainpulse/execute"
	"github.com/teranos/chainpulse/ledger"
	"github.com/teranos/chainpulse/logger"
)

// ShutdownTimeout bounds how long Stop waits for in-flight requests
const ShutdownTimeout = 10 * time.Second

// ServerState is the lifecycle state of the HTTP server
type ServerState int32

const (
	ServerStateRunning ServerState = iota
	ServerStateDraining
	ServerStateStopped
)

func (s ServerState) String() string {
	switch s {
	case ServerStateRunning:
		return "running"
	case ServerStateDraining:
		return "draining"
	case ServerStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// QueueStats reports trigger queue depth for /health
type QueueStats interface {
	Counts(ctx context.Context) (queued, running int, err error)
}

// Options wires the server to the execution core
type Options struct {
	Gate     *admission.Gate
	Limiter  *admission.RateLimiter
	Spend    *admission.SpendTracker
	Executor *execute.Executor
	Reader   *multicall.Reader
	Ledger   *ledger.Store
	Registry *failover.Registry
	Queue    QueueStats

	AllowedOrigins []string
	Logger         *zap.SugaredLogger
}

// Server serves the execution API
type Server struct {
	gate     *admission.Gate
	limiter  *admission.RateLimiter
	spend    *admission.SpendTracker
	executor *execute.Executor
	reader   *multicall.Reader
	ledger   *ledger.Store
	registry *failover.Registry
	queue    QueueStats

	mu             sync.RWMutex
	allowedOrigins []string

	events  *eventHub
	mux     *http.ServeMux
	http    *http.Server
	state   atomic.Int32
	started time.Time
	ctx     context.Context
	cancel  context.CancelFunc
	logger  *zap.SugaredLogger
}

// New creates a server and registers its routes
func New(opts Options) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		gate:           opts.Gate,
		limiter:        opts.Limiter,
		spend:          opts.Spend,
		executor:       opts.Executor,
		reader:         opts.Reader,
		ledger:         opts.Ledger,
		registry:       opts.Registry,
		queue:          opts.Queue,
		allowedOrigins: opts.AllowedOrigins,
		mux:            http.NewServeMux(),
		started:        time.Now(),
		ctx:            ctx,
		cancel:         cancel,
		logger:         logger.OrNop(opts.Logger).Named("server"),
	}
	s.events = newEventHub(ctx, s.logger)
	if s.registry != nil {
		s.registry.Bus().Subscribe(s.events.publishFailover)
	}
	if s.ledger != nil {
		s.ledger.Subscribe(s.events.publishTransition)
	}
	s.setupRoutes()
	return s
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.logRequests(s.mux)
}

// Start serves on addr until Stop is called
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", addr)
	}
	return s.Serve(ln)
}

// Serve serves on ln until Stop is called
func (s *Server) Serve(ln net.Listener) error {
	s.http = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return s.ctx },
	}
	s.logger.Infow("HTTP server listening", "addr", ln.Addr().String())
	if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "HTTP server failed")
	}
	return nil
}

// Stop drains in-flight requests, then closes event streams
func (s *Server) Stop() error {
	s.setState(ServerStateDraining)

	var err error
	if s.http != nil {
		ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		err = s.http.Shutdown(ctx)
	}
	s.cancel()
	s.events.closeAll()

	s.setState(ServerStateStopped)
	s.logger.Infow("Server shutdown complete", "event_drops", s.events.drops.Load())
	return err
}

// ApplyConfig applies reloadable settings: the rate limit, spending caps
// and allowed origins.
func (s *Server) ApplyConfig(cfg *am.Config) error {
	if s.limiter != nil {
		s.limiter.SetLimit(cfg.Admission.RequestsPerMinute)
	}
	if s.spend != nil {
		s.spend.SetConfig(cfg.Admission)
	}
	s.mu.Lock()
	s.allowedOrigins = cfg.Server.AllowedOrigins
	s.mu.Unlock()
	s.logger.Infow("Admission settings reloaded",
		"requests_per_minute", cfg.Admission.RequestsPerMinute,
		"daily_spend_cap", cfg.Admission.DailySpendCap)
	return nil
}

func (s *Server) getState() ServerState {
	return ServerState(s.state.Load())
}

func (s *Server) setState(state ServerState) {
	s.state.Store(int32(state))
	s.logger.Infow("Server state changed", "new_state", state.String())
}
