package poold

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/poold/internal/auth"
	"pkt.systems/poold/internal/clock"
	"pkt.systems/poold/internal/core"
	"pkt.systems/poold/internal/httpapi"
	"pkt.systems/poold/internal/session"
	"pkt.systems/poold/internal/svcfields"
)

// Server wraps the HTTP listener, the coordination core, the session
// registry, and the expiry sweeper. Both service surfaces (worker tracker
// and lease broker) share the one listener but no state.
type Server struct {
	cfg       Config
	logger    pslog.Logger
	clock     clock.Clock
	core      *core.Service
	handler   *httpapi.Handler
	sessions  *session.Registry
	httpSrv   *http.Server
	telemetry *telemetryBundle

	mu           sync.Mutex
	listener     net.Listener
	shutdown     bool
	sweeperStop  chan struct{}
	sweeperDone  sync.WaitGroup
	readyOnce    sync.Once
	readyCh      chan struct{}
	lastServeErr error
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger pslog.Logger
	Clock  clock.Clock
	Policy auth.Policy
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithClock injects a custom clock implementation (useful for tests).
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.Clock = c
	}
}

// WithPolicy substitutes the authorization policy; the default accepts
// every identity for every method.
func WithPolicy(p auth.Policy) Option {
	return func(o *options) {
		o.Policy = p
	}
}

// NewServer constructs a poold server according to cfg.
// Example:
//
//	cfg := poold.Config{Listen: ":9573", MaxLeases: 16, CoreBudget: 64}
//	srv, err := poold.NewServer(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Start()
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger := o.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	clk := o.Clock
	if clk == nil {
		clk = clock.Real{}
	}

	// The telemetry bundle installs the global meter provider; build it
	// before core so the instruments bind to the real provider.
	telemetry, err := newTelemetryBundle(cfg, logger)
	if err != nil {
		return nil, err
	}

	svc := core.New(core.Config{
		MaxLeases:   cfg.MaxLeases,
		CoreBudget:  cfg.CoreBudget,
		LeaseTTL:    cfg.LeaseTTL,
		ObtainBlock: cfg.ObtainBlock,
		Logger:      logger,
		Clock:       clk,
	})
	handler := httpapi.NewHandler(httpapi.Config{
		Core:         svc,
		Policy:       o.Policy,
		Logger:       logger,
		JSONMaxBytes: cfg.JSONMaxBytes,
	})
	// Every stateful component observes session teardown; the transport
	// delivers each disconnect exactly once.
	sessions := session.NewRegistry(logger, svc.Workers(), svc.Access())

	mux := http.NewServeMux()
	handler.Register(mux)

	s := &Server{
		cfg:       cfg,
		logger:    svcfields.WithSubsystem(logger, "server"),
		clock:     clk,
		core:      svc,
		handler:   handler,
		sessions:  sessions,
		telemetry: telemetry,
		readyCh:   make(chan struct{}),
	}
	s.httpSrv = &http.Server{
		Handler:     mux,
		ConnContext: sessions.ConnContext,
		ConnState:   sessions.ConnState,
	}
	return s, nil
}

// Handler exposes the HTTP handler for in-process callers and tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Core exposes the coordination service for in-process callers and tests.
func (s *Server) Core() *core.Service {
	return s.core
}

// Start binds the listener and serves until Shutdown. It blocks; run it in
// a goroutine when the caller needs to keep working.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen (tcp %s): %w", s.cfg.Listen, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.signalReady()
	s.logger.Info("listening", "address", ln.Addr().String(),
		"maxleases", s.cfg.MaxLeases, "core_budget", s.cfg.CoreBudget,
		"lease_ttl", s.cfg.LeaseTTL, "sweep_interval", s.cfg.SweepInterval)
	if s.telemetry != nil {
		s.telemetry.Start()
	}
	s.startSweeper()
	defer s.stopSweeper()
	serveErr := s.httpSrv.Serve(ln)
	s.recordServeErr(serveErr)
	if errors.Is(serveErr, http.ErrServerClosed) {
		return nil
	}
	if serveErr != nil {
		return fmt.Errorf("http serve: %w", serveErr)
	}
	return nil
}

// Shutdown stops the sweeper, drains the HTTP server, and releases the
// telemetry listeners. Safe to call more than once.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.mu.Unlock()

	if err := s.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http shutdown: %w", err)
	}
	s.mu.Lock()
	if s.listener != nil {
		_ = s.listener.Close()
		s.listener = nil
	}
	s.mu.Unlock()
	s.stopSweeper()
	if s.telemetry != nil {
		telemetryCtx := ctx
		if telemetryCtx.Err() != nil {
			var cancel context.CancelFunc
			telemetryCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
		}
		if err := s.telemetry.Shutdown(telemetryCtx); err != nil {
			return err
		}
		s.telemetry = nil
	}
	if err := s.LastServeError(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close gracefully shuts the server down using a background context.
func (s *Server) Close() error {
	return s.Shutdown(context.Background())
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() {
		close(s.readyCh)
	})
}

// WaitUntilReady blocks until the listener is bound or ctx ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound listener address once available.
func (s *Server) ListenerAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

// startSweeper launches the background expiry sweep loop. The loop is
// explicitly stoppable so shutdown and tests are deterministic; no hidden
// goroutine outlives the server.
func (s *Server) startSweeper() {
	if s.cfg.SweepInterval <= 0 {
		return
	}
	s.mu.Lock()
	if s.sweeperStop != nil {
		s.mu.Unlock()
		return
	}
	s.sweeperStop = make(chan struct{})
	s.sweeperDone.Add(1)
	stopCh := s.sweeperStop
	interval := s.cfg.SweepInterval
	s.mu.Unlock()

	sweepCtx := context.Background()
	logger := svcfields.WithSubsystem(s.logger, "sweeper")
	go func() {
		defer s.sweeperDone.Done()
		for {
			select {
			case <-stopCh:
				return
			case <-s.clock.After(interval):
				if n := s.core.SweepExpired(sweepCtx); n > 0 {
					logger.Info("sweep.reclaimed", "leases", n)
				}
			}
		}
	}()
}

func (s *Server) stopSweeper() {
	s.mu.Lock()
	stopCh := s.sweeperStop
	s.sweeperStop = nil
	s.mu.Unlock()
	if stopCh == nil {
		return
	}
	close(stopCh)
	s.sweeperDone.Wait()
}

func (s *Server) recordServeErr(err error) {
	s.mu.Lock()
	s.lastServeErr = err
	s.mu.Unlock()
}

// LastServeError reports the terminal error from Serve, if any.
func (s *Server) LastServeError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastServeErr
}
