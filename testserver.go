package poold

import (
	"context"
	"fmt"
	"testing"
	"time"

	"pkt.systems/poold/client"
	"pkt.systems/poold/internal/clock"
	"pkt.systems/pslog"
)

// TestServer runs a real poold server on a loopback listener for tests and
// examples.
type TestServer struct {
	Server  *Server
	BaseURL string

	startErr chan error
}

// TestServerOption tweaks the test server configuration.
type TestServerOption func(*testServerOptions)

type testServerOptions struct {
	cfg     Config
	cfgSet  bool
	logger  pslog.Logger
	clock   clock.Clock
	timeout time.Duration
}

// WithTestConfig replaces the default test configuration.
func WithTestConfig(cfg Config) TestServerOption {
	return func(o *testServerOptions) {
		o.cfg = cfg
		o.cfgSet = true
	}
}

// WithTestLogger supplies a logger for the test server.
func WithTestLogger(logger pslog.Logger) TestServerOption {
	return func(o *testServerOptions) {
		o.logger = logger
	}
}

// WithTestClock injects a manual clock so lease expiry is test-driven.
func WithTestClock(c clock.Clock) TestServerOption {
	return func(o *testServerOptions) {
		o.clock = c
	}
}

// StartTestServer boots a server bound to an ephemeral loopback port and
// registers cleanup with t. It returns once the listener is accepting.
func StartTestServer(t testing.TB, opts ...TestServerOption) *TestServer {
	t.Helper()
	o := testServerOptions{
		cfg: Config{
			Listen:        "127.0.0.1:0",
			MaxLeases:     4,
			CoreBudget:    8,
			LeaseTTL:      10 * time.Second,
			SweepInterval: 50 * time.Millisecond,
		},
		timeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.cfgSet && o.cfg.Listen == "" {
		o.cfg.Listen = "127.0.0.1:0"
	}

	var srvOpts []Option
	if o.logger != nil {
		srvOpts = append(srvOpts, WithLogger(o.logger))
	}
	if o.clock != nil {
		srvOpts = append(srvOpts, WithClock(o.clock))
	}
	srv, err := NewServer(o.cfg, srvOpts...)
	if err != nil {
		t.Fatalf("testserver: %v", err)
	}

	ts := &TestServer{Server: srv, startErr: make(chan error, 1)}
	go func() {
		ts.startErr <- srv.Start()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
	defer cancel()
	if err := srv.WaitUntilReady(ctx); err != nil {
		t.Fatalf("testserver did not become ready: %v", err)
	}
	addr := srv.ListenerAddr()
	if addr == nil {
		t.Fatal("testserver ready without a listener address")
	}
	ts.BaseURL = fmt.Sprintf("http://%s", addr)

	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), o.timeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			t.Errorf("testserver shutdown: %v", err)
		}
		if err := <-ts.startErr; err != nil {
			t.Errorf("testserver serve: %v", err)
		}
	})
	return ts
}

// NewClient returns a client configured against the test server. Each
// client gets its own connection and therefore its own identity.
func (ts *TestServer) NewClient(opts ...client.Option) *client.Client {
	return client.New(ts.BaseURL, opts...)
}
