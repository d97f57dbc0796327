// Package core implements the transport-agnostic coordination service: a
// lease broker bounding concurrent file-access leases and a worker-pool
// tracker dividing a fixed core budget. Connection identity is an explicit
// parameter on every operation; nothing in this package knows about the
// network layer.
package core

import (
	"context"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/poold/internal/clock"
)

// Config parametrizes the coordination service.
type Config struct {
	// MaxLeases caps concurrently held file-access leases.
	MaxLeases int
	// CoreBudget is the fixed number of cores divided among worker pools.
	CoreBudget int
	// LeaseTTL is the lease duration applied on every obtain.
	LeaseTTL time.Duration
	// ObtainBlock bounds the obtain wait for a free permit; zero waits
	// forever (the reference behavior).
	ObtainBlock time.Duration

	Logger pslog.Logger
	Clock  clock.Clock
}

// Service aggregates the lease broker and the worker fair-share tracker.
// The two share no state beyond the metrics instrument set.
type Service struct {
	logger  pslog.Logger
	clock   clock.Clock
	metrics *coordMetrics
	workers *WorkerManager
	access  *AccessSync
}

// Stats is a point-in-time snapshot for health reporting.
type Stats struct {
	IssuedPermits     int `json:"issued"`
	Capacity          int `json:"capacity"`
	ActiveLeases      int `json:"active_leases"`
	RegisteredWorkers int `json:"registered_workers"`
	FairShare         int `json:"fair_share"`
}

// New constructs the core Service with sane defaults.
func New(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	metrics := newCoordMetrics(logger)
	return &Service{
		logger:  logger,
		clock:   clk,
		metrics: metrics,
		workers: NewWorkerManager(cfg.CoreBudget, clk, logger, metrics),
		access: NewAccessSync(AccessConfig{
			MaxLeases:   cfg.MaxLeases,
			LeaseTTL:    cfg.LeaseTTL,
			ObtainBlock: cfg.ObtainBlock,
			Clock:       clk,
			Logger:      logger,
			Metrics:     metrics,
		}),
	}
}

// Workers returns the worker fair-share tracker.
func (s *Service) Workers() *WorkerManager {
	return s.workers
}

// Access returns the lease broker.
func (s *Service) Access() *AccessSync {
	return s.access
}

// SweepExpired reclaims expired leases; invoked by the server's sweeper loop.
func (s *Service) SweepExpired(ctx context.Context) int {
	return s.access.SweepExpired(ctx)
}

// Stats snapshots broker and tracker state.
func (s *Service) Stats() Stats {
	return Stats{
		IssuedPermits:     s.access.Issued(),
		Capacity:          s.access.Capacity(),
		ActiveLeases:      s.access.ActiveLeases(),
		RegisteredWorkers: s.workers.Registered(),
		FairShare:         s.workers.FairShare(),
	}
}
