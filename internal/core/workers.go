package core

import (
	"net/http"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/poold/internal/clock"
	"pkt.systems/poold/internal/svcfields"
)

type registration struct {
	workers  int
	joinedAt time.Time
}

// WorkerManager tracks the worker-pool connections currently checked in and
// divides the fixed core budget equally among them. Its lock is independent
// of the lease broker's; the two are never held together.
type WorkerManager struct {
	logger  pslog.Logger
	clock   clock.Clock
	metrics *coordMetrics

	mu         sync.Mutex
	coreBudget int
	regs       map[string]registration
}

// NewWorkerManager constructs a manager dividing coreBudget among
// registrants.
func NewWorkerManager(coreBudget int, clk clock.Clock, logger pslog.Logger, metrics *coordMetrics) *WorkerManager {
	if coreBudget < 1 {
		coreBudget = 1
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &WorkerManager{
		logger:     svcfields.WithSubsystem(logger, "core.workers"),
		clock:      clk,
		metrics:    metrics,
		coreBudget: coreBudget,
		regs:       make(map[string]registration),
	}
}

// Register adds identity to the registration set. The transport contract is
// one registration per session, so a duplicate identity is an internal
// invariant violation rather than a recoverable caller error. The workers
// argument is a capacity hint kept for bookkeeping only.
func (w *WorkerManager) Register(identity string, workers int) error {
	if identity == "" {
		return failInvalid("missing_identity", "identity required for register")
	}
	w.mu.Lock()
	if _, ok := w.regs[identity]; ok {
		w.mu.Unlock()
		w.logger.Error("worker.register.duplicate", "identity", identity)
		return Failure{
			Code:       "already_registered",
			Detail:     "identity already registered on a live session",
			HTTPStatus: http.StatusInternalServerError,
		}
	}
	w.regs[identity] = registration{workers: workers, joinedAt: w.clock.Now()}
	active := len(w.regs)
	w.mu.Unlock()

	w.metrics.addActiveWorkers(1)
	w.logger.Info("worker.register", "identity", identity, "workers_hint", workers, "active", active)
	return nil
}

// OnDisconnect removes identity from the registration set. Absence is not an
// error: the disconnect may follow an already-handled cleanup.
func (w *WorkerManager) OnDisconnect(identity string) {
	w.mu.Lock()
	_, ok := w.regs[identity]
	if ok {
		delete(w.regs, identity)
	}
	active := len(w.regs)
	w.mu.Unlock()

	if !ok {
		w.logger.Debug("worker.disconnect.unknown", "identity", identity)
		return
	}
	w.metrics.addActiveWorkers(-1)
	w.logger.Info("worker.disconnect", "identity", identity, "active", active)
}

// FairShare returns each registered pool's equal share of the core budget,
// never less than 1. The policy is pull-based and non-sticky: every call
// recomputes from current membership, and a pool only observes a new share
// the next time it asks.
func (w *WorkerManager) FairShare() int {
	w.mu.Lock()
	n := len(w.regs)
	w.mu.Unlock()
	if n < 1 {
		n = 1
	}
	share := w.coreBudget / n
	if share < 1 {
		share = 1
	}
	return share
}

// Registered reports the current registration count.
func (w *WorkerManager) Registered() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.regs)
}

// CoreBudget reports the fixed budget configured at startup.
func (w *WorkerManager) CoreBudget() int {
	return w.coreBudget
}
