package core

import (
	"context"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/poold/internal/clock"
	"pkt.systems/poold/internal/svcfields"
)

// leaseRecord exists for an identity exactly while that identity holds one
// permit. The file set is never empty while the record lives.
type leaseRecord struct {
	expiresAt time.Time
	files     map[string]struct{}
}

// admission serializes the obtain sequence per identity. Without it, two
// concurrent obtain calls from the same not-yet-leased identity could both
// miss the renewal fast path and each consume a permit for one logical
// client.
type admission struct {
	mu   sync.Mutex
	refs int
}

// AccessSync is the lease broker: a mutex-guarded lease store combined with
// a bounded permit pool. Obtain blocks while the pool is exhausted; Release,
// OnDisconnect, and SweepExpired only hold the store lock for short critical
// sections. The store lock is never held while waiting on the pool.
type AccessSync struct {
	logger  pslog.Logger
	clock   clock.Clock
	metrics *coordMetrics
	permits *permitPool
	ttl     time.Duration
	block   time.Duration

	mu         sync.Mutex
	records    map[string]*leaseRecord
	admissions map[string]*admission
}

// ObtainResult reports the outcome of an Obtain call.
type ObtainResult struct {
	// Granted is false only when the optional wait timeout elapsed or the
	// caller's context ended before a permit freed.
	Granted bool
	// Renewed reports the fast path: the identity already held a lease and
	// no extra permit was consumed.
	Renewed bool
	// ExpiresAt is the lease expiry after a granted obtain.
	ExpiresAt time.Time
}

// AccessConfig parametrizes the lease broker.
type AccessConfig struct {
	// MaxLeases caps concurrently held leases (permit pool capacity).
	MaxLeases int
	// LeaseTTL is the lease duration applied on every obtain.
	LeaseTTL time.Duration
	// ObtainBlock bounds how long an obtain waits for a free permit.
	// Zero keeps the reference behavior: wait until a permit frees or the
	// process terminates.
	ObtainBlock time.Duration

	Clock   clock.Clock
	Logger  pslog.Logger
	Metrics *coordMetrics
}

// NewAccessSync constructs the lease broker.
func NewAccessSync(cfg AccessConfig) *AccessSync {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	ttl := cfg.LeaseTTL
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &AccessSync{
		logger:     svcfields.WithSubsystem(cfg.Logger, "core.access"),
		clock:      clk,
		metrics:    cfg.Metrics,
		permits:    newPermitPool(cfg.MaxLeases),
		ttl:        ttl,
		block:      cfg.ObtainBlock,
		records:    make(map[string]*leaseRecord),
		admissions: make(map[string]*admission),
	}
}

// Obtain grants identity access to fileKey under a lease. A live lease is
// renewed in place (expiry refreshed, key added, no permit consumed); a
// fresh lease first waits for a permit from the pool. The per-identity
// admission lock keeps concurrent obtains from the same identity correct.
func (a *AccessSync) Obtain(ctx context.Context, identity, fileKey string) (ObtainResult, error) {
	if identity == "" {
		return ObtainResult{}, failInvalid("missing_identity", "identity required for obtain")
	}
	if fileKey == "" {
		return ObtainResult{}, failInvalid("missing_key", "file key required for obtain")
	}

	adm := a.admit(identity)
	adm.mu.Lock()
	defer func() {
		adm.mu.Unlock()
		a.unadmit(identity, adm)
	}()

	a.mu.Lock()
	if rec, ok := a.records[identity]; ok {
		rec.files[fileKey] = struct{}{}
		rec.expiresAt = a.clock.Now().Add(a.ttl)
		res := ObtainResult{Granted: true, Renewed: true, ExpiresAt: rec.expiresAt}
		held := len(rec.files)
		a.mu.Unlock()
		a.metrics.recordObtain(ctx, "renewed", 0)
		a.logger.Debug("lease.obtain.renewed", "identity", identity, "key", fileKey, "files", held)
		return res, nil
	}
	a.mu.Unlock()

	waitCtx := ctx
	if a.block > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, a.block)
		defer cancel()
	}
	waitStart := a.clock.Now()
	if err := a.permits.Acquire(waitCtx); err != nil {
		wait := a.clock.Now().Sub(waitStart)
		a.metrics.recordObtain(ctx, "denied", wait)
		a.logger.Info("lease.obtain.denied", "identity", identity, "key", fileKey,
			"waited", wait, "reason", err)
		return ObtainResult{}, nil
	}
	wait := a.clock.Now().Sub(waitStart)

	a.mu.Lock()
	rec := &leaseRecord{
		expiresAt: a.clock.Now().Add(a.ttl),
		files:     map[string]struct{}{fileKey: {}},
	}
	a.records[identity] = rec
	res := ObtainResult{Granted: true, ExpiresAt: rec.expiresAt}
	a.mu.Unlock()

	a.metrics.addActiveLeases(1)
	a.metrics.recordObtain(ctx, "granted", wait)
	a.logger.Info("lease.obtain.granted", "identity", identity, "key", fileKey,
		"waited", wait, "issued", a.permits.Issued())
	return res, nil
}

// Release removes fileKey from identity's lease. A missing record or key is
// a tolerated no-op. When the file set becomes empty the record is deleted
// and exactly one permit returns to the pool: accounting is per connection,
// never per file.
func (a *AccessSync) Release(ctx context.Context, identity, fileKey string) bool {
	if identity == "" || fileKey == "" {
		return false
	}
	a.mu.Lock()
	rec, ok := a.records[identity]
	if !ok {
		a.mu.Unlock()
		a.metrics.recordRelease(ctx, "noop")
		a.logger.Debug("lease.release.unknown_identity", "identity", identity, "key", fileKey)
		return false
	}
	if _, held := rec.files[fileKey]; !held {
		a.mu.Unlock()
		a.metrics.recordRelease(ctx, "noop")
		a.logger.Debug("lease.release.unknown_key", "identity", identity, "key", fileKey)
		return false
	}
	delete(rec.files, fileKey)
	freed := false
	if len(rec.files) == 0 {
		a.dropRecordLocked(identity)
		freed = true
	}
	a.mu.Unlock()

	a.metrics.recordRelease(ctx, "released")
	a.logger.Info("lease.release", "identity", identity, "key", fileKey, "permit_freed", freed)
	return true
}

// ReleaseAll clears identity's entire file set and returns its permit.
// No-op when no lease exists.
func (a *AccessSync) ReleaseAll(ctx context.Context, identity string) bool {
	if identity == "" {
		return false
	}
	a.mu.Lock()
	_, ok := a.records[identity]
	if ok {
		a.dropRecordLocked(identity)
	}
	a.mu.Unlock()

	if !ok {
		a.metrics.recordRelease(ctx, "noop")
		a.logger.Debug("lease.release_all.unknown_identity", "identity", identity)
		return false
	}
	a.metrics.recordRelease(ctx, "released")
	a.logger.Info("lease.release_all", "identity", identity)
	return true
}

// OnDisconnect discards identity's lease when the transport reports the
// session gone. Equivalent to ReleaseAll.
func (a *AccessSync) OnDisconnect(identity string) {
	if a.ReleaseAll(context.Background(), identity) {
		a.logger.Info("lease.disconnect.reclaimed", "identity", identity)
	}
}

// SweepExpired force-frees every lease whose expiry has passed, regardless
// of outstanding file keys, and returns the number reclaimed. The holder is
// not notified; reclaiming capacity from crashed clients wins over lease
// ownership.
func (a *AccessSync) SweepExpired(ctx context.Context) int {
	now := a.clock.Now()
	type reclaimed struct {
		identity string
		files    int
		expired  time.Time
	}
	var swept []reclaimed

	a.mu.Lock()
	for identity, rec := range a.records {
		if rec.expiresAt.After(now) {
			continue
		}
		swept = append(swept, reclaimed{identity: identity, files: len(rec.files), expired: rec.expiresAt})
		a.dropRecordLocked(identity)
	}
	a.mu.Unlock()

	for _, r := range swept {
		a.logger.Warn("lease.sweep.expired", "identity", r.identity,
			"files", r.files, "expired_at", r.expired)
	}
	a.metrics.recordSwept(ctx, len(swept))
	return len(swept)
}

// dropRecordLocked deletes identity's record and returns its permit. It is
// the single place a record dies, which keeps release, disconnect, and the
// sweeper idempotent against each other: whoever finds the record still
// present frees the permit, everyone else sees a no-op.
func (a *AccessSync) dropRecordLocked(identity string) {
	delete(a.records, identity)
	a.permits.Release()
	a.metrics.addActiveLeases(-1)
}

// admit returns identity's admission lock, creating it on demand. The
// refcount keeps the lock alive while any obtain is in flight so that late
// arrivals always contend on the same mutex.
func (a *AccessSync) admit(identity string) *admission {
	a.mu.Lock()
	defer a.mu.Unlock()
	adm := a.admissions[identity]
	if adm == nil {
		adm = &admission{}
		a.admissions[identity] = adm
	}
	adm.refs++
	return adm
}

func (a *AccessSync) unadmit(identity string, adm *admission) {
	a.mu.Lock()
	defer a.mu.Unlock()
	adm.refs--
	if adm.refs == 0 {
		delete(a.admissions, identity)
	}
}

// Issued reports outstanding permits; it always equals the number of live
// lease records.
func (a *AccessSync) Issued() int {
	return a.permits.Issued()
}

// Capacity reports the configured maximum number of concurrent leases.
func (a *AccessSync) Capacity() int {
	return a.permits.Capacity()
}

// ActiveLeases reports the number of live lease records.
func (a *AccessSync) ActiveLeases() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.records)
}

// HeldFiles returns a copy of identity's held file set, nil when no lease
// exists.
func (a *AccessSync) HeldFiles(identity string) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	rec, ok := a.records[identity]
	if !ok {
		return nil
	}
	files := make([]string, 0, len(rec.files))
	for f := range rec.files {
		files = append(files, f)
	}
	return files
}
