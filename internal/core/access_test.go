package core

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"pkt.systems/poold/internal/clock"
)

func newTestAccess(t *testing.T, maxLeases int, ttl time.Duration, clk clock.Clock) *AccessSync {
	t.Helper()
	return NewAccessSync(AccessConfig{
		MaxLeases: maxLeases,
		LeaseTTL:  ttl,
		Clock:     clk,
	})
}

func checkInvariant(t *testing.T, a *AccessSync) {
	t.Helper()
	if issued, records := a.Issued(), a.ActiveLeases(); issued != records {
		t.Fatalf("issued permits (%d) != live lease records (%d)", issued, records)
	}
	if a.Issued() > a.Capacity() {
		t.Fatalf("issued permits (%d) exceed capacity (%d)", a.Issued(), a.Capacity())
	}
}

func TestObtainGrantsAndConsumesOnePermit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	a := newTestAccess(t, 2, 10*time.Second, nil)

	res, err := a.Obtain(ctx, "worker-a", "f1")
	if err != nil {
		t.Fatalf("obtain: %v", err)
	}
	if !res.Granted || res.Renewed {
		t.Fatalf("expected fresh grant, got %+v", res)
	}
	if a.Issued() != 1 {
		t.Fatalf("expected 1 issued permit, got %d", a.Issued())
	}
	checkInvariant(t, a)
}

func TestObtainRenewalConsumesNoExtraPermit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	clk := clock.NewManual(start)
	a := newTestAccess(t, 4, 10*time.Second, clk)

	first, err := a.Obtain(ctx, "worker-a", "f1")
	if err != nil {
		t.Fatalf("first obtain: %v", err)
	}
	clk.Advance(3 * time.Second)
	second, err := a.Obtain(ctx, "worker-a", "f2")
	if err != nil {
		t.Fatalf("second obtain: %v", err)
	}
	if !second.Granted || !second.Renewed {
		t.Fatalf("expected renewal, got %+v", second)
	}
	if !second.ExpiresAt.After(first.ExpiresAt) {
		t.Fatalf("expiry not refreshed: first %v, second %v", first.ExpiresAt, second.ExpiresAt)
	}
	if a.Issued() != 1 {
		t.Fatalf("two obtains from one identity consumed %d permits, want 1", a.Issued())
	}
	if files := a.HeldFiles("worker-a"); len(files) != 2 {
		t.Fatalf("expected 2 held files, got %v", files)
	}
	checkInvariant(t, a)
}

func TestReleaseIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	a := newTestAccess(t, 2, 10*time.Second, nil)

	if _, err := a.Obtain(ctx, "worker-a", "f1"); err != nil {
		t.Fatalf("obtain: %v", err)
	}
	if !a.Release(ctx, "worker-a", "f1") {
		t.Fatal("first release should report released")
	}
	if a.Issued() != 0 {
		t.Fatalf("expected permit freed, issued=%d", a.Issued())
	}
	if a.Release(ctx, "worker-a", "f1") {
		t.Fatal("duplicate release should report nothing to do")
	}
	if a.Release(ctx, "nobody", "f1") {
		t.Fatal("release for unknown identity should report nothing to do")
	}
	if a.Issued() != 0 {
		t.Fatalf("idempotent releases changed permit count: %d", a.Issued())
	}
	checkInvariant(t, a)
}

func TestReleaseFreesPermitOnlyWhenFileSetEmpties(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	a := newTestAccess(t, 2, 10*time.Second, nil)

	if _, err := a.Obtain(ctx, "worker-a", "f1"); err != nil {
		t.Fatalf("obtain f1: %v", err)
	}
	if _, err := a.Obtain(ctx, "worker-a", "f2"); err != nil {
		t.Fatalf("obtain f2: %v", err)
	}
	a.Release(ctx, "worker-a", "f1")
	if a.Issued() != 1 {
		t.Fatalf("permit freed while files still held, issued=%d", a.Issued())
	}
	a.Release(ctx, "worker-a", "f2")
	if a.Issued() != 0 {
		t.Fatalf("permit not freed after last file released, issued=%d", a.Issued())
	}
	checkInvariant(t, a)
}

func TestReleaseAllClearsRecord(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	a := newTestAccess(t, 2, 10*time.Second, nil)

	for _, key := range []string{"a", "b", "c"} {
		if _, err := a.Obtain(ctx, "worker-a", key); err != nil {
			t.Fatalf("obtain %s: %v", key, err)
		}
	}
	if !a.ReleaseAll(ctx, "worker-a") {
		t.Fatal("expected release-all to report released")
	}
	if a.Issued() != 0 || a.ActiveLeases() != 0 {
		t.Fatalf("release-all left state behind: issued=%d records=%d", a.Issued(), a.ActiveLeases())
	}
	if a.ReleaseAll(ctx, "worker-a") {
		t.Fatal("second release-all should be a no-op")
	}
	checkInvariant(t, a)
}

func TestDisconnectCleansUpLease(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	a := newTestAccess(t, 2, 10*time.Second, nil)

	if _, err := a.Obtain(ctx, "worker-x", "a"); err != nil {
		t.Fatalf("obtain a: %v", err)
	}
	if _, err := a.Obtain(ctx, "worker-x", "b"); err != nil {
		t.Fatalf("obtain b: %v", err)
	}
	a.OnDisconnect("worker-x")
	if a.Issued() != 0 {
		t.Fatalf("disconnect did not free the permit, issued=%d", a.Issued())
	}
	if files := a.HeldFiles("worker-x"); files != nil {
		t.Fatalf("record survived disconnect: %v", files)
	}
	a.OnDisconnect("worker-x")
	checkInvariant(t, a)
}

func TestBlockedObtainResolvesWhenPermitFrees(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	a := newTestAccess(t, 2, 10*time.Second, nil)

	if _, err := a.Obtain(ctx, "A", "f1"); err != nil {
		t.Fatalf("A obtain: %v", err)
	}
	if _, err := a.Obtain(ctx, "B", "f2"); err != nil {
		t.Fatalf("B obtain: %v", err)
	}
	if a.Issued() != 2 {
		t.Fatalf("expected 2/2 issued, got %d", a.Issued())
	}

	granted := make(chan ObtainResult, 1)
	go func() {
		res, err := a.Obtain(ctx, "C", "f3")
		if err != nil {
			t.Errorf("C obtain: %v", err)
		}
		granted <- res
	}()

	select {
	case res := <-granted:
		t.Fatalf("C obtained while pool was exhausted: %+v", res)
	case <-time.After(100 * time.Millisecond):
	}

	if !a.Release(ctx, "A", "f1") {
		t.Fatal("A release failed")
	}

	select {
	case res := <-granted:
		if !res.Granted {
			t.Fatalf("C should be granted after A released, got %+v", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("C's blocked obtain did not resolve after a permit freed")
	}
	if a.Issued() != 2 {
		t.Fatalf("expected 2/2 issued after handoff, got %d", a.Issued())
	}
	checkInvariant(t, a)
}

func TestObtainWaitTimeoutDenies(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	a := NewAccessSync(AccessConfig{
		MaxLeases:   1,
		LeaseTTL:    10 * time.Second,
		ObtainBlock: 50 * time.Millisecond,
	})

	if _, err := a.Obtain(ctx, "holder", "f1"); err != nil {
		t.Fatalf("holder obtain: %v", err)
	}
	res, err := a.Obtain(ctx, "waiter", "f2")
	if err != nil {
		t.Fatalf("waiter obtain: %v", err)
	}
	if res.Granted {
		t.Fatalf("expected denied after wait timeout, got %+v", res)
	}
	if a.Issued() != 1 {
		t.Fatalf("denied obtain leaked a permit, issued=%d", a.Issued())
	}
	checkInvariant(t, a)
}

func TestConcurrentObtainsFromOneIdentityHoldOnePermit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	a := newTestAccess(t, 2, 10*time.Second, nil)

	const callers = 16
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			res, err := a.Obtain(ctx, "shared", fmt.Sprintf("file-%d", n))
			if err != nil {
				t.Errorf("obtain %d: %v", n, err)
				return
			}
			if !res.Granted {
				t.Errorf("obtain %d denied", n)
			}
		}(i)
	}
	wg.Wait()

	if a.Issued() != 1 {
		t.Fatalf("one logical client consumed %d permits", a.Issued())
	}
	if files := a.HeldFiles("shared"); len(files) != callers {
		t.Fatalf("expected %d held files, got %d", callers, len(files))
	}
	checkInvariant(t, a)
}

func TestSweepReclaimsExpiredLease(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewManual(start)
	a := newTestAccess(t, 1, 10*time.Second, clk)

	if _, err := a.Obtain(ctx, "crashed", "f1"); err != nil {
		t.Fatalf("obtain: %v", err)
	}
	clk.Advance(9 * time.Second)
	if n := a.SweepExpired(ctx); n != 0 {
		t.Fatalf("sweep reclaimed a live lease: %d", n)
	}
	clk.Advance(time.Second)
	if n := a.SweepExpired(ctx); n != 1 {
		t.Fatalf("sweep should reclaim exactly the expired lease, got %d", n)
	}
	if a.Issued() != 0 {
		t.Fatalf("sweep did not free the permit, issued=%d", a.Issued())
	}

	// The reclaimed permit is immediately available to another identity.
	res, err := a.Obtain(ctx, "next", "f2")
	if err != nil {
		t.Fatalf("obtain after sweep: %v", err)
	}
	if !res.Granted {
		t.Fatalf("expected grant after reclamation, got %+v", res)
	}
	checkInvariant(t, a)
}

func TestSweepRenewalKeepsLeaseAlive(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewManual(start)
	a := newTestAccess(t, 1, 10*time.Second, clk)

	if _, err := a.Obtain(ctx, "live", "f1"); err != nil {
		t.Fatalf("obtain: %v", err)
	}
	clk.Advance(8 * time.Second)
	if _, err := a.Obtain(ctx, "live", "f1"); err != nil {
		t.Fatalf("renewal: %v", err)
	}
	clk.Advance(8 * time.Second)
	if n := a.SweepExpired(ctx); n != 0 {
		t.Fatalf("renewed lease swept: %d", n)
	}
	clk.Advance(3 * time.Second)
	if n := a.SweepExpired(ctx); n != 1 {
		t.Fatalf("expired lease not swept: %d", n)
	}
	checkInvariant(t, a)
}

func TestReleaseRacingSweepStaysConsistent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewManual(start)
	a := newTestAccess(t, 4, 10*time.Second, clk)

	if _, err := a.Obtain(ctx, "racer", "f1"); err != nil {
		t.Fatalf("obtain: %v", err)
	}
	clk.Advance(11 * time.Second)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		a.Release(ctx, "racer", "f1")
	}()
	go func() {
		defer wg.Done()
		a.SweepExpired(ctx)
	}()
	wg.Wait()

	if a.Issued() != 0 {
		t.Fatalf("release/sweep race double-counted permits: issued=%d", a.Issued())
	}
	if a.ActiveLeases() != 0 {
		t.Fatalf("record survived release/sweep race")
	}
	checkInvariant(t, a)
}

func TestObtainValidatesInput(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	a := newTestAccess(t, 1, 10*time.Second, nil)

	if _, err := a.Obtain(ctx, "", "f1"); err == nil {
		t.Fatal("expected failure for empty identity")
	}
	if _, err := a.Obtain(ctx, "id", ""); err == nil {
		t.Fatal("expected failure for empty file key")
	}
	if a.Issued() != 0 {
		t.Fatalf("invalid obtains consumed permits: %d", a.Issued())
	}
}
