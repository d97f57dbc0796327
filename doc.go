// Package poold exposes the Go APIs behind the worker-checkin coordination
// daemon used by survey-database compute clusters. The server brokers
// time-bounded file-access leases from a bounded permit pool and divides a
// fixed core budget equally among registered worker pools. Both services
// share one listener; per-connection identity is supplied by the transport
// and a disconnect discards all state keyed by it.
//
// # Running a server
//
//	cfg := poold.Config{
//	    Listen:     ":9573",
//	    MaxLeases:  16,
//	    CoreBudget: 64,
//	}
//	srv, err := poold.NewServer(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go func() {
//	    if err := srv.Start(); err != nil {
//	        log.Fatalf("poold: %v", err)
//	    }
//	}()
//	defer srv.Close()
//
// Leases expire LeaseTTL after their last obtain; a background sweeper
// reclaims them every SweepInterval so crashed clients cannot pin permits.
// A client blocked waiting for a permit has no cancellation path unless
// ObtainBlock is set: that is the documented reference behavior, not an
// oversight.
package poold
