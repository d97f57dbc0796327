// Package api defines the JSON wire types for the poold coordination
// service. Connection identity never appears here: the transport supplies
// it, callers cannot.
package api

// RegisterRequest models the JSON payload for POST /v1/register.
type RegisterRequest struct {
	// Workers is the pool's worker-count hint, kept for bookkeeping.
	Workers int `json:"workers"`
}

// NWorkersResponse is returned by GET /v1/nworkers.
type NWorkersResponse struct {
	// Share is the caller's current equal share of the core budget, always
	// at least 1. Recomputed from live membership on every call.
	Share int `json:"share"`
}

// ObtainRequest models the JSON payload for POST /v1/obtain.
type ObtainRequest struct {
	// Key identifies the file the caller wants lease-covered access to.
	Key string `json:"key"`
}

// ObtainResponse reports the obtain outcome.
type ObtainResponse struct {
	// Granted is true when the lease covers the requested key. False means
	// the optional wait timeout elapsed before a permit freed.
	Granted bool `json:"granted"`
	// Renewed is true when an existing lease was refreshed rather than a
	// new permit consumed.
	Renewed bool `json:"renewed,omitempty"`
	// ExpiresAt is the lease expiry as a Unix timestamp in seconds.
	ExpiresAt int64 `json:"expires_at_unix,omitempty"`
}

// ReleaseRequest models the JSON payload for POST /v1/release. An empty or
// absent key releases every file the caller holds.
type ReleaseRequest struct {
	// Key identifies the file to release; empty releases all.
	Key string `json:"key,omitempty"`
}

// ReleaseResponse reports the release outcome.
type ReleaseResponse struct {
	// Released is false when there was nothing to do: duplicate and late
	// releases are safe no-ops, not errors.
	Released bool `json:"released"`
}

// HealthResponse is returned by GET /v1/healthz.
type HealthResponse struct {
	// Status is "ok" while the service is accepting calls.
	Status string `json:"status"`
	// Issued is the number of outstanding lease permits.
	Issued int `json:"issued"`
	// Capacity is the configured maximum number of concurrent leases.
	Capacity int `json:"capacity"`
	// Workers is the number of registered worker pools.
	Workers int `json:"workers"`
	// FairShare is the per-pool core share at this instant.
	FairShare int `json:"fair_share"`
}

// ErrorResponse is the canonical error envelope for API errors.
type ErrorResponse struct {
	// ErrorCode is the stable poold error identifier.
	ErrorCode string `json:"error"`
	// Detail provides human-readable diagnostic context for the error.
	Detail string `json:"detail,omitempty"`
}
