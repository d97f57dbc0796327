// Package session binds per-connection identity to request contexts and
// fans disconnect notifications out to lifecycle observers. It is the only
// place that knows the coordination service runs over a network transport.
package session

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"sync"

	"github.com/rs/xid"
	"pkt.systems/pslog"

	"pkt.systems/poold/internal/svcfields"
)

type contextKey struct{}

// Observer receives the disconnect notification for a terminated session.
// Each stateful service component registers one and must treat the call as
// the sole signal to discard all state keyed by that identity.
type Observer interface {
	OnDisconnect(identity string)
}

// Registry mints a stable identity per live connection and guarantees each
// observer sees exactly one OnDisconnect per terminated connection.
type Registry struct {
	logger    pslog.Logger
	observers []Observer

	mu    sync.Mutex
	conns map[net.Conn]string
}

// NewRegistry constructs a Registry notifying the supplied observers.
// Observers are fixed at construction; the transport starts accepting only
// after every stateful component is wired.
func NewRegistry(logger pslog.Logger, observers ...Observer) *Registry {
	return &Registry{
		logger:    svcfields.WithSubsystem(logger, "session"),
		observers: observers,
		conns:     make(map[net.Conn]string),
	}
}

// ConnContext stamps the connection's identity into ctx. Wired to
// http.Server.ConnContext, so every request served on the connection
// carries the same identity.
func (r *Registry) ConnContext(ctx context.Context, c net.Conn) context.Context {
	identity := r.identityFor(c)
	return context.WithValue(ctx, contextKey{}, identity)
}

// ConnState tracks connection lifecycle. Wired to http.Server.ConnState;
// the net/http server reports StateClosed and StateHijacked at most once
// per connection, which gives observers their exactly-once guarantee.
func (r *Registry) ConnState(c net.Conn, state http.ConnState) {
	switch state {
	case http.StateClosed, http.StateHijacked:
	default:
		return
	}
	r.mu.Lock()
	identity, ok := r.conns[c]
	if ok {
		delete(r.conns, c)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	r.logger.Debug("session.closed", "identity", identity)
	for _, obs := range r.observers {
		obs.OnDisconnect(identity)
	}
}

// identityFor returns the connection's identity, minting one on first
// sight: a session id plus the remote address, and the TLS peer's common
// name when a completed handshake offers one. Never reused while the
// session lives.
func (r *Registry) identityFor(c net.Conn) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if identity, ok := r.conns[c]; ok {
		return identity
	}
	identity := xid.New().String() + "/" + c.RemoteAddr().String()
	if tc, ok := c.(*tls.Conn); ok {
		if state := tc.ConnectionState(); len(state.PeerCertificates) > 0 {
			identity += "/" + state.PeerCertificates[0].Subject.CommonName
		}
	}
	r.conns[c] = identity
	r.logger.Debug("session.opened", "identity", identity)
	return identity
}

// Live reports the number of tracked live connections.
func (r *Registry) Live() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// WithIdentity returns ctx carrying identity. Exposed for handler tests and
// in-process callers that bypass the network transport.
func WithIdentity(ctx context.Context, identity string) context.Context {
	return context.WithValue(ctx, contextKey{}, identity)
}

// IdentityFromContext extracts the transport-supplied identity, empty when
// the context never passed through ConnContext or WithIdentity.
func IdentityFromContext(ctx context.Context) string {
	identity, _ := ctx.Value(contextKey{}).(string)
	return identity
}
