// Package httpapi wires the HTTP endpoints to the core coordination
// service. The handler is transport-thin: identity comes from the request
// context (stamped by the session registry), every call is gated by the
// authorization policy, and all semantics live in core.
package httpapi

import (
	"net/http"
	"time"

	"github.com/rs/xid"
	"pkt.systems/pslog"

	"pkt.systems/poold/api"
	"pkt.systems/poold/internal/auth"
	"pkt.systems/poold/internal/core"
	"pkt.systems/poold/internal/session"
	"pkt.systems/poold/internal/svcfields"
)

const defaultJSONMaxBytes = 1 << 20

// Config parametrizes the HTTP handler.
type Config struct {
	Core         *core.Service
	Policy       auth.Policy
	Logger       pslog.Logger
	JSONMaxBytes int64
}

// Handler maps HTTP endpoints onto core operations.
type Handler struct {
	core         *core.Service
	policy       auth.Policy
	logger       pslog.Logger
	jsonMaxBytes int64
}

// NewHandler constructs the handler with a permissive policy when none is
// supplied.
func NewHandler(cfg Config) *Handler {
	policy := cfg.Policy
	if policy == nil {
		policy = auth.AllowAll()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	maxBytes := cfg.JSONMaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultJSONMaxBytes
	}
	return &Handler{
		core:         cfg.Core,
		policy:       policy,
		logger:       logger,
		jsonMaxBytes: maxBytes,
	}
}

// Register wires the routes under /v1.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("/v1/register", h.wrap(auth.OpRegister, h.handleRegister))
	mux.Handle("/v1/nworkers", h.wrap(auth.OpFairShare, h.handleNWorkers))
	mux.Handle("/v1/obtain", h.wrap(auth.OpObtain, h.handleObtain))
	mux.Handle("/v1/release", h.wrap(auth.OpRelease, h.handleRelease))
	mux.Handle("/v1/healthz", h.wrap("healthz", h.handleHealth))
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

func (h *Handler) wrap(operation auth.Operation, fn handlerFunc) http.Handler {
	sys := "http." + string(operation)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := r.Context()
		identity := session.IdentityFromContext(ctx)

		logger := svcfields.WithSubsystem(h.logger, sys).With(
			"req_id", xid.New().String(),
			"identity", identity,
		)
		ctx = pslog.ContextWithLogger(ctx, logger)
		r = r.WithContext(ctx)

		if identity == "" && operation != "healthz" {
			// The session registry stamps every network connection; a bare
			// context means the transport wiring is broken.
			h.handleError(ctx, w, httpError{
				Status: http.StatusInternalServerError,
				Code:   "no_session",
				Detail: "request context carries no connection identity",
			})
			return
		}
		if operation != "healthz" {
			if err := h.policy.Authorize(identity, operation); err != nil {
				logger.Info("http.request.forbidden", "error", err)
				h.handleError(ctx, w, httpError{
					Status: http.StatusForbidden,
					Code:   "forbidden",
					Detail: err.Error(),
				})
				return
			}
		}

		if err := fn(w, r); err != nil {
			logger.Debug("http.request.error", "elapsed", time.Since(start), "error", err)
			h.handleError(ctx, w, err)
			return
		}
		logger.Debug("http.request.complete", "elapsed", time.Since(start))
	})
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) error {
	if err := requireMethod(r, http.MethodPost); err != nil {
		return err
	}
	var payload api.RegisterRequest
	if err := h.decodeBody(w, r, &payload, true); err != nil {
		return err
	}
	identity := session.IdentityFromContext(r.Context())
	if err := h.core.Workers().Register(identity, payload.Workers); err != nil {
		return convertCoreError(err)
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (h *Handler) handleNWorkers(w http.ResponseWriter, r *http.Request) error {
	if err := requireMethod(r, http.MethodGet); err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, api.NWorkersResponse{Share: h.core.Workers().FairShare()})
	return nil
}

func (h *Handler) handleObtain(w http.ResponseWriter, r *http.Request) error {
	if err := requireMethod(r, http.MethodPost); err != nil {
		return err
	}
	var payload api.ObtainRequest
	if err := h.decodeBody(w, r, &payload, false); err != nil {
		return err
	}
	identity := session.IdentityFromContext(r.Context())
	res, err := h.core.Access().Obtain(r.Context(), identity, payload.Key)
	if err != nil {
		return convertCoreError(err)
	}
	resp := api.ObtainResponse{Granted: res.Granted, Renewed: res.Renewed}
	if res.Granted {
		resp.ExpiresAt = res.ExpiresAt.Unix()
	}
	h.writeJSON(w, http.StatusOK, resp)
	return nil
}

func (h *Handler) handleRelease(w http.ResponseWriter, r *http.Request) error {
	if err := requireMethod(r, http.MethodPost); err != nil {
		return err
	}
	var payload api.ReleaseRequest
	if err := h.decodeBody(w, r, &payload, true); err != nil {
		return err
	}
	ctx := r.Context()
	identity := session.IdentityFromContext(ctx)
	var released bool
	if payload.Key == "" {
		released = h.core.Access().ReleaseAll(ctx, identity)
	} else {
		released = h.core.Access().Release(ctx, identity, payload.Key)
	}
	h.writeJSON(w, http.StatusOK, api.ReleaseResponse{Released: released})
	return nil
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) error {
	if err := requireMethod(r, http.MethodGet); err != nil {
		return err
	}
	stats := h.core.Stats()
	h.writeJSON(w, http.StatusOK, api.HealthResponse{
		Status:    "ok",
		Issued:    stats.IssuedPermits,
		Capacity:  stats.Capacity,
		Workers:   stats.RegisteredWorkers,
		FairShare: stats.FairShare,
	})
	return nil
}
