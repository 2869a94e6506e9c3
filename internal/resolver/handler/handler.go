// Package handler exposes the operational HTTP surface: authenticated cache
// administration and the drift health endpoints.
package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jbstanley2004/openphone-notion-live-sub000/internal/resolver/models"
	"github.com/jbstanley2004/openphone-notion-live-sub000/pkg/domainerr"
	"github.com/jbstanley2004/openphone-notion-live-sub000/pkg/platform/httputil"
)

// Resolver answers lookups through the cache hierarchy.
type Resolver interface {
	Resolve(ctx context.Context, raw string, kind models.LookupKind) (models.Resolution, error)
}

// Invalidator forces a key's re-resolution through the system of record.
type Invalidator interface {
	Invalidate(ctx context.Context, kind models.LookupKind, raw, reason string) error
}

// HealthReporter serves the last drift evaluation.
type HealthReporter interface {
	Snapshot() (models.HealthSnapshot, bool)
}

// Handler carries the dependencies for the HTTP endpoints.
type Handler struct {
	resolver    Resolver
	invalidator Invalidator
	health      HealthReporter
	logger      *slog.Logger
}

// Option customizes a Handler.
type Option func(*Handler)

func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) { h.logger = logger }
}

// New creates a Handler.
func New(resolver Resolver, invalidator Invalidator, health HealthReporter, opts ...Option) *Handler {
	h := &Handler{
		resolver:    resolver,
		invalidator: invalidator,
		health:      health,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes mounts the endpoints. Everything under /admin passes through auth.
func (h *Handler) Routes(auth func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()

	r.Get("/healthz", h.Liveness)
	r.Get("/health/drift", h.DriftHealth)
	r.Get("/v1/resolve", h.ResolveLookup)

	r.Route("/admin", func(r chi.Router) {
		r.Use(auth)
		r.Post("/cache/invalidate", h.InvalidateCache)
	})

	return r
}

// ResolveLookup handles GET /v1/resolve?lookup=...&type=phone|email. A miss
// is a successful response with source "miss", never an error status.
func (h *Handler) ResolveLookup(w http.ResponseWriter, r *http.Request) {
	lookup := r.URL.Query().Get("lookup")
	if lookup == "" {
		httputil.WriteError(w, domainerr.New(domainerr.CodeBadRequest, "lookup is required"))
		return
	}
	kind := models.LookupKind(r.URL.Query().Get("type"))
	if !kind.IsValid() {
		httputil.WriteError(w, domainerr.New(domainerr.CodeBadRequest, "unsupported lookup type"))
		return
	}

	res, err := h.resolver.Resolve(r.Context(), lookup, kind)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "resolution failed", "type", kind, "error", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, res)
}

type invalidateRequest struct {
	Lookup string `json:"lookup"`
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// InvalidateCache handles POST /admin/cache/invalidate.
func (h *Handler) InvalidateCache(w http.ResponseWriter, r *http.Request) {
	var req invalidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, domainerr.New(domainerr.CodeBadRequest, "malformed JSON body"))
		return
	}
	if req.Lookup == "" {
		httputil.WriteError(w, domainerr.New(domainerr.CodeBadRequest, "lookup is required"))
		return
	}

	kind := models.LookupKind(req.Type)
	if err := h.invalidator.Invalidate(r.Context(), kind, req.Lookup, req.Reason); err != nil {
		h.logger.ErrorContext(r.Context(), "cache invalidation failed",
			"type", req.Type, "error", err)
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "invalidated"})
}

// DriftHealth handles GET /health/drift. It serves the monitor's last
// snapshot and never triggers a fresh audit.
func (h *Handler) DriftHealth(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.health.Snapshot()
	if !ok {
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "unknown"})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, snap)
}

// Liveness handles GET /healthz.
func (h *Handler) Liveness(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
