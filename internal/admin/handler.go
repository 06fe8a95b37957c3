// Package admin serves operator endpoints behind X-Admin-Token.
package admin

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"cartkeep/internal/platform/middleware"
	dErrors "cartkeep/pkg/domain-errors"
	"cartkeep/pkg/platform/audit"
	"cartkeep/pkg/platform/httputil"
)

const (
	defaultAuditLimit = 50
	maxAuditLimit     = 500
)

// AuditLister returns recent audit events.
type AuditLister interface {
	List(ctx context.Context, limit int) ([]audit.Event, error)
}

// RateLimitResetter clears one rate limit budget.
type RateLimitResetter interface {
	Reset(ctx context.Context, key string) error
}

type Handler struct {
	token   string
	logger  *slog.Logger
	audit   AuditLister
	limiter RateLimitResetter
}

type Option func(*Handler)

func WithAuditLister(l AuditLister) Option {
	return func(h *Handler) { h.audit = l }
}

func WithRateLimitResetter(r RateLimitResetter) Option {
	return func(h *Handler) { h.limiter = r }
}

func New(token string, logger *slog.Logger, opts ...Option) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{token: token, logger: logger}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register mounts /admin. Endpoints whose collaborator is missing answer 404.
func (h *Handler) Register(r chi.Router) {
	r.Route("/admin", func(r chi.Router) {
		r.Use(middleware.RequestID)
		r.Use(middleware.RequireAdminToken(h.token, h.logger))
		r.Get("/audit", h.handleListAudit)
		r.Delete("/ratelimit/{key}", h.handleResetRateLimit)
	})
}

func (h *Handler) handleListAudit(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeNotFound, "audit listing is not configured"))
		return
	}
	limit := defaultAuditLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxAuditLimit {
			httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest,
				"limit must be between 1 and "+strconv.Itoa(maxAuditLimit)))
			return
		}
		limit = n
	}

	events, err := h.audit.List(r.Context(), limit)
	if err != nil {
		h.logger.WarnContext(r.Context(), "failed to list audit events", "error", err.Error())
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeUnavailable, "audit events unavailable"))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, newAuditListResponse(events))
}

func (h *Handler) handleResetRateLimit(w http.ResponseWriter, r *http.Request) {
	if h.limiter == nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeNotFound, "rate limiting is not configured"))
		return
	}
	key := strings.TrimSpace(chi.URLParam(r, "key"))
	if !validRateKey(key) {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest,
			"key must start with account:, guest: or addr:"))
		return
	}
	if err := h.limiter.Reset(r.Context(), key); err != nil {
		h.logger.WarnContext(r.Context(), "failed to reset rate limit", "error", err.Error())
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeUnavailable, "rate limit store unavailable"))
		return
	}
	h.logger.InfoContext(r.Context(), "rate limit reset", "key", key)
	w.WriteHeader(http.StatusNoContent)
}

func validRateKey(key string) bool {
	for _, prefix := range []string{"account:", "guest:", "addr:"} {
		if strings.HasPrefix(key, prefix) && len(key) > len(prefix) {
			return true
		}
	}
	return false
}
