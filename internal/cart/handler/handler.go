package handler

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"cartkeep/internal/cart/models"
	"cartkeep/internal/cart/ports"
	"cartkeep/internal/platform/metrics"
	"cartkeep/internal/platform/middleware"
	ratemw "cartkeep/internal/ratelimit/middleware"
	id "cartkeep/pkg/domain"
	dErrors "cartkeep/pkg/domain-errors"
	"cartkeep/pkg/platform/audit"
	"cartkeep/pkg/platform/httputil"
	"cartkeep/pkg/platform/privacy"
)

// HeaderCartSession carries the guest session token.
const HeaderCartSession = "X-Cart-Session"

// Handler serves the cart API.
type Handler struct {
	logger         *slog.Logger
	carts          ports.CartStore
	metrics        *metrics.Metrics
	validator      middleware.AccountValidator
	auditPublisher ports.AuditPublisher
	timeout        time.Duration
	rateLimiter    ratemw.RateLimiter
}

type Option func(*Handler)

func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

func WithAuditPublisher(p ports.AuditPublisher) Option {
	return func(h *Handler) { h.auditPublisher = p }
}

// WithRateLimiter bounds cart mutations per owner.
func WithRateLimiter(l ratemw.RateLimiter) Option {
	return func(h *Handler) { h.rateLimiter = l }
}

// WithTimeout overrides the per-request deadline.
func WithTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// New creates a cart Handler.
func New(carts ports.CartStore, validator middleware.AccountValidator, logger *slog.Logger, opts ...Option) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		logger:    logger,
		carts:     carts,
		validator: validator,
		timeout:   30 * time.Second,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register registers the cart routes with the chi router.
func (h *Handler) Register(r chi.Router) {
	cartRouter := chi.NewRouter()
	cartRouter.Use(middleware.Recovery(h.logger))
	cartRouter.Use(middleware.RequestID)
	cartRouter.Use(middleware.Device)
	cartRouter.Use(middleware.Logger(h.logger))
	cartRouter.Use(middleware.Timeout(h.timeout))
	cartRouter.Use(middleware.ContentTypeJSON)
	cartRouter.Use(middleware.LatencyMiddleware(h.metrics))
	cartRouter.Use(middleware.OptionalAuth(h.validator, h.logger, h.auditDenied))

	cartRouter.Get("/cart", h.handleRead)

	limits := ratemw.New(h.rateLimiter, rateKey, h.logger)
	cartRouter.Group(func(r chi.Router) {
		r.Use(limits.Limit)
		r.Delete("/cart", h.handleClear)
		r.Post("/cart/lines", h.handleAddLine)
		r.Put("/cart/lines/{ref}", h.handleSetQuantity)
		r.Delete("/cart/lines/{ref}", h.handleRemoveLine)
		r.Post("/cart/merge", h.handleMerge)
	})

	r.Mount("/", cartRouter)
}

func (h *Handler) handleRead(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}
	cart, err := h.carts.Read(r.Context(), owner)
	h.respond(w, r, "read", cart, err)
}

func (h *Handler) handleClear(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}
	cart, err := h.carts.Clear(r.Context(), owner)
	h.respond(w, r, "clear", cart, err)
}

func (h *Handler) handleAddLine(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}
	var req models.AddLineRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		h.logger.WarnContext(r.Context(), "invalid add line request",
			"request_id", middleware.GetRequestID(r.Context()),
			"error", err.Error(),
		)
		httputil.WriteError(w, err)
		return
	}
	ref, err := id.ParseProductRef(req.ProductRef)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	cart, err := h.carts.AddLine(r.Context(), owner, ref, req.Quantity)
	h.respond(w, r, "add_line", cart, err)
}

func (h *Handler) handleSetQuantity(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}
	ref, err := id.ParseProductRef(chi.URLParam(r, "ref"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	var req models.SetQuantityRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	if req.Quantity == nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeValidation, "quantity is required"))
		return
	}
	cart, err := h.carts.SetLineQuantity(r.Context(), owner, ref, *req.Quantity)
	h.respond(w, r, "set_quantity", cart, err)
}

func (h *Handler) handleRemoveLine(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}
	ref, err := id.ParseProductRef(chi.URLParam(r, "ref"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	cart, err := h.carts.RemoveLine(r.Context(), owner, ref)
	h.respond(w, r, "remove_line", cart, err)
}

func (h *Handler) handleMerge(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	guest, hasGuest, err := guestFromRequest(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	account, hasAccount := accountFromContext(ctx)
	if !hasGuest || !hasAccount {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest,
			"merge requires both a guest session and an account credential"))
		return
	}
	cart, err := h.carts.Merge(ctx, guest, account)
	h.respond(w, r, "merge", cart, err)
}

// owner resolves the single cart owner a request addresses: the account
// when a Bearer credential was authenticated, the guest when X-Cart-Session
// is present. Both or neither is a bad request.
func (h *Handler) owner(w http.ResponseWriter, r *http.Request) (models.Owner, bool) {
	guest, hasGuest, err := guestFromRequest(r)
	if err != nil {
		httputil.WriteError(w, err)
		return models.Owner{}, false
	}
	account, hasAccount := accountFromContext(r.Context())

	switch {
	case hasGuest && hasAccount:
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest,
			"address either the guest cart or the account cart, not both"))
		return models.Owner{}, false
	case hasAccount:
		return account, true
	case hasGuest:
		return guest, true
	default:
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest,
			"missing cart owner: send X-Cart-Session or Authorization"))
		return models.Owner{}, false
	}
}

// rateKey charges a mutation to the account, else the guest token, else the
// client address.
func rateKey(r *http.Request) string {
	if userID, _, ok := middleware.GetAccount(r.Context()); ok {
		return "account:" + userID.String()
	}
	if raw := strings.TrimSpace(r.Header.Get(HeaderCartSession)); raw != "" {
		return "guest:" + privacy.FingerprintToken(raw)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "addr:" + host
}

func guestFromRequest(r *http.Request) (models.Owner, bool, error) {
	raw := strings.TrimSpace(r.Header.Get(HeaderCartSession))
	if raw == "" {
		return models.Owner{}, false, nil
	}
	token, err := id.ParseSessionToken(raw)
	if err != nil {
		return models.Owner{}, false, err
	}
	return models.Guest(token), true, nil
}

func accountFromContext(ctx context.Context) (models.Owner, bool) {
	userID, credential, ok := middleware.GetAccount(ctx)
	if !ok {
		return models.Owner{}, false
	}
	return models.Account(userID).WithCredential(credential), true
}

func (h *Handler) respond(w http.ResponseWriter, r *http.Request, operation string, cart *models.Cart, err error) {
	if err != nil {
		ctx := r.Context()
		if dErrors.HasCode(err, dErrors.CodeInternal) || !isCoded(err) {
			h.logger.ErrorContext(ctx, "cart operation failed",
				"operation", operation,
				"request_id", middleware.GetRequestID(ctx),
				"error", err.Error(),
			)
		} else {
			h.logger.WarnContext(ctx, "cart operation rejected",
				"operation", operation,
				"request_id", middleware.GetRequestID(ctx),
				"error", err.Error(),
			)
		}
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, models.NewCartResponse(cart))
}

func isCoded(err error) bool {
	_, ok := dErrors.As(err)
	return ok
}

func (h *Handler) auditDenied(ctx context.Context, reason string) {
	ports.EmitAudit(ctx, h.logger, h.auditPublisher, audit.Event{
		Action: string(audit.EventCartAccessDenied),
		Reason: reason,
	})
}
