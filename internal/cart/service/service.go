package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"cartkeep/internal/cart/metrics"
	"cartkeep/internal/cart/models"
	"cartkeep/internal/cart/ports"
	id "cartkeep/pkg/domain"
	dErrors "cartkeep/pkg/domain-errors"
	"cartkeep/pkg/platform/audit"
	"cartkeep/pkg/platform/sentinel"
	"cartkeep/pkg/requestcontext"
)

// Type aliases for shared interfaces.
type (
	Store          = ports.RecordStore
	AuditPublisher = ports.AuditPublisher
)

const (
	defaultMaxAttempts  = 3
	defaultStoreTimeout = 3 * time.Second
)

// Service is the authoritative CartStore. Every mutation is a
// read-modify-write of the owner's record guarded by the record version, and
// retried when another writer got there first.
type Service struct {
	store          Store
	auditPublisher AuditPublisher
	logger         *slog.Logger
	metrics        *metrics.Metrics
	tracer         trace.Tracer
	maxQuantity    int
	maxAttempts    int
	storeTimeout   time.Duration
}

var _ ports.CartStore = (*Service)(nil)

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithAuditPublisher(publisher AuditPublisher) Option {
	return func(s *Service) {
		s.auditPublisher = publisher
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(s *Service) {
		s.tracer = tracer
	}
}

// WithMaxLineQuantity overrides the per-line quantity ceiling.
func WithMaxLineQuantity(max int) Option {
	return func(s *Service) {
		if max > 0 {
			s.maxQuantity = max
		}
	}
}

// WithMaxAttempts bounds optimistic-lock retries per call.
func WithMaxAttempts(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithStoreTimeout bounds each call's total time spent in the record store.
func WithStoreTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.storeTimeout = d
		}
	}
}

func New(store Store, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("cart store is required")
	}
	svc := &Service{
		store:        store,
		logger:       slog.Default(),
		tracer:       otel.Tracer("cartkeep/cart"),
		maxQuantity:  models.MaxLineQuantity,
		maxAttempts:  defaultMaxAttempts,
		storeTimeout: defaultStoreTimeout,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// MaxLineQuantity reports the per-line ceiling in force.
func (s *Service) MaxLineQuantity() int { return s.maxQuantity }

// Read returns the owner's cart, or an empty cart when none exists. It never
// writes.
func (s *Service) Read(ctx context.Context, owner models.Owner) (*models.Cart, error) {
	if err := owner.Validate(); err != nil {
		return nil, err
	}
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	rec, err := s.load(ctx, owner)
	if err != nil {
		s.observe("read", owner, "error", start)
		return nil, s.storeFailure(ctx, "read", owner, err)
	}
	s.observe("read", owner, "ok", start)
	return rec.Cart(owner), nil
}

// AddLine adds qty of ref, consolidating with an existing line and clamping
// at the line maximum.
func (s *Service) AddLine(ctx context.Context, owner models.Owner, ref id.ProductRef, qty int) (*models.Cart, error) {
	if err := s.validateLine(owner, ref); err != nil {
		return nil, err
	}
	if qty < 1 {
		return nil, dErrors.New(dErrors.CodeValidation, "quantity must be at least 1")
	}
	return s.mutate(ctx, "add_line", owner, func(rec *models.Record) bool {
		before := rec.Lines
		rec.Lines = models.MergeLines(rec.Lines, []models.Line{{ProductRef: ref, Quantity: qty}}, s.maxQuantity)
		return !models.EqualLines(before, rec.Lines)
	})
}

// SetLineQuantity sets ref to qty. qty <= 0 removes the line.
func (s *Service) SetLineQuantity(ctx context.Context, owner models.Owner, ref id.ProductRef, qty int) (*models.Cart, error) {
	if err := s.validateLine(owner, ref); err != nil {
		return nil, err
	}
	return s.mutate(ctx, "set_quantity", owner, func(rec *models.Record) bool {
		before := rec.Lines
		rec.Lines = models.SetQuantity(rec.Lines, ref, qty, s.maxQuantity)
		return !models.EqualLines(before, rec.Lines)
	})
}

// RemoveLine drops ref. Removing an absent product is not an error.
func (s *Service) RemoveLine(ctx context.Context, owner models.Owner, ref id.ProductRef) (*models.Cart, error) {
	if err := s.validateLine(owner, ref); err != nil {
		return nil, err
	}
	return s.mutate(ctx, "remove_line", owner, func(rec *models.Record) bool {
		before := len(rec.Lines)
		rec.Lines = models.RemoveLine(rec.Lines, ref)
		return len(rec.Lines) != before
	})
}

// Clear empties the cart. Merge receipts survive so a cleared account cart
// does not get the same guest snapshot merged back in.
func (s *Service) Clear(ctx context.Context, owner models.Owner) (*models.Cart, error) {
	if err := owner.Validate(); err != nil {
		return nil, err
	}
	var cleared bool
	cart, err := s.mutate(ctx, "clear", owner, func(rec *models.Record) bool {
		cleared = len(rec.Lines) > 0
		rec.Lines = []models.Line{}
		return cleared
	})
	if err != nil {
		return nil, err
	}
	if !cleared {
		return cart, nil
	}
	ports.EmitAudit(ctx, s.logger, s.auditPublisher, audit.Event{
		Action:  string(audit.EventCartCleared),
		Owner:   owner.Redacted(),
		Version: cart.Version,
	})
	return cart, nil
}

func (s *Service) validateLine(owner models.Owner, ref id.ProductRef) error {
	if err := owner.Validate(); err != nil {
		return err
	}
	if _, err := id.ParseProductRef(ref.String()); err != nil {
		return err
	}
	return nil
}

// mutate applies fn to a fresh copy of the owner's record and saves it with
// a version check, retrying on conflict. fn reports whether it changed
// anything; unchanged records are not written.
func (s *Service) mutate(ctx context.Context, op string, owner models.Owner, fn func(rec *models.Record) bool) (*models.Cart, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		rec, err := s.load(ctx, owner)
		if err != nil {
			s.observe(op, owner, "error", start)
			return nil, s.storeFailure(ctx, op, owner, err)
		}
		expected := rec.Version
		next := rec.Clone()
		if !fn(next) {
			s.observe(op, owner, "unchanged", start)
			return rec.Cart(owner), nil
		}
		next.UpdatedAt = requestcontext.Now(ctx)

		err = s.store.Save(ctx, next, expected)
		if errors.Is(err, sentinel.ErrConflict) {
			s.metrics.IncStoreConflict(op)
			s.logger.DebugContext(ctx, "cart version conflict, retrying",
				"operation", op,
				"owner", owner,
				"attempt", attempt,
			)
			continue
		}
		if err != nil {
			s.observe(op, owner, "error", start)
			return nil, s.storeFailure(ctx, op, owner, err)
		}
		s.observe(op, owner, "ok", start)
		return next.Cart(owner), nil
	}

	s.observe(op, owner, "conflict", start)
	return nil, dErrors.New(dErrors.CodeConflict, "cart was modified concurrently")
}

func (s *Service) load(ctx context.Context, owner models.Owner) (*models.Record, error) {
	rec, err := s.store.Load(ctx, owner.Key())
	if errors.Is(err, sentinel.ErrNotFound) {
		return models.NewRecord(owner), nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *Service) observe(op string, owner models.Owner, outcome string, start time.Time) {
	s.metrics.IncOperation(op, string(owner.Kind()), outcome)
	s.metrics.ObserveOperation(op, time.Since(start))
}

// storeFailure logs and translates a record store error into a coded error.
func (s *Service) storeFailure(ctx context.Context, op string, owner models.Owner, err error) error {
	s.logger.ErrorContext(ctx, "cart store failure",
		"operation", op,
		"owner", owner,
		"request_id", requestcontext.RequestID(ctx),
		"error", err.Error(),
	)
	return translateStoreError(err)
}

func translateStoreError(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled),
		errors.Is(err, sentinel.ErrUnavailable):
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "cart store unavailable")
	default:
		return dErrors.Wrap(err, dErrors.CodeInternal, "cart store failure")
	}
}
