// Package merge consolidates a guest cart into an account cart at login.
package merge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"cartkeep/internal/cart/metrics"
	"cartkeep/internal/cart/models"
	"cartkeep/internal/cart/ports"
)

const (
	defaultTimeout = 5 * time.Second
	operation      = "coordinate_merge"
)

// Coordinator runs merges against a CartStore. Concurrent merges of the same
// guest into the same account share one call; every merge is bounded by the
// coordinator timeout even if the caller's context is not.
type Coordinator struct {
	merger  ports.Merger
	timeout time.Duration
	group   singleflight.Group
	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

type Option func(*Coordinator)

func WithTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(c *Coordinator) {
		c.tracer = tracer
	}
}

func New(merger ports.Merger, opts ...Option) (*Coordinator, error) {
	if merger == nil {
		return nil, fmt.Errorf("merger is required")
	}
	c := &Coordinator{
		merger:  merger,
		timeout: defaultTimeout,
		logger:  slog.Default(),
		tracer:  otel.Tracer("cartkeep/merge"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Merge folds guest into account and returns the account cart. Every failure,
// including a timeout or a panic in the store, is returned wrapped in
// ErrMergeFailed.
func (c *Coordinator) Merge(ctx context.Context, guest, account models.Owner) (*models.Cart, error) {
	if !guest.IsGuest() || !account.IsAccount() {
		return nil, fmt.Errorf("%w: merge needs a guest source and an account target", models.ErrMergeFailed)
	}

	ctx, span := c.tracer.Start(ctx, "cart.merge.coordinate", trace.WithAttributes(
		attribute.String("cart.source", guest.Redacted()),
		attribute.String("cart.target", account.Redacted()),
	))
	defer span.End()

	start := time.Now()
	key := guest.Key() + ">" + account.Key()
	ch := c.group.DoChan(key, func() (any, error) {
		// Shared by every waiter; must not die with the first caller.
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		return c.run(runCtx, guest, account)
	})

	var (
		cart   *models.Cart
		err    error
		shared bool
	)
	select {
	case res := <-ch:
		shared = res.Shared
		err = res.Err
		if err == nil {
			cart = res.Val.(*models.Cart)
		}
	case <-ctx.Done():
		err = ctx.Err()
	}
	span.SetAttributes(attribute.Bool("cart.merge.shared", shared))
	c.metrics.ObserveOperation(operation, time.Since(start))

	if err != nil {
		c.metrics.IncOperation(operation, string(models.OwnerAccount), "failure")
		if !errors.Is(err, models.ErrMergeFailed) {
			err = fmt.Errorf("%w: %w", models.ErrMergeFailed, err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "merge failed")
		c.logger.WarnContext(ctx, "cart merge failed",
			"source", guest,
			"target", account,
			"error", err.Error(),
		)
		return nil, err
	}
	c.metrics.IncOperation(operation, string(models.OwnerAccount), "success")
	return cart, nil
}

func (c *Coordinator) run(ctx context.Context, guest, account models.Owner) (*models.Cart, error) {
	type result struct {
		cart *models.Cart
		err  error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- result{err: fmt.Errorf("%w: panic: %v", models.ErrMergeFailed, rec)}
			}
		}()
		cart, err := c.merger.Merge(ctx, guest, account)
		done <- result{cart: cart, err: err}
	}()

	// A store that ignores its context still cannot hold the login past the
	// timeout.
	select {
	case res := <-done:
		if res.err == nil && res.cart == nil {
			return nil, fmt.Errorf("%w: store returned no cart", models.ErrMergeFailed)
		}
		return res.cart, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
