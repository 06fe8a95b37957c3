// Package ratelimit bounds how fast one cart owner can mutate its cart.
//
// Checks go to a shared primary store (Redis in production). When the
// primary fails repeatedly a circuit breaker routes checks to an in-process
// sliding window until the primary recovers.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"cartkeep/internal/ratelimit/metrics"
	"cartkeep/internal/ratelimit/models"
	"cartkeep/internal/ratelimit/store/memory"
	"cartkeep/pkg/platform/circuit"
)

// Store records one request against key and reports whether it fits.
type Store interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (*models.Result, error)
	Reset(ctx context.Context, key string) error
}

type Limiter struct {
	primary  Store
	fallback Store
	breaker  *circuit.Breaker
	limit    models.Limit
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

type Option func(*Limiter)

func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) {
		l.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Limiter) {
		l.metrics = m
	}
}

func WithBreaker(b *circuit.Breaker) Option {
	return func(l *Limiter) {
		l.breaker = b
	}
}

// WithFallback replaces the default in-memory fallback store.
func WithFallback(s Store) Option {
	return func(l *Limiter) {
		l.fallback = s
	}
}

func New(primary Store, limit models.Limit, opts ...Option) (*Limiter, error) {
	if primary == nil {
		return nil, fmt.Errorf("rate limit store is required")
	}
	if limit.Requests < 1 || limit.Window <= 0 {
		return nil, fmt.Errorf("rate limit must allow at least one request per positive window")
	}
	l := &Limiter{
		primary:  primary,
		fallback: memory.New(),
		breaker:  circuit.New("ratelimit-store"),
		limit:    limit,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Allow charges one request to key.
func (l *Limiter) Allow(ctx context.Context, key string) (*models.Result, error) {
	if !l.breaker.Allow() {
		return l.degraded(ctx, key)
	}

	res, err := l.primary.Allow(ctx, key, l.limit.Requests, l.limit.Window)
	if err != nil {
		useFallback, change := l.breaker.RecordFailure()
		if change.Opened {
			l.logger.WarnContext(ctx, "rate limit store failing, using in-process fallback", "error", err.Error())
			l.metrics.SetDegraded(true)
		}
		if !useFallback {
			l.metrics.IncDecision("error")
			return nil, err
		}
		return l.degraded(ctx, key)
	}

	if _, change := l.breaker.RecordSuccess(); change.Closed {
		l.logger.InfoContext(ctx, "rate limit store recovered")
		l.metrics.SetDegraded(false)
	}
	l.record(res)
	return res, nil
}

func (l *Limiter) degraded(ctx context.Context, key string) (*models.Result, error) {
	res, err := l.fallback.Allow(ctx, key, l.limit.Requests, l.limit.Window)
	if err != nil {
		l.metrics.IncDecision("error")
		return nil, err
	}
	res.Degraded = true
	l.record(res)
	return res, nil
}

func (l *Limiter) record(res *models.Result) {
	if res.Allowed {
		l.metrics.IncDecision("allowed")
		return
	}
	l.metrics.IncDecision("denied")
}

// Reset clears key's budget in both stores.
func (l *Limiter) Reset(ctx context.Context, key string) error {
	if err := l.fallback.Reset(ctx, key); err != nil {
		return err
	}
	return l.primary.Reset(ctx, key)
}
