package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"cartkeep/internal/ratelimit/models"
	"cartkeep/pkg/platform/httputil"
)

type RateLimiter interface {
	Allow(ctx context.Context, key string) (*models.Result, error)
}

// KeyFunc names the budget a request is charged to. An empty key skips the
// check.
type KeyFunc func(r *http.Request) string

type Middleware struct {
	limiter  RateLimiter
	key      KeyFunc
	logger   *slog.Logger
	disabled bool
}

type Option func(*Middleware)

// WithDisabled turns every check into a pass-through.
func WithDisabled(disabled bool) Option {
	return func(m *Middleware) {
		m.disabled = disabled
	}
}

func New(limiter RateLimiter, key KeyFunc, logger *slog.Logger, opts ...Option) *Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Middleware{
		limiter: limiter,
		key:     key,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.limiter == nil || m.key == nil {
		m.disabled = true
	}
	return m
}

// Limit rejects requests over budget with 429. Limiter errors let the request
// through.
func (m *Middleware) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.disabled {
			next.ServeHTTP(w, r)
			return
		}
		key := m.key(r)
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}

		ctx := r.Context()
		result, err := m.limiter.Allow(ctx, key)
		if err != nil {
			m.logger.ErrorContext(ctx, "failed to check rate limit", "error", err.Error())
			next.ServeHTTP(w, r)
			return
		}

		addRateLimitHeaders(w, result)
		if !result.Allowed {
			writeRateLimitExceeded(w, result)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func addRateLimitHeaders(w http.ResponseWriter, result *models.Result) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
	if result.Degraded {
		w.Header().Set("X-RateLimit-Status", "degraded")
	}
}

func writeRateLimitExceeded(w http.ResponseWriter, result *models.Result) {
	w.Header().Set("Retry-After", strconv.Itoa(result.RetryAfter))
	httputil.WriteJSON(w, http.StatusTooManyRequests, &models.ExceededResponse{
		Error:      "rate_limit_exceeded",
		Message:    "Too many cart updates. Please try again later.",
		RetryAfter: result.RetryAfter,
	})
}
