package middleware

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cartkeep/internal/ratelimit/models"
)

type stubLimiter struct {
	result *models.Result
	err    error
	keys   []string
}

func (s *stubLimiter) Allow(_ context.Context, key string) (*models.Result, error) {
	s.keys = append(s.keys, key)
	return s.result, s.err
}

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func serve(m *Middleware) *httptest.ResponseRecorder {
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	rec := httptest.NewRecorder()
	m.Limit(next).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/cart/lines", nil))
	return rec
}

func staticKey(key string) KeyFunc {
	return func(*http.Request) string { return key }
}

func TestLimit(t *testing.T) {
	reset := time.Unix(1_800_000_000, 0)

	t.Run("allowed requests carry budget headers", func(t *testing.T) {
		lim := &stubLimiter{result: &models.Result{Allowed: true, Limit: 5, Remaining: 4, ResetAt: reset}}
		rec := serve(New(lim, staticKey("guest:a"), discard))

		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, "5", rec.Header().Get("X-RateLimit-Limit"))
		assert.Equal(t, "4", rec.Header().Get("X-RateLimit-Remaining"))
		assert.Equal(t, "1800000000", rec.Header().Get("X-RateLimit-Reset"))
		assert.Empty(t, rec.Header().Get("X-RateLimit-Status"))
		assert.Equal(t, []string{"guest:a"}, lim.keys)
	})

	t.Run("over budget is 429 with Retry-After", func(t *testing.T) {
		lim := &stubLimiter{result: &models.Result{Allowed: false, Limit: 5, ResetAt: reset, RetryAfter: 12}}
		rec := serve(New(lim, staticKey("guest:a"), discard))

		require.Equal(t, http.StatusTooManyRequests, rec.Code)
		assert.Equal(t, "12", rec.Header().Get("Retry-After"))
		assert.Contains(t, rec.Body.String(), "rate_limit_exceeded")
	})

	t.Run("degraded answers are flagged", func(t *testing.T) {
		lim := &stubLimiter{result: &models.Result{Allowed: true, Limit: 5, Remaining: 1, ResetAt: reset, Degraded: true}}
		rec := serve(New(lim, staticKey("guest:a"), discard))
		assert.Equal(t, "degraded", rec.Header().Get("X-RateLimit-Status"))
	})

	t.Run("limiter errors fail open", func(t *testing.T) {
		lim := &stubLimiter{err: errors.New("redis down")}
		rec := serve(New(lim, staticKey("guest:a"), discard))
		assert.Equal(t, http.StatusNoContent, rec.Code)
	})

	t.Run("empty key skips the check", func(t *testing.T) {
		lim := &stubLimiter{}
		rec := serve(New(lim, staticKey(""), discard))
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Empty(t, lim.keys)
	})

	t.Run("disabled passes through", func(t *testing.T) {
		lim := &stubLimiter{}
		rec := serve(New(lim, staticKey("guest:a"), discard, WithDisabled(true)))
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Empty(t, lim.keys)
	})
}
