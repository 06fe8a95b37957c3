package admin

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cartkeep/internal/platform/middleware"
	"cartkeep/pkg/platform/audit"
	"cartkeep/pkg/platform/audit/publisher"
	auditmemory "cartkeep/pkg/platform/audit/store/memory"
	"cartkeep/pkg/testutil"
)

const adminToken = "operator-secret"

type stubResetter struct {
	keys []string
	err  error
}

func (s *stubResetter) Reset(_ context.Context, key string) error {
	s.keys = append(s.keys, key)
	return s.err
}

func newRouter(opts ...Option) chi.Router {
	r := chi.NewRouter()
	New(adminToken, slog.New(slog.NewTextHandler(io.Discard, nil)), opts...).Register(r)
	return r
}

func adminReq(method, path string) *http.Request {
	req := httptest.NewRequest(method, path, nil)
	req.Header.Set(middleware.HeaderAdminToken, adminToken)
	return req
}

func TestAdminTokenRequired(t *testing.T) {
	r := newRouter()

	rr := testutil.DoRequest(r, httptest.NewRequest(http.MethodGet, "/admin/audit", nil))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	req := httptest.NewRequest(http.MethodGet, "/admin/audit", nil)
	req.Header.Set(middleware.HeaderAdminToken, "wrong")
	rr = testutil.DoRequest(r, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestEmptyTokenLocksAdmin(t *testing.T) {
	r := chi.NewRouter()
	New("", slog.New(slog.NewTextHandler(io.Discard, nil))).Register(r)
	req := httptest.NewRequest(http.MethodGet, "/admin/audit", nil)
	req.Header.Set(middleware.HeaderAdminToken, "")
	assert.Equal(t, http.StatusUnauthorized, testutil.DoRequest(r, req).Code)
}

func TestListAudit(t *testing.T) {
	store := auditmemory.NewInMemoryStore()
	pub := publisher.NewPublisher(store)
	ctx := context.Background()
	for _, action := range []audit.AuditEvent{audit.EventCartMerged, audit.EventCartCleared, audit.EventCartAccessDenied} {
		require.NoError(t, pub.Emit(ctx, audit.Event{Action: string(action), Owner: "account:u1", Timestamp: time.Now()}))
	}
	r := newRouter(WithAuditLister(pub))

	t.Run("returns recent events", func(t *testing.T) {
		rr := testutil.DoRequest(r, adminReq(http.MethodGet, "/admin/audit?limit=2"))
		require.Equal(t, http.StatusOK, rr.Code)
		resp := testutil.UnmarshalResponse[AuditListResponse](t, rr)
		assert.Equal(t, 2, resp.Total)
		assert.Len(t, resp.Events, 2)
	})

	t.Run("rejects bad limits", func(t *testing.T) {
		for _, q := range []string{"0", "-3", "many", "501"} {
			rr := testutil.DoRequest(r, adminReq(http.MethodGet, "/admin/audit?limit="+q))
			assert.Equal(t, http.StatusBadRequest, rr.Code, "limit=%s", q)
		}
	})

	t.Run("404 without a lister", func(t *testing.T) {
		rr := testutil.DoRequest(newRouter(), adminReq(http.MethodGet, "/admin/audit"))
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})
}

func TestResetRateLimit(t *testing.T) {
	t.Run("resets a valid key", func(t *testing.T) {
		resetter := &stubResetter{}
		rr := testutil.DoRequest(newRouter(WithRateLimitResetter(resetter)),
			adminReq(http.MethodDelete, "/admin/ratelimit/guest:abc"))
		assert.Equal(t, http.StatusNoContent, rr.Code)
		assert.Equal(t, []string{"guest:abc"}, resetter.keys)
	})

	t.Run("rejects unknown key kinds", func(t *testing.T) {
		resetter := &stubResetter{}
		rr := testutil.DoRequest(newRouter(WithRateLimitResetter(resetter)),
			adminReq(http.MethodDelete, "/admin/ratelimit/tenant:abc"))
		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Empty(t, resetter.keys)
	})

	t.Run("store failures are 503", func(t *testing.T) {
		resetter := &stubResetter{err: errors.New("redis down")}
		rr := testutil.DoRequest(newRouter(WithRateLimitResetter(resetter)),
			adminReq(http.MethodDelete, "/admin/ratelimit/account:u1"))
		assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	})
}
