package service

//go:generate mockgen -source=../ports/ports.go -destination=../ports/mocks/mocks.go -package=mocks

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"cartkeep/internal/cart/metrics"
	"cartkeep/internal/cart/models"
	"cartkeep/internal/cart/ports/mocks"
	"cartkeep/internal/cart/store/memory"
	id "cartkeep/pkg/domain"
	dErrors "cartkeep/pkg/domain-errors"
	"cartkeep/pkg/platform/audit"
	"cartkeep/pkg/platform/sentinel"
	"cartkeep/pkg/requestcontext"
)

// =============================================================================
// Cart Service Test Suite
// =============================================================================
// Justification for unit tests: the service owns consolidation, clamping,
// optimistic retries and error translation for every cart operation. These
// invariants are cheaper to pin here than through HTTP.

type ServiceSuite struct {
	suite.Suite
	ctrl      *gomock.Controller
	store     *memory.InMemoryStore
	mockAudit *mocks.MockAuditPublisher
	metrics   *metrics.Metrics
	service   *Service
	ctx       context.Context
	guest     models.Owner
	account   models.Owner
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.store = memory.New()
	s.mockAudit = mocks.NewMockAuditPublisher(s.ctrl)
	s.mockAudit.EXPECT().Emit(gomock.Any(), gomock.Any()).Return(nil).AnyTimes()
	s.metrics = metrics.New(prometheus.NewRegistry())
	var err error
	s.service, err = New(s.store,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithAuditPublisher(s.mockAudit),
		WithMetrics(s.metrics),
	)
	s.Require().NoError(err)
	s.ctx = requestcontext.WithTime(context.Background(), time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	s.guest = models.Guest(id.SessionToken(uuid.NewString()))
	s.account = models.Account(id.UserID(uuid.New()))
}

func (s *ServiceSuite) TearDownTest() {
	s.ctrl.Finish()
}

func (s *ServiceSuite) lines(cart *models.Cart) map[id.ProductRef]int {
	out := map[id.ProductRef]int{}
	for _, l := range cart.Lines {
		out[l.ProductRef] = l.Quantity
	}
	return out
}

func (s *ServiceSuite) TestNew() {
	s.Run("nil store returns error", func() {
		_, err := New(nil)
		s.Require().Error(err)
		s.Contains(err.Error(), "cart store is required")
	})

	s.Run("options apply", func() {
		svc, err := New(s.store, WithMaxLineQuantity(3), WithMaxAttempts(7), WithStoreTimeout(time.Second))
		s.Require().NoError(err)
		s.Equal(3, svc.MaxLineQuantity())
		s.Equal(7, svc.maxAttempts)
		s.Equal(time.Second, svc.storeTimeout)
	})
}

func (s *ServiceSuite) TestRead() {
	s.Run("unknown owner reads as empty without creating a record", func() {
		cart, err := s.service.Read(s.ctx, s.guest)
		s.Require().NoError(err)
		s.Empty(cart.Lines)
		s.Equal(int64(0), cart.Version)
		s.Equal(0, s.store.Len())
	})

	s.Run("invalid owner is rejected", func() {
		_, err := s.service.Read(s.ctx, models.Owner{})
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})
}

func (s *ServiceSuite) TestAddLine() {
	s.Run("consolidates repeated adds of the same product", func() {
		_, err := s.service.AddLine(s.ctx, s.guest, "sku-1", 2)
		s.Require().NoError(err)
		cart, err := s.service.AddLine(s.ctx, s.guest, "sku-1", 3)
		s.Require().NoError(err)

		s.Len(cart.Lines, 1)
		s.Equal(5, cart.Quantity("sku-1"))
		s.Equal(int64(2), cart.Version)
		s.Equal(s.guest.Key(), cart.Owner.Key())
	})

	s.Run("clamps at the line maximum", func() {
		cart, err := s.service.AddLine(s.ctx, s.guest, "sku-1", 50)
		s.Require().NoError(err)
		s.Equal(models.MaxLineQuantity, cart.Quantity("sku-1"))
	})

	s.Run("adding at the maximum does not write", func() {
		before, err := s.service.Read(s.ctx, s.guest)
		s.Require().NoError(err)
		after, err := s.service.AddLine(s.ctx, s.guest, "sku-1", 1)
		s.Require().NoError(err)
		s.Equal(before.Version, after.Version)
	})

	s.Run("quantity below one is a validation error", func() {
		_, err := s.service.AddLine(s.ctx, s.guest, "sku-1", 0)
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})

	s.Run("malformed product ref is rejected", func() {
		_, err := s.service.AddLine(s.ctx, s.guest, "bad ref", 1)
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	s.Run("guest and account carts are independent", func() {
		cart, err := s.service.Read(s.ctx, s.account)
		s.Require().NoError(err)
		s.Empty(cart.Lines)
	})
}

func (s *ServiceSuite) TestSetAndRemove() {
	_, err := s.service.AddLine(s.ctx, s.account, "A", 2)
	s.Require().NoError(err)
	_, err = s.service.AddLine(s.ctx, s.account, "B", 1)
	s.Require().NoError(err)

	s.Run("set above maximum clamps", func() {
		cart, err := s.service.SetLineQuantity(s.ctx, s.account, "A", 99)
		s.Require().NoError(err)
		s.Equal(models.MaxLineQuantity, cart.Quantity("A"))
	})

	s.Run("set to zero removes the line", func() {
		cart, err := s.service.SetLineQuantity(s.ctx, s.account, "A", 0)
		s.Require().NoError(err)
		s.Equal(map[id.ProductRef]int{"B": 1}, s.lines(cart))
	})

	s.Run("set on absent product adds it", func() {
		cart, err := s.service.SetLineQuantity(s.ctx, s.account, "C", 4)
		s.Require().NoError(err)
		s.Equal(4, cart.Quantity("C"))
	})

	s.Run("removing an absent product is not an error", func() {
		before, err := s.service.Read(s.ctx, s.account)
		s.Require().NoError(err)
		cart, err := s.service.RemoveLine(s.ctx, s.account, "missing")
		s.Require().NoError(err)
		s.Equal(before.Version, cart.Version)
	})

	s.Run("remove drops the line", func() {
		cart, err := s.service.RemoveLine(s.ctx, s.account, "B")
		s.Require().NoError(err)
		s.Equal(0, cart.Quantity("B"))
	})
}

func (s *ServiceSuite) TestClear() {
	_, err := s.service.AddLine(s.ctx, s.guest, "A", 2)
	s.Require().NoError(err)

	cart, err := s.service.Clear(s.ctx, s.guest)
	s.Require().NoError(err)
	s.Empty(cart.Lines)
	s.NotNil(cart.Lines)
}

func (s *ServiceSuite) TestClearEmitsAudit() {
	ctrl := gomock.NewController(s.T())
	pub := mocks.NewMockAuditPublisher(ctrl)
	svc, err := New(s.store, WithAuditPublisher(pub), WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	s.Require().NoError(err)
	_, err = svc.AddLine(s.ctx, s.guest, "A", 1)
	s.Require().NoError(err)

	pub.EXPECT().Emit(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, e audit.Event) error {
		s.Equal(string(audit.EventCartCleared), e.Action)
		s.Equal(s.guest.Redacted(), e.Owner)
		s.NotContains(e.Owner, s.guest.SessionToken().String())
		return errors.New("audit sink down")
	})

	_, err = svc.Clear(s.ctx, s.guest)
	s.NoError(err, "audit failures never fail cart operations")
}

func (s *ServiceSuite) TestClearEmptyCartEmitsNothing() {
	ctrl := gomock.NewController(s.T())
	pub := mocks.NewMockAuditPublisher(ctrl)
	pub.EXPECT().Emit(gomock.Any(), gomock.Any()).Times(0)
	svc, err := New(s.store, WithAuditPublisher(pub), WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	s.Require().NoError(err)

	cart, err := svc.Clear(s.ctx, s.guest)
	s.Require().NoError(err)
	s.Empty(cart.Lines)
	s.Equal(int64(0), cart.Version)
	ctrl.Finish()
}

func (s *ServiceSuite) TestOptimisticRetry() {
	s.Run("retries after a version conflict", func() {
		ctrl := gomock.NewController(s.T())
		store := mocks.NewMockRecordStore(ctrl)
		svc, err := New(store, WithMetrics(s.metrics))
		s.Require().NoError(err)

		store.EXPECT().Load(gomock.Any(), s.guest.Key()).Return(nil, sentinel.ErrNotFound).Times(2)
		gomock.InOrder(
			store.EXPECT().Save(gomock.Any(), gomock.Any(), int64(0)).Return(sentinel.ErrConflict),
			store.EXPECT().Save(gomock.Any(), gomock.Any(), int64(0)).DoAndReturn(
				func(_ context.Context, rec *models.Record, _ int64) error {
					rec.Version = 1
					return nil
				}),
		)

		cart, err := svc.AddLine(s.ctx, s.guest, "A", 1)
		s.Require().NoError(err)
		s.Equal(int64(1), cart.Version)
		s.Equal(float64(1), testutil.ToFloat64(s.metrics.StoreConflicts.WithLabelValues("add_line")))
	})

	s.Run("gives up with conflict after max attempts", func() {
		ctrl := gomock.NewController(s.T())
		store := mocks.NewMockRecordStore(ctrl)
		svc, err := New(store, WithMaxAttempts(2))
		s.Require().NoError(err)

		store.EXPECT().Load(gomock.Any(), gomock.Any()).Return(nil, sentinel.ErrNotFound).Times(2)
		store.EXPECT().Save(gomock.Any(), gomock.Any(), gomock.Any()).Return(sentinel.ErrConflict).Times(2)

		_, err = svc.AddLine(s.ctx, s.guest, "A", 1)
		s.True(dErrors.HasCode(err, dErrors.CodeConflict))
	})
}

func (s *ServiceSuite) TestStoreFailures() {
	ctrl := gomock.NewController(s.T())
	store := mocks.NewMockRecordStore(ctrl)
	svc, err := New(store, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	s.Require().NoError(err)

	s.Run("unavailable store maps to unavailable", func() {
		store.EXPECT().Load(gomock.Any(), gomock.Any()).Return(nil, sentinel.ErrUnavailable)
		_, err := svc.Read(s.ctx, s.guest)
		s.True(dErrors.HasCode(err, dErrors.CodeUnavailable))
		s.ErrorIs(err, sentinel.ErrUnavailable)
	})

	s.Run("unexpected store error maps to internal", func() {
		store.EXPECT().Load(gomock.Any(), gomock.Any()).Return(nil, errors.New("corrupt record"))
		_, err := svc.Read(s.ctx, s.guest)
		s.True(dErrors.HasCode(err, dErrors.CodeInternal))
	})

	s.Run("save failure leaves nothing applied", func() {
		store.EXPECT().Load(gomock.Any(), gomock.Any()).Return(nil, sentinel.ErrNotFound)
		store.EXPECT().Save(gomock.Any(), gomock.Any(), gomock.Any()).Return(sentinel.ErrUnavailable)
		cart, err := svc.AddLine(s.ctx, s.guest, "A", 1)
		s.Nil(cart)
		s.True(dErrors.HasCode(err, dErrors.CodeUnavailable))
	})
}
