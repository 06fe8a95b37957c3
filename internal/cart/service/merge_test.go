package service

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"

	"cartkeep/internal/cart/metrics"
	"cartkeep/internal/cart/models"
	"cartkeep/internal/cart/store/memory"
	id "cartkeep/pkg/domain"
	dErrors "cartkeep/pkg/domain-errors"
	"cartkeep/pkg/platform/audit"
	auditmemory "cartkeep/pkg/platform/audit/store/memory"
)

type MergeSuite struct {
	suite.Suite
	store   *memory.InMemoryStore
	audit   *auditmemory.InMemoryStore
	metrics *metrics.Metrics
	service *Service
	ctx     context.Context
	guest   models.Owner
	account models.Owner
}

func TestMergeSuite(t *testing.T) {
	suite.Run(t, new(MergeSuite))
}

type auditSink struct{ store *auditmemory.InMemoryStore }

func (a auditSink) Emit(ctx context.Context, e audit.Event) error { return a.store.Append(ctx, e) }

func (s *MergeSuite) SetupTest() {
	s.store = memory.New()
	s.audit = auditmemory.NewInMemoryStore()
	s.metrics = metrics.New(prometheus.NewRegistry())
	var err error
	s.service, err = New(s.store,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithAuditPublisher(auditSink{s.audit}),
		WithMetrics(s.metrics),
		WithMaxAttempts(50),
	)
	s.Require().NoError(err)
	s.ctx = context.Background()
	s.guest = models.Guest(id.SessionToken(uuid.NewString()))
	s.account = models.Account(id.UserID(uuid.New()))
}

func (s *MergeSuite) add(owner models.Owner, ref id.ProductRef, qty int) {
	_, err := s.service.AddLine(s.ctx, owner, ref, qty)
	s.Require().NoError(err)
}

func (s *MergeSuite) lastAction() string {
	events, err := s.audit.ListRecent(s.ctx, 1)
	s.Require().NoError(err)
	s.Require().Len(events, 1)
	return events[0].Action
}

func (s *MergeSuite) TestMergeSumsAndClamps() {
	s.add(s.guest, "A", 2)
	s.add(s.guest, "B", 8)
	s.add(s.account, "B", 5)
	s.add(s.account, "C", 1)

	cart, err := s.service.Merge(s.ctx, s.guest, s.account)
	s.Require().NoError(err)

	s.Equal(2, cart.Quantity("A"))
	s.Equal(10, cart.Quantity("B"))
	s.Equal(1, cart.Quantity("C"))
	s.Equal(s.account.Key(), cart.Owner.Key())
	s.Equal(string(audit.EventCartMerged), s.lastAction())

	guest, err := s.service.Read(s.ctx, s.guest)
	s.Require().NoError(err)
	s.Equal(2, guest.Quantity("A"), "guest cart is left untouched")
	s.Equal(8, guest.Quantity("B"))
}

func (s *MergeSuite) TestMergeIsIdempotent() {
	s.add(s.guest, "A", 2)
	s.add(s.account, "A", 1)

	first, err := s.service.Merge(s.ctx, s.guest, s.account)
	s.Require().NoError(err)
	second, err := s.service.Merge(s.ctx, s.guest, s.account)
	s.Require().NoError(err)

	s.Equal(3, second.Quantity("A"))
	s.Equal(first.Version, second.Version, "repeat merge must not write")
	s.Equal(string(audit.EventCartMergeNoop), s.lastAction())
	s.Equal(float64(1), testutil.ToFloat64(s.metrics.MergeOutcomes.WithLabelValues("noop")))
}

func (s *MergeSuite) TestRemergeAfterGuestGrowthAddsOnlyGrowth() {
	s.add(s.guest, "A", 2)
	_, err := s.service.Merge(s.ctx, s.guest, s.account)
	s.Require().NoError(err)

	s.add(s.guest, "A", 1)
	s.add(s.guest, "B", 1)

	cart, err := s.service.Merge(s.ctx, s.guest, s.account)
	s.Require().NoError(err)
	s.Equal(3, cart.Quantity("A"))
	s.Equal(1, cart.Quantity("B"))
}

func (s *MergeSuite) TestEmptyGuestDoesNotWrite() {
	s.add(s.account, "A", 1)
	before, err := s.service.Read(s.ctx, s.account)
	s.Require().NoError(err)

	cart, err := s.service.Merge(s.ctx, s.guest, s.account)
	s.Require().NoError(err)
	s.Equal(before.Version, cart.Version)
	s.Equal(1, cart.Quantity("A"))
}

func (s *MergeSuite) TestEmptyAccountReceivesGuestLines() {
	s.add(s.guest, "A", 3)

	cart, err := s.service.Merge(s.ctx, s.guest, s.account)
	s.Require().NoError(err)
	s.Equal(3, cart.Quantity("A"))
}

func (s *MergeSuite) TestMergeRequiresGuestToAccount() {
	other := models.Account(id.UserID(uuid.New()))
	for name, pair := range map[string][2]models.Owner{
		"account source": {other, s.account},
		"guest target":   {s.guest, models.Guest("other")},
		"swapped":        {s.account, s.guest},
	} {
		s.Run(name, func() {
			_, err := s.service.Merge(s.ctx, pair[0], pair[1])
			s.True(dErrors.HasCode(err, dErrors.CodeValidation))
		})
	}
}

// TestMergeConcurrentWithAccountWrites verifies that account-side adds racing
// a merge are neither lost nor double-applied.
func (s *MergeSuite) TestMergeConcurrentWithAccountWrites() {
	s.add(s.guest, "A", 2)
	s.add(s.guest, "B", 1)

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.service.AddLine(s.ctx, s.account, "B", 1)
			s.NoError(err)
		}()
	}
	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.service.Merge(s.ctx, s.guest, s.account)
			s.NoError(err)
		}()
	}
	wg.Wait()

	cart, err := s.service.Read(s.ctx, s.account)
	s.Require().NoError(err)
	s.Equal(2, cart.Quantity("A"))
	s.Equal(5, cart.Quantity("B"))
}
