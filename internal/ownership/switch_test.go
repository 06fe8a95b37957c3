package ownership

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"cartkeep/internal/cart/cache"
	"cartkeep/internal/cart/merge"
	"cartkeep/internal/cart/models"
	"cartkeep/internal/cart/ports/mocks"
	"cartkeep/internal/cart/service"
	"cartkeep/internal/cart/store/memory"
	"cartkeep/internal/identity"
	kvmemory "cartkeep/internal/identity/kv/memory"
	id "cartkeep/pkg/domain"
)

// =============================================================================
// Ownership Switch Test Suite
// =============================================================================
// Justification: the switch is the only place where merge, refresh and token
// lifecycle are sequenced; these tests drive it over the real service, cache
// and coordinator.

type SwitchSuite struct {
	suite.Suite
	ctx         context.Context
	logger      *slog.Logger
	carts       *service.Service
	identity    *identity.SessionIdentity
	cache       *cache.Cache
	broadcaster *Broadcaster
	changes     <-chan Change
	sw          *Switch
	account     models.Owner
}

func TestSwitchSuite(t *testing.T) {
	suite.Run(t, new(SwitchSuite))
}

func (s *SwitchSuite) SetupTest() {
	s.ctx = context.Background()
	s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))

	var err error
	s.carts, err = service.New(memory.New(), service.WithLogger(s.logger))
	s.Require().NoError(err)
	s.identity = identity.New(kvmemory.New(), identity.WithLogger(s.logger))
	s.account = models.Account(id.UserID(uuid.New())).WithCredential("cred-1")

	coordinator, err := merge.New(s.carts, merge.WithLogger(s.logger))
	s.Require().NoError(err)
	s.build(coordinator)
}

func (s *SwitchSuite) build(merger interface {
	Merge(context.Context, models.Owner, models.Owner) (*models.Cart, error)
}) {
	var err error
	s.cache, err = cache.New(s.carts, models.Guest(s.identity.GetOrCreate(s.ctx)), cache.WithLogger(s.logger))
	s.Require().NoError(err)
	s.broadcaster = NewBroadcaster(s.logger)
	s.T().Cleanup(s.broadcaster.Close)
	s.changes, _ = s.broadcaster.Subscribe(s.T().Context())
	s.sw, err = New(s.identity, s.cache, merger, WithLogger(s.logger), WithPublisher(s.broadcaster))
	s.Require().NoError(err)
}

func (s *SwitchSuite) nextChange() Change {
	select {
	case c := <-s.changes:
		return c
	case <-time.After(time.Second):
		s.FailNow("no ownership change published")
		return Change{}
	}
}

func (s *SwitchSuite) TestNewValidates() {
	_, err := New(nil, s.cache, s.carts)
	s.Error(err)
	_, err = New(s.identity, nil, s.carts)
	s.Error(err)
	_, err = New(s.identity, s.cache, nil)
	s.Error(err)
}

func (s *SwitchSuite) TestStartIsAnonymous() {
	snap, err := s.sw.Start(s.ctx)
	s.Require().NoError(err)
	s.Equal(StateAnonymous, s.sw.State())
	token, _ := s.identity.Current()
	s.True(s.sw.Owner().SameAs(models.Guest(token)))
	s.True(snap.Loaded)
	s.Equal(ReasonStart, s.nextChange().Reason)
}

func (s *SwitchSuite) TestGuestToAccountScenario() {
	_, err := s.sw.Start(s.ctx)
	s.Require().NoError(err)
	s.nextChange()

	_, err = s.cache.AddLine(s.ctx, "P1", 2)
	s.Require().NoError(err)
	_, err = s.carts.AddLine(s.ctx, s.account, "P1", 1)
	s.Require().NoError(err)

	result, err := s.sw.Login(s.ctx, s.account)
	s.Require().NoError(err)
	s.True(result.Merged)
	s.NoError(result.MergeWarning)
	s.NoError(result.RefreshErr)
	s.Equal(3, result.Snapshot.Quantity("P1"))
	s.Equal(StateAuthenticated, s.sw.State())

	change := s.nextChange()
	s.Equal(ReasonLogin, change.Reason)
	s.True(change.From.IsGuest())
	s.True(change.To.SameAs(s.account))
	s.Equal(3, change.Snapshot.Quantity("P1"))
	s.Empty(change.MergeWarning)
}

func (s *SwitchSuite) TestLogoutIsolatesAccountCart() {
	_, err := s.sw.Start(s.ctx)
	s.Require().NoError(err)
	before, _ := s.identity.Current()
	_, err = s.carts.AddLine(s.ctx, s.account, "A1", 4)
	s.Require().NoError(err)

	_, err = s.sw.Login(s.ctx, s.account)
	s.Require().NoError(err)
	s.Equal(4, s.cache.Current().Quantity("A1"))

	snap := s.sw.Logout(s.ctx)
	s.True(snap.IsEmpty())
	s.True(snap.Owner.IsGuest())
	s.Equal(StateAnonymous, s.sw.State())

	after, _ := s.identity.Current()
	s.NotEqual(before, after, "token rotated after a merged login")

	refreshed, err := s.cache.Refresh(s.ctx)
	s.Require().NoError(err)
	s.Zero(refreshed.Quantity("A1"), "account lines never leak into the guest cart")
}

func (s *SwitchSuite) TestMergeFailureDoesNotFailLogin() {
	ctrl := gomock.NewController(s.T())
	merger := mocks.NewMockMerger(ctrl)
	s.build(merger)

	_, err := s.sw.Start(s.ctx)
	s.Require().NoError(err)
	_, err = s.cache.AddLine(s.ctx, "G1", 1)
	s.Require().NoError(err)
	_, err = s.carts.AddLine(s.ctx, s.account, "A1", 2)
	s.Require().NoError(err)
	tokenBefore, _ := s.identity.Current()

	merger.EXPECT().Merge(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, models.ErrMergeFailed)

	result, err := s.sw.Login(s.ctx, s.account)
	s.Require().NoError(err)
	s.False(result.Merged)
	s.ErrorIs(result.MergeWarning, models.ErrMergeFailed)
	s.Equal(2, result.Snapshot.Quantity("A1"))
	s.Zero(result.Snapshot.Quantity("G1"))

	s.nextChange()
	change := s.nextChange()
	s.NotEmpty(change.MergeWarning)

	s.sw.Logout(s.ctx)
	tokenAfter, _ := s.identity.Current()
	s.Equal(tokenBefore, tokenAfter, "unmerged guest token is reused")
}

func (s *SwitchSuite) TestLoginAsCurrentAccountOnlyRefreshes() {
	ctrl := gomock.NewController(s.T())
	merger := mocks.NewMockMerger(ctrl)
	s.build(merger)
	_, err := s.sw.Start(s.ctx)
	s.Require().NoError(err)

	merger.EXPECT().Merge(gomock.Any(), gomock.Any(), s.account).Return(models.EmptyCart(s.account), nil).Times(1)
	_, err = s.sw.Login(s.ctx, s.account)
	s.Require().NoError(err)

	_, err = s.carts.AddLine(s.ctx, s.account, "A1", 1)
	s.Require().NoError(err)
	result, err := s.sw.Login(s.ctx, s.account.WithCredential("cred-2"))
	s.Require().NoError(err)
	s.False(result.Merged)
	s.Equal(1, result.Snapshot.Quantity("A1"))
	s.Equal("cred-2", s.sw.Owner().Credential())
}

func (s *SwitchSuite) TestLoginAsOtherAccountLogsOutFirst() {
	_, err := s.sw.Start(s.ctx)
	s.Require().NoError(err)
	_, err = s.cache.AddLine(s.ctx, "G1", 1)
	s.Require().NoError(err)
	_, err = s.sw.Login(s.ctx, s.account)
	s.Require().NoError(err)

	other := models.Account(id.UserID(uuid.New())).WithCredential("cred-x")
	result, err := s.sw.Login(s.ctx, other)
	s.Require().NoError(err)
	s.True(result.Owner.SameAs(other))
	s.Zero(result.Snapshot.Quantity("G1"), "first account's merged guest cart is not merged again")

	s.nextChange() // start
	s.nextChange() // login
	s.Equal(ReasonLogout, s.nextChange().Reason)
	s.Equal(ReasonLogin, s.nextChange().Reason)
}

func (s *SwitchSuite) TestLoginRejectsGuestOwner() {
	_, err := s.sw.Login(s.ctx, models.Guest("tok"))
	s.Error(err)
}

func (s *SwitchSuite) TestLogoutWhenAnonymousIsNoop() {
	_, err := s.sw.Start(s.ctx)
	s.Require().NoError(err)
	owner := s.sw.Owner()
	s.sw.Logout(s.ctx)
	s.True(s.sw.Owner().SameAs(owner))
}

func (s *SwitchSuite) TestRepeatedCycles() {
	_, err := s.sw.Start(s.ctx)
	s.Require().NoError(err)
	for i := range 5 {
		_, err = s.cache.AddLine(s.ctx, "P1", 1)
		s.Require().NoError(err)
		result, err := s.sw.Login(s.ctx, s.account)
		s.Require().NoError(err)
		s.Equal(min(i+1, models.MaxLineQuantity), result.Snapshot.Quantity("P1"))
		snap := s.sw.Logout(s.ctx)
		s.True(snap.IsEmpty())
	}
}

func (s *SwitchSuite) TestRunAppliesEventsInOrder() {
	_, err := s.sw.Start(s.ctx)
	s.Require().NoError(err)

	events := make(chan AuthEvent, 3)
	events <- AuthEvent{Kind: AuthLogin, Account: s.account}
	events <- AuthEvent{Kind: "bogus"}
	events <- AuthEvent{Kind: AuthLogout}
	close(events)

	s.Require().NoError(s.sw.Run(s.ctx, events))
	s.Equal(StateAnonymous, s.sw.State())
}

func (s *SwitchSuite) TestRunStopsOnContext() {
	ctx, cancel := context.WithCancel(s.ctx)
	cancel()
	s.ErrorIs(s.sw.Run(ctx, make(chan AuthEvent)), context.Canceled)
}
