// Package ownership drives the cart across authentication transitions.
package ownership

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"cartkeep/internal/cart/cache"
	"cartkeep/internal/cart/models"
	"cartkeep/internal/cart/ports"
	id "cartkeep/pkg/domain"
)

// Identity is the session-token source.
type Identity interface {
	GetOrCreate(ctx context.Context) id.SessionToken
	Rotate(ctx context.Context) id.SessionToken
}

// Cache is the owner-tagged cart mirror.
type Cache interface {
	Current() cache.Snapshot
	SwitchOwner(owner models.Owner) cache.Snapshot
	Reset(owner models.Owner) cache.Snapshot
	Refresh(ctx context.Context) (cache.Snapshot, error)
}

// Publisher receives ownership changes.
type Publisher interface {
	Publish(change Change)
}

type State int

const (
	StateAnonymous State = iota
	StateAuthenticated
)

func (s State) String() string {
	if s == StateAuthenticated {
		return "authenticated"
	}
	return "anonymous"
}

// Change reasons.
const (
	ReasonStart  = "start"
	ReasonLogin  = "login"
	ReasonLogout = "logout"
)

// Change describes one ownership transition.
type Change struct {
	From     models.Owner
	To       models.Owner
	Reason   string
	Snapshot cache.Snapshot
	// MergeWarning is set when the login merge failed.
	MergeWarning string
}

// LoginResult reports the outcome of a login. MergeWarning and RefreshErr
// are non-fatal: the login itself always succeeds.
type LoginResult struct {
	Owner        models.Owner
	Snapshot     cache.Snapshot
	Merged       bool
	MergeWarning error
	RefreshErr   error
}

// AuthEventKind names an authentication transition.
type AuthEventKind string

const (
	AuthLogin  AuthEventKind = "login"
	AuthLogout AuthEventKind = "logout"
)

// AuthEvent is delivered by the authentication collaborator. Account is set
// for logins and carries the account credential.
type AuthEvent struct {
	Kind    AuthEventKind
	Account models.Owner
}

// Switch serializes ownership transitions for one visitor:
// Anonymous(token) -login-> Authenticated(user) -logout-> Anonymous(token').
type Switch struct {
	identity  Identity
	cache     Cache
	merger    ports.Merger
	publisher Publisher
	logger    *slog.Logger

	mu          sync.Mutex
	owner       models.Owner
	mergedLogin bool
}

type Option func(*Switch)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Switch) {
		s.logger = logger
	}
}

func WithPublisher(p Publisher) Option {
	return func(s *Switch) {
		s.publisher = p
	}
}

func New(identity Identity, c Cache, merger ports.Merger, opts ...Option) (*Switch, error) {
	if identity == nil {
		return nil, fmt.Errorf("identity is required")
	}
	if c == nil {
		return nil, fmt.Errorf("cart cache is required")
	}
	if merger == nil {
		return nil, fmt.Errorf("merger is required")
	}
	s := &Switch{
		identity: identity,
		cache:    c,
		merger:   merger,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Owner returns the current cart owner; zero before Start.
func (s *Switch) Owner() models.Owner {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.owner
}

func (s *Switch) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.owner.IsAccount() {
		return StateAuthenticated
	}
	return StateAnonymous
}

// Start enters the anonymous state under the visitor's session token and
// loads its cart. A refresh failure is returned but leaves the switch
// started.
func (s *Switch) Start(ctx context.Context) (cache.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	guest := models.Guest(s.identity.GetOrCreate(ctx))
	from := s.owner
	s.owner = guest
	s.mergedLogin = false
	if !s.cache.Current().Owner.SameAs(guest) {
		s.cache.SwitchOwner(guest)
	}
	snap, err := s.cache.Refresh(ctx)
	if err != nil {
		s.logger.WarnContext(ctx, "initial cart refresh failed", "owner", guest, "error", err.Error())
		snap = s.cache.Current()
	}
	s.publish(Change{From: from, To: guest, Reason: ReasonStart, Snapshot: snap})
	return snap, err
}

// Login moves the cart to account: the cache is re-targeted first, then the
// guest cart is merged (awaited), then the account cart is read and the
// change published. Merge and refresh failures are reported in the result
// and never fail the login.
func (s *Switch) Login(ctx context.Context, account models.Owner) (LoginResult, error) {
	if !account.IsAccount() {
		return LoginResult{}, fmt.Errorf("login requires an account owner")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.owner.IsZero() {
		s.owner = models.Guest(s.identity.GetOrCreate(ctx))
	}

	if s.owner.IsAccount() {
		if s.owner.SameAs(account) {
			if s.owner.Credential() != account.Credential() {
				s.cache.SwitchOwner(account)
			}
			s.owner = account
			snap, err := s.refresh(ctx)
			return LoginResult{Owner: account, Snapshot: snap, RefreshErr: err}, nil
		}
		s.logoutLocked(ctx)
	}

	guest := s.owner
	s.cache.SwitchOwner(account)
	s.owner = account

	result := LoginResult{Owner: account}
	if _, err := s.merger.Merge(ctx, guest, account); err != nil {
		result.MergeWarning = err
		s.mergedLogin = false
		s.logger.WarnContext(ctx, "login completed without cart merge",
			"source", guest,
			"target", account,
			"error", err.Error(),
		)
	} else {
		result.Merged = true
		s.mergedLogin = true
	}

	result.Snapshot, result.RefreshErr = s.refresh(ctx)

	change := Change{From: guest, To: account, Reason: ReasonLogin, Snapshot: result.Snapshot}
	if result.MergeWarning != nil {
		change.MergeWarning = result.MergeWarning.Error()
	}
	s.publish(change)
	return result, nil
}

// Logout returns to an anonymous owner with an empty cart. The session token
// is rotated when the preceding login merged it, otherwise it is reused.
func (s *Switch) Logout(ctx context.Context) cache.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.owner.IsAccount() {
		return s.cache.Current()
	}
	return s.logoutLocked(ctx)
}

func (s *Switch) logoutLocked(ctx context.Context) cache.Snapshot {
	var token id.SessionToken
	if s.mergedLogin {
		token = s.identity.Rotate(ctx)
	} else {
		token = s.identity.GetOrCreate(ctx)
	}
	from := s.owner
	guest := models.Guest(token)
	s.owner = guest
	s.mergedLogin = false

	snap := s.cache.Reset(guest)
	s.publish(Change{From: from, To: guest, Reason: ReasonLogout, Snapshot: snap})
	return snap
}

// Run applies authentication events in order until events is closed or ctx
// is done.
func (s *Switch) Run(ctx context.Context, events <-chan AuthEvent) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			s.apply(ctx, ev)
		}
	}
}

func (s *Switch) apply(ctx context.Context, ev AuthEvent) {
	switch ev.Kind {
	case AuthLogin:
		if _, err := s.Login(ctx, ev.Account); err != nil {
			s.logger.WarnContext(ctx, "ignoring login event", "error", err.Error())
		}
	case AuthLogout:
		s.Logout(ctx)
	default:
		s.logger.WarnContext(ctx, "ignoring unknown auth event", "kind", string(ev.Kind))
	}
}

func (s *Switch) refresh(ctx context.Context) (cache.Snapshot, error) {
	snap, err := s.cache.Refresh(ctx)
	if err != nil {
		s.logger.WarnContext(ctx, "cart refresh failed", "owner", s.owner, "error", err.Error())
		return s.cache.Current(), err
	}
	return snap, nil
}

func (s *Switch) publish(change Change) {
	if s.publisher != nil {
		s.publisher.Publish(change)
	}
}
