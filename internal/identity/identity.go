// Package identity owns the anonymous session token of a storefront visitor.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"cartkeep/internal/cart/metrics"
	"cartkeep/internal/cart/models"
	id "cartkeep/pkg/domain"
	"cartkeep/pkg/platform/sentinel"
)

// SessionTokenKey is the only durable key this package reads or writes.
const SessionTokenKey = "cart.session_token"

// KeyValueStore is the durable client-side store. Get returns
// sentinel.ErrNotFound for a missing key.
type KeyValueStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// SessionIdentity hands out the visitor's session token. The token is
// persisted on first use and stable across restarts. If the durable store
// fails, the identity degrades to an in-memory token for the rest of the
// process lifetime; that is a warning, never an error to the caller.
type SessionIdentity struct {
	kv      KeyValueStore
	logger  *slog.Logger
	metrics *metrics.Metrics
	mint    func() (id.SessionToken, error)

	mu       sync.Mutex
	current  id.SessionToken
	degraded bool
}

type Option func(*SessionIdentity)

func WithLogger(logger *slog.Logger) Option {
	return func(s *SessionIdentity) {
		s.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *SessionIdentity) {
		s.metrics = m
	}
}

// WithMinter replaces token generation, for tests.
func WithMinter(mint func() (id.SessionToken, error)) Option {
	return func(s *SessionIdentity) {
		if mint != nil {
			s.mint = mint
		}
	}
}

// New creates a SessionIdentity over kv. A nil kv means durable storage is
// disabled and the identity starts degraded.
func New(kv KeyValueStore, opts ...Option) *SessionIdentity {
	s := &SessionIdentity{
		kv:     kv,
		logger: slog.Default(),
		mint:   id.NewSessionToken,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "session_identity")
	if kv == nil {
		s.degrade(context.Background(), errors.New("no durable store configured"))
	}
	return s
}

// GetOrCreate returns the persisted token, creating and persisting one on
// first use.
func (s *SessionIdentity) GetOrCreate(ctx context.Context) id.SessionToken {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.current.IsZero() {
		return s.current
	}

	if !s.degraded {
		raw, err := s.kv.Get(ctx, SessionTokenKey)
		switch {
		case err == nil:
			token, parseErr := id.ParseSessionToken(raw)
			if parseErr == nil {
				s.current = token
				return s.current
			}
			s.logger.WarnContext(ctx, "discarding unreadable session token", "error", parseErr.Error())
		case errors.Is(err, sentinel.ErrNotFound):
		default:
			s.degrade(ctx, err)
		}
	}

	s.current = s.newToken(ctx)
	return s.current
}

// Rotate retires the current token and persists a fresh one.
func (s *SessionIdentity) Rotate(ctx context.Context) id.SessionToken {
	s.mu.Lock()
	defer s.mu.Unlock()
	previous := s.current
	s.current = s.newToken(ctx)
	s.logger.InfoContext(ctx, "session token rotated",
		"previous", models.Guest(previous),
		"current", models.Guest(s.current),
	)
	return s.current
}

// Current returns the in-use token without I/O; false before GetOrCreate.
func (s *SessionIdentity) Current() (id.SessionToken, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, !s.current.IsZero()
}

// Clear forgets the token and removes it from the durable store. The next
// GetOrCreate mints a new one.
func (s *SessionIdentity) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = ""
	if s.degraded {
		return nil
	}
	if err := s.kv.Delete(ctx, SessionTokenKey); err != nil && !errors.Is(err, sentinel.ErrNotFound) {
		s.degrade(ctx, err)
		return fmt.Errorf("%w: %w", models.ErrIdentityUnavailable, err)
	}
	return nil
}

// Degraded reports whether the token lives only in memory.
func (s *SessionIdentity) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

// newToken mints a token and persists it unless degraded. Must hold s.mu.
func (s *SessionIdentity) newToken(ctx context.Context) id.SessionToken {
	token, err := s.mint()
	if err != nil {
		// Minting only fails when the system random source does.
		panic(fmt.Sprintf("identity: mint session token: %v", err))
	}
	if s.degraded {
		return token
	}
	if err := s.kv.Set(ctx, SessionTokenKey, token.String()); err != nil {
		s.degrade(ctx, err)
	}
	return token
}

// degrade switches to in-memory mode once. Must hold s.mu (or be in New).
func (s *SessionIdentity) degrade(ctx context.Context, cause error) {
	if s.degraded {
		return
	}
	s.degraded = true
	s.metrics.SetIdentityDegraded(true)
	s.logger.WarnContext(ctx, "session identity degraded to an in-memory token",
		"error", fmt.Errorf("%w: %w", models.ErrIdentityUnavailable, cause).Error(),
	)
}
