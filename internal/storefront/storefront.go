// Package storefront assembles the cart continuity runtime for one visitor:
// session identity, the owner-tagged cart cache, the merge coordinator and
// the ownership switch.
package storefront

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"cartkeep/internal/cart/cache"
	"cartkeep/internal/cart/merge"
	"cartkeep/internal/cart/metrics"
	"cartkeep/internal/cart/models"
	"cartkeep/internal/cart/ports"
	"cartkeep/internal/identity"
	"cartkeep/internal/ownership"
	id "cartkeep/pkg/domain"
)

// Deps are the collaborators of a Storefront.
type Deps struct {
	// Carts is the authoritative cart, in-process or remote.
	Carts ports.CartStore
	// Catalog prices snapshots; optional.
	Catalog ports.Catalog
	// KV persists the session token; nil runs on an in-memory token.
	KV identity.KeyValueStore
}

// Storefront is the cart surface the rendering layer talks to.
type Storefront struct {
	identity    *identity.SessionIdentity
	cache       *cache.Cache
	switcher    *ownership.Switch
	broadcaster *ownership.Broadcaster
	logger      *slog.Logger
}

type options struct {
	logger       *slog.Logger
	metrics      *metrics.Metrics
	mergeTimeout time.Duration
}

type Option func(*options)

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

func WithMergeTimeout(d time.Duration) Option {
	return func(o *options) {
		o.mergeTimeout = d
	}
}

// New wires the runtime and starts it as an anonymous visitor. A failed
// initial cart read is logged; the storefront is still usable.
func New(ctx context.Context, deps Deps, opts ...Option) (*Storefront, error) {
	if deps.Carts == nil {
		return nil, fmt.Errorf("cart store is required")
	}
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	ident := identity.New(deps.KV, identity.WithLogger(o.logger), identity.WithMetrics(o.metrics))

	c, err := cache.New(deps.Carts, models.Guest(ident.GetOrCreate(ctx)),
		cache.WithLogger(o.logger),
		cache.WithMetrics(o.metrics),
		cache.WithCatalog(deps.Catalog),
	)
	if err != nil {
		return nil, err
	}

	coordinator, err := merge.New(deps.Carts,
		merge.WithLogger(o.logger),
		merge.WithMetrics(o.metrics),
		merge.WithTimeout(o.mergeTimeout),
	)
	if err != nil {
		return nil, err
	}

	broadcaster := ownership.NewBroadcaster(o.logger)
	switcher, err := ownership.New(ident, c, coordinator,
		ownership.WithLogger(o.logger),
		ownership.WithPublisher(broadcaster),
	)
	if err != nil {
		return nil, err
	}

	sf := &Storefront{
		identity:    ident,
		cache:       c,
		switcher:    switcher,
		broadcaster: broadcaster,
		logger:      o.logger,
	}
	if _, err := switcher.Start(ctx); err != nil {
		o.logger.WarnContext(ctx, "storefront started without a cart", "error", err.Error())
	}
	return sf, nil
}

// Cart returns the cached cart without I/O.
func (s *Storefront) Cart() cache.Snapshot { return s.cache.Current() }

// Refresh re-reads the current owner's cart.
func (s *Storefront) Refresh(ctx context.Context) (cache.Snapshot, error) {
	return s.cache.Refresh(ctx)
}

func (s *Storefront) AddLine(ctx context.Context, ref id.ProductRef, qty int) (cache.Snapshot, error) {
	return s.cache.AddLine(ctx, ref, qty)
}

func (s *Storefront) SetLineQuantity(ctx context.Context, ref id.ProductRef, qty int) (cache.Snapshot, error) {
	return s.cache.SetLineQuantity(ctx, ref, qty)
}

func (s *Storefront) RemoveLine(ctx context.Context, ref id.ProductRef) (cache.Snapshot, error) {
	return s.cache.RemoveLine(ctx, ref)
}

func (s *Storefront) Clear(ctx context.Context) (cache.Snapshot, error) {
	return s.cache.Clear(ctx)
}

// Login switches to account; see ownership.Switch.Login.
func (s *Storefront) Login(ctx context.Context, account models.Owner) (ownership.LoginResult, error) {
	return s.switcher.Login(ctx, account)
}

func (s *Storefront) Logout(ctx context.Context) cache.Snapshot {
	return s.switcher.Logout(ctx)
}

// Run consumes authentication events until events closes or ctx is done.
func (s *Storefront) Run(ctx context.Context, events <-chan ownership.AuthEvent) error {
	return s.switcher.Run(ctx, events)
}

// Subscribe delivers ownership changes until ctx is cancelled.
func (s *Storefront) Subscribe(ctx context.Context) <-chan ownership.Change {
	ch, _ := s.broadcaster.Subscribe(ctx)
	return ch
}

func (s *Storefront) Owner() models.Owner { return s.switcher.Owner() }

// IdentityDegraded reports whether the session token is process-local.
func (s *Storefront) IdentityDegraded() bool { return s.identity.Degraded() }

// Close ends all subscriptions.
func (s *Storefront) Close() {
	s.broadcaster.Close()
}
