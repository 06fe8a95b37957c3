// Package cache mirrors the current owner's cart for the rendering layer.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"cartkeep/internal/cart/metrics"
	"cartkeep/internal/cart/models"
	"cartkeep/internal/cart/ports"
	id "cartkeep/pkg/domain"
)

// Snapshot is an immutable view of the cached cart. Totals are derived from
// Lines whenever a snapshot is built.
type Snapshot struct {
	Owner          models.Owner
	Lines          []models.Line
	ItemCount      int
	Subtotal       int64
	PricedComplete bool
	Version        int64
	// Epoch increments on every owner switch.
	Epoch uint64
	// Loaded is false between an owner switch and the first confirmed read.
	Loaded bool
}

// Quantity returns the cached quantity of ref.
func (s Snapshot) Quantity(ref id.ProductRef) int {
	for _, l := range s.Lines {
		if l.ProductRef == ref {
			return l.Quantity
		}
	}
	return 0
}

func (s Snapshot) IsEmpty() bool { return len(s.Lines) == 0 }

// Cache holds the last confirmed cart of exactly one owner.
//
// Every store call is tagged with the (owner, epoch) current at dispatch.
// A result whose tag no longer matches is dropped with ErrStaleOwner, so a
// slow guest mutation can never land in an account's cache. Within one epoch
// a result older than the cached version is ignored only when another result
// was applied while it was in flight. A lower version with nothing applied in
// between means the store record was reset (guest expiry, store restart) and
// the result is the confirmed state.
type Cache struct {
	store   ports.CartStore
	catalog ports.Catalog
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu   sync.RWMutex
	snap Snapshot
	// applied counts results written to snap.
	applied uint64
}

type Option func(*Cache)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Cache) {
		c.metrics = m
	}
}

// WithCatalog prices lines. Without a catalog every non-empty snapshot is
// marked PricedComplete=false.
func WithCatalog(catalog ports.Catalog) Option {
	return func(c *Cache) {
		c.catalog = catalog
	}
}

// New creates a cache for owner. The cache starts unloaded; call Refresh.
func New(store ports.CartStore, owner models.Owner, opts ...Option) (*Cache, error) {
	if store == nil {
		return nil, fmt.Errorf("cart store is required")
	}
	if err := owner.Validate(); err != nil {
		return nil, err
	}
	c := &Cache{
		store:  store,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.snap = emptySnapshot(owner, 0, false)
	return c, nil
}

func emptySnapshot(owner models.Owner, epoch uint64, loaded bool) Snapshot {
	return Snapshot{
		Owner:          owner,
		Lines:          []models.Line{},
		PricedComplete: true,
		Epoch:          epoch,
		Loaded:         loaded,
	}
}

// Current returns the cached snapshot without I/O.
func (c *Cache) Current() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap
}

// Owner returns the owner the cache currently mirrors.
func (c *Cache) Owner() models.Owner {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap.Owner
}

// SwitchOwner discards the cached cart and re-targets the cache. In-flight
// calls for the previous owner will be dropped. The new snapshot is empty
// and unloaded until Refresh.
func (c *Cache) SwitchOwner(owner models.Owner) Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snap = emptySnapshot(owner, c.snap.Epoch+1, false)
	c.logger.Debug("cart cache owner switched", "owner", owner, "epoch", c.snap.Epoch)
	return c.snap
}

// Reset re-targets the cache like SwitchOwner but presents an empty cart as
// the loaded state, so nothing from the previous owner is ever shown.
func (c *Cache) Reset(owner models.Owner) Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snap = emptySnapshot(owner, c.snap.Epoch+1, true)
	c.logger.Debug("cart cache reset", "owner", owner, "epoch", c.snap.Epoch)
	return c.snap
}

// Refresh re-reads the cart of the current owner.
func (c *Cache) Refresh(ctx context.Context) (Snapshot, error) {
	return c.do(ctx, "read", func(ctx context.Context, owner models.Owner) (*models.Cart, error) {
		return c.store.Read(ctx, owner)
	})
}

func (c *Cache) AddLine(ctx context.Context, ref id.ProductRef, qty int) (Snapshot, error) {
	return c.do(ctx, "add_line", func(ctx context.Context, owner models.Owner) (*models.Cart, error) {
		return c.store.AddLine(ctx, owner, ref, qty)
	})
}

func (c *Cache) SetLineQuantity(ctx context.Context, ref id.ProductRef, qty int) (Snapshot, error) {
	return c.do(ctx, "set_quantity", func(ctx context.Context, owner models.Owner) (*models.Cart, error) {
		return c.store.SetLineQuantity(ctx, owner, ref, qty)
	})
}

func (c *Cache) RemoveLine(ctx context.Context, ref id.ProductRef) (Snapshot, error) {
	return c.do(ctx, "remove_line", func(ctx context.Context, owner models.Owner) (*models.Cart, error) {
		return c.store.RemoveLine(ctx, owner, ref)
	})
}

func (c *Cache) Clear(ctx context.Context) (Snapshot, error) {
	return c.do(ctx, "clear", func(ctx context.Context, owner models.Owner) (*models.Cart, error) {
		return c.store.Clear(ctx, owner)
	})
}

// do dispatches call under the current tag and applies its result only if
// the tag still matches. Every store call returns the full cart, which is
// the refreshed state; no second read is issued.
func (c *Cache) do(ctx context.Context, operation string, call func(context.Context, models.Owner) (*models.Cart, error)) (Snapshot, error) {
	c.mu.RLock()
	owner, epoch, applied := c.snap.Owner, c.snap.Epoch, c.applied
	c.mu.RUnlock()

	cart, err := call(ctx, owner)
	if err != nil {
		if c.stale(epoch) {
			c.dropStale(ctx, operation, owner)
			return c.Current(), fmt.Errorf("%w: %w", models.ErrStaleOwner, err)
		}
		return c.Current(), err
	}
	if !cart.Owner.SameAs(owner) {
		return c.Current(), fmt.Errorf("%w: store answered for another owner", models.ErrRemoteRejected)
	}

	next := c.build(ctx, cart, epoch)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.snap.Epoch != epoch {
		c.dropStaleLocked(ctx, operation, owner)
		return c.snap, models.ErrStaleOwner
	}
	if c.snap.Loaded && c.applied != applied && next.Version < c.snap.Version {
		// Overtaken by a newer response.
		return c.snap, nil
	}
	c.snap = next
	c.applied++
	return c.snap, nil
}

func (c *Cache) stale(epoch uint64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap.Epoch != epoch
}

func (c *Cache) dropStale(ctx context.Context, operation string, owner models.Owner) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	c.dropStaleLocked(ctx, operation, owner)
}

func (c *Cache) dropStaleLocked(ctx context.Context, operation string, owner models.Owner) {
	c.metrics.IncStaleResult(operation)
	c.logger.InfoContext(ctx, "dropped cart result for previous owner",
		"operation", operation,
		"dispatched_owner", owner,
		"current_owner", c.snap.Owner,
	)
}

// build derives totals for cart, pricing each line through the catalog.
func (c *Cache) build(ctx context.Context, cart *models.Cart, epoch uint64) Snapshot {
	totals := cart.Totals(c.priceFunc(ctx, cart.Lines))
	lines := models.CloneLines(cart.Lines)
	if lines == nil {
		lines = []models.Line{}
	}
	return Snapshot{
		Owner:          cart.Owner,
		Lines:          lines,
		ItemCount:      totals.ItemCount,
		Subtotal:       totals.Subtotal,
		PricedComplete: totals.Complete,
		Version:        cart.Version,
		Epoch:          epoch,
		Loaded:         true,
	}
}

func (c *Cache) priceFunc(ctx context.Context, lines []models.Line) models.PriceFunc {
	if c.catalog == nil {
		return nil
	}
	prices := make(map[id.ProductRef]int64, len(lines))
	for _, l := range lines {
		product, err := c.catalog.Lookup(ctx, l.ProductRef)
		if err != nil {
			c.logger.DebugContext(ctx, "product not priced", "product_ref", l.ProductRef, "error", err)
			continue
		}
		prices[l.ProductRef] = product.PriceCents
	}
	return func(ref id.ProductRef) (int64, bool) {
		p, ok := prices[ref]
		return p, ok
	}
}
