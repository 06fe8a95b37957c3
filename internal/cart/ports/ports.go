package ports

//go:generate mockgen -source=ports.go -destination=mocks/mocks.go -package=mocks

import (
	"context"

	"cartkeep/internal/cart/models"
	id "cartkeep/pkg/domain"
	"cartkeep/pkg/platform/audit"
)

// CartStore is the authoritative cart for any owner. Every call names the
// owner explicitly and returns the full resulting cart; nothing is partially
// applied.
type CartStore interface {
	Read(ctx context.Context, owner models.Owner) (*models.Cart, error)
	AddLine(ctx context.Context, owner models.Owner, ref id.ProductRef, qty int) (*models.Cart, error)
	SetLineQuantity(ctx context.Context, owner models.Owner, ref id.ProductRef, qty int) (*models.Cart, error)
	RemoveLine(ctx context.Context, owner models.Owner, ref id.ProductRef) (*models.Cart, error)
	Clear(ctx context.Context, owner models.Owner) (*models.Cart, error)
	Merge(ctx context.Context, source, target models.Owner) (*models.Cart, error)
}

// Merger consolidates a guest cart into an account cart.
type Merger interface {
	Merge(ctx context.Context, source, target models.Owner) (*models.Cart, error)
}

// RecordStore persists cart records keyed by owner key.
//
// Load returns sentinel.ErrNotFound when no record exists. Save succeeds only
// when the stored version equals expectedVersion (0 for "absent"), otherwise
// it returns sentinel.ErrConflict. On success rec.Version is the new version.
type RecordStore interface {
	Load(ctx context.Context, ownerKey string) (*models.Record, error)
	Save(ctx context.Context, rec *models.Record, expectedVersion int64) error
}

// Catalog resolves display attributes for a product reference.
type Catalog interface {
	Lookup(ctx context.Context, ref id.ProductRef) (*models.Product, error)
}

// AuditPublisher records cart lifecycle events.
type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}
