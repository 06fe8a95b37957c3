package models

import (
	"time"

	id "cartkeep/pkg/domain"
)

// Cart is the full contents of one owner's cart as returned by every
// CartStore operation. Totals are derived on demand, never stored.
type Cart struct {
	Owner     Owner
	Lines     []Line
	Version   int64
	UpdatedAt time.Time
}

// EmptyCart is the valid "nothing yet" state for owner.
func EmptyCart(owner Owner) *Cart {
	return &Cart{Owner: owner, Lines: []Line{}}
}

// ItemCount sums line quantities.
func (c *Cart) ItemCount() int {
	n := 0
	for _, l := range c.Lines {
		n += l.Quantity
	}
	return n
}

// Quantity returns the quantity held for ref, or 0.
func (c *Cart) Quantity(ref id.ProductRef) int {
	for _, l := range c.Lines {
		if l.ProductRef == ref {
			return l.Quantity
		}
	}
	return 0
}

// IsEmpty reports whether the cart has no lines.
func (c *Cart) IsEmpty() bool { return len(c.Lines) == 0 }

// Totals are derived from lines at read time.
type Totals struct {
	ItemCount int
	// Subtotal in minor currency units over the lines that could be priced.
	Subtotal int64
	// Complete is false when at least one line had no price.
	Complete bool
}

// PriceFunc resolves the unit price of a product in minor units.
type PriceFunc func(ref id.ProductRef) (int64, bool)

// Totals recomputes item count and subtotal from the current lines.
func (c *Cart) Totals(price PriceFunc) Totals {
	t := Totals{ItemCount: c.ItemCount(), Complete: true}
	for _, l := range c.Lines {
		if price == nil {
			t.Complete = false
			continue
		}
		unit, ok := price(l.ProductRef)
		if !ok {
			t.Complete = false
			continue
		}
		t.Subtotal += unit * int64(l.Quantity)
	}
	return t
}

// Product holds catalog display attributes. It is resolved through the
// catalog collaborator and never persisted with a cart.
type Product struct {
	Ref        id.ProductRef
	Name       string
	PriceCents int64
	Stock      int
}
