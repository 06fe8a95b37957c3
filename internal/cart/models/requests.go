package models

import (
	"time"

	id "cartkeep/pkg/domain"
	dErrors "cartkeep/pkg/domain-errors"
)

// AddLineRequest is the body of POST /cart/lines.
type AddLineRequest struct {
	ProductRef string `json:"product_ref"`
	Quantity   int    `json:"quantity"`
}

// SetQuantityRequest is the body of PUT /cart/lines/{ref}. Quantity is a
// pointer so an omitted field is distinguishable from zero.
type SetQuantityRequest struct {
	Quantity *int `json:"quantity"`
}

type OwnerResponse struct {
	Kind OwnerKind `json:"kind"`
	ID   string    `json:"id"`
}

type LineResponse struct {
	ProductRef string `json:"product_ref"`
	Quantity   int    `json:"quantity"`
}

// CartResponse is the wire shape of a cart.
type CartResponse struct {
	Owner     OwnerResponse  `json:"owner"`
	Lines     []LineResponse `json:"lines"`
	Version   int64          `json:"version"`
	ItemCount int            `json:"item_count"`
	UpdatedAt *time.Time     `json:"updated_at,omitempty"`
}

func NewCartResponse(c *Cart) CartResponse {
	resp := CartResponse{
		Owner:     OwnerResponse{Kind: c.Owner.Kind()},
		Lines:     make([]LineResponse, 0, len(c.Lines)),
		Version:   c.Version,
		ItemCount: c.ItemCount(),
	}
	if c.Owner.IsGuest() {
		resp.Owner.ID = c.Owner.SessionToken().String()
	} else {
		resp.Owner.ID = c.Owner.UserID().String()
	}
	for _, l := range c.Lines {
		resp.Lines = append(resp.Lines, LineResponse{ProductRef: l.ProductRef.String(), Quantity: l.Quantity})
	}
	if !c.UpdatedAt.IsZero() {
		t := c.UpdatedAt
		resp.UpdatedAt = &t
	}
	return resp
}

// ToCart rebuilds a Cart for owner from a response. The owner is taken from
// the caller, not the body, so a response for someone else is rejected.
func (r CartResponse) ToCart(owner Owner) (*Cart, error) {
	if r.Owner.Kind != owner.Kind() {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "response owner kind mismatch")
	}
	cart := EmptyCart(owner)
	cart.Version = r.Version
	if r.UpdatedAt != nil {
		cart.UpdatedAt = *r.UpdatedAt
	}
	for _, l := range r.Lines {
		ref, err := id.ParseProductRef(l.ProductRef)
		if err != nil {
			return nil, err
		}
		if l.Quantity <= 0 {
			continue
		}
		cart.Lines = append(cart.Lines, Line{ProductRef: ref, Quantity: l.Quantity})
	}
	return cart, nil
}
