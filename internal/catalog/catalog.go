// Package catalog is an in-memory product catalog used by the storefront
// runtime to price carts.
package catalog

import (
	"context"
	"fmt"
	"io"
	"os"
	"slices"
	"sync"

	"gopkg.in/yaml.v3"

	"cartkeep/internal/cart/models"
	"cartkeep/internal/cart/ports"
	id "cartkeep/pkg/domain"
	"cartkeep/pkg/platform/sentinel"
)

// Catalog resolves product references to display attributes.
type Catalog struct {
	mu       sync.RWMutex
	products map[id.ProductRef]models.Product
}

var _ ports.Catalog = (*Catalog)(nil)

func New(products ...models.Product) *Catalog {
	c := &Catalog{products: make(map[id.ProductRef]models.Product, len(products))}
	for _, p := range products {
		c.products[p.Ref] = p
	}
	return c
}

type seedFile struct {
	Products []seedProduct `yaml:"products"`
}

type seedProduct struct {
	Ref        string `yaml:"ref"`
	Name       string `yaml:"name"`
	PriceCents int64  `yaml:"price_cents"`
	Stock      int    `yaml:"stock"`
}

// Load reads a YAML seed of the form:
//
//	products:
//	  - ref: sku-1
//	    name: Mug
//	    price_cents: 1200
//	    stock: 5
func Load(r io.Reader) (*Catalog, error) {
	var seed seedFile
	if err := yaml.NewDecoder(r).Decode(&seed); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decode catalog seed: %w", err)
	}
	c := New()
	for i, sp := range seed.Products {
		ref, err := id.ParseProductRef(sp.Ref)
		if err != nil {
			return nil, fmt.Errorf("catalog seed product %d: %w", i, err)
		}
		if sp.PriceCents < 0 {
			return nil, fmt.Errorf("catalog seed product %s: negative price", ref)
		}
		if _, dup := c.products[ref]; dup {
			return nil, fmt.Errorf("catalog seed product %s: duplicate ref", ref)
		}
		c.products[ref] = models.Product{Ref: ref, Name: sp.Name, PriceCents: sp.PriceCents, Stock: sp.Stock}
	}
	return c, nil
}

// LoadFile reads a YAML seed from path.
func LoadFile(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open catalog seed: %w", err)
	}
	defer f.Close()
	return Load(f)
}

func (c *Catalog) Lookup(_ context.Context, ref id.ProductRef) (*models.Product, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.products[ref]
	if !ok {
		return nil, fmt.Errorf("product %s: %w", ref, sentinel.ErrNotFound)
	}
	return &p, nil
}

func (c *Catalog) Put(p models.Product) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.products[p.Ref] = p
}

// List returns all products ordered by ref.
func (c *Catalog) List() []models.Product {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.Product, 0, len(c.products))
	for _, p := range c.products {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b models.Product) int {
		switch {
		case a.Ref < b.Ref:
			return -1
		case a.Ref > b.Ref:
			return 1
		}
		return 0
	})
	return out
}
