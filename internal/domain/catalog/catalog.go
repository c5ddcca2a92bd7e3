package catalog

import (
	"context"
	"time"

	"github.com/go-faster/errors"

	"github.com/xenking/storefront/internal/domain/pricing"
)

var (
	// ErrNotFound is returned when a requested product or variant does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateSKU is returned when a variant SKU is already taken.
	ErrDuplicateSKU = errors.New("sku already exists")
)

// Product is a catalog item. It owns its variants; deleting a product
// deletes every variant.
type Product struct {
	ID          string
	Name        string
	Description string
	Category    string
	Variants    []Variant
	CreatedAt   time.Time
}

// Variant is a purchasable SKU of a product.
type Variant struct {
	ID        string
	ProductID string
	Measure   string
	Color     Color
	Price     pricing.Price
	Stock     Stock
	Tags      []string
}

// Color describes the visual option of a variant.
type Color struct {
	Name   string
	Code   string
	Images []string
}

// Stock holds inventory for a variant. SKU is globally unique.
type Stock struct {
	InStock int
	SKU     string
}

// Line is a variant joined with its owning product's display data, as
// needed to snapshot an order line.
type Line struct {
	ProductName string
	Variant     Variant
}

// Repository defines persistence for the catalog.
type Repository interface {
	List(ctx context.Context) ([]Product, error)
	GetByID(ctx context.Context, id string) (*Product, error)
	// GetLines returns the variants matching the given IDs together with the
	// product name. Variants whose product differs from the requested one are
	// filtered by the caller.
	GetLines(ctx context.Context, variantIDs []string) ([]Line, error)
	Create(ctx context.Context, p *Product) error
	Delete(ctx context.Context, id string) error
	UpdatePrice(ctx context.Context, variantID string, price pricing.Price) error
	// BackfillCompareAt sets compare_at = amount for variants that have none.
	BackfillCompareAt(ctx context.Context, variantIDs []string) error
}
