package catalog

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"

	"github.com/xenking/storefront/internal/domain/pricing"
)

// ValidationError describes a rejected catalog write.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Service implements catalog administration and priced reads.
type Service struct {
	repo Repository
	now  func() time.Time
}

// NewService creates a catalog Service backed by repo.
func NewService(repo Repository) *Service {
	return &Service{repo: repo, now: time.Now}
}

// CreateProduct assigns identifiers, derives tags and persists p with all
// of its variants.
func (s *Service) CreateProduct(ctx context.Context, p *Product) error {
	if p.Name == "" {
		return &ValidationError{Field: "name", Reason: "required"}
	}
	if len(p.Variants) == 0 {
		return &ValidationError{Field: "variants", Reason: "at least one variant required"}
	}

	p.ID = uuid.New().String()
	p.CreatedAt = s.now().UTC()
	for i := range p.Variants {
		v := &p.Variants[i]
		if err := validateVariant(v); err != nil {
			return err
		}
		v.ID = uuid.New().String()
		v.ProductID = p.ID
		v.Price = pricing.WithCompareAtDefault(v.Price)
		v.RegenerateTags()
	}

	if err := s.repo.Create(ctx, p); err != nil {
		return errors.Wrap(err, "create product")
	}
	return nil
}

// DeleteProduct removes a product and, by cascade, its variants.
func (s *Service) DeleteProduct(ctx context.Context, id string) error {
	return s.repo.Delete(ctx, id)
}

// UpdatePrice replaces the pricing metadata of a variant. Tags are not
// touched since neither measure nor color changes.
func (s *Service) UpdatePrice(ctx context.Context, variantID string, price pricing.Price) error {
	if err := validatePrice(price); err != nil {
		return err
	}
	return s.repo.UpdatePrice(ctx, variantID, price)
}

// List returns all products. Variants missing compareAt are backfilled in
// storage once; the returned prices already carry the default.
func (s *Service) List(ctx context.Context) ([]Product, error) {
	products, err := s.repo.List(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list products")
	}
	if err := s.backfill(ctx, products); err != nil {
		return nil, err
	}
	return products, nil
}

// Get returns a single product with compareAt backfilled.
func (s *Service) Get(ctx context.Context, id string) (*Product, error) {
	p, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	// The copy shares p.Variants, so backfilled prices land in p.
	if err := s.backfill(ctx, []Product{*p}); err != nil {
		return nil, err
	}
	return p, nil
}

// Now returns the instant used for priced reads.
func (s *Service) Now() time.Time {
	return s.now()
}

func (s *Service) backfill(ctx context.Context, products []Product) error {
	var missing []string
	for i := range products {
		for j := range products[i].Variants {
			v := &products[i].Variants[j]
			if v.Price.CompareAt == nil {
				missing = append(missing, v.ID)
				v.Price = pricing.WithCompareAtDefault(v.Price)
			}
		}
	}
	if len(missing) == 0 {
		return nil
	}
	if err := s.repo.BackfillCompareAt(ctx, missing); err != nil {
		return errors.Wrap(err, "backfill compare_at")
	}
	return nil
}

func validateVariant(v *Variant) error {
	if v.Stock.SKU == "" {
		return &ValidationError{Field: "stock.sku", Reason: "required"}
	}
	if v.Stock.InStock < 0 {
		return &ValidationError{Field: "stock.inStock", Reason: "must not be negative"}
	}
	return validatePrice(v.Price)
}

func validatePrice(p pricing.Price) error {
	if p.Currency == "" {
		return &ValidationError{Field: "price.currency", Reason: "required"}
	}
	if p.Amount.IsNegative() {
		return &ValidationError{Field: "price.amount", Reason: "must not be negative"}
	}
	if d := p.Discount; d != nil {
		switch d.Type {
		case pricing.DiscountPercent, pricing.DiscountAmount:
		default:
			return &ValidationError{Field: "price.discount.type", Reason: fmt.Sprintf("unsupported %q", d.Type)}
		}
		if d.Value.IsNegative() {
			return &ValidationError{Field: "price.discount.value", Reason: "must not be negative"}
		}
		if d.StartAt != nil && d.EndAt != nil && d.EndAt.Before(*d.StartAt) {
			return &ValidationError{Field: "price.discount.endAt", Reason: "before startAt"}
		}
	}
	return nil
}
