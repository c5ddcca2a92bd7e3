package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/xenking/storefront/internal/domain/catalog"
	"github.com/xenking/storefront/internal/domain/pricing"
)

const variantColumns = `v.id, v.product_id, v.measure, v.color_name, v.color_code, v.images,
	v.currency, v.amount, v.compare_at, v.discount_type, v.discount_value,
	v.discount_start_at, v.discount_end_at, v.in_stock, v.sku, v.tags`

const (
	listProductsSQL = `SELECT id, name, description, category, created_at
	FROM products ORDER BY created_at, id`

	getProductSQL = `SELECT id, name, description, category, created_at
	FROM products WHERE id = $1`

	listVariantsSQL = `SELECT ` + variantColumns + `
	FROM variants v WHERE v.product_id = ANY($1) ORDER BY v.product_id, v.position`

	getLinesSQL = `SELECT p.name, ` + variantColumns + `
	FROM variants v JOIN products p ON p.id = v.product_id
	WHERE v.id = ANY($1)`

	insertProductSQL = `INSERT INTO products (id, name, description, category, created_at)
	VALUES ($1, $2, $3, $4, $5)`

	insertVariantSQL = `INSERT INTO variants (id, product_id, position, measure, color_name, color_code,
	images, currency, amount, compare_at, discount_type, discount_value, discount_start_at,
	discount_end_at, in_stock, sku, tags)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`

	deleteProductSQL = `DELETE FROM products WHERE id = $1`

	updatePriceSQL = `UPDATE variants SET currency = $2, amount = $3, compare_at = $4,
	discount_type = $5, discount_value = $6, discount_start_at = $7, discount_end_at = $8
	WHERE id = $1`

	backfillCompareAtSQL = `UPDATE variants SET compare_at = amount
	WHERE id = ANY($1) AND compare_at IS NULL`
)

var _ catalog.Repository = (*CatalogRepository)(nil)

// CatalogRepository implements catalog.Repository backed by PostgreSQL.
type CatalogRepository struct {
	pool *pgxpool.Pool
}

// NewCatalogRepository returns a CatalogRepository that uses the given pool.
func NewCatalogRepository(pool *pgxpool.Pool) *CatalogRepository {
	return &CatalogRepository{pool: pool}
}

// List returns every product with its variants.
func (r *CatalogRepository) List(ctx context.Context) ([]catalog.Product, error) {
	rows, err := r.pool.Query(ctx, listProductsSQL)
	if err != nil {
		return nil, fmt.Errorf("listing products: %w", err)
	}
	products, err := pgx.CollectRows(rows, scanProduct)
	if err != nil {
		return nil, fmt.Errorf("scanning products: %w", err)
	}
	if err := r.attachVariants(ctx, products); err != nil {
		return nil, err
	}
	return products, nil
}

// GetByID returns a product with its variants or catalog.ErrNotFound.
func (r *CatalogRepository) GetByID(ctx context.Context, id string) (*catalog.Product, error) {
	rows, err := r.pool.Query(ctx, getProductSQL, id)
	if err != nil {
		return nil, fmt.Errorf("getting product %q: %w", id, err)
	}
	p, err := pgx.CollectExactlyOneRow(rows, scanProduct)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, catalog.ErrNotFound
		}
		return nil, fmt.Errorf("scanning product %q: %w", id, err)
	}
	products := []catalog.Product{p}
	if err := r.attachVariants(ctx, products); err != nil {
		return nil, err
	}
	return &products[0], nil
}

func (r *CatalogRepository) attachVariants(ctx context.Context, products []catalog.Product) error {
	if len(products) == 0 {
		return nil
	}
	ids := make([]string, len(products))
	index := make(map[string]int, len(products))
	for i, p := range products {
		ids[i] = p.ID
		index[p.ID] = i
	}

	rows, err := r.pool.Query(ctx, listVariantsSQL, ids)
	if err != nil {
		return fmt.Errorf("listing variants: %w", err)
	}
	variants, err := pgx.CollectRows(rows, scanVariant)
	if err != nil {
		return fmt.Errorf("scanning variants: %w", err)
	}
	for _, v := range variants {
		i := index[v.ProductID]
		products[i].Variants = append(products[i].Variants, v)
	}
	return nil
}

// GetLines returns the requested variants joined with their product name.
// Unknown IDs are omitted.
func (r *CatalogRepository) GetLines(ctx context.Context, variantIDs []string) ([]catalog.Line, error) {
	rows, err := r.pool.Query(ctx, getLinesSQL, variantIDs)
	if err != nil {
		return nil, fmt.Errorf("getting variants: %w", err)
	}
	lines, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (catalog.Line, error) {
		var (
			l    catalog.Line
			name string
		)
		v, err := scanVariantWith(row, &name)
		if err != nil {
			return l, err
		}
		l.ProductName = name
		l.Variant = v
		return l, nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning variants: %w", err)
	}
	return lines, nil
}

// Create inserts a product and all of its variants in one transaction.
func (r *CatalogRepository) Create(ctx context.Context, p *catalog.Product) error {
	return inTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, insertProductSQL, p.ID, p.Name, p.Description, p.Category, p.CreatedAt); err != nil {
			return fmt.Errorf("inserting product %q: %w", p.ID, err)
		}
		for i, v := range p.Variants {
			d := discountColumns(v.Price.Discount)
			if _, err := tx.Exec(ctx, insertVariantSQL,
				v.ID, p.ID, i, v.Measure, v.Color.Name, v.Color.Code, nonNil(v.Color.Images),
				v.Price.Currency, v.Price.Amount, v.Price.CompareAt, d.typ, d.value, d.startAt, d.endAt,
				v.Stock.InStock, v.Stock.SKU, nonNil(v.Tags),
			); err != nil {
				if isUniqueViolation(err) {
					return errors.Wrapf(catalog.ErrDuplicateSKU, "%q", v.Stock.SKU)
				}
				return fmt.Errorf("inserting variant %q: %w", v.ID, err)
			}
		}
		return nil
	})
}

// Delete removes a product; its variants are removed by the foreign key
// cascade.
func (r *CatalogRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, deleteProductSQL, id)
	if err != nil {
		return fmt.Errorf("deleting product %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return catalog.ErrNotFound
	}
	return nil
}

// UpdatePrice replaces the pricing metadata of a variant. Tags are not
// touched.
func (r *CatalogRepository) UpdatePrice(ctx context.Context, variantID string, price pricing.Price) error {
	d := discountColumns(price.Discount)
	tag, err := r.pool.Exec(ctx, updatePriceSQL,
		variantID, price.Currency, price.Amount, price.CompareAt, d.typ, d.value, d.startAt, d.endAt,
	)
	if err != nil {
		return fmt.Errorf("updating price of variant %q: %w", variantID, err)
	}
	if tag.RowsAffected() == 0 {
		return catalog.ErrNotFound
	}
	return nil
}

// BackfillCompareAt sets compare_at = amount where it is missing.
func (r *CatalogRepository) BackfillCompareAt(ctx context.Context, variantIDs []string) error {
	if len(variantIDs) == 0 {
		return nil
	}
	if _, err := r.pool.Exec(ctx, backfillCompareAtSQL, variantIDs); err != nil {
		return fmt.Errorf("backfilling compare_at: %w", err)
	}
	return nil
}

func scanProduct(row pgx.CollectableRow) (catalog.Product, error) {
	var p catalog.Product
	err := row.Scan(&p.ID, &p.Name, &p.Description, &p.Category, &p.CreatedAt)
	return p, err
}

func scanVariant(row pgx.CollectableRow) (catalog.Variant, error) {
	return scanVariantWith(row)
}

// scanVariantWith scans prefix destinations followed by variantColumns.
func scanVariantWith(row pgx.CollectableRow, prefix ...any) (catalog.Variant, error) {
	var (
		v         catalog.Variant
		dType     *string
		dValue    *decimal.Decimal
		dStartAt  *time.Time
		dEndAt    *time.Time
		compareAt *decimal.Decimal
	)
	dest := append(prefix,
		&v.ID, &v.ProductID, &v.Measure, &v.Color.Name, &v.Color.Code, &v.Color.Images,
		&v.Price.Currency, &v.Price.Amount, &compareAt, &dType, &dValue,
		&dStartAt, &dEndAt, &v.Stock.InStock, &v.Stock.SKU, &v.Tags,
	)
	if err := row.Scan(dest...); err != nil {
		return v, err
	}
	v.Price.CompareAt = compareAt
	if dType != nil && dValue != nil {
		v.Price.Discount = &pricing.Discount{
			Type:    pricing.DiscountType(*dType),
			Value:   *dValue,
			StartAt: dStartAt,
			EndAt:   dEndAt,
		}
	}
	return v, nil
}

type discountCols struct {
	typ     *string
	value   *decimal.Decimal
	startAt *time.Time
	endAt   *time.Time
}

func discountColumns(d *pricing.Discount) discountCols {
	if d == nil {
		return discountCols{}
	}
	typ := string(d.Type)
	value := d.Value
	return discountCols{typ: &typ, value: &value, startAt: d.StartAt, endAt: d.EndAt}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
