package order

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/storefront/internal/domain/catalog"
	"github.com/xenking/storefront/internal/domain/discount"
	"github.com/xenking/storefront/internal/domain/pricing"
)

// LineRequest is a buyer's intent to purchase a variant. It never carries a
// price.
type LineRequest struct {
	ProductID string
	VariantID string
	Quantity  int
}

// DiscountClaim is the discount a client believes applies. It is advisory
// only: it is compared against the server resolution for logging and then
// dropped. It is never copied into an Order.
type DiscountClaim struct {
	RuleID string
	Type   string
	Value  decimal.Decimal
	Amount decimal.Decimal
}

// RuleResolver picks the order-level discount rule for a subtotal.
type RuleResolver interface {
	Resolve(ctx context.Context, subtotal decimal.Decimal, now time.Time) (*discount.Applied, error)
}

// Assembly is the server-computed monetary breakdown of an order.
type Assembly struct {
	Items    []Item
	Subtotal decimal.Decimal
	Discount Discount
	Total    decimal.Decimal
	Currency string
}

// Assembler rebuilds order totals from live catalog data.
type Assembler struct {
	catalog      catalog.Repository
	rules        RuleResolver
	enforceStock bool
}

// NewAssembler creates an Assembler. When enforceStock is set a line
// requesting more than the variant has in stock is rejected up front.
func NewAssembler(c catalog.Repository, rules RuleResolver, enforceStock bool) *Assembler {
	return &Assembler{
		catalog:      c,
		rules:        rules,
		enforceStock: enforceStock,
	}
}

// Assemble validates lines, loads the current variants in a single batch,
// prices each line at now and resolves the order discount. The claim does
// not influence the result.
func (a *Assembler) Assemble(ctx context.Context, lines []LineRequest, claim *DiscountClaim, now time.Time) (*Assembly, error) {
	if len(lines) == 0 {
		return nil, ErrEmptyOrder
	}

	merged, err := mergeLines(lines)
	if err != nil {
		return nil, err
	}

	ids := make([]string, len(merged))
	for i, l := range merged {
		ids[i] = l.VariantID
	}

	fetched, err := a.catalog.GetLines(ctx, ids)
	if err != nil {
		return nil, errors.Wrap(err, "get variants")
	}
	byID := make(map[string]catalog.Line, len(fetched))
	for _, l := range fetched {
		byID[l.Variant.ID] = l
	}

	var (
		items    = make([]Item, 0, len(merged))
		subtotal = decimal.Zero
		currency string
	)
	for _, req := range merged {
		line, ok := byID[req.VariantID]
		if !ok || line.Variant.ProductID != req.ProductID {
			return nil, &LineItemError{
				ProductID: req.ProductID,
				VariantID: req.VariantID,
				Reason:    "variant not found",
				Err:       ErrInvalidLineItem,
			}
		}
		v := line.Variant

		if currency == "" {
			currency = v.Price.Currency
		} else if v.Price.Currency != currency {
			return nil, &LineItemError{
				ProductID: req.ProductID,
				VariantID: req.VariantID,
				Reason:    "currency differs from other lines",
				Err:       ErrInvalidLineItem,
			}
		}

		if a.enforceStock && req.Quantity > v.Stock.InStock {
			return nil, &LineItemError{
				ProductID: req.ProductID,
				VariantID: req.VariantID,
				Reason:    "requested quantity exceeds stock",
				Err:       ErrOutOfStock,
			}
		}

		unit := pricing.FinalAmount(v.Price, now)
		lineTotal := unit.Mul(decimal.NewFromInt(int64(req.Quantity)))
		subtotal = subtotal.Add(lineTotal)

		items = append(items, Item{
			ProductID: req.ProductID,
			VariantID: v.ID,
			Name:      line.ProductName,
			SKU:       v.Stock.SKU,
			Quantity:  req.Quantity,
			UnitPrice: unit,
			LineTotal: lineTotal.Round(2),
			Color:     v.Color.Name,
			Measure:   v.Measure,
		})
	}
	subtotal = subtotal.Round(2)

	applied, err := a.rules.Resolve(ctx, subtotal, now)
	if err != nil {
		return nil, errors.Wrap(err, "resolve discount")
	}

	d := Discount{}
	if applied != nil {
		d = Discount{
			Applied:   true,
			RuleID:    applied.RuleID,
			Name:      applied.Name,
			Type:      string(applied.Type),
			Value:     applied.Value,
			Threshold: applied.Threshold,
			Amount:    applied.Amount,
		}
	}
	if claim != nil && claimOverridden(claim, d) {
		zctx.From(ctx).Debug("Client discount claim overridden",
			zap.String("claimed_rule", claim.RuleID),
			zap.String("claimed_amount", claim.Amount.String()),
			zap.String("resolved_rule", d.RuleID),
			zap.String("resolved_amount", d.Amount.String()),
		)
	}

	// Total = subtotal - discount, floored at zero.
	total := subtotal.Sub(d.Amount)
	if total.IsNegative() {
		total = decimal.Zero
	}

	return &Assembly{
		Items:    items,
		Subtotal: subtotal,
		Discount: d,
		Total:    total.Round(2),
		Currency: currency,
	}, nil
}

// mergeLines validates quantities and folds repeated variants into one line
// so stock is checked against the combined quantity.
func mergeLines(lines []LineRequest) ([]LineRequest, error) {
	out := make([]LineRequest, 0, len(lines))
	index := make(map[string]int, len(lines))
	for _, l := range lines {
		if l.ProductID == "" || l.VariantID == "" {
			return nil, &LineItemError{
				ProductID: l.ProductID,
				VariantID: l.VariantID,
				Reason:    "productId and variantId required",
				Err:       ErrInvalidLineItem,
			}
		}
		if l.Quantity <= 0 {
			return nil, &LineItemError{
				ProductID: l.ProductID,
				VariantID: l.VariantID,
				Reason:    "quantity must be greater than 0",
				Err:       ErrInvalidLineItem,
			}
		}
		if i, ok := index[l.VariantID]; ok {
			if out[i].ProductID != l.ProductID {
				return nil, &LineItemError{
					ProductID: l.ProductID,
					VariantID: l.VariantID,
					Reason:    "variant requested under two products",
					Err:       ErrInvalidLineItem,
				}
			}
			out[i].Quantity += l.Quantity
			continue
		}
		index[l.VariantID] = len(out)
		out = append(out, l)
	}
	return out, nil
}

func claimOverridden(claim *DiscountClaim, d Discount) bool {
	return claim.RuleID != d.RuleID || !claim.Amount.Equal(d.Amount)
}
