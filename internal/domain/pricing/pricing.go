// Package pricing derives a variant's effective price from its base price and
// an optional time-windowed discount. Nothing here is stored: every value is
// recomputed from (Price, now) on read.
package pricing

import (
	"time"

	"github.com/shopspring/decimal"
)

// DiscountType enumerates the supported variant discount strategies.
type DiscountType string

const (
	// DiscountPercent subtracts value% of the base amount.
	DiscountPercent DiscountType = "percent"
	// DiscountAmount subtracts a fixed monetary value from the base amount.
	DiscountAmount DiscountType = "amount"
)

var hundred = decimal.NewFromInt(100)

// Discount is a variant-level discount valid inside an optional window.
// A nil StartAt or EndAt leaves that side of the window open.
type Discount struct {
	Type    DiscountType
	Value   decimal.Decimal
	StartAt *time.Time
	EndAt   *time.Time
}

// Price is the stored pricing metadata of a variant.
type Price struct {
	Currency string
	Amount   decimal.Decimal
	// CompareAt is nil until backfilled; readers fall back to Amount.
	CompareAt *decimal.Decimal
	Discount  *Discount
}

// Quote is the read-time view of a Price at a given instant.
type Quote struct {
	Currency       string
	Base           decimal.Decimal
	Final          decimal.Decimal
	DiscountActive bool
	CompareAt      *decimal.Decimal
}

// IsActiveAt reports whether the discount applies at now. The window is
// inclusive on both ends.
func (d *Discount) IsActiveAt(now time.Time) bool {
	if d == nil || !d.Value.IsPositive() {
		return false
	}
	if d.StartAt != nil && now.Before(*d.StartAt) {
		return false
	}
	if d.EndAt != nil && now.After(*d.EndAt) {
		return false
	}
	return true
}

// IsDiscountActive reports whether p carries a discount active at now.
func IsDiscountActive(p Price, now time.Time) bool {
	return p.Discount.IsActiveAt(now)
}

// FinalAmount returns the unit price a buyer pays at now, never below zero
// and never above the base amount.
func FinalAmount(p Price, now time.Time) decimal.Decimal {
	base := p.Amount
	if !IsDiscountActive(p, now) {
		return base
	}

	var final decimal.Decimal
	switch p.Discount.Type {
	case DiscountAmount:
		final = base.Sub(p.Discount.Value)
	case DiscountPercent:
		final = base.Sub(base.Mul(p.Discount.Value).Div(hundred))
	default:
		return base
	}

	if final.IsNegative() {
		return decimal.Zero
	}
	return final.Round(2)
}

// DisplayCompareAt returns the strikethrough price while a discount is
// active, and nil otherwise so an expired discount never leaks a stale
// compare price.
func DisplayCompareAt(p Price, now time.Time) *decimal.Decimal {
	if !IsDiscountActive(p, now) {
		return nil
	}
	v := p.Amount
	if p.CompareAt != nil {
		v = *p.CompareAt
	}
	return &v
}

// QuoteAt bundles the derived pricing values for read endpoints.
func QuoteAt(p Price, now time.Time) Quote {
	return Quote{
		Currency:       p.Currency,
		Base:           p.Amount,
		Final:          FinalAmount(p, now),
		DiscountActive: IsDiscountActive(p, now),
		CompareAt:      DisplayCompareAt(p, now),
	}
}

// WithCompareAtDefault returns p with CompareAt set to Amount when absent.
func WithCompareAtDefault(p Price) Price {
	if p.CompareAt == nil {
		v := p.Amount
		p.CompareAt = &v
	}
	return p
}
