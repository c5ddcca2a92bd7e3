// Package discount selects the order-level discount rule an order subtotal
// qualifies for and computes the discounted amount.
package discount

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Type enumerates the supported order discount strategies.
type Type string

const (
	// TypePercent discounts value% of the subtotal.
	TypePercent Type = "percent"
	// TypeFixed discounts a fixed monetary value capped at the subtotal.
	TypeFixed Type = "fixed"
)

// ErrNotFound is returned when a rule does not exist.
var ErrNotFound = errors.New("discount rule not found")

// Rule is an order-level threshold discount.
type Rule struct {
	ID        string
	Name      string
	Threshold decimal.Decimal
	Type      Type
	Value     decimal.Decimal
	IsActive  bool
	StartAt   *time.Time
	EndAt     *time.Time
	Priority  int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Applied is the snapshot of a chosen rule as stored on an order. Later
// edits to the rule never change it.
type Applied struct {
	RuleID    string
	Name      string
	Type      Type
	Value     decimal.Decimal
	Threshold decimal.Decimal
	Amount    decimal.Decimal
}

// Repository provides persistence for discount rules.
type Repository interface {
	// ListActive returns every rule flagged active, regardless of window.
	ListActive(ctx context.Context) ([]Rule, error)
	List(ctx context.Context) ([]Rule, error)
	Create(ctx context.Context, r *Rule) error
	Update(ctx context.Context, r *Rule) error
	Delete(ctx context.Context, id string) error
}

// Eligible reports whether r applies to subtotal at now.
func (r *Rule) Eligible(subtotal decimal.Decimal, now time.Time) bool {
	if !r.IsActive || r.Threshold.GreaterThan(subtotal) {
		return false
	}
	if r.StartAt != nil && now.Before(*r.StartAt) {
		return false
	}
	if r.EndAt != nil && now.After(*r.EndAt) {
		return false
	}
	return true
}

// Validate checks that r is well formed.
func (r *Rule) Validate() error {
	switch r.Type {
	case TypePercent, TypeFixed:
	default:
		return errors.Errorf("unsupported discount type: %q", r.Type)
	}
	if r.Value.IsNegative() {
		return errors.New("value must not be negative")
	}
	if r.Threshold.IsNegative() {
		return errors.New("threshold must not be negative")
	}
	if r.StartAt != nil && r.EndAt != nil && r.EndAt.Before(*r.StartAt) {
		return errors.New("endAt before startAt")
	}
	return nil
}
