package discount

import (
	"context"
	"sort"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Resolve picks the best rule for subtotal at now: the highest threshold the
// subtotal reaches, ties broken by the highest priority. It returns nil when
// no rule is eligible.
func Resolve(rules []Rule, subtotal decimal.Decimal, now time.Time) *Applied {
	candidates := make([]Rule, 0, len(rules))
	for _, r := range rules {
		if r.Eligible(subtotal, now) {
			candidates = append(candidates, r)
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if c := candidates[i].Threshold.Cmp(candidates[j].Threshold); c != 0 {
			return c > 0
		}
		return candidates[i].Priority > candidates[j].Priority
	})

	best := candidates[0]
	return &Applied{
		RuleID:    best.ID,
		Name:      best.Name,
		Type:      best.Type,
		Value:     best.Value,
		Threshold: best.Threshold,
		Amount:    Amount(best.Type, best.Value, subtotal),
	}
}

// Amount computes the discount amount of a rule for subtotal. A fixed amount
// is clamped to the subtotal.
func Amount(t Type, value, subtotal decimal.Decimal) decimal.Decimal {
	var amount decimal.Decimal
	switch t {
	case TypePercent:
		amount = subtotal.Mul(value).Div(hundred)
	case TypeFixed:
		amount = decimal.Min(value, subtotal)
	default:
		return decimal.Zero
	}
	if amount.IsNegative() {
		return decimal.Zero
	}
	return amount.Round(2)
}

// Resolver resolves rules loaded from a Repository.
type Resolver struct {
	repo Repository
}

// NewResolver creates a Resolver backed by the given Repository.
func NewResolver(repo Repository) *Resolver {
	return &Resolver{repo: repo}
}

// Resolve loads the active rule set and picks the rule for subtotal at now.
func (r *Resolver) Resolve(ctx context.Context, subtotal decimal.Decimal, now time.Time) (*Applied, error) {
	rules, err := r.repo.ListActive(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list discount rules")
	}
	return Resolve(rules, subtotal, now), nil
}
