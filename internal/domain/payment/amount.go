package payment

import (
	"strings"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// UnitMode controls how a reported gateway amount is interpreted.
type UnitMode string

const (
	// UnitAuto accepts the amount in minor units, major units, or one
	// hundred times minor units. The gateway has been observed to report
	// each of these.
	UnitAuto  UnitMode = "auto"
	UnitMinor UnitMode = "minor"
	UnitMajor UnitMode = "major"
)

var hundred = decimal.NewFromInt(100)

// ParseUnitMode parses a configured unit mode. Empty means auto.
func ParseUnitMode(s string) (UnitMode, error) {
	switch m := UnitMode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return UnitAuto, nil
	case UnitAuto, UnitMinor, UnitMajor:
		return m, nil
	default:
		return "", errors.Errorf("unknown amount unit mode %q", s)
	}
}

// MinorUnits converts a major-unit total to integer minor units,
// rounding half away from zero.
func MinorUnits(total decimal.Decimal) int64 {
	return total.Mul(hundred).Round(0).IntPart()
}

// AmountMatches reports whether reported equals expectedMinor under mode.
func AmountMatches(mode UnitMode, reported decimal.Decimal, expectedMinor int64) bool {
	want := decimal.NewFromInt(expectedMinor)
	switch mode {
	case UnitMinor:
		return reported.Equal(want)
	case UnitMajor:
		return reported.Mul(hundred).Equal(want)
	default:
		return reported.Equal(want) ||
			reported.Mul(hundred).Equal(want) ||
			reported.Div(hundred).Equal(want)
	}
}

// CurrencyMatches compares currency codes case-insensitively. A gateway
// that omits the currency is trusted to have charged the requested one.
func CurrencyMatches(expected, reported string) bool {
	if reported == "" {
		return true
	}
	return strings.EqualFold(strings.TrimSpace(expected), strings.TrimSpace(reported))
}
