/*
Package generic provides the domain-agnostic building blocks of the engine.

PURPOSE:
  Calendar dates, periods, money and errors are shared by every other
  package. Nothing here knows about assessments, registries or HTTP.

KEY CONCEPTS IN THIS FILE (types.go):
  - Money: decimal amounts with at most two fractional digits, persisted
    as integer minor units so SQLite never sees a float
  - Date (time.go): a calendar day with no zone
  - Period (period.go): an inclusive [Start, End] range of dates

DESIGN PRINCIPLES:
  1. Precision: Uses decimal.Decimal to avoid floating-point errors
  2. Calendar arithmetic only: no durations, no time zones
  3. Errors are values: sentinels for errors.Is, structs for context

USAGE:
  amount := generic.MustParseDecimal("125.50")
  minor, _ := generic.ToMinorUnits(amount) // 12550
  back := generic.FromMinorUnits(minor)    // 125.5

SEE ALSO:
  - time.go: Date
  - period.go: Period
  - errors.go: Sentinel and structured errors
*/
package generic

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY - Decimal amounts with two fractional digits
// =============================================================================

// MoneyScale is the number of fractional digits an amount may carry.
const MoneyScale = 2

func MustParseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// HasMoneyScale reports whether v has no more than two fractional digits.
func HasMoneyScale(v decimal.Decimal) bool {
	return v.Equal(v.Truncate(MoneyScale))
}

// ToMinorUnits converts an amount to cents. Amounts with more precision than
// MoneyScale are rejected rather than rounded.
func ToMinorUnits(v decimal.Decimal) (int64, error) {
	if !HasMoneyScale(v) {
		return 0, &ValidationError{Field: "amount", Message: fmt.Sprintf("%s has more than %d decimal places", v, MoneyScale)}
	}
	return v.Shift(MoneyScale).IntPart(), nil
}

func FromMinorUnits(minor int64) decimal.Decimal {
	return decimal.New(minor, -MoneyScale)
}

// ValidatePositiveAmount is the shared check for ledger and return amounts.
func ValidatePositiveAmount(field string, v decimal.Decimal) error {
	if !v.IsPositive() {
		return &ValidationError{Field: field, Message: "must be greater than zero"}
	}
	if !HasMoneyScale(v) {
		return &ValidationError{Field: field, Message: fmt.Sprintf("must have at most %d decimal places", MoneyScale)}
	}
	return nil
}
