package costing

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Money is a currency amount in cents. All cost arithmetic stays in cents;
// two-decimal rendering happens only through String and Float64.
type Money int64

// ParseMoney parses a decimal currency string such as "125.00" into cents,
// rounding half away from zero.
func ParseMoney(value string) (Money, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return 0, fmt.Errorf("costing: invalid amount %q: %w", value, err)
	}
	return MoneyFromDecimal(d), nil
}

// MoneyFromFloat converts a configured float amount to cents.
func MoneyFromFloat(value float64) Money {
	return MoneyFromDecimal(decimal.NewFromFloat(value))
}

// MoneyFromDecimal converts a currency-unit decimal to cents.
func MoneyFromDecimal(d decimal.Decimal) Money {
	return Money(d.Shift(2).Round(0).IntPart())
}

// Cents returns the raw cent value.
func (m Money) Cents() int64 { return int64(m) }

// Decimal returns the amount in currency units.
func (m Money) Decimal() decimal.Decimal {
	return decimal.New(int64(m), -2)
}

// String renders the amount with two decimals.
func (m Money) String() string {
	return m.Decimal().StringFixed(2)
}

// Float64 returns the amount in currency units for presentation.
func (m Money) Float64() float64 {
	f, _ := m.Decimal().Float64()
	return f
}
