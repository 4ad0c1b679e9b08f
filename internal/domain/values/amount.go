package values

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// Amount represents a token quantity with arbitrary precision.
// Scope caps and action amounts are always compared through this type;
// floating point never enters the comparison path.
type Amount struct {
	value decimal.Decimal
}

// NewAmount creates a new Amount value object
func NewAmount(value decimal.Decimal) (Amount, error) {
	if value.IsNegative() {
		return Amount{}, fmt.Errorf("amount cannot be negative: %s", value)
	}
	return Amount{value: value}, nil
}

// NewAmountFromString creates an Amount from its decimal string form
func NewAmountFromString(s string) (Amount, error) {
	dec, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, fmt.Errorf("invalid amount: %w", err)
	}
	return NewAmount(dec)
}

// MustNewAmount creates an Amount and panics on error (for constants/tests)
func MustNewAmount(s string) Amount {
	a, err := NewAmountFromString(s)
	if err != nil {
		panic(err)
	}
	return a
}

// ZeroAmount returns a zero Amount
func ZeroAmount() Amount {
	return Amount{value: decimal.Zero}
}

// Decimal returns the underlying decimal value
func (a Amount) Decimal() decimal.Decimal {
	return a.value
}

// String returns the canonical decimal string form
func (a Amount) String() string {
	return a.value.String()
}

// IsZero checks if the amount is zero
func (a Amount) IsZero() bool {
	return a.value.IsZero()
}

// Equal checks if two Amounts are equal
func (a Amount) Equal(other Amount) bool {
	return a.value.Equal(other.value)
}

// Cmp returns -1, 0, or 1 based on comparison with other
func (a Amount) Cmp(other Amount) int {
	return a.value.Cmp(other.value)
}

// LessThanOrEqual reports a <= other
func (a Amount) LessThanOrEqual(other Amount) bool {
	return a.value.Cmp(other.value) <= 0
}

// GreaterThan reports a > other
func (a Amount) GreaterThan(other Amount) bool {
	return a.value.Cmp(other.value) > 0
}

// Add returns the sum of two Amounts
func (a Amount) Add(other Amount) Amount {
	return Amount{value: a.value.Add(other.value)}
}

// Mul multiplies the Amount by a decimal factor
func (a Amount) Mul(factor decimal.Decimal) Amount {
	return Amount{value: a.value.Mul(factor)}
}

// JSON marshaling: amounts travel as decimal strings to preserve precision
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.value.String())
}

func (a *Amount) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	amount, err := NewAmountFromString(s)
	if err != nil {
		return err
	}

	*a = amount
	return nil
}

// Database scanning (implements sql.Scanner)
func (a *Amount) Scan(value interface{}) error {
	if value == nil {
		*a = Amount{}
		return nil
	}

	switch v := value.(type) {
	case []byte:
		return a.scanFromString(string(v))
	case string:
		return a.scanFromString(v)
	default:
		return fmt.Errorf("cannot scan %T into Amount", value)
	}
}

// Database value (implements driver.Valuer)
func (a Amount) Value() (driver.Value, error) {
	return a.value.String(), nil
}

func (a *Amount) scanFromString(s string) error {
	amount, err := NewAmountFromString(s)
	if err != nil {
		return fmt.Errorf("invalid amount format: %w", err)
	}
	*a = amount
	return nil
}
