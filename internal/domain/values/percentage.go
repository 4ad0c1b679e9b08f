package values

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// Percentage represents a portfolio fraction in the closed interval [0, 1].
// The upper bound is enforced at construction, so a scope holding a
// Percentage is valid by the time it is granted.
type Percentage struct {
	value decimal.Decimal
}

var percentageMax = decimal.NewFromInt(1)

// NewPercentage creates a new Percentage value object
func NewPercentage(value decimal.Decimal) (Percentage, error) {
	if value.IsNegative() {
		return Percentage{}, fmt.Errorf("percentage cannot be negative: %s", value)
	}
	if value.Cmp(percentageMax) > 0 {
		return Percentage{}, fmt.Errorf("percentage cannot exceed 1.0: %s", value)
	}
	return Percentage{value: value}, nil
}

// NewPercentageFromString creates a Percentage from its decimal string form
func NewPercentageFromString(s string) (Percentage, error) {
	dec, err := decimal.NewFromString(s)
	if err != nil {
		return Percentage{}, fmt.Errorf("invalid percentage: %w", err)
	}
	return NewPercentage(dec)
}

// NewPercentageFromFloat creates a Percentage from a float64
// Note: Use with caution due to floating point precision issues
func NewPercentageFromFloat(f float64) (Percentage, error) {
	return NewPercentage(decimal.NewFromFloat(f))
}

// MustNewPercentage creates a Percentage and panics on error (for constants/tests)
func MustNewPercentage(s string) Percentage {
	p, err := NewPercentageFromString(s)
	if err != nil {
		panic(err)
	}
	return p
}

// FullPortfolio returns the 1.0 percentage
func FullPortfolio() Percentage {
	return Percentage{value: percentageMax}
}

// Decimal returns the underlying decimal value
func (p Percentage) Decimal() decimal.Decimal {
	return p.value
}

// String returns the canonical decimal string form
func (p Percentage) String() string {
	return p.value.String()
}

// IsZero checks if the percentage is zero
func (p Percentage) IsZero() bool {
	return p.value.IsZero()
}

// Equal checks if two Percentages are equal
func (p Percentage) Equal(other Percentage) bool {
	return p.value.Equal(other.value)
}

// Of returns the Amount corresponding to this fraction of total
func (p Percentage) Of(total Amount) Amount {
	return total.Mul(p.value)
}

// JSON marshaling: percentages travel as decimal strings
func (p Percentage) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.value.String())
}

func (p *Percentage) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	pct, err := NewPercentageFromString(s)
	if err != nil {
		return err
	}

	*p = pct
	return nil
}

// Database scanning (implements sql.Scanner)
func (p *Percentage) Scan(value interface{}) error {
	if value == nil {
		*p = Percentage{}
		return nil
	}

	switch v := value.(type) {
	case []byte:
		return p.scanFromString(string(v))
	case string:
		return p.scanFromString(v)
	default:
		return fmt.Errorf("cannot scan %T into Percentage", value)
	}
}

// Database value (implements driver.Valuer)
func (p Percentage) Value() (driver.Value, error) {
	return p.value.String(), nil
}

func (p *Percentage) scanFromString(s string) error {
	pct, err := NewPercentageFromString(s)
	if err != nil {
		return fmt.Errorf("invalid percentage format: %w", err)
	}
	*p = pct
	return nil
}
