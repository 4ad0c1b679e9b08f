package market

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Condition is a point-in-time market snapshot. It is supplied fresh on
// every evaluation pass and never cached beyond a single pass.
type Condition struct {
	Volatility decimal.Decimal `json:"volatility"`
	Trend      Trend           `json:"trend"`
	Volume     decimal.Decimal `json:"volume"`
	Liquidity  decimal.Decimal `json:"liquidity"`
	Sentiment  decimal.Decimal `json:"sentiment,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

type Trend int

const (
	TrendSideways Trend = iota
	TrendBullish
	TrendBearish
)

func (t Trend) String() string {
	switch t {
	case TrendBullish:
		return "bullish"
	case TrendBearish:
		return "bearish"
	case TrendSideways:
		return "sideways"
	default:
		return "unknown"
	}
}

// ParseTrend parses the wire form of a trend
func ParseTrend(s string) (Trend, error) {
	switch s {
	case "bullish":
		return TrendBullish, nil
	case "bearish":
		return TrendBearish, nil
	case "sideways":
		return TrendSideways, nil
	default:
		return TrendSideways, fmt.Errorf("unknown trend: %s", s)
	}
}

// Encoded returns the numeric trend encoding used by trend-signal rules:
// bullish = 1, sideways = 0, bearish = -1.
func (t Trend) Encoded() decimal.Decimal {
	switch t {
	case TrendBullish:
		return decimal.NewFromInt(1)
	case TrendBearish:
		return decimal.NewFromInt(-1)
	default:
		return decimal.Zero
	}
}

func (t Trend) MarshalJSON() ([]byte, error) {
	return []byte(`"` + t.String() + `"`), nil
}

func (t *Trend) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	trend, err := ParseTrend(s)
	if err != nil {
		return err
	}
	*t = trend
	return nil
}

// Validate checks the snapshot carries usable data
func (c Condition) Validate() error {
	if c.Timestamp.IsZero() {
		return fmt.Errorf("market condition requires a timestamp")
	}
	if c.Volatility.IsNegative() {
		return fmt.Errorf("volatility cannot be negative")
	}
	if c.Liquidity.IsNegative() {
		return fmt.Errorf("liquidity cannot be negative")
	}
	return nil
}

// Age returns how stale the snapshot is relative to now
func (c Condition) Age(now time.Time) time.Duration {
	return now.Sub(c.Timestamp)
}
