package rule

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AutoRevokeRule is a standing policy, independent of any one permission,
// that reacts to market signals by revoking, restricting or escalating
// matching active permissions. Rules are mutable at runtime and evaluated
// independently: every active rule whose signal crosses its threshold fires
// its own action in the same pass.
type AutoRevokeRule struct {
	ID        uuid.UUID       `json:"id"`
	Name      string          `json:"name,omitempty"`
	Signal    Signal          `json:"signal"`
	Threshold decimal.Decimal `json:"threshold"`
	Action    Action          `json:"action"`
	Severity  Severity        `json:"severity"`
	IsActive  bool            `json:"is_active"`
	CreatedAt time.Time       `json:"created_at"`
}

// Signal is the closed set of named market/permission signals a rule can
// watch. A free-form condition string would admit typos that silently never
// fire; the variant type maps each signal to a dedicated evaluator.
type Signal int

const (
	SignalMarketVolatility Signal = iota
	SignalMarketTrend
	SignalLiquidityRatio
	SignalTradingVolume
	SignalMarketSentiment
	SignalPermissionAge
	SignalTransactionFrequency
)

func (s Signal) String() string {
	switch s {
	case SignalMarketVolatility:
		return "market_volatility"
	case SignalMarketTrend:
		return "market_trend"
	case SignalLiquidityRatio:
		return "liquidity_ratio"
	case SignalTradingVolume:
		return "trading_volume"
	case SignalMarketSentiment:
		return "market_sentiment"
	case SignalPermissionAge:
		return "permission_age"
	case SignalTransactionFrequency:
		return "transaction_frequency"
	default:
		return "unknown"
	}
}

// ParseSignal parses the wire form of a signal
func ParseSignal(s string) (Signal, error) {
	switch s {
	case "market_volatility":
		return SignalMarketVolatility, nil
	case "market_trend":
		return SignalMarketTrend, nil
	case "liquidity_ratio":
		return SignalLiquidityRatio, nil
	case "trading_volume":
		return SignalTradingVolume, nil
	case "market_sentiment":
		return SignalMarketSentiment, nil
	case "permission_age":
		return SignalPermissionAge, nil
	case "transaction_frequency":
		return SignalTransactionFrequency, nil
	default:
		return 0, fmt.Errorf("unknown signal: %s", s)
	}
}

type Action int

const (
	ActionRevoke Action = iota
	ActionRestrict
	ActionEscalate
)

func (a Action) String() string {
	switch a {
	case ActionRevoke:
		return "revoke"
	case ActionRestrict:
		return "restrict"
	case ActionEscalate:
		return "escalate"
	default:
		return "unknown"
	}
}

// ParseAction parses the wire form of an action
func ParseAction(s string) (Action, error) {
	switch s {
	case "revoke":
		return ActionRevoke, nil
	case "restrict":
		return ActionRestrict, nil
	case "escalate":
		return ActionEscalate, nil
	default:
		return 0, fmt.Errorf("unknown action: %s", s)
	}
}

type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParseSeverity parses the wire form of a severity
func ParseSeverity(s string) (Severity, error) {
	switch s {
	case "low":
		return SeverityLow, nil
	case "medium":
		return SeverityMedium, nil
	case "high":
		return SeverityHigh, nil
	case "critical":
		return SeverityCritical, nil
	default:
		return 0, fmt.Errorf("unknown severity: %s", s)
	}
}

// NewAutoRevokeRule creates an active rule with a fresh identity
func NewAutoRevokeRule(name string, signal Signal, threshold decimal.Decimal, action Action, severity Severity) *AutoRevokeRule {
	return &AutoRevokeRule{
		ID:        uuid.New(),
		Name:      name,
		Signal:    signal,
		Threshold: threshold,
		Action:    action,
		Severity:  severity,
		IsActive:  true,
		CreatedAt: time.Now().UTC(),
	}
}

// Validate validates the rule configuration
func (r *AutoRevokeRule) Validate() error {
	if r.ID == uuid.Nil {
		return fmt.Errorf("rule ID is required")
	}
	if r.Signal < SignalMarketVolatility || r.Signal > SignalTransactionFrequency {
		return fmt.Errorf("invalid signal: %d", r.Signal)
	}
	if r.Action < ActionRevoke || r.Action > ActionEscalate {
		return fmt.Errorf("invalid action: %d", r.Action)
	}
	if r.Severity < SeverityLow || r.Severity > SeverityCritical {
		return fmt.Errorf("invalid severity: %d", r.Severity)
	}
	return nil
}

// Clone returns a copy of the rule
func (r *AutoRevokeRule) Clone() *AutoRevokeRule {
	clone := *r
	return &clone
}
