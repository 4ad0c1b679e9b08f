package permission

import (
	"fmt"

	"github.com/google/uuid"
)

// Condition is a soft, re-evaluated predicate gating whether an active
// permission's authority is currently exercisable.
type Condition struct {
	ID         uuid.UUID              `json:"id"`
	Type       ConditionType          `json:"type"`
	Parameters map[string]interface{} `json:"parameters"`
	Operator   Operator               `json:"operator"`
	Priority   int                    `json:"priority"`
	IsActive   bool                   `json:"is_active"`
}

type ConditionType int

const (
	ConditionVolatilityThreshold ConditionType = iota
	ConditionPriceChange
	ConditionVolumeThreshold
	ConditionMarketCondition
	ConditionPortfolioValue
	ConditionTimeBased
	ConditionCommunityConsensus
	ConditionRiskMetrics
)

func (t ConditionType) String() string {
	switch t {
	case ConditionVolatilityThreshold:
		return "volatility_threshold"
	case ConditionPriceChange:
		return "price_change"
	case ConditionVolumeThreshold:
		return "volume_threshold"
	case ConditionMarketCondition:
		return "market_condition"
	case ConditionPortfolioValue:
		return "portfolio_value"
	case ConditionTimeBased:
		return "time_based"
	case ConditionCommunityConsensus:
		return "community_consensus"
	case ConditionRiskMetrics:
		return "risk_metrics"
	default:
		return "unknown"
	}
}

// ParseConditionType parses the wire form of a condition type
func ParseConditionType(s string) (ConditionType, error) {
	switch s {
	case "volatility_threshold":
		return ConditionVolatilityThreshold, nil
	case "price_change":
		return ConditionPriceChange, nil
	case "volume_threshold":
		return ConditionVolumeThreshold, nil
	case "market_condition":
		return ConditionMarketCondition, nil
	case "portfolio_value":
		return ConditionPortfolioValue, nil
	case "time_based":
		return ConditionTimeBased, nil
	case "community_consensus":
		return ConditionCommunityConsensus, nil
	case "risk_metrics":
		return ConditionRiskMetrics, nil
	default:
		return 0, fmt.Errorf("unknown condition type: %s", s)
	}
}

// Operator combines a condition with its siblings: every "and" condition
// must hold; a single "or" condition holding is sufficient among the ors.
type Operator int

const (
	OperatorAnd Operator = iota
	OperatorOr
)

func (o Operator) String() string {
	switch o {
	case OperatorAnd:
		return "and"
	case OperatorOr:
		return "or"
	default:
		return "unknown"
	}
}

// ParseOperator parses the wire form of an operator
func ParseOperator(s string) (Operator, error) {
	switch s {
	case "and":
		return OperatorAnd, nil
	case "or":
		return OperatorOr, nil
	default:
		return 0, fmt.Errorf("unknown operator: %s", s)
	}
}

// NewCondition creates a condition with a fresh identity
func NewCondition(condType ConditionType, params map[string]interface{}, operator Operator, priority int) Condition {
	if params == nil {
		params = make(map[string]interface{})
	}
	return Condition{
		ID:         uuid.New(),
		Type:       condType,
		Parameters: params,
		Operator:   operator,
		Priority:   priority,
		IsActive:   true,
	}
}

// Clone returns a deep copy of the condition
func (c Condition) Clone() Condition {
	clone := c
	if c.Parameters != nil {
		clone.Parameters = make(map[string]interface{}, len(c.Parameters))
		for k, v := range c.Parameters {
			clone.Parameters[k] = v
		}
	}
	return clone
}

// FloatParam reads a numeric parameter, tolerating the json float decoding
func (c Condition) FloatParam(key string) (float64, bool) {
	raw, ok := c.Parameters[key]
	if !ok {
		return 0, false
	}
	switch v := raw.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

// StringParam reads a string parameter
func (c Condition) StringParam(key string) (string, bool) {
	raw, ok := c.Parameters[key]
	if !ok {
		return "", false
	}
	s, ok := raw.(string)
	return s, ok
}
