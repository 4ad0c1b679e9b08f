package evaluator

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/tradewarden/delegation-engine/internal/domain/permission"
)

// conditionFunc evaluates one condition type against the request. The
// boolean reports whether the condition holds; the string explains a
// failure. Unknown parameters or missing caller inputs fail closed.
type conditionFunc func(cond permission.Condition, req ActionRequest) (bool, string)

var conditionTable = map[permission.ConditionType]conditionFunc{
	permission.ConditionVolatilityThreshold: evalVolatilityThreshold,
	permission.ConditionPriceChange:         evalPriceChange,
	permission.ConditionVolumeThreshold:     evalVolumeThreshold,
	permission.ConditionMarketCondition:     evalMarketCondition,
	permission.ConditionPortfolioValue:      evalPortfolioValue,
	permission.ConditionTimeBased:           evalTimeBased,
	permission.ConditionCommunityConsensus:  evalCommunityConsensus,
	permission.ConditionRiskMetrics:         evalRiskMetrics,
}

func evaluateCondition(cond permission.Condition, req ActionRequest) (bool, string) {
	fn, ok := conditionTable[cond.Type]
	if !ok {
		return false, fmt.Sprintf("no evaluator for condition type %s", cond.Type)
	}
	return fn(cond, req)
}

// evalVolatilityThreshold holds while market volatility stays at or below
// the "max" parameter.
func evalVolatilityThreshold(cond permission.Condition, req ActionRequest) (bool, string) {
	max, ok := cond.FloatParam("max")
	if !ok {
		return false, `missing "max" parameter`
	}
	limit := decimal.NewFromFloat(max)
	if req.Market.Volatility.Cmp(limit) > 0 {
		return false, fmt.Sprintf("volatility %s above %s", req.Market.Volatility, limit)
	}
	return true, ""
}

// evalPriceChange holds while the absolute 24h price change stays at or
// below the "max_change" parameter. The caller supplies the observed
// change; without it the condition fails closed.
func evalPriceChange(cond permission.Condition, req ActionRequest) (bool, string) {
	maxChange, ok := cond.FloatParam("max_change")
	if !ok {
		return false, `missing "max_change" parameter`
	}
	if req.PriceChange24h == nil {
		return false, "price change data not supplied"
	}
	limit := decimal.NewFromFloat(maxChange)
	if req.PriceChange24h.Abs().Cmp(limit) > 0 {
		return false, fmt.Sprintf("price change %s beyond %s", req.PriceChange24h, limit)
	}
	return true, ""
}

// evalVolumeThreshold holds while market volume stays at or above the
// "min_volume" parameter.
func evalVolumeThreshold(cond permission.Condition, req ActionRequest) (bool, string) {
	minVolume, ok := cond.FloatParam("min_volume")
	if !ok {
		return false, `missing "min_volume" parameter`
	}
	floor := decimal.NewFromFloat(minVolume)
	if req.Market.Volume.Cmp(floor) < 0 {
		return false, fmt.Sprintf("volume %s below %s", req.Market.Volume, floor)
	}
	return true, ""
}

// evalMarketCondition holds while the current trend is one of the
// "allowed_trends" parameter values.
func evalMarketCondition(cond permission.Condition, req ActionRequest) (bool, string) {
	raw, ok := cond.Parameters["allowed_trends"]
	if !ok {
		return false, `missing "allowed_trends" parameter`
	}

	current := req.Market.Trend.String()
	switch allowed := raw.(type) {
	case []string:
		for _, trend := range allowed {
			if strings.EqualFold(trend, current) {
				return true, ""
			}
		}
	case []interface{}:
		for _, entry := range allowed {
			if s, ok := entry.(string); ok && strings.EqualFold(s, current) {
				return true, ""
			}
		}
	default:
		return false, `"allowed_trends" must be a list of trend names`
	}
	return false, fmt.Sprintf("trend %s is not allowed", current)
}

// evalPortfolioValue holds while the portfolio value stays at or above the
// "min_value" parameter.
func evalPortfolioValue(cond permission.Condition, req ActionRequest) (bool, string) {
	minValue, ok := cond.FloatParam("min_value")
	if !ok {
		return false, `missing "min_value" parameter`
	}
	floor := decimal.NewFromFloat(minValue)
	if req.PortfolioValue.Decimal().Cmp(floor) < 0 {
		return false, fmt.Sprintf("portfolio value %s below %s", req.PortfolioValue, floor)
	}
	return true, ""
}

// evalTimeBased holds while the current time falls inside the window
// described by the "start"/"end" (HH:MM) and optional "timezone"
// parameters. Windows wrap midnight the same way scope windows do.
func evalTimeBased(cond permission.Condition, req ActionRequest) (bool, string) {
	start, ok := cond.StringParam("start")
	if !ok {
		return false, `missing "start" parameter`
	}
	end, ok := cond.StringParam("end")
	if !ok {
		return false, `missing "end" parameter`
	}
	tz, _ := cond.StringParam("timezone")

	window := permission.TimeWindow{Start: start, End: end, Timezone: tz}
	if err := window.Validate(); err != nil {
		return false, fmt.Sprintf("invalid time parameters: %v", err)
	}
	if !window.Contains(req.Now) {
		return false, fmt.Sprintf("time outside %s-%s window", start, end)
	}
	return true, ""
}

// evalCommunityConsensus holds only with an affirmative community verdict
// supplied by the caller.
func evalCommunityConsensus(cond permission.Condition, req ActionRequest) (bool, string) {
	if req.CommunityApproval == nil {
		return false, "community approval not supplied"
	}
	if !*req.CommunityApproval {
		return false, "community rejected the action"
	}
	return true, ""
}

// evalRiskMetrics holds while the caller-supplied risk score stays at or
// below the "max_risk" parameter.
func evalRiskMetrics(cond permission.Condition, req ActionRequest) (bool, string) {
	maxRisk, ok := cond.FloatParam("max_risk")
	if !ok {
		return false, `missing "max_risk" parameter`
	}
	if req.RiskScore == nil {
		return false, "risk score not supplied"
	}
	limit := decimal.NewFromFloat(maxRisk)
	if req.RiskScore.Cmp(limit) > 0 {
		return false, fmt.Sprintf("risk score %s above %s", req.RiskScore, limit)
	}
	return true, ""
}
