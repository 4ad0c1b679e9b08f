package evaluator_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tradewarden/delegation-engine/internal/domain/permission"
	"github.com/tradewarden/delegation-engine/internal/domain/values"
	"github.com/tradewarden/delegation-engine/internal/service/evaluator"
)

// checkWithCondition runs a full permission check with a single and-condition
func checkWithCondition(t *testing.T, cond permission.Condition, mutate func(req *evaluator.ActionRequest)) evaluator.Decision {
	t.Helper()
	eval := evaluator.NewEvaluator(zap.NewNop(), nil)
	p := activeTradePermission(t)
	p.Conditions = []permission.Condition{cond}

	req := baseRequest()
	if mutate != nil {
		mutate(&req)
	}

	decision, err := eval.IsActionPermitted(context.Background(), p, req)
	require.NoError(t, err)
	return decision
}

func TestConditionPriceChange(t *testing.T) {
	cond := permission.NewCondition(permission.ConditionPriceChange,
		map[string]interface{}{"max_change": 0.05}, permission.OperatorAnd, 1)

	t.Run("holds within bounds", func(t *testing.T) {
		change := decimal.NewFromFloat(-0.03)
		d := checkWithCondition(t, cond, func(req *evaluator.ActionRequest) {
			req.PriceChange24h = &change
		})
		assert.True(t, d.Permitted)
	})

	t.Run("fails on large drop", func(t *testing.T) {
		change := decimal.NewFromFloat(-0.12)
		d := checkWithCondition(t, cond, func(req *evaluator.ActionRequest) {
			req.PriceChange24h = &change
		})
		assert.False(t, d.Permitted)
		assert.Contains(t, d.Reason, "price change")
	})

	t.Run("fails closed without data", func(t *testing.T) {
		d := checkWithCondition(t, cond, nil)
		assert.False(t, d.Permitted)
	})
}

func TestConditionVolumeThreshold(t *testing.T) {
	cond := permission.NewCondition(permission.ConditionVolumeThreshold,
		map[string]interface{}{"min_volume": 500_000.0}, permission.OperatorAnd, 1)

	d := checkWithCondition(t, cond, nil)
	assert.True(t, d.Permitted, "base request volume is 1,000,000")

	d = checkWithCondition(t, cond, func(req *evaluator.ActionRequest) {
		req.Market.Volume = decimal.NewFromInt(100_000)
	})
	assert.False(t, d.Permitted)
}

func TestConditionPortfolioValue(t *testing.T) {
	cond := permission.NewCondition(permission.ConditionPortfolioValue,
		map[string]interface{}{"min_value": 5000.0}, permission.OperatorAnd, 1)

	d := checkWithCondition(t, cond, nil)
	assert.True(t, d.Permitted)

	d = checkWithCondition(t, cond, func(req *evaluator.ActionRequest) {
		req.PortfolioValue = values.MustNewAmount("4000")
		// Keep the amount inside the smaller percentage cap so the
		// condition, not the scope, decides.
		req.Amount = values.MustNewAmount("100")
	})
	assert.False(t, d.Permitted)
}

func TestConditionTimeBased(t *testing.T) {
	cond := permission.NewCondition(permission.ConditionTimeBased,
		map[string]interface{}{"start": "09:00", "end": "17:00", "timezone": "UTC"},
		permission.OperatorAnd, 1)

	d := checkWithCondition(t, cond, func(req *evaluator.ActionRequest) {
		req.Now = time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	})
	assert.True(t, d.Permitted)

	d = checkWithCondition(t, cond, func(req *evaluator.ActionRequest) {
		req.Now = time.Date(2025, 6, 2, 20, 0, 0, 0, time.UTC)
	})
	assert.False(t, d.Permitted)
}

func TestConditionCommunityConsensus(t *testing.T) {
	cond := permission.NewCondition(permission.ConditionCommunityConsensus,
		nil, permission.OperatorAnd, 1)

	approve := true
	d := checkWithCondition(t, cond, func(req *evaluator.ActionRequest) {
		req.CommunityApproval = &approve
	})
	assert.True(t, d.Permitted)

	reject := false
	d = checkWithCondition(t, cond, func(req *evaluator.ActionRequest) {
		req.CommunityApproval = &reject
	})
	assert.False(t, d.Permitted)

	d = checkWithCondition(t, cond, nil)
	assert.False(t, d.Permitted, "missing verdict fails closed")
}

func TestConditionRiskMetrics(t *testing.T) {
	cond := permission.NewCondition(permission.ConditionRiskMetrics,
		map[string]interface{}{"max_risk": 0.7}, permission.OperatorAnd, 1)

	low := decimal.NewFromFloat(0.3)
	d := checkWithCondition(t, cond, func(req *evaluator.ActionRequest) {
		req.RiskScore = &low
	})
	assert.True(t, d.Permitted)

	high := decimal.NewFromFloat(0.9)
	d = checkWithCondition(t, cond, func(req *evaluator.ActionRequest) {
		req.RiskScore = &high
	})
	assert.False(t, d.Permitted)
}

func TestConditionMissingParameterFailsClosed(t *testing.T) {
	cond := permission.NewCondition(permission.ConditionVolatilityThreshold,
		map[string]interface{}{}, permission.OperatorAnd, 1)

	d := checkWithCondition(t, cond, nil)
	assert.False(t, d.Permitted)
	assert.Contains(t, d.Reason, "max")
}

func TestConditionAllowedTrendsFromJSON(t *testing.T) {
	// Parameters decoded from JSON arrive as []interface{}.
	cond := permission.NewCondition(permission.ConditionMarketCondition,
		map[string]interface{}{"allowed_trends": []interface{}{"bullish", "sideways"}},
		permission.OperatorAnd, 1)

	d := checkWithCondition(t, cond, nil)
	assert.True(t, d.Permitted)
}
