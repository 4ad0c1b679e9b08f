package evaluator_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tradewarden/delegation-engine/internal/domain/market"
	"github.com/tradewarden/delegation-engine/internal/domain/permission"
	"github.com/tradewarden/delegation-engine/internal/domain/values"
	"github.com/tradewarden/delegation-engine/internal/service/evaluator"
	"github.com/tradewarden/delegation-engine/internal/testutil/fixtures"
)

// fakeCounter is an in-memory TransactionCounter for tests
type fakeCounter struct {
	counts map[string]int
	err    error
}

func (f *fakeCounter) Count(_ context.Context, permissionID uuid.UUID, actionType string, _ time.Duration) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	return f.counts[permissionID.String()+"/"+actionType], nil
}

func (f *fakeCounter) Record(_ context.Context, permissionID uuid.UUID, actionType string) error {
	if f.counts == nil {
		f.counts = make(map[string]int)
	}
	f.counts[permissionID.String()+"/"+actionType]++
	return nil
}

func activeTradePermission(t *testing.T) *permission.Permission {
	t.Helper()
	return fixtures.NewPermissionBuilder().
		WithScope(permission.Scope{
			Tokens:        []string{"ETH", "USDC"},
			MaxAmount:     values.MustNewAmount("5000"),
			MaxPercentage: values.MustNewPercentage("0.1"),
		}).
		Build(t)
}

func baseRequest() evaluator.ActionRequest {
	return evaluator.ActionRequest{
		Action:         permission.TypeTradeExecution,
		Token:          "ETH",
		Amount:         values.MustNewAmount("500"),
		Now:            time.Now(),
		PortfolioValue: values.MustNewAmount("10000"),
		Market: market.Condition{
			Volatility: decimal.NewFromFloat(0.2),
			Trend:      market.TrendBullish,
			Volume:     decimal.NewFromInt(1_000_000),
			Liquidity:  decimal.NewFromFloat(0.9),
			Timestamp:  time.Now(),
		},
	}
}

func TestIsActionPermitted_ScopeChecks(t *testing.T) {
	eval := evaluator.NewEvaluator(zap.NewNop(), nil)

	tests := []struct {
		name       string
		mutate     func(p *permission.Permission, req *evaluator.ActionRequest)
		want       bool
		wantReason string
	}{
		{
			name:   "in-scope action is permitted",
			mutate: func(p *permission.Permission, req *evaluator.ActionRequest) {},
			want:   true,
		},
		{
			name: "wrong action type",
			mutate: func(p *permission.Permission, req *evaluator.ActionRequest) {
				req.Action = permission.TypePortfolioRebalancing
			},
			want:       false,
			wantReason: "authorizes trade_execution",
		},
		{
			name: "unlisted token",
			mutate: func(p *permission.Permission, req *evaluator.ActionRequest) {
				req.Token = "DOGE"
			},
			want:       false,
			wantReason: "allow-list",
		},
		{
			name: "amount above absolute cap",
			mutate: func(p *permission.Permission, req *evaluator.ActionRequest) {
				req.Amount = values.MustNewAmount("5001")
			},
			want:       false,
			wantReason: "max amount",
		},
		{
			// 10% of a 10,000 portfolio caps actions at 1,000, so
			// 1,500 on an allow-listed token is rejected.
			name: "amount above percentage-of-portfolio cap",
			mutate: func(p *permission.Permission, req *evaluator.ActionRequest) {
				req.Amount = values.MustNewAmount("1500")
			},
			want:       false,
			wantReason: "portfolio value",
		},
		{
			name: "amount exactly at percentage cap passes",
			mutate: func(p *permission.Permission, req *evaluator.ActionRequest) {
				req.Amount = values.MustNewAmount("1000")
			},
			want: true,
		},
		{
			name: "outside all time windows",
			mutate: func(p *permission.Permission, req *evaluator.ActionRequest) {
				p.Scope.TimeWindows = []permission.TimeWindow{
					{Start: "09:00", End: "10:00", Days: []time.Weekday{time.Monday}, Timezone: "UTC"},
				}
				// Saturday noon UTC.
				req.Now = time.Date(2025, 6, 7, 12, 0, 0, 0, time.UTC)
			},
			want:       false,
			wantReason: "time windows",
		},
		{
			name: "revoked permission is rejected up front",
			mutate: func(p *permission.Permission, req *evaluator.ActionRequest) {
				require.NoError(t, p.Revoke("test", permission.TriggerUser))
			},
			want:       false,
			wantReason: "revoked",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := activeTradePermission(t)
			req := baseRequest()
			tt.mutate(p, &req)

			decision, err := eval.IsActionPermitted(context.Background(), p, req)
			require.NoError(t, err)
			assert.Equal(t, tt.want, decision.Permitted)
			if !tt.want {
				assert.Contains(t, decision.Reason, tt.wantReason,
					"rejection reason must name the failing element")
			}
		})
	}
}

func TestIsActionPermitted_LazyExpiry(t *testing.T) {
	eval := evaluator.NewEvaluator(zap.NewNop(), nil)
	p := activeTradePermission(t)
	past := time.Now().Add(-time.Hour)
	p.ExpiresAt = &past

	decision, err := eval.IsActionPermitted(context.Background(), p, baseRequest())
	require.NoError(t, err)

	assert.False(t, decision.Permitted)
	assert.Contains(t, decision.Reason, "expired")
	assert.Equal(t, permission.StatusExpired, p.Status,
		"the read must have materialized expiry")
}

func TestIsActionPermitted_FrequencyLimit(t *testing.T) {
	p := activeTradePermission(t)
	p.Scope.Frequency = &permission.FrequencyLimit{
		MaxTransactions: 3,
		Period:          permission.PeriodDay,
	}

	t.Run("under the limit passes", func(t *testing.T) {
		counter := &fakeCounter{counts: map[string]int{
			p.ID.String() + "/trade_execution": 2,
		}}
		eval := evaluator.NewEvaluator(zap.NewNop(), counter)

		decision, err := eval.IsActionPermitted(context.Background(), p, baseRequest())
		require.NoError(t, err)
		assert.True(t, decision.Permitted)
	})

	t.Run("at the limit is rejected", func(t *testing.T) {
		counter := &fakeCounter{counts: map[string]int{
			p.ID.String() + "/trade_execution": 3,
		}}
		eval := evaluator.NewEvaluator(zap.NewNop(), counter)

		decision, err := eval.IsActionPermitted(context.Background(), p, baseRequest())
		require.NoError(t, err)
		assert.False(t, decision.Permitted)
		assert.Contains(t, decision.Reason, "frequency limit")
	})

	t.Run("counter failure is an error, not a silent pass", func(t *testing.T) {
		counter := &fakeCounter{err: fmt.Errorf("redis down")}
		eval := evaluator.NewEvaluator(zap.NewNop(), counter)

		_, err := eval.IsActionPermitted(context.Background(), p, baseRequest())
		assert.Error(t, err)
	})
}

func TestIsActionPermitted_ConditionAlgebra(t *testing.T) {
	eval := evaluator.NewEvaluator(zap.NewNop(), nil)

	volatilityOK := permission.NewCondition(permission.ConditionVolatilityThreshold,
		map[string]interface{}{"max": 0.5}, permission.OperatorAnd, 1)
	volatilityTight := permission.NewCondition(permission.ConditionVolatilityThreshold,
		map[string]interface{}{"max": 0.1}, permission.OperatorAnd, 1)
	bullishOnly := permission.NewCondition(permission.ConditionMarketCondition,
		map[string]interface{}{"allowed_trends": []string{"bullish"}}, permission.OperatorOr, 2)
	bearishOnly := permission.NewCondition(permission.ConditionMarketCondition,
		map[string]interface{}{"allowed_trends": []string{"bearish"}}, permission.OperatorOr, 2)

	tests := []struct {
		name       string
		conditions []permission.Condition
		want       bool
	}{
		{
			name:       "no conditions always holds",
			conditions: nil,
			want:       true,
		},
		{
			name:       "single and-condition holding",
			conditions: []permission.Condition{volatilityOK},
			want:       true,
		},
		{
			name:       "single and-condition failing rejects",
			conditions: []permission.Condition{volatilityTight},
			want:       false,
		},
		{
			name:       "all and-conditions must hold",
			conditions: []permission.Condition{volatilityOK, volatilityTight},
			want:       false,
		},
		{
			name:       "one or-condition holding is sufficient",
			conditions: []permission.Condition{bearishOnly, bullishOnly},
			want:       true,
		},
		{
			name:       "no or-condition holding rejects",
			conditions: []permission.Condition{bearishOnly},
			want:       false,
		},
		{
			name:       "ands and ors combine: and holds, one or holds",
			conditions: []permission.Condition{volatilityOK, bearishOnly, bullishOnly},
			want:       true,
		},
		{
			name:       "and failure rejects even when an or holds",
			conditions: []permission.Condition{volatilityTight, bullishOnly},
			want:       false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := activeTradePermission(t)
			p.Conditions = tt.conditions

			decision, err := eval.IsActionPermitted(context.Background(), p, baseRequest())
			require.NoError(t, err)
			assert.Equal(t, tt.want, decision.Permitted, decision.Reason)
		})
	}
}

func TestIsActionPermitted_InactiveConditionsIgnored(t *testing.T) {
	eval := evaluator.NewEvaluator(zap.NewNop(), nil)
	p := activeTradePermission(t)

	failing := permission.NewCondition(permission.ConditionVolatilityThreshold,
		map[string]interface{}{"max": 0.01}, permission.OperatorAnd, 1)
	failing.IsActive = false
	p.Conditions = []permission.Condition{failing}

	decision, err := eval.IsActionPermitted(context.Background(), p, baseRequest())
	require.NoError(t, err)
	assert.True(t, decision.Permitted)
}

// fakeInstruments captures recorded decisions for assertions
type fakeInstruments struct {
	permitted []bool
	elapsed   []time.Duration
}

func (f *fakeInstruments) RecordDecision(_ context.Context, permitted bool, elapsed time.Duration) {
	f.permitted = append(f.permitted, permitted)
	f.elapsed = append(f.elapsed, elapsed)
}

func TestIsActionPermitted_RecordsDecisions(t *testing.T) {
	instruments := &fakeInstruments{}
	eval := evaluator.NewEvaluator(zap.NewNop(), nil,
		evaluator.WithInstrumentation(instruments))
	p := activeTradePermission(t)

	allowed := baseRequest()
	decision, err := eval.IsActionPermitted(context.Background(), p, allowed)
	require.NoError(t, err)
	require.True(t, decision.Permitted)

	denied := baseRequest()
	denied.Token = "DOGE"
	decision, err = eval.IsActionPermitted(context.Background(), p, denied)
	require.NoError(t, err)
	require.False(t, decision.Permitted)

	require.Len(t, instruments.permitted, 2)
	assert.Equal(t, []bool{true, false}, instruments.permitted)
	for _, d := range instruments.elapsed {
		assert.GreaterOrEqual(t, d, time.Duration(0))
	}
}

func TestIsActionPermitted_ErrorsNotRecorded(t *testing.T) {
	p := activeTradePermission(t)
	p.Scope.Frequency = &permission.FrequencyLimit{
		MaxTransactions: 3,
		Period:          permission.PeriodDay,
	}

	instruments := &fakeInstruments{}
	counter := &fakeCounter{err: fmt.Errorf("redis down")}
	eval := evaluator.NewEvaluator(zap.NewNop(), counter,
		evaluator.WithInstrumentation(instruments))

	_, err := eval.IsActionPermitted(context.Background(), p, baseRequest())
	require.Error(t, err)
	assert.Empty(t, instruments.permitted)
}
