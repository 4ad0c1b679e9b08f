package evaluator

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tradewarden/delegation-engine/internal/domain/market"
	"github.com/tradewarden/delegation-engine/internal/domain/permission"
	"github.com/tradewarden/delegation-engine/internal/domain/values"
)

// Evaluator decides whether a proposed agent action fits inside a
// permission's scope and whether the permission's conditions currently
// hold. Scope rejection is the hot path of every action check, so it is a
// normal Decision value, never an error.
type Evaluator struct {
	logger       *zap.Logger
	transactions TransactionCounter
	instruments  Instrumentation
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithInstrumentation wires decision metrics.
func WithInstrumentation(i Instrumentation) Option {
	return func(e *Evaluator) { e.instruments = i }
}

// NewEvaluator creates an evaluator. The transaction counter may be nil,
// in which case frequency limits are not enforced.
func NewEvaluator(logger *zap.Logger, transactions TransactionCounter, opts ...Option) *Evaluator {
	e := &Evaluator{
		logger:       logger,
		transactions: transactions,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ActionRequest carries the proposed action plus every piece of external
// state the checks need. The evaluator fetches nothing itself: callers
// supply portfolio value and market data so the check stays a predicate
// over its inputs.
type ActionRequest struct {
	Action permission.Type
	Token  string
	Amount values.Amount
	Now    time.Time

	// PortfolioValue is the current total portfolio value, used for the
	// max-percentage cap.
	PortfolioValue values.Amount

	// Market is the snapshot conditions are evaluated against.
	Market market.Condition

	// Optional inputs for specific condition types. A condition whose
	// input is absent fails closed.
	PriceChange24h    *decimal.Decimal
	RiskScore         *decimal.Decimal
	CommunityApproval *bool
}

// Decision is the outcome of a permission check. When not permitted,
// Reason names the scope element or condition that rejected the action.
type Decision struct {
	Permitted bool
	Reason    string
}

func permitted() Decision {
	return Decision{Permitted: true}
}

func rejected(format string, args ...interface{}) Decision {
	return Decision{Permitted: false, Reason: fmt.Sprintf(format, args...)}
}

// IsActionPermitted runs the scope and condition checks in order,
// short-circuiting on the first failure. Only infrastructure failures
// (e.g. the transaction counter being unreachable) surface as errors.
func (e *Evaluator) IsActionPermitted(ctx context.Context, p *permission.Permission, req ActionRequest) (Decision, error) {
	started := time.Now()
	decision, err := e.check(ctx, p, req)
	if err == nil && e.instruments != nil {
		e.instruments.RecordDecision(ctx, decision.Permitted, time.Since(started))
	}
	return decision, err
}

func (e *Evaluator) check(ctx context.Context, p *permission.Permission, req ActionRequest) (Decision, error) {
	if p == nil {
		return rejected("no permission supplied"), nil
	}

	// An expired grant must surface as expired no matter who asks.
	p.Materialize(req.Now)

	if !p.IsActive(req.Now) {
		return rejected("permission is %s", p.Status), nil
	}

	// 1. A permission only authorizes its declared type.
	if p.Type != req.Action {
		return rejected("permission authorizes %s, not %s", p.Type, req.Action), nil
	}

	// 2. Token allow-list.
	if !p.Scope.AllowsToken(req.Token) {
		return rejected("token %s is not in the scope allow-list", req.Token), nil
	}

	// 3. Amount caps: absolute, then percentage of portfolio.
	if req.Amount.GreaterThan(p.Scope.MaxAmount) {
		return rejected("amount %s exceeds max amount %s", req.Amount, p.Scope.MaxAmount), nil
	}
	portfolioCap := p.Scope.MaxPercentage.Of(req.PortfolioValue)
	if req.Amount.GreaterThan(portfolioCap) {
		return rejected("amount %s exceeds %s of portfolio value (%s)",
			req.Amount, p.Scope.MaxPercentage, portfolioCap), nil
	}

	// 4. Time windows.
	if !p.Scope.InAnyWindow(req.Now) {
		return rejected("current time is outside all permitted time windows"), nil
	}

	// 5. Frequency limit.
	if decision, err := e.checkFrequency(ctx, p, req); err != nil {
		return Decision{}, err
	} else if !decision.Permitted {
		return decision, nil
	}

	// 6. Market/risk conditions.
	if decision := e.checkConditions(p, req); !decision.Permitted {
		return decision, nil
	}

	return permitted(), nil
}

func (e *Evaluator) checkFrequency(ctx context.Context, p *permission.Permission, req ActionRequest) (Decision, error) {
	limit := p.Scope.Frequency
	if limit == nil {
		return permitted(), nil
	}
	if e.transactions == nil {
		e.logger.Warn("frequency limit configured but no transaction counter wired",
			zap.String("permission_id", p.ID.String()))
		return permitted(), nil
	}

	count, err := e.transactions.Count(ctx, p.ID, req.Action.String(), limit.Period.Window())
	if err != nil {
		return Decision{}, fmt.Errorf("counting transactions for permission %s: %w", p.ID, err)
	}

	if count >= limit.MaxTransactions {
		return rejected("frequency limit reached: %d/%d actions this %s",
			count, limit.MaxTransactions, limit.Period), nil
	}
	return permitted(), nil
}

// checkConditions applies the permission's active conditions. Conditions
// are ordered by ascending priority (stable on declaration order), then
// combined as: every "and" condition must hold, and if any "or" conditions
// exist at least one of them must hold.
func (e *Evaluator) checkConditions(p *permission.Permission, req ActionRequest) Decision {
	active := p.ActiveConditions()
	if len(active) == 0 {
		return permitted()
	}

	sortByPriority(active)

	var (
		orSeen     bool
		orHeld     bool
		firstOrMsg string
	)

	for _, cond := range active {
		holds, reason := evaluateCondition(cond, req)

		switch cond.Operator {
		case permission.OperatorAnd:
			if !holds {
				return rejected("condition %s failed: %s", cond.Type, reason)
			}
		case permission.OperatorOr:
			orSeen = true
			if holds {
				orHeld = true
			} else if firstOrMsg == "" {
				firstOrMsg = fmt.Sprintf("condition %s failed: %s", cond.Type, reason)
			}
		}
	}

	if orSeen && !orHeld {
		return rejected("no alternative condition held (%s)", firstOrMsg)
	}
	return permitted()
}

func sortByPriority(conds []permission.Condition) {
	// Insertion sort keeps declaration order among equal priorities, which
	// makes the evaluation fold deterministic.
	for i := 1; i < len(conds); i++ {
		for j := i; j > 0 && conds[j].Priority < conds[j-1].Priority; j-- {
			conds[j], conds[j-1] = conds[j-1], conds[j]
		}
	}
}
