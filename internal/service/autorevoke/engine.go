package autorevoke

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/tradewarden/delegation-engine/internal/domain/errors"
	"github.com/tradewarden/delegation-engine/internal/domain/market"
	"github.com/tradewarden/delegation-engine/internal/domain/permission"
	"github.com/tradewarden/delegation-engine/internal/domain/rule"
	"github.com/tradewarden/delegation-engine/internal/domain/values"
	"github.com/tradewarden/delegation-engine/internal/infrastructure/telemetry"
	"github.com/tradewarden/delegation-engine/internal/service/evaluator"
)

const defaultWorkers = 8

// Engine runs the auto-revoke rule set against every active permission.
// Rules are held in memory and mutable at runtime; evaluation passes are
// driven by the scheduler or triggered manually.
//
// Concurrency model: permissions are evaluated in parallel under a bounded
// worker pool, but all rules against one permission run sequentially under
// that permission's lock. Two passes can therefore overlap without ever
// racing on the same permission.
type Engine struct {
	lifecycle    Lifecycle
	events       EventStore
	transactions evaluator.TransactionCounter
	instruments  Instrumentation
	logger       *zap.Logger
	tracer       trace.Tracer
	workers      int

	mu    sync.RWMutex
	rules map[uuid.UUID]*rule.AutoRevokeRule

	locks sync.Map // uuid.UUID -> *sync.Mutex
}

// Option configures an Engine.
type Option func(*Engine)

// WithWorkers bounds the per-pass evaluation parallelism.
func WithWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithTransactionCounter wires the counter backing the transaction
// frequency signal. Without it, frequency rules never fire.
func WithTransactionCounter(c evaluator.TransactionCounter) Option {
	return func(e *Engine) { e.transactions = c }
}

// WithInstrumentation wires engine metrics.
func WithInstrumentation(i Instrumentation) Option {
	return func(e *Engine) { e.instruments = i }
}

func NewEngine(lifecycle Lifecycle, events EventStore, logger *zap.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		lifecycle: lifecycle,
		events:    events,
		logger:    logger,
		tracer:    telemetry.Tracer("autorevoke.engine"),
		workers:   defaultWorkers,
		rules:     make(map[uuid.UUID]*rule.AutoRevokeRule),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// AddRule registers a rule after validating it. Adding a rule with an ID
// already registered is a conflict; use UpdateRule to replace in place.
func (e *Engine) AddRule(r *rule.AutoRevokeRule) error {
	if r == nil {
		return errors.NewValidationError("MISSING_RULE", "rule is required")
	}
	if err := r.Validate(); err != nil {
		return errors.NewValidationError("INVALID_RULE", err.Error())
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.rules[r.ID]; exists {
		return errors.NewConflictError("rule already registered")
	}
	e.rules[r.ID] = r.Clone()
	return nil
}

// UpdateRule replaces a registered rule. The replacement takes effect on
// the next evaluation pass; an in-flight pass finishes with the snapshot it
// started with.
func (e *Engine) UpdateRule(r *rule.AutoRevokeRule) error {
	if r == nil {
		return errors.NewValidationError("MISSING_RULE", "rule is required")
	}
	if err := r.Validate(); err != nil {
		return errors.NewValidationError("INVALID_RULE", err.Error())
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.rules[r.ID]; !exists {
		return errors.ErrRuleNotFound
	}
	e.rules[r.ID] = r.Clone()
	return nil
}

// RemoveRule unregisters a rule.
func (e *Engine) RemoveRule(id uuid.UUID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.rules[id]; !exists {
		return errors.ErrRuleNotFound
	}
	delete(e.rules, id)
	return nil
}

// SetRuleActive toggles a rule without removing it.
func (e *Engine) SetRuleActive(id uuid.UUID, active bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, exists := e.rules[id]
	if !exists {
		return errors.ErrRuleNotFound
	}
	r.IsActive = active
	return nil
}

// Rule returns a copy of one registered rule.
func (e *Engine) Rule(id uuid.UUID) (*rule.AutoRevokeRule, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, exists := e.rules[id]
	if !exists {
		return nil, errors.ErrRuleNotFound
	}
	return r.Clone(), nil
}

// Rules returns copies of all registered rules in registration order.
func (e *Engine) Rules() []*rule.AutoRevokeRule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*rule.AutoRevokeRule, 0, len(e.rules))
	for _, r := range e.rules {
		out = append(out, r.Clone())
	}
	sortRules(out)
	return out
}

// Evaluate runs every active rule against every active permission using the
// supplied market snapshot, applying rule actions through the lifecycle
// manager. It returns the events for every rule that fired. Per-permission
// failures are logged and skipped; they never abort the pass.
func (e *Engine) Evaluate(ctx context.Context, snapshot market.Condition) ([]*rule.AutoRevokeEvent, error) {
	if err := snapshot.Validate(); err != nil {
		return nil, errors.NewValidationError("INVALID_SNAPSHOT", err.Error())
	}

	rules := e.activeRules()
	if len(rules) == 0 {
		return nil, nil
	}

	perms, err := e.lifecycle.AllActive(ctx)
	if err != nil {
		return nil, err
	}

	ctx, span := telemetry.StartEvaluationSpan(ctx, e.tracer, len(perms), len(rules))
	defer span.End()

	started := time.Now()
	var (
		wg    sync.WaitGroup
		outMu sync.Mutex
		fired []*rule.AutoRevokeEvent
		sem   = make(chan struct{}, e.workers)
	)

	for _, p := range perms {
		select {
		case <-ctx.Done():
			wg.Wait()
			telemetry.WithSpanError(span, ctx.Err())
			return fired, ctx.Err()
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(p *permission.Permission) {
			defer wg.Done()
			defer func() { <-sem }()

			events := e.evaluatePermission(ctx, p, rules, snapshot)
			if len(events) == 0 {
				return
			}
			outMu.Lock()
			fired = append(fired, events...)
			outMu.Unlock()
		}(p)
	}
	wg.Wait()

	if e.instruments != nil {
		e.instruments.RecordEvaluation(ctx, time.Since(started), len(perms), len(fired))
	}
	e.logger.Info("evaluation pass complete",
		zap.Int("permissions", len(perms)),
		zap.Int("rules", len(rules)),
		zap.Int("events", len(fired)),
		zap.Duration("elapsed", time.Since(started)),
	)
	return fired, nil
}

// evaluatePermission runs the rule set against one permission under its
// lock. The permission's status is re-checked before each action, so a
// revoke fired by an earlier rule (or a concurrent manual revoke) stops
// later rules from acting on a dead permission.
func (e *Engine) evaluatePermission(ctx context.Context, p *permission.Permission, rules []*rule.AutoRevokeRule, snapshot market.Condition) []*rule.AutoRevokeEvent {
	lock := e.permissionLock(p.ID)
	lock.Lock()
	defer lock.Unlock()

	now := time.Now().UTC()
	current := p
	var events []*rule.AutoRevokeEvent

	for _, r := range rules {
		if current.Status != permission.StatusActive {
			break
		}

		value, ok, err := e.signalValue(ctx, r.Signal, current, snapshot, now)
		if err != nil {
			e.logger.Warn("signal evaluation failed",
				zap.String("permission_id", p.ID.String()),
				zap.String("signal", r.Signal.String()),
				zap.Error(err),
			)
			continue
		}
		if !ok || !signalFired(r.Signal, value, r.Threshold) {
			continue
		}

		reason := firedReason(r, value)
		updated, err := e.applyAction(ctx, current, r, reason)
		if err != nil {
			// A concurrent manual revoke or expiry beat this rule to it.
			// The permission is already in the state the rule wanted or
			// stricter, so there is nothing to record.
			if errors.IsAlreadyRevoked(err) || errors.IsAlreadyExpired(err) {
				break
			}
			e.logger.Error("rule action failed",
				zap.String("permission_id", p.ID.String()),
				zap.String("rule_id", r.ID.String()),
				zap.String("action", r.Action.String()),
				zap.Error(err),
			)
			continue
		}
		current = updated

		event, err := rule.NewAutoRevokeEvent(r, p.ID, p.UserID, reason, snapshot)
		if err != nil {
			e.logger.Error("event construction failed", zap.Error(err))
			continue
		}
		if e.events != nil {
			if err := e.events.Record(ctx, event); err != nil {
				// The action is already durable in the permission's audit
				// log; a lost event costs analytics, not correctness.
				e.logger.Error("event record failed",
					zap.String("event_id", event.ID.String()),
					zap.Error(err),
				)
			}
		}
		if e.instruments != nil {
			e.instruments.RecordRuleFired(ctx, r.Signal.String(), r.Action.String())
		}
		events = append(events, event)
	}
	return events
}

func (e *Engine) applyAction(ctx context.Context, p *permission.Permission, r *rule.AutoRevokeRule, reason string) (*permission.Permission, error) {
	switch r.Action {
	case rule.ActionRestrict:
		return e.lifecycle.Restrict(ctx, p.ID, tightenScope(p.Scope), reason, permission.TriggerSystem)
	case rule.ActionEscalate:
		return e.lifecycle.Escalate(ctx, p.ID, reason, permission.TriggerSystem)
	default:
		return e.lifecycle.Revoke(ctx, p.ID, reason, permission.TriggerSystem)
	}
}

// signalValue computes the observed value for one signal. ok=false means
// the signal cannot be computed in this configuration (no counter wired)
// and the rule is skipped without error.
func (e *Engine) signalValue(ctx context.Context, s rule.Signal, p *permission.Permission, snapshot market.Condition, now time.Time) (decimal.Decimal, bool, error) {
	switch s {
	case rule.SignalMarketVolatility:
		return snapshot.Volatility, true, nil
	case rule.SignalMarketTrend:
		return snapshot.Trend.Encoded(), true, nil
	case rule.SignalLiquidityRatio:
		return snapshot.Liquidity, true, nil
	case rule.SignalTradingVolume:
		return snapshot.Volume, true, nil
	case rule.SignalMarketSentiment:
		return snapshot.Sentiment, true, nil
	case rule.SignalPermissionAge:
		return decimal.NewFromFloat(p.Age(now).Hours()), true, nil
	case rule.SignalTransactionFrequency:
		if e.transactions == nil {
			return decimal.Zero, false, nil
		}
		count, err := e.transactions.Count(ctx, p.ID, "", time.Hour)
		if err != nil {
			return decimal.Zero, false, err
		}
		return decimal.NewFromInt(int64(count)), true, nil
	default:
		return decimal.Zero, false, nil
	}
}

// signalFired applies each signal's comparison direction: stress signals
// fire above threshold, health signals fire below it.
func signalFired(s rule.Signal, value, threshold decimal.Decimal) bool {
	switch s {
	case rule.SignalLiquidityRatio, rule.SignalMarketSentiment, rule.SignalMarketTrend:
		return value.LessThan(threshold)
	default:
		return value.GreaterThan(threshold)
	}
}

func firedReason(r *rule.AutoRevokeRule, value decimal.Decimal) string {
	name := r.Name
	if name == "" {
		name = r.ID.String()
	}
	return "auto-revoke rule " + name + ": " + r.Signal.String() +
		" observed " + value.String() + " against threshold " + r.Threshold.String()
}

// tightenScope halves the monetary bounds of a scope. Token allow-list and
// time windows are left alone; restriction targets exposure, not shape.
func tightenScope(s permission.Scope) permission.Scope {
	half := decimal.NewFromFloat(0.5)
	tightened := s.Clone()
	tightened.MaxAmount = s.MaxAmount.Mul(half)
	if !s.MaxPercentage.IsZero() {
		if pct, err := values.NewPercentage(s.MaxPercentage.Decimal().Mul(half)); err == nil {
			tightened.MaxPercentage = pct
		}
	}
	return tightened
}

func (e *Engine) activeRules() []*rule.AutoRevokeRule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*rule.AutoRevokeRule, 0, len(e.rules))
	for _, r := range e.rules {
		if r.IsActive {
			out = append(out, r.Clone())
		}
	}
	sortRules(out)
	return out
}

// sortRules orders by creation time then ID so evaluation order is
// deterministic across passes.
func sortRules(rules []*rule.AutoRevokeRule) {
	sort.Slice(rules, func(i, j int) bool {
		if !rules[i].CreatedAt.Equal(rules[j].CreatedAt) {
			return rules[i].CreatedAt.Before(rules[j].CreatedAt)
		}
		return rules[i].ID.String() < rules[j].ID.String()
	})
}

func (e *Engine) permissionLock(id uuid.UUID) *sync.Mutex {
	actual, _ := e.locks.LoadOrStore(id, &sync.Mutex{})
	return actual.(*sync.Mutex)
}
