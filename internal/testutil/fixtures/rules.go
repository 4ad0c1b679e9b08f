package fixtures

import (
	"github.com/shopspring/decimal"

	"github.com/tradewarden/delegation-engine/internal/domain/rule"
)

// RuleBuilder builds test AutoRevokeRule entities
type RuleBuilder struct {
	name      string
	signal    rule.Signal
	threshold decimal.Decimal
	action    rule.Action
	severity  rule.Severity
	inactive  bool
}

// NewRuleBuilder creates a builder defaulting to a critical volatility
// revoke rule at threshold 0.8.
func NewRuleBuilder() *RuleBuilder {
	return &RuleBuilder{
		name:      "volatility guard",
		signal:    rule.SignalMarketVolatility,
		threshold: decimal.RequireFromString("0.8"),
		action:    rule.ActionRevoke,
		severity:  rule.SeverityCritical,
	}
}

func (b *RuleBuilder) WithName(name string) *RuleBuilder {
	b.name = name
	return b
}

func (b *RuleBuilder) WithSignal(s rule.Signal) *RuleBuilder {
	b.signal = s
	return b
}

func (b *RuleBuilder) WithThreshold(threshold string) *RuleBuilder {
	b.threshold = decimal.RequireFromString(threshold)
	return b
}

func (b *RuleBuilder) WithAction(a rule.Action) *RuleBuilder {
	b.action = a
	return b
}

func (b *RuleBuilder) WithSeverity(s rule.Severity) *RuleBuilder {
	b.severity = s
	return b
}

func (b *RuleBuilder) Inactive() *RuleBuilder {
	b.inactive = true
	return b
}

// Build constructs the rule
func (b *RuleBuilder) Build() *rule.AutoRevokeRule {
	r := rule.NewAutoRevokeRule(b.name, b.signal, b.threshold, b.action, b.severity)
	if b.inactive {
		r.IsActive = false
	}
	return r
}
