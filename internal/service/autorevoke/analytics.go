package autorevoke

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Report aggregates the auto-revoke events recorded inside a window.
type Report struct {
	Since time.Time `json:"since"`
	Until time.Time `json:"until"`
	Total int       `json:"total"`

	ByAction   map[string]int    `json:"by_action"`
	BySeverity map[string]int    `json:"by_severity"`
	ByRule     map[uuid.UUID]int `json:"by_rule"`
}

// Analytics tallies the events recorded in the trailing window. Typical
// windows are 24 hours and 7 days.
func (e *Engine) Analytics(ctx context.Context, window time.Duration) (*Report, error) {
	now := time.Now().UTC()
	report := &Report{
		Since:      now.Add(-window),
		Until:      now,
		ByAction:   make(map[string]int),
		BySeverity: make(map[string]int),
		ByRule:     make(map[uuid.UUID]int),
	}
	if e.events == nil {
		return report, nil
	}

	events, err := e.events.ListSince(ctx, report.Since)
	if err != nil {
		return nil, err
	}
	for _, ev := range events {
		report.Total++
		report.ByAction[ev.Action.String()]++
		report.BySeverity[ev.Severity.String()]++
		report.ByRule[ev.RuleID]++
	}
	return report, nil
}
