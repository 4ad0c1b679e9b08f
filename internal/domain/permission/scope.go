package permission

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tradewarden/delegation-engine/internal/domain/values"
)

// Scope is the hard limit set bounding what a permission allows: which
// tokens, how much per action, when, and how often.
type Scope struct {
	// Tokens is an allow-list of token symbols. Empty means unrestricted.
	Tokens []string `json:"tokens"`

	// MaxAmount is the absolute cap per action.
	MaxAmount values.Amount `json:"max_amount"`

	// MaxPercentage caps each action at a fraction of current portfolio value.
	MaxPercentage values.Percentage `json:"max_percentage"`

	TimeWindows []TimeWindow    `json:"time_windows,omitempty"`
	Frequency   *FrequencyLimit `json:"frequency,omitempty"`
}

// AllowsToken checks the token allow-list. An empty list allows everything.
func (s Scope) AllowsToken(token string) bool {
	if len(s.Tokens) == 0 {
		return true
	}
	for _, t := range s.Tokens {
		if strings.EqualFold(t, token) {
			return true
		}
	}
	return false
}

// InAnyWindow reports whether now falls inside at least one time window.
// An empty window list means no time restriction.
func (s Scope) InAnyWindow(now time.Time) bool {
	if len(s.TimeWindows) == 0 {
		return true
	}
	for _, w := range s.TimeWindows {
		if w.Contains(now) {
			return true
		}
	}
	return false
}

// Validate validates the scope configuration
func (s Scope) Validate() error {
	for i, w := range s.TimeWindows {
		if err := w.Validate(); err != nil {
			return fmt.Errorf("invalid time window %d: %w", i, err)
		}
	}
	if s.Frequency != nil {
		if err := s.Frequency.Validate(); err != nil {
			return fmt.Errorf("invalid frequency limit: %w", err)
		}
	}
	return nil
}

// Clone returns a deep copy of the scope
func (s Scope) Clone() Scope {
	clone := s
	if s.Tokens != nil {
		clone.Tokens = make([]string, len(s.Tokens))
		copy(clone.Tokens, s.Tokens)
	}
	if s.TimeWindows != nil {
		clone.TimeWindows = make([]TimeWindow, len(s.TimeWindows))
		for i, w := range s.TimeWindows {
			clone.TimeWindows[i] = w.Clone()
		}
	}
	if s.Frequency != nil {
		f := *s.Frequency
		clone.Frequency = &f
	}
	return clone
}

// TimeWindow restricts actions to a daily interval on selected weekdays.
// Start and End are "HH:MM" in the window's timezone. A window with
// End < Start wraps midnight: 22:00-02:00 covers late Monday evening into
// early Tuesday morning, keyed on the day the window starts.
type TimeWindow struct {
	Start    string         `json:"start"`
	End      string         `json:"end"`
	Days     []time.Weekday `json:"days"`
	Timezone string         `json:"timezone"`
}

// Contains reports whether t falls inside the window
func (w TimeWindow) Contains(t time.Time) bool {
	loc, err := time.LoadLocation(w.Timezone)
	if err != nil {
		loc = time.UTC
	}

	local := t.In(loc)
	minutes := local.Hour()*60 + local.Minute()

	start, _ := parseClock(w.Start)
	end, _ := parseClock(w.End)

	if start <= end {
		return w.dayAllowed(local.Weekday()) && minutes >= start && minutes <= end
	}

	// Wrapping window: before midnight it belongs to the start day, after
	// midnight to the previous day.
	if minutes >= start {
		return w.dayAllowed(local.Weekday())
	}
	if minutes <= end {
		return w.dayAllowed(previousDay(local.Weekday()))
	}
	return false
}

func (w TimeWindow) dayAllowed(day time.Weekday) bool {
	if len(w.Days) == 0 {
		return true
	}
	for _, d := range w.Days {
		if d == day {
			return true
		}
	}
	return false
}

// Validate validates the window configuration
func (w TimeWindow) Validate() error {
	if _, err := parseClock(w.Start); err != nil {
		return fmt.Errorf("invalid start time: %w", err)
	}
	if _, err := parseClock(w.End); err != nil {
		return fmt.Errorf("invalid end time: %w", err)
	}
	for _, d := range w.Days {
		if d < time.Sunday || d > time.Saturday {
			return fmt.Errorf("invalid weekday: %d", d)
		}
	}
	if w.Timezone != "" {
		if _, err := time.LoadLocation(w.Timezone); err != nil {
			return fmt.Errorf("invalid timezone %q: %w", w.Timezone, err)
		}
	}
	return nil
}

// Clone returns a deep copy of the window
func (w TimeWindow) Clone() TimeWindow {
	clone := w
	if w.Days != nil {
		clone.Days = make([]time.Weekday, len(w.Days))
		copy(clone.Days, w.Days)
	}
	return clone
}

// parseClock parses "HH:MM" into minutes since midnight
func parseClock(s string) (int, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("expected HH:MM, got %q", s)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	return hour*60 + minute, nil
}

func previousDay(d time.Weekday) time.Weekday {
	if d == time.Sunday {
		return time.Saturday
	}
	return d - 1
}

// FrequencyLimit caps how many actions of the permission's type may run
// within a rolling period.
type FrequencyLimit struct {
	MaxTransactions int    `json:"max_transactions"`
	Period          Period `json:"period"`

	// ResetTime is an "HH:MM" display hint for clients. Enforcement uses
	// rolling windows anchored at evaluation time, so the limit never
	// resets at a fixed clock time; the field is advisory only.
	ResetTime *string `json:"reset_time,omitempty"`
}

type Period int

const (
	PeriodHour Period = iota
	PeriodDay
	PeriodWeek
	PeriodMonth
)

func (p Period) String() string {
	switch p {
	case PeriodHour:
		return "hour"
	case PeriodDay:
		return "day"
	case PeriodWeek:
		return "week"
	case PeriodMonth:
		return "month"
	default:
		return "unknown"
	}
}

// ParsePeriod parses the wire form of a period
func ParsePeriod(s string) (Period, error) {
	switch s {
	case "hour":
		return PeriodHour, nil
	case "day":
		return PeriodDay, nil
	case "week":
		return PeriodWeek, nil
	case "month":
		return PeriodMonth, nil
	default:
		return 0, fmt.Errorf("unknown period: %s", s)
	}
}

// Window returns the rolling window duration for the period. Months use a
// 30-day window.
func (p Period) Window() time.Duration {
	switch p {
	case PeriodHour:
		return time.Hour
	case PeriodDay:
		return 24 * time.Hour
	case PeriodWeek:
		return 7 * 24 * time.Hour
	case PeriodMonth:
		return 30 * 24 * time.Hour
	default:
		return 24 * time.Hour
	}
}

// Validate validates the frequency limit configuration
func (f FrequencyLimit) Validate() error {
	if f.MaxTransactions <= 0 {
		return fmt.Errorf("max transactions must be positive")
	}
	if f.Period < PeriodHour || f.Period > PeriodMonth {
		return fmt.Errorf("invalid period: %d", f.Period)
	}
	if f.ResetTime != nil {
		if _, err := parseClock(*f.ResetTime); err != nil {
			return fmt.Errorf("invalid reset time: %w", err)
		}
	}
	return nil
}
