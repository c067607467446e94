package schedule

import (
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

const (
	KindCron     = "cron"
	KindInterval = "interval"
)

// Schedule is a parsed event trigger: either a cron expression or a fixed
// interval written as "@every <duration>".
type Schedule struct {
	Kind     string
	CronExpr string
	Interval time.Duration
}

// Parse accepts a 5/6/7-field cron expression, a gronx macro such as
// @hourly, or "@every 30s".
func Parse(raw string) (*Schedule, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("empty schedule")
	}

	if rest, ok := strings.CutPrefix(raw, "@every"); ok {
		d, err := time.ParseDuration(strings.TrimSpace(rest))
		if err != nil {
			return nil, fmt.Errorf("invalid interval %q: %w", raw, err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("interval must be positive: %s", raw)
		}
		return &Schedule{Kind: KindInterval, Interval: d}, nil
	}

	if !gronx.New().IsValid(raw) {
		return nil, fmt.Errorf("invalid cron expression: %s", raw)
	}
	return &Schedule{Kind: KindCron, CronExpr: raw}, nil
}

// Next returns the first firing strictly after ref.
func (s *Schedule) Next(ref time.Time) (time.Time, error) {
	switch s.Kind {
	case KindInterval:
		return ref.Add(s.Interval), nil
	case KindCron:
		next, err := gronx.NextTickAfter(s.CronExpr, ref, false)
		if err != nil {
			return time.Time{}, fmt.Errorf("next tick for %q: %w", s.CronExpr, err)
		}
		return next, nil
	}
	return time.Time{}, fmt.Errorf("unknown schedule kind: %s", s.Kind)
}

// NextRun parses raw and returns its next firing after now, or nil.
func NextRun(raw string) *time.Time {
	s, err := Parse(raw)
	if err != nil {
		return nil
	}
	next, err := s.Next(time.Now())
	if err != nil {
		return nil
	}
	return &next
}

// Describe returns a human-readable description of a schedule string.
func Describe(raw string) string {
	s, err := Parse(raw)
	if err != nil {
		return raw
	}

	switch s.Kind {
	case KindCron:
		if strings.HasPrefix(s.CronExpr, "@") {
			return s.CronExpr
		}
		if len(strings.Fields(s.CronExpr)) == 6 {
			return "Every second-resolution tick: " + s.CronExpr
		}
		return s.CronExpr
	case KindInterval:
		d := s.Interval
		switch {
		case d%time.Hour == 0 && d >= time.Hour:
			h := int(d.Hours())
			if h == 1 {
				return "Every hour"
			}
			return fmt.Sprintf("Every %d hours", h)
		case d%time.Minute == 0 && d >= time.Minute:
			m := int(d.Minutes())
			if m == 1 {
				return "Every minute"
			}
			return fmt.Sprintf("Every %d minutes", m)
		default:
			return fmt.Sprintf("Every %s", d)
		}
	}
	return raw
}
