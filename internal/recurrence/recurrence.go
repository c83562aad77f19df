// Package recurrence computes successor schedules for recurring tasks from
// their JSON recurrence rule.
package recurrence

import (
	"encoding/json"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Rule is the recurrence rule carried on a task.
// Frequency is one of daily, weekly, monthly, cron.
type Rule struct {
	Frequency string `json:"frequency"`
	Interval  int64  `json:"interval"`
	Cron      string `json:"cron,omitempty"`
	EndDate   string `json:"end_date,omitempty"`
	EndAfter  *int64 `json:"end_after,omitempty"`
}

// Parse decodes a rule from its JSON form. Returns false when raw is empty
// or not a rule object.
func Parse(raw json.RawMessage) (Rule, bool) {
	if len(raw) == 0 {
		return Rule{}, false
	}
	var r Rule
	if err := json.Unmarshal(raw, &r); err != nil || r.Frequency == "" {
		return Rule{}, false
	}
	if r.Interval < 1 {
		r.Interval = 1
	}
	return r, true
}

// Next computes the next occurrence after `from` (RFC3339). It returns
// false when the rule is exhausted (past end_date) or unrecognized.
// A malformed `from` falls back to now, matching the permissive scheduler.
func Next(r Rule, from string, now time.Time) (string, bool) {
	base, err := time.Parse(time.RFC3339, from)
	if err != nil {
		base = now.UTC()
	}
	base = base.UTC()

	var next time.Time
	switch r.Frequency {
	case "daily":
		next = base.AddDate(0, 0, int(r.Interval))
	case "weekly":
		next = base.AddDate(0, 0, 7*int(r.Interval))
	case "monthly":
		next = base.AddDate(0, int(r.Interval), 0)
	case "cron":
		sched, err := cronParser.Parse(r.Cron)
		if err != nil {
			// Unparseable cron keeps the chain alive at daily cadence.
			next = base.AddDate(0, 0, 1)
		} else {
			next = sched.Next(base)
		}
	default:
		return "", false
	}

	if r.EndDate != "" {
		if end, err := time.Parse(time.RFC3339, r.EndDate); err == nil && next.After(end) {
			return "", false
		}
	}
	return next.Format(time.RFC3339), true
}
