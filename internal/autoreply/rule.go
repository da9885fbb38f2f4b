// Package autoreply decides whether an inbound message is owed an
// automatic response and produces it.
package autoreply

import (
	"time"

	"github.com/OpenFarm-oss/MailboxService/internal/model"
)

// Matches evaluates one rule against the given instant in loc.
//
// Out-of-office rules match on their date range alone. Time-window
// rules additionally require the local weekday to be in the rule's
// bitmask and, when both time bounds are set, the local time-of-day to
// fall inside the closed [start, end] interval; a start after the end
// means the window wraps past midnight. A rule with exactly one time
// bound is malformed and never matches.
func Matches(r model.AutoReplyRule, now time.Time, loc *time.Location) bool {
	local := now.In(loc)
	localDate := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)

	if r.StartDate != nil && localDate.Before(dateOnly(*r.StartDate, loc)) {
		return false
	}
	if r.EndDate != nil && localDate.After(dateOnly(*r.EndDate, loc)) {
		return false
	}
	if r.Kind == model.RuleOutOfOffice {
		return true
	}

	if !r.Days.Has(local.Weekday()) {
		return false
	}

	switch {
	case r.StartTime == nil && r.EndTime == nil:
		// All-day within the allowed days.
		return true
	case r.StartTime == nil || r.EndTime == nil:
		// Incomplete window never matches.
		return false
	}

	tod := model.TimeOfDayOf(local)
	start, end := *r.StartTime, *r.EndTime
	if start <= end {
		return tod >= start && tod <= end
	}
	// Window wraps past midnight, e.g. 22:00-06:00.
	return tod >= start || tod <= end
}

// Select returns the best matching enabled rule: lowest priority wins,
// ties break on the lowest id. Nil when nothing matches.
func Select(rules []model.AutoReplyRule, now time.Time, loc *time.Location) *model.AutoReplyRule {
	var best *model.AutoReplyRule
	for i := range rules {
		r := &rules[i]
		if !r.Enabled || !Matches(*r, now, loc) {
			continue
		}
		if best == nil || r.Priority < best.Priority ||
			(r.Priority == best.Priority && r.ID < best.ID) {
			best = r
		}
	}
	return best
}

// dateOnly interprets the stored calendar date in loc, ignoring any
// time or zone the timestamp was persisted with.
func dateOnly(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}
