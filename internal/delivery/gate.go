// Package delivery decides whether a notification may be surfaced and, when
// it may, surfaces it: local presentation, delivered mark, listeners, stats
// and best-effort remote push.
package delivery

import (
	"time"

	"monunotify/internal/notification"
)

// Decision is the verdict of the Gate.
type Decision int

const (
	// Deliver surfaces the notification now.
	Deliver Decision = iota
	// Suppress drops it for good: the user disabled notifications globally
	// or for its category. The record is marked delivered without being shown.
	Suppress
	// Defer holds it back because of quiet hours. The record stays
	// undelivered and the scheduler retries it once quiet hours end.
	Defer
)

func (d Decision) String() string {
	switch d {
	case Deliver:
		return "deliver"
	case Suppress:
		return "suppress"
	case Defer:
		return "defer"
	default:
		return "unknown"
	}
}

// Gate applies user preferences. Quiet hours are wall-clock times evaluated
// in the gate's location.
type Gate struct {
	loc *time.Location
}

// NewGate returns a gate evaluating quiet hours in loc (UTC when nil).
func NewGate(loc *time.Location) *Gate {
	if loc == nil {
		loc = time.UTC
	}
	return &Gate{loc: loc}
}

func (g *Gate) Location() *time.Location { return g.loc }

func (g *Gate) ShouldDeliver(n notification.Notification, prefs notification.Preferences, now time.Time) Decision {
	if !prefs.NotificationsEnabled {
		return Suppress
	}
	if !prefs.CategoryEnabled(n.Category) {
		return Suppress
	}
	if n.Priority != notification.PriorityUrgent && prefs.InQuietHours(now.In(g.loc)) {
		return Defer
	}
	return Deliver
}

// ResumeAt is the first instant after now at which quiet hours end, in the
// gate's location. Without quiet hours it is now.
func (g *Gate) ResumeAt(prefs notification.Preferences, now time.Time) time.Time {
	if !prefs.InQuietHours(now.In(g.loc)) {
		return now
	}
	local := now.In(g.loc)
	end := time.Date(local.Year(), local.Month(), local.Day(),
		prefs.QuietHoursEnd.Hour, prefs.QuietHoursEnd.Minute, 0, 0, g.loc)
	if !end.After(local) {
		end = end.AddDate(0, 0, 1)
	}
	return end
}
