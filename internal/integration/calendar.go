package integration

import (
	"fmt"
	"time"
)

// SeasonalEvent is broadcast once on its month/day to every active user.
type SeasonalEvent struct {
	Month time.Month `json:"month"`
	Day   int        `json:"day"`
	Title string     `json:"title"`
	Body  string     `json:"body"`
}

func (e SeasonalEvent) key() string { return fmt.Sprintf("seasonal_%d_%d", int(e.Month), e.Day) }

// DefaultCalendar lists the heritage days announced out of the box.
var DefaultCalendar = []SeasonalEvent{
	{Month: time.April, Day: 21, Title: "🏛️ World Monuments Day!", Body: "Today is World Monuments Day! Visit a historic monument!"},
	{Month: time.May, Day: 18, Title: "🏛️ European Museums Night!", Body: "Tonight is European Museums Night! Discover special events!"},
	{Month: time.September, Day: 26, Title: "🏛️ European Heritage Day!", Body: "Celebrate Europe's cultural heritage! Explore your local history!"},
}

// eventOn returns the calendar entry for t's date, if any.
func eventOn(cal []SeasonalEvent, t time.Time) (SeasonalEvent, bool) {
	for _, e := range cal {
		if e.Month == t.Month() && e.Day == t.Day() {
			return e, true
		}
	}
	return SeasonalEvent{}, false
}
