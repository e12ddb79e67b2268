// Package notification holds the domain model shared by the store, the
// delivery gate, the scheduler and the manager: notifications, per-user
// preferences and delivery statistics.
package notification

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Category classifies the purpose of a notification. The set is closed.
type Category string

const (
	CategoryGeneral           Category = "general"
	CategoryMonumentVisit     Category = "monument_visit"
	CategoryAchievement       Category = "achievement"
	CategorySocialInteraction Category = "social_interaction"
	CategoryDailyChallenge    Category = "daily_challenge"
	CategoryNearbyMonuments   Category = "nearby_monuments"
	CategorySystemUpdate      Category = "system_update"
	CategoryReminder          Category = "reminder"
	CategoryPromotional       Category = "promotional"
	CategoryEmergency         Category = "emergency"
)

// Categories lists every known category in declaration order.
var Categories = []Category{
	CategoryGeneral,
	CategoryMonumentVisit,
	CategoryAchievement,
	CategorySocialInteraction,
	CategoryDailyChallenge,
	CategoryNearbyMonuments,
	CategorySystemUpdate,
	CategoryReminder,
	CategoryPromotional,
	CategoryEmergency,
}

func (c Category) Valid() bool {
	for _, k := range Categories {
		if c == k {
			return true
		}
	}
	return false
}

// ParseCategory accepts the wire name of a category (case-insensitive).
func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", fmt.Errorf("%w: unknown category %q", ErrValidation, s)
	}
	return c, nil
}

// Priority is ordered: Low < Normal < High < Urgent. Zero means "unset".
type Priority int

const (
	PriorityLow    Priority = 1
	PriorityNormal Priority = 2
	PriorityHigh   Priority = 3
	PriorityUrgent Priority = 4
)

func (p Priority) Valid() bool { return p >= PriorityLow && p <= PriorityUrgent }

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow, nil
	case "", "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "urgent":
		return PriorityUrgent, nil
	default:
		return 0, fmt.Errorf("%w: unknown priority %q", ErrValidation, s)
	}
}

// Notification is a titled, timestamped message targeted at one user.
//
// DeliveredAt is set exactly once. ReadAt is set at most once and only after
// DeliveredAt. A non-nil ScheduledAt in the future holds delivery back.
type Notification struct {
	ID          string
	Title       string
	Body        string
	Category    Category
	Priority    Priority
	UserID      string
	CreatedAt   time.Time
	ScheduledAt *time.Time
	DeliveredAt *time.Time
	ReadAt      *time.Time
	Payload     map[string]any
	ImageURL    string
	ActionURL   string
	Tag         string
	Sound       string
	Badge       *int
}

func (n Notification) Delivered() bool { return n.DeliveredAt != nil }
func (n Notification) Read() bool      { return n.ReadAt != nil }

// DueAt is the moment the notification becomes deliverable.
func (n Notification) DueAt() time.Time {
	if n.ScheduledAt != nil {
		return *n.ScheduledAt
	}
	return n.CreatedAt
}

// Clone returns a deep copy so callers never share mutable state.
func (n Notification) Clone() Notification {
	cp := n
	cp.ScheduledAt = cloneTime(n.ScheduledAt)
	cp.DeliveredAt = cloneTime(n.DeliveredAt)
	cp.ReadAt = cloneTime(n.ReadAt)
	if n.Badge != nil {
		b := *n.Badge
		cp.Badge = &b
	}
	if n.Payload != nil {
		cp.Payload = make(map[string]any, len(n.Payload))
		for k, v := range n.Payload {
			cp.Payload[k] = v
		}
	}
	return cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// ClockTime is a wall-clock time of day with minute resolution.
type ClockTime struct {
	Hour   int
	Minute int
}

func ParseClockTime(s string) (ClockTime, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return ClockTime{}, fmt.Errorf("%w: invalid time of day %q", ErrValidation, s)
	}
	return ClockTime{Hour: t.Hour(), Minute: t.Minute()}, nil
}

func (c ClockTime) Minutes() int { return c.Hour*60 + c.Minute }

func (c ClockTime) String() string { return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute) }

func (c ClockTime) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

func (c *ClockTime) UnmarshalText(b []byte) error {
	v, err := ParseClockTime(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// Preferences are the per-user delivery toggles.
type Preferences struct {
	NotificationsEnabled bool              `json:"notifications_enabled"`
	Categories           map[Category]bool `json:"categories"`
	SoundEnabled         bool              `json:"sound_enabled"`
	VibrationEnabled     bool              `json:"vibration_enabled"`
	QuietHoursStart      *ClockTime        `json:"quiet_hours_start,omitempty"`
	QuietHoursEnd        *ClockTime        `json:"quiet_hours_end,omitempty"`
}

// DefaultPreferences are synthesized for users who never saved any.
// Everything is on except promotional messages; no quiet hours.
func DefaultPreferences() Preferences {
	cats := make(map[Category]bool, len(Categories))
	for _, c := range Categories {
		cats[c] = c != CategoryPromotional
	}
	return Preferences{
		NotificationsEnabled: true,
		Categories:           cats,
		SoundEnabled:         true,
		VibrationEnabled:     true,
	}
}

// CategoryEnabled falls back to the default toggle for categories missing
// from the stored map.
func (p Preferences) CategoryEnabled(c Category) bool {
	if v, ok := p.Categories[c]; ok {
		return v
	}
	return c != CategoryPromotional
}

// InQuietHours reports whether clock (a wall-clock time) falls within
// [start, end), wrapping across midnight when start > end. An empty window
// (start == end) or a missing bound means no quiet hours.
func (p Preferences) InQuietHours(clock time.Time) bool {
	if p.QuietHoursStart == nil || p.QuietHoursEnd == nil {
		return false
	}
	start, end := p.QuietHoursStart.Minutes(), p.QuietHoursEnd.Minutes()
	now := clock.Hour()*60 + clock.Minute()
	switch {
	case start == end:
		return false
	case start < end:
		return now >= start && now < end
	default:
		return now >= start || now < end
	}
}

func (p Preferences) Validate() error {
	for c := range p.Categories {
		if !c.Valid() {
			return fmt.Errorf("%w: unknown category %q in preferences", ErrValidation, c)
		}
	}
	if (p.QuietHoursStart == nil) != (p.QuietHoursEnd == nil) {
		return fmt.Errorf("%w: quiet hours need both start and end", ErrValidation)
	}
	for _, c := range []*ClockTime{p.QuietHoursStart, p.QuietHoursEnd} {
		if c != nil && (c.Hour < 0 || c.Hour > 23 || c.Minute < 0 || c.Minute > 59) {
			return fmt.Errorf("%w: invalid quiet hours bound %s", ErrValidation, c)
		}
	}
	return nil
}

// CategoryStats are the per (user, category) delivery counters.
type CategoryStats struct {
	Sent     int
	Read     int
	ReadRate float64
	LastSent *time.Time
}

type GeneralStats struct {
	Total          int
	Read           int
	Unread         int
	ReadPercentage float64
}

type Stats struct {
	General    GeneralStats
	ByCategory map[Category]CategoryStats
}

// Percentage returns part/total*100, or 0 when total is 0.
func Percentage(part, total int) float64 {
	if total <= 0 {
		return 0
	}
	return float64(part) * 100 / float64(total)
}

// SortedCategories returns the keys of m in a stable order.
func SortedCategories(m map[Category]CategoryStats) []Category {
	out := make([]Category, 0, len(m))
	for c := range m {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
