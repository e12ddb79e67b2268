// Package template renders notification title, body and sound from a
// category and a parameter map.
//
// Placeholders use the {name} form. A placeholder whose key is absent from
// the parameters stays in the output verbatim; rendering never fails.
package template

import (
	"fmt"
	"strconv"
	"strings"

	"monunotify/internal/notification"
)

// Template is the unrendered form for one category.
type Template struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Sound string `json:"sound"`
}

type Rendered struct {
	Title string
	Body  string
	Sound string
}

// Fallback is used for categories without a template.
var Fallback = Template{
	Title: "Monument Recognizer",
	Body:  "New notification available",
	Sound: "default.mp3",
}

var defaults = map[notification.Category]Template{
	notification.CategoryMonumentVisit: {
		Title: "🏛️ New Monument Discovered!",
		Body:  "You visited {monument_name}! Earned {points} points!",
		Sound: "monument_discovery.mp3",
	},
	notification.CategoryAchievement: {
		Title: "🏆 Achievement Unlocked!",
		Body:  "Congratulations! You earned: {achievement_name}",
		Sound: "achievement_unlock.mp3",
	},
	notification.CategorySocialInteraction: {
		Title: "👥 New Social Interaction",
		Body:  "{user_name} {action} your post about {monument_name}",
		Sound: "social_ping.mp3",
	},
	notification.CategoryDailyChallenge: {
		Title: "🎯 Daily Challenge",
		Body:  "New challenge available: {challenge_name}. Reward: {reward}",
		Sound: "challenge_notification.mp3",
	},
	notification.CategoryNearbyMonuments: {
		Title: "📍 Nearby Monuments",
		Body:  "There are {count} monuments within {distance}km of you!",
		Sound: "proximity_alert.mp3",
	},
	notification.CategoryReminder: {
		Title: "⏰ Reminder",
		Body:  "{reminder_text}",
		Sound: "gentle_reminder.mp3",
	},
}

// Engine holds the per-category templates. The zero value is not usable;
// build one with New.
type Engine struct {
	templates map[notification.Category]Template
}

// New returns an engine with the built-in templates, replaced per category
// by overrides. Empty override fields keep the built-in value.
func New(overrides map[notification.Category]Template) *Engine {
	m := make(map[notification.Category]Template, len(defaults)+len(overrides))
	for c, t := range defaults {
		m[c] = t
	}
	for c, o := range overrides {
		t, ok := m[c]
		if !ok {
			t = Fallback
		}
		if o.Title != "" {
			t.Title = o.Title
		}
		if o.Body != "" {
			t.Body = o.Body
		}
		if o.Sound != "" {
			t.Sound = o.Sound
		}
		m[c] = t
	}
	return &Engine{templates: m}
}

var std = New(nil)

// Render uses the built-in templates.
func Render(c notification.Category, params map[string]any) Rendered {
	return std.Render(c, params)
}

func (e *Engine) Render(c notification.Category, params map[string]any) Rendered {
	t, ok := e.templates[c]
	if !ok {
		t = Fallback
	}
	return Rendered{
		Title: expand(t.Title, params),
		Body:  expand(t.Body, params),
		Sound: expand(t.Sound, params),
	}
}

// expand substitutes every {key} found in params. Anything else, including
// unknown keys and unbalanced braces, is copied through.
func expand(s string, params map[string]any) string {
	if !strings.Contains(s, "{") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for {
		open := strings.IndexByte(s, '{')
		if open < 0 {
			b.WriteString(s)
			return b.String()
		}
		end := strings.IndexByte(s[open+1:], '}')
		if end < 0 {
			b.WriteString(s)
			return b.String()
		}
		end += open + 1
		key := s[open+1 : end]
		v, ok := params[key]
		if !ok || !validKey(key) {
			// Emit the brace and keep scanning right after it so a nested
			// "{{key}" still resolves the inner placeholder.
			b.WriteString(s[:open+1])
			s = s[open+1:]
			continue
		}
		b.WriteString(s[:open])
		b.WriteString(format(v))
		s = s[end+1:]
	}
}

func validKey(k string) bool {
	if k == "" {
		return false
	}
	for _, r := range k {
		if !(r == '_' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			return false
		}
	}
	return true
}

func format(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(v)
	}
}
