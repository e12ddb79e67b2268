package notification

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func at(h, m int) time.Time { return time.Date(2026, 10, 16, h, m, 0, 0, time.UTC) }

func TestInQuietHours(t *testing.T) {
	t.Parallel()
	overnight := Preferences{QuietHoursStart: &ClockTime{22, 0}, QuietHoursEnd: &ClockTime{8, 0}}
	daytime := Preferences{QuietHoursStart: &ClockTime{13, 0}, QuietHoursEnd: &ClockTime{15, 30}}
	empty := Preferences{QuietHoursStart: &ClockTime{9, 0}, QuietHoursEnd: &ClockTime{9, 0}}

	tests := []struct {
		name  string
		prefs Preferences
		clock time.Time
		want  bool
	}{
		{"overnight late", overnight, at(23, 0), true},
		{"overnight start inclusive", overnight, at(22, 0), true},
		{"overnight early", overnight, at(3, 15), true},
		{"overnight end exclusive", overnight, at(8, 0), false},
		{"overnight morning", overnight, at(9, 0), false},
		{"daytime inside", daytime, at(14, 0), true},
		{"daytime outside", daytime, at(15, 30), false},
		{"empty window", empty, at(9, 0), false},
		{"no quiet hours", DefaultPreferences(), at(23, 0), false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.prefs.InQuietHours(tt.clock); got != tt.want {
				t.Fatalf("InQuietHours(%s) = %v, want %v", tt.clock.Format("15:04"), got, tt.want)
			}
		})
	}
}

func TestDefaultPreferences(t *testing.T) {
	t.Parallel()
	p := DefaultPreferences()
	if !p.NotificationsEnabled || !p.SoundEnabled || !p.VibrationEnabled {
		t.Fatalf("expected global toggles on: %+v", p)
	}
	for _, c := range Categories {
		want := c != CategoryPromotional
		if got := p.CategoryEnabled(c); got != want {
			t.Fatalf("CategoryEnabled(%s) = %v, want %v", c, got, want)
		}
	}
	// Missing keys fall back to defaults.
	if !(Preferences{}).CategoryEnabled(CategoryReminder) {
		t.Fatal("missing category should default to enabled")
	}
}

func TestPreferencesJSON(t *testing.T) {
	t.Parallel()
	p := DefaultPreferences()
	p.QuietHoursStart = &ClockTime{22, 0}
	p.QuietHoursEnd = &ClockTime{8, 0}

	b, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back Preferences
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.QuietHoursStart == nil || *back.QuietHoursStart != (ClockTime{22, 0}) {
		t.Fatalf("quiet start = %v", back.QuietHoursStart)
	}
	if back.CategoryEnabled(CategoryPromotional) {
		t.Fatal("promotional should stay disabled")
	}
}

func TestPreferencesValidate(t *testing.T) {
	t.Parallel()
	p := DefaultPreferences()
	p.QuietHoursStart = &ClockTime{22, 0}
	if err := p.Validate(); !errors.Is(err, ErrValidation) {
		t.Fatalf("half-open quiet hours: err = %v", err)
	}
	p.QuietHoursEnd = &ClockTime{8, 0}
	if err := p.Validate(); err != nil {
		t.Fatalf("valid prefs: %v", err)
	}
	p.Categories["selfies"] = true
	if err := p.Validate(); !errors.Is(err, ErrValidation) {
		t.Fatalf("unknown category: err = %v", err)
	}
}

func TestPercentage(t *testing.T) {
	t.Parallel()
	if got := Percentage(3, 5); got != 60 {
		t.Fatalf("Percentage(3,5) = %v", got)
	}
	if got := Percentage(0, 0); got != 0 {
		t.Fatalf("Percentage(0,0) = %v", got)
	}
}

func TestParseCategory(t *testing.T) {
	t.Parallel()
	if c, err := ParseCategory(" Monument_Visit "); err != nil || c != CategoryMonumentVisit {
		t.Fatalf("ParseCategory = %q, %v", c, err)
	}
	if _, err := ParseCategory("selfie"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
