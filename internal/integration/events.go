package integration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind names a domain event the router understands.
type Kind string

const (
	KindMonumentVisit      Kind = "monument_visit"
	KindMonumentRecognized Kind = "monument_recognized"
	KindAchievementUnlock  Kind = "achievement_unlock"
	KindLevelUp            Kind = "level_up"
	KindPointsEarned       Kind = "points_earned"
	KindDailyChallenges    Kind = "daily_challenges"
	KindSocialInteraction  Kind = "social_interaction"
	KindSocialMilestone    Kind = "social_milestone"
	KindLocationUpdate     Kind = "location_update"
	KindUserLogin          Kind = "user_login"
	KindProfileMilestone   Kind = "profile_milestone"
	KindAnnouncement       Kind = "system_announcement"
)

var ErrUnknownEvent = errors.New("unknown event kind")

// Event is the envelope external sources hand to Dispatch. Data holds the
// kind-specific JSON object.
type Event struct {
	Kind   Kind            `json:"kind"`
	UserID string          `json:"user_id"`
	Time   time.Time       `json:"time,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

type Visit struct {
	MonumentName string `json:"monument_name"`
	Points       int    `json:"points_earned"`
	FirstVisit   bool   `json:"first_visit"`
	Streak       int    `json:"visit_streak"`
}

type Recognition struct {
	MonumentName string  `json:"monument_name"`
	Confidence   float64 `json:"confidence"`
}

type Achievement struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Points      int    `json:"points"`
	Rarity      string `json:"rarity,omitempty"`
}

type LevelUp struct {
	NewLevel int `json:"new_level"`
}

type PointsEarned struct {
	Points int    `json:"points"`
	Source string `json:"source"`
}

type Challenge struct {
	Name   string `json:"name"`
	Points int    `json:"points"`
	Status string `json:"status"`
}

type Interaction struct {
	Type      string `json:"type"`
	ActorName string `json:"actor_name"`
	Target    string `json:"target"`
}

type Milestone struct {
	Type  string `json:"type"`
	Count int    `json:"count,omitempty"`
}

type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Accuracy  float64 `json:"accuracy,omitempty"`
}

type Login struct {
	Streak int `json:"login_streak"`
}

type Announcement struct {
	Title    string `json:"title"`
	Body     string `json:"body"`
	Priority string `json:"priority,omitempty"`
}

// Dispatch decodes ev.Data for ev.Kind and runs the matching handler.
func (r *Router) Dispatch(ctx context.Context, ev Event) error {
	kind := Kind(strings.ToLower(strings.TrimSpace(string(ev.Kind))))
	var err error
	switch kind {
	case KindMonumentVisit:
		var v Visit
		if err = decode(ev.Data, &v); err == nil {
			err = r.MonumentVisit(ctx, ev.UserID, v)
		}
	case KindMonumentRecognized:
		var v Recognition
		if err = decode(ev.Data, &v); err == nil {
			err = r.MonumentRecognized(ctx, ev.UserID, v)
		}
	case KindAchievementUnlock:
		var v Achievement
		if err = decode(ev.Data, &v); err == nil {
			err = r.AchievementUnlocked(ctx, ev.UserID, v)
		}
	case KindLevelUp:
		var v LevelUp
		if err = decode(ev.Data, &v); err == nil {
			err = r.LevelUp(ctx, ev.UserID, v)
		}
	case KindPointsEarned:
		var v PointsEarned
		if err = decode(ev.Data, &v); err == nil {
			err = r.PointsEarned(ctx, ev.UserID, v)
		}
	case KindDailyChallenges:
		var v []Challenge
		if err = decode(ev.Data, &v); err == nil {
			err = r.DailyChallenges(ctx, ev.UserID, v)
		}
	case KindSocialInteraction:
		var v Interaction
		if err = decode(ev.Data, &v); err == nil {
			err = r.SocialInteraction(ctx, ev.UserID, v)
		}
	case KindSocialMilestone:
		var v Milestone
		if err = decode(ev.Data, &v); err == nil {
			err = r.SocialMilestone(ctx, ev.UserID, v)
		}
	case KindLocationUpdate:
		var v Location
		if err = decode(ev.Data, &v); err == nil {
			err = r.LocationUpdate(ctx, ev.UserID, v)
		}
	case KindUserLogin:
		var v Login
		if err = decode(ev.Data, &v); err == nil {
			err = r.UserLogin(ctx, ev.UserID, v)
		}
	case KindProfileMilestone:
		var v Milestone
		if err = decode(ev.Data, &v); err == nil {
			err = r.ProfileMilestone(ctx, ev.UserID, v)
		}
	case KindAnnouncement:
		var v Announcement
		if err = decode(ev.Data, &v); err == nil {
			_, err = r.Announce(ctx, v)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownEvent, ev.Kind)
	}
	if err != nil {
		r.failed.Add(1)
		return fmt.Errorf("%s event for %q: %w", kind, ev.UserID, err)
	}
	r.dispatched.Add(1)
	return nil
}

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decoding event data: %w", err)
	}
	return nil
}
