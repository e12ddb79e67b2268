// Package integration turns domain events (visits, achievements, social
// activity, location updates, logins) into notification manager calls and
// runs the periodic inactivity, seasonal and cache sweeps.
package integration

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"monunotify/internal/manager"
	"monunotify/internal/notification"
	"monunotify/internal/runtime/supervisor"
	logx "monunotify/pkg/logx"
)

// Notifier is the part of the manager API the router calls.
type Notifier interface {
	Create(ctx context.Context, req manager.CreateRequest) (string, error)
	CreateTemplated(ctx context.Context, req manager.TemplatedRequest) (string, error)
	ScheduleDailyReminder(ctx context.Context, userID, title, body string, hour, minute int) (string, error)
	RecordActivity(ctx context.Context, userID string) (time.Time, bool, error)
	ActiveUsers(ctx context.Context, window time.Duration) ([]string, error)
	InactiveUsers(ctx context.Context, idle time.Duration) ([]string, error)
	PurgeRead(ctx context.Context, olderThan time.Duration) (int64, error)
}

type Config struct {
	NearbyWindow     time.Duration   // default 2h
	InactiveAfter    time.Duration   // default 7 days
	InactivityWindow time.Duration   // default 3 days
	ActiveWindow     time.Duration   // default 30 days
	CacheHorizon     time.Duration   // default 7 days
	SweepInterval    time.Duration   // default 5m
	PurgeAfter       time.Duration   // default 30 days
	StopTimeout      time.Duration   // default 5s
	Calendar         []SeasonalEvent // nil means DefaultCalendar
}

func (c Config) withDefaults() Config {
	const day = 24 * time.Hour
	def := func(d *time.Duration, v time.Duration) {
		if *d <= 0 {
			*d = v
		}
	}
	def(&c.NearbyWindow, 2*time.Hour)
	def(&c.InactiveAfter, 7*day)
	def(&c.InactivityWindow, 3*day)
	def(&c.ActiveWindow, 30*day)
	def(&c.CacheHorizon, 7*day)
	def(&c.SweepInterval, 5*time.Minute)
	def(&c.PurgeAfter, 30*day)
	def(&c.StopTimeout, 5*time.Second)
	if c.Calendar == nil {
		c.Calendar = DefaultCalendar
	}
	return c
}

type Options struct {
	Notifier Notifier
	Locator  Locator
	Config   Config
	// Location decides calendar dates and "first login of the day".
	Location *time.Location
	Logger   logx.Logger
	Now      func() time.Time
}

type Router struct {
	n       Notifier
	locator Locator
	cache   *DedupCache
	cfg     Config
	loc     *time.Location
	log     logx.Logger
	now     func() time.Time
	sup     *supervisor.Supervisor

	mu      sync.Mutex
	cron    *cron.Cron
	stopped bool

	dispatched atomic.Uint64
	failed     atomic.Uint64
	sweeps     atomic.Uint64
}

func New(opts Options) (*Router, error) {
	if opts.Notifier == nil {
		return nil, errors.New("integration: notifier is required")
	}
	r := &Router{
		n:       opts.Notifier,
		locator: opts.Locator,
		cache:   NewDedupCache(),
		cfg:     opts.Config.withDefaults(),
		loc:     opts.Location,
		log:     opts.Logger,
		now:     opts.Now,
	}
	if r.locator == nil {
		r.locator = NewCatalogLocator(nil, 0)
	}
	if r.loc == nil {
		r.loc = time.UTC
	}
	if r.log.IsZero() {
		r.log = logx.Nop()
	}
	if r.now == nil {
		r.now = time.Now
	}
	r.log = r.log.With(logx.String("comp", "integration"))
	r.sup = supervisor.New(context.Background(), supervisor.WithLogger(r.log))
	return r, nil
}

func (r *Router) Cache() *DedupCache { return r.cache }

// MonumentVisit sends the visit notification, a first-visit bonus when
// flagged and a streak notification on every fifth consecutive visit.
func (r *Router) MonumentVisit(ctx context.Context, userID string, v Visit) error {
	name := orDefault(v.MonumentName, "Monument")
	var errs []error
	_, err := r.n.CreateTemplated(ctx, manager.TemplatedRequest{
		UserID:   userID,
		Category: notification.CategoryMonumentVisit,
		Params:   map[string]any{"monument_name": name, "points": v.Points},
		Priority: notification.PriorityNormal,
	})
	errs = append(errs, err)

	if v.FirstVisit {
		_, err = r.n.Create(ctx, manager.CreateRequest{
			Title:    "🎯 First Visit!",
			Body:     fmt.Sprintf("It's your first time at %s! Bonus: %d points!", name, v.Points*2),
			UserID:   userID,
			Category: notification.CategoryAchievement,
			Priority: notification.PriorityHigh,
			Payload: map[string]any{
				"monument_name": name,
				"points_earned": v.Points,
				"first_visit":   true,
				"visit_streak":  v.Streak,
			},
		})
		errs = append(errs, err)
	}

	if v.Streak > 0 && v.Streak%5 == 0 {
		_, err = r.n.Create(ctx, manager.CreateRequest{
			Title:    fmt.Sprintf("🔥 %d-Visit Streak!", v.Streak),
			Body:     fmt.Sprintf("Incredible! You visited %d monuments in a row!", v.Streak),
			UserID:   userID,
			Category: notification.CategoryAchievement,
			Priority: notification.PriorityHigh,
			Payload:  map[string]any{"streak": v.Streak, "bonus_points": v.Streak * 10},
		})
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	r.log.Info("visit notified", logx.String("user", userID), logx.String("monument", name))
	return nil
}

// MonumentRecognized notifies only for confidence of at least 0.8.
func (r *Router) MonumentRecognized(ctx context.Context, userID string, v Recognition) error {
	if v.Confidence < 0.8 {
		return nil
	}
	name := orDefault(v.MonumentName, "Monument")
	_, err := r.n.Create(ctx, manager.CreateRequest{
		Title:    fmt.Sprintf("📸 %s Recognized!", name),
		Body:     fmt.Sprintf("Recognition: %.0f%% confidence. Tap to learn more!", v.Confidence*100),
		UserID:   userID,
		Category: notification.CategoryGeneral,
		Priority: notification.PriorityNormal,
		Payload:  map[string]any{"monument_name": name, "confidence": v.Confidence},
	})
	return err
}

func (r *Router) AchievementUnlocked(ctx context.Context, userID string, v Achievement) error {
	params := map[string]any{
		"achievement_name":        orDefault(v.Name, "Achievement"),
		"achievement_description": v.Description,
		"points_earned":           v.Points,
	}
	if v.Rarity != "" {
		params["rarity"] = v.Rarity
	}
	_, err := r.n.CreateTemplated(ctx, manager.TemplatedRequest{
		UserID:   userID,
		Category: notification.CategoryAchievement,
		Params:   params,
		Priority: notification.PriorityHigh,
	})
	return err
}

func (r *Router) LevelUp(ctx context.Context, userID string, v LevelUp) error {
	level := "?"
	if v.NewLevel > 0 {
		level = fmt.Sprint(v.NewLevel)
	}
	_, err := r.n.Create(ctx, manager.CreateRequest{
		Title:    fmt.Sprintf("🎉 Level %s Reached!", level),
		Body:     fmt.Sprintf("Congratulations! You reached level %s!", level),
		UserID:   userID,
		Category: notification.CategoryAchievement,
		Priority: notification.PriorityHigh,
		Payload:  map[string]any{"new_level": v.NewLevel},
	})
	return err
}

// MinPointsNotified is the smallest points award that produces a notification.
const MinPointsNotified = 50

func (r *Router) PointsEarned(ctx context.Context, userID string, v PointsEarned) error {
	if v.Points < MinPointsNotified {
		return nil
	}
	source := orDefault(v.Source, "activity")
	_, err := r.n.Create(ctx, manager.CreateRequest{
		Title:    fmt.Sprintf("💎 %d Points Earned!", v.Points),
		Body:     fmt.Sprintf("You earned %d points from: %s", v.Points, source),
		UserID:   userID,
		Category: notification.CategoryAchievement,
		Priority: notification.PriorityNormal,
		Payload:  map[string]any{"points": v.Points, "source": source},
	})
	return err
}

// DailyChallenges announces the challenges whose status is "new".
func (r *Router) DailyChallenges(ctx context.Context, userID string, challenges []Challenge) error {
	var errs []error
	for _, c := range challenges {
		if c.Status != "new" {
			continue
		}
		_, err := r.n.CreateTemplated(ctx, manager.TemplatedRequest{
			UserID:   userID,
			Category: notification.CategoryDailyChallenge,
			Params: map[string]any{
				"challenge_name": orDefault(c.Name, "Challenge"),
				"reward":         fmt.Sprintf("%d points", c.Points),
				"points":         c.Points,
			},
			Priority: notification.PriorityNormal,
		})
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

var interactionPhrases = map[string]string{
	"like":    "liked",
	"comment": "commented on",
	"share":   "shared",
	"follow":  "started following",
}

func (r *Router) SocialInteraction(ctx context.Context, userID string, v Interaction) error {
	kind := orDefault(v.Type, "interaction")
	action, ok := interactionPhrases[kind]
	if !ok {
		action = "interacted with"
	}
	_, err := r.n.CreateTemplated(ctx, manager.TemplatedRequest{
		UserID:   userID,
		Category: notification.CategorySocialInteraction,
		Params: map[string]any{
			"user_name":     orDefault(v.ActorName, "Someone"),
			"action":        action,
			"monument_name": orDefault(v.Target, "your post"),
			"type":          kind,
		},
		Priority: notification.PriorityNormal,
	})
	if err == nil {
		r.log.Debug("social interaction notified", logx.String("user", userID), logx.String("type", kind))
	}
	return err
}

func (r *Router) SocialMilestone(ctx context.Context, userID string, v Milestone) error {
	var body string
	switch v.Type {
	case "followers":
		body = fmt.Sprintf("🎉 You reached %d followers!", v.Count)
	case "likes":
		body = fmt.Sprintf("❤️ Your posts received %d likes!", v.Count)
	case "posts":
		body = fmt.Sprintf("📸 You shared %d monuments!", v.Count)
	default:
		body = fmt.Sprintf("Milestone reached: %d", v.Count)
	}
	_, err := r.n.Create(ctx, manager.CreateRequest{
		Title:    "🏆 Social Milestone Reached!",
		Body:     body,
		UserID:   userID,
		Category: notification.CategorySocialInteraction,
		Priority: notification.PriorityHigh,
		Payload:  map[string]any{"type": orDefault(v.Type, "milestone"), "count": v.Count},
	})
	return err
}

var profileMessages = map[string]string{
	"profile_complete": "✅ Profile complete! Other explorers can now find you!",
	"first_photo":      "📸 First photo uploaded! Your adventure begins!",
	"preferences_set":  "⚙️ Preferences saved! The app is now tailored to you!",
}

func (r *Router) ProfileMilestone(ctx context.Context, userID string, v Milestone) error {
	body, ok := profileMessages[v.Type]
	if !ok {
		body = "Profile milestone reached!"
	}
	_, err := r.n.Create(ctx, manager.CreateRequest{
		Title:    "👤 Profile Updated",
		Body:     body,
		UserID:   userID,
		Category: notification.CategoryGeneral,
		Priority: notification.PriorityLow,
		Payload:  map[string]any{"type": orDefault(v.Type, "milestone")},
	})
	return err
}

// LocationUpdate starts the nearby check in the background and returns
// immediately. Failures are logged by the router.
func (r *Router) LocationUpdate(_ context.Context, userID string, loc Location) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return notification.ErrStopped
	}
	r.sup.Go("nearby."+userID, func(ctx context.Context) error {
		_, err := r.CheckNearby(ctx, userID, loc)
		return err
	})
	return nil
}

func nearbyKey(userID string, loc Location) string {
	return fmt.Sprintf("nearby_%s_%.2f_%.2f", userID, loc.Latitude, loc.Longitude)
}

// CheckNearby notifies the user about monuments around loc unless the same
// user and coarse location was notified within the nearby window. It
// reports whether a notification was created.
func (r *Router) CheckNearby(ctx context.Context, userID string, loc Location) (bool, error) {
	key := nearbyKey(userID, loc)
	if !r.cache.Reserve(key, r.now(), r.cfg.NearbyWindow) {
		return false, nil
	}
	found := r.locator.Nearby(loc.Latitude, loc.Longitude)
	if len(found) == 0 {
		r.cache.Forget(key)
		return false, nil
	}
	names := make([]string, len(found))
	for i, m := range found {
		names[i] = m.Name
	}
	_, err := r.n.CreateTemplated(ctx, manager.TemplatedRequest{
		UserID:   userID,
		Category: notification.CategoryNearbyMonuments,
		Params: map[string]any{
			"count":     len(found),
			"distance":  fmt.Sprintf("%.1f", found[0].DistanceKM),
			"monuments": names,
			"latitude":  loc.Latitude,
			"longitude": loc.Longitude,
		},
		Priority: notification.PriorityLow,
	})
	if err != nil {
		r.cache.Forget(key)
		return false, err
	}
	r.log.Info("nearby monuments notified", logx.String("user", userID), logx.Int("count", len(found)))
	return true, nil
}

// UserLogin records activity. On the first login of the calendar day it
// sends a welcome and schedules the 10:00 and 18:00 reminders.
func (r *Router) UserLogin(ctx context.Context, userID string, v Login) error {
	prev, seen, err := r.n.RecordActivity(ctx, userID)
	if err != nil {
		return err
	}
	if seen && !dayBefore(prev.In(r.loc), r.now().In(r.loc)) {
		return nil
	}
	streak := v.Streak
	if streak <= 0 {
		streak = 1
	}
	var errs []error
	_, err = r.n.Create(ctx, manager.CreateRequest{
		Title:    "🌅 Welcome, Explorer!",
		Body:     fmt.Sprintf("Day %d of your adventure! What will you discover today?", streak),
		UserID:   userID,
		Category: notification.CategoryGeneral,
		Priority: notification.PriorityNormal,
		Payload:  map[string]any{"login_streak": streak},
	})
	errs = append(errs, err)
	errs = append(errs, r.scheduleDailyReminders(ctx, userID))
	return errors.Join(errs...)
}

func (r *Router) scheduleDailyReminders(ctx context.Context, userID string) error {
	_, err1 := r.n.ScheduleDailyReminder(ctx, userID,
		"🗺️ Time to Explore!", "There are new monuments to discover near you!", 10, 0)
	_, err2 := r.n.ScheduleDailyReminder(ctx, userID,
		"🎯 Challenges Expiring!", "Don't forget to complete your daily challenges!", 18, 0)
	return errors.Join(err1, err2)
}

// dayBefore reports whether a falls on an earlier calendar date than b.
// Both must be in the same location.
func dayBefore(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	if ay != by {
		return ay < by
	}
	if am != bm {
		return am < bm
	}
	return ad < bd
}

// Announce sends a system update to every active user and returns how many
// notifications were created.
func (r *Router) Announce(ctx context.Context, a Announcement) (int, error) {
	if strings.TrimSpace(a.Title) == "" {
		return 0, fmt.Errorf("%w: announcement title is required", notification.ErrValidation)
	}
	prio, err := notification.ParsePriority(a.Priority)
	if err != nil {
		return 0, err
	}
	users, err := r.n.ActiveUsers(ctx, r.cfg.ActiveWindow)
	if err != nil {
		return 0, err
	}
	stamp := r.now().UTC().Format(time.RFC3339)
	sent, errs := r.broadcast(ctx, users, func(user string) manager.CreateRequest {
		return manager.CreateRequest{
			Title:    a.Title,
			Body:     a.Body,
			UserID:   user,
			Category: notification.CategorySystemUpdate,
			Priority: prio,
			Payload:  map[string]any{"announcement": true, "timestamp": stamp},
		}
	})
	r.log.Info("announcement sent", logx.Int("users", sent))
	return sent, errs
}

func (r *Router) broadcast(ctx context.Context, users []string, req func(user string) manager.CreateRequest) (int, error) {
	var errs []error
	sent := 0
	for _, u := range users {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if _, err := r.n.Create(ctx, req(u)); err != nil {
			errs = append(errs, fmt.Errorf("user %s: %w", u, err))
			continue
		}
		sent++
	}
	return sent, errors.Join(errs...)
}

// Stats is a snapshot for health output.
type Stats struct {
	CacheSize   int                 `json:"cache_size"`
	Monitoring  bool                `json:"monitoring"`
	Monuments   int                 `json:"monuments"`
	Dispatched  uint64              `json:"dispatched"`
	Failed      uint64              `json:"failed"`
	Sweeps      uint64              `json:"sweeps"`
	Goroutines  supervisor.Counters `json:"goroutines"`
	CalendarLen int                 `json:"calendar_len"`
}

func (r *Router) Stats() Stats {
	r.mu.Lock()
	monitoring := r.cron != nil
	r.mu.Unlock()
	st := Stats{
		CacheSize:   r.cache.Len(),
		Monitoring:  monitoring,
		Dispatched:  r.dispatched.Load(),
		Failed:      r.failed.Load(),
		Sweeps:      r.sweeps.Load(),
		Goroutines:  r.sup.Counters(),
		CalendarLen: len(r.cfg.Calendar),
	}
	if c, ok := r.locator.(interface{ Len() int }); ok {
		st.Monuments = c.Len()
	}
	return st
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
