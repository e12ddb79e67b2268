package integration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"monunotify/internal/delivery"
	"monunotify/internal/manager"
	"monunotify/internal/notification"
	"monunotify/internal/scheduler"
	"monunotify/internal/storage"
	logx "monunotify/pkg/logx"
)

type reminder struct {
	user, title  string
	hour, minute int
}

type fakeNotifier struct {
	mu        sync.Mutex
	created   []manager.CreateRequest
	templated []manager.TemplatedRequest
	reminders []reminder
	lastSeen  map[string]time.Time
	active    []string
	inactive  []string
	purged    []time.Duration
	failUser  string
	now       func() time.Time
}

func newFake(now func() time.Time) *fakeNotifier {
	return &fakeNotifier{lastSeen: map[string]time.Time{}, now: now}
}

func (f *fakeNotifier) Create(_ context.Context, req manager.CreateRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if req.UserID == f.failUser {
		return "", errors.New("store unavailable")
	}
	f.created = append(f.created, req)
	return fmt.Sprintf("c%d", len(f.created)), nil
}

func (f *fakeNotifier) CreateTemplated(_ context.Context, req manager.TemplatedRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if req.UserID == f.failUser {
		return "", errors.New("store unavailable")
	}
	f.templated = append(f.templated, req)
	return fmt.Sprintf("t%d", len(f.templated)), nil
}

func (f *fakeNotifier) ScheduleDailyReminder(_ context.Context, user, title, _ string, h, m int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reminders = append(f.reminders, reminder{user: user, title: title, hour: h, minute: m})
	return "r", nil
}

func (f *fakeNotifier) RecordActivity(_ context.Context, user string) (time.Time, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	prev, ok := f.lastSeen[user]
	f.lastSeen[user] = f.now()
	return prev, ok, nil
}

func (f *fakeNotifier) ActiveUsers(context.Context, time.Duration) ([]string, error) {
	return f.active, nil
}

func (f *fakeNotifier) InactiveUsers(context.Context, time.Duration) ([]string, error) {
	return f.inactive, nil
}

func (f *fakeNotifier) PurgeRead(_ context.Context, d time.Duration) (int64, error) {
	f.mu.Lock()
	f.purged = append(f.purged, d)
	f.mu.Unlock()
	return 0, nil
}

func (f *fakeNotifier) counts() (created, templated int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created), len(f.templated)
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

var rome = []Monument{
	{Name: "Colosseum", Lat: 41.8902, Lon: 12.4922},
	{Name: "Roman Forum", Lat: 41.8925, Lon: 12.4853},
	{Name: "Pantheon", Lat: 41.8986, Lon: 12.4769},
}

func newRouter(t *testing.T, start time.Time) (*Router, *fakeNotifier, *clock) {
	t.Helper()
	c := &clock{t: start}
	f := newFake(c.Now)
	r, err := New(Options{
		Notifier: f,
		Locator:  NewCatalogLocator(rome, 2),
		Logger:   logx.Nop(),
		Now:      c.Now,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = r.Stop(context.Background()) })
	return r, f, c
}

func TestMonumentVisitRules(t *testing.T) {
	cases := []struct {
		name          string
		visit         Visit
		wantTemplated int
		wantCreated   []string
	}{
		{"plain", Visit{MonumentName: "Pantheon", Points: 50, Streak: 1}, 1, nil},
		{"first visit", Visit{MonumentName: "Pantheon", Points: 50, FirstVisit: true}, 1, []string{"🎯 First Visit!"}},
		{"streak of five", Visit{MonumentName: "Pantheon", Points: 10, Streak: 5}, 1, []string{"🔥 5-Visit Streak!"}},
		{"streak of seven", Visit{MonumentName: "Pantheon", Points: 10, Streak: 7}, 1, nil},
		{"both", Visit{MonumentName: "Pantheon", Points: 10, FirstVisit: true, Streak: 10}, 1, []string{"🎯 First Visit!", "🔥 10-Visit Streak!"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r, f, _ := newRouter(t, time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC))
			if err := r.MonumentVisit(context.Background(), "u1", tc.visit); err != nil {
				t.Fatal(err)
			}
			if len(f.templated) != tc.wantTemplated || f.templated[0].Category != notification.CategoryMonumentVisit {
				t.Fatalf("templated = %+v", f.templated)
			}
			if len(f.created) != len(tc.wantCreated) {
				t.Fatalf("created %d, want %d", len(f.created), len(tc.wantCreated))
			}
			for i, title := range tc.wantCreated {
				if f.created[i].Title != title || f.created[i].Priority != notification.PriorityHigh {
					t.Fatalf("created[%d] = %+v", i, f.created[i])
				}
			}
		})
	}
}

func TestFirstVisitDoublesPoints(t *testing.T) {
	r, f, _ := newRouter(t, time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC))
	_ = r.MonumentVisit(context.Background(), "u1", Visit{MonumentName: "Colosseum", Points: 100, FirstVisit: true})
	if !strings.Contains(f.created[0].Body, "Bonus: 200 points") {
		t.Fatalf("body = %q", f.created[0].Body)
	}
}

func TestPointsThresholdAndRecognition(t *testing.T) {
	ctx := context.Background()
	r, f, _ := newRouter(t, time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC))

	_ = r.PointsEarned(ctx, "u1", PointsEarned{Points: 49})
	_ = r.MonumentRecognized(ctx, "u1", Recognition{MonumentName: "Pantheon", Confidence: 0.79})
	if c, _ := f.counts(); c != 0 {
		t.Fatalf("low-value events notified: %+v", f.created)
	}

	_ = r.PointsEarned(ctx, "u1", PointsEarned{Points: 50})
	_ = r.MonumentRecognized(ctx, "u1", Recognition{MonumentName: "Pantheon", Confidence: 0.8})
	if len(f.created) != 2 {
		t.Fatalf("created = %+v", f.created)
	}
	if f.created[0].Title != "💎 50 Points Earned!" || !strings.HasSuffix(f.created[0].Body, "from: activity") {
		t.Fatalf("points = %+v", f.created[0])
	}
	if !strings.Contains(f.created[1].Body, "80% confidence") {
		t.Fatalf("recognition = %+v", f.created[1])
	}
}

func TestSocialInteractionPhrases(t *testing.T) {
	r, f, _ := newRouter(t, time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC))
	ctx := context.Background()
	_ = r.SocialInteraction(ctx, "u1", Interaction{Type: "comment", ActorName: "Marco", Target: "Pantheon"})
	_ = r.SocialInteraction(ctx, "u1", Interaction{Type: "poke"})

	if got := f.templated[0].Params["action"]; got != "commented on" {
		t.Fatalf("action = %v", got)
	}
	p := f.templated[1].Params
	if p["action"] != "interacted with" || p["user_name"] != "Someone" || p["monument_name"] != "your post" {
		t.Fatalf("defaults = %+v", p)
	}
}

func TestDailyChallengesOnlyNew(t *testing.T) {
	r, f, _ := newRouter(t, time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC))
	err := r.DailyChallenges(context.Background(), "u1", []Challenge{
		{Name: "Visit 3 churches", Points: 30, Status: "new"},
		{Name: "Old one", Points: 10, Status: "done"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(f.templated) != 1 || f.templated[0].Params["reward"] != "30 points" {
		t.Fatalf("templated = %+v", f.templated)
	}
}

func TestUserLoginFirstOfDay(t *testing.T) {
	ctx := context.Background()
	r, f, c := newRouter(t, time.Date(2026, 10, 16, 8, 0, 0, 0, time.UTC))

	if err := r.UserLogin(ctx, "u1", Login{Streak: 3}); err != nil {
		t.Fatal(err)
	}
	c.Advance(2 * time.Hour)
	if err := r.UserLogin(ctx, "u1", Login{Streak: 3}); err != nil {
		t.Fatal(err)
	}
	if len(f.created) != 1 || len(f.reminders) != 2 {
		t.Fatalf("same-day login: created=%d reminders=%d", len(f.created), len(f.reminders))
	}
	if f.reminders[0].hour != 10 || f.reminders[1].hour != 18 {
		t.Fatalf("reminders = %+v", f.reminders)
	}
	if !strings.HasPrefix(f.created[0].Body, "Day 3 ") {
		t.Fatalf("welcome = %q", f.created[0].Body)
	}

	c.Advance(24 * time.Hour)
	if err := r.UserLogin(ctx, "u1", Login{}); err != nil {
		t.Fatal(err)
	}
	if len(f.created) != 2 || len(f.reminders) != 4 {
		t.Fatalf("next-day login: created=%d reminders=%d", len(f.created), len(f.reminders))
	}
}

func TestCheckNearbyDedup(t *testing.T) {
	ctx := context.Background()
	r, f, c := newRouter(t, time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC))
	at := Location{Latitude: 41.8902, Longitude: 12.4922}

	ok, err := r.CheckNearby(ctx, "u1", at)
	if err != nil || !ok {
		t.Fatalf("first check = %v, %v", ok, err)
	}
	c.Advance(30 * time.Minute)
	if ok, _ := r.CheckNearby(ctx, "u1", Location{Latitude: 41.8931, Longitude: 12.4949}); ok {
		t.Fatal("same coarse location notified twice inside the window")
	}
	if ok, _ := r.CheckNearby(ctx, "u2", at); !ok {
		t.Fatal("another user should be notified")
	}
	c.Advance(2 * time.Hour)
	if ok, _ := r.CheckNearby(ctx, "u1", at); !ok {
		t.Fatal("window elapsed, expected a new notification")
	}

	p := f.templated[0].Params
	if p["count"] != 3 || p["distance"] != "0.0" {
		t.Fatalf("params = %+v", p)
	}
}

func TestCheckNearbyNothingFoundDoesNotReserve(t *testing.T) {
	ctx := context.Background()
	r, f, _ := newRouter(t, time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC))
	if ok, err := r.CheckNearby(ctx, "u1", Location{Latitude: 45.46, Longitude: 9.19}); ok || err != nil {
		t.Fatalf("nothing nearby = %v, %v", ok, err)
	}
	if r.Cache().Len() != 0 || len(f.templated) != 0 {
		t.Fatal("empty result must not occupy the dedup window")
	}

	f.failUser = "u1"
	if _, err := r.CheckNearby(ctx, "u1", Location{Latitude: 41.8902, Longitude: 12.4922}); err == nil {
		t.Fatal("expected create failure")
	}
	if r.Cache().Len() != 0 {
		t.Fatal("failed create must release the reservation")
	}
}

func TestLocationUpdateRunsInBackground(t *testing.T) {
	r, f, _ := newRouter(t, time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC))
	if err := r.LocationUpdate(context.Background(), "u1", Location{Latitude: 41.8902, Longitude: 12.4922}); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, n := f.counts(); n == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, n := f.counts(); n != 1 {
		t.Fatalf("templated = %d", n)
	}

	if err := r.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := r.LocationUpdate(context.Background(), "u1", Location{}); !errors.Is(err, notification.ErrStopped) {
		t.Fatalf("after Stop = %v", err)
	}
}

func TestInactivitySweepOncePerWindow(t *testing.T) {
	ctx := context.Background()
	r, f, c := newRouter(t, time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC))
	f.inactive = []string{"u1", "u2"}

	if n, err := r.CheckInactivity(ctx); err != nil || n != 2 {
		t.Fatalf("first sweep = %d, %v", n, err)
	}
	c.Advance(24 * time.Hour)
	if n, _ := r.CheckInactivity(ctx); n != 0 {
		t.Fatalf("second sweep inside window sent %d", n)
	}
	c.Advance(48 * time.Hour)
	if n, _ := r.CheckInactivity(ctx); n != 2 {
		t.Fatalf("sweep after window sent %d", n)
	}
	if f.created[0].Category != notification.CategoryReminder {
		t.Fatalf("category = %s", f.created[0].Category)
	}
}

func TestSeasonalBroadcastOncePerDate(t *testing.T) {
	ctx := context.Background()
	r, f, c := newRouter(t, time.Date(2026, 4, 21, 9, 0, 0, 0, time.UTC))
	f.active = []string{"u1", "u2", "u3"}

	if n, err := r.CheckSeasonal(ctx); err != nil || n != 3 {
		t.Fatalf("broadcast = %d, %v", n, err)
	}
	c.Advance(5 * time.Minute)
	if n, _ := r.CheckSeasonal(ctx); n != 0 {
		t.Fatalf("second broadcast sent %d", n)
	}
	if f.created[0].Payload["date"] != "4-21" || f.created[0].Category != notification.CategorySystemUpdate {
		t.Fatalf("payload = %+v", f.created[0])
	}

	c.Advance(24 * time.Hour)
	if n, _ := r.CheckSeasonal(ctx); n != 0 {
		t.Fatal("no event on 4/22")
	}
}

func TestSeasonalRetriesFailedUsers(t *testing.T) {
	ctx := context.Background()
	r, f, c := newRouter(t, time.Date(2026, 4, 21, 9, 0, 0, 0, time.UTC))
	f.active = []string{"u1", "u2", "u3"}
	f.failUser = "u2"

	if n, err := r.CheckSeasonal(ctx); err == nil || n != 2 {
		t.Fatalf("broadcast with failing user = %d, %v", n, err)
	}

	f.mu.Lock()
	f.failUser = ""
	f.mu.Unlock()
	c.Advance(5 * time.Minute)
	if n, err := r.CheckSeasonal(ctx); err != nil || n != 1 {
		t.Fatalf("retry sweep = %d, %v", n, err)
	}
	if got := f.created[2].UserID; got != "u2" {
		t.Fatalf("retried user = %s", got)
	}
	if n, _ := r.CheckSeasonal(ctx); n != 0 {
		t.Fatalf("third sweep sent %d", n)
	}
}

func TestSweepEvictsOldEntries(t *testing.T) {
	r, _, c := newRouter(t, time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC))
	r.Cache().Reserve("old", c.Now(), time.Hour)
	c.Advance(8 * 24 * time.Hour)
	r.Cache().Reserve("fresh", c.Now(), time.Hour)
	if err := r.Sweep(context.Background()); err != nil {
		t.Fatal(err)
	}
	if r.Cache().Len() != 1 {
		t.Fatalf("cache size = %d", r.Cache().Len())
	}
}

func TestAnnounce(t *testing.T) {
	r, f, _ := newRouter(t, time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC))
	f.active = []string{"u1", "bad", "u2"}
	f.failUser = "bad"
	n, err := r.Announce(context.Background(), Announcement{Title: "🆕 New Feature!", Body: "Share your adventures", Priority: "high"})
	if n != 2 || err == nil {
		t.Fatalf("announce = %d, %v", n, err)
	}
	if f.created[0].Priority != notification.PriorityHigh || f.created[0].Payload["announcement"] != true {
		t.Fatalf("created = %+v", f.created[0])
	}
	if _, err := r.Announce(context.Background(), Announcement{}); !errors.Is(err, notification.ErrValidation) {
		t.Fatalf("empty title = %v", err)
	}
}

func TestDispatch(t *testing.T) {
	r, f, _ := newRouter(t, time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC))
	ctx := context.Background()

	ev := Event{Kind: KindLevelUp, UserID: "u1", Data: json.RawMessage(`{"new_level":7}`)}
	if err := r.Dispatch(ctx, ev); err != nil {
		t.Fatal(err)
	}
	if f.created[0].Title != "🎉 Level 7 Reached!" {
		t.Fatalf("title = %q", f.created[0].Title)
	}

	if err := r.Dispatch(ctx, Event{Kind: "teleport", UserID: "u1"}); !errors.Is(err, ErrUnknownEvent) {
		t.Fatalf("unknown kind = %v", err)
	}
	if err := r.Dispatch(ctx, Event{Kind: KindLevelUp, UserID: "u1", Data: json.RawMessage(`{`)}); err == nil {
		t.Fatal("expected decode error")
	}
	st := r.Stats()
	if st.Dispatched != 1 || st.Failed != 1 || st.Monuments != len(rome) {
		t.Fatalf("stats = %+v", st)
	}
}

func TestMonitorStartStop(t *testing.T) {
	c := &clock{t: time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)}
	f := newFake(c.Now)
	r, err := New(Options{Notifier: f, Now: c.Now, Config: Config{SweepInterval: time.Second}})
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Start(); err != nil {
		t.Fatal(err)
	}
	if err := r.Start(); !errors.Is(err, ErrMonitorRunning) {
		t.Fatalf("second Start = %v", err)
	}
	if !r.Stats().Monitoring {
		t.Fatal("monitoring not reported")
	}
	if err := r.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := r.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := r.Start(); !errors.Is(err, notification.ErrStopped) {
		t.Fatalf("Start after Stop = %v", err)
	}
}

// Two nearby checks through the real manager leave exactly one delivered
// notification.
func TestNearbyDedupWithManager(t *testing.T) {
	ctx := context.Background()
	st, err := storage.Open(storage.Config{Path: ":memory:"}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	c := &clock{t: time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)}
	var shown atomic.Int32
	m, err := manager.New(manager.Options{
		Store: st,
		Presenter: delivery.PresenterFunc(func(context.Context, notification.Notification) error {
			shown.Add(1)
			return nil
		}),
		Scheduler: scheduler.Config{Interval: time.Hour},
		Logger:    logx.Nop(),
		Now:       c.Now,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = m.Stop(ctx) })

	r, err := New(Options{Notifier: m, Locator: NewCatalogLocator(rome, 2), Now: c.Now})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = r.Stop(ctx) })

	at := Location{Latitude: 41.8902, Longitude: 12.4922}
	_, _ = r.CheckNearby(ctx, "u1", at)
	c.Advance(time.Hour)
	_, _ = r.CheckNearby(ctx, "u1", at)

	list, err := m.UserNotifications(ctx, "u1", manager.Query{Category: notification.CategoryNearbyMonuments})
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || !list[0].Delivered() || shown.Load() != 1 {
		t.Fatalf("nearby notifications = %d, shown = %d", len(list), shown.Load())
	}
}
