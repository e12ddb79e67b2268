package push

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"monunotify/internal/eventbus"
	"monunotify/internal/notification"
	"monunotify/internal/storage"
	logx "monunotify/pkg/logx"
)

type fakeDevices struct {
	mu      sync.Mutex
	byUser  map[string][]storage.Device
	dropped []string
}

func (f *fakeDevices) Devices(_ context.Context, user string) ([]storage.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]storage.Device(nil), f.byUser[user]...), nil
}

func (f *fakeDevices) UnregisterDevice(_ context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dropped = append(f.dropped, token)
	return nil
}

type fakeTransport struct {
	platform string
	mu       sync.Mutex
	sent     []Message
	fail     map[string]error // token -> error
	calls    int
}

func (f *fakeTransport) Platform() string { return f.platform }

func (f *fakeTransport) Send(_ context.Context, m Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err := f.fail[m.Token]; err != nil {
		return err
	}
	f.sent = append(f.sent, m)
	return nil
}

func (f *fakeTransport) snapshot() ([]Message, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Message(nil), f.sent...), f.calls
}

func testConfig() Config {
	return Config{
		Enabled:       true,
		Workers:       1,
		RatePerSec:    1000,
		RetryMax:      2,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 5 * time.Millisecond,
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func sample(id string) notification.Notification {
	return notification.Notification{
		ID:       id,
		Title:    "🏆 Achievement Unlocked!",
		Body:     "Congratulations! You earned: Explorer",
		Category: notification.CategoryAchievement,
		Priority: notification.PriorityHigh,
		UserID:   "u1",
		Payload:  map[string]any{"points": 100, "name": "Explorer"},
	}
}

func TestEnqueueFansOutPerDevice(t *testing.T) {
	devs := &fakeDevices{byUser: map[string][]storage.Device{
		"u1": {{Token: "fcm-a", Platform: "fcm"}, {Token: "42", Platform: "telegram"}, {Token: "x", Platform: "pager"}},
	}}
	fcm := &fakeTransport{platform: "fcm"}
	tg := &fakeTransport{platform: "telegram"}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	s := New(testConfig(), devs, []Transport{fcm, tg}, bus, logx.Nop())
	s.Start(context.Background())
	defer s.Stop(context.Background())

	if !s.Enqueue(sample("n1")) {
		t.Fatal("Enqueue rejected")
	}
	waitFor(t, func() bool { return s.Stats().Sent == 2 })

	got, _ := fcm.snapshot()
	if got[0].Data["points"] != "100" || got[0].Data["notification_id"] != "n1" || got[0].Priority != "high" {
		t.Fatalf("fcm message = %+v", got[0])
	}
	for i := 0; i < 2; i++ {
		ev := <-events
		if ev.Type != eventbus.TypePushSent || ev.Data.ID != "n1" {
			t.Fatalf("event = %+v", ev)
		}
	}
}

func TestRetryThenFail(t *testing.T) {
	devs := &fakeDevices{byUser: map[string][]storage.Device{"u1": {{Token: "t1", Platform: "fcm"}}}}
	tr := &fakeTransport{platform: "fcm", fail: map[string]error{"t1": errors.New("503")}}
	s := New(testConfig(), devs, []Transport{tr}, nil, logx.Nop())
	s.Start(context.Background())
	defer s.Stop(context.Background())

	s.Enqueue(sample("n1"))
	waitFor(t, func() bool { return s.Stats().Failed == 1 })
	if _, calls := tr.snapshot(); calls != 3 {
		t.Fatalf("attempts = %d, want 3", calls)
	}
	if h := s.Snapshot(); len(h) != 1 || h[0].Err == "" {
		t.Fatalf("history = %+v", h)
	}
}

func TestUnregisteredTokenIsDropped(t *testing.T) {
	devs := &fakeDevices{byUser: map[string][]storage.Device{"u1": {{Token: "stale", Platform: "fcm"}}}}
	tr := &fakeTransport{platform: "fcm", fail: map[string]error{"stale": ErrUnregistered}}
	s := New(testConfig(), devs, []Transport{tr}, nil, logx.Nop())
	s.Start(context.Background())
	defer s.Stop(context.Background())

	s.Enqueue(sample("n1"))
	waitFor(t, func() bool { return s.Stats().Failed == 1 })
	if _, calls := tr.snapshot(); calls != 1 {
		t.Fatalf("stale token retried: %d calls", calls)
	}
	devs.mu.Lock()
	defer devs.mu.Unlock()
	if len(devs.dropped) != 1 || devs.dropped[0] != "stale" {
		t.Fatalf("dropped = %v", devs.dropped)
	}
}

func TestDedupWindow(t *testing.T) {
	devs := &fakeDevices{byUser: map[string][]storage.Device{"u1": {{Token: "t1", Platform: "fcm"}}}}
	tr := &fakeTransport{platform: "fcm"}
	cfg := testConfig()
	cfg.DedupWindow = time.Minute
	s := New(cfg, devs, []Transport{tr}, nil, logx.Nop())
	s.Start(context.Background())
	defer s.Stop(context.Background())

	s.Enqueue(sample("n1"))
	s.Enqueue(sample("n2"))
	waitFor(t, func() bool { return s.Stats().Sent == 1 })
	if st := s.Stats(); st.Deduped != 1 || st.Queued != 1 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestEnqueueWhenDisabledOrStopped(t *testing.T) {
	off := New(Config{}, &fakeDevices{}, nil, nil, logx.Nop())
	off.Start(context.Background())
	if off.Enqueue(sample("n1")) {
		t.Fatal("disabled pipeline accepted a push")
	}

	s := New(testConfig(), &fakeDevices{}, nil, nil, logx.Nop())
	s.Start(context.Background())
	s.Stop(context.Background())
	if s.Enqueue(sample("n1")) {
		t.Fatal("stopped pipeline accepted a push")
	}
	s.Stop(context.Background())
}

func TestNoDevicesCounted(t *testing.T) {
	s := New(testConfig(), &fakeDevices{}, nil, nil, logx.Nop())
	s.Start(context.Background())
	defer s.Stop(context.Background())
	s.Enqueue(sample("n1"))
	waitFor(t, func() bool { return s.Stats().NoDevice == 1 })
}

func TestRetryDelayBounded(t *testing.T) {
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt < 10; attempt++ {
		if d := retryDelay(cfg, attempt); d <= 0 || d > time.Second {
			t.Fatalf("attempt %d: delay %v", attempt, d)
		}
	}
}
