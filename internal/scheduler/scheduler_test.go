package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"monunotify/internal/notification"
	logx "monunotify/pkg/logx"
)

type fakeSource struct {
	mu    sync.Mutex
	items []notification.Notification
	err   error
	calls int
}

func (f *fakeSource) Due(_ context.Context, now time.Time, limit int) ([]notification.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	var out []notification.Notification
	for _, n := range f.items {
		if !n.DueAt().After(now) {
			out = append(out, n)
		}
	}
	return out, nil
}

func (f *fakeSource) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

var t0 = time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)

func at(d time.Duration) *time.Time {
	v := t0.Add(d)
	return &v
}

func TestTickIsolatesFailures(t *testing.T) {
	src := &fakeSource{items: []notification.Notification{
		{ID: "a", CreatedAt: t0},
		{ID: "boom", CreatedAt: t0},
		{ID: "panic", CreatedAt: t0},
		{ID: "b", CreatedAt: t0, ScheduledAt: at(time.Minute)},
		{ID: "future", CreatedAt: t0, ScheduledAt: at(time.Hour)},
	}}
	var got []string
	handle := func(_ context.Context, n notification.Notification) error {
		switch n.ID {
		case "boom":
			return errors.New("storage hiccup")
		case "panic":
			panic("bad record")
		}
		got = append(got, n.ID)
		return nil
	}
	s := New(Config{}, src, handle, logx.Nop(), func() time.Time { return t0.Add(2 * time.Minute) })

	ok, err := s.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if ok != 2 || len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("handled %d: %v", ok, got)
	}
	if st := s.Stats(); st.Failures != 2 || st.Handled != 2 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestTickSourceError(t *testing.T) {
	src := &fakeSource{err: errors.New("db down")}
	s := New(Config{}, src, func(context.Context, notification.Notification) error { return nil }, logx.Nop(), nil)
	if _, err := s.Tick(context.Background()); err == nil {
		t.Fatal("expected source error")
	}
}

func TestLoopSurvivesErrorsAndStops(t *testing.T) {
	src := &fakeSource{err: errors.New("db down")}
	s := New(Config{Interval: 5 * time.Millisecond, StopTimeout: time.Second}, src,
		func(context.Context, notification.Notification) error { return nil }, logx.Nop(), nil)

	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background()); !errors.Is(err, ErrRunning) {
		t.Fatalf("second Start = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for src.Calls() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if src.Calls() < 3 {
		t.Fatalf("loop stopped ticking after errors: %d calls", src.Calls())
	}

	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	calls := src.Calls()
	time.Sleep(30 * time.Millisecond)
	if src.Calls() != calls {
		t.Fatal("scheduler kept ticking after Stop")
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestStopIsBounded(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	src := &fakeSource{items: []notification.Notification{{ID: "slow", CreatedAt: t0}}}
	started := make(chan struct{}, 1)
	handle := func(ctx context.Context, n notification.Notification) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	}
	s := New(Config{Interval: time.Hour, StopTimeout: 20 * time.Millisecond}, src, handle, logx.Nop(),
		func() time.Time { return t0 })
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	<-started

	begin := time.Now()
	if err := s.Stop(context.Background()); err == nil {
		t.Fatal("expected timeout error from Stop")
	}
	if time.Since(begin) > time.Second {
		t.Fatal("Stop was not bounded")
	}
}
