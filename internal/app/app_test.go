package app

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"monunotify/internal/manager"
	"monunotify/internal/notification"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "notifyd.yaml")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestAppLifecycle(t *testing.T) {
	dir := t.TempDir()
	p := writeConfig(t, `
logging:
  level: error
storage:
  path: `+filepath.Join(dir, "n.db")+`
scheduler:
  interval: 50ms
router:
  enabled: true
  sweep_interval: 1h
  monuments:
    - {name: Colosseum, lat: 41.8902, lon: 12.4922}
`)
	a, err := New(p)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	id, err := a.Manager().Create(ctx, manager.CreateRequest{UserID: "u1", Title: "Hello", Body: "World"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	n, err := a.Manager().Get(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if n.DeliveredAt == nil {
		t.Fatal("immediate notification not delivered")
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, StopSignal); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, err := a.Manager().Create(ctx, manager.CreateRequest{UserID: "u1", Title: "late"}); !errors.Is(err, notification.ErrStopped) {
		t.Fatalf("Create after stop = %v", err)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	p := writeConfig(t, "delivery:\n  timezone: Mars/Olympus\n")
	if _, err := New(p); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestKafkaRequiresRouter(t *testing.T) {
	dir := t.TempDir()
	p := writeConfig(t, `
storage:
  path: `+filepath.Join(dir, "n.db")+`
kafka:
  enabled: true
  brokers: [localhost:9092]
  topic: monument-events
`)
	if _, err := New(p); err == nil {
		t.Fatal("expected kafka without router to fail")
	}
}

func TestOpsMux(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("m")) })

	mux := newOpsMux("/metrics", metrics, false)
	for path, want := range map[string]int{"/metrics": 200, "/healthz": 200, "/debug/pprof/": 404} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
		if rec.Code != want {
			t.Errorf("%s = %d, want %d", path, rec.Code, want)
		}
	}

	rec := httptest.NewRecorder()
	newOpsMux("/metrics", metrics, true).ServeHTTP(rec, httptest.NewRequest("GET", "/debug/pprof/", nil))
	if rec.Code != 200 {
		t.Fatalf("pprof index = %d", rec.Code)
	}
}
