package fcm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"monunotify/internal/push"
)

func TestSend(t *testing.T) {
	var got request
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &got)
		_, _ = w.Write([]byte(`{"success":1,"failure":0,"results":[{"message_id":"m1"}]}`))
	}))
	defer srv.Close()

	c, err := New(Config{ServerKey: "secret", Endpoint: srv.URL})
	if err != nil {
		t.Fatal(err)
	}
	badge := 3
	err = c.Send(context.Background(), push.Message{
		Token: "tok", Title: "T", Body: "B", Sound: "default.mp3", Badge: &badge,
		Priority: "urgent", Data: map[string]string{"type": "reminder"},
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if auth != "key=secret" {
		t.Fatalf("auth = %q", auth)
	}
	if got.To != "tok" || got.Priority != "high" || got.Notification.Badge != "3" || got.Data["type"] != "reminder" {
		t.Fatalf("request = %+v", got)
	}
}

func TestSendErrors(t *testing.T) {
	cases := []struct {
		name       string
		status     int
		body       string
		unregister bool
	}{
		{"not registered", 200, `{"success":0,"failure":1,"results":[{"error":"NotRegistered"}]}`, true},
		{"unavailable", 200, `{"success":0,"failure":1,"results":[{"error":"Unavailable"}]}`, false},
		{"http error", 401, `unauthorized`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()
			c, _ := New(Config{ServerKey: "k", Endpoint: srv.URL})
			err := c.Send(context.Background(), push.Message{Token: "tok"})
			if err == nil {
				t.Fatal("expected error")
			}
			if errors.Is(err, push.ErrUnregistered) != tc.unregister {
				t.Fatalf("err = %v", err)
			}
		})
	}
}

func TestNewRequiresKey(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error for empty key")
	}
}
