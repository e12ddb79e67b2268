package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/segmentio/kafka-go"

	"monunotify/internal/integration"
	logx "monunotify/pkg/logx"
)

type fakeReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed []int64
	fetchErr  error
	cancel    context.CancelFunc
}

func (f *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.msgs) == 0 {
		if f.fetchErr != nil {
			return kafka.Message{}, f.fetchErr
		}
		f.cancel()
		return kafka.Message{}, ctx.Err()
	}
	m := f.msgs[0]
	f.msgs = f.msgs[1:]
	return m, nil
}

func (f *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range msgs {
		f.committed = append(f.committed, m.Offset)
	}
	return nil
}

func (f *fakeReader) Close() error { return nil }

type recorder struct {
	events []integration.Event
}

func (r *recorder) Dispatch(_ context.Context, ev integration.Event) error {
	if ev.Kind == "bogus" {
		return integration.ErrUnknownEvent
	}
	r.events = append(r.events, ev)
	return nil
}

func TestRunDispatchesAndCommitsEverything(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := &fakeReader{cancel: cancel, msgs: []kafka.Message{
		{Offset: 1, Key: []byte("u1"), Value: []byte(`{"kind":"level_up","data":{"new_level":3}}`)},
		{Offset: 2, Value: []byte(`not json`)},
		{Offset: 3, Value: []byte(`{"kind":"bogus","user_id":"u2"}`)},
		{Offset: 4, Value: []byte(`{"kind":"user_login","user_id":"u3"}`)},
	}}
	d := &recorder{}
	c := NewConsumer(r, d, logx.Nop())

	if err := c.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(r.committed) != 4 {
		t.Fatalf("committed = %v", r.committed)
	}
	if len(d.events) != 2 || d.events[0].UserID != "u1" || d.events[1].UserID != "u3" {
		t.Fatalf("dispatched = %+v", d.events)
	}
	if ok, bad := c.Counts(); ok != 2 || bad != 2 {
		t.Fatalf("counts = %d/%d", ok, bad)
	}
}

func TestRunReturnsFetchError(t *testing.T) {
	r := &fakeReader{fetchErr: errors.New("broker down"), cancel: func() {}}
	c := NewConsumer(r, &recorder{}, logx.Nop())
	if err := c.Run(context.Background()); err == nil {
		t.Fatal("expected fetch error")
	}
}

func TestNewReaderValidates(t *testing.T) {
	if _, err := NewReader(Config{}); err == nil {
		t.Fatal("expected error without brokers")
	}
	rd, err := NewReader(Config{Brokers: []string{"localhost:9092"}, Topic: "monument-events", GroupID: "notifyd"})
	if err != nil {
		t.Fatal(err)
	}
	if rd.Config().Topic != "monument-events" {
		t.Fatalf("topic = %q", rd.Config().Topic)
	}
	_ = rd.Close()
}
