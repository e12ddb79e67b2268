package delivery

import (
	"fmt"
	"sort"
	"sync"

	"monunotify/internal/notification"
	logx "monunotify/pkg/logx"
)

// TopicAll subscribes a listener to every category.
const TopicAll = "all"

// Listener observes delivered notifications. Listeners run synchronously on
// the delivering goroutine, so they must return quickly: a slow listener
// delays every later delivery of the same scheduler tick.
type Listener func(n notification.Notification) error

type ListenerID uint64

type listenerEntry struct {
	topic string
	fn    Listener
}

// Listeners is a concurrency-safe registry keyed by category or TopicAll.
type Listeners struct {
	mu   sync.RWMutex
	seq  ListenerID
	subs map[ListenerID]listenerEntry
}

func NewListeners() *Listeners {
	return &Listeners{subs: map[ListenerID]listenerEntry{}}
}

// Add registers fn for topic, which must be a category name or TopicAll.
func (l *Listeners) Add(topic string, fn Listener) (ListenerID, error) {
	if fn == nil {
		return 0, fmt.Errorf("%w: nil listener", notification.ErrValidation)
	}
	if topic != TopicAll {
		c, err := notification.ParseCategory(topic)
		if err != nil {
			return 0, err
		}
		topic = string(c)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	l.subs[l.seq] = listenerEntry{topic: topic, fn: fn}
	return l.seq, nil
}

// Remove reports whether id was registered.
func (l *Listeners) Remove(id ListenerID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.subs[id]; !ok {
		return false
	}
	delete(l.subs, id)
	return true
}

func (l *Listeners) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.subs)
}

// Notify calls every listener of n's category and then every TopicAll
// listener, each in registration order. Errors and panics are logged and
// never stop the remaining listeners. It returns the number of failures.
func (l *Listeners) Notify(n notification.Notification, log logx.Logger) int {
	l.mu.RLock()
	ids := make([]ListenerID, 0, len(l.subs))
	for id, e := range l.subs {
		if e.topic == string(n.Category) || e.topic == TopicAll {
			ids = append(ids, id)
		}
	}
	entries := make(map[ListenerID]listenerEntry, len(ids))
	for _, id := range ids {
		entries[id] = l.subs[id]
	}
	l.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool {
		ai, aj := entries[ids[i]].topic == TopicAll, entries[ids[j]].topic == TopicAll
		if ai != aj {
			return !ai
		}
		return ids[i] < ids[j]
	})

	failed := 0
	for _, id := range ids {
		if err := callListener(entries[id].fn, n.Clone()); err != nil {
			failed++
			log.Warn("listener failed",
				logx.Int64("listener", int64(id)),
				logx.String("topic", entries[id].topic),
				logx.String("id", n.ID),
				logx.Err(err),
			)
		}
	}
	return failed
}

func callListener(fn Listener, n notification.Notification) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panic: %v", r)
		}
	}()
	return fn(n)
}
