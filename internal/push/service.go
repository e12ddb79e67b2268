// Package push forwards delivered notifications to remote devices.
//
// Delivery is best-effort and never blocks the local pipeline: Enqueue only
// queues, and a worker pool resolves the user's devices, rate limits, and
// retries each send with jittered backoff. Transports report stale tokens
// with ErrUnregistered and the device is dropped.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"monunotify/internal/eventbus"
	"monunotify/internal/notification"
	rtsup "monunotify/internal/runtime/supervisor"
	logx "monunotify/pkg/logx"
)

type job struct {
	n notification.Notification
	// dedupKey is computed at enqueue time for cheap per-worker processing.
	dedupKey string
}

// Service implements the push pipeline: queue + worker pool + rate limit +
// retry + dedup. It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log        logx.Logger
	devices    Devices
	transports map[string]Transport
	bus        eventbus.Bus

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup

	queue    chan job
	sup      *rtsup.Supervisor
	stopDone chan struct{} // non-nil while stopping

	// key -> suppress until
	dmu   sync.Mutex
	dedup map[string]time.Time

	hmu     sync.Mutex
	history []HistoryItem

	queued, sent, failed, dropped, deduped, noDevice atomic.Uint64
}

func New(cfg Config, devices Devices, transports []Transport, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:        log.With(logx.String("comp", "push")),
		devices:    devices,
		transports: map[string]Transport{},
		bus:        bus,
		dedup:      map[string]time.Time{},
	}
	for _, t := range transports {
		if t != nil {
			s.transports[strings.ToLower(t.Platform())] = t
		}
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Apply swaps rate, retry and dedup settings. Worker and queue sizes take
// effect on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 512
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 10
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 2000
	}

	s.cfg = cfg
	// Burst equals the per-second rate so short spikes don't block too hard.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Supervisor returns the worker supervisor, nil when not started.
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	return sup
}

// Start launches the workers. It is idempotent and does nothing when the
// pipeline is disabled.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}

	s.queue = make(chan job, s.cfg.QueueSize)
	s.accepting = true
	workers := s.cfg.Workers
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	sup := s.sup
	q := s.queue
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("push.worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, q)
			s.mu.Lock()
			stopping := s.stopDone != nil
			s.mu.Unlock()
			if stopping {
				return context.Canceled
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("push worker exited unexpectedly")
		})
	}
	s.log.Info("push dispatcher started", logx.Int("workers", workers), logx.Int("transports", len(s.transports)))
}

// Stop stops intake and drains the queue best-effort until ctx expires.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q := s.queue
	sup := s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	// Shutdown runs asynchronously so callers can time out without leaking state.
	go func() {
		defer close(done)
		s.sendWG.Wait()
		close(q)
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.queue = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
		s.log.Info("push dispatcher stopped")
	case <-ctx.Done():
		sup.Cancel()
		s.log.Warn("push dispatcher stop timed out; pending pushes abandoned")
	}
}

// Enqueue queues n for every device of its user. It never blocks.
func (s *Service) Enqueue(n notification.Notification) bool {
	s.mu.Lock()
	if !s.cfg.Enabled || !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return false
	}
	q := s.queue
	window := s.cfg.DedupWindow
	max := s.cfg.DedupMaxEntries
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	key := dedupKey(n)
	if window > 0 && !s.dedupAllow(key, window, max) {
		s.deduped.Add(1)
		return true
	}

	select {
	case q <- job{n: n, dedupKey: key}:
		s.queued.Add(1)
		return true
	default:
		s.dropped.Add(1)
		s.publish(eventbus.TypePushFailed, n, "", ErrQueueFull)
		return false
	}
}

func (s *Service) Stats() Stats {
	return Stats{
		Queued:   s.queued.Load(),
		Sent:     s.sent.Load(),
		Failed:   s.failed.Load(),
		Dropped:  s.dropped.Load(),
		Deduped:  s.deduped.Load(),
		NoDevice: s.noDevice.Load(),
	}
}

// Snapshot returns the most recent send attempts, oldest first.
func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	out := append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return out
}

func (s *Service) appendHistory(it HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, it)
	if len(s.history) > 300 {
		s.history = s.history[len(s.history)-300:]
	}
	s.hmu.Unlock()
}

func (s *Service) workerLoop(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.process(ctx, j)
		}
	}
}

func (s *Service) process(ctx context.Context, j job) {
	if s.devices == nil {
		return
	}
	lctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	devs, err := s.devices.Devices(lctx, j.n.UserID)
	cancel()
	if err != nil {
		s.failed.Add(1)
		s.log.Warn("listing push devices failed", logx.String("user", j.n.UserID), logx.Err(err))
		return
	}
	if len(devs) == 0 {
		s.noDevice.Add(1)
		return
	}
	for _, d := range devs {
		if ctx.Err() != nil {
			return
		}
		t := s.transports[strings.ToLower(d.Platform)]
		if t == nil {
			s.log.Debug("no transport for platform", logx.String("platform", d.Platform))
			continue
		}
		s.sendWithRetry(ctx, t, toMessage(j.n, d.Token, d.Platform))
	}
}

func (s *Service) sendWithRetry(ctx context.Context, t Transport, m Message) {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	s.mu.Unlock()

	maxAttempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return
		}

		// Remote transports are bounded; a hung provider must not stall workers.
		callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		err := t.Send(callCtx, m)
		cancel()
		if err == nil {
			s.sent.Add(1)
			s.appendHistory(HistoryItem{At: time.Now(), ID: m.NotificationID, Platform: m.Platform})
			s.publishMsg(eventbus.TypePushSent, m, nil)
			return
		}
		lastErr = err
		if errors.Is(err, ErrUnregistered) {
			s.dropDevice(ctx, m)
			break
		}
		s.log.Debug("push send failed", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", maxAttempts))
		if attempt >= maxAttempts {
			break
		}

		tm := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-tm.C:
		case <-ctx.Done():
			tm.Stop()
			return
		}
	}

	s.failed.Add(1)
	s.appendHistory(HistoryItem{At: time.Now(), ID: m.NotificationID, Platform: m.Platform, Err: lastErr.Error()})
	s.publishMsg(eventbus.TypePushFailed, m, lastErr)
	s.log.Warn("push failed", logx.String("id", m.NotificationID), logx.String("platform", m.Platform), logx.Err(lastErr))
}

func (s *Service) dropDevice(ctx context.Context, m Message) {
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.devices.UnregisterDevice(cctx, m.Token); err != nil {
		s.log.Warn("dropping stale device failed", logx.String("platform", m.Platform), logx.Err(err))
		return
	}
	s.log.Info("stale device dropped", logx.String("user", m.UserID), logx.String("platform", m.Platform))
}

func (s *Service) publish(typ string, n notification.Notification, platform string, err error) {
	if s.bus == nil {
		return
	}
	ev := eventbus.NotificationEvent{
		ID:       n.ID,
		UserID:   n.UserID,
		Category: string(n.Category),
		Priority: n.Priority.String(),
		Platform: platform,
	}
	if err != nil {
		ev.Err = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
}

func (s *Service) publishMsg(typ string, m Message, err error) {
	if s.bus == nil {
		return
	}
	ev := eventbus.NotificationEvent{
		ID:       m.NotificationID,
		UserID:   m.UserID,
		Category: m.Category,
		Priority: m.Priority,
		Platform: m.Platform,
	}
	if err != nil {
		ev.Err = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
}

func toMessage(n notification.Notification, token, platform string) Message {
	m := Message{
		Token:          token,
		Platform:       platform,
		NotificationID: n.ID,
		UserID:         n.UserID,
		Category:       string(n.Category),
		Priority:       n.Priority.String(),
		Title:          n.Title,
		Body:           n.Body,
		Sound:          n.Sound,
		Badge:          n.Badge,
		ImageURL:       n.ImageURL,
		ActionURL:      n.ActionURL,
		Data: map[string]string{
			"notification_id": n.ID,
			"type":            string(n.Category),
		},
	}
	for k, v := range n.Payload {
		if _, taken := m.Data[k]; taken {
			continue
		}
		m.Data[k] = stringify(v)
	}
	return m
}

// stringify flattens a payload value; push data maps carry strings only.
func stringify(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case nil:
		return ""
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

func dedupKey(n notification.Notification) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(n.UserID))
	_, _ = h.Write([]byte("|"))
	_, _ = h.Write([]byte(n.Category))
	_, _ = h.Write([]byte("|"))
	_, _ = h.Write([]byte(n.Title))
	_, _ = h.Write([]byte("|"))
	_, _ = h.Write([]byte(n.Body))
	return fmt.Sprintf("%x", h.Sum64())
}

func (s *Service) dedupAllow(key string, window time.Duration, max int) bool {
	now := time.Now()
	s.dmu.Lock()
	defer s.dmu.Unlock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}
	s.dedup[key] = now.Add(window)

	for k, until := range s.dedup {
		if !now.Before(until) {
			delete(s.dedup, k)
		}
	}
	// Remove entries with earliest expiry until within cap.
	for max > 0 && len(s.dedup) > max {
		var (
			minKey string
			minT   time.Time
			set    bool
		)
		for k, t := range s.dedup {
			if !set || t.Before(minT) {
				minKey, minT, set = k, t, true
			}
		}
		delete(s.dedup, minKey)
	}
	return true
}

func retryDelay(cfg Config, attempt int) time.Duration {
	// attempt starts at 1; the delay is for the next attempt.
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	// Jitter 0.7..1.3
	j := 0.7 + rand.Float64()*0.6
	d = time.Duration(float64(d) * j)
	if d < 0 {
		return 0
	}
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}
