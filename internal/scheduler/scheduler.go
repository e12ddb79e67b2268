// Package scheduler runs the background loop that delivers due notifications.
//
// Each tick asks the source for undelivered notifications whose due time has
// passed (scheduled ones, quiet-hour deferrals and failed immediate
// deliveries alike) and hands them to the handler oldest first. A failing or
// panicking record is logged and skipped; the loop itself never dies.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"monunotify/internal/notification"
	"monunotify/internal/runtime/supervisor"
	logx "monunotify/pkg/logx"
)

// Source lists due notifications in ascending due order.
type Source interface {
	Due(ctx context.Context, now time.Time, limit int) ([]notification.Notification, error)
}

// Handler delivers one due notification.
type Handler func(ctx context.Context, n notification.Notification) error

type Config struct {
	Interval    time.Duration // default 60s
	BatchSize   int           // default 500
	StopTimeout time.Duration // default 5s
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 60 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 500
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 5 * time.Second
	}
	return c
}

var ErrRunning = errors.New("scheduler already running")

type Scheduler struct {
	cfg    Config
	src    Source
	handle Handler
	log    logx.Logger
	now    func() time.Time

	mu  sync.Mutex
	sup *supervisor.Supervisor

	ticks    atomic.Uint64
	handled  atomic.Uint64
	failures atomic.Uint64
}

// Stats are best-effort counters for health output.
type Stats struct {
	Ticks    uint64
	Handled  uint64
	Failures uint64
}

func New(cfg Config, src Source, handle Handler, log logx.Logger, now func() time.Time) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		cfg:    cfg.withDefaults(),
		src:    src,
		handle: handle,
		log:    log.With(logx.String("comp", "scheduler")),
		now:    now,
	}
}

func (s *Scheduler) Interval() time.Duration { return s.cfg.Interval }

func (s *Scheduler) Stats() Stats {
	return Stats{Ticks: s.ticks.Load(), Handled: s.handled.Load(), Failures: s.failures.Load()}
}

// Start launches the poll loop. The first tick runs immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return ErrRunning
	}
	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log))
	s.sup.Go("scheduler.loop", s.loop)
	s.log.Info("scheduler started", logx.Duration("interval", s.cfg.Interval))
	return nil
}

// Stop cancels the loop and waits up to StopTimeout (or ctx) for the
// in-flight tick to return. It is safe to call more than once.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.StopTimeout)
	defer cancel()
	if err := sup.Stop(ctx); err != nil && errors.Is(err, context.DeadlineExceeded) {
		s.log.Error("scheduler did not stop in time", logx.Duration("timeout", s.cfg.StopTimeout))
		return fmt.Errorf("stopping scheduler: %w", err)
	}
	s.log.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) loop(ctx context.Context) error {
	t := time.NewTicker(s.cfg.Interval)
	defer t.Stop()
	for {
		s.safeTick(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

func (s *Scheduler) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("scheduler tick panicked", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
		s.log.Error("scheduler tick failed", logx.Err(err))
	}
}

// Tick runs one synchronous pass and returns how many records were handled
// successfully. Only a failure to list due records is returned as an error.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	s.ticks.Add(1)
	due, err := s.src.Due(ctx, s.now(), s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	ok := 0
	for _, n := range due {
		if ctx.Err() != nil {
			break
		}
		if err := s.handleOne(ctx, n); err != nil {
			s.failures.Add(1)
			s.log.Warn("scheduled delivery failed", logx.String("id", n.ID), logx.Err(err))
			continue
		}
		ok++
		s.handled.Add(1)
	}
	if len(due) > 0 {
		s.log.Debug("scheduler tick", logx.Int("due", len(due)), logx.Int("ok", ok))
	}
	return ok, nil
}

func (s *Scheduler) handleOne(ctx context.Context, n notification.Notification) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic delivering %s: %v", n.ID, r)
		}
	}()
	return s.handle(ctx, n)
}
