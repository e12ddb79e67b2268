package integration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"monunotify/internal/manager"
	"monunotify/internal/notification"
	logx "monunotify/pkg/logx"
)

var ErrMonitorRunning = errors.New("integration monitor already running")

// Start launches the monitoring loop: the inactivity, seasonal and cache
// sweep every SweepInterval, and the read-notification purge once a day.
func (r *Router) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return notification.ErrStopped
	}
	if r.cron != nil {
		return ErrMonitorRunning
	}
	cl := logx.CronLogger(r.log)
	c := cron.New(
		cron.WithLocation(r.loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", r.cfg.SweepInterval), r.runSweep); err != nil {
		return fmt.Errorf("scheduling sweep: %w", err)
	}
	if _, err := c.AddFunc("@daily", r.runPurge); err != nil {
		return fmt.Errorf("scheduling purge: %w", err)
	}
	c.Start()
	r.cron = c
	r.log.Info("integration monitor started", logx.Duration("interval", r.cfg.SweepInterval))
	return nil
}

// Stop halts the monitor and waits, bounded by StopTimeout and ctx, for
// running sweeps and background nearby checks. Later calls are no-ops.
func (r *Router) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil
	}
	r.stopped = true
	c := r.cron
	r.cron = nil
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, r.cfg.StopTimeout)
	defer cancel()

	r.sup.Cancel()
	var errs []error
	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("waiting for sweep: %w", ctx.Err()))
		}
	}
	if err := r.sup.Wait(ctx); err != nil && errors.Is(err, context.DeadlineExceeded) {
		errs = append(errs, fmt.Errorf("waiting for background checks: %w", err))
	}
	r.log.Info("integration monitor stopped")
	return errors.Join(errs...)
}

func (r *Router) runSweep() {
	ctx, cancel := context.WithTimeout(r.sup.Context(), r.cfg.SweepInterval)
	defer cancel()
	if err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
		r.log.Error("integration sweep failed", logx.Err(err))
	}
}

func (r *Router) runPurge() {
	ctx, cancel := context.WithTimeout(r.sup.Context(), time.Minute)
	defer cancel()
	if _, err := r.n.PurgeRead(ctx, r.cfg.PurgeAfter); err != nil && ctx.Err() == nil {
		r.log.Error("purging read notifications failed", logx.Err(err))
	}
}

// Sweep runs one pass of the periodic checks. A failing check does not
// prevent the others from running.
func (r *Router) Sweep(ctx context.Context) error {
	r.sweeps.Add(1)
	var errs []error
	if _, err := r.CheckInactivity(ctx); err != nil {
		errs = append(errs, fmt.Errorf("inactivity: %w", err))
	}
	if _, err := r.CheckSeasonal(ctx); err != nil {
		errs = append(errs, fmt.Errorf("seasonal: %w", err))
	}
	if n := r.cache.Evict(r.now().Add(-r.cfg.CacheHorizon)); n > 0 {
		r.log.Info("dedup cache evicted", logx.Int("removed", n))
	}
	return errors.Join(errs...)
}

// CheckInactivity reminds users idle for InactiveAfter, at most once per
// user per InactivityWindow.
func (r *Router) CheckInactivity(ctx context.Context) (int, error) {
	users, err := r.n.InactiveUsers(ctx, r.cfg.InactiveAfter)
	if err != nil {
		return 0, err
	}
	now := r.now()
	var errs []error
	sent := 0
	for _, u := range users {
		key := "inactivity_" + u
		if !r.cache.Reserve(key, now, r.cfg.InactivityWindow) {
			continue
		}
		_, err := r.n.Create(ctx, manager.CreateRequest{
			Title:    "🏛️ We Miss You!",
			Body:     "Come back and explore! New monuments are waiting for you!",
			UserID:   u,
			Category: notification.CategoryReminder,
			Priority: notification.PriorityLow,
		})
		if err != nil {
			r.cache.Forget(key)
			errs = append(errs, fmt.Errorf("user %s: %w", u, err))
			continue
		}
		sent++
	}
	if sent > 0 {
		r.log.Info("inactivity reminders sent", logx.Int("users", sent))
	}
	return sent, errors.Join(errs...)
}

// CheckSeasonal broadcasts today's calendar event to active users, once per
// user per date. A user whose create failed is retried on the next sweep.
func (r *Router) CheckSeasonal(ctx context.Context) (int, error) {
	now := r.now()
	ev, ok := eventOn(r.cfg.Calendar, now.In(r.loc))
	if !ok {
		return 0, nil
	}
	users, err := r.n.ActiveUsers(ctx, r.cfg.ActiveWindow)
	if err != nil {
		return 0, err
	}
	date := fmt.Sprintf("%d-%d", int(ev.Month), ev.Day)
	var errs []error
	sent := 0
	for _, u := range users {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		key := ev.key() + "_" + u
		if !r.cache.Reserve(key, now, r.cfg.CacheHorizon) {
			continue
		}
		_, err := r.n.Create(ctx, manager.CreateRequest{
			Title:    ev.Title,
			Body:     ev.Body,
			UserID:   u,
			Category: notification.CategorySystemUpdate,
			Priority: notification.PriorityNormal,
			Payload:  map[string]any{"event_type": "seasonal", "date": date},
		})
		if err != nil {
			r.cache.Forget(key)
			errs = append(errs, fmt.Errorf("user %s: %w", u, err))
			continue
		}
		sent++
	}
	if sent > 0 {
		r.log.Info("seasonal event broadcast", logx.String("date", date), logx.Int("users", sent))
	}
	return sent, errors.Join(errs...)
}
