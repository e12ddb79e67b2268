// Package manager is the public face of the notification subsystem. It owns
// the store, the delivery pipeline and the scheduler, and is safe for
// concurrent use by request handlers, integration loops and the scheduler.
package manager

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"monunotify/internal/delivery"
	"monunotify/internal/eventbus"
	"monunotify/internal/notification"
	"monunotify/internal/scheduler"
	"monunotify/internal/storage"
	"monunotify/internal/template"
	logx "monunotify/pkg/logx"
)

type Manager struct {
	store     storage.Store
	tmpl      *template.Engine
	deliverer *delivery.Deliverer
	sched     *scheduler.Scheduler
	bus       eventbus.Bus
	loc       *time.Location
	log       logx.Logger
	now       func() time.Time
	newID     func() string

	// life guards stopped and the in-flight counter.
	life     sync.Mutex
	stopped  bool
	inflight sync.WaitGroup

	// claims holds ids currently being delivered or cancelled.
	claimMu sync.Mutex
	claims  map[string]struct{}
}

func New(opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, errors.New("manager: store is required")
	}
	m := &Manager{
		store:  opts.Store,
		tmpl:   opts.Templates,
		bus:    opts.Bus,
		loc:    opts.Location,
		log:    opts.Logger,
		now:    opts.Now,
		newID:  opts.NewID,
		claims: map[string]struct{}{},
	}
	if m.tmpl == nil {
		m.tmpl = template.New(nil)
	}
	if m.loc == nil {
		m.loc = time.UTC
	}
	if m.log.IsZero() {
		m.log = logx.Nop()
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.newID == nil {
		m.newID = uuid.NewString
	}
	presenter := opts.Presenter
	if presenter == nil {
		presenter = delivery.LogPresenter{Log: m.log.With(logx.String("comp", "presenter"))}
	}

	m.deliverer = delivery.New(delivery.Options{
		Store:     m.store,
		Gate:      delivery.NewGate(m.loc),
		Presenter: presenter,
		Pusher:    opts.Pusher,
		Bus:       m.bus,
		Logger:    m.log,
		Now:       m.now,
	})
	m.sched = scheduler.New(opts.Scheduler, m.store, m.deliverDue, m.log, m.now)
	m.log = m.log.With(logx.String("comp", "manager"))
	return m, nil
}

// Start launches the scheduler loop.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.enter(); err != nil {
		return err
	}
	defer m.leave()
	return m.sched.Start(ctx)
}

// Stop halts the scheduler, waits for in-flight operations and closes the
// store. Later calls are no-ops; every other method returns ErrStopped.
func (m *Manager) Stop(ctx context.Context) error {
	m.life.Lock()
	if m.stopped {
		m.life.Unlock()
		return nil
	}
	m.stopped = true
	m.life.Unlock()

	var errs []error
	if err := m.sched.Stop(ctx); err != nil {
		errs = append(errs, err)
	}

	done := make(chan struct{})
	go func() {
		m.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("waiting for in-flight operations: %w", ctx.Err()))
	}

	if err := m.store.Close(); err != nil {
		errs = append(errs, notification.WrapStorage("close", err))
	}
	m.log.Info("notification manager stopped")
	return errors.Join(errs...)
}

func (m *Manager) enter() error {
	m.life.Lock()
	defer m.life.Unlock()
	if m.stopped {
		return notification.ErrStopped
	}
	m.inflight.Add(1)
	return nil
}

func (m *Manager) leave() { m.inflight.Done() }

func (m *Manager) claim(id string) bool {
	m.claimMu.Lock()
	defer m.claimMu.Unlock()
	if _, busy := m.claims[id]; busy {
		return false
	}
	m.claims[id] = struct{}{}
	return true
}

func (m *Manager) release(id string) {
	m.claimMu.Lock()
	delete(m.claims, id)
	m.claimMu.Unlock()
}

// Create persists a notification and, when it is not scheduled, delivers it
// before returning. Delivery failures are logged only: the record is already
// durable and the scheduler retries it.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (string, error) {
	if err := m.enter(); err != nil {
		return "", err
	}
	defer m.leave()

	n, err := m.build(req)
	if err != nil {
		return "", err
	}
	immediate := n.ScheduledAt == nil
	if immediate {
		m.claim(n.ID)
		defer m.release(n.ID)
	}
	if err := m.store.Save(ctx, n); err != nil {
		return "", err
	}
	m.publish(eventbus.TypeCreated, n)
	m.log.Info("notification created",
		logx.String("id", n.ID),
		logx.String("user", n.UserID),
		logx.String("category", string(n.Category)),
		logx.Bool("scheduled", !immediate),
	)

	if immediate {
		if out, err := m.deliverer.Process(ctx, n); err != nil {
			m.log.Warn("immediate delivery failed; left for scheduler",
				logx.String("id", n.ID), logx.String("outcome", out.String()), logx.Err(err))
		}
	}
	return n.ID, nil
}

func (m *Manager) build(req CreateRequest) (notification.Notification, error) {
	if strings.TrimSpace(req.UserID) == "" {
		return notification.Notification{}, fmt.Errorf("%w: user id is required", notification.ErrValidation)
	}
	if strings.TrimSpace(req.Title) == "" && strings.TrimSpace(req.Body) == "" {
		return notification.Notification{}, fmt.Errorf("%w: title or body is required", notification.ErrValidation)
	}
	cat := req.Category
	if cat == "" {
		cat = notification.CategoryGeneral
	}
	if !cat.Valid() {
		return notification.Notification{}, fmt.Errorf("%w: unknown category %q", notification.ErrValidation, cat)
	}
	prio := req.Priority
	if prio == 0 {
		prio = notification.PriorityNormal
	}
	if !prio.Valid() {
		return notification.Notification{}, fmt.Errorf("%w: unknown priority %d", notification.ErrValidation, prio)
	}
	var sched *time.Time
	if req.ScheduledAt != nil {
		if req.ScheduledAt.IsZero() {
			return notification.Notification{}, fmt.Errorf("%w: scheduled time is zero", notification.ErrValidation)
		}
		t := req.ScheduledAt.UTC()
		sched = &t
	}
	if req.Badge != nil && *req.Badge < 0 {
		return notification.Notification{}, fmt.Errorf("%w: negative badge count", notification.ErrValidation)
	}

	n := notification.Notification{
		ID:          m.newID(),
		Title:       req.Title,
		Body:        req.Body,
		Category:    cat,
		Priority:    prio,
		UserID:      req.UserID,
		CreatedAt:   m.now().UTC(),
		ScheduledAt: sched,
		ImageURL:    req.ImageURL,
		ActionURL:   req.ActionURL,
		Tag:         req.Tag,
		Sound:       req.Sound,
	}
	if req.Badge != nil {
		b := *req.Badge
		n.Badge = &b
	}
	if req.Payload != nil {
		n.Payload = make(map[string]any, len(req.Payload))
		for k, v := range req.Payload {
			n.Payload[k] = v
		}
	}
	return n, nil
}

// CreateTemplated renders the category template and delegates to Create.
func (m *Manager) CreateTemplated(ctx context.Context, req TemplatedRequest) (string, error) {
	cat := req.Category
	if cat == "" {
		cat = notification.CategoryGeneral
	}
	if !cat.Valid() {
		return "", fmt.Errorf("%w: unknown category %q", notification.ErrValidation, cat)
	}
	r := m.tmpl.Render(cat, req.Params)
	return m.Create(ctx, CreateRequest{
		Title:       r.Title,
		Body:        r.Body,
		UserID:      req.UserID,
		Category:    cat,
		Priority:    req.Priority,
		ScheduledAt: req.ScheduledAt,
		Payload:     req.Params,
		Sound:       r.Sound,
	})
}

// deliverDue is the scheduler handler. Records claimed by an inline delivery
// or a cancel are skipped; the next tick sees them again if still pending.
// The batch copy may be stale by the time the claim is won, so the record is
// re-read under the claim and dropped when it was cancelled or delivered.
func (m *Manager) deliverDue(ctx context.Context, n notification.Notification) error {
	if err := m.enter(); err != nil {
		return err
	}
	defer m.leave()
	if !m.claim(n.ID) {
		return nil
	}
	defer m.release(n.ID)

	cur, err := m.store.Get(ctx, n.ID)
	if errors.Is(err, notification.ErrNotFound) {
		m.log.Debug("due notification gone before delivery", logx.String("id", n.ID))
		return nil
	}
	if err != nil {
		return err
	}
	if cur.DeliveredAt != nil {
		return nil
	}

	_, err = m.deliverer.Process(ctx, cur)
	return err
}

// MarkRead reports whether this call moved read_at from null to now. Already
// read or not yet delivered notifications return false without an error.
func (m *Manager) MarkRead(ctx context.Context, id string) (bool, error) {
	if err := m.enter(); err != nil {
		return false, err
	}
	defer m.leave()

	ok, err := m.store.MarkRead(ctx, id, m.now())
	if errors.Is(err, notification.ErrInvalidState) {
		return false, nil
	}
	if err != nil || !ok {
		return false, err
	}
	if m.bus != nil {
		m.bus.Publish(eventbus.Event{Type: eventbus.TypeRead, Time: m.now(), Data: eventbus.NotificationEvent{ID: id}})
	}
	return true, nil
}

func (m *Manager) UserNotifications(ctx context.Context, userID string, q Query) ([]notification.Notification, error) {
	if err := m.enter(); err != nil {
		return nil, err
	}
	defer m.leave()

	if q.Category != "" && !q.Category.Valid() {
		return nil, fmt.Errorf("%w: unknown category %q", notification.ErrValidation, q.Category)
	}
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	return m.store.Query(ctx, userID, storage.Filter{UnreadOnly: q.UnreadOnly, Category: q.Category, Limit: limit})
}

func (m *Manager) Get(ctx context.Context, id string) (notification.Notification, error) {
	if err := m.enter(); err != nil {
		return notification.Notification{}, err
	}
	defer m.leave()
	return m.store.Get(ctx, id)
}

func (m *Manager) UnreadCount(ctx context.Context, userID string) (int, error) {
	if err := m.enter(); err != nil {
		return 0, err
	}
	defer m.leave()
	return m.store.UnreadCount(ctx, userID)
}

// Stats combines record counts with the per-category delivery counters.
func (m *Manager) Stats(ctx context.Context, userID string) (notification.Stats, error) {
	if err := m.enter(); err != nil {
		return notification.Stats{}, err
	}
	defer m.leave()

	total, read, err := m.store.Counts(ctx, userID)
	if err != nil {
		return notification.Stats{}, err
	}
	byCat, err := m.store.CategoryStats(ctx, userID)
	if err != nil {
		return notification.Stats{}, err
	}
	return notification.Stats{
		General: notification.GeneralStats{
			Total:          total,
			Read:           read,
			Unread:         total - read,
			ReadPercentage: notification.Percentage(read, total),
		},
		ByCategory: byCat,
	}, nil
}

func (m *Manager) SetPreferences(ctx context.Context, userID string, p notification.Preferences) error {
	if err := m.enter(); err != nil {
		return err
	}
	defer m.leave()
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("%w: user id is required", notification.ErrValidation)
	}
	if err := p.Validate(); err != nil {
		return err
	}
	return m.store.SetPreferences(ctx, userID, p)
}

func (m *Manager) Preferences(ctx context.Context, userID string) (notification.Preferences, error) {
	if err := m.enter(); err != nil {
		return notification.Preferences{}, err
	}
	defer m.leave()
	return m.store.Preferences(ctx, userID)
}

// NextDaily returns the first hour:minute strictly after now, evaluated in loc.
func NextDaily(now time.Time, hour, minute int, loc *time.Location) (time.Time, error) {
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return time.Time{}, fmt.Errorf("%w: invalid time of day %02d:%02d", notification.ErrValidation, hour, minute)
	}
	sched, err := cron.ParseStandard(fmt.Sprintf("%d %d * * *", minute, hour))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", notification.ErrValidation, err)
	}
	if loc == nil {
		loc = time.UTC
	}
	return sched.Next(now.In(loc)), nil
}

// ScheduleDailyReminder schedules one reminder at the next hour:minute. It
// does not recur; callers re-schedule after delivery if they want a series.
func (m *Manager) ScheduleDailyReminder(ctx context.Context, userID, title, body string, hour, minute int) (string, error) {
	next, err := NextDaily(m.now(), hour, minute, m.loc)
	if err != nil {
		return "", err
	}
	return m.Create(ctx, CreateRequest{
		Title:       title,
		Body:        body,
		UserID:      userID,
		Category:    notification.CategoryReminder,
		Priority:    notification.PriorityNormal,
		ScheduledAt: &next,
		Payload: map[string]any{
			"reminder_type": "daily",
			"hour":          hour,
			"minute":        minute,
		},
	})
}

// Cancel deletes a notification that has not been delivered. It returns false
// when the notification is already delivered or is being delivered right now.
func (m *Manager) Cancel(ctx context.Context, id string) (bool, error) {
	if err := m.enter(); err != nil {
		return false, err
	}
	defer m.leave()

	if !m.claim(id) {
		return false, nil
	}
	defer m.release(id)

	err := m.store.DeleteUndelivered(ctx, id)
	if errors.Is(err, notification.ErrInvalidState) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if m.bus != nil {
		m.bus.Publish(eventbus.Event{Type: eventbus.TypeCancelled, Time: m.now(), Data: eventbus.NotificationEvent{ID: id}})
	}
	m.log.Info("notification cancelled", logx.String("id", id))
	return true, nil
}

// Clear removes a user's read notifications, or all of them when readOnly
// is false.
func (m *Manager) Clear(ctx context.Context, userID string, readOnly bool) (int64, error) {
	if err := m.enter(); err != nil {
		return 0, err
	}
	defer m.leave()
	n, err := m.store.DeleteMany(ctx, userID, readOnly)
	if err == nil {
		m.log.Info("notifications cleared", logx.String("user", userID), logx.Bool("read_only", readOnly), logx.Int64("removed", n))
	}
	return n, err
}

// PurgeRead removes read notifications created more than olderThan ago.
func (m *Manager) PurgeRead(ctx context.Context, olderThan time.Duration) (int64, error) {
	if err := m.enter(); err != nil {
		return 0, err
	}
	defer m.leave()
	n, err := m.store.DeleteReadBefore(ctx, m.now().Add(-olderThan))
	if err == nil {
		m.log.Info("old notifications purged", logx.Int64("removed", n), logx.Duration("older_than", olderThan))
	}
	return n, err
}

func (m *Manager) AddListener(topic string, fn delivery.Listener) (delivery.ListenerID, error) {
	return m.deliverer.Listeners().Add(topic, fn)
}

func (m *Manager) RemoveListener(id delivery.ListenerID) bool {
	return m.deliverer.Listeners().Remove(id)
}

func (m *Manager) RegisterDevice(ctx context.Context, userID, token, platform string) error {
	if err := m.enter(); err != nil {
		return err
	}
	defer m.leave()
	return m.store.RegisterDevice(ctx, storage.Device{Token: token, UserID: userID, Platform: platform, RegisteredAt: m.now()})
}

func (m *Manager) UnregisterDevice(ctx context.Context, token string) error {
	if err := m.enter(); err != nil {
		return err
	}
	defer m.leave()
	return m.store.UnregisterDevice(ctx, token)
}

// RecordActivity marks the user as seen now and returns the previous sighting.
func (m *Manager) RecordActivity(ctx context.Context, userID string) (prev time.Time, seen bool, err error) {
	if err := m.enter(); err != nil {
		return time.Time{}, false, err
	}
	defer m.leave()
	prev, seen, err = m.store.LastSeen(ctx, userID)
	if err != nil {
		return time.Time{}, false, err
	}
	return prev, seen, m.store.TouchUser(ctx, userID, m.now())
}

// ActiveUsers lists users seen within the window.
func (m *Manager) ActiveUsers(ctx context.Context, window time.Duration) ([]string, error) {
	if err := m.enter(); err != nil {
		return nil, err
	}
	defer m.leave()
	return m.store.UsersSeenSince(ctx, m.now().Add(-window))
}

// InactiveUsers lists users not seen for at least idle.
func (m *Manager) InactiveUsers(ctx context.Context, idle time.Duration) ([]string, error) {
	if err := m.enter(); err != nil {
		return nil, err
	}
	defer m.leave()
	return m.store.UsersIdleSince(ctx, m.now().Add(-idle))
}

// Tick runs one scheduler pass synchronously.
func (m *Manager) Tick(ctx context.Context) (int, error) {
	if err := m.enter(); err != nil {
		return 0, err
	}
	defer m.leave()
	return m.sched.Tick(ctx)
}

func (m *Manager) SchedulerStats() scheduler.Stats { return m.sched.Stats() }

func (m *Manager) publish(typ string, n notification.Notification) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(eventbus.Event{
		Type: typ,
		Time: m.now(),
		Data: eventbus.NotificationEvent{
			ID:       n.ID,
			UserID:   n.UserID,
			Category: string(n.Category),
			Priority: n.Priority.String(),
		},
	})
}
