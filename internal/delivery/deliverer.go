package delivery

import (
	"context"
	"time"

	"monunotify/internal/eventbus"
	"monunotify/internal/notification"
	logx "monunotify/pkg/logx"
)

// Store is the slice of storage the deliverer needs.
type Store interface {
	Preferences(ctx context.Context, userID string) (notification.Preferences, error)
	MarkDelivered(ctx context.Context, id string, at time.Time) (bool, error)
	Defer(ctx context.Context, id string, until time.Time) error
	RecordSent(ctx context.Context, userID string, c notification.Category, at time.Time) error
}

// Outcome is the result of one delivery attempt.
type Outcome int

const (
	OutcomeDelivered Outcome = iota
	OutcomeSuppressed
	OutcomeDeferred
	// OutcomeDuplicate means another attempt already marked the record.
	OutcomeDuplicate
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDelivered:
		return "delivered"
	case OutcomeSuppressed:
		return "suppressed"
	case OutcomeDeferred:
		return "deferred"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Options configures a Deliverer. Store, Gate and Presenter are required.
type Options struct {
	Store     Store
	Gate      *Gate
	Presenter Presenter
	Listeners *Listeners
	Pusher    Pusher
	Bus       eventbus.Bus
	Logger    logx.Logger
	Now       func() time.Time
}

type Deliverer struct {
	store     Store
	gate      *Gate
	presenter Presenter
	listeners *Listeners
	pusher    Pusher
	bus       eventbus.Bus
	log       logx.Logger
	now       func() time.Time
}

func New(opts Options) *Deliverer {
	d := &Deliverer{
		store:     opts.Store,
		gate:      opts.Gate,
		presenter: opts.Presenter,
		listeners: opts.Listeners,
		pusher:    opts.Pusher,
		bus:       opts.Bus,
		log:       opts.Logger,
		now:       opts.Now,
	}
	if d.gate == nil {
		d.gate = NewGate(time.UTC)
	}
	if d.listeners == nil {
		d.listeners = NewListeners()
	}
	if d.log.IsZero() {
		d.log = logx.Nop()
	}
	d.log = d.log.With(logx.String("comp", "delivery"))
	if d.now == nil {
		d.now = time.Now
	}
	return d
}

func (d *Deliverer) Listeners() *Listeners { return d.listeners }

// Process runs the gate and, when allowed, delivers n.
//
// A failed presentation leaves the record undelivered and returns a
// *notification.DeliveryError; the scheduler picks it up on a later tick.
// Listener, stats and push failures after the delivered mark are logged only.
func (d *Deliverer) Process(ctx context.Context, n notification.Notification) (Outcome, error) {
	prefs, err := d.store.Preferences(ctx, n.UserID)
	if err != nil {
		return OutcomeFailed, err
	}

	now := d.now()
	switch d.gate.ShouldDeliver(n, prefs, now) {
	case Suppress:
		ok, err := d.store.MarkDelivered(ctx, n.ID, now)
		if err != nil {
			return OutcomeFailed, err
		}
		if !ok {
			return OutcomeDuplicate, nil
		}
		d.log.Info("notification blocked by user preferences", logx.String("id", n.ID), logx.String("user", n.UserID))
		d.publish(eventbus.TypeSuppressed, n, "")
		return OutcomeSuppressed, nil
	case Defer:
		until := d.gate.ResumeAt(prefs, now)
		if err := d.store.Defer(ctx, n.ID, until); err != nil {
			d.log.Warn("deferral not recorded", logx.String("id", n.ID), logx.Err(err))
		}
		d.log.Debug("notification deferred by quiet hours",
			logx.String("id", n.ID), logx.String("user", n.UserID), logx.Time("until", until))
		d.publish(eventbus.TypeDeferred, n, "")
		return OutcomeDeferred, nil
	}

	if err := d.presenter.Present(ctx, n); err != nil {
		derr := &notification.DeliveryError{ID: n.ID, Err: err}
		d.log.Error("notification presentation failed", logx.String("id", n.ID), logx.Err(err))
		d.publish(eventbus.TypeFailed, n, err.Error())
		return OutcomeFailed, derr
	}

	ok, err := d.store.MarkDelivered(ctx, n.ID, now)
	if err != nil {
		return OutcomeFailed, err
	}
	if !ok {
		d.log.Warn("notification already delivered", logx.String("id", n.ID))
		return OutcomeDuplicate, nil
	}
	delivered := now
	if delivered.Before(n.CreatedAt) {
		delivered = n.CreatedAt
	}
	n.DeliveredAt = &delivered

	d.listeners.Notify(n, d.log)

	if err := d.store.RecordSent(ctx, n.UserID, n.Category, now); err != nil {
		d.log.Warn("stats update failed", logx.String("id", n.ID), logx.Err(err))
	}

	if d.pusher != nil && !d.pusher.Enqueue(n) {
		d.log.Warn("remote push dropped", logx.String("id", n.ID))
	}

	d.log.Info("notification delivered", logx.String("id", n.ID), logx.String("user", n.UserID), logx.String("category", string(n.Category)))
	d.publish(eventbus.TypeDelivered, n, "")
	return OutcomeDelivered, nil
}

func (d *Deliverer) publish(typ string, n notification.Notification, errText string) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(eventbus.Event{
		Type: typ,
		Time: d.now(),
		Data: eventbus.NotificationEvent{
			ID:       n.ID,
			UserID:   n.UserID,
			Category: string(n.Category),
			Priority: n.Priority.String(),
			Err:      errText,
		},
	})
}
