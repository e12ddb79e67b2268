package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"monunotify/internal/notification"
	logx "monunotify/pkg/logx"
)

// Store is the persistence API used by the manager, scheduler and router.
// All methods are safe for concurrent use and return independent copies.
// I/O failures are reported as *notification.StorageError.
type Store interface {
	// Save inserts a new record; an existing id yields ErrDuplicateID.
	Save(ctx context.Context, n notification.Notification) error
	Get(ctx context.Context, id string) (notification.Notification, error)
	// MarkDelivered sets delivered_at only if it is still null and reports
	// whether this call performed the transition.
	MarkDelivered(ctx context.Context, id string, at time.Time) (bool, error)
	// MarkRead sets read_at only if it is null and delivered_at is set, and
	// bumps the category read counter in the same transaction.
	MarkRead(ctx context.Context, id string, at time.Time) (bool, error)
	Query(ctx context.Context, userID string, f Filter) ([]notification.Notification, error)
	// Due returns undelivered records whose due time is <= now, oldest first.
	// Deferred and quarantined records are excluded.
	Due(ctx context.Context, now time.Time, limit int) ([]notification.Notification, error)
	// Defer keeps an undelivered record out of Due until the given time.
	// SetPreferences clears every pending deferral of the user.
	Defer(ctx context.Context, id string, until time.Time) error
	DeleteUndelivered(ctx context.Context, id string) error
	DeleteMany(ctx context.Context, userID string, readOnly bool) (int64, error)
	DeleteReadBefore(ctx context.Context, cutoff time.Time) (int64, error)
	UnreadCount(ctx context.Context, userID string) (int, error)
	Counts(ctx context.Context, userID string) (total, read int, err error)

	Preferences(ctx context.Context, userID string) (notification.Preferences, error)
	SetPreferences(ctx context.Context, userID string, p notification.Preferences) error

	RecordSent(ctx context.Context, userID string, c notification.Category, at time.Time) error
	CategoryStats(ctx context.Context, userID string) (map[notification.Category]notification.CategoryStats, error)

	TouchUser(ctx context.Context, userID string, at time.Time) error
	LastSeen(ctx context.Context, userID string) (time.Time, bool, error)
	UsersSeenSince(ctx context.Context, since time.Time) ([]string, error)
	UsersIdleSince(ctx context.Context, before time.Time) ([]string, error)

	RegisterDevice(ctx context.Context, d Device) error
	UnregisterDevice(ctx context.Context, token string) error
	Devices(ctx context.Context, userID string) ([]Device, error)

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" {
		driver = "sqlite"
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
