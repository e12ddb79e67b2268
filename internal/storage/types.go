package storage

import (
	"time"

	"monunotify/internal/notification"
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file; Path ":memory:" keeps everything in RAM
//
// If Driver is empty it defaults to "sqlite".
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// Filter narrows Query results. Limit <= 0 means no limit.
type Filter struct {
	UnreadOnly bool
	Category   notification.Category
	Limit      int
}

// Device is a push target registered for a user.
type Device struct {
	Token        string
	UserID       string
	Platform     string
	RegisteredAt time.Time
}
