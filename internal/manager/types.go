package manager

import (
	"time"

	"monunotify/internal/delivery"
	"monunotify/internal/eventbus"
	"monunotify/internal/notification"
	"monunotify/internal/scheduler"
	"monunotify/internal/storage"
	"monunotify/internal/template"
	logx "monunotify/pkg/logx"
)

// CreateRequest describes a new notification. Category defaults to general
// and Priority to normal. A nil ScheduledAt delivers immediately.
type CreateRequest struct {
	Title       string
	Body        string
	UserID      string
	Category    notification.Category
	Priority    notification.Priority
	ScheduledAt *time.Time
	Payload     map[string]any
	ImageURL    string
	ActionURL   string
	Tag         string
	Sound       string
	Badge       *int
}

// TemplatedRequest renders title, body and sound from the category template.
// Params become the notification payload.
type TemplatedRequest struct {
	UserID      string
	Category    notification.Category
	Params      map[string]any
	Priority    notification.Priority
	ScheduledAt *time.Time
}

// Query filters UserNotifications. Limit <= 0 means DefaultLimit.
type Query struct {
	Limit      int
	UnreadOnly bool
	Category   notification.Category
}

const DefaultLimit = 50

// Options wires a Manager. Store is required; everything else has a default.
type Options struct {
	Store     storage.Store
	Templates *template.Engine
	Presenter delivery.Presenter
	// Location is where quiet hours and daily reminders are evaluated.
	Location  *time.Location
	Pusher    delivery.Pusher
	Bus       eventbus.Bus
	Scheduler scheduler.Config
	Logger    logx.Logger
	Now       func() time.Time
	NewID     func() string
}
