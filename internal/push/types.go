package push

import (
	"context"
	"errors"
	"time"

	"monunotify/internal/storage"
)

var (
	ErrQueueFull = errors.New("push queue full")
	ErrStopped   = errors.New("push dispatcher stopped")
	// ErrUnregistered is returned by a transport when the device token is no
	// longer valid. The dispatcher then drops the device.
	ErrUnregistered = errors.New("device token no longer registered")
)

// Config controls the async push pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	SendTimeout     time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
}

// Message is one rendered notification addressed to one device.
type Message struct {
	Token          string
	Platform       string
	NotificationID string
	UserID         string
	Category       string
	Priority       string
	Title          string
	Body           string
	Sound          string
	Badge          *int
	ImageURL       string
	ActionURL      string
	Data           map[string]string
}

// Transport delivers messages for one device platform.
type Transport interface {
	Platform() string
	Send(ctx context.Context, m Message) error
}

// Devices resolves the push targets of a user.
type Devices interface {
	Devices(ctx context.Context, userID string) ([]storage.Device, error)
	UnregisterDevice(ctx context.Context, token string) error
}

type HistoryItem struct {
	At       time.Time
	ID       string
	Platform string
	Err      string
}

// Stats are best-effort counters for health output.
type Stats struct {
	Queued   uint64 `json:"queued"`
	Sent     uint64 `json:"sent"`
	Failed   uint64 `json:"failed"`
	Dropped  uint64 `json:"dropped"`
	Deduped  uint64 `json:"deduped"`
	NoDevice uint64 `json:"no_device"`
}
