package config

// Config is the daemon configuration file (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "72h").
// Optional sections are pointers so "omitted" and "disabled" stay distinct.
type Config struct {
	Logging   LoggingConfig             `json:"logging"`
	Storage   StorageConfig             `json:"storage"`
	Scheduler SchedulerConfig           `json:"scheduler"`
	Delivery  DeliveryConfig            `json:"delivery"`
	Router    RouterConfig              `json:"router"`
	Push      *PushConfig               `json:"push,omitempty"`
	Kafka     *KafkaConfig              `json:"kafka,omitempty"`
	Metrics   *MetricsConfig            `json:"metrics,omitempty"`
	Templates map[string]TemplateConfig `json:"templates,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the notification store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/notifications.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// SchedulerConfig controls the due-notification poll loop.
//
// Defaults: interval "60s", batch_size 500, stop_timeout "5s".
type SchedulerConfig struct {
	Interval    string `json:"interval,omitempty"`
	BatchSize   int    `json:"batch_size,omitempty"`
	StopTimeout string `json:"stop_timeout,omitempty"`
}

// DeliveryConfig holds the timezone quiet hours and daily reminders are
// evaluated in. Empty means the host's local zone.
type DeliveryConfig struct {
	Timezone string `json:"timezone,omitempty"`
}

// RouterConfig controls the integration router and its monitoring loop.
type RouterConfig struct {
	Enabled bool `json:"enabled"`

	SweepInterval    string `json:"sweep_interval,omitempty"`    // default "5m"
	NearbyWindow     string `json:"nearby_window,omitempty"`     // default "2h"
	InactiveAfter    string `json:"inactive_after,omitempty"`    // default "168h"
	InactivityWindow string `json:"inactivity_window,omitempty"` // default "72h"
	ActiveWindow     string `json:"active_window,omitempty"`     // default "720h"
	CacheHorizon     string `json:"cache_horizon,omitempty"`     // default "168h"
	PurgeAfter       string `json:"purge_after,omitempty"`       // default "720h"

	RadiusKM  float64          `json:"radius_km,omitempty"` // default 2
	Monuments []MonumentConfig `json:"monuments,omitempty"`
	// Calendar replaces the built-in seasonal events when set.
	Calendar []SeasonalConfig `json:"calendar,omitempty"`
}

type MonumentConfig struct {
	Name string  `json:"name"`
	Lat  float64 `json:"lat"`
	Lon  float64 `json:"lon"`
}

type SeasonalConfig struct {
	Month int    `json:"month"`
	Day   int    `json:"day"`
	Title string `json:"title"`
	Body  string `json:"body"`
}

// PushConfig controls the remote push pipeline. If the section is omitted
// push is disabled.
type PushConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	SendTimeout     string `json:"send_timeout,omitempty"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`

	FCM      *FCMConfig          `json:"fcm,omitempty"`
	Telegram *TelegramPushConfig `json:"telegram,omitempty"`
}

type FCMConfig struct {
	ServerKey string `json:"server_key"` // do not log
	Endpoint  string `json:"endpoint,omitempty"`
}

type TelegramPushConfig struct {
	Token  string `json:"token"` // do not log
	APIURL string `json:"api_url,omitempty"`
}

// KafkaConfig enables domain event intake from a Kafka topic.
type KafkaConfig struct {
	Enabled        bool     `json:"enabled"`
	Brokers        []string `json:"brokers"`
	GroupID        string   `json:"group_id"`
	Topic          string   `json:"topic"`
	CommitInterval string   `json:"commit_interval,omitempty"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default "127.0.0.1:9090"
	Path    string `json:"path,omitempty"` // default "/metrics"
	// Pprof mounts net/http/pprof under /debug/pprof/ on the same listener.
	Pprof bool `json:"pprof,omitempty"`
}

// TemplateConfig overrides the built-in template of one category. Empty
// fields keep the built-in value.
type TemplateConfig struct {
	Title string `json:"title,omitempty"`
	Body  string `json:"body,omitempty"`
	Sound string `json:"sound,omitempty"`
}
