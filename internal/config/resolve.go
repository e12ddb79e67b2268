package config

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	kafkaevents "monunotify/internal/events/kafka"
	"monunotify/internal/integration"
	"monunotify/internal/notification"
	"monunotify/internal/push"
	"monunotify/internal/scheduler"
	"monunotify/internal/storage"
	"monunotify/internal/template"
	logx "monunotify/pkg/logx"
)

func (c *Config) LogConfig() logx.Config {
	return logx.Config{
		Level:   c.Logging.Level,
		Console: c.Logging.Console,
		File:    logx.FileConfig{Enabled: c.Logging.File.Enabled, Path: c.Logging.File.Path},
	}
}

func (c *Config) StorageConfig() (storage.Config, error) {
	busy, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	path := strings.TrimSpace(c.Storage.Path)
	if path == "" {
		path = "./data/notifications.db"
	}
	return storage.Config{Driver: strings.TrimSpace(c.Storage.Driver), Path: path, BusyTimeout: busy}, nil
}

func (c *Config) SchedulerConfig() (scheduler.Config, error) {
	interval, err := ParseDurationOrDefault("scheduler.interval", c.Scheduler.Interval, 60*time.Second)
	if err != nil {
		return scheduler.Config{}, err
	}
	stop, err := ParseDurationOrDefault("scheduler.stop_timeout", c.Scheduler.StopTimeout, 5*time.Second)
	if err != nil {
		return scheduler.Config{}, err
	}
	if c.Scheduler.BatchSize < 0 {
		return scheduler.Config{}, errors.New("scheduler.batch_size must be >= 0")
	}
	return scheduler.Config{Interval: interval, BatchSize: c.Scheduler.BatchSize, StopTimeout: stop}, nil
}

// Location resolves delivery.timezone; empty means time.Local.
func (c *Config) Location() (*time.Location, error) {
	tz := strings.TrimSpace(c.Delivery.Timezone)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("delivery.timezone: %w", err)
	}
	return loc, nil
}

// RouterConfig returns the router settings and the monument catalog.
func (c *Config) RouterConfig() (integration.Config, []integration.Monument, error) {
	r := c.Router
	var out integration.Config
	fields := []struct {
		path string
		raw  string
		dst  *time.Duration
	}{
		{"router.sweep_interval", r.SweepInterval, &out.SweepInterval},
		{"router.nearby_window", r.NearbyWindow, &out.NearbyWindow},
		{"router.inactive_after", r.InactiveAfter, &out.InactiveAfter},
		{"router.inactivity_window", r.InactivityWindow, &out.InactivityWindow},
		{"router.active_window", r.ActiveWindow, &out.ActiveWindow},
		{"router.cache_horizon", r.CacheHorizon, &out.CacheHorizon},
		{"router.purge_after", r.PurgeAfter, &out.PurgeAfter},
	}
	for _, f := range fields {
		d, err := ParseDurationField(f.path, f.raw)
		if err != nil {
			return integration.Config{}, nil, err
		}
		*f.dst = d
	}
	if r.RadiusKM < 0 {
		return integration.Config{}, nil, errors.New("router.radius_km must be >= 0")
	}

	for i, e := range r.Calendar {
		if e.Month < 1 || e.Month > 12 || e.Day < 1 || e.Day > 31 {
			return integration.Config{}, nil, fmt.Errorf("router.calendar[%d]: invalid date %d/%d", i, e.Month, e.Day)
		}
		if strings.TrimSpace(e.Title) == "" {
			return integration.Config{}, nil, fmt.Errorf("router.calendar[%d]: title is required", i)
		}
		out.Calendar = append(out.Calendar, integration.SeasonalEvent{
			Month: time.Month(e.Month), Day: e.Day, Title: e.Title, Body: e.Body,
		})
	}

	monuments := make([]integration.Monument, 0, len(r.Monuments))
	for i, m := range r.Monuments {
		if strings.TrimSpace(m.Name) == "" || m.Lat < -90 || m.Lat > 90 || m.Lon < -180 || m.Lon > 180 {
			return integration.Config{}, nil, fmt.Errorf("router.monuments[%d]: invalid entry", i)
		}
		monuments = append(monuments, integration.Monument{Name: m.Name, Lat: m.Lat, Lon: m.Lon})
	}
	return out, monuments, nil
}

// PushConfig resolves the push section. Omitted means disabled.
func (c *Config) PushConfig() (push.Config, error) {
	p := c.Push
	if p == nil {
		return push.Config{}, nil
	}
	out := push.Config{
		Enabled:         p.Enabled,
		Workers:         p.Workers,
		QueueSize:       p.QueueSize,
		RatePerSec:      p.RatePerSec,
		RetryMax:        p.RetryMax,
		DedupMaxEntries: p.DedupMaxEntries,
	}
	var err error
	if out.RetryBase, err = ParseDurationField("push.retry_base", p.RetryBase); err != nil {
		return push.Config{}, err
	}
	if out.RetryMaxDelay, err = ParseDurationField("push.retry_max_delay", p.RetryMaxDelay); err != nil {
		return push.Config{}, err
	}
	if out.SendTimeout, err = ParseDurationOrDefault("push.send_timeout", p.SendTimeout, 30*time.Second); err != nil {
		return push.Config{}, err
	}
	if out.DedupWindow, err = ParseDurationField("push.dedup_window", p.DedupWindow); err != nil {
		return push.Config{}, err
	}
	if p.Enabled && p.FCM == nil && p.Telegram == nil {
		return push.Config{}, errors.New("push: enabled without any transport (fcm or telegram)")
	}
	if p.FCM != nil && strings.TrimSpace(p.FCM.ServerKey) == "" {
		return push.Config{}, errors.New("push.fcm.server_key is required")
	}
	if p.Telegram != nil && strings.TrimSpace(p.Telegram.Token) == "" {
		return push.Config{}, errors.New("push.telegram.token is required")
	}
	return out, nil
}

func (c *Config) KafkaConfig() (kafkaevents.Config, error) {
	k := c.Kafka
	if k == nil || !k.Enabled {
		return kafkaevents.Config{}, nil
	}
	if len(k.Brokers) == 0 || strings.TrimSpace(k.Topic) == "" {
		return kafkaevents.Config{}, errors.New("kafka: brokers and topic are required")
	}
	ci, err := ParseDurationOrDefault("kafka.commit_interval", k.CommitInterval, time.Second)
	if err != nil {
		return kafkaevents.Config{}, err
	}
	group := strings.TrimSpace(k.GroupID)
	if group == "" {
		group = "monunotify"
	}
	return kafkaevents.Config{Brokers: k.Brokers, GroupID: group, Topic: k.Topic, CommitInterval: ci}, nil
}

func (c *Config) TemplateOverrides() (map[notification.Category]template.Template, error) {
	if len(c.Templates) == 0 {
		return nil, nil
	}
	out := make(map[notification.Category]template.Template, len(c.Templates))
	for name, t := range c.Templates {
		cat, err := notification.ParseCategory(name)
		if err != nil {
			return nil, fmt.Errorf("templates.%s: %w", name, err)
		}
		out[cat] = template.Template{Title: t.Title, Body: t.Body, Sound: t.Sound}
	}
	return out, nil
}

// MetricsAddr returns the listen address and path, or "" when disabled.
func (c *Config) MetricsAddr() (addr, path string) {
	m := c.Metrics
	if m == nil || !m.Enabled {
		return "", ""
	}
	addr, path = strings.TrimSpace(m.Addr), strings.TrimSpace(m.Path)
	if addr == "" {
		addr = "127.0.0.1:9090"
	}
	if path == "" {
		path = "/metrics"
	}
	return addr, path
}

// Validate resolves every section and reports the first problem. It is the
// Watch validator: a config that fails here is never published.
func Validate(_ context.Context, c *Config) error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if _, err := c.StorageConfig(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.SchedulerConfig(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}
	if _, _, err := c.RouterConfig(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.PushConfig(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.KafkaConfig(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.TemplateOverrides(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
