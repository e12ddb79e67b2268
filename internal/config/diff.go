package config

import (
	"reflect"
	"sort"
	"strings"

	logx "monunotify/pkg/logx"
)

// SummarizeConfigChange returns the sorted list of sections that differ
// between oldCfg and newCfg plus log fields describing the new values.
// Secrets (push credentials) are reported only as "set" booleans.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.Bool("storage.restart_required", true),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.interval", newCfg.Scheduler.Interval),
			logx.Int("scheduler.batch_size", newCfg.Scheduler.BatchSize),
		)
	}

	if oldCfg.Delivery != newCfg.Delivery {
		changed = append(changed, "delivery")
		attrs = append(attrs, logx.String("delivery.timezone", newCfg.Delivery.Timezone))
	}

	if !reflect.DeepEqual(oldCfg.Router, newCfg.Router) {
		changed = append(changed, "router")
		attrs = append(attrs,
			logx.Bool("router.enabled", newCfg.Router.Enabled),
			logx.String("router.sweep_interval", newCfg.Router.SweepInterval),
			logx.Int("router.monuments", len(newCfg.Router.Monuments)),
			logx.Int("router.calendar", len(newCfg.Router.Calendar)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Push, newCfg.Push) {
		changed = append(changed, "push")
		p := derefPush(newCfg.Push)
		attrs = append(attrs,
			logx.Bool("push.enabled", p.Enabled),
			logx.Int("push.workers", p.Workers),
			logx.Int("push.rate_per_sec", p.RatePerSec),
			logx.Bool("push.fcm_set", p.FCM != nil && strings.TrimSpace(p.FCM.ServerKey) != ""),
			logx.Bool("push.telegram_set", p.Telegram != nil && strings.TrimSpace(p.Telegram.Token) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Kafka, newCfg.Kafka) {
		changed = append(changed, "kafka")
		var k KafkaConfig
		if newCfg.Kafka != nil {
			k = *newCfg.Kafka
		}
		attrs = append(attrs,
			logx.Bool("kafka.enabled", k.Enabled),
			logx.Int("kafka.brokers", len(k.Brokers)),
			logx.String("kafka.topic", k.Topic),
		)
	}

	if !reflect.DeepEqual(oldCfg.Metrics, newCfg.Metrics) {
		changed = append(changed, "metrics")
		addr, _ := newCfg.MetricsAddr()
		attrs = append(attrs, logx.String("metrics.addr", addr))
	}

	if names := diffTemplates(oldCfg.Templates, newCfg.Templates); len(names) > 0 {
		changed = append(changed, "templates")
		attrs = append(attrs, logx.String("templates.changed", strings.Join(names, ",")))
	}

	sort.Strings(changed)
	return changed, attrs
}

func derefPush(p *PushConfig) PushConfig {
	if p == nil {
		return PushConfig{}
	}
	return *p
}

func diffTemplates(oldM, newM map[string]TemplateConfig) []string {
	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}
	var out []string
	for name := range set {
		o, oOK := oldM[name]
		n, nOK := newM[name]
		if oOK != nOK || o != n {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
