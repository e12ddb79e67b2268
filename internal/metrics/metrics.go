// Package metrics exposes notification lifecycle counters and component
// health to Prometheus.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"monunotify/internal/eventbus"
)

const namespace = "monunotify"

type Metrics struct {
	reg    *prometheus.Registry
	events *prometheus.CounterVec
	push   *prometheus.CounterVec
}

// New builds a registry with the Go and process collectors and the
// lifecycle counters.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := &Metrics{
		reg: reg,
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notification_events_total",
			Help:      "Notification lifecycle events by type and category.",
		}, []string{"type", "category"}),
		push: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "push_results_total",
			Help:      "Remote push attempts by result and platform.",
		}, []string{"result", "platform"}),
	}
	reg.MustRegister(m.events, m.push)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// GaugeFunc registers a gauge sampled at scrape time.
func (m *Metrics) GaugeFunc(name, help string, fn func() float64) {
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Name: name, Help: help,
	}, fn))
}

// CounterFunc registers a monotonic counter sampled at scrape time.
func (m *Metrics) CounterFunc(name, help string, fn func() float64) {
	m.reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace, Name: name, Help: help,
	}, fn))
}

// Observe counts one bus event.
func (m *Metrics) Observe(e eventbus.Event) {
	switch e.Type {
	case eventbus.TypePushSent:
		m.push.WithLabelValues("sent", e.Data.Platform).Inc()
	case eventbus.TypePushFailed:
		m.push.WithLabelValues("failed", e.Data.Platform).Inc()
	default:
		m.events.WithLabelValues(e.Type, e.Data.Category).Inc()
	}
}

// Consume counts bus events until ctx is done. It also exports the number of
// events the bus dropped for slow subscribers.
func (m *Metrics) Consume(ctx context.Context, bus eventbus.Bus) error {
	m.CounterFunc("eventbus_dropped_total", "Events dropped by full subscriber buffers.",
		func() float64 { return float64(bus.Dropped()) })
	ch, unsub := bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			m.Observe(e)
		}
	}
}
