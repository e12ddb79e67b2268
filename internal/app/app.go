// Package app wires the notification daemon: config, storage, the delivery
// pipeline, push, the integration router and its event intake.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"monunotify/internal/config"
	"monunotify/internal/delivery"
	"monunotify/internal/eventbus"
	kafkaevents "monunotify/internal/events/kafka"
	"monunotify/internal/integration"
	"monunotify/internal/manager"
	"monunotify/internal/metrics"
	"monunotify/internal/push"
	"monunotify/internal/push/fcm"
	"monunotify/internal/push/telegram"
	"monunotify/internal/runtime/supervisor"
	"monunotify/internal/storage"
	"monunotify/internal/template"
	logx "monunotify/pkg/logx"
)

type StopReason string

const (
	StopUnknown    StopReason = "unknown"
	StopSignal     StopReason = "signal"
	StopFatalError StopReason = "fatal_error"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store   storage.Store
	mgr     *manager.Manager
	push    *push.Service
	router  *integration.Router
	kafka   *kafkaevents.Consumer
	metrics *metrics.Metrics

	metricsSrv *http.Server
}

// New loads and validates the config at cfgPath and builds every component.
// Nothing runs until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := config.Validate(context.Background(), cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logSvc, log := logx.New(cfg.LogConfig())
	a := &App{
		cfgm: cfgm,
		log:  log.With(logx.String("comp", "app")),
		logs: logSvc,
		bus:  eventbus.New(),
	}
	if err := a.build(cfg, log); err != nil {
		if a.mgr != nil {
			_ = a.mgr.Stop(context.Background())
		} else if a.store != nil {
			_ = a.store.Close()
		}
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config, log logx.Logger) error {
	sc, _ := cfg.StorageConfig()
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	a.store = store
	a.log.Info("storage ready", logx.String("driver", sc.Driver), logx.String("path", sc.Path))

	loc, _ := cfg.Location()
	schedCfg, _ := cfg.SchedulerConfig()
	overrides, _ := cfg.TemplateOverrides()

	if addr, _ := cfg.MetricsAddr(); addr != "" {
		a.metrics = metrics.New()
	}

	pushCfg, _ := cfg.PushConfig()
	var pusher delivery.Pusher
	if pushCfg.Enabled {
		transports, err := buildTransports(cfg.Push, pushCfg.SendTimeout)
		if err != nil {
			return err
		}
		a.push = push.New(pushCfg, store, transports, a.bus, log.With(logx.String("comp", "push")))
		pusher = a.push
	}

	mgr, err := manager.New(manager.Options{
		Store:     store,
		Templates: template.New(overrides),
		Presenter: delivery.LogPresenter{Log: log.With(logx.String("comp", "presenter"))},
		Location:  loc,
		Pusher:    pusher,
		Bus:       a.bus,
		Scheduler: schedCfg,
		Logger:    log.With(logx.String("comp", "manager")),
	})
	if err != nil {
		return err
	}
	a.mgr = mgr

	if cfg.Router.Enabled {
		rc, monuments, _ := cfg.RouterConfig()
		r, err := integration.New(integration.Options{
			Notifier: mgr,
			Locator:  integration.NewCatalogLocator(monuments, cfg.Router.RadiusKM),
			Config:   rc,
			Location: loc,
			Logger:   log.With(logx.String("comp", "router")),
		})
		if err != nil {
			return err
		}
		a.router = r
	}

	kc, _ := cfg.KafkaConfig()
	if cfg.Kafka != nil && cfg.Kafka.Enabled {
		if a.router == nil {
			return errors.New("kafka intake requires router.enabled")
		}
		rd, err := kafkaevents.NewReader(kc)
		if err != nil {
			return err
		}
		a.kafka = kafkaevents.NewConsumer(rd, a.router, log)
	}

	if a.metrics != nil {
		a.registerGauges()
	}
	return nil
}

func buildTransports(pc *config.PushConfig, timeout time.Duration) ([]push.Transport, error) {
	var out []push.Transport
	if pc.FCM != nil {
		c, err := fcm.New(fcm.Config{ServerKey: pc.FCM.ServerKey, Endpoint: pc.FCM.Endpoint, Timeout: timeout})
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if pc.Telegram != nil {
		c, err := telegram.New(telegram.Config{Token: pc.Telegram.Token, APIURL: pc.Telegram.APIURL, Timeout: timeout})
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func (a *App) registerGauges() {
	m := a.metrics
	m.CounterFunc("scheduler_ticks_total", "Scheduler poll cycles.", func() float64 {
		return float64(a.mgr.SchedulerStats().Ticks)
	})
	m.CounterFunc("scheduler_handled_total", "Due notifications handled by the scheduler.", func() float64 {
		return float64(a.mgr.SchedulerStats().Handled)
	})
	m.CounterFunc("scheduler_failures_total", "Scheduler delivery failures.", func() float64 {
		return float64(a.mgr.SchedulerStats().Failures)
	})
	if a.router != nil {
		m.GaugeFunc("router_dedup_entries", "Entries in the router dedup cache.", func() float64 {
			return float64(a.router.Stats().CacheSize)
		})
		m.CounterFunc("router_events_total", "Domain events dispatched by the router.", func() float64 {
			return float64(a.router.Stats().Dispatched)
		})
	}
	if a.push != nil {
		m.GaugeFunc("push_queue_dropped", "Push jobs dropped on a full queue.", func() float64 {
			return float64(a.push.Stats().Dropped)
		})
	}
	if a.kafka != nil {
		m.CounterFunc("kafka_rejected_total", "Kafka messages that could not be dispatched.", func() float64 {
			_, rejected := a.kafka.Counts()
			return float64(rejected)
		})
	}
}

// Manager exposes the notification manager for embedding callers.
func (a *App) Manager() *manager.Manager { return a.mgr }

// Done is closed when the app context is canceled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(config.Validate)

	if err := a.mgr.Start(a.sup.Context()); err != nil {
		return err
	}
	if a.push != nil {
		a.push.Start(a.sup.Context())
	}
	if a.router != nil {
		if err := a.router.Start(); err != nil {
			return err
		}
	}
	if a.kafka != nil {
		a.sup.GoRestart("kafka.consume", a.kafka.Run,
			supervisor.WithRestartBackoff(500*time.Millisecond, 30*time.Second))
	}
	if a.metrics != nil {
		a.startMetrics()
	}

	a.sup.Go("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started")
	return nil
}

func (a *App) startMetrics() {
	cfg := a.cfgm.Get()
	addr, path := cfg.MetricsAddr()
	a.metricsSrv = &http.Server{
		Addr:              addr,
		Handler:           newOpsMux(path, a.metrics.Handler(), cfg.Metrics.Pprof),
		ReadHeaderTimeout: 5 * time.Second,
	}

	a.sup.Go("metrics.consume", func(c context.Context) error { return a.metrics.Consume(c, a.bus) })
	a.sup.Go("metrics.http", func(c context.Context) error {
		a.log.Info("metrics listening", logx.String("addr", addr), logx.String("path", path))
		err := a.metricsSrv.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
}

// reloadLoop applies the live-reloadable sections (logging, push tuning) and
// flags the ones that need a restart.
func (a *App) reloadLoop(c context.Context) error {
	sub := a.cfgm.Subscribe(4)
	defer a.cfgm.Unsubscribe(sub)
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-c.Done():
			return nil
		case newCfg, ok := <-sub:
			if !ok {
				return nil
			}
			sections, attrs := config.SummarizeConfigChange(lastApplied, newCfg)
			lastApplied = newCfg
			if len(sections) == 0 {
				a.log.Debug("config reload received, but no effective changes detected")
				continue
			}

			a.logs.Apply(newCfg.LogConfig())
			if a.push != nil {
				if pc, err := newCfg.PushConfig(); err != nil {
					a.log.Warn("invalid push config; keeping previous", logx.Err(err))
				} else if pc.Enabled {
					a.push.Apply(pc)
				}
			}

			var restart []string
			for _, s := range sections {
				if s != "logging" && s != "push" {
					restart = append(restart, s)
				}
			}
			fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
			a.log.Info("config applied", fields...)
			if len(restart) > 0 {
				a.log.Warn("config sections changed; restart required for them to take effect",
					logx.String("sections", strings.Join(restart, ",")))
			}
		}
	}
}

// Stop shuts components down in dependency order: intake first, then the
// manager, then push so the last deliveries still drain. Each step is bounded
// so one stuck component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	if a.router != nil {
		step("router", 5*time.Second, a.router.Stop)
	}
	if a.kafka != nil {
		step("kafka", 2*time.Second, func(context.Context) error { return a.kafka.Close() })
	}
	// The manager owns the store and closes it.
	step("manager", 5*time.Second, a.mgr.Stop)
	if a.push != nil {
		step("push", 3*time.Second, func(c context.Context) error { a.push.Stop(c); return nil })
	}
	if a.metricsSrv != nil {
		step("metrics", time.Second, a.metricsSrv.Shutdown)
	}
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	_ = a.logs.Close()
	return errors.Join(errs...)
}
