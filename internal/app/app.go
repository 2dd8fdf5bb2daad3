// Package app wires configuration, storage, the scheduler runtime, and the
// task manager into one process and owns its start/stop order.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"reportsched/internal/config"
	"reportsched/internal/eventbus"
	"reportsched/internal/report"
	rtsup "reportsched/internal/runtime/supervisor"
	"reportsched/internal/sched"
	"reportsched/internal/storage"
	"reportsched/internal/task"
	logx "reportsched/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service

	bus   eventbus.Bus
	store storage.Store
	sched *sched.Service
	tasks *task.Manager
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(loggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	store, err := storage.Open(storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout(cfg, log),
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}

	clientTimeout, err := config.ParseDurationOrDefault("content_service.default_timeout", cfg.ContentService.DefaultTimeout, 30*time.Second)
	if err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}
	client, err := report.NewClient(report.Config{
		BaseURL:        cfg.ContentService.BaseURL,
		DefaultTimeout: clientTimeout,
	}, log.With(logx.String("comp", "report")))
	if err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}

	schedCfg, err := schedulerConfig(cfg)
	if err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}

	bus := eventbus.New()
	schedSvc := sched.New(schedCfg, log.With(logx.String("comp", "sched")), bus)

	loc := loadLocation(cfg.Scheduler.Timezone, log)
	sweepGap, err := config.ParseDurationOrDefault("scheduler.sweep_min_interval", cfg.Scheduler.SweepMinInterval, 5*time.Second)
	if err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}
	tasks := task.NewManager(store, schedSvc, client,
		log.With(logx.String("comp", "task")),
		task.Options{Location: loc, SweepMinInterval: sweepGap})

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		sched:   schedSvc,
		tasks:   tasks,
	}, nil
}

// Tasks exposes the lifecycle manager to the serving surface.
func (a *App) Tasks() *task.Manager { return a.tasks }

// Done is closed when the app supervisor context is canceled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(a.log),
		rtsup.WithCancelOnError(true),
	)

	// Transactional config reload: validate before commit/publish.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		if cfg.Scheduler.Workers < 0 {
			return fmt.Errorf("scheduler.workers must be >= 0")
		}
		if _, err := schedulerConfig(cfg); err != nil {
			return err
		}
		if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				return fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
			}
		}
		if strings.TrimSpace(cfg.ContentService.BaseURL) == "" {
			return fmt.Errorf("content_service.base_url is required")
		}
		return nil
	})

	// Re-register persisted tasks before the tick loop starts, so restored
	// jobs get fire times computed from now rather than from mid-startup.
	if err := a.tasks.Restore(a.sup.Context()); err != nil {
		return err
	}

	if a.sched.Enabled() {
		a.sched.Start(a.sup.Context())
	}

	a.sup.Go0("task.retry", func(c context.Context) {
		a.tasks.RunRetryLoop(c, a.bus)
	})

	// Hot reload config fan-out.
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				sections, attrs := config.SummarizeConfigChange(lastApplied, newCfg)
				lastApplied = newCfg
				a.applyConfig(c, newCfg)
				if len(sections) > 0 {
					a.log.Info("config reloaded",
						append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)
				} else {
					a.log.Info("config reloaded (no changes)")
				}
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

func (a *App) applyConfig(ctx context.Context, cfg *config.Config) {
	a.logs.Apply(loggingConfig(cfg))

	prevEnabled := a.sched.Enabled()
	schedCfg, err := schedulerConfig(cfg)
	if err != nil {
		// Validator should have rejected this; keep the old runtime config.
		a.log.Warn("scheduler config rejected on reload", logx.Any("err", err))
		return
	}
	a.sched.Apply(ctx, schedCfg)

	if prevEnabled && !cfg.Scheduler.Enabled {
		a.log.Info("scheduler disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.sched.Stop(stopCtx)
		cancel()
	} else if !prevEnabled && cfg.Scheduler.Enabled {
		a.log.Info("scheduler enabled via config")
		a.sched.Start(ctx)
	}
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// Each shutdown step gets an upper bound so one component cannot stall
	// the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

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
				a.log.Warn("stop step error", logx.String("name", name), logx.Any("err", err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Any("err", stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("scheduler", 3*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	return a.logs.Close()
}

func loggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func schedulerConfig(cfg *config.Config) (sched.Config, error) {
	tick, err := config.ParseDurationOrDefault("scheduler.tick_interval", cfg.Scheduler.TickInterval, time.Second)
	if err != nil {
		return sched.Config{}, err
	}
	return sched.Config{
		Enabled:      cfg.Scheduler.Enabled,
		TickInterval: tick,
		Workers:      cfg.Scheduler.Workers,
		QueueSize:    cfg.Scheduler.QueueSize,
	}, nil
}

func busyTimeout(cfg *config.Config, log logx.Logger) time.Duration {
	d, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 0)
	if err != nil {
		log.Warn("invalid storage.busy_timeout; using driver default", logx.Any("err", err))
		return 0
	}
	return d
}

func loadLocation(tz string, log logx.Logger) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Any("err", err))
		return time.Local
	}
	return loc
}
