// Package app wires configuration, storage, routing, learning, tasks and
// the scheduler into one process and owns their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"steward/internal/assistant"
	"steward/internal/config"
	"steward/internal/eventbus"
	"steward/internal/learning"
	"steward/internal/router"
	"steward/internal/runtime/supervisor"
	"steward/internal/scheduler"
	"steward/internal/storage"
	"steward/internal/tasks"
	logx "steward/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	now   func() time.Time

	router *router.Router
	tasks  *tasks.Manager
	sched  *scheduler.Service
	sink   *swapSink
	ac     *assistant.Context

	stopOnce sync.Once
}

type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the clock of every component (tests).
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// NewApp loads cfgPath and builds every component. Jobs are registered in
// the store, but nothing runs until Start.
func NewApp(ctx context.Context, cfgPath string, opts ...Option) (*App, error) {
	o := options{now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewManager(cfgPath)
	cfg, cfgErr := cfgm.Load()
	if cfgErr != nil && !errors.Is(cfgErr, os.ErrNotExist) {
		return nil, cfgErr
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	if cfgErr != nil {
		log.Warn("config file not found; using defaults", logx.String("path", cfgPath))
	}
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	a := &App{cfgm: cfgm, log: log.With(logx.String("comp", "app")), logs: logSvc, bus: eventbus.New(), now: o.now}
	if err := a.build(ctx, cfg); err != nil {
		if a.store != nil {
			_ = a.store.Close()
		}
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, cfg *config.Config) error {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return err
	}
	a.store, err = storage.Open(sc, a.comp("storage"), storage.WithClock(a.now))
	if err != nil {
		return err
	}

	rc, err := mapRouterConfig(cfg)
	if err != nil {
		return err
	}
	a.router, err = router.New(rc, a.store, a.comp("router"), router.WithBus(a.bus), router.WithClock(a.now))
	if err != nil {
		return err
	}
	if err := registerBackends(ctx, a.router, a.store, cfg, a.now(), a.comp("router")); err != nil {
		return err
	}

	lc, err := mapLearningConfig(cfg)
	if err != nil {
		return err
	}
	retention, err := mapRetention(cfg)
	if err != nil {
		return err
	}
	sink, err := buildSink(cfg, a.comp("report"))
	if err != nil {
		return err
	}
	a.sink = &swapSink{sink: sink}
	a.tasks = tasks.New(a.store, a.comp("tasks"), a.bus)

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return err
	}
	a.ac = &assistant.Context{
		Store:     a.store,
		Router:    a.router,
		Tasks:     a.tasks,
		Learning:  learning.New(lc),
		Sink:      a.sink,
		Bus:       a.bus,
		Log:       a.comp("jobs"),
		Now:       a.now,
		Location:  schedCfg.Location,
		Retention: retention,
	}
	hints, err := a.ac.LoadHints(ctx)
	if err != nil {
		a.log.Warn("routing hints not restored", logx.Err(err))
	} else if hints != nil {
		a.router.SetHints(hints)
	}

	a.sched = scheduler.New(schedCfg, a.store, a.comp("scheduler"),
		scheduler.WithBus(a.bus),
		scheduler.WithClock(a.now),
		scheduler.WithFailureHook(a.ac.ReportFailure),
	)
	a.ac.Scheduler = a.sched
	a.ac.Install(a.sched)
	return a.registerJobs(ctx, cfg)
}

func (a *App) comp(name string) logx.Logger { return a.log.With(logx.String("comp", name)) }

func (a *App) registerJobs(ctx context.Context, cfg *config.Config) error {
	specs, err := mapJobSpecs(cfg)
	if err != nil {
		return err
	}
	for _, spec := range specs {
		if _, err := a.sched.Register(ctx, spec); err != nil {
			return fmt.Errorf("register job %s: %w", spec.ID, err)
		}
	}
	return nil
}

func (a *App) Store() storage.Store { return a.store }

func (a *App) Tasks() *tasks.Manager { return a.tasks }

func (a *App) Router() *router.Router { return a.router }

func (a *App) Scheduler() *scheduler.Service { return a.sched }

func (a *App) Assistant() *assistant.Context { return a.ac }

// Status is the operator summary: counts, job table and backend health.
func (a *App) Status(ctx context.Context) (assistant.Status, error) {
	return a.ac.Status(ctx)
}

// Done is closed when the supervisor context ends.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first error a supervised loop reported.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start launches the background loops and tells systemd the service is
// ready.
func (a *App) Start(ctx context.Context) error {
	if a.sup != nil {
		return errors.New("app already started")
	}
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.comp("supervisor")))

	a.sup.Go("scheduler", a.sched.Run)
	a.sup.Go("router.hints", a.router.ListenHints)
	a.sup.Go("eventbus.log", a.logEvents)

	sub := a.cfgm.Subscribe(4)
	a.sup.Go("config.apply", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		return a.applyLoop(c, sub)
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if ok {
		a.log.Debug("sd_notify ready sent")
	}
	a.log.Info("app started", logx.Strs("backends", a.router.IDs()))
	return nil
}

func (a *App) logEvents(ctx context.Context) error {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			if e.Type == eventbus.JobFailed || e.Type == eventbus.BackendCircuit {
				a.log.Info("event", logx.String("type", e.Type), logx.Any("data", e.Data))
				continue
			}
			a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
		}
	}
}

// applyLoop applies hot-reloadable sections. Storage, learning, memory and
// backend list changes need a restart.
func (a *App) applyLoop(ctx context.Context, sub <-chan *config.Config) error {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return nil
		case cfg, ok := <-sub:
			if !ok {
				return nil
			}
			a.apply(ctx, last, cfg)
			last = cfg
		}
	}
}

func (a *App) apply(ctx context.Context, prev, cfg *config.Config) {
	changed, _ := config.SummarizeChange(prev, cfg)
	for _, section := range changed {
		switch section {
		case "logging":
			a.logs.Apply(mapLogConfig(cfg))
		case "router":
			rc, err := mapRouterConfig(cfg)
			if err != nil {
				a.log.Warn("router config rejected", logx.Err(err))
				continue
			}
			a.router.SetConfig(rc)
			a.warnRestart("router.backends", !sameBackends(prev, cfg))
		case "scheduler":
			sc, err := mapSchedulerConfig(cfg)
			if err != nil {
				a.log.Warn("scheduler config rejected", logx.Err(err))
				continue
			}
			a.sched.SetConfig(sc)
			if err := a.registerJobs(ctx, cfg); err != nil {
				a.log.Warn("job re-registration failed", logx.Err(err))
			}
		case "report":
			sink, err := buildSink(cfg, a.comp("report"))
			if err != nil {
				a.log.Warn("report config rejected", logx.Err(err))
				continue
			}
			a.sink.Set(sink)
		default:
			a.warnRestart(section, true)
		}
	}
}

func (a *App) warnRestart(section string, changed bool) {
	if changed {
		a.log.Warn("config change needs a restart", logx.String("section", section))
	}
}

func sameBackends(prev, cfg *config.Config) bool {
	if len(prev.Router.Backends) != len(cfg.Router.Backends) {
		return false
	}
	for i := range prev.Router.Backends {
		if prev.Router.Backends[i] != cfg.Router.Backends[i] {
			return false
		}
	}
	return true
}

// Stop shuts everything down in order. Safe to call on an app that was
// never started, and more than once.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	var errs []error
	a.stopOnce.Do(func() {
		a.log.Info("stopping", logx.String("reason", string(reason)))
		if a.sup != nil {
			if _, err := daemon.SdNotify(false, daemon.SdNotifyStopping); err != nil {
				a.log.Debug("sd_notify stopping failed", logx.Err(err))
			}
		}

		step := func(name string, limit time.Duration, fn func(context.Context) error) {
			c, cancel := context.WithTimeout(ctx, limit)
			defer cancel()
			start := time.Now()
			if err := fn(c); err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			a.log.Debug("stop step done", logx.String("name", name), logx.Duration("took", time.Since(start)))
		}

		// Running jobs get a bounded chance to finish before their context
		// is cancelled by the supervisor.
		step("scheduler", 10*time.Second, a.sched.Stop)
		if a.sup != nil {
			step("supervisor", 5*time.Second, a.sup.Stop)
		}
		step("storage", 2*time.Second, func(context.Context) error { return a.store.Close() })

		a.log.Info("stopped")
		_ = a.logs.Close()
	})
	return errors.Join(errs...)
}
