// Package app builds the taskd component graph from a config file and owns
// its start, hot reload and shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"taskd/internal/config"
	"taskd/internal/eventbus"
	"taskd/internal/metrics"
	"taskd/internal/observability/diag"
	"taskd/internal/storage"
	"taskd/internal/task"
	"taskd/internal/task/builtin"
	"taskd/internal/task/engine"
	"taskd/internal/task/scheduler"
	logx "taskd/pkg/logx"

	rtsup "taskd/internal/runtime/supervisor"
)

// unhealthyPollFailures is the number of consecutive failed polls after
// which /healthz reports the scheduler as failing.
const unhealthyPollFailures = 3

// Options are process-level settings that do not come from the config file.
type Options struct {
	Version string
	// Register adds application handlers next to the built-in ones.
	Register func(reg *engine.Registry) error
}

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log      logx.Logger
	logs     *logx.Service
	bus      eventbus.Bus
	store    storage.Store
	reg      *engine.Registry
	instance string

	engine  *engine.Service
	sched   *scheduler.Service
	diag    *diag.Service
	metrics *metrics.Metrics

	schedOn bool
}

func New(ctx context.Context, cfgPath string, opt Options) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	return build(ctx, cfgm, cfg, opt)
}

func build(ctx context.Context, cfgm *config.ConfigManager, cfg *config.Config, opt Options) (*App, error) {
	reg := engine.NewRegistry()
	if err := builtin.Register(reg, mapBuiltinOptions(cfg)); err != nil {
		return nil, err
	}
	if opt.Register != nil {
		if err := opt.Register(reg); err != nil {
			return nil, fmt.Errorf("register tasks: %w", err)
		}
	}
	if err := validateConfig(cfg, reg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	instance := strings.TrimSpace(cfg.Scheduler.Instance)
	if instance == "" {
		instance = uuid.NewString()[:8]
	}

	stCfg, err := mapStoreConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(ctx, stCfg, log)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}

	engCfg, _ := mapEngineConfig(cfg, instance)
	schedCfg, _ := mapSchedulerConfig(cfg, instance)
	diagCfg, _ := mapDiagConfig(cfg)

	bus := eventbus.New()
	engineSvc := engine.New(engCfg, reg, log.With(logx.String("comp", "engine")), bus)
	schedSvc := scheduler.New(schedCfg, store, engineSvc, log.With(logx.String("comp", "scheduler")), bus)

	registry := metrics.NewRegistry(metrics.NewCollector(opt.Version, schedSvc.Snapshot))
	a := &App{
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		reg:      reg,
		instance: instance,
		engine:   engineSvc,
		sched:    schedSvc,
		metrics:  metrics.New(registry),
	}
	a.diag = diag.New(diagCfg, diag.Sources{
		Gatherer: registry,
		Checks: map[string]diag.Check{
			"store":     a.checkStore,
			"scheduler": a.checkScheduler,
		},
	}, log)
	return a, nil
}

func (a *App) Scheduler() *scheduler.Service { return a.sched }
func (a *App) Registry() *engine.Registry    { return a.reg }
func (a *App) Instance() string              { return a.instance }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start registers the static schedules, starts the executor, the scheduler
// loop, the diagnostics server and the config watcher.
func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateConfig(cfg, a.reg)
	})

	cfg := a.cfgm.Get()
	if err := a.putSchedules(a.sup.Context(), cfg, nil); err != nil {
		a.sup.Cancel()
		return err
	}

	a.engine.Start(a.sup.Context())
	if !cfg.Scheduler.Disabled {
		a.sched.Start(a.sup.Context())
		a.schedOn = true
	}
	a.diag.Start(a.sup.Context())

	a.sup.Go("metrics", func(c context.Context) error {
		return a.metrics.Run(c, a.bus)
	})

	// Keep this debug-level to avoid noise for frequent schedules.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Trace("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
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
				// Coalesce bursts: keep only the latest config in the channel.
				newCfg = drainLatest(sub, newCfg)
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started",
		logx.String("instance", a.instance),
		logx.String("store", storeDriver(cfg)),
		logx.Int("static_schedules", len(cfg.Schedules)),
		logx.Bool("scheduler", a.schedOn))
	return nil
}

func drainLatest(sub <-chan *config.Config, cur *config.Config) *config.Config {
	for {
		select {
		case newer, ok := <-sub:
			if !ok {
				return cur
			}
			if newer != nil {
				cur = newer
			}
		default:
			return cur
		}
	}
}

// applyConfig pushes an accepted reload into the running components.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs, schedChanged := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	for _, s := range sections {
		switch s {
		case "store":
			a.log.Warn("store config changed; restart required for changes to take effect")
		case "tasks":
			a.log.Warn("tasks config changed; restart required for changes to take effect")
		}
	}

	a.logs.Apply(mapLogConfig(newCfg))

	if engCfg, err := mapEngineConfig(newCfg, a.instance); err != nil {
		a.log.Warn("invalid executor config; keeping previous", logx.Err(err))
	} else if err := a.engine.Apply(ctx, engCfg); err != nil {
		a.log.Warn("executor reconfigure failed", logx.Err(err))
	}

	if schedCfg, err := mapSchedulerConfig(newCfg, a.instance); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		a.sched.Apply(schedCfg)
	}
	switch {
	case a.schedOn && newCfg.Scheduler.Disabled:
		a.log.Info("scheduler disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		_ = a.sched.Stop(stopCtx)
		cancel()
		a.schedOn = false
	case !a.schedOn && !newCfg.Scheduler.Disabled:
		a.log.Info("scheduler enabled via config")
		a.sched.Start(ctx)
		a.schedOn = true
	}

	if dc, err := mapDiagConfig(newCfg); err != nil {
		a.log.Warn("invalid diag config; keeping previous", logx.Err(err))
	} else {
		a.diag.Reconfigure(ctx, dc)
	}

	if len(schedChanged) > 0 {
		if err := a.putSchedules(ctx, newCfg, schedChanged); err != nil {
			a.log.Warn("static schedule update failed", logx.Err(err))
		}
	}

	a.log.Info("config reloaded", fields...)
}

// putSchedules upserts static schedules. A nil ids slice means all of them.
// Ids missing from cfg are left in the store.
func (a *App) putSchedules(ctx context.Context, cfg *config.Config, ids []string) error {
	if ids == nil {
		ids = make([]string, 0, len(cfg.Schedules))
		for id := range cfg.Schedules {
			ids = append(ids, id)
		}
	}
	var errs []error
	for _, id := range ids {
		sc, ok := cfg.Schedules[id]
		if !ok {
			a.log.Info("static schedule removed from config; keeping stored copy", logx.String("schedule", id))
			continue
		}
		s, err := mapSchedule(id, sc)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out, err := a.sched.Put(ctx, s)
		if err != nil {
			errs = append(errs, fmt.Errorf("schedule %s: %w", id, err))
			continue
		}
		switch {
		case sc.Paused:
			if _, err := a.sched.PauseBy(ctx, id, task.PausedByConfig); err != nil {
				errs = append(errs, fmt.Errorf("pause %s: %w", id, err))
			}
		case !out.Enabled && out.PausedBy == task.PausedByConfig:
			// Only undo our own pause; user pauses and loop disables stay.
			if _, err := a.sched.Resume(ctx, id); err != nil {
				errs = append(errs, fmt.Errorf("resume %s: %w", id, err))
			}
		}
	}
	return errors.Join(errs...)
}

// RunOnce runs a single poll cycle, waits for the dispatched tasks and
// shuts the app down.
func (a *App) RunOnce(ctx context.Context) (scheduler.Report, error) {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log))
	cfg := a.cfgm.Get()
	if err := a.putSchedules(ctx, cfg, nil); err != nil {
		_ = a.Stop(context.WithoutCancel(ctx), StopRunOnce)
		return scheduler.Report{}, err
	}
	a.engine.Start(ctx)
	rep, err := a.sched.Tick(ctx)
	if stopErr := a.Stop(context.WithoutCancel(ctx), StopRunOnce); err == nil {
		err = stopErr
	}
	return rep, err
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	engStop := 2 * time.Second
	if snap := a.engine.Snapshot(); snap.Running {
		engStop += a.engineGrace()
	}

	// Scheduler first so nothing new is dispatched while the executor drains.
	a.step(ctx, "scheduler", 2*time.Second, a.sched.Stop)
	a.step(ctx, "engine", engStop, a.engine.Stop)
	a.step(ctx, "diag", time.Second, func(c context.Context) error { a.diag.Stop(c); return nil })
	a.step(ctx, "store", time.Second, func(context.Context) error { return a.store.Close() })

	// Finally, wait for supervised goroutines (config watch/reload, metrics, etc.)
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	return a.logs.Close()
}

func (a *App) engineGrace() time.Duration {
	cfg, err := mapEngineConfig(a.cfgm.Get(), a.instance)
	if err != nil {
		return 0
	}
	grace := cfg.ShutdownGrace
	if grace <= 0 {
		grace = 10 * time.Second
	}
	abandon := cfg.AbandonGrace
	if abandon <= 0 {
		abandon = 5 * time.Second
	}
	return grace + abandon
}

// step runs a shutdown step with an upper bound so one component can't
// stall the whole stop.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	// respect the caller's deadline; never extend it
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		max = time.Millisecond
	}
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
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		// fn must honor stepCtx; log a leak signal when it does not.
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)))
		go func() {
			err := <-done
			took := time.Since(start)
			if err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
			} else {
				a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
			}
		}()
	}
}

func (a *App) checkStore(ctx context.Context) error {
	_, err := a.store.GetDue(ctx, time.Unix(0, 0), 1)
	return err
}

func (a *App) checkScheduler(context.Context) error {
	snap := a.sched.Snapshot()
	if snap.ConsecutiveFailures >= unhealthyPollFailures {
		return fmt.Errorf("%d consecutive poll failures: %s", snap.ConsecutiveFailures, snap.LastError)
	}
	return nil
}

func storeDriver(cfg *config.Config) string {
	if d := strings.TrimSpace(cfg.Store.Driver); d != "" {
		return d
	}
	return "memory"
}
