package app

import (
	"fmt"
	"strings"
	"time"

	"taskd/internal/config"
	"taskd/internal/observability/diag"
	"taskd/internal/storage"
	"taskd/internal/task"
	"taskd/internal/task/builtin"
	"taskd/internal/task/engine"
	"taskd/internal/task/scheduler"
	"taskd/internal/task/trigger"
	logx "taskd/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStoreConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Store
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	out := storage.Config{
		Driver:    driver,
		Path:      strings.TrimSpace(sc.Path),
		DSN:       strings.TrimSpace(sc.DSN),
		URL:       strings.TrimSpace(sc.URL),
		KeyPrefix: strings.TrimSpace(sc.KeyPrefix),
	}
	switch driver {
	case "", "memory", "mem":
	case "file":
		if out.Path == "" {
			return storage.Config{}, fmt.Errorf("store.path is required when store.driver=file")
		}
	case "sqlite", "sqlite3":
		if out.Path == "" {
			return storage.Config{}, fmt.Errorf("store.path is required when store.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("store.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		out.BusyTimeout = busy
	case "postgres", "postgresql", "pgx":
		if out.DSN == "" {
			return storage.Config{}, fmt.Errorf("store.dsn is required when store.driver=postgres")
		}
	case "redis":
		if out.URL == "" {
			return storage.Config{}, fmt.Errorf("store.url is required when store.driver=redis")
		}
	default:
		return storage.Config{}, fmt.Errorf("unknown store.driver: %s (want one of %s)", sc.Driver, strings.Join(storage.Drivers(), ", "))
	}
	return out, nil
}

func mapEngineConfig(cfg *config.Config, instance string) (engine.Config, error) {
	ec := cfg.Executor
	if ec.Workers < 0 {
		return engine.Config{}, fmt.Errorf("executor.workers must be >= 0")
	}
	if ec.QueueSize < 0 {
		return engine.Config{}, fmt.Errorf("executor.queue_size must be >= 0")
	}
	if ec.HistorySize < 0 {
		return engine.Config{}, fmt.Errorf("executor.history_size must be >= 0")
	}

	out := engine.Config{
		Workers:     ec.Workers,
		QueueSize:   ec.QueueSize,
		HistorySize: ec.HistorySize,
		Instance:    instance,
	}
	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"executor.default_timeout", ec.DefaultTimeout, &out.DefaultTimeout},
		{"executor.shutdown_grace", ec.ShutdownGrace, &out.ShutdownGrace},
		{"executor.abandon_grace", ec.AbandonGrace, &out.AbandonGrace},
		{"executor.submit_timeout", ec.SubmitTimeout, &out.SubmitTimeout},
		{"executor.retry_base", ec.RetryBase, &out.RetryBase},
		{"executor.retry_max_delay", ec.RetryMaxDelay, &out.RetryMaxDelay},
	}
	for _, d := range durations {
		v, err := config.ParseDurationField(d.key, d.raw)
		if err != nil {
			return engine.Config{}, err
		}
		*d.dst = v
	}
	return out, nil
}

func mapSchedulerConfig(cfg *config.Config, instance string) (scheduler.Config, error) {
	sc := cfg.Scheduler
	if sc.BatchSize < 0 {
		return scheduler.Config{}, fmt.Errorf("scheduler.batch_size must be >= 0")
	}
	if tz := strings.TrimSpace(sc.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return scheduler.Config{}, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}

	out := scheduler.Config{
		BatchSize:       sc.BatchSize,
		RetainExhausted: sc.RetainExhausted,
		Instance:        instance,
		Timezone:        strings.TrimSpace(sc.Timezone),
	}
	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"scheduler.poll_interval", sc.PollInterval, &out.PollInterval},
		{"scheduler.misfire_grace", sc.MisfireGrace, &out.MisfireGrace},
		{"scheduler.run_retention", sc.RunRetention, &out.RunRetention},
		{"scheduler.prune_every", sc.PruneEvery, &out.PruneEvery},
	}
	for _, d := range durations {
		v, err := config.ParseDurationField(d.key, d.raw)
		if err != nil {
			return scheduler.Config{}, err
		}
		*d.dst = v
	}
	return out, nil
}

func mapDiagConfig(cfg *config.Config) (diag.Config, error) {
	dc := cfg.Diag
	out := diag.Config{
		Enabled:              dc.Enabled,
		Addr:                 strings.TrimSpace(dc.Addr),
		Pprof:                dc.Pprof,
		PprofPrefix:          strings.TrimSpace(dc.PprofPrefix),
		Token:                strings.TrimSpace(dc.Token),
		AllowInsecure:        dc.AllowInsecure,
		MutexProfileFraction: dc.MutexProfileFraction,
		BlockProfileRate:     dc.BlockProfileRate,
		MemProfileRate:       dc.MemProfileRate,
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("diag.read_timeout", dc.ReadTimeout, 5*time.Second); err != nil {
		return diag.Config{}, err
	}
	if out.WriteTimeout, err = config.ParseDurationField("diag.write_timeout", dc.WriteTimeout); err != nil {
		return diag.Config{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("diag.idle_timeout", dc.IdleTimeout, 60*time.Second); err != nil {
		return diag.Config{}, err
	}
	if out.Enabled && out.Addr != "" && !out.AllowInsecure && out.Token == "" && !diag.IsLoopbackAddr(out.Addr) {
		return diag.Config{}, fmt.Errorf("diag.addr %q is not loopback; set diag.token or diag.allow_insecure", out.Addr)
	}
	return out, nil
}

func mapBuiltinOptions(cfg *config.Config) builtin.Options {
	ec := cfg.Tasks.Exec
	sc := cfg.Tasks.Systemd
	return builtin.Options{
		Exec: builtin.ExecOptions{
			Enabled:     ec.Enabled,
			Allow:       append([]string(nil), ec.Allow...),
			Dir:         strings.TrimSpace(ec.Dir),
			OutputLimit: ec.OutputLimit,
		},
		Systemd: builtin.SystemdOptions{
			Enabled: sc.Enabled,
			Allow:   append([]string(nil), sc.Allow...),
		},
	}
}

// mapSchedule converts a static schedule definition. The scheduler fills
// the default timezone and computes the first fire time.
func mapSchedule(id string, sc config.ScheduleConfig) (task.Schedule, error) {
	key := "schedules." + id
	if strings.TrimSpace(id) == "" {
		return task.Schedule{}, fmt.Errorf("schedules: empty id")
	}
	if strings.TrimSpace(sc.Task) == "" {
		return task.Schedule{}, fmt.Errorf("%s.task is required", key)
	}

	var spec trigger.Spec
	raw := strings.TrimSpace(sc.Trigger)
	switch {
	case raw != "" && sc.Calendar != nil:
		return task.Schedule{}, fmt.Errorf("%s: set either trigger or calendar, not both", key)
	case sc.Calendar != nil:
		cal := *sc.Calendar
		spec = trigger.Spec{Kind: trigger.KindCalendar, Calendar: &cal}
	case raw != "":
		s, err := trigger.Parse(raw)
		if err != nil {
			return task.Schedule{}, fmt.Errorf("%s.trigger: %w", key, err)
		}
		spec = s
	default:
		return task.Schedule{}, fmt.Errorf("%s: trigger or calendar is required", key)
	}

	if tz := strings.TrimSpace(sc.Timezone); tz != "" {
		spec.Timezone = tz
	}
	start, err := config.ParseTimeField(key+".start", sc.Start)
	if err != nil {
		return task.Schedule{}, err
	}
	if start != nil {
		spec.Start = start
	}
	end, err := config.ParseTimeField(key+".end", sc.End)
	if err != nil {
		return task.Schedule{}, err
	}
	if end != nil {
		spec.End = end
	}
	if err := trigger.Validate(spec); err != nil {
		return task.Schedule{}, fmt.Errorf("%s: %w", key, err)
	}

	pol, ok := task.ParseMisfirePolicy(sc.Misfire)
	if !ok {
		return task.Schedule{}, fmt.Errorf("%s.misfire: unknown policy %q", key, sc.Misfire)
	}
	grace, err := config.ParseDurationField(key+".misfire_grace", sc.MisfireGrace)
	if err != nil {
		return task.Schedule{}, err
	}
	timeout, err := config.ParseDurationField(key+".timeout", sc.Timeout)
	if err != nil {
		return task.Schedule{}, err
	}
	if sc.MaxInstances < 0 || sc.RetryMax < 0 {
		return task.Schedule{}, fmt.Errorf("%s: max_instances and retry_max must be >= 0", key)
	}

	return task.Schedule{
		ID:           id,
		TaskRef:      strings.TrimSpace(sc.Task),
		Trigger:      spec,
		Payload:      sc.Payload,
		Misfire:      pol,
		MisfireGrace: grace,
		Timeout:      timeout,
		MaxInstances: sc.MaxInstances,
		RetryMax:     sc.RetryMax,
	}, nil
}

// validateConfig runs every mapping so a bad reload is rejected before it
// is committed.
func validateConfig(cfg *config.Config, reg *engine.Registry) error {
	if _, err := mapStoreConfig(cfg); err != nil {
		return err
	}
	if _, err := mapEngineConfig(cfg, ""); err != nil {
		return err
	}
	if _, err := mapSchedulerConfig(cfg, ""); err != nil {
		return err
	}
	if _, err := mapDiagConfig(cfg); err != nil {
		return err
	}
	if cfg.Tasks.Exec.OutputLimit < 0 {
		return fmt.Errorf("tasks.exec.output_limit must be >= 0")
	}
	for id, sc := range cfg.Schedules {
		s, err := mapSchedule(id, sc)
		if err != nil {
			return err
		}
		if reg == nil {
			continue
		}
		if _, ok := reg.Lookup(s.TaskRef); !ok {
			return fmt.Errorf("schedules.%s.task: unknown task %q", id, s.TaskRef)
		}
	}
	return nil
}
