package config

import (
	"reflect"
	"sort"
	"strings"

	logx "taskd/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes secrets like tokens
// or DSNs), and (3) the ids of static schedules that were added, removed or
// changed.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 24)

	// Logging
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.json", newCfg.Logging.JSON),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Scheduler
	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		n := newCfg.Scheduler
		attrs = append(attrs,
			logx.Bool("scheduler.disabled", n.Disabled),
			logx.String("scheduler.instance", strings.TrimSpace(n.Instance)),
			logx.String("scheduler.poll_interval", strings.TrimSpace(n.PollInterval)),
			logx.Int("scheduler.batch_size", n.BatchSize),
			logx.String("scheduler.misfire_grace", strings.TrimSpace(n.MisfireGrace)),
			logx.String("scheduler.timezone", strings.TrimSpace(n.Timezone)),
		)
	}

	// Executor
	if !reflect.DeepEqual(oldCfg.Executor, newCfg.Executor) {
		changed = append(changed, "executor")
		n := newCfg.Executor
		attrs = append(attrs,
			logx.Int("executor.workers", n.Workers),
			logx.Int("executor.queue_size", n.QueueSize),
			logx.String("executor.default_timeout", strings.TrimSpace(n.DefaultTimeout)),
			logx.Int("executor.history_size", n.HistorySize),
		)
	}

	// Store (never log DSN or URL)
	if !reflect.DeepEqual(oldCfg.Store, newCfg.Store) {
		changed = append(changed, "store")
		n := newCfg.Store
		attrs = append(attrs,
			logx.String("store.driver", strings.TrimSpace(n.Driver)),
			logx.Bool("store.path_set", strings.TrimSpace(n.Path) != ""),
			logx.Bool("store.dsn_set", strings.TrimSpace(n.DSN) != ""),
			logx.Bool("store.url_set", strings.TrimSpace(n.URL) != ""),
		)
	}

	// Diag (never log token)
	if !reflect.DeepEqual(oldCfg.Diag, newCfg.Diag) {
		changed = append(changed, "diag")
		n := newCfg.Diag
		attrs = append(attrs,
			logx.Bool("diag.enabled", n.Enabled),
			logx.String("diag.addr", strings.TrimSpace(n.Addr)),
			logx.Bool("diag.pprof", n.Pprof),
			logx.Bool("diag.token_set", strings.TrimSpace(n.Token) != ""),
			logx.Bool("diag.allow_insecure", n.AllowInsecure),
		)
	}

	// Tasks
	if !reflect.DeepEqual(oldCfg.Tasks, newCfg.Tasks) {
		changed = append(changed, "tasks")
		attrs = append(attrs,
			logx.Bool("tasks.exec_enabled", newCfg.Tasks.Exec.Enabled),
			logx.Int("tasks.exec_allow_count", len(newCfg.Tasks.Exec.Allow)),
			logx.Bool("tasks.systemd_enabled", newCfg.Tasks.Systemd.Enabled),
		)
	}

	// Schedules (summarize only; ids are returned separately)
	schedChanged := diffSchedules(oldCfg.Schedules, newCfg.Schedules)
	if len(schedChanged) > 0 {
		changed = append(changed, "schedules")
		attrs = append(attrs,
			logx.Int("schedules.changed_count", len(schedChanged)),
			logx.Int("schedules.count", len(newCfg.Schedules)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, schedChanged
}

func diffSchedules(oldM, newM map[string]ScheduleConfig) []string {
	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for id := range set {
		o, oOK := oldM[id]
		n, nOK := newM[id]
		if oOK != nOK || !sameSchedule(o, n) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// sameSchedule compares payloads by canonical JSON so formatting-only edits
// do not count as changes.
func sameSchedule(a, b ScheduleConfig) bool {
	if canonicalHashJSON(a.Payload) != canonicalHashJSON(b.Payload) {
		return false
	}
	a.Payload, b.Payload = nil, nil
	return reflect.DeepEqual(a, b)
}
