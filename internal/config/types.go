package config

import (
	"encoding/json"

	"taskd/internal/task/trigger"
)

// Config is the taskd configuration file.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Executor  ExecutorConfig  `json:"executor"`
	Store     StoreConfig     `json:"store"`
	Diag      DiagConfig      `json:"diag,omitempty"`
	Tasks     TasksConfig     `json:"tasks,omitempty"`

	// Schedules are static definitions keyed by schedule id. They are upserted
	// at start and on every accepted reload; ids removed from the file are not
	// deleted from the store.
	Schedules map[string]ScheduleConfig `json:"schedules,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the poll loop.
//
// Defaults (when fields are omitted/zero):
//   - poll_interval: "1s"
//   - batch_size: 100
//   - misfire_grace: "30s"
//   - run_retention: "0s" (keep runs forever)
//   - prune_every: "10m"
//   - instance: random 8 character id
type SchedulerConfig struct {
	// Disabled runs the executor without polling (useful for a pure API node).
	Disabled bool `json:"disabled,omitempty"`

	Instance     string `json:"instance,omitempty"`
	PollInterval string `json:"poll_interval,omitempty"`
	BatchSize    int    `json:"batch_size,omitempty"`

	MisfireGrace    string `json:"misfire_grace,omitempty"`
	RetainExhausted bool   `json:"retain_exhausted,omitempty"`

	RunRetention string `json:"run_retention,omitempty"`
	PruneEvery   string `json:"prune_every,omitempty"`

	// Timezone for triggers registered without one.
	Timezone string `json:"timezone,omitempty"`
}

// ExecutorConfig controls the task execution engine.
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - queue_size: 256
//   - default_timeout: "0s" (disabled)
//   - shutdown_grace: "10s"
//   - abandon_grace: "5s"
//   - submit_timeout: "0s" (block until queued)
//   - history_size: 200
//   - retry_base: "500ms", retry_max_delay: "30s"
type ExecutorConfig struct {
	Workers   int `json:"workers,omitempty"`
	QueueSize int `json:"queue_size,omitempty"`

	DefaultTimeout string `json:"default_timeout,omitempty"`
	ShutdownGrace  string `json:"shutdown_grace,omitempty"`
	AbandonGrace   string `json:"abandon_grace,omitempty"`
	SubmitTimeout  string `json:"submit_timeout,omitempty"`

	HistorySize   int    `json:"history_size,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
}

// StoreConfig selects the schedule store.
//
// Example:
//
//	"store": { "driver": "sqlite", "path": "./taskd.db" }
type StoreConfig struct {
	Driver string `json:"driver"`
	Path   string `json:"path,omitempty"` // file, sqlite
	DSN    string `json:"dsn,omitempty"`  // postgres (do not log)
	URL    string `json:"url,omitempty"`  // redis (do not log)

	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
	KeyPrefix   string `json:"key_prefix,omitempty"`   // redis
}

// DiagConfig controls the optional diagnostics HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type DiagConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default: "127.0.0.1:6060"
	Pprof         bool   `json:"pprof,omitempty"`
	PprofPrefix   string `json:"pprof_prefix,omitempty"` // default: "/debug/pprof/"
	Token         string `json:"token,omitempty"`        // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// WriteTimeout defaults to 0 (disabled) so /debug/pprof/profile works.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// Runtime profiling rates. Leave 0 to keep Go defaults.
	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
	MemProfileRate       int `json:"mem_profile_rate,omitempty"`
}

// TasksConfig configures the built-in tasks.
type TasksConfig struct {
	Exec    ExecTaskConfig    `json:"exec,omitempty"`
	Systemd SystemdTaskConfig `json:"systemd,omitempty"`
}

type ExecTaskConfig struct {
	Enabled bool `json:"enabled"`
	// Allow lists runnable commands, as bare names resolved on PATH or
	// absolute paths. Empty allows any command.
	Allow       []string `json:"allow,omitempty"`
	Dir         string   `json:"dir,omitempty"`
	OutputLimit int      `json:"output_limit,omitempty"`
}

type SystemdTaskConfig struct {
	Enabled bool `json:"enabled"`
	// Allow lists controllable units ("nginx" means "nginx.service").
	// Empty allows any unit.
	Allow []string `json:"allow,omitempty"`
}

// ScheduleConfig is one static schedule.
//
// Trigger uses the compact forms ("*/5 * * * *", "every:55m",
// "at:2026-01-02T15:04:05Z"). Calendar is the alternative for calendar
// intervals and requires Start.
type ScheduleConfig struct {
	Task     string                    `json:"task"`
	Trigger  string                    `json:"trigger,omitempty"`
	Calendar *trigger.CalendarInterval `json:"calendar,omitempty"`

	Timezone string `json:"timezone,omitempty"`
	Start    string `json:"start,omitempty"` // RFC3339
	End      string `json:"end,omitempty"`   // RFC3339

	Payload json.RawMessage `json:"payload,omitempty"`

	Misfire      string `json:"misfire,omitempty"`
	MisfireGrace string `json:"misfire_grace,omitempty"`
	Timeout      string `json:"timeout,omitempty"`
	MaxInstances int    `json:"max_instances,omitempty"`
	RetryMax     int    `json:"retry_max,omitempty"`

	// Paused registers the schedule disabled. Clearing it again resumes the
	// schedule, unless it was paused by other means in the meantime.
	Paused bool `json:"paused,omitempty"`
}
