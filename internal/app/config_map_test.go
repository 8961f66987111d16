package app

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"taskd/internal/config"
	"taskd/internal/task"
	"taskd/internal/task/engine"
	"taskd/internal/task/trigger"
)

func TestMapSchedule(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		in      config.ScheduleConfig
		kind    trigger.Kind
		wantErr string
	}{
		{"cron", config.ScheduleConfig{Task: "echo", Trigger: "*/5 * * * *"}, trigger.KindCron, ""},
		{"interval", config.ScheduleConfig{Task: "echo", Trigger: "every:90s", Misfire: "skip"}, trigger.KindInterval, ""},
		{"calendar", config.ScheduleConfig{
			Task:     "echo",
			Calendar: &trigger.CalendarInterval{Months: 1},
			Start:    "2026-01-31T09:00:00Z",
		}, trigger.KindCalendar, ""},
		{"both", config.ScheduleConfig{Task: "echo", Trigger: "every:1m", Calendar: &trigger.CalendarInterval{Days: 1}}, "", "not both"},
		{"neither", config.ScheduleConfig{Task: "echo"}, "", "required"},
		{"no task", config.ScheduleConfig{Trigger: "every:1m"}, "", "task is required"},
		{"bad misfire", config.ScheduleConfig{Task: "echo", Trigger: "every:1m", Misfire: "sometimes"}, "", "misfire"},
		{"bad timezone", config.ScheduleConfig{Task: "echo", Trigger: "every:1m", Timezone: "Mars/Base"}, "", "Mars/Base"},
		{"end before start", config.ScheduleConfig{
			Task:    "echo",
			Trigger: "every:1m",
			Start:   "2026-02-01T00:00:00Z",
			End:     "2026-01-01T00:00:00Z",
		}, "", "end"},
		{"bad timeout", config.ScheduleConfig{Task: "echo", Trigger: "every:1m", Timeout: "later"}, "", "timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s, err := mapSchedule("job", tt.in)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("err = %v, want mention of %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("map: %v", err)
			}
			if s.ID != "job" || s.TaskRef != "echo" || s.Trigger.Kind != tt.kind {
				t.Fatalf("schedule = %+v", s)
			}
		})
	}
}

func TestMapScheduleFields(t *testing.T) {
	t.Parallel()

	s, err := mapSchedule("job", config.ScheduleConfig{
		Task:         "echo",
		Trigger:      "every:1m",
		Start:        "2026-03-01T00:00:00Z",
		Payload:      json.RawMessage(`{"message":"x"}`),
		Misfire:      "reschedule",
		MisfireGrace: "2m",
		Timeout:      "30s",
		MaxInstances: 2,
		RetryMax:     3,
	})
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if s.Misfire != task.MisfireReschedule || s.MisfireGrace != 2*time.Minute || s.Timeout != 30*time.Second {
		t.Fatalf("limits = %+v", s)
	}
	if s.MaxInstances != 2 || s.RetryMax != 3 || string(s.Payload) != `{"message":"x"}` {
		t.Fatalf("schedule = %+v", s)
	}
	if s.Trigger.Start == nil || !s.Trigger.Start.Equal(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("start = %v", s.Trigger.Start)
	}
}

func TestValidateConfig(t *testing.T) {
	t.Parallel()

	reg := engine.NewRegistry()
	reg.MustRegister("echo", func(ctx context.Context, rc engine.RunContext) error { return nil })

	tests := []struct {
		name    string
		cfg     config.Config
		wantErr string
	}{
		{"defaults", config.Config{}, ""},
		{"unknown driver", config.Config{Store: config.StoreConfig{Driver: "etcd"}}, "unknown store.driver"},
		{"sqlite without path", config.Config{Store: config.StoreConfig{Driver: "sqlite"}}, "store.path"},
		{"postgres without dsn", config.Config{Store: config.StoreConfig{Driver: "postgres"}}, "store.dsn"},
		{"redis without url", config.Config{Store: config.StoreConfig{Driver: "redis"}}, "store.url"},
		{"bad poll interval", config.Config{Scheduler: config.SchedulerConfig{PollInterval: "fast"}}, "poll_interval"},
		{"bad timezone", config.Config{Scheduler: config.SchedulerConfig{Timezone: "Nowhere/City"}}, "timezone"},
		{"negative workers", config.Config{Executor: config.ExecutorConfig{Workers: -1}}, "workers"},
		{"insecure diag", config.Config{Diag: config.DiagConfig{Enabled: true, Addr: "0.0.0.0:6060"}}, "not loopback"},
		{"token diag", config.Config{Diag: config.DiagConfig{Enabled: true, Addr: "0.0.0.0:6060", Token: "x"}}, ""},
		{"unknown task", config.Config{Schedules: map[string]config.ScheduleConfig{
			"a": {Task: "missing", Trigger: "every:1m"},
		}}, "unknown task"},
		{"known task", config.Config{Schedules: map[string]config.ScheduleConfig{
			"a": {Task: "echo", Trigger: "every:1m"},
		}}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := validateConfig(&tt.cfg, reg)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestMapEngineConfig(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{Executor: config.ExecutorConfig{
		Workers:        3,
		DefaultTimeout: "5s",
		ShutdownGrace:  "2s",
		RetryBase:      "100ms",
	}}
	ec, err := mapEngineConfig(cfg, "node-1")
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if ec.Workers != 3 || ec.DefaultTimeout != 5*time.Second || ec.ShutdownGrace != 2*time.Second ||
		ec.RetryBase != 100*time.Millisecond || ec.Instance != "node-1" {
		t.Fatalf("engine config = %+v", ec)
	}
}
