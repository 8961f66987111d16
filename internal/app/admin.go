package app

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"taskd/internal/config"
	"taskd/internal/storage"
	"taskd/internal/task"
	"taskd/internal/task/scheduler"
	logx "taskd/pkg/logx"
)

// Admin binds a scheduler to the configured store without starting the
// loop or an executor. The CLI manages schedules through it, possibly while
// a daemon shares the same store.
type Admin struct {
	sched *scheduler.Service
	store storage.Store
}

func OpenAdmin(ctx context.Context, cfgPath string, log logx.Logger) (*Admin, error) {
	cfg, err := config.NewConfigManager(cfgPath).Load()
	if err != nil {
		return nil, err
	}
	stCfg, err := mapStoreConfig(cfg)
	if err != nil {
		return nil, err
	}
	schedCfg, err := mapSchedulerConfig(cfg, "admin")
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(ctx, stCfg, log)
	if err != nil {
		return nil, err
	}
	return &Admin{
		sched: scheduler.New(schedCfg, store, nil, log.With(logx.String("comp", "scheduler")), nil),
		store: store,
	}, nil
}

func (a *Admin) Scheduler() *scheduler.Service { return a.sched }

func (a *Admin) Close() error { return a.store.Close() }

// Add registers a schedule described the way the config file describes
// static schedules. An empty id gets a UUID.
func (a *Admin) Add(ctx context.Context, id string, sc config.ScheduleConfig) (task.Schedule, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		id = uuid.NewString()
	}
	s, err := mapSchedule(id, sc)
	if err != nil {
		return task.Schedule{}, err
	}
	out, err := a.sched.Add(ctx, s)
	if err != nil || !sc.Paused {
		return out, err
	}
	return a.sched.Pause(ctx, out.ID)
}
