package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"taskd/internal/eventbus"
	"taskd/internal/storage"
	"taskd/internal/task"
	"taskd/internal/task/engine"
	logx "taskd/pkg/logx"

	rtsup "taskd/internal/runtime/supervisor"
)

// Config controls the scheduler loop.
type Config struct {
	PollInterval time.Duration
	// BatchSize bounds how many due schedules one cycle handles. A full batch
	// starts the next cycle right away.
	BatchSize int

	// MisfireGrace applies to schedules without their own grace.
	MisfireGrace time.Duration
	// RetainExhausted keeps exhausted schedules (disabled) instead of deleting them.
	RetainExhausted bool

	// RunRetention > 0 prunes runs older than it every PruneEvery.
	RunRetention time.Duration
	PruneEvery   time.Duration

	// Instance identifies this scheduler in run records and logs.
	Instance string
	// Timezone is the default for triggers registered without one.
	Timezone string
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.MisfireGrace <= 0 {
		c.MisfireGrace = 30 * time.Second
	}
	if c.PruneEvery <= 0 {
		c.PruneEvery = 10 * time.Minute
	}
	if c.Instance == "" {
		c.Instance = uuid.NewString()[:8]
	}
	return c
}

// State is the loop state.
type State int

const (
	StateIdle State = iota
	StatePolling
	StateDispatching
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePolling:
		return "polling"
	case StateDispatching:
		return "dispatching"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// Executor runs claimed occurrences. *engine.Service implements it.
type Executor interface {
	Submit(ctx context.Context, t engine.Task) error
}

// Report summarizes one Tick.
type Report struct {
	Due         int
	Fired       int
	Skipped     int
	Rescheduled int
	Lost        int
	Exhausted   int
	Disabled    int
	Errors      int
	// Full is set when the batch limit was reached.
	Full     bool
	Duration time.Duration
}

type Service struct {
	mu    sync.Mutex
	cfg   Config
	state State

	log   logx.Logger
	bus   eventbus.Bus
	store storage.Store
	exec  Executor
	now   func() time.Time

	sup  *rtsup.Supervisor
	wake chan struct{}

	// Per-schedule instance gates handed to the engine.
	stateMu   sync.Mutex
	runStates map[string]*engine.RunState

	// Poll and dispatch warnings are rate limited.
	pollWarn *rate.Limiter
	warnMu   sync.Mutex
	dispWarn map[string]*rate.Limiter

	lastPoll   time.Time
	lastReport Report
	lastErr    error
	failures   int
}

// plan is the loop's decision for one due schedule.
type plan struct {
	action    string // "fire", "skip", "reschedule", "disable"
	fire      bool
	next      *time.Time
	enabled   bool
	delete    bool
	exhausted bool
	err       error
}

const (
	actionFire       = "fire"
	actionSkip       = "skip"
	actionReschedule = "reschedule"
	actionDisable    = "disable"
)

func (p plan) claim(sc task.Schedule) storage.Claim {
	c := storage.Claim{
		ID:           sc.ID,
		Version:      sc.Version,
		NextFireTime: p.next,
		Enabled:      p.enabled,
		Delete:       p.delete,
	}
	if p.fire {
		c.LastFireTime = task.TimePtr(*sc.NextFireTime)
	}
	return c
}
