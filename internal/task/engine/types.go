package engine

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"taskd/internal/task"
	logx "taskd/pkg/logx"
)

// Config controls the task executor.
type Config struct {
	Workers   int
	QueueSize int

	// DefaultTimeout is used when Task.Timeout is 0. 0 means no timeout.
	DefaultTimeout time.Duration

	// ShutdownGrace is how long Stop lets in-flight and queued work drain
	// before canceling handler contexts.
	ShutdownGrace time.Duration
	// AbandonGrace is how long a canceled handler may keep running before
	// the executor stops waiting for it.
	AbandonGrace time.Duration

	// SubmitTimeout bounds how long Submit waits for queue space.
	// 0 waits until ctx is done.
	SubmitTimeout time.Duration

	HistorySize int

	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64 // 0.2 = 20%

	// Instance is stamped on every TaskRun.
	Instance string
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 10 * time.Second
	}
	if c.AbandonGrace <= 0 {
		c.AbandonGrace = 5 * time.Second
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 30 * time.Second
	}
	if c.RetryJitter <= 0 {
		c.RetryJitter = 0.2
	}
	return c
}

type TaskOptions struct {
	// MaxInstances caps concurrent runs sharing the task's RunState (0 = 1).
	MaxInstances int

	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64
}

func (o TaskOptions) withDefaults(cfg Config) TaskOptions {
	if o.MaxInstances <= 0 {
		o.MaxInstances = 1
	}
	if o.RetryMax < 0 {
		o.RetryMax = 0
	}
	if o.RetryBase <= 0 {
		o.RetryBase = cfg.RetryBase
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = cfg.RetryMaxDelay
	}
	if o.RetryJitter <= 0 {
		o.RetryJitter = cfg.RetryJitter
	}
	return o
}

// RunState counts runs of one schedule that are queued or in flight.
// Queued runs count too, so a schedule firing faster than it executes
// cannot fill the queue.
type RunState struct {
	mu       sync.Mutex
	inflight int
}

func (s *RunState) tryAcquire(limit int) bool {
	if s == nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit > 0 && s.inflight >= limit {
		return false
	}
	s.inflight++
	return true
}

func (s *RunState) release() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.inflight > 0 {
		s.inflight--
	}
	s.mu.Unlock()
}

// InFlight returns the number of queued or running instances.
func (s *RunState) InFlight() int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight
}

// RunContext is what a handler gets to know about its run.
type RunContext struct {
	RunID       string
	ScheduleID  string
	TaskRef     string
	ScheduledAt time.Time
	Attempt     int
	Payload     json.RawMessage
	Log         logx.Logger
}

// Handler executes one attempt of a task. Returning an error marks the
// attempt failed; wrap with NoRetry to stop retrying.
type Handler func(ctx context.Context, rc RunContext) error

// Task is a unit of work executed by the engine.
//
// Name is the task reference resolved against the Registry. State gates
// concurrent instances; tasks without State are never gated.
type Task struct {
	ID          string
	Name        string
	ScheduleID  string
	ScheduledAt time.Time
	Timeout     time.Duration
	Payload     json.RawMessage
	Opt         TaskOptions
	State       *RunState

	// OnDone receives the single TaskRun of this task, whatever the outcome.
	OnDone func(task.TaskRun)
}

type HistoryItem struct {
	ID         string
	Name       string
	ScheduleID string
	Started    time.Time
	QueueDelay time.Duration
	Duration   time.Duration
	Attempts   int
	Outcome    task.Outcome
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Running  bool
	Stopping bool
	Workers  int
	QueueLen int
	QueueCap int
	InFlight int

	Completed uint64
	Failed    uint64
	Skipped   uint64

	DefaultTimeout time.Duration

	History []HistoryItem
}
