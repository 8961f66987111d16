package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"taskd/internal/eventbus"
	"taskd/internal/task"
	logx "taskd/pkg/logx"

	rtsup "taskd/internal/runtime/supervisor"
)

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus
	reg *Registry
	now func() time.Time

	q       chan queuedTask
	sup     *rtsup.Supervisor
	closing chan struct{}
	// Submit holds sendMu.RLock while sending on q; Stop takes the write
	// lock before closing q.
	sendMu   sync.RWMutex
	running  bool
	stopping bool

	inFlight  atomic.Int32
	completed atomic.Uint64
	failed    atomic.Uint64
	skipped   atomic.Uint64

	hmu     sync.Mutex
	history []HistoryItem
}

type queuedTask struct {
	task Task

	enqueuedAt time.Time
	timeout    time.Duration
	opt        TaskOptions
}

func New(cfg Config, reg *Registry, log logx.Logger, bus eventbus.Bus) *Service {
	if reg == nil {
		reg = NewRegistry()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	return &Service{
		cfg: cfg.withDefaults(),
		log: log,
		bus: bus,
		reg: reg,
		now: time.Now,
	}
}

func (s *Service) Registry() *Registry { return s.reg }

// Supervisor returns the worker supervisor (nil if not started).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Apply swaps the config. Worker or queue size changes restart the pool.
func (s *Service) Apply(ctx context.Context, cfg Config) error {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.running && !s.stopping
	s.mu.Unlock()

	if !running || (prev.Workers == cfg.Workers && prev.QueueSize == cfg.QueueSize) {
		return nil
	}
	s.log.Info("task engine resizing", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
	if err := s.Stop(ctx); err != nil {
		return err
	}
	s.Start(ctx)
	return nil
}

// Start launches the worker pool. Handler contexts are detached from ctx's
// cancellation; Stop decides when running tasks get canceled.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	cfg := s.cfg
	s.q = make(chan queuedTask, cfg.QueueSize)
	s.closing = make(chan struct{})
	s.sup = rtsup.New(context.WithoutCancel(ctx),
		rtsup.WithLogger(s.log.With(logx.String("comp", "engine"))),
		// Worker failures must not take the process down.
		rtsup.WithCancelOnError(false),
	)
	s.running = true
	s.stopping = false
	queue := s.q
	sup := s.sup
	s.mu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		idx := i
		sup.GoRestart(fmt.Sprintf("worker.%d", idx), func(c context.Context) error {
			return s.worker(c, queue, idx)
		}, rtsup.WithPublishFirstError(true))
	}
	s.log.Info("task engine started", logx.Int("workers", cfg.Workers), logx.Int("queue", cap(queue)))
}

// Stop stops accepting work and drains the queue for ShutdownGrace. After
// that, running handlers are canceled and whatever is still queued finishes
// as skipped("shutdown").
func (s *Service) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if !s.running || s.stopping {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	close(s.closing)
	q := s.q
	sup := s.sup
	grace := s.cfg.ShutdownGrace
	s.mu.Unlock()

	s.sendMu.Lock()
	close(q)
	s.sendMu.Unlock()

	drained := make(chan struct{})
	go func() {
		_ = sup.Wait(context.Background())
		close(drained)
	}()

	t := time.NewTimer(grace)
	select {
	case <-drained:
	case <-t.C:
		s.log.Warn("shutdown grace elapsed, canceling running tasks",
			logx.Duration("grace", grace), logx.Int("in_flight", int(s.inFlight.Load())), logx.Int("queued", len(q)))
		sup.Cancel()
	case <-ctx.Done():
		sup.Cancel()
	}
	t.Stop()

	select {
	case <-drained:
	case <-ctx.Done():
		s.log.Warn("task engine stop timed out", logx.Err(ctx.Err()))
		return ctx.Err()
	}

	// Workers exit early when canceled mid-restart; settle leftovers here.
	for qt := range q {
		qt.task.State.release()
		s.refuse(qt.task, task.ReasonShutdown)
	}

	s.mu.Lock()
	s.running = false
	s.stopping = false
	s.q = nil
	s.sup = nil
	s.mu.Unlock()
	s.log.Info("task engine stopped")
	return nil
}

// Submit enqueues a task, blocking while the queue is full.
//
// Every accepted or refused task produces exactly one TaskRun through
// OnDone: refusals are recorded as skipped with the matching reason and the
// error tells the caller why.
func (s *Service) Submit(ctx context.Context, t Task) error {
	if ctx == nil {
		ctx = context.Background()
	}
	t, err := s.prepare(t)
	if err != nil {
		return err
	}

	s.mu.Lock()
	cfg := s.cfg
	q := s.q
	closing := s.closing
	running := s.running
	stopping := s.stopping
	s.mu.Unlock()

	if !running {
		s.refuse(t, task.ReasonStopping)
		return ErrStopped
	}
	if stopping {
		s.refuse(t, task.ReasonStopping)
		return ErrStopping
	}

	opt := t.Opt.withDefaults(cfg)
	if !t.State.tryAcquire(opt.MaxInstances) {
		s.log.Debug("task skipped: max instances", logx.String("task", t.Name), logx.String("schedule", t.ScheduleID), logx.Int("max_instances", opt.MaxInstances))
		s.refuse(t, task.ReasonMaxInstances)
		return ErrOverlapSkip
	}

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = cfg.DefaultTimeout
	}
	qt := queuedTask{task: t, enqueuedAt: s.now(), timeout: timeout, opt: opt}

	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	select {
	case <-closing:
		t.State.release()
		s.refuse(t, task.ReasonStopping)
		return ErrStopping
	default:
	}

	var full <-chan time.Time
	if cfg.SubmitTimeout > 0 {
		tm := time.NewTimer(cfg.SubmitTimeout)
		defer tm.Stop()
		full = tm.C
	}
	select {
	case q <- qt:
		return nil
	case <-closing:
		t.State.release()
		s.refuse(t, task.ReasonStopping)
		return ErrStopping
	case <-ctx.Done():
		t.State.release()
		s.refuse(t, task.ReasonShutdown)
		return ctx.Err()
	case <-full:
		t.State.release()
		s.log.Warn("task dropped: queue full", logx.String("task", t.Name), logx.String("schedule", t.ScheduleID), logx.Int("queue_cap", cap(q)))
		s.refuse(t, task.ReasonQueueRejected)
		return ErrQueueFull
	}
}

// Execute runs t on the caller's goroutine, bypassing the queue and the
// instance gate, and returns its TaskRun.
func (s *Service) Execute(ctx context.Context, t Task) (task.TaskRun, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	t, err := s.prepare(t)
	if err != nil {
		return task.TaskRun{}, err
	}
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = cfg.DefaultTimeout
	}
	qt := queuedTask{task: t, enqueuedAt: s.now(), timeout: timeout, opt: t.Opt.withDefaults(cfg)}
	run := s.run(ctx, qt, newRand(-1))
	s.finish(qt, run)
	return run, nil
}

func (s *Service) prepare(t Task) (Task, error) {
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return t, fmt.Errorf("task Name is required")
	}
	if strings.TrimSpace(t.ID) == "" {
		t.ID = uuid.NewString()
	}
	return t, nil
}

// refuse records a task that never ran.
func (s *Service) refuse(t Task, reason string) {
	now := s.now()
	s.mu.Lock()
	instance := s.cfg.Instance
	s.mu.Unlock()
	run := task.TaskRun{
		ID:          t.ID,
		ScheduleID:  t.ScheduleID,
		TaskRef:     t.Name,
		ScheduledAt: t.ScheduledAt,
		EndTime:     now,
		Outcome:     task.Skipped(reason),
		Instance:    instance,
	}
	s.finish(queuedTask{task: t, enqueuedAt: now}, run)
}

func (s *Service) finish(qt queuedTask, run task.TaskRun) {
	switch run.Outcome.Kind {
	case task.OutcomeSuccess:
		s.completed.Add(1)
	case task.OutcomeFailure:
		s.failed.Add(1)
	default:
		s.skipped.Add(1)
	}

	item := HistoryItem{
		ID:         run.ID,
		Name:       run.TaskRef,
		ScheduleID: run.ScheduleID,
		Started:    run.StartTime,
		Duration:   run.Duration(),
		Attempts:   run.Attempts,
		Outcome:    run.Outcome,
	}
	if !run.StartTime.IsZero() && run.StartTime.After(qt.enqueuedAt) {
		item.QueueDelay = run.StartTime.Sub(qt.enqueuedAt)
	}
	s.mu.Lock()
	size := s.cfg.HistorySize
	s.mu.Unlock()
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
	s.hmu.Unlock()

	s.bus.Publish(eventbus.Event{Type: eventbus.RunFinished, Time: run.EndTime, Data: run})
	if qt.task.OnDone != nil {
		qt.task.OnDone(run)
	}
}

// InFlight returns the number of handlers currently running.
func (s *Service) InFlight() int { return int(s.inFlight.Load()) }

// QueueLen returns the number of queued tasks.
func (s *Service) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.q)
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	q := s.q
	running := s.running
	stopping := s.stopping
	s.mu.Unlock()

	s.hmu.Lock()
	h := make([]HistoryItem, len(s.history))
	copy(h, s.history)
	s.hmu.Unlock()

	return Snapshot{
		Running:        running,
		Stopping:       stopping,
		Workers:        cfg.Workers,
		QueueLen:       len(q),
		QueueCap:       cap(q),
		InFlight:       int(s.inFlight.Load()),
		Completed:      s.completed.Load(),
		Failed:         s.failed.Load(),
		Skipped:        s.skipped.Load(),
		DefaultTimeout: cfg.DefaultTimeout,
		History:        h,
	}
}
