package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"taskd/internal/storage"
	"taskd/internal/task"
	"taskd/internal/task/engine"
	"taskd/internal/task/trigger"
	logx "taskd/pkg/logx"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

// fakeExec completes every task immediately, or refuses with err.
type fakeExec struct {
	mu    sync.Mutex
	tasks []engine.Task
	err   error
}

func (f *fakeExec) Submit(_ context.Context, t engine.Task) error {
	f.mu.Lock()
	f.tasks = append(f.tasks, t)
	err := f.err
	f.mu.Unlock()

	run := task.TaskRun{
		ID:          uuid.NewString(),
		ScheduleID:  t.ScheduleID,
		TaskRef:     t.Name,
		ScheduledAt: t.ScheduledAt,
		StartTime:   t.ScheduledAt,
		EndTime:     t.ScheduledAt.Add(time.Second),
		Outcome:     task.Success(),
		Attempts:    1,
	}
	if err != nil {
		run.StartTime = time.Time{}
		run.Outcome = task.Skipped(task.ReasonStopping)
		run.Attempts = 0
	}
	if t.OnDone != nil {
		t.OnDone(run)
	}
	return err
}

func (f *fakeExec) Tasks() []engine.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]engine.Task(nil), f.tasks...)
}

func newTestScheduler(t *testing.T, store storage.Store, exec Executor, cfg Config, clk *fakeClock) *Service {
	t.Helper()
	if cfg.Instance == "" {
		cfg.Instance = "test"
	}
	s := New(cfg, store, exec, logx.Nop(), nil)
	s.now = clk.Now
	return s
}

func mustAdd(t *testing.T, s *Service, sc task.Schedule) task.Schedule {
	t.Helper()
	out, err := s.Add(context.Background(), sc)
	if err != nil {
		t.Fatalf("Add(%s): %v", sc.ID, err)
	}
	return out
}

func mustGet(t *testing.T, store storage.Store, id string) task.Schedule {
	t.Helper()
	sc, err := store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get(%s): %v", id, err)
	}
	return sc
}

func mustTick(t *testing.T, s *Service) Report {
	t.Helper()
	rep, err := s.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	return rep
}

func TestAddComputesFirstFireTime(t *testing.T) {
	t.Parallel()
	clk := &fakeClock{t: t0}
	store := storage.NewMemory()
	s := newTestScheduler(t, store, &fakeExec{}, Config{}, clk)

	sc := mustAdd(t, s, task.Schedule{TaskRef: "echo", Trigger: trigger.Interval(time.Minute)})
	if sc.ID == "" || !sc.Enabled || sc.Version == 0 {
		t.Fatalf("added = %+v", sc)
	}
	if sc.NextFireTime == nil || !sc.NextFireTime.Equal(t0.Add(time.Minute)) {
		t.Fatalf("next = %v, want %v", sc.NextFireTime, t0.Add(time.Minute))
	}
	if sc.Misfire != task.MisfireFireImmediately {
		t.Fatalf("misfire default = %q", sc.Misfire)
	}
}

func TestAddRejects(t *testing.T) {
	t.Parallel()
	clk := &fakeClock{t: t0}
	s := newTestScheduler(t, storage.NewMemory(), &fakeExec{}, Config{}, clk)
	mustAdd(t, s, task.Schedule{ID: "taken", TaskRef: "echo", Trigger: trigger.Interval(time.Minute)})

	tests := []struct {
		name string
		sc   task.Schedule
		want error
	}{
		{name: "bad cron", sc: task.Schedule{TaskRef: "echo", Trigger: trigger.Cron("not a cron")}, want: task.ErrInvalidExpression},
		{name: "short interval", sc: task.Schedule{TaskRef: "echo", Trigger: trigger.Interval(time.Millisecond)}, want: task.ErrInvalidExpression},
		{name: "missing task", sc: task.Schedule{Trigger: trigger.Interval(time.Minute)}, want: task.ErrInvalidSchedule},
		{name: "bad misfire", sc: task.Schedule{TaskRef: "echo", Trigger: trigger.Interval(time.Minute), Misfire: "later"}, want: task.ErrInvalidSchedule},
		{name: "past one shot", sc: task.Schedule{TaskRef: "echo", Trigger: trigger.OneShot(t0.Add(-time.Hour))}, want: task.ErrInvalidSchedule},
		{name: "duplicate", sc: task.Schedule{ID: "taken", TaskRef: "echo", Trigger: trigger.Interval(time.Minute)}, want: task.ErrScheduleExists},
	}
	for _, tt := range tests {
		if _, err := s.Add(context.Background(), tt.sc); !errors.Is(err, tt.want) {
			t.Fatalf("%s: err = %v, want %v", tt.name, err, tt.want)
		}
	}
}

func TestTickFiresOnTime(t *testing.T) {
	t.Parallel()
	clk := &fakeClock{t: t0}
	store := storage.NewMemory()
	exec := &fakeExec{}
	s := newTestScheduler(t, store, exec, Config{}, clk)
	sc := mustAdd(t, s, task.Schedule{ID: "tick", TaskRef: "echo", Trigger: trigger.Interval(time.Minute), Payload: []byte(`"hi"`)})
	due := *sc.NextFireTime

	clk.Set(due.Add(time.Second))
	rep := mustTick(t, s)
	if rep.Due != 1 || rep.Fired != 1 {
		t.Fatalf("report = %+v", rep)
	}
	tasks := exec.Tasks()
	if len(tasks) != 1 || !tasks[0].ScheduledAt.Equal(due) || tasks[0].Name != "echo" || string(tasks[0].Payload) != `"hi"` {
		t.Fatalf("tasks = %+v", tasks)
	}

	got := mustGet(t, store, "tick")
	if !got.NextFireTime.Equal(due.Add(time.Minute)) {
		t.Fatalf("next = %v, want %v", got.NextFireTime, due.Add(time.Minute))
	}
	if got.LastFireTime == nil || !got.LastFireTime.Equal(due) {
		t.Fatalf("last = %v, want %v", got.LastFireTime, due)
	}
	runs, err := s.Runs(context.Background(), storage.RunFilter{ScheduleID: "tick"})
	if err != nil || len(runs) != 1 || runs[0].Instance != "test" {
		t.Fatalf("runs = %+v err=%v", runs, err)
	}

	// Not due again until the next minute.
	if rep := mustTick(t, s); rep.Due != 0 {
		t.Fatalf("second tick report = %+v", rep)
	}
}

func TestMisfireSkip(t *testing.T) {
	t.Parallel()
	clk := &fakeClock{t: t0}
	store := storage.NewMemory()
	exec := &fakeExec{}
	s := newTestScheduler(t, store, exec, Config{}, clk)

	sc := mustAdd(t, s, task.Schedule{ID: "hourly", TaskRef: "echo", Trigger: trigger.Interval(time.Hour), Misfire: task.MisfireSkip, MisfireGrace: 5 * time.Minute})
	due := *sc.NextFireTime
	clk.Set(due.Add(10 * time.Minute))

	rep := mustTick(t, s)
	if rep.Skipped != 1 || rep.Fired != 0 {
		t.Fatalf("report = %+v", rep)
	}
	if n := len(exec.Tasks()); n != 0 {
		t.Fatalf("dispatched %d tasks, want 0", n)
	}
	got := mustGet(t, store, "hourly")
	if !got.NextFireTime.After(due) || !got.NextFireTime.Equal(due.Add(time.Hour)) {
		t.Fatalf("next = %v, want %v", got.NextFireTime, due.Add(time.Hour))
	}
	runs, _ := s.Runs(context.Background(), storage.RunFilter{ScheduleID: "hourly"})
	if len(runs) != 0 {
		t.Fatalf("runs = %+v, want none", runs)
	}
}

func TestMisfireSkipKeepsOccurrencesWithinGrace(t *testing.T) {
	t.Parallel()
	clk := &fakeClock{t: t0}
	store := storage.NewMemory()
	exec := &fakeExec{}
	s := newTestScheduler(t, store, exec, Config{}, clk)

	sc := mustAdd(t, s, task.Schedule{ID: "minutely", TaskRef: "echo", Trigger: trigger.Interval(time.Minute), Misfire: task.MisfireSkip, MisfireGrace: 5 * time.Minute})
	due := *sc.NextFireTime
	clk.Set(due.Add(10 * time.Minute))

	mustTick(t, s)
	got := mustGet(t, store, "minutely")
	if want := due.Add(6 * time.Minute); !got.NextFireTime.Equal(want) {
		t.Fatalf("next = %v, want %v", got.NextFireTime, want)
	}
	// That occurrence is 4 minutes late, inside the grace: it fires.
	rep := mustTick(t, s)
	if rep.Fired != 1 {
		t.Fatalf("report = %+v", rep)
	}
	if tasks := exec.Tasks(); len(tasks) != 1 || !tasks[0].ScheduledAt.Equal(due.Add(6*time.Minute)) {
		t.Fatalf("tasks = %+v", tasks)
	}
}

func TestMisfireFireImmediatelyCoalesces(t *testing.T) {
	t.Parallel()
	clk := &fakeClock{t: t0}
	store := storage.NewMemory()
	exec := &fakeExec{}
	s := newTestScheduler(t, store, exec, Config{MisfireGrace: 30 * time.Second}, clk)

	sc := mustAdd(t, s, task.Schedule{ID: "coalesce", TaskRef: "echo", Trigger: trigger.Interval(time.Minute)})
	due := *sc.NextFireTime
	clk.Set(due.Add(10*time.Minute + 30*time.Second))

	rep := mustTick(t, s)
	if rep.Fired != 1 {
		t.Fatalf("report = %+v", rep)
	}
	if n := len(exec.Tasks()); n != 1 {
		t.Fatalf("dispatched %d, want a single coalesced run", n)
	}
	got := mustGet(t, store, "coalesce")
	if want := due.Add(11 * time.Minute); !got.NextFireTime.Equal(want) {
		t.Fatalf("next = %v, want %v", got.NextFireTime, want)
	}
}

func TestMisfireReschedule(t *testing.T) {
	t.Parallel()
	clk := &fakeClock{t: t0}
	store := storage.NewMemory()
	exec := &fakeExec{}
	s := newTestScheduler(t, store, exec, Config{}, clk)

	sc := mustAdd(t, s, task.Schedule{ID: "cron", TaskRef: "echo", Trigger: trigger.Cron("0 * * * *"), Misfire: task.MisfireReschedule})
	due := *sc.NextFireTime
	if !due.Equal(t0.Add(time.Hour)) {
		t.Fatalf("first fire = %v", due)
	}
	clk.Set(due.Add(3*time.Hour + 10*time.Minute))

	rep := mustTick(t, s)
	if rep.Rescheduled != 1 || rep.Fired != 0 || len(exec.Tasks()) != 0 {
		t.Fatalf("report = %+v tasks=%d", rep, len(exec.Tasks()))
	}
	got := mustGet(t, store, "cron")
	if want := due.Add(4 * time.Hour); !got.NextFireTime.Equal(want) {
		t.Fatalf("next = %v, want %v", got.NextFireTime, want)
	}
}

func TestOneShotExhausted(t *testing.T) {
	t.Parallel()
	for _, retain := range []bool{false, true} {
		clk := &fakeClock{t: t0}
		store := storage.NewMemory()
		exec := &fakeExec{}
		s := newTestScheduler(t, store, exec, Config{RetainExhausted: retain}, clk)
		mustAdd(t, s, task.Schedule{ID: "once", TaskRef: "echo", Trigger: trigger.OneShot(t0.Add(time.Minute))})

		clk.Set(t0.Add(time.Minute))
		rep := mustTick(t, s)
		if rep.Fired != 1 || rep.Exhausted != 1 {
			t.Fatalf("retain=%v: report = %+v", retain, rep)
		}
		got, err := store.Get(context.Background(), "once")
		if !retain {
			if !errors.Is(err, task.ErrNotFound) {
				t.Fatalf("exhausted schedule still stored: %+v err=%v", got, err)
			}
			continue
		}
		if err != nil || got.Enabled || got.NextFireTime != nil {
			t.Fatalf("retained = %+v err=%v", got, err)
		}
	}
}

func TestTriggerErrorDisablesSchedule(t *testing.T) {
	t.Parallel()
	clk := &fakeClock{t: t0}
	store := storage.NewMemory()
	exec := &fakeExec{}
	s := newTestScheduler(t, store, exec, Config{}, clk)

	// Written behind the scheduler's back, so it skipped validation.
	due := t0.Add(-time.Second)
	if _, err := store.Upsert(context.Background(), task.Schedule{ID: "broken", TaskRef: "echo", Trigger: trigger.Cron("61 * * * *"), Enabled: true, NextFireTime: &due}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	mustAdd(t, s, task.Schedule{ID: "healthy", TaskRef: "echo", Trigger: trigger.Interval(time.Second)})
	clk.Set(t0.Add(time.Second))

	rep := mustTick(t, s)
	if rep.Disabled != 1 || rep.Fired != 1 {
		t.Fatalf("report = %+v", rep)
	}
	got := mustGet(t, store, "broken")
	if got.Enabled || got.NextFireTime != nil {
		t.Fatalf("broken = %+v", got)
	}
	if tasks := exec.Tasks(); len(tasks) != 1 || tasks[0].ScheduleID != "healthy" {
		t.Fatalf("tasks = %+v", tasks)
	}
}

func TestTwoSchedulersShareStore(t *testing.T) {
	t.Parallel()
	clk := &fakeClock{t: t0}
	store := storage.NewMemory()
	execA, execB := &fakeExec{}, &fakeExec{}
	a := newTestScheduler(t, store, execA, Config{Instance: "a"}, clk)
	b := newTestScheduler(t, store, execB, Config{Instance: "b"}, clk)

	const rounds = 25
	for i := 0; i < rounds; i++ {
		mustAdd(t, a, task.Schedule{TaskRef: "echo", Trigger: trigger.OneShot(clk.Now().Add(time.Minute))})
		clk.Set(clk.Now().Add(time.Minute))

		var wg sync.WaitGroup
		for _, s := range []*Service{a, b} {
			wg.Add(1)
			go func(s *Service) {
				defer wg.Done()
				if _, err := s.Tick(context.Background()); err != nil {
					t.Errorf("Tick: %v", err)
				}
			}(s)
		}
		wg.Wait()

		if got := len(execA.Tasks()) + len(execB.Tasks()); got != i+1 {
			t.Fatalf("round %d: %d executions, want %d", i, got, i+1)
		}
	}
	runs, err := store.ListRuns(context.Background(), storage.RunFilter{})
	if err != nil || len(runs) != rounds {
		t.Fatalf("runs = %d err=%v, want %d", len(runs), err, rounds)
	}
}

func TestRemoveExcludesFromDue(t *testing.T) {
	t.Parallel()
	clk := &fakeClock{t: t0}
	store := storage.NewMemory()
	exec := &fakeExec{}
	s := newTestScheduler(t, store, exec, Config{}, clk)
	mustAdd(t, s, task.Schedule{ID: "gone", TaskRef: "echo", Trigger: trigger.Interval(time.Minute)})

	if err := s.Remove(context.Background(), "gone"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := s.Remove(context.Background(), "gone"); !errors.Is(err, task.ErrNotFound) {
		t.Fatalf("second Remove err = %v", err)
	}
	clk.Set(t0.Add(time.Hour))
	if rep := mustTick(t, s); rep.Due != 0 || len(exec.Tasks()) != 0 {
		t.Fatalf("report = %+v", rep)
	}
}

func TestPauseResume(t *testing.T) {
	t.Parallel()
	clk := &fakeClock{t: t0}
	store := storage.NewMemory()
	exec := &fakeExec{}
	s := newTestScheduler(t, store, exec, Config{}, clk)
	mustAdd(t, s, task.Schedule{ID: "p", TaskRef: "echo", Trigger: trigger.Interval(time.Minute)})

	paused, err := s.Pause(context.Background(), "p")
	if err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if paused.Enabled || paused.NextFireTime != nil {
		t.Fatalf("paused = %+v", paused)
	}
	clk.Set(t0.Add(time.Hour))
	if rep := mustTick(t, s); rep.Due != 0 {
		t.Fatalf("paused schedule fired: %+v", rep)
	}

	resumed, err := s.Resume(context.Background(), "p")
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if !resumed.Enabled || !resumed.NextFireTime.Equal(t0.Add(time.Hour+time.Minute)) {
		t.Fatalf("resumed = %+v", resumed)
	}
	if _, err := s.Pause(context.Background(), "missing"); !errors.Is(err, task.ErrNotFound) {
		t.Fatalf("Pause missing err = %v", err)
	}
}

func TestUpdateKeepsPhaseUnlessTriggerChanges(t *testing.T) {
	t.Parallel()
	clk := &fakeClock{t: t0}
	store := storage.NewMemory()
	s := newTestScheduler(t, store, &fakeExec{}, Config{}, clk)
	orig := mustAdd(t, s, task.Schedule{ID: "u", TaskRef: "echo", Trigger: trigger.Interval(time.Hour)})

	clk.Set(t0.Add(10 * time.Minute))
	same, err := s.Update(context.Background(), task.Schedule{ID: "u", TaskRef: "echo", Trigger: trigger.Interval(time.Hour), Payload: []byte(`1`)})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if !same.NextFireTime.Equal(*orig.NextFireTime) || string(same.Payload) != "1" || same.Version <= orig.Version {
		t.Fatalf("updated = %+v", same)
	}

	changed, err := s.Update(context.Background(), task.Schedule{ID: "u", TaskRef: "echo", Trigger: trigger.Interval(2 * time.Hour)})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if want := t0.Add(10*time.Minute + 2*time.Hour); !changed.NextFireTime.Equal(want) {
		t.Fatalf("next = %v, want %v", changed.NextFireTime, want)
	}
	if _, err := s.Update(context.Background(), task.Schedule{ID: "nope", TaskRef: "echo", Trigger: trigger.Interval(time.Hour)}); !errors.Is(err, task.ErrNotFound) {
		t.Fatalf("Update missing err = %v", err)
	}
	if _, err := s.Put(context.Background(), task.Schedule{ID: "nope", TaskRef: "echo", Trigger: trigger.Interval(time.Hour)}); err != nil {
		t.Fatalf("Put: %v", err)
	}
}

func TestFullBatchReported(t *testing.T) {
	t.Parallel()
	clk := &fakeClock{t: t0}
	store := storage.NewMemory()
	exec := &fakeExec{}
	s := newTestScheduler(t, store, exec, Config{BatchSize: 2}, clk)
	for _, id := range []string{"a", "b", "c"} {
		mustAdd(t, s, task.Schedule{ID: id, TaskRef: "echo", Trigger: trigger.Interval(time.Minute)})
	}
	clk.Set(t0.Add(time.Minute))

	if rep := mustTick(t, s); !rep.Full || rep.Fired != 2 {
		t.Fatalf("first report = %+v", rep)
	}
	if rep := mustTick(t, s); rep.Full || rep.Fired != 1 {
		t.Fatalf("second report = %+v", rep)
	}
}

func TestRefusedDispatchIsRecorded(t *testing.T) {
	t.Parallel()
	clk := &fakeClock{t: t0}
	store := storage.NewMemory()
	exec := &fakeExec{err: engine.ErrStopping}
	s := newTestScheduler(t, store, exec, Config{}, clk)
	mustAdd(t, s, task.Schedule{ID: "r", TaskRef: "echo", Trigger: trigger.Interval(time.Minute)})
	clk.Set(t0.Add(time.Minute))

	mustTick(t, s)
	runs, err := s.Runs(context.Background(), storage.RunFilter{ScheduleID: "r"})
	if err != nil || len(runs) != 1 || runs[0].Outcome != task.Skipped(task.ReasonStopping) {
		t.Fatalf("runs = %+v err=%v", runs, err)
	}
}

func TestPlanOccurrence(t *testing.T) {
	t.Parallel()
	due := t0
	cfg := Config{MisfireGrace: time.Minute}
	tests := []struct {
		name   string
		policy task.MisfirePolicy
		late   time.Duration
		action string
		fire   bool
		next   time.Time
	}{
		{name: "on time", policy: task.MisfireSkip, late: 0, action: actionFire, fire: true, next: due.Add(10 * time.Minute)},
		{name: "within grace", policy: task.MisfireReschedule, late: time.Minute, action: actionFire, fire: true, next: due.Add(10 * time.Minute)},
		{name: "fire immediately", policy: task.MisfireFireImmediately, late: 25 * time.Minute, action: actionFire, fire: true, next: due.Add(30 * time.Minute)},
		{name: "skip", policy: task.MisfireSkip, late: 25 * time.Minute, action: actionSkip, next: due.Add(30 * time.Minute)},
		{name: "skip keeps graced", policy: task.MisfireSkip, late: 20*time.Minute + 30*time.Second, action: actionSkip, next: due.Add(20 * time.Minute)},
		{name: "reschedule", policy: task.MisfireReschedule, late: 20 * time.Minute, action: actionReschedule, next: due.Add(30 * time.Minute)},
	}
	for _, tt := range tests {
		sc := task.Schedule{ID: "x", Trigger: trigger.Interval(10 * time.Minute), Misfire: tt.policy, NextFireTime: task.TimePtr(due), Enabled: true}
		p := planOccurrence(cfg, sc, due.Add(tt.late))
		if p.action != tt.action || p.fire != tt.fire || p.next == nil || !p.next.Equal(tt.next) || !p.enabled {
			t.Fatalf("%s: plan = %+v, want action=%s fire=%v next=%v", tt.name, p, tt.action, tt.fire, tt.next)
		}
	}
}

func TestLoopRunsWithEngine(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	reg := engine.NewRegistry()
	done := make(chan struct{}, 1)
	reg.MustRegister("ping", func(context.Context, engine.RunContext) error {
		done <- struct{}{}
		return nil
	})
	eng := engine.New(engine.Config{Workers: 1}, reg, logx.Nop(), nil)
	eng.Start(context.Background())
	s := New(Config{PollInterval: 10 * time.Millisecond, Instance: "loop"}, store, eng, logx.Nop(), nil)
	s.Start(context.Background())

	if _, err := s.Add(context.Background(), task.Schedule{ID: "soon", TaskRef: "ping", Trigger: trigger.OneShot(time.Now().Add(50 * time.Millisecond))}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("task never ran")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("scheduler Stop: %v", err)
	}
	if err := eng.Stop(ctx); err != nil {
		t.Fatalf("engine Stop: %v", err)
	}
	if st := s.State(); st != StateStopped {
		t.Fatalf("state = %v", st)
	}
	runs, err := store.ListRuns(context.Background(), storage.RunFilter{ScheduleID: "soon"})
	if err != nil || len(runs) != 1 || runs[0].Outcome.Kind != task.OutcomeSuccess || runs[0].Instance != "loop" {
		t.Fatalf("runs = %+v err=%v", runs, err)
	}
	if snap := s.Snapshot(); snap.Executor == nil || snap.Instance != "loop" {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestPollBackoff(t *testing.T) {
	t.Parallel()
	cases := []struct {
		failures int
		base     time.Duration
		want     time.Duration
	}{
		{1, time.Second, time.Second},
		{2, time.Second, 2 * time.Second},
		{4, time.Second, 8 * time.Second},
		{0, 0, time.Second},
	}
	for _, tc := range cases {
		got := pollBackoff(tc.failures, tc.base)
		lo := time.Duration(float64(tc.want) * 0.8)
		hi := time.Duration(float64(tc.want) * 1.2)
		if got < lo || got > hi {
			t.Fatalf("pollBackoff(%d, %s) = %s, want within [%s, %s]", tc.failures, tc.base, got, lo, hi)
		}
	}
	if got := pollBackoff(50, time.Second); got > maxPollBackoff {
		t.Fatalf("pollBackoff not capped: %s", got)
	}
}

func TestStartupSpread(t *testing.T) {
	t.Parallel()
	if got := startupSpread("a", 0); got != 0 {
		t.Fatalf("spread with zero interval = %s", got)
	}
	for i := 0; i < 20; i++ {
		if got := startupSpread("a", time.Hour); got < 0 || got >= maxStartupSpread {
			t.Fatalf("spread = %s, want [0, %s)", got, maxStartupSpread)
		}
		if got := startupSpread("b", 100*time.Millisecond); got < 0 || got >= 100*time.Millisecond {
			t.Fatalf("spread = %s, want below the interval", got)
		}
	}
}

func TestApplyKeepsInstance(t *testing.T) {
	t.Parallel()
	clk := &fakeClock{t: t0}
	s := newTestScheduler(t, storage.NewMemory(), &fakeExec{}, Config{Instance: "first"}, clk)

	s.Apply(Config{Instance: "second", PollInterval: 5 * time.Second, BatchSize: 7})
	snap := s.Snapshot()
	if snap.Instance != "first" {
		t.Fatalf("instance = %q, want first", snap.Instance)
	}
	if snap.PollInterval != 5*time.Second || snap.BatchSize != 7 {
		t.Fatalf("snapshot = %+v", snap)
	}
	if snap.MisfireGrace != 30*time.Second {
		t.Fatalf("misfire grace default = %s", snap.MisfireGrace)
	}
}

func TestPruneLoopRemovesOldRuns(t *testing.T) {
	t.Parallel()
	clk := &fakeClock{t: t0}
	store := storage.NewMemory()
	ctx := context.Background()
	for i, end := range []time.Time{t0.Add(-2 * time.Hour), t0.Add(-time.Minute)} {
		r := task.TaskRun{
			ID:          uuid.NewString(),
			ScheduleID:  "p",
			TaskRef:     "echo",
			ScheduledAt: end.Add(-time.Second),
			StartTime:   end.Add(-time.Second),
			EndTime:     end,
			Outcome:     task.Success(),
			Attempts:    1,
		}
		if err := store.RecordRun(ctx, r); err != nil {
			t.Fatalf("RecordRun %d: %v", i, err)
		}
	}

	s := newTestScheduler(t, store, &fakeExec{}, Config{
		PollInterval: time.Hour,
		PruneEvery:   10 * time.Millisecond,
		RunRetention: time.Hour,
	}, clk)
	s.Start(ctx)
	defer func() { _ = s.Stop(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		runs, err := store.ListRuns(ctx, storage.RunFilter{ScheduleID: "p"})
		if err != nil {
			t.Fatalf("ListRuns: %v", err)
		}
		if len(runs) == 1 {
			if !runs[0].EndTime.Equal(t0.Add(-time.Minute)) {
				t.Fatalf("kept run ended at %s", runs[0].EndTime)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("runs = %d after prune, want 1", len(runs))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// hookStore runs beforeReplace once, between Update's read and its write.
type hookStore struct {
	storage.Store
	once          sync.Once
	beforeReplace func()
}

func (h *hookStore) Replace(ctx context.Context, sc task.Schedule, expected int64) (task.Schedule, bool, error) {
	if h.beforeReplace != nil && expected != 0 {
		h.once.Do(h.beforeReplace)
	}
	return h.Store.Replace(ctx, sc, expected)
}

func TestPutDoesNotUndoConcurrentClaim(t *testing.T) {
	t.Parallel()
	clk := &fakeClock{t: t0}
	mem := storage.NewMemory()
	execA, execB := &fakeExec{}, &fakeExec{}
	a := newTestScheduler(t, mem, execA, Config{Instance: "a"}, clk)

	def := task.Schedule{ID: "static", TaskRef: "echo", Trigger: trigger.Interval(time.Minute)}
	mustAdd(t, a, def)
	clk.Set(t0.Add(time.Minute))

	hooked := &hookStore{Store: mem}
	hooked.beforeReplace = func() {
		if rep := mustTick(t, a); rep.Fired != 1 {
			t.Errorf("interleaved tick fired %d, want 1", rep.Fired)
		}
	}
	b := newTestScheduler(t, hooked, execB, Config{Instance: "b"}, clk)
	out, err := b.Put(context.Background(), def)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if out.NextFireTime == nil || !out.NextFireTime.Equal(t0.Add(2*time.Minute)) {
		t.Fatalf("next after Put = %v, want %v", out.NextFireTime, t0.Add(2*time.Minute))
	}

	mustTick(t, a)
	mustTick(t, b)
	if got := len(execA.Tasks()) + len(execB.Tasks()); got != 1 {
		t.Fatalf("occurrence executed %d times, want 1", got)
	}
}

func TestConcurrentAddSameID(t *testing.T) {
	t.Parallel()
	clk := &fakeClock{t: t0}
	store := storage.NewMemory()
	a := newTestScheduler(t, store, &fakeExec{}, Config{Instance: "a"}, clk)
	b := newTestScheduler(t, store, &fakeExec{}, Config{Instance: "b"}, clk)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		added   int
		existed int
	)
	for i, s := range []*Service{a, b, a, b} {
		wg.Add(1)
		go func(s *Service, ref string) {
			defer wg.Done()
			_, err := s.Add(context.Background(), task.Schedule{ID: "dup", TaskRef: ref, Trigger: trigger.Interval(time.Minute)})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				added++
			case errors.Is(err, task.ErrScheduleExists):
				existed++
			default:
				t.Errorf("Add: %v", err)
			}
		}(s, fmt.Sprintf("task-%d", i))
	}
	wg.Wait()
	if added != 1 || existed != 3 {
		t.Fatalf("added=%d existed=%d, want 1 and 3", added, existed)
	}
	if sc := mustGet(t, store, "dup"); sc.Version != 1 {
		t.Fatalf("version = %d, want 1 (overwritten)", sc.Version)
	}
}

func TestPauseByRecordsOrigin(t *testing.T) {
	t.Parallel()
	clk := &fakeClock{t: t0}
	store := storage.NewMemory()
	s := newTestScheduler(t, store, &fakeExec{}, Config{}, clk)
	mustAdd(t, s, task.Schedule{ID: "cfg", TaskRef: "echo", Trigger: trigger.Interval(time.Minute)})
	mustAdd(t, s, task.Schedule{ID: "usr", TaskRef: "echo", Trigger: trigger.Interval(time.Minute)})

	ctx := context.Background()
	if _, err := s.PauseBy(ctx, "cfg", task.PausedByConfig); err != nil {
		t.Fatalf("PauseBy: %v", err)
	}
	if _, err := s.Pause(ctx, "usr"); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	// A second pause does not rewrite the origin.
	if _, err := s.PauseBy(ctx, "usr", task.PausedByConfig); err != nil {
		t.Fatalf("PauseBy: %v", err)
	}
	if got := mustGet(t, store, "cfg").PausedBy; got != task.PausedByConfig {
		t.Fatalf("cfg paused by %q", got)
	}
	if got := mustGet(t, store, "usr").PausedBy; got != task.PausedByUser {
		t.Fatalf("usr paused by %q", got)
	}

	// Update keeps a paused schedule paused with its origin.
	out, err := s.Update(ctx, task.Schedule{ID: "cfg", TaskRef: "echo", Trigger: trigger.Interval(2 * time.Minute)})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if out.Enabled || out.PausedBy != task.PausedByConfig {
		t.Fatalf("after update enabled=%v by=%q", out.Enabled, out.PausedBy)
	}

	out, err = s.Resume(ctx, "cfg")
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if !out.Enabled || out.PausedBy != "" || out.NextFireTime == nil {
		t.Fatalf("after resume %+v", out)
	}
}
