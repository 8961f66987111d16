package engine

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"taskd/internal/eventbus"
	"taskd/internal/task"
	logx "taskd/pkg/logx"
)

var nopLog = logx.Nop()

func newTestEngine(t *testing.T, cfg Config, handlers map[string]Handler) *Service {
	t.Helper()
	reg := NewRegistry()
	for name, h := range handlers {
		reg.MustRegister(name, h)
	}
	s := New(cfg, reg, nopLog, eventbus.New())
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s
}

func collect(n int) (func(task.TaskRun), chan task.TaskRun) {
	ch := make(chan task.TaskRun, n)
	return func(r task.TaskRun) { ch <- r }, ch
}

func waitRun(t *testing.T, ch <-chan task.TaskRun) task.TaskRun {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for task run")
	}
	return task.TaskRun{}
}

func TestSubmitRunsHandler(t *testing.T) {
	t.Parallel()
	var got atomic.Value
	s := newTestEngine(t, Config{Workers: 2, Instance: "node-a"}, map[string]Handler{
		"echo": func(_ context.Context, rc RunContext) error {
			got.Store(string(rc.Payload))
			return nil
		},
	})
	onDone, ch := collect(1)
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := s.Submit(context.Background(), Task{Name: "echo", ScheduleID: "s1", ScheduledAt: at, Payload: []byte(`{"x":1}`), OnDone: onDone}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	r := waitRun(t, ch)
	if r.Outcome.Kind != task.OutcomeSuccess || r.Attempts != 1 {
		t.Fatalf("run = %+v", r)
	}
	if r.ID == "" || r.ScheduleID != "s1" || !r.ScheduledAt.Equal(at) || r.Instance != "node-a" {
		t.Fatalf("run fields = %+v", r)
	}
	if got.Load() != `{"x":1}` {
		t.Fatalf("payload = %v", got.Load())
	}
}

func TestTimeoutYieldsSingleFailure(t *testing.T) {
	t.Parallel()
	s := newTestEngine(t, Config{Workers: 1}, map[string]Handler{
		"slow": func(ctx context.Context, _ RunContext) error {
			<-ctx.Done()
			return ctx.Err()
		},
	})
	onDone, ch := collect(4)
	if err := s.Submit(context.Background(), Task{Name: "slow", Timeout: 20 * time.Millisecond, OnDone: onDone}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	r := waitRun(t, ch)
	if r.Outcome != task.Failure(task.ReasonTimeout) {
		t.Fatalf("outcome = %v, want failure timeout", r.Outcome)
	}
	select {
	case extra := <-ch:
		t.Fatalf("unexpected second run %+v", extra)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestTimeoutAbandonsStuckHandler(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	s := newTestEngine(t, Config{Workers: 1, AbandonGrace: 20 * time.Millisecond}, map[string]Handler{
		"stuck": func(context.Context, RunContext) error {
			<-release
			return nil
		},
	})
	run, err := s.Execute(context.Background(), Task{Name: "stuck", Timeout: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if run.Outcome != task.Failure(task.ReasonTimeout) {
		t.Fatalf("outcome = %v", run.Outcome)
	}
}

func TestExecuteOutcomes(t *testing.T) {
	t.Parallel()
	var flaky atomic.Int32
	s := newTestEngine(t, Config{Workers: 1, RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond}, map[string]Handler{
		"boom": func(context.Context, RunContext) error { panic("kaboom") },
		"flaky": func(_ context.Context, rc RunContext) error {
			if flaky.Add(1) < 3 {
				return errors.New("transient")
			}
			return nil
		},
		"bad": func(context.Context, RunContext) error {
			return NoRetry(errors.New("bad input"))
		},
	})

	tests := []struct {
		name     string
		task     Task
		want     task.Outcome
		attempts int
	}{
		{name: "panic", task: Task{Name: "boom"}, want: task.Failure("panic: kaboom"), attempts: 1},
		{name: "retry until success", task: Task{Name: "flaky", Opt: TaskOptions{RetryMax: 3}}, want: task.Success(), attempts: 3},
		{name: "no retry", task: Task{Name: "bad", Opt: TaskOptions{RetryMax: 5}}, want: task.Failure("bad input"), attempts: 1},
		{name: "unknown task", task: Task{Name: "missing"}, want: task.Failure(task.ReasonUnknownTask), attempts: 0},
	}
	for _, tt := range tests {
		run, err := s.Execute(context.Background(), tt.task)
		if err != nil {
			t.Fatalf("%s: Execute: %v", tt.name, err)
		}
		if run.Outcome != tt.want || run.Attempts != tt.attempts {
			t.Fatalf("%s: outcome=%v attempts=%d, want %v/%d", tt.name, run.Outcome, run.Attempts, tt.want, tt.attempts)
		}
	}
	if snap := s.Snapshot(); snap.Completed != 1 || snap.Failed != 3 || len(snap.History) != 4 {
		t.Fatalf("snapshot counters = %+v", snap)
	}
}

func TestMaxInstancesSkips(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	s := newTestEngine(t, Config{Workers: 2}, map[string]Handler{
		"block": func(ctx context.Context, _ RunContext) error {
			select {
			case <-release:
			case <-ctx.Done():
			}
			return nil
		},
	})
	state := &RunState{}
	onDone, ch := collect(2)
	if err := s.Submit(context.Background(), Task{Name: "block", State: state, OnDone: onDone}); err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	err := s.Submit(context.Background(), Task{Name: "block", State: state, OnDone: onDone})
	if !errors.Is(err, ErrOverlapSkip) {
		t.Fatalf("second Submit err = %v, want ErrOverlapSkip", err)
	}
	if r := waitRun(t, ch); r.Outcome != task.Skipped(task.ReasonMaxInstances) {
		t.Fatalf("refused outcome = %v", r.Outcome)
	}
	close(release)
	if r := waitRun(t, ch); r.Outcome.Kind != task.OutcomeSuccess {
		t.Fatalf("first outcome = %v", r.Outcome)
	}
	if n := state.InFlight(); n != 0 {
		t.Fatalf("state in flight = %d after completion", n)
	}
}

func TestStopSettlesQueuedAsShutdown(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()
	started := make(chan struct{}, 1)
	reg.MustRegister("wait", func(ctx context.Context, _ RunContext) error {
		started <- struct{}{}
		<-ctx.Done()
		return ctx.Err()
	})
	s := New(Config{Workers: 1, QueueSize: 8, ShutdownGrace: 20 * time.Millisecond}, reg, nopLog, nil)
	s.Start(context.Background())

	onDone, ch := collect(3)
	for i := 0; i < 3; i++ {
		if err := s.Submit(context.Background(), Task{Name: "wait", OnDone: onDone}); err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
	}
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	var failed, skipped int
	for i := 0; i < 3; i++ {
		r := waitRun(t, ch)
		switch r.Outcome {
		case task.Failure(task.ReasonShutdown):
			failed++
		case task.Skipped(task.ReasonShutdown):
			skipped++
		default:
			t.Fatalf("unexpected outcome %v", r.Outcome)
		}
	}
	if failed != 1 || skipped != 2 {
		t.Fatalf("failed=%d skipped=%d, want 1/2", failed, skipped)
	}

	onDone2, ch2 := collect(1)
	if err := s.Submit(context.Background(), Task{Name: "wait", OnDone: onDone2}); !errors.Is(err, ErrStopped) {
		t.Fatalf("Submit after Stop err = %v, want ErrStopped", err)
	}
	if r := waitRun(t, ch2); r.Outcome != task.Skipped(task.ReasonStopping) {
		t.Fatalf("refused outcome = %v", r.Outcome)
	}
}

func TestSubmitTimeoutRejectsWhenFull(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	s := newTestEngine(t, Config{Workers: 1, QueueSize: 1, SubmitTimeout: 10 * time.Millisecond}, map[string]Handler{
		"block": func(ctx context.Context, _ RunContext) error {
			select {
			case <-release:
			case <-ctx.Done():
			}
			return nil
		},
	})
	defer close(release)

	if err := s.Submit(context.Background(), Task{Name: "block"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for s.InFlight() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("first task never started")
		}
		time.Sleep(time.Millisecond)
	}
	if err := s.Submit(context.Background(), Task{Name: "block"}); err != nil {
		t.Fatalf("queued Submit: %v", err)
	}
	onDone, ch := collect(1)
	err := s.Submit(context.Background(), Task{Name: "block", OnDone: onDone})
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}
	if r := waitRun(t, ch); r.Outcome != task.Skipped(task.ReasonQueueRejected) {
		t.Fatalf("outcome = %v", r.Outcome)
	}
}

func TestRunFinishedPublished(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()
	reg := NewRegistry()
	reg.MustRegister("ok", func(context.Context, RunContext) error { return nil })
	s := New(Config{}, reg, nopLog, bus)

	if _, err := s.Execute(context.Background(), Task{Name: "ok"}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	var types []string
	for len(types) < 2 {
		select {
		case e := <-events:
			types = append(types, e.Type)
		case <-time.After(time.Second):
			t.Fatalf("events = %v", types)
		}
	}
	if strings.Join(types, ",") != eventbus.RunStarted+","+eventbus.RunFinished {
		t.Fatalf("events = %v", types)
	}
}

func TestBackoffDelay(t *testing.T) {
	t.Parallel()
	opt := TaskOptions{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond, time.Second, time.Second}
	for i, w := range want {
		if got := backoffDelay(opt, i+1, nil); got != w {
			t.Fatalf("retry %d: got %s want %s", i+1, got, w)
		}
	}
	if got := backoffDelayWithHint(opt, 1, RetryAfter(errors.New("429"), 5*time.Second), nil); got != time.Second {
		t.Fatalf("hint not capped: %s", got)
	}
}

func TestRegistry(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	h := func(context.Context, RunContext) error { return nil }
	if err := r.Register("b", h); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(" a ", h); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register("b", h); err == nil {
		t.Fatal("expected duplicate error")
	}
	if err := r.Register("", h); err == nil {
		t.Fatal("expected empty name error")
	}
	if _, ok := r.Lookup("a"); !ok {
		t.Fatal("a not found")
	}
	if got := strings.Join(r.Names(), ","); got != "a,b" {
		t.Fatalf("Names = %s", got)
	}
}
