package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"time"

	"taskd/internal/eventbus"
	"taskd/internal/task"
	logx "taskd/pkg/logx"
)

// worker serves the queue until it is closed and empty. Once ctx is
// canceled the remaining queued tasks are settled without running.
func (s *Service) worker(ctx context.Context, queue <-chan queuedTask, idx int) error {
	rng := newRand(idx)
	for qt := range queue {
		if ctx.Err() != nil {
			qt.task.State.release()
			s.refuse(qt.task, task.ReasonShutdown)
			continue
		}
		s.inFlight.Add(1)
		run := s.run(ctx, qt, rng)
		s.inFlight.Add(-1)
		qt.task.State.release()
		s.finish(qt, run)
	}
	return nil
}

// Per-worker RNG: avoids global lock contention when many tasks retry concurrently.
func newRand(idx int) *rand.Rand {
	seed := time.Now().UnixNano() ^ (int64(idx) << 32)
	return rand.New(rand.NewSource(seed))
}

// run executes every attempt of qt and folds the result into one TaskRun.
func (s *Service) run(ctx context.Context, qt queuedTask, rng *rand.Rand) task.TaskRun {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	t := qt.task
	start := s.now()
	r := task.TaskRun{
		ID:          t.ID,
		ScheduleID:  t.ScheduleID,
		TaskRef:     t.Name,
		ScheduledAt: t.ScheduledAt,
		StartTime:   start,
		Instance:    cfg.Instance,
	}
	log := s.log.With(logx.String("task", t.Name), logx.String("schedule", t.ScheduleID), logx.String("run", t.ID))
	queueDelay := start.Sub(qt.enqueuedAt)
	if queueDelay < 0 {
		queueDelay = 0
	}

	h, ok := s.reg.Lookup(t.Name)
	if !ok {
		r.EndTime = s.now()
		r.Outcome = task.Failure(task.ReasonUnknownTask)
		log.Warn("task.unknown")
		return r
	}

	s.bus.Publish(eventbus.Event{Type: eventbus.RunStarted, Time: start, Data: r})
	log.Debug("task.started", logx.Duration("queue_delay", queueDelay))

	var err error
	maxAttempts := 1 + qt.opt.RetryMax
attemptLoop:
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		r.Attempts = attempt
		rc := RunContext{
			RunID:       t.ID,
			ScheduleID:  t.ScheduleID,
			TaskRef:     t.Name,
			ScheduledAt: t.ScheduledAt,
			Attempt:     attempt,
			Payload:     t.Payload,
			Log:         log,
		}
		err = s.attempt(ctx, h, rc, qt.timeout, cfg.AbandonGrace)
		if err == nil || IsNoRetry(err) || ctx.Err() != nil || attempt >= maxAttempts {
			break
		}

		delay := backoffDelayWithHint(qt.opt, attempt, err, rng)
		log.Debug("task retry scheduled", logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(err))
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			tmr.Stop()
			err = ctx.Err()
			break attemptLoop
		case <-tmr.C:
		}
	}

	r.EndTime = s.now()
	r.Outcome = outcomeOf(err)
	dur := r.Duration()
	if err != nil {
		log.Warn("task.failed", logx.String("reason", r.Outcome.Reason), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur), logx.Int("attempts", r.Attempts))
	} else if dur >= 750*time.Millisecond {
		log.Info("task.completed", logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur), logx.Int("attempts", r.Attempts))
	} else {
		log.Debug("task.completed", logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur), logx.Int("attempts", r.Attempts))
	}
	return r
}

// attempt runs the handler once. When the attempt's context ends first the
// handler gets abandonGrace to return; after that it is left behind.
func (s *Service) attempt(ctx context.Context, h Handler, rc RunContext, timeout, abandonGrace time.Duration) error {
	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	done := make(chan error, 1)
	go func() {
		// Guard against task panics so one bad task can't kill a worker.
		defer func() {
			if r := recover(); r != nil {
				rc.Log.Error("task.panic", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
				done <- panicError{v: r}
			}
		}()
		done <- h(runCtx, rc)
	}()

	select {
	case err := <-done:
		if err != nil && ctx.Err() == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return timeoutError(timeout)
		}
		return err
	case <-runCtx.Done():
	}

	grace := time.NewTimer(abandonGrace)
	select {
	case <-done:
	case <-grace.C:
		rc.Log.Warn("task ignored cancellation, abandoning", logx.Duration("abandon_grace", abandonGrace))
	}
	grace.Stop()
	if err := ctx.Err(); err != nil {
		return err
	}
	return timeoutError(timeout)
}

func timeoutError(d time.Duration) error {
	return fmt.Errorf("%w after %s", task.ErrTimeoutExceeded, d)
}

func outcomeOf(err error) task.Outcome {
	var pe panicError
	switch {
	case err == nil:
		return task.Success()
	case errors.Is(err, task.ErrTimeoutExceeded):
		return task.Failure(task.ReasonTimeout)
	case errors.As(err, &pe):
		return task.Failure(pe.Error())
	case errors.Is(err, context.Canceled):
		return task.Failure(task.ReasonShutdown)
	}
	return task.Failure(err.Error())
}

func backoffDelayWithHint(opt TaskOptions, retry int, err error, rng *rand.Rand) time.Duration {
	// Respect explicit retry-after hints if provided by the task.
	var ra RetryAfterError
	if err != nil && errors.As(err, &ra) {
		d := ra.RetryAfter()
		if d < 0 {
			d = 0
		}
		if d > opt.RetryMaxDelay {
			d = opt.RetryMaxDelay
		}
		return jitter(d, opt, rng)
	}
	return backoffDelay(opt, retry, rng)
}

func backoffDelay(opt TaskOptions, retry int, rng *rand.Rand) time.Duration {
	d := opt.RetryBase
	for i := 1; i < retry; i++ {
		d *= 2
		if d > opt.RetryMaxDelay {
			d = opt.RetryMaxDelay
			break
		}
	}
	return jitter(d, opt, rng)
}

func jitter(d time.Duration, opt TaskOptions, rng *rand.Rand) time.Duration {
	if opt.RetryJitter > 0 && d > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * opt.RetryJitter
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
	}
	if opt.RetryMaxDelay > 0 && d > opt.RetryMaxDelay {
		d = opt.RetryMaxDelay
	}
	return d
}
