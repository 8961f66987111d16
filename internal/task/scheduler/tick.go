package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"taskd/internal/eventbus"
	"taskd/internal/task"
	"taskd/internal/task/engine"
	"taskd/internal/task/trigger"
	logx "taskd/pkg/logx"
)

// Tick runs one poll cycle: fetch due schedules, plan each occurrence, claim
// it, and dispatch the ones that fire. The error is non-nil only when the
// due query failed; per-schedule failures are counted in the report.
func (s *Service) Tick(ctx context.Context) (Report, error) {
	cfg := s.config()
	start := s.now()
	var rep Report

	s.setState(StatePolling)
	due, err := s.store.GetDue(ctx, start, cfg.BatchSize)
	if err != nil {
		s.setState(StateIdle)
		s.recordPoll(start, rep, err)
		s.bus.Publish(eventbus.Event{Type: eventbus.PollFailed, Data: err})
		return rep, fmt.Errorf("get due: %w", err)
	}
	rep.Due = len(due)
	rep.Full = cfg.BatchSize > 0 && len(due) >= cfg.BatchSize

	s.setState(StateDispatching)
	for _, sc := range due {
		if ctx.Err() != nil {
			break
		}
		s.process(ctx, cfg, sc, start, &rep)
	}
	s.setState(StateIdle)

	rep.Duration = s.now().Sub(start)
	s.recordPoll(start, rep, nil)
	s.bus.Publish(eventbus.Event{Type: eventbus.PollCompleted, Data: eventbus.PollEvent{Due: rep.Due, Dispatched: rep.Fired, Duration: rep.Duration}})
	if rep.Due > 0 {
		s.log.Debug("poll completed",
			logx.Int("due", rep.Due),
			logx.Int("fired", rep.Fired),
			logx.Int("lost", rep.Lost),
			logx.Duration("took", rep.Duration))
	}
	return rep, nil
}

func (s *Service) recordPoll(at time.Time, rep Report, err error) {
	s.mu.Lock()
	s.lastPoll = at
	s.lastReport = rep
	s.lastErr = err
	s.mu.Unlock()
}

func (s *Service) process(ctx context.Context, cfg Config, sc task.Schedule, now time.Time, rep *Report) {
	if !sc.Due(now) {
		return
	}
	occurrence := *sc.NextFireTime
	p := planOccurrence(cfg, sc, now)
	log := s.log.With(logx.String("schedule", sc.ID), logx.String("task", sc.TaskRef))

	won, err := s.store.Claim(ctx, p.claim(sc))
	switch {
	case errors.Is(err, task.ErrNotFound):
		// Removed between GetDue and Claim.
		return
	case err != nil:
		rep.Errors++
		log.Warn("claim failed", logx.Err(err))
		return
	case !won:
		rep.Lost++
		log.Debug("claim lost", logx.Int64("version", sc.Version))
		s.bus.Publish(eventbus.Event{Type: eventbus.ClaimLost, Data: eventbus.ScheduleEvent{ScheduleID: sc.ID, TaskRef: sc.TaskRef}})
		return
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.Claimed, Data: eventbus.ScheduleEvent{ScheduleID: sc.ID, TaskRef: sc.TaskRef, Reason: p.action}})

	switch p.action {
	case actionSkip:
		rep.Skipped++
		log.Info("misfire: occurrences skipped", logx.Time("due", occurrence), logx.Duration("late", now.Sub(occurrence)))
	case actionReschedule:
		rep.Rescheduled++
		log.Info("misfire: rescheduled", logx.Time("due", occurrence), logx.Duration("late", now.Sub(occurrence)))
	case actionDisable:
		rep.Disabled++
		log.Warn("trigger failed, schedule disabled", logx.Err(p.err))
		s.bus.Publish(eventbus.Event{Type: eventbus.ScheduleDisabled, Data: eventbus.ScheduleEvent{ScheduleID: sc.ID, TaskRef: sc.TaskRef, Reason: p.err.Error()}})
	}
	if p.exhausted {
		rep.Exhausted++
		if p.delete {
			s.dropRunState(sc.ID)
		}
		log.Debug("schedule exhausted", logx.Bool("deleted", p.delete))
		s.bus.Publish(eventbus.Event{Type: eventbus.ScheduleExhausted, Data: eventbus.ScheduleEvent{ScheduleID: sc.ID, TaskRef: sc.TaskRef}})
	}
	if p.fire {
		rep.Fired++
		s.dispatch(ctx, sc, occurrence)
	}
}

// planOccurrence decides what to do with the due occurrence of sc.
//
// late <= grace fires the occurrence as scheduled. Later than that, the
// misfire policy applies:
//   - fire_immediately: one run now, next is the first occurrence after now
//   - skip: no run, next is the first occurrence after now-grace
//   - reschedule: no run, next is the first occurrence after now
func planOccurrence(cfg Config, sc task.Schedule, now time.Time) plan {
	due := *sc.NextFireTime
	grace := sc.MisfireGrace
	if grace <= 0 {
		grace = cfg.MisfireGrace
	}
	late := now.Sub(due)

	var (
		p    plan
		next time.Time
		ok   bool
		err  error
	)
	switch {
	case late <= grace:
		p.action, p.fire = actionFire, true
		next, ok, err = trigger.ComputeNext(sc.Trigger, due)
	case sc.Misfire == task.MisfireSkip:
		p.action = actionSkip
		next, ok, err = trigger.AdvancePast(sc.Trigger, due, now.Add(-grace))
	case sc.Misfire == task.MisfireReschedule:
		p.action = actionReschedule
		next, ok, err = trigger.AdvancePast(sc.Trigger, due, now)
	default:
		p.action, p.fire = actionFire, true
		next, ok, err = trigger.AdvancePast(sc.Trigger, due, now)
	}

	switch {
	case err != nil:
		return plan{action: actionDisable, err: err}
	case !ok:
		p.exhausted = true
		p.delete = !cfg.RetainExhausted
	default:
		p.next = &next
		p.enabled = true
	}
	return p
}

func (s *Service) dispatch(ctx context.Context, sc task.Schedule, occurrence time.Time) {
	t := engine.Task{
		Name:        sc.TaskRef,
		ScheduleID:  sc.ID,
		ScheduledAt: occurrence,
		Timeout:     sc.Timeout,
		Payload:     sc.Payload,
		Opt: engine.TaskOptions{
			MaxInstances: sc.MaxInstances,
			RetryMax:     sc.RetryMax,
		},
		State:  s.runState(sc.ID),
		OnDone: s.recordRun,
	}
	if err := s.exec.Submit(ctx, t); err != nil {
		s.reportDispatchError(sc.ID, err)
	}
}

const (
	recordAttempts = 3
	recordTimeout  = 10 * time.Second
)

// recordRun persists r, retrying transient store errors.
func (s *Service) recordRun(r task.TaskRun) {
	if r.Instance == "" {
		r.Instance = s.config().Instance
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	delay := 50 * time.Millisecond
	var err error
retry:
	for i := 1; ; i++ {
		err = s.store.RecordRun(ctx, r)
		if err == nil || !task.IsRetryableStoreError(err) || i >= recordAttempts {
			break
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			break retry
		case <-t.C:
		}
		delay *= 2
	}
	if err != nil {
		s.log.Error("record run failed",
			logx.String("schedule", r.ScheduleID),
			logx.String("run", r.ID),
			logx.String("outcome", r.Outcome.String()),
			logx.Err(err))
	}
}

func (s *Service) runState(id string) *engine.RunState {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	st := s.runStates[id]
	if st == nil {
		st = &engine.RunState{}
		s.runStates[id] = st
	}
	return st
}

func (s *Service) dropRunState(id string) {
	s.stateMu.Lock()
	delete(s.runStates, id)
	s.stateMu.Unlock()
}
