package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"taskd/internal/storage"
	"taskd/internal/task"
	"taskd/internal/task/trigger"
	logx "taskd/pkg/logx"
)

// maxClaimRetries bounds the read-modify-CAS loop of Pause and Resume.
const maxClaimRetries = 8

// Add registers a new schedule and returns it as stored.
//
// An empty ID gets a UUID. The first fire time is the first occurrence after
// now. Add fails with task.ErrScheduleExists when the ID is taken and with
// task.ErrInvalidExpression for triggers that cannot be evaluated.
func (s *Service) Add(ctx context.Context, sc task.Schedule) (task.Schedule, error) {
	if strings.TrimSpace(sc.ID) == "" {
		sc.ID = uuid.NewString()
	}
	sc, err := s.prepare(sc)
	if err != nil {
		return task.Schedule{}, err
	}
	if err := s.arm(&sc); err != nil {
		return task.Schedule{}, err
	}
	out, won, err := s.store.Replace(ctx, sc, 0)
	if err != nil {
		return task.Schedule{}, err
	}
	if !won {
		return task.Schedule{}, fmt.Errorf("%w: %s", task.ErrScheduleExists, sc.ID)
	}
	s.logRegistered("schedule added", out)
	s.Wake()
	return out, nil
}

// Update replaces the definition of an existing schedule.
//
// The next fire time is kept when the trigger is unchanged and the schedule
// is enabled; otherwise it is recomputed from now. Paused schedules stay
// paused. The write is conditional on the version read, so a claim made by
// another scheduler in between is re-read instead of overwritten.
func (s *Service) Update(ctx context.Context, sc task.Schedule) (task.Schedule, error) {
	sc, err := s.prepare(sc)
	if err != nil {
		return task.Schedule{}, err
	}
	for i := 0; i < maxClaimRetries; i++ {
		prev, err := s.store.Get(ctx, sc.ID)
		if err != nil {
			return task.Schedule{}, err
		}
		next, err := s.merge(prev, sc)
		if err != nil {
			return task.Schedule{}, err
		}
		out, won, err := s.store.Replace(ctx, next, prev.Version)
		if err != nil {
			return task.Schedule{}, err
		}
		if won {
			s.logRegistered("schedule updated", out)
			s.Wake()
			return out, nil
		}
	}
	return task.Schedule{}, fmt.Errorf("schedule %s: too much contention", sc.ID)
}

// merge carries the firing state of prev over to the new definition sc.
func (s *Service) merge(prev, sc task.Schedule) (task.Schedule, error) {
	next := sc.Clone()
	next.Enabled = prev.Enabled
	next.PausedBy = prev.PausedBy
	next.LastFireTime = prev.LastFireTime
	next.CreatedAt = prev.CreatedAt
	next.NextFireTime = prev.NextFireTime
	if next.Enabled && (prev.NextFireTime == nil || !sameTrigger(prev.Trigger, next.Trigger)) {
		if err := s.arm(&next); err != nil {
			return task.Schedule{}, err
		}
	}
	return next, nil
}

// Put adds sc or updates it when the ID exists. Static schedules from the
// config file go through Put on every start and reload.
func (s *Service) Put(ctx context.Context, sc task.Schedule) (task.Schedule, error) {
	if strings.TrimSpace(sc.ID) == "" {
		return task.Schedule{}, fmt.Errorf("%w: id required", task.ErrInvalidSchedule)
	}
	// A concurrent Add or Remove of the same ID sends us round once more.
	for i := 0; ; i++ {
		out, err := s.Update(ctx, sc)
		if !errors.Is(err, task.ErrNotFound) {
			return out, err
		}
		out, err = s.Add(ctx, sc)
		if !errors.Is(err, task.ErrScheduleExists) || i > 0 {
			return out, err
		}
	}
}

func (s *Service) Remove(ctx context.Context, id string) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.dropRunState(id)
	s.warnMu.Lock()
	delete(s.dispWarn, id)
	s.warnMu.Unlock()
	s.log.Debug("schedule removed", logx.String("schedule", id))
	return nil
}

func (s *Service) Get(ctx context.Context, id string) (task.Schedule, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) List(ctx context.Context) ([]task.Schedule, error) {
	return s.store.List(ctx)
}

// Pause disables a schedule on behalf of a user. Pausing a paused schedule
// is a no-op.
func (s *Service) Pause(ctx context.Context, id string) (task.Schedule, error) {
	return s.PauseBy(ctx, id, task.PausedByUser)
}

// PauseBy disables a schedule and records who paused it (see
// task.PausedByUser, task.PausedByConfig). A schedule that is already
// disabled keeps its recorded origin.
func (s *Service) PauseBy(ctx context.Context, id, by string) (task.Schedule, error) {
	return s.mutate(ctx, id, func(sc task.Schedule) (storage.Claim, bool, error) {
		if !sc.Enabled {
			return storage.Claim{}, false, nil
		}
		return storage.Claim{ID: sc.ID, Version: sc.Version, Enabled: false, PausedBy: by}, true, nil
	})
}

// Resume enables a paused schedule with the first occurrence after now.
// Resuming an enabled schedule is a no-op.
func (s *Service) Resume(ctx context.Context, id string) (task.Schedule, error) {
	out, err := s.mutate(ctx, id, func(sc task.Schedule) (storage.Claim, bool, error) {
		if sc.Enabled {
			return storage.Claim{}, false, nil
		}
		if err := s.arm(&sc); err != nil {
			return storage.Claim{}, false, err
		}
		return storage.Claim{ID: sc.ID, Version: sc.Version, NextFireTime: sc.NextFireTime, Enabled: true}, true, nil
	})
	if err == nil {
		s.Wake()
	}
	return out, err
}

// Runs lists recorded runs, newest first.
func (s *Service) Runs(ctx context.Context, f storage.RunFilter) ([]task.TaskRun, error) {
	return s.store.ListRuns(ctx, f)
}

// mutate applies a CAS update built by fn, re-reading on lost races.
func (s *Service) mutate(ctx context.Context, id string, fn func(task.Schedule) (storage.Claim, bool, error)) (task.Schedule, error) {
	for i := 0; i < maxClaimRetries; i++ {
		sc, err := s.store.Get(ctx, id)
		if err != nil {
			return task.Schedule{}, err
		}
		c, change, err := fn(sc)
		if err != nil {
			return task.Schedule{}, err
		}
		if !change {
			return sc, nil
		}
		won, err := s.store.Claim(ctx, c)
		if err != nil {
			return task.Schedule{}, err
		}
		if won {
			return s.store.Get(ctx, id)
		}
	}
	return task.Schedule{}, fmt.Errorf("schedule %s: too much contention", id)
}

// prepare validates sc and fills defaults.
func (s *Service) prepare(sc task.Schedule) (task.Schedule, error) {
	sc = sc.Clone()
	sc.ID = strings.TrimSpace(sc.ID)
	sc.TaskRef = strings.TrimSpace(sc.TaskRef)
	if sc.ID == "" {
		return sc, fmt.Errorf("%w: id required", task.ErrInvalidSchedule)
	}
	if sc.TaskRef == "" {
		return sc, fmt.Errorf("%w: task required", task.ErrInvalidSchedule)
	}
	pol, ok := task.ParseMisfirePolicy(string(sc.Misfire))
	if !ok {
		return sc, fmt.Errorf("%w: unknown misfire policy %q", task.ErrInvalidSchedule, sc.Misfire)
	}
	sc.Misfire = pol
	if sc.MisfireGrace < 0 || sc.Timeout < 0 || sc.MaxInstances < 0 || sc.RetryMax < 0 {
		return sc, fmt.Errorf("%w: negative limits", task.ErrInvalidSchedule)
	}
	if sc.Trigger.Timezone == "" {
		sc.Trigger.Timezone = s.config().Timezone
	}
	if err := trigger.Validate(sc.Trigger); err != nil {
		return sc, err
	}
	return sc, nil
}

// arm enables sc with the first occurrence after now.
func (s *Service) arm(sc *task.Schedule) error {
	now := s.now()
	next, ok, err := trigger.ComputeNext(sc.Trigger, now)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: trigger %s has no occurrence after %s", task.ErrInvalidSchedule, sc.Trigger, now.UTC().Format("2006-01-02T15:04:05Z"))
	}
	sc.Enabled = true
	sc.NextFireTime = &next
	return nil
}

func sameTrigger(a, b trigger.Spec) bool {
	return a.String() == b.String() &&
		a.Timezone == b.Timezone &&
		timeEq(a.Start, b.Start) &&
		timeEq(a.End, b.End)
}

func timeEq(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func (s *Service) logRegistered(msg string, sc task.Schedule) {
	fields := []logx.Field{
		logx.String("schedule", sc.ID),
		logx.String("task", sc.TaskRef),
		logx.String("trigger", sc.Trigger.String()),
	}
	if sc.NextFireTime != nil {
		fields = append(fields, logx.Time("next", *sc.NextFireTime))
	}
	if s.log.Enabled(logx.LevelDebug) {
		if next := trigger.Preview(sc.Trigger, s.now(), 4); len(next) > 1 {
			parts := make([]string, 0, len(next))
			for _, t := range next {
				parts = append(parts, t.Format("2006-01-02 15:04:05"))
			}
			fields = append(fields, logx.String("upcoming", strings.Join(parts, ", ")))
		}
	}
	s.log.Debug(msg, fields...)
}
