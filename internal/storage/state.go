package storage

import (
	"sort"
	"time"

	"taskd/internal/task"
)

// state is the in-process data model shared by the memory and file drivers.
// Callers hold the lock.
type state struct {
	schedules map[string]task.Schedule
	runs      []task.TaskRun // append order
}

func newState() *state {
	return &state{schedules: map[string]task.Schedule{}}
}

func (st *state) upsert(s task.Schedule, now time.Time) task.Schedule {
	s = normalize(s)
	if prev, ok := st.schedules[s.ID]; ok {
		s.CreatedAt = prev.CreatedAt
		s.Version = prev.Version + 1
	} else {
		s.CreatedAt = now.UTC()
		s.Version = 1
	}
	s.UpdatedAt = now.UTC()
	st.schedules[s.ID] = s
	return s.Clone()
}

// replace is upsert guarded by the stored version (0 = absent).
func (st *state) replace(s task.Schedule, expected int64, now time.Time) (task.Schedule, bool) {
	prev, ok := st.schedules[s.ID]
	if (expected == 0 && ok) || expected != 0 && (!ok || prev.Version != expected) {
		return task.Schedule{}, false
	}
	return st.upsert(s, now), true
}

func (st *state) get(id string) (task.Schedule, error) {
	s, ok := st.schedules[id]
	if !ok {
		return task.Schedule{}, task.ErrNotFound
	}
	return s.Clone(), nil
}

func (st *state) list() []task.Schedule {
	out := make([]task.Schedule, 0, len(st.schedules))
	for _, s := range st.schedules {
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (st *state) delete(id string) error {
	if _, ok := st.schedules[id]; !ok {
		return task.ErrNotFound
	}
	delete(st.schedules, id)
	return nil
}

func (st *state) due(before time.Time, limit int) []task.Schedule {
	var out []task.Schedule
	for _, s := range st.schedules {
		if s.Due(before) {
			out = append(out, s.Clone())
		}
	}
	sortDue(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (st *state) claim(c Claim, now time.Time) (bool, error) {
	prev, ok := st.schedules[c.ID]
	if !ok {
		return false, task.ErrNotFound
	}
	if prev.Version != c.Version {
		return false, nil
	}
	if c.Delete {
		delete(st.schedules, c.ID)
		return true, nil
	}
	st.schedules[c.ID] = applyClaim(prev, c, now)
	return true, nil
}

func (st *state) addRun(r task.TaskRun) {
	st.runs = append(st.runs, normalizeRun(r))
}

func (st *state) listRuns(f RunFilter) []task.TaskRun {
	return filterRuns(st.runs, f)
}

func (st *state) prune(before time.Time) int {
	kept := st.runs[:0]
	n := 0
	for _, r := range st.runs {
		if r.EndTime.Before(before) {
			n++
			continue
		}
		kept = append(kept, r)
	}
	st.runs = kept
	return n
}

func sortDue(s []task.Schedule) {
	sort.Slice(s, func(i, j int) bool {
		a, b := s[i].NextFireTime, s[j].NextFireTime
		if !a.Equal(*b) {
			return a.Before(*b)
		}
		return s[i].ID < s[j].ID
	})
}

// filterRuns applies f to runs (append order) and returns them newest first.
func filterRuns(runs []task.TaskRun, f RunFilter) []task.TaskRun {
	out := make([]task.TaskRun, 0, len(runs))
	for _, r := range runs {
		if f.ScheduleID != "" && r.ScheduleID != f.ScheduleID {
			continue
		}
		if !f.Since.IsZero() && r.EndTime.Before(f.Since) {
			continue
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].EndTime.After(out[j].EndTime) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}
