package task

import (
	"encoding/json"
	"strings"
	"time"

	"taskd/internal/task/trigger"
)

// MisfirePolicy decides what happens when a schedule is observed due later than
// its misfire grace.
type MisfirePolicy string

const (
	// MisfireFireImmediately runs once now and moves on to the first fire time
	// after now; several missed occurrences coalesce into that one run.
	MisfireFireImmediately MisfirePolicy = "fire_immediately"
	// MisfireSkip drops missed occurrences without running or recording them.
	MisfireSkip MisfirePolicy = "skip"
	// MisfireReschedule moves to the next fire time after now without running.
	MisfireReschedule MisfirePolicy = "reschedule"
)

// ParseMisfirePolicy accepts the policy names above (case-insensitive, '-' or '_').
// Empty input yields MisfireFireImmediately.
func ParseMisfirePolicy(s string) (MisfirePolicy, bool) {
	v := strings.ToLower(strings.TrimSpace(s))
	v = strings.ReplaceAll(v, "-", "_")
	switch MisfirePolicy(v) {
	case "":
		return MisfireFireImmediately, true
	case MisfireFireImmediately, MisfireSkip, MisfireReschedule:
		return MisfirePolicy(v), true
	case "fire", "immediate", "run":
		return MisfireFireImmediately, true
	}
	return "", false
}

// Schedule binds a trigger to a registered task reference.
//
// NextFireTime is nil when the schedule is exhausted. Version is bumped by the
// store on every accepted write and doubles as the claim token.
type Schedule struct {
	ID      string          `json:"id"`
	TaskRef string          `json:"task"`
	Trigger trigger.Spec    `json:"trigger"`
	Payload json.RawMessage `json:"payload,omitempty"`

	NextFireTime *time.Time `json:"next_fire_time,omitempty"`
	LastFireTime *time.Time `json:"last_fire_time,omitempty"`
	Enabled      bool       `json:"enabled"`
	// PausedBy names who paused a disabled schedule. It is empty when the
	// loop disabled it (trigger error, retained exhausted schedule).
	PausedBy string `json:"paused_by,omitempty"`

	Misfire      MisfirePolicy `json:"misfire,omitempty"`
	MisfireGrace time.Duration `json:"misfire_grace,omitempty"`
	Timeout      time.Duration `json:"timeout,omitempty"`
	MaxInstances int           `json:"max_instances,omitempty"`
	RetryMax     int           `json:"retry_max,omitempty"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Pause origins recorded in Schedule.PausedBy.
const (
	PausedByUser   = "user"
	PausedByConfig = "config"
)

// Due reports whether the schedule is enabled and due at or before now.
func (s Schedule) Due(now time.Time) bool {
	return s.Enabled && s.NextFireTime != nil && !s.NextFireTime.After(now)
}

// Clone returns a copy that shares no pointers with s.
func (s Schedule) Clone() Schedule {
	out := s
	out.NextFireTime = cloneTime(s.NextFireTime)
	out.LastFireTime = cloneTime(s.LastFireTime)
	out.Trigger.Start = cloneTime(s.Trigger.Start)
	out.Trigger.End = cloneTime(s.Trigger.End)
	if s.Trigger.Calendar != nil {
		c := *s.Trigger.Calendar
		out.Trigger.Calendar = &c
	}
	if s.Payload != nil {
		out.Payload = append(json.RawMessage(nil), s.Payload...)
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// TimePtr is a small helper for optional time fields.
func TimePtr(t time.Time) *time.Time { return &t }

// OutcomeKind classifies a finished run.
type OutcomeKind string

const (
	OutcomeSuccess OutcomeKind = "success"
	OutcomeFailure OutcomeKind = "failure"
	OutcomeSkipped OutcomeKind = "skipped"
)

// Outcome reasons used by the engine and scheduler.
const (
	ReasonTimeout       = "timeout"
	ReasonMaxInstances  = "max instances reached"
	ReasonStopping      = "executor stopping"
	ReasonShutdown      = "shutdown"
	ReasonUnknownTask   = "unknown task"
	ReasonPanic         = "panic"
	ReasonQueueRejected = "queue rejected"
)

type Outcome struct {
	Kind   OutcomeKind `json:"kind"`
	Reason string      `json:"reason,omitempty"`
}

func Success() Outcome              { return Outcome{Kind: OutcomeSuccess} }
func Failure(reason string) Outcome { return Outcome{Kind: OutcomeFailure, Reason: reason} }
func Skipped(reason string) Outcome { return Outcome{Kind: OutcomeSkipped, Reason: reason} }
func (o Outcome) String() string {
	if o.Reason == "" {
		return string(o.Kind)
	}
	return string(o.Kind) + ": " + o.Reason
}

// TaskRun records one execution attempt sequence of a schedule occurrence.
type TaskRun struct {
	ID          string    `json:"id"`
	ScheduleID  string    `json:"schedule_id"`
	TaskRef     string    `json:"task"`
	ScheduledAt time.Time `json:"scheduled_at"`
	StartTime   time.Time `json:"start_time"`
	EndTime     time.Time `json:"end_time"`
	Outcome     Outcome   `json:"outcome"`
	Attempts    int       `json:"attempts"`
	Instance    string    `json:"instance,omitempty"`
}

// Duration returns EndTime - StartTime (0 for runs that never started).
func (r TaskRun) Duration() time.Duration {
	if r.StartTime.IsZero() || r.EndTime.Before(r.StartTime) {
		return 0
	}
	return r.EndTime.Sub(r.StartTime)
}
