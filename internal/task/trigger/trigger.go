package trigger

import (
	"errors"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata" // zoneinfo for hosts without one
)

// ErrInvalidExpression is returned for trigger specs that cannot be evaluated
// (unparseable cron expression, non-positive interval, missing one-shot time, ...).
var ErrInvalidExpression = errors.New("invalid trigger expression")

// Kind tags the trigger variant.
type Kind string

const (
	KindInterval Kind = "interval"
	KindCron     Kind = "cron"
	KindOneShot  Kind = "one_shot"
	KindCalendar Kind = "calendar_interval"
)

// MinInterval is the shortest accepted interval trigger.
const MinInterval = time.Second

// Spec is a trigger specification. Exactly the fields of its Kind are used.
//
// Start/End bound interval, cron and calendar triggers. Timezone is an IANA
// name; empty means UTC for cron and calendar evaluation.
type Spec struct {
	Kind Kind `json:"kind"`

	Every      time.Duration     `json:"every,omitempty"`
	Expression string            `json:"expression,omitempty"`
	At         time.Time         `json:"at,omitempty"`
	Calendar   *CalendarInterval `json:"calendar,omitempty"`

	Timezone string     `json:"timezone,omitempty"`
	Start    *time.Time `json:"start,omitempty"`
	End      *time.Time `json:"end,omitempty"`
}

func Interval(every time.Duration) Spec { return Spec{Kind: KindInterval, Every: every} }
func Cron(expr string) Spec             { return Spec{Kind: KindCron, Expression: expr} }
func OneShot(at time.Time) Spec         { return Spec{Kind: KindOneShot, At: at} }

// String renders a compact, human-friendly form (also accepted by Parse for
// interval, cron and one-shot kinds).
func (s Spec) String() string {
	switch s.Kind {
	case KindInterval:
		return "every:" + s.Every.String()
	case KindCron:
		return "cron:" + s.Expression
	case KindOneShot:
		return "at:" + s.At.UTC().Format(time.RFC3339)
	case KindCalendar:
		if s.Calendar == nil {
			return "calendar:?"
		}
		return "calendar:" + s.Calendar.String()
	default:
		return string(s.Kind)
	}
}

// Validate checks that the spec can be evaluated. Errors wrap ErrInvalidExpression.
func Validate(s Spec) error {
	if _, err := location(s.Timezone); err != nil {
		return err
	}
	if s.Start != nil && s.End != nil && s.End.Before(*s.Start) {
		return invalid("end cannot be earlier than start")
	}
	switch s.Kind {
	case KindInterval:
		if s.Every < MinInterval {
			return invalid("interval must be at least %s", MinInterval)
		}
		return nil
	case KindCron:
		_, err := parseCron(s.Expression)
		return err
	case KindOneShot:
		if s.At.IsZero() {
			return invalid("one-shot time required")
		}
		return nil
	case KindCalendar:
		if s.Calendar == nil {
			return invalid("calendar interval required")
		}
		if s.Start == nil {
			return invalid("calendar interval requires a start date")
		}
		return s.Calendar.validate()
	case "":
		return invalid("trigger kind required")
	default:
		return invalid("unknown trigger kind %q", s.Kind)
	}
}

// ComputeNext returns the next fire time strictly after ref.
//
// ok is false when the trigger is exhausted (one-shot already passed, or the
// next occurrence would be after End). It is a pure function of its inputs.
func ComputeNext(s Spec, ref time.Time) (next time.Time, ok bool, err error) {
	if err := Validate(s); err != nil {
		return time.Time{}, false, err
	}
	loc, _ := location(s.Timezone)

	switch s.Kind {
	case KindInterval:
		if s.Start != nil && ref.Before(*s.Start) {
			next = *s.Start
		} else {
			next = ref.Add(s.Every)
		}
	case KindCron:
		sched, _ := parseCron(s.Expression)
		from := ref
		if s.Start != nil && from.Before(*s.Start) {
			// Let Start itself match.
			from = s.Start.Add(-time.Nanosecond)
		}
		next = sched.Next(from.In(loc))
		if next.IsZero() {
			return time.Time{}, false, nil
		}
	case KindOneShot:
		if !ref.Before(s.At) {
			return time.Time{}, false, nil
		}
		return s.At, true, nil
	case KindCalendar:
		var found bool
		next, found = s.Calendar.next(s.Start.In(loc), ref, loc)
		if !found {
			return time.Time{}, false, nil
		}
	}

	if s.End != nil && next.After(*s.End) {
		return time.Time{}, false, nil
	}
	return next, true, nil
}

// maxAdvanceSteps bounds AdvancePast iteration for non-interval triggers.
const maxAdvanceSteps = 100000

// AdvancePast returns the first occurrence strictly after limit, walking the
// trigger forward from the occurrence at from. Interval triggers keep their
// phase (from + k*every) instead of restarting at limit.
func AdvancePast(s Spec, from, limit time.Time) (time.Time, bool, error) {
	if err := Validate(s); err != nil {
		return time.Time{}, false, err
	}
	if s.Kind == KindInterval && from.Before(limit) {
		k := limit.Sub(from)/s.Every + 1
		next := from.Add(k * s.Every)
		if s.End != nil && next.After(*s.End) {
			return time.Time{}, false, nil
		}
		return next, true, nil
	}

	cur := from
	for i := 0; i < maxAdvanceSteps; i++ {
		next, ok, err := ComputeNext(s, cur)
		if err != nil || !ok {
			return time.Time{}, ok, err
		}
		if next.After(limit) {
			return next, true, nil
		}
		cur = next
	}
	return ComputeNext(s, limit)
}

func location(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" || strings.EqualFold(tz, "utc") {
		return time.UTC, nil
	}
	if strings.EqualFold(tz, "local") {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, invalid("unknown timezone %q", tz)
	}
	return loc, nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidExpression, fmt.Sprintf(format, args...))
}
