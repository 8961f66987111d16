package trigger

import (
	"errors"
	"testing"
	"time"
)

func mustTime(t *testing.T, s string) time.Time {
	t.Helper()
	v, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return v
}

func TestIntervalAddsDuration(t *testing.T) {
	t.Parallel()
	base := mustTime(t, "2026-03-01T10:00:00Z")
	for _, d := range []time.Duration{time.Second, 90 * time.Second, time.Hour, 36 * time.Hour} {
		for _, off := range []time.Duration{0, 7 * time.Millisecond, 13 * time.Hour} {
			ref := base.Add(off)
			next, ok, err := ComputeNext(Interval(d), ref)
			if err != nil || !ok {
				t.Fatalf("ComputeNext(%v, %v) = ok=%v err=%v", d, ref, ok, err)
			}
			if !next.Equal(ref.Add(d)) {
				t.Fatalf("ComputeNext(%v, %v) = %v, want %v", d, ref, next, ref.Add(d))
			}
		}
	}
}

func TestIntervalStartAndEnd(t *testing.T) {
	t.Parallel()
	start := mustTime(t, "2026-03-01T12:00:00Z")
	end := mustTime(t, "2026-03-01T12:30:00Z")
	spec := Interval(10 * time.Minute)
	spec.Start = &start
	spec.End = &end

	next, ok, _ := ComputeNext(spec, start.Add(-time.Hour))
	if !ok || !next.Equal(start) {
		t.Fatalf("before start: got %v ok=%v, want %v", next, ok, start)
	}
	next, ok, _ = ComputeNext(spec, start.Add(20*time.Minute))
	if !ok || !next.Equal(end) {
		t.Fatalf("at boundary: got %v ok=%v, want %v", next, ok, end)
	}
	if _, ok, _ = ComputeNext(spec, end); ok {
		t.Fatal("expected exhausted after end")
	}
}

func TestIntervalTooShort(t *testing.T) {
	t.Parallel()
	_, _, err := ComputeNext(Interval(500*time.Millisecond), time.Now())
	if !errors.Is(err, ErrInvalidExpression) {
		t.Fatalf("err = %v, want ErrInvalidExpression", err)
	}
}

func TestOneShot(t *testing.T) {
	t.Parallel()
	at := mustTime(t, "2026-05-05T05:05:05Z")
	spec := OneShot(at)

	tests := []struct {
		ref    time.Time
		wantOK bool
	}{
		{ref: at.Add(-time.Hour), wantOK: true},
		{ref: at.Add(-time.Nanosecond), wantOK: true},
		{ref: at, wantOK: false},
		{ref: at.Add(time.Minute), wantOK: false},
	}
	for _, tt := range tests {
		next, ok, err := ComputeNext(spec, tt.ref)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if ok != tt.wantOK {
			t.Fatalf("ComputeNext(ref=%v) ok = %v, want %v", tt.ref, ok, tt.wantOK)
		}
		if ok && !next.Equal(at) {
			t.Fatalf("next = %v, want %v", next, at)
		}
	}
}

func TestCronStrictlyAfter(t *testing.T) {
	t.Parallel()
	spec := Cron("*/15 * * * *")
	ref := mustTime(t, "2026-03-01T10:15:00Z")
	next, ok, err := ComputeNext(spec, ref)
	if err != nil || !ok {
		t.Fatalf("ComputeNext: ok=%v err=%v", ok, err)
	}
	if want := mustTime(t, "2026-03-01T10:30:00Z"); !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}

	// With seconds field.
	spec = Cron("30 * * * * *")
	next, _, _ = ComputeNext(spec, ref)
	if want := mustTime(t, "2026-03-01T10:15:30Z"); !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
}

func TestCronTimezone(t *testing.T) {
	t.Parallel()
	spec := Cron("0 9 * * *")
	spec.Timezone = "Asia/Jakarta" // UTC+7, no DST
	ref := mustTime(t, "2026-03-01T00:00:00Z")
	next, ok, err := ComputeNext(spec, ref)
	if err != nil || !ok {
		t.Fatalf("ComputeNext: ok=%v err=%v", ok, err)
	}
	if want := mustTime(t, "2026-03-01T02:00:00Z"); !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next.UTC(), want)
	}
}

func TestCronStartIsInclusive(t *testing.T) {
	t.Parallel()
	start := mustTime(t, "2026-03-01T11:00:00Z")
	spec := Cron("@hourly")
	spec.Start = &start
	next, ok, _ := ComputeNext(spec, start.Add(-5*time.Hour))
	if !ok || !next.Equal(start) {
		t.Fatalf("next = %v ok=%v, want %v", next, ok, start)
	}
}

func TestCronInvalidExpression(t *testing.T) {
	t.Parallel()
	for _, expr := range []string{"", "not a cron", "61 * * * *", "* * * * * * *"} {
		_, _, err := ComputeNext(Cron(expr), time.Now())
		if !errors.Is(err, ErrInvalidExpression) {
			t.Fatalf("expr %q: err = %v, want ErrInvalidExpression", expr, err)
		}
	}
}

func TestCronRejectsKeywordFields(t *testing.T) {
	t.Parallel()
	// Year, ISO week, last-day and weekday-position fields have no robfig form.
	tests := map[string]string{
		"last day of month": "0 0 last * *",
		"weekday position":  "0 0 * * 2nd fri",
		"last weekday":      "0 0 * * last fri",
		"year field":        "0 0 0 1 1 * 2030",
		"quartz L":          "0 0 L * *",
	}
	for name, expr := range tests {
		if err := Validate(Cron(expr)); !errors.Is(err, ErrInvalidExpression) {
			t.Fatalf("%s (%q): err = %v, want ErrInvalidExpression", name, expr, err)
		}
	}
}

func TestValidateRejects(t *testing.T) {
	t.Parallel()
	now := time.Now()
	earlier := now.Add(-time.Hour)
	tests := []struct {
		name string
		spec Spec
	}{
		{name: "empty kind", spec: Spec{}},
		{name: "unknown kind", spec: Spec{Kind: "weekly"}},
		{name: "zero one-shot", spec: Spec{Kind: KindOneShot}},
		{name: "bad timezone", spec: Spec{Kind: KindInterval, Every: time.Minute, Timezone: "Mars/Olympus"}},
		{name: "end before start", spec: Spec{Kind: KindInterval, Every: time.Minute, Start: &now, End: &earlier}},
		{name: "calendar without start", spec: Spec{Kind: KindCalendar, Calendar: &CalendarInterval{Days: 1}}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if err := Validate(tt.spec); !errors.Is(err, ErrInvalidExpression) {
				t.Fatalf("Validate = %v, want ErrInvalidExpression", err)
			}
		})
	}
}

func TestAdvancePastIntervalKeepsPhase(t *testing.T) {
	t.Parallel()
	from := mustTime(t, "2026-03-01T10:00:00Z")
	limit := from.Add(95 * time.Minute)
	next, ok, err := AdvancePast(Interval(10*time.Minute), from, limit)
	if err != nil || !ok {
		t.Fatalf("AdvancePast: ok=%v err=%v", ok, err)
	}
	if want := from.Add(100 * time.Minute); !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
}

func TestAdvancePastCron(t *testing.T) {
	t.Parallel()
	from := mustTime(t, "2026-03-01T10:00:00Z")
	limit := mustTime(t, "2026-03-01T13:20:00Z")
	next, ok, err := AdvancePast(Cron("@hourly"), from, limit)
	if err != nil || !ok {
		t.Fatalf("AdvancePast: ok=%v err=%v", ok, err)
	}
	if want := mustTime(t, "2026-03-01T14:00:00Z"); !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
}

func TestAdvancePastOneShotExhausts(t *testing.T) {
	t.Parallel()
	at := mustTime(t, "2026-03-01T10:00:00Z")
	if _, ok, err := AdvancePast(OneShot(at), at, at.Add(time.Hour)); ok || err != nil {
		t.Fatalf("expected exhausted, got ok=%v err=%v", ok, err)
	}
}

func TestPreview(t *testing.T) {
	t.Parallel()
	ref := mustTime(t, "2026-03-01T10:00:00Z")
	got := Preview(Interval(time.Hour), ref, 3)
	if len(got) != 3 || !got[2].Equal(ref.Add(3*time.Hour)) {
		t.Fatalf("unexpected preview: %v", got)
	}
	if got := Preview(OneShot(ref.Add(time.Minute)), ref, 5); len(got) != 1 {
		t.Fatalf("one-shot preview len = %d, want 1", len(got))
	}
}
