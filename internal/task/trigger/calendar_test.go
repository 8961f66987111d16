package trigger

import (
	"errors"
	"testing"
	"time"
)

func calendarSpec(c CalendarInterval, start time.Time, tz string) Spec {
	return Spec{Kind: KindCalendar, Calendar: &c, Start: &start, Timezone: tz}
}

func TestCalendarSequence(t *testing.T) {
	t.Parallel()
	loc, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	start := time.Date(2016, 3, 5, 0, 0, 0, 0, loc)
	spec := calendarSpec(CalendarInterval{Years: 1, Months: 5, Weeks: 6, Days: 8, Hour: 3, Second: 8}, start, "Europe/Berlin")

	ref := time.Date(2016, 3, 5, 3, 0, 8, 0, loc)
	want := []time.Time{
		time.Date(2017, 9, 24, 3, 0, 8, 0, loc),
		time.Date(2019, 4, 15, 3, 0, 8, 0, loc),
		time.Date(2020, 11, 4, 3, 0, 8, 0, loc),
	}
	got := Preview(spec, ref, len(want))
	if len(got) != len(want) {
		t.Fatalf("got %d times, want %d: %v", len(got), len(want), got)
	}
	for i := range want {
		if !got[i].Equal(want[i]) {
			t.Fatalf("run %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestCalendarFirstRunIsStartDate(t *testing.T) {
	t.Parallel()
	start := time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC)
	spec := calendarSpec(CalendarInterval{Days: 2, Hour: 6}, start, "")
	next, ok, err := ComputeNext(spec, time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC))
	if err != nil || !ok {
		t.Fatalf("ComputeNext: ok=%v err=%v", ok, err)
	}
	if want := time.Date(2026, 3, 5, 6, 0, 0, 0, time.UTC); !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
}

func TestCalendarDayStepJumpsForward(t *testing.T) {
	t.Parallel()
	start := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	spec := calendarSpec(CalendarInterval{Weeks: 1, Hour: 12}, start, "")
	ref := time.Date(2026, 6, 10, 13, 0, 0, 0, time.UTC)
	next, ok, _ := ComputeNext(spec, ref)
	if !ok {
		t.Fatal("expected next")
	}
	if next.Weekday() != start.Weekday() || !next.After(ref) || next.Sub(ref) > 7*24*time.Hour {
		t.Fatalf("unexpected next %v", next)
	}
}

func TestCalendarSkipsNonexistentDays(t *testing.T) {
	t.Parallel()
	start := time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC)
	spec := calendarSpec(CalendarInterval{Months: 1}, start, "")
	got := Preview(spec, start, 2)
	want := []time.Time{
		time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 5, 31, 0, 0, 0, 0, time.UTC),
	}
	for i := range want {
		if !got[i].Equal(want[i]) {
			t.Fatalf("run %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestCalendarSkipsDSTGap(t *testing.T) {
	t.Parallel()
	loc, err := time.LoadLocation("Europe/Helsinki")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	// 2026-03-29 03:00 -> 04:00 in Helsinki; 03:30 does not exist that day.
	start := time.Date(2026, 3, 28, 0, 0, 0, 0, loc)
	spec := calendarSpec(CalendarInterval{Days: 1, Hour: 3, Minute: 30}, start, "Europe/Helsinki")
	got := Preview(spec, time.Date(2026, 3, 28, 12, 0, 0, 0, loc), 1)
	if len(got) != 1 {
		t.Fatalf("expected one run, got %v", got)
	}
	if want := time.Date(2026, 3, 30, 3, 30, 0, 0, loc); !got[0].Equal(want) {
		t.Fatalf("next = %v, want %v", got[0], want)
	}
}

func TestCalendarEnd(t *testing.T) {
	t.Parallel()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC)
	spec := calendarSpec(CalendarInterval{Days: 1}, start, "")
	spec.End = &end
	if got := Preview(spec, start.Add(-time.Second), 10); len(got) != 3 {
		t.Fatalf("expected 3 runs before end, got %v", got)
	}
}

func TestCalendarRejectsEmptyInterval(t *testing.T) {
	t.Parallel()
	start := time.Now()
	err := Validate(calendarSpec(CalendarInterval{Hour: 1}, start, ""))
	if !errors.Is(err, ErrInvalidExpression) {
		t.Fatalf("err = %v, want ErrInvalidExpression", err)
	}
}
