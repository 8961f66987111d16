package trigger

import (
	"fmt"
	"strings"
	"time"
)

// CalendarInterval fires on calendar-based intervals, always at the same wall
// clock time of day.
//
// Each step first adds Years and Months to the previous date keeping the day of
// month (repeating while that date does not exist, e.g. Feb 30), then adds Weeks
// and Days. Without Weeks/Days the task therefore always runs on the same day of
// the month. Times falling into a DST gap are skipped.
type CalendarInterval struct {
	Years  int `json:"years,omitempty"`
	Months int `json:"months,omitempty"`
	Weeks  int `json:"weeks,omitempty"`
	Days   int `json:"days,omitempty"`

	Hour   int `json:"hour,omitempty"`
	Minute int `json:"minute,omitempty"`
	Second int `json:"second,omitempty"`
}

const maxCalendarSteps = 200000

func (c CalendarInterval) String() string {
	var parts []string
	add := func(n int, unit string) {
		if n != 0 {
			parts = append(parts, fmt.Sprintf("%d%s", n, unit))
		}
	}
	add(c.Years, "y")
	add(c.Months, "mo")
	add(c.Weeks, "w")
	add(c.Days, "d")
	return fmt.Sprintf("%s@%02d:%02d:%02d", strings.Join(parts, ""), c.Hour, c.Minute, c.Second)
}

func (c CalendarInterval) validate() error {
	if c.Years < 0 || c.Months < 0 || c.Weeks < 0 || c.Days < 0 {
		return invalid("calendar interval fields must be >= 0")
	}
	if c.Years == 0 && c.Months == 0 && c.Weeks == 0 && c.Days == 0 {
		return invalid("the interval must be at least 1 day long")
	}
	if c.Hour < 0 || c.Hour > 23 || c.Minute < 0 || c.Minute > 59 || c.Second < 0 || c.Second > 59 {
		return invalid("invalid time of day %02d:%02d:%02d", c.Hour, c.Minute, c.Second)
	}
	return nil
}

// civil is a date without time or zone; arithmetic is done in UTC to stay
// clear of DST.
type civil struct{ t time.Time }

func civilOf(t time.Time) civil {
	y, m, d := t.Date()
	return civil{time.Date(y, m, d, 0, 0, 0, 0, time.UTC)}
}

func (c CalendarInterval) advance(d civil) civil {
	y, m, day := d.t.Date()
	if c.Years != 0 || c.Months != 0 {
		year, month := y, int(m)
		for {
			month += c.Months
			year += c.Years + (month-1)/12
			month = (month-1)%12 + 1
			if daysIn(year, time.Month(month)) >= day {
				break
			}
		}
		d = civil{time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)}
	}
	if n := c.Days + 7*c.Weeks; n != 0 {
		d = civil{d.t.AddDate(0, 0, n)}
	}
	return d
}

// at combines the date with the configured time of day in loc. ok is false when
// that wall clock time does not exist on the date (DST forward shift).
func (c CalendarInterval) at(d civil, loc *time.Location) (time.Time, bool) {
	y, m, day := d.t.Date()
	t := time.Date(y, m, day, c.Hour, c.Minute, c.Second, 0, loc)
	if t.Hour() != c.Hour || t.Minute() != c.Minute || t.Second() != c.Second {
		return time.Time{}, false
	}
	return t, true
}

// next returns the first occurrence strictly after ref, starting the sequence
// on the date of start.
func (c CalendarInterval) next(start, ref time.Time, loc *time.Location) (time.Time, bool) {
	d := civilOf(start)

	// Day/week-only intervals have a fixed step: jump close to ref.
	if c.Years == 0 && c.Months == 0 {
		step := c.Days + 7*c.Weeks
		gap := int(civilOf(ref.In(loc)).t.Sub(d.t).Hours() / 24)
		if k := gap/step - 1; k > 0 {
			d = civil{d.t.AddDate(0, 0, k*step)}
		}
	}

	for i := 0; i < maxCalendarSteps; i++ {
		if t, ok := c.at(d, loc); ok && t.After(ref) {
			return t, true
		}
		d = c.advance(d)
	}
	return time.Time{}, false
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
