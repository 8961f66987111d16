package trigger

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// Parse turns a compact schedule string into a Spec.
//
// Supported forms:
//   - Cron: "*/5 * * * *", "0 30 9 * * *", "@hourly", "@every 55m"
//   - Interval duration: "55m", "2h30m"
//   - Interval HH:MM: "00:50" (50 minutes), "02:30" (2 hours 30 minutes)
//   - One-shot RFC3339 timestamp: "2026-01-02T15:04:05Z"
//
// Optional prefixes force a kind:
//   - "cron:" cron expression
//   - "interval:" or "every:" interval
//   - "at:" or "once:" one-shot timestamp
//
// The result is validated; errors wrap ErrInvalidExpression.
func Parse(raw string) (Spec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Spec{}, invalid("schedule required")
	}

	low := strings.ToLower(s)
	for _, p := range []struct {
		prefix string
		kind   Kind
	}{
		{"cron:", KindCron},
		{"interval:", KindInterval},
		{"every:", KindInterval},
		{"at:", KindOneShot},
		{"once:", KindOneShot},
	} {
		if !strings.HasPrefix(low, p.prefix) {
			continue
		}
		v := strings.TrimSpace(s[len(p.prefix):])
		switch p.kind {
		case KindCron:
			return validated(Cron(v))
		case KindInterval:
			d, err := parseInterval(v)
			if err != nil {
				return Spec{}, err
			}
			return validated(Interval(d))
		default:
			at, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return Spec{}, invalid("invalid timestamp %q (use RFC3339)", v)
			}
			return validated(OneShot(at))
		}
	}

	// Heuristics:
	// - any whitespace or leading '@' => cron
	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		return validated(Cron(s))
	}
	// - RFC3339 => one-shot
	if at, err := time.Parse(time.RFC3339, s); err == nil {
		return validated(OneShot(at))
	}
	// - HH:MM or Go duration => interval
	if d, err := parseInterval(s); err == nil {
		return validated(Interval(d))
	}

	return Spec{}, invalid(
		"invalid schedule %q (use cron like '*/5 * * * *', HH:MM like '02:30', duration like '55m' or an RFC3339 time)",
		raw,
	)
}

func validated(s Spec) (Spec, error) {
	if err := Validate(s); err != nil {
		return Spec{}, err
	}
	return s, nil
}

func parseInterval(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, invalid("interval required")
	}
	if m := reHHMM.FindStringSubmatch(v); len(m) == 3 {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return 0, invalid("invalid minutes in %q", v)
		}
		return time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, invalid("invalid interval %q (use HH:MM or Go duration like '55m'/'2h30m')", v)
	}
	return d, nil
}
