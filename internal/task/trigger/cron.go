package trigger

import (
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func parseCron(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, invalid("cron expression required")
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, invalid("cron %q: %v", expr, err)
	}
	return sched, nil
}

// Preview returns up to n upcoming fire times after ref. It is meant for
// diagnostics (CLI output, debug logs), not for scheduling decisions.
func Preview(s Spec, ref time.Time, n int) []time.Time {
	out := make([]time.Time, 0, n)
	cur := ref
	for i := 0; i < n; i++ {
		next, ok, err := ComputeNext(s, cur)
		if err != nil || !ok {
			break
		}
		out = append(out, next)
		cur = next
	}
	return out
}
