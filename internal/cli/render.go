package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"taskd/internal/task"
)

const timeLayout = "2006-01-02 15:04:05Z07:00"

func addOutputFlag(cmd *cobra.Command, dst *string) {
	cmd.Flags().StringVarP(dst, "output", "o", "table", "output format: table or json")
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable() table.Writer {
	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	return t
}

var scheduleHeader = table.Row{
	"ID",
	"Task",
	"Trigger",
	"Enabled",
	"Next Fire",
	"Last Fire",
	"Misfire",
}

func renderSchedules(list []task.Schedule) string {
	t := newTable()
	t.AppendHeader(scheduleHeader)
	for _, sc := range list {
		t.AppendRow(table.Row{
			sc.ID,
			sc.TaskRef,
			sc.Trigger.String(),
			sc.Enabled,
			formatTimePtr(sc.NextFireTime),
			formatTimePtr(sc.LastFireTime),
			string(sc.Misfire),
		})
	}
	t.AppendFooter(table.Row{"", "", "", "", "", "Total", len(list)})
	return t.Render()
}

func renderSchedule(sc task.Schedule) string {
	t := newTable()
	t.SetColumnConfigs([]table.ColumnConfig{{Number: 1, Align: text.AlignRight}})
	rows := []table.Row{
		{"ID", sc.ID},
		{"Task", sc.TaskRef},
		{"Trigger", sc.Trigger.String()},
		{"Timezone", orDash(sc.Trigger.Timezone)},
		{"Enabled", sc.Enabled},
		{"Paused By", orDash(sc.PausedBy)},
		{"Next Fire", formatTimePtr(sc.NextFireTime)},
		{"Last Fire", formatTimePtr(sc.LastFireTime)},
		{"Misfire", fmt.Sprintf("%s (grace %s)", sc.Misfire, formatDuration(sc.MisfireGrace))},
		{"Timeout", formatDuration(sc.Timeout)},
		{"Max Instances", sc.MaxInstances},
		{"Retry Max", sc.RetryMax},
		{"Payload", orDash(string(sc.Payload))},
		{"Version", sc.Version},
		{"Created", sc.CreatedAt.Format(timeLayout)},
		{"Updated", sc.UpdatedAt.Format(timeLayout)},
	}
	t.AppendRows(rows)
	return t.Render()
}

var runHeader = table.Row{
	"Run",
	"Schedule",
	"Task",
	"Scheduled",
	"Duration",
	"Attempts",
	"Outcome",
	"Instance",
}

func renderRuns(runs []task.TaskRun) string {
	t := newTable()
	t.AppendHeader(runHeader)
	for _, r := range runs {
		t.AppendRow(table.Row{
			shortID(r.ID),
			r.ScheduleID,
			r.TaskRef,
			r.ScheduledAt.Format(timeLayout),
			r.Duration().Round(time.Millisecond).String(),
			r.Attempts,
			r.Outcome.String(),
			orDash(r.Instance),
		})
	}
	return t.Render()
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(timeLayout)
}

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	return d.String()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
