package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"taskd/internal/app"
	"taskd/internal/config"
	"taskd/internal/task"
)

func newScheduleCommand(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "schedule",
		Aliases: []string{"schedules", "sched"},
		Short:   "Manage schedules in the configured store",
	}
	cmd.AddCommand(
		newScheduleAddCommand(flags),
		newScheduleListCommand(flags),
		newScheduleGetCommand(flags),
		newScheduleRemoveCommand(flags),
		newScheduleToggleCommand(flags, "pause", "Disable a schedule"),
		newScheduleToggleCommand(flags, "resume", "Enable a paused schedule from now on"),
	)
	return cmd
}

// withAdmin opens the store for the duration of fn.
func withAdmin(cmd *cobra.Command, flags *rootFlags, fn func(a *app.Admin) error) error {
	a, err := app.OpenAdmin(cmd.Context(), flags.config, flags.logger())
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func newScheduleAddCommand(flags *rootFlags) *cobra.Command {
	var (
		id      string
		payload string
		sc      config.ScheduleConfig
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a schedule",
		Example: `  taskd schedule add --task echo --trigger "*/5 * * * *" --payload '{"message":"hi"}'
  taskd schedule add --id backup --task exec --trigger every:6h --misfire skip
  taskd schedule add --task echo --trigger at:2026-12-24T18:00:00Z`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if p := strings.TrimSpace(payload); p != "" {
				if !json.Valid([]byte(p)) {
					return fmt.Errorf("--payload is not valid JSON")
				}
				sc.Payload = json.RawMessage(p)
			}
			return withAdmin(cmd, flags, func(a *app.Admin) error {
				out, err := a.Add(cmd.Context(), id, sc)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "added %s (next %s)\n", out.ID, formatTimePtr(out.NextFireTime))
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&id, "id", "", "schedule id (default: generated)")
	f.StringVar(&sc.Task, "task", "", "task name")
	f.StringVar(&sc.Trigger, "trigger", "", `trigger: cron ("0 3 * * *"), interval ("every:15m") or one-shot ("at:<RFC3339>")`)
	f.StringVar(&payload, "payload", "", "JSON payload passed to the task")
	f.StringVar(&sc.Timezone, "timezone", "", "IANA timezone for cron triggers")
	f.StringVar(&sc.Start, "start", "", "RFC3339 time the trigger starts at")
	f.StringVar(&sc.End, "end", "", "RFC3339 time the trigger ends at")
	f.StringVar(&sc.Misfire, "misfire", "", "misfire policy: fire_immediately, skip, reschedule")
	f.StringVar(&sc.MisfireGrace, "misfire-grace", "", "late start tolerated before the misfire policy applies")
	f.StringVar(&sc.Timeout, "timeout", "", "per-run timeout")
	f.IntVar(&sc.MaxInstances, "max-instances", 0, "concurrent runs allowed (default 1)")
	f.IntVar(&sc.RetryMax, "retry-max", 0, "retries after a failed attempt")
	f.BoolVar(&sc.Paused, "paused", false, "add the schedule disabled")
	_ = cmd.MarkFlagRequired("task")
	_ = cmd.MarkFlagRequired("trigger")
	return cmd
}

func newScheduleListCommand(flags *rootFlags) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List schedules",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withAdmin(cmd, flags, func(a *app.Admin) error {
				list, err := a.Scheduler().List(cmd.Context())
				if err != nil {
					return err
				}
				if output == "json" {
					return writeJSON(cmd.OutOrStdout(), list)
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderSchedules(list))
				return nil
			})
		},
	}
	addOutputFlag(cmd, &output)
	return cmd
}

func newScheduleGetCommand(flags *rootFlags) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Show one schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd, flags, func(a *app.Admin) error {
				sc, err := a.Scheduler().Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if output == "json" {
					return writeJSON(cmd.OutOrStdout(), sc)
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderSchedule(sc))
				return nil
			})
		},
	}
	addOutputFlag(cmd, &output)
	return cmd
}

func newScheduleRemoveCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "remove <id>...",
		Aliases: []string{"rm", "delete"},
		Short:   "Remove schedules",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd, flags, func(a *app.Admin) error {
				for _, id := range args {
					if err := a.Scheduler().Remove(cmd.Context(), id); err != nil {
						return fmt.Errorf("remove %s: %w", id, err)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", id)
				}
				return nil
			})
		},
	}
}

func newScheduleToggleCommand(flags *rootFlags, verb, short string) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd, flags, func(a *app.Admin) error {
				var (
					sc  task.Schedule
					err error
				)
				if verb == "pause" {
					sc, err = a.Scheduler().Pause(cmd.Context(), args[0])
				} else {
					sc, err = a.Scheduler().Resume(cmd.Context(), args[0])
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s (enabled=%t next %s)\n", pastTense(verb), sc.ID, sc.Enabled, formatTimePtr(sc.NextFireTime))
				return nil
			})
		},
	}
}

func pastTense(verb string) string {
	if verb == "pause" {
		return "paused"
	}
	return "resumed"
}
