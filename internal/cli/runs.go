package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"taskd/internal/app"
	"taskd/internal/storage"
)

func newRunsCommand(flags *rootFlags) *cobra.Command {
	var (
		scheduleID string
		limit      int
		output     string
	)
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded task runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if limit < 0 {
				return fmt.Errorf("--limit must be >= 0")
			}
			return withAdmin(cmd, flags, func(a *app.Admin) error {
				runs, err := a.Scheduler().Runs(cmd.Context(), storage.RunFilter{ScheduleID: scheduleID, Limit: limit})
				if err != nil {
					return err
				}
				if output == "json" {
					return writeJSON(cmd.OutOrStdout(), runs)
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderRuns(runs))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&scheduleID, "schedule", "s", "", "only runs of this schedule")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of runs (0 = all)")
	addOutputFlag(cmd, &output)
	return cmd
}
