package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"taskd/internal/app"
	"taskd/pkg/systemd"
)

const stopTimeout = 30 * time.Second

func newRunCommand(flags *rootFlags, opt Options) *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the scheduler and executor",
		Long: `taskd run starts the scheduler loop and the task executor and keeps them
running until SIGINT or SIGTERM. With --once it runs a single poll cycle,
waits for the dispatched tasks and exits.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appOpt := opt.App
			appOpt.Version = opt.Version
			a, err := app.New(cmd.Context(), flags.config, appOpt)
			if err != nil {
				return err
			}
			if once {
				return runOnce(cmd, a)
			}
			return runDaemon(cmd.Context(), a)
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run one poll cycle and exit")
	return cmd
}

func runOnce(cmd *cobra.Command, a *app.App) error {
	rep, err := a.RunOnce(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "due=%d fired=%d skipped=%d rescheduled=%d exhausted=%d errors=%d\n",
		rep.Due, rep.Fired, rep.Skipped, rep.Rescheduled, rep.Exhausted, rep.Errors)
	return nil
}

func runDaemon(ctx context.Context, a *app.App) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	if err := a.Start(ctx); err != nil {
		return err
	}
	_, _ = systemd.Ready()

	wdCtx, stopWatchdog := context.WithCancel(ctx)
	defer stopWatchdog()
	go func() { _ = systemd.Watchdog(wdCtx) }()

	reason := app.StopAppStop
	select {
	case sig := <-sigCh:
		reason = app.StopSIGTERM
		if sig == os.Interrupt {
			reason = app.StopSIGINT
		}
	case <-a.Done():
		reason = app.StopFatalError
	case <-ctx.Done():
	}

	_, _ = systemd.Stopping()
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
	defer cancel()
	stopErr := a.Stop(stopCtx, reason)
	if err := a.Err(); err != nil && reason == app.StopFatalError {
		return err
	}
	return stopErr
}
