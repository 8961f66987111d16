// Package cli implements the taskd command line.
package cli

import (
	"github.com/spf13/cobra"

	"taskd/internal/app"
	logx "taskd/pkg/logx"
)

const defaultConfigPath = "./taskd.yaml"

// Options are passed through to the app the run command builds.
type Options struct {
	Version string
	App     app.Options
}

type rootFlags struct {
	config   string
	logLevel string
}

func (f *rootFlags) logger() logx.Logger {
	return logx.NewConsole(f.logLevel).With(logx.String("comp", "cli"))
}

// NewRootCommand builds the taskd command tree.
func NewRootCommand(opt Options) *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:           "taskd",
		Short:         "Persistent task scheduler",
		Long:          "taskd runs scheduled tasks from a shared, persistent schedule store.",
		Version:       opt.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flags.config, "config", "c", defaultConfigPath, "path to config file (yaml or json)")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "warn", "log level for management commands")

	root.AddCommand(
		newRunCommand(flags, opt),
		newScheduleCommand(flags),
		newRunsCommand(flags),
	)
	return root
}
