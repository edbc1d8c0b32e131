package cli

import (
	"github.com/spf13/cobra"

	"github.com/shaiso/Stepflow/internal/engine"
)

// Options — параметры корневой команды.
type Options struct {
	// Workflows — workflow, доступные командам.
	Workflows []*engine.Workflow

	// Version — версия бинарника.
	Version string
}

// NewRootCmd создаёт корневую команду stepflow.
func NewRootCmd(opts Options) *cobra.Command {
	var flags Flags

	rootCmd := &cobra.Command{
		Use:           "stepflow",
		Short:         "Stepflow — workflow execution engine",
		Version:       opts.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "Config file (default: ./stepflow.yaml)")
	rootCmd.PersistentFlags().StringVar(&flags.Root, "root", "", "Results root directory")
	rootCmd.PersistentFlags().StringVar(&flags.Rules, "rules", "", "Rules document")
	rootCmd.PersistentFlags().BoolVar(&flags.JSON, "json", false, "Output in JSON format")

	appFn := func(cmd *cobra.Command, observers ...engine.Observer) (*App, error) {
		return NewApp(flags, opts.Workflows, cmd.OutOrStdout(), cmd.ErrOrStderr(), observers...)
	}

	rootCmd.AddCommand(
		NewRunCmd(appFn),
		NewStatusCmd(appFn),
		NewPlanCmd(appFn),
		NewCleanCmd(appFn),
		NewTasksCmd(appFn),
		NewJobCmd(appFn),
		NewIndexCmd(appFn),
	)
	return rootCmd
}
