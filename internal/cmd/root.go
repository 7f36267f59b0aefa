package cmd

import (
	"github.com/spf13/cobra"
)

// NewRootCommand creates and returns the root cobra command for planrunner.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "planrunner",
		Short: "DAG-scheduled plan orchestration with worktree isolation",
		Long: `planrunner executes declarative plans of interdependent nodes,
each running in its own isolated git worktree, merging completed leaves back
onto the plan's target branch as they finish rather than waiting for the
whole plan to complete.`,
		Version:      Version,
		SilenceUsage: true,
	}

	cmd.AddCommand(NewEnqueueCommand())
	cmd.AddCommand(NewStatusCommand())
	cmd.AddCommand(NewListCommand())
	cmd.AddCommand(NewCancelCommand())
	cmd.AddCommand(NewPauseCommand())
	cmd.AddCommand(NewResumeCommand())
	cmd.AddCommand(NewRetryCommand())
	cmd.AddCommand(NewLogsCommand())
	cmd.AddCommand(NewFailureCommand())

	return cmd
}
