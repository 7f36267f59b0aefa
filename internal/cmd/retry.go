package cmd

import (
	"fmt"

	"github.com/harrison/planrunner/internal/runner"
	"github.com/spf13/cobra"
)

// NewRetryCommand creates the retry command (spec.md §6.1 "retryNode").
func NewRetryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retry <plan-id> <node-id>",
		Short: "Reset a failed node to pending and let the scheduler re-dispatch it",
		Args:  cobra.ExactArgs(2),
		RunE:  runRetry,
	}
	cmd.Flags().Bool("clear-worktree", false, "Destroy and recreate the node's worktree before retrying")
	return cmd
}

func runRetry(cmd *cobra.Command, args []string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.log.Close()

	clear, _ := cmd.Flags().GetBool("clear-worktree")
	opts := runner.RetryNodeOptions{ClearWorktree: clear}
	if err := a.runner.RetryNode(args[0], args[1], opts); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "node %s of plan %s queued for retry\n", args[1], args[0])
	return nil
}
