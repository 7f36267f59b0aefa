package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewCancelCommand creates the cancel command (spec.md §4.1 "cancel").
func NewCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <plan-id>",
		Short: "Cancel every non-terminal node of a plan and terminate their process trees",
		Args:  cobra.ExactArgs(1),
		RunE:  runCancel,
	}
}

func runCancel(cmd *cobra.Command, args []string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.log.Close()

	if err := a.runner.Cancel(args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "plan %s canceled\n", args[0])
	return nil
}

// NewPauseCommand creates the pause command.
func NewPauseCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "pause <plan-id>",
		Short: "Pause scheduling new work for a plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}
			defer a.log.Close()
			if err := a.runner.Pause(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "plan %s paused\n", args[0])
			return nil
		},
	}
}

// NewResumeCommand creates the resume command.
func NewResumeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <plan-id>",
		Short: "Resume scheduling for a paused plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}
			defer a.log.Close()
			if err := a.runner.Resume(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "plan %s resumed\n", args[0])
			return nil
		},
	}
}
