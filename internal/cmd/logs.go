package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewLogsCommand creates the logs command (spec.md §6.1 "getNodeLogs").
func NewLogsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs <plan-id> <node-id>",
		Short: "Print a node's phase log",
		Args:  cobra.ExactArgs(2),
		RunE:  runLogs,
	}
	cmd.Flags().String("phase", "", "Only print lines for this phase (prechecks, work, postchecks)")
	return cmd
}

func runLogs(cmd *cobra.Command, args []string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.log.Close()

	phase, _ := cmd.Flags().GetString("phase")
	out, err := a.runner.GetNodeLogs(args[0], args[1], phase)
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), out)
	return nil
}
