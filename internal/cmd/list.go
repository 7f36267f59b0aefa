package cmd

import (
	"fmt"

	"github.com/harrison/planrunner/internal/runner"
	"github.com/spf13/cobra"
)

// NewListCommand creates the list command (spec.md §6.1 "list(filter)").
func NewListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List known plans, optionally filtered by status",
		RunE:  runList,
	}
	cmd.Flags().String("status", "", "Filter by plan status (pending, running, succeeded, failed, ...)")
	return cmd
}

func runList(cmd *cobra.Command, args []string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.log.Close()

	status, _ := cmd.Flags().GetString("status")
	summaries, err := a.runner.List(runner.ListFilter{Status: status})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, s := range summaries {
		fmt.Fprintf(out, "%-36s %-10s %s\n", s.ID, s.Status, s.Name)
	}
	return nil
}
