package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewStatusCommand creates the status command (spec.md §6.1 "getStatus").
func NewStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <plan-id>",
		Short: "Show a plan's aggregated status and per-node state",
		Args:  cobra.ExactArgs(1),
		RunE:  runStatus,
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.log.Close()

	inst, err := a.runner.Get(args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "plan %s (%s): %s\n", inst.ID, inst.Spec.Name, inst.Status)
	for producerID, state := range inst.NodeStates {
		fmt.Fprintf(out, "  %-24s %s\n", producerID, state.Status)
	}
	if inst.MergeFailed {
		fmt.Fprintf(out, "merge: FAILED\n")
		if inst.MergeConflict != nil {
			fmt.Fprintf(out, "  conflict on node %s: %s -> %s\n", inst.MergeConflict.NodeID, inst.MergeConflict.NodeBranch, inst.MergeConflict.TargetBranch)
			for _, f := range inst.MergeConflict.ConflictingFiles {
				fmt.Fprintf(out, "    %s\n", f)
			}
		}
	}
	return nil
}
