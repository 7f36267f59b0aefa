package cmd

import (
	"fmt"

	"github.com/harrison/planrunner/internal/report"
	"github.com/spf13/cobra"
)

// NewFailureCommand creates the failure command: it renders the diagnostic
// bundle for a failed node, or the merge-conflict evidence for a plan stuck
// on a conflicted merge, as Markdown (spec.md §7 "User-visible behavior").
func NewFailureCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "failure <plan-id> [node-id]",
		Short: "Show why a node failed, or why a plan's merge is stuck on a conflict",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  runFailure,
	}
	cmd.Flags().Bool("html", false, "Render the report as an HTML fragment instead of Markdown")
	return cmd
}

func runFailure(cmd *cobra.Command, args []string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.log.Close()

	planID := args[0]
	builder := report.NewBuilder()
	asHTML, _ := cmd.Flags().GetBool("html")

	var md string
	if len(args) == 2 {
		nodeID := args[1]
		fc, err := a.runner.GetFailureContext(planID, nodeID)
		if err != nil {
			return err
		}
		md = builder.FailureMarkdown(planID, fc)
	} else {
		inst, err := a.runner.Get(planID)
		if err != nil {
			return err
		}
		if inst.MergeConflict == nil {
			fmt.Fprintf(cmd.OutOrStdout(), "plan %s has no recorded merge conflict\n", planID)
			return nil
		}
		md = builder.MergeConflictMarkdown(planID, inst.MergeConflict)
	}

	if asHTML {
		html, err := builder.RenderHTML(md)
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), html)
		return nil
	}
	fmt.Fprintln(cmd.OutOrStdout(), md)
	return nil
}
