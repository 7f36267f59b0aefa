package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/harrison/planrunner/internal/plan"
	"github.com/spf13/cobra"
)

// NewEnqueueCommand creates the enqueue command (spec.md §6.1
// "enqueue(spec) -> {planId}").
func NewEnqueueCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "enqueue <plan-file>",
		Short: "Submit a plan document and start scheduling it",
		Long: `Parses a plan document (YAML or JSON) into a PlanSpec, validates its
dependency graph, and hands it to the scheduler.

Examples:
  planrunner enqueue plan.yaml
  planrunner enqueue plan.json`,
		Args: cobra.ExactArgs(1),
		RunE: runEnqueue,
	}
	return cmd
}

func parsePlanFile(path string) (*plan.PlanSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan file: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return plan.ParseJSON(data)
	case ".yaml", ".yml":
		return plan.ParseYAML(data)
	default:
		return nil, fmt.Errorf("unrecognized plan file extension %q (use .yaml, .yml, or .json)", filepath.Ext(path))
	}
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	spec, err := parsePlanFile(args[0])
	if err != nil {
		return err
	}

	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.log.Close()

	planID, err := a.runner.Enqueue(cmd.Context(), spec)
	if err != nil {
		return fmt.Errorf("enqueue plan: %w", err)
	}

	a.log.LogPlanEnqueued(planID, spec.Name, len(spec.Nodes))
	fmt.Fprintf(cmd.OutOrStdout(), "plan %s enqueued (%d nodes)\n", planID, len(spec.Nodes))
	return nil
}
