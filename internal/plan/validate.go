package plan

import (
	"fmt"
	"sort"
	"strings"
)

// ValidationError is a single structured error describing one offending path
// in a submitted PlanSpec, per spec.md §6.1.
type ValidationError struct {
	Path    string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// ValidatePlanSpec validates a PlanSpec against every rule in spec.md §6.1 and
// §3's invariant 1 (DAG soundness). It returns the first violation found; the
// caller is expected to surface it synchronously and create no state.
func ValidatePlanSpec(spec *PlanSpec) error {
	if spec == nil {
		return &ValidationError{Path: "$", Message: "plan spec is nil"}
	}
	if spec.Name == "" {
		return &ValidationError{Path: "$.name", Message: "name is required"}
	}
	if spec.BaseBranch == "" {
		return &ValidationError{Path: "$.baseBranch", Message: "baseBranch is required"}
	}
	if spec.MaxParallel < MinMaxParallel || spec.MaxParallel > MaxMaxParallel {
		return &ValidationError{
			Path:    "$.maxParallel",
			Message: fmt.Sprintf("must be in [%d, %d], got %d", MinMaxParallel, MaxMaxParallel, spec.MaxParallel),
		}
	}
	if len(spec.Nodes) == 0 {
		return &ValidationError{Path: "$.nodes", Message: "at least one node is required"}
	}
	if len(spec.Nodes) > MaxNodesPerPlan {
		return &ValidationError{Path: "$.nodes", Message: fmt.Sprintf("exceeds max of %d nodes", MaxNodesPerPlan)}
	}

	seen := make(map[string]bool, len(spec.Nodes))
	for i, n := range spec.Nodes {
		path := fmt.Sprintf("$.nodes[%d]", i)
		if err := ValidateProducerID(n.ProducerID); err != nil {
			return &ValidationError{Path: path + ".producerId", Message: err.Error()}
		}
		if seen[n.ProducerID] {
			return &ValidationError{Path: path + ".producerId", Message: fmt.Sprintf("duplicate producerId %q", n.ProducerID)}
		}
		seen[n.ProducerID] = true

		if len(n.Task) > MaxTaskLen {
			return &ValidationError{Path: path + ".task", Message: fmt.Sprintf("exceeds max length %d", MaxTaskLen)}
		}
		if len(n.Instructions) > MaxInstructionsLen {
			return &ValidationError{Path: path + ".instructions", Message: fmt.Sprintf("exceeds max length %d", MaxInstructionsLen)}
		}
		if err := validateWorkSpec(n.Work, path+".work"); err != nil {
			return err
		}
		if n.Prechecks != nil {
			if err := validateWorkSpec(*n.Prechecks, path+".prechecks"); err != nil {
				return err
			}
		}
		if n.Postchecks != nil {
			if err := validateWorkSpec(*n.Postchecks, path+".postchecks"); err != nil {
				return err
			}
		}
	}

	// Dangling dependency references.
	for i, n := range spec.Nodes {
		path := fmt.Sprintf("$.nodes[%d].dependencies", i)
		for j, dep := range n.Dependencies {
			if !seen[dep] {
				return &ValidationError{Path: fmt.Sprintf("%s[%d]", path, j), Message: fmt.Sprintf("references undeclared producerId %q", dep)}
			}
			if dep == n.ProducerID {
				return &ValidationError{Path: fmt.Sprintf("%s[%d]", path, j), Message: "node cannot depend on itself"}
			}
		}
	}

	// Group member references.
	for i, g := range spec.Groups {
		path := fmt.Sprintf("$.groups[%d]", i)
		if g.GroupID == "" {
			return &ValidationError{Path: path + ".groupId", Message: "groupId is required"}
		}
		for j, m := range g.Members {
			if !seen[m] {
				return &ValidationError{Path: fmt.Sprintf("%s.members[%d]", path, j), Message: fmt.Sprintf("references undeclared producerId %q", m)}
			}
		}
	}

	g := BuildGraph(spec.Nodes)
	if cyc := g.FindCycle(); cyc != nil {
		return &ValidationError{Path: "$.nodes", Message: fmt.Sprintf("dependency cycle detected: %s", strings.Join(cyc, " -> "))}
	}

	return nil
}

func validateWorkSpec(w WorkSpec, path string) error {
	switch w.Kind {
	case WorkProcess:
		if w.Executable == "" {
			return &ValidationError{Path: path + ".executable", Message: "required for kind=process"}
		}
		if w.Command != "" || w.Shell != "" || w.Instructions != "" {
			return &ValidationError{Path: path, Message: "process work may not set shell/agent-only fields"}
		}
	case WorkShell:
		if w.Command == "" {
			return &ValidationError{Path: path + ".command", Message: "required for kind=shell"}
		}
		switch w.Shell {
		case ShellCmd, ShellPowershell, ShellPwsh, ShellBash, ShellSh:
		default:
			return &ValidationError{Path: path + ".shell", Message: fmt.Sprintf("unknown shell %q", w.Shell)}
		}
		if w.Executable != "" || w.Instructions != "" {
			return &ValidationError{Path: path, Message: "shell work may not set process/agent-only fields"}
		}
	case WorkAgent:
		if w.Instructions == "" {
			return &ValidationError{Path: path + ".instructions", Message: "required for kind=agent"}
		}
		if w.Executable != "" || w.Command != "" {
			return &ValidationError{Path: path, Message: "agent work may not set process/shell-only fields"}
		}
	default:
		return &ValidationError{Path: path + ".kind", Message: fmt.Sprintf("unknown work kind %q", w.Kind)}
	}
	return nil
}

// sortedKeys returns m's keys in sorted order, for deterministic iteration.
func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
