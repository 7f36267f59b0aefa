package merge

import (
	"context"
	"fmt"

	planexec "github.com/harrison/planrunner/internal/exec"
)

// ProcessResolver runs an external command as the conflict resolver
// (spec.md §4.4.1: "delegation to an external resolver"). It is the
// production ConflictResolver, grounded on internal/exec.Run's stdout/stderr
// capture and context-aware timeout enforcement.
type ProcessResolver struct {
	// Command and Args invoke the resolver. message and prefer are appended
	// as the final two arguments so a stub resolver script can consume them
	// positionally, matching scenario S4's stub invocation shape.
	Command string
	Args    []string
	Dir     string
}

// Resolve implements ConflictResolver.
func (p ProcessResolver) Resolve(ctx context.Context, worktreePath, message, prefer string) error {
	args := append(append([]string{}, p.Args...), message, prefer)
	spec := planexec.Spec{
		Executable: p.Command,
		Args:       args,
		Dir:        worktreePath,
	}
	res, err := planexec.Run(ctx, spec)
	if err != nil {
		return fmt.Errorf("run conflict resolver: %w", err)
	}
	if res.TimedOut {
		return fmt.Errorf("conflict resolver timed out after %dms", res.Duration.Milliseconds())
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("conflict resolver exited %d: %s", res.ExitCode, res.Stderr)
	}
	return nil
}
