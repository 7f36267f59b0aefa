// Package vcs provides the branch/worktree/merge primitives the runner needs
// over a version-control CLI. It is a thin, mockable wrapper around git
// (spec.md §4.3/§4.4), adapted from the teacher's DefaultGitCheckpointer:
// the same "inject a CommandRunner for tests, shell out to git otherwise"
// shape, generalized from checkpoint branches to worktree lifecycle and
// reverse-integration merges.
package vcs

import (
	"context"
	"fmt"
	"strings"
	"time"

	planexec "github.com/harrison/planrunner/internal/exec"
)

// Runner executes one command and returns its stdout, letting tests
// inject a fake instead of shelling out to a real VCS binary.
type Runner interface {
	Run(ctx context.Context, dir string, name string, args ...string) (stdout string, err error)
}

// ExecRunner is the production Runner, backed by internal/exec.
type ExecRunner struct {
	Timeout time.Duration
}

// Run implements Runner.
func (r ExecRunner) Run(ctx context.Context, dir string, name string, args ...string) (string, error) {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = planexec.DefaultTimeout
	}
	res, err := planexec.Run(ctx, planexec.Spec{Executable: name, Args: args, Dir: dir, Timeout: timeout})
	if err != nil {
		return "", err
	}
	if res.TimedOut {
		return res.Stdout, fmt.Errorf("%s %s: %s", name, strings.Join(args, " "), res.Stderr)
	}
	if res.ExitCode != 0 {
		return res.Stdout, fmt.Errorf("%s %s: exit %d: %s", name, strings.Join(args, " "), res.ExitCode, res.Stderr)
	}
	return res.Stdout, nil
}

// Adapter is the Version-Control Adapter: branch/worktree/merge primitives
// over a CLI (spec.md §4.3/§4.4). RepoPath is the main checkout; all worktree
// operations are relative to it and never touch its own index.
type Adapter struct {
	RepoPath string
	Runner   Runner
}

// New constructs an Adapter backed by a real git binary.
func New(repoPath string) *Adapter {
	return &Adapter{RepoPath: repoPath, Runner: ExecRunner{}}
}

func (a *Adapter) run(ctx context.Context, dir string, args ...string) (string, error) {
	return a.Runner.Run(ctx, dir, "git", args...)
}

// FetchRemoteTip fetches branch from origin and returns its tip commit. Falls
// back to the local tip if there is no remote tracking the branch (spec.md
// §4.3: "created from the fetched remote tip ... when present, else the local
// tip").
func (a *Adapter) FetchRemoteTip(ctx context.Context, branch string) (string, error) {
	if _, err := a.run(ctx, a.RepoPath, "fetch", "origin", branch); err == nil {
		if tip, err := a.run(ctx, a.RepoPath, "rev-parse", "origin/"+branch); err == nil {
			return strings.TrimSpace(tip), nil
		}
	}
	tip, err := a.run(ctx, a.RepoPath, "rev-parse", branch)
	if err != nil {
		return "", fmt.Errorf("resolve local tip of %s: %w", branch, err)
	}
	return strings.TrimSpace(tip), nil
}

// AddWorktree creates a new worktree at path on a fresh branch rooted at
// baseCommit. The branch is never checked out in the main working copy
// (spec.md invariant 4).
func (a *Adapter) AddWorktree(ctx context.Context, path, branch, baseCommit string) error {
	_, err := a.run(ctx, a.RepoPath, "worktree", "add", "-b", branch, path, baseCommit)
	if err != nil {
		return fmt.Errorf("add worktree %s: %w", path, err)
	}
	return nil
}

// WorktreeExists reports whether git still considers path a registered,
// VCS-consistent worktree.
func (a *Adapter) WorktreeExists(ctx context.Context, path string) bool {
	out, err := a.run(ctx, a.RepoPath, "worktree", "list", "--porcelain")
	if err != nil {
		return false
	}
	return strings.Contains(out, "worktree "+path)
}

// RemoveWorktree deletes a worktree directory and its registration. It
// tolerates concurrent external deletion (git worktree prune heals that) and
// never returns an error callers must treat as fatal (spec.md §4.3).
func (a *Adapter) RemoveWorktree(ctx context.Context, path string, force bool) error {
	args := []string{"worktree", "remove", path}
	if force {
		args = append(args, "--force")
	}
	if _, err := a.run(ctx, a.RepoPath, args...); err != nil {
		// Reconcile git's bookkeeping in case the directory was removed
		// out-of-band; prune never fails loudly.
		_, _ = a.run(ctx, a.RepoPath, "worktree", "prune")
		return nil
	}
	return nil
}

// DeleteBranch force-deletes a node branch after its worktree is gone.
func (a *Adapter) DeleteBranch(ctx context.Context, branch string) error {
	_, err := a.run(ctx, a.RepoPath, "branch", "-D", branch)
	return err
}

// CommitAll stages everything in worktreePath and commits with message.
// Returns the new commit hash, or the sentinel handling is left to the
// caller: an empty diff is reported via IsClean before this is invoked.
func (a *Adapter) CommitAll(ctx context.Context, worktreePath, message string) (string, error) {
	if _, err := a.run(ctx, worktreePath, "add", "-A"); err != nil {
		return "", fmt.Errorf("stage changes: %w", err)
	}
	if _, err := a.run(ctx, worktreePath, "commit", "-m", message); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	hash, err := a.run(ctx, worktreePath, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("resolve commit hash: %w", err)
	}
	return strings.TrimSpace(hash), nil
}

// IsClean reports whether worktreePath has no uncommitted changes.
func (a *Adapter) IsClean(ctx context.Context, worktreePath string) (bool, error) {
	out, err := a.run(ctx, worktreePath, "status", "--porcelain")
	if err != nil {
		return false, fmt.Errorf("status: %w", err)
	}
	return strings.TrimSpace(out) == "", nil
}

// CheckoutBranch switches dir's HEAD to branch.
func (a *Adapter) CheckoutBranch(ctx context.Context, dir, branch string) error {
	_, err := a.run(ctx, dir, "checkout", branch)
	return err
}

// Merge merges branch into dir's current HEAD with message, returning
// (conflict=true, nil) on a merge conflict rather than an error, so callers
// can route into the conflict resolution protocol instead of failing.
func (a *Adapter) Merge(ctx context.Context, dir, branch, message string) (conflict bool, err error) {
	_, err = a.run(ctx, dir, "merge", "--no-ff", "-m", message, branch)
	if err == nil {
		return false, nil
	}
	clean, statusErr := a.IsClean(ctx, dir)
	if statusErr == nil && !clean {
		return true, nil
	}
	return false, fmt.Errorf("merge %s: %w", branch, err)
}

// AbortMerge aborts an in-progress merge, leaving dir untouched otherwise.
func (a *Adapter) AbortMerge(ctx context.Context, dir string) error {
	_, err := a.run(ctx, dir, "merge", "--abort")
	return err
}

// ConflictingFiles lists the paths left unmerged by a conflicted merge in
// dir, so the conflict can be surfaced to the user before it's aborted or
// resolved (spec.md §7 "Plans stuck on a conflict surface the conflicting
// files and the branch names").
func (a *Adapter) ConflictingFiles(ctx context.Context, dir string) ([]string, error) {
	out, err := a.run(ctx, dir, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, fmt.Errorf("list conflicting files: %w", err)
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// StageAll stages every pending change, used by the conflict resolver after
// it has rewritten the conflicted files.
func (a *Adapter) StageAll(ctx context.Context, dir string) error {
	_, err := a.run(ctx, dir, "add", "-A")
	return err
}

// CommitMerge finalizes a resolved merge with message.
func (a *Adapter) CommitMerge(ctx context.Context, dir, message string) error {
	_, err := a.run(ctx, dir, "commit", "-m", message)
	return err
}

// NodeBranchName derives the deterministic, collision-free branch name for a
// node's worktree from its UUID (spec.md invariant 4).
func NodeBranchName(nodeID string) string {
	return "plan-runner/" + nodeID
}

// MergeWorktreeName derives the deterministic directory name for the
// per-plan merge worktree used by the Merge Manager.
func MergeWorktreeName(planID string) string {
	return "merge-" + planID
}
