// Package worktree is the Worktree Manager: create/reuse/destroy isolated
// working copies per node (spec.md §4.3). It is adapted from the teacher's
// BranchGuard (internal/executor/branch_guard.go), which protects the main
// checkout from being left on the wrong branch — generalized here from "one
// guarded branch" to "one exclusively-owned worktree per node", still built
// on the same GitCheckpointer-shaped primitives (now internal/vcs.Adapter).
package worktree

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/harrison/planrunner/internal/vcs"
)

// IgnoredPaths are the directories spec.md §4.3 requires be VCS-ignored
// before any worktree is created.
var IgnoredPaths = []string{".orchestrator/worktrees/", ".orchestrator/"}

// Manager owns the lifecycle of per-node worktrees rooted at a single repo.
type Manager struct {
	adapter *vcs.Adapter
	root    string // <repo>/.orchestrator/worktrees
}

// New constructs a Manager for adapter's repo.
func New(adapter *vcs.Adapter) *Manager {
	return &Manager{
		adapter: adapter,
		root:    filepath.Join(adapter.RepoPath, ".orchestrator", "worktrees"),
	}
}

// EnsureIgnored appends IgnoredPaths to the repo's .gitignore if they are not
// already present. Called once before the first worktree of a run is
// created (spec.md §4.3).
func (m *Manager) EnsureIgnored() error {
	path := filepath.Join(m.adapter.RepoPath, ".gitignore")

	existing := map[string]bool{}
	if f, err := os.Open(path); err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			existing[strings.TrimSpace(scanner.Text())] = true
		}
		f.Close()
	}

	var toAppend []string
	for _, p := range IgnoredPaths {
		if !existing[p] {
			toAppend = append(toAppend, p)
		}
	}
	if len(toAppend) == 0 {
		return nil
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open .gitignore: %w", err)
	}
	defer f.Close()

	for _, p := range toAppend {
		if _, err := fmt.Fprintln(f, p); err != nil {
			return fmt.Errorf("append .gitignore: %w", err)
		}
	}
	return nil
}

// Path returns the deterministic worktree directory for a node.
func (m *Manager) Path(nodeID string) string {
	return filepath.Join(m.root, nodeID)
}

// Create provisions (or reuses) the worktree for nodeID, rooted at
// baseBranch's fetched remote tip when available (spec.md §4.3). The branch
// is deterministic from nodeID and is never checked out in the main working
// copy (invariant 4).
func (m *Manager) Create(ctx context.Context, nodeID, baseBranch string) (path string, baseCommit string, err error) {
	path = m.Path(nodeID)
	branch := vcs.NodeBranchName(nodeID)

	if m.adapter.WorktreeExists(ctx, path) {
		ok, reuseErr := m.Reuse(ctx, path)
		if reuseErr == nil && ok {
			tip, tipErr := m.adapter.FetchRemoteTip(ctx, baseBranch)
			if tipErr != nil {
				tip = ""
			}
			return path, tip, nil
		}
		// Not VCS-consistent: tear down and recreate from scratch.
		_ = m.adapter.RemoveWorktree(ctx, path, true)
	}

	baseCommit, err = m.adapter.FetchRemoteTip(ctx, baseBranch)
	if err != nil {
		return "", "", fmt.Errorf("resolve base commit for %s: %w", baseBranch, err)
	}

	if err := m.adapter.AddWorktree(ctx, path, branch, baseCommit); err != nil {
		return "", "", fmt.Errorf("create worktree for node %s: %w", nodeID, err)
	}

	return path, baseCommit, nil
}

// Reuse reports whether the worktree at path is still VCS-consistent and can
// be reused without recreating it, supporting retry without re-cloning
// (spec.md §4.3).
func (m *Manager) Reuse(ctx context.Context, path string) (bool, error) {
	if _, err := os.Stat(path); err != nil {
		return false, nil
	}
	return m.adapter.WorktreeExists(ctx, path), nil
}

// Finalize commits all pending changes in the worktree with message and
// returns the resulting commit hash, or "" with clean=true when there was
// nothing to commit (spec.md invariant 5's NO_CHANGES sentinel is decided by
// the caller based on clean+expectsNoChanges).
func (m *Manager) Finalize(ctx context.Context, path, message string) (commit string, clean bool, err error) {
	clean, err = m.adapter.IsClean(ctx, path)
	if err != nil {
		return "", false, fmt.Errorf("check worktree cleanliness: %w", err)
	}
	if clean {
		return "", true, nil
	}
	commit, err = m.adapter.CommitAll(ctx, path, message)
	if err != nil {
		return "", false, fmt.Errorf("finalize worktree: %w", err)
	}
	return commit, false, nil
}

// Destroy removes a node's worktree and its branch. It tolerates concurrent
// external deletion: errors from the underlying VCS call are logged by the
// caller via the returned error but Destroy itself never leaves the registry
// in a worse state than before (spec.md §4.3: "never throws").
func (m *Manager) Destroy(ctx context.Context, nodeID string) error {
	path := m.Path(nodeID)
	branch := vcs.NodeBranchName(nodeID)

	if err := m.adapter.RemoveWorktree(ctx, path, true); err != nil {
		return fmt.Errorf("remove worktree %s: %w", path, err)
	}
	_ = m.adapter.DeleteBranch(ctx, branch) // best-effort; branch may already be gone
	return nil
}
