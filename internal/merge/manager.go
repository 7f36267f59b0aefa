// Package merge is the Merge Manager (spec.md §4.4): it integrates completed
// leaf nodes into a plan's target branch, serialized per plan and, across
// plans sharing a target branch, by a global per-branch mutex. It is
// grounded on the teacher's DefaultGitCheckpointer branch-operations shape
// (internal/executor/git_checkpointer.go), generalized from
// checkpoint/rollback to reverse-integration merges with a conflict
// resolution delegate.
package merge

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/harrison/planrunner/internal/vcs"
)

// ConflictResolver delegates conflict resolution to an opaque external
// process (the AI agent, spec.md §4.4.1). It is expected to stage the
// conflicted tree and commit with the supplied message; a nonzero exit or a
// timeout is treated as resolver failure.
type ConflictResolver interface {
	Resolve(ctx context.Context, worktreePath, message, prefer string) error
}

// Prefer sides for conflict resolution, per spec.md §4.4.1.
const (
	PreferOurs   = "ours"
	PreferTheirs = "theirs"
)

// DefaultResolverTimeout is the bounded timeout for a single resolver
// delegation (spec.md §4.4.1, §7 Timeouts).
const DefaultResolverTimeout = 5 * time.Minute

// Result reports the outcome of integrating one leaf.
type Result struct {
	Merged           bool
	Conflict         bool
	CommitHash       string
	ResolvedVia      string // "clean" or "resolver"
	ConflictingFiles []string
	NodeBranch       string
	TargetBranch     string
}

// Manager integrates leaf branches into their plan's target branch.
type Manager struct {
	adapter  *vcs.Adapter
	resolver ConflictResolver
	prefer   string
	timeout  time.Duration

	// branchLocks serializes merges across plans that share a target
	// branch (spec.md §4.4 "Ordering and determinism").
	branchLocksMu sync.Mutex
	branchLocks   map[string]*sync.Mutex

	// planLocks serializes merges within a single plan so that leaf
	// completions are applied in completion order.
	planLocksMu sync.Mutex
	planLocks   map[string]*sync.Mutex
}

// New constructs a Manager. resolver may be nil if the plan never expects a
// conflict (Merge then fails loudly instead of silently dropping leaves).
func New(adapter *vcs.Adapter, resolver ConflictResolver, prefer string, timeout time.Duration) *Manager {
	if timeout <= 0 {
		timeout = DefaultResolverTimeout
	}
	if prefer == "" {
		prefer = PreferOurs
	}
	return &Manager{
		adapter:     adapter,
		resolver:    resolver,
		prefer:      prefer,
		timeout:     timeout,
		branchLocks: make(map[string]*sync.Mutex),
		planLocks:   make(map[string]*sync.Mutex),
	}
}

func lockFor(mu *sync.Mutex, m map[string]*sync.Mutex, key string) *sync.Mutex {
	mu.Lock()
	defer mu.Unlock()
	if l, ok := m[key]; ok {
		return l
	}
	l := &sync.Mutex{}
	m[key] = l
	return l
}

// MergeLeaf integrates nodeBranch into targetBranch within mergeWorktreePath
// (a dedicated worktree checked out to targetBranch, never the user's main
// checkout — spec.md §4.4 step 1). It serializes first on planID, then on
// targetBranch, matching "Leaf merges are serialized within a plan ... Across
// plans sharing a targetBranch, leaf merges are serialized by a per-branch
// mutex."
func (m *Manager) MergeLeaf(ctx context.Context, planID, targetBranch, nodeBranch, nodeName, mergeWorktreePath string) (Result, error) {
	planLock := lockFor(&m.planLocksMu, m.planLocks, planID)
	planLock.Lock()
	defer planLock.Unlock()

	branchLock := lockFor(&m.branchLocksMu, m.branchLocks, targetBranch)
	branchLock.Lock()
	defer branchLock.Unlock()

	if err := m.adapter.CheckoutBranch(ctx, mergeWorktreePath, targetBranch); err != nil {
		return Result{}, fmt.Errorf("checkout target branch %s: %w", targetBranch, err)
	}

	message := fmt.Sprintf("Merge %s from plan %s", nodeName, planID)
	conflict, err := m.adapter.Merge(ctx, mergeWorktreePath, nodeBranch, message)
	if err != nil {
		return Result{}, fmt.Errorf("merge %s into %s: %w", nodeBranch, targetBranch, err)
	}
	if !conflict {
		// A non-conflicting `git merge --no-ff` already creates the commit;
		// only its hash needs resolving.
		hash, herr := m.currentHead(ctx, mergeWorktreePath)
		if herr != nil {
			return Result{}, fmt.Errorf("resolve merge commit: %w", herr)
		}
		return Result{Merged: true, CommitHash: hash, ResolvedVia: "clean"}, nil
	}

	files, _ := m.adapter.ConflictingFiles(ctx, mergeWorktreePath)
	res, err := m.resolveConflict(ctx, mergeWorktreePath, message)
	res.ConflictingFiles = files
	res.NodeBranch = nodeBranch
	res.TargetBranch = targetBranch
	return res, err
}

func (m *Manager) currentHead(ctx context.Context, dir string) (string, error) {
	out, err := m.adapter.Runner.Run(ctx, dir, "git", "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// resolveConflict runs the conflict resolution protocol (spec.md §4.4.1). A
// resolver failure or timeout aborts the merge and leaves the target branch
// untouched.
func (m *Manager) resolveConflict(ctx context.Context, worktreePath, message string) (Result, error) {
	if m.resolver == nil {
		_ = m.adapter.AbortMerge(ctx, worktreePath)
		return Result{Conflict: true}, fmt.Errorf("RI merge failed: no conflict resolver configured")
	}

	resolveCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	if err := m.resolver.Resolve(resolveCtx, worktreePath, message, m.prefer); err != nil {
		_ = m.adapter.AbortMerge(ctx, worktreePath)
		return Result{Conflict: true}, fmt.Errorf("RI merge failed: conflict resolution: %w", err)
	}

	hash, err := m.currentHead(ctx, worktreePath)
	if err != nil {
		_ = m.adapter.AbortMerge(ctx, worktreePath)
		return Result{Conflict: true}, fmt.Errorf("RI merge failed: resolve commit after resolution: %w", err)
	}

	return Result{Merged: true, Conflict: true, CommitHash: hash, ResolvedVia: "resolver"}, nil
}
