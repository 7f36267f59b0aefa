// Package runner is the orchestration core: the node state machine, the
// scheduler, the node executor, and the public facade (spec.md §4.1, §4.2,
// §6.1). It is grounded on the teacher's executor package — the same
// "orchestrator drives waves of task executions" shape, generalized from
// wave-ordered task lists to a full dependency DAG with worktree isolation,
// incremental merges, and crash recovery.
package runner

import (
	"time"

	"github.com/harrison/planrunner/internal/plan"
)

// NodeStatus is one of the states in the per-node state machine (spec.md
// §4.2).
type NodeStatus string

const (
	StatusPending   NodeStatus = "pending"
	StatusReady     NodeStatus = "ready"
	StatusScheduled NodeStatus = "scheduled"
	StatusRunning   NodeStatus = "running"
	StatusSucceeded NodeStatus = "succeeded"
	StatusFailed    NodeStatus = "failed"
	StatusBlocked   NodeStatus = "blocked"
	StatusCanceled  NodeStatus = "canceled"
)

// PlanStatus is the derived, plan-level aggregate status.
type PlanStatus string

const (
	PlanPending   PlanStatus = "pending"
	PlanRunning   PlanStatus = "running"
	PlanPaused    PlanStatus = "paused"
	PlanSucceeded PlanStatus = "succeeded"
	PlanFailed    PlanStatus = "failed"
	PlanCanceled  PlanStatus = "canceled"
)

// Phase names used in AttemptRecord.PhaseStatuses and in log-line phase
// markers (spec.md §6.2).
const (
	PhasePrecheck  = "precheck"
	PhaseWork      = "work"
	PhasePostcheck = "postcheck"
	PhaseCommit    = "commit"
	PhaseMergeRI   = "mergeRI"
)

// NoChangesSentinel is recorded in CompletedCommits when a node declares
// expectsNoChanges and the worktree was indeed clean (spec.md invariant 5).
const NoChangesSentinel = "NO_CHANGES"

// FailureReason values, spec.md §7.
const (
	FailureReasonScheduling = "scheduling"
	FailureReasonPrechecks  = "prechecks"
	FailureReasonWork       = "work"
	FailureReasonPostchecks = "postchecks"
	FailureReasonCommit     = "commit"
	FailureReasonCrashed    = "crashed"
)

// AttemptRecord is one execution attempt of a node (spec.md §3).
type AttemptRecord struct {
	AttemptID     string            `json:"attemptId"`
	StartedAt     time.Time         `json:"startedAt"`
	EndedAt       *time.Time        `json:"endedAt,omitempty"`
	PhaseStatuses map[string]string `json:"phaseStatuses"` // phase -> "pending"|"running"|"succeeded"|"failed"|"skipped"
	LogFile       string            `json:"logFile"`
	SessionID     string            `json:"sessionId,omitempty"`
}

// NodeState is a node's mutable runtime state (spec.md §3). Version is
// incremented on every transition (invariant 2); callers must treat any read
// of NodeState as a snapshot, never a live handle to mutate directly.
type NodeState struct {
	ProducerID    string          `json:"producerId"`
	Status        NodeStatus      `json:"status"`
	Version       int             `json:"version"`
	Attempts      []AttemptRecord `json:"attempts,omitempty"`
	PID           int             `json:"pid,omitempty"`
	SessionID     string          `json:"sessionId,omitempty"`
	BaseCommit    string          `json:"baseCommit,omitempty"`
	WorktreePath  string          `json:"worktreePath,omitempty"`
	StartedAt     *time.Time      `json:"startedAt,omitempty"`
	EndedAt       *time.Time      `json:"endedAt,omitempty"`
	Error         string          `json:"error,omitempty"`
	FailureReason string          `json:"failureReason,omitempty"`
	CurrentPhase  string          `json:"currentPhase,omitempty"`
}

// CurrentAttempt returns the last attempt record, or nil if the node has
// never run (invariant 3).
func (s *NodeState) CurrentAttempt() *AttemptRecord {
	if len(s.Attempts) == 0 {
		return nil
	}
	return &s.Attempts[len(s.Attempts)-1]
}

// IsTerminal reports whether status is one from which no further automatic
// transition occurs.
func (s NodeStatus) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusBlocked, StatusCanceled:
		return true
	default:
		return false
	}
}

// PlanInstance is the runtime aggregate for one enqueued plan (spec.md §3).
type PlanInstance struct {
	ID     string        `json:"id"`
	Spec   *plan.PlanSpec `json:"spec"`
	Status PlanStatus    `json:"status"`

	NodeStates map[string]*NodeState `json:"nodeStates"` // producerId -> state

	WorktreeRoot     string            `json:"worktreeRoot"`
	RepoPath         string            `json:"repoPath"`
	BaseBranch       string            `json:"baseBranch"`
	TargetBranch     string            `json:"targetBranch"`
	MaxParallel      int               `json:"maxParallel"`
	MergedLeaves     map[string]bool   `json:"mergedLeaves"`
	CompletedCommits map[string]string `json:"completedCommits"` // producerId -> commit hash
	BaseCommits      map[string]string `json:"baseCommits"`

	Paused bool `json:"paused"`

	// MergeFailed is set when the Merge Manager could not integrate a leaf
	// (conflict resolution exhausted or misconfigured); it overrides the
	// node-status-derived aggregation below since every node can still read
	// "succeeded" while the plan as a whole never reaches its target branch.
	MergeFailed bool `json:"mergeFailed,omitempty"`

	// MergeConflict records the evidence for the most recent unresolved RI
	// conflict, so a report can surface the conflicting files and the branch
	// names without re-running git (spec.md §7 "Plans stuck on a conflict
	// surface the conflicting files and the branch names").
	MergeConflict *MergeConflictInfo `json:"mergeConflict,omitempty"`

	// UnmergedLeaves holds leaf producerIds whose merge attempt failed with a
	// transient (non-conflict) error and is still awaiting the fallback
	// reconciliation pass run once every node is terminal, before the plan's
	// terminal transition (spec.md §4.4 "Final reconciliation").
	UnmergedLeaves map[string]bool `json:"unmergedLeaves,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// MergeConflictInfo is the branch/file evidence for one unresolved RI
// conflict (spec.md §4.4.1, §7).
type MergeConflictInfo struct {
	NodeID           string   `json:"nodeId"`
	NodeBranch       string   `json:"nodeBranch"`
	TargetBranch     string   `json:"targetBranch"`
	ConflictingFiles []string `json:"conflictingFiles,omitempty"`
}

// NewPlanInstance builds a PlanInstance from a validated spec, with every
// node initialized to pending (spec.md "Lifecycle").
func NewPlanInstance(id string, spec *plan.PlanSpec, repoPath, worktreeRoot string) *PlanInstance {
	targetBranch := spec.TargetBranch
	if targetBranch == "" {
		targetBranch = spec.BaseBranch
	}
	inst := &PlanInstance{
		ID:               id,
		Spec:             spec,
		Status:           PlanPending,
		NodeStates:       make(map[string]*NodeState, len(spec.Nodes)),
		WorktreeRoot:     worktreeRoot,
		RepoPath:         repoPath,
		BaseBranch:       spec.BaseBranch,
		TargetBranch:     targetBranch,
		MaxParallel:      spec.MaxParallel,
		MergedLeaves:     make(map[string]bool),
		UnmergedLeaves:   make(map[string]bool),
		CompletedCommits: make(map[string]string),
		BaseCommits:      make(map[string]string),
		Paused:           spec.StartPaused,
		CreatedAt:        time.Now(),
		UpdatedAt:        time.Now(),
	}
	for _, n := range spec.Nodes {
		inst.NodeStates[n.ProducerID] = &NodeState{ProducerID: n.ProducerID, Status: StatusPending}
	}
	return inst
}

// Graph rebuilds the dependency graph for this instance's spec.
func (p *PlanInstance) Graph() *plan.Graph {
	return plan.BuildGraph(p.Spec.Nodes)
}

// NodeByID returns the declared NodeSpec for producerId, or ok=false.
func (p *PlanInstance) NodeByID(producerID string) (plan.NodeSpec, bool) {
	for _, n := range p.Spec.Nodes {
		if n.ProducerID == producerID {
			return n, true
		}
	}
	return plan.NodeSpec{}, false
}

// DeriveStatus computes the plan-level status from node statuses (spec.md
// §4.2 "Derived group status", lifted to the whole plan).
func (p *PlanInstance) DeriveStatus() PlanStatus {
	if p.MergeFailed {
		return PlanFailed
	}
	if p.Paused {
		anyRunning := false
		for _, s := range p.NodeStates {
			if s.Status == StatusRunning || s.Status == StatusScheduled {
				anyRunning = true
			}
		}
		if anyRunning {
			return PlanRunning
		}
		return PlanPaused
	}

	total := len(p.NodeStates)
	succeeded, failedOrBlocked, running := 0, 0, 0
	canceled := 0
	for _, s := range p.NodeStates {
		switch s.Status {
		case StatusSucceeded:
			succeeded++
		case StatusFailed, StatusBlocked:
			failedOrBlocked++
		case StatusRunning, StatusScheduled:
			running++
		case StatusCanceled:
			canceled++
		}
	}
	if canceled == total && total > 0 {
		return PlanCanceled
	}
	if failedOrBlocked > 0 && running == 0 && succeeded+failedOrBlocked+canceled == total {
		return PlanFailed
	}
	if succeeded == total && total > 0 {
		leaves := p.Graph().Leaves()
		allMerged := true
		for _, leaf := range leaves {
			if !p.MergedLeaves[leaf] {
				allMerged = false
			}
		}
		if allMerged {
			return PlanSucceeded
		}
		return PlanRunning
	}
	if running > 0 {
		return PlanRunning
	}
	return PlanPending
}
