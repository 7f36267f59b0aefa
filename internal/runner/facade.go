package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/harrison/planrunner/internal/plan"
	"github.com/harrison/planrunner/internal/procmon"
	"github.com/harrison/planrunner/internal/store"
	"github.com/harrison/planrunner/internal/vcs"
	"github.com/harrison/planrunner/internal/worktree"
)

// Runner is the Plan Runner facade (spec.md §6.1, component K): the single
// entry point a CLI or RPC surface talks to. It owns the scheduler, the
// persistence store, and the mapping from on-disk snapshots to in-memory
// PlanInstances.
type Runner struct {
	scheduler *Scheduler
	store     *store.Store
	index     *store.Index
	worktrees *worktree.Manager
	vcsAdapter *vcs.Adapter
	monitor   *procmon.Monitor
	repoPath  string

	mu    sync.RWMutex
	specs map[string]*plan.PlanSpec
}

// NewRunner wires the facade around an already-constructed Scheduler. index
// may be nil (list falls back to scanning persisted snapshots).
func NewRunner(scheduler *Scheduler, st *store.Store, idx *store.Index, worktrees *worktree.Manager, vcsAdapter *vcs.Adapter, monitor *procmon.Monitor, repoPath string) *Runner {
	r := &Runner{
		scheduler:  scheduler,
		store:      st,
		index:      idx,
		worktrees:  worktrees,
		vcsAdapter: vcsAdapter,
		monitor:    monitor,
		repoPath:   repoPath,
		specs:      make(map[string]*plan.PlanSpec),
	}
	scheduler.SetSaveHook(r.onSave)
	return r
}

// snapshotEnvelope is the persisted shape for one plan (spec.md §4.5/§6.2).
type snapshotEnvelope struct {
	Spec     *plan.PlanSpec `json:"spec"`
	Instance *PlanInstance  `json:"instance"`
}

func (r *Runner) onSave(planID string, inst *PlanInstance) {
	r.mu.RLock()
	spec := r.specs[planID]
	r.mu.RUnlock()

	data, err := json.Marshal(snapshotEnvelope{Spec: spec, Instance: inst})
	if err != nil {
		return
	}
	r.store.Save(planID, data)
	if r.index != nil {
		_ = r.index.Upsert(store.Row{ID: planID, Name: inst.Spec.Name, Status: string(inst.Status), UpdatedAt: inst.UpdatedAt})
	}
}

// Bootstrap reloads every persisted plan snapshot and re-registers it with
// the scheduler, performing the crash-recovery pass from spec.md §4.5: any
// node left "running" whose pid is absent or no longer alive is failed with
// failureReason="crashed" (invariant 8 — a crashed node is never silently
// reported as succeeded). The status change is routed through
// Scheduler.TransitionNode, which delegates to the same state machine every
// scheduler-driven transition uses, so the version bump and the
// TransitionEvent/onEvent dispatch happen exactly once per recovered node
// (spec.md S5 "nodeTransition event is emitted once"), not via direct field
// mutation.
func (r *Runner) Bootstrap(ctx context.Context) error {
	snapshots, err := r.store.Load()
	if err != nil {
		return newError(KindInfrastructure, "", "", err)
	}

	for planID, data := range snapshots {
		var env snapshotEnvelope
		if err := json.Unmarshal(data, &env); err != nil || env.Instance == nil || env.Spec == nil {
			continue
		}
		inst := env.Instance
		inst.Spec = env.Spec

		r.mu.Lock()
		r.specs[planID] = env.Spec
		r.mu.Unlock()

		r.scheduler.Register(inst)
		mergePath := filepath.Join(r.repoPath, ".orchestrator", "worktrees", vcs.MergeWorktreeName(planID))
		r.scheduler.SetMergeWorktree(planID, mergePath)

		for _, state := range inst.NodeStates {
			if state.Status != StatusRunning {
				continue
			}
			alive := state.PID > 0 && r.monitor != nil && r.monitor.IsRunning(state.PID)
			if alive {
				continue
			}
			if err := r.scheduler.TransitionNode(planID, state, StatusFailed); err != nil {
				continue
			}
			state.FailureReason = FailureReasonCrashed
			state.Error = "process not found on restart"
			state.PID = 0
		}

		if r.index != nil {
			_ = r.index.Upsert(store.Row{ID: planID, Name: env.Spec.Name, Status: string(inst.Status), UpdatedAt: inst.UpdatedAt})
		}

		if !inst.Status.IsPlanTerminal() {
			r.scheduler.Wake(planID)
		}
	}
	return nil
}

// Enqueue validates spec, assigns an id if unset, persists it, and starts
// scheduling (spec.md §6.1 "enqueue(spec) -> {planId}").
func (r *Runner) Enqueue(ctx context.Context, spec *plan.PlanSpec) (string, error) {
	if spec.ID == "" {
		spec.ID = uuid.NewString()
	}
	if err := plan.ValidatePlanSpec(spec); err != nil {
		return "", newError(KindValidation, spec.ID, "", err)
	}

	if err := r.worktrees.EnsureIgnored(); err != nil {
		return "", newError(KindInfrastructure, spec.ID, "", err)
	}

	worktreeRoot := filepath.Join(r.repoPath, ".orchestrator", "worktrees")
	inst := NewPlanInstance(spec.ID, spec, r.repoPath, worktreeRoot)

	mergePath := filepath.Join(r.repoPath, ".orchestrator", "worktrees", vcs.MergeWorktreeName(spec.ID))
	baseCommit, err := r.worktrees.Create(ctx, vcs.MergeWorktreeName(spec.ID), inst.TargetBranch)
	if err != nil {
		return "", newError(KindInfrastructure, spec.ID, "", fmt.Errorf("create merge worktree: %w", err))
	}
	_ = baseCommit

	r.mu.Lock()
	r.specs[spec.ID] = spec
	r.mu.Unlock()

	r.scheduler.Register(inst)
	r.scheduler.SetMergeWorktree(spec.ID, mergePath)
	r.onSave(spec.ID, inst)
	r.scheduler.Wake(spec.ID)

	return spec.ID, nil
}

// Get returns the full runtime PlanInstance for planId.
func (r *Runner) Get(planID string) (*PlanInstance, error) {
	return r.scheduler.Instance(planID)
}

// GetStatus returns just the derived plan-level status.
func (r *Runner) GetStatus(planID string) (PlanStatus, error) {
	inst, err := r.scheduler.Instance(planID)
	if err != nil {
		return "", err
	}
	return inst.Status, nil
}

// GetNode returns one node's runtime state.
func (r *Runner) GetNode(planID, nodeID string) (*NodeState, error) {
	inst, err := r.scheduler.Instance(planID)
	if err != nil {
		return nil, err
	}
	state, ok := inst.NodeStates[nodeID]
	if !ok {
		return nil, &ErrNodeNotFound{PlanID: planID, NodeID: nodeID}
	}
	return state, nil
}

// ListFilter narrows List to a status, or "" for every plan.
type ListFilter struct {
	Status string
}

// Summary is one row of a list() response.
type Summary struct {
	ID        string
	Name      string
	Status    string
	UpdatedAt time.Time
}

// List returns plan summaries, using the sqlite index when available and
// falling back to a directory scan when it is absent or its query fails (spec.md §4.5
// Infrastructure error policy).
func (r *Runner) List(filter ListFilter) ([]Summary, error) {
	if r.index != nil {
		rows, err := r.index.List(filter.Status)
		if err == nil {
			out := make([]Summary, len(rows))
			for i, row := range rows {
				out[i] = Summary{ID: row.ID, Name: row.Name, Status: row.Status, UpdatedAt: row.UpdatedAt}
			}
			return out, nil
		}
	}

	snapshots, err := r.store.Load()
	if err != nil {
		return nil, newError(KindInfrastructure, "", "", err)
	}
	var out []Summary
	for id, data := range snapshots {
		var env snapshotEnvelope
		if err := json.Unmarshal(data, &env); err != nil || env.Instance == nil {
			continue
		}
		if filter.Status != "" && string(env.Instance.Status) != filter.Status {
			continue
		}
		out = append(out, Summary{ID: id, Name: env.Instance.Spec.Name, Status: string(env.Instance.Status), UpdatedAt: env.Instance.UpdatedAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

// GetNodeLogs returns the raw contents of a node's phase log. If phase is
// non-empty, only lines whose phase marker matches are returned.
func (r *Runner) GetNodeLogs(planID, nodeID, phase string) (string, error) {
	state, err := r.GetNode(planID, nodeID)
	if err != nil {
		return "", err
	}
	attempt := state.CurrentAttempt()
	if attempt == nil || attempt.LogFile == "" {
		return "", nil
	}
	data, err := os.ReadFile(attempt.LogFile)
	if err != nil {
		return "", newError(KindInfrastructure, planID, nodeID, err)
	}
	if phase == "" {
		return string(data), nil
	}
	return filterLogByPhase(string(data), phase), nil
}

// FailureContext is the evidence bundle for a terminal failed node (spec.md
// §7 "User-visible behavior").
type FailureContext struct {
	NodeID        string
	FailureReason string
	Error         string
	LogPath       string
	LogTail       string
	WorktreePath  string
	Attempts      int
}

// GetFailureContext assembles the diagnostic bundle for a failed node.
func (r *Runner) GetFailureContext(planID, nodeID string) (*FailureContext, error) {
	state, err := r.GetNode(planID, nodeID)
	if err != nil {
		return nil, err
	}
	fc := &FailureContext{
		NodeID:        nodeID,
		FailureReason: state.FailureReason,
		Error:         state.Error,
		WorktreePath:  state.WorktreePath,
		Attempts:      len(state.Attempts),
	}
	if attempt := state.CurrentAttempt(); attempt != nil {
		fc.LogPath = attempt.LogFile
		if data, err := os.ReadFile(attempt.LogFile); err == nil {
			fc.LogTail = tailLines(string(data), 50)
		}
	}
	return fc, nil
}

// Pause, Resume, Cancel delegate straight to the scheduler.
func (r *Runner) Pause(planID string) error  { return r.scheduler.Pause(planID) }
func (r *Runner) Resume(planID string) error { return r.scheduler.Resume(planID) }
func (r *Runner) Cancel(planID string) error { return r.scheduler.Cancel(planID) }

// Delete removes a plan entirely: cancels it if still active, destroys every
// node worktree, and drops its persisted snapshot (spec.md §3 "Plans are
// retained until explicit deletion").
func (r *Runner) Delete(ctx context.Context, planID string) error {
	inst, err := r.scheduler.Instance(planID)
	if err == nil {
		if !inst.Status.IsPlanTerminal() {
			_ = r.scheduler.Cancel(planID)
		}
		for nodeID := range inst.NodeStates {
			_ = r.worktrees.Destroy(ctx, nodeID)
		}
		_ = r.worktrees.Destroy(ctx, vcs.MergeWorktreeName(planID))
	}
	r.scheduler.Unregister(planID)
	r.mu.Lock()
	delete(r.specs, planID)
	r.mu.Unlock()
	if r.index != nil {
		_ = r.index.Delete(planID)
	}
	return r.store.Delete(planID)
}

// RetryNodeOptions customizes a retryNode call (spec.md §6.1).
type RetryNodeOptions struct {
	NewWork       *plan.WorkSpec
	NewPrechecks  *plan.WorkSpec
	NewPostchecks *plan.WorkSpec
	ClearWorktree bool
}

// RetryNode resets a failed node to pending, optionally substituting its
// work/prechecks/postchecks and clearing its worktree.
func (r *Runner) RetryNode(planID, nodeID string, opts RetryNodeOptions) error {
	inst, err := r.scheduler.Instance(planID)
	if err != nil {
		return err
	}
	if opts.NewWork != nil || opts.NewPrechecks != nil || opts.NewPostchecks != nil {
		for i := range inst.Spec.Nodes {
			if inst.Spec.Nodes[i].ProducerID != nodeID {
				continue
			}
			if opts.NewWork != nil {
				inst.Spec.Nodes[i].Work = *opts.NewWork
			}
			if opts.NewPrechecks != nil {
				inst.Spec.Nodes[i].Prechecks = opts.NewPrechecks
			}
			if opts.NewPostchecks != nil {
				inst.Spec.Nodes[i].Postchecks = opts.NewPostchecks
			}
			break
		}
	}
	return r.scheduler.RetryNode(planID, nodeID, opts.ClearWorktree)
}

// ForceFailNode delegates to the scheduler.
func (r *Runner) ForceFailNode(planID, nodeID string) error {
	return r.scheduler.ForceFailNode(planID, nodeID)
}

// ReshapeOp is one mutation in a reshape(planId, ops[]) call (spec.md §6.1).
type ReshapeOp struct {
	Kind       string // "add_node" | "remove_node" | "update_deps" | "add_before" | "add_after"
	Node       *plan.NodeSpec
	ProducerID string
	Deps       []string
	Anchor     string // for add_before/add_after: the existing node to anchor to
}

// Reshape mutates a plan's node graph in place, re-validating the resulting
// DAG once after all ops are applied and re-evaluating readiness (spec.md §6.1 "reshape"). Only
// pending/ready/blocked nodes may be added or removed around; mutating a
// node already running, succeeded, or failed is rejected.
func (r *Runner) Reshape(planID string, ops []ReshapeOp) error {
	inst, err := r.scheduler.Instance(planID)
	if err != nil {
		return err
	}

	nodes := append([]plan.NodeSpec{}, inst.Spec.Nodes...)
	for _, op := range ops {
		switch op.Kind {
		case "add_node":
			if op.Node == nil {
				return fmt.Errorf("reshape add_node: node is required")
			}
			nodes = append(nodes, *op.Node)
		case "remove_node":
			if err := requireMutable(inst, op.ProducerID); err != nil {
				return err
			}
			nodes = removeNode(nodes, op.ProducerID)
		case "update_deps":
			if err := requireMutable(inst, op.ProducerID); err != nil {
				return err
			}
			for i := range nodes {
				if nodes[i].ProducerID == op.ProducerID {
					nodes[i].Dependencies = op.Deps
				}
			}
		case "add_before":
			if op.Node == nil {
				return fmt.Errorf("reshape add_before: node is required")
			}
			if err := requireMutable(inst, op.Anchor); err != nil {
				return err
			}
			newNode := *op.Node
			newNode.Dependencies = dependenciesOf(nodes, op.Anchor)
			nodes = append(nodes, newNode)
			for i := range nodes {
				if nodes[i].ProducerID == op.Anchor {
					nodes[i].Dependencies = append(nodes[i].Dependencies, newNode.ProducerID)
				}
			}
		case "add_after":
			if op.Node == nil {
				return fmt.Errorf("reshape add_after: node is required")
			}
			newNode := *op.Node
			newNode.Dependencies = []string{op.Anchor}
			nodes = append(nodes, newNode)
		default:
			return fmt.Errorf("reshape: unknown op kind %q", op.Kind)
		}
	}

	candidate := *inst.Spec
	candidate.Nodes = nodes
	if err := plan.ValidatePlanSpec(&candidate); err != nil {
		return newError(KindValidation, planID, "", err)
	}

	inst.Spec.Nodes = nodes
	for _, n := range nodes {
		if _, ok := inst.NodeStates[n.ProducerID]; !ok {
			inst.NodeStates[n.ProducerID] = &NodeState{ProducerID: n.ProducerID, Status: StatusPending}
		}
	}
	for id := range inst.NodeStates {
		if !containsNode(nodes, id) {
			delete(inst.NodeStates, id)
		}
	}

	r.scheduler.Wake(planID)
	return nil
}

func requireMutable(inst *PlanInstance, nodeID string) error {
	state, ok := inst.NodeStates[nodeID]
	if !ok {
		return &ErrNodeNotFound{PlanID: inst.ID, NodeID: nodeID}
	}
	switch state.Status {
	case StatusPending, StatusReady, StatusBlocked:
		return nil
	default:
		return fmt.Errorf("node %s cannot be reshaped while %s", nodeID, state.Status)
	}
}

func removeNode(nodes []plan.NodeSpec, id string) []plan.NodeSpec {
	out := nodes[:0:0]
	for _, n := range nodes {
		if n.ProducerID == id {
			continue
		}
		var deps []string
		for _, d := range n.Dependencies {
			if d != id {
				deps = append(deps, d)
			}
		}
		n.Dependencies = deps
		out = append(out, n)
	}
	return out
}

func dependenciesOf(nodes []plan.NodeSpec, id string) []string {
	for _, n := range nodes {
		if n.ProducerID == id {
			return append([]string{}, n.Dependencies...)
		}
	}
	return nil
}

func containsNode(nodes []plan.NodeSpec, id string) bool {
	for _, n := range nodes {
		if n.ProducerID == id {
			return true
		}
	}
	return false
}

// IsPlanTerminal reports whether status admits no further scheduling.
func (s PlanStatus) IsPlanTerminal() bool {
	switch s {
	case PlanSucceeded, PlanFailed, PlanCanceled:
		return true
	default:
		return false
	}
}

func filterLogByPhase(data, phase string) string {
	lines := strings.Split(data, "\n")
	var out []string
	marker := " " + phase + " "
	for _, line := range lines {
		if strings.Contains(line, marker) {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}

func tailLines(data string, n int) string {
	lines := strings.Split(data, "\n")
	if len(lines) <= n {
		return data
	}
	return strings.Join(lines[len(lines)-n:], "\n")
}
