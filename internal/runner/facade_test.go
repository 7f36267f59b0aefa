package runner

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/planrunner/internal/plan"
	"github.com/harrison/planrunner/internal/procmon"
	"github.com/harrison/planrunner/internal/store"
	"github.com/harrison/planrunner/internal/vcs"
	"github.com/harrison/planrunner/internal/worktree"
)

// fakeProcLister reports a fixed process table to a procmon.Monitor, letting
// Bootstrap's liveness check be driven deterministically instead of reading
// the real OS process table.
type fakeProcLister struct {
	alivePIDs []int
}

func (f *fakeProcLister) List() ([]procmon.ProcessInfo, error) {
	procs := make([]procmon.ProcessInfo, len(f.alivePIDs))
	for i, pid := range f.alivePIDs {
		procs[i] = procmon.ProcessInfo{PID: pid}
	}
	return procs, nil
}

func writeSnapshot(t *testing.T, repo, planID string, inst *PlanInstance, spec *plan.PlanSpec) {
	t.Helper()
	dir := filepath.Join(repo, ".orchestrator", "plans")
	require.NoError(t, os.MkdirAll(dir, 0755))
	data, err := json.Marshal(snapshotEnvelope{Spec: spec, Instance: inst})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, planID+".json"), data, 0644))
}

// TestBootstrapFailsCrashedNodeExactlyOnce exercises spec.md's S5 scenario: a
// snapshot with a node stuck "running" whose pid is no longer alive comes
// back failed(crashed), and exactly one TransitionEvent fires for it via the
// state machine's onEvent hook rather than a direct NodeState mutation.
func TestBootstrapFailsCrashedNodeExactlyOnce(t *testing.T) {
	repo := t.TempDir()
	fakeRunner := &schedulerFakeRunner{}
	adapter := &vcs.Adapter{RepoPath: repo, Runner: fakeRunner}
	wt := worktree.New(adapter)
	executor := NewNodeExecutor(adapter, wt, nil, func(planID, nodeID string, attempt int) PhaseLogger {
		return &fakeLogger{}
	})
	st := store.New(repo)

	var events []TransitionEvent
	sched := NewScheduler(executor, nil, wt, adapter, st, nil, nil, func(ev TransitionEvent) {
		events = append(events, ev)
	})

	spec := &plan.PlanSpec{
		ID: "plan-crash", Name: "p", BaseBranch: "main", MaxParallel: 1,
		Nodes: []plan.NodeSpec{
			{ProducerID: "node-a", Name: "a", Work: plan.WorkSpec{Kind: plan.WorkProcess, Executable: "true"}},
		},
	}
	inst := NewPlanInstance(spec.ID, spec, repo, filepath.Join(repo, ".orchestrator", "worktrees"))
	inst.NodeStates["node-a"].Status = StatusRunning
	inst.NodeStates["node-a"].PID = 99999
	inst.Status = PlanRunning

	writeSnapshot(t, repo, spec.ID, inst, spec)

	r := NewRunner(sched, st, nil, wt, adapter, nil, repo)
	require.NoError(t, r.Bootstrap(context.Background()))

	got, err := r.Get(spec.ID)
	require.NoError(t, err)
	state := got.NodeStates["node-a"]
	assert.Equal(t, StatusFailed, state.Status)
	assert.Equal(t, FailureReasonCrashed, state.FailureReason)
	assert.Equal(t, "process not found on restart", state.Error)
	assert.Equal(t, 0, state.PID)
	assert.Equal(t, 1, state.Version)
	assert.NotNil(t, state.EndedAt)

	var fired []TransitionEvent
	for _, ev := range events {
		if ev.PlanID == spec.ID && ev.NodeID == "node-a" {
			fired = append(fired, ev)
		}
	}
	require.Len(t, fired, 1)
	assert.Equal(t, StatusRunning, fired[0].From)
	assert.Equal(t, StatusFailed, fired[0].To)
}

// TestBootstrapLeavesLiveNodeRunning confirms a node whose pid is still alive
// per the process monitor is re-registered untouched, not force-failed by
// the crash-recovery pass, and emits no TransitionEvent.
func TestBootstrapLeavesLiveNodeRunning(t *testing.T) {
	repo := t.TempDir()
	fakeRunner := &schedulerFakeRunner{}
	adapter := &vcs.Adapter{RepoPath: repo, Runner: fakeRunner}
	wt := worktree.New(adapter)
	executor := NewNodeExecutor(adapter, wt, nil, func(planID, nodeID string, attempt int) PhaseLogger {
		return &fakeLogger{}
	})
	st := store.New(repo)

	var events []TransitionEvent
	sched := NewScheduler(executor, nil, wt, adapter, st, nil, nil, func(ev TransitionEvent) {
		events = append(events, ev)
	})
	monitor := procmon.New(&fakeProcLister{alivePIDs: []int{4242}})

	spec := &plan.PlanSpec{
		ID: "plan-alive", Name: "p", BaseBranch: "main", MaxParallel: 1,
		Nodes: []plan.NodeSpec{
			{ProducerID: "node-a", Name: "a", Work: plan.WorkSpec{Kind: plan.WorkProcess, Executable: "true"}},
		},
	}
	inst := NewPlanInstance(spec.ID, spec, repo, filepath.Join(repo, ".orchestrator", "worktrees"))
	inst.NodeStates["node-a"].Status = StatusRunning
	inst.NodeStates["node-a"].PID = 4242
	inst.Status = PlanRunning

	writeSnapshot(t, repo, spec.ID, inst, spec)

	r := NewRunner(sched, st, nil, wt, adapter, monitor, repo)
	require.NoError(t, r.Bootstrap(context.Background()))

	got, err := r.Get(spec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.NodeStates["node-a"].Status)
	assert.Equal(t, 4242, got.NodeStates["node-a"].PID)
	assert.Empty(t, events)
}
