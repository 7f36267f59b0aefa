package runner

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/planrunner/internal/merge"
	"github.com/harrison/planrunner/internal/plan"
	"github.com/harrison/planrunner/internal/store"
	"github.com/harrison/planrunner/internal/vcs"
	"github.com/harrison/planrunner/internal/worktree"
)

// schedulerFakeRunner is a scriptable vcs.Runner double covering everything
// the worktree manager and merge manager need: fetch/rev-parse for worktree
// creation (worktree add also creates the worktree directory, since node work
// runs inside it), status/commit for finalize, checkout/merge/rev-parse for the
// leaf merge. failFetch forces FetchRemoteTip to fail so the scheduling-retry
// path can be exercised. failCheckoutTimes forces the Merge Manager's target
// branch checkout (the first op in MergeLeaf) to fail that many times with a
// transient, non-conflict error before succeeding, exercising the fallback
// reconciliation pass.
type schedulerFakeRunner struct {
	mu                sync.Mutex
	failFetch         bool
	failCheckoutTimes int
	headSeq           int
}

func (f *schedulerFakeRunner) Run(ctx context.Context, dir, name string, args ...string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(args) == 0 {
		return "", nil
	}
	switch args[0] {
	case "fetch":
		if f.failFetch {
			return "", fmt.Errorf("network unavailable")
		}
		return "", nil
	case "rev-parse":
		if f.failFetch {
			return "", fmt.Errorf("network unavailable")
		}
		f.headSeq++
		return fmt.Sprintf("commit-%d\n", f.headSeq), nil
	case "checkout":
		if f.failCheckoutTimes > 0 {
			f.failCheckoutTimes--
			return "", fmt.Errorf("exit status 128: unable to lock ref")
		}
		return "", nil
	case "worktree":
		if len(args) > 4 && args[1] == "add" {
			_ = os.MkdirAll(args[4], 0755)
		}
		return "", nil
	case "branch", "add", "commit":
		return "", nil
	case "status":
		return " M file.txt\n", nil
	case "merge":
		return "", nil
	}
	return "", nil
}

func newTestScheduler(t *testing.T, runner *schedulerFakeRunner, onEvent func(TransitionEvent)) (*Scheduler, string) {
	t.Helper()
	repo := t.TempDir()
	adapter := &vcs.Adapter{RepoPath: repo, Runner: runner}
	wt := worktree.New(adapter)
	executor := NewNodeExecutor(adapter, wt, nil, func(planID, nodeID string, attempt int) PhaseLogger {
		return &fakeLogger{}
	})
	mergeMgr := merge.New(adapter, nil, merge.PreferOurs, time.Second)
	st := store.New(repo)
	sched := NewScheduler(executor, mergeMgr, wt, adapter, st, nil, nil, onEvent)
	return sched, repo
}

func pollUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestSchedulerDispatchesAndSucceedsRootNode(t *testing.T) {
	runner := &schedulerFakeRunner{}
	sched, _ := newTestScheduler(t, runner, nil)

	spec := &plan.PlanSpec{
		ID: "plan-1", Name: "p", BaseBranch: "main", MaxParallel: 2,
		Nodes: []plan.NodeSpec{
			{ProducerID: "node-a", Name: "a", Work: plan.WorkSpec{Kind: plan.WorkProcess, Executable: "true"}},
		},
	}
	inst := NewPlanInstance(spec.ID, spec, t.TempDir(), t.TempDir())
	sched.Register(inst)
	sched.SetMergeWorktree(spec.ID, t.TempDir())

	ctx := context.Background()
	sched.Pump(ctx, spec.ID)

	pollUntil(t, 3*time.Second, func() bool {
		got, err := sched.Instance(spec.ID)
		return err == nil && got.NodeStates["node-a"].Status == StatusSucceeded
	})

	got, err := sched.Instance(spec.ID)
	require.NoError(t, err)
	assert.Equal(t, PlanSucceeded, got.Status)
	assert.True(t, got.MergedLeaves["node-a"])
}

func TestSchedulerFailsNodeAndPropagatesBlocked(t *testing.T) {
	runner := &schedulerFakeRunner{}
	sched, _ := newTestScheduler(t, runner, nil)

	spec := &plan.PlanSpec{
		ID: "plan-2", Name: "p", BaseBranch: "main", MaxParallel: 2,
		Nodes: []plan.NodeSpec{
			{
				ProducerID: "node-a", Name: "a",
				Work:      plan.WorkSpec{Kind: plan.WorkProcess, Executable: "false"},
				OnFailure: &plan.OnFailurePolicy{NoAutoHeal: true},
			},
			{ProducerID: "node-b", Name: "b", Dependencies: []string{"node-a"}, Work: plan.WorkSpec{Kind: plan.WorkProcess, Executable: "true"}},
		},
	}
	inst := NewPlanInstance(spec.ID, spec, t.TempDir(), t.TempDir())
	sched.Register(inst)
	sched.SetMergeWorktree(spec.ID, t.TempDir())

	ctx := context.Background()
	sched.Pump(ctx, spec.ID)

	pollUntil(t, 3*time.Second, func() bool {
		got, err := sched.Instance(spec.ID)
		return err == nil && got.NodeStates["node-a"].Status == StatusFailed
	})

	got, err := sched.Instance(spec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusBlocked, got.NodeStates["node-b"].Status)
	assert.Equal(t, PlanFailed, got.Status)
}

func TestSchedulerRetriesThenFailsOnSchedulingTransientError(t *testing.T) {
	runner := &schedulerFakeRunner{failFetch: true}
	sched, _ := newTestScheduler(t, runner, nil)

	spec := &plan.PlanSpec{
		ID: "plan-3", Name: "p", BaseBranch: "main", MaxParallel: 1,
		Nodes: []plan.NodeSpec{
			{ProducerID: "node-a", Name: "a", Work: plan.WorkSpec{Kind: plan.WorkProcess, Executable: "true"}},
		},
	}
	inst := NewPlanInstance(spec.ID, spec, t.TempDir(), t.TempDir())
	sched.Register(inst)
	sched.SetMergeWorktree(spec.ID, t.TempDir())

	ctx := context.Background()
	sched.Pump(ctx, spec.ID)

	pollUntil(t, 5*time.Second, func() bool {
		got, err := sched.Instance(spec.ID)
		return err == nil && got.NodeStates["node-a"].Status == StatusFailed
	})

	got, err := sched.Instance(spec.ID)
	require.NoError(t, err)
	assert.Equal(t, FailureReasonScheduling, got.NodeStates["node-a"].FailureReason)
	// Never transitioned through running: a scheduling-transient failure
	// rolls back scheduled->ready on each attempt, only reaching failed
	// directly from scheduled.
}

func TestSchedulerCancelMarksNonTerminalNodesCanceled(t *testing.T) {
	runner := &schedulerFakeRunner{}
	sched, _ := newTestScheduler(t, runner, nil)

	spec := &plan.PlanSpec{
		ID: "plan-4", Name: "p", BaseBranch: "main", MaxParallel: 2,
		Nodes: []plan.NodeSpec{
			{ProducerID: "node-a", Name: "a", Work: plan.WorkSpec{Kind: plan.WorkProcess, Executable: "true"}},
		},
	}
	inst := NewPlanInstance(spec.ID, spec, t.TempDir(), t.TempDir())
	sched.Register(inst)
	sched.SetMergeWorktree(spec.ID, t.TempDir())

	require.NoError(t, sched.Cancel(spec.ID))

	got, err := sched.Instance(spec.ID)
	require.NoError(t, err)
	assert.Equal(t, PlanCanceled, got.Status)
	assert.Equal(t, StatusCanceled, got.NodeStates["node-a"].Status)
}

func TestSchedulerPauseBlocksNewDispatch(t *testing.T) {
	runner := &schedulerFakeRunner{}
	sched, _ := newTestScheduler(t, runner, nil)

	spec := &plan.PlanSpec{
		ID: "plan-5", Name: "p", BaseBranch: "main", MaxParallel: 2,
		Nodes: []plan.NodeSpec{
			{ProducerID: "node-a", Name: "a", Work: plan.WorkSpec{Kind: plan.WorkProcess, Executable: "true"}},
		},
	}
	inst := NewPlanInstance(spec.ID, spec, t.TempDir(), t.TempDir())
	sched.Register(inst)
	sched.SetMergeWorktree(spec.ID, t.TempDir())

	require.NoError(t, sched.Pause(spec.ID))
	sched.Pump(context.Background(), spec.ID)

	time.Sleep(100 * time.Millisecond)
	got, err := sched.Instance(spec.ID)
	require.NoError(t, err)
	// MarkReady still promotes pending->ready on every pump regardless of
	// pause; pause only withholds the ready->scheduled dispatch step.
	assert.Equal(t, StatusReady, got.NodeStates["node-a"].Status)
	assert.Equal(t, PlanPaused, got.Status)

	require.NoError(t, sched.Resume(spec.ID))
	pollUntil(t, 3*time.Second, func() bool {
		got, err := sched.Instance(spec.ID)
		return err == nil && got.NodeStates["node-a"].Status == StatusSucceeded
	})
}

func TestSchedulerRetryNodeResetsFailedNode(t *testing.T) {
	runner := &schedulerFakeRunner{}
	sched, _ := newTestScheduler(t, runner, nil)

	spec := &plan.PlanSpec{
		ID: "plan-6", Name: "p", BaseBranch: "main", MaxParallel: 1,
		Nodes: []plan.NodeSpec{
			{ProducerID: "node-a", Name: "a", Work: plan.WorkSpec{Kind: plan.WorkProcess, Executable: "false"}},
		},
	}
	inst := NewPlanInstance(spec.ID, spec, t.TempDir(), t.TempDir())
	sched.Register(inst)
	sched.SetMergeWorktree(spec.ID, t.TempDir())

	sched.Pump(context.Background(), spec.ID)
	pollUntil(t, 3*time.Second, func() bool {
		got, err := sched.Instance(spec.ID)
		return err == nil && got.NodeStates["node-a"].Status == StatusFailed
	})

	require.NoError(t, sched.RetryNode(spec.ID, "node-a", false))
	got, err := sched.Instance(spec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.NodeStates["node-a"].Status)
	assert.Empty(t, got.NodeStates["node-a"].Error)
}

func TestSchedulerReconcilesLeafAfterTransientMergeFailure(t *testing.T) {
	runner := &schedulerFakeRunner{failCheckoutTimes: 1}
	sched, _ := newTestScheduler(t, runner, nil)

	spec := &plan.PlanSpec{
		ID: "plan-8", Name: "p", BaseBranch: "main", MaxParallel: 1,
		Nodes: []plan.NodeSpec{
			{ProducerID: "node-a", Name: "a", Work: plan.WorkSpec{Kind: plan.WorkProcess, Executable: "true"}},
		},
	}
	inst := NewPlanInstance(spec.ID, spec, t.TempDir(), t.TempDir())
	sched.Register(inst)
	sched.SetMergeWorktree(spec.ID, t.TempDir())

	ctx := context.Background()
	sched.Pump(ctx, spec.ID)

	pollUntil(t, 3*time.Second, func() bool {
		got, err := sched.Instance(spec.ID)
		return err == nil && got.NodeStates["node-a"].Status == StatusSucceeded && len(got.UnmergedLeaves) == 1
	})

	got, err := sched.Instance(spec.ID)
	require.NoError(t, err)
	assert.False(t, got.MergedLeaves["node-a"])
	assert.False(t, got.MergeFailed)
	assert.Equal(t, PlanRunning, got.Status)

	// Simulates the periodic pump tick that drives the fallback reconciliation
	// pass once every node has reached a terminal status (spec.md §4.4 "Final
	// reconciliation").
	sched.Pump(ctx, spec.ID)

	pollUntil(t, 3*time.Second, func() bool {
		got, err := sched.Instance(spec.ID)
		return err == nil && got.Status == PlanSucceeded
	})

	got, err = sched.Instance(spec.ID)
	require.NoError(t, err)
	assert.True(t, got.MergedLeaves["node-a"])
	assert.Empty(t, got.UnmergedLeaves)
	assert.False(t, got.MergeFailed)
}

func TestSchedulerForceFailNodeRejectsTerminalNode(t *testing.T) {
	runner := &schedulerFakeRunner{}
	sched, _ := newTestScheduler(t, runner, nil)

	spec := &plan.PlanSpec{
		ID: "plan-7", Name: "p", BaseBranch: "main", MaxParallel: 1,
		Nodes: []plan.NodeSpec{
			{ProducerID: "node-a", Name: "a", Work: plan.WorkSpec{Kind: plan.WorkProcess, Executable: "true"}},
		},
	}
	inst := NewPlanInstance(spec.ID, spec, t.TempDir(), t.TempDir())
	sched.Register(inst)
	sched.SetMergeWorktree(spec.ID, t.TempDir())

	sched.Pump(context.Background(), spec.ID)
	pollUntil(t, 3*time.Second, func() bool {
		got, err := sched.Instance(spec.ID)
		return err == nil && got.NodeStates["node-a"].Status == StatusSucceeded
	})

	err := sched.ForceFailNode(spec.ID, "node-a")
	assert.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "already terminal"))
}
