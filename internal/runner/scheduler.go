package runner

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/harrison/planrunner/internal/capacity"
	"github.com/harrison/planrunner/internal/merge"
	"github.com/harrison/planrunner/internal/plan"
	"github.com/harrison/planrunner/internal/procmon"
	"github.com/harrison/planrunner/internal/store"
	"github.com/harrison/planrunner/internal/vcs"
	"github.com/harrison/planrunner/internal/worktree"
)

// PumpInterval is the periodic tick that drives scheduling forward even in
// the absence of an explicit event (spec.md §4.1).
const PumpInterval = 500 * time.Millisecond

// CancelGrace is how long a canceled node's process tree is given after
// SIGTERM before SIGKILL (spec.md §5 "Cancellation").
const CancelGrace = 5 * time.Second

// startupRetryBackoff is the exponential backoff schedule for scheduling
// (worktree/capacity) failures before a node is marked failed(scheduling)
// (spec.md §4.1 "Failure semantics").
var startupRetryBackoff = []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}

const maxStartupRetries = 3

// maxReconcileRetries bounds the fallback merge pass (spec.md §4.4 "Final
// reconciliation") so a persistently failing transient error still converges
// to PlanFailed instead of retrying forever.
const maxReconcileRetries = 3

// planRuntime is the scheduler's private bookkeeping for one enqueued plan,
// separate from the persisted PlanInstance.
type planRuntime struct {
	mu             sync.Mutex
	inst           *PlanInstance
	tracker        *merge.Tracker
	startupRetry   map[string]int
	reconcileRetry map[string]int // producerId -> fallback merge pass attempts (spec.md §4.4)
	reconciling    map[string]bool // producerId -> a reconcile attempt is already in flight
	inFlight       map[string]context.CancelFunc // producerId -> cancel
	mergeWorktree  string

	// group bounds the lifetime of every node-executor and merge goroutine
	// spawned for this plan to the plan's own lifetime, replacing ad hoc
	// sync.WaitGroup bookkeeping per node (spec.md §9 "independent tasks
	// communicating terminal status via a completion channel").
	group *errgroup.Group
}

// Scheduler advances every enqueued plan toward completion (spec.md §4.1/J).
// It owns one goroutine pool worth of concurrent node executions and a
// single pump loop shared by every plan, driven by events and a periodic tick.
type Scheduler struct {
	mu    sync.Mutex
	plans map[string]*planRuntime

	sm        *StateMachine
	executor  *NodeExecutor
	mergeMgr  *merge.Manager
	worktrees *worktree.Manager
	vcsAdapter *vcs.Adapter
	store     *store.Store
	capacity  *capacity.Coordinator
	monitor   *procmon.Monitor

	onEvent func(TransitionEvent)
	onSave  func(planID string, inst *PlanInstance)

	wakeCh chan string // planIds needing an immediate pump
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewScheduler wires the scheduler's component dependencies (spec.md §2
// "Data flow").
func NewScheduler(executor *NodeExecutor, mergeMgr *merge.Manager, worktrees *worktree.Manager, vcsAdapter *vcs.Adapter, st *store.Store, capCoord *capacity.Coordinator, monitor *procmon.Monitor, onEvent func(TransitionEvent)) *Scheduler {
	s := &Scheduler{
		plans:      make(map[string]*planRuntime),
		executor:   executor,
		mergeMgr:   mergeMgr,
		worktrees:  worktrees,
		vcsAdapter: vcsAdapter,
		store:      st,
		capacity:   capCoord,
		monitor:    monitor,
		onEvent:    onEvent,
		wakeCh:     make(chan string, 256),
		stopCh:     make(chan struct{}),
	}
	s.sm = NewStateMachine(func(ev TransitionEvent) {
		if s.onEvent != nil {
			s.onEvent(ev)
		}
		s.Wake(ev.PlanID)
	})
	return s
}

// SetSaveHook registers the callback invoked whenever a plan's state
// changes and should be persisted (spec.md §4.5).
func (s *Scheduler) SetSaveHook(fn func(planID string, inst *PlanInstance)) {
	s.onSave = fn
}

// Start launches the background pump loop that fires every PumpInterval for
// every registered plan, in addition to the event-driven wakes (spec.md
// §4.1 "periodic tick").
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(PumpInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.pumpAll(ctx)
			case planID := <-s.wakeCh:
				s.Pump(ctx, planID)
			}
		}
	}()
}

// Stop halts the pump loop. In-flight node executions are not interrupted.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

// Wake schedules an immediate, non-blocking pump of planID.
func (s *Scheduler) Wake(planID string) {
	select {
	case s.wakeCh <- planID:
	default:
		// channel full: the periodic tick will pick this plan up regardless.
	}
}

func (s *Scheduler) pumpAll(ctx context.Context) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.plans))
	for id := range s.plans {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Strings(ids) // round-robin over plans with pending work, deterministic order
	for _, id := range ids {
		s.Pump(ctx, id)
	}
}

// Register adds a plan to the scheduler's active set (spec.md §4.1
// "enqueue").
func (s *Scheduler) Register(inst *PlanInstance) {
	rt := &planRuntime{
		inst:           inst,
		tracker:        merge.NewTracker(),
		startupRetry:   make(map[string]int),
		reconcileRetry: make(map[string]int),
		reconciling:    make(map[string]bool),
		inFlight:       make(map[string]context.CancelFunc),
		group:          &errgroup.Group{},
	}
	for id, commit := range inst.CompletedCommits {
		if inst.MergedLeaves[id] {
			rt.tracker.MarkMerged(id, commit)
		}
	}
	s.mu.Lock()
	s.plans[inst.ID] = rt
	s.mu.Unlock()
}

// Unregister removes a plan from the active set (after delete).
func (s *Scheduler) Unregister(planID string) {
	s.mu.Lock()
	delete(s.plans, planID)
	s.mu.Unlock()
}

func (s *Scheduler) runtimeFor(planID string) (*planRuntime, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, ok := s.plans[planID]
	return rt, ok
}

// Pump runs one scheduling cycle for a single plan: promote ready nodes,
// compute available slots, dispatch up to that many (spec.md §4.1
// "Selection algorithm").
func (s *Scheduler) Pump(ctx context.Context, planID string) {
	rt, ok := s.runtimeFor(planID)
	if !ok {
		return
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()

	inst := rt.inst
	if inst.Status == PlanCanceled || inst.Status == PlanSucceeded || inst.Status == PlanFailed {
		return
	}

	s.reconcileMerges(planID, rt)

	declOrder := plan.DeclarationOrder(inst.Spec.Nodes)
	if _, err := s.sm.MarkReady(planID, inst, declOrder); err != nil {
		return
	}

	if inst.Paused {
		return
	}

	localRunning := 0
	for _, state := range inst.NodeStates {
		if state.Status == StatusRunning || state.Status == StatusScheduled {
			localRunning++
		}
	}
	localFree := inst.MaxParallel - localRunning
	if localFree < 0 {
		localFree = 0
	}

	globalFree := localFree
	if s.capacity != nil {
		globalFree = s.capacity.GetAvailableCapacity(inst.MaxParallel)
	}

	slots := localFree
	if globalFree < slots {
		slots = globalFree
	}
	if slots <= 0 {
		return
	}

	var readyIDs []string
	for _, id := range declOrder {
		if inst.NodeStates[id].Status == StatusReady {
			readyIDs = append(readyIDs, id)
		}
	}

	for i := 0; i < len(readyIDs) && slots > 0; i++ {
		id := readyIDs[i]
		node, found := inst.NodeByID(id)
		if !found {
			continue
		}
		state := inst.NodeStates[id]
		if err := s.sm.Transition(planID, state, StatusScheduled); err != nil {
			continue
		}
		slots--
		s.dispatch(ctx, planID, rt, node, state)
	}

	s.persist(planID, rt)
}

// dispatch starts one node's executor asynchronously and wires its
// completion back into the state machine (spec.md §4.1 step 3).
func (s *Scheduler) dispatch(parentCtx context.Context, planID string, rt *planRuntime, node plan.NodeSpec, state *NodeState) {
	nodeCtx, cancel := context.WithCancel(parentCtx)
	rt.inFlight[node.ProducerID] = cancel

	if s.capacity != nil {
		s.capacity.SetRunningJobs(countRunning(rt.inst), planID, true)
	}

	rt.group.Go(func() error {
		defer func() {
			rt.mu.Lock()
			delete(rt.inFlight, node.ProducerID)
			rt.mu.Unlock()
		}()

		path, baseCommit, err := s.executor.Prepare(nodeCtx, node, rt.inst.BaseBranch)
		if err != nil {
			rt.mu.Lock()
			s.retryOrFail(planID, rt, node, state)
			s.persist(planID, rt)
			rt.mu.Unlock()
			return nil
		}

		attemptNum := len(state.Attempts) + 1
		rt.mu.Lock()
		_ = s.sm.Transition(planID, state, StatusRunning)
		rt.mu.Unlock()

		outcome := s.executor.Run(nodeCtx, planID, node, attemptNum, path, baseCommit)

		rt.mu.Lock()
		s.applyOutcome(planID, rt, node, state, attemptNum, outcome)
		rt.mu.Unlock()

		s.Wake(planID)
		return nil
	})
}

func countRunning(inst *PlanInstance) int {
	n := 0
	for _, s := range inst.NodeStates {
		if s.Status == StatusRunning || s.Status == StatusScheduled {
			n++
		}
	}
	return n
}

// applyOutcome folds a completed node executor run back into NodeState and,
// on success for a leaf, hands off to the Merge Manager (spec.md §4.1 step
// 4). Caller holds rt.mu.
func (s *Scheduler) applyOutcome(planID string, rt *planRuntime, node plan.NodeSpec, state *NodeState, attemptNum int, outcome Outcome) {
	state.WorktreePath = outcome.WorktreePath
	state.BaseCommit = outcome.BaseCommit
	state.SessionID = outcome.SessionID

	record := AttemptRecord{
		AttemptID: NewAttemptID(),
		LogFile:   outcome.LogPath,
		SessionID: outcome.SessionID,
	}
	state.Attempts = append(state.Attempts, record)

	if s.capacity != nil {
		s.capacity.SetRunningJobs(countRunning(rt.inst), planID, countRunning(rt.inst) > 0)
	}

	switch outcome.Status {
	case StatusSucceeded:
		rt.inst.CompletedCommits[node.ProducerID] = outcome.CommitHash
		_ = s.sm.Transition(planID, state, StatusSucceeded)

		graph := rt.inst.Graph()
		isLeaf := len(graph.Edges[node.ProducerID]) == 0
		if isLeaf && outcome.CommitHash != "" {
			// Runs on its own goroutine so the (potentially slow) git merge
			// doesn't hold rt.mu for the duration (spec.md §5 "None of these
			// block the primary loop").
			rt.group.Go(func() error {
				rt.mu.Lock()
				s.mergeLeaf(planID, rt, node)
				s.persist(planID, rt)
				rt.mu.Unlock()
				s.Wake(planID)
				return nil
			})
		}

	default:
		state.Error = outcome.Error
		state.FailureReason = outcome.FailureReason
		_ = s.sm.Transition(planID, state, StatusFailed)
		onFailure := node.OnFailure
		if onFailure != nil && onFailure.NoAutoHeal {
			_ = s.sm.PropagateBlocked(planID, rt.inst, node.ProducerID)
		}
	}
}

// retryOrFail implements the bounded scheduling-retry budget (spec.md §4.1
// "Failure semantics").
func (s *Scheduler) retryOrFail(planID string, rt *planRuntime, node plan.NodeSpec, state *NodeState) {
	n := rt.startupRetry[node.ProducerID]
	if n >= maxStartupRetries {
		_ = s.sm.Transition(planID, state, StatusFailed)
		state.FailureReason = FailureReasonScheduling
		if node.OnFailure != nil && node.OnFailure.NoAutoHeal {
			_ = s.sm.PropagateBlocked(planID, rt.inst, node.ProducerID)
		}
		return
	}
	rt.startupRetry[node.ProducerID] = n + 1
	delay := startupRetryBackoff[n]
	_ = s.sm.Transition(planID, state, StatusReady)

	time.AfterFunc(delay, func() { s.Wake(planID) })
}

// mergeLeaf delegates to the Merge Manager for one succeeded leaf node
// (spec.md §4.4). A real conflict (resolver absent, misconfigured, or itself
// failing) fails the plan outright. Any other error is treated as transient:
// the leaf is recorded in UnmergedLeaves for the fallback reconciliation pass
// (reconcileMerges) to retry, rather than failing the plan on what may be a
// one-off infrastructure hiccup (spec.md §4.4 "Final reconciliation").
func (s *Scheduler) mergeLeaf(planID string, rt *planRuntime, node plan.NodeSpec) {
	if s.mergeMgr == nil {
		return
	}
	branch := vcs.NodeBranchName(node.ProducerID)
	mergePath := rt.mergeWorktree
	if mergePath == "" {
		return
	}
	res, err := s.mergeMgr.MergeLeaf(context.Background(), planID, rt.inst.TargetBranch, branch, node.Name, mergePath)
	if err != nil {
		if res.Conflict {
			rt.inst.MergeFailed = true
			delete(rt.inst.UnmergedLeaves, node.ProducerID)
			rt.inst.MergeConflict = &MergeConflictInfo{
				NodeID:           node.ProducerID,
				NodeBranch:       res.NodeBranch,
				TargetBranch:     res.TargetBranch,
				ConflictingFiles: res.ConflictingFiles,
			}
			return
		}
		if rt.inst.UnmergedLeaves == nil {
			rt.inst.UnmergedLeaves = make(map[string]bool)
		}
		rt.inst.UnmergedLeaves[node.ProducerID] = true
		return
	}
	delete(rt.inst.UnmergedLeaves, node.ProducerID)
	if res.Merged {
		rt.tracker.MarkMerged(node.ProducerID, res.CommitHash)
		rt.inst.MergedLeaves[node.ProducerID] = true
		if res.ResolvedVia == "resolver" {
			rt.inst.MergeConflict = nil
		}
	}
}

// reconcileMerges is the fallback merge pass: once every node in the plan has
// reached a terminal status, any leaf still sitting in UnmergedLeaves (merged
// unsuccessfully due to a transient error, not a conflict) gets the merge
// protocol retried, bounded by maxReconcileRetries before the plan is finally
// marked failed (spec.md §4.4 "If any leaf was missed due to a transient
// error, a fallback merge pass runs the same protocol for each unmerged leaf
// before terminal transition."). Caller holds rt.mu.
func (s *Scheduler) reconcileMerges(planID string, rt *planRuntime) {
	if len(rt.inst.UnmergedLeaves) == 0 || rt.inst.MergeFailed {
		return
	}
	for _, state := range rt.inst.NodeStates {
		if !state.Status.IsTerminal() {
			return // other nodes still in flight; not yet time for reconciliation
		}
	}

	pending := make([]string, 0, len(rt.inst.UnmergedLeaves))
	for leafID := range rt.inst.UnmergedLeaves {
		pending = append(pending, leafID)
	}
	sort.Strings(pending)

	for _, leafID := range pending {
		if rt.reconciling[leafID] {
			continue // previous attempt still in flight
		}
		node, found := rt.inst.NodeByID(leafID)
		if !found {
			delete(rt.inst.UnmergedLeaves, leafID)
			continue
		}
		if rt.reconcileRetry[leafID] >= maxReconcileRetries {
			rt.inst.MergeFailed = true
			continue
		}
		rt.reconcileRetry[leafID]++
		rt.reconciling[leafID] = true

		rt.group.Go(func() error {
			rt.mu.Lock()
			s.mergeLeaf(planID, rt, node)
			delete(rt.reconciling, leafID)
			s.persist(planID, rt)
			rt.mu.Unlock()
			s.Wake(planID)
			return nil
		})
	}
}

// SetMergeWorktree records the dedicated merge worktree path for planID
// (created once by the caller via worktree.Manager before the plan starts
// producing leaves).
func (s *Scheduler) SetMergeWorktree(planID, path string) {
	rt, ok := s.runtimeFor(planID)
	if !ok {
		return
	}
	rt.mu.Lock()
	rt.mergeWorktree = path
	rt.mu.Unlock()
}

// Cancel transitions every non-terminal node of planID to canceled and
// terminates their process trees (spec.md §4.1 "cancel", §5
// "Cancellation").
func (s *Scheduler) Cancel(planID string) error {
	rt, ok := s.runtimeFor(planID)
	if !ok {
		return &ErrPlanNotFound{PlanID: planID}
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()

	for id, state := range rt.inst.NodeStates {
		if state.Status.IsTerminal() {
			continue
		}
		if cancel, running := rt.inFlight[id]; running {
			cancel()
		}
		if state.PID > 0 && s.monitor != nil {
			_ = s.monitor.Terminate(state.PID, false)
			time.AfterFunc(CancelGrace, func() {
				_ = s.monitor.Terminate(state.PID, true)
			})
		}
		_ = s.sm.Transition(planID, state, StatusCanceled)
	}
	rt.inst.Status = PlanCanceled
	s.persist(planID, rt)
	return nil
}

// Pause stops new node selection while leaving running nodes untouched
// (spec.md §4.1 "pause").
func (s *Scheduler) Pause(planID string) error {
	rt, ok := s.runtimeFor(planID)
	if !ok {
		return &ErrPlanNotFound{PlanID: planID}
	}
	rt.mu.Lock()
	rt.inst.Paused = true
	rt.mu.Unlock()
	s.persist(planID, rt)
	return nil
}

// Resume re-allows node selection and triggers an immediate pump (spec.md
// §4.1 "resume").
func (s *Scheduler) Resume(planID string) error {
	rt, ok := s.runtimeFor(planID)
	if !ok {
		return &ErrPlanNotFound{PlanID: planID}
	}
	rt.mu.Lock()
	rt.inst.Paused = false
	rt.mu.Unlock()
	s.Wake(planID)
	return nil
}

func (s *Scheduler) persist(planID string, rt *planRuntime) {
	rt.inst.Status = rt.inst.DeriveStatus()
	rt.inst.UpdatedAt = time.Now()
	if s.onSave != nil {
		s.onSave(planID, rt.inst)
	}
}

// Instance returns a snapshot-safe pointer to the runtime PlanInstance, or
// nil if unknown. Callers must not mutate fields directly; go through the
// scheduler's operations.
func (s *Scheduler) Instance(planID string) (*PlanInstance, error) {
	rt, ok := s.runtimeFor(planID)
	if !ok {
		return nil, &ErrPlanNotFound{PlanID: planID}
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.inst, nil
}

// RetryNode resets a failed node back to pending with a fresh attempt
// context (spec.md §4.2 "failed -> pending on retry").
func (s *Scheduler) RetryNode(planID, nodeID string, clearWorktree bool) error {
	rt, ok := s.runtimeFor(planID)
	if !ok {
		return &ErrPlanNotFound{PlanID: planID}
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()

	state, ok := rt.inst.NodeStates[nodeID]
	if !ok {
		return &ErrNodeNotFound{PlanID: planID, NodeID: nodeID}
	}
	if state.Status != StatusFailed {
		return fmt.Errorf("node %s is not failed (status=%s)", nodeID, state.Status)
	}
	if clearWorktree && s.worktrees != nil {
		_ = s.worktrees.Destroy(context.Background(), nodeID)
		state.WorktreePath = ""
	}
	state.Error = ""
	state.FailureReason = ""
	delete(rt.startupRetry, nodeID)
	if err := s.sm.Transition(planID, state, StatusPending); err != nil {
		return err
	}
	s.Wake(planID)
	return nil
}

// TransitionNode routes a facade-driven status change (currently only
// Bootstrap's crash recovery) through the state machine, so it gets the same
// version bump and TransitionEvent emission as every scheduler-driven
// transition instead of mutating NodeState fields directly (spec.md §4.5
// crash recovery, S5 "nodeTransition event is emitted once").
func (s *Scheduler) TransitionNode(planID string, state *NodeState, to NodeStatus) error {
	return s.sm.Transition(planID, state, to)
}

// ForceFailNode marks a non-terminal node failed without running it,
// propagating noAutoHeal blocking as usual (spec.md §6.1 "forceFailNode").
func (s *Scheduler) ForceFailNode(planID, nodeID string) error {
	rt, ok := s.runtimeFor(planID)
	if !ok {
		return &ErrPlanNotFound{PlanID: planID}
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()

	state, ok := rt.inst.NodeStates[nodeID]
	if !ok {
		return &ErrNodeNotFound{PlanID: planID, NodeID: nodeID}
	}
	if state.Status.IsTerminal() {
		return fmt.Errorf("node %s already terminal (status=%s)", nodeID, state.Status)
	}
	if err := s.sm.Transition(planID, state, StatusFailed); err != nil {
		return err
	}
	state.FailureReason = "forced"

	node, found := rt.inst.NodeByID(nodeID)
	if found && node.OnFailure != nil && node.OnFailure.NoAutoHeal {
		_ = s.sm.PropagateBlocked(planID, rt.inst, nodeID)
	}
	s.persist(planID, rt)
	return nil
}
