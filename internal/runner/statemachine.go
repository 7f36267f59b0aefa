package runner

import (
	"fmt"
	"sync"
	"time"
)

// TransitionEvent is emitted on every node state change (spec.md §4.2).
type TransitionEvent struct {
	PlanID    string
	NodeID    string
	From      NodeStatus
	To        NodeStatus
	Timestamp time.Time
}

// allowedEdges encodes the state machine's legal transitions (spec.md
// §4.2). It is consulted by StateMachine.Transition so an invariant
// violation (invariant 2) is a programmer error caught at the call site
// instead of a silently corrupted NodeState.
var allowedEdges = map[NodeStatus]map[NodeStatus]bool{
	StatusPending:   {StatusReady: true, StatusBlocked: true, StatusCanceled: true},
	StatusReady:     {StatusScheduled: true, StatusBlocked: true, StatusCanceled: true},
	StatusScheduled: {StatusRunning: true, StatusReady: true, StatusCanceled: true, StatusBlocked: true, StatusFailed: true},
	StatusRunning:   {StatusSucceeded: true, StatusFailed: true, StatusCanceled: true},
	StatusFailed:    {StatusPending: true, StatusCanceled: true},
	StatusBlocked:   {StatusCanceled: true, StatusPending: true},
	StatusSucceeded: {},
	StatusCanceled:  {},
}

// StateMachine mutates NodeStates for one PlanInstance under a single lock,
// guaranteeing that transitions for any one node are serialized (spec.md §5
// "Transitions for a single node are serialized") and that version is
// strictly monotone (invariant 2, testable property 2).
type StateMachine struct {
	mu        sync.Mutex
	onEvent   func(TransitionEvent)
}

// NewStateMachine constructs a StateMachine. onEvent may be nil.
func NewStateMachine(onEvent func(TransitionEvent)) *StateMachine {
	return &StateMachine{onEvent: onEvent}
}

// Transition moves state from its current status to "to", validating the
// edge, bumping version, and emitting a TransitionEvent. It returns an error
// if the edge is not allowed (programmer/logic error, spec.md §7
// "Structural errors... are allowed to surface").
func (sm *StateMachine) Transition(planID string, state *NodeState, to NodeStatus) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	from := state.Status
	if from == to {
		return nil
	}
	if !allowedEdges[from][to] {
		return fmt.Errorf("illegal transition for node %s: %s -> %s", state.ProducerID, from, to)
	}

	state.Status = to
	state.Version++

	now := time.Now()
	switch to {
	case StatusRunning:
		if state.StartedAt == nil {
			state.StartedAt = &now
		}
	case StatusSucceeded, StatusFailed, StatusCanceled, StatusBlocked:
		state.EndedAt = &now
	}

	if sm.onEvent != nil {
		sm.onEvent(TransitionEvent{PlanID: planID, NodeID: state.ProducerID, From: from, To: to, Timestamp: now})
	}
	return nil
}

// MarkReady promotes pending nodes whose dependencies are all succeeded,
// returning the producerIds promoted this call, in declaration order
// (spec.md §4.1 step 1).
func (sm *StateMachine) MarkReady(planID string, inst *PlanInstance, declOrder []string) ([]string, error) {
	isSucceeded := func(id string) bool {
		s, ok := inst.NodeStates[id]
		return ok && s.Status == StatusSucceeded
	}
	isPending := func(id string) bool {
		s, ok := inst.NodeStates[id]
		return ok && s.Status == StatusPending
	}

	graph := inst.Graph()
	readyIDs := graph.ReadyNodes(declOrder, isPending, isSucceeded)

	var promoted []string
	for _, id := range readyIDs {
		state := inst.NodeStates[id]
		if err := sm.Transition(planID, state, StatusReady); err != nil {
			return nil, err
		}
		promoted = append(promoted, id)
	}
	return promoted, nil
}

// PropagateBlocked transitively blocks every dependent of a failed
// no-auto-heal node, walking forward through the dependency edges (spec.md
// §4.1 step 4, §4.2 "pending|ready|scheduled -> blocked").
func (sm *StateMachine) PropagateBlocked(planID string, inst *PlanInstance, failedNode string) error {
	graph := inst.Graph()
	visited := map[string]bool{}
	queue := []string{failedNode}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, dependent := range graph.Edges[cur] {
			if visited[dependent] {
				continue
			}
			visited[dependent] = true
			state := inst.NodeStates[dependent]
			if state == nil || state.Status.IsTerminal() {
				continue
			}
			if state.Status == StatusPending || state.Status == StatusReady || state.Status == StatusScheduled {
				if err := sm.Transition(planID, state, StatusBlocked); err != nil {
					return err
				}
				state.FailureReason = "dependency_blocked"
			}
			queue = append(queue, dependent)
		}
	}
	return nil
}

// DerivedGroupStatus computes the read-only aggregation over a set of
// producerIds (spec.md §4.2 "Derived group status").
func DerivedGroupStatus(inst *PlanInstance, members []string) NodeStatus {
	allSucceeded := true
	anyFailed := false
	anyRunning := false
	for _, id := range members {
		s, ok := inst.NodeStates[id]
		if !ok {
			continue
		}
		switch s.Status {
		case StatusSucceeded:
		case StatusFailed, StatusBlocked:
			anyFailed = true
			allSucceeded = false
		case StatusRunning, StatusScheduled:
			anyRunning = true
			allSucceeded = false
		default:
			allSucceeded = false
		}
	}
	switch {
	case allSucceeded:
		return StatusSucceeded
	case anyFailed:
		return StatusFailed
	case anyRunning:
		return StatusRunning
	default:
		return StatusPending
	}
}
