// Package procmon snapshots the OS process table, builds descendant trees by
// parent-PID closure, and terminates process trees. It is the runner's only
// collaborator with process liveness — the facade's crash-recovery pass
// (runner.Runner.Bootstrap) and the scheduler's cancellation path both go
// through here rather than touching os.FindProcess directly.
package procmon

import (
	"fmt"
	"sync"
	"time"
)

// ProcessInfo describes one row of the process table, per spec.md §4.6.
type ProcessInfo struct {
	PID            int
	ParentPID      int
	Name           string
	CommandLine    string
	CPU            float64
	Memory         uint64
	ThreadCount    int
	HandleCount    int
	Priority       int
	CreationDate   time.Time
	ExecutablePath string
}

// ProcessNode is one node of a BFS-expanded descendant tree.
type ProcessNode struct {
	Info     ProcessInfo
	Children []*ProcessNode
}

const (
	maxBFSIterations = 20
	maxBFSDepth      = 10
	snapshotTTL      = 2 * time.Second
	backoffWindow    = 30 * time.Second
)

// Lister is the platform hook that actually reads the process table.
// Production code uses the OS-specific implementation; tests inject a fake.
type Lister interface {
	List() ([]ProcessInfo, error)
}

// Monitor caches process snapshots and exposes liveness/termination
// operations. It is safe for concurrent use.
type Monitor struct {
	lister Lister

	mu           sync.Mutex
	cached       []ProcessInfo
	cachedAt     time.Time
	failStreak   int
	lastFailLog  time.Time
	backoffUntil time.Time

	onLogError func(format string, args ...interface{})
}

// New constructs a Monitor backed by the given Lister.
func New(lister Lister) *Monitor {
	return &Monitor{lister: lister}
}

// SetErrorLogger installs a throttled error sink; nil disables logging.
func (m *Monitor) SetErrorLogger(fn func(format string, args ...interface{})) {
	m.onLogError = fn
}

// Snapshot returns the process table, cached for snapshotTTL. After a
// listing failure it backs off for 30s, serving the stale cache when one
// exists, and logs at most once per backoff window (spec.md §4.6 "Error discipline").
func (m *Monitor) Snapshot() ([]ProcessInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if now.Before(m.backoffUntil) && m.cached != nil {
		return m.cached, nil
	}
	if m.cached != nil && now.Sub(m.cachedAt) < snapshotTTL {
		return m.cached, nil
	}

	procs, err := m.lister.List()
	if err != nil {
		m.failStreak++
		if m.failStreak == 1 || now.Sub(m.lastFailLog) > backoffWindow {
			if m.onLogError != nil {
				m.onLogError("procmon: snapshot failed (%d consecutive): %v", m.failStreak, err)
			}
			m.lastFailLog = now
		}
		m.backoffUntil = now.Add(backoffWindow)
		if m.cached != nil {
			return m.cached, nil
		}
		return nil, err
	}

	m.failStreak = 0
	m.cached = procs
	m.cachedAt = now
	return procs, nil
}

// IsRunning reports whether pid exists in the latest snapshot, without
// delivering a signal.
func (m *Monitor) IsRunning(pid int) bool {
	procs, err := m.Snapshot()
	if err != nil {
		return false
	}
	for _, p := range procs {
		if p.PID == pid {
			return true
		}
	}
	return false
}

// BuildTree expands roots through the parent-PID relation via BFS, bounded by
// maxBFSIterations and maxBFSDepth. Self-parented roots (PID == ParentPID,
// common for PID 1 / session leaders) do not recurse. BFS-closure from the
// given roots means a PID whose parent happens to match a live root's PID
// due to PID reuse, but which the BFS never actually reached, is excluded.
func BuildTree(roots []int, snapshot []ProcessInfo) []*ProcessNode {
	byParent := make(map[int][]ProcessInfo)
	byPID := make(map[int]ProcessInfo, len(snapshot))
	for _, p := range snapshot {
		byParent[p.ParentPID] = append(byParent[p.ParentPID], p)
		byPID[p.PID] = p
	}

	var result []*ProcessNode
	for _, rootPID := range roots {
		info, ok := byPID[rootPID]
		if !ok {
			continue
		}
		node := &ProcessNode{Info: info}
		expandBFS(node, byParent, rootPID)
		result = append(result, node)
	}
	return result
}

func expandBFS(root *ProcessNode, byParent map[int][]ProcessInfo, rootPID int) {
	type queued struct {
		node  *ProcessNode
		depth int
	}
	queue := []queued{{root, 0}}
	iterations := 0

	for len(queue) > 0 && iterations < maxBFSIterations {
		iterations++
		cur := queue[0]
		queue = queue[1:]

		if cur.depth >= maxBFSDepth {
			continue
		}
		if cur.node.Info.PID == cur.node.Info.ParentPID {
			continue // self-parented: do not recurse
		}

		for _, child := range byParent[cur.node.Info.PID] {
			if child.PID == rootPID {
				continue // never re-enter the root, guards against PID-reuse loops
			}
			childNode := &ProcessNode{Info: child}
			cur.node.Children = append(cur.node.Children, childNode)
			queue = append(queue, queued{childNode, cur.depth + 1})
		}
	}
}

// Terminate kills pid and the descendants BuildTree finds for it, one process
// at a time, children before parents. No platform tree-kill primitive is
// used on any platform. Unknown or already-dead PIDs are a no-op.
func (m *Monitor) Terminate(pid int, force bool) error {
	if !m.IsRunning(pid) {
		return nil
	}
	snapshot, err := m.Snapshot()
	if err != nil {
		return fmt.Errorf("procmon: terminate %d: snapshot failed: %w", pid, err)
	}
	tree := BuildTree([]int{pid}, snapshot)
	if len(tree) == 0 {
		return nil
	}
	killTree(tree[0], force)
	return nil
}

func killTree(node *ProcessNode, force bool) {
	for _, child := range node.Children {
		killTree(child, force)
	}
	killPID(node.Info.PID, force)
}
