// Package capacity implements the Global Capacity Registry: cross-instance
// job-count coordination via a shared file (spec.md §4.7). It reuses the
// teacher's internal/filelock AtomicWrite/LockAndWrite primitives for the
// same reason internal/store does — a file-backed registry shared by
// independent processes needs exactly that write discipline.
package capacity

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harrison/planrunner/internal/filelock"
	"github.com/harrison/planrunner/internal/procmon"
)

// HeartbeatInterval and StaleAfter are from spec.md §4.7.
const (
	HeartbeatInterval = 5 * time.Second
	StaleAfter        = 30 * time.Second
)

// InstanceEntry is one orchestrator instance's row in the registry.
type InstanceEntry struct {
	InstanceID    string    `json:"instanceId"`
	ProcessID     int       `json:"processId"`
	RunningJobs   int       `json:"runningJobs"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
	ActivePlans   []string  `json:"activePlans"`
}

// Registry is the on-disk shape at <globalStorage>/capacity-registry.json.
type Registry struct {
	Version           int             `json:"version"`
	GlobalMaxParallel int             `json:"globalMaxParallel"`
	Instances         []InstanceEntry `json:"instances"`
}

// Coordinator is this process's view of, and handle to, the shared registry.
// It is advisory only: spec.md §4.7 explicitly allows two instances to
// temporarily race past globalMaxParallel; the next heartbeat self-corrects
// by not shedding any running jobs (soft limit, never a hard refusal).
type Coordinator struct {
	path       string
	instanceID string
	pid        int
	monitor    *procmon.Monitor

	mu          sync.Mutex
	runningJobs int
	activePlans map[string]bool
	maxParallel int
}

// InstanceID derives a stable identifier from the workspace path and PID, per
// spec.md §4.7.
func InstanceID(workspacePath string) string {
	h := uuid.NewSHA1(uuid.NameSpaceURL, []byte(fmt.Sprintf("%s:%d", workspacePath, os.Getpid())))
	return h.String()
}

// New constructs a Coordinator for globalStoragePath's capacity-registry.json.
func New(globalStoragePath, workspacePath string, globalMaxParallel int, monitor *procmon.Monitor) *Coordinator {
	return &Coordinator{
		path:        filepath.Join(globalStoragePath, "capacity-registry.json"),
		instanceID:  InstanceID(workspacePath),
		pid:         os.Getpid(),
		monitor:     monitor,
		activePlans: make(map[string]bool),
		maxParallel: globalMaxParallel,
	}
}

// Start registers this instance, pruning stale entries as a side effect
// (spec.md §4.7 "On start").
func (c *Coordinator) Start() error {
	return c.mutate(func(r *Registry) {
		pruneStale(r, c.monitor)
		r.GlobalMaxParallel = c.effectiveMax(r)
		upsert(r, c.entry())
	})
}

func (c *Coordinator) effectiveMax(r *Registry) int {
	if c.maxParallel > 0 {
		return c.maxParallel
	}
	if r.GlobalMaxParallel > 0 {
		return r.GlobalMaxParallel
	}
	return 32
}

func (c *Coordinator) entry() InstanceEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	plans := make([]string, 0, len(c.activePlans))
	for p := range c.activePlans {
		plans = append(plans, p)
	}
	return InstanceEntry{
		InstanceID:    c.instanceID,
		ProcessID:     c.pid,
		RunningJobs:   c.runningJobs,
		LastHeartbeat: time.Now(),
		ActivePlans:   plans,
	}
}

// Heartbeat republishes this instance's current counts, every
// HeartbeatInterval per spec.md §4.7.
func (c *Coordinator) Heartbeat() error {
	return c.mutate(func(r *Registry) {
		pruneStale(r, c.monitor)
		upsert(r, c.entry())
	})
}

// SetRunningJobs updates the local running-job count tracked for this
// instance's next heartbeat, along with the plan set that's driving it.
func (c *Coordinator) SetRunningJobs(n int, planID string, active bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runningJobs = n
	if active {
		c.activePlans[planID] = true
	} else {
		delete(c.activePlans, planID)
	}
}

// GetAvailableCapacity returns max(0, globalMaxParallel - sum(runningJobs)).
// On a registry read failure, it degrades to a local-only calculation rather
// than blocking scheduling (spec.md §4.7, §7 Infrastructure).
func (c *Coordinator) GetAvailableCapacity(localMaxParallel int) int {
	r, err := c.read()
	if err != nil {
		c.mu.Lock()
		used := c.runningJobs
		c.mu.Unlock()
		avail := localMaxParallel - used
		if avail < 0 {
			return 0
		}
		return avail
	}

	total := 0
	for _, inst := range r.Instances {
		total += inst.RunningJobs
	}
	max := c.effectiveMax(r)
	avail := max - total
	if avail < 0 {
		return 0
	}
	return avail
}

func (c *Coordinator) read() (*Registry, error) {
	data, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Registry{Version: 1, GlobalMaxParallel: c.maxParallel}, nil
		}
		return nil, fmt.Errorf("read registry: %w", err)
	}
	var r Registry
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse registry: %w", err)
	}
	return &r, nil
}

// mutate reads, applies fn, and writes back the registry under the atomic
// rename protocol from spec.md §4.5. If the file was deleted underneath the
// runner, the next mutate recreates it (spec.md "Boundary behaviors").
func (c *Coordinator) mutate(fn func(*Registry)) error {
	r, err := c.read()
	if err != nil {
		r = &Registry{Version: 1, GlobalMaxParallel: c.maxParallel}
	}
	fn(r)

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal registry: %w", err)
	}
	if err := filelock.LockAndWrite(c.path, data); err != nil {
		return fmt.Errorf("write registry: %w", err)
	}
	return nil
}

func upsert(r *Registry, entry InstanceEntry) {
	for i, inst := range r.Instances {
		if inst.InstanceID == entry.InstanceID {
			r.Instances[i] = entry
			return
		}
	}
	r.Instances = append(r.Instances, entry)
}

// pruneStale drops entries whose heartbeat is older than StaleAfter or whose
// process is no longer alive, per spec.md §4.7.
func pruneStale(r *Registry, monitor *procmon.Monitor) {
	kept := r.Instances[:0]
	for _, inst := range r.Instances {
		if time.Since(inst.LastHeartbeat) > StaleAfter {
			continue
		}
		if monitor != nil && !monitor.IsRunning(inst.ProcessID) {
			continue
		}
		kept = append(kept, inst)
	}
	r.Instances = kept
}
