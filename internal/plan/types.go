// Package plan defines the declarative plan model: PlanSpec, NodeSpec, WorkSpec,
// and the dependency graph derived from them. Types in this package are
// immutable once validated; runtime state lives in internal/runner.
package plan

import (
	"fmt"
	"regexp"
)

// producerIDPattern matches spec.md's NodeSpec.producerId grammar.
var producerIDPattern = regexp.MustCompile(`^[a-z0-9-]{3,64}$`)

// Size bounds from spec.md §6.1.
const (
	MaxTaskLen         = 5000
	MaxInstructionsLen = 100000
	MaxNodesPerPlan    = 2000
	MinMaxParallel     = 1
	MaxMaxParallel     = 32
)

// PlanSpec is the immutable declarative input submitted by a caller.
type PlanSpec struct {
	ID                    string          `json:"id" yaml:"id"`
	Name                  string          `json:"name" yaml:"name"`
	BaseBranch            string          `json:"baseBranch" yaml:"baseBranch"`
	TargetBranch          string          `json:"targetBranch,omitempty" yaml:"targetBranch,omitempty"`
	MaxParallel           int             `json:"maxParallel" yaml:"maxParallel"`
	CleanUpSuccessfulWork bool            `json:"cleanUpSuccessfulWork" yaml:"cleanUpSuccessfulWork"`
	StartPaused           bool            `json:"startPaused" yaml:"startPaused"`
	Nodes                 []NodeSpec      `json:"nodes" yaml:"nodes"`
	Groups                []GroupSpec     `json:"groups,omitempty" yaml:"groups,omitempty"`
}

// GroupSpec is an organizational hierarchy over nodes. Groups never affect
// scheduling; they exist for display and webhook filtering only.
type GroupSpec struct {
	GroupID     string   `json:"groupId" yaml:"groupId"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Members     []string `json:"members" yaml:"members"` // producerId references
}

// OnFailurePolicy customizes how a node's failure propagates.
type OnFailurePolicy struct {
	NoAutoHeal      bool   `json:"noAutoHeal,omitempty" yaml:"noAutoHeal,omitempty"`
	ResumeFromPhase string `json:"resumeFromPhase,omitempty" yaml:"resumeFromPhase,omitempty"`
}

// NodeSpec is a declarative unit of work within a plan.
type NodeSpec struct {
	ProducerID       string            `json:"producerId" yaml:"producerId"`
	Name             string            `json:"name" yaml:"name"`
	Task             string            `json:"task" yaml:"task"`
	Instructions     string            `json:"instructions,omitempty" yaml:"instructions,omitempty"`
	Dependencies     []string          `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	Work             WorkSpec          `json:"work" yaml:"work"`
	Prechecks        *WorkSpec         `json:"prechecks,omitempty" yaml:"prechecks,omitempty"`
	Postchecks       *WorkSpec         `json:"postchecks,omitempty" yaml:"postchecks,omitempty"`
	ExpectsNoChanges bool              `json:"expectsNoChanges,omitempty" yaml:"expectsNoChanges,omitempty"`
	OnFailure        *OnFailurePolicy  `json:"onFailure,omitempty" yaml:"onFailure,omitempty"`
	Labels           map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`
}

// WorkKind is the tag of the WorkSpec closed union.
type WorkKind string

const (
	WorkProcess WorkKind = "process"
	WorkShell   WorkKind = "shell"
	WorkAgent   WorkKind = "agent"
)

// ShellKind enumerates the shells a "shell" WorkSpec may be mediated by.
type ShellKind string

const (
	ShellCmd        ShellKind = "cmd"
	ShellPowershell ShellKind = "powershell"
	ShellPwsh       ShellKind = "pwsh"
	ShellBash       ShellKind = "bash"
	ShellSh         ShellKind = "sh"
)

// WorkSpec is a closed tagged union of the ways a phase can execute work.
// Exactly the fields relevant to Kind should be populated; validators reject
// unknown Kind values and another kind's main field (executable,
// command/shell, instructions). Secondary fields such as args are not checked.
type WorkSpec struct {
	Kind WorkKind `json:"kind" yaml:"kind"`

	// kind: process
	Executable string   `json:"executable,omitempty" yaml:"executable,omitempty"`
	Args       []string `json:"args,omitempty" yaml:"args,omitempty"`

	// kind: shell
	Command string    `json:"command,omitempty" yaml:"command,omitempty"`
	Shell   ShellKind `json:"shell,omitempty" yaml:"shell,omitempty"`

	// kind: agent
	Instructions   string   `json:"instructions,omitempty" yaml:"instructions,omitempty"`
	MaxTurns       int      `json:"maxTurns,omitempty" yaml:"maxTurns,omitempty"`
	AllowedFolders []string `json:"allowedFolders,omitempty" yaml:"allowedFolders,omitempty"`
	AllowedURLs    []string `json:"allowedUrls,omitempty" yaml:"allowedUrls,omitempty"`
}

// ValidateProducerID reports whether id matches the producerId grammar.
func ValidateProducerID(id string) error {
	if !producerIDPattern.MatchString(id) {
		return fmt.Errorf("producerId %q must match [a-z0-9-]{3,64}", id)
	}
	return nil
}
