package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	planexec "github.com/harrison/planrunner/internal/exec"
	"github.com/harrison/planrunner/internal/plan"
	"github.com/harrison/planrunner/internal/vcs"
	"github.com/harrison/planrunner/internal/worktree"
)

// AgentInvoker runs a WorkSpec.Kind == "agent" phase as an opaque external
// delegate (spec.md §1 "the runner treats it as an opaque command with
// stdio, PID, exit code, and an optional session identifier"). The
// production implementation lives in internal/agent.
type AgentInvoker interface {
	Invoke(ctx context.Context, dir string, work plan.WorkSpec, logWriter func(line string)) (exitCode int, sessionID string, err error)
}

// PhaseLogger receives one line per log entry, already formatted per
// spec.md §6.2 (`<ISO timestamp> <phase> <level> <message>`).
type PhaseLogger interface {
	Line(phase, level, message string)
	SectionStart(phase string)
	SectionEnd(phase string)
	LogPath() string
}

// NodeExecutor drives one node's phases: prechecks -> work -> postchecks ->
// commit (spec.md §4.2/H). It never lets a user command's error escape as a
// Go panic or unhandled exception (spec.md §7 "Propagation policy").
type NodeExecutor struct {
	vcsAdapter *vcs.Adapter
	worktrees  *worktree.Manager
	agent      AgentInvoker
	newLogger  func(planID, nodeID string, attempt int) PhaseLogger
}

// NewNodeExecutor constructs a NodeExecutor. agent may be nil if the plan
// never declares an agent-kind WorkSpec.
func NewNodeExecutor(vcsAdapter *vcs.Adapter, worktrees *worktree.Manager, agent AgentInvoker, newLogger func(planID, nodeID string, attempt int) PhaseLogger) *NodeExecutor {
	return &NodeExecutor{vcsAdapter: vcsAdapter, worktrees: worktrees, agent: agent, newLogger: newLogger}
}

// Outcome is what NodeExecutor.Run reports back to the scheduler.
type Outcome struct {
	Status        NodeStatus
	FailureReason string
	Error         string
	CommitHash    string
	WorktreePath  string
	BaseCommit    string
	LogPath       string
	SessionID     string
}

// Prepare acquires the node's worktree before any phase runs. Callers must
// treat a failure here as a scheduling-transient error (spec.md §4.1
// "Failure semantics") — it happens before the node is ever transitioned to
// running, so the state machine rolls back to ready rather than failing the
// attempt outright.
func (e *NodeExecutor) Prepare(ctx context.Context, node plan.NodeSpec, baseBranch string) (path, baseCommit string, err error) {
	return e.worktrees.Create(ctx, node.ProducerID, baseBranch)
}

// Run executes node's full phase sequence inside path, a worktree already
// acquired via Prepare. ctx carries cancellation for cooperative cancel
// (spec.md §5 "Cancellation").
func (e *NodeExecutor) Run(ctx context.Context, planID string, node plan.NodeSpec, attemptNum int, path, baseCommit string) Outcome {
	logger := e.newLogger(planID, node.ProducerID, attemptNum)
	outcome := Outcome{WorktreePath: path, BaseCommit: baseCommit, LogPath: logger.LogPath()}

	runPhase := func(phase, reason string, work *plan.WorkSpec) (ok bool) {
		if work == nil {
			return true
		}
		logger.SectionStart(phase)
		defer logger.SectionEnd(phase)

		select {
		case <-ctx.Done():
			logger.Line(phase, "error", "cancelled before start")
			return false
		default:
		}

		exitCode, sessionID, err := e.runWork(ctx, path, *work, func(line string) {
			logger.Line(phase, "info", line)
		})
		if sessionID != "" {
			outcome.SessionID = sessionID
		}
		if err != nil {
			logger.Line(phase, "error", err.Error())
			outcome.Error = err.Error()
			outcome.FailureReason = reason
			return false
		}
		if exitCode != 0 {
			msg := fmt.Sprintf("exit code %d", exitCode)
			logger.Line(phase, "error", msg)
			outcome.Error = msg
			outcome.FailureReason = reason
			return false
		}
		return true
	}

	if !runPhase(PhasePrecheck, FailureReasonPrechecks, node.Prechecks) {
		outcome.Status = StatusFailed
		return outcome
	}

	work := node.Work
	if !runPhase(PhaseWork, FailureReasonWork, &work) {
		outcome.Status = StatusFailed
		return outcome
	}

	if !runPhase(PhasePostcheck, FailureReasonPostchecks, node.Postchecks) {
		outcome.Status = StatusFailed
		return outcome
	}

	logger.SectionStart(PhaseCommit)
	commitMsg := fmt.Sprintf("%s: %s", node.ProducerID, node.Name)
	commit, clean, commitErr := e.worktrees.Finalize(ctx, path, commitMsg)
	logger.SectionEnd(PhaseCommit)

	if commitErr != nil {
		outcome.Status = StatusFailed
		outcome.FailureReason = FailureReasonCommit
		outcome.Error = commitErr.Error()
		return outcome
	}

	if clean {
		if !node.ExpectsNoChanges {
			// The node neither committed anything nor declared expectsNoChanges,
			// so there is nothing to integrate into the target branch (spec.md
			// §9 Open Question 1 "node produced no commits with
			// expectsNoChanges=false" — decision recorded in DESIGN.md §G).
			outcome.Status = StatusFailed
			outcome.FailureReason = FailureReasonCommit
			outcome.Error = "nothing to commit: worktree was clean and expectsNoChanges is false"
			return outcome
		}
		outcome.CommitHash = NoChangesSentinel
	} else {
		outcome.CommitHash = commit
	}

	outcome.Status = StatusSucceeded
	return outcome
}

// runWork dispatches a WorkSpec to the process executor or the agent
// delegate depending on Kind.
func (e *NodeExecutor) runWork(ctx context.Context, dir string, work plan.WorkSpec, logLine func(string)) (exitCode int, sessionID string, err error) {
	switch work.Kind {
	case plan.WorkProcess:
		res, rerr := planexec.Run(ctx, planexec.Spec{Executable: work.Executable, Args: work.Args, Dir: dir})
		return reportExecResult(res, rerr, logLine)
	case plan.WorkShell:
		spec := planexec.ShellCommand(string(work.Shell), work.Command, dir, planexec.DefaultTimeout)
		res, rerr := planexec.Run(ctx, spec)
		return reportExecResult(res, rerr, logLine)
	case plan.WorkAgent:
		if e.agent == nil {
			return -1, "", fmt.Errorf("no agent invoker configured for agent-kind work")
		}
		return e.agent.Invoke(ctx, dir, work, logLine)
	default:
		return -1, "", fmt.Errorf("unknown work kind %q", work.Kind)
	}
}

func reportExecResult(res *planexec.Result, err error, logLine func(string)) (int, string, error) {
	if err != nil {
		return -1, "", err
	}
	if res.Stdout != "" {
		logLine(res.Stdout)
	}
	if res.Stderr != "" {
		logLine(res.Stderr)
	}
	if res.TimedOut {
		return -1, "", fmt.Errorf("%s", res.Stderr)
	}
	return res.ExitCode, "", nil
}

// NewAttemptID mints a new attempt identifier, grounded on the teacher's
// use of google/uuid for opaque identifiers throughout the model package.
func NewAttemptID() string {
	return uuid.NewString()
}

// DefaultLogPath computes the on-disk log path for an attempt, per spec.md
// §6.2: <repo>/.orchestrator/logs/<planId>/<nodeId>/attempt-<n>.log.
func DefaultLogPath(repoPath, planID, nodeID string, attempt int) string {
	return filepath.Join(repoPath, ".orchestrator", "logs", planID, nodeID, fmt.Sprintf("attempt-%d.log", attempt))
}

// EnsureLogDir creates the parent directory for a log path.
func EnsureLogDir(logPath string) error {
	return os.MkdirAll(filepath.Dir(logPath), 0755)
}
