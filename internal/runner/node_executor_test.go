package runner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/planrunner/internal/plan"
	"github.com/harrison/planrunner/internal/vcs"
	"github.com/harrison/planrunner/internal/worktree"
)

// fakeVCSRunner scripts git responses for the node executor's worktree
// Finalize/IsClean calls, matching the fakeRunner pattern already used in
// internal/worktree and internal/merge tests.
type fakeVCSRunner struct {
	clean bool
}

func (f *fakeVCSRunner) Run(ctx context.Context, dir, name string, args ...string) (string, error) {
	if len(args) == 0 {
		return "", nil
	}
	switch args[0] {
	case "status":
		if f.clean {
			return "", nil
		}
		return " M file.txt\n", nil
	case "rev-parse":
		return "commit-abc\n", nil
	}
	return "", nil
}

// fakeLogger is an in-memory PhaseLogger double.
type fakeLogger struct {
	lines []string
}

func (f *fakeLogger) Line(phase, level, message string) {
	f.lines = append(f.lines, phase+":"+level+":"+message)
}
func (f *fakeLogger) SectionStart(phase string) {}
func (f *fakeLogger) SectionEnd(phase string)   {}
func (f *fakeLogger) LogPath() string           { return "/tmp/attempt.log" }

// fakeAgent is a scriptable AgentInvoker double.
type fakeAgent struct {
	exitCode  int
	sessionID string
	err       error
}

func (f *fakeAgent) Invoke(ctx context.Context, dir string, work plan.WorkSpec, logWriter func(string)) (int, string, error) {
	return f.exitCode, f.sessionID, f.err
}

func newTestExecutor(t *testing.T, clean bool, agent AgentInvoker) *NodeExecutor {
	t.Helper()
	repo := t.TempDir()
	adapter := &vcs.Adapter{RepoPath: repo, Runner: &fakeVCSRunner{clean: clean}}
	wt := worktree.New(adapter)
	return NewNodeExecutor(adapter, wt, agent, func(planID, nodeID string, attempt int) PhaseLogger {
		return &fakeLogger{}
	})
}

func TestRunSucceedsAndCommitsWhenDirty(t *testing.T) {
	e := newTestExecutor(t, false, nil)
	node := plan.NodeSpec{
		ProducerID: "node-1",
		Name:       "build",
		Work:       plan.WorkSpec{Kind: plan.WorkProcess, Executable: "true"},
	}

	outcome := e.Run(context.Background(), "plan-1", node, 1, t.TempDir(), "base-1")
	assert.Equal(t, StatusSucceeded, outcome.Status)
	assert.Equal(t, "commit-abc", outcome.CommitHash)
}

func TestRunFailsWhenWorkExitsNonzero(t *testing.T) {
	e := newTestExecutor(t, false, nil)
	node := plan.NodeSpec{
		ProducerID: "node-1",
		Name:       "build",
		Work:       plan.WorkSpec{Kind: plan.WorkProcess, Executable: "false"},
	}

	outcome := e.Run(context.Background(), "plan-1", node, 1, t.TempDir(), "base-1")
	assert.Equal(t, StatusFailed, outcome.Status)
	assert.Equal(t, FailureReasonWork, outcome.FailureReason)
}

func TestRunFailsWhenPrecheckFails(t *testing.T) {
	e := newTestExecutor(t, false, nil)
	precheck := plan.WorkSpec{Kind: plan.WorkProcess, Executable: "false"}
	node := plan.NodeSpec{
		ProducerID: "node-1",
		Name:       "build",
		Prechecks:  &precheck,
		Work:       plan.WorkSpec{Kind: plan.WorkProcess, Executable: "true"},
	}

	outcome := e.Run(context.Background(), "plan-1", node, 1, t.TempDir(), "base-1")
	assert.Equal(t, StatusFailed, outcome.Status)
	assert.Equal(t, FailureReasonPrechecks, outcome.FailureReason)
}

func TestRunNoChangesSentinelWhenExpected(t *testing.T) {
	e := newTestExecutor(t, true, nil)
	node := plan.NodeSpec{
		ProducerID:       "node-1",
		Name:             "noop",
		ExpectsNoChanges: true,
		Work:             plan.WorkSpec{Kind: plan.WorkProcess, Executable: "true"},
	}

	outcome := e.Run(context.Background(), "plan-1", node, 1, t.TempDir(), "base-1")
	assert.Equal(t, StatusSucceeded, outcome.Status)
	assert.Equal(t, NoChangesSentinel, outcome.CommitHash)
}

func TestRunFailsWhenCleanButNotExpected(t *testing.T) {
	e := newTestExecutor(t, true, nil)
	node := plan.NodeSpec{
		ProducerID: "node-1",
		Name:       "build",
		Work:       plan.WorkSpec{Kind: plan.WorkProcess, Executable: "true"},
	}

	outcome := e.Run(context.Background(), "plan-1", node, 1, t.TempDir(), "base-1")
	assert.Equal(t, StatusFailed, outcome.Status)
	assert.Equal(t, FailureReasonCommit, outcome.FailureReason)
}

func TestRunDispatchesAgentWork(t *testing.T) {
	agent := &fakeAgent{exitCode: 0, sessionID: "sess-1"}
	e := newTestExecutor(t, false, agent)
	node := plan.NodeSpec{
		ProducerID: "node-1",
		Name:       "agentic",
		Work:       plan.WorkSpec{Kind: plan.WorkAgent, Instructions: "do the thing"},
	}

	outcome := e.Run(context.Background(), "plan-1", node, 1, t.TempDir(), "base-1")
	assert.Equal(t, StatusSucceeded, outcome.Status)
	assert.Equal(t, "sess-1", outcome.SessionID)
}

func TestRunFailsWithoutAgentInvokerConfigured(t *testing.T) {
	e := newTestExecutor(t, false, nil)
	node := plan.NodeSpec{
		ProducerID: "node-1",
		Name:       "agentic",
		Work:       plan.WorkSpec{Kind: plan.WorkAgent, Instructions: "do the thing"},
	}

	outcome := e.Run(context.Background(), "plan-1", node, 1, t.TempDir(), "base-1")
	assert.Equal(t, StatusFailed, outcome.Status)
}

func TestPrepareDelegatesToWorktreeManager(t *testing.T) {
	e := newTestExecutor(t, false, nil)
	node := plan.NodeSpec{ProducerID: "node-1"}

	path, base, err := e.Prepare(context.Background(), node, "main")
	require.NoError(t, err)
	assert.NotEmpty(t, path)
	assert.Equal(t, "commit-abc", base)
}
