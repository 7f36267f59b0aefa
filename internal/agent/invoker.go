// Package agent provides the opaque external delegate the node executor
// calls for WorkSpec.Kind == "agent" phases (spec.md §1 "the runner treats
// it as an opaque command with stdio, PID, exit code, and an optional
// session identifier"). The concrete AI agent binary invoked is out of
// scope; this package only shells out to the claude CLI and reports back
// what the runner's contract requires.
package agent

import (
	"context"
	"fmt"

	"github.com/harrison/planrunner/internal/claude"
	"github.com/harrison/planrunner/internal/plan"
)

// ClaudeInvoker implements runner.AgentInvoker by shelling out to the
// claude CLI via internal/claude, the same invocation path used by every
// other Claude-calling component in this repo.
type ClaudeInvoker struct {
	inv *claude.Invoker
}

// NewClaudeInvoker constructs a ClaudeInvoker. claudePath overrides the
// binary name/path; empty uses "claude" from PATH.
func NewClaudeInvoker(claudePath string) *ClaudeInvoker {
	inv := claude.NewInvoker()
	if claudePath != "" {
		inv.ClaudePath = claudePath
	}
	return &ClaudeInvoker{inv: inv}
}

// Invoke runs one agent-kind work phase to completion: builds a prompt from
// work.Instructions (enhanced per PrepareAgentPrompt), grants access to
// work.AllowedFolders via --add-dir, bounds turns via work.MaxTurns, and
// reports the process's exit code and Claude CLI session identifier back to
// the node executor. Output (raw CLI stdout/stderr) is written to logWriter
// before a non-nil error is returned, matching the process-kind path's
// logLine(res.Stdout)/logLine(res.Stderr) convention in node_executor.go.
func (c *ClaudeInvoker) Invoke(ctx context.Context, dir string, work plan.WorkSpec, logWriter func(line string)) (exitCode int, sessionID string, err error) {
	if work.Kind != plan.WorkAgent {
		return -1, "", fmt.Errorf("agent invoker called with non-agent work kind %q", work.Kind)
	}

	req := claude.Request{
		Prompt:      PrepareAgentPrompt(work.Instructions),
		Dir:         dir,
		MaxTurns:    work.MaxTurns,
		AddDirs:     work.AllowedFolders,
		BypassPerms: true,
	}

	resp, invokeErr := c.inv.Invoke(ctx, req)
	if invokeErr != nil {
		if resp != nil && len(resp.RawOutput) > 0 {
			logWriter(string(resp.RawOutput))
		}
		return -1, "", invokeErr
	}

	if len(resp.RawOutput) > 0 {
		logWriter(string(resp.RawOutput))
	}

	content, parsedSessionID, parseErr := claude.ParseResponse(resp.RawOutput)
	if parseErr != nil {
		return resp.ExitCode, parsedSessionID, fmt.Errorf("parse agent response: %w", parseErr)
	}
	if content == "" && resp.ExitCode == 0 {
		return resp.ExitCode, parsedSessionID, fmt.Errorf("agent produced no parsable output")
	}

	return resp.ExitCode, parsedSessionID, nil
}

// PrepareAgentPrompt adds Claude 4 enhancements and an explicit JSON-only
// response format instruction, since --json-schema isn't enforced when the
// CLI is driven without a registered --agents definition.
func PrepareAgentPrompt(instructions string) string {
	enhanced := EnhancePromptForClaude4(instructions)

	responseFormat := XMLSection("response_format",
		`CRITICAL: Respond with ONLY valid JSON matching the provided schema.
No markdown, no code fences, no XML tags in output, no prose, no explanations.
Output raw JSON only.

Required JSON structure:
{"status":"success","summary":"...","output":"...","errors":[],"files_modified":[]}`)

	return enhanced + "\n\n" + responseFormat
}
