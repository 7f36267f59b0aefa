package logger

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestConsoleLoggerRespectsLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	cl := NewConsoleLogger(&buf, "warn")

	cl.LogInfo("suppressed")
	cl.LogWarn("shown")

	out := buf.String()
	if strings.Contains(out, "suppressed") {
		t.Error("info line should be filtered at warn level")
	}
	if !strings.Contains(out, "shown") {
		t.Error("warn line should be written")
	}
}

func TestConsoleLoggerNilWriterDiscardsSilently(t *testing.T) {
	cl := NewConsoleLogger(nil, "info")
	cl.LogInfo("anything")
	cl.LogPlanEnqueued("plan-1", "demo", 2)
}

func TestConsoleLoggerPlanAndNodeLifecycle(t *testing.T) {
	var buf bytes.Buffer
	cl := NewConsoleLogger(&buf, "info")

	cl.LogPlanEnqueued("plan-1", "demo", 3)
	cl.LogNodeStart("plan-1", "node-a", 1)
	cl.LogNodeResult("plan-1", "node-a", "succeeded", 2500*time.Millisecond, "/wt/node-a", "", "")

	out := buf.String()
	for _, want := range []string{"enqueued demo", "node-a attempt 1", "node-a: succeeded"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected output to contain %q, got: %s", want, out)
		}
	}
}

func TestConsoleLoggerNodeResultCompactModeOmitsDetail(t *testing.T) {
	var buf bytes.Buffer
	cl := NewConsoleLogger(&buf, "info")
	cl.SetCompact(true)

	cl.LogNodeResult("plan-1", "node-a", "failed", time.Second, "/wt/node-a", "work", "boom")

	out := buf.String()
	if strings.Contains(out, "/wt/node-a") {
		t.Error("compact mode should omit worktree path")
	}
	if strings.Contains(out, "boom") {
		t.Error("compact mode should omit error detail")
	}
}

func TestConsoleLoggerNodeResultVerboseModeIncludesDetail(t *testing.T) {
	var buf bytes.Buffer
	cl := NewConsoleLogger(&buf, "info")

	cl.LogNodeResult("plan-1", "node-a", "failed", time.Second, "/wt/node-a", "work", "boom")

	out := buf.String()
	if !strings.Contains(out, "/wt/node-a") {
		t.Error("expected worktree path in non-compact mode")
	}
	if !strings.Contains(out, "boom") {
		t.Error("expected error detail in non-compact mode")
	}
}

func TestConsoleLoggerMergeResult(t *testing.T) {
	var buf bytes.Buffer
	cl := NewConsoleLogger(&buf, "info")

	cl.LogMergeResult("plan-1", "node-a", true, "")
	cl.LogMergeResult("plan-1", "node-b", false, "conflict in file.go")

	out := buf.String()
	if !strings.Contains(out, "node-a: merged") {
		t.Errorf("expected clean merge line, got: %s", out)
	}
	if !strings.Contains(out, "node-b: merge failed") || !strings.Contains(out, "conflict in file.go") {
		t.Errorf("expected failed merge line with detail, got: %s", out)
	}
}

func TestConsoleLoggerRetryBackoffOnlyAtWarnOrAbove(t *testing.T) {
	var buf bytes.Buffer
	cl := NewConsoleLogger(&buf, "error")
	cl.LogRetryBackoff("plan-1", "node-a", 1, 100*time.Millisecond)
	if buf.Len() != 0 {
		t.Error("expected retry backoff to be suppressed below warn level")
	}

	cl2 := NewConsoleLogger(&buf, "warn")
	cl2.LogRetryBackoff("plan-1", "node-a", 1, 100*time.Millisecond)
	if !strings.Contains(buf.String(), "retry 1 in") {
		t.Errorf("expected retry backoff line, got: %s", buf.String())
	}
}

func TestConsoleLoggerPlanSummaryDrawsBox(t *testing.T) {
	var buf bytes.Buffer
	cl := NewConsoleLogger(&buf, "info")
	cl.LogPlanSummary("plan-1", "demo", "succeeded", 3, 3, 0, 5*time.Second)

	out := buf.String()
	if !strings.Contains(out, "status: succeeded") {
		t.Errorf("expected status line in summary box, got: %s", out)
	}
	if !strings.Contains(out, "nodes: 3 total, 3 succeeded, 0 failed") {
		t.Errorf("expected node counts line, got: %s", out)
	}
}

func TestNormalizeLogLevelDefaultsToInfo(t *testing.T) {
	for _, in := range []string{"", "bogus", "  "} {
		if got := normalizeLogLevel(in); got != "info" {
			t.Errorf("normalizeLogLevel(%q) = %q, want info", in, got)
		}
	}
	if got := normalizeLogLevel("DEBUG"); got != "debug" {
		t.Errorf("normalizeLogLevel(%q) = %q, want debug", "DEBUG", got)
	}
}

func TestFormatDurationVariants(t *testing.T) {
	cases := []struct {
		d    time.Duration
		want string
	}{
		{5 * time.Second, "5s"},
		{90 * time.Second, "1m30s"},
		{time.Hour + 15*time.Minute, "1h15m"},
	}
	for _, c := range cases {
		if got := formatDuration(c.d); got != c.want {
			t.Errorf("formatDuration(%v) = %q, want %q", c.d, got, c.want)
		}
	}
}

func TestNoOpLoggerDiscardsEverything(t *testing.T) {
	n := NewNoOpLogger()
	n.LogInfo("x")
	n.LogPlanEnqueued("p", "n", 1)
	n.LogNodeStart("p", "n", 1)
	n.LogNodeResult("p", "n", "succeeded", time.Second, "", "", "")
	n.LogMergeResult("p", "n", true, "")
	n.LogRetryBackoff("p", "n", 1, time.Second)
	n.LogCapacityWait("p", 1, 1)
	n.LogPlanSummary("p", "n", "succeeded", 1, 1, 0, time.Second)
}
