package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestAttemptLoggerCreatesParentDirAndWritesLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plan-1", "node-a", "attempt-1.log")

	al, err := NewAttemptLogger(path)
	if err != nil {
		t.Fatalf("NewAttemptLogger() error = %v", err)
	}
	defer al.Close()

	al.SectionStart("work")
	al.Line("work", "info", "building")
	al.SectionEnd("work")

	if got := al.LogPath(); got != path {
		t.Errorf("LogPath() = %q, want %q", got, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	content := string(data)

	if !strings.Contains(content, "========== WORK SECTION START ==========") {
		t.Errorf("missing section start marker: %s", content)
	}
	if !strings.Contains(content, "========== WORK SECTION END ==========") {
		t.Errorf("missing section end marker: %s", content)
	}
	if !strings.Contains(content, "work INFO building") {
		t.Errorf("missing formatted line: %s", content)
	}
}

func TestAttemptLoggerCloseIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "attempt-1.log")
	al, err := NewAttemptLogger(path)
	if err != nil {
		t.Fatalf("NewAttemptLogger() error = %v", err)
	}
	if err := al.Close(); err != nil {
		t.Fatalf("first Close() error = %v", err)
	}
	if err := al.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
}

func TestRunLoggerCreatesDirAndSymlink(t *testing.T) {
	dir := t.TempDir()
	logDir := filepath.Join(dir, "logs")

	rl, err := NewRunLogger(logDir, "info")
	if err != nil {
		t.Fatalf("NewRunLogger() error = %v", err)
	}
	defer rl.Close()

	entries, err := os.ReadDir(logDir)
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}

	foundRun, foundSymlink := false, false
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "run-") && strings.HasSuffix(e.Name(), ".log") {
			foundRun = true
		}
		if e.Name() == "latest.log" {
			foundSymlink = true
		}
	}
	if !foundRun {
		t.Error("expected a run-*.log file")
	}
	if !foundSymlink {
		t.Error("expected a latest.log symlink")
	}
}

func TestRunLoggerRespectsLevelFiltering(t *testing.T) {
	logDir := filepath.Join(t.TempDir(), "logs")
	rl, err := NewRunLogger(logDir, "warn")
	if err != nil {
		t.Fatalf("NewRunLogger() error = %v", err)
	}
	defer rl.Close()

	rl.LogInfo("should be suppressed")
	rl.LogWarn("should appear")
	rl.Close()

	data, err := os.ReadFile(rl.runFile)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	content := string(data)
	if strings.Contains(content, "should be suppressed") {
		t.Error("info line should have been filtered at warn level")
	}
	if !strings.Contains(content, "should appear") {
		t.Error("warn line should have been written")
	}
}

func TestRunLoggerPlanLifecycleEvents(t *testing.T) {
	logDir := filepath.Join(t.TempDir(), "logs")
	rl, err := NewRunLogger(logDir, "info")
	if err != nil {
		t.Fatalf("NewRunLogger() error = %v", err)
	}
	defer rl.Close()

	rl.LogPlanEnqueued("plan-1", "demo", 3)
	rl.LogNodeDispatch("plan-1", "node-a", 1)
	rl.LogNodeResult("plan-1", "node-a", "succeeded", "", 0)
	rl.LogMergeResult("plan-1", "node-a", true, "")
	rl.LogPlanComplete("plan-1", "succeeded", 0)
	rl.Close()

	data, err := os.ReadFile(rl.runFile)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	content := string(data)
	for _, want := range []string{"enqueued", "attempt 1 started", "node-a succeeded", "leaf node-a merged", "plan plan-1 complete"} {
		if !strings.Contains(content, want) {
			t.Errorf("expected log to contain %q, got: %s", want, content)
		}
	}
}
