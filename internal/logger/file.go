package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// AttemptLogger writes one node attempt's phase-sequenced log file to disk,
// implementing runner.PhaseLogger without importing internal/runner (the
// dependency runs the other way: runner depends on this package through the
// interface, not the concrete type). Lines are `<ISO timestamp> <phase>
// <level> <message>`; phases are bracketed by SECTION START/END markers
// (spec.md §6.2). Grounded on the teacher's FileLogger, which opened one
// append-only *os.File per run and serialized all writes under a mutex.
type AttemptLogger struct {
	path string
	file *os.File
	mu   sync.Mutex
}

// NewAttemptLogger opens (creating parent directories as needed) the log file
// at path for append.
func NewAttemptLogger(path string) (*AttemptLogger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open attempt log: %w", err)
	}
	return &AttemptLogger{path: path, file: f}, nil
}

// Line writes one formatted log line.
func (a *AttemptLogger) Line(phase, level, message string) {
	a.write(fmt.Sprintf("%s %s %s %s\n", time.Now().UTC().Format(time.RFC3339Nano), phase, strings.ToUpper(level), message))
}

// SectionStart writes the opening bracket for phase.
func (a *AttemptLogger) SectionStart(phase string) {
	a.write(fmt.Sprintf("========== %s SECTION START ==========\n", strings.ToUpper(phase)))
}

// SectionEnd writes the closing bracket for phase.
func (a *AttemptLogger) SectionEnd(phase string) {
	a.write(fmt.Sprintf("========== %s SECTION END ==========\n", strings.ToUpper(phase)))
}

// LogPath returns the on-disk path of this attempt's log file.
func (a *AttemptLogger) LogPath() string {
	return a.path
}

// Close flushes and closes the underlying file. Safe to call more than once.
func (a *AttemptLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		return nil
	}
	err := a.file.Close()
	a.file = nil
	return err
}

func (a *AttemptLogger) write(line string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		return
	}
	a.file.WriteString(line)
	a.file.Sync()
}

// RunLogger is the plan-level run log: one timestamped file per runner
// process plus a latest.log symlink, mirroring the teacher's FileLogger
// run-log/symlink pair but carrying plan/node lifecycle events instead of
// wave/task/QC events.
type RunLogger struct {
	logDir   string
	runLog   *os.File
	runFile  string
	logLevel string
	mu       sync.Mutex
}

// NewRunLogger creates a RunLogger rooted at logDir (typically
// <repo>/.orchestrator/logs), opening a fresh run-<timestamp>.log and
// refreshing the latest.log symlink.
func NewRunLogger(logDir, logLevel string) (*RunLogger, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	timestamp := time.Now().Format("20060102-150405")
	runFile := filepath.Join(logDir, fmt.Sprintf("run-%s.log", timestamp))

	file, err := os.OpenFile(runFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("create run log file: %w", err)
	}

	symlinkPath := filepath.Join(logDir, "latest.log")
	if _, err := os.Lstat(symlinkPath); err == nil {
		if err := os.Remove(symlinkPath); err != nil {
			file.Close()
			return nil, fmt.Errorf("remove old symlink: %w", err)
		}
	}
	if err := os.Symlink(filepath.Base(runFile), symlinkPath); err != nil {
		file.Close()
		return nil, fmt.Errorf("create symlink: %w", err)
	}

	rl := &RunLogger{
		logDir:   logDir,
		runLog:   file,
		runFile:  runFile,
		logLevel: normalizeLogLevel(logLevel),
	}
	rl.writeRunLog(fmt.Sprintf("=== plan runner started %s ===\n", time.Now().Format(time.RFC3339)))
	return rl, nil
}

func (rl *RunLogger) shouldLog(level string) bool {
	return logLevelToInt(level) >= logLevelToInt(rl.logLevel)
}

func (rl *RunLogger) logWithLevel(level, message string) {
	if !rl.shouldLog(strings.ToLower(level)) {
		return
	}
	rl.writeRunLog(fmt.Sprintf("[%s] [%s] %s\n", time.Now().Format("15:04:05"), level, message))
}

func (rl *RunLogger) LogTrace(message string) { rl.logWithLevel("TRACE", message) }
func (rl *RunLogger) LogDebug(message string) { rl.logWithLevel("DEBUG", message) }
func (rl *RunLogger) LogInfo(message string)  { rl.logWithLevel("INFO", message) }
func (rl *RunLogger) LogWarn(message string)  { rl.logWithLevel("WARN", message) }
func (rl *RunLogger) LogError(message string) { rl.logWithLevel("ERROR", message) }

// LogPlanEnqueued records a plan entering the scheduler.
func (rl *RunLogger) LogPlanEnqueued(planID, name string, nodeCount int) {
	if !rl.shouldLog("info") {
		return
	}
	rl.writeRunLog(fmt.Sprintf("[%s] plan %s (%s) enqueued: %d nodes\n", time.Now().Format("15:04:05"), planID, name, nodeCount))
}

// LogNodeDispatch records a node transitioning into running.
func (rl *RunLogger) LogNodeDispatch(planID, nodeID string, attempt int) {
	if !rl.shouldLog("info") {
		return
	}
	rl.writeRunLog(fmt.Sprintf("[%s] plan %s: node %s attempt %d started\n", time.Now().Format("15:04:05"), planID, nodeID, attempt))
}

// LogNodeResult records a node's terminal attempt outcome.
func (rl *RunLogger) LogNodeResult(planID, nodeID, status, failureReason string, duration time.Duration) {
	if !rl.shouldLog("info") {
		return
	}
	msg := fmt.Sprintf("[%s] plan %s: node %s %s (%.1fs)", time.Now().Format("15:04:05"), planID, nodeID, status, duration.Seconds())
	if failureReason != "" {
		msg += fmt.Sprintf(" reason=%s", failureReason)
	}
	rl.writeRunLog(msg + "\n")
}

// LogMergeResult records a leaf-merge outcome.
func (rl *RunLogger) LogMergeResult(planID, nodeID string, ok bool, detail string) {
	if !rl.shouldLog("info") {
		return
	}
	status := "merged"
	if !ok {
		status = "merge failed"
	}
	msg := fmt.Sprintf("[%s] plan %s: leaf %s %s", time.Now().Format("15:04:05"), planID, nodeID, status)
	if detail != "" {
		msg += ": " + detail
	}
	rl.writeRunLog(msg + "\n")
}

// LogPlanComplete records a plan reaching a terminal status.
func (rl *RunLogger) LogPlanComplete(planID, status string, duration time.Duration) {
	if !rl.shouldLog("info") {
		return
	}
	rl.writeRunLog(fmt.Sprintf(
		"\n[%s] === plan %s complete ===\n[%s] status: %s\n[%s] duration: %.1fs\n",
		time.Now().Format("15:04:05"), planID,
		time.Now().Format("15:04:05"), status,
		time.Now().Format("15:04:05"), duration.Seconds(),
	))
}

// Close flushes and closes the run log file.
func (rl *RunLogger) Close() error {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if rl.runLog == nil {
		return nil
	}
	if err := rl.runLog.Sync(); err != nil {
		return fmt.Errorf("sync run log: %w", err)
	}
	if err := rl.runLog.Close(); err != nil {
		return fmt.Errorf("close run log: %w", err)
	}
	rl.runLog = nil
	return nil
}

func (rl *RunLogger) writeRunLog(message string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if rl.runLog != nil {
		rl.runLog.WriteString(message)
		rl.runLog.Sync()
	}
}
