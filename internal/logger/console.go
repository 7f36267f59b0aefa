// Package logger provides logging implementations for the plan runner.
//
// Implementations are thread-safe and support multiple output destinations
// (console, per-attempt files). Log level filtering follows the usual
// trace/debug/info/warn/error ordering.
package logger

import (
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/mattn/go-runewidth"
	"golang.org/x/term"
)

// Log level constants for filtering.
const (
	levelTrace int = 0
	levelDebug int = 1
	levelInfo  int = 2
	levelWarn  int = 3
	levelError int = 4
)

// ConsoleLogger logs runner progress to a writer with timestamps and thread
// safety. Color output is automatically enabled for terminal output
// (os.Stdout/os.Stderr); Console.EnableColor in the runner config can force
// it off regardless of TTY detection.
type ConsoleLogger struct {
	writer      io.Writer
	logLevel    string
	mutex       sync.Mutex
	colorOutput bool
	compact     bool
}

// NewConsoleLogger creates a ConsoleLogger that writes to the provided
// io.Writer. If writer is nil, messages are silently discarded. logLevel
// determines the minimum log level for messages to be output; an empty or
// invalid value defaults to "info". Color output is automatically enabled
// when writing to os.Stdout or os.Stderr with TTY support.
func NewConsoleLogger(writer io.Writer, logLevel string) *ConsoleLogger {
	return &ConsoleLogger{
		writer:      writer,
		logLevel:    normalizeLogLevel(logLevel),
		colorOutput: isTerminal(writer),
	}
}

// isTerminal checks if the writer is a terminal that supports colors.
func isTerminal(w io.Writer) bool {
	if w == nil {
		return false
	}
	if w == os.Stdout {
		return isatty.IsTerminal(os.Stdout.Fd())
	}
	if w == os.Stderr {
		return isatty.IsTerminal(os.Stderr.Fd())
	}
	return false
}

// SetCompact toggles compact mode (Console.CompactMode in the runner
// config): when true, per-node log lines are single-line; when false, they
// expand to include worktree path and failure reason.
func (cl *ConsoleLogger) SetCompact(compact bool) {
	cl.mutex.Lock()
	defer cl.mutex.Unlock()
	cl.compact = compact
}

// SetColorOutput forces color output on or off, overriding TTY detection
// (Console.EnableColor in the runner config).
func (cl *ConsoleLogger) SetColorOutput(enabled bool) {
	cl.mutex.Lock()
	defer cl.mutex.Unlock()
	cl.colorOutput = enabled
}

// normalizeLogLevel converts a log level string to lowercase and validates
// it. Returns "info" as default for empty or invalid levels.
func normalizeLogLevel(level string) string {
	normalized := strings.ToLower(strings.TrimSpace(level))
	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if validLevels[normalized] {
		return normalized
	}
	return "info"
}

func (cl *ConsoleLogger) shouldLog(messageLevel string) bool {
	return logLevelToInt(messageLevel) >= logLevelToInt(cl.logLevel)
}

func logLevelToInt(level string) int {
	switch level {
	case "trace":
		return levelTrace
	case "debug":
		return levelDebug
	case "info":
		return levelInfo
	case "warn":
		return levelWarn
	case "error":
		return levelError
	default:
		return levelInfo
	}
}

func (cl *ConsoleLogger) LogTrace(message string) { cl.logWithLevel("TRACE", message) }
func (cl *ConsoleLogger) LogDebug(message string) { cl.logWithLevel("DEBUG", message) }
func (cl *ConsoleLogger) LogInfo(message string)  { cl.logWithLevel("INFO", message) }
func (cl *ConsoleLogger) LogWarn(message string)  { cl.logWithLevel("WARN", message) }
func (cl *ConsoleLogger) LogError(message string) { cl.logWithLevel("ERROR", message) }

// Info is an alias for LogInfo.
func (cl *ConsoleLogger) Info(message string) { cl.LogInfo(message) }

// Infof logs a formatted info-level message.
func (cl *ConsoleLogger) Infof(format string, args ...interface{}) {
	cl.LogInfo(fmt.Sprintf(format, args...))
}

// Warnf logs a formatted warning-level message.
func (cl *ConsoleLogger) Warnf(format string, args ...interface{}) {
	cl.LogWarn(fmt.Sprintf(format, args...))
}

func (cl *ConsoleLogger) logWithLevel(level, message string) {
	if cl.writer == nil {
		return
	}
	if !cl.shouldLog(strings.ToLower(level)) {
		return
	}
	cl.mutex.Lock()
	defer cl.mutex.Unlock()

	ts := timestamp()
	var formatted string
	if cl.colorOutput {
		formatted = cl.formatWithColor(ts, level, message)
	} else {
		formatted = fmt.Sprintf("[%s] [%s] %s\n", ts, level, message)
	}
	cl.writer.Write([]byte(formatted))
}

func (cl *ConsoleLogger) formatWithColor(ts, level, message string) string {
	var coloredLevel string
	switch strings.ToUpper(level) {
	case "TRACE":
		coloredLevel = color.New(color.FgHiBlack).Sprint(level)
	case "DEBUG":
		coloredLevel = color.New(color.FgCyan).Sprint(level)
	case "INFO":
		coloredLevel = color.New(color.FgBlue).Sprint(level)
	case "WARN":
		coloredLevel = color.New(color.FgYellow).Sprint(level)
	case "ERROR":
		coloredLevel = color.New(color.FgRed).Sprint(level)
	default:
		coloredLevel = level
	}
	return fmt.Sprintf("[%s] [%s] %s\n", ts, coloredLevel, message)
}

// LogPlanEnqueued announces a plan entering the scheduler, at INFO level.
func (cl *ConsoleLogger) LogPlanEnqueued(planID, name string, nodeCount int) {
	if cl.writer == nil || !cl.shouldLog("info") {
		return
	}
	cl.mutex.Lock()
	defer cl.mutex.Unlock()

	ts := timestamp()
	var message string
	if cl.colorOutput {
		nameColored := color.New(color.Bold).Sprint(name)
		message = fmt.Sprintf("[%s] enqueued %s (%s): %d nodes\n", ts, nameColored, planID, nodeCount)
	} else {
		message = fmt.Sprintf("[%s] enqueued %s (%s): %d nodes\n", ts, name, planID, nodeCount)
	}
	cl.writer.Write([]byte(message))
}

// LogNodeStart logs a node beginning an attempt, at INFO level.
func (cl *ConsoleLogger) LogNodeStart(planID, nodeID string, attempt int) {
	if cl.writer == nil || !cl.shouldLog("info") {
		return
	}
	cl.mutex.Lock()
	defer cl.mutex.Unlock()

	ts := timestamp()
	icon := "⏳"
	var message string
	if cl.colorOutput {
		message = fmt.Sprintf("[%s] %s %s attempt %d\n", ts, color.New(color.FgCyan).Sprint(icon), nodeID, attempt)
	} else {
		message = fmt.Sprintf("[%s] %s %s attempt %d\n", ts, icon, nodeID, attempt)
	}
	cl.writer.Write([]byte(message))
}

// LogNodeResult logs the terminal outcome of a node attempt, at INFO level.
// In compact mode it's a single line; otherwise it also prints the worktree
// path and any failure reason/error on indented lines.
func (cl *ConsoleLogger) LogNodeResult(planID, nodeID, status string, duration time.Duration, worktreePath, failureReason, errMsg string) {
	if cl.writer == nil || !cl.shouldLog("info") {
		return
	}
	cl.mutex.Lock()
	defer cl.mutex.Unlock()

	ts := timestamp()
	icon := nodeStatusIcon(status)
	durationStr := formatDurationWithDecimal(duration)

	var header string
	if cl.colorOutput {
		iconColored := color.New(nodeStatusColor(status)).Sprint(icon)
		statusColored := color.New(nodeStatusColor(status)).Sprint(status)
		header = fmt.Sprintf("[%s] %s %s: %s (%s)\n", ts, iconColored, nodeID, statusColored, durationStr)
	} else {
		header = fmt.Sprintf("[%s] %s %s: %s (%s)\n", ts, icon, nodeID, status, durationStr)
	}

	var out strings.Builder
	out.WriteString(header)
	if !cl.compact {
		if worktreePath != "" {
			out.WriteString(fmt.Sprintf("[%s]   worktree: %s\n", ts, worktreePath))
		}
		if failureReason != "" {
			out.WriteString(fmt.Sprintf("[%s]   reason: %s\n", ts, failureReason))
		}
		if errMsg != "" {
			out.WriteString(fmt.Sprintf("[%s]   error: %s\n", ts, errMsg))
		}
	}
	cl.writer.Write([]byte(out.String()))
}

func nodeStatusIcon(status string) string {
	switch status {
	case "succeeded":
		return "✓"
	case "failed", "blocked":
		return "✗"
	case "canceled":
		return "⚠"
	default:
		return "•"
	}
}

func nodeStatusColor(status string) color.Attribute {
	switch status {
	case "succeeded":
		return color.FgGreen
	case "failed", "blocked":
		return color.FgRed
	case "canceled":
		return color.FgYellow
	default:
		return color.FgWhite
	}
}

// LogMergeResult logs a leaf-merge outcome at INFO level.
func (cl *ConsoleLogger) LogMergeResult(planID, nodeID string, ok bool, detail string) {
	if cl.writer == nil || !cl.shouldLog("info") {
		return
	}
	cl.mutex.Lock()
	defer cl.mutex.Unlock()

	ts := timestamp()
	status := "merged"
	col := color.FgGreen
	if !ok {
		status = "merge failed"
		col = color.FgRed
	}
	var message string
	if cl.colorOutput {
		message = fmt.Sprintf("[%s] %s: %s\n", ts, nodeID, color.New(col).Sprint(status))
	} else {
		message = fmt.Sprintf("[%s] %s: %s\n", ts, nodeID, status)
	}
	if detail != "" {
		message = strings.TrimSuffix(message, "\n") + fmt.Sprintf(" (%s)\n", detail)
	}
	cl.writer.Write([]byte(message))
}

// LogRetryBackoff logs a scheduling-transient failure's retry delay, at WARN
// level (spec.md §4.1 exponential backoff on worktree-acquisition failure).
func (cl *ConsoleLogger) LogRetryBackoff(planID, nodeID string, attempt int, delay time.Duration) {
	if cl.writer == nil || !cl.shouldLog("warn") {
		return
	}
	cl.mutex.Lock()
	defer cl.mutex.Unlock()
	ts := timestamp()
	cl.writer.Write([]byte(fmt.Sprintf("[%s] [WARN] %s: retry %d in %s\n", ts, nodeID, attempt, delay)))
}

// LogCapacityWait logs that a plan is withholding dispatch because local or
// global capacity is exhausted, at DEBUG level.
func (cl *ConsoleLogger) LogCapacityWait(planID string, localFree, globalFree int) {
	if cl.writer == nil || !cl.shouldLog("debug") {
		return
	}
	cl.mutex.Lock()
	defer cl.mutex.Unlock()
	ts := timestamp()
	cl.writer.Write([]byte(fmt.Sprintf("[%s] [DEBUG] plan %s: waiting on capacity (local=%d global=%d)\n", ts, planID, localFree, globalFree)))
}

// LogPlanSummary prints a boxed summary of a plan's terminal state.
func (cl *ConsoleLogger) LogPlanSummary(planID, name, status string, total, succeeded, failed int, duration time.Duration) {
	if cl.writer == nil || !cl.shouldLog("info") {
		return
	}
	cl.mutex.Lock()
	defer cl.mutex.Unlock()

	width := getTerminalWidth()
	var out strings.Builder
	out.WriteString(drawBoxTop(width) + "\n")
	out.WriteString(drawBoxLine(fmt.Sprintf("plan %s (%s)", name, planID), width) + "\n")
	out.WriteString(drawBoxDivider(width) + "\n")
	out.WriteString(drawBoxLine(fmt.Sprintf("status: %s", status), width) + "\n")
	out.WriteString(drawBoxLine(fmt.Sprintf("nodes: %d total, %d succeeded, %d failed", total, succeeded, failed), width) + "\n")
	out.WriteString(drawBoxLine(fmt.Sprintf("duration: %s", formatDuration(duration)), width) + "\n")
	out.WriteString(drawBoxBottom(width) + "\n")
	cl.writer.Write([]byte(out.String()))
}

// timestamp returns the current time formatted as "15:04:05" (HH:MM:SS).
func timestamp() string {
	return time.Now().Format("15:04:05")
}

// formatDuration converts a time.Duration to a human-readable string.
// Examples: "5s", "1m30s", "2h15m".
func formatDuration(d time.Duration) string {
	switch {
	case d >= time.Hour:
		hours := d / time.Hour
		remainder := d % time.Hour
		if remainder == 0 {
			return fmt.Sprintf("%dh", hours)
		}
		minutes := remainder / time.Minute
		remainder %= time.Minute
		if remainder == 0 {
			return fmt.Sprintf("%dh%dm", hours, minutes)
		}
		seconds := remainder / time.Second
		return fmt.Sprintf("%dh%dm%ds", hours, minutes, seconds)
	case d >= time.Minute:
		minutes := d / time.Minute
		remainder := d % time.Minute
		if remainder == 0 {
			return fmt.Sprintf("%dm", minutes)
		}
		seconds := remainder / time.Second
		return fmt.Sprintf("%dm%ds", minutes, seconds)
	default:
		return fmt.Sprintf("%ds", int64(d.Seconds()))
	}
}

// formatDurationWithDecimal is like formatDuration but shows decimal
// precision for sub-minute durations (e.g., "12.5s").
func formatDurationWithDecimal(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return formatDuration(d)
}

// Box drawing characters for rich output formatting.
const (
	boxTopLeft     = "┌"
	boxTopRight    = "┐"
	boxBottomLeft  = "└"
	boxBottomRight = "┘"
	boxHorizontal  = "─"
	boxVertical    = "│"
	boxTeeLeft     = "├"
	boxTeeRight    = "┤"
)

// getTerminalWidth returns the current terminal width, capped at 120 columns;
// falls back to 80 if detection fails or the width is under 60.
func getTerminalWidth() int {
	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || width < 60 {
		return 80
	}
	if width > 120 {
		return 120
	}
	return width
}

const (
	cyanColor  = "\033[36m"
	resetColor = "\033[0m"
)

func drawBoxTop(width int) string {
	return cyanColor + boxTopLeft + strings.Repeat(boxHorizontal, width-2) + boxTopRight + resetColor
}

func drawBoxBottom(width int) string {
	return cyanColor + boxBottomLeft + strings.Repeat(boxHorizontal, width-2) + boxBottomRight + resetColor
}

func drawBoxDivider(width int) string {
	return cyanColor + boxTeeLeft + strings.Repeat(boxHorizontal, width-2) + boxTeeRight + resetColor
}

func drawBoxLine(content string, width int) string {
	visibleLen := visibleLength(content)
	padding := width - 4 - visibleLen
	if padding < 0 {
		padding = 0
		content = truncateToVisibleWidth(content, width-4)
	}
	return cyanColor + boxVertical + resetColor + " " + content + strings.Repeat(" ", padding) + " " + cyanColor + boxVertical + resetColor
}

var ansiRegexp = regexp.MustCompile(`\x1b\[[0-9;]*m`)

// visibleLength returns the visible terminal width of a string, excluding
// ANSI escape sequences and accounting for wide runes.
func visibleLength(s string) int {
	return runewidth.StringWidth(ansiRegexp.ReplaceAllString(s, ""))
}

// truncateToVisibleWidth truncates s to maxWidth visible columns.
func truncateToVisibleWidth(s string, maxWidth int) string {
	if visibleLength(s) <= maxWidth {
		return s
	}
	clean := ansiRegexp.ReplaceAllString(s, "")
	return runewidth.Truncate(clean, maxWidth-3, "...")
}

// NoOpLogger discards all log messages. Useful for testing or when logging
// is disabled.
type NoOpLogger struct{}

// NewNoOpLogger creates a NoOpLogger instance.
func NewNoOpLogger() *NoOpLogger { return &NoOpLogger{} }

func (n *NoOpLogger) LogTrace(string)                                    {}
func (n *NoOpLogger) LogDebug(string)                                    {}
func (n *NoOpLogger) LogInfo(string)                                     {}
func (n *NoOpLogger) LogWarn(string)                                     {}
func (n *NoOpLogger) LogError(string)                                    {}
func (n *NoOpLogger) LogPlanEnqueued(string, string, int)                {}
func (n *NoOpLogger) LogNodeStart(string, string, int)                   {}
func (n *NoOpLogger) LogNodeResult(string, string, string, time.Duration, string, string, string) {
}
func (n *NoOpLogger) LogMergeResult(string, string, bool, string)             {}
func (n *NoOpLogger) LogRetryBackoff(string, string, int, time.Duration)      {}
func (n *NoOpLogger) LogCapacityWait(string, int, int)                        {}
func (n *NoOpLogger) LogPlanSummary(string, string, string, int, int, int, time.Duration) {
}
