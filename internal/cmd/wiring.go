// Package cmd wires the CLI surface (spec.md §6.1's facade operations) onto
// cobra commands, grounded on the teacher's cmd/conductor +
// internal/cmd/root.go wiring shape: one constructor per subcommand, a root
// command that registers them, and a single place (buildApp) that
// assembles the facade's dependency graph from on-disk config.
package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/harrison/planrunner/internal/agent"
	"github.com/harrison/planrunner/internal/capacity"
	"github.com/harrison/planrunner/internal/config"
	"github.com/harrison/planrunner/internal/logger"
	"github.com/harrison/planrunner/internal/merge"
	"github.com/harrison/planrunner/internal/procmon"
	"github.com/harrison/planrunner/internal/runner"
	"github.com/harrison/planrunner/internal/store"
	"github.com/harrison/planrunner/internal/vcs"
	"github.com/harrison/planrunner/internal/webhook"
	"github.com/harrison/planrunner/internal/worktree"
)

// Version is set at build time via -ldflags.
var Version = "dev"

// app bundles the facade plus the pieces a subcommand needs to shut down
// cleanly (the run logger, for flushing plan-level events).
type app struct {
	runner *runner.Runner
	log    *logger.RunLogger
}

// buildApp assembles the facade's full dependency graph: vcs adapter,
// worktree manager, persistence store + index, process monitor, capacity
// coordinator, merge manager (with a process-based conflict resolver that
// runs the configured conflict_resolver command, or no resolver when no
// command is configured), node executor (with the claude agent
// invoker), scheduler, and webhook dispatcher — then wraps them in a Runner
// and replays any persisted plans via Bootstrap.
func buildApp() (*app, error) {
	repoPath, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}

	home, err := config.GetRunnerHome()
	if err != nil {
		return nil, fmt.Errorf("resolve runner home: %w", err)
	}

	cfg, err := config.LoadConfig(filepath.Join(home, "config.yaml"))
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logDir := cfg.LogDir
	if logDir == "" {
		logDir = filepath.Join(home, "logs")
	}
	runLog, err := logger.NewRunLogger(logDir, cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("create run logger: %w", err)
	}

	vcsAdapter := vcs.New(repoPath)
	worktrees := worktree.New(vcsAdapter)
	st := store.New(repoPath)
	st.SetErrorHandler(func(planID string, err error) {
		runLog.LogError(fmt.Sprintf("persist plan %s: %v", planID, err))
	})

	idx, err := store.OpenIndex(repoPath)
	if err != nil {
		runLog.LogWarn(fmt.Sprintf("open index, falling back to directory scan: %v", err))
		idx = nil
	}

	monitor := procmon.New(procmon.PSLister{})
	monitor.SetErrorLogger(func(format string, args ...interface{}) {
		runLog.LogWarn(fmt.Sprintf(format, args...))
	})

	capCoord := capacity.New(home, repoPath, cfg.GlobalMaxParallel, monitor)
	if err := capCoord.Start(); err != nil {
		runLog.LogWarn(fmt.Sprintf("start capacity coordinator: %v", err))
	}

	var resolver merge.ConflictResolver
	if cfg.ConflictResolver.Command != "" {
		resolver = merge.ProcessResolver{Command: cfg.ConflictResolver.Command, Args: cfg.ConflictResolver.Args}
	}
	mergeMgr := merge.New(vcsAdapter, resolver, cfg.ConflictResolver.Prefer, cfg.ConflictResolver.Timeout)

	claudeInvoker := agent.NewClaudeInvoker("")
	nodeExec := runner.NewNodeExecutor(vcsAdapter, worktrees, claudeInvoker, func(planID, nodeID string, attempt int) runner.PhaseLogger {
		path := filepath.Join(repoPath, ".orchestrator", "logs", planID, nodeID, fmt.Sprintf("attempt-%d.log", attempt))
		l, err := logger.NewAttemptLogger(path)
		if err != nil {
			return noopPhaseLogger{path: path}
		}
		return l
	})

	dispatcher, err := webhook.NewDispatcher(cfg.Webhook.Subscriptions, runLog)
	if err != nil {
		return nil, fmt.Errorf("configure webhook subscriptions: %w", err)
	}

	sched := runner.NewScheduler(nodeExec, mergeMgr, worktrees, vcsAdapter, st, capCoord, monitor, func(ev runner.TransitionEvent) {
		runLog.LogNodeDispatch(ev.PlanID, ev.NodeID, 0)
		dispatcher.DispatchNodeTransition(ev)
	})

	r := runner.NewRunner(sched, st, idx, worktrees, vcsAdapter, monitor, repoPath)
	if err := r.Bootstrap(context.Background()); err != nil {
		runLog.LogWarn(fmt.Sprintf("bootstrap persisted plans: %v", err))
	}

	return &app{runner: r, log: runLog}, nil
}

// noopPhaseLogger satisfies runner.PhaseLogger when the attempt log file
// could not be opened, so a logging failure never blocks node execution.
type noopPhaseLogger struct{ path string }

func (noopPhaseLogger) Line(phase, level, message string) {}
func (noopPhaseLogger) SectionStart(phase string)          {}
func (noopPhaseLogger) SectionEnd(phase string)            {}
func (n noopPhaseLogger) LogPath() string                  { return n.path }
