// Package config loads the runner's YAML configuration, adapted from the
// teacher's conductor config: defaults merged with an optional
// .orchestrator/config.yaml, with environment overrides for console output
// taking precedence over the file, as the teacher's config.go does for its
// own console section.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// TimeoutConfig holds per-phase durations for a node attempt (spec.md §5
// "Timeouts") as loaded from the config file. buildApp does not pass them
// on; phase commands run with the command executor's DefaultTimeout.
type TimeoutConfig struct {
	Precheck  time.Duration `yaml:"precheck"`
	Work      time.Duration `yaml:"work"`
	Postcheck time.Duration `yaml:"postcheck"`
	Commit    time.Duration `yaml:"commit"`
}

// ConflictResolverConfig configures the merge manager's external conflict
// resolver delegate (spec.md §4.4.1).
type ConflictResolverConfig struct {
	// Timeout bounds the resolver's run; exceeding it aborts the merge.
	Timeout time.Duration `yaml:"timeout"`

	// Prefer is the side taken if the resolver itself needs a default:
	// "ours" or "theirs".
	Prefer string `yaml:"prefer"`

	// Command is the external resolver binary delegated to on conflict
	// (spec.md §4.4.1 "delegation to an external resolver"). Empty means no
	// resolver is configured: a conflicting merge fails loudly instead of
	// silently dropping the leaf.
	Command string `yaml:"command"`

	// Args are extra arguments passed before the resolver's positional
	// message/prefer arguments.
	Args []string `yaml:"args"`
}

// WebhookConfig configures outbound progress-event delivery (spec.md §6.3).
type WebhookConfig struct {
	// Subscriptions is the set of subscriber URLs. Each must resolve to a
	// loopback address; non-loopback subscriptions are rejected at
	// registration time, not silently dropped here.
	Subscriptions []string `yaml:"subscriptions"`
}

// ConsoleConfig controls terminal output formatting.
type ConsoleConfig struct {
	// EnableColor enables colored output (default true;
	// PLANRUNNER_CONSOLE_COLOR overrides the file).
	EnableColor bool `yaml:"enable_color"`

	// CompactMode collapses node result lines to a single line, omitting
	// worktree path and failure detail.
	CompactMode bool `yaml:"compact_mode"`
}

// RunnerConfig is the top-level configuration for one plan runner process.
type RunnerConfig struct {
	// MaxParallel is a local concurrency ceiling as loaded from the file.
	// buildApp does not pass it on; the scheduler uses each PlanSpec's own
	// maxParallel, which validation requires.
	MaxParallel int `yaml:"max_parallel"`

	// GlobalMaxParallel is the cross-instance ceiling enforced by the
	// capacity registry (spec.md §4.7).
	GlobalMaxParallel int `yaml:"global_max_parallel"`

	// Timeouts holds per-phase durations; see TimeoutConfig.
	Timeouts TimeoutConfig `yaml:"timeouts"`

	// Debounce is a write-coalescing window (spec.md §4.5 "Write protocol",
	// default 500ms). buildApp does not pass it on; the persistence store
	// always uses store.DebounceInterval.
	Debounce time.Duration `yaml:"debounce"`

	// Heartbeat is a registry heartbeat interval (spec.md §4.7, default 5s).
	// buildApp does not pass it on; the capacity registry always uses
	// capacity.HeartbeatInterval.
	Heartbeat time.Duration `yaml:"heartbeat"`

	ConflictResolver ConflictResolverConfig `yaml:"conflict_resolver"`
	Webhook          WebhookConfig          `yaml:"webhook"`
	Console          ConsoleConfig          `yaml:"console"`

	// LogLevel sets logging verbosity (trace, debug, info, warn, error).
	LogLevel string `yaml:"log_level"`

	// LogDir is the directory run logs are written under. Attempt logs always
	// go under <repo>/.orchestrator/logs, whatever LogDir says.
	LogDir string `yaml:"log_dir"`
}

// DefaultRunnerConfig returns a RunnerConfig with the defaults named in
// spec.md: unlimited local/global parallelism, 60s per-command timeout
// (mirrored here as the precheck/work/postcheck default), 5min conflict
// resolver timeout preferring "ours", 500ms debounce, 5s heartbeat.
func DefaultRunnerConfig() *RunnerConfig {
	return &RunnerConfig{
		MaxParallel:       0,
		GlobalMaxParallel: 0,
		Timeouts: TimeoutConfig{
			Precheck:  60 * time.Second,
			Work:      60 * time.Second,
			Postcheck: 60 * time.Second,
			Commit:    15 * time.Second,
		},
		Debounce: 500 * time.Millisecond,
		Heartbeat: 5 * time.Second,
		ConflictResolver: ConflictResolverConfig{
			Timeout: 5 * time.Minute,
			Prefer:  "ours",
		},
		Webhook: WebhookConfig{Subscriptions: []string{}},
		Console: ConsoleConfig{EnableColor: true, CompactMode: false},
		LogLevel: "info",
		LogDir:   ".orchestrator/logs",
	}
}

// applyConsoleEnvOverrides applies environment variable overrides to console
// configuration. Only "true" (lowercase) or "1" are recognized as true; any
// other value is false. Environment variables take precedence over the
// config file.
func applyConsoleEnvOverrides(cfg *ConsoleConfig) {
	if val := os.Getenv("PLANRUNNER_CONSOLE_COLOR"); val != "" {
		cfg.EnableColor = val == "true" || val == "1"
	}
	if val := os.Getenv("PLANRUNNER_CONSOLE_COMPACT"); val != "" {
		cfg.CompactMode = val == "true" || val == "1"
	}
}

// rawConfig is the YAML file as decoded before validation; durations are
// kept as strings and parsed afterwards.
type rawConfig struct {
	MaxParallel       int                    `yaml:"max_parallel"`
	GlobalMaxParallel int                    `yaml:"global_max_parallel"`
	Timeouts          map[string]string      `yaml:"timeouts"`
	Debounce          string                 `yaml:"debounce"`
	Heartbeat         string                 `yaml:"heartbeat"`
	ConflictResolver  map[string]interface{} `yaml:"conflict_resolver"`
	Webhook           map[string]interface{} `yaml:"webhook"`
	Console           map[string]interface{} `yaml:"console"`
	LogLevel          string                 `yaml:"log_level"`
	LogDir            string                 `yaml:"log_dir"`
}

// LoadConfig loads configuration from path, merging over the defaults. If
// the file doesn't exist, returns defaults (with env overrides applied)
// without error. A malformed file is an error.
func LoadConfig(path string) (*RunnerConfig, error) {
	cfg := DefaultRunnerConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		applyConsoleEnvOverrides(&cfg.Console)
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var raw rawConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if raw.MaxParallel != 0 {
		cfg.MaxParallel = raw.MaxParallel
	}
	if raw.GlobalMaxParallel != 0 {
		cfg.GlobalMaxParallel = raw.GlobalMaxParallel
	}
	if raw.LogLevel != "" {
		cfg.LogLevel = raw.LogLevel
	}
	if raw.LogDir != "" {
		cfg.LogDir = raw.LogDir
	}
	if raw.Debounce != "" {
		d, err := time.ParseDuration(raw.Debounce)
		if err != nil {
			return nil, fmt.Errorf("invalid debounce %q: %w", raw.Debounce, err)
		}
		cfg.Debounce = d
	}
	if raw.Heartbeat != "" {
		d, err := time.ParseDuration(raw.Heartbeat)
		if err != nil {
			return nil, fmt.Errorf("invalid heartbeat %q: %w", raw.Heartbeat, err)
		}
		cfg.Heartbeat = d
	}

	for phase, val := range raw.Timeouts {
		d, err := time.ParseDuration(val)
		if err != nil {
			return nil, fmt.Errorf("invalid timeouts.%s %q: %w", phase, val, err)
		}
		switch phase {
		case "precheck":
			cfg.Timeouts.Precheck = d
		case "work":
			cfg.Timeouts.Work = d
		case "postcheck":
			cfg.Timeouts.Postcheck = d
		case "commit":
			cfg.Timeouts.Commit = d
		default:
			return nil, fmt.Errorf("unknown timeouts phase %q", phase)
		}
	}

	if raw.ConflictResolver != nil {
		if v, ok := raw.ConflictResolver["timeout"].(string); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return nil, fmt.Errorf("invalid conflict_resolver.timeout %q: %w", v, err)
			}
			cfg.ConflictResolver.Timeout = d
		}
		if v, ok := raw.ConflictResolver["prefer"].(string); ok {
			cfg.ConflictResolver.Prefer = v
		}
		if v, ok := raw.ConflictResolver["command"].(string); ok {
			cfg.ConflictResolver.Command = v
		}
		if v, ok := raw.ConflictResolver["args"].([]interface{}); ok {
			args := make([]string, 0, len(v))
			for _, a := range v {
				if s, ok := a.(string); ok {
					args = append(args, s)
				}
			}
			cfg.ConflictResolver.Args = args
		}
	}

	if raw.Webhook != nil {
		if list, ok := raw.Webhook["subscriptions"].([]interface{}); ok {
			subs := make([]string, 0, len(list))
			for _, v := range list {
				if s, ok := v.(string); ok {
					subs = append(subs, s)
				}
			}
			cfg.Webhook.Subscriptions = subs
		}
	}

	if raw.Console != nil {
		if v, ok := raw.Console["enable_color"].(bool); ok {
			cfg.Console.EnableColor = v
		}
		if v, ok := raw.Console["compact_mode"].(bool); ok {
			cfg.Console.CompactMode = v
		}
	}

	applyConsoleEnvOverrides(&cfg.Console)
	return cfg, nil
}

// LoadConfigFromDir loads .orchestrator/config.yaml under dir, falling back
// to defaults if it or dir doesn't exist.
func LoadConfigFromDir(dir string) (*RunnerConfig, error) {
	return LoadConfig(runnerConfigPath(dir))
}

// MergeWithFlags merges CLI flags into the configuration. Non-nil flag
// values override configuration values.
func (c *RunnerConfig) MergeWithFlags(maxParallel *int, logDir *string, logLevel *string) {
	if maxParallel != nil {
		c.MaxParallel = *maxParallel
	}
	if logDir != nil {
		c.LogDir = *logDir
	}
	if logLevel != nil {
		c.LogLevel = *logLevel
	}
}

// Validate checks configuration values for internal consistency.
func (c *RunnerConfig) Validate() error {
	if c.MaxParallel < 0 {
		return fmt.Errorf("max_parallel must be >= 0, got %d", c.MaxParallel)
	}
	if c.GlobalMaxParallel < 0 {
		return fmt.Errorf("global_max_parallel must be >= 0, got %d", c.GlobalMaxParallel)
	}

	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("invalid log_level %q, must be one of: trace, debug, info, warn, error", c.LogLevel)
	}

	for name, d := range map[string]time.Duration{
		"timeouts.precheck":        c.Timeouts.Precheck,
		"timeouts.work":            c.Timeouts.Work,
		"timeouts.postcheck":       c.Timeouts.Postcheck,
		"timeouts.commit":          c.Timeouts.Commit,
		"debounce":                 c.Debounce,
		"heartbeat":                c.Heartbeat,
		"conflict_resolver.timeout": c.ConflictResolver.Timeout,
	} {
		if d < 0 {
			return fmt.Errorf("%s must be >= 0, got %v", name, d)
		}
	}

	prefer := strings.ToLower(c.ConflictResolver.Prefer)
	if prefer != "ours" && prefer != "theirs" {
		return fmt.Errorf("conflict_resolver.prefer must be 'ours' or 'theirs', got %q", c.ConflictResolver.Prefer)
	}

	for i, sub := range c.Webhook.Subscriptions {
		if strings.TrimSpace(sub) == "" {
			return fmt.Errorf("webhook.subscriptions[%d] cannot be empty", i)
		}
	}

	return nil
}
