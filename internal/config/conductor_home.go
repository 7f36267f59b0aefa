package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// runnerHomeMarker anchors a repo root when no other signal is available,
// adapted from the teacher's .conductor-root marker file.
const runnerHomeMarker = ".orchestrator-root"

// runnerConfigDir is the directory, relative to a repo root, that holds the
// runner's configuration and derived state.
const runnerConfigDir = ".orchestrator"

// runnerConfigFile is the config file name within runnerConfigDir.
const runnerConfigFile = "config.yaml"

// runnerConfigPath returns the config file path under dir's .orchestrator
// directory, without requiring dir to exist.
func runnerConfigPath(dir string) string {
	return filepath.Join(dir, runnerConfigDir, runnerConfigFile)
}

// GetRunnerHome returns the runner's home directory.
// Priority order:
//  1. PLANRUNNER_HOME environment variable (if set), returned as given
//  2. the .orchestrator directory under the repo root, detected by an
//     .orchestrator-root marker file or a go.mod declaring this module
//  3. the .orchestrator directory under the current working directory
//     (fallback)
//
// In cases 2 and 3 the .orchestrator directory is created if absent.
func GetRunnerHome() (string, error) {
	if home := os.Getenv("PLANRUNNER_HOME"); home != "" {
		return home, nil
	}

	repoRoot, err := findRunnerRepoRoot()
	if err == nil && repoRoot != "" {
		runnerHome := filepath.Join(repoRoot, runnerConfigDir)
		if err := os.MkdirAll(runnerHome, 0o755); err != nil {
			return "", fmt.Errorf("create runner home directory: %w", err)
		}
		return runnerHome, nil
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get working directory: %w", err)
	}

	runnerHome := filepath.Join(cwd, runnerConfigDir)
	if err := os.MkdirAll(runnerHome, 0o755); err != nil {
		return "", fmt.Errorf("create runner home directory: %w", err)
	}

	return runnerHome, nil
}

// findRunnerRepoRoot finds the runner repository root by looking for an
// .orchestrator-root marker file, or a go.mod declaring this module.
func findRunnerRepoRoot() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}

	current := cwd
	for {
		markerPath := filepath.Join(current, runnerHomeMarker)
		if _, err := os.Stat(markerPath); err == nil {
			return current, nil
		}

		goModPath := filepath.Join(current, "go.mod")
		if data, err := os.ReadFile(goModPath); err == nil {
			if strings.Contains(string(data), "github.com/harrison/planrunner") {
				return current, nil
			}
		}

		parent := filepath.Dir(current)
		if parent == current {
			break
		}
		current = parent
	}

	return "", fmt.Errorf("runner repository root not found (looking for %s or go.mod with github.com/harrison/planrunner)", runnerHomeMarker)
}
