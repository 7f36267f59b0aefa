// Package main provides the CLI entry point for planrunner.
package main

import (
	"fmt"
	"os"

	"github.com/harrison/planrunner/internal/cmd"
)

// Version is the current version of planrunner.
const Version = "0.1.0"

func main() {
	cmd.Version = Version
	rootCmd := cmd.NewRootCommand()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
