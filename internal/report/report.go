// Package report renders the diagnostic bundles returned by the facade
// (runner.FailureContext, runner.MergeConflictInfo) into Markdown and HTML
// for a human looking at a stuck or failed plan (spec.md §7 "User-visible
// behavior"). It reuses the teacher's goldmark dependency
// (internal/parser/markdown.go), redirected from parsing plan Markdown into
// a task AST to rendering generated failure-report Markdown into HTML.
package report

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"

	"github.com/harrison/planrunner/internal/runner"
)

// Builder renders failure and conflict evidence as Markdown/HTML.
type Builder struct {
	markdown goldmark.Markdown
}

// NewBuilder constructs a Builder with goldmark's default extension set,
// matching the teacher's NewMarkdownParser.
func NewBuilder() *Builder {
	return &Builder{markdown: goldmark.New()}
}

// FailureMarkdown renders a FailureContext as a Markdown document: failure
// reason, underlying error, worktree path, attempt count, and the tail of
// the node's phase log.
func (b *Builder) FailureMarkdown(planID string, fc *runner.FailureContext) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "# Node Failure: %s\n\n", fc.NodeID)
	fmt.Fprintf(&sb, "**Plan**: `%s`\n\n", planID)
	fmt.Fprintf(&sb, "**Failure reason**: %s\n\n", orNone(fc.FailureReason))
	fmt.Fprintf(&sb, "**Attempts**: %d\n\n", fc.Attempts)

	if fc.Error != "" {
		sb.WriteString("## Error\n\n```\n")
		sb.WriteString(fc.Error)
		sb.WriteString("\n```\n\n")
	}

	if fc.WorktreePath != "" {
		fmt.Fprintf(&sb, "**Worktree**: `%s`\n\n", fc.WorktreePath)
	}

	if fc.LogPath != "" {
		fmt.Fprintf(&sb, "**Log file**: `%s`\n\n", fc.LogPath)
	}

	if fc.LogTail != "" {
		sb.WriteString("## Log tail\n\n```\n")
		sb.WriteString(fc.LogTail)
		sb.WriteString("\n```\n")
	}

	return sb.String()
}

// MergeConflictMarkdown renders a MergeConflictInfo as a Markdown document:
// the branch names involved and the files left unmerged, per spec.md §7
// "Plans stuck on a conflict surface the conflicting files and the branch
// names".
func (b *Builder) MergeConflictMarkdown(planID string, mc *runner.MergeConflictInfo) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "# Merge Conflict: %s\n\n", mc.NodeID)
	fmt.Fprintf(&sb, "**Plan**: `%s`\n\n", planID)
	fmt.Fprintf(&sb, "**Node branch**: `%s`\n\n", mc.NodeBranch)
	fmt.Fprintf(&sb, "**Target branch**: `%s`\n\n", mc.TargetBranch)

	sb.WriteString("## Conflicting files\n\n")
	if len(mc.ConflictingFiles) == 0 {
		sb.WriteString("_none recorded_\n")
	} else {
		for _, f := range mc.ConflictingFiles {
			fmt.Fprintf(&sb, "- `%s`\n", f)
		}
	}

	return sb.String()
}

// RenderHTML converts a Markdown document (as produced by FailureMarkdown or
// MergeConflictMarkdown) into an HTML fragment.
func (b *Builder) RenderHTML(markdown string) (string, error) {
	var buf bytes.Buffer
	if err := b.markdown.Convert([]byte(markdown), &buf); err != nil {
		return "", fmt.Errorf("render report markdown: %w", err)
	}
	return buf.String(), nil
}

func orNone(s string) string {
	if s == "" {
		return "_none_"
	}
	return s
}
