package handoff

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/buildhive-ai/buildhive/pkg/models"
)

// BuildContinuationPrompt derives the text prepended to the successor's
// system prompt: completed work, decisions not to revisit, alternatives
// not to retry, and the remaining TODOs.
func BuildContinuationPrompt(doc *models.HandoffDocument) string {
	var sb strings.Builder

	sb.WriteString("You are continuing work started by a previous instance of your role.\n")
	if doc.OriginalRequest != "" {
		fmt.Fprintf(&sb, "Original request: %s\n", doc.OriginalRequest)
	}
	if doc.TaskDescription != "" {
		fmt.Fprintf(&sb, "Current task: %s\n", doc.TaskDescription)
	}
	fmt.Fprintf(&sb, "Progress so far: %d%% (%s)\n",
		doc.Progress.CompletionPercent, doc.Progress.Status)

	if doc.WorkCompleted.Summary != "" {
		fmt.Fprintf(&sb, "\nWork already completed: %s\n", doc.WorkCompleted.Summary)
	}
	for _, artifact := range doc.WorkCompleted.Artifacts {
		fmt.Fprintf(&sb, "- %s\n", artifact)
	}

	if len(doc.DecisionsMade) > 0 {
		sb.WriteString("\nDecisions already made. Do not revisit them:\n")
		for _, d := range doc.DecisionsMade {
			fmt.Fprintf(&sb, "- %s (%s)\n", d.Decision, d.Reasoning)
		}
	}

	if len(doc.RejectedAlternatives) > 0 {
		sb.WriteString("\nAlternatives already rejected. Do not retry them:\n")
		for _, alt := range doc.RejectedAlternatives {
			fmt.Fprintf(&sb, "- %s: %s\n", alt.Alternative, alt.Reason)
		}
	}

	if doc.CurrentWIP != "" {
		fmt.Fprintf(&sb, "\nWork in progress when handed off: %s\n", doc.CurrentWIP)
	}

	if len(doc.TodoList) > 0 {
		sb.WriteString("\nRemaining TODOs, in priority order:\n")
		for _, todo := range doc.TodoList {
			fmt.Fprintf(&sb, "- [%s] %s\n", todo.Priority, todo.Task)
		}
	}

	if len(doc.Assumptions) > 0 {
		sb.WriteString("\nAssumptions in effect:\n")
		for _, a := range doc.Assumptions {
			fmt.Fprintf(&sb, "- %s\n", a)
		}
	}

	return sb.String()
}

// writeMarkdown renders a handoff document for human inspection.
func writeMarkdown(dir string, doc *models.HandoffDocument) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating markdown dir: %w", err)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "# Handoff %s\n\n", doc.HandoffID)
	fmt.Fprintf(&sb, "- **Trace:** %s\n", doc.TraceID)
	fmt.Fprintf(&sb, "- **User:** %s\n", doc.UserID)
	fmt.Fprintf(&sb, "- **From:** %s (v%d, %s)\n",
		doc.Source.ID, doc.Source.Version, doc.Source.TerminationReason)
	fmt.Fprintf(&sb, "- **To:** %s v%d\n", doc.Target.Role, doc.Target.ExpectedVersion)
	fmt.Fprintf(&sb, "- **Tokens:** %d in / %d out\n\n",
		doc.TokenSnapshot.Input, doc.TokenSnapshot.Output)
	sb.WriteString("## Continuation prompt\n\n")
	sb.WriteString(doc.ContinuationPrompt)
	sb.WriteString("\n")

	path := filepath.Join(dir, doc.HandoffID+".md")
	if err := os.WriteFile(path, []byte(sb.String()), 0o644); err != nil {
		return fmt.Errorf("writing markdown: %w", err)
	}
	return nil
}
