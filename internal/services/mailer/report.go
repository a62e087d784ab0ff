package mailer

import (
	"fmt"
	"strings"
	"time"

	"github.com/fgeck/gomysql-backup/internal/models"
)

// formatRunReport renders the plain text body for a finished run.
func formatRunReport(outcome *models.RunOutcome) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Backup run for target %q finished with status: %s\n\n", outcome.Target, outcome.Status)
	fmt.Fprintf(&b, "Started:  %s\n", outcome.StartedAt.Format(time.RFC1123))
	fmt.Fprintf(&b, "Finished: %s\n", outcome.EndedAt.Format(time.RFC1123))
	fmt.Fprintf(&b, "Duration: %s\n", outcome.EndedAt.Sub(outcome.StartedAt).Round(time.Second))

	if outcome.ErrorText != "" {
		fmt.Fprintf(&b, "\nError: %s\n", outcome.ErrorText)
	}

	for _, attempt := range outcome.Attempts {
		fmt.Fprintf(&b, "\nDatabase %s: %s\n", attempt.Database, attempt.Status)
		if attempt.ArtifactPath != "" {
			fmt.Fprintf(&b, "  Artifact: %s (%s)\n", attempt.ArtifactPath, formatSize(attempt.SizeBytes))
		}
		if len(attempt.SkippedTables) > 0 {
			fmt.Fprintf(&b, "  Skipped tables: %s\n", strings.Join(attempt.SkippedTables, ", "))
		}
		if attempt.ErrorText != "" {
			fmt.Fprintf(&b, "  Note: %s\n", attempt.ErrorText)
		}
		if attempt.Command != "" {
			fmt.Fprintf(&b, "  Command: %s\n", attempt.Command)
		}
	}

	if len(outcome.DeletedArtifacts) > 0 {
		fmt.Fprintf(&b, "\nExpired artifacts deleted: %d\n", len(outcome.DeletedArtifacts))
		for _, path := range outcome.DeletedArtifacts {
			fmt.Fprintf(&b, "  %s\n", path)
		}
	}
	for _, msg := range outcome.RetentionErrors {
		fmt.Fprintf(&b, "Retention error: %s\n", msg)
	}

	return b.String()
}

// statusHeadline summarizes a run state for the mail subject.
func statusHeadline(state *models.RunState) string {
	switch state.Phase {
	case models.PhaseRunning:
		return "running"
	case models.PhaseCompleted:
		if state.LastOutcome != nil {
			return string(state.LastOutcome.Status)
		}
		return "completed"
	default:
		return "no runs recorded"
	}
}

// formatStatusReport renders the plain text body for a check request.
func formatStatusReport(state *models.RunState) string {
	var b strings.Builder

	switch state.Phase {
	case models.PhaseRunning:
		fmt.Fprintf(&b, "A backup run for target %q is in progress since %s.\n",
			state.Target, state.StartedAt.Format(time.RFC1123))
	case models.PhaseCompleted:
		fmt.Fprintf(&b, "Last backup run for target %q completed at %s.\n",
			state.Target, state.LastCompletedAt.Format(time.RFC1123))
		if state.LastOutcome != nil {
			b.WriteString("\n")
			b.WriteString(formatRunReport(state.LastOutcome))
		}
	default:
		fmt.Fprintf(&b, "No backup runs recorded for target %q.\n", state.Target)
	}

	return b.String()
}

func formatSize(bytes int64) string {
	const mb = 1024 * 1024
	if bytes < mb {
		return fmt.Sprintf("%d B", bytes)
	}
	return fmt.Sprintf("%.1f MB", float64(bytes)/mb)
}
