package replay

import (
	"fmt"
	"io"
	"sort"

	"github.com/charmbracelet/lipgloss"
	"github.com/vinayprograms/chatty/internal/action"
	"github.com/vinayprograms/chatty/internal/session"
)

// Stats holds aggregate statistics for a session.
type Stats struct {
	TotalDurationMs int64

	Turns         int
	SubAgentTurns int
	FailedTurns   int
	Batches       int
	Actions       int

	// Results by status
	OK     int
	Errors int
	Denied int

	// Actions per tool name
	ToolCounts map[string]int
	// Time spent in batches
	BatchTotalMs int64
	BatchAvgMs   int64
}

// ComputeStats calculates aggregate statistics from session turns.
func ComputeStats(sess *session.Session) *Stats {
	stats := &Stats{ToolCounts: make(map[string]int)}

	if !sess.CreatedAt.IsZero() && sess.UpdatedAt.After(sess.CreatedAt) {
		stats.TotalDurationMs = sess.UpdatedAt.Sub(sess.CreatedAt).Milliseconds()
	}

	for _, turn := range sess.Turns {
		stats.Turns++
		if turn.Agent != "" {
			stats.SubAgentTurns++
		}
		if turn.Error != "" {
			stats.FailedTurns++
		}
		for _, b := range turn.Batches {
			stats.Batches++
			stats.BatchTotalMs += b.DurationMs
			stats.Actions += len(b.Actions)
			for _, a := range b.Actions {
				stats.ToolCounts[a.Name]++
			}
			for _, res := range b.Results {
				switch res.Status {
				case action.StatusOK:
					stats.OK++
				case action.StatusDenied:
					stats.Denied++
				default:
					stats.Errors++
				}
			}
		}
	}
	if stats.Batches > 0 {
		stats.BatchAvgMs = stats.BatchTotalMs / int64(stats.Batches)
	}
	return stats
}

// PrintStats writes stats to w.
func PrintStats(w io.Writer, stats *Stats) {
	headerStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("15"))

	fmt.Fprintln(w)
	fmt.Fprintln(w, headerStyle.Render("SESSION STATISTICS"))
	fmt.Fprintln(w)

	row := func(label, value string) {
		fmt.Fprintf(w, "  %s %s\n", labelStyle.Render(label), valueStyle.Render(value))
	}
	row("Total Duration:", formatDuration(stats.TotalDurationMs))
	row("Turns:", fmt.Sprintf("%d (%d sub-agent, %d failed)", stats.Turns, stats.SubAgentTurns, stats.FailedTurns))
	row("Batches:", fmt.Sprintf("%d (avg %s)", stats.Batches, formatDuration(stats.BatchAvgMs)))
	row("Actions:", fmt.Sprintf("%d", stats.Actions))
	fmt.Fprintf(w, "  %s %s %s %s\n",
		labelStyle.Render("Results:"),
		successStyle.Render(fmt.Sprintf("%d ok", stats.OK)),
		errorStyle.Render(fmt.Sprintf("%d error", stats.Errors)),
		warnStyle.Render(fmt.Sprintf("%d denied", stats.Denied)))

	if len(stats.ToolCounts) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, headerStyle.Render("Tools:"))
		names := make([]string, 0, len(stats.ToolCounts))
		for name := range stats.ToolCounts {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			row(name+":", fmt.Sprintf("%d", stats.ToolCounts[name]))
		}
	}
}

func formatDuration(ms int64) string {
	if ms < 1000 {
		return fmt.Sprintf("%dms", ms)
	}
	if ms < 60000 {
		return fmt.Sprintf("%.2fs", float64(ms)/1000)
	}
	mins := ms / 60000
	secs := (ms % 60000) / 1000
	return fmt.Sprintf("%dm%ds", mins, secs)
}
