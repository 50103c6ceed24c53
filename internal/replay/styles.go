// Package replay renders recorded sessions as a readable timeline.
package replay

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Component color scheme - each component has a distinct, consistent color.
var (
	// Structural / metadata
	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8")) // Gray - timestamps, metadata

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8")) // Gray - labels

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("15")) // White - values

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")) // White bold - headers

	// Conversation flow - default/white
	flowStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("15"))

	// Direct tools - Blue
	toolStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("12"))

	// Scripts - Orange
	scriptStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("208"))

	// Sub-agents - Magenta
	subagentStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("13"))

	// Outcomes
	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("10")) // Green

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9")) // Red

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("11")) // Yellow

	// Timeline
	seqStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8")).
			Width(5).
			Align(lipgloss.Right)

	timeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8"))

	divider = lipgloss.NewStyle().
		Foreground(lipgloss.Color("8")).
		Render(strings.Repeat("━", 60))
)
