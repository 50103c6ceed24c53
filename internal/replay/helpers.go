package replay

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/reflow/wordwrap"
	"github.com/vinayprograms/chatty/internal/action"
	"github.com/vinayprograms/chatty/internal/session"
)

// printContent prints content with timeline indentation.
func (r *Replayer) printContent(content string) {
	if content == "" {
		return
	}
	content = truncateContent(content, r.maxContentSize)
	if r.width > 0 {
		content = wordwrap.String(content, r.width)
	}
	for _, line := range strings.Split(content, "\n") {
		fmt.Fprintf(r.output, "      │          │   %s\n", line)
	}
}

// printArgs prints action arguments in key order.
func (r *Replayer) printArgs(args map[string]interface{}) {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(r.output, "      │          │     %s %s\n",
			labelStyle.Render(k+":"), truncateHint(fmt.Sprint(args[k]), 200))
	}
}

// printError prints an error.
func (r *Replayer) printError(err string) {
	fmt.Fprintf(r.output, "      │          │     %s\n", errorStyle.Render(truncateContent(err, r.maxContentSize)))
}

func (r *Replayer) statusStyle(status string) lipgloss.Style {
	switch status {
	case session.StatusComplete, string(action.StatusOK):
		return successStyle
	case session.StatusFailed, string(action.StatusError):
		return errorStyle
	default:
		return warnStyle
	}
}

func kindStyle(k action.Kind) lipgloss.Style {
	switch k {
	case action.KindScript:
		return scriptStyle
	case action.KindSpawnAgent, action.KindWaitAgents:
		return subagentStyle
	default:
		return toolStyle
	}
}

// getArgsHint returns a short argument preview for common tools.
func (r *Replayer) getArgsHint(toolName string, args map[string]interface{}) string {
	if args == nil {
		return ""
	}
	var hint string
	switch toolName {
	case "read_file", "write_file", "edit_file", "list_files", "search_file":
		if p, ok := args["path"].(string); ok {
			hint = p
		}
	case "glob_files":
		if p, ok := args["pattern"].(string); ok {
			hint = p
		}
	case "shell_command":
		if c, ok := args["command"].(string); ok {
			hint = c
		}
	case "spawn_agent":
		if role, ok := args["role"].(string); ok {
			hint = role
		}
	}
	if hint == "" {
		return ""
	}
	return dimStyle.Render(" " + truncateHint(hint, 60))
}

func truncateHint(s string, maxLen int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func truncateContent(s string, maxLen int) string {
	if maxLen <= 0 || len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + fmt.Sprintf("\n... [truncated, %d bytes total]", len(s))
}
