package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/reflow/wordwrap"
	"github.com/vinayprograms/chatty/internal/tools"
)

var (
	toolNameStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	highRiskStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	lowRiskStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
)

// Run lists every tool in the registry.
func (t *ToolsCmd) Run() error {
	cfg, err := loadConfig(t.Config)
	if err != nil {
		return err
	}
	rt := newRuntime(cfg, globalCreds, t.Workspace)
	defer rt.close(nil)

	rt.setupRegistry(context.Background(), !t.NoMCP)
	if t.JSON {
		return printToolsJSON(os.Stdout, rt.registry.List())
	}
	printTools(os.Stdout, rt.registry.List())
	return nil
}

func printToolsJSON(w io.Writer, descs []tools.Descriptor) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(descs)
}

func printTools(w io.Writer, descs []tools.Descriptor) {
	for _, d := range descs {
		risk := lowRiskStyle.Render(string(d.Risk))
		if d.Risk == tools.RiskHigh {
			risk = highRiskStyle.Render(string(d.Risk))
		}
		fmt.Fprintf(w, "%s %s %s\n", toolNameStyle.Render(d.Name), risk, dimTextStyle.Render("("+string(d.Source)+")"))
		if d.Description != "" {
			fmt.Fprintln(w, indent(wordwrap.String(d.Description, 76), "    "))
		}
		for _, p := range d.Parameters {
			req := ""
			if p.Required {
				req = " (required)"
			}
			fmt.Fprintf(w, "    - %s: %s%s\n", p.Name, p.Type, req)
		}
	}
}

func indent(s, prefix string) string {
	return prefix + strings.ReplaceAll(s, "\n", "\n"+prefix)
}
