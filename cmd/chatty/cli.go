// Package main defines the CLI structure using kong.
package main

import "github.com/alecthomas/kong"

// CLI defines the command-line interface.
type CLI struct {
	Run     RunCmd     `cmd:"" default:"withargs" help:"Start an interactive session"`
	Tools   ToolsCmd   `cmd:"" help:"List the tools the model can call"`
	Replay  ReplayCmd  `cmd:"" help:"Replay recorded session files"`
	Version VersionCmd `cmd:"" help:"Show version information"`
}

// RunCmd starts the conversation loop.
type RunCmd struct {
	Config      string `help:"Config file path (default: ./chatty.toml)"`
	Model       string `help:"Model name (overrides config)"`
	Workspace   string `help:"Workspace directory"`
	AutoApprove bool   `help:"Approve high-risk actions without asking"`
	Prompt      string `short:"p" help:"Run a single prompt and exit"`
	NoSession   bool   `help:"Do not record the session"`
}

// ToolsCmd lists the registry.
type ToolsCmd struct {
	Config    string `help:"Config file path (default: ./chatty.toml)"`
	Workspace string `help:"Workspace directory"`
	JSON      bool   `help:"Print descriptors as JSON"`
	NoMCP     bool   `name:"no-mcp" help:"Skip starting MCP servers"`
}

// ReplayCmd replays sessions.
type ReplayCmd struct {
	Sessions []string `arg:"" help:"Session file(s) to replay (supports glob patterns)"`
	Verbose  int      `short:"v" type:"counter" help:"Verbosity level (-v, -vv)"`
	Width    int      `default:"100" help:"Wrap content at this width (0 disables)"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

// kongVars returns variables for kong (version info).
func kongVars() kong.Vars {
	return kong.Vars{
		"version": version,
	}
}
