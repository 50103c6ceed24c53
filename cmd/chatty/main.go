// Package main is the entry point for the chatty CLI.
package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"github.com/vinayprograms/agentkit/credentials"
)

// Build-time variables (set via ldflags)
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

// globalCreds holds loaded credentials (file > env fallback happens in GetAPIKey)
var globalCreds *credentials.Credentials

func init() {
	// Priority: credentials.toml > env vars
	if creds, _, err := credentials.Load(); err == nil && creds != nil {
		globalCreds = creds
	}

	// Load .env for any additional env vars
	_ = godotenv.Load()
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("chatty"),
		kong.Description("A conversational agent that calls tools, runs scripts and delegates to sub-agents."),
		kong.UsageOnError(),
		kongVars(),
	)
	if err := ctx.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// Run prints version information.
func (v *VersionCmd) Run() error {
	fmt.Printf("chatty version %s (commit: %s, built: %s)\n", version, commit, buildTime)
	return nil
}
