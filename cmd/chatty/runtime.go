// Package main wires configuration into a running kernel.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/vinayprograms/agentkit/credentials"
	"github.com/vinayprograms/agentkit/llm"
	"github.com/vinayprograms/agentkit/logging"
	"github.com/vinayprograms/chatty/internal/config"
	"github.com/vinayprograms/chatty/internal/gate"
	"github.com/vinayprograms/chatty/internal/kernel"
	"github.com/vinayprograms/chatty/internal/sandbox"
	"github.com/vinayprograms/chatty/internal/session"
	"github.com/vinayprograms/chatty/internal/supervision"
	"github.com/vinayprograms/chatty/internal/tools"
)

// runtime owns the long-lived components of one CLI invocation.
type runtime struct {
	cfg       *config.Config
	creds     *credentials.Credentials
	workspace string
	logger    *logging.Logger

	// Components
	provider   llm.Provider
	registry   *tools.Registry
	watcher    *tools.Watcher
	mcpHub     *tools.MCPHub
	gateway    *sandbox.Gateway
	executor   sandbox.Executor
	sessionMgr *session.Manager
	sess       *session.Session
	kernel     *kernel.Kernel

	// Cleanup
	closers []func()
}

// loadConfig reads the config file, or chatty.toml in the working
// directory when path is empty.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.LoadDefault()
	}
	return config.LoadFile(path)
}

func newRuntime(cfg *config.Config, creds *credentials.Credentials, workspace string) *runtime {
	if workspace == "" {
		workspace = cfg.Workspace()
	}
	if abs, err := filepath.Abs(workspace); err == nil {
		workspace = abs
	}
	return &runtime{
		cfg:       cfg,
		creds:     creds,
		workspace: workspace,
		logger:    logging.New().WithComponent("cli"),
	}
}

// setupRegistry loads built-in tools, manifests and MCP servers.
func (rt *runtime) setupRegistry(ctx context.Context, withMCP bool) {
	rt.registry = tools.NewRegistry(rt.workspace)

	for _, path := range rt.cfg.Tools.Manifests {
		if !filepath.IsAbs(path) {
			path = filepath.Join(rt.workspace, path)
		}
		report, err := tools.LoadManifestInto(rt.registry, path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: tool manifest %s: %v\n", path, err)
			continue
		}
		for _, name := range report.Skipped {
			fmt.Fprintf(os.Stderr, "warning: tool %q from %s collides with an existing tool\n", name, path)
		}
	}

	if rt.cfg.Tools.Watch && len(rt.cfg.Tools.Manifests) > 0 {
		rt.startWatcher(ctx)
	}

	if withMCP && len(rt.cfg.MCP.Servers) > 0 {
		rt.mcpHub = tools.NewMCPHub(rt.registry)
		for _, err := range rt.mcpHub.Reload(ctx, rt.cfg.MCPSpecs()) {
			fmt.Fprintf(os.Stderr, "warning: %v\n", err)
		}
		rt.closers = append(rt.closers, rt.mcpHub.Shutdown)
	}
}

func (rt *runtime) startWatcher(ctx context.Context) {
	paths := make([]string, 0, len(rt.cfg.Tools.Manifests))
	for _, p := range rt.cfg.Tools.Manifests {
		if !filepath.IsAbs(p) {
			p = filepath.Join(rt.workspace, p)
		}
		paths = append(paths, p)
	}
	w, err := tools.NewWatcher(rt.registry, paths)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: manifest watcher unavailable: %v\n", err)
		return
	}
	w.OnReload = func(path string, report tools.ReloadReport, err error) {
		if err != nil {
			rt.logger.Warn("manifest reload failed, keeping previous tools", map[string]interface{}{
				"path":  path,
				"error": err.Error(),
			})
		}
	}
	if err := w.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "warning: manifest watcher: %v\n", err)
		return
	}
	rt.watcher = w
	rt.closers = append(rt.closers, w.Stop)
}

// createProvider creates the LLM provider.
func (rt *runtime) createProvider() error {
	llmProvider := rt.cfg.LLM.Provider
	if llmProvider == "" {
		llmProvider = llm.InferProviderFromModel(rt.cfg.LLM.Model)
	}
	if llmProvider == "" && rt.cfg.LLM.Model == "" {
		return fmt.Errorf("LLM model not configured")
	}

	apiKey := rt.creds.GetAPIKey(llmProvider)
	if apiKey == "" {
		apiKey = rt.cfg.GetAPIKey()
	}

	var err error
	rt.provider, err = llm.NewProvider(llm.ProviderConfig{
		Provider:    llmProvider,
		Model:       rt.cfg.LLM.Model,
		APIKey:      apiKey,
		MaxTokens:   rt.cfg.LLM.MaxTokens,
		BaseURL:     rt.cfg.LLM.BaseURL,
		Thinking:    llm.ThinkingConfig{Level: llm.ThinkingLevel(rt.cfg.LLM.Thinking)},
		RetryConfig: parseRetryConfig(rt.cfg.LLM.MaxRetries, rt.cfg.LLM.RetryBackoff),
	})
	if err != nil {
		return fmt.Errorf("creating LLM provider: %w", err)
	}
	return nil
}

// setupSandbox picks the script executor. Process mode starts the local
// tool gateway scripts call back into.
func (rt *runtime) setupSandbox() error {
	switch rt.cfg.Sandbox.Mode {
	case config.SandboxNone:
		return nil
	case config.SandboxNATS:
		nc, err := sandbox.ConnectNATS(rt.cfg.Sandbox.NATSURL)
		if err != nil {
			return err
		}
		rt.closers = append(rt.closers, nc.Close)
		rt.executor = sandbox.NewNATSExecutor(nc, rt.cfg.Sandbox.Subject)
		return nil
	default:
		gw := sandbox.NewGateway(rt.cfg.Gateway.Host, rt.cfg.Gateway.Port, rt.cfg.Gateway.MaxConns)
		if err := gw.Start(); err != nil {
			return fmt.Errorf("starting tool gateway: %w", err)
		}
		rt.gateway = gw
		rt.closers = append(rt.closers, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			gw.Close(ctx)
		})
		rt.executor = sandbox.NewProcessExecutor(rt.cfg.Sandbox.Command, rt.cfg.Sandbox.Args, gw)
		return nil
	}
}

// setupSession creates the session file under storage.path/sessions.
func (rt *runtime) setupSession() error {
	store, err := session.NewFileStore(filepath.Join(rt.cfg.StoragePath(), "sessions"))
	if err != nil {
		return fmt.Errorf("creating session store: %w", err)
	}
	rt.sessionMgr = session.NewManager(store)
	rt.sess, err = rt.sessionMgr.Create(rt.cfg.LLM.Model, rt.workspace)
	if err != nil {
		return fmt.Errorf("creating session: %w", err)
	}
	return nil
}

// confirmer builds the confirmation policy from config and flags.
func (rt *runtime) confirmer(autoApprove bool, prompt gate.Confirmer) gate.Confirmer {
	var fallback gate.Confirmer = prompt
	if autoApprove || rt.cfg.Kernel.AutoApprove {
		fallback = gate.AutoApprove{}
	}
	return gate.Policy{
		Allow:    rt.cfg.Kernel.Allow,
		Deny:     rt.cfg.Kernel.Deny,
		Fallback: fallback,
	}
}

func (rt *runtime) createKernel(confirmer gate.Confirmer) error {
	var err error
	rt.kernel, err = kernel.New(kernel.Config{
		Provider:        rt.provider,
		Registry:        rt.registry,
		Confirmer:       confirmer,
		Executor:        rt.executor,
		Instructions:    rt.cfg.Agent.Instructions,
		MaxDepth:        rt.cfg.Kernel.MaxDepth,
		MaxSteps:        rt.cfg.Kernel.MaxSteps,
		Concurrency:     rt.cfg.Kernel.Concurrency,
		JoinTimeout:     rt.cfg.JoinTimeout(),
		SandboxTimeout:  rt.cfg.SandboxTimeout(),
		Session:         rt.sess,
		Sessions:        rt.sessionMgr,
		OnAgentFinished: reportAgent(os.Stderr),
	})
	return err
}

// reportAgent prints a line for each sub-agent that did not complete.
func reportAgent(w io.Writer) func(supervision.Task) {
	return func(t supervision.Task) {
		if t.State == supervision.StateCompleted {
			return
		}
		line := fmt.Sprintf("agent %s (%s) %s", t.ID, t.Role, t.State)
		if t.Error != "" {
			line += ": " + t.Error
		}
		fmt.Fprintln(w, dimTextStyle.Render(line))
	}
}

// close finishes the session and releases resources in reverse order.
func (rt *runtime) close(runErr error) {
	if rt.sess != nil && rt.sessionMgr != nil {
		rt.sess.Finish(runErr)
		if err := rt.sessionMgr.Update(rt.sess); err != nil {
			fmt.Fprintf(os.Stderr, "warning: saving session: %v\n", err)
		}
	}
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
}

// parseRetryConfig parses retry settings from config.
func parseRetryConfig(maxRetries int, backoffStr string) llm.RetryConfig {
	cfg := llm.RetryConfig{
		MaxRetries: maxRetries,
	}
	if backoffStr != "" {
		if d, err := time.ParseDuration(backoffStr); err == nil {
			cfg.MaxBackoff = d
		}
	}
	return cfg
}

func isTerminal(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}
