// Package kernel runs the conversation loop: it asks the model for a reply,
// dispatches the actions the reply carries and feeds the results back until
// the model answers in plain text.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vinayprograms/agentkit/llm"
	"github.com/vinayprograms/agentkit/logging"
	"github.com/vinayprograms/chatty/internal/gate"
	"github.com/vinayprograms/chatty/internal/sandbox"
	"github.com/vinayprograms/chatty/internal/session"
	"github.com/vinayprograms/chatty/internal/supervision"
	"github.com/vinayprograms/chatty/internal/tools"
)

// DefaultMaxSteps bounds the model calls made for a single input.
const DefaultMaxSteps = 10

// ErrStepLimit is returned when a turn uses all its steps without producing
// a final answer.
var ErrStepLimit = errors.New("step limit reached without a final answer")

// Config wires a kernel. Provider and Registry are required.
type Config struct {
	Provider  llm.Provider
	Registry  *tools.Registry
	Confirmer gate.Confirmer
	Executor  sandbox.Executor

	// Instructions are appended to every system prompt.
	Instructions string

	MaxDepth       int
	MaxSteps       int
	Concurrency    int
	JoinTimeout    time.Duration
	SandboxTimeout time.Duration

	// Session, when set, receives every turn of every conversation,
	// including sub-agents. Sessions persists it after each change.
	Session  *session.Session
	Sessions *session.Manager

	// OnAgentFinished, if set, is called when any sub-agent at any depth
	// reaches its final state.
	OnAgentFinished func(supervision.Task)
}

// Kernel holds what conversations share: the model, the registry and the
// gate. It is safe for concurrent use.
type Kernel struct {
	provider       llm.Provider
	registry       *tools.Registry
	gate           *gate.Gate
	exec           sandbox.Executor
	instructions   string
	maxDepth       int
	maxSteps       int
	concurrency    int
	joinTimeout    time.Duration
	sandboxTimeout time.Duration

	session  *session.Session
	sessions *session.Manager
	saveMu   sync.Mutex

	onAgentFinished func(supervision.Task)

	logger *logging.Logger
}

// New creates a kernel.
func New(cfg Config) (*Kernel, error) {
	if cfg.Provider == nil {
		return nil, fmt.Errorf("kernel: provider is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("kernel: registry is required")
	}
	maxSteps := cfg.MaxSteps
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}
	maxDepth := cfg.MaxDepth
	if maxDepth <= 0 {
		maxDepth = supervision.DefaultMaxDepth
	}
	return &Kernel{
		provider:        cfg.Provider,
		registry:        cfg.Registry,
		gate:            gate.New(cfg.Registry, cfg.Confirmer),
		exec:            cfg.Executor,
		instructions:    cfg.Instructions,
		maxDepth:        maxDepth,
		maxSteps:        maxSteps,
		concurrency:     cfg.Concurrency,
		joinTimeout:     cfg.JoinTimeout,
		sandboxTimeout:  cfg.SandboxTimeout,
		session:         cfg.Session,
		sessions:        cfg.Sessions,
		onAgentFinished: cfg.OnAgentFinished,
		logger:          logging.New().WithComponent("kernel"),
	}, nil
}

// Gate returns the shared risk gate.
func (k *Kernel) Gate() *gate.Gate { return k.gate }

// Registry returns the tool registry.
func (k *Kernel) Registry() *tools.Registry { return k.registry }

// NewConversation starts a top-level conversation.
func (k *Kernel) NewConversation() *Conversation {
	return k.newConversation("", "", 0)
}

// RunAgent runs a sub-agent to completion in its own conversation. It
// implements supervision.Runner.
func (k *Kernel) RunAgent(ctx context.Context, spec supervision.Spec) (string, error) {
	c := k.newConversation(spec.ID, spec.Role, spec.Depth)
	defer c.Close()

	k.logger.Info("sub-agent started", map[string]interface{}{
		"agent_id": spec.ID,
		"role":     spec.Role,
		"depth":    spec.Depth,
	})
	answer, err := c.Send(ctx, spec.Prompt)
	if err != nil {
		k.logger.Warn("sub-agent failed", map[string]interface{}{
			"agent_id": spec.ID,
			"error":    err.Error(),
		})
		return "", err
	}
	return answer, nil
}

// save persists the session if a manager is configured. Failures are logged;
// history is best-effort and never fails a turn.
func (k *Kernel) save() {
	if k.session == nil || k.sessions == nil {
		return
	}
	k.saveMu.Lock()
	defer k.saveMu.Unlock()
	if err := k.sessions.Update(k.session); err != nil {
		k.logger.Warn("failed to save session", map[string]interface{}{
			"session_id": k.session.ID,
			"error":      err.Error(),
		})
	}
}
