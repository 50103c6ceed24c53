package kernel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vinayprograms/agentkit/llm"
	"github.com/vinayprograms/agentkit/logging"
	"github.com/vinayprograms/chatty/internal/action"
	"github.com/vinayprograms/chatty/internal/executor"
	"github.com/vinayprograms/chatty/internal/parser"
	"github.com/vinayprograms/chatty/internal/sandbox"
	"github.com/vinayprograms/chatty/internal/session"
	"github.com/vinayprograms/chatty/internal/supervision"
)

// Conversation is one agent's history with the model. The top-level
// conversation and every sub-agent each have their own; they share the
// kernel's registry and gate. Send calls are serialised.
//
// Sub-agents belong to the turn that spawned them: each Send starts with an
// empty agent table, and agents still running when the turn ends are
// cancelled.
type Conversation struct {
	kernel *Kernel
	id     string
	role   string
	depth  int

	parser     *parser.Parser
	dispatcher *executor.Dispatcher

	agentsMu sync.Mutex
	agents   *supervision.Supervisor

	mu      sync.Mutex
	history []llm.Message
	logger  *logging.Logger
}

func (k *Kernel) newConversation(id, role string, depth int) *Conversation {
	c := &Conversation{
		kernel: k,
		id:     id,
		role:   role,
		depth:  depth,
		parser: parser.New(k.registry),
		logger: logging.New().WithComponent("conversation"),
	}
	c.agents = c.newAgents()
	c.dispatcher = executor.New(executor.Config{
		Registry:    k.registry,
		Gate:        k.gate,
		Agents:      c.agents,
		Concurrency: k.concurrency,
		JoinTimeout: k.joinTimeout,
	})
	proxy := sandbox.NewProxy(k.exec, c.dispatcher.Call, k.registry)
	proxy.SetTimeout(k.sandboxTimeout)
	c.dispatcher.SetSandbox(proxy)
	c.dispatcher.OnResult = c.onResult
	return c
}

// ID returns the agent id; empty for the top-level conversation.
func (c *Conversation) ID() string { return c.id }

// Depth returns the nesting depth; 0 for the top-level conversation.
func (c *Conversation) Depth() int { return c.depth }

// Agents returns the supervisor owning the sub-agents of the current turn,
// or of the last one once it has ended.
func (c *Conversation) Agents() *supervision.Supervisor {
	c.agentsMu.Lock()
	defer c.agentsMu.Unlock()
	return c.agents
}

func (c *Conversation) newAgents() *supervision.Supervisor {
	return supervision.New(supervision.Config{
		Runner:   c.kernel,
		MaxDepth: c.kernel.maxDepth,
		Depth:    c.depth,
		OnFinish: c.kernel.onAgentFinished,
	})
}

// beginAgents gives the turn a fresh agent table so call ids from earlier
// turns can be reused.
func (c *Conversation) beginAgents() *supervision.Supervisor {
	sup := c.newAgents()
	c.agentsMu.Lock()
	c.agents = sup
	c.agentsMu.Unlock()
	c.dispatcher.SetAgents(sup)
	return sup
}

// endAgents cancels the turn's agents that were never joined and waits for
// all of them to return.
func endAgents(sup *supervision.Supervisor) {
	sup.CancelAll()
	sup.Wait()
}

// History returns a copy of the messages exchanged so far. The system
// prompt is not part of it; it is rebuilt on every step.
func (c *Conversation) History() []llm.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]llm.Message(nil), c.history...)
}

// Send runs one turn: it appends input to the history and alternates model
// calls with action batches until the model replies without an action
// block. A malformed block is reported back to the model as an error result
// and the turn continues.
func (c *Conversation) Send(ctx context.Context, input string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	agents := c.beginAgents()
	defer endAgents(agents)

	var seq uint64
	if s := c.kernel.session; s != nil {
		seq = s.BeginTurn(c.id, input)
		c.kernel.save()
	}
	answer, err := c.turn(ctx, seq, input)
	if s := c.kernel.session; s != nil {
		if cerr := s.CloseTurn(seq, answer, err); cerr != nil {
			c.logger.Warn("failed to close turn", map[string]interface{}{"error": cerr.Error()})
		}
		c.kernel.save()
	}
	return answer, err
}

func (c *Conversation) turn(ctx context.Context, seq uint64, input string) (string, error) {
	c.history = append(c.history, llm.Message{Role: "user", Content: input})

	for step := 1; step <= c.kernel.maxSteps; step++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		openTag, closeTag := c.parser.Tags()
		messages := make([]llm.Message, 0, len(c.history)+1)
		messages = append(messages, llm.Message{
			Role:    "system",
			Content: systemPrompt(c.kernel.registry.List(), openTag, closeTag, c),
		})
		messages = append(messages, c.history...)

		resp, err := c.kernel.provider.Chat(ctx, llm.ChatRequest{Messages: messages})
		if err != nil {
			return "", fmt.Errorf("LLM error: %w", err)
		}
		c.history = append(c.history, llm.Message{Role: "assistant", Content: resp.Content})

		parsed, perr := c.parser.Parse(resp.Content)
		if perr == nil && !parsed.Found {
			c.logger.Debug("turn answered", map[string]interface{}{
				"agent_id": c.id,
				"steps":    step,
			})
			return parsed.Text, nil
		}

		start := time.Now()
		var actions []action.Action
		var results []action.Result
		if perr != nil {
			results = []action.Result{parseFailure(perr)}
			c.logger.Warn("malformed action block", map[string]interface{}{
				"agent_id": c.id,
				"error":    perr.Error(),
			})
		} else {
			actions = parsed.Actions
			results = c.dispatcher.Run(ctx, actions)
		}

		if s := c.kernel.session; s != nil {
			if err := s.AddBatch(seq, session.Batch{
				Step:       step,
				Response:   resp.Content,
				Actions:    actions,
				Results:    results,
				DurationMs: time.Since(start).Milliseconds(),
			}); err != nil {
				c.logger.Warn("failed to record batch", map[string]interface{}{"error": err.Error()})
			}
			c.kernel.save()
		}

		c.history = append(c.history, llm.Message{Role: "user", Content: executor.FormatResults(results)})
	}
	return "", fmt.Errorf("%w (%d steps)", ErrStepLimit, c.kernel.maxSteps)
}

func parseFailure(err error) action.Result {
	var pe *parser.ParseError
	if errors.As(err, &pe) {
		return pe.Result()
	}
	return action.Fail(parser.ParseErrorID, fmt.Errorf("%v: %w", err, action.ErrParse))
}

func (c *Conversation) onResult(a action.Action, r action.Result, d time.Duration) {
	c.logger.Debug("action finished", map[string]interface{}{
		"agent_id":    c.id,
		"call_id":     a.CallID,
		"tool":        a.Name,
		"status":      string(r.Status),
		"duration_ms": d.Milliseconds(),
	})
}

// Close cancels this conversation's running sub-agents and waits for them.
func (c *Conversation) Close() {
	endAgents(c.Agents())
}
