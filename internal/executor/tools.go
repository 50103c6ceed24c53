// Routing of gated actions to their executors.
package executor

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/vinayprograms/chatty/internal/action"
	"github.com/vinayprograms/chatty/internal/tools"
)

// concurrencyLimit is the default number of actions running at once.
// Tool calls are mostly I/O bound, so CPUs are oversubscribed 4x, clamped
// to [4, 32].
var concurrencyLimit = func() int {
	limit := runtime.NumCPU() * 4
	if limit < 4 {
		limit = 4
	}
	if limit > 32 {
		limit = 32
	}
	return limit
}()

// executeTool runs a direct-tool action.
func (d *Dispatcher) executeTool(ctx context.Context, desc tools.Descriptor, a action.Action) action.Result {
	switch desc.Binding.Kind() {
	case tools.BindBuiltin, tools.BindExternal:
	default:
		return action.Fail(a.CallID, fmt.Errorf("tool %s is a %s entry, not a direct tool: %w", a.Name, desc.Binding.Kind(), action.ErrExecutionFault))
	}
	out, err := d.invoke(ctx, desc, a)
	if err != nil {
		return action.FromError(a.CallID, err)
	}
	return action.OK(a.CallID, out)
}

// invoke calls a direct binding and logs the outcome. Arguments are not
// logged.
func (d *Dispatcher) invoke(ctx context.Context, desc tools.Descriptor, a action.Action) (interface{}, error) {
	start := time.Now()
	out, err := desc.Binding.Invoke(ctx, a.Name, a.Arguments)
	fields := map[string]interface{}{
		"call_id":     a.CallID,
		"tool":        a.Name,
		"source":      string(desc.Source),
		"duration_ms": time.Since(start).Milliseconds(),
	}
	if err != nil {
		fields["error"] = err.Error()
		d.logger.Warn("tool failed", fields)
		return nil, fmt.Errorf("%s: %w", a.Name, classify(err))
	}
	d.logger.Debug("tool completed", fields)
	return out, nil
}

// classify makes sure err carries a taxonomy sentinel.
func classify(err error) error {
	switch {
	case action.Classify(err) != action.ErrExecutionFault, errors.Is(err, action.ErrExecutionFault):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", err, action.ErrTimeout)
	default:
		return fmt.Errorf("%w: %w", err, action.ErrExecutionFault)
	}
}

// executeScript routes a script-execution action to the sandbox.
func (d *Dispatcher) executeScript(ctx context.Context, a action.Action) action.Result {
	if d.sandbox == nil {
		return action.Fail(a.CallID, fmt.Errorf("script execution is not configured: %w", action.ErrExecutionFault))
	}
	code := stringArg(a.Arguments, "code")
	if strings.TrimSpace(code) == "" {
		return action.Fail(a.CallID, fmt.Errorf("%s requires 'code': %w", a.Name, action.ErrParse))
	}
	return d.sandbox.Execute(ctx, a.CallID, code, stringList(a.Arguments["dependencies"]), boolArg(a.Arguments, "interactive"))
}

// spawnAgent starts a sub-agent whose handle is the action's call_id.
func (d *Dispatcher) spawnAgent(ctx context.Context, a action.Action) action.Result {
	if d.agents == nil {
		return action.Fail(a.CallID, fmt.Errorf("sub-agents are not available here: %w", action.ErrSupervisorFault))
	}
	role := stringArg(a.Arguments, "role")
	if role == "" {
		role = "agent"
	}
	id, err := d.agents.Spawn(ctx, a.CallID, role, stringArg(a.Arguments, "prompt"))
	if err != nil {
		return action.FromError(a.CallID, err)
	}
	return action.OK(a.CallID, map[string]interface{}{
		"agent_id": id,
		"role":     role,
		"status":   "running",
	})
}

// waitAgents joins the agents named in agent_ids. Ids that name sibling
// spawns in this batch are waited on until the spawn has registered.
func (d *Dispatcher) waitAgents(ctx context.Context, b *batch, a action.Action) action.Result {
	if d.agents == nil {
		return action.Fail(a.CallID, fmt.Errorf("sub-agents are not available here: %w", action.ErrSupervisorFault))
	}
	raw, ok := a.Arguments["agent_ids"]
	if !ok {
		return action.Fail(a.CallID, fmt.Errorf("%s requires 'agent_ids': %w", a.Name, action.ErrParse))
	}
	ids := stringList(raw)
	if ids == nil {
		if s, ok := raw.(string); ok && s != "" {
			ids = []string{s}
		}
	}
	for i, id := range ids {
		ids[i] = strings.TrimPrefix(id, "$")
	}

	for _, id := range ids {
		j, sibling := b.index[id]
		if !sibling || d.kindOf(b.actions[j]) != action.KindSpawnAgent {
			continue
		}
		if _, err := b.wait(ctx, j); err != nil {
			return action.Fail(a.CallID, fmt.Errorf("waiting for spawn %s: %v: %w", id, err, action.ErrTimeout))
		}
	}
	d.phase(a, PhaseGated)
	d.phase(a, PhaseRouted)

	outcomes := d.agents.Join(ctx, ids, d.joinTimeout)
	for _, o := range outcomes {
		if o.JoinError() {
			return action.FailWith(a.CallID, outcomes)
		}
	}
	return action.OK(a.CallID, outcomes)
}

func stringArg(args map[string]interface{}, key string) string {
	s, _ := args[key].(string)
	return s
}

func boolArg(args map[string]interface{}, key string) bool {
	switch v := args[key].(type) {
	case bool:
		return v
	case string:
		return v == "true"
	}
	return false
}

// stringList accepts a JSON array of strings or a []string.
func stringList(v interface{}) []string {
	switch t := v.(type) {
	case []string:
		return append([]string(nil), t...)
	case []interface{}:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok {
				out = append(out, s)
			} else {
				out = append(out, fmt.Sprint(item))
			}
		}
		return out
	}
	return nil
}
