// Utility functions for the executor.
package executor

import (
	"context"
	"fmt"
	"regexp"

	"github.com/vinayprograms/chatty/internal/action"
)

// refPattern matches an argument value that is exactly "$<call_id>".
var refPattern = regexp.MustCompile(`^\$([A-Za-z0-9_.:\-]+)$`)

// RefValuer is implemented by payloads that substitute something other than
// themselves when referenced, e.g. a script outcome substitutes its stdout.
type RefValuer interface {
	RefValue() interface{}
}

// resolveRefs returns args with every "$call_id" string replaced by the
// referenced action's payload. Only earlier actions in the batch can be
// referenced; a spawned agent reference resolves to the agent's output.
func (d *Dispatcher) resolveRefs(ctx context.Context, b *batch, self int, args map[string]interface{}) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(args))
	for k, v := range args {
		resolved, err := d.resolveValue(ctx, b, self, v)
		if err != nil {
			return nil, fmt.Errorf("argument %q: %w", k, err)
		}
		out[k] = resolved
	}
	return out, nil
}

func (d *Dispatcher) resolveValue(ctx context.Context, b *batch, self int, v interface{}) (interface{}, error) {
	switch t := v.(type) {
	case string:
		m := refPattern.FindStringSubmatch(t)
		if m == nil {
			return t, nil
		}
		return d.dereference(ctx, b, self, m[1])
	case map[string]interface{}:
		return d.resolveRefs(ctx, b, self, t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, item := range t {
			r, err := d.resolveValue(ctx, b, self, item)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

// dereference waits for the referenced action and returns the value that
// replaces the reference.
func (d *Dispatcher) dereference(ctx context.Context, b *batch, self int, id string) (interface{}, error) {
	j, ok := b.index[id]
	switch {
	case !ok:
		return nil, fmt.Errorf("invalid reference $%s: no such call_id in this batch: %w", id, action.ErrParse)
	case j == self:
		return nil, fmt.Errorf("invalid reference $%s: an action cannot reference itself: %w", id, action.ErrParse)
	case j > self:
		return nil, fmt.Errorf("invalid reference $%s: forward references are not allowed: %w", id, action.ErrParse)
	}
	ref := b.actions[j]
	if d.kindOf(ref) == action.KindWaitAgents {
		return nil, fmt.Errorf("invalid reference $%s: wait results cannot be referenced: %w", id, action.ErrParse)
	}

	r, err := b.wait(ctx, j)
	if err != nil {
		return nil, fmt.Errorf("waiting for $%s: %w", id, err)
	}
	if r.Status != action.StatusOK {
		return nil, fmt.Errorf("referenced action $%s did not succeed (%s): %w", id, r.Status, action.ErrExecutionFault)
	}

	if d.kindOf(ref) == action.KindSpawnAgent {
		if d.agents == nil {
			return nil, fmt.Errorf("cannot resolve agent $%s: %w", id, action.ErrSupervisorFault)
		}
		return d.agents.Await(ctx, id, d.joinTimeout)
	}
	if rv, ok := r.Payload.(RefValuer); ok {
		return rv.RefValue(), nil
	}
	return r.Payload, nil
}

// truncateForLog truncates a string for logging purposes.
func truncateForLog(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
