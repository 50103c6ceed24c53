// Package gate classifies actions by risk and holds high-risk actions until
// a human confirms them.
package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vinayprograms/agentkit/logging"
	"github.com/vinayprograms/chatty/internal/action"
	"github.com/vinayprograms/chatty/internal/tools"
)

// Lookup resolves tool names. *tools.Registry satisfies it.
type Lookup interface {
	Lookup(name string) (tools.Descriptor, bool)
}

// Decision is the gate's verdict for one action.
type Decision struct {
	Allowed bool
	Risk    tools.Risk
	Reason  string // set when denied
}

// Err returns nil for an allowed decision and an ErrDenied-wrapping error
// otherwise.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return fmt.Errorf("%s: %w", d.Reason, action.ErrDenied)
}

// PendingConfirmation is an action waiting on the confirmer. It exists only
// until resolved.
type PendingConfirmation struct {
	ID      uint64
	Action  action.Action
	Summary string
	Since   time.Time

	resolved chan confirmation
}

type confirmation struct {
	ok  bool
	err error
}

// Gate applies the risk policy.
type Gate struct {
	tools     Lookup
	confirmer Confirmer
	logger    *logging.Logger

	mu      sync.Mutex
	pending map[uint64]*PendingConfirmation
	nextID  uint64
}

// New creates a gate. A nil confirmer denies every high-risk action.
func New(reg Lookup, c Confirmer) *Gate {
	if c == nil {
		c = DenyAll{}
	}
	return &Gate{
		tools:     reg,
		confirmer: c,
		logger:    logging.New().WithComponent("gate"),
		pending:   make(map[uint64]*PendingConfirmation),
	}
}

// Classify returns the action's risk. Unknown tools are high risk.
func (g *Gate) Classify(a action.Action) tools.Risk {
	if g.tools == nil {
		return tools.RiskHigh
	}
	d, ok := g.tools.Lookup(a.Name)
	if !ok {
		return tools.RiskHigh
	}
	if d.Risk == tools.RiskLow {
		return tools.RiskLow
	}
	return tools.RiskHigh
}

// Check passes low-risk actions and asks the confirmer about high-risk ones.
// It blocks only the calling goroutine. Confirmer errors and cancellation
// resolve as denied.
func (g *Gate) Check(ctx context.Context, a action.Action) Decision {
	risk := g.Classify(a)
	if risk == tools.RiskLow {
		return Decision{Allowed: true, Risk: risk}
	}

	p := g.register(a)
	defer g.remove(p.ID)

	go func() {
		ok, err := g.confirmer.Confirm(ctx, a.Name, p.Summary)
		p.resolved <- confirmation{ok: ok, err: err}
	}()

	var c confirmation
	select {
	case c = <-p.resolved:
	case <-ctx.Done():
		c = confirmation{err: ctx.Err()}
	}

	switch {
	case c.err != nil:
		g.logger.Warn("confirmation failed, denying", map[string]interface{}{
			"tool":    a.Name,
			"call_id": a.CallID,
			"error":   c.err.Error(),
		})
		return Decision{Risk: risk, Reason: "confirmation failed: " + c.err.Error()}
	case !c.ok:
		g.logger.Info("action declined", map[string]interface{}{"tool": a.Name, "call_id": a.CallID})
		return Decision{Risk: risk, Reason: "execution was declined by the user"}
	default:
		return Decision{Allowed: true, Risk: risk}
	}
}

func (g *Gate) register(a action.Action) *PendingConfirmation {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nextID++
	p := &PendingConfirmation{
		ID:       g.nextID,
		Action:   a,
		Summary:  Summarize(a),
		Since:    time.Now(),
		resolved: make(chan confirmation, 1),
	}
	g.pending[p.ID] = p
	return p
}

func (g *Gate) remove(id uint64) {
	g.mu.Lock()
	delete(g.pending, id)
	g.mu.Unlock()
}

// Pending returns the confirmations currently outstanding, oldest first.
func (g *Gate) Pending() []PendingConfirmation {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]PendingConfirmation, 0, len(g.pending))
	for _, p := range g.pending {
		out = append(out, PendingConfirmation{ID: p.ID, Action: p.Action, Summary: p.Summary, Since: p.Since})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Summarize renders an action's arguments for the confirmer. Scripts show
// their source; everything else shows indented JSON.
func Summarize(a action.Action) string {
	if a.Name == tools.ExecuteScriptTool {
		if code, ok := a.Arguments["code"].(string); ok {
			return code
		}
	}
	data, err := json.MarshalIndent(a.Arguments, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", a.Arguments)
	}
	return string(data)
}
