// Package executor routes parsed actions to their executors and collects the
// results of a batch in submission order.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/vinayprograms/agentkit/logging"
	"github.com/vinayprograms/chatty/internal/action"
	"github.com/vinayprograms/chatty/internal/gate"
	"github.com/vinayprograms/chatty/internal/supervision"
	"github.com/vinayprograms/chatty/internal/tools"
	"golang.org/x/sync/errgroup"
)

// DefaultJoinTimeout bounds how long a wait or an agent reference blocks.
const DefaultJoinTimeout = 5 * time.Minute

// Lookup resolves tool names. *tools.Registry satisfies it.
type Lookup interface {
	Lookup(name string) (tools.Descriptor, bool)
}

// Checker decides whether an action may run. *gate.Gate satisfies it.
type Checker interface {
	Check(ctx context.Context, a action.Action) gate.Decision
}

// Sandbox runs scripts. *sandbox.Proxy satisfies it.
type Sandbox interface {
	Execute(ctx context.Context, callID, script string, deps []string, interactive bool) action.Result
}

// Agents manages sub-agents. *supervision.Supervisor satisfies it.
type Agents interface {
	Spawn(ctx context.Context, id, role, prompt string) (string, error)
	Join(ctx context.Context, ids []string, timeout time.Duration) []supervision.Outcome
	Await(ctx context.Context, id string, timeout time.Duration) (string, error)
}

// Phase is where an action is in its lifecycle.
type Phase string

const (
	PhaseParsed    Phase = "parsed"
	PhaseGated     Phase = "gated"
	PhaseRouted    Phase = "routed"
	PhaseCollected Phase = "collected"
)

// Config wires a dispatcher to its collaborators. Only Registry is required;
// missing executors turn the matching actions into error results.
type Config struct {
	Registry    Lookup
	Gate        Checker
	Sandbox     Sandbox
	Agents      Agents
	Concurrency int
	JoinTimeout time.Duration
}

// Dispatcher executes batches of actions.
type Dispatcher struct {
	registry    Lookup
	gate        Checker
	sandbox     Sandbox
	agents      Agents
	limit       int
	joinTimeout time.Duration
	logger      *logging.Logger

	// Callbacks
	OnPhase  func(a action.Action, p Phase)
	OnResult func(a action.Action, r action.Result, d time.Duration)
}

// New creates a dispatcher.
func New(cfg Config) *Dispatcher {
	limit := cfg.Concurrency
	if limit <= 0 {
		limit = concurrencyLimit
	}
	join := cfg.JoinTimeout
	if join <= 0 {
		join = DefaultJoinTimeout
	}
	return &Dispatcher{
		registry:    cfg.Registry,
		gate:        cfg.Gate,
		sandbox:     cfg.Sandbox,
		agents:      cfg.Agents,
		limit:       limit,
		joinTimeout: join,
		logger:      logging.New().WithComponent("dispatcher"),
	}
}

// SetSandbox attaches the sandbox proxy. The proxy relays through Call, so
// it is usually built after the dispatcher.
func (d *Dispatcher) SetSandbox(s Sandbox) { d.sandbox = s }

// SetAgents attaches the supervisor.
func (d *Dispatcher) SetAgents(a Agents) { d.agents = a }

// batch is the shared state of one Run.
type batch struct {
	actions []action.Action
	index   map[string]int
	results []action.Result
	done    []chan struct{}
}

func newBatch(actions []action.Action) *batch {
	b := &batch{
		actions: actions,
		index:   make(map[string]int, len(actions)),
		results: make([]action.Result, len(actions)),
		done:    make([]chan struct{}, len(actions)),
	}
	for i, a := range actions {
		if _, dup := b.index[a.CallID]; !dup {
			b.index[a.CallID] = i
		}
		b.done[i] = make(chan struct{})
	}
	return b
}

// settle stores the result for slot i. Each slot is written once.
func (b *batch) settle(i int, r action.Result) {
	b.results[i] = r
	close(b.done[i])
}

// wait blocks until slot i is settled and returns its result.
func (b *batch) wait(ctx context.Context, i int) (action.Result, error) {
	select {
	case <-b.done[i]:
		return b.results[i], nil
	case <-ctx.Done():
		return action.Result{}, ctx.Err()
	}
}

// Run executes actions and returns exactly one result per action, in
// submission order. Wait actions start after every other action has been
// launched. Nothing in a batch can fail the batch as a whole.
func (d *Dispatcher) Run(ctx context.Context, actions []action.Action) []action.Result {
	if len(actions) == 0 {
		return nil
	}
	ctx, span := d.startBatchSpan(ctx, len(actions))
	start := time.Now()

	b := newBatch(actions)

	var order, waits []int
	for i, a := range actions {
		if d.kindOf(a) == action.KindWaitAgents {
			waits = append(waits, i)
			continue
		}
		order = append(order, i)
	}
	order = append(order, waits...)

	var g errgroup.Group
	g.SetLimit(d.limit)
	for _, i := range order {
		i := i
		d.phase(actions[i], PhaseParsed)
		g.Go(func() error {
			began := time.Now()
			r := d.runAction(ctx, b, i)
			r.CallID = actions[i].CallID
			b.settle(i, r)
			d.phase(actions[i], PhaseCollected)
			if d.OnResult != nil {
				d.OnResult(actions[i], r, time.Since(began))
			}
			return nil
		})
	}
	g.Wait()

	d.logger.Info("batch closed", map[string]interface{}{
		"actions":     len(actions),
		"failed":      countFailed(b.results),
		"duration_ms": time.Since(start).Milliseconds(),
	})
	d.endBatchSpan(span, b.results)
	return b.results
}

// runAction takes one action through resolution, the gate and its executor.
// Panics become execution faults on this action only.
func (d *Dispatcher) runAction(ctx context.Context, b *batch, i int) (r action.Result) {
	a := b.actions[i]
	ctx, span := d.startActionSpan(ctx, a)
	defer func() {
		if p := recover(); p != nil {
			d.logger.Error("action panicked", map[string]interface{}{
				"call_id": a.CallID,
				"tool":    a.Name,
				"panic":   fmt.Sprint(p),
			})
			r = action.Fail(a.CallID, fmt.Errorf("%s panicked: %v: %w", a.Name, p, action.ErrExecutionFault))
		}
		d.endActionSpan(span, r)
	}()

	if j, dup := b.index[a.CallID]; dup && j != i {
		return action.Fail(a.CallID, fmt.Errorf("duplicate call_id %q: %w", a.CallID, action.ErrParse))
	}

	kind := d.kindOf(a)
	if kind == action.KindWaitAgents {
		return d.waitAgents(ctx, b, a)
	}

	desc, known := d.lookup(a.Name)
	if !known {
		return action.Fail(a.CallID, fmt.Errorf("tool %q is not registered: %w", a.Name, action.ErrUnknownTool))
	}

	args, err := d.resolveRefs(ctx, b, i, a.Args())
	if err != nil {
		return action.FromError(a.CallID, err)
	}
	resolved := action.Action{CallID: a.CallID, Kind: kind, Name: a.Name, Arguments: args}

	if d.gate != nil {
		dec := d.gate.Check(ctx, resolved)
		if !dec.Allowed {
			return action.Denied(a.CallID, dec.Reason)
		}
	}
	d.phase(a, PhaseGated)
	d.phase(a, PhaseRouted)

	switch kind {
	case action.KindScript:
		return d.executeScript(ctx, resolved)
	case action.KindSpawnAgent:
		return d.spawnAgent(ctx, resolved)
	default:
		return d.executeTool(ctx, desc, resolved)
	}
}

// kindOf returns the action's kind, falling back to the registry binding.
func (d *Dispatcher) kindOf(a action.Action) action.Kind {
	if a.Kind != "" {
		return a.Kind
	}
	if desc, ok := d.lookup(a.Name); ok {
		return desc.Binding.ActionKind()
	}
	return action.KindDirectTool
}

func (d *Dispatcher) lookup(name string) (tools.Descriptor, bool) {
	if d.registry == nil {
		return tools.Descriptor{}, false
	}
	return d.registry.Lookup(name)
}

func (d *Dispatcher) phase(a action.Action, p Phase) {
	if d.OnPhase != nil {
		d.OnPhase(a, p)
	}
}

// Call runs one direct tool on behalf of a sandboxed script. It applies the
// same registry lookup and gate as a batch action; directives are refused.
func (d *Dispatcher) Call(ctx context.Context, name string, args map[string]interface{}) (interface{}, error) {
	desc, ok := d.lookup(name)
	if !ok {
		return nil, fmt.Errorf("tool %q is not registered: %w", name, action.ErrUnknownTool)
	}
	switch desc.Binding.Kind() {
	case tools.BindBuiltin, tools.BindExternal:
	default:
		return nil, fmt.Errorf("tool %q cannot be called from a script: %w", name, action.ErrParse)
	}
	if args == nil {
		args = map[string]interface{}{}
	}
	a := action.Action{CallID: "relay-" + uuid.NewString(), Kind: action.KindDirectTool, Name: name, Arguments: args}
	if d.gate != nil {
		if err := d.gate.Check(ctx, a).Err(); err != nil {
			return nil, err
		}
	}
	return d.invoke(ctx, desc, a)
}

func countFailed(results []action.Result) int {
	n := 0
	for _, r := range results {
		if r.Status != action.StatusOK {
			n++
		}
	}
	return n
}
