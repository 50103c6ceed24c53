// Package supervision runs spawned sub-agents concurrently and hands their
// outcomes back when a batch joins them.
package supervision

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/vinayprograms/agentkit/logging"
	"github.com/vinayprograms/chatty/internal/action"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// DefaultMaxDepth bounds recursive spawning when Config.MaxDepth is zero.
const DefaultMaxDepth = 3

// ErrDepthExceeded is returned by Spawn when the child would be deeper than
// the configured maximum.
var ErrDepthExceeded = errors.New("maximum agent depth exceeded")

// State is a task's lifecycle state.
type State string

const (
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"

	// StateError only appears in join outcomes: the id was never spawned
	// here, or the join gave up before the agent finished.
	StateError State = "error"
)

// Terminal reports whether s is a final state.
func (s State) Terminal() bool { return s != StateRunning }

// Spec is what a Runner receives for one sub-agent.
type Spec struct {
	ID     string
	Role   string
	Prompt string
	Depth  int
}

// Runner executes a sub-agent to completion and returns its final answer.
// The kernel implements it with a fresh conversation per agent.
type Runner interface {
	RunAgent(ctx context.Context, spec Spec) (string, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, spec Spec) (string, error)

// RunAgent implements Runner.
func (f RunnerFunc) RunAgent(ctx context.Context, spec Spec) (string, error) { return f(ctx, spec) }

// Task is a snapshot of one spawned agent.
type Task struct {
	ID       string        `json:"id"`
	Role     string        `json:"role"`
	Prompt   string        `json:"prompt"`
	Depth    int           `json:"depth"`
	State    State         `json:"state"`
	Output   string        `json:"output,omitempty"`
	Error    string        `json:"error,omitempty"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration_ns,omitempty"`
}

// Outcome is what Join reports for one requested id.
type Outcome struct {
	ID       string `json:"agent_id"`
	Role     string `json:"role,omitempty"`
	State    State  `json:"status"`
	Output   string `json:"output,omitempty"`
	Error    string `json:"error,omitempty"`
	TimedOut bool   `json:"timed_out,omitempty"`
}

// Failed reports whether the outcome is anything but a completed agent.
func (o Outcome) Failed() bool { return o.State != StateCompleted }

// JoinError reports whether the join itself could not produce a result for
// this id, as opposed to the agent finishing badly.
func (o Outcome) JoinError() bool { return o.State == StateError }

type task struct {
	Task
	cancel context.CancelFunc
	done   chan struct{}
}

// Config holds supervisor configuration.
type Config struct {
	Runner   Runner
	MaxDepth int
	// Depth is the depth of the agent owning this supervisor; the top-level
	// conversation is 0 and its children run at 1.
	Depth int
	// OnFinish, if set, is called once per agent after its final state is
	// recorded.
	OnFinish func(Task)
}

// Supervisor owns the sub-agents spawned by one conversation.
type Supervisor struct {
	runner   Runner
	maxDepth int
	depth    int
	onFinish func(Task)
	logger   *logging.Logger

	mu    sync.Mutex
	tasks map[string]*task
	order []string
	wg    sync.WaitGroup
}

// New creates a supervisor.
func New(cfg Config) *Supervisor {
	maxDepth := cfg.MaxDepth
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Supervisor{
		runner:   cfg.Runner,
		maxDepth: maxDepth,
		depth:    cfg.Depth,
		onFinish: cfg.OnFinish,
		logger:   logging.New().WithComponent("supervisor"),
		tasks:    make(map[string]*task),
	}
}

// Depth returns the depth of the agent that owns this supervisor.
func (s *Supervisor) Depth() int { return s.depth }

// MaxDepth returns the configured depth bound.
func (s *Supervisor) MaxDepth() int { return s.maxDepth }

// CanSpawn reports whether an agent owned here may start children.
func (s *Supervisor) CanSpawn() bool { return s.depth+1 <= s.maxDepth }

// Spawn starts a sub-agent under id and returns immediately. The agent runs
// until it finishes, ctx is cancelled, or CancelAll is called.
func (s *Supervisor) Spawn(ctx context.Context, id, role, prompt string) (string, error) {
	if id == "" {
		return "", fmt.Errorf("spawn: agent id is required: %w", action.ErrExecutionFault)
	}
	if prompt == "" {
		return "", fmt.Errorf("spawn %s: prompt is required: %w", id, action.ErrExecutionFault)
	}
	if !s.CanSpawn() {
		return "", fmt.Errorf("spawn %s at depth %d (max %d): %w: %w", id, s.depth+1, s.maxDepth, ErrDepthExceeded, action.ErrExecutionFault)
	}
	if s.runner == nil {
		return "", fmt.Errorf("spawn %s: no agent runner configured: %w", id, action.ErrSupervisorFault)
	}

	s.mu.Lock()
	if _, exists := s.tasks[id]; exists {
		s.mu.Unlock()
		return "", fmt.Errorf("spawn: agent id %q already in use: %w", id, action.ErrExecutionFault)
	}
	runCtx, cancel := context.WithCancel(ctx)
	t := &task{
		Task: Task{
			ID:      id,
			Role:    role,
			Prompt:  prompt,
			Depth:   s.depth + 1,
			State:   StateRunning,
			Started: time.Now(),
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.tasks[id] = t
	s.order = append(s.order, id)
	s.wg.Add(1)
	s.mu.Unlock()

	s.logger.Info("agent spawned", map[string]interface{}{
		"agent_id": id,
		"role":     role,
		"depth":    t.Depth,
	})

	go s.run(runCtx, t)
	return id, nil
}

func (s *Supervisor) run(ctx context.Context, t *task) {
	defer s.wg.Done()
	defer t.cancel()

	ctx, span := otel.Tracer("chatty/supervision").Start(ctx, "subagent."+t.Role)
	span.SetAttributes(
		attribute.String("agent.id", t.ID),
		attribute.String("agent.role", t.Role),
		attribute.Int("agent.depth", t.Depth),
	)
	defer span.End()

	output, err := s.invoke(ctx, Spec{ID: t.ID, Role: t.Role, Prompt: t.Prompt, Depth: t.Depth})

	state := StateCompleted
	switch {
	case err != nil && ctx.Err() != nil:
		state = StateCancelled
	case err != nil:
		state = StateFailed
	}

	s.mu.Lock()
	t.State = state
	t.Output = output
	if err != nil {
		t.Error = err.Error()
	}
	t.Duration = time.Since(t.Started)
	snapshot := t.Task
	close(t.done)
	s.mu.Unlock()

	if s.onFinish != nil {
		s.onFinish(snapshot)
	}

	fields := map[string]interface{}{
		"agent_id":    t.ID,
		"state":       string(state),
		"duration_ms": t.Duration.Milliseconds(),
	}
	if err != nil {
		fields["error"] = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Warn("agent finished", fields)
	} else {
		s.logger.Info("agent finished", fields)
	}
}

// invoke calls the runner, converting a panic into an error.
func (s *Supervisor) invoke(ctx context.Context, spec Spec) (output string, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("agent panicked", map[string]interface{}{
				"agent_id": spec.ID,
				"panic":    fmt.Sprint(r),
				"stack":    string(debug.Stack()),
			})
			output = ""
			err = fmt.Errorf("agent %s panicked: %v: %w", spec.ID, r, action.ErrExecutionFault)
		}
	}()
	return s.runner.RunAgent(ctx, spec)
}

// Join waits for the given agents and returns one outcome per id, in order.
// Unknown ids get an error entry without blocking. Agents still running when
// timeout expires (or ctx ends) get an error entry and keep running.
// A zero timeout waits without a deadline.
func (s *Supervisor) Join(ctx context.Context, ids []string, timeout time.Duration) []Outcome {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	out := make([]Outcome, len(ids))
	for i, id := range ids {
		if !s.Known(id) {
			out[i] = Outcome{ID: id, State: StateError, Error: fmt.Sprintf("unknown agent id %q", id)}
			continue
		}
		s.mu.Lock()
		t := s.tasks[id]
		s.mu.Unlock()

		select {
		case <-t.done:
			out[i] = s.outcome(t)
		case <-ctx.Done():
			o := Outcome{ID: id, Role: t.Role, State: StateError, Error: "join cancelled while agent still running"}
			if !errors.Is(ctx.Err(), context.Canceled) {
				o.Error = "timed out waiting for agent; it is still running"
				o.TimedOut = true
			}
			out[i] = o
		}
	}
	return out
}

// Await joins a single agent. The error is non-nil unless it completed.
func (s *Supervisor) Await(ctx context.Context, id string, timeout time.Duration) (string, error) {
	o := s.Join(ctx, []string{id}, timeout)[0]
	switch {
	case o.State == StateCompleted:
		return o.Output, nil
	case o.TimedOut:
		return "", fmt.Errorf("agent %s: %s: %w", id, o.Error, action.ErrTimeout)
	default:
		return "", fmt.Errorf("agent %s %s: %s: %w", id, o.State, o.Error, action.ErrExecutionFault)
	}
}

func (s *Supervisor) outcome(t *task) Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Outcome{ID: t.ID, Role: t.Role, State: t.State, Output: t.Output, Error: t.Error}
}

// Known reports whether id names an agent spawned here.
func (s *Supervisor) Known(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[id]
	return ok
}

// Get returns a snapshot of one task.
func (s *Supervisor) Get(id string) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return Task{}, false
	}
	return t.Task, true
}

// Tasks returns snapshots of every task in spawn order.
func (s *Supervisor) Tasks() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Task, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.tasks[id].Task)
	}
	return out
}

// Running returns the ids of agents that have not finished, sorted.
func (s *Supervisor) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, t := range s.tasks {
		if t.State == StateRunning {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// CancelAll cancels every running agent. It does not wait for them.
func (s *Supervisor) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if t.State == StateRunning {
			t.cancel()
		}
	}
}

// Wait blocks until every spawned agent has finished.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}
