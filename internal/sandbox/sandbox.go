// Package sandbox hands scripts to an external executor and relays the tool
// calls those scripts make back through the host's registry and gate.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/vinayprograms/agentkit/logging"
	"github.com/vinayprograms/chatty/internal/action"
	"github.com/vinayprograms/chatty/internal/tools"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// DefaultTimeout bounds a non-interactive execution.
const DefaultTimeout = 120 * time.Second

// InteractiveEnded is the output reported for an interactive session.
const InteractiveEnded = "Interactive session completed."

// Relay performs one tool call on behalf of a script.
type Relay func(ctx context.Context, name string, args map[string]interface{}) (interface{}, error)

// Request is one script execution.
type Request struct {
	ID           string
	Script       string
	Dependencies []string
	Interactive  bool
	Tools        []ToolSpec
	Timeout      time.Duration
}

// ProxiedCall records a tool call made by a script.
type ProxiedCall struct {
	Tool     string        `json:"tool"`
	Status   action.Status `json:"status"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration_ns"`
}

// Response is what an executor reports. A non-zero ExitStatus is a script
// failure, not an executor error.
type Response struct {
	ExitStatus   int           `json:"exit_status"`
	Output       string        `json:"output"`
	Diagnostics  string        `json:"diagnostics,omitempty"`
	ProxiedCalls []ProxiedCall `json:"proxied_calls,omitempty"`
}

// Executor runs scripts somewhere else. Implementations must route every
// tool call through relay and stop when ctx is cancelled.
type Executor interface {
	Execute(ctx context.Context, req Request, relay Relay) (*Response, error)
}

// Catalog lists the tools scripts may see. *tools.Registry satisfies it.
type Catalog interface {
	List() []tools.Descriptor
}

// Outcome is the payload of a sandbox result.
type Outcome struct {
	Stdout     string        `json:"stdout"`
	Stderr     string        `json:"stderr,omitempty"`
	ExitStatus int           `json:"exit_status"`
	Error      string        `json:"error,omitempty"`
	ToolCalls  []ProxiedCall `json:"tool_calls,omitempty"`
}

// RefValue is what a "$call_id" reference to a script resolves to.
func (o Outcome) RefValue() interface{} { return o.Stdout }

// Proxy is the kernel's entry point for script execution.
type Proxy struct {
	exec    Executor
	relay   Relay
	catalog Catalog
	timeout time.Duration
	logger  *logging.Logger
}

// NewProxy creates a proxy. relay is normally the dispatcher's Call.
func NewProxy(exec Executor, relay Relay, catalog Catalog) *Proxy {
	return &Proxy{
		exec:    exec,
		relay:   relay,
		catalog: catalog,
		timeout: DefaultTimeout,
		logger:  logging.New().WithComponent("sandbox"),
	}
}

// SetTimeout overrides DefaultTimeout.
func (p *Proxy) SetTimeout(d time.Duration) {
	if d > 0 {
		p.timeout = d
	}
}

// SetRelay replaces the relay. Used when the relay's owner is built after
// the proxy.
func (p *Proxy) SetRelay(relay Relay) { p.relay = relay }

// Execute runs script and converts the outcome to a result for callID.
func (p *Proxy) Execute(ctx context.Context, callID, script string, deps []string, interactive bool) action.Result {
	ctx, span := otel.Tracer("chatty/sandbox").Start(ctx, "sandbox.execute")
	defer span.End()
	span.SetAttributes(
		attribute.String("sandbox.call_id", callID),
		attribute.Bool("sandbox.interactive", interactive),
	)

	if p.exec == nil {
		span.SetStatus(codes.Error, "no executor")
		return action.Fail(callID, fmt.Errorf("script execution is disabled: %w", action.ErrExecutionFault))
	}

	req := Request{
		ID:           callID,
		Script:       Prepare(script, deps),
		Dependencies: deps,
		Interactive:  interactive,
		Timeout:      p.timeout,
	}
	if p.catalog != nil {
		req.Tools = SpecsFrom(p.catalog.List())
	}

	rec := &recorder{}
	relay := rec.wrap(p.relay)

	start := time.Now()
	resp, err := p.exec.Execute(ctx, req, relay)
	calls := rec.calls()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.logger.Warn("sandbox execution failed", map[string]interface{}{
			"call_id": callID,
			"error":   err.Error(),
		})
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("script timed out after %s: %w", p.timeout, action.ErrTimeout)
		} else if !errors.Is(err, action.ErrTimeout) && !errors.Is(err, context.Canceled) {
			err = fmt.Errorf("%v: %w", err, action.ErrExecutionFault)
		}
		return action.FailWith(callID, Outcome{Error: err.Error(), ExitStatus: -1, ToolCalls: calls})
	}
	if len(resp.ProxiedCalls) == 0 {
		resp.ProxiedCalls = calls
	}

	out := Outcome{
		Stdout:     strings.TrimSpace(resp.Output),
		Stderr:     strings.TrimSpace(resp.Diagnostics),
		ExitStatus: resp.ExitStatus,
		ToolCalls:  resp.ProxiedCalls,
	}
	if interactive {
		out.Stdout = InteractiveEnded
		out.Stderr = fmt.Sprintf("Process exited with return code %d.", resp.ExitStatus)
	}

	p.logger.Info("sandbox execution finished", map[string]interface{}{
		"call_id":     callID,
		"exit_status": resp.ExitStatus,
		"tool_calls":  len(out.ToolCalls),
		"duration_ms": time.Since(start).Milliseconds(),
	})
	span.SetAttributes(attribute.Int("sandbox.exit_status", resp.ExitStatus))

	if resp.ExitStatus != 0 {
		out.Error = fmt.Sprintf("Script exited with code %d.", resp.ExitStatus)
		span.SetStatus(codes.Error, out.Error)
		return action.FailWith(callID, out)
	}
	return action.OK(callID, out)
}

// recorder wraps a relay and keeps a log of the calls made through it.
type recorder struct {
	mu  sync.Mutex
	log []ProxiedCall
}

func (r *recorder) wrap(relay Relay) Relay {
	return func(ctx context.Context, name string, args map[string]interface{}) (interface{}, error) {
		start := time.Now()
		var out interface{}
		var err error
		if relay == nil {
			err = fmt.Errorf("tool relay unavailable: %w", action.ErrExecutionFault)
		} else {
			out, err = relay(ctx, name, args)
		}
		call := ProxiedCall{Tool: name, Status: action.StatusOK, Duration: time.Since(start)}
		if err != nil {
			call.Status = action.StatusError
			if errors.Is(err, action.ErrDenied) {
				call.Status = action.StatusDenied
			}
			call.Error = err.Error()
		}
		r.mu.Lock()
		r.log = append(r.log, call)
		r.mu.Unlock()
		return out, err
	}
}

func (r *recorder) calls() []ProxiedCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ProxiedCall(nil), r.log...)
}

// filterNoise drops blank lines and uv progress lines from stderr.
func filterNoise(stderr string) string {
	var kept []string
	for _, line := range strings.Split(stderr, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if hasAnyPrefix(line, "Installed ", "Resolved ", "Downloaded ", "Audited ", "Prepared ", "Reading inline script metadata") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}

func hasAnyPrefix(s string, prefixes ...string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
