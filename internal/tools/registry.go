// Package tools provides the tool registry, built-in tools and the external
// tool sources (MCP servers, command manifests).
package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/vinayprograms/agentkit/logging"
	"github.com/vinayprograms/chatty/internal/action"
)

// Risk is the trust class of a tool. Anything that is not explicitly low is
// high.
type Risk string

const (
	RiskLow  Risk = "low"
	RiskHigh Risk = "high"
)

// ParseRisk converts free-form risk metadata into a Risk, failing closed.
func ParseRisk(s string) Risk {
	if strings.EqualFold(strings.TrimSpace(s), string(RiskLow)) {
		return RiskLow
	}
	return RiskHigh
}

// Source names the provider that contributed a descriptor.
type Source string

// SourceBuiltin is the source of the compiled-in tools and kernel directives.
const SourceBuiltin Source = "builtin"

// IsExternal reports whether the source is an external registry.
func (s Source) IsExternal() bool {
	return s != SourceBuiltin
}

// Param describes one tool parameter.
type Param struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Required    bool   `json:"required"`
	Description string `json:"description,omitempty"`
}

// Func is a built-in tool implementation.
type Func func(ctx context.Context, args map[string]interface{}) (interface{}, error)

// Caller invokes a tool hosted outside the process.
type Caller interface {
	CallTool(ctx context.Context, name string, args map[string]interface{}) (interface{}, error)
}

// BindingKind enumerates the executor variants a descriptor can bind to.
type BindingKind int

const (
	BindBuiltin BindingKind = iota
	BindExternal
	BindSandbox
	BindSpawn
	BindWait
)

func (k BindingKind) String() string {
	switch k {
	case BindBuiltin:
		return "builtin"
	case BindExternal:
		return "external"
	case BindSandbox:
		return "sandbox"
	case BindSpawn:
		return "spawn"
	case BindWait:
		return "wait"
	default:
		return fmt.Sprintf("binding(%d)", int(k))
	}
}

// Binding connects a descriptor to its executor. It is a closed variant:
// only the constructors below produce valid values.
type Binding struct {
	kind   BindingKind
	fn     Func
	remote Caller
}

// BuiltinFunc binds a descriptor to an in-process function.
func BuiltinFunc(fn Func) Binding { return Binding{kind: BindBuiltin, fn: fn} }

// ExternalCall binds a descriptor to a remote caller.
func ExternalCall(c Caller) Binding { return Binding{kind: BindExternal, remote: c} }

// SandboxEntry binds a descriptor to the sandbox proxy.
func SandboxEntry() Binding { return Binding{kind: BindSandbox} }

// SpawnEntry binds a descriptor to the agent supervisor's spawn.
func SpawnEntry() Binding { return Binding{kind: BindSpawn} }

// WaitEntry binds a descriptor to the agent supervisor's join.
func WaitEntry() Binding { return Binding{kind: BindWait} }

// Kind returns the variant tag.
func (b Binding) Kind() BindingKind { return b.kind }

// ActionKind returns the action kind that routes to this binding.
func (b Binding) ActionKind() action.Kind {
	switch b.kind {
	case BindSandbox:
		return action.KindScript
	case BindSpawn:
		return action.KindSpawnAgent
	case BindWait:
		return action.KindWaitAgents
	default:
		return action.KindDirectTool
	}
}

// Invoke runs a direct binding. Sandbox and agent bindings are routed by the
// dispatcher and cannot be invoked directly.
func (b Binding) Invoke(ctx context.Context, name string, args map[string]interface{}) (interface{}, error) {
	switch b.kind {
	case BindBuiltin:
		if b.fn == nil {
			return nil, fmt.Errorf("tool %s has no implementation: %w", name, action.ErrExecutionFault)
		}
		return b.fn(ctx, args)
	case BindExternal:
		if b.remote == nil {
			return nil, fmt.Errorf("tool %s has no remote: %w", name, action.ErrExecutionFault)
		}
		return b.remote.CallTool(ctx, name, args)
	default:
		return nil, fmt.Errorf("tool %s is a %s entry and cannot be called directly", name, b.kind)
	}
}

// Descriptor is the metadata record for one invocable tool.
type Descriptor struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Parameters  []Param `json:"parameters"`
	Risk        Risk    `json:"risk"`
	Source      Source  `json:"source"`
	Binding     Binding `json:"-"`
}

// RequiredParams returns the names of required parameters.
func (d Descriptor) RequiredParams() []string {
	var out []string
	for _, p := range d.Parameters {
		if p.Required {
			out = append(out, p.Name)
		}
	}
	return out
}

// Snapshot is an immutable view of the registry at one generation.
type Snapshot struct {
	generation uint64
	bySource   map[Source][]Descriptor
	byName     map[string]Descriptor
	list       []Descriptor
}

// Generation returns the reload counter this snapshot was built at.
func (s *Snapshot) Generation() uint64 { return s.generation }

// Lookup finds a descriptor by name.
func (s *Snapshot) Lookup(name string) (Descriptor, bool) {
	d, ok := s.byName[name]
	return d, ok
}

// List returns the descriptors: builtins first, then external sources by
// name, each in declaration order. The slice is a copy.
func (s *Snapshot) List() []Descriptor {
	out := make([]Descriptor, len(s.list))
	copy(out, s.list)
	return out
}

// Sources returns the sources present in the snapshot.
func (s *Snapshot) Sources() []Source {
	out := make([]Source, 0, len(s.bySource))
	for src := range s.bySource {
		out = append(out, src)
	}
	sortSources(out)
	return out
}

func sortSources(sources []Source) {
	sort.Slice(sources, func(i, j int) bool {
		if sources[i] == SourceBuiltin {
			return sources[j] != SourceBuiltin
		}
		if sources[j] == SourceBuiltin {
			return false
		}
		return sources[i] < sources[j]
	})
}

func buildSnapshot(gen uint64, bySource map[Source][]Descriptor) *Snapshot {
	s := &Snapshot{
		generation: gen,
		bySource:   bySource,
		byName:     make(map[string]Descriptor),
	}
	sources := make([]Source, 0, len(bySource))
	for src := range bySource {
		sources = append(sources, src)
	}
	sortSources(sources)
	for _, src := range sources {
		for _, d := range bySource[src] {
			s.byName[d.Name] = d
			s.list = append(s.list, d)
		}
	}
	return s
}

// ReloadReport describes the outcome of a reload.
type ReloadReport struct {
	Source     Source
	Generation uint64
	Loaded     []string
	Skipped    []string // names owned by another source
}

// Registry holds all invocable tool descriptors. Reads go against an
// immutable snapshot; reloads build a new snapshot and swap it in.
type Registry struct {
	mu      sync.Mutex // serializes writers
	current atomic.Pointer[Snapshot]
	logger  *logging.Logger
}

// New creates an empty registry.
func New() *Registry {
	r := &Registry{logger: logging.New().WithComponent("registry")}
	r.current.Store(buildSnapshot(0, map[Source][]Descriptor{}))
	return r
}

// NewRegistry creates a registry holding the built-in tools confined to
// workspace and the kernel directives.
func NewRegistry(workspace string) *Registry {
	r := New()
	r.Reload(SourceBuiltin, append(Builtins(workspace), Directives()...))
	return r
}

// Snapshot returns the current immutable view.
func (r *Registry) Snapshot() *Snapshot {
	return r.current.Load()
}

// Lookup finds a descriptor by name in the current snapshot.
func (r *Registry) Lookup(name string) (Descriptor, bool) {
	return r.current.Load().Lookup(name)
}

// List returns all descriptors of the current snapshot.
func (r *Registry) List() []Descriptor {
	return r.current.Load().List()
}

// Generation returns the current reload counter.
func (r *Registry) Generation() uint64 {
	return r.current.Load().Generation()
}

// Reload replaces the descriptor set contributed by source. Names owned by
// another source are skipped with a warning; within the source, a later
// duplicate replaces the earlier one.
func (r *Registry) Reload(source Source, descs []Descriptor) ReloadReport {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.current.Load()
	next := make(map[Source][]Descriptor, len(cur.bySource)+1)
	owners := make(map[string]Source)
	for src, list := range cur.bySource {
		if src == source {
			continue
		}
		next[src] = list
		for _, d := range list {
			owners[d.Name] = src
		}
	}

	report := ReloadReport{Source: source}
	index := make(map[string]int)
	var kept []Descriptor
	for _, d := range descs {
		if d.Name == "" {
			continue
		}
		if owner, taken := owners[d.Name]; taken {
			report.Skipped = append(report.Skipped, d.Name)
			r.logger.Warn("tool name collision, keeping existing entry", map[string]interface{}{
				"tool":   d.Name,
				"owner":  string(owner),
				"source": string(source),
			})
			continue
		}
		d.Source = source
		d.Parameters = append([]Param(nil), d.Parameters...)
		if d.Risk != RiskLow {
			d.Risk = RiskHigh
		}
		if i, dup := index[d.Name]; dup {
			kept[i] = d
			continue
		}
		index[d.Name] = len(kept)
		kept = append(kept, d)
	}
	if len(kept) > 0 {
		next[source] = kept
	}
	for _, d := range kept {
		report.Loaded = append(report.Loaded, d.Name)
	}

	snap := buildSnapshot(cur.generation+1, next)
	r.current.Store(snap)
	report.Generation = snap.generation

	r.logger.Info("tool source reloaded", map[string]interface{}{
		"source":     string(source),
		"loaded":     len(report.Loaded),
		"skipped":    len(report.Skipped),
		"generation": snap.generation,
	})
	return report
}

// Remove drops every descriptor contributed by source.
func (r *Registry) Remove(source Source) ReloadReport {
	return r.Reload(source, nil)
}
