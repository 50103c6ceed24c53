package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vinayprograms/agentkit/logging"
	"github.com/vinayprograms/agentkit/mcp"
	"github.com/vinayprograms/chatty/internal/action"
)

const mcpRequestTimeout = 30 * time.Second

// ToolPatch overrides metadata of a tool discovered from an MCP server.
type ToolPatch struct {
	Risk        string
	Description string
}

// MCPServerSpec describes how to launch one MCP server.
type MCPServerSpec struct {
	Name        string
	Command     string
	Args        []string
	Env         map[string]string
	DeniedTools []string
	Patches     map[string]ToolPatch
}

// MCPSource returns the registry source name for an MCP server.
func MCPSource(name string) Source {
	return Source("mcp:" + name)
}

// mcpTool is a discovered tool with its input schema in JSON form.
type mcpTool struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

type inputSchema struct {
	Properties map[string]struct {
		Type        interface{} `json:"type"`
		Description string      `json:"description"`
	} `json:"properties"`
	Required []string `json:"required"`
}

// MCPServer is one MCP server connection. Each server has its own manager
// so a replacement can be connected before the old instance is closed. It
// implements Caller for the descriptors it contributes.
type MCPServer struct {
	spec   MCPServerSpec
	logger *logging.Logger

	mu      sync.Mutex
	manager *mcp.Manager
	running bool

	// RequestTimeout bounds each call when ctx carries no deadline.
	RequestTimeout time.Duration
}

// NewMCPServer creates a client; call Start to launch the process.
func NewMCPServer(spec MCPServerSpec) *MCPServer {
	return &MCPServer{
		spec:           spec,
		logger:         logging.New().WithComponent("mcp:" + spec.Name),
		RequestTimeout: mcpRequestTimeout,
	}
}

// Source returns the registry source this server contributes to.
func (s *MCPServer) Source() Source { return MCPSource(s.spec.Name) }

// Start launches the server and performs the handshake.
func (s *MCPServer) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	if s.spec.Command == "" {
		return fmt.Errorf("mcp server %s: command is required", s.spec.Name)
	}

	manager := mcp.NewManager()
	err := manager.Connect(ctx, s.spec.Name, mcp.ServerConfig{
		Command: s.spec.Command,
		Args:    s.spec.Args,
		Env:     s.spec.Env,
	})
	if err != nil {
		manager.Close()
		return fmt.Errorf("mcp server %s: %w", s.spec.Name, err)
	}
	if len(s.spec.DeniedTools) > 0 {
		manager.SetDeniedTools(s.spec.Name, s.spec.DeniedTools)
	}
	s.manager = manager
	s.running = true
	s.logger.Info("connected", map[string]interface{}{"command": s.spec.Command})
	return nil
}

// Close terminates the server process.
func (s *MCPServer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false
	s.manager.Close()
	return nil
}

// Tools lists the server's tools as registry descriptors.
func (s *MCPServer) Tools() []Descriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	var listed []mcpTool
	for _, t := range s.manager.AllTools() {
		if t.Server != s.spec.Name {
			continue
		}
		schema, err := json.Marshal(t.Tool.InputSchema)
		if err != nil {
			s.logger.Warn("unreadable input schema", map[string]interface{}{
				"tool":  t.Tool.Name,
				"error": err.Error(),
			})
		}
		listed = append(listed, mcpTool{Name: t.Tool.Name, Description: t.Tool.Description, Schema: schema})
	}
	return mcpDescriptors(s.spec, listed, s)
}

// mcpDescriptors converts discovered tools, applying patches and dropping
// denied tools. Tools default to high risk.
func mcpDescriptors(spec MCPServerSpec, listed []mcpTool, caller Caller) []Descriptor {
	denied := make(map[string]bool, len(spec.DeniedTools))
	for _, name := range spec.DeniedTools {
		denied[name] = true
	}
	sort.SliceStable(listed, func(i, j int) bool { return listed[i].Name < listed[j].Name })

	out := make([]Descriptor, 0, len(listed))
	for _, t := range listed {
		if t.Name == "" || denied[t.Name] {
			continue
		}
		d := Descriptor{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  schemaParams(t.Schema),
			Risk:        RiskHigh,
			Binding:     ExternalCall(caller),
		}
		if p, ok := spec.Patches[t.Name]; ok {
			if p.Risk != "" {
				d.Risk = ParseRisk(p.Risk)
			}
			if p.Description != "" {
				d.Description = p.Description
			}
		}
		out = append(out, d)
	}
	return out
}

func schemaParams(raw json.RawMessage) []Param {
	var schema inputSchema
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &schema)
	}
	required := make(map[string]bool, len(schema.Required))
	for _, r := range schema.Required {
		required[r] = true
	}
	names := make([]string, 0, len(schema.Properties))
	for name := range schema.Properties {
		names = append(names, name)
	}
	sort.Strings(names)
	params := make([]Param, 0, len(names))
	for _, name := range names {
		prop := schema.Properties[name]
		typ, _ := prop.Type.(string)
		if typ == "" {
			typ = "any"
		}
		params = append(params, Param{Name: name, Type: typ, Required: required[name], Description: prop.Description})
	}
	return params
}

// CallTool invokes a tool and returns its text content.
func (s *MCPServer) CallTool(ctx context.Context, name string, args map[string]interface{}) (interface{}, error) {
	s.mu.Lock()
	manager, running := s.manager, s.running
	s.mu.Unlock()
	if !running {
		return nil, fmt.Errorf("mcp server %s is not running: %w", s.spec.Name, action.ErrExecutionFault)
	}
	if args == nil {
		args = map[string]interface{}{}
	}
	if _, ok := ctx.Deadline(); !ok && s.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.RequestTimeout)
		defer cancel()
	}

	result, err := manager.CallTool(ctx, s.spec.Name, name, args)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("mcp %s/%s: %w", s.spec.Name, name, action.ErrTimeout)
		}
		return nil, fmt.Errorf("mcp %s/%s: %v: %w", s.spec.Name, name, err, action.ErrExecutionFault)
	}

	var texts []string
	for _, c := range result.Content {
		if c.Type == "text" {
			texts = append(texts, c.Text)
		}
	}
	return textPayload(texts), nil
}

// textPayload returns a single text item as-is and joins several.
func textPayload(texts []string) interface{} {
	switch len(texts) {
	case 0:
		return ""
	case 1:
		return texts[0]
	default:
		return strings.Join(texts, "\n")
	}
}

// LoadMCPServer starts a server and reloads its source into reg. The
// returned server must be closed by the caller.
func LoadMCPServer(ctx context.Context, reg *Registry, spec MCPServerSpec) (*MCPServer, ReloadReport, error) {
	srv := NewMCPServer(spec)
	if err := srv.Start(ctx); err != nil {
		return nil, ReloadReport{Source: srv.Source()}, err
	}
	return srv, reg.Reload(srv.Source(), srv.Tools()), nil
}

// MCPHub owns the running MCP servers and keeps their registry sources in
// step with them.
type MCPHub struct {
	reg     *Registry
	mu      sync.Mutex
	servers map[string]*MCPServer
	logger  *logging.Logger
}

// NewMCPHub creates a hub that loads servers into reg.
func NewMCPHub(reg *Registry) *MCPHub {
	return &MCPHub{
		reg:     reg,
		servers: make(map[string]*MCPServer),
		logger:  logging.New().WithComponent("mcp"),
	}
}

// Reload starts every spec, swaps its tools into the registry and then stops
// the server it replaces. Servers missing from specs are stopped and their
// tools removed. A server that fails to start keeps its previous instance.
func (h *MCPHub) Reload(ctx context.Context, specs []MCPServerSpec) []error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var errs []error
	keep := make(map[string]bool, len(specs))
	for _, spec := range specs {
		keep[spec.Name] = true
		srv, report, err := LoadMCPServer(ctx, h.reg, spec)
		if err != nil {
			h.logger.Error("mcp server failed to load", map[string]interface{}{
				"server": spec.Name,
				"error":  err.Error(),
			})
			errs = append(errs, err)
			continue
		}
		if old := h.servers[spec.Name]; old != nil {
			old.Close()
		}
		h.servers[spec.Name] = srv
		h.logger.Info("mcp server loaded", map[string]interface{}{
			"server":  spec.Name,
			"tools":   len(report.Loaded),
			"skipped": len(report.Skipped),
		})
	}
	for name, srv := range h.servers {
		if keep[name] {
			continue
		}
		h.reg.Remove(srv.Source())
		srv.Close()
		delete(h.servers, name)
	}
	return errs
}

// Servers returns the names of running servers.
func (h *MCPHub) Servers() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	names := make([]string, 0, len(h.servers))
	for name := range h.servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Shutdown stops every server and removes its tools.
func (h *MCPHub) Shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for name, srv := range h.servers {
		h.reg.Remove(srv.Source())
		srv.Close()
		delete(h.servers, name)
	}
}
