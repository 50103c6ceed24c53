package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vinayprograms/agentkit/logging"
	"github.com/vinayprograms/chatty/internal/action"
	"golang.org/x/net/netutil"
)

// ToolCallPath is the gateway endpoint scripts post to.
const ToolCallPath = "/tool_call"

const maxToolCallBody = 8 << 20

// Gateway is the HTTP endpoint sandboxed scripts call tools through. Each
// execution registers its relay under a fresh bearer token; requests
// without a live token are rejected.
type Gateway struct {
	host     string
	port     int
	maxConns int
	logger   *logging.Logger

	mu       sync.RWMutex
	relays   map[string]Relay
	listener net.Listener
	server   *http.Server
}

// NewGateway creates a gateway. Port 0 picks a free port. maxConns <= 0
// means unlimited.
func NewGateway(host string, port, maxConns int) *Gateway {
	if host == "" {
		host = "127.0.0.1"
	}
	return &Gateway{
		host:     host,
		port:     port,
		maxConns: maxConns,
		relays:   make(map[string]Relay),
		logger:   logging.New().WithComponent("gateway"),
	}
}

// Start begins serving in the background.
func (g *Gateway) Start() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.server != nil {
		return nil
	}
	ln, err := net.Listen("tcp", net.JoinHostPort(g.host, strconv.Itoa(g.port)))
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	if g.maxConns > 0 {
		ln = netutil.LimitListener(ln, g.maxConns)
	}
	mux := http.NewServeMux()
	mux.HandleFunc(ToolCallPath, g.handleToolCall)
	g.listener = ln
	g.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func(srv *http.Server, ln net.Listener) {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Error("gateway stopped", map[string]interface{}{"error": err.Error()})
		}
	}(g.server, ln)

	g.logger.Info("tool gateway listening", map[string]interface{}{"addr": ln.Addr().String()})
	return nil
}

// URL returns the tool call endpoint, or "" when not started.
func (g *Gateway) URL() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.listener == nil {
		return ""
	}
	return "http://" + g.listener.Addr().String() + ToolCallPath
}

// Register makes relay reachable under a new token.
func (g *Gateway) Register(relay Relay) string {
	token := uuid.NewString()
	g.mu.Lock()
	g.relays[token] = relay
	g.mu.Unlock()
	return token
}

// Unregister revokes a token.
func (g *Gateway) Unregister(token string) {
	g.mu.Lock()
	delete(g.relays, token)
	g.mu.Unlock()
}

// Close shuts the server down.
func (g *Gateway) Close(ctx context.Context) error {
	g.mu.Lock()
	srv := g.server
	g.server = nil
	g.listener = nil
	g.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

type toolCallRequest struct {
	ToolName  string                 `json:"tool_name"`
	Arguments map[string]interface{} `json:"arguments"`
}

type gatewayReply struct {
	Status  string      `json:"status"`
	Result  interface{} `json:"result,omitempty"`
	Type    string      `json:"type,omitempty"`
	Message string      `json:"message,omitempty"`
}

func (g *Gateway) handleToolCall(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeReply(w, http.StatusMethodNotAllowed, gatewayReply{Status: "error", Type: "METHOD_NOT_ALLOWED", Message: "use POST"})
		return
	}
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	g.mu.RLock()
	relay, ok := g.relays[token]
	g.mu.RUnlock()
	if token == "" || !ok {
		writeReply(w, http.StatusUnauthorized, gatewayReply{Status: "error", Type: "UNAUTHORIZED", Message: "unknown or expired execution token"})
		return
	}

	var req toolCallRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxToolCallBody)).Decode(&req); err != nil {
		writeReply(w, http.StatusBadRequest, gatewayReply{Status: "error", Type: "INVALID_TOOL_ARGUMENTS", Message: "invalid request body: " + err.Error()})
		return
	}
	if req.ToolName == "" {
		writeReply(w, http.StatusBadRequest, gatewayReply{Status: "error", Type: "INVALID_TOOL_ARGUMENTS", Message: "tool_name is required"})
		return
	}
	if req.Arguments == nil {
		req.Arguments = map[string]interface{}{}
	}

	out, err := relay(r.Context(), req.ToolName, req.Arguments)
	if err != nil {
		status, kind := replyForError(err)
		writeReply(w, status, gatewayReply{Status: "error", Type: kind, Message: err.Error()})
		return
	}
	writeReply(w, http.StatusOK, gatewayReply{Status: "success", Result: out})
}

func replyForError(err error) (int, string) {
	switch action.Classify(err) {
	case action.ErrUnknownTool:
		return http.StatusNotFound, "TOOL_NOT_FOUND"
	case action.ErrDenied:
		return http.StatusForbidden, "TOOL_DENIED"
	case action.ErrParse:
		return http.StatusBadRequest, "INVALID_TOOL_ARGUMENTS"
	case action.ErrTimeout:
		return http.StatusGatewayTimeout, "TOOL_TIMEOUT"
	default:
		return http.StatusInternalServerError, "TOOL_EXECUTION_ERROR"
	}
}

func writeReply(w http.ResponseWriter, status int, reply gatewayReply) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(reply)
}
