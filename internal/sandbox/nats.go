package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/vinayprograms/agentkit/logging"
	"github.com/vinayprograms/chatty/internal/action"
)

// DefaultSubject is the request subject of the remote sandbox service.
const DefaultSubject = "chatty.sandbox.execute"

// natsRequest is the execution request sent to the remote sandbox. The
// service sends each tool call as a request on RelaySubject and waits for
// the reply.
type natsRequest struct {
	ID           string     `json:"id"`
	Script       string     `json:"script"`
	Dependencies []string   `json:"dependencies,omitempty"`
	Tools        []ToolSpec `json:"tools,omitempty"`
	TimeoutMS    int64      `json:"timeout_ms,omitempty"`
	RelaySubject string     `json:"relay_subject"`
}

// NATSExecutor runs scripts on a remote sandbox service reached over NATS
// request/reply.
type NATSExecutor struct {
	conn    *nats.Conn
	subject string
	logger  *logging.Logger
}

// ConnectNATS dials a NATS server for the sandbox executor.
func ConnectNATS(url string) (*nats.Conn, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	nc, err := nats.Connect(url, nats.Name("chatty"), nats.Timeout(5*time.Second))
	if err != nil {
		return nil, fmt.Errorf("connecting to nats at %s: %w", url, err)
	}
	return nc, nil
}

// NewNATSExecutor creates an executor on an established connection.
func NewNATSExecutor(nc *nats.Conn, subject string) *NATSExecutor {
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATSExecutor{conn: nc, subject: subject, logger: logging.New().WithComponent("sandbox-nats")}
}

// Execute implements Executor. Interactive sessions need a local terminal
// and are rejected.
func (e *NATSExecutor) Execute(ctx context.Context, req Request, relay Relay) (*Response, error) {
	if req.Interactive {
		return nil, fmt.Errorf("interactive scripts are not supported by the remote sandbox")
	}
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	relaySubject := e.subject + ".relay." + uuid.NewString()
	sub, err := e.conn.Subscribe(relaySubject, func(m *nats.Msg) {
		go func() {
			if err := m.Respond(handleRelay(ctx, m.Data, relay)); err != nil {
				e.logger.Warn("relay reply failed", map[string]interface{}{"error": err.Error()})
			}
		}()
	})
	if err != nil {
		return nil, fmt.Errorf("subscribing to relay subject: %w", err)
	}
	defer sub.Unsubscribe()

	payload, err := json.Marshal(natsRequest{
		ID:           req.ID,
		Script:       req.Script,
		Dependencies: req.Dependencies,
		Tools:        req.Tools,
		TimeoutMS:    req.Timeout.Milliseconds(),
		RelaySubject: relaySubject,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding sandbox request: %w", err)
	}

	msg, err := e.conn.RequestWithContext(ctx, e.subject, payload)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, nats.ErrNoResponders) {
			return nil, fmt.Errorf("no sandbox service is listening on %s", e.subject)
		}
		return nil, fmt.Errorf("sandbox request: %w", err)
	}
	return decodeResponse(msg.Data)
}

func decodeResponse(data []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decoding sandbox response: %w", err)
	}
	resp.Diagnostics = filterNoise(resp.Diagnostics)
	return &resp, nil
}

// handleRelay serves one tool call from the remote sandbox and returns the
// encoded reply, in the same shape the HTTP gateway uses.
func handleRelay(ctx context.Context, data []byte, relay Relay) []byte {
	var req toolCallRequest
	var reply gatewayReply
	switch err := json.Unmarshal(data, &req); {
	case err != nil:
		reply = gatewayReply{Status: "error", Type: "INVALID_TOOL_ARGUMENTS", Message: "invalid request: " + err.Error()}
	case req.ToolName == "":
		reply = gatewayReply{Status: "error", Type: "INVALID_TOOL_ARGUMENTS", Message: "tool_name is required"}
	case relay == nil:
		reply = gatewayReply{Status: "error", Type: "TOOL_EXECUTION_ERROR", Message: "tool relay unavailable"}
	default:
		if req.Arguments == nil {
			req.Arguments = map[string]interface{}{}
		}
		out, err := relay(ctx, req.ToolName, req.Arguments)
		if err != nil {
			_, kind := replyForError(err)
			reply = gatewayReply{Status: "error", Type: kind, Message: err.Error()}
		} else {
			reply = gatewayReply{Status: "success", Result: out}
		}
	}
	encoded, err := json.Marshal(reply)
	if err != nil {
		encoded, _ = json.Marshal(gatewayReply{Status: "error", Type: "TOOL_EXECUTION_ERROR", Message: fmt.Sprintf("encoding result: %v: %v", err, action.ErrExecutionFault)})
	}
	return encoded
}
