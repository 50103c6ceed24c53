// Package action defines the requested effects parsed from a model turn and
// the results the kernel reports back for them.
package action

import (
	"encoding/json"
	"fmt"
)

// Kind identifies which executor an action is routed to.
type Kind string

const (
	KindDirectTool Kind = "direct-tool"
	KindScript     Kind = "script-execution"
	KindSpawnAgent Kind = "spawn-agent"
	KindWaitAgents Kind = "wait-agents"
)

// ParseKind maps a wire marker to a Kind. The second return is false for
// unrecognised markers.
func ParseKind(s string) (Kind, bool) {
	switch Kind(s) {
	case KindDirectTool, KindScript, KindSpawnAgent, KindWaitAgents:
		return Kind(s), true
	}
	return "", false
}

// Action is one requested effect. Values are treated as immutable once
// parsed; use Args to get a private copy of the arguments.
type Action struct {
	CallID    string                 `json:"call_id"`
	Kind      Kind                   `json:"kind"`
	Name      string                 `json:"tool_name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// Args returns a deep copy of the action's arguments.
func (a Action) Args() map[string]interface{} {
	return copyMap(a.Arguments)
}

// String returns a short identifier for logs.
func (a Action) String() string {
	return fmt.Sprintf("%s(%s)", a.Name, a.CallID)
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return copyMap(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, item := range t {
			out[i] = copyValue(item)
		}
		return out
	default:
		return v
	}
}

// Status is the outcome class of an action.
type Status string

const (
	StatusOK     Status = "ok"
	StatusError  Status = "error"
	StatusDenied Status = "denied"
)

// Result is the correlated outcome of exactly one Action.
type Result struct {
	CallID  string      `json:"call_id"`
	Status  Status      `json:"status"`
	Payload interface{} `json:"payload,omitempty"`
	IsError bool        `json:"is_error"`
}

// OK builds a successful result.
func OK(callID string, payload interface{}) Result {
	return Result{CallID: callID, Status: StatusOK, Payload: payload}
}

// Fail builds an error result carrying err's message.
func Fail(callID string, err error) Result {
	return Result{CallID: callID, Status: StatusError, Payload: err.Error(), IsError: true}
}

// FailWith builds an error result with a structured payload.
func FailWith(callID string, payload interface{}) Result {
	return Result{CallID: callID, Status: StatusError, Payload: payload, IsError: true}
}

// Denied builds the result for an action the human declined. It is not an
// error: the model should abandon the action rather than retry it.
func Denied(callID, reason string) Result {
	if reason == "" {
		reason = "execution was declined by the user"
	}
	return Result{CallID: callID, Status: StatusDenied, Payload: reason}
}

// Text renders the payload as a string: strings pass through, everything
// else is JSON encoded.
func (r Result) Text() string {
	switch v := r.Payload.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}
