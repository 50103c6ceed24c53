// Package parser extracts the action block from a model response.
package parser

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
	"github.com/vinayprograms/agentkit/logging"
	"github.com/vinayprograms/chatty/internal/action"
	"github.com/vinayprograms/chatty/internal/tools"
)

// Default action block delimiters.
const (
	DefaultOpenTag  = "<tool>"
	DefaultCloseTag = "</tool>"
)

// ParseErrorID is the call id of the synthetic result for a block that could
// not be attributed to a single action.
const ParseErrorID = "parse_error"

// Lookup resolves tool names. *tools.Registry satisfies it.
type Lookup interface {
	Lookup(name string) (tools.Descriptor, bool)
}

// Response is the parsed form of one model turn.
type Response struct {
	Text    string          // response with the action block removed
	Block   string          // raw block body
	Actions []action.Action // in submission order
	Found   bool            // an action block was present
}

// ParseError describes a block that cannot be dispatched.
type ParseError struct {
	CallID string
	Reason string
}

func (e *ParseError) Error() string {
	if e.CallID != "" {
		return fmt.Sprintf("invalid action block: call %s: %s", e.CallID, e.Reason)
	}
	return "invalid action block: " + e.Reason
}

func (e *ParseError) Unwrap() error { return action.ErrParse }

// Result is the single synthetic error result reported for the block.
func (e *ParseError) Result() action.Result {
	id := e.CallID
	if id == "" {
		id = ParseErrorID
	}
	return action.FailWith(id, e.Error()+`. Expected a JSON list of {"call_id", "tool_name", "arguments"} objects inside one action block.`)
}

// Parser extracts actions from model output.
type Parser struct {
	tools    Lookup
	openTag  string
	closeTag string
	logger   *logging.Logger
}

// New creates a parser. reg may be nil, in which case every action is a
// direct-tool action unless it carries an explicit kind.
func New(reg Lookup) *Parser {
	return &Parser{
		tools:    reg,
		openTag:  DefaultOpenTag,
		closeTag: DefaultCloseTag,
		logger:   logging.New().WithComponent("parser"),
	}
}

// WithTags overrides the block delimiters.
func (p *Parser) WithTags(open, close string) *Parser {
	p.openTag, p.closeTag = open, close
	return p
}

// Tags returns the block delimiters.
func (p *Parser) Tags() (string, string) { return p.openTag, p.closeTag }

// Parse extracts at most one action block. With no block the response is a
// plain answer and Found is false. A malformed block yields a *ParseError;
// the returned Response still carries Text and Found.
func (p *Parser) Parse(text string) (*Response, error) {
	start := strings.Index(text, p.openTag)
	if start < 0 {
		return &Response{Text: strings.TrimSpace(text)}, nil
	}
	resp := &Response{Found: true}

	bodyStart := start + len(p.openTag)
	end := strings.Index(text[bodyStart:], p.closeTag)
	if end < 0 {
		resp.Text = strings.TrimSpace(text[:start])
		resp.Block = strings.TrimSpace(text[bodyStart:])
		return resp, &ParseError{Reason: "unterminated " + p.openTag + " block"}
	}
	end += bodyStart
	resp.Block = strings.TrimSpace(text[bodyStart:end])
	rest := text[end+len(p.closeTag):]
	resp.Text = strings.TrimSpace(text[:start] + rest)

	if strings.Contains(rest, p.openTag) {
		return resp, &ParseError{Reason: "more than one action block"}
	}

	calls, err := p.decode(resp.Block)
	if err != nil {
		return resp, err
	}
	actions, err := p.validate(calls)
	if err != nil {
		return resp, err
	}
	resp.Actions = actions
	return resp, nil
}

// decode reads the block as a JSON array of objects, retrying once through
// jsonrepair.
func (p *Parser) decode(block string) ([]map[string]interface{}, error) {
	body := stripFence(block)
	if body == "" {
		return nil, &ParseError{Reason: "empty action block"}
	}

	var calls []map[string]interface{}
	err := json.Unmarshal([]byte(body), &calls)
	if err == nil {
		return calls, nil
	}

	repaired, repairErr := jsonrepair.JSONRepair(body)
	if repairErr == nil {
		if err2 := json.Unmarshal([]byte(repaired), &calls); err2 == nil {
			p.logger.Debug("action block repaired", nil)
			return calls, nil
		}
	}
	return nil, &ParseError{Reason: "block is not a JSON list of objects: " + err.Error()}
}

func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	} else {
		s = ""
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
}

// kindTools names the directive tool implied by a kind marker when the
// entry omits tool_name.
var kindTools = map[action.Kind]string{
	action.KindScript:     tools.ExecuteScriptTool,
	action.KindSpawnAgent: tools.SpawnAgentTool,
	action.KindWaitAgents: tools.WaitAgentsTool,
}

func (p *Parser) validate(calls []map[string]interface{}) ([]action.Action, error) {
	seen := make(map[string]bool, len(calls))
	actions := make([]action.Action, 0, len(calls))

	for i, call := range calls {
		if call == nil {
			return nil, &ParseError{Reason: fmt.Sprintf("entry %d is not an object", i)}
		}
		id, ok := call["call_id"].(string)
		if !ok || strings.TrimSpace(id) == "" {
			return nil, &ParseError{Reason: fmt.Sprintf("entry %d: missing call_id", i)}
		}
		if seen[id] {
			return nil, &ParseError{CallID: id, Reason: "duplicate call_id"}
		}
		seen[id] = true

		var kind action.Kind
		if raw, present := call["kind"]; present {
			s, _ := raw.(string)
			k, valid := action.ParseKind(s)
			if !valid {
				return nil, &ParseError{CallID: id, Reason: fmt.Sprintf("unknown kind %v", raw)}
			}
			kind = k
		}

		name, _ := call["tool_name"].(string)
		if name == "" {
			name = kindTools[kind]
		}
		if name == "" {
			return nil, &ParseError{CallID: id, Reason: "missing tool_name"}
		}

		args := map[string]interface{}{}
		if raw, present := call["arguments"]; present && raw != nil {
			m, isMap := raw.(map[string]interface{})
			if !isMap {
				return nil, &ParseError{CallID: id, Reason: "arguments must be an object"}
			}
			args = m
		}

		if p.tools != nil {
			if d, known := p.tools.Lookup(name); known {
				bound := d.Binding.ActionKind()
				if kind != "" && kind != bound {
					return nil, &ParseError{CallID: id, Reason: fmt.Sprintf("kind %s does not match tool %s", kind, name)}
				}
				kind = bound
				for _, req := range d.RequiredParams() {
					if _, has := args[req]; !has {
						return nil, &ParseError{CallID: id, Reason: fmt.Sprintf("missing required argument %q for %s", req, name)}
					}
				}
			}
		}
		if kind == "" {
			kind = action.KindDirectTool
		}

		actions = append(actions, action.Action{CallID: id, Kind: kind, Name: name, Arguments: args})
	}
	return actions, nil
}
