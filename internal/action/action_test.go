package action

import (
	"errors"
	"fmt"
	"testing"
)

func TestAction_ArgsIsDeepCopy(t *testing.T) {
	a := Action{
		CallID: "a",
		Name:   "read_file",
		Arguments: map[string]interface{}{
			"path":   "x.txt",
			"nested": map[string]interface{}{"k": "v"},
			"list":   []interface{}{"one"},
		},
	}

	args := a.Args()
	args["path"] = "changed"
	args["nested"].(map[string]interface{})["k"] = "changed"
	args["list"].([]interface{})[0] = "changed"

	if a.Arguments["path"] != "x.txt" {
		t.Error("top-level argument mutated through copy")
	}
	if a.Arguments["nested"].(map[string]interface{})["k"] != "v" {
		t.Error("nested map mutated through copy")
	}
	if a.Arguments["list"].([]interface{})[0] != "one" {
		t.Error("nested list mutated through copy")
	}
}

func TestAction_ArgsNil(t *testing.T) {
	if got := (Action{}).Args(); got == nil || len(got) != 0 {
		t.Errorf("expected empty map, got %#v", got)
	}
}

func TestParseKind(t *testing.T) {
	if k, ok := ParseKind("spawn-agent"); !ok || k != KindSpawnAgent {
		t.Errorf("expected spawn-agent, got %q %v", k, ok)
	}
	if _, ok := ParseKind("teleport"); ok {
		t.Error("unknown marker should not parse")
	}
}

func TestResult_Constructors(t *testing.T) {
	r := Fail("x", fmt.Errorf("boom: %w", ErrExecutionFault))
	if r.Status != StatusError || !r.IsError {
		t.Errorf("unexpected fail result: %+v", r)
	}

	d := Denied("y", "")
	if d.Status != StatusDenied || d.IsError {
		t.Errorf("denied must not be flagged as error: %+v", d)
	}
	if d.Text() == "" {
		t.Error("denied result should carry a default reason")
	}
}

func TestResult_Text(t *testing.T) {
	if got := OK("a", "plain").Text(); got != "plain" {
		t.Errorf("got %q", got)
	}
	if got := OK("a", map[string]int{"n": 1}).Text(); got != `{"n":1}` {
		t.Errorf("got %q", got)
	}
	if got := OK("a", nil).Text(); got != "" {
		t.Errorf("got %q", got)
	}
}

func TestClassifyAndFromError(t *testing.T) {
	err := fmt.Errorf("tool %q: %w", "nope", ErrUnknownTool)
	if Classify(err) != ErrUnknownTool {
		t.Errorf("expected ErrUnknownTool, got %v", Classify(err))
	}
	if Classify(errors.New("plain")) != ErrExecutionFault {
		t.Error("unrecognised errors classify as execution faults")
	}

	if r := FromError("d", fmt.Errorf("user said no: %w", ErrDenied)); r.Status != StatusDenied {
		t.Errorf("expected denied, got %s", r.Status)
	}
	if r := FromError("e", err); r.Status != StatusError {
		t.Errorf("expected error, got %s", r.Status)
	}
}
