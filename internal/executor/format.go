package executor

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vinayprograms/chatty/internal/action"
)

// ResultHeader prefixes the result block fed back to the model.
const ResultHeader = "TOOL_EXECUTION_RESULT:"

type wireResult struct {
	CallID string      `json:"call_id"`
	Result wireOutcome `json:"result"`
}

type wireOutcome struct {
	Status string      `json:"status"`
	Output interface{} `json:"output,omitempty"`
	Error  interface{} `json:"error,omitempty"`
}

// FormatResults renders results as the block appended to the conversation
// for the next model turn.
func FormatResults(results []action.Result) string {
	wire := make([]wireResult, len(results))
	for i, r := range results {
		w := wireResult{CallID: r.CallID, Result: wireOutcome{Status: wireStatus(r.Status)}}
		if r.Status == action.StatusOK {
			w.Result.Output = r.Payload
		} else {
			w.Result.Error = r.Payload
		}
		wire[i] = w
	}
	data, err := json.MarshalIndent(wire, "", "  ")
	if err != nil {
		// Payloads are produced by tools; fall back to their text forms.
		var b strings.Builder
		for _, r := range results {
			fmt.Fprintf(&b, "- %s [%s]: %s\n", r.CallID, wireStatus(r.Status), r.Text())
		}
		return ResultHeader + "\n" + b.String()
	}
	return ResultHeader + "\n```json\n" + string(data) + "\n```"
}

func wireStatus(s action.Status) string {
	if s == action.StatusOK {
		return "success"
	}
	return string(s)
}
