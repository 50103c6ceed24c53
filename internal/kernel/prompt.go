package kernel

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vinayprograms/chatty/internal/tools"
)

// basePrompt is the fixed part of every system prompt. %[1]s and %[2]s are
// the block delimiters.
const basePrompt = `You are an autonomous assistant that completes tasks by calling tools.

## Calling tools
To act, end your reply with exactly one action block:

%[1]s
[
  {"call_id": "c1", "tool_name": "read_file", "arguments": {"path": "notes.txt"}},
  {"call_id": "c2", "tool_name": "write_file", "arguments": {"path": "copy.txt", "content": "$c1"}}
]
%[2]s

Rules:
- The block is a JSON list. Every entry needs a call_id that is unique within the block, a tool_name and an arguments object.
- All entries in a block run concurrently. Results come back in the next message, in the same order, under TOOL_EXECUTION_RESULT.
- An argument whose whole value is "$<call_id>" is replaced by the output of an earlier entry in the same block. Only refer backwards.
- A result with status "denied" means the user declined the action. Do not retry it; explain or choose another approach.
- A result with status "error" describes what went wrong. You may correct the call and try again.
- When you need no more tools, reply with plain text and no action block. That text is your final answer.

## Scripts
Use execute_python_code for work that needs loops, data processing or many tool calls. Pass the script in "code" and any packages in "dependencies". Inside the script every tool is available as an async method of the Tools class:

    from tools import Tools, ToolError
    tools = Tools()
    text = await tools.read_file(path="notes.txt")

Print what you want to see; stdout is returned as the result.

## Sub-agents
Use spawn_agent with "role" and "prompt" to delegate an independent task. It returns immediately and the call_id becomes the agent's id. Use wait_for_agents with "agent_ids" to collect their answers, either in the same block or a later one. Place it last in a block. A "$<call_id>" reference to a spawn waits for that agent's answer.
`

// systemPrompt renders the prompt for one step from the registry's current
// contents, so tools loaded mid-turn are visible on the next step.
func systemPrompt(catalog []tools.Descriptor, openTag, closeTag string, c *Conversation) string {
	var b strings.Builder
	fmt.Fprintf(&b, basePrompt, openTag, closeTag)

	if c.role != "" {
		fmt.Fprintf(&b, "\n## Your role\nYou are sub-agent %q acting as %s, at nesting depth %d. Your final answer is returned to the agent that spawned you.\n", c.id, c.role, c.depth)
	}
	if sup := c.Agents(); !sup.CanSpawn() {
		fmt.Fprintf(&b, "\nYou are at the maximum nesting depth (%d) and cannot spawn further agents.\n", sup.MaxDepth())
	}
	if c.kernel.instructions != "" {
		b.WriteString("\n## Instructions\n")
		b.WriteString(strings.TrimSpace(c.kernel.instructions))
		b.WriteString("\n")
	}

	b.WriteString("\n## Available tools\n")
	data, err := json.MarshalIndent(catalog, "", "  ")
	if err != nil {
		for _, d := range catalog {
			fmt.Fprintf(&b, "- %s (risk: %s): %s\n", d.Name, d.Risk, d.Description)
		}
		return b.String()
	}
	b.WriteString("```json\n")
	b.Write(data)
	b.WriteString("\n```\n")
	return b.String()
}
