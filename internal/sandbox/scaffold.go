package sandbox

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/vinayprograms/chatty/internal/tools"
)

// ToolsModuleName is the file the generated proxy library is written to.
const ToolsModuleName = "tools.py"

// ToolSpec is the part of a descriptor the proxy library needs.
type ToolSpec struct {
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Params      []tools.Param `json:"parameters"`
}

// SpecsFrom selects the descriptors a script may call: those with a direct
// binding. Directives are not reachable from scripts.
func SpecsFrom(descs []tools.Descriptor) []ToolSpec {
	var out []ToolSpec
	for _, d := range descs {
		switch d.Binding.Kind() {
		case tools.BindBuiltin, tools.BindExternal:
			out = append(out, ToolSpec{Name: d.Name, Description: d.Description, Params: d.Parameters})
		}
	}
	return out
}

const toolsPrelude = `# Generated proxy library. Every call is relayed to the host, which applies
# its tool registry and confirmation policy.
import asyncio
import json
import os
import urllib.error
import urllib.request

_GATEWAY_URL = os.environ.get("CHATTY_GATEWAY_URL", %s)
_TOKEN = os.environ.get("CHATTY_GATEWAY_TOKEN", %s)


class ToolError(Exception):
    def __init__(self, message, error_type=None):
        super().__init__(message)
        self.error_type = error_type

    def __str__(self):
        return f"ToolError (Type: {self.error_type or 'UNKNOWN'}): {super().__str__()}"


MCPToolError = ToolError


def _call_sync(tool_name, arguments):
    if not _GATEWAY_URL:
        raise ToolError("no tool gateway is available", error_type="AGENT_COMMUNICATION_ERROR")
    body = json.dumps({"tool_name": tool_name, "arguments": arguments}).encode("utf-8")
    req = urllib.request.Request(
        _GATEWAY_URL,
        data=body,
        method="POST",
        headers={"Content-Type": "application/json", "Authorization": "Bearer " + _TOKEN},
    )
    try:
        with urllib.request.urlopen(req, timeout=600) as resp:
            data = json.loads(resp.read().decode("utf-8"))
    except urllib.error.HTTPError as e:
        try:
            data = json.loads(e.read().decode("utf-8"))
        except Exception:
            raise ToolError(f"gateway returned HTTP {e.code}", error_type="AGENT_COMMUNICATION_ERROR")
        raise ToolError(data.get("message", "unknown error"), error_type=data.get("type"))
    except urllib.error.URLError as e:
        raise ToolError(f"communication error with gateway: {e}", error_type="AGENT_COMMUNICATION_ERROR")
    return data.get("result")


async def call_tool(tool_name, arguments=None):
    arguments = {k: v for k, v in (arguments or {}).items() if v is not None}
    return await asyncio.to_thread(_call_sync, tool_name, arguments)


class Tools:
`

var pythonKeywords = map[string]bool{
	"False": true, "None": true, "True": true, "and": true, "as": true, "assert": true,
	"async": true, "await": true, "break": true, "class": true, "continue": true, "def": true,
	"del": true, "elif": true, "else": true, "except": true, "finally": true, "for": true,
	"from": true, "global": true, "if": true, "import": true, "in": true, "is": true,
	"lambda": true, "nonlocal": true, "not": true, "or": true, "pass": true, "raise": true,
	"return": true, "try": true, "while": true, "with": true, "yield": true,
}

// pyIdent turns a tool or parameter name into a Python identifier.
func pyIdent(name string) string {
	var b strings.Builder
	for i, r := range name {
		switch {
		case r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z'):
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			if i == 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	id := b.String()
	if id == "" {
		id = "_"
	}
	if pythonKeywords[id] {
		id += "_"
	}
	return id
}

// GenerateToolsModule renders tools.py: a Tools class with one async static
// method per tool, each relaying to gatewayURL with token.
func GenerateToolsModule(specs []ToolSpec, gatewayURL, token string) string {
	var b strings.Builder
	fmt.Fprintf(&b, toolsPrelude, strconv.Quote(gatewayURL), strconv.Quote(token))

	if len(specs) == 0 {
		b.WriteString("    pass\n")
		return b.String()
	}

	used := make(map[string]bool)
	for _, spec := range specs {
		method := pyIdent(spec.Name)
		if used[method] {
			continue
		}
		used[method] = true

		var required, optional, pass []string
		for _, p := range spec.Params {
			id := pyIdent(p.Name)
			if p.Required {
				required = append(required, id)
			} else {
				optional = append(optional, id+"=None")
			}
			pass = append(pass, fmt.Sprintf("%s: %s", strconv.Quote(p.Name), id))
		}
		sig := strings.Join(append(required, optional...), ", ")

		doc := spec.Description
		if doc == "" {
			doc = "No description provided."
		}
		doc = strings.ReplaceAll(doc, `\`, `\\`)
		doc = strings.ReplaceAll(doc, `"""`, `\"\"\"`)

		fmt.Fprintf(&b, "    @staticmethod\n")
		fmt.Fprintf(&b, "    async def %s(%s):\n", method, sig)
		fmt.Fprintf(&b, "        \"\"\"%s\n\n        (Original name: %s)\"\"\"\n", doc, spec.Name)
		fmt.Fprintf(&b, "        return await call_tool(%s, {%s})\n\n", strconv.Quote(spec.Name), strings.Join(pass, ", "))
	}
	return b.String()
}
