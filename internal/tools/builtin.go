package tools

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
)

// Directive tool names. The dispatcher routes these by binding, not by name.
const (
	ExecuteScriptTool = "execute_python_code"
	SpawnAgentTool    = "spawn_agent"
	WaitAgentsTool    = "wait_for_agents"
)

// maxReadBytes bounds read_file output.
const maxReadBytes = 1 << 20

// Builtins returns the compiled-in file and shell tools. Relative paths are
// resolved against workspace and every path must stay inside it.
func Builtins(workspace string) []Descriptor {
	ws := workspaceTools{root: absOrEmpty(workspace)}
	return []Descriptor{
		{
			Name:        "read_file",
			Description: "Read the entire content of a file.",
			Parameters:  []Param{{Name: "path", Type: "string", Required: true, Description: "File to read."}},
			Risk:        RiskLow,
			Binding:     BuiltinFunc(ws.readFile),
		},
		{
			Name:        "list_files",
			Description: "List files and directories at a path.",
			Parameters:  []Param{{Name: "path", Type: "string", Required: true, Description: "Directory to list."}},
			Risk:        RiskLow,
			Binding:     BuiltinFunc(ws.listFiles),
		},
		{
			Name:        "glob_files",
			Description: "Find files matching a glob pattern. '**' matches any number of directories.",
			Parameters:  []Param{{Name: "pattern", Type: "string", Required: true, Description: "Glob pattern relative to the workspace."}},
			Risk:        RiskLow,
			Binding:     BuiltinFunc(ws.globFiles),
		},
		{
			Name:        "search_file",
			Description: "Search for a string within a file. Returns matching lines prefixed with their line number.",
			Parameters: []Param{
				{Name: "path", Type: "string", Required: true},
				{Name: "query", Type: "string", Required: true},
			},
			Risk:    RiskLow,
			Binding: BuiltinFunc(ws.searchFile),
		},
		{
			Name:        "write_file",
			Description: "Write content to a file, creating parent directories.",
			Parameters: []Param{
				{Name: "path", Type: "string", Required: true},
				{Name: "content", Type: "string", Required: true},
			},
			Risk:    RiskHigh,
			Binding: BuiltinFunc(ws.writeFile),
		},
		{
			Name:        "edit_file",
			Description: "Replace every occurrence of search_text in a file with replace_text.",
			Parameters: []Param{
				{Name: "path", Type: "string", Required: true},
				{Name: "search_text", Type: "string", Required: true},
				{Name: "replace_text", Type: "string", Required: true},
			},
			Risk:    RiskHigh,
			Binding: BuiltinFunc(ws.editFile),
		},
		{
			Name:        "shell_command",
			Description: "Execute a shell command in the workspace. Returns stdout, or stderr when stdout is empty.",
			Parameters: []Param{
				{Name: "command", Type: "string", Required: true},
				{Name: "dry_run", Type: "boolean", Description: "Echo the command without running it."},
			},
			Risk:    RiskHigh,
			Binding: BuiltinFunc(ws.shellCommand),
		},
	}
}

// Directives returns the descriptors the kernel itself handles: sandboxed
// script execution and sub-agent orchestration.
func Directives() []Descriptor {
	return []Descriptor{
		{
			Name: ExecuteScriptTool,
			Description: "Execute a Python script in a sandbox with 'uv run'. Declare third-party packages in " +
				"'dependencies'. Inside the script, registry tools are available as async methods on the 'Tools' class. " +
				"Set 'interactive' when the script needs the user's terminal.",
			Parameters: []Param{
				{Name: "code", Type: "string", Required: true},
				{Name: "dependencies", Type: "array"},
				{Name: "interactive", Type: "boolean"},
			},
			Risk:    RiskHigh,
			Binding: SandboxEntry(),
		},
		{
			Name: SpawnAgentTool,
			Description: "Spawn an independent sub-agent to complete a task. Returns an agent_id handle immediately; " +
				"the handle is the call_id of this call.",
			Parameters: []Param{
				{Name: "role", Type: "string", Required: true, Description: "Role of the agent, e.g. 'Coder', 'Reviewer'."},
				{Name: "prompt", Type: "string", Required: true, Description: "Initial prompt for the agent."},
			},
			Risk:    RiskLow,
			Binding: SpawnEntry(),
		},
		{
			Name: WaitAgentsTool,
			Description: "Wait for sub-agents to finish and return their outputs. Must be the LAST call in a batch. " +
				"Reference agents by the call_id of their spawn_agent call, e.g. \"$p1\".",
			Parameters: []Param{
				{Name: "agent_ids", Type: "array", Required: true},
			},
			Risk:    RiskLow,
			Binding: WaitEntry(),
		},
	}
}

func absOrEmpty(p string) string {
	if p == "" {
		return ""
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return filepath.Clean(p)
	}
	return abs
}

type workspaceTools struct {
	root string
}

// resolve maps a tool path into the workspace, rejecting escapes.
func (w workspaceTools) resolve(p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", fmt.Errorf("path is required")
	}
	if !filepath.IsAbs(p) && w.root != "" {
		p = filepath.Join(w.root, p)
	}
	p = filepath.Clean(p)
	if w.root == "" {
		return p, nil
	}
	rel, err := filepath.Rel(w.root, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %s is outside the workspace", p)
	}
	return p, nil
}

func (w workspaceTools) dir() string {
	if w.root == "" {
		return "."
	}
	return w.root
}

func (w workspaceTools) readFile(_ context.Context, args map[string]interface{}) (interface{}, error) {
	path, err := stringArg(args, "path")
	if err != nil {
		return nil, err
	}
	path, err = w.resolve(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	data, err := readLimited(f, maxReadBytes)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("file exceeds %d bytes", limit)
	}
	return data, nil
}

func (w workspaceTools) listFiles(_ context.Context, args map[string]interface{}) (interface{}, error) {
	path, err := stringArg(args, "path")
	if err != nil {
		return nil, err
	}
	path, err = w.resolve(path)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	return names, nil
}

func (w workspaceTools) globFiles(_ context.Context, args map[string]interface{}) (interface{}, error) {
	pattern, err := stringArg(args, "pattern")
	if err != nil {
		return nil, err
	}
	if filepath.IsAbs(pattern) {
		if _, err := w.resolve(pattern); err != nil {
			return nil, err
		}
		if w.root != "" {
			pattern, _ = filepath.Rel(w.root, pattern)
		}
	}
	pattern = filepath.ToSlash(pattern)
	base := w.dir()

	matches := []string{}
	err = filepath.WalkDir(base, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return nil
		}
		rel, err := filepath.Rel(base, path)
		if err != nil || rel == "." {
			return nil
		}
		if d.IsDir() && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		if matchGlob(pattern, filepath.ToSlash(rel)) {
			matches = append(matches, filepath.ToSlash(rel))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

// matchGlob matches slash-separated paths, with '**' spanning directories.
func matchGlob(pattern, name string) bool {
	return matchSegments(strings.Split(pattern, "/"), strings.Split(name, "/"))
}

func matchSegments(pat, name []string) bool {
	for len(pat) > 0 {
		if pat[0] == "**" {
			for i := 0; i <= len(name); i++ {
				if matchSegments(pat[1:], name[i:]) {
					return true
				}
			}
			return false
		}
		if len(name) == 0 {
			return false
		}
		ok, err := filepath.Match(pat[0], name[0])
		if err != nil || !ok {
			return false
		}
		pat, name = pat[1:], name[1:]
	}
	return len(name) == 0
}

func (w workspaceTools) searchFile(_ context.Context, args map[string]interface{}) (interface{}, error) {
	path, err := stringArg(args, "path")
	if err != nil {
		return nil, err
	}
	query, err := stringArg(args, "query")
	if err != nil {
		return nil, err
	}
	path, err = w.resolve(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	results := []string{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxReadBytes)
	for line := 1; scanner.Scan(); line++ {
		if strings.Contains(scanner.Text(), query) {
			results = append(results, fmt.Sprintf("%d: %s", line, strings.TrimSpace(scanner.Text())))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func (w workspaceTools) writeFile(_ context.Context, args map[string]interface{}) (interface{}, error) {
	path, err := stringArg(args, "path")
	if err != nil {
		return nil, err
	}
	content, err := stringArg(args, "content")
	if err != nil {
		return nil, err
	}
	path, err = w.resolve(path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return nil, err
	}
	return fmt.Sprintf("File written to %s", path), nil
}

func (w workspaceTools) editFile(_ context.Context, args map[string]interface{}) (interface{}, error) {
	path, err := stringArg(args, "path")
	if err != nil {
		return nil, err
	}
	search, err := stringArg(args, "search_text")
	if err != nil {
		return nil, err
	}
	replace, err := stringArg(args, "replace_text")
	if err != nil {
		return nil, err
	}
	path, err = w.resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if search == "" || !strings.Contains(string(data), search) {
		return nil, fmt.Errorf("search text not found in file")
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	updated := strings.ReplaceAll(string(data), search, replace)
	if err := os.WriteFile(path, []byte(updated), info.Mode().Perm()); err != nil {
		return nil, err
	}
	return fmt.Sprintf("File %s edited successfully.", path), nil
}

func (w workspaceTools) shellCommand(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	command, err := stringArg(args, "command")
	if err != nil {
		return nil, err
	}
	if boolArg(args, "dry_run") {
		return "Dry run: " + command, nil
	}
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = w.dir()
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = strings.TrimSpace(stdout.String())
		}
		return nil, fmt.Errorf("command failed: %v: %s", err, msg)
	}
	if stdout.Len() > 0 {
		return stdout.String(), nil
	}
	return stderr.String(), nil
}

func stringArg(args map[string]interface{}, name string) (string, error) {
	v, ok := args[name]
	if !ok || v == nil {
		return "", fmt.Errorf("missing argument %q", name)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("argument %q must be a string, got %T", name, v)
	}
	return s, nil
}

func boolArg(args map[string]interface{}, name string) bool {
	switch v := args[name].(type) {
	case bool:
		return v
	case string:
		return v == "true"
	}
	return false
}
