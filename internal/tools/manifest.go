package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/vinayprograms/chatty/internal/action"
	"gopkg.in/yaml.v3"
)

const defaultCommandTimeout = 60 * time.Second

// Manifest is a YAML file declaring command-backed tools.
//
//	tools:
//	  - name: git_log
//	    description: Show recent commits
//	    risk: low
//	    command: ["git", "log", "-n", "{{count}}", "--oneline"]
//	    parameters:
//	      - {name: count, type: integer, required: true}
type Manifest struct {
	Tools []CommandTool `yaml:"tools"`

	path string
}

// CommandTool is one manifest entry. Arguments are substituted into
// "{{name}}" placeholders of Command and also written to stdin as JSON.
type CommandTool struct {
	Name        string          `yaml:"name"`
	Description string          `yaml:"description"`
	Risk        string          `yaml:"risk"`
	Command     []string        `yaml:"command"`
	Dir         string          `yaml:"dir"`
	Timeout     string          `yaml:"timeout"`
	Parameters  []ManifestParam `yaml:"parameters"`
}

// ManifestParam is the YAML form of Param.
type ManifestParam struct {
	Name        string `yaml:"name"`
	Type        string `yaml:"type"`
	Required    bool   `yaml:"required"`
	Description string `yaml:"description"`
}

// ManifestSource returns the registry source name for a manifest path.
// Paths are made absolute so every loader agrees on the name.
func ManifestSource(path string) Source {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return Source("manifest:" + path)
}

// LoadManifest reads and validates a manifest file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	m, err := ParseManifest(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	m.path = path
	return m, nil
}

// ParseManifest decodes and validates manifest YAML.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	seen := make(map[string]bool)
	for i, t := range m.Tools {
		if t.Name == "" {
			return nil, fmt.Errorf("tool %d: name is required", i)
		}
		if seen[t.Name] {
			return nil, fmt.Errorf("tool %s: declared twice", t.Name)
		}
		seen[t.Name] = true
		if len(t.Command) == 0 {
			return nil, fmt.Errorf("tool %s: command is required", t.Name)
		}
		if t.Timeout != "" {
			if _, err := time.ParseDuration(t.Timeout); err != nil {
				return nil, fmt.Errorf("tool %s: invalid timeout %q: %w", t.Name, t.Timeout, err)
			}
		}
	}
	return &m, nil
}

// Descriptors converts the manifest into registry descriptors.
func (m *Manifest) Descriptors() []Descriptor {
	base := "."
	if m.path != "" {
		base = filepath.Dir(m.path)
	}
	out := make([]Descriptor, 0, len(m.Tools))
	for _, t := range m.Tools {
		params := make([]Param, 0, len(t.Parameters))
		for _, p := range t.Parameters {
			typ := p.Type
			if typ == "" {
				typ = "string"
			}
			params = append(params, Param{Name: p.Name, Type: typ, Required: p.Required, Description: p.Description})
		}
		dir := t.Dir
		if dir == "" {
			dir = base
		} else if !filepath.IsAbs(dir) {
			dir = filepath.Join(base, dir)
		}
		timeout := defaultCommandTimeout
		if t.Timeout != "" {
			timeout, _ = time.ParseDuration(t.Timeout)
		}
		runner := commandRunner{argv: append([]string(nil), t.Command...), dir: dir, timeout: timeout}
		out = append(out, Descriptor{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  params,
			Risk:        ParseRisk(t.Risk),
			Binding:     BuiltinFunc(runner.run),
		})
	}
	return out
}

// LoadManifestInto loads path and reloads its source in reg. On error the
// previously loaded set stays in place.
func LoadManifestInto(reg *Registry, path string) (ReloadReport, error) {
	m, err := LoadManifest(path)
	if err != nil {
		return ReloadReport{Source: ManifestSource(path)}, err
	}
	return reg.Reload(ManifestSource(path), m.Descriptors()), nil
}

var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_]+)\s*\}\}`)

type commandRunner struct {
	argv    []string
	dir     string
	timeout time.Duration
}

func (c commandRunner) run(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	argv := make([]string, len(c.argv))
	for i, a := range c.argv {
		argv[i] = placeholder.ReplaceAllStringFunc(a, func(m string) string {
			name := placeholder.FindStringSubmatch(m)[1]
			v, ok := args[name]
			if !ok || v == nil {
				return ""
			}
			if s, ok := v.(string); ok {
				return s
			}
			data, _ := json.Marshal(v)
			return string(data)
		})
	}

	input, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encoding arguments: %w", err)
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = c.dir
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("command timed out after %s: %w", c.timeout, action.ErrTimeout)
		}
		return nil, fmt.Errorf("command failed: %v: %s", err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimRight(stdout.String(), "\n"), nil
}
