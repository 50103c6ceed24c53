package tools

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/vinayprograms/chatty/internal/action"
)

const sampleManifest = `
tools:
  - name: greet
    description: Say hello
    risk: low
    command: ["echo", "hello {{who}}"]
    parameters:
      - name: who
        required: true
  - name: stdin_echo
    command: ["cat"]
`

func writeManifest(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "tools.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	return path
}

func TestParseManifest(t *testing.T) {
	m, err := ParseManifest([]byte(sampleManifest))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	descs := m.Descriptors()
	if len(descs) != 2 {
		t.Fatalf("expected 2 descriptors, got %d", len(descs))
	}
	if descs[0].Risk != RiskLow {
		t.Errorf("greet should be low risk")
	}
	if descs[1].Risk != RiskHigh {
		t.Errorf("tools without risk default to high")
	}
	if descs[0].Parameters[0].Type != "string" || !descs[0].Parameters[0].Required {
		t.Errorf("unexpected param %+v", descs[0].Parameters[0])
	}
}

func TestParseManifest_Invalid(t *testing.T) {
	cases := map[string]string{
		"no name":      "tools:\n  - command: [ls]\n",
		"no command":   "tools:\n  - name: x\n",
		"duplicate":    "tools:\n  - {name: x, command: [ls]}\n  - {name: x, command: [ls]}\n",
		"bad timeout":  "tools:\n  - {name: x, command: [ls], timeout: soon}\n",
		"not yaml map": "tools: [[[",
	}
	for name, body := range cases {
		if _, err := ParseManifest([]byte(body)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestCommandTool_Run(t *testing.T) {
	m, err := ParseManifest([]byte(sampleManifest))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	descs := m.Descriptors()

	out, err := descs[0].Binding.Invoke(context.Background(), "greet", map[string]interface{}{"who": "gopher"})
	if err != nil {
		t.Fatalf("greet: %v", err)
	}
	if out != "hello gopher" {
		t.Errorf("got %q", out)
	}

	out, err = descs[1].Binding.Invoke(context.Background(), "stdin_echo", map[string]interface{}{"n": 1})
	if err != nil {
		t.Fatalf("stdin_echo: %v", err)
	}
	if out != `{"n":1}` {
		t.Errorf("arguments should arrive on stdin as JSON, got %q", out)
	}
}

func TestCommandTool_Timeout(t *testing.T) {
	m, err := ParseManifest([]byte("tools:\n  - {name: slow, command: [sleep, '5'], timeout: 50ms}\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	_, err = m.Descriptors()[0].Binding.Invoke(context.Background(), "slow", nil)
	if !errors.Is(err, action.ErrTimeout) {
		t.Errorf("expected timeout, got %v", err)
	}
}

func TestLoadManifestInto_KeepsPreviousOnError(t *testing.T) {
	dir := t.TempDir()
	path := writeManifest(t, dir, sampleManifest)
	reg := New()

	report, err := LoadManifestInto(reg, path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(report.Loaded) != 2 {
		t.Fatalf("expected 2 loaded, got %v", report.Loaded)
	}

	writeManifest(t, dir, "tools: [[[")
	if _, err := LoadManifestInto(reg, path); err == nil {
		t.Fatal("expected parse error")
	}
	if _, ok := reg.Lookup("greet"); !ok {
		t.Error("previous tools should survive a bad reload")
	}
}
