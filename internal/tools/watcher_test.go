package tools

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

type reloadEvent struct {
	path   string
	report ReloadReport
	err    error
}

func startWatcher(t *testing.T, reg *Registry, path string) <-chan reloadEvent {
	t.Helper()
	w, err := NewWatcher(reg, []string{path})
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	w.SetDebounce(20 * time.Millisecond)
	events := make(chan reloadEvent, 8)
	w.OnReload = func(path string, report ReloadReport, err error) {
		events <- reloadEvent{path, report, err}
	}
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(w.Stop)
	return events
}

func waitReload(t *testing.T, events <-chan reloadEvent) reloadEvent {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
	return reloadEvent{}
}

func TestWatcher_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := writeManifest(t, dir, sampleManifest)
	reg := New()
	if _, err := LoadManifestInto(reg, path); err != nil {
		t.Fatalf("initial load: %v", err)
	}
	events := startWatcher(t, reg, path)

	writeManifest(t, dir, `
tools:
  - name: farewell
    command: ["echo", "bye"]
`)
	for {
		ev := waitReload(t, events)
		if ev.err != nil {
			continue
		}
		if _, ok := reg.Lookup("farewell"); ok {
			break
		}
	}
	if _, ok := reg.Lookup("greet"); ok {
		t.Error("removed tool still visible after reload")
	}
}

func TestWatcher_InvalidManifestKeepsPrevious(t *testing.T) {
	dir := t.TempDir()
	path := writeManifest(t, dir, sampleManifest)
	reg := New()
	if _, err := LoadManifestInto(reg, path); err != nil {
		t.Fatalf("initial load: %v", err)
	}
	gen := reg.Generation()
	events := startWatcher(t, reg, path)

	writeManifest(t, dir, "tools: [not: valid: yaml")
	ev := waitReload(t, events)
	if ev.err == nil {
		t.Fatal("expected reload error for invalid manifest")
	}
	if _, ok := reg.Lookup("greet"); !ok {
		t.Error("previous tools lost after failed reload")
	}
	if reg.Generation() != gen {
		t.Errorf("generation moved from %d to %d on failed reload", gen, reg.Generation())
	}
}

func TestWatcher_RemovedFileDropsSource(t *testing.T) {
	dir := t.TempDir()
	path := writeManifest(t, dir, sampleManifest)
	reg := New()
	if _, err := LoadManifestInto(reg, path); err != nil {
		t.Fatalf("initial load: %v", err)
	}
	events := startWatcher(t, reg, path)

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	ev := waitReload(t, events)
	if ev.err != nil {
		t.Fatalf("unexpected error: %v", ev.err)
	}
	if _, ok := reg.Lookup("greet"); ok {
		t.Error("tools from a deleted manifest are still registered")
	}
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := writeManifest(t, dir, sampleManifest)
	reg := New()
	events := startWatcher(t, reg, path)

	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	select {
	case ev := <-events:
		t.Errorf("unexpected reload for %s", ev.path)
	case <-time.After(300 * time.Millisecond):
	}
}
