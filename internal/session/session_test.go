package session

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/vinayprograms/chatty/internal/action"
)

func TestSession_Create(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("create store error: %v", err)
	}
	mgr := NewManager(store)

	sess, err := mgr.Create("gpt-4o", "/work")
	if err != nil {
		t.Fatalf("create error: %v", err)
	}
	if sess.ID == "" {
		t.Error("session ID should not be empty")
	}
	if sess.Status != StatusRunning {
		t.Errorf("expected status running, got %s", sess.Status)
	}
	if _, err := os.Stat(store.Path(sess.ID)); err != nil {
		t.Errorf("session file not written: %v", err)
	}
}

func TestSession_UniqueIDs(t *testing.T) {
	ids := make(map[string]bool)
	for i := 0; i < 100; i++ {
		sess := New("m", "")
		if ids[sess.ID] {
			t.Errorf("duplicate session ID: %s", sess.ID)
		}
		ids[sess.ID] = true
	}
}

func TestSession_TurnLifecycle(t *testing.T) {
	sess := New("m", "")
	seq := sess.BeginTurn("", "list files")
	if seq != 1 {
		t.Fatalf("first turn seq = %d, want 1", seq)
	}

	b := Batch{
		Step:    1,
		Actions: []action.Action{{CallID: "c1", Kind: action.KindDirectTool, Name: "ls"}},
		Results: []action.Result{action.OK("c1", "a.txt")},
	}
	if err := sess.AddBatch(seq, b); err != nil {
		t.Fatalf("AddBatch: %v", err)
	}
	if err := sess.CloseTurn(seq, "one file", nil); err != nil {
		t.Fatalf("CloseTurn: %v", err)
	}

	if err := sess.AddBatch(seq, b); !errors.Is(err, ErrTurnClosed) {
		t.Errorf("AddBatch after close = %v, want ErrTurnClosed", err)
	}
	if err := sess.CloseTurn(seq, "again", nil); !errors.Is(err, ErrTurnClosed) {
		t.Errorf("second CloseTurn = %v, want ErrTurnClosed", err)
	}
	if err := sess.AddBatch(7, b); !errors.Is(err, ErrNoTurn) {
		t.Errorf("AddBatch unknown turn = %v, want ErrNoTurn", err)
	}

	turn := sess.Turns[0]
	if !turn.Closed || turn.Answer != "one file" || len(turn.Batches) != 1 {
		t.Errorf("unexpected turn: %+v", turn)
	}
	if turn.Batches[0].Timestamp.IsZero() {
		t.Error("batch timestamp should be set")
	}

	if next := sess.BeginTurn("", "next"); next != 2 {
		t.Errorf("second turn seq = %d, want 2", next)
	}
}

func TestSession_CloseTurnWithError(t *testing.T) {
	sess := New("m", "")
	seq := sess.BeginTurn("", "x")
	if err := sess.CloseTurn(seq, "", errors.New("step limit")); err != nil {
		t.Fatal(err)
	}
	if sess.Turns[0].Error != "step limit" {
		t.Errorf("error = %q", sess.Turns[0].Error)
	}
}

func TestSession_SnapshotIsolated(t *testing.T) {
	sess := New("m", "")
	seq := sess.BeginTurn("", "x")
	snap := sess.Snapshot()
	if err := sess.AddBatch(seq, Batch{Step: 1}); err != nil {
		t.Fatal(err)
	}
	if len(snap.Turns[0].Batches) != 0 {
		t.Error("snapshot changed after AddBatch")
	}
}

func TestFileStore_RoundTrip(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	mgr := NewManager(store)
	sess, err := mgr.Create("claude", "/w")
	if err != nil {
		t.Fatal(err)
	}

	seq := sess.BeginTurn("", "hello")
	if err := sess.AddBatch(seq, Batch{
		Step:     1,
		Response: `<tool>[{"call_id":"a","tool_name":"ls","arguments":{}}]</tool>`,
		Actions:  []action.Action{{CallID: "a", Kind: action.KindDirectTool, Name: "ls", Arguments: map[string]interface{}{}}},
		Results:  []action.Result{action.Denied("a", "")},
	}); err != nil {
		t.Fatal(err)
	}
	if err := sess.CloseTurn(seq, "done", nil); err != nil {
		t.Fatal(err)
	}
	sess.Finish(nil)
	if err := mgr.Update(sess); err != nil {
		t.Fatalf("update: %v", err)
	}

	loaded, err := mgr.Get(sess.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	opts := cmp.Options{
		cmpopts.IgnoreUnexported(Session{}),
		cmpopts.EquateApproxTime(0),
	}
	if diff := cmp.Diff(sess.Snapshot(), loaded, opts); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestFileStore_JSONLShape(t *testing.T) {
	sess := New("m", "")
	sess.BeginTurn("", "one")
	sess.BeginTurn("", "two")

	var buf bytes.Buffer
	if err := Encode(&buf, sess); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("got %d lines, want header + 2 turns + footer", len(lines))
	}
	if !strings.Contains(lines[0], `"_type":"header"`) {
		t.Errorf("first line is not a header: %s", lines[0])
	}
	if !strings.Contains(lines[3], `"_type":"footer"`) {
		t.Errorf("last line is not a footer: %s", lines[3])
	}
}

func TestFileStore_List(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	a, b := New("m", ""), New("m", "")
	for _, s := range []*Session{a, b} {
		if err := store.Save(s); err != nil {
			t.Fatal(err)
		}
	}
	os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644)

	ids, err := store.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 {
		t.Errorf("List = %v, want two sessions", ids)
	}
}

func TestLoadFile_Errors(t *testing.T) {
	dir := t.TempDir()
	if _, err := LoadFile(filepath.Join(dir, "missing.jsonl")); err == nil {
		t.Error("expected error for missing file")
	}

	bad := filepath.Join(dir, "bad.jsonl")
	os.WriteFile(bad, []byte("{not json\n"), 0644)
	if _, err := LoadFile(bad); err == nil {
		t.Error("expected error for malformed line")
	}

	headless := filepath.Join(dir, "headless.jsonl")
	os.WriteFile(headless, []byte(`{"_type":"footer","status":"complete"}`+"\n"), 0644)
	if _, err := LoadFile(headless); err == nil {
		t.Error("expected error for file without header")
	}
}
