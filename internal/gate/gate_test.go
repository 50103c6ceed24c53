package gate

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vinayprograms/chatty/internal/action"
	"github.com/vinayprograms/chatty/internal/tools"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testRegistry() *tools.Registry {
	reg := tools.New()
	reg.Reload(tools.SourceBuiltin, []tools.Descriptor{
		{Name: "read_file", Risk: tools.RiskLow},
		{Name: "write_file", Risk: tools.RiskHigh},
		{Name: tools.ExecuteScriptTool, Risk: tools.RiskHigh},
	})
	return reg
}

type countingConfirmer struct {
	calls  int32
	answer bool
	err    error
	last   atomic.Value
}

func (c *countingConfirmer) Confirm(_ context.Context, name, summary string) (bool, error) {
	atomic.AddInt32(&c.calls, 1)
	c.last.Store(name + "|" + summary)
	return c.answer, c.err
}

func TestClassify(t *testing.T) {
	g := New(testRegistry(), nil)
	if r := g.Classify(action.Action{Name: "read_file"}); r != tools.RiskLow {
		t.Errorf("read_file: got %s", r)
	}
	if r := g.Classify(action.Action{Name: "write_file"}); r != tools.RiskHigh {
		t.Errorf("write_file: got %s", r)
	}
	if r := g.Classify(action.Action{Name: "mystery"}); r != tools.RiskHigh {
		t.Errorf("unknown tools must fail closed, got %s", r)
	}
}

func TestCheck_LowRiskSkipsConfirmer(t *testing.T) {
	c := &countingConfirmer{answer: false}
	g := New(testRegistry(), c)
	d := g.Check(context.Background(), action.Action{CallID: "a", Name: "read_file"})
	if !d.Allowed {
		t.Error("low-risk action should pass")
	}
	if c.calls != 0 {
		t.Errorf("confirmer should not be called, got %d calls", c.calls)
	}
}

func TestCheck_HighRiskApprovedAndDenied(t *testing.T) {
	c := &countingConfirmer{answer: true}
	g := New(testRegistry(), c)
	a := action.Action{CallID: "w", Name: "write_file", Arguments: map[string]interface{}{"path": "x"}}

	if d := g.Check(context.Background(), a); !d.Allowed || d.Risk != tools.RiskHigh {
		t.Errorf("expected approval, got %+v", d)
	}
	if got := c.last.Load().(string); !strings.HasPrefix(got, "write_file|") || !strings.Contains(got, `"path": "x"`) {
		t.Errorf("confirmer should see name and arguments, got %q", got)
	}

	c.answer = false
	d := g.Check(context.Background(), a)
	if d.Allowed {
		t.Fatal("expected denial")
	}
	if !errors.Is(d.Err(), action.ErrDenied) {
		t.Errorf("denial error should wrap ErrDenied: %v", d.Err())
	}
	if len(g.Pending()) != 0 {
		t.Error("pending confirmations must be removed on resolution")
	}
}

func TestCheck_ConfirmerErrorFailsClosed(t *testing.T) {
	g := New(testRegistry(), &countingConfirmer{answer: true, err: errors.New("tty gone")})
	d := g.Check(context.Background(), action.Action{CallID: "w", Name: "write_file"})
	if d.Allowed {
		t.Error("confirmer error must deny")
	}
	if !strings.Contains(d.Reason, "tty gone") {
		t.Errorf("reason should carry the error, got %q", d.Reason)
	}
}

func TestCheck_NilConfirmerDenies(t *testing.T) {
	g := New(testRegistry(), nil)
	if d := g.Check(context.Background(), action.Action{Name: "write_file"}); d.Allowed {
		t.Error("nil confirmer should deny high-risk actions")
	}
}

func TestCheck_CancelWhilePending(t *testing.T) {
	entered := make(chan struct{})
	blocking := ConfirmFunc(func(ctx context.Context, name, summary string) (bool, error) {
		close(entered)
		<-ctx.Done()
		return true, nil
	})
	g := New(testRegistry(), blocking)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Decision, 1)
	go func() { done <- g.Check(ctx, action.Action{CallID: "w", Name: "write_file"}) }()

	<-entered
	if p := g.Pending(); len(p) != 1 || p[0].Action.CallID != "w" {
		t.Fatalf("expected one pending confirmation, got %+v", p)
	}
	cancel()

	select {
	case d := <-done:
		if d.Allowed {
			t.Error("cancelled confirmation must deny")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("check did not return after cancellation")
	}
}

// One pending confirmation must not hold up other actions.
func TestCheck_PendingDoesNotBlockSiblings(t *testing.T) {
	release := make(chan struct{})
	slow := ConfirmFunc(func(ctx context.Context, name, summary string) (bool, error) {
		<-release
		return true, nil
	})
	g := New(testRegistry(), slow)

	highDone := make(chan Decision, 1)
	go func() { highDone <- g.Check(context.Background(), action.Action{CallID: "w", Name: "write_file"}) }()

	lowDone := make(chan Decision, 1)
	go func() { lowDone <- g.Check(context.Background(), action.Action{CallID: "r", Name: "read_file"}) }()

	select {
	case d := <-lowDone:
		if !d.Allowed {
			t.Error("low-risk sibling should pass")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("low-risk action blocked by pending confirmation")
	}

	close(release)
	if d := <-highDone; !d.Allowed {
		t.Error("high-risk action should be approved once released")
	}
}

func TestSummarize_ScriptShowsCode(t *testing.T) {
	s := Summarize(action.Action{Name: tools.ExecuteScriptTool, Arguments: map[string]interface{}{"code": "print('hi')"}})
	if s != "print('hi')" {
		t.Errorf("got %q", s)
	}
}

func TestPolicy(t *testing.T) {
	p := Policy{Allow: []string{"write_file", "shell_command"}, Deny: []string{"shell_command"}}
	ctx := context.Background()

	if ok, _ := p.Confirm(ctx, "write_file", ""); !ok {
		t.Error("allow list should approve")
	}
	if ok, _ := p.Confirm(ctx, "shell_command", ""); ok {
		t.Error("deny should win over allow")
	}
	if ok, _ := p.Confirm(ctx, "other", ""); ok {
		t.Error("nil fallback should decline")
	}

	p.Fallback = AutoApprove{}
	if ok, _ := p.Confirm(ctx, "other", ""); !ok {
		t.Error("fallback should be consulted")
	}
}
