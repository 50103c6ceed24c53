package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/vinayprograms/chatty/internal/action"
	"github.com/vinayprograms/chatty/internal/gate"
	"github.com/vinayprograms/chatty/internal/sandbox"
	"github.com/vinayprograms/chatty/internal/supervision"
	"github.com/vinayprograms/chatty/internal/tools"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fixture is a dispatcher over a small registry with call counters.
type fixture struct {
	reg       *tools.Registry
	calls     sync.Map // tool name -> *int32
	confirmed []string
	mu        sync.Mutex
}

func (f *fixture) count(name string) int32 {
	v, ok := f.calls.Load(name)
	if !ok {
		return 0
	}
	return atomic.LoadInt32(v.(*int32))
}

func (f *fixture) tool(name string, risk tools.Risk, fn tools.Func) tools.Descriptor {
	counter := new(int32)
	f.calls.Store(name, counter)
	return tools.Descriptor{
		Name:       name,
		Risk:       risk,
		Parameters: []tools.Param{{Name: "path", Type: "string"}},
		Binding: tools.BuiltinFunc(func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			atomic.AddInt32(counter, 1)
			return fn(ctx, args)
		}),
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{reg: tools.New()}
	descs := []tools.Descriptor{
		f.tool("read_file", tools.RiskLow, func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return "contents of " + fmt.Sprint(args["path"]), nil
		}),
		f.tool("write_file", tools.RiskHigh, func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return "written", nil
		}),
		f.tool("sleep", tools.RiskLow, func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			ms, _ := args["ms"].(float64)
			time.Sleep(time.Duration(ms) * time.Millisecond)
			return ms, nil
		}),
		f.tool("echo", tools.RiskLow, func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return args["value"], nil
		}),
		f.tool("boom", tools.RiskLow, func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			panic("handler exploded")
		}),
		f.tool("fails", tools.RiskLow, func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return nil, errors.New("disk on fire")
		}),
	}
	f.reg.Reload(tools.SourceBuiltin, append(descs, tools.Directives()...))
	return f
}

// denyWrites approves everything except write_file and records what it saw.
func (f *fixture) denyWrites() gate.Confirmer {
	return gate.ConfirmFunc(func(ctx context.Context, name, summary string) (bool, error) {
		f.mu.Lock()
		f.confirmed = append(f.confirmed, name)
		f.mu.Unlock()
		return name != "write_file", nil
	})
}

func (f *fixture) dispatcher(c gate.Confirmer) *Dispatcher {
	return New(Config{Registry: f.reg, Gate: gate.New(f.reg, c)})
}

func act(id, name string, args map[string]interface{}) action.Action {
	return action.Action{CallID: id, Name: name, Arguments: args}
}

func ids(results []action.Result) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.CallID
	}
	return out
}

func TestRun_OneResultPerActionInSubmissionOrder(t *testing.T) {
	f := newFixture(t)
	d := f.dispatcher(gate.AutoApprove{})

	actions := []action.Action{
		act("s1", "sleep", map[string]interface{}{"ms": float64(40)}),
		act("s2", "sleep", map[string]interface{}{"ms": float64(0)}),
		act("s3", "sleep", map[string]interface{}{"ms": float64(20)}),
		act("u1", "no_such_tool", nil),
		act("s4", "sleep", map[string]interface{}{"ms": float64(5)}),
	}
	results := d.Run(context.Background(), actions)

	if diff := cmp.Diff([]string{"s1", "s2", "s3", "u1", "s4"}, ids(results)); diff != "" {
		t.Fatalf("result order (-want +got):\n%s", diff)
	}
	if results[0].Payload != float64(40) || results[2].Payload != float64(20) {
		t.Errorf("results not in their slots: %+v", results)
	}
	if results[3].Status != action.StatusError || !strings.Contains(results[3].Text(), "not registered") {
		t.Errorf("unknown tool result = %+v", results[3])
	}
}

func TestRun_Empty(t *testing.T) {
	f := newFixture(t)
	if got := f.dispatcher(nil).Run(context.Background(), nil); len(got) != 0 {
		t.Errorf("expected no results, got %+v", got)
	}
}

func TestRun_DenialSkipsHandler(t *testing.T) {
	f := newFixture(t)
	d := f.dispatcher(f.denyWrites())

	results := d.Run(context.Background(), []action.Action{
		act("r1", "read_file", map[string]interface{}{"path": "a.txt"}),
		act("w1", "write_file", map[string]interface{}{"path": "a.txt"}),
	})

	if results[0].Status != action.StatusOK || results[0].Payload != "contents of a.txt" {
		t.Errorf("read result = %+v", results[0])
	}
	if results[1].Status != action.StatusDenied || results[1].IsError {
		t.Errorf("write result = %+v", results[1])
	}
	if n := f.count("write_file"); n != 0 {
		t.Errorf("denied handler ran %d times", n)
	}
	if diff := cmp.Diff([]string{"write_file"}, f.confirmed); diff != "" {
		t.Errorf("only the high-risk action should be confirmed (-want +got):\n%s", diff)
	}
}

func TestRun_UnknownToolIsNotConfirmed(t *testing.T) {
	f := newFixture(t)
	d := f.dispatcher(f.denyWrites())
	results := d.Run(context.Background(), []action.Action{act("x", "ghost", nil)})
	if !strings.Contains(results[0].Text(), action.ErrUnknownTool.Error()) {
		t.Errorf("result = %+v", results[0])
	}
	if len(f.confirmed) != 0 {
		t.Errorf("confirmer asked about %v", f.confirmed)
	}
}

func TestRun_FailuresAreIsolated(t *testing.T) {
	f := newFixture(t)
	d := f.dispatcher(gate.AutoApprove{})
	results := d.Run(context.Background(), []action.Action{
		act("a", "boom", nil),
		act("b", "fails", nil),
		act("c", "read_file", map[string]interface{}{"path": "x"}),
	})
	if results[0].Status != action.StatusError || !strings.Contains(results[0].Text(), "handler exploded") {
		t.Errorf("panic result = %+v", results[0])
	}
	if results[1].Status != action.StatusError || !strings.Contains(results[1].Text(), "disk on fire") {
		t.Errorf("error result = %+v", results[1])
	}
	if results[2].Status != action.StatusOK {
		t.Errorf("sibling result = %+v", results[2])
	}
}

func TestRun_References(t *testing.T) {
	f := newFixture(t)
	d := f.dispatcher(gate.AutoApprove{})

	results := d.Run(context.Background(), []action.Action{
		act("r1", "read_file", map[string]interface{}{"path": "notes.md"}),
		act("e1", "echo", map[string]interface{}{"value": map[string]interface{}{"nested": []interface{}{"$r1", "$HOME/x"}}}),
		act("e2", "echo", map[string]interface{}{"value": "$e3"}),
		act("e3", "echo", map[string]interface{}{"value": "$e3"}),
		act("e4", "echo", map[string]interface{}{"value": "$nope"}),
		act("f1", "fails", nil),
		act("e5", "echo", map[string]interface{}{"value": "$f1"}),
	})

	want := map[string]interface{}{"nested": []interface{}{"contents of notes.md", "$HOME/x"}}
	if diff := cmp.Diff(want, results[1].Payload); diff != "" {
		t.Errorf("resolved payload (-want +got):\n%s", diff)
	}
	for i, why := range map[int]string{2: "forward", 3: "itself", 4: "no such call_id", 6: "did not succeed"} {
		if results[i].Status != action.StatusError || !strings.Contains(results[i].Text(), why) {
			t.Errorf("%s: expected %q error, got %+v", results[i].CallID, why, results[i])
		}
	}
	if n := f.count("echo"); n != 1 {
		t.Errorf("echo ran %d times, want 1", n)
	}
}

func TestRun_ArgumentsNotMutated(t *testing.T) {
	f := newFixture(t)
	d := f.dispatcher(gate.AutoApprove{})
	args := map[string]interface{}{"value": "$r1"}
	d.Run(context.Background(), []action.Action{
		act("r1", "read_file", map[string]interface{}{"path": "a"}),
		act("e1", "echo", args),
	})
	if args["value"] != "$r1" {
		t.Errorf("parsed arguments were rewritten: %v", args)
	}
}

func TestRun_ConcurrencyLimit(t *testing.T) {
	f := newFixture(t)
	var running, peak int32
	f.reg.Reload("test", []tools.Descriptor{{
		Name: "track",
		Risk: tools.RiskLow,
		Binding: tools.BuiltinFunc(func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			n := atomic.AddInt32(&running, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt32(&running, -1)
			return nil, nil
		}),
	}})
	d := New(Config{Registry: f.reg, Concurrency: 2})

	var batch []action.Action
	for i := 0; i < 8; i++ {
		batch = append(batch, act(fmt.Sprintf("t%d", i), "track", nil))
	}
	d.Run(context.Background(), batch)
	if p := atomic.LoadInt32(&peak); p > 2 || p == 0 {
		t.Errorf("peak concurrency = %d, want 1..2", p)
	}
}

func TestRun_ConfirmationBlocksOnlyItsAction(t *testing.T) {
	f := newFixture(t)
	release := make(chan struct{})
	d := f.dispatcher(gate.ConfirmFunc(func(ctx context.Context, name, summary string) (bool, error) {
		<-release
		return true, nil
	}))

	var readDone int32
	d.OnResult = func(a action.Action, r action.Result, _ time.Duration) {
		if a.Name == "read_file" {
			atomic.StoreInt32(&readDone, 1)
		}
	}
	go func() {
		deadline := time.Now().Add(2 * time.Second)
		for atomic.LoadInt32(&readDone) == 0 && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
		close(release)
	}()

	results := d.Run(context.Background(), []action.Action{
		act("w1", "write_file", map[string]interface{}{"path": "a"}),
		act("r1", "read_file", map[string]interface{}{"path": "a"}),
	})
	if atomic.LoadInt32(&readDone) != 1 {
		t.Fatal("read did not finish while the write awaited confirmation")
	}
	if results[0].Status != action.StatusOK {
		t.Errorf("write = %+v", results[0])
	}
}

// fakeSandbox returns a canned result per script.
type fakeSandbox struct{}

func (fakeSandbox) Execute(ctx context.Context, callID, script string, deps []string, interactive bool) action.Result {
	if strings.Contains(script, "1/0") {
		return action.FailWith(callID, sandbox.Outcome{ExitStatus: 1, Stderr: "ZeroDivisionError", Error: "Script exited with code 1."})
	}
	return action.OK(callID, sandbox.Outcome{Stdout: "42"})
}

func TestRun_ScriptFailureWithSiblingSuccess(t *testing.T) {
	f := newFixture(t)
	d := New(Config{Registry: f.reg, Gate: gate.New(f.reg, gate.AutoApprove{}), Sandbox: fakeSandbox{}})

	results := d.Run(context.Background(), []action.Action{
		act("x1", tools.ExecuteScriptTool, map[string]interface{}{"code": "print(1/0)"}),
		act("r1", "read_file", map[string]interface{}{"path": "a"}),
		act("x2", tools.ExecuteScriptTool, map[string]interface{}{"code": "print(42)"}),
		act("e1", "echo", map[string]interface{}{"value": "$x2"}),
	})
	if results[0].Status != action.StatusError {
		t.Errorf("failing script = %+v", results[0])
	}
	if out, ok := results[0].Payload.(sandbox.Outcome); !ok || out.Stderr != "ZeroDivisionError" {
		t.Errorf("diagnostics lost: %+v", results[0].Payload)
	}
	if results[1].Status != action.StatusOK {
		t.Errorf("sibling = %+v", results[1])
	}
	if results[3].Payload != "42" {
		t.Errorf("script reference should resolve to stdout, got %+v", results[3])
	}
}

func TestRun_ScriptDeniedAndUnconfigured(t *testing.T) {
	f := newFixture(t)
	d := f.dispatcher(gate.DenyAll{})
	r := d.Run(context.Background(), []action.Action{act("x1", tools.ExecuteScriptTool, map[string]interface{}{"code": "print(1)"})})
	if r[0].Status != action.StatusDenied {
		t.Errorf("scripts are high risk, got %+v", r[0])
	}

	d = f.dispatcher(gate.AutoApprove{})
	r = d.Run(context.Background(), []action.Action{act("x1", tools.ExecuteScriptTool, map[string]interface{}{"code": "print(1)"})})
	if r[0].Status != action.StatusError {
		t.Errorf("missing sandbox should be an error, got %+v", r[0])
	}
}

func newAgentDispatcher(f *fixture, runner supervision.Runner) (*Dispatcher, *supervision.Supervisor) {
	sup := supervision.New(supervision.Config{Runner: runner})
	d := New(Config{Registry: f.reg, Gate: gate.New(f.reg, gate.AutoApprove{}), Agents: sup, JoinTimeout: 2 * time.Second})
	return d, sup
}

func TestRun_SpawnAndWait(t *testing.T) {
	f := newFixture(t)
	d, sup := newAgentDispatcher(f, supervision.RunnerFunc(func(ctx context.Context, spec supervision.Spec) (string, error) {
		time.Sleep(20 * time.Millisecond)
		return "summary from " + spec.Role, nil
	}))
	defer sup.Wait()

	// The wait is listed first; it must still see the spawn.
	results := d.Run(context.Background(), []action.Action{
		act("w1", tools.WaitAgentsTool, map[string]interface{}{"agent_ids": []interface{}{"$p1", "ghost"}}),
		act("p1", tools.SpawnAgentTool, map[string]interface{}{"role": "Researcher", "prompt": "summarize README"}),
	})

	if results[1].Status != action.StatusOK {
		t.Fatalf("spawn = %+v", results[1])
	}
	if results[0].Status != action.StatusError || !results[0].IsError {
		t.Errorf("a wait naming an unknown id should fail, got %+v", results[0])
	}
	outcomes, ok := results[0].Payload.([]supervision.Outcome)
	if !ok || len(outcomes) != 2 {
		t.Fatalf("wait payload = %#v", results[0].Payload)
	}
	if outcomes[0].ID != "p1" || outcomes[0].State != supervision.StateCompleted || outcomes[0].Output != "summary from Researcher" {
		t.Errorf("agent outcome = %+v", outcomes[0])
	}
	if outcomes[1].State != supervision.StateError || !strings.Contains(outcomes[1].Error, "unknown") {
		t.Errorf("unknown id outcome = %+v", outcomes[1])
	}
}

func TestRun_WaitAllKnownSucceeds(t *testing.T) {
	f := newFixture(t)
	d, sup := newAgentDispatcher(f, supervision.RunnerFunc(func(ctx context.Context, spec supervision.Spec) (string, error) {
		if spec.ID == "bad" {
			return "", errors.New("model unavailable")
		}
		return "done", nil
	}))
	defer sup.Wait()

	results := d.Run(context.Background(), []action.Action{
		act("good", tools.SpawnAgentTool, map[string]interface{}{"role": "r", "prompt": "p"}),
		act("bad", tools.SpawnAgentTool, map[string]interface{}{"role": "r", "prompt": "p"}),
		act("w1", tools.WaitAgentsTool, map[string]interface{}{"agent_ids": []interface{}{"$good", "$bad"}}),
	})
	// A failed agent is reported inside a successful join.
	if results[2].Status != action.StatusOK {
		t.Fatalf("wait = %+v", results[2])
	}
	outcomes := results[2].Payload.([]supervision.Outcome)
	if outcomes[1].State != supervision.StateFailed || outcomes[1].Error != "model unavailable" {
		t.Errorf("failed agent outcome = %+v", outcomes[1])
	}
}

func TestRun_WaitUnknownOnly(t *testing.T) {
	f := newFixture(t)
	d, sup := newAgentDispatcher(f, supervision.RunnerFunc(func(ctx context.Context, spec supervision.Spec) (string, error) {
		return "", nil
	}))
	defer sup.Wait()

	results := d.Run(context.Background(), []action.Action{
		act("w1", tools.WaitAgentsTool, map[string]interface{}{"agent_ids": []interface{}{"$ghost"}}),
	})
	if results[0].Status != action.StatusError || !results[0].IsError {
		t.Fatalf("wait = %+v", results[0])
	}
	if !strings.Contains(results[0].Text(), `"agent_id":"ghost"`) || !strings.Contains(results[0].Text(), `"status":"error"`) {
		t.Errorf("payload should name the unknown id: %s", results[0].Text())
	}
}

func TestRun_WaitTimeout(t *testing.T) {
	f := newFixture(t)
	release := make(chan struct{})
	sup := supervision.New(supervision.Config{Runner: supervision.RunnerFunc(func(ctx context.Context, spec supervision.Spec) (string, error) {
		select {
		case <-release:
			return "late", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	})})
	defer sup.Wait()
	defer close(release)
	d := New(Config{Registry: f.reg, Gate: gate.New(f.reg, gate.AutoApprove{}), Agents: sup, JoinTimeout: 30 * time.Millisecond})

	results := d.Run(context.Background(), []action.Action{
		act("s", tools.SpawnAgentTool, map[string]interface{}{"role": "r", "prompt": "p"}),
		act("w1", tools.WaitAgentsTool, map[string]interface{}{"agent_ids": []interface{}{"$s"}}),
	})
	if results[1].Status != action.StatusError || !results[1].IsError {
		t.Fatalf("timed-out wait = %+v", results[1])
	}
	outcomes := results[1].Payload.([]supervision.Outcome)
	if outcomes[0].State != supervision.StateError || !outcomes[0].TimedOut {
		t.Errorf("timed-out outcome = %+v", outcomes[0])
	}
	if task, _ := sup.Get("s"); task.State != supervision.StateRunning {
		t.Errorf("agent should keep running after the join gives up, got %s", task.State)
	}
}

func TestRun_ReferenceToSpawnResolvesToOutput(t *testing.T) {
	f := newFixture(t)
	d, sup := newAgentDispatcher(f, supervision.RunnerFunc(func(ctx context.Context, spec supervision.Spec) (string, error) {
		return "agent says hi", nil
	}))
	defer sup.Wait()

	results := d.Run(context.Background(), []action.Action{
		act("p1", tools.SpawnAgentTool, map[string]interface{}{"role": "Coder", "prompt": "p"}),
		act("e1", "echo", map[string]interface{}{"value": "$p1"}),
	})
	if results[1].Payload != "agent says hi" {
		t.Errorf("reference = %+v", results[1])
	}
}

func TestRun_SpawnWithoutSupervisor(t *testing.T) {
	f := newFixture(t)
	d := f.dispatcher(gate.AutoApprove{})
	results := d.Run(context.Background(), []action.Action{
		act("p1", tools.SpawnAgentTool, map[string]interface{}{"role": "Coder", "prompt": "p"}),
		act("w1", tools.WaitAgentsTool, map[string]interface{}{"agent_ids": []interface{}{"p1"}}),
	})
	for _, r := range results {
		if r.Status != action.StatusError || !strings.Contains(r.Text(), action.ErrSupervisorFault.Error()) {
			t.Errorf("expected supervisor fault, got %+v", r)
		}
	}
}

func TestCall_AppliesGate(t *testing.T) {
	f := newFixture(t)
	d := f.dispatcher(f.denyWrites())

	out, err := d.Call(context.Background(), "read_file", map[string]interface{}{"path": "b"})
	if err != nil || out != "contents of b" {
		t.Errorf("read via relay: %v %v", out, err)
	}
	if _, err := d.Call(context.Background(), "write_file", nil); !errors.Is(err, action.ErrDenied) {
		t.Errorf("write via relay should be denied, got %v", err)
	}
	if f.count("write_file") != 0 {
		t.Error("denied relay call ran the handler")
	}
	if _, err := d.Call(context.Background(), "ghost", nil); !errors.Is(err, action.ErrUnknownTool) {
		t.Errorf("unknown via relay: %v", err)
	}
	if _, err := d.Call(context.Background(), tools.SpawnAgentTool, nil); err == nil {
		t.Error("directives must not be reachable from scripts")
	}
}

func TestPhases(t *testing.T) {
	f := newFixture(t)
	d := f.dispatcher(gate.AutoApprove{})
	var mu sync.Mutex
	var seen []Phase
	d.OnPhase = func(a action.Action, p Phase) {
		mu.Lock()
		seen = append(seen, p)
		mu.Unlock()
	}
	d.Run(context.Background(), []action.Action{act("r1", "read_file", map[string]interface{}{"path": "a"})})
	if diff := cmp.Diff([]Phase{PhaseParsed, PhaseGated, PhaseRouted, PhaseCollected}, seen); diff != "" {
		t.Errorf("phases (-want +got):\n%s", diff)
	}
}

func TestFormatResults(t *testing.T) {
	got := FormatResults([]action.Result{
		action.OK("r1", "hello"),
		action.Denied("w1", ""),
		action.Fail("x1", errors.New("boom")),
	})
	if !strings.HasPrefix(got, ResultHeader+"\n```json\n") {
		t.Fatalf("missing header:\n%s", got)
	}
	for _, want := range []string{
		`"call_id": "r1"`,
		`"status": "success"`,
		`"output": "hello"`,
		`"status": "denied"`,
		`"error": "execution was declined by the user"`,
		`"error": "boom"`,
	} {
		if !strings.Contains(got, want) {
			t.Errorf("formatted results missing %s:\n%s", want, got)
		}
	}
}
