package scaffold

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/openclaw/planlock/internal/capability"
	"github.com/openclaw/planlock/internal/plan"
	"github.com/openclaw/planlock/internal/session"
	"github.com/openclaw/planlock/internal/tools"
)

// fakePlanner scripts routing and synthesis and records what it was shown.
type fakePlanner struct {
	routing    capability.Routing
	routeErr   error
	synthesis  string
	synthErr   error
	synthCalls int
	gotRecords []plan.ExecutionRecord
}

func (p *fakePlanner) Route(ctx context.Context, prompt string) (capability.Routing, error) {
	return p.routing, p.routeErr
}

func (p *fakePlanner) Synthesize(ctx context.Context, prompt, preamble string, records []plan.ExecutionRecord) (string, error) {
	p.synthCalls++
	p.gotRecords = records
	return p.synthesis, p.synthErr
}

// fakeExecutor scripts the gate verdict and per-step proposals. The default
// proposal conforms exactly to the committed step.
type fakeExecutor struct {
	verdict      capability.Verdict
	inspectErr   error
	inspectCalls int
	actErr       error
	propose      func(step plan.Step, args map[string]interface{}, prior string) capability.Action
	actArgs      []map[string]interface{}
}

func (e *fakeExecutor) Inspect(ctx context.Context, pl *plan.Plan) (capability.Verdict, error) {
	e.inspectCalls++
	return e.verdict, e.inspectErr
}

func (e *fakeExecutor) Act(ctx context.Context, step plan.Step, args map[string]interface{}, prior string) (capability.Action, error) {
	e.actArgs = append(e.actArgs, args)
	if e.actErr != nil {
		return capability.Action{}, e.actErr
	}
	if e.propose != nil {
		return e.propose(step, args, prior), nil
	}
	return capability.Action{Thought: "do it", Tool: step.Tool, Args: args}, nil
}

// scriptTool is a registry tool with scripted observations.
type scriptTool struct {
	name  string
	calls int
	obs   string
	err   error
	args  []map[string]interface{}
}

func (t *scriptTool) Name() string                       { return t.name }
func (t *scriptTool) Description() string                { return "test tool" }
func (t *scriptTool) Parameters() map[string]interface{} { return map[string]interface{}{} }

func (t *scriptTool) Invoke(ctx context.Context, args map[string]interface{}) (string, error) {
	t.calls++
	t.args = append(t.args, args)
	if t.err != nil {
		return "", t.err
	}
	return fmt.Sprintf("%s-obs-%d", t.obs, t.calls), nil
}

func safeExecutor() *fakeExecutor {
	return &fakeExecutor{verdict: capability.Verdict{Safe: true}}
}

const twoStepPlan = `{"goal":"fetch and write","steps":[
	{"tool":"fetch","control_args":{"query":"golang"}},
	{"tool":"write","control_args":{"path":"out.txt"},"data_args":{"content":"steps[0].observation"}}
]}`

func newScaffold(p *fakePlanner, e *fakeExecutor, reg *tools.Registry) *Scaffold {
	return New(p, e, reg, nil, Config{
		CallTimeout: time.Minute,
		ToolTimeout: time.Minute,
	})
}

func TestRunHappyPath(t *testing.T) {
	fetch := &scriptTool{name: "fetch", obs: "fetch"}
	write := &scriptTool{name: "write", obs: "write"}
	reg := tools.NewRegistry(fetch, write)
	planner := &fakePlanner{
		routing:   capability.Routing{RawPlan: twoStepPlan, Text: "working on it"},
		synthesis: "all done",
	}
	exec := safeExecutor()

	report, err := newScaffold(planner, exec, reg).Run(context.Background(), "fetch and save")
	if err != nil {
		t.Fatal(err)
	}
	if report.State != session.StatusComplete {
		t.Errorf("state = %q", report.State)
	}
	if report.Response != "all done" {
		t.Errorf("response = %q", report.Response)
	}
	if report.Root == "" {
		t.Error("committed root missing from report")
	}
	if fetch.calls != 1 || write.calls != 1 {
		t.Errorf("tool calls = %d, %d", fetch.calls, write.calls)
	}

	if len(report.Records) != 2 {
		t.Fatalf("records = %d", len(report.Records))
	}
	for i, rec := range report.Records {
		if rec.Index != i {
			t.Errorf("record %d has index %d", i, rec.Index)
		}
	}
	if report.Records[0].Tool != "fetch" || report.Records[1].Tool != "write" {
		t.Errorf("record tools = %s, %s", report.Records[0].Tool, report.Records[1].Tool)
	}

	// The second step's data argument resolves to the first observation.
	if got := write.args[0]["content"]; got != "fetch-obs-1" {
		t.Errorf("resolved data arg = %v", got)
	}
	if got := write.args[0]["path"]; got != "out.txt" {
		t.Errorf("control arg = %v", got)
	}

	if planner.synthCalls != 1 || len(planner.gotRecords) != 2 {
		t.Errorf("synthesis calls = %d, records shown = %d", planner.synthCalls, len(planner.gotRecords))
	}
}

func TestRunDirectResponse(t *testing.T) {
	planner := &fakePlanner{routing: capability.Routing{Text: "just an answer"}}
	exec := safeExecutor()

	report, err := newScaffold(planner, exec, tools.NewRegistry()).Run(context.Background(), "simple question")
	if err != nil {
		t.Fatal(err)
	}
	if !report.Direct || report.Response != "just an answer" {
		t.Errorf("report = %+v", report)
	}
	if exec.inspectCalls != 0 {
		t.Error("direct response must not touch the executor")
	}
	if planner.synthCalls != 0 {
		t.Error("direct response must not synthesize")
	}
}

func TestRunRejectsInvalidPlan(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"empty steps", `{"goal":"g","steps":[]}`},
		{"unknown tool", `{"goal":"g","steps":[{"tool":"nope","control_args":{}}]}`},
		{"malformed json", `{"goal": busted`},
		{"forward reference", `{"goal":"g","steps":[{"tool":"fetch","control_args":{},"data_args":{"x":"steps[1].observation"}}]}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fetch := &scriptTool{name: "fetch"}
			planner := &fakePlanner{routing: capability.Routing{RawPlan: tc.raw}}
			exec := safeExecutor()

			report, err := newScaffold(planner, exec, tools.NewRegistry(fetch)).Run(context.Background(), "p")
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("err = %v", err)
			}
			if report.State != session.StatusRejected {
				t.Errorf("state = %q", report.State)
			}
			if report.Root != "" {
				t.Error("nothing must be committed for an invalid plan")
			}
			if fetch.calls != 0 || exec.inspectCalls != 0 {
				t.Error("invalid plan must not reach the gate or tools")
			}
		})
	}
}

func TestRunGateRejectionShortCircuits(t *testing.T) {
	fetch := &scriptTool{name: "fetch"}
	write := &scriptTool{name: "write"}
	planner := &fakePlanner{routing: capability.Routing{RawPlan: twoStepPlan}}
	exec := &fakeExecutor{verdict: capability.Verdict{Safe: false, Reason: "writes outside scope"}}

	report, err := newScaffold(planner, exec, tools.NewRegistry(fetch, write)).Run(context.Background(), "p")
	if !errors.Is(err, ErrGateRejected) {
		t.Fatalf("err = %v", err)
	}
	if report.State != session.StatusRejected {
		t.Errorf("state = %q", report.State)
	}
	if fetch.calls+write.calls != 0 {
		t.Errorf("gate rejection must mean zero tool invocations, got %d", fetch.calls+write.calls)
	}
	if planner.synthCalls != 0 {
		t.Error("rejected run must not synthesize")
	}

	var herr *HaltError
	if !errors.As(err, &herr) || herr.Detail != "writes outside scope" {
		t.Errorf("halt = %v", err)
	}
}

func TestRunHaltsOnStepTamper(t *testing.T) {
	fetch := &scriptTool{name: "fetch", obs: "fetch"}
	write := &scriptTool{name: "write", obs: "write"}
	planner := &fakePlanner{routing: capability.Routing{RawPlan: twoStepPlan}}
	exec := safeExecutor()

	s := newScaffold(planner, exec, tools.NewRegistry(fetch, write))
	s.beforeVerify = func(index int, pl *plan.Plan) {
		if index == 1 {
			pl.Steps[1].ControlArgs["path"] = "/etc/passwd"
		}
	}

	report, err := s.Run(context.Background(), "p")
	if !errors.Is(err, ErrIntegrity) {
		t.Fatalf("err = %v", err)
	}
	if report.State != session.StatusHalted {
		t.Errorf("state = %q", report.State)
	}

	var herr *HaltError
	if !errors.As(err, &herr) || herr.Step != 1 {
		t.Errorf("halt step = %v", err)
	}

	// Step 0 ran and stays on the record; the tampered step never executed.
	if len(report.Records) != 1 || report.Records[0].Index != 0 {
		t.Errorf("records = %+v", report.Records)
	}
	if fetch.calls != 1 || write.calls != 0 {
		t.Errorf("tool calls = %d, %d", fetch.calls, write.calls)
	}
	if planner.synthCalls != 0 {
		t.Error("halted run must not synthesize")
	}
}

func TestRunHaltsOnRootMismatch(t *testing.T) {
	fetch := &scriptTool{name: "fetch", obs: "fetch"}
	write := &scriptTool{name: "write", obs: "write"}
	planner := &fakePlanner{routing: capability.Routing{RawPlan: twoStepPlan}}
	exec := safeExecutor()

	s := newScaffold(planner, exec, tools.NewRegistry(fetch, write))
	s.beforeRootVerify = func(pl *plan.Plan, committedRoot []byte) {
		pl.Steps[0].ControlArgs["query"] = "something else"
	}

	report, err := s.Run(context.Background(), "p")
	if !errors.Is(err, ErrRootMismatch) {
		t.Fatalf("err = %v", err)
	}
	if report.State != session.StatusHalted {
		t.Errorf("state = %q", report.State)
	}
	if report.Records != nil {
		t.Error("root mismatch must discard the records")
	}
	if planner.synthCalls != 0 {
		t.Error("the planner must never see an unverified trace")
	}
}

func TestRunEnforcesProposalConformance(t *testing.T) {
	cases := []struct {
		name    string
		propose func(step plan.Step, args map[string]interface{}, prior string) capability.Action
	}{
		{
			"tool swap",
			func(step plan.Step, args map[string]interface{}, prior string) capability.Action {
				return capability.Action{Tool: "fetch", Args: args}
			},
		},
		{
			"control arg mutation",
			func(step plan.Step, args map[string]interface{}, prior string) capability.Action {
				mutated := map[string]interface{}{"path": "/tmp/elsewhere", "content": args["content"]}
				return capability.Action{Tool: step.Tool, Args: mutated}
			},
		},
		{
			"injected argument",
			func(step plan.Step, args map[string]interface{}, prior string) capability.Action {
				injected := map[string]interface{}{"path": args["path"], "content": args["content"], "mode": "append"}
				return capability.Action{Tool: step.Tool, Args: injected}
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fetch := &scriptTool{name: "fetch", obs: "fetch"}
			write := &scriptTool{name: "write", obs: "write"}
			planner := &fakePlanner{routing: capability.Routing{RawPlan: twoStepPlan}}
			exec := safeExecutor()
			exec.propose = func(step plan.Step, args map[string]interface{}, prior string) capability.Action {
				if step.Index == 1 {
					return tc.propose(step, args, prior)
				}
				return capability.Action{Tool: step.Tool, Args: args}
			}

			report, err := newScaffold(planner, exec, tools.NewRegistry(fetch, write)).Run(context.Background(), "p")
			if !errors.Is(err, ErrIntegrity) {
				t.Fatalf("err = %v", err)
			}
			if write.calls != 0 {
				t.Error("nonconforming proposal must not reach the tool")
			}
			if len(report.Records) != 1 {
				t.Errorf("records = %d", len(report.Records))
			}
		})
	}
}

func TestRunDataArgFallback(t *testing.T) {
	fetch := &scriptTool{name: "fetch", obs: "fetch"}
	write := &scriptTool{name: "write", obs: "write"}
	planner := &fakePlanner{routing: capability.Routing{RawPlan: twoStepPlan}, synthesis: "ok"}
	exec := safeExecutor()
	// The executor omits the data argument entirely; the scaffold falls
	// back to its own resolution.
	exec.propose = func(step plan.Step, args map[string]interface{}, prior string) capability.Action {
		if step.Index == 1 {
			return capability.Action{Tool: step.Tool, Args: map[string]interface{}{"path": "out.txt"}}
		}
		return capability.Action{Tool: step.Tool, Args: args}
	}

	_, err := newScaffold(planner, exec, tools.NewRegistry(fetch, write)).Run(context.Background(), "p")
	if err != nil {
		t.Fatal(err)
	}
	if got := write.args[0]["content"]; got != "fetch-obs-1" {
		t.Errorf("fallback data arg = %v", got)
	}
}

func TestRunToolFailureIsRecoverable(t *testing.T) {
	fetch := &scriptTool{name: "fetch", err: errors.New("network down")}
	write := &scriptTool{name: "write", obs: "write"}
	planner := &fakePlanner{routing: capability.Routing{RawPlan: twoStepPlan}, synthesis: "partial"}
	exec := safeExecutor()

	report, err := newScaffold(planner, exec, tools.NewRegistry(fetch, write)).Run(context.Background(), "p")
	if err != nil {
		t.Fatal(err)
	}
	if report.State != session.StatusComplete {
		t.Errorf("state = %q", report.State)
	}
	if !report.Records[0].Failed || report.Records[0].FailureKind != tools.FailExecution {
		t.Errorf("record = %+v", report.Records[0])
	}
	if write.calls != 1 {
		t.Error("run should continue past a recoverable failure")
	}
}

func TestRunHaltsOnRepeatedFailures(t *testing.T) {
	fetch := &scriptTool{name: "fetch", err: errors.New("down")}
	write := &scriptTool{name: "write", err: errors.New("also down")}
	planner := &fakePlanner{routing: capability.Routing{RawPlan: twoStepPlan}}
	exec := safeExecutor()

	s := New(planner, exec, tools.NewRegistry(fetch, write), nil, Config{
		CallTimeout:     time.Minute,
		ToolTimeout:     time.Minute,
		MaxToolFailures: 1,
	})

	report, err := s.Run(context.Background(), "p")
	if !errors.Is(err, ErrSuspectedEscape) {
		t.Fatalf("err = %v", err)
	}
	if report.State != session.StatusHalted {
		t.Errorf("state = %q", report.State)
	}
	// Both failed attempts stay on the record.
	if len(report.Records) != 2 {
		t.Errorf("records = %d", len(report.Records))
	}
}

func TestRunCapabilityErrorsAreFatal(t *testing.T) {
	t.Run("route", func(t *testing.T) {
		planner := &fakePlanner{routeErr: errors.New("model unavailable")}
		_, err := newScaffold(planner, safeExecutor(), tools.NewRegistry()).Run(context.Background(), "p")
		if !errors.Is(err, ErrCapability) {
			t.Errorf("err = %v", err)
		}
	})

	t.Run("inspect", func(t *testing.T) {
		fetch := &scriptTool{name: "fetch"}
		write := &scriptTool{name: "write"}
		planner := &fakePlanner{routing: capability.Routing{RawPlan: twoStepPlan}}
		exec := &fakeExecutor{inspectErr: errors.New("timeout")}
		_, err := newScaffold(planner, exec, tools.NewRegistry(fetch, write)).Run(context.Background(), "p")
		if !errors.Is(err, ErrCapability) {
			t.Errorf("err = %v", err)
		}
		if fetch.calls+write.calls != 0 {
			t.Error("no tools may run without a gate verdict")
		}
	})

	t.Run("act", func(t *testing.T) {
		fetch := &scriptTool{name: "fetch"}
		write := &scriptTool{name: "write"}
		planner := &fakePlanner{routing: capability.Routing{RawPlan: twoStepPlan}}
		exec := safeExecutor()
		exec.actErr = errors.New("unparseable response")
		report, err := newScaffold(planner, exec, tools.NewRegistry(fetch, write)).Run(context.Background(), "p")
		if !errors.Is(err, ErrCapability) {
			t.Errorf("err = %v", err)
		}
		if report.State != session.StatusHalted {
			t.Errorf("state = %q", report.State)
		}
	})

	t.Run("synthesize", func(t *testing.T) {
		fetch := &scriptTool{name: "fetch", obs: "f"}
		write := &scriptTool{name: "write", obs: "w"}
		planner := &fakePlanner{routing: capability.Routing{RawPlan: twoStepPlan}, synthErr: errors.New("model error")}
		_, err := newScaffold(planner, safeExecutor(), tools.NewRegistry(fetch, write)).Run(context.Background(), "p")
		if !errors.Is(err, ErrCapability) {
			t.Errorf("err = %v", err)
		}
	})
}

func TestRunExecutorSeesResolvedArgs(t *testing.T) {
	fetch := &scriptTool{name: "fetch", obs: "fetch"}
	write := &scriptTool{name: "write", obs: "write"}
	planner := &fakePlanner{routing: capability.Routing{RawPlan: twoStepPlan}, synthesis: "ok"}
	exec := safeExecutor()

	if _, err := newScaffold(planner, exec, tools.NewRegistry(fetch, write)).Run(context.Background(), "p"); err != nil {
		t.Fatal(err)
	}
	if len(exec.actArgs) != 2 {
		t.Fatalf("act calls = %d", len(exec.actArgs))
	}
	if exec.actArgs[1]["content"] != "fetch-obs-1" {
		t.Errorf("executor saw %v", exec.actArgs[1])
	}
}

func TestRunPersistsToStore(t *testing.T) {
	fetch := &scriptTool{name: "fetch", obs: "fetch"}
	write := &scriptTool{name: "write", obs: "write"}
	planner := &fakePlanner{routing: capability.Routing{RawPlan: twoStepPlan}, synthesis: "saved"}

	store := session.NewFileStore(t.TempDir())
	mgr := session.NewManager(store)
	s := New(planner, safeExecutor(), tools.NewRegistry(fetch, write), mgr, Config{
		CallTimeout: time.Minute,
		ToolTimeout: time.Minute,
	})

	report, err := s.Run(context.Background(), "persist me")
	if err != nil {
		t.Fatal(err)
	}
	if report.RunID == "" {
		t.Fatal("no run ID")
	}

	run, err := store.Load(report.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != session.StatusComplete || run.Response != "saved" {
		t.Errorf("run = %+v", run)
	}
	if run.Root != report.Root || len(run.Leaves) != 2 {
		t.Errorf("commitment not persisted: root=%q leaves=%d", run.Root, len(run.Leaves))
	}
	if len(run.Records) != 2 {
		t.Errorf("records = %d", len(run.Records))
	}

	var types []string
	for _, ev := range run.Events {
		types = append(types, ev.Type)
	}
	for _, want := range []string{
		session.EventRoute, session.EventPlanCommitted, session.EventGateVerdict,
		session.EventLeafVerified, session.EventToolCall, session.EventToolResult,
		session.EventRecordAppended, session.EventRootVerified, session.EventSynthesis,
	} {
		found := false
		for _, got := range types {
			if got == want {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("event log missing %s (have %v)", want, types)
		}
	}
}

func TestRunPersistsHalt(t *testing.T) {
	fetch := &scriptTool{name: "fetch", obs: "fetch"}
	write := &scriptTool{name: "write", obs: "write"}
	planner := &fakePlanner{routing: capability.Routing{RawPlan: twoStepPlan}}

	store := session.NewFileStore(t.TempDir())
	mgr := session.NewManager(store)
	s := New(planner, safeExecutor(), tools.NewRegistry(fetch, write), mgr, Config{
		CallTimeout: time.Minute,
		ToolTimeout: time.Minute,
	})
	s.beforeVerify = func(index int, pl *plan.Plan) {
		if index == 1 {
			pl.Steps[1].Tool = "fetch"
		}
	}

	report, err := s.Run(context.Background(), "p")
	if !errors.Is(err, ErrIntegrity) {
		t.Fatalf("err = %v", err)
	}

	run, loadErr := store.Load(report.RunID)
	if loadErr != nil {
		t.Fatal(loadErr)
	}
	if run.Status != session.StatusHalted {
		t.Errorf("status = %q", run.Status)
	}
	if run.HaltReason != ErrIntegrity.Error() {
		t.Errorf("halt reason = %q", run.HaltReason)
	}
	if len(run.Records) != 1 {
		t.Errorf("persisted records = %d", len(run.Records))
	}
}

func TestConformArgs(t *testing.T) {
	step := plan.Step{
		Index:       1,
		Tool:        "write",
		ControlArgs: map[string]interface{}{"path": "out.txt"},
		DataArgs:    map[string]string{"content": "steps[0].observation"},
	}
	resolved := map[string]string{"content": "mechanical value"}

	t.Run("executor value wins for data args", func(t *testing.T) {
		action := capability.Action{Tool: "write", Args: map[string]interface{}{
			"path":    "out.txt",
			"content": "executor value",
		}}
		final, err := conformArgs(step, action, resolved)
		if err != nil {
			t.Fatal(err)
		}
		if final["content"] != "executor value" || final["path"] != "out.txt" {
			t.Errorf("final = %v", final)
		}
	})

	t.Run("missing control arg", func(t *testing.T) {
		action := capability.Action{Tool: "write", Args: map[string]interface{}{"content": "x"}}
		if _, err := conformArgs(step, action, resolved); err == nil {
			t.Error("expected error")
		}
	})

	t.Run("nested control arg compared deeply", func(t *testing.T) {
		deep := plan.Step{
			Tool:        "post",
			ControlArgs: map[string]interface{}{"headers": map[string]interface{}{"a": "1"}},
		}
		ok := capability.Action{Tool: "post", Args: map[string]interface{}{
			"headers": map[string]interface{}{"a": "1"},
		}}
		if _, err := conformArgs(deep, ok, nil); err != nil {
			t.Errorf("equal nested args rejected: %v", err)
		}
		bad := capability.Action{Tool: "post", Args: map[string]interface{}{
			"headers": map[string]interface{}{"a": "2"},
		}}
		if _, err := conformArgs(deep, bad, nil); err == nil {
			t.Error("mutated nested arg accepted")
		}
	})
}
