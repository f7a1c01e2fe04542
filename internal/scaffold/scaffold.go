// Package scaffold runs the commit, gate, verify-then-execute state machine.
// The scaffold is the only component that verifies anything: the planner and
// executor are untrusted proposal sources, and every one of their outputs is
// checked against the committed plan before a tool runs.
package scaffold

import (
	"bytes"
	"context"
	"fmt"
	"reflect"
	"time"

	"github.com/openclaw/planlock/internal/capability"
	"github.com/openclaw/planlock/internal/hashtree"
	"github.com/openclaw/planlock/internal/logging"
	"github.com/openclaw/planlock/internal/plan"
	"github.com/openclaw/planlock/internal/session"
	"github.com/openclaw/planlock/internal/tools"
)

// Planner is the routing and synthesis role.
type Planner interface {
	Route(ctx context.Context, prompt string) (capability.Routing, error)
	Synthesize(ctx context.Context, prompt, preamble string, records []plan.ExecutionRecord) (string, error)
}

// PlanExecutor is the plan review and per-step action role.
type PlanExecutor interface {
	Inspect(ctx context.Context, pl *plan.Plan) (capability.Verdict, error)
	Act(ctx context.Context, step plan.Step, resolvedArgs map[string]interface{}, priorObservation string) (capability.Action, error)
}

// Config holds the scaffold's timing and tolerance knobs.
type Config struct {
	// CallTimeout bounds each planner or executor LLM call.
	CallTimeout time.Duration
	// ToolTimeout bounds each tool invocation.
	ToolTimeout time.Duration
	// MaxToolFailures is how many failed tool outcomes a run tolerates
	// before it is treated as a suspected escape.
	MaxToolFailures int
}

// Report is the outcome of one run.
type Report struct {
	RunID    string
	State    string
	Direct   bool
	Response string
	Root     string
	Records  []plan.ExecutionRecord
}

// Scaffold drives one prompt through routing, commitment, gating, the
// verified step loop, root re-verification, and synthesis.
type Scaffold struct {
	planner  Planner
	executor PlanExecutor
	registry *tools.Registry
	manager  *session.Manager
	cfg      Config
	logger   *logging.Logger

	// Progress callbacks for interactive frontends. All optional.
	OnRoute        func(direct bool)
	OnCommitted    func(root string, steps int)
	OnGateVerdict  func(safe bool, reason string)
	OnStepStart    func(index int, tool string)
	OnStepComplete func(index int, tool string, failed bool)
	OnHalt         func(reason string, detail string)

	// Seams for simulating in-memory tampering between verification points.
	beforeVerify     func(index int, pl *plan.Plan)
	beforeRootVerify func(pl *plan.Plan, committedRoot []byte)
}

// New creates a scaffold. The session manager may be nil, in which case
// nothing is persisted.
func New(planner Planner, executor PlanExecutor, registry *tools.Registry, manager *session.Manager, cfg Config) *Scaffold {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 2 * time.Minute
	}
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = 30 * time.Second
	}
	if cfg.MaxToolFailures <= 0 {
		cfg.MaxToolFailures = 2
	}
	return &Scaffold{
		planner:  planner,
		executor: executor,
		registry: registry,
		manager:  manager,
		cfg:      cfg,
		logger:   logging.New().WithComponent("scaffold"),
	}
}

// Run executes one prompt end to end. Abnormal outcomes return the report
// alongside a *HaltError; the report always reflects what actually happened.
func (s *Scaffold) Run(ctx context.Context, prompt string) (*Report, error) {
	start := time.Now()
	rc := plan.NewRuntimeContext(prompt, start)

	run := s.createRun(prompt)
	logger := s.logger
	report := &Report{State: session.StatusRunning}
	if run != nil {
		logger = logger.WithRunID(run.ID)
		report.RunID = run.ID
	}
	logger.RunStart(prompt)

	// Route: direct answer or plan execution.
	routing, err := s.route(ctx, prompt)
	if err != nil {
		return s.halt(report, run, logger, ErrCapability, -1, err.Error())
	}
	s.logEvent(run, session.Event{Type: session.EventRoute, Detail: routeKind(routing)})
	if s.OnRoute != nil {
		s.OnRoute(!routing.Execute())
	}

	if !routing.Execute() {
		logger.DirectResponse()
		report.State = session.StatusComplete
		report.Direct = true
		report.Response = routing.Text
		s.finishRun(run, report)
		logger.RunComplete(report.State, time.Since(start))
		return report, nil
	}

	// Parse and validate. Nothing is committed for an invalid plan.
	pl, err := plan.Parse([]byte(routing.RawPlan), s.registry)
	if err != nil {
		return s.halt(report, run, logger, ErrValidation, -1, err.Error())
	}

	// Commit: hash tree over the canonical steps, root copied out so later
	// verification does not depend on the tree staying honest.
	leaves, err := pl.CanonicalSteps()
	if err != nil {
		return s.halt(report, run, logger, ErrValidation, -1, err.Error())
	}
	tree := hashtree.Build(leaves)
	committedRoot := append([]byte(nil), tree.Root()...)
	report.Root = tree.RootHex()

	if run != nil {
		run.Root = tree.RootHex()
		run.Leaves = make([]string, tree.Size())
		for i := range run.Leaves {
			run.Leaves[i] = tree.LeafHex(i)
		}
	}
	s.logEvent(run, session.Event{
		Type:   session.EventPlanCommitted,
		Hash:   tree.RootHex(),
		Detail: fmt.Sprintf("%d steps", len(pl.Steps)),
	})
	logger.PlanCommitted(tree.RootHex(), len(pl.Steps))
	if s.OnCommitted != nil {
		s.OnCommitted(tree.RootHex(), len(pl.Steps))
	}

	// Gate: one adversarial review of the committed plan, before any tool
	// runs. An unsafe verdict ends the run with zero invocations.
	verdict, err := s.inspect(ctx, pl)
	if err != nil {
		return s.halt(report, run, logger, ErrCapability, -1, err.Error())
	}
	logger.GateVerdict(verdict.Safe, verdict.Reason)
	s.logEvent(run, session.Event{
		Type:    session.EventGateVerdict,
		Content: gateContent(verdict),
		Detail:  verdict.Reason,
	})
	if s.OnGateVerdict != nil {
		s.OnGateVerdict(verdict.Safe, verdict.Reason)
	}
	if !verdict.Safe {
		return s.halt(report, run, logger, ErrGateRejected, -1, verdict.Reason)
	}

	// Verified step loop.
	var audit plan.AuditLog
	failures := 0
	priorObservation := ""

	for i := range pl.Steps {
		if s.beforeVerify != nil {
			s.beforeVerify(i, pl)
		}
		step := pl.Steps[i]

		// Re-verify this step against its committed leaf immediately
		// before execution.
		canonical, err := step.Canonical()
		if err != nil {
			report.Records = audit.Records()
			return s.halt(report, run, logger, ErrIntegrity, i, err.Error())
		}
		if !tree.VerifyLeaf(i, canonical) {
			logger.IntegrityHalt(i, "step hash does not match committed leaf")
			report.Records = audit.Records()
			return s.halt(report, run, logger, ErrIntegrity, i, "step hash does not match committed leaf")
		}
		logger.LeafVerified(i, tree.LeafHex(i))
		s.logEvent(run, session.Event{Type: session.EventLeafVerified, Step: i, Hash: tree.LeafHex(i)})

		// Resolve data references mechanically. References were validated
		// at parse time, so failure here means the run state is broken.
		resolved, err := step.ResolveDataArgs(rc)
		if err != nil {
			report.Records = audit.Records()
			return s.halt(report, run, logger, ErrCapability, i, err.Error())
		}
		resolvedArgs := mergeArgs(step.ControlArgs, resolved)

		action, err := s.act(ctx, step, resolvedArgs, priorObservation)
		if err != nil {
			report.Records = audit.Records()
			return s.halt(report, run, logger, ErrCapability, i, err.Error())
		}

		// The executor proposes, the scaffold disposes: the action must
		// conform to the committed step exactly.
		finalArgs, err := conformArgs(step, action, resolved)
		if err != nil {
			logger.IntegrityHalt(i, err.Error())
			report.Records = audit.Records()
			return s.halt(report, run, logger, ErrIntegrity, i, err.Error())
		}

		logger.ToolCall(i, step.Tool)
		s.logEvent(run, session.Event{Type: session.EventToolCall, Step: i, Tool: step.Tool, Args: finalArgs})
		if s.OnStepStart != nil {
			s.OnStepStart(i, step.Tool)
		}

		toolCtx, cancel := context.WithTimeout(ctx, s.cfg.ToolTimeout)
		callStart := time.Now()
		outcome := s.registry.Invoke(toolCtx, step.Tool, finalArgs)
		cancel()
		duration := time.Since(callStart)

		logger.ToolResult(i, step.Tool, duration, outcome.FailureKind)
		s.logEvent(run, session.Event{
			Type:       session.EventToolResult,
			Step:       i,
			Tool:       step.Tool,
			Content:    outcome.Observation,
			Detail:     outcome.FailureKind,
			DurationMs: duration.Milliseconds(),
		})
		if s.OnStepComplete != nil {
			s.OnStepComplete(i, step.Tool, outcome.Failed)
		}

		rec := plan.ExecutionRecord{
			Index:       i,
			Tool:        step.Tool,
			Args:        finalArgs,
			Thought:     action.Thought,
			Observation: outcome.Observation,
			Failed:      outcome.Failed,
			FailureKind: outcome.FailureKind,
			Timestamp:   time.Now(),
		}
		if err := audit.Append(rec); err != nil {
			report.Records = audit.Records()
			return s.halt(report, run, logger, ErrIntegrity, i, err.Error())
		}
		s.logEvent(run, session.Event{Type: session.EventRecordAppended, Step: i, Tool: step.Tool})
		rc.RecordObservation(i, outcome.Observation)
		priorObservation = outcome.Observation

		if outcome.Failed {
			failures++
			if failures > s.cfg.MaxToolFailures {
				detail := fmt.Sprintf("%d tool failures, last: %s", failures, outcome.FailureKind)
				report.Records = audit.Records()
				return s.halt(report, run, logger, ErrSuspectedEscape, i, detail)
			}
		}
	}

	if s.beforeRootVerify != nil {
		s.beforeRootVerify(pl, committedRoot)
	}

	// Root re-verification: recompute the whole tree from the plan as it
	// exists now and compare against the root captured at commit time. On
	// mismatch the records are discarded; nothing reaches the planner.
	currentLeaves, err := pl.CanonicalSteps()
	if err != nil {
		return s.halt(report, run, logger, ErrRootMismatch, -1, err.Error())
	}
	recomputed := hashtree.Build(currentLeaves)
	rootOK := bytes.Equal(recomputed.Root(), committedRoot)
	logger.RootVerified(rootOK, recomputed.RootHex())
	s.logEvent(run, session.Event{
		Type:    session.EventRootVerified,
		Hash:    recomputed.RootHex(),
		Content: fmt.Sprintf("ok=%v", rootOK),
	})
	if !rootOK {
		return s.halt(report, run, logger, ErrRootMismatch, -1,
			fmt.Sprintf("recomputed root %s != committed %s", recomputed.RootHex(), report.Root))
	}

	// Only now does the planner see the observations.
	records := audit.Records()
	report.Records = records
	if run != nil {
		run.Records = records
	}

	response, err := s.synthesize(ctx, prompt, routing.Text, records)
	if err != nil {
		return s.halt(report, run, logger, ErrCapability, -1, err.Error())
	}
	s.logEvent(run, session.Event{Type: session.EventSynthesis})

	report.State = session.StatusComplete
	report.Response = response
	s.finishRun(run, report)
	logger.RunComplete(report.State, time.Since(start))
	return report, nil
}

// --- capability calls, each under its own deadline ---

func (s *Scaffold) route(ctx context.Context, prompt string) (capability.Routing, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()
	return s.planner.Route(callCtx, prompt)
}

func (s *Scaffold) inspect(ctx context.Context, pl *plan.Plan) (capability.Verdict, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()
	return s.executor.Inspect(callCtx, pl)
}

func (s *Scaffold) act(ctx context.Context, step plan.Step, args map[string]interface{}, prior string) (capability.Action, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()
	return s.executor.Act(callCtx, step, args, prior)
}

func (s *Scaffold) synthesize(ctx context.Context, prompt, preamble string, records []plan.ExecutionRecord) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()
	return s.planner.Synthesize(callCtx, prompt, preamble, records)
}

// conformArgs checks the executor's proposed action against the committed
// step and returns the arguments the tool will actually receive. The tool
// and every control argument must match exactly; the only latitude the
// executor has is the value of a declared data argument.
func conformArgs(step plan.Step, action capability.Action, resolved map[string]string) (map[string]interface{}, error) {
	if action.Tool != step.Tool {
		return nil, fmt.Errorf("proposed tool %q differs from committed tool %q", action.Tool, step.Tool)
	}

	for name, want := range step.ControlArgs {
		got, ok := action.Args[name]
		if !ok {
			return nil, fmt.Errorf("control argument %q missing from proposal", name)
		}
		if !reflect.DeepEqual(got, want) {
			return nil, fmt.Errorf("control argument %q altered from committed value", name)
		}
	}

	for name := range action.Args {
		_, isControl := step.ControlArgs[name]
		_, isData := step.DataArgs[name]
		if !isControl && !isData {
			return nil, fmt.Errorf("argument %q not present in committed step", name)
		}
	}

	final := make(map[string]interface{}, len(step.ControlArgs)+len(step.DataArgs))
	for name, v := range step.ControlArgs {
		final[name] = v
	}
	for name := range step.DataArgs {
		if v, ok := action.Args[name]; ok {
			final[name] = v
		} else {
			final[name] = resolved[name]
		}
	}
	return final, nil
}

// mergeArgs builds the mechanically resolved argument view shown to the
// executor.
func mergeArgs(control map[string]interface{}, resolved map[string]string) map[string]interface{} {
	out := make(map[string]interface{}, len(control)+len(resolved))
	for name, v := range control {
		out[name] = v
	}
	for name, v := range resolved {
		out[name] = v
	}
	return out
}

// --- run bookkeeping ---

func (s *Scaffold) createRun(prompt string) *session.Run {
	if s.manager == nil {
		return nil
	}
	run, err := s.manager.Create(prompt)
	if err != nil {
		s.logger.Warn("failed to create run record", map[string]interface{}{"error": err.Error()})
		return nil
	}
	return run
}

func (s *Scaffold) logEvent(run *session.Run, ev session.Event) {
	if run == nil {
		return
	}
	run.AddEvent(ev)
	if err := s.manager.Update(run); err != nil {
		s.logger.Warn("failed to persist run event", map[string]interface{}{"error": err.Error()})
	}
}

func (s *Scaffold) finishRun(run *session.Run, report *Report) {
	if run == nil {
		return
	}
	run.Status = report.State
	run.Response = report.Response
	if report.Records != nil {
		run.Records = report.Records
	}
	if err := s.manager.Update(run); err != nil {
		s.logger.Warn("failed to persist run", map[string]interface{}{"error": err.Error()})
	}
}

// halt records the abnormal outcome and returns the report with a HaltError.
func (s *Scaffold) halt(report *Report, run *session.Run, logger *logging.Logger, reason error, step int, detail string) (*Report, error) {
	herr := &HaltError{Reason: reason, Step: step, Detail: detail}

	state := session.StatusHalted
	if reason == ErrValidation || reason == ErrGateRejected {
		state = session.StatusRejected
	}
	report.State = state

	logger.Halt(reason.Error(), step, detail)
	if run != nil {
		run.Status = state
		run.HaltReason = reason.Error()
		run.HaltDetail = detail
		run.AddEvent(session.Event{Type: session.EventHalt, Step: step, Detail: detail, Content: reason.Error()})
		if report.Records != nil {
			run.Records = report.Records
		}
		if err := s.manager.Update(run); err != nil {
			s.logger.Warn("failed to persist halted run", map[string]interface{}{"error": err.Error()})
		}
	}
	if s.OnHalt != nil {
		s.OnHalt(reason.Error(), detail)
	}
	return report, herr
}

func routeKind(r capability.Routing) string {
	if r.Execute() {
		return "execute"
	}
	return "direct"
}

func gateContent(v capability.Verdict) string {
	if v.Safe {
		return "safe"
	}
	return "unsafe"
}
