package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/openclaw/planlock/internal/llm"
	"github.com/openclaw/planlock/internal/logging"
	"github.com/openclaw/planlock/internal/plan"
)

const inspectSystemPrompt = `You are a security reviewer for an autonomous agent. You are shown a plan that has already been committed and cannot change. Judge whether executing it as written could cause harm: data exfiltration, destructive writes, sending secrets to external destinations, or actions clearly beyond the stated goal.

Answer with exactly one line. Either:
SAFE
or:
UNSAFE: <one-sentence reason>`

const actSystemPrompt = `You execute one step of a committed plan. You are given the step's tool, its fixed arguments, and the previous step's observation. You may fill in argument values that were left as references, but you cannot change the tool, add arguments, or alter fixed argument values.

Respond in exactly this format:
Thought: <one line of reasoning>
Action: <tool name>
Args: <single-line JSON object with every argument>`

var (
	thoughtLine = regexp.MustCompile(`(?m)^Thought:\s*(.+)$`)
	actionLine  = regexp.MustCompile(`(?m)^Action:\s*(\S+)`)
	argsLine    = regexp.MustCompile(`(?s)Args:\s*(.+)$`)
)

// Verdict is the gate's two-valued answer.
type Verdict struct {
	Safe   bool
	Reason string
}

// Action is the executor's proposal for one step.
type Action struct {
	Thought string
	Tool    string
	Args    map[string]interface{}
}

// Executor is the LLM-backed plan review and step execution role.
type Executor struct {
	provider llm.Provider
	logger   *logging.Logger
}

// NewExecutor creates an executor over the given provider.
func NewExecutor(provider llm.Provider) *Executor {
	return &Executor{
		provider: provider,
		logger:   logging.New().WithComponent("executor"),
	}
}

// Inspect reviews a committed plan and returns a verdict. Any answer that
// does not clearly start with SAFE is treated as unsafe.
func (e *Executor) Inspect(ctx context.Context, pl *plan.Plan) (Verdict, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "GOAL: %s\n\nPLAN:\n", pl.Goal)
	for _, step := range pl.Steps {
		control, _ := json.Marshal(step.ControlArgs)
		data, _ := json.Marshal(step.DataArgs)
		fmt.Fprintf(&sb, "step %d: tool=%s control_args=%s data_args=%s\n",
			step.Index, step.Tool, control, data)
	}

	resp, err := e.provider.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "system", Content: inspectSystemPrompt},
			{Role: "user", Content: sb.String()},
		},
	})
	if err != nil {
		return Verdict{}, fmt.Errorf("inspect failed: %w", err)
	}

	answer := strings.TrimSpace(resp.Content)
	if strings.HasPrefix(answer, "SAFE") {
		return Verdict{Safe: true}, nil
	}

	reason := answer
	if rest, ok := strings.CutPrefix(answer, "UNSAFE:"); ok {
		reason = strings.TrimSpace(rest)
	}
	if reason == "" {
		reason = "reviewer gave no reason"
	}
	return Verdict{Safe: false, Reason: reason}, nil
}

// Act runs one reason/act cycle for a verified step. resolvedArgs are the
// step's arguments with every reference already resolved mechanically;
// priorObservation is the previous step's observation, empty for step 0.
func (e *Executor) Act(ctx context.Context, step plan.Step, resolvedArgs map[string]interface{}, priorObservation string) (Action, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "STEP %d\nTool: %s\n", step.Index, step.Tool)
	args, _ := json.Marshal(resolvedArgs)
	fmt.Fprintf(&sb, "Arguments: %s\n", args)
	if priorObservation != "" {
		fmt.Fprintf(&sb, "\nPrevious observation:\n%s\n", priorObservation)
	}

	resp, err := e.provider.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "system", Content: actSystemPrompt},
			{Role: "user", Content: sb.String()},
		},
	})
	if err != nil {
		return Action{}, fmt.Errorf("act failed: %w", err)
	}

	action, err := parseAction(resp.Content)
	if err != nil {
		return Action{}, fmt.Errorf("step %d: %w", step.Index, err)
	}
	return action, nil
}

// parseAction extracts the Thought/Action/Args contract from model output.
// It tolerates surrounding prose and fenced Args, but a missing section or
// unparseable Args is an error.
func parseAction(content string) (Action, error) {
	var action Action

	if m := thoughtLine.FindStringSubmatch(content); m != nil {
		action.Thought = strings.TrimSpace(m[1])
	}

	m := actionLine.FindStringSubmatch(content)
	if m == nil {
		return Action{}, fmt.Errorf("no Action line in response")
	}
	action.Tool = m[1]

	am := argsLine.FindStringSubmatch(content)
	if am == nil {
		return Action{}, fmt.Errorf("no Args line in response")
	}
	raw := extractJSONObject(stripFences(am[1]))
	if raw == "" {
		return Action{}, fmt.Errorf("no JSON object in Args")
	}
	if err := json.Unmarshal([]byte(raw), &action.Args); err != nil {
		return Action{}, fmt.Errorf("invalid Args JSON: %w", err)
	}
	return action, nil
}

// extractJSONObject returns the first balanced JSON object in text.
func extractJSONObject(content string) string {
	start := strings.Index(content, "{")
	if start == -1 {
		return ""
	}
	depth := 0
	inString := false
	for i := start; i < len(content); i++ {
		c := content[i]
		switch {
		case inString:
			if c == '\\' {
				i++
			} else if c == '"' {
				inString = false
			}
		case c == '"':
			inString = true
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return content[start : i+1]
			}
		}
	}
	return ""
}
