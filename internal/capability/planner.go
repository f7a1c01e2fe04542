// Package capability provides the LLM-backed planner and executor roles.
// The planner routes a prompt and synthesizes the final answer; the executor
// reviews a committed plan and proposes one tool action per step. Neither role
// verifies anything itself; verification belongs to the scaffold.
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
	"github.com/openclaw/planlock/internal/tools"
)

const plannerSystemPrompt = `You are a planning assistant. Decide how to handle the user's request.

If you can answer directly from your own knowledge, just answer. Do not plan.

If the request needs tools, emit a complete plan as JSON inside a <planthenexecute> tag:

<planthenexecute>
{
  "goal": "one-line restatement of the request",
  "steps": [
    {"tool": "tool_name", "control_args": {...}, "data_args": {...}}
  ]
}
</planthenexecute>

Rules for plans:
- control_args hold every value you can decide now. Destinations (path, url, query) are always control_args.
- data_args hold values that depend on earlier results. Each value is a reference string: "steps[k].observation" for the observation of step k (k must be earlier), "run.prompt" for the user's request, or "run.started_at" for the run start time.
- A key appears in control_args or data_args, never both.
- Plan every step up front. The plan cannot change once execution begins.

Available tools:
%s`

const synthesisSystemPrompt = `You are composing the final answer to a user's request. You are given the original request and a verified trace of the tool steps that ran. Answer the request using the trace. Do not mention the trace mechanics.`

// planTag matches the plan block the planner emits when it chooses execution.
var planTag = regexp.MustCompile(`(?s)<planthenexecute>\s*(.*?)\s*</planthenexecute>`)

// Routing is the planner's decision for one prompt. RawPlan is empty for a
// direct answer; Text carries the answer (direct) or the surrounding prose
// (execution).
type Routing struct {
	RawPlan string
	Text    string
}

// Execute reports whether the planner chose plan execution.
func (r Routing) Execute() bool { return r.RawPlan != "" }

// Planner is the LLM-backed routing and synthesis role.
type Planner struct {
	provider llm.Provider
	registry *tools.Registry
	logger   *logging.Logger
}

// NewPlanner creates a planner over the given provider and tool registry.
func NewPlanner(provider llm.Provider, registry *tools.Registry) *Planner {
	return &Planner{
		provider: provider,
		registry: registry,
		logger:   logging.New().WithComponent("planner"),
	}
}

// Route asks the model to answer directly or emit a plan. The raw plan text
// is returned unparsed.
func (p *Planner) Route(ctx context.Context, prompt string) (Routing, error) {
	resp, err := p.provider.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "system", Content: fmt.Sprintf(plannerSystemPrompt, p.describeTools())},
			{Role: "user", Content: prompt},
		},
	})
	if err != nil {
		return Routing{}, fmt.Errorf("route failed: %w", err)
	}

	content := resp.Content
	m := planTag.FindStringSubmatch(content)
	if m == nil {
		p.logger.Debug("routed direct", nil)
		return Routing{Text: strings.TrimSpace(content)}, nil
	}

	rawPlan := stripFences(m[1])
	preamble := strings.TrimSpace(planTag.ReplaceAllString(content, ""))
	p.logger.Debug("routed to execution", map[string]interface{}{
		"plan_bytes": len(rawPlan),
	})
	return Routing{RawPlan: rawPlan, Text: preamble}, nil
}

// Synthesize composes the final answer from the verified execution trace.
// Callers must not invoke this before the trace has been verified.
func (p *Planner) Synthesize(ctx context.Context, prompt, preamble string, records []plan.ExecutionRecord) (string, error) {
	var sb strings.Builder
	sb.WriteString("REQUEST:\n")
	sb.WriteString(prompt)
	if preamble != "" {
		sb.WriteString("\n\nPLANNING NOTES:\n")
		sb.WriteString(preamble)
	}
	sb.WriteString("\n\nEXECUTION TRACE:\n")
	for _, rec := range records {
		fmt.Fprintf(&sb, "step %d (%s)", rec.Index, rec.Tool)
		if rec.Failed {
			fmt.Fprintf(&sb, " [failed: %s]", rec.FailureKind)
		}
		sb.WriteString(":\n")
		sb.WriteString(rec.Observation)
		sb.WriteString("\n\n")
	}
	sb.WriteString("Compose the final answer to the request.")

	resp, err := p.provider.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "system", Content: synthesisSystemPrompt},
			{Role: "user", Content: sb.String()},
		},
	})
	if err != nil {
		return "", fmt.Errorf("synthesis failed: %w", err)
	}
	return strings.TrimSpace(resp.Content), nil
}

// describeTools formats the registry for the planner prompt.
func (p *Planner) describeTools() string {
	defs := p.registry.Definitions()
	if len(defs) == 0 {
		return "(none)"
	}
	var sb strings.Builder
	for _, def := range defs {
		params, _ := json.Marshal(def.Parameters)
		fmt.Fprintf(&sb, "- %s: %s\n  parameters: %s\n", def.Name, def.Description, params)
	}
	return strings.TrimRight(sb.String(), "\n")
}

// stripFences removes a surrounding markdown code fence if present.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
