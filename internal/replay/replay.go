// Package replay renders a persisted run's event timeline for forensics.
package replay

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/openclaw/planlock/internal/session"
)

// Replayer formats run timelines.
type Replayer struct {
	output  io.Writer
	verbose bool
}

// New creates a Replayer writing to output.
func New(output io.Writer, verbose bool) *Replayer {
	return &Replayer{
		output:  output,
		verbose: verbose,
	}
}

// ReplayFile loads a run from a JSON file and replays it.
func (r *Replayer) ReplayFile(path string) error {
	run, err := session.LoadFile(path)
	if err != nil {
		return err
	}
	return r.Replay(run)
}

// Replay writes the formatted timeline of a run.
func (r *Replayer) Replay(run *session.Run) error {
	_, err := io.WriteString(r.output, r.Render(run))
	return err
}

// Render builds the formatted timeline as a string.
func (r *Replayer) Render(run *session.Run) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "╔══════════════════════════════════════════════════════════════════════╗\n")
	fmt.Fprintf(&sb, "║ RUN: %-64s ║\n", run.ID)
	fmt.Fprintf(&sb, "╠══════════════════════════════════════════════════════════════════════╣\n")
	fmt.Fprintf(&sb, "║ Status:  %-60s ║\n", run.Status)
	fmt.Fprintf(&sb, "║ Prompt:  %-60s ║\n", truncate(run.Prompt, 60))
	if run.Root != "" {
		fmt.Fprintf(&sb, "║ Root:    %-60s ║\n", run.Root)
	}
	fmt.Fprintf(&sb, "║ Created: %-60s ║\n", run.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(&sb, "╚══════════════════════════════════════════════════════════════════════╝\n\n")

	fmt.Fprintf(&sb, "TIMELINE (%d events)\n", len(run.Events))
	fmt.Fprintf(&sb, "─────────────────────────────────────────────────────────────────────────\n")

	for i, ev := range run.Events {
		r.formatEvent(&sb, i+1, &ev)
	}

	fmt.Fprintf(&sb, "\n─────────────────────────────────────────────────────────────────────────\n")
	switch run.Status {
	case session.StatusComplete:
		fmt.Fprintf(&sb, "✓ COMPLETED\n")
	case session.StatusRejected:
		fmt.Fprintf(&sb, "✗ REJECTED: %s\n", run.HaltDetail)
	case session.StatusHalted:
		fmt.Fprintf(&sb, "⛔ HALTED (%s): %s\n", run.HaltReason, run.HaltDetail)
	default:
		fmt.Fprintf(&sb, "⋯ RUNNING\n")
	}

	if r.verbose && run.Response != "" {
		fmt.Fprintf(&sb, "\nRESPONSE:\n%s\n", run.Response)
	}

	return sb.String()
}

// formatEvent formats a single timeline entry.
func (r *Replayer) formatEvent(sb *strings.Builder, seq int, ev *session.Event) {
	ts := ev.Timestamp.Format("15:04:05.000")

	switch ev.Type {
	case session.EventRoute:
		fmt.Fprintf(sb, "%4d │ %s │ ▶ ROUTE: %s\n", seq, ts, ev.Detail)

	case session.EventPlanCommitted:
		fmt.Fprintf(sb, "%4d │ %s │ 🔒 PLAN COMMITTED: %s\n", seq, ts, ev.Detail)
		if r.verbose && ev.Hash != "" {
			printIndented(sb, "root="+ev.Hash)
		}

	case session.EventGateVerdict:
		if ev.Content == "safe" {
			fmt.Fprintf(sb, "%4d │ %s │ 🛡  GATE: safe\n", seq, ts)
		} else {
			fmt.Fprintf(sb, "%4d │ %s │ 🛡  GATE: UNSAFE — %s\n", seq, ts, ev.Detail)
		}

	case session.EventLeafVerified:
		fmt.Fprintf(sb, "%4d │ %s │ ✓ LEAF VERIFIED: step %d\n", seq, ts, ev.Step)
		if r.verbose && ev.Hash != "" {
			printIndented(sb, "leaf="+ev.Hash)
		}

	case session.EventToolCall:
		fmt.Fprintf(sb, "%4d │ %s │ 🔧 TOOL CALL: step %d %s\n", seq, ts, ev.Step, ev.Tool)
		if r.verbose && len(ev.Args) > 0 {
			printIndented(sb, formatArgs(ev.Args))
		}

	case session.EventToolResult:
		status := "✓"
		if ev.Detail != "" {
			status = "✗"
		}
		fmt.Fprintf(sb, "%4d │ %s │ %s TOOL RESULT: step %d %s (%dms)\n", seq, ts, status, ev.Step, ev.Tool, ev.DurationMs)
		if ev.Detail != "" {
			printIndented(sb, "failure: "+ev.Detail)
		} else if r.verbose && ev.Content != "" {
			printIndented(sb, truncate(ev.Content, 200))
		}

	case session.EventRecordAppended:
		fmt.Fprintf(sb, "%4d │ %s │ 📝 RECORD: step %d %s\n", seq, ts, ev.Step, ev.Tool)

	case session.EventRootVerified:
		if ev.Content == "ok=true" {
			fmt.Fprintf(sb, "%4d │ %s │ 🔒 ROOT VERIFIED\n", seq, ts)
		} else {
			fmt.Fprintf(sb, "%4d │ %s │ ✗ ROOT MISMATCH\n", seq, ts)
		}
		if r.verbose && ev.Hash != "" {
			printIndented(sb, "root="+ev.Hash)
		}

	case session.EventHalt:
		fmt.Fprintf(sb, "%4d │ %s │ ⛔ HALT: %s\n", seq, ts, ev.Content)
		if ev.Detail != "" {
			printIndented(sb, ev.Detail)
		}

	case session.EventSynthesis:
		fmt.Fprintf(sb, "%4d │ %s │ 💬 SYNTHESIS\n", seq, ts)

	default:
		fmt.Fprintf(sb, "%4d │ %s │ ⬛ %s\n", seq, ts, ev.Type)
	}
}

// printIndented prints text under the timeline gutter.
func printIndented(sb *strings.Builder, text string) {
	for _, line := range strings.Split(text, "\n") {
		if line != "" {
			fmt.Fprintf(sb, "     │              │     %s\n", line)
		}
	}
}

// truncate truncates a string to max length.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

// formatArgs formats tool arguments for display.
func formatArgs(args map[string]interface{}) string {
	var parts []string
	for k, v := range args {
		s := fmt.Sprintf("%v", v)
		if len(s) > 50 {
			s = s[:47] + "..."
		}
		parts = append(parts, fmt.Sprintf("%s=%s", k, s))
	}
	return strings.Join(parts, ", ")
}
