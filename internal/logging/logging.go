// Package logging provides structured, leveled logging for runs.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Level represents log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// Logger writes structured log lines.
type Logger struct {
	mu        sync.Mutex
	output    io.Writer
	minLevel  Level
	component string
	runID     string
}

// levelPriority maps levels to numeric priority for filtering.
var levelPriority = map[Level]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// defaultLevel is the minimum level for newly created loggers.
var defaultLevel = LevelInfo

// SetDefaultLevel sets the minimum level used by New. Call before any
// components create their loggers.
func SetDefaultLevel(level Level) {
	defaultLevel = level
}

// New creates a new Logger writing to stderr at the default level.
func New() *Logger {
	return &Logger{
		output:   os.Stderr,
		minLevel: defaultLevel,
	}
}

// WithComponent returns a new logger scoped to the given component name.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		output:    l.output,
		minLevel:  l.minLevel,
		component: component,
		runID:     l.runID,
	}
}

// WithRunID returns a new logger scoped to one run.
func (l *Logger) WithRunID(runID string) *Logger {
	return &Logger{
		output:    l.output,
		minLevel:  l.minLevel,
		component: l.component,
		runID:     runID,
	}
}

// SetLevel sets the minimum log level.
func (l *Logger) SetLevel(level Level) {
	l.minLevel = level
}

// SetOutput sets the output writer (default: stderr).
func (l *Logger) SetOutput(w io.Writer) {
	l.output = w
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, fields ...map[string]interface{}) {
	l.log(LevelDebug, msg, fields...)
}

// Info logs an info message.
func (l *Logger) Info(msg string, fields ...map[string]interface{}) {
	l.log(LevelInfo, msg, fields...)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, fields ...map[string]interface{}) {
	l.log(LevelWarn, msg, fields...)
}

// Error logs an error message.
func (l *Logger) Error(msg string, fields ...map[string]interface{}) {
	l.log(LevelError, msg, fields...)
}

// formatFields formats a map of fields as key=value pairs.
func formatFields(fields map[string]interface{}) string {
	if len(fields) == 0 {
		return ""
	}
	var parts []string
	for k, v := range fields {
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	return " " + strings.Join(parts, " ")
}

// log writes a line: LEVEL TIMESTAMP [component] message key=value ...
func (l *Logger) log(level Level, msg string, fields ...map[string]interface{}) {
	if levelPriority[level] < levelPriority[l.minLevel] {
		return
	}

	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")

	var fieldStr string
	if len(fields) > 0 && fields[0] != nil {
		f := fields[0]
		if l.runID != "" {
			merged := make(map[string]interface{}, len(f)+1)
			for k, v := range f {
				merged[k] = v
			}
			merged["run"] = l.runID
			f = merged
		}
		fieldStr = formatFields(f)
	} else if l.runID != "" {
		fieldStr = formatFields(map[string]interface{}{"run": l.runID})
	}

	var line string
	if l.component != "" {
		line = fmt.Sprintf("%-5s %s [%s] %s%s\n", level, timestamp, l.component, msg, fieldStr)
	} else {
		line = fmt.Sprintf("%-5s %s %s%s\n", level, timestamp, msg, fieldStr)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.output.Write([]byte(line))
}

// --- Run lifecycle ---

// RunStart logs the start of a scaffold run.
func (l *Logger) RunStart(prompt string) {
	l.Info("run_start", map[string]interface{}{
		"prompt_len": len(prompt),
	})
}

// RunComplete logs the end of a run.
func (l *Logger) RunComplete(state string, duration time.Duration) {
	l.Info("run_complete", map[string]interface{}{
		"state":    state,
		"duration": duration.String(),
	})
}

// DirectResponse logs a run answered without a plan.
func (l *Logger) DirectResponse() {
	l.Info("direct_response", nil)
}

// --- Commitment and verification ---

// PlanCommitted logs the committed root and step count.
func (l *Logger) PlanCommitted(root string, steps int) {
	l.Info("plan_committed", map[string]interface{}{
		"root":  root,
		"steps": steps,
	})
}

// GateVerdict logs the safety gate outcome.
func (l *Logger) GateVerdict(safe bool, reason string) {
	fields := map[string]interface{}{"safe": safe}
	if reason != "" {
		fields["reason"] = reason
	}
	if safe {
		l.Info("gate_verdict", fields)
	} else {
		l.Warn("gate_verdict", fields)
	}
}

// LeafVerified logs a passed per-step hash check.
func (l *Logger) LeafVerified(index int, leaf string) {
	l.Debug("leaf_verified", map[string]interface{}{
		"step": index,
		"leaf": leaf,
	})
}

// IntegrityHalt logs a failed integrity check. Kept distinct from other
// failures so monitors can alert on it specifically.
func (l *Logger) IntegrityHalt(index int, detail string) {
	l.Error("integrity_halt", map[string]interface{}{
		"step":     index,
		"detail":   detail,
		"security": true,
	})
}

// RootVerified logs the post-run root check result.
func (l *Logger) RootVerified(ok bool, root string) {
	fields := map[string]interface{}{"ok": ok, "root": root}
	if ok {
		l.Info("root_verified", fields)
	} else {
		l.Error("root_mismatch", fields)
	}
}

// Halt logs a terminal halt with its reason class.
func (l *Logger) Halt(reason string, step int, detail string) {
	l.Error("run_halt", map[string]interface{}{
		"reason": reason,
		"step":   step,
		"detail": detail,
	})
}

// --- Tool invocation ---

// ToolCall logs a tool invocation. Argument values are not logged.
func (l *Logger) ToolCall(step int, tool string) {
	l.Info("tool_call", map[string]interface{}{
		"step": step,
		"tool": tool,
	})
}

// ToolResult logs a tool outcome.
func (l *Logger) ToolResult(step int, tool string, duration time.Duration, failureKind string) {
	fields := map[string]interface{}{
		"step":     step,
		"tool":     tool,
		"duration": duration.String(),
	}
	if failureKind != "" {
		fields["failure"] = failureKind
		l.Warn("tool_failure", fields)
	} else {
		l.Debug("tool_result", fields)
	}
}
