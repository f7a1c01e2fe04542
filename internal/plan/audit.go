package plan

import (
	"fmt"
	"strconv"
	"time"
)

// ExecutionRecord is the durable outcome of one executed step: the tool
// actually invoked, the fully resolved arguments, and the observation.
// Failed records carry the failure kind so callers never have to parse
// observation text to distinguish failure from content.
type ExecutionRecord struct {
	Index       int                    `json:"index"`
	Tool        string                 `json:"tool"`
	Args        map[string]interface{} `json:"args"`
	Thought     string                 `json:"thought,omitempty"`
	Observation string                 `json:"observation"`
	Failed      bool                   `json:"failed,omitempty"`
	FailureKind string                 `json:"failure_kind,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
}

// AuditLog is the ordered, append-only record sequence for one run. Owned
// exclusively by a single scaffold run, never shared.
type AuditLog struct {
	records []ExecutionRecord
}

// Append adds a record. Indices must be strictly increasing and gap free:
// the next record's index must equal the current length.
func (l *AuditLog) Append(rec ExecutionRecord) error {
	if rec.Index != len(l.records) {
		return fmt.Errorf("audit log: record index %d out of order, want %d", rec.Index, len(l.records))
	}
	l.records = append(l.records, rec)
	return nil
}

// Len returns the number of records.
func (l *AuditLog) Len() int {
	return len(l.records)
}

// Last returns the most recent record, or nil if the log is empty.
func (l *AuditLog) Last() *ExecutionRecord {
	if len(l.records) == 0 {
		return nil
	}
	rec := l.records[len(l.records)-1]
	return &rec
}

// Records returns a copy of the record sequence.
func (l *AuditLog) Records() []ExecutionRecord {
	return append([]ExecutionRecord(nil), l.records...)
}

// RuntimeContext holds the values data-argument references resolve against:
// the run prompt, the start time, and observations recorded so far. It is a
// separate runtime view; nothing here ever feeds back into the committed
// plan or its hashes.
type RuntimeContext struct {
	prompt       string
	startedAt    time.Time
	observations map[int]string
}

// NewRuntimeContext creates the resolution context for one run.
func NewRuntimeContext(prompt string, startedAt time.Time) *RuntimeContext {
	return &RuntimeContext{
		prompt:       prompt,
		startedAt:    startedAt,
		observations: make(map[int]string),
	}
}

// RecordObservation stores a step's observation for later references.
func (rc *RuntimeContext) RecordObservation(index int, observation string) {
	rc.observations[index] = observation
}

// Resolve returns the concrete value for a validated reference.
func (rc *RuntimeContext) Resolve(ref string) (string, error) {
	switch ref {
	case KeyPrompt:
		return rc.prompt, nil
	case KeyStartedAt:
		return rc.startedAt.UTC().Format(time.RFC3339), nil
	}
	m := observationRef.FindStringSubmatch(ref)
	if m == nil {
		return "", fmt.Errorf("unresolvable reference %q", ref)
	}
	k, _ := strconv.Atoi(m[1])
	obs, ok := rc.observations[k]
	if !ok {
		return "", fmt.Errorf("reference %q: no observation recorded for step %d", ref, k)
	}
	return obs, nil
}

// ResolveDataArgs resolves every data argument of the step against the
// runtime context. Runs strictly after the step's leaf verification.
func (s Step) ResolveDataArgs(rc *RuntimeContext) (map[string]string, error) {
	if len(s.DataArgs) == 0 {
		return map[string]string{}, nil
	}
	out := make(map[string]string, len(s.DataArgs))
	for name, ref := range s.DataArgs {
		val, err := rc.Resolve(ref)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", s.Index, err)
		}
		out[name] = val
	}
	return out, nil
}
