// Package plan defines the committed execution plan: steps, their canonical
// byte encoding, validation rules, and the append-only audit log of results.
package plan

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"

	"github.com/gowebpki/jcs"
)

// Well-known runtime context keys usable as data-argument references.
const (
	KeyPrompt    = "run.prompt"
	KeyStartedAt = "run.started_at"
)

// Destination-class argument names may never be late bound. Committing a
// step must pin every place it can write to or reach out to; only
// outcome-dependent content is dynamic.
var deniedDynamic = map[string]bool{
	"path":  true,
	"url":   true,
	"query": true,
}

// observationRef matches references to a prior step's observation slot.
var observationRef = regexp.MustCompile(`^steps\[(\d+)\]\.observation$`)

// Step is one planned action. ControlArgs are literal values fixed at commit
// time. DataArgs map argument names to symbolic references resolved only at
// execution time; the reference string, not the resolved value, is what the
// commitment binds.
type Step struct {
	Index       int                    `json:"index"`
	Tool        string                 `json:"tool"`
	ControlArgs map[string]interface{} `json:"control_args"`
	DataArgs    map[string]string      `json:"data_args"`
}

// ObservationRef returns the reference string for step k's observation.
func ObservationRef(k int) string {
	return fmt.Sprintf("steps[%d].observation", k)
}

// Canonical returns the stable byte encoding of the step used for hashing:
// RFC 8785 canonical JSON of {index, tool, control_args, data_args}. Nil and
// empty maps encode identically, key order never matters, and numeric values
// cannot collide with numeric-looking strings.
func (s Step) Canonical() ([]byte, error) {
	type wire struct {
		Index       int                    `json:"index"`
		Tool        string                 `json:"tool"`
		ControlArgs map[string]interface{} `json:"control_args"`
		DataArgs    map[string]string      `json:"data_args"`
	}

	w := wire{Index: s.Index, Tool: s.Tool, ControlArgs: s.ControlArgs, DataArgs: s.DataArgs}
	if w.ControlArgs == nil {
		w.ControlArgs = map[string]interface{}{}
	}
	if w.DataArgs == nil {
		w.DataArgs = map[string]string{}
	}

	raw, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("encode step %d: %w", s.Index, err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize step %d: %w", s.Index, err)
	}
	return canonical, nil
}

// ToolSet is the read-only capability view the plan validates against.
type ToolSet interface {
	Has(name string) bool
}

// Plan is an ordered sequence of steps. Immutable once committed: the
// scaffold commits a hash tree over the canonical steps and treats any
// later divergence as tampering.
type Plan struct {
	Goal  string `json:"goal"`
	Steps []Step `json:"steps"`
}

// Parse decodes a raw plan payload and validates it against the tool set.
// Fails closed: any malformed structure rejects the whole plan.
func Parse(raw []byte, tools ToolSet) (*Plan, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()

	var p Plan
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("malformed plan payload: %w", err)
	}
	if err := p.Validate(tools); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks the plan against construction-time rules and assigns
// sequential step indices. Rules: at least one step; every tool must exist
// in the tool set; data-argument names must not collide with control
// arguments or name a destination-class parameter; every data-argument
// reference must point at a prior step's observation or a well-known
// runtime key.
func (p *Plan) Validate(tools ToolSet) error {
	if len(p.Steps) == 0 {
		return fmt.Errorf("plan has no steps")
	}

	for i := range p.Steps {
		step := &p.Steps[i]
		step.Index = i

		if step.Tool == "" {
			return fmt.Errorf("step %d: missing tool name", i)
		}
		if !tools.Has(step.Tool) {
			return fmt.Errorf("step %d: unknown tool %q", i, step.Tool)
		}

		for name, ref := range step.DataArgs {
			if deniedDynamic[name] {
				return fmt.Errorf("step %d: argument %q is destination-class and must be a control argument", i, name)
			}
			if _, dup := step.ControlArgs[name]; dup {
				return fmt.Errorf("step %d: argument %q declared as both control and data", i, name)
			}
			if err := checkRef(ref, i); err != nil {
				return fmt.Errorf("step %d: data argument %q: %w", i, name, err)
			}
		}
	}

	return nil
}

// checkRef validates a data-argument reference for the step at index.
func checkRef(ref string, index int) error {
	if ref == KeyPrompt || ref == KeyStartedAt {
		return nil
	}
	m := observationRef.FindStringSubmatch(ref)
	if m == nil {
		return fmt.Errorf("invalid reference %q", ref)
	}
	k, err := strconv.Atoi(m[1])
	if err != nil {
		return fmt.Errorf("invalid reference %q", ref)
	}
	if k >= index {
		return fmt.Errorf("reference %q does not point at a prior step", ref)
	}
	return nil
}

// CanonicalSteps returns the canonical encoding of every step in order.
// This is the leaf set the hash tree commits to.
func (p *Plan) CanonicalSteps() ([][]byte, error) {
	out := make([][]byte, len(p.Steps))
	for i, s := range p.Steps {
		enc, err := s.Canonical()
		if err != nil {
			return nil, err
		}
		out[i] = enc
	}
	return out, nil
}
