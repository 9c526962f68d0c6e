// Package policy loads the acceptance/escalation policy tables. The
// settlement kernel consults the latency bands (§4.7 partial-percent
// banding). Escalation rules are CEL expressions over a call's observed
// variables, evaluated by Profile.Evaluate; neither pkg/gate nor
// pkg/kernel calls Evaluate. Policy documents are YAML.
package policy

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/cel-go/cel"
	"gopkg.in/yaml.v3"

	"github.com/settld/kernel/pkg/canonicalize"
)

// LatencyBand maps a latency overrun (as a percentage of
// acceptanceCriteria.maxLatencyMs) to an integer settlement release rate.
// Bands are evaluated in ascending MaxOverrunPct order; the first band
// whose MaxOverrunPct is >= the observed overrun applies.
//
// This banding table is this kernel's resolution of the spec's Open
// Question on partial-settlement percent mapping: maxLatencyMs is the
// only acceptance dimension eligible for partial credit. requireOutput
// and maxOutputBytes remain hard checks (see pkg/kernel).
type LatencyBand struct {
	MaxOverrunPct float64 `yaml:"maxOverrunPct"`
	ReleaseRatePct int    `yaml:"releaseRatePct"`
}

// EscalationRule is a named CEL boolean expression; Evaluate reports the
// names of the rules that evaluate true against a decision's observed
// variables.
type EscalationRule struct {
	Name       string `yaml:"name"`
	Expression string `yaml:"expression"`
}

// Profile is one versioned, hash-fingerprinted policy document.
type Profile struct {
	Version           string           `yaml:"version"`
	LatencyBands      []LatencyBand    `yaml:"latencyBands"`
	EscalationRules   []EscalationRule `yaml:"escalationRules"`

	compiled []cel.Program
}

// Load parses a YAML policy document and compiles its CEL expressions.
func Load(data []byte) (*Profile, error) {
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("policy: parse: %w", err)
	}
	sort.Slice(p.LatencyBands, func(i, j int) bool {
		return p.LatencyBands[i].MaxOverrunPct < p.LatencyBands[j].MaxOverrunPct
	})

	env, err := cel.NewEnv(
		cel.Variable("amountCents", cel.IntType),
		cel.Variable("currency", cel.StringType),
		cel.Variable("toolId", cel.StringType),
		cel.Variable("decision", cel.StringType),
		cel.Variable("releaseRatePct", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: cel env: %w", err)
	}

	p.compiled = make([]cel.Program, len(p.EscalationRules))
	for i, rule := range p.EscalationRules {
		ast, issues := env.Compile(rule.Expression)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("policy: rule %q: %w", rule.Name, issues.Err())
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("policy: rule %q: program: %w", rule.Name, err)
		}
		p.compiled[i] = prg
	}
	return &p, nil
}

// Fingerprint is the deterministic hash bound into every DecisionRecord
// (§3: "policyFingerprint"), letting the verifier confirm which policy
// version produced a decision without re-loading it.
func (p *Profile) Fingerprint() (string, error) {
	return canonicalize.Hash(map[string]any{
		"version":         p.Version,
		"latencyBands":    p.LatencyBands,
		"escalationRules": p.EscalationRules,
	})
}

// ReleaseRateForOverrun returns the banded release rate for a latency
// overrun percentage (0 means on-time or early), and whether any band
// covers it. An overrun past every configured band is uncovered: the
// kernel treats that as a hard rejection, never silently clamping.
func (p *Profile) ReleaseRateForOverrun(overrunPct float64) (int, bool) {
	for _, b := range p.LatencyBands {
		if overrunPct <= b.MaxOverrunPct {
			return b.ReleaseRatePct, true
		}
	}
	return 0, false
}

// Vars is the set of observed variables an escalation rule may reference.
type Vars struct {
	AmountCents    int64
	Currency       string
	ToolID         string
	Decision       string
	ReleaseRatePct int
}

// Evaluate returns the names of every escalation rule that matches vars.
func (p *Profile) Evaluate(_ context.Context, vars Vars) ([]string, error) {
	input := map[string]any{
		"amountCents":    vars.AmountCents,
		"currency":       vars.Currency,
		"toolId":         vars.ToolID,
		"decision":       vars.Decision,
		"releaseRatePct": int64(vars.ReleaseRatePct),
	}
	var matched []string
	for i, rule := range p.EscalationRules {
		out, _, err := p.compiled[i].Eval(input)
		if err != nil {
			return nil, fmt.Errorf("policy: eval rule %q: %w", rule.Name, err)
		}
		if b, ok := out.Value().(bool); ok && b {
			matched = append(matched, rule.Name)
		}
	}
	return matched, nil
}

// DefaultProfile is a conservative built-in profile used when no
// operator-supplied policy document is configured.
func DefaultProfile() *Profile {
	p, err := Load([]byte(`
version: "default-v1"
latencyBands:
  - maxOverrunPct: 0
    releaseRatePct: 100
  - maxOverrunPct: 10
    releaseRatePct: 90
  - maxOverrunPct: 25
    releaseRatePct: 75
  - maxOverrunPct: 50
    releaseRatePct: 50
escalationRules:
  - name: high_value_partial
    expression: "decision == 'partial' && amountCents > 100000"
  - name: high_value_auto_settle
    expression: "decision == 'accepted' && amountCents > 1000000"
`))
	if err != nil {
		panic(fmt.Sprintf("policy: default profile failed to compile: %v", err))
	}
	return p
}
