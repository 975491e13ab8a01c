// Package guardrail gates decisions from the external source through an ordered
// set of policy rules before the loop accepts them.
package guardrail

import (
	"fmt"

	"villagesim.ai/internal/decision"
	"villagesim.ai/internal/sim/model"
)

type Outcome string

const (
	OutcomeRewrite Outcome = "rewrite"
	OutcomeBlock   Outcome = "block"
)

// Context is what a rule predicate sees. Decision is the current, possibly
// already rewritten, proposal.
type Context struct {
	Agent    model.Agent
	Time     model.WorldTime
	Position model.TileID
	Decision decision.Decision
}

type Rule struct {
	Name      string
	Actions   []model.ActionType
	When      func(Context) bool
	Outcome   Outcome
	RewriteTo model.ActionType
	Reason    string
}

func (r Rule) governs(a model.ActionType) bool {
	for _, x := range r.Actions {
		if x == a {
			return true
		}
	}
	return false
}

func (r Rule) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("guardrail: rule without name")
	}
	if len(r.Actions) == 0 {
		return fmt.Errorf("guardrail %s: no actions", r.Name)
	}
	for _, a := range r.Actions {
		if !model.IsKnownAction(a) {
			return fmt.Errorf("guardrail %s: unknown action %q", r.Name, a)
		}
	}
	switch r.Outcome {
	case OutcomeBlock:
	case OutcomeRewrite:
		if !model.IsKnownAction(r.RewriteTo) {
			return fmt.Errorf("guardrail %s: unknown rewrite action %q", r.Name, r.RewriteTo)
		}
	default:
		return fmt.Errorf("guardrail %s: unknown outcome %q", r.Name, r.Outcome)
	}
	return nil
}

type Violation struct {
	Rule   string           `json:"rule"`
	Reason string           `json:"reason"`
	From   model.ActionType `json:"from"`
	To     model.ActionType `json:"to"`
}

func (v Violation) String() string {
	return fmt.Sprintf("%s: %s (%s -> %s)", v.Rule, v.Reason, v.From, v.To)
}

type Result struct {
	Decision   decision.Decision
	Validity   decision.Validity
	Violations []Violation
}

// ViolationStrings renders violations in evaluation order.
func (r Result) ViolationStrings() []string {
	out := make([]string, 0, len(r.Violations))
	for _, v := range r.Violations {
		out = append(out, v.String())
	}
	return out
}

// Pipeline evaluates rules in order. It holds no per-decision state, but Lua
// backed rules must only be evaluated from one goroutine.
type Pipeline struct {
	rules []Rule
}

func New(rules ...Rule) (*Pipeline, error) {
	p := &Pipeline{}
	if err := p.Append(rules...); err != nil {
		return nil, err
	}
	return p, nil
}

// Default returns a pipeline with the built-in village rules.
func Default() *Pipeline {
	return &Pipeline{rules: BuiltinRules()}
}

func (p *Pipeline) Append(rules ...Rule) error {
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			return err
		}
	}
	p.rules = append(p.rules, rules...)
	return nil
}

func (p *Pipeline) Rules() []string {
	out := make([]string, 0, len(p.rules))
	for _, r := range p.rules {
		out = append(out, r.Name)
	}
	return out
}

// Evaluate runs every rule against the proposal. A rewrite replaces the action
// and later rules see the rewritten one; a block rejects the whole decision.
func (p *Pipeline) Evaluate(ctx Context) (Result, error) {
	d := ctx.Decision
	var violations []Violation
	for _, r := range p.rules {
		if !r.governs(d.Action) {
			continue
		}
		ctx.Decision = d
		if r.When != nil && !r.When(ctx) {
			continue
		}
		if r.Outcome == OutcomeBlock {
			return Result{}, &decision.PolicyBlockedError{Rule: r.Name, Reason: r.Reason}
		}
		violations = append(violations, Violation{Rule: r.Name, Reason: r.Reason, From: d.Action, To: r.RewriteTo})
		d.Action = r.RewriteTo
		if !model.RequiresTarget(d.Action) {
			d.TargetTileID = ""
		}
	}
	res := Result{Decision: d, Validity: decision.ValidityAccepted, Violations: violations}
	if len(violations) > 0 {
		res.Validity = decision.ValidityRewritten
	}
	return res, nil
}
