package policy

import (
	"context"
	"fmt"
	"strings"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"

	"github.com/openherd/openherd/pkg/engine"
)

// RegoPolicy evaluates pre- and post-operation hooks written in Rego.
// A module opts into a phase by defining the corresponding rule:
//
//	precheck  - evaluated BEFORE the driver call
//	postcheck - evaluated AFTER a successful driver call
//
// Each rule yields an object with an "allow" boolean and optional
// "reason" and "adjust_inputs" fields.
type RegoPolicy struct {
	name     string
	hasPre   bool
	hasPost  bool
	preQuery rego.PreparedEvalQuery
	postQ    rego.PreparedEvalQuery
}

var _ engine.PolicyChecker = (*RegoPolicy)(nil)

// regoInput is the input document visible to policy rules.
type regoInput struct {
	Phase   string                 `json:"phase"`
	Action  *engine.Action         `json:"action"`
	Cluster *engine.Cluster        `json:"cluster"`
	Nodes   []*engine.Node         `json:"nodes"`
	Params  map[string]interface{} `json:"params"`
	Outputs map[string]interface{} `json:"outputs,omitempty"`
}

// NewRegoPolicy compiles a Rego module into a policy checker.
func NewRegoPolicy(ctx context.Context, name, source string) (*RegoPolicy, error) {
	module, err := ast.ParseModule(name, source)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy %s: %w", name, err)
	}

	pkg := strings.TrimPrefix(module.Package.Path.String(), "data.")

	p := &RegoPolicy{name: name}
	for _, rule := range module.Rules {
		switch rule.Head.Name.String() {
		case "precheck":
			p.hasPre = true
		case "postcheck":
			p.hasPost = true
		}
	}
	if !p.hasPre && !p.hasPost {
		return nil, fmt.Errorf("policy %s defines neither precheck nor postcheck", name)
	}

	if p.hasPre {
		p.preQuery, err = rego.New(
			rego.Module(name, source),
			rego.Query(fmt.Sprintf("data.%s.precheck", pkg)),
		).PrepareForEval(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to prepare precheck query for %s: %w", name, err)
		}
	}
	if p.hasPost {
		p.postQ, err = rego.New(
			rego.Module(name, source),
			rego.Query(fmt.Sprintf("data.%s.postcheck", pkg)),
		).PrepareForEval(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to prepare postcheck query for %s: %w", name, err)
		}
	}

	return p, nil
}

func (p *RegoPolicy) Name() string { return p.name }

func (p *RegoPolicy) NeedsCheck(phase string, _ engine.ActionType) bool {
	switch phase {
	case PhaseBefore:
		return p.hasPre
	case PhaseAfter:
		return p.hasPost
	}
	return false
}

func (p *RegoPolicy) PreCheck(ctx context.Context, cc *engine.CheckContext) (*engine.CheckResult, error) {
	return p.eval(ctx, p.preQuery, PhaseBefore, cc)
}

func (p *RegoPolicy) PostCheck(ctx context.Context, cc *engine.CheckContext) (*engine.CheckResult, error) {
	return p.eval(ctx, p.postQ, PhaseAfter, cc)
}

func (p *RegoPolicy) eval(ctx context.Context, query rego.PreparedEvalQuery, phase string, cc *engine.CheckContext) (*engine.CheckResult, error) {
	input := &regoInput{
		Phase:   phase,
		Action:  cc.Action,
		Cluster: cc.Cluster,
		Nodes:   cc.Nodes,
		Outputs: cc.Outputs,
	}
	if cc.Binding != nil {
		input.Params = cc.Binding.Params
	}

	results, err := query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	// An undefined decision allows the action.
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return &engine.CheckResult{Allow: true}, nil
	}

	decision, ok := results[0].Expressions[0].Value.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("policy %s: decision is not an object", p.name)
	}

	res := &engine.CheckResult{Allow: true}
	if allow, ok := decision["allow"].(bool); ok {
		res.Allow = allow
	}
	if reason, ok := decision["reason"].(string); ok {
		res.Reason = reason
	}
	if adjust, ok := decision["adjust_inputs"].(map[string]interface{}); ok {
		merged := make(map[string]interface{}, len(cc.Action.Inputs)+len(adjust))
		for k, v := range cc.Action.Inputs {
			merged[k] = v
		}
		for k, v := range adjust {
			merged[k] = v
		}
		res.AdjustedInputs = merged
	}

	return res, nil
}
