package policy

import (
	"context"
	"encoding/json"
	"fmt"

	"go.starlark.net/starlark"

	"github.com/openherd/openherd/pkg/engine"
)

// StarlarkPolicy evaluates hooks written as Starlark scripts. A script
// opts into a phase by defining the corresponding function:
//
//	pre_check(ctx)  - evaluated BEFORE the driver call
//	post_check(ctx) - evaluated AFTER a successful driver call
//
// ctx is a dict with "phase", "action", "cluster", "nodes", "params"
// and (post only) "outputs". The function returns a dict with an
// "allow" boolean and optional "reason" and "adjust_inputs" entries.
type StarlarkPolicy struct {
	name    string
	source  string
	preFn   starlark.Callable
	postFn  starlark.Callable
	globals starlark.StringDict
}

var _ engine.PolicyChecker = (*StarlarkPolicy)(nil)

// NewStarlarkPolicy executes the script once and captures its hook
// functions.
func NewStarlarkPolicy(name, source string) (*StarlarkPolicy, error) {
	thread := &starlark.Thread{
		Name: "openherd",
		Print: func(_ *starlark.Thread, _ string) {
			// Policy scripts do not get stdout.
		},
	}

	globals, err := starlark.ExecFile(thread, name+".star", source, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to load policy %s: %w", name, err)
	}

	p := &StarlarkPolicy{name: name, source: source, globals: globals}
	if fn, ok := globals["pre_check"].(starlark.Callable); ok {
		p.preFn = fn
	}
	if fn, ok := globals["post_check"].(starlark.Callable); ok {
		p.postFn = fn
	}
	if p.preFn == nil && p.postFn == nil {
		return nil, fmt.Errorf("policy %s defines neither pre_check nor post_check", name)
	}

	return p, nil
}

func (p *StarlarkPolicy) Name() string { return p.name }

func (p *StarlarkPolicy) NeedsCheck(phase string, _ engine.ActionType) bool {
	switch phase {
	case PhaseBefore:
		return p.preFn != nil
	case PhaseAfter:
		return p.postFn != nil
	}
	return false
}

func (p *StarlarkPolicy) PreCheck(ctx context.Context, cc *engine.CheckContext) (*engine.CheckResult, error) {
	return p.call(ctx, p.preFn, PhaseBefore, cc)
}

func (p *StarlarkPolicy) PostCheck(ctx context.Context, cc *engine.CheckContext) (*engine.CheckResult, error) {
	return p.call(ctx, p.postFn, PhaseAfter, cc)
}

func (p *StarlarkPolicy) call(ctx context.Context, fn starlark.Callable, phase string, cc *engine.CheckContext) (*engine.CheckResult, error) {
	input, err := buildStarlarkContext(phase, cc)
	if err != nil {
		return nil, fmt.Errorf("policy %s: %w", p.name, err)
	}

	thread := &starlark.Thread{
		Name: "openherd",
		Print: func(_ *starlark.Thread, _ string) {
		},
	}
	// Honor cancellation of long-running scripts.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			thread.Cancel(ctx.Err().Error())
		case <-done:
		}
	}()

	value, err := starlark.Call(thread, fn, starlark.Tuple{input}, nil)
	if err != nil {
		return nil, fmt.Errorf("policy %s evaluation failed: %w", p.name, err)
	}

	return decodeStarlarkResult(p.name, value, cc)
}

// buildStarlarkContext converts the check context into a Starlark dict
// via a JSON round trip.
func buildStarlarkContext(phase string, cc *engine.CheckContext) (starlark.Value, error) {
	raw := map[string]interface{}{
		"phase":   phase,
		"action":  cc.Action,
		"cluster": cc.Cluster,
		"nodes":   cc.Nodes,
	}
	if cc.Binding != nil {
		raw["params"] = cc.Binding.Params
	}
	if cc.Outputs != nil {
		raw["outputs"] = cc.Outputs
	}

	b, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal context: %w", err)
	}
	var plain map[string]interface{}
	if err := json.Unmarshal(b, &plain); err != nil {
		return nil, fmt.Errorf("failed to unmarshal context: %w", err)
	}

	return toStarlarkValue(plain)
}

func decodeStarlarkResult(name string, value starlark.Value, cc *engine.CheckContext) (*engine.CheckResult, error) {
	if value == starlark.None {
		return &engine.CheckResult{Allow: true}, nil
	}

	goVal, err := fromStarlarkValue(value)
	if err != nil {
		return nil, fmt.Errorf("policy %s: %w", name, err)
	}
	decision, ok := goVal.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("policy %s: hook must return a dict, got %s", name, value.Type())
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

// toStarlarkValue converts a Go value to a Starlark value.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			starlarkItem, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = starlarkItem
		}
		return starlark.NewList(list), nil
	case map[string]interface{}:
		dict := starlark.NewDict(len(val))
		for k, item := range val {
			starlarkVal, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), starlarkVal); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// fromStarlarkValue converts a Starlark value to a Go value.
func fromStarlarkValue(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		list := make([]interface{}, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := fromStarlarkValue(val.Index(i))
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case *starlark.Dict:
		dict := make(map[string]interface{})
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string")
			}
			value, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = value
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}
