package policy

import (
	"context"
	"fmt"
	"math/rand"
	"sort"

	"github.com/openherd/openherd/pkg/engine"
)

// Built-in policy IDs, referenced by policy bindings.
const (
	ScalingPolicyID  = "builtin.scaling"
	DeletionPolicyID = "builtin.deletion"
	HealthPolicyID   = "builtin.health"
)

// BuiltinPolicies returns the checkers shipped with the engine.
func BuiltinPolicies() []engine.PolicyChecker {
	return []engine.PolicyChecker{
		&ScalingPolicy{},
		&DeletionPolicy{},
		&HealthPolicy{},
	}
}

// ScalingPolicy bounds how far a single operation may move the cluster
// size. Binding params:
//
//	max_step    - largest node count one operation may add or remove
//	best_effort - truncate an out-of-bounds request instead of vetoing
type ScalingPolicy struct{}

func (p *ScalingPolicy) Name() string { return ScalingPolicyID }

func (p *ScalingPolicy) NeedsCheck(phase string, actionType engine.ActionType) bool {
	if phase != PhaseBefore {
		return false
	}
	switch actionType {
	case engine.ActionClusterScaleOut, engine.ActionClusterScaleIn, engine.ActionClusterResize:
		return true
	}
	return false
}

func (p *ScalingPolicy) PreCheck(_ context.Context, cc *engine.CheckContext) (*engine.CheckResult, error) {
	current := len(cc.Nodes)
	bestEffort := boolParam(cc.Binding.Params, "best_effort", false)
	maxStep := intParam(cc.Binding.Params, "max_step", 0)

	count, desired := requestedChange(cc, current)
	if count == 0 {
		return &engine.CheckResult{Allow: true}, nil
	}

	step := count
	if step < 0 {
		step = -step
	}
	if maxStep > 0 && step > maxStep {
		if !bestEffort {
			return &engine.CheckResult{
				Allow:  false,
				Reason: fmt.Sprintf("requested change of %d exceeds max step %d", step, maxStep),
			}, nil
		}
		if count > 0 {
			count = maxStep
		} else {
			count = -maxStep
		}
		desired = current + count
	}

	// Clamp against the cluster size bounds.
	low := cc.Cluster.MinSize
	high := cc.Cluster.MaxSize
	if desired < low || (high >= 0 && desired > high) {
		if !bestEffort {
			return &engine.CheckResult{
				Allow:  false,
				Reason: fmt.Sprintf("resulting size %d outside bounds [%d, %d]", desired, low, high),
			}, nil
		}
		if desired < low {
			desired = low
		} else {
			desired = high
		}
		count = desired - current
		if count == 0 {
			return &engine.CheckResult{
				Allow:  false,
				Reason: "no capacity change possible within size bounds",
			}, nil
		}
	}

	adjusted := adjustedInputs(cc, count, desired, current)
	return &engine.CheckResult{Allow: true, AdjustedInputs: adjusted}, nil
}

func (p *ScalingPolicy) PostCheck(_ context.Context, _ *engine.CheckContext) (*engine.CheckResult, error) {
	return &engine.CheckResult{Allow: true}, nil
}

// requestedChange normalizes the operation inputs into a signed node
// delta and the resulting desired size.
func requestedChange(cc *engine.CheckContext, current int) (count, desired int) {
	switch cc.Action.Type {
	case engine.ActionClusterScaleOut:
		count = intParam(cc.Action.Inputs, engine.InputCount, 1)
		return count, current + count
	case engine.ActionClusterScaleIn:
		count = intParam(cc.Action.Inputs, engine.InputCount, 1)
		return -count, current - count
	case engine.ActionClusterResize:
		desired = intParam(cc.Action.Inputs, engine.InputDesiredCapacity, current)
		return desired - current, desired
	}
	return 0, current
}

// adjustedInputs writes the clamped change back in the shape the
// operation reads it: count for scale operations, desired_capacity for
// resize.
func adjustedInputs(cc *engine.CheckContext, count, desired, current int) map[string]interface{} {
	out := make(map[string]interface{}, len(cc.Action.Inputs))
	for k, v := range cc.Action.Inputs {
		out[k] = v
	}
	switch cc.Action.Type {
	case engine.ActionClusterScaleOut:
		if count == intParam(cc.Action.Inputs, engine.InputCount, 1) {
			return nil
		}
		out[engine.InputCount] = count
	case engine.ActionClusterScaleIn:
		if -count == intParam(cc.Action.Inputs, engine.InputCount, 1) {
			return nil
		}
		out[engine.InputCount] = -count
	case engine.ActionClusterResize:
		if desired == intParam(cc.Action.Inputs, engine.InputDesiredCapacity, current) {
			return nil
		}
		out[engine.InputDesiredCapacity] = desired
	}
	return out
}

// DeletionPolicy chooses scale-in victims before the operation is
// decomposed. Binding params:
//
//	criteria - oldest_first (default), youngest_first, random
type DeletionPolicy struct{}

func (p *DeletionPolicy) Name() string { return DeletionPolicyID }

func (p *DeletionPolicy) NeedsCheck(phase string, actionType engine.ActionType) bool {
	if phase != PhaseBefore {
		return false
	}
	switch actionType {
	case engine.ActionClusterScaleIn, engine.ActionClusterResize:
		return true
	}
	return false
}

func (p *DeletionPolicy) PreCheck(_ context.Context, cc *engine.CheckContext) (*engine.CheckResult, error) {
	current := len(cc.Nodes)
	var count int
	switch cc.Action.Type {
	case engine.ActionClusterScaleIn:
		count = intParam(cc.Action.Inputs, engine.InputCount, 1)
	case engine.ActionClusterResize:
		desired := intParam(cc.Action.Inputs, engine.InputDesiredCapacity, current)
		count = current - desired
	}
	if count <= 0 {
		// Growing or unchanged; nothing to pick.
		return &engine.CheckResult{Allow: true}, nil
	}
	if count > current {
		count = current
	}

	criteria := stringParam(cc.Binding.Params, "criteria", "oldest_first")
	sorted := make([]*engine.Node, len(cc.Nodes))
	copy(sorted, cc.Nodes)

	switch criteria {
	case "oldest_first":
		sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })
	case "youngest_first":
		sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Index > sorted[j].Index })
	case "random":
		rand.Shuffle(len(sorted), func(i, j int) { sorted[i], sorted[j] = sorted[j], sorted[i] })
	default:
		return &engine.CheckResult{
			Allow:  false,
			Reason: fmt.Sprintf("unknown deletion criteria %q", criteria),
		}, nil
	}

	candidates := make([]string, 0, count)
	for _, n := range sorted[:count] {
		candidates = append(candidates, n.ID)
	}

	out := make(map[string]interface{}, len(cc.Action.Inputs)+1)
	for k, v := range cc.Action.Inputs {
		out[k] = v
	}
	out[engine.InputCandidates] = candidates

	return &engine.CheckResult{Allow: true, AdjustedInputs: out}, nil
}

func (p *DeletionPolicy) PostCheck(_ context.Context, _ *engine.CheckContext) (*engine.CheckResult, error) {
	return &engine.CheckResult{Allow: true}, nil
}

// HealthPolicy rejects node actions whose driver reported an unhealthy
// result, failing the action even though the driver call succeeded.
type HealthPolicy struct{}

func (p *HealthPolicy) Name() string { return HealthPolicyID }

func (p *HealthPolicy) NeedsCheck(phase string, actionType engine.ActionType) bool {
	if phase != PhaseAfter {
		return false
	}
	switch actionType {
	case engine.ActionNodeCreate, engine.ActionNodeRecover:
		return true
	}
	return false
}

func (p *HealthPolicy) PreCheck(_ context.Context, _ *engine.CheckContext) (*engine.CheckResult, error) {
	return &engine.CheckResult{Allow: true}, nil
}

func (p *HealthPolicy) PostCheck(_ context.Context, cc *engine.CheckContext) (*engine.CheckResult, error) {
	healthy, present := cc.Outputs["healthy"].(bool)
	if present && !healthy {
		return &engine.CheckResult{
			Allow:  false,
			Reason: fmt.Sprintf("node %s reported unhealthy after %s", cc.Action.Target, cc.Action.Type),
		}, nil
	}
	return &engine.CheckResult{Allow: true}, nil
}

func intParam(params map[string]interface{}, key string, fallback int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return fallback
}

func boolParam(params map[string]interface{}, key string, fallback bool) bool {
	if v, ok := params[key].(bool); ok {
		return v
	}
	return fallback
}

func stringParam(params map[string]interface{}, key, fallback string) string {
	if v, ok := params[key].(string); ok && v != "" {
		return v
	}
	return fallback
}
