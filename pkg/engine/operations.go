package engine

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Input keys understood by operation decomposition and the executor.
const (
	// InputCount is the node count for scale operations.
	InputCount = "count"

	// InputDesiredCapacity is the target size for resize operations.
	InputDesiredCapacity = "desired_capacity"

	// InputCandidates lists node IDs chosen for deletion, overriding
	// the default victim ordering (set by deletion policies).
	InputCandidates = "candidates"

	// InputPhase distinguishes the prepare and finalize actions of a
	// decomposed cluster operation.
	InputPhase = "phase"

	PhasePrepare  = "prepare"
	PhaseFinalize = "finalize"
)

// ActionDefaults supplies per-action limits applied at decomposition.
type ActionDefaults struct {
	// Timeout is the maximum run time of one action.
	Timeout time.Duration

	// MaxRetries caps retries of transient driver failures.
	MaxRetries int
}

// OperationPlan is the output of decomposing one cluster operation:
// the actions to persist and any node records that must exist before
// the node actions run.
type OperationPlan struct {
	Operation *Operation
	Actions   []*Action
	NewNodes  []*Node
}

// healthRank orders node statuses so that unhealthy nodes sort first
// for scale-in victim selection.
func healthRank(s NodeStatus) int {
	switch s {
	case NodeStatusError:
		return 0
	case NodeStatusRecovering:
		return 1
	case NodeStatusCreating, NodeStatusDeleting:
		return 2
	default: // ACTIVE
		return 3
	}
}

// SelectVictims picks count nodes for removal: unhealthy first, then
// oldest first (by creation index). The input slice is not modified.
func SelectVictims(nodes []*Node, count int) []*Node {
	if count > len(nodes) {
		count = len(nodes)
	}
	sorted := make([]*Node, len(nodes))
	copy(sorted, nodes)
	sort.SliceStable(sorted, func(i, j int) bool {
		ri, rj := healthRank(sorted[i].Status), healthRank(sorted[j].Status)
		if ri != rj {
			return ri < rj
		}
		return sorted[i].Index < sorted[j].Index
	})
	return sorted[:count]
}

// Decompose translates a cluster operation into a persisted action
// graph: a prepare action on the cluster, a layer of node actions that
// may run in parallel, and a finalize action that settles cluster
// status once every node action has ended. Finalize edges are best-
// effort so partial failures still reach the finalize step, which
// records WARNING or ERROR instead of leaving the cluster mid-flight.
func Decompose(cluster *Cluster, nodes []*Node, opType ActionType, params map[string]interface{}, defaults ActionDefaults) (*OperationPlan, error) {
	if params == nil {
		params = make(map[string]interface{})
	}

	plan := &OperationPlan{
		Operation: &Operation{
			ID:        uuid.New().String(),
			ClusterID: cluster.ID,
			Type:      opType,
			CreatedAt: time.Now(),
		},
	}

	prepare := newClusterAction(cluster, opType, plan.Operation.ID, PhasePrepare, params, defaults)
	prepare.Cause = CauseRequest
	plan.Actions = append(plan.Actions, prepare)

	var nodeActions []*Action
	var err error

	switch opType {
	case ActionClusterCreate:
		nodeActions, err = planNodeCreations(cluster, plan, cluster.DesiredCapacity, defaults)

	case ActionClusterScaleOut:
		count := intParam(params, InputCount, 1)
		if count <= 0 {
			return nil, NewInternalError(fmt.Sprintf("invalid count %d for scale out", count), nil).WithTarget(cluster.ID)
		}
		if cluster.MaxSize >= 0 && len(nodes)+count > cluster.MaxSize {
			return nil, NewInternalError(
				fmt.Sprintf("scale out to %d exceeds max size %d", len(nodes)+count, cluster.MaxSize), nil,
			).WithTarget(cluster.ID)
		}
		nodeActions, err = planNodeCreations(cluster, plan, count, defaults)

	case ActionClusterScaleIn:
		count := intParam(params, InputCount, 1)
		if count <= 0 {
			return nil, NewInternalError(fmt.Sprintf("invalid count %d for scale in", count), nil).WithTarget(cluster.ID)
		}
		if count > len(nodes) {
			count = len(nodes)
		}
		if len(nodes)-count < cluster.MinSize {
			return nil, NewInternalError(
				fmt.Sprintf("scale in to %d below min size %d", len(nodes)-count, cluster.MinSize), nil,
			).WithTarget(cluster.ID)
		}
		victims := pickVictims(nodes, params, count)
		nodeActions = planNodeActions(cluster, plan, victims, ActionNodeDelete, defaults)

	case ActionClusterResize:
		desired := intParam(params, InputDesiredCapacity, cluster.DesiredCapacity)
		if desired < cluster.MinSize || (cluster.MaxSize >= 0 && desired > cluster.MaxSize) {
			return nil, NewInternalError(
				fmt.Sprintf("desired capacity %d out of range [%d, %d]", desired, cluster.MinSize, cluster.MaxSize), nil,
			).WithTarget(cluster.ID)
		}
		switch {
		case desired > len(nodes):
			nodeActions, err = planNodeCreations(cluster, plan, desired-len(nodes), defaults)
		case desired < len(nodes):
			victims := pickVictims(nodes, params, len(nodes)-desired)
			nodeActions = planNodeActions(cluster, plan, victims, ActionNodeDelete, defaults)
		}
		params[InputDesiredCapacity] = desired

	case ActionClusterDelete:
		nodeActions = planNodeActions(cluster, plan, nodes, ActionNodeDelete, defaults)

	case ActionClusterCheck:
		nodeActions = planNodeActions(cluster, plan, nodes, ActionNodeCheck, defaults)

	case ActionClusterRecover:
		var sick []*Node
		for _, n := range nodes {
			if n.Status == NodeStatusError {
				sick = append(sick, n)
			}
		}
		nodeActions = planNodeActions(cluster, plan, sick, ActionNodeRecover, defaults)

	default:
		return nil, NewInternalError(fmt.Sprintf("unsupported operation type: %s", opType), nil).WithTarget(cluster.ID)
	}
	if err != nil {
		return nil, err
	}

	for _, na := range nodeActions {
		na.DependsOn = []Dependency{{Required: prepare.ID}}
		plan.Actions = append(plan.Actions, na)
	}

	finalize := newClusterAction(cluster, opType, plan.Operation.ID, PhaseFinalize, params, defaults)
	finalize.DependsOn = []Dependency{{Required: prepare.ID}}
	for _, na := range nodeActions {
		finalize.DependsOn = append(finalize.DependsOn, Dependency{Required: na.ID, BestEffort: true})
	}
	plan.Actions = append(plan.Actions, finalize)

	// Reject malformed graphs before anything is persisted.
	if _, err := BuildGraph(plan.Actions); err != nil {
		return nil, err
	}

	for _, a := range plan.Actions {
		// Root actions have nothing to wait on.
		if len(a.DependsOn) == 0 {
			a.Status = ActionStatusReady
		}
		plan.Operation.ActionIDs = append(plan.Operation.ActionIDs, a.ID)
	}
	return plan, nil
}

// pickVictims honors policy-provided candidates and falls back to the
// default ordering: unhealthy first, then oldest first.
func pickVictims(nodes []*Node, params map[string]interface{}, count int) []*Node {
	if raw, ok := params[InputCandidates]; ok {
		wanted := make(map[string]bool)
		if ids, ok := raw.([]interface{}); ok {
			for _, id := range ids {
				if s, ok := id.(string); ok {
					wanted[s] = true
				}
			}
		} else if ids, ok := raw.([]string); ok {
			for _, id := range ids {
				wanted[id] = true
			}
		}
		var victims []*Node
		for _, n := range nodes {
			if wanted[n.ID] {
				victims = append(victims, n)
			}
		}
		if len(victims) > 0 {
			return victims
		}
	}
	return SelectVictims(nodes, count)
}

// planNodeCreations mints node records and their NODE_CREATE actions.
func planNodeCreations(cluster *Cluster, plan *OperationPlan, count int, defaults ActionDefaults) ([]*Action, error) {
	now := time.Now()
	var actions []*Action
	for i := 0; i < count; i++ {
		index := cluster.NextIndex + i
		node := &Node{
			ID:        uuid.New().String(),
			Name:      fmt.Sprintf("node-%s-%03d", shortID(cluster.ID), index),
			ClusterID: cluster.ID,
			ProfileID: cluster.ProfileID,
			Index:     index,
			Status:    NodeStatusCreating,
			CreatedAt: now,
			UpdatedAt: now,
		}
		plan.NewNodes = append(plan.NewNodes, node)
		actions = append(actions, newNodeAction(cluster, node, ActionNodeCreate, plan.Operation.ID, defaults))
	}
	return actions, nil
}

// planNodeActions builds one action of the given type per node.
func planNodeActions(cluster *Cluster, plan *OperationPlan, nodes []*Node, t ActionType, defaults ActionDefaults) []*Action {
	var actions []*Action
	for _, n := range nodes {
		actions = append(actions, newNodeAction(cluster, n, t, plan.Operation.ID, defaults))
	}
	return actions
}

func newClusterAction(cluster *Cluster, t ActionType, opID, phase string, params map[string]interface{}, defaults ActionDefaults) *Action {
	id := uuid.New().String()
	inputs := make(map[string]interface{}, len(params)+1)
	for k, v := range params {
		inputs[k] = v
	}
	inputs[InputPhase] = phase
	return &Action{
		ID:          id,
		Name:        fmt.Sprintf("%s_%s_%s", lowerType(t), phase, shortID(id)),
		Type:        t,
		Target:      cluster.ID,
		ClusterID:   cluster.ID,
		OperationID: opID,
		Cause:       CauseDerived,
		Status:      ActionStatusWaiting,
		Inputs:      inputs,
		MaxRetries:  defaults.MaxRetries,
		Timeout:     defaults.Timeout,
		CreatedAt:   time.Now(),
	}
}

func newNodeAction(cluster *Cluster, node *Node, t ActionType, opID string, defaults ActionDefaults) *Action {
	id := uuid.New().String()
	return &Action{
		ID:          id,
		Name:        fmt.Sprintf("%s_%s", lowerType(t), shortID(node.ID)),
		Type:        t,
		Target:      node.ID,
		ClusterID:   cluster.ID,
		OperationID: opID,
		Cause:       CauseDerived,
		Status:      ActionStatusWaiting,
		Inputs:      map[string]interface{}{},
		MaxRetries:  defaults.MaxRetries,
		Timeout:     defaults.Timeout,
		CreatedAt:   time.Now(),
	}
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

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func lowerType(t ActionType) string {
	b := []byte(t)
	for i := range b {
		if b[i] >= 'A' && b[i] <= 'Z' {
			b[i] += 'a' - 'A'
		}
	}
	return string(b)
}
