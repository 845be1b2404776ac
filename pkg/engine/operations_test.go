package engine

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func testCluster(current int) (*Cluster, []*Node) {
	c := &Cluster{
		ID:              uuid.New().String(),
		Name:            "web",
		ProfileID:       uuid.New().String(),
		DesiredCapacity: current,
		MinSize:         1,
		MaxSize:         10,
		NextIndex:       current,
		Status:          ClusterStatusActive,
	}
	nodes := make([]*Node, 0, current)
	for i := 0; i < current; i++ {
		nodes = append(nodes, &Node{
			ID:        uuid.New().String(),
			Name:      "n",
			ClusterID: c.ID,
			ProfileID: c.ProfileID,
			Index:     i,
			Status:    NodeStatusActive,
		})
	}
	return c, nodes
}

var testDefaults = ActionDefaults{Timeout: time.Minute, MaxRetries: 3}

// byPhase picks the cluster action carrying the given phase input.
func byPhase(t *testing.T, plan *OperationPlan, phase string) *Action {
	t.Helper()
	for _, a := range plan.Actions {
		if a.Inputs[InputPhase] == phase {
			return a
		}
	}
	t.Fatalf("no action with phase %q", phase)
	return nil
}

func TestSelectVictims(t *testing.T) {
	nodes := []*Node{
		{ID: "a", Index: 0, Status: NodeStatusActive},
		{ID: "b", Index: 1, Status: NodeStatusError},
		{ID: "c", Index: 2, Status: NodeStatusActive},
		{ID: "d", Index: 3, Status: NodeStatusRecovering},
	}

	victims := SelectVictims(nodes, 3)
	if len(victims) != 3 {
		t.Fatalf("expected 3 victims, got %d", len(victims))
	}
	// Unhealthy first, then oldest.
	if victims[0].ID != "b" || victims[1].ID != "d" || victims[2].ID != "a" {
		t.Fatalf("unexpected victim order: %s %s %s", victims[0].ID, victims[1].ID, victims[2].ID)
	}

	if got := SelectVictims(nodes, 10); len(got) != len(nodes) {
		t.Fatalf("expected count capped at %d, got %d", len(nodes), len(got))
	}
}

func TestDecomposeScaleOut(t *testing.T) {
	c, nodes := testCluster(2)
	plan, err := Decompose(c, nodes, ActionClusterScaleOut, map[string]interface{}{InputCount: 2}, testDefaults)
	if err != nil {
		t.Fatalf("Decompose: %v", err)
	}

	if len(plan.Actions) != 4 {
		t.Fatalf("expected prepare + 2 node actions + finalize, got %d actions", len(plan.Actions))
	}
	if len(plan.NewNodes) != 2 {
		t.Fatalf("expected 2 new node records, got %d", len(plan.NewNodes))
	}
	if plan.NewNodes[0].Index != 2 || plan.NewNodes[1].Index != 3 {
		t.Fatalf("expected indexes 2 and 3, got %d and %d", plan.NewNodes[0].Index, plan.NewNodes[1].Index)
	}
	for _, n := range plan.NewNodes {
		if n.Status != NodeStatusCreating {
			t.Fatalf("new node %s has status %s", n.ID, n.Status)
		}
	}

	prepare := byPhase(t, plan, PhasePrepare)
	if prepare.Status != ActionStatusReady {
		t.Fatalf("prepare should start READY, got %s", prepare.Status)
	}
	if prepare.Cause != CauseRequest {
		t.Fatalf("prepare cause = %s", prepare.Cause)
	}

	finalize := byPhase(t, plan, PhaseFinalize)
	if finalize.Status != ActionStatusWaiting {
		t.Fatalf("finalize should start WAITING, got %s", finalize.Status)
	}
	bestEffort := 0
	for _, d := range finalize.DependsOn {
		if d.BestEffort {
			bestEffort++
		}
	}
	if bestEffort != 2 {
		t.Fatalf("expected 2 best-effort finalize edges, got %d", bestEffort)
	}

	for _, a := range plan.Actions {
		if a.Type != ActionNodeCreate {
			continue
		}
		if a.Status != ActionStatusWaiting {
			t.Fatalf("node action %s should start WAITING, got %s", a.ID, a.Status)
		}
		if len(a.DependsOn) != 1 || a.DependsOn[0].Required != prepare.ID || a.DependsOn[0].BestEffort {
			t.Fatalf("node action %s should hard-depend on prepare only, got %v", a.ID, a.DependsOn)
		}
	}

	if len(plan.Operation.ActionIDs) != 4 {
		t.Fatalf("operation should list all 4 actions, got %v", plan.Operation.ActionIDs)
	}
	if plan.Operation.Type != ActionClusterScaleOut || plan.Operation.ClusterID != c.ID {
		t.Fatalf("unexpected operation record: %+v", plan.Operation)
	}
}

func TestDecomposeScaleOutBounds(t *testing.T) {
	c, nodes := testCluster(9)
	if _, err := Decompose(c, nodes, ActionClusterScaleOut, map[string]interface{}{InputCount: 2}, testDefaults); err == nil {
		t.Fatal("expected error when scale out exceeds max size")
	}
	if _, err := Decompose(c, nodes, ActionClusterScaleOut, map[string]interface{}{InputCount: 0}, testDefaults); err == nil {
		t.Fatal("expected error for non-positive count")
	}
}

func TestDecomposeScaleInDefaultVictims(t *testing.T) {
	c, nodes := testCluster(4)
	nodes[2].Status = NodeStatusError

	plan, err := Decompose(c, nodes, ActionClusterScaleIn, map[string]interface{}{InputCount: 2}, testDefaults)
	if err != nil {
		t.Fatalf("Decompose: %v", err)
	}

	var targets []string
	for _, a := range plan.Actions {
		if a.Type == ActionNodeDelete {
			targets = append(targets, a.Target)
		}
	}
	if len(targets) != 2 {
		t.Fatalf("expected 2 deletions, got %d", len(targets))
	}
	// The ERROR node goes first, then the oldest healthy one.
	if targets[0] != nodes[2].ID || targets[1] != nodes[0].ID {
		t.Fatalf("unexpected victims: %v", targets)
	}
}

func TestDecomposeScaleInCandidatesOverride(t *testing.T) {
	c, nodes := testCluster(4)
	params := map[string]interface{}{
		InputCount:      1,
		InputCandidates: []interface{}{nodes[3].ID},
	}

	plan, err := Decompose(c, nodes, ActionClusterScaleIn, params, testDefaults)
	if err != nil {
		t.Fatalf("Decompose: %v", err)
	}
	for _, a := range plan.Actions {
		if a.Type == ActionNodeDelete && a.Target != nodes[3].ID {
			t.Fatalf("expected candidate %s deleted, got %s", nodes[3].ID, a.Target)
		}
	}
}

func TestDecomposeScaleInBelowMin(t *testing.T) {
	c, nodes := testCluster(2)
	if _, err := Decompose(c, nodes, ActionClusterScaleIn, map[string]interface{}{InputCount: 2}, testDefaults); err == nil {
		t.Fatal("expected error when scale in would drop below min size")
	}
}

func TestDecomposeResize(t *testing.T) {
	tests := []struct {
		name    string
		current int
		desired int
		creates int
		deletes int
		wantErr bool
	}{
		{name: "grow", current: 2, desired: 5, creates: 3},
		{name: "shrink", current: 5, desired: 2, deletes: 3},
		{name: "no change", current: 3, desired: 3},
		{name: "above max", current: 3, desired: 11, wantErr: true},
		{name: "below min", current: 3, desired: 0, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, nodes := testCluster(tt.current)
			params := map[string]interface{}{InputDesiredCapacity: tt.desired}
			plan, err := Decompose(c, nodes, ActionClusterResize, params, testDefaults)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Decompose: %v", err)
			}

			creates, deletes := 0, 0
			for _, a := range plan.Actions {
				switch a.Type {
				case ActionNodeCreate:
					creates++
				case ActionNodeDelete:
					deletes++
				}
			}
			if creates != tt.creates || deletes != tt.deletes {
				t.Fatalf("expected %d creates / %d deletes, got %d / %d",
					tt.creates, tt.deletes, creates, deletes)
			}
		})
	}
}

func TestDecomposeDeleteCoversAllNodes(t *testing.T) {
	c, nodes := testCluster(3)
	plan, err := Decompose(c, nodes, ActionClusterDelete, nil, testDefaults)
	if err != nil {
		t.Fatalf("Decompose: %v", err)
	}
	deletes := 0
	for _, a := range plan.Actions {
		if a.Type == ActionNodeDelete {
			deletes++
		}
	}
	if deletes != 3 {
		t.Fatalf("expected every node deleted, got %d of 3", deletes)
	}
}

func TestDecomposeRecoverTargetsSickNodesOnly(t *testing.T) {
	c, nodes := testCluster(3)
	nodes[1].Status = NodeStatusError

	plan, err := Decompose(c, nodes, ActionClusterRecover, nil, testDefaults)
	if err != nil {
		t.Fatalf("Decompose: %v", err)
	}
	recovers := 0
	for _, a := range plan.Actions {
		if a.Type == ActionNodeRecover {
			recovers++
			if a.Target != nodes[1].ID {
				t.Fatalf("recover targeted healthy node %s", a.Target)
			}
		}
	}
	if recovers != 1 {
		t.Fatalf("expected 1 recover action, got %d", recovers)
	}
}

func TestDecomposeRejectsUnknownType(t *testing.T) {
	c, nodes := testCluster(1)
	if _, err := Decompose(c, nodes, ActionNodeCreate, nil, testDefaults); err == nil {
		t.Fatal("expected error for non-cluster operation type")
	}
}
