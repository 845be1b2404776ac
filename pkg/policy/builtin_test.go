package policy

import (
	"context"
	"testing"

	"github.com/openherd/openherd/pkg/engine"
)

func testCheckContext(actionType engine.ActionType, inputs, params map[string]interface{}, size int) *engine.CheckContext {
	nodes := make([]*engine.Node, size)
	for i := range nodes {
		nodes[i] = &engine.Node{ID: string(rune('a' + i)), ClusterID: "c1", Index: i}
	}
	return &engine.CheckContext{
		Action:  &engine.Action{ID: "act-1", Type: actionType, Target: "c1", Inputs: inputs},
		Cluster: &engine.Cluster{ID: "c1", MinSize: 1, MaxSize: 10},
		Nodes:   nodes,
		Binding: &engine.PolicyBinding{ClusterID: "c1", PolicyID: ScalingPolicyID, Params: params},
	}
}

func TestScalingPolicyNeedsCheck(t *testing.T) {
	p := &ScalingPolicy{}

	if !p.NeedsCheck(PhaseBefore, engine.ActionClusterScaleOut) {
		t.Error("expected check for BEFORE scale-out")
	}
	if p.NeedsCheck(PhaseAfter, engine.ActionClusterScaleOut) {
		t.Error("unexpected check for AFTER scale-out")
	}
	if p.NeedsCheck(PhaseBefore, engine.ActionNodeCreate) {
		t.Error("unexpected check for node create")
	}
}

func TestScalingPolicyMaxStep(t *testing.T) {
	p := &ScalingPolicy{}

	tests := []struct {
		name       string
		actionType engine.ActionType
		inputs     map[string]interface{}
		params     map[string]interface{}
		size       int
		wantAllow  bool
		wantCount  int // 0 means no adjustment expected
	}{
		{
			name:       "within step",
			actionType: engine.ActionClusterScaleOut,
			inputs:     map[string]interface{}{engine.InputCount: 2},
			params:     map[string]interface{}{"max_step": 3},
			size:       3,
			wantAllow:  true,
		},
		{
			name:       "over step vetoed",
			actionType: engine.ActionClusterScaleOut,
			inputs:     map[string]interface{}{engine.InputCount: 5},
			params:     map[string]interface{}{"max_step": 3},
			size:       3,
			wantAllow:  false,
		},
		{
			name:       "over step truncated",
			actionType: engine.ActionClusterScaleOut,
			inputs:     map[string]interface{}{engine.InputCount: 5},
			params:     map[string]interface{}{"max_step": 3, "best_effort": true},
			size:       3,
			wantAllow:  true,
			wantCount:  3,
		},
		{
			name:       "scale in over step truncated",
			actionType: engine.ActionClusterScaleIn,
			inputs:     map[string]interface{}{engine.InputCount: 4},
			params:     map[string]interface{}{"max_step": 2, "best_effort": true},
			size:       5,
			wantAllow:  true,
			wantCount:  2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cc := testCheckContext(tt.actionType, tt.inputs, tt.params, tt.size)
			res, err := p.PreCheck(context.Background(), cc)
			if err != nil {
				t.Fatalf("PreCheck failed: %v", err)
			}
			if res.Allow != tt.wantAllow {
				t.Fatalf("Allow = %v, want %v (reason: %s)", res.Allow, tt.wantAllow, res.Reason)
			}
			if tt.wantCount != 0 {
				if res.AdjustedInputs == nil {
					t.Fatal("expected adjusted inputs")
				}
				got := intParam(res.AdjustedInputs, engine.InputCount, 0)
				if got != tt.wantCount {
					t.Errorf("adjusted count = %d, want %d", got, tt.wantCount)
				}
			} else if tt.wantAllow && res.AdjustedInputs != nil {
				t.Errorf("unexpected adjustment: %v", res.AdjustedInputs)
			}
		})
	}
}

func TestScalingPolicySizeBounds(t *testing.T) {
	p := &ScalingPolicy{}

	// Cluster max is 10; scaling 8 nodes out by 5 breaches it.
	cc := testCheckContext(engine.ActionClusterScaleOut,
		map[string]interface{}{engine.InputCount: 5}, nil, 8)

	res, err := p.PreCheck(context.Background(), cc)
	if err != nil {
		t.Fatalf("PreCheck failed: %v", err)
	}
	if res.Allow {
		t.Fatal("expected veto for breach of max size")
	}

	// With best_effort the request is clamped to reach max size.
	cc = testCheckContext(engine.ActionClusterScaleOut,
		map[string]interface{}{engine.InputCount: 5},
		map[string]interface{}{"best_effort": true}, 8)

	res, err = p.PreCheck(context.Background(), cc)
	if err != nil {
		t.Fatalf("PreCheck failed: %v", err)
	}
	if !res.Allow {
		t.Fatalf("expected clamped allow, got veto: %s", res.Reason)
	}
	if got := intParam(res.AdjustedInputs, engine.InputCount, 0); got != 2 {
		t.Errorf("clamped count = %d, want 2", got)
	}
}

func TestScalingPolicyResize(t *testing.T) {
	p := &ScalingPolicy{}

	cc := testCheckContext(engine.ActionClusterResize,
		map[string]interface{}{engine.InputDesiredCapacity: 20},
		map[string]interface{}{"best_effort": true}, 5)

	res, err := p.PreCheck(context.Background(), cc)
	if err != nil {
		t.Fatalf("PreCheck failed: %v", err)
	}
	if !res.Allow {
		t.Fatalf("expected allow, got veto: %s", res.Reason)
	}
	if got := intParam(res.AdjustedInputs, engine.InputDesiredCapacity, 0); got != 10 {
		t.Errorf("clamped desired = %d, want 10", got)
	}
}

func TestScalingPolicyNoChangePossible(t *testing.T) {
	p := &ScalingPolicy{}

	// Already at max; even best-effort cannot add capacity.
	cc := testCheckContext(engine.ActionClusterScaleOut,
		map[string]interface{}{engine.InputCount: 3},
		map[string]interface{}{"best_effort": true}, 10)

	res, err := p.PreCheck(context.Background(), cc)
	if err != nil {
		t.Fatalf("PreCheck failed: %v", err)
	}
	if res.Allow {
		t.Fatal("expected veto when no change is possible")
	}
}

func TestDeletionPolicyCriteria(t *testing.T) {
	p := &DeletionPolicy{}

	tests := []struct {
		name     string
		criteria string
		want     []string
	}{
		{"oldest first", "oldest_first", []string{"a", "b"}},
		{"youngest first", "youngest_first", []string{"e", "d"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cc := testCheckContext(engine.ActionClusterScaleIn,
				map[string]interface{}{engine.InputCount: 2},
				map[string]interface{}{"criteria": tt.criteria}, 5)

			res, err := p.PreCheck(context.Background(), cc)
			if err != nil {
				t.Fatalf("PreCheck failed: %v", err)
			}
			if !res.Allow {
				t.Fatalf("unexpected veto: %s", res.Reason)
			}

			candidates, ok := res.AdjustedInputs[engine.InputCandidates].([]string)
			if !ok {
				t.Fatalf("candidates missing from adjusted inputs: %v", res.AdjustedInputs)
			}
			if len(candidates) != len(tt.want) {
				t.Fatalf("got %d candidates, want %d", len(candidates), len(tt.want))
			}
			for i, id := range tt.want {
				if candidates[i] != id {
					t.Errorf("candidate[%d] = %s, want %s", i, candidates[i], id)
				}
			}
		})
	}
}

func TestDeletionPolicyUnknownCriteria(t *testing.T) {
	p := &DeletionPolicy{}

	cc := testCheckContext(engine.ActionClusterScaleIn,
		map[string]interface{}{engine.InputCount: 1},
		map[string]interface{}{"criteria": "coin_flip"}, 3)

	res, err := p.PreCheck(context.Background(), cc)
	if err != nil {
		t.Fatalf("PreCheck failed: %v", err)
	}
	if res.Allow {
		t.Fatal("expected veto for unknown criteria")
	}
}

func TestDeletionPolicyGrowingResize(t *testing.T) {
	p := &DeletionPolicy{}

	cc := testCheckContext(engine.ActionClusterResize,
		map[string]interface{}{engine.InputDesiredCapacity: 8}, nil, 5)

	res, err := p.PreCheck(context.Background(), cc)
	if err != nil {
		t.Fatalf("PreCheck failed: %v", err)
	}
	if !res.Allow || res.AdjustedInputs != nil {
		t.Errorf("growing resize should pass untouched, got allow=%v adjusted=%v", res.Allow, res.AdjustedInputs)
	}
}

func TestHealthPolicy(t *testing.T) {
	p := &HealthPolicy{}

	cc := testCheckContext(engine.ActionNodeCreate, nil, nil, 1)
	cc.Outputs = map[string]interface{}{"healthy": false}

	res, err := p.PostCheck(context.Background(), cc)
	if err != nil {
		t.Fatalf("PostCheck failed: %v", err)
	}
	if res.Allow {
		t.Fatal("expected veto for unhealthy node")
	}

	cc.Outputs = map[string]interface{}{"healthy": true}
	res, err = p.PostCheck(context.Background(), cc)
	if err != nil {
		t.Fatalf("PostCheck failed: %v", err)
	}
	if !res.Allow {
		t.Fatalf("unexpected veto: %s", res.Reason)
	}

	// Drivers that report nothing are taken at their word.
	cc.Outputs = map[string]interface{}{}
	res, _ = p.PostCheck(context.Background(), cc)
	if !res.Allow {
		t.Error("missing healthy output should allow")
	}
}
