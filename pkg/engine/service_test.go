package engine_test

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openherd/openherd/pkg/drivers"
	"github.com/openherd/openherd/pkg/engine"
	"github.com/openherd/openherd/pkg/policy"
	"github.com/openherd/openherd/pkg/stores"
)

const testInstance = "engine-test"

// harness wires a service and executor over an in-memory store so
// tests can submit operations and drive them to completion without the
// scheduler loop.
type harness struct {
	store     *stores.MemoryStore
	fake      *drivers.FakeDriver
	svc       *engine.Service
	exec      *engine.Executor
	driverReg *drivers.Registry
	policyReg *policy.Registry
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	store := stores.NewMemoryStore()
	logger := zerolog.Nop()

	fake := drivers.NewFakeDriver()
	driverReg := drivers.NewRegistry(logger)
	if err := driverReg.Register(drivers.FakeType, fake); err != nil {
		t.Fatalf("registering fake driver: %v", err)
	}

	policyReg := policy.NewRegistry(logger)

	cfg := engine.ServiceConfig{
		InstanceID: testInstance,
		Hostname:   "test-host",
		Defaults:   engine.ActionDefaults{Timeout: 5 * time.Second, MaxRetries: 1},
	}
	svc := engine.NewService(cfg, store, driverReg, policyReg, nil, nil, logger)
	exec := engine.NewExecutor(store, driverReg, policyReg, nil, 30*time.Second, logger)

	return &harness{store: store, fake: fake, svc: svc, exec: exec, driverReg: driverReg, policyReg: policyReg}
}

func (h *harness) seedProfile(t *testing.T) *engine.Profile {
	t.Helper()
	p := &engine.Profile{
		ID:        uuid.New().String(),
		Name:      "test-fake",
		Type:      drivers.FakeType,
		Version:   "0123abcd4567",
		Spec:      json.RawMessage(`{}`),
		CreatedAt: time.Now(),
	}
	if err := h.svc.CreateProfile(context.Background(), p); err != nil {
		t.Fatalf("seeding profile: %v", err)
	}
	return p
}

// runAll drains the READY set the way a scheduler worker would:
// acquire the action, lock its target, execute, repeat until nothing
// is runnable. Execution errors are part of normal operation (failed
// actions report their failure through the store), so they are not
// fatal here.
func (h *harness) runAll(t *testing.T) {
	t.Helper()
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		ready, err := h.store.ListReadyActions(ctx, 0)
		if err != nil {
			t.Fatalf("listing ready actions: %v", err)
		}
		if len(ready) == 0 {
			return
		}
		for _, a := range ready {
			ok, err := h.store.AcquireAction(ctx, a.ID, testInstance)
			if err != nil {
				t.Fatalf("acquiring action %s: %v", a.ID, err)
			}
			if !ok {
				continue
			}
			action, err := h.store.GetAction(ctx, a.ID)
			if err != nil {
				t.Fatalf("loading acquired action: %v", err)
			}
			lock, err := h.store.AcquireLock(ctx, action.Target, testInstance, action.ID, 30*time.Second)
			if err != nil {
				t.Fatalf("locking %s: %v", action.Target, err)
			}
			_ = h.exec.Execute(ctx, action, lock)
		}
	}
	t.Fatal("operation did not drain after 100 passes")
}

func (h *harness) createCluster(t *testing.T, capacity, min, max int) *engine.Cluster {
	t.Helper()
	p := h.seedProfile(t)
	c := &engine.Cluster{
		Name:            "web",
		ProfileID:       p.ID,
		DesiredCapacity: capacity,
		MinSize:         min,
		MaxSize:         max,
	}
	if _, err := h.svc.CreateCluster(context.Background(), c); err != nil {
		t.Fatalf("creating cluster: %v", err)
	}
	h.runAll(t)
	return c
}

func (h *harness) cluster(t *testing.T, id string) *engine.Cluster {
	t.Helper()
	c, err := h.store.GetCluster(context.Background(), id)
	if err != nil {
		t.Fatalf("loading cluster: %v", err)
	}
	return c
}

func (h *harness) nodes(t *testing.T, clusterID string) []*engine.Node {
	t.Helper()
	nodes, err := h.store.ListNodesByCluster(context.Background(), clusterID)
	if err != nil {
		t.Fatalf("listing nodes: %v", err)
	}
	return nodes
}

func TestClusterCreateLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	p := h.seedProfile(t)
	c := &engine.Cluster{
		Name:            "web",
		ProfileID:       p.ID,
		DesiredCapacity: 3,
		MinSize:         1,
		MaxSize:         10,
	}
	op, err := h.svc.CreateCluster(ctx, c)
	if err != nil {
		t.Fatalf("CreateCluster: %v", err)
	}
	h.runAll(t)

	status, err := h.svc.GetOperation(ctx, op.ID)
	if err != nil {
		t.Fatalf("GetOperation: %v", err)
	}
	if !status.Done || !status.Succeeded {
		t.Fatalf("expected operation done and succeeded, got done=%v succeeded=%v", status.Done, status.Succeeded)
	}

	got := h.cluster(t, c.ID)
	if got.Status != engine.ClusterStatusActive {
		t.Fatalf("expected cluster ACTIVE, got %s (%s)", got.Status, got.StatusReason)
	}
	if len(got.NodeIDs) != 3 || got.NextIndex != 3 {
		t.Fatalf("expected 3 members and next index 3, got %d / %d", len(got.NodeIDs), got.NextIndex)
	}

	for _, n := range h.nodes(t, c.ID) {
		if n.Status != engine.NodeStatusActive {
			t.Fatalf("node %s status %s", n.ID, n.Status)
		}
		if n.PhysicalID == "" {
			t.Fatalf("node %s missing physical ID", n.ID)
		}
	}
	if h.fake.ResourceCount() != 3 {
		t.Fatalf("expected 3 backend resources, got %d", h.fake.ResourceCount())
	}
}

func TestCreateClusterValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := h.seedProfile(t)

	tests := []struct {
		name    string
		cluster *engine.Cluster
	}{
		{"missing name", &engine.Cluster{ProfileID: p.ID, DesiredCapacity: 1}},
		{"unknown profile", &engine.Cluster{Name: "x", ProfileID: uuid.New().String(), DesiredCapacity: 1}},
		{"capacity above max", &engine.Cluster{Name: "x", ProfileID: p.ID, DesiredCapacity: 5, MaxSize: 3}},
		{"capacity below min", &engine.Cluster{Name: "x", ProfileID: p.ID, DesiredCapacity: 1, MinSize: 2, MaxSize: 5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := h.svc.CreateCluster(ctx, tt.cluster); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestScaleOutAndScaleIn(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.createCluster(t, 2, 1, 10)

	if _, err := h.svc.Submit(ctx, c.ID, engine.ActionClusterScaleOut,
		map[string]interface{}{engine.InputCount: 2}); err != nil {
		t.Fatalf("scale out: %v", err)
	}
	h.runAll(t)

	if got := h.nodes(t, c.ID); len(got) != 4 {
		t.Fatalf("expected 4 nodes after scale out, got %d", len(got))
	}
	if got := h.cluster(t, c.ID); got.DesiredCapacity != 4 {
		t.Fatalf("expected desired capacity 4, got %d", got.DesiredCapacity)
	}

	if _, err := h.svc.Submit(ctx, c.ID, engine.ActionClusterScaleIn,
		map[string]interface{}{engine.InputCount: 1}); err != nil {
		t.Fatalf("scale in: %v", err)
	}
	h.runAll(t)

	if got := h.nodes(t, c.ID); len(got) != 3 {
		t.Fatalf("expected 3 nodes after scale in, got %d", len(got))
	}
	if h.fake.ResourceCount() != 3 {
		t.Fatalf("expected 3 backend resources, got %d", h.fake.ResourceCount())
	}
}

func TestPartialFailureSettlesWarning(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	p := h.seedProfile(t)
	h.fake.ScriptResult(engine.ActionNodeCreate, &engine.DriverResult{
		Status: engine.DriverStatusFailed,
		Error:  "quota exceeded",
	})

	c := &engine.Cluster{Name: "web", ProfileID: p.ID, DesiredCapacity: 2, MinSize: 1, MaxSize: 10}
	op, err := h.svc.CreateCluster(ctx, c)
	if err != nil {
		t.Fatalf("CreateCluster: %v", err)
	}
	h.runAll(t)

	status, err := h.svc.GetOperation(ctx, op.ID)
	if err != nil {
		t.Fatalf("GetOperation: %v", err)
	}
	if !status.Done || status.Succeeded {
		t.Fatalf("expected done but not succeeded, got done=%v succeeded=%v", status.Done, status.Succeeded)
	}

	got := h.cluster(t, c.ID)
	if got.Status != engine.ClusterStatusWarning {
		t.Fatalf("expected cluster WARNING after partial failure, got %s (%s)", got.Status, got.StatusReason)
	}
}

func TestTotalFailureSettlesError(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	p := h.seedProfile(t)
	h.fake.ScriptResult(engine.ActionNodeCreate, &engine.DriverResult{
		Status: engine.DriverStatusFailed,
		Error:  "quota exceeded",
	})

	c := &engine.Cluster{Name: "web", ProfileID: p.ID, DesiredCapacity: 1, MinSize: 0, MaxSize: 10}
	if _, err := h.svc.CreateCluster(ctx, c); err != nil {
		t.Fatalf("CreateCluster: %v", err)
	}
	h.runAll(t)

	if got := h.cluster(t, c.ID); got.Status != engine.ClusterStatusError {
		t.Fatalf("expected cluster ERROR, got %s (%s)", got.Status, got.StatusReason)
	}
}

func TestRetryableFailureEventuallySucceeds(t *testing.T) {
	h := newHarness(t)

	// One transient failure, then the unscripted default (success).
	h.fake.ScriptResult(engine.ActionNodeCreate, &engine.DriverResult{
		Status: engine.DriverStatusRetryable,
		Error:  "backend busy",
	})

	c := h.createCluster(t, 1, 0, 10)

	if got := h.cluster(t, c.ID); got.Status != engine.ClusterStatusActive {
		t.Fatalf("expected cluster ACTIVE after retry, got %s (%s)", got.Status, got.StatusReason)
	}
	calls := h.fake.Calls()
	creates := 0
	for _, c := range calls {
		if c == engine.ActionNodeCreate {
			creates++
		}
	}
	if creates != 2 {
		t.Fatalf("expected 2 create attempts, got %d", creates)
	}
}

func TestClusterDeleteRemovesEverything(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.createCluster(t, 2, 0, 10)

	if _, err := h.svc.DeleteCluster(ctx, c.ID); err != nil {
		t.Fatalf("DeleteCluster: %v", err)
	}
	h.runAll(t)

	if _, err := h.store.GetCluster(ctx, c.ID); !engine.IsNotFound(err) {
		t.Fatalf("expected cluster gone, got %v", err)
	}
	if got := h.nodes(t, c.ID); len(got) != 0 {
		t.Fatalf("expected no node records, got %d", len(got))
	}
	if h.fake.ResourceCount() != 0 {
		t.Fatalf("expected no backend resources, got %d", h.fake.ResourceCount())
	}
}

func TestCancelOperationCascades(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	p := h.seedProfile(t)
	c := &engine.Cluster{Name: "web", ProfileID: p.ID, DesiredCapacity: 2, MinSize: 1, MaxSize: 10}
	op, err := h.svc.CreateCluster(ctx, c)
	if err != nil {
		t.Fatalf("CreateCluster: %v", err)
	}

	// Nothing has run yet; cancel kills the whole graph.
	cancelled, err := h.svc.CancelOperation(ctx, op.ID)
	if err != nil {
		t.Fatalf("CancelOperation: %v", err)
	}
	if len(cancelled) != 4 {
		t.Fatalf("expected all 4 actions cancelled, got %d", len(cancelled))
	}

	status, err := h.svc.GetOperation(ctx, op.ID)
	if err != nil {
		t.Fatalf("GetOperation: %v", err)
	}
	if !status.Done || status.Succeeded {
		t.Fatalf("expected done and not succeeded, got done=%v succeeded=%v", status.Done, status.Succeeded)
	}
	for _, a := range status.Actions {
		if a.Status != engine.ActionStatusCancelled {
			t.Fatalf("action %s not cancelled: %s", a.Name, a.Status)
		}
	}
}

func TestScalingPolicyAtSubmit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.createCluster(t, 2, 1, 10)

	if err := h.svc.AttachPolicy(ctx, &engine.PolicyBinding{
		PolicyID:  policy.ScalingPolicyID,
		ClusterID: c.ID,
		Enabled:   true,
		Params:    map[string]interface{}{"max_step": 1},
	}); err != nil {
		t.Fatalf("AttachPolicy: %v", err)
	}

	// Over the step without best_effort: vetoed.
	_, err := h.svc.Submit(ctx, c.ID, engine.ActionClusterScaleOut,
		map[string]interface{}{engine.InputCount: 5})
	if !engine.IsPolicyRejected(err) {
		t.Fatalf("expected policy rejection, got %v", err)
	}

	// With best_effort the request is clamped to the step.
	if err := h.svc.DetachPolicy(ctx, c.ID, policy.ScalingPolicyID); err != nil {
		t.Fatal(err)
	}
	if err := h.svc.AttachPolicy(ctx, &engine.PolicyBinding{
		PolicyID:  policy.ScalingPolicyID,
		ClusterID: c.ID,
		Enabled:   true,
		Params:    map[string]interface{}{"max_step": 1, "best_effort": true},
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := h.svc.Submit(ctx, c.ID, engine.ActionClusterScaleOut,
		map[string]interface{}{engine.InputCount: 5}); err != nil {
		t.Fatalf("expected clamped submit to pass, got %v", err)
	}
	h.runAll(t)

	if got := h.nodes(t, c.ID); len(got) != 3 {
		t.Fatalf("expected clamp to 1 new node (3 total), got %d", len(got))
	}
}

func TestPolicyCooldownVetoesSubmit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.createCluster(t, 2, 1, 10)

	if err := h.store.PutBinding(ctx, &engine.PolicyBinding{
		PolicyID:  policy.ScalingPolicyID,
		ClusterID: c.ID,
		Enabled:   true,
		Cooldown:  time.Hour,
		LastOp:    time.Now(),
	}); err != nil {
		t.Fatal(err)
	}

	_, err := h.svc.Submit(ctx, c.ID, engine.ActionClusterScaleOut,
		map[string]interface{}{engine.InputCount: 1})
	if !engine.IsPolicyRejected(err) {
		t.Fatalf("expected cooldown rejection, got %v", err)
	}
}

func TestDeletionPolicyPinsVictims(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.createCluster(t, 3, 1, 10)

	if err := h.svc.AttachPolicy(ctx, &engine.PolicyBinding{
		PolicyID:  policy.DeletionPolicyID,
		ClusterID: c.ID,
		Enabled:   true,
		Params:    map[string]interface{}{"criteria": "youngest_first"},
	}); err != nil {
		t.Fatalf("AttachPolicy: %v", err)
	}

	if _, err := h.svc.Submit(ctx, c.ID, engine.ActionClusterScaleIn,
		map[string]interface{}{engine.InputCount: 1}); err != nil {
		t.Fatalf("scale in: %v", err)
	}
	h.runAll(t)

	remaining := h.nodes(t, c.ID)
	if len(remaining) != 2 {
		t.Fatalf("expected 2 nodes, got %d", len(remaining))
	}
	for _, n := range remaining {
		if n.Index == 2 {
			t.Fatal("youngest node survived scale in")
		}
	}
}

func TestOrphanedActionIsReclaimed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	p := h.seedProfile(t)
	c := &engine.Cluster{Name: "web", ProfileID: p.ID, DesiredCapacity: 1, MinSize: 0, MaxSize: 10}
	op, err := h.svc.CreateCluster(ctx, c)
	if err != nil {
		t.Fatalf("CreateCluster: %v", err)
	}

	// A dead instance grabbed the prepare action and never finished.
	ready, err := h.store.ListReadyActions(ctx, 1)
	if err != nil || len(ready) != 1 {
		t.Fatalf("expected one ready action, got %d (%v)", len(ready), err)
	}
	ok, err := h.store.AcquireAction(ctx, ready[0].ID, "engine-dead")
	if err != nil || !ok {
		t.Fatalf("acquiring as dead instance: %v %v", ok, err)
	}

	n, err := h.store.ResetOrphanActions(ctx, "engine-dead")
	if err != nil {
		t.Fatalf("ResetOrphanActions: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 orphan reclaimed, got %d", n)
	}

	h.runAll(t)
	status, err := h.svc.GetOperation(ctx, op.ID)
	if err != nil {
		t.Fatalf("GetOperation: %v", err)
	}
	if !status.Done || !status.Succeeded {
		t.Fatalf("expected reclaimed operation to finish, got done=%v succeeded=%v", status.Done, status.Succeeded)
	}
}

func TestAbandonedRunningActionIsReclaimed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.createCluster(t, 1, 1, 10)
	h.svc.Dispatcher().Rebuild([]string{testInstance})

	op, err := h.svc.Submit(ctx, c.ID, engine.ActionClusterScaleOut,
		map[string]interface{}{engine.InputCount: 1})
	if err != nil {
		t.Fatalf("scale out: %v", err)
	}

	// A still-live instance grabbed the prepare action but lost its
	// lease mid-call; the action is stuck RUNNING while its owner is
	// not DOWN, so orphan recovery never touches it.
	ready, err := h.store.ListReadyActions(ctx, 1)
	if err != nil || len(ready) != 1 {
		t.Fatalf("expected one ready action, got %d (%v)", len(ready), err)
	}
	ok, err := h.store.AcquireAction(ctx, ready[0].ID, "engine-stuck")
	if err != nil || !ok {
		t.Fatalf("acquiring as stuck instance: %v %v", ok, err)
	}
	if _, err := h.store.AcquireLock(ctx, ready[0].Target, "engine-stuck", ready[0].ID, 50*time.Millisecond); err != nil {
		t.Fatalf("locking as stuck instance: %v", err)
	}

	// While the lease is live the owner is presumed working.
	n, err := h.svc.ReclaimAbandonedActions(ctx)
	if err != nil {
		t.Fatalf("ReclaimAbandonedActions: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected nothing reclaimed under a live lease, got %d", n)
	}

	time.Sleep(80 * time.Millisecond)
	n, err = h.svc.ReclaimAbandonedActions(ctx)
	if err != nil {
		t.Fatalf("ReclaimAbandonedActions: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 action reclaimed after the lease lapsed, got %d", n)
	}

	got, err := h.store.GetAction(ctx, ready[0].ID)
	if err != nil {
		t.Fatalf("loading reclaimed action: %v", err)
	}
	if got.Status != engine.ActionStatusReady || got.Owner != "" {
		t.Fatalf("expected READY with no owner, got %s owned by %q", got.Status, got.Owner)
	}

	h.runAll(t)
	status, err := h.svc.GetOperation(ctx, op.ID)
	if err != nil {
		t.Fatalf("GetOperation: %v", err)
	}
	if !status.Done || !status.Succeeded {
		t.Fatalf("expected reclaimed operation to finish, got done=%v succeeded=%v", status.Done, status.Succeeded)
	}
	if len(h.nodes(t, c.ID)) != 2 {
		t.Fatalf("expected 2 nodes after scale out, got %d", len(h.nodes(t, c.ID)))
	}
}

func TestNodeDeleteRerunIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.createCluster(t, 1, 0, 10)

	nodes := h.nodes(t, c.ID)
	if len(nodes) != 1 {
		t.Fatalf("expected 1 node, got %d", len(nodes))
	}

	op, err := h.svc.Submit(ctx, c.ID, engine.ActionClusterScaleIn,
		map[string]interface{}{engine.InputCount: 1})
	if err != nil {
		t.Fatalf("scale in: %v", err)
	}

	// Simulate a crash after the delete effect committed but before
	// the action outcome was recorded: the record is already gone when
	// the reclaimed action runs again.
	if err := h.store.DeleteNode(ctx, nodes[0].ID); err != nil {
		t.Fatalf("DeleteNode: %v", err)
	}
	h.runAll(t)

	status, err := h.svc.GetOperation(ctx, op.ID)
	if err != nil {
		t.Fatalf("GetOperation: %v", err)
	}
	if !status.Done || !status.Succeeded {
		t.Fatalf("expected idempotent re-run to succeed, got done=%v succeeded=%v", status.Done, status.Succeeded)
	}
}

func TestHealthPolicyFailsUnhealthyCreate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	p := h.seedProfile(t)
	c := &engine.Cluster{Name: "web", ProfileID: p.ID, DesiredCapacity: 1, MinSize: 0, MaxSize: 10}
	if err := h.store.CreateCluster(ctx, c); err != nil {
		t.Fatal(err)
	}
	if err := h.svc.AttachPolicy(ctx, &engine.PolicyBinding{
		PolicyID:  policy.HealthPolicyID,
		ClusterID: c.ID,
		Enabled:   true,
	}); err != nil {
		t.Fatalf("AttachPolicy: %v", err)
	}

	// The driver reports success but an unhealthy node; the post-check
	// fails the action retroactively.
	h.fake.ScriptResult(engine.ActionNodeCreate, &engine.DriverResult{
		Status:     engine.DriverStatusSucceeded,
		PhysicalID: "fake-dud",
		Outputs:    map[string]interface{}{"healthy": false},
	})

	op, err := h.svc.Submit(ctx, c.ID, engine.ActionClusterCreate, nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	h.runAll(t)

	status, err := h.svc.GetOperation(ctx, op.ID)
	if err != nil {
		t.Fatal(err)
	}
	if status.Succeeded {
		t.Fatal("expected operation to fail on post-check")
	}
	for _, a := range status.Actions {
		if a.Type != engine.ActionNodeCreate {
			continue
		}
		if a.Status != engine.ActionStatusFailed {
			t.Fatalf("expected create FAILED, got %s", a.Status)
		}
		if !strings.Contains(a.StatusReason, "PolicyRejected") {
			t.Fatalf("expected PolicyRejected reason, got %q", a.StatusReason)
		}
	}
}

func TestActionTimeoutIsPermanent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	p := h.seedProfile(t)
	h.fake.SetLatency(200 * time.Millisecond)

	c := &engine.Cluster{Name: "web", ProfileID: p.ID, DesiredCapacity: 1, MinSize: 0, MaxSize: 10}
	if err := h.store.CreateCluster(ctx, c); err != nil {
		t.Fatal(err)
	}

	// Tighten the per-action timeout below the driver latency.
	svc := engine.NewService(engine.ServiceConfig{
		InstanceID: testInstance,
		Defaults:   engine.ActionDefaults{Timeout: 20 * time.Millisecond, MaxRetries: 3},
	}, h.store, nil, policy.NewRegistry(zerolog.Nop()), nil, nil, zerolog.Nop())

	op, err := svc.Submit(ctx, c.ID, engine.ActionClusterCreate, nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	h.runAll(t)

	status, err := svc.GetOperation(ctx, op.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !status.Done || status.Succeeded {
		t.Fatalf("expected timed-out operation to fail, got done=%v succeeded=%v", status.Done, status.Succeeded)
	}

	// Timeouts are permanent: no retry attempts beyond the first call.
	creates := 0
	for _, call := range h.fake.Calls() {
		if call == engine.ActionNodeCreate {
			creates++
		}
	}
	if creates != 1 {
		t.Fatalf("expected a single create attempt, got %d", creates)
	}
}

func TestClusterCheckFlagsUnhealthyNodes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.createCluster(t, 2, 1, 10)

	nodes := h.nodes(t, c.ID)
	h.fake.MarkUnhealthy(nodes[0].PhysicalID)

	if _, err := h.svc.Submit(ctx, c.ID, engine.ActionClusterCheck, nil); err != nil {
		t.Fatalf("cluster check: %v", err)
	}
	h.runAll(t)

	got := h.cluster(t, c.ID)
	if got.Status != engine.ClusterStatusWarning {
		t.Fatalf("expected cluster WARNING with unhealthy member, got %s (%s)", got.Status, got.StatusReason)
	}

	sick := 0
	for _, n := range h.nodes(t, c.ID) {
		if n.Status == engine.NodeStatusError {
			sick++
		}
	}
	if sick != 1 {
		t.Fatalf("expected 1 node in ERROR, got %d", sick)
	}
}

func TestClusterRecoverHealsErrorNodes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.createCluster(t, 2, 1, 10)

	nodes := h.nodes(t, c.ID)
	h.fake.MarkUnhealthy(nodes[0].PhysicalID)
	if _, err := h.svc.Submit(ctx, c.ID, engine.ActionClusterCheck, nil); err != nil {
		t.Fatal(err)
	}
	h.runAll(t)

	if _, err := h.svc.Submit(ctx, c.ID, engine.ActionClusterRecover, nil); err != nil {
		t.Fatalf("cluster recover: %v", err)
	}
	h.runAll(t)

	got := h.cluster(t, c.ID)
	if got.Status != engine.ClusterStatusActive {
		t.Fatalf("expected cluster ACTIVE after recovery, got %s (%s)", got.Status, got.StatusReason)
	}
	for _, n := range h.nodes(t, c.ID) {
		if n.Status != engine.NodeStatusActive {
			t.Fatalf("node %s not recovered: %s", n.ID, n.Status)
		}
	}
}
