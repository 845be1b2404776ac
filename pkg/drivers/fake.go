package drivers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/openherd/openherd/pkg/engine"
)

// FakeType is the profile type the fake driver registers under.
const FakeType = "fake"

// fakeResource is one backend resource held by the fake driver.
type fakeResource struct {
	physicalID string
	nodeID     string
	healthy    bool
	createdAt  time.Time
}

// FakeDriver is an in-memory backend for tests and dry runs. Creates
// are idempotent on the request key, deletes of unknown resources
// succeed, and outcomes can be scripted per action type to exercise
// retry and failure paths.
type FakeDriver struct {
	mu        sync.Mutex
	resources map[string]*fakeResource // keyed by physical ID
	byKey     map[string]string        // idempotency key -> physical ID
	scripted  map[engine.ActionType][]*engine.DriverResult
	calls     []engine.ActionType
	latency   time.Duration
}

var _ engine.Driver = (*FakeDriver)(nil)

// NewFakeDriver creates an empty fake backend.
func NewFakeDriver() *FakeDriver {
	return &FakeDriver{
		resources: make(map[string]*fakeResource),
		byKey:     make(map[string]string),
		scripted:  make(map[engine.ActionType][]*engine.DriverResult),
	}
}

// ScriptResult queues a canned result for the next call of the given
// action type. Queued results are consumed in order; when the queue is
// empty the driver falls back to its normal behavior.
func (d *FakeDriver) ScriptResult(actionType engine.ActionType, result *engine.DriverResult) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.scripted[actionType] = append(d.scripted[actionType], result)
}

// SetLatency makes every call sleep before responding.
func (d *FakeDriver) SetLatency(latency time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.latency = latency
}

// Calls returns the sequence of action types executed so far.
func (d *FakeDriver) Calls() []engine.ActionType {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]engine.ActionType, len(d.calls))
	copy(out, d.calls)
	return out
}

// ResourceCount returns how many resources currently exist.
func (d *FakeDriver) ResourceCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.resources)
}

// MarkUnhealthy flips the health of a resource, as an external failure
// would.
func (d *FakeDriver) MarkUnhealthy(physicalID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if res, ok := d.resources[physicalID]; ok {
		res.healthy = false
	}
}

func (d *FakeDriver) Execute(ctx context.Context, req *engine.DriverRequest) (*engine.DriverResult, error) {
	d.mu.Lock()
	d.calls = append(d.calls, req.ActionType)
	latency := d.latency
	if queue := d.scripted[req.ActionType]; len(queue) > 0 {
		result := queue[0]
		d.scripted[req.ActionType] = queue[1:]
		d.mu.Unlock()
		return result, nil
	}
	d.mu.Unlock()

	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	switch req.ActionType {
	case engine.ActionNodeCreate:
		return d.create(req), nil
	case engine.ActionNodeDelete:
		return d.delete(req), nil
	case engine.ActionNodeCheck:
		return d.check(req), nil
	case engine.ActionNodeRecover:
		return d.recover(req), nil
	default:
		return &engine.DriverResult{
			Status: engine.DriverStatusFailed,
			Error:  fmt.Sprintf("unsupported action type %s", req.ActionType),
		}, nil
	}
}

func (d *FakeDriver) create(req *engine.DriverRequest) *engine.DriverResult {
	d.mu.Lock()
	defer d.mu.Unlock()

	// A replayed create returns the resource made by the first attempt.
	if physicalID, ok := d.byKey[req.IdempotencyKey]; ok {
		return &engine.DriverResult{
			Status:     engine.DriverStatusSucceeded,
			PhysicalID: physicalID,
			Outputs:    map[string]interface{}{"healthy": true, "replayed": true},
		}
	}

	physicalID := "fake-" + req.IdempotencyKey
	d.resources[physicalID] = &fakeResource{
		physicalID: physicalID,
		nodeID:     req.Node.ID,
		healthy:    true,
		createdAt:  time.Now().UTC(),
	}
	d.byKey[req.IdempotencyKey] = physicalID

	return &engine.DriverResult{
		Status:     engine.DriverStatusSucceeded,
		PhysicalID: physicalID,
		Outputs:    map[string]interface{}{"healthy": true},
	}
}

func (d *FakeDriver) delete(req *engine.DriverRequest) *engine.DriverResult {
	d.mu.Lock()
	defer d.mu.Unlock()

	// Deleting something already gone is success, not failure.
	delete(d.resources, req.Node.PhysicalID)

	return &engine.DriverResult{Status: engine.DriverStatusSucceeded}
}

func (d *FakeDriver) check(req *engine.DriverRequest) *engine.DriverResult {
	d.mu.Lock()
	defer d.mu.Unlock()

	res, exists := d.resources[req.Node.PhysicalID]
	healthy := exists && res.healthy

	return &engine.DriverResult{
		Status:  engine.DriverStatusSucceeded,
		Outputs: map[string]interface{}{"healthy": healthy},
	}
}

func (d *FakeDriver) recover(req *engine.DriverRequest) *engine.DriverResult {
	d.mu.Lock()
	defer d.mu.Unlock()

	// Recovery replaces the backend resource under a fresh handle.
	delete(d.resources, req.Node.PhysicalID)

	physicalID := "fake-" + req.IdempotencyKey
	d.resources[physicalID] = &fakeResource{
		physicalID: physicalID,
		nodeID:     req.Node.ID,
		healthy:    true,
		createdAt:  time.Now().UTC(),
	}
	d.byKey[req.IdempotencyKey] = physicalID

	return &engine.DriverResult{
		Status:     engine.DriverStatusSucceeded,
		PhysicalID: physicalID,
		Outputs:    map[string]interface{}{"healthy": true},
	}
}
