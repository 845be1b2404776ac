package stores

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/openherd/openherd/pkg/engine"
)

// MemoryStore is an in-memory engine.Store used in tests and for
// single-process experiments. Semantics mirror the SQLite store,
// including the conditional acquire and dependent resolution.
type MemoryStore struct {
	mu sync.Mutex

	clusters   map[string]*engine.Cluster
	nodes      map[string]*engine.Node
	profiles   map[string]*engine.Profile
	bindings   map[string]map[string]*engine.PolicyBinding // clusterID -> policyID
	actions    map[string]*engine.Action
	operations map[string]*engine.Operation
	locks      map[string]*engine.Lock
	services   map[string]*engine.EngineRecord
	events     []*Event
}

var _ engine.Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		clusters:   make(map[string]*engine.Cluster),
		nodes:      make(map[string]*engine.Node),
		profiles:   make(map[string]*engine.Profile),
		bindings:   make(map[string]map[string]*engine.PolicyBinding),
		actions:    make(map[string]*engine.Action),
		operations: make(map[string]*engine.Operation),
		locks:      make(map[string]*engine.Lock),
		services:   make(map[string]*engine.EngineRecord),
	}
}

func (s *MemoryStore) CreateCluster(_ context.Context, c *engine.Cluster) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clusters[c.ID]; ok {
		return fmt.Errorf("cluster %s already exists", c.ID)
	}
	cp := *c
	s.clusters[c.ID] = &cp
	return nil
}

func (s *MemoryStore) GetCluster(_ context.Context, id string) (*engine.Cluster, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clusters[id]
	if !ok {
		return nil, fmt.Errorf("cluster %s: %w", id, engine.ErrNotFound)
	}
	cp := *c
	cp.NodeIDs = append([]string(nil), c.NodeIDs...)
	return &cp, nil
}

func (s *MemoryStore) UpdateCluster(_ context.Context, c *engine.Cluster) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clusters[c.ID]; !ok {
		return fmt.Errorf("cluster %s: %w", c.ID, engine.ErrNotFound)
	}
	cp := *c
	cp.NodeIDs = append([]string(nil), c.NodeIDs...)
	cp.UpdatedAt = time.Now().UTC()
	s.clusters[c.ID] = &cp
	return nil
}

func (s *MemoryStore) SetClusterStatus(_ context.Context, id string, status engine.ClusterStatus, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clusters[id]
	if !ok {
		return fmt.Errorf("cluster %s: %w", id, engine.ErrNotFound)
	}
	c.Status = status
	c.StatusReason = reason
	c.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) ListClusters(_ context.Context) ([]*engine.Cluster, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*engine.Cluster, 0, len(s.clusters))
	for _, c := range s.clusters {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) DeleteCluster(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clusters[id]; !ok {
		return fmt.Errorf("cluster %s: %w", id, engine.ErrNotFound)
	}
	delete(s.clusters, id)
	delete(s.bindings, id)
	return nil
}

func (s *MemoryStore) CreateNode(_ context.Context, n *engine.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nodes[n.ID]; ok {
		return fmt.Errorf("node %s already exists", n.ID)
	}
	cp := *n
	s.nodes[n.ID] = &cp
	return nil
}

func (s *MemoryStore) GetNode(_ context.Context, id string) (*engine.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return nil, fmt.Errorf("node %s: %w", id, engine.ErrNotFound)
	}
	cp := *n
	return &cp, nil
}

func (s *MemoryStore) UpdateNode(_ context.Context, n *engine.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nodes[n.ID]; !ok {
		return fmt.Errorf("node %s: %w", n.ID, engine.ErrNotFound)
	}
	cp := *n
	cp.UpdatedAt = time.Now().UTC()
	s.nodes[n.ID] = &cp
	return nil
}

func (s *MemoryStore) ListNodesByCluster(_ context.Context, clusterID string) ([]*engine.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*engine.Node{}
	for _, n := range s.nodes {
		if n.ClusterID == clusterID {
			cp := *n
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

func (s *MemoryStore) DeleteNode(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nodes[id]; !ok {
		return fmt.Errorf("node %s: %w", id, engine.ErrNotFound)
	}
	delete(s.nodes, id)
	return nil
}

func (s *MemoryStore) CreateProfile(_ context.Context, p *engine.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.profiles[p.ID]; ok {
		return fmt.Errorf("profile %s already exists", p.ID)
	}
	cp := *p
	s.profiles[p.ID] = &cp
	return nil
}

func (s *MemoryStore) GetProfile(_ context.Context, id string) (*engine.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[id]
	if !ok {
		return nil, fmt.Errorf("profile %s: %w", id, engine.ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) PutBinding(_ context.Context, b *engine.PolicyBinding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.bindings[b.ClusterID]
	if !ok {
		m = make(map[string]*engine.PolicyBinding)
		s.bindings[b.ClusterID] = m
	}
	cp := *b
	m[b.PolicyID] = &cp
	return nil
}

func (s *MemoryStore) ListBindings(_ context.Context, clusterID string) ([]*engine.PolicyBinding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*engine.PolicyBinding{}
	for _, b := range s.bindings[clusterID] {
		cp := *b
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out, nil
}

func (s *MemoryStore) DeleteBinding(_ context.Context, clusterID, policyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.bindings[clusterID]
	if _, ok := m[policyID]; !ok {
		return fmt.Errorf("binding %s/%s: %w", clusterID, policyID, engine.ErrNotFound)
	}
	delete(m, policyID)
	return nil
}

func (s *MemoryStore) CreateAction(_ context.Context, a *engine.Action) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.actions[a.ID]; ok {
		return fmt.Errorf("action %s already exists", a.ID)
	}
	cp := copyAction(a)
	s.actions[a.ID] = cp
	return nil
}

func (s *MemoryStore) GetAction(_ context.Context, id string) (*engine.Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.actions[id]
	if !ok {
		return nil, fmt.Errorf("action %s: %w", id, engine.ErrNotFound)
	}
	return copyAction(a), nil
}

func (s *MemoryStore) ListReadyActions(_ context.Context, limit int) ([]*engine.Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*engine.Action{}
	for _, a := range s.actions {
		if a.Status == engine.ActionStatusReady {
			out = append(out, copyAction(a))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListActionsByOperation(_ context.Context, operationID string) ([]*engine.Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*engine.Action{}
	for _, a := range s.actions {
		if a.OperationID == operationID {
			out = append(out, copyAction(a))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) AcquireAction(_ context.Context, id, owner string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.actions[id]
	if !ok {
		return false, fmt.Errorf("action %s: %w", id, engine.ErrNotFound)
	}
	if a.Status != engine.ActionStatusReady {
		return false, nil
	}
	now := time.Now().UTC()
	a.Status = engine.ActionStatusRunning
	a.Owner = owner
	a.StartedAt = &now
	return true, nil
}

func (s *MemoryStore) CompleteAction(_ context.Context, id string, status engine.ActionStatus, reason string, outputs map[string]interface{}) error {
	if !status.IsTerminal() {
		return fmt.Errorf("status %s is not terminal", status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.actions[id]
	if !ok {
		return fmt.Errorf("action %s: %w", id, engine.ErrNotFound)
	}
	if a.Status.IsTerminal() {
		return nil
	}
	now := time.Now().UTC()
	a.Status = status
	a.StatusReason = reason
	a.Outputs = outputs
	a.EndedAt = &now

	s.resolveDependentsLocked(id, status)
	return nil
}

// resolveDependentsLocked cascades promotion and cancellation down the
// action graph. Caller holds the mutex.
func (s *MemoryStore) resolveDependentsLocked(id string, status engine.ActionStatus) {
	for _, dep := range s.actions {
		if dep.Status != engine.ActionStatusWaiting {
			continue
		}
		var onThis *engine.Dependency
		for i := range dep.DependsOn {
			if dep.DependsOn[i].Required == id {
				onThis = &dep.DependsOn[i]
				break
			}
		}
		if onThis == nil {
			continue
		}

		if status != engine.ActionStatusSucceeded && !onThis.BestEffort {
			now := time.Now().UTC()
			dep.Status = engine.ActionStatusCancelled
			dep.StatusReason = fmt.Sprintf("dependency %s %s", id, lowerStatus(status))
			dep.EndedAt = &now
			s.resolveDependentsLocked(dep.ID, engine.ActionStatusCancelled)
			continue
		}

		satisfied := true
		for _, e := range dep.DependsOn {
			req, ok := s.actions[e.Required]
			if !ok {
				satisfied = false
				break
			}
			if e.BestEffort {
				if !req.Status.IsTerminal() {
					satisfied = false
					break
				}
			} else if req.Status != engine.ActionStatusSucceeded {
				satisfied = false
				break
			}
		}
		if satisfied {
			dep.Status = engine.ActionStatusReady
		}
	}
}

func (s *MemoryStore) CancelOperation(_ context.Context, operationID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	ids := []string{}
	for _, a := range s.actions {
		if a.OperationID != operationID {
			continue
		}
		switch a.Status {
		case engine.ActionStatusInit, engine.ActionStatusWaiting, engine.ActionStatusReady:
			a.Status = engine.ActionStatusCancelled
			a.StatusReason = "operation cancelled"
			a.EndedAt = &now
			ids = append(ids, a.ID)
		case engine.ActionStatusRunning:
			// The executor finishes the driver call in flight but stops
			// before the next attempt.
			a.CancelRequested = true
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) UpdateActionInputs(_ context.Context, id string, inputs map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.actions[id]
	if !ok {
		return fmt.Errorf("action %s: %w", id, engine.ErrNotFound)
	}
	a.Inputs = inputs
	return nil
}

func (s *MemoryStore) IncrementActionRetries(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.actions[id]
	if !ok {
		return fmt.Errorf("action %s: %w", id, engine.ErrNotFound)
	}
	a.Retries++
	return nil
}

func (s *MemoryStore) ListRunningActions(_ context.Context, clusterID string) ([]*engine.Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*engine.Action{}
	for _, a := range s.actions {
		if a.ClusterID == clusterID && a.Status == engine.ActionStatusRunning {
			out = append(out, copyAction(a))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) RequeueAction(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.actions[id]
	if !ok {
		return false, fmt.Errorf("action %s: %w", id, engine.ErrNotFound)
	}
	if a.Status != engine.ActionStatusRunning {
		return false, nil
	}
	a.Status = engine.ActionStatusReady
	a.Owner = ""
	return true, nil
}

func (s *MemoryStore) ResetOrphanActions(_ context.Context, owner string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, a := range s.actions {
		if a.Owner == owner && a.Status == engine.ActionStatusRunning {
			a.Status = engine.ActionStatusReady
			a.Owner = ""
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) CreateOperation(_ context.Context, op *engine.Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.operations[op.ID]; ok {
		return fmt.Errorf("operation %s already exists", op.ID)
	}
	cp := *op
	cp.ActionIDs = append([]string(nil), op.ActionIDs...)
	s.operations[op.ID] = &cp
	return nil
}

func (s *MemoryStore) GetOperation(_ context.Context, id string) (*engine.Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.operations[id]
	if !ok {
		return nil, fmt.Errorf("operation %s: %w", id, engine.ErrNotFound)
	}
	cp := *op
	cp.ActionIDs = append([]string(nil), op.ActionIDs...)
	return &cp, nil
}

func (s *MemoryStore) AcquireLock(_ context.Context, target, holder, actionID string, lease time.Duration) (*engine.Lock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if cur, ok := s.locks[target]; ok && cur.LeaseExpiry.After(now) {
		return nil, engine.NewBusyError(fmt.Sprintf("target %s is locked", target), nil).WithTarget(target)
	}
	lock := &engine.Lock{
		Target:      target,
		Holder:      holder,
		ActionID:    actionID,
		AcquiredAt:  now,
		LeaseExpiry: now.Add(lease),
	}
	s.locks[target] = lock
	cp := *lock
	return &cp, nil
}

func (s *MemoryStore) RenewLock(_ context.Context, lock *engine.Lock, lease time.Duration) (*engine.Lock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	cur, ok := s.locks[lock.Target]
	if !ok || cur.Holder != lock.Holder || cur.ActionID != lock.ActionID || !cur.LeaseExpiry.After(now) {
		return nil, engine.NewOwnershipLostError(
			fmt.Sprintf("lock on %s no longer held by %s", lock.Target, lock.Holder), nil).WithTarget(lock.Target)
	}
	cur.LeaseExpiry = now.Add(lease)
	cp := *cur
	return &cp, nil
}

func (s *MemoryStore) ReleaseLock(_ context.Context, lock *engine.Lock) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.locks[lock.Target]
	if ok && cur.Holder == lock.Holder && cur.ActionID == lock.ActionID {
		delete(s.locks, lock.Target)
	}
	return nil
}

func (s *MemoryStore) BreakStale(_ context.Context, target string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.locks[target]
	if !ok || cur.LeaseExpiry.After(time.Now().UTC()) {
		return false, nil
	}
	delete(s.locks, target)
	return true, nil
}

func (s *MemoryStore) Heartbeat(_ context.Context, id, hostname string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	r, ok := s.services[id]
	if !ok {
		r = &engine.EngineRecord{ID: id, CreatedAt: now}
		s.services[id] = r
	}
	r.Hostname = hostname
	r.Status = engine.EngineStatusUp
	r.LastHeartbeat = now
	return nil
}

func (s *MemoryStore) ListEngines(_ context.Context) ([]*engine.EngineRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*engine.EngineRecord, 0, len(s.services))
	for _, r := range s.services {
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) MarkEngineDown(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.services[id]
	if !ok {
		return fmt.Errorf("engine %s: %w", id, engine.ErrNotFound)
	}
	r.Status = engine.EngineStatusDown
	return nil
}

func (s *MemoryStore) PurgeEngines(_ context.Context, olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().UTC().Add(-olderThan)
	n := 0
	for id, r := range s.services {
		if r.LastHeartbeat.Before(cutoff) {
			delete(s.services, id)
			n++
		}
	}
	return n, nil
}

// AppendEvent records an event in memory
func (s *MemoryStore) AppendEvent(_ context.Context, event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	event.ID = int64(len(s.events) + 1)
	cp := *event
	s.events = append(s.events, &cp)
	return nil
}

// Events returns a snapshot of the recorded events
func (s *MemoryStore) Events() []*Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Event, 0, len(s.events))
	for _, e := range s.events {
		cp := *e
		out = append(out, &cp)
	}
	return out
}

func copyAction(a *engine.Action) *engine.Action {
	cp := *a
	cp.DependsOn = append([]engine.Dependency(nil), a.DependsOn...)
	if a.Inputs != nil {
		cp.Inputs = make(map[string]interface{}, len(a.Inputs))
		for k, v := range a.Inputs {
			cp.Inputs[k] = v
		}
	}
	if a.Outputs != nil {
		cp.Outputs = make(map[string]interface{}, len(a.Outputs))
		for k, v := range a.Outputs {
			cp.Outputs[k] = v
		}
	}
	return &cp
}
