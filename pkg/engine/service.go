package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openherd/openherd/pkg/telemetry"
)

// ServiceConfig configures the engine front door and its background
// services.
type ServiceConfig struct {
	// InstanceID identifies this engine instance.
	InstanceID string

	// Hostname is recorded on the membership record.
	Hostname string

	// Defaults are applied to every action minted at decomposition.
	Defaults ActionDefaults

	// Scheduler tunes the action scheduler.
	Scheduler SchedulerConfig

	// Membership tunes heartbeats and failure detection.
	Membership MembershipConfig

	// VirtualNodes is the consistent-hash weight per instance.
	// Default 128.
	VirtualNodes int
}

// Service is the entry point for cluster operations. Submit decomposes
// a request into a persisted action graph; the scheduler and executor
// drive it from there. Start launches membership and scheduling for
// this instance.
type Service struct {
	cfg      ServiceConfig
	store    Store
	policies PolicySource
	recorder EventRecorder
	metrics  *telemetry.Metrics
	logger   zerolog.Logger

	dispatcher *Dispatcher
	executor   *Executor
	scheduler  *Scheduler
	membership *Membership

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewService wires the engine together.
func NewService(cfg ServiceConfig, store Store, drivers DriverSource, policies PolicySource, recorder EventRecorder, metrics *telemetry.Metrics, logger zerolog.Logger) *Service {
	if cfg.VirtualNodes <= 0 {
		cfg.VirtualNodes = 128
	}
	cfg.Scheduler.InstanceID = cfg.InstanceID
	cfg.Membership.InstanceID = cfg.InstanceID
	cfg.Membership.Hostname = cfg.Hostname

	s := &Service{
		cfg:      cfg,
		store:    store,
		policies: policies,
		recorder: recorder,
		metrics:  metrics,
		logger:   logger.With().Str("component", "service").Logger(),
	}

	s.dispatcher = NewDispatcher(cfg.VirtualNodes)
	s.executor = NewExecutor(store, drivers, policies, recorder, cfg.Scheduler.LockLease, logger)
	s.scheduler = NewScheduler(cfg.Scheduler, store, s.executor, s.dispatcher, metrics, logger)
	s.membership = NewMembership(store, cfg.Membership, logger, s.onMembershipChange)

	return s
}

// Start launches the membership and scheduler loops. It returns once
// both are running.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("service already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.started = true

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		if err := s.membership.Run(runCtx); err != nil && runCtx.Err() == nil {
			s.logger.Error().Err(err).Msg("membership loop exited")
		}
	}()
	go func() {
		defer s.wg.Done()
		if err := s.scheduler.Run(runCtx); err != nil && runCtx.Err() == nil {
			s.logger.Error().Err(err).Msg("scheduler loop exited")
		}
	}()

	s.logger.Info().Str("instance", s.cfg.InstanceID).Msg("Engine service started")
	return nil
}

// Stop shuts the background loops down and waits for in-flight actions
// to settle.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	s.logger.Info().Msg("Engine service stopped")
}

// onMembershipChange reacts to a changed live view: rebuild the
// ownership ring, reclaim actions orphaned by dead instances or
// abandoned after a lost lease, and wake the scheduler since this
// instance may now own new clusters.
func (s *Service) onMembershipChange(live []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s.dispatcher.Rebuild(live)
	if s.metrics != nil {
		s.metrics.SetMembershipSize(len(live))
	}

	records, err := s.store.ListEngines(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("listing engines for orphan recovery failed")
	} else {
		for _, r := range records {
			if r.Status != EngineStatusDown {
				continue
			}
			n, err := s.store.ResetOrphanActions(ctx, r.ID)
			if err != nil {
				s.logger.Warn().Err(err).Str("engine", r.ID).Msg("resetting orphan actions failed")
				continue
			}
			if n > 0 {
				s.logger.Info().Str("engine", r.ID).Int("actions", n).Msg("reclaimed orphan actions from dead engine")
			}
		}
	}

	if _, err := s.ReclaimAbandonedActions(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("reclaiming abandoned actions failed")
	}

	if s.metrics != nil {
		if clusters, err := s.store.ListClusters(ctx); err == nil {
			owned := 0
			for _, c := range clusters {
				if s.dispatcher.Owns(s.cfg.InstanceID, c.ID) {
					owned++
				}
			}
			s.metrics.SetClustersOwned(owned)
		}
	}

	s.scheduler.Wake()
}

// ReclaimAbandonedActions requeues RUNNING actions in clusters this
// instance owns whose target lease has lapsed. The previous executor
// lost ownership mid-call and abandons its outcome without further
// writes, so without this pass the action would stay RUNNING until its
// owner died. A live lease marks the owner as still executing and is
// never touched. Returns how many actions were requeued.
func (s *Service) ReclaimAbandonedActions(ctx context.Context) (int, error) {
	clusters, err := s.store.ListClusters(ctx)
	if err != nil {
		return 0, NewInternalError("listing clusters", err)
	}

	reclaimed := 0
	for _, c := range clusters {
		if !s.dispatcher.Owns(s.cfg.InstanceID, c.ID) {
			continue
		}
		actions, err := s.store.ListRunningActions(ctx, c.ID)
		if err != nil {
			s.logger.Warn().Err(err).Str("cluster", c.ID).Msg("listing running actions failed")
			continue
		}
		for _, a := range actions {
			if a.Owner == s.cfg.InstanceID {
				continue
			}
			// Acquisition succeeds only when the lease lapsed or was
			// released; a Busy failure means the owner is still live.
			lock, err := s.store.AcquireLock(ctx, a.Target, s.cfg.InstanceID, a.ID, s.cfg.Scheduler.LockLease)
			if err != nil {
				if !IsBusy(err) {
					s.logger.Warn().Err(err).Str("target", a.Target).Msg("probing abandoned target lock failed")
				}
				continue
			}
			ok, reqErr := s.store.RequeueAction(ctx, a.ID)
			if relErr := s.store.ReleaseLock(ctx, lock); relErr != nil {
				s.logger.Warn().Err(relErr).Msg("lock release failed")
			}
			if reqErr != nil {
				s.logger.Warn().Err(reqErr).Str("action", a.ID).Msg("requeueing abandoned action failed")
				continue
			}
			if ok {
				s.logger.Info().Str("action", a.ID).Str("owner", a.Owner).Msg("requeued abandoned action")
				reclaimed++
			}
		}
	}

	if reclaimed > 0 {
		s.scheduler.Wake()
	}
	return reclaimed, nil
}

// CreateCluster persists a new cluster and submits its CLUSTER_CREATE
// operation.
func (s *Service) CreateCluster(ctx context.Context, c *Cluster) (*Operation, error) {
	if c.Name == "" {
		return nil, NewInternalError("cluster name is required", nil)
	}
	if _, err := s.store.GetProfile(ctx, c.ProfileID); err != nil {
		return nil, NewInternalError(fmt.Sprintf("profile %s not found", c.ProfileID), err)
	}
	if c.MaxSize >= 0 && (c.DesiredCapacity > c.MaxSize || c.MinSize > c.MaxSize) {
		return nil, NewInternalError(
			fmt.Sprintf("capacity %d outside bounds [%d, %d]", c.DesiredCapacity, c.MinSize, c.MaxSize), nil)
	}
	if c.DesiredCapacity < c.MinSize {
		return nil, NewInternalError(
			fmt.Sprintf("capacity %d below min size %d", c.DesiredCapacity, c.MinSize), nil)
	}

	now := time.Now()
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	c.Status = ClusterStatusCreating
	c.StatusReason = "Cluster creation requested"
	c.CreatedAt = now
	c.UpdatedAt = now
	if err := s.store.CreateCluster(ctx, c); err != nil {
		return nil, NewInternalError("persisting cluster", err).WithTarget(c.ID)
	}

	return s.Submit(ctx, c.ID, ActionClusterCreate, nil)
}

// DeleteCluster submits the deletion operation for a cluster.
func (s *Service) DeleteCluster(ctx context.Context, clusterID string) (*Operation, error) {
	return s.Submit(ctx, clusterID, ActionClusterDelete, nil)
}

// Submit decomposes one cluster operation into its action graph and
// persists it. Policies bound to the cluster are consulted first, so a
// scaling bound clamps the request and a deletion policy pins the
// victims before anything is stored. The returned operation handle
// carries the IDs of every action created.
func (s *Service) Submit(ctx context.Context, clusterID string, opType ActionType, params map[string]interface{}) (*Operation, error) {
	cluster, err := s.store.GetCluster(ctx, clusterID)
	if err != nil {
		if IsNotFound(err) {
			return nil, err
		}
		return nil, NewInternalError("loading cluster", err).WithTarget(clusterID)
	}
	nodes, err := s.store.ListNodesByCluster(ctx, clusterID)
	if err != nil {
		return nil, NewInternalError("loading cluster nodes", err).WithTarget(clusterID)
	}

	if params == nil {
		params = make(map[string]interface{})
	}
	params, err = s.consultPolicies(ctx, cluster, nodes, opType, params)
	if err != nil {
		return nil, err
	}

	plan, err := Decompose(cluster, nodes, opType, params, s.cfg.Defaults)
	if err != nil {
		return nil, err
	}

	for _, n := range plan.NewNodes {
		if err := s.store.CreateNode(ctx, n); err != nil {
			return nil, NewInternalError("persisting node record", err).WithTarget(n.ID)
		}
	}
	if len(plan.NewNodes) > 0 {
		// Advance the index cursor so a concurrent submit does not
		// mint colliding node indexes.
		cluster.NextIndex += len(plan.NewNodes)
		cluster.UpdatedAt = time.Now()
		if err := s.store.UpdateCluster(ctx, cluster); err != nil {
			return nil, NewInternalError("advancing node index", err).WithTarget(cluster.ID)
		}
	}

	if err := s.store.CreateOperation(ctx, plan.Operation); err != nil {
		return nil, NewInternalError("persisting operation", err).WithTarget(cluster.ID)
	}
	for _, a := range plan.Actions {
		if err := s.store.CreateAction(ctx, a); err != nil {
			return nil, NewInternalError("persisting action", err).WithAction(a.ID)
		}
	}

	s.logger.Info().
		Str("cluster", clusterID).
		Str("operation", plan.Operation.ID).
		Str("type", string(opType)).
		Int("actions", len(plan.Actions)).
		Msg("Operation submitted")
	if s.recorder != nil && len(plan.Actions) > 0 {
		s.recorder.Record(ctx, "info",
			fmt.Sprintf("Operation %s submitted with %d action(s)", opType, len(plan.Actions)),
			plan.Actions[0])
	}

	s.scheduler.Wake()
	return plan.Operation, nil
}

// consultPolicies runs the BEFORE hooks of the cluster's enabled
// bindings against the request before decomposition. A veto aborts the
// submit; adjusted inputs feed the decomposition in place of the
// caller's params.
func (s *Service) consultPolicies(ctx context.Context, cluster *Cluster, nodes []*Node, opType ActionType, params map[string]interface{}) (map[string]interface{}, error) {
	bindings, err := s.store.ListBindings(ctx, cluster.ID)
	if err != nil {
		return nil, NewInternalError("listing policy bindings", err).WithTarget(cluster.ID)
	}

	// The probe stands in for the not-yet-created request action.
	probe := &Action{
		ID:        uuid.New().String(),
		Type:      opType,
		Target:    cluster.ID,
		ClusterID: cluster.ID,
		Inputs:    params,
	}
	cc := &CheckContext{Action: probe, Cluster: cluster, Nodes: nodes}

	now := time.Now()
	for _, b := range bindings {
		if !b.Enabled {
			continue
		}
		checker, ok := s.policies.Lookup(b.PolicyID)
		if !ok || !checker.NeedsCheck("BEFORE", opType) {
			continue
		}
		if b.Cooldown > 0 && !b.LastOp.IsZero() && now.Sub(b.LastOp) < b.Cooldown {
			return nil, NewPolicyRejectedError(
				fmt.Sprintf("policy %s cooldown in progress", checker.Name()), nil).WithTarget(cluster.ID)
		}

		cc.Binding = b
		res, err := checker.PreCheck(ctx, cc)
		if err != nil {
			return nil, NewPolicyRejectedError(
				fmt.Sprintf("policy %s errored: %v", checker.Name(), err), err).WithTarget(cluster.ID)
		}
		if !res.Allow {
			return nil, NewPolicyRejectedError(res.Reason, nil).WithTarget(cluster.ID)
		}
		if res.AdjustedInputs != nil {
			probe.Inputs = res.AdjustedInputs
		}
	}

	return probe.Inputs, nil
}

// CancelOperation cancels every not-yet-running action of an
// operation. Actions already RUNNING finish their current driver call;
// the dependency cascade stops anything downstream of a cancelled
// action.
func (s *Service) CancelOperation(ctx context.Context, operationID string) ([]string, error) {
	cancelled, err := s.store.CancelOperation(ctx, operationID)
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("operation", operationID).Int("cancelled", len(cancelled)).Msg("Operation cancelled")
	return cancelled, nil
}

// OperationStatus is the caller-visible progress of one operation.
type OperationStatus struct {
	Operation *Operation `json:"operation"`
	Actions   []*Action  `json:"actions"`

	// Done is true once every action reached a terminal status.
	Done bool `json:"done"`

	// Succeeded is true when done without failures or cancellations.
	Succeeded bool `json:"succeeded"`
}

// GetOperation returns the operation and the live status of its
// actions.
func (s *Service) GetOperation(ctx context.Context, operationID string) (*OperationStatus, error) {
	op, err := s.store.GetOperation(ctx, operationID)
	if err != nil {
		return nil, err
	}
	actions, err := s.store.ListActionsByOperation(ctx, operationID)
	if err != nil {
		return nil, NewInternalError("loading operation actions", err)
	}

	status := &OperationStatus{Operation: op, Actions: actions, Done: true, Succeeded: true}
	for _, a := range actions {
		if !a.Status.IsTerminal() {
			status.Done = false
			status.Succeeded = false
			break
		}
		if a.Status != ActionStatusSucceeded {
			status.Succeeded = false
		}
	}
	return status, nil
}

// GetAction returns one action.
func (s *Service) GetAction(ctx context.Context, actionID string) (*Action, error) {
	return s.store.GetAction(ctx, actionID)
}

// ClusterStatusView is a cluster together with its member nodes.
type ClusterStatusView struct {
	Cluster *Cluster `json:"cluster"`
	Nodes   []*Node  `json:"nodes"`
}

// GetClusterStatus returns the cluster and its nodes.
func (s *Service) GetClusterStatus(ctx context.Context, clusterID string) (*ClusterStatusView, error) {
	cluster, err := s.store.GetCluster(ctx, clusterID)
	if err != nil {
		return nil, err
	}
	nodes, err := s.store.ListNodesByCluster(ctx, clusterID)
	if err != nil {
		return nil, NewInternalError("loading cluster nodes", err).WithTarget(clusterID)
	}
	return &ClusterStatusView{Cluster: cluster, Nodes: nodes}, nil
}

// ListClusters returns all clusters.
func (s *Service) ListClusters(ctx context.Context) ([]*Cluster, error) {
	return s.store.ListClusters(ctx)
}

// CreateProfile persists a profile version.
func (s *Service) CreateProfile(ctx context.Context, p *Profile) error {
	return s.store.CreateProfile(ctx, p)
}

// GetProfile returns one profile version.
func (s *Service) GetProfile(ctx context.Context, id string) (*Profile, error) {
	return s.store.GetProfile(ctx, id)
}

// AttachPolicy binds a policy to a cluster. The policy ID must resolve
// against the registered checkers.
func (s *Service) AttachPolicy(ctx context.Context, b *PolicyBinding) error {
	if _, ok := s.policies.Lookup(b.PolicyID); !ok {
		return NewInternalError(fmt.Sprintf("unknown policy %q", b.PolicyID), nil).WithTarget(b.ClusterID)
	}
	if _, err := s.store.GetCluster(ctx, b.ClusterID); err != nil {
		return err
	}
	return s.store.PutBinding(ctx, b)
}

// DetachPolicy removes a policy binding.
func (s *Service) DetachPolicy(ctx context.Context, clusterID, policyID string) error {
	return s.store.DeleteBinding(ctx, clusterID, policyID)
}

// InstanceID returns this engine instance's identifier.
func (s *Service) InstanceID() string {
	return s.cfg.InstanceID
}

// Dispatcher exposes the ownership ring, primarily for status output.
func (s *Service) Dispatcher() *Dispatcher {
	return s.dispatcher
}
