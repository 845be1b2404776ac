package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/rs/zerolog"
)

// errCancelRequested aborts the retry loop when the action's operation
// was cancelled between driver attempts.
var errCancelRequested = errors.New("cancellation requested")

// Executor runs a single RUNNING action to completion: policy
// pre-hooks, the driver call, policy post-hooks, outcome persistence
// and lock release. The caller (scheduler) has already acquired the
// target lock and transitioned the action to RUNNING.
type Executor struct {
	store    Store
	drivers  DriverSource
	policies PolicySource
	recorder EventRecorder
	logger   zerolog.Logger

	// lease is the lock lease duration, renewed before every driver
	// attempt and continuously while a driver call is in flight so a
	// live executor never lets its lease lapse.
	lease time.Duration
}

// NewExecutor creates an executor.
func NewExecutor(store Store, drivers DriverSource, policies PolicySource, recorder EventRecorder, lease time.Duration, logger zerolog.Logger) *Executor {
	if lease <= 0 {
		lease = 30 * time.Second
	}
	return &Executor{
		store:    store,
		drivers:  drivers,
		policies: policies,
		recorder: recorder,
		lease:    lease,
		logger:   logger.With().Str("component", "executor").Logger(),
	}
}

// Execute runs the action and settles its terminal status. The lock is
// released on every path except OwnershipLost, where the new owner is
// authoritative and this instance must not write anything further.
func (e *Executor) Execute(ctx context.Context, action *Action, lock *Lock) error {
	logger := e.logger.With().Str("action", action.ID).Str("type", string(action.Type)).Logger()
	e.record(ctx, "info", fmt.Sprintf("Action %s started", action.Name), action)

	err := e.run(ctx, action, lock, logger)

	if IsOwnershipLost(err) {
		// Abandon without marking: the lock was broken out from under
		// us and another instance now owns the action's fate.
		logger.Warn().Msg("ownership lost, abandoning action without further writes")
		return err
	}

	if relErr := e.store.ReleaseLock(ctx, lock); relErr != nil {
		logger.Warn().Err(relErr).Msg("lock release failed")
	}
	return err
}

func (e *Executor) run(ctx context.Context, action *Action, lock *Lock, logger zerolog.Logger) error {
	cc, err := e.checkContext(ctx, action)
	if err != nil {
		return e.finish(ctx, action, ActionStatusFailed, err.Error(), nil)
	}

	// Pre-operation policy hooks, ascending priority. A veto fails the
	// action with a user-visible PolicyRejected reason.
	if reason, rejected := e.preCheck(ctx, cc, logger); rejected {
		e.record(ctx, "error", fmt.Sprintf("Action %s rejected by policy: %s", action.Name, reason), action)
		return e.finish(ctx, action, ActionStatusFailed, "PolicyRejected: "+reason, nil)
	}

	var outputs map[string]interface{}
	var execErr error
	if action.Type.IsClusterAction() {
		outputs, execErr = e.executeClusterAction(ctx, action)
	} else {
		outputs, execErr = e.executeNodeAction(ctx, action, cc, lock, logger)
	}

	if execErr != nil {
		if IsOwnershipLost(execErr) {
			return execErr
		}
		if errors.Is(execErr, errCancelRequested) {
			e.record(ctx, "info", fmt.Sprintf("Action %s cancelled", action.Name), action)
			return e.finish(ctx, action, ActionStatusCancelled, "operation cancelled", nil)
		}
		e.record(ctx, "error", fmt.Sprintf("Action %s failed: %v", action.Name, execErr), action)
		return e.finish(ctx, action, ActionStatusFailed, execErr.Error(), outputs)
	}

	// Post-operation hooks may fail the action retroactively, e.g. a
	// health policy rejecting a node the driver reported as created.
	cc.Outputs = outputs
	if reason, rejected := e.postCheck(ctx, cc, logger); rejected {
		e.record(ctx, "error", fmt.Sprintf("Action %s rejected by post-check: %s", action.Name, reason), action)
		return e.finish(ctx, action, ActionStatusFailed, "PolicyRejected: "+reason, outputs)
	}

	e.record(ctx, "info", fmt.Sprintf("Action %s completed", action.Name), action)
	return e.finish(ctx, action, ActionStatusSucceeded, "Action completed", outputs)
}

// finish settles the terminal status; CompleteAction also resolves the
// dependents per the store's cascade rules.
func (e *Executor) finish(ctx context.Context, action *Action, status ActionStatus, reason string, outputs map[string]interface{}) error {
	if err := e.store.CompleteAction(ctx, action.ID, status, reason, outputs); err != nil {
		return NewInternalError("persisting action outcome", err).WithAction(action.ID)
	}
	if status == ActionStatusFailed {
		return NewDriverPermanentError(reason, nil).WithAction(action.ID)
	}
	return nil
}

// checkContext loads the cluster view policies and the executor work
// against. State is fetched per call, never cached across actions.
func (e *Executor) checkContext(ctx context.Context, action *Action) (*CheckContext, error) {
	cluster, err := e.store.GetCluster(ctx, action.ClusterID)
	if err != nil {
		return nil, NewInternalError("loading cluster", err).WithTarget(action.ClusterID)
	}
	nodes, err := e.store.ListNodesByCluster(ctx, action.ClusterID)
	if err != nil {
		return nil, NewInternalError("loading cluster nodes", err).WithTarget(action.ClusterID)
	}
	return &CheckContext{Action: action, Cluster: cluster, Nodes: nodes}, nil
}

// sortedBindings returns the cluster's enabled bindings in ascending
// priority order.
func (e *Executor) sortedBindings(ctx context.Context, clusterID string) ([]*PolicyBinding, error) {
	bindings, err := e.store.ListBindings(ctx, clusterID)
	if err != nil {
		return nil, err
	}
	var enabled []*PolicyBinding
	for _, b := range bindings {
		if b.Enabled {
			enabled = append(enabled, b)
		}
	}
	sort.SliceStable(enabled, func(i, j int) bool { return enabled[i].Priority < enabled[j].Priority })
	return enabled, nil
}

func (e *Executor) preCheck(ctx context.Context, cc *CheckContext, logger zerolog.Logger) (string, bool) {
	bindings, err := e.sortedBindings(ctx, cc.Action.ClusterID)
	if err != nil {
		logger.Warn().Err(err).Msg("listing policy bindings failed")
		return "", false
	}

	now := time.Now()
	for _, b := range bindings {
		checker, ok := e.policies.Lookup(b.PolicyID)
		if !ok || !checker.NeedsCheck("BEFORE", cc.Action.Type) {
			continue
		}
		if b.Cooldown > 0 && !b.LastOp.IsZero() && now.Sub(b.LastOp) < b.Cooldown {
			return fmt.Sprintf("policy %s cooldown in progress", checker.Name()), true
		}

		cc.Binding = b
		res, err := checker.PreCheck(ctx, cc)
		if err != nil {
			logger.Warn().Err(err).Str("policy", checker.Name()).Msg("policy pre-check errored")
			return fmt.Sprintf("policy %s errored: %v", checker.Name(), err), true
		}
		if !res.Allow {
			return res.Reason, true
		}
		if res.AdjustedInputs != nil {
			cc.Action.Inputs = res.AdjustedInputs
			if err := e.store.UpdateActionInputs(ctx, cc.Action.ID, res.AdjustedInputs); err != nil {
				logger.Warn().Err(err).Msg("persisting adjusted inputs failed")
			}
		}
	}
	return "", false
}

func (e *Executor) postCheck(ctx context.Context, cc *CheckContext, logger zerolog.Logger) (string, bool) {
	bindings, err := e.sortedBindings(ctx, cc.Action.ClusterID)
	if err != nil {
		logger.Warn().Err(err).Msg("listing policy bindings failed")
		return "", false
	}

	for _, b := range bindings {
		checker, ok := e.policies.Lookup(b.PolicyID)
		if !ok {
			continue
		}

		// Every bound policy records the operation time, whether or not
		// it checks this phase; cooldown windows start here.
		b.LastOp = time.Now()
		if err := e.store.PutBinding(ctx, b); err != nil {
			logger.Warn().Err(err).Msg("recording policy last-op failed")
		}

		if !checker.NeedsCheck("AFTER", cc.Action.Type) {
			continue
		}
		cc.Binding = b
		res, err := checker.PostCheck(ctx, cc)
		if err != nil {
			logger.Warn().Err(err).Str("policy", checker.Name()).Msg("policy post-check errored")
			return fmt.Sprintf("policy %s errored: %v", checker.Name(), err), true
		}
		if !res.Allow {
			return res.Reason, true
		}
	}
	return "", false
}

// executeNodeAction performs the driver call for a node-scoped action
// with retry on transient failures, renewing the lock lease before and
// during every attempt. The idempotency key is the action ID so a
// retried call after an ambiguous failure does not double-create a
// resource.
func (e *Executor) executeNodeAction(ctx context.Context, action *Action, cc *CheckContext, lock *Lock, logger zerolog.Logger) (map[string]interface{}, error) {
	node, err := e.store.GetNode(ctx, action.Target)
	if err != nil {
		// A re-run NODE_DELETE whose effect already committed before a
		// crash finds no record; that is the idempotent success case.
		if action.Type == ActionNodeDelete && IsNotFound(err) {
			return nil, nil
		}
		return nil, NewInternalError("loading node", err).WithTarget(action.Target)
	}
	profile, err := e.store.GetProfile(ctx, node.ProfileID)
	if err != nil {
		return nil, NewInternalError("loading profile", err).WithTarget(node.ID)
	}
	driver, ok := e.drivers.Lookup(profile.Type)
	if !ok {
		return nil, NewDriverPermanentError(fmt.Sprintf("no driver for profile type %q", profile.Type), nil).WithTarget(node.ID)
	}

	if action.Type == ActionNodeRecover {
		node.Status = NodeStatusRecovering
		if err := e.store.UpdateNode(ctx, node); err != nil {
			return nil, NewInternalError("marking node recovering", err).WithTarget(node.ID)
		}
	}

	req := &DriverRequest{
		IdempotencyKey: action.ID,
		ActionType:     action.Type,
		Node:           node,
		Profile:        profile,
		Inputs:         action.Inputs,
	}

	var result *DriverResult
	for attempt := 0; ; attempt++ {
		renewed, err := e.store.RenewLock(ctx, lock, e.lease)
		if err != nil {
			if IsOwnershipLost(err) {
				return nil, err
			}
			return nil, NewInternalError("renewing lock lease", err).WithTarget(lock.Target)
		}
		*lock = *renewed

		result, err = e.callDriverHeld(ctx, driver, req, action.Timeout, lock)
		if err == nil {
			break
		}
		if IsOwnershipLost(err) {
			return nil, err
		}
		if !IsRetryable(err) || attempt >= action.MaxRetries {
			return nil, err
		}

		if incErr := e.store.IncrementActionRetries(ctx, action.ID); incErr != nil {
			logger.Warn().Err(incErr).Msg("bumping retry counter failed")
		}
		delay := retryBackoff(attempt)
		logger.Warn().Err(err).Int("attempt", attempt+1).Dur("backoff", delay).Msg("transient driver failure, retrying")
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, NewTimeoutError("cancelled while waiting to retry", ctx.Err()).WithAction(action.ID)
		}

		// A cancel that arrived during the backoff wins over the retry.
		if cur, curErr := e.store.GetAction(ctx, action.ID); curErr == nil && cur.CancelRequested {
			return nil, errCancelRequested
		}
	}

	// Re-verify ownership before committing: a successful driver call is
	// worthless if the lease lapsed while it ran.
	renewed, err := e.store.RenewLock(ctx, lock, e.lease)
	if err != nil {
		if IsOwnershipLost(err) {
			return nil, err
		}
		return nil, NewInternalError("renewing lock lease", err).WithTarget(lock.Target)
	}
	*lock = *renewed

	return result.Outputs, e.applyNodeEffect(ctx, action, node, result)
}

// callDriverHeld invokes the driver while a background goroutine keeps
// the target lease renewed, so a call that outlasts one lease does not
// silently lose the lock. A renewal that comes back OwnershipLost
// cancels the driver call and surfaces the loss instead of the driver
// outcome.
func (e *Executor) callDriverHeld(ctx context.Context, driver Driver, req *DriverRequest, timeout time.Duration, lock *Lock) (*DriverResult, error) {
	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	held := *lock
	lost := make(chan error, 1)
	renewDone := make(chan struct{})
	go func() {
		defer close(renewDone)
		interval := e.lease / 3
		if interval < time.Millisecond {
			interval = time.Millisecond
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-callCtx.Done():
				return
			case <-ticker.C:
				if _, err := e.store.RenewLock(callCtx, &held, e.lease); err != nil {
					if IsOwnershipLost(err) {
						lost <- err
						cancel()
						return
					}
					// A transient store error leaves the lease live;
					// retry on the next tick.
				}
			}
		}
	}()

	result, err := e.callDriver(callCtx, driver, req, timeout)
	cancel()
	<-renewDone

	select {
	case lostErr := <-lost:
		return nil, lostErr
	default:
	}
	return result, err
}

// callDriver invokes the driver under the action timeout and converts
// the reported status into the error taxonomy.
func (e *Executor) callDriver(ctx context.Context, driver Driver, req *DriverRequest, timeout time.Duration) (*DriverResult, error) {
	execCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	result, err := driver.Execute(execCtx, req)
	if err != nil {
		if execCtx.Err() == context.DeadlineExceeded {
			return nil, NewTimeoutError("action run time exceeded", err).WithAction(req.IdempotencyKey)
		}
		return nil, NewDriverPermanentError("driver call failed", err).WithAction(req.IdempotencyKey)
	}

	switch result.Status {
	case DriverStatusSucceeded:
		return result, nil
	case DriverStatusRetryable:
		return nil, NewDriverTransientError(result.Error, nil).WithAction(req.IdempotencyKey)
	default:
		return nil, NewDriverPermanentError(result.Error, nil).WithAction(req.IdempotencyKey)
	}
}

// applyNodeEffect commits the node-record consequence of a successful
// driver call. The executor owns the node record while the lock is
// held.
func (e *Executor) applyNodeEffect(ctx context.Context, action *Action, node *Node, result *DriverResult) error {
	switch action.Type {
	case ActionNodeCreate, ActionNodeRecover:
		node.Status = NodeStatusActive
		node.StatusReason = "Node is running"
		if result.PhysicalID != "" {
			node.PhysicalID = result.PhysicalID
		}
		return e.store.UpdateNode(ctx, node)

	case ActionNodeDelete:
		return e.store.DeleteNode(ctx, node.ID)

	case ActionNodeCheck:
		healthy, _ := result.Outputs["healthy"].(bool)
		if healthy {
			node.Status = NodeStatusActive
			node.StatusReason = "Health check passed"
		} else {
			node.Status = NodeStatusError
			node.StatusReason = "Health check failed"
		}
		return e.store.UpdateNode(ctx, node)
	}
	return nil
}

// executeClusterAction performs the store-only effects of the prepare
// and finalize phases of a decomposed cluster operation. No driver is
// involved; the cluster lock serializes these mutations.
func (e *Executor) executeClusterAction(ctx context.Context, action *Action) (map[string]interface{}, error) {
	phase, _ := action.Inputs[InputPhase].(string)
	switch phase {
	case PhasePrepare:
		return nil, e.prepareCluster(ctx, action)
	case PhaseFinalize:
		return e.finalizeCluster(ctx, action)
	default:
		return nil, NewInternalError(fmt.Sprintf("cluster action %s has unknown phase %q", action.ID, phase), nil)
	}
}

func (e *Executor) prepareCluster(ctx context.Context, action *Action) error {
	var status ClusterStatus
	var reason string
	switch action.Type {
	case ActionClusterCreate:
		status, reason = ClusterStatusCreating, "Cluster creation started"
	case ActionClusterScaleOut:
		status, reason = ClusterStatusCreating, "Cluster scale out started"
	case ActionClusterScaleIn:
		status, reason = ClusterStatusUpdating, "Cluster scale in started"
	case ActionClusterResize:
		status, reason = ClusterStatusUpdating, "Cluster resize started"
	case ActionClusterRecover:
		status, reason = ClusterStatusUpdating, "Cluster recovery started"
	case ActionClusterDelete:
		status, reason = ClusterStatusDeleting, "Cluster deletion started"
	case ActionClusterCheck:
		// Checking leaves the advertised status alone.
		return nil
	}
	return e.store.SetClusterStatus(ctx, action.ClusterID, status, reason)
}

// finalizeCluster recomputes membership from the node table and settles
// the cluster status from the sibling node actions' outcomes. Finalize
// runs on best-effort edges, so it still executes after partial
// failures and records WARNING instead of leaving the cluster stuck.
func (e *Executor) finalizeCluster(ctx context.Context, action *Action) (map[string]interface{}, error) {
	siblings, err := e.store.ListActionsByOperation(ctx, action.OperationID)
	if err != nil {
		return nil, NewInternalError("loading operation actions", err)
	}

	succeeded, failed := 0, 0
	for _, s := range siblings {
		if s.Type.IsClusterAction() {
			continue
		}
		switch s.Status {
		case ActionStatusSucceeded:
			succeeded++
		default:
			failed++
		}
	}

	if action.Type == ActionClusterDelete {
		if failed > 0 {
			err := e.store.SetClusterStatus(ctx, action.ClusterID, ClusterStatusWarning,
				fmt.Sprintf("Failed deleting %d node(s)", failed))
			return nil, err
		}
		return nil, e.store.DeleteCluster(ctx, action.ClusterID)
	}

	cluster, err := e.store.GetCluster(ctx, action.ClusterID)
	if err != nil {
		return nil, NewInternalError("loading cluster", err).WithTarget(action.ClusterID)
	}
	nodes, err := e.store.ListNodesByCluster(ctx, action.ClusterID)
	if err != nil {
		return nil, NewInternalError("loading cluster nodes", err).WithTarget(action.ClusterID)
	}

	sort.SliceStable(nodes, func(i, j int) bool { return nodes[i].Index < nodes[j].Index })
	cluster.NodeIDs = cluster.NodeIDs[:0]
	nextIndex := cluster.NextIndex
	errorNodes := 0
	for _, n := range nodes {
		cluster.NodeIDs = append(cluster.NodeIDs, n.ID)
		if n.Index >= nextIndex {
			nextIndex = n.Index + 1
		}
		if n.Status == NodeStatusError {
			errorNodes++
		}
	}
	cluster.NextIndex = nextIndex
	cluster.DesiredCapacity = intParam(action.Inputs, InputDesiredCapacity, len(nodes))

	switch {
	case action.Type == ActionClusterCheck:
		if errorNodes > 0 {
			cluster.Status = ClusterStatusWarning
			cluster.StatusReason = fmt.Sprintf("%d node(s) unhealthy", errorNodes)
		} else {
			cluster.Status = ClusterStatusActive
			cluster.StatusReason = "Cluster check passed"
		}
	case failed == 0:
		cluster.Status = ClusterStatusActive
		cluster.StatusReason = fmt.Sprintf("Cluster %s succeeded", lowerType(action.Type))
	case succeeded > 0:
		cluster.Status = ClusterStatusWarning
		cluster.StatusReason = fmt.Sprintf("%d of %d node action(s) failed", failed, failed+succeeded)
	default:
		cluster.Status = ClusterStatusError
		cluster.StatusReason = fmt.Sprintf("Cluster %s failed", lowerType(action.Type))
	}

	if err := e.store.UpdateCluster(ctx, cluster); err != nil {
		return nil, NewInternalError("updating cluster", err).WithTarget(cluster.ID)
	}

	outputs := map[string]interface{}{
		"node_count": len(nodes),
		"succeeded":  succeeded,
		"failed":     failed,
	}
	return outputs, nil
}

func (e *Executor) record(ctx context.Context, level, message string, action *Action) {
	if e.recorder != nil {
		e.recorder.Record(ctx, level, message, action)
	}
}

// retryBackoff computes exponential backoff with jitter for transient
// driver failures, capped at one minute.
func retryBackoff(attempt int) time.Duration {
	base := time.Second
	delay := time.Duration(float64(base) * math.Pow(2, float64(attempt)))
	if delay > time.Minute {
		delay = time.Minute
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/4 + 1))
	return delay + jitter
}
