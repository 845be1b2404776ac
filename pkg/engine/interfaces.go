package engine

import (
	"context"
	"time"
)

// ActionStore is the durable record of actions and their dependency
// edges; the single source of truth for recovery after a crash.
//
// Implementations must make status transitions race-free: AcquireAction
// and CompleteAction are conditional writes, so that re-scanning stored
// actions after a crash reproduces exactly the runnable set that
// existed before it.
type ActionStore interface {
	// CreateAction persists a new action together with its edges.
	CreateAction(ctx context.Context, action *Action) error

	// GetAction retrieves one action by ID.
	GetAction(ctx context.Context, id string) (*Action, error)

	// ListReadyActions returns actions in READY status, oldest first,
	// up to limit. Limit <= 0 means no bound.
	ListReadyActions(ctx context.Context, limit int) ([]*Action, error)

	// ListActionsByOperation returns all actions of one operation.
	ListActionsByOperation(ctx context.Context, operationID string) ([]*Action, error)

	// AcquireAction atomically transitions an action READY -> RUNNING
	// and stamps the owner. Returns false if another worker got there
	// first or the action left READY.
	AcquireAction(ctx context.Context, id, owner string) (bool, error)

	// CompleteAction records a terminal status and outputs, then
	// resolves dependents: an action whose hard dependencies all
	// SUCCEEDED is promoted WAITING -> READY; an action with a failed
	// or cancelled hard dependency is cancelled, recursively. Best-
	// effort edges count as satisfied once the dependency is terminal.
	CompleteAction(ctx context.Context, id string, status ActionStatus, reason string, outputs map[string]interface{}) error

	// CancelOperation cancels every not-yet-RUNNING action of an
	// operation and returns the IDs it cancelled. RUNNING actions are
	// left to finish their current driver call, but get CancelRequested
	// set so their executor stops before the next retry attempt.
	CancelOperation(ctx context.Context, operationID string) ([]string, error)

	// UpdateActionInputs persists adjusted inputs (policy pre-hooks).
	UpdateActionInputs(ctx context.Context, id string, inputs map[string]interface{}) error

	// IncrementActionRetries bumps the retry counter.
	IncrementActionRetries(ctx context.Context, id string) error

	// ResetOrphanActions returns RUNNING actions owned by the given
	// engine to READY so a new owner can resume them. Used on takeover
	// after an instance death.
	ResetOrphanActions(ctx context.Context, owner string) (int, error)

	// ListRunningActions returns RUNNING actions of one cluster.
	ListRunningActions(ctx context.Context, clusterID string) ([]*Action, error)

	// RequeueAction returns one RUNNING action to READY and clears its
	// owner. Returns false if the action left RUNNING meanwhile. Used on
	// takeover when the action's target lease lapsed under a still-live
	// owner.
	RequeueAction(ctx context.Context, id string) (bool, error)

	// CreateOperation persists the operation handle for a decomposed
	// request.
	CreateOperation(ctx context.Context, op *Operation) error

	// GetOperation retrieves one operation by ID.
	GetOperation(ctx context.Context, id string) (*Operation, error)
}

// LockManager grants exclusive lease-bounded ownership of a cluster or
// node. Acquisition is atomic and non-blocking: if an unexpired lock
// exists, it fails immediately with Busy and callers retry with
// backoff.
type LockManager interface {
	// AcquireLock grants the lock if the target is free or its current
	// lease has expired. Returns a Busy-classified error otherwise.
	AcquireLock(ctx context.Context, target, holder, actionID string, lease time.Duration) (*Lock, error)

	// RenewLock extends the lease. Fails with OwnershipLost if the
	// holder no longer owns the lock.
	RenewLock(ctx context.Context, lock *Lock, lease time.Duration) (*Lock, error)

	// ReleaseLock drops the lock. Releasing a lock the holder lost is
	// a no-op, not an error.
	ReleaseLock(ctx context.Context, lock *Lock) error

	// BreakStale removes an expired lock on the target, returning true
	// if a stale lock was broken. Never touches a live lease.
	BreakStale(ctx context.Context, target string) (bool, error)
}

// Registry is the read/write interface to cluster, node, profile and
// policy-binding records. The executor mutates clusters and nodes only
// while an action holds their lock; everyone else reads.
type Registry interface {
	CreateCluster(ctx context.Context, c *Cluster) error
	GetCluster(ctx context.Context, id string) (*Cluster, error)
	UpdateCluster(ctx context.Context, c *Cluster) error
	SetClusterStatus(ctx context.Context, id string, status ClusterStatus, reason string) error
	ListClusters(ctx context.Context) ([]*Cluster, error)
	DeleteCluster(ctx context.Context, id string) error

	CreateNode(ctx context.Context, n *Node) error
	GetNode(ctx context.Context, id string) (*Node, error)
	UpdateNode(ctx context.Context, n *Node) error
	ListNodesByCluster(ctx context.Context, clusterID string) ([]*Node, error)
	DeleteNode(ctx context.Context, id string) error

	CreateProfile(ctx context.Context, p *Profile) error
	GetProfile(ctx context.Context, id string) (*Profile, error)

	PutBinding(ctx context.Context, b *PolicyBinding) error
	ListBindings(ctx context.Context, clusterID string) ([]*PolicyBinding, error)
	DeleteBinding(ctx context.Context, clusterID, policyID string) error
}

// ServiceRegistry tracks engine instance membership records.
type ServiceRegistry interface {
	// Heartbeat upserts the record and stamps the heartbeat time.
	Heartbeat(ctx context.Context, id, hostname string) error

	// ListEngines returns all membership records.
	ListEngines(ctx context.Context) ([]*EngineRecord, error)

	// MarkEngineDown flips the record to DOWN.
	MarkEngineDown(ctx context.Context, id string) error

	// PurgeEngines removes records whose heartbeat is older than the
	// retention window, returning how many were removed.
	PurgeEngines(ctx context.Context, olderThan time.Duration) (int, error)
}

// Store aggregates the durable state interfaces backed by one database.
type Store interface {
	ActionStore
	LockManager
	Registry
	ServiceRegistry
}

// DriverStatus is the outcome classification a driver reports.
type DriverStatus string

const (
	DriverStatusSucceeded DriverStatus = "SUCCEEDED"
	DriverStatusFailed    DriverStatus = "FAILED"
	DriverStatusRetryable DriverStatus = "RETRYABLE"
)

// DriverRequest is the capability contract input for one action type.
type DriverRequest struct {
	// IdempotencyKey equals the action ID. A retried call after an
	// ambiguous failure must not double-create a resource.
	IdempotencyKey string

	// ActionType is the operation being performed.
	ActionType ActionType

	// Node is the target node for node actions, nil for cluster-scoped
	// checks.
	Node *Node

	// Profile is the node's profile, resolved by the executor.
	Profile *Profile

	// Inputs are the (possibly policy-adjusted) action inputs.
	Inputs map[string]interface{}
}

// DriverResult is the capability contract output.
type DriverResult struct {
	// Status classifies the outcome; RETRYABLE failures are retried by
	// the executor with backoff.
	Status DriverStatus

	// PhysicalID is the backend resource handle, set on create.
	PhysicalID string

	// Outputs carry driver result data back onto the action.
	Outputs map[string]interface{}

	// Error describes the failure for FAILED/RETRYABLE results.
	Error string
}

// Driver performs the physical effect of an action against a backend.
type Driver interface {
	// Execute runs one operation. Implementations must be idempotent
	// with respect to the request's IdempotencyKey.
	Execute(ctx context.Context, req *DriverRequest) (*DriverResult, error)
}

// CheckContext is what policy hooks see of an action.
type CheckContext struct {
	// Action is the action under evaluation.
	Action *Action

	// Cluster is the action's cluster at pre-check time.
	Cluster *Cluster

	// Nodes are the cluster's current members at pre-check time.
	Nodes []*Node

	// Binding carries the binding parameters for the evaluating policy.
	Binding *PolicyBinding

	// Outputs is the driver output, set for post-checks only.
	Outputs map[string]interface{}
}

// CheckResult is the verdict of a policy hook.
type CheckResult struct {
	// Allow is false to veto the action.
	Allow bool

	// Reason explains a veto; recorded on the action.
	Reason string

	// AdjustedInputs, when non-nil, replaces the action inputs before
	// execution (pre-check only).
	AdjustedInputs map[string]interface{}
}

// PolicyChecker exposes pre- and post-operation hooks around actions.
type PolicyChecker interface {
	// Name identifies the policy implementation.
	Name() string

	// NeedsCheck reports whether the policy cares about the action type
	// at the given phase ("BEFORE" or "AFTER").
	NeedsCheck(phase string, actionType ActionType) bool

	// PreCheck runs before the driver call. It may veto the action or
	// adjust its inputs.
	PreCheck(ctx context.Context, cc *CheckContext) (*CheckResult, error)

	// PostCheck runs after a successful driver call and may fail the
	// action retroactively.
	PostCheck(ctx context.Context, cc *CheckContext) (*CheckResult, error)
}

// PolicySource resolves bound policies by ID.
type PolicySource interface {
	// Lookup returns the checker for a policy ID, or false if unknown.
	Lookup(policyID string) (PolicyChecker, bool)
}

// DriverSource resolves drivers by profile type.
type DriverSource interface {
	// Lookup returns the driver for a profile type, or false if none
	// is registered.
	Lookup(profileType string) (Driver, bool)
}

// EventRecorder receives action lifecycle events.
type EventRecorder interface {
	// Record persists or publishes one event. Failures are logged, not
	// propagated.
	Record(ctx context.Context, level, message string, action *Action)
}
