package engine

import (
	"encoding/json"
	"time"
)

// ClusterStatus represents the lifecycle status of a cluster.
type ClusterStatus string

const (
	ClusterStatusActive   ClusterStatus = "ACTIVE"
	ClusterStatusCreating ClusterStatus = "CREATING"
	ClusterStatusUpdating ClusterStatus = "UPDATING"
	ClusterStatusDeleting ClusterStatus = "DELETING"
	ClusterStatusError    ClusterStatus = "ERROR"
	ClusterStatusWarning  ClusterStatus = "WARNING"
)

// Cluster is a named, sized collection of nodes managed as a unit.
// A cluster never embeds its node objects; it only tracks node IDs,
// ordered by creation index for deterministic scale-in victim selection.
type Cluster struct {
	// ID is the unique identifier of the cluster.
	ID string `json:"id"`

	// Name is the human-readable cluster name.
	Name string `json:"name"`

	// ProfileID references the profile applied to nodes of this cluster.
	ProfileID string `json:"profile_id"`

	// DesiredCapacity is the number of nodes the cluster should have.
	DesiredCapacity int `json:"desired_capacity"`

	// MinSize and MaxSize bound resize operations. MaxSize of -1 means
	// unbounded.
	MinSize int `json:"min_size"`
	MaxSize int `json:"max_size"`

	// NodeIDs lists member node IDs ordered by creation index.
	NodeIDs []string `json:"node_ids,omitempty"`

	// Status is the current cluster status.
	Status ClusterStatus `json:"status"`

	// StatusReason records why the cluster entered its current status.
	StatusReason string `json:"status_reason,omitempty"`

	// NextIndex is the creation index assigned to the next node.
	NextIndex int `json:"next_index"`

	// Bindings are the policies attached to this cluster.
	Bindings []PolicyBinding `json:"bindings,omitempty"`

	// Metadata holds free-form cluster metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NodeStatus represents the lifecycle status of a node.
type NodeStatus string

const (
	NodeStatusActive     NodeStatus = "ACTIVE"
	NodeStatusCreating   NodeStatus = "CREATING"
	NodeStatusDeleting   NodeStatus = "DELETING"
	NodeStatusError      NodeStatus = "ERROR"
	NodeStatusRecovering NodeStatus = "RECOVERING"
)

// Node is a single managed resource belonging to at most one cluster.
// The cluster reference is a lookup, not ownership: orphan nodes can
// exist transiently while a cluster operation is in flight.
type Node struct {
	// ID is the unique identifier of the node.
	ID string `json:"id"`

	// Name is the human-readable node name.
	Name string `json:"name"`

	// ClusterID is the owning cluster, empty for orphan nodes.
	ClusterID string `json:"cluster_id,omitempty"`

	// ProfileID references the profile this node was created from.
	ProfileID string `json:"profile_id"`

	// Index is the creation index within the owning cluster.
	Index int `json:"index"`

	// PhysicalID is the opaque backend resource handle set by the driver.
	PhysicalID string `json:"physical_id,omitempty"`

	// Status is the current node status.
	Status NodeStatus `json:"status"`

	// StatusReason records why the node entered its current status.
	StatusReason string `json:"status_reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Profile is an immutable, versioned specification of what a node
// should look like. Edits never mutate a profile; they create a new
// version with a new ID.
type Profile struct {
	// ID is the unique identifier of this profile version.
	ID string `json:"id"`

	// Name is the profile name shared across versions.
	Name string `json:"name"`

	// Type selects the driver family (e.g. "host.ssh", "fake").
	Type string `json:"type"`

	// Version is a content hash of Spec, distinguishing versions.
	Version string `json:"version"`

	// Spec is the validated profile body.
	Spec json.RawMessage `json:"spec"`

	CreatedAt time.Time `json:"created_at"`
}

// PolicyBinding attaches a policy to a cluster. Bindings are evaluated
// in ascending priority order around each action.
type PolicyBinding struct {
	// PolicyID identifies the bound policy.
	PolicyID string `json:"policy_id"`

	// ClusterID identifies the cluster the policy is bound to.
	ClusterID string `json:"cluster_id"`

	// Enabled toggles the binding without detaching it.
	Enabled bool `json:"enabled"`

	// Priority orders hook invocation; lower runs first.
	Priority int `json:"priority"`

	// Cooldown is the minimum interval between operations the policy
	// participates in. Zero disables cooldown.
	Cooldown time.Duration `json:"cooldown,omitempty"`

	// LastOp is when the policy last participated in an operation.
	LastOp time.Time `json:"last_op,omitempty"`

	// Params are policy-specific binding parameters.
	Params map[string]interface{} `json:"params,omitempty"`
}

// ActionType identifies the operation an action performs.
type ActionType string

const (
	ActionClusterCreate   ActionType = "CLUSTER_CREATE"
	ActionClusterDelete   ActionType = "CLUSTER_DELETE"
	ActionClusterScaleOut ActionType = "CLUSTER_SCALE_OUT"
	ActionClusterScaleIn  ActionType = "CLUSTER_SCALE_IN"
	ActionClusterResize   ActionType = "CLUSTER_RESIZE"
	ActionClusterCheck    ActionType = "CLUSTER_CHECK"
	ActionClusterRecover  ActionType = "CLUSTER_RECOVER"
	ActionNodeCreate      ActionType = "NODE_CREATE"
	ActionNodeDelete      ActionType = "NODE_DELETE"
	ActionNodeCheck       ActionType = "NODE_CHECK"
	ActionNodeRecover     ActionType = "NODE_RECOVER"
)

// IsClusterAction reports whether the action targets a cluster.
func (t ActionType) IsClusterAction() bool {
	switch t {
	case ActionClusterCreate, ActionClusterDelete, ActionClusterScaleOut,
		ActionClusterScaleIn, ActionClusterResize, ActionClusterCheck,
		ActionClusterRecover:
		return true
	}
	return false
}

// ActionStatus represents the execution status of an action.
type ActionStatus string

const (
	// ActionStatusInit means the action record is still being assembled.
	ActionStatusInit ActionStatus = "INIT"

	// ActionStatusWaiting means the action is blocked on dependencies.
	ActionStatusWaiting ActionStatus = "WAITING"

	// ActionStatusReady means all dependencies succeeded and the action
	// is eligible for scheduling.
	ActionStatusReady ActionStatus = "READY"

	// ActionStatusRunning means a worker holds the target lock and is
	// executing the action.
	ActionStatusRunning ActionStatus = "RUNNING"

	ActionStatusSucceeded ActionStatus = "SUCCEEDED"
	ActionStatusFailed    ActionStatus = "FAILED"
	ActionStatusCancelled ActionStatus = "CANCELLED"
)

// IsTerminal reports whether the status is final.
func (s ActionStatus) IsTerminal() bool {
	return s == ActionStatusSucceeded || s == ActionStatusFailed ||
		s == ActionStatusCancelled
}

// ActionCause records why an action was created.
type ActionCause string

const (
	// CauseRequest marks actions created directly from a submitted
	// cluster operation.
	CauseRequest ActionCause = "REQUEST"

	// CauseDerived marks actions derived from another action during
	// operation decomposition.
	CauseDerived ActionCause = "DERIVED"
)

// Dependency is an edge in the action graph: the action owning the
// edge waits for Required to reach a terminal state before it may run.
type Dependency struct {
	// Required is the ID of the action that must finish first.
	Required string `json:"required"`

	// BestEffort, when set, lets the dependent proceed even if the
	// required action failed or was cancelled. Opt-in; the default is
	// a hard edge that cascades cancellation.
	BestEffort bool `json:"best_effort,omitempty"`
}

// Action is one unit of orchestration work against a cluster or node.
type Action struct {
	// ID is the unique identifier of the action. It doubles as the
	// idempotency key passed to drivers.
	ID string `json:"id"`

	// Name is a short human-readable label, e.g. "node_create_ab12cd34".
	Name string `json:"name"`

	// Type is the operation this action performs.
	Type ActionType `json:"type"`

	// Target is the cluster or node ID the action operates on.
	Target string `json:"target"`

	// ClusterID is the cluster this action belongs to, used for
	// ownership partitioning. Equal to Target for cluster actions.
	ClusterID string `json:"cluster_id"`

	// OperationID groups all actions decomposed from one submitted
	// cluster operation.
	OperationID string `json:"operation_id"`

	// Cause records whether the action came from a request or was
	// derived from another action.
	Cause ActionCause `json:"cause"`

	// Owner is the engine instance currently executing the action.
	Owner string `json:"owner,omitempty"`

	// Status is the current action status.
	Status ActionStatus `json:"status"`

	// StatusReason records why the action entered its current status.
	StatusReason string `json:"status_reason,omitempty"`

	// CancelRequested is set when the operation was cancelled while the
	// action was RUNNING. The executor finishes the driver call already
	// in flight but will not start another attempt.
	CancelRequested bool `json:"cancel_requested,omitempty"`

	// DependsOn lists the edges this action waits on.
	DependsOn []Dependency `json:"depends_on,omitempty"`

	// Retries is the number of execution attempts made so far.
	Retries int `json:"retries"`

	// MaxRetries caps retries of transient driver failures.
	MaxRetries int `json:"max_retries"`

	// Timeout is the maximum run time for one execution of the action.
	Timeout time.Duration `json:"timeout"`

	// Inputs are free-form parameters consumed by the executor and
	// drivers. Policy pre-hooks may adjust them.
	Inputs map[string]interface{} `json:"inputs,omitempty"`

	// Outputs carry result data consumed by dependents or the caller.
	Outputs map[string]interface{} `json:"outputs,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// Lock is a lease-bounded exclusive grant on a cluster or node.
// At most one unexpired lock exists per target. A lock whose lease
// expires without renewal is stale and eligible for BreakStale.
type Lock struct {
	// Target is the cluster or node ID the lock covers.
	Target string `json:"target"`

	// Holder is the engine instance holding the lock.
	Holder string `json:"holder"`

	// ActionID is the action the lock was acquired for.
	ActionID string `json:"action_id"`

	// AcquiredAt is when the lock was granted.
	AcquiredAt time.Time `json:"acquired_at"`

	// LeaseExpiry is when the lease lapses unless renewed.
	LeaseExpiry time.Time `json:"lease_expiry"`
}

// EngineStatus represents the liveness status of an engine instance.
type EngineStatus string

const (
	EngineStatusUp   EngineStatus = "UP"
	EngineStatusDown EngineStatus = "DOWN"
)

// EngineRecord is the membership record of one engine instance.
type EngineRecord struct {
	// ID is the unique instance identifier, minted at startup.
	ID string `json:"id"`

	// Hostname is where the instance runs, informational only.
	Hostname string `json:"hostname,omitempty"`

	// Status is UP while heartbeats arrive, DOWN after the grace
	// period lapses.
	Status EngineStatus `json:"status"`

	// LastHeartbeat is the time of the most recent heartbeat.
	LastHeartbeat time.Time `json:"last_heartbeat"`

	CreatedAt time.Time `json:"created_at"`
}

// Operation is the caller-visible handle for a submitted cluster
// operation: the set of actions it decomposed into.
type Operation struct {
	// ID groups the actions of this operation.
	ID string `json:"id"`

	// ClusterID is the target cluster.
	ClusterID string `json:"cluster_id"`

	// Type is the root action type of the operation.
	Type ActionType `json:"type"`

	// ActionIDs lists all actions created for the operation, in
	// dependency order (prepare first, finalize last).
	ActionIDs []string `json:"action_ids"`

	CreatedAt time.Time `json:"created_at"`
}
