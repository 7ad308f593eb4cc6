package engine

import (
	"encoding/json"
	"time"
)

// ResourceKind identifies the managed-service resource type a declaration maps to.
type ResourceKind string

const (
	// KindBucketRef is a looked-up, pre-existing object store bucket.
	KindBucketRef ResourceKind = "s3.bucket_ref"

	// KindRole is an IAM role with trust and permission policies.
	KindRole ResourceKind = "iam.role"

	// KindJob is a managed ETL job.
	KindJob ResourceKind = "glue.job"

	// KindStateMachine is an orchestration workflow.
	KindStateMachine ResourceKind = "states.state_machine"

	// KindRule is a time-based schedule rule.
	KindRule ResourceKind = "events.rule"

	// KindDatabase is a catalog database.
	KindDatabase ResourceKind = "glue.database"

	// KindTable is a catalog table.
	KindTable ResourceKind = "glue.table"

	// KindConnection is a network connection profile.
	KindConnection ResourceKind = "glue.connection"
)

// IsLookup reports whether the kind refers to something that already exists
// outside the deployment and is never created or deleted by it.
func (k ResourceKind) IsLookup() bool {
	return k == KindBucketRef
}

// Resource represents one declared resource in the stack graph.
type Resource struct {
	// ID is the logical identifier, unique within a stack (e.g., "GlueJobRole").
	ID string `json:"id"`

	// Kind is the resource kind.
	Kind ResourceKind `json:"kind"`

	// Name is the physical name, if the declaration pins one.
	Name string `json:"name,omitempty"`

	// Properties is the declared configuration of the resource.
	Properties json.RawMessage `json:"properties"`

	// Identity holds the fields whose change forces replacement.
	Identity string `json:"identity,omitempty"`

	// Labels are key-value pairs for organizing resources.
	Labels map[string]string `json:"labels,omitempty"`

	// Dependencies lists logical IDs that must exist before this resource.
	Dependencies []string `json:"dependencies,omitempty"`
}

// ResourceState is what the last successful deployment recorded for a resource.
type ResourceState struct {
	ResourceID   string          `json:"resource_id"`
	Kind         ResourceKind    `json:"kind"`
	Name         string          `json:"name,omitempty"`
	Properties   json.RawMessage `json:"properties"`
	Identity     string          `json:"identity,omitempty"`
	Dependencies []string        `json:"dependencies,omitempty"`
	Hash         string          `json:"hash"`
	DeploymentID string          `json:"deployment_id"`
	AppliedAt    time.Time       `json:"applied_at"`
}

// Config is the desired state of one stack.
type Config struct {
	// ID is the stack name.
	ID string `json:"id"`

	// Source describes where the declaration came from.
	Source string `json:"source"`

	// ParsedAt is when the declaration was evaluated.
	ParsedAt time.Time `json:"parsed_at"`

	// Resources are the declared resources.
	Resources []Resource `json:"resources"`

	// Metadata contains additional stack metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// PlanUnit represents a unit of work in the execution DAG.
type PlanUnit struct {
	// ID is the unique identifier for this plan unit.
	ID string `json:"id"`

	// ResourceID is the logical ID of the resource this plan unit operates on.
	ResourceID string `json:"resource_id"`

	// Kind is the resource kind.
	Kind ResourceKind `json:"kind"`

	// Operation is the type of operation to perform.
	Operation OperationType `json:"operation"`

	// Status is the current execution status of this plan unit.
	Status PlanStatus `json:"status"`

	// Dependencies lists plan unit IDs that must complete before this unit.
	Dependencies []Dependency `json:"dependencies,omitempty"`

	// DesiredState is the declared resource, absent for deletes.
	DesiredState json.RawMessage `json:"desired_state,omitempty"`

	// ActualState is the recorded state before this operation.
	ActualState json.RawMessage `json:"actual_state,omitempty"`

	// Changes describes what will change if this operation is applied.
	Changes []Change `json:"changes,omitempty"`

	// ExecutionOrder is the topological level for execution.
	ExecutionOrder int `json:"execution_order"`

	// MaxRetries is the maximum number of retry attempts for retryable errors.
	MaxRetries int `json:"max_retries"`

	// Timeout is the maximum duration for executing this plan unit.
	Timeout time.Duration `json:"timeout"`

	// Result is the execution result once the plan unit completes.
	Result *ExecutionResult `json:"result,omitempty"`
}

// Dependency represents an edge in the execution DAG.
type Dependency struct {
	// TargetID is the ID of the plan unit this depends on.
	TargetID string `json:"target_id"`

	// Type is the type of dependency relationship.
	Type DependencyType `json:"type"`
}

// DependencyType represents the type of dependency between plan units.
type DependencyType string

const (
	// DependencyRequire indicates a hard dependency that must succeed.
	DependencyRequire DependencyType = "require"

	// DependencyOrder indicates ordering without success requirement.
	DependencyOrder DependencyType = "order"
)

// Change represents a single change to be applied to a resource.
type Change struct {
	// Path is the property path being changed (e.g., "Command.ScriptLocation").
	Path string `json:"path"`

	// Before is the value before the change.
	Before interface{} `json:"before,omitempty"`

	// After is the value after the change.
	After interface{} `json:"after,omitempty"`

	// Action describes the change action (add, remove, modify).
	Action ChangeAction `json:"action"`
}

// ChangeAction represents the type of change being made.
type ChangeAction string

const (
	ChangeActionAdd    ChangeAction = "add"
	ChangeActionRemove ChangeAction = "remove"
	ChangeActionModify ChangeAction = "modify"
)

// ExecutionResult represents the outcome of executing a plan unit.
type ExecutionResult struct {
	PlanUnitID  string          `json:"plan_unit_id"`
	Status      PlanStatus      `json:"status"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt time.Time       `json:"completed_at"`
	Duration    time.Duration   `json:"duration"`
	NewState    json.RawMessage `json:"new_state,omitempty"`
	Error       *EngineError    `json:"error,omitempty"`
}

// Event represents a timeline event during a run.
type Event struct {
	ID         string                 `json:"id"`
	Type       EventType              `json:"type"`
	Timestamp  time.Time              `json:"timestamp"`
	RunID      string                 `json:"run_id"`
	PlanUnitID string                 `json:"plan_unit_id,omitempty"`
	ResourceID string                 `json:"resource_id,omitempty"`
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Level      string                 `json:"level"`
}

// Plan represents a complete execution plan for one stack.
type Plan struct {
	ID        string                 `json:"id"`
	StackName string                 `json:"stack_name"`
	CreatedAt time.Time              `json:"created_at"`
	Units     []PlanUnit             `json:"units"`
	Graph     *ExecutionGraph        `json:"graph,omitempty"`
	Summary   PlanSummary            `json:"summary"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// HasChanges reports whether applying the plan would change anything.
func (p *Plan) HasChanges() bool {
	return p.Summary.ToCreate+p.Summary.ToUpdate+p.Summary.ToDelete+p.Summary.ToRecreate > 0
}

// PlanSummary provides statistics about a plan.
type PlanSummary struct {
	TotalResources int `json:"total_resources"`
	ToCreate       int `json:"to_create"`
	ToUpdate       int `json:"to_update"`
	ToDelete       int `json:"to_delete"`
	ToRecreate     int `json:"to_recreate"`
	NoChange       int `json:"no_change"`
}

// ExecutionGraph represents the DAG of plan units.
type ExecutionGraph struct {
	// Nodes maps plan unit IDs to their graph nodes.
	Nodes map[string]*GraphNode `json:"nodes"`

	// Edges lists all dependency edges in the graph.
	Edges []GraphEdge `json:"edges"`

	// Roots are the plan unit IDs with no dependencies.
	Roots []string `json:"roots"`

	// Depth is the number of levels in the graph.
	Depth int `json:"depth"`
}

// GraphNode represents a node in the execution graph.
type GraphNode struct {
	ID           string   `json:"id"`
	Level        int      `json:"level"`
	Dependencies []string `json:"dependencies"`
	Dependents   []string `json:"dependents"`
}

// GraphEdge represents an edge in the execution graph.
type GraphEdge struct {
	From string         `json:"from"`
	To   string         `json:"to"`
	Type DependencyType `json:"type"`
}

// Run represents an execution of a plan.
type Run struct {
	ID          string                 `json:"id"`
	PlanID      string                 `json:"plan_id"`
	Status      RunStatus              `json:"status"`
	StartedAt   time.Time              `json:"started_at"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	Duration    time.Duration          `json:"duration"`
	User        string                 `json:"user,omitempty"`
	Summary     RunSummary             `json:"summary"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// RunSummary provides statistics about a run.
type RunSummary struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
}

// DiffResult represents the result of comparing desired and recorded state.
type DiffResult struct {
	StackName string         `json:"stack_name"`
	Resources []ResourceDiff `json:"resources"`
	Summary   PlanSummary    `json:"summary"`
	Timestamp time.Time      `json:"timestamp"`
}

// ResourceDiff represents the difference for a single resource.
type ResourceDiff struct {
	ResourceID       string          `json:"resource_id"`
	Kind             ResourceKind    `json:"kind"`
	Operation        OperationType   `json:"operation"`
	DesiredState     json.RawMessage `json:"desired_state,omitempty"`
	ActualState      json.RawMessage `json:"actual_state,omitempty"`
	Changes          []Change        `json:"changes"`
	RequiresRecreate bool            `json:"requires_recreate"`
	Dependencies     []string        `json:"dependencies,omitempty"`
}

// PolicyResult represents the result of policy evaluation.
type PolicyResult struct {
	Allowed     bool              `json:"allowed"`
	Violations  []PolicyViolation `json:"violations,omitempty"`
	Warnings    []string          `json:"warnings,omitempty"`
	EvaluatedAt time.Time         `json:"evaluated_at"`
}

// PolicyViolation represents a single policy violation.
type PolicyViolation struct {
	Policy     string `json:"policy"`
	Message    string `json:"message"`
	Severity   string `json:"severity"`
	ResourceID string `json:"resource_id,omitempty"`
}
