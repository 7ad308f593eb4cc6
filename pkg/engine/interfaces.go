package engine

import (
	"context"
)

// Planner computes differences and builds execution plans.
type Planner interface {
	// ComputeDiff compares the declared stack with the state recorded by the
	// last successful deployment.
	ComputeDiff(ctx context.Context, desired *Config) (*DiffResult, error)

	// BuildPlan creates an execution plan from the diff. Noop resources get no unit.
	BuildPlan(ctx context.Context, diff *DiffResult) (*Plan, error)

	// BuildDAG levels the plan units and attaches the graph to the plan.
	BuildDAG(ctx context.Context, plan *Plan) (*ExecutionGraph, error)

	// ValidatePlan checks units and graph for consistency.
	ValidatePlan(ctx context.Context, plan *Plan) error
}

// Executor applies a single plan unit.
type Executor interface {
	ExecuteUnit(ctx context.Context, unit *PlanUnit) (*ExecutionResult, error)
}

// StateManager persists the per-resource state of each stack.
type StateManager interface {
	// GetResourceState returns ErrNotFound (matched with errors.Is) when the
	// resource has never been recorded.
	GetResourceState(ctx context.Context, stackName, resourceID string) (*ResourceState, error)

	// ListResourceStates returns every recorded resource of the stack.
	ListResourceStates(ctx context.Context, stackName string) ([]ResourceState, error)

	// SaveResourceState inserts or replaces a resource record.
	SaveResourceState(ctx context.Context, stackName string, state *ResourceState) error

	// DeleteResourceState removes a resource record.
	DeleteResourceState(ctx context.Context, stackName, resourceID string) error
}

// EventPublisher publishes run timeline events.
type EventPublisher interface {
	Publish(ctx context.Context, event *Event) error
}

// ScheduleOptions controls a scheduler run.
type ScheduleOptions struct {
	// MaxParallel caps concurrent units per level. Zero uses the scheduler default.
	MaxParallel int `json:"max_parallel,omitempty"`

	// DryRun marks every unit succeeded without calling the executor.
	DryRun bool `json:"dry_run,omitempty"`

	// FailFast stops after the first level with a failure.
	FailFast bool `json:"fail_fast,omitempty"`

	// User is recorded on the run.
	User string `json:"user,omitempty"`
}
