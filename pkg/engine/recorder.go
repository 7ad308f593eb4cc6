package engine

import (
	"context"
	"encoding/json"
	"time"
)

// StateRecorder is the Executor used after a deployment transaction has
// committed: each unit writes or removes the recorded state of its resource,
// so the next plan diffs against what was actually deployed.
type StateRecorder struct {
	stateManager StateManager
	stackName    string
	deploymentID string
	now          func() time.Time
}

// NewStateRecorder creates a recorder bound to one stack and deployment.
func NewStateRecorder(stateManager StateManager, stackName, deploymentID string) *StateRecorder {
	return &StateRecorder{
		stateManager: stateManager,
		stackName:    stackName,
		deploymentID: deploymentID,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// ExecuteUnit implements Executor.
func (r *StateRecorder) ExecuteUnit(ctx context.Context, unit *PlanUnit) (*ExecutionResult, error) {
	result := &ExecutionResult{PlanUnitID: unit.ID, StartedAt: r.now()}

	switch unit.Operation {
	case OperationDelete:
		if err := r.stateManager.DeleteResourceState(ctx, r.stackName, unit.ResourceID); err != nil && !IsNotFound(err) {
			return nil, NewTransientError("failed to delete recorded state", err).WithResource(unit.ResourceID)
		}

	case OperationCreate, OperationUpdate, OperationRecreate:
		var res Resource
		if err := json.Unmarshal(unit.DesiredState, &res); err != nil {
			return nil, NewValidationError("desired state is not a resource", err).WithResource(unit.ResourceID)
		}
		hash, err := HashResource(&res)
		if err != nil {
			return nil, err
		}
		state := &ResourceState{
			ResourceID:   res.ID,
			Kind:         res.Kind,
			Name:         res.Name,
			Properties:   res.Properties,
			Identity:     res.Identity,
			Dependencies: res.Dependencies,
			Hash:         hash,
			DeploymentID: r.deploymentID,
			AppliedAt:    r.now(),
		}
		if err := r.stateManager.SaveResourceState(ctx, r.stackName, state); err != nil {
			return nil, NewTransientError("failed to record state", err).WithResource(unit.ResourceID)
		}
		result.NewState, _ = json.Marshal(state)

	case OperationNoop:

	default:
		return nil, NewValidationError("unsupported operation "+string(unit.Operation), nil).WithResource(unit.ResourceID)
	}

	result.Status = PlanStatusSucceeded
	result.CompletedAt = r.now()
	result.Duration = result.CompletedAt.Sub(result.StartedAt)
	return result, nil
}
