package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"time"

	"github.com/google/uuid"
)

const (
	defaultUnitTimeout = 5 * time.Minute
	defaultMaxRetries  = 2
)

// DefaultPlanner diffs a declared stack against recorded state and turns the
// result into a leveled plan.
type DefaultPlanner struct {
	stateManager StateManager
	unitTimeout  time.Duration
	maxRetries   int
}

// NewPlanner creates a new default planner implementation.
func NewPlanner(stateMgr StateManager) *DefaultPlanner {
	return &DefaultPlanner{
		stateManager: stateMgr,
		unitTimeout:  defaultUnitTimeout,
		maxRetries:   defaultMaxRetries,
	}
}

// HashResource returns the content hash of the fields that define a resource.
// Properties are canonicalized first so key order never changes the hash.
func HashResource(r *Resource) (string, error) {
	var props interface{}
	if len(r.Properties) > 0 {
		if err := json.Unmarshal(r.Properties, &props); err != nil {
			return "", NewValidationError("resource properties are not valid JSON", err).WithResource(r.ID)
		}
	}
	deps := append([]string(nil), r.Dependencies...)
	sort.Strings(deps)

	canonical, err := json.Marshal(struct {
		Kind         ResourceKind `json:"kind"`
		Name         string       `json:"name"`
		Identity     string       `json:"identity"`
		Properties   interface{}  `json:"properties"`
		Dependencies []string     `json:"dependencies"`
	}{r.Kind, r.Name, r.Identity, props, deps})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// ComputeDiff compares every declared resource with its recorded state.
// Recorded resources that are no longer declared are planned for deletion,
// except lookups, which the stack never owned.
func (p *DefaultPlanner) ComputeDiff(ctx context.Context, desired *Config) (*DiffResult, error) {
	if desired == nil {
		return nil, NewValidationError("desired configuration is nil", nil)
	}

	recorded, err := p.stateManager.ListResourceStates(ctx, desired.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list recorded state: %w", err)
	}
	recordedByID := make(map[string]*ResourceState, len(recorded))
	for i := range recorded {
		recordedByID[recorded[i].ResourceID] = &recorded[i]
	}

	result := &DiffResult{
		StackName: desired.ID,
		Resources: make([]ResourceDiff, 0, len(desired.Resources)),
		Timestamp: time.Now().UTC(),
	}

	declared := make(map[string]bool, len(desired.Resources))
	for i := range desired.Resources {
		res := &desired.Resources[i]
		if declared[res.ID] {
			return nil, NewValidationError(fmt.Sprintf("duplicate resource ID: %s", res.ID), nil).WithResource(res.ID)
		}
		declared[res.ID] = true

		diff, err := p.computeResourceDiff(res, recordedByID[res.ID])
		if err != nil {
			return nil, fmt.Errorf("failed to compute diff for resource %s: %w", res.ID, err)
		}
		result.Resources = append(result.Resources, *diff)
	}

	orphans := make([]string, 0)
	for id, state := range recordedByID {
		if !declared[id] && !state.Kind.IsLookup() {
			orphans = append(orphans, id)
		}
	}
	sort.Strings(orphans)
	for _, id := range orphans {
		state := recordedByID[id]
		actual, _ := json.Marshal(state)
		result.Resources = append(result.Resources, ResourceDiff{
			ResourceID:   id,
			Kind:         state.Kind,
			Operation:    OperationDelete,
			ActualState:  actual,
			Changes:      []Change{{Path: ".", Before: state.Name, Action: ChangeActionRemove}},
			Dependencies: state.Dependencies,
		})
	}

	result.Summary = summarize(result.Resources)
	return result, nil
}

func (p *DefaultPlanner) computeResourceDiff(res *Resource, state *ResourceState) (*ResourceDiff, error) {
	hash, err := HashResource(res)
	if err != nil {
		return nil, err
	}
	desired, err := json.Marshal(res)
	if err != nil {
		return nil, err
	}

	diff := &ResourceDiff{
		ResourceID:   res.ID,
		Kind:         res.Kind,
		DesiredState: desired,
		Changes:      []Change{},
		Dependencies: res.Dependencies,
	}

	if res.Kind.IsLookup() {
		diff.Operation = OperationNoop
		return diff, nil
	}

	if state == nil {
		diff.Operation = OperationCreate
		diff.Changes = append(diff.Changes, Change{Path: ".", After: res.Name, Action: ChangeActionAdd})
		return diff, nil
	}

	diff.ActualState, _ = json.Marshal(state)

	switch {
	case state.Hash == hash:
		diff.Operation = OperationNoop
	case state.Kind != res.Kind || (state.Identity != "" && state.Identity != res.Identity):
		diff.Operation = OperationRecreate
		diff.RequiresRecreate = true
		diff.Changes = append(diff.Changes, Change{
			Path: "identity", Before: state.Identity, After: res.Identity, Action: ChangeActionModify,
		})
		diff.Changes = append(diff.Changes, propertyChanges(state.Properties, res.Properties)...)
	default:
		diff.Operation = OperationUpdate
		diff.Changes = propertyChanges(state.Properties, res.Properties)
		if !sameStrings(state.Dependencies, res.Dependencies) {
			diff.Changes = append(diff.Changes, Change{
				Path: "dependencies", Before: state.Dependencies, After: res.Dependencies, Action: ChangeActionModify,
			})
		}
	}
	return diff, nil
}

// propertyChanges lists top-level property differences in key order.
func propertyChanges(before, after json.RawMessage) []Change {
	var b, a map[string]interface{}
	_ = json.Unmarshal(before, &b)
	_ = json.Unmarshal(after, &a)

	keys := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		keys[k] = struct{}{}
	}
	for k := range b {
		keys[k] = struct{}{}
	}
	sorted := make([]string, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	changes := make([]Change, 0)
	for _, k := range sorted {
		bv, inBefore := b[k]
		av, inAfter := a[k]
		switch {
		case !inBefore:
			changes = append(changes, Change{Path: k, After: av, Action: ChangeActionAdd})
		case !inAfter:
			changes = append(changes, Change{Path: k, Before: bv, Action: ChangeActionRemove})
		case !reflect.DeepEqual(av, bv):
			changes = append(changes, Change{Path: k, Before: bv, After: av, Action: ChangeActionModify})
		}
	}
	return changes
}

func sameStrings(a, b []string) bool {
	x := append([]string(nil), a...)
	y := append([]string(nil), b...)
	sort.Strings(x)
	sort.Strings(y)
	return reflect.DeepEqual(x, y) || (len(x) == 0 && len(y) == 0)
}

func summarize(diffs []ResourceDiff) PlanSummary {
	s := PlanSummary{TotalResources: len(diffs)}
	for _, d := range diffs {
		switch d.Operation {
		case OperationCreate:
			s.ToCreate++
		case OperationUpdate:
			s.ToUpdate++
		case OperationDelete:
			s.ToDelete++
		case OperationRecreate:
			s.ToRecreate++
		case OperationNoop:
			s.NoChange++
		}
	}
	return s
}

// BuildPlan creates one unit per changed resource. Declared dependencies become
// require edges between units; deletions run in reverse dependency order.
func (p *DefaultPlanner) BuildPlan(ctx context.Context, diff *DiffResult) (*Plan, error) {
	if diff == nil {
		return nil, NewValidationError("diff result is nil", nil)
	}

	plan := &Plan{
		ID:        uuid.New().String(),
		StackName: diff.StackName,
		CreatedAt: time.Now().UTC(),
		Units:     make([]PlanUnit, 0, len(diff.Resources)),
		Summary:   diff.Summary,
		Metadata:  make(map[string]interface{}),
	}

	unitFor := make(map[string]string)
	deleted := make(map[string]bool)
	for _, rd := range diff.Resources {
		if rd.Operation == OperationNoop {
			continue
		}
		unit := PlanUnit{
			ID:           uuid.New().String(),
			ResourceID:   rd.ResourceID,
			Kind:         rd.Kind,
			Operation:    rd.Operation,
			Status:       PlanStatusPending,
			DesiredState: rd.DesiredState,
			ActualState:  rd.ActualState,
			Changes:      rd.Changes,
			Timeout:      p.unitTimeout,
			MaxRetries:   p.maxRetries,
		}
		unitFor[rd.ResourceID] = unit.ID
		if rd.Operation == OperationDelete {
			deleted[rd.ResourceID] = true
		}
		plan.Units = append(plan.Units, unit)
	}

	depsOf := make(map[string][]string, len(diff.Resources))
	for _, rd := range diff.Resources {
		depsOf[rd.ResourceID] = rd.Dependencies
	}

	for i := range plan.Units {
		unit := &plan.Units[i]
		if deleted[unit.ResourceID] {
			// A deleted resource waits until everything deleted that depended on it is gone.
			for other, deps := range depsOf {
				if !deleted[other] || other == unit.ResourceID {
					continue
				}
				for _, d := range deps {
					if d == unit.ResourceID {
						unit.Dependencies = append(unit.Dependencies, Dependency{TargetID: unitFor[other], Type: DependencyRequire})
					}
				}
			}
			sort.Slice(unit.Dependencies, func(a, b int) bool {
				return unit.Dependencies[a].TargetID < unit.Dependencies[b].TargetID
			})
			continue
		}
		for _, d := range depsOf[unit.ResourceID] {
			if target, ok := unitFor[d]; ok && !deleted[d] {
				unit.Dependencies = append(unit.Dependencies, Dependency{TargetID: target, Type: DependencyRequire})
			}
		}
	}

	return plan, nil
}

// BuildDAG levels the plan units and attaches the graph to the plan.
func (p *DefaultPlanner) BuildDAG(ctx context.Context, plan *Plan) (*ExecutionGraph, error) {
	if plan == nil {
		return nil, NewValidationError("plan is nil", nil)
	}

	builder := NewDAGBuilder()
	graph, err := builder.BuildGraph(plan.Units)
	if err != nil {
		return nil, fmt.Errorf("failed to build DAG: %w", err)
	}
	if err := builder.ValidateGraph(graph); err != nil {
		return nil, fmt.Errorf("graph validation failed: %w", err)
	}

	plan.Graph = graph
	return graph, nil
}

// ValidatePlan checks every unit and, when a graph is attached, that it still
// matches the units. An empty plan is valid.
func (p *DefaultPlanner) ValidatePlan(ctx context.Context, plan *Plan) error {
	if plan == nil {
		return NewValidationError("plan is nil", nil)
	}

	for i := range plan.Units {
		if err := validatePlanUnit(&plan.Units[i]); err != nil {
			return fmt.Errorf("invalid plan unit %s: %w", plan.Units[i].ID, err)
		}
	}

	if plan.Graph != nil {
		units := append([]PlanUnit(nil), plan.Units...)
		if _, err := NewDAGBuilder().BuildGraph(units); err != nil {
			return fmt.Errorf("graph validation failed: %w", err)
		}
	}
	return nil
}

func validatePlanUnit(unit *PlanUnit) error {
	if unit.ID == "" {
		return NewValidationError("plan unit has empty ID", nil)
	}
	if unit.ResourceID == "" {
		return NewValidationError("plan unit has empty resource ID", nil).WithResource(unit.ID)
	}
	if err := unit.Operation.Validate(); err != nil {
		return NewValidationError("plan unit has invalid operation", err).WithResource(unit.ResourceID)
	}
	if err := unit.Status.Validate(); err != nil {
		return NewValidationError("plan unit has invalid status", err).WithResource(unit.ResourceID)
	}
	if unit.Operation != OperationDelete && len(unit.DesiredState) == 0 {
		return NewValidationError("plan unit has no desired state", nil).WithResource(unit.ResourceID)
	}
	if unit.Timeout <= 0 {
		return NewValidationError("plan unit has invalid timeout", nil).WithResource(unit.ResourceID)
	}
	if unit.MaxRetries < 0 {
		return NewValidationError("plan unit has negative max retries", nil).WithResource(unit.ResourceID)
	}
	return nil
}

// PlanStack runs the full diff, plan and DAG pipeline for a declared stack.
func PlanStack(ctx context.Context, planner Planner, desired *Config) (*Plan, error) {
	diff, err := planner.ComputeDiff(ctx, desired)
	if err != nil {
		return nil, err
	}
	plan, err := planner.BuildPlan(ctx, diff)
	if err != nil {
		return nil, err
	}
	if _, err := planner.BuildDAG(ctx, plan); err != nil {
		return nil, err
	}
	if err := planner.ValidatePlan(ctx, plan); err != nil {
		return nil, err
	}
	return plan, nil
}

// IsNotFound reports whether err means a recorded resource does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
