package engine

import (
	"encoding/json"
	"fmt"
	"slices"
)

// RunStatus is the overall status of an apply run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"

	// RunStatusPartial means some units succeeded before others failed.
	RunStatusPartial RunStatus = "partial"
)

var runStatuses = []RunStatus{
	RunStatusPending, RunStatusRunning, RunStatusSucceeded,
	RunStatusFailed, RunStatusCancelled, RunStatusPartial,
}

// oneOf returns an error naming kind unless v is one of allowed.
func oneOf[T ~string](kind string, v T, allowed []T) error {
	if slices.Contains(allowed, v) {
		return nil
	}
	return fmt.Errorf("invalid %s: %q", kind, string(v))
}

// IsTerminal reports whether the run has finished.
func (s RunStatus) IsTerminal() bool {
	return s != RunStatusPending && s != RunStatusRunning && s.Validate() == nil
}

func (s RunStatus) Validate() error { return oneOf("run status", s, runStatuses) }

// UnmarshalJSON rejects unknown run statuses.
func (s *RunStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = RunStatus(str)
	return s.Validate()
}

// OperationType is what a plan unit does to its resource.
type OperationType string

const (
	OperationCreate OperationType = "create"
	OperationUpdate OperationType = "update"
	OperationDelete OperationType = "delete"
	OperationNoop   OperationType = "noop"

	// OperationRecreate replaces the resource because an identity field changed.
	OperationRecreate OperationType = "recreate"
)

var operationSymbols = map[OperationType]string{
	OperationCreate:   "+",
	OperationUpdate:   "~",
	OperationDelete:   "-",
	OperationRecreate: "-/+",
	OperationNoop:     " ",
}

// Symbol returns the marker printed before the operation in plan output.
func (o OperationType) Symbol() string {
	if sym, ok := operationSymbols[o]; ok {
		return sym
	}
	return " "
}

// IsDestructive returns true if the operation destroys the current resource.
func (o OperationType) IsDestructive() bool {
	return o == OperationDelete || o == OperationRecreate
}

// IsMutating returns true if the operation changes recorded state.
func (o OperationType) IsMutating() bool {
	return o != OperationNoop
}

func (o OperationType) Validate() error {
	if _, ok := operationSymbols[o]; !ok {
		return fmt.Errorf("invalid operation type: %q", string(o))
	}
	return nil
}

// PlanStatus is the status of a single plan unit.
type PlanStatus string

const (
	PlanStatusPending   PlanStatus = "pending"
	PlanStatusRunning   PlanStatus = "running"
	PlanStatusSucceeded PlanStatus = "succeeded"
	PlanStatusFailed    PlanStatus = "failed"

	// PlanStatusSkipped marks a unit whose required dependency failed.
	PlanStatusSkipped   PlanStatus = "skipped"
	PlanStatusCancelled PlanStatus = "cancelled"
)

var planStatuses = []PlanStatus{
	PlanStatusPending, PlanStatusRunning, PlanStatusSucceeded,
	PlanStatusFailed, PlanStatusSkipped, PlanStatusCancelled,
}

func (s PlanStatus) IsTerminal() bool {
	return s != PlanStatusPending && s != PlanStatusRunning && s.Validate() == nil
}

func (s PlanStatus) Validate() error { return oneOf("plan status", s, planStatuses) }

// EventType labels entries in the run timeline.
type EventType string

const (
	EventTypeRunStarted        EventType = "run_started"
	EventTypeRunCompleted      EventType = "run_completed"
	EventTypeRunFailed         EventType = "run_failed"
	EventTypePlanUnitStarted   EventType = "plan_unit_started"
	EventTypePlanUnitCompleted EventType = "plan_unit_completed"
	EventTypePlanUnitFailed    EventType = "plan_unit_failed"
	EventTypePlanUnitSkipped   EventType = "plan_unit_skipped"
	EventTypeDeploySubmitted   EventType = "deploy_submitted"
	EventTypeDeployCompleted   EventType = "deploy_completed"
	EventTypeDeployFailed      EventType = "deploy_failed"
	EventTypePolicyViolation   EventType = "policy_violation"
	EventTypeWarning           EventType = "warning"
)

// Severity returns the log level of the event type.
func (e EventType) Severity() string {
	switch e {
	case EventTypeRunFailed, EventTypePlanUnitFailed, EventTypeDeployFailed, EventTypePolicyViolation:
		return "error"
	case EventTypeWarning, EventTypePlanUnitSkipped:
		return "warning"
	default:
		return "info"
	}
}
