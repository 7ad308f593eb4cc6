package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ParallelScheduler applies a plan level by level. Units within a level run on
// a bounded worker pool; a unit whose required dependency did not succeed is
// skipped.
type ParallelScheduler struct {
	maxParallel    int
	executor       Executor
	eventPublisher EventPublisher
	backoffBase    time.Duration

	mu          sync.RWMutex
	unitResults map[string]*ExecutionResult
	unitStatus  map[string]PlanStatus
}

// NewParallelScheduler creates a new parallel scheduler.
func NewParallelScheduler(maxParallel int, executor Executor, eventPublisher EventPublisher) *ParallelScheduler {
	if maxParallel <= 0 {
		maxParallel = 4
	}
	return &ParallelScheduler{
		maxParallel:    maxParallel,
		executor:       executor,
		eventPublisher: eventPublisher,
		backoffBase:    time.Second,
		unitResults:    make(map[string]*ExecutionResult),
		unitStatus:     make(map[string]PlanStatus),
	}
}

// Execute runs the plan to completion and returns the finished run. The
// returned error is non-nil only when the run could not be carried out at all
// (nil plan, missing graph, cancellation, or a FailFast stop); unit failures
// are reported through the run status and each unit's Result.
func (s *ParallelScheduler) Execute(ctx context.Context, plan *Plan, opts ScheduleOptions) (*Run, error) {
	if plan == nil {
		return nil, NewValidationError("plan is nil", nil)
	}
	if plan.Graph == nil {
		return nil, NewValidationError("plan has no execution graph", nil)
	}

	run := &Run{
		ID:        uuid.New().String(),
		PlanID:    plan.ID,
		Status:    RunStatusRunning,
		StartedAt: time.Now().UTC(),
		User:      opts.User,
		Summary:   RunSummary{Total: len(plan.Units), Pending: len(plan.Units)},
		Metadata:  map[string]interface{}{"stack": plan.StackName, "dry_run": opts.DryRun},
	}

	s.mu.Lock()
	s.unitResults = make(map[string]*ExecutionResult, len(plan.Units))
	s.unitStatus = make(map[string]PlanStatus, len(plan.Units))
	for _, unit := range plan.Units {
		s.unitStatus[unit.ID] = PlanStatusPending
	}
	s.mu.Unlock()

	s.publishEvent(ctx, run.ID, nil, EventTypeRunStarted, fmt.Sprintf("Run started for stack %s", plan.StackName))

	err := s.executeLevels(ctx, run, plan, opts)

	s.mu.RLock()
	run.Summary = s.summarize(plan.Units)
	s.mu.RUnlock()

	completedAt := time.Now().UTC()
	run.CompletedAt = &completedAt
	run.Duration = completedAt.Sub(run.StartedAt)

	switch {
	case ctx.Err() != nil:
		run.Status = RunStatusCancelled
	case err != nil:
		run.Status = RunStatusFailed
	case run.Summary.Failed > 0 && run.Summary.Succeeded > 0:
		run.Status = RunStatusPartial
	case run.Summary.Failed > 0:
		run.Status = RunStatusFailed
	case run.Summary.Skipped > 0:
		run.Status = RunStatusPartial
	default:
		run.Status = RunStatusSucceeded
	}

	if run.Status == RunStatusSucceeded {
		s.publishEvent(ctx, run.ID, nil, EventTypeRunCompleted, "Run completed successfully")
	} else {
		s.publishEvent(ctx, run.ID, nil, EventTypeRunFailed, fmt.Sprintf("Run completed with status: %s", run.Status))
	}

	return run, err
}

func (s *ParallelScheduler) executeLevels(ctx context.Context, run *Run, plan *Plan, opts ScheduleOptions) error {
	byLevel := make([][]*PlanUnit, plan.Graph.Depth)
	for i := range plan.Units {
		unit := &plan.Units[i]
		node, ok := plan.Graph.Nodes[unit.ID]
		if !ok {
			return NewPermanentError(fmt.Sprintf("unit %s missing from execution graph", unit.ID), nil).
				WithCode(ErrCodeInternal)
		}
		byLevel[node.Level] = append(byLevel[node.Level], unit)
	}

	for level, units := range byLevel {
		if err := ctx.Err(); err != nil {
			s.cancelPending(plan)
			return NewPermanentError("execution cancelled", err).WithCode(ErrCodeInternal)
		}
		if err := s.executeLevel(ctx, run, units, opts); err != nil && opts.FailFast {
			s.cancelPending(plan)
			return fmt.Errorf("level %d failed: %w", level, err)
		}
	}
	return nil
}

func (s *ParallelScheduler) executeLevel(ctx context.Context, run *Run, units []*PlanUnit, opts ScheduleOptions) error {
	workers := s.maxParallel
	if opts.MaxParallel > 0 && opts.MaxParallel < workers {
		workers = opts.MaxParallel
	}
	if len(units) < workers {
		workers = len(units)
	}

	queue := make(chan *PlanUnit, len(units))
	for _, u := range units {
		queue <- u
	}
	close(queue)

	var wg sync.WaitGroup
	errs := make(chan error, len(units))
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for unit := range queue {
				if ctx.Err() != nil {
					return
				}
				if !s.dependenciesMet(unit) {
					s.markSkipped(ctx, run, unit)
					continue
				}
				if err := s.executeUnit(ctx, run, unit, opts); err != nil {
					errs <- fmt.Errorf("unit %s (%s) failed: %w", unit.ID, unit.ResourceID, err)
				}
			}
		}()
	}
	wg.Wait()
	close(errs)

	var first error
	for err := range errs {
		if first == nil {
			first = err
		}
	}
	return first
}

// executeUnit runs one unit, retrying retryable errors up to MaxRetries times.
func (s *ParallelScheduler) executeUnit(ctx context.Context, run *Run, unit *PlanUnit, opts ScheduleOptions) error {
	s.setStatus(unit.ID, PlanStatusRunning)
	s.publishEvent(ctx, run.ID, unit, EventTypePlanUnitStarted,
		fmt.Sprintf("%s %s", unit.Operation, unit.ResourceID))

	started := time.Now().UTC()
	var (
		result *ExecutionResult
		err    error
	)

	for attempt := 0; attempt <= unit.MaxRetries; attempt++ {
		if opts.DryRun {
			result, err = &ExecutionResult{PlanUnitID: unit.ID, Status: PlanStatusSucceeded, NewState: unit.DesiredState}, nil
			break
		}

		execCtx, cancel := context.WithTimeout(ctx, unit.Timeout)
		result, err = s.executor.ExecuteUnit(execCtx, unit)
		cancel()

		if err == nil && result != nil && result.Status == PlanStatusSucceeded {
			break
		}
		if err == nil || !IsRetryable(err) || attempt == unit.MaxRetries {
			break
		}

		s.publishEvent(ctx, run.ID, unit, EventTypeWarning,
			fmt.Sprintf("Retrying %s after %s error (attempt %d/%d)", unit.ResourceID, ClassOf(err), attempt+1, unit.MaxRetries+1))

		select {
		case <-time.After(s.backoff(attempt, err)):
		case <-ctx.Done():
			err = ctx.Err()
			attempt = unit.MaxRetries
		}
	}

	if result == nil {
		result = &ExecutionResult{PlanUnitID: unit.ID, Status: PlanStatusFailed}
	}
	result.StartedAt = started
	result.CompletedAt = time.Now().UTC()
	result.Duration = result.CompletedAt.Sub(started)
	if err != nil {
		result.Status = PlanStatusFailed
		result.Error = classifyError(err).WithResource(unit.ResourceID).WithOperation(string(unit.Operation))
	}

	s.storeResult(unit.ID, result)
	unit.Result = result
	unit.Status = result.Status
	s.setStatus(unit.ID, result.Status)

	if result.Status != PlanStatusSucceeded {
		s.publishEvent(ctx, run.ID, unit, EventTypePlanUnitFailed,
			fmt.Sprintf("Failed to %s %s: %v", unit.Operation, unit.ResourceID, err))
		if err == nil {
			err = NewPermanentError("unit did not succeed", nil).WithCode(ErrCodeProviderFailed)
		}
		return err
	}

	s.publishEvent(ctx, run.ID, unit, EventTypePlanUnitCompleted,
		fmt.Sprintf("%s %s done", unit.Operation, unit.ResourceID))
	return nil
}

func (s *ParallelScheduler) dependenciesMet(unit *PlanUnit) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, dep := range unit.Dependencies {
		status, ok := s.unitStatus[dep.TargetID]
		if !ok {
			return false
		}
		switch dep.Type {
		case DependencyOrder:
			if !status.IsTerminal() {
				return false
			}
		default:
			if status != PlanStatusSucceeded {
				return false
			}
		}
	}
	return true
}

// backoff doubles from the base delay per attempt, longer for throttling, capped at a minute.
func (s *ParallelScheduler) backoff(attempt int, err error) time.Duration {
	base := s.backoffBase
	if IsThrottled(err) {
		base *= 5
	}
	delay := base << uint(attempt)
	if delay > time.Minute || delay <= 0 {
		delay = time.Minute
	}
	return delay
}

// classifyError keeps an existing EngineError and wraps anything else as a
// permanent provider failure.
func classifyError(err error) *EngineError {
	if ee, ok := err.(*EngineError); ok {
		return ee
	}
	if ClassOf(err) != ErrorClassPermanent || CodeOf(err) != "" {
		return &EngineError{Class: ClassOf(err), Code: CodeOf(err), Message: "execution failed", Err: err}
	}
	return NewPermanentError("execution failed", err).WithCode(ErrCodeProviderFailed)
}

func (s *ParallelScheduler) cancelPending(plan *Plan) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range plan.Units {
		unit := &plan.Units[i]
		if s.unitStatus[unit.ID] == PlanStatusPending {
			s.unitStatus[unit.ID] = PlanStatusCancelled
			unit.Status = PlanStatusCancelled
		}
	}
}

func (s *ParallelScheduler) setStatus(unitID string, status PlanStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unitStatus[unitID] = status
}

func (s *ParallelScheduler) storeResult(unitID string, result *ExecutionResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unitResults[unitID] = result
}

func (s *ParallelScheduler) markSkipped(ctx context.Context, run *Run, unit *PlanUnit) {
	now := time.Now().UTC()
	result := &ExecutionResult{
		PlanUnitID:  unit.ID,
		Status:      PlanStatusSkipped,
		StartedAt:   now,
		CompletedAt: now,
		Error: NewPermanentError("required dependency did not succeed", nil).
			WithCode(ErrCodeDependencyFailed).
			WithResource(unit.ResourceID),
	}
	s.storeResult(unit.ID, result)
	s.setStatus(unit.ID, PlanStatusSkipped)
	unit.Result = result
	unit.Status = PlanStatusSkipped
	s.publishEvent(ctx, run.ID, unit, EventTypePlanUnitSkipped, fmt.Sprintf("Skipped %s", unit.ResourceID))
}

// Result returns the recorded result of a unit from the last Execute call.
func (s *ParallelScheduler) Result(unitID string) (*ExecutionResult, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.unitResults[unitID]
	return r, ok
}

func (s *ParallelScheduler) summarize(units []PlanUnit) RunSummary {
	summary := RunSummary{Total: len(units)}
	for _, unit := range units {
		switch s.unitStatus[unit.ID] {
		case PlanStatusSucceeded:
			summary.Succeeded++
		case PlanStatusFailed:
			summary.Failed++
		case PlanStatusSkipped, PlanStatusCancelled:
			summary.Skipped++
		case PlanStatusPending:
			summary.Pending++
		case PlanStatusRunning:
			summary.Running++
		}
	}
	return summary
}

// publishEvent delivers synchronously so stored timelines keep their order.
func (s *ParallelScheduler) publishEvent(ctx context.Context, runID string, unit *PlanUnit, eventType EventType, message string) {
	if s.eventPublisher == nil {
		return
	}
	event := &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		RunID:     runID,
		Message:   message,
		Level:     eventType.Severity(),
	}
	if unit != nil {
		event.PlanUnitID = unit.ID
		event.ResourceID = unit.ResourceID
	}
	_ = s.eventPublisher.Publish(ctx, event)
}
