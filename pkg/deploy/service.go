package deploy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/glueflow/pkg/engine"
	"github.com/openfroyo/glueflow/pkg/policy"
	"github.com/openfroyo/glueflow/pkg/providers/aws"
	"github.com/openfroyo/glueflow/pkg/stack"
	"github.com/openfroyo/glueflow/pkg/stores"
	"github.com/openfroyo/glueflow/pkg/synth"
	"github.com/openfroyo/glueflow/pkg/telemetry"
)

// StackDeployer submits a rendered template as one stack transaction.
type StackDeployer interface {
	Deploy(ctx context.Context, stackName string, templateBody []byte) (*aws.DeployResult, error)
	Validate(ctx context.Context, templateBody []byte) error
}

// BucketChecker looks up the bucket a stack references.
type BucketChecker interface {
	Check(ctx context.Context, bucket, key string) (*aws.ObjectReport, error)
}

var (
	_ StackDeployer = (*aws.Deployer)(nil)
	_ BucketChecker = (*aws.BucketChecker)(nil)
)

// Option configures a Service.
type Option func(*Service)

// WithDeployer sets the deployer used by Apply. Without one, only dry runs
// are possible.
func WithDeployer(d StackDeployer) Option {
	return func(s *Service) { s.deployer = d }
}

// WithBucketChecker enables the bucket lookup before deployment.
func WithBucketChecker(c BucketChecker) Option {
	return func(s *Service) { s.buckets = c }
}

// WithMaxParallel caps concurrent state writes after a deployment.
func WithMaxParallel(n int) Option {
	return func(s *Service) { s.maxParallel = n }
}

// Service runs the check, plan and apply steps against one state store.
type Service struct {
	store       stores.Store
	policies    *policy.Engine
	tel         *telemetry.Telemetry
	publisher   *telemetry.EventPublisher
	deployer    StackDeployer
	buckets     BucketChecker
	maxParallel int
	logger      zerolog.Logger
}

// NewService creates a service. Events are logged, counted and stored.
func NewService(store stores.Store, policies *policy.Engine, tel *telemetry.Telemetry, opts ...Option) *Service {
	s := &Service{
		store:       store,
		policies:    policies,
		tel:         tel,
		publisher:   telemetry.NewEventPublisher(tel.Logger, tel.Metrics, store),
		maxParallel: 4,
		logger:      tel.Logger.NewComponentLogger("deploy").Zerolog(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Publisher returns the event publisher shared by every step.
func (s *Service) Publisher() *telemetry.EventPublisher {
	return s.publisher
}

// CheckReport is the outcome of validating a stack.
type CheckReport struct {
	Problems []string             `json:"problems,omitempty"`
	Policy   *engine.PolicyResult `json:"policy"`
}

// Blocking returns the policy violations that deny deployment.
func (r *CheckReport) Blocking() []engine.PolicyViolation {
	if r.Policy == nil {
		return nil
	}
	return policy.Blocking(r.Policy)
}

// OK reports whether the stack may be deployed.
func (r *CheckReport) OK() bool {
	return len(r.Problems) == 0 && len(r.Blocking()) == 0
}

// Err returns a validation error describing why the stack may not be
// deployed, or nil.
func (r *CheckReport) Err() error {
	if r.OK() {
		return nil
	}
	var lines []string
	lines = append(lines, r.Problems...)
	for _, v := range r.Blocking() {
		lines = append(lines, fmt.Sprintf("%s: %s", v.Policy, v.Message))
	}
	return engine.NewValidationError("stack is not deployable: "+strings.Join(lines, "; "), nil)
}

// Check validates the stack graph and evaluates the stack policies.
func (s *Service) Check(ctx context.Context, st *stack.Stack) (report *CheckReport, err error) {
	op := telemetry.StartOperation(s.tel.WithContext(ctx), "stack.check", telemetry.AttrStackName.String(st.Name))
	defer func() { op.End(err) }()

	report = &CheckReport{Problems: st.Problems()}
	result, err := s.policies.EvaluateStack(op.Ctx, st)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate stack policies: %w", err)
	}
	report.Policy = result
	op.Logger.Debugf("stack checked in %s", op.Timer.Duration())
	return report, nil
}

// Plan diffs the stack against the recorded state of its last deployment.
func (s *Service) Plan(ctx context.Context, st *stack.Stack, source string) (plan *engine.Plan, err error) {
	op := telemetry.StartOperation(s.tel.WithContext(ctx), "stack.plan", telemetry.AttrStackName.String(st.Name))
	defer func() { op.End(err) }()

	desired, err := st.Config(source)
	if err != nil {
		return nil, err
	}
	plan, err = engine.PlanStack(op.Ctx, engine.NewPlanner(s.store), desired)
	if err != nil {
		return nil, err
	}
	plan.Metadata = map[string]interface{}{"variant": string(st.Variant), "source": source}
	return plan, nil
}

// ApplyOptions controls one apply.
type ApplyOptions struct {
	// Source names where the declaration came from.
	Source string

	// Actor is recorded in the audit log.
	Actor string

	// DryRun stops after synthesis; nothing is submitted or recorded as state.
	DryRun bool

	// ValidateTemplate asks the control plane to check the template first.
	ValidateTemplate bool
}

// ApplyResult is everything one apply produced.
type ApplyResult struct {
	Deployment *stores.Deployment   `json:"deployment"`
	Check      *CheckReport         `json:"check"`
	Plan       *engine.Plan         `json:"plan"`
	Bucket     *aws.ObjectReport    `json:"bucket,omitempty"`
	Stack      *aws.DeployResult    `json:"stack,omitempty"`
	PlanPolicy *engine.PolicyResult `json:"plan_policy,omitempty"`
	Run        *engine.Run          `json:"run,omitempty"`
}

// Apply checks, plans and deploys the stack. The whole template is submitted
// as one transaction; recorded state is only written once it has committed.
func (s *Service) Apply(ctx context.Context, st *stack.Stack, opts ApplyOptions) (result *ApplyResult, err error) {
	ctx = s.tel.WithContext(ctx)
	ctx, span := s.tel.Tracer.StartDeploySpan(ctx, st.Name, string(st.Variant))
	defer func() {
		if err != nil {
			telemetry.RecordError(span, err)
		} else {
			telemetry.RecordSuccess(span)
		}
		span.End()
	}()

	started := time.Now()
	s.tel.Metrics.RecordDeploymentStarted()

	deployment := &stores.Deployment{
		StackName: st.Name,
		Variant:   string(st.Variant),
		Status:    stores.DeploymentPending,
		Metadata:  map[string]string{"source": opts.Source, "actor": opts.Actor},
	}
	if tid := telemetry.TraceID(ctx); tid != "" {
		deployment.Metadata["trace_id"] = tid
	}
	result = &ApplyResult{Deployment: deployment}

	defer func() {
		status := string(deployment.Status)
		if err != nil {
			status = string(stores.DeploymentFailed)
		}
		s.tel.Metrics.RecordDeploymentFinished(string(st.Variant), status, time.Since(started))
		s.audit(ctx, opts.Actor, "apply", st.Name, status, deployment, err)
	}()

	report, err := s.Check(ctx, st)
	if err != nil {
		return result, err
	}
	result.Check = report

	plan, err := s.Plan(ctx, st, opts.Source)
	if err != nil {
		return result, err
	}
	result.Plan = plan
	deployment.PlanID = plan.ID
	deployment.Summary = plan.Summary

	planPolicy, err := s.policies.EvaluatePlan(ctx, plan)
	if err != nil {
		return result, fmt.Errorf("failed to evaluate plan policies: %w", err)
	}
	result.PlanPolicy = planPolicy

	// An invalid stack cannot be rendered; it is still recorded as a failed deployment.
	var body []byte
	if report.OK() {
		tmpl, err := synth.Synthesize(st)
		if err != nil {
			return result, err
		}
		if body, err = tmpl.JSON(); err != nil {
			return result, err
		}
		deployment.TemplateHash = templateHash(body)
	}

	if opts.DryRun {
		deployment.Status = stores.DeploymentDryRun
		if err := s.store.CreateDeployment(ctx, deployment); err != nil {
			return result, err
		}
		s.publishViolations(ctx, deployment.ID, report.Policy, planPolicy)
		if err := report.Err(); err != nil {
			return result, err
		}
		return result, blockingPlanError(planPolicy)
	}

	if err := s.store.CreateDeployment(ctx, deployment); err != nil {
		return result, err
	}
	logger := s.logger.With().Str("stack", st.Name).Str("deployment_id", deployment.ID).Logger()
	s.publishViolations(ctx, deployment.ID, report.Policy, planPolicy)

	fail := func(cause error) (*ApplyResult, error) {
		msg := cause.Error()
		deployment.Status = stores.DeploymentFailed
		deployment.Error = &msg
		if err := s.store.UpdateDeploymentStatus(ctx, deployment.ID, stores.DeploymentFailed, &msg); err != nil {
			logger.Warn().Err(err).Msg("Failed to record deployment failure")
		}
		return result, cause
	}

	if err := report.Err(); err != nil {
		return fail(err)
	}
	if err := blockingPlanError(planPolicy); err != nil {
		return fail(err)
	}

	if !plan.HasChanges() {
		deployment.Status = stores.DeploymentNoop
		if err := s.store.UpdateDeploymentStatus(ctx, deployment.ID, stores.DeploymentNoop, nil); err != nil {
			return result, err
		}
		logger.Info().Msg("Recorded state matches the declaration, nothing to deploy")
		return result, nil
	}

	if s.deployer == nil {
		return fail(engine.NewPermanentError("no deployer configured", nil).WithCode(engine.ErrCodeInternal))
	}

	if s.buckets != nil {
		bucket, err := s.buckets.Check(ctx, st.Bucket.Name, st.ScriptKey)
		result.Bucket = bucket
		if err != nil {
			return fail(err)
		}
	}

	if opts.ValidateTemplate {
		if err := s.deployer.Validate(ctx, body); err != nil {
			return fail(err)
		}
	}

	deployCtx := withTracker(ctx, &tracker{service: s, deploymentID: deployment.ID, logger: logger})
	stackResult, err := s.deployer.Deploy(deployCtx, st.Name, body)
	result.Stack = stackResult
	if err != nil {
		return fail(err)
	}

	// The stack has committed; record the declared state it now holds.
	events := &timeline{next: s.publisher, deploymentID: deployment.ID, units: unitsByID(plan)}
	scheduler := engine.NewParallelScheduler(s.maxParallel, engine.NewStateRecorder(s.store, st.Name, deployment.ID), events)
	run, err := scheduler.Execute(ctx, plan, engine.ScheduleOptions{User: opts.Actor})
	result.Run = run
	if err != nil {
		return fail(fmt.Errorf("stack deployed but state was not recorded: %w", err))
	}
	if run.Summary.Failed > 0 {
		return fail(engine.NewTransientError(
			fmt.Sprintf("stack deployed but %d resource states were not recorded", run.Summary.Failed), nil))
	}

	deployment.Status = stores.DeploymentStatus(stackResult.State)
	if err := s.store.UpdateDeploymentStatus(ctx, deployment.ID, deployment.Status, nil); err != nil {
		return result, fmt.Errorf("stack deployed but status was not recorded: %w", err)
	}
	logger.Info().
		Str("operation", stackResult.Operation).
		Str("stack_status", stackResult.StackStatus).
		Int("recorded", run.Summary.Succeeded).
		Msg("Deployment complete")
	return result, nil
}

func (s *Service) publishViolations(ctx context.Context, deploymentID string, results ...*engine.PolicyResult) {
	for _, r := range results {
		if r == nil {
			continue
		}
		for _, v := range r.Violations {
			typ := engine.EventTypePolicyViolation
			if !policy.Severity(v.Severity).Blocking() {
				typ = engine.EventTypeWarning
			}
			_ = s.publisher.Publish(ctx, &engine.Event{
				Type:       typ,
				RunID:      deploymentID,
				ResourceID: v.ResourceID,
				Message:    v.Message,
				Details:    map[string]interface{}{"policy": v.Policy, "severity": v.Severity},
			})
		}
	}
}

func (s *Service) audit(ctx context.Context, actor, action, stackName, status string, d *stores.Deployment, cause error) {
	details := map[string]interface{}{
		"deployment_id": d.ID,
		"plan_id":       d.PlanID,
		"template_hash": d.TemplateHash,
	}
	if cause != nil {
		details["error"] = cause.Error()
	}
	// The apply context may already be cancelled; the audit row is still written.
	err := s.store.CreateAuditEntry(context.WithoutCancel(ctx), &stores.AuditEntry{
		Actor:     actor,
		Action:    action,
		StackName: stackName,
		Result:    status,
		Details:   details,
	})
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to write audit entry")
	}
}

func blockingPlanError(result *engine.PolicyResult) error {
	blocking := policy.Blocking(result)
	if len(blocking) == 0 {
		return nil
	}
	lines := make([]string, 0, len(blocking))
	for _, v := range blocking {
		lines = append(lines, fmt.Sprintf("%s: %s", v.Policy, v.Message))
	}
	return engine.NewValidationError("plan denied by policy: "+strings.Join(lines, "; "), nil).
		WithCode(engine.ErrCodePolicyViolation)
}

func templateHash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

func unitsByID(plan *engine.Plan) map[string]*engine.PlanUnit {
	units := make(map[string]*engine.PlanUnit, len(plan.Units))
	for i := range plan.Units {
		units[plan.Units[i].ID] = &plan.Units[i]
	}
	return units
}
