package aws

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
	"github.com/rs/zerolog"

	"github.com/openfroyo/glueflow/pkg/engine"
	"github.com/openfroyo/glueflow/pkg/telemetry"
)

const serviceCloudFormation = "cloudformation"

// DeployerOptions tunes waiting and throttling behaviour.
type DeployerOptions struct {
	// MaxWait bounds how long to wait for a stack to settle.
	MaxWait time.Duration

	// PollInterval is the minimum delay between stack status polls.
	PollInterval time.Duration

	// RetryAttempts and RetryDelay apply to throttled calls only.
	RetryAttempts uint
	RetryDelay    time.Duration

	// Tags are applied to the stack and propagated to its resources.
	Tags map[string]string

	// OnTransition observes lifecycle changes.
	OnTransition TransitionHook
}

// DefaultDeployerOptions returns the options used by the CLI.
func DefaultDeployerOptions() DeployerOptions {
	return DeployerOptions{
		MaxWait:       30 * time.Minute,
		PollInterval:  5 * time.Second,
		RetryAttempts: 5,
		RetryDelay:    time.Second,
	}
}

// DeployResult describes a finished deployment.
type DeployResult struct {
	StackName   string            `json:"stack_name"`
	StackID     string            `json:"stack_id,omitempty"`
	Operation   string            `json:"operation"`
	State       DeploymentState   `json:"state"`
	StackStatus string            `json:"stack_status,omitempty"`
	Outputs     map[string]string `json:"outputs,omitempty"`
}

// Deployer submits a synthesized template as one CloudFormation stack. The
// whole template is created or updated in a single transaction.
type Deployer struct {
	cfn    cloudFormationClient
	opts   DeployerOptions
	logger zerolog.Logger
}

// NewDeployer creates a deployer over a CloudFormation client.
func NewDeployer(cfn cloudFormationClient, opts DeployerOptions, logger zerolog.Logger) *Deployer {
	defaults := DefaultDeployerOptions()
	if opts.MaxWait <= 0 {
		opts.MaxWait = defaults.MaxWait
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaults.PollInterval
	}
	if opts.RetryAttempts == 0 {
		opts.RetryAttempts = defaults.RetryAttempts
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = defaults.RetryDelay
	}
	return &Deployer{
		cfn:    cfn,
		opts:   opts,
		logger: logger.With().Str("component", "aws-deployer").Logger(),
	}
}

// Validate asks CloudFormation to check the template syntax.
func (d *Deployer) Validate(ctx context.Context, templateBody []byte) error {
	return d.call(ctx, "ValidateTemplate", func(ctx context.Context) error {
		_, err := d.cfn.ValidateTemplate(ctx, &cloudformation.ValidateTemplateInput{
			TemplateBody: aws.String(string(templateBody)),
		})
		return err
	})
}

// Deploy creates the stack when it is absent and updates it otherwise. An
// update that changes nothing completes as a noop.
func (d *Deployer) Deploy(ctx context.Context, stackName string, templateBody []byte) (*DeployResult, error) {
	lc := NewLifecycle(stackName, d.opts.OnTransition)
	result := &DeployResult{StackName: stackName, State: StatePending}
	logger := d.logger.With().Str("stack", stackName).Logger()

	fail := func(err error) (*DeployResult, error) {
		if lc.Can(TransitionFail) {
			_ = lc.Apply(ctx, TransitionFail)
		}
		result.State = lc.Current()
		logger.Error().Err(err).Str("operation", result.Operation).Msg("Deployment failed")
		return result, err
	}

	existing, err := d.describe(ctx, stackName)
	if err != nil {
		return fail(err)
	}
	if existing != nil {
		result.StackID = aws.ToString(existing.StackId)
		if err := checkUpdatable(existing); err != nil {
			return fail(err)
		}
	}

	body := aws.String(string(templateBody))
	if existing == nil {
		result.Operation = "create"
		err = d.call(ctx, "CreateStack", func(ctx context.Context) error {
			out, err := d.cfn.CreateStack(ctx, &cloudformation.CreateStackInput{
				StackName:    aws.String(stackName),
				TemplateBody: body,
				Capabilities: capabilities(),
				Tags:         d.tags(),
			})
			if err == nil {
				result.StackID = aws.ToString(out.StackId)
			}
			return err
		})
	} else {
		result.Operation = "update"
		err = d.call(ctx, "UpdateStack", func(ctx context.Context) error {
			_, err := d.cfn.UpdateStack(ctx, &cloudformation.UpdateStackInput{
				StackName:    aws.String(stackName),
				TemplateBody: body,
				Capabilities: capabilities(),
				Tags:         d.tags(),
			})
			return err
		})
	}

	if err != nil && isNoUpdates(err) {
		if err := lc.Apply(ctx, TransitionSubmit); err != nil {
			return fail(err)
		}
		if err := lc.Apply(ctx, TransitionNoop); err != nil {
			return fail(err)
		}
		result.State = lc.Current()
		result.StackStatus = string(existing.StackStatus)
		result.Outputs = outputs(existing)
		logger.Info().Msg("Stack is already up to date")
		return result, nil
	}
	if err != nil {
		return fail(err)
	}

	if err := lc.Apply(ctx, TransitionSubmit); err != nil {
		return fail(err)
	}
	result.State = lc.Current()
	logger.Info().Str("operation", result.Operation).Str("stack_id", result.StackID).Msg("Stack change submitted")

	settled, err := d.wait(ctx, result.Operation, stackName)
	if settled != nil {
		result.StackStatus = string(settled.StackStatus)
	}
	if err != nil {
		return fail(err)
	}

	if err := lc.Apply(ctx, TransitionComplete); err != nil {
		return fail(err)
	}
	result.State = lc.Current()
	result.Outputs = outputs(settled)
	logger.Info().Str("status", result.StackStatus).Msg("Stack deployed")
	return result, nil
}

// describe returns the stack, or nil when it does not exist.
func (d *Deployer) describe(ctx context.Context, stackName string) (*types.Stack, error) {
	var stack *types.Stack
	err := d.call(ctx, "DescribeStacks", func(ctx context.Context) error {
		out, err := d.cfn.DescribeStacks(ctx, &cloudformation.DescribeStacksInput{
			StackName: aws.String(stackName),
		})
		if err != nil {
			return err
		}
		if len(out.Stacks) > 0 {
			stack = &out.Stacks[0]
		}
		return nil
	})
	if err != nil && isStackMissing(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if stack != nil && stack.StackStatus == types.StackStatusDeleteComplete {
		return nil, nil
	}
	return stack, nil
}

// checkUpdatable rejects stacks that CloudFormation will not update.
func checkUpdatable(stack *types.Stack) error {
	status := string(stack.StackStatus)
	switch {
	case stack.StackStatus == types.StackStatusRollbackComplete,
		stack.StackStatus == types.StackStatusRollbackFailed,
		stack.StackStatus == types.StackStatusDeleteFailed:
		return engine.NewConflictError(
			fmt.Sprintf("stack is in %s and must be deleted before it can be deployed again", status), nil,
		).WithCode(engine.ErrCodeConflict).WithDetail("stack_status", status)
	case strings.HasSuffix(status, "_IN_PROGRESS"):
		return engine.NewConflictError(
			fmt.Sprintf("stack has an operation in progress (%s)", status), nil,
		).WithCode(engine.ErrCodeConflict).WithDetail("stack_status", status)
	}
	return nil
}

// wait blocks until the stack settles using the SDK waiters.
func (d *Deployer) wait(ctx context.Context, operation, stackName string) (*types.Stack, error) {
	input := &cloudformation.DescribeStacksInput{StackName: aws.String(stackName)}
	maxDelay := 30 * time.Second
	if d.opts.PollInterval > maxDelay {
		maxDelay = d.opts.PollInterval
	}

	var (
		out *cloudformation.DescribeStacksOutput
		err error
	)
	if operation == "create" {
		waiter := cloudformation.NewStackCreateCompleteWaiter(d.cfn, func(o *cloudformation.StackCreateCompleteWaiterOptions) {
			o.MinDelay = d.opts.PollInterval
			o.MaxDelay = maxDelay
		})
		out, err = waiter.WaitForOutput(ctx, input, d.opts.MaxWait)
	} else {
		waiter := cloudformation.NewStackUpdateCompleteWaiter(d.cfn, func(o *cloudformation.StackUpdateCompleteWaiterOptions) {
			o.MinDelay = d.opts.PollInterval
			o.MaxDelay = maxDelay
		})
		out, err = waiter.WaitForOutput(ctx, input, d.opts.MaxWait)
	}

	if err == nil && out != nil && len(out.Stacks) > 0 {
		return &out.Stacks[0], nil
	}

	// The waiter does not return the failed stack; look it up for the reason.
	stack, describeErr := d.describe(ctx, stackName)
	if describeErr != nil {
		stack = nil
	}
	if err == nil {
		err = errors.New("stack disappeared while waiting")
	}

	deployErr := engine.NewPermanentError(fmt.Sprintf("stack %s did not complete", operation), err).
		WithCode(engine.ErrCodeDeployFailed).
		WithOperation(operation)
	if stack != nil {
		deployErr = deployErr.
			WithDetail("stack_status", string(stack.StackStatus)).
			WithDetail("reason", aws.ToString(stack.StackStatusReason))
	}
	return stack, deployErr
}

// call runs one API request with telemetry, classification and a retry on
// throttling.
func (d *Deployer) call(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	retrier := retry.New(
		retry.RetryIf(func(err error) bool {
			return engine.IsThrottled(err) && ctx.Err() == nil
		}),
		retry.Delay(d.opts.RetryDelay),
		retry.MaxDelay(30*time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.Attempts(d.opts.RetryAttempts),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)

	attempt := 0
	return retrier.Do(func() error {
		attempt++
		if attempt > 1 {
			d.logger.Warn().Str("operation", operation).Int("attempt", attempt).Msg("Throttled, retrying")
		}
		return telemetry.RecordAWSCall(ctx, serviceCloudFormation, operation, func(ctx context.Context) error {
			return classify(fn(ctx), serviceCloudFormation, operation)
		})
	})
}

func (d *Deployer) tags() []types.Tag {
	if len(d.opts.Tags) == 0 {
		return nil
	}
	keys := make([]string, 0, len(d.opts.Tags))
	for k := range d.opts.Tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	tags := make([]types.Tag, 0, len(keys))
	for _, k := range keys {
		tags = append(tags, types.Tag{Key: aws.String(k), Value: aws.String(d.opts.Tags[k])})
	}
	return tags
}

func capabilities() []types.Capability {
	return []types.Capability{types.CapabilityCapabilityIam, types.CapabilityCapabilityNamedIam}
}

func outputs(stack *types.Stack) map[string]string {
	if stack == nil || len(stack.Outputs) == 0 {
		return nil
	}
	out := make(map[string]string, len(stack.Outputs))
	for _, o := range stack.Outputs {
		out[aws.ToString(o.OutputKey)] = aws.ToString(o.OutputValue)
	}
	return out
}
