package aws

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/glueflow/pkg/engine"
)

const testStack = "CdhelloWorldV2Stack"

var (
	errStackMissing = &smithy.GenericAPIError{
		Code:    "ValidationError",
		Message: "Stack with id CdhelloWorldV2Stack does not exist",
	}
	errNoUpdates = &smithy.GenericAPIError{
		Code:    "ValidationError",
		Message: "No updates are to be performed.",
	}
	errThrottled = &smithy.GenericAPIError{Code: "Throttling", Message: "Rate exceeded"}
)

type describeResult struct {
	status types.StackStatus
	reason string
	err    error
}

type fakeCloudFormation struct {
	describes   []describeResult
	createErrs  []error
	updateErr   error
	validateErr error

	describeCalls int
	createCalls   int
	updateCalls   int
	lastCreate    *cloudformation.CreateStackInput
	lastUpdate    *cloudformation.UpdateStackInput
}

func (f *fakeCloudFormation) DescribeStacks(_ context.Context, in *cloudformation.DescribeStacksInput,
	_ ...func(*cloudformation.Options)) (*cloudformation.DescribeStacksOutput, error) {
	idx := f.describeCalls
	if idx >= len(f.describes) {
		idx = len(f.describes) - 1
	}
	f.describeCalls++

	res := f.describes[idx]
	if res.err != nil {
		return nil, res.err
	}
	return &cloudformation.DescribeStacksOutput{Stacks: []types.Stack{{
		StackName:         in.StackName,
		StackId:           aws.String("arn:aws:cloudformation:us-east-1:123456789012:stack/" + testStack + "/1"),
		StackStatus:       res.status,
		StackStatusReason: aws.String(res.reason),
		CreationTime:      aws.Time(time.Unix(0, 0)),
		Outputs: []types.Output{
			{OutputKey: aws.String("JobName"), OutputValue: aws.String("MyGlueJob")},
		},
	}}}, nil
}

func (f *fakeCloudFormation) CreateStack(_ context.Context, in *cloudformation.CreateStackInput,
	_ ...func(*cloudformation.Options)) (*cloudformation.CreateStackOutput, error) {
	f.lastCreate = in
	idx := f.createCalls
	f.createCalls++
	if idx < len(f.createErrs) && f.createErrs[idx] != nil {
		return nil, f.createErrs[idx]
	}
	return &cloudformation.CreateStackOutput{StackId: aws.String("stack-id-1")}, nil
}

func (f *fakeCloudFormation) UpdateStack(_ context.Context, in *cloudformation.UpdateStackInput,
	_ ...func(*cloudformation.Options)) (*cloudformation.UpdateStackOutput, error) {
	f.lastUpdate = in
	f.updateCalls++
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	return &cloudformation.UpdateStackOutput{StackId: aws.String("stack-id-1")}, nil
}

func (f *fakeCloudFormation) ValidateTemplate(_ context.Context, _ *cloudformation.ValidateTemplateInput,
	_ ...func(*cloudformation.Options)) (*cloudformation.ValidateTemplateOutput, error) {
	if f.validateErr != nil {
		return nil, f.validateErr
	}
	return &cloudformation.ValidateTemplateOutput{}, nil
}

type transitionLog struct {
	steps []string
}

func (l *transitionLog) hook(_ context.Context, _ string, from, to DeploymentState) {
	l.steps = append(l.steps, string(from)+"->"+string(to))
}

func newTestDeployer(cfn *fakeCloudFormation, log *transitionLog) *Deployer {
	return NewDeployer(cfn, DeployerOptions{
		MaxWait:       5 * time.Second,
		PollInterval:  time.Millisecond,
		RetryAttempts: 4,
		RetryDelay:    time.Millisecond,
		Tags:          map[string]string{"project": "glueflow", "owner": "data"},
		OnTransition:  log.hook,
	}, zerolog.Nop())
}

func TestDeployer_CreatesMissingStack(t *testing.T) {
	cfn := &fakeCloudFormation{describes: []describeResult{
		{err: errStackMissing},
		{status: types.StackStatusCreateComplete},
	}}
	log := &transitionLog{}

	result, err := newTestDeployer(cfn, log).Deploy(context.Background(), testStack, []byte(`{"Resources":{}}`))
	require.NoError(t, err)

	assert.Equal(t, StateComplete, result.State)
	assert.Equal(t, "create", result.Operation)
	assert.Equal(t, "stack-id-1", result.StackID)
	assert.Equal(t, "CREATE_COMPLETE", result.StackStatus)
	assert.Equal(t, map[string]string{"JobName": "MyGlueJob"}, result.Outputs)
	assert.Equal(t, []string{"pending->submitted", "submitted->complete"}, log.steps)

	require.NotNil(t, cfn.lastCreate)
	assert.Equal(t, `{"Resources":{}}`, aws.ToString(cfn.lastCreate.TemplateBody))
	assert.Contains(t, cfn.lastCreate.Capabilities, types.CapabilityCapabilityNamedIam)
	require.Len(t, cfn.lastCreate.Tags, 2)
	assert.Equal(t, "owner", aws.ToString(cfn.lastCreate.Tags[0].Key))
	assert.Equal(t, 0, cfn.updateCalls)
}

func TestDeployer_UpdatesExistingStack(t *testing.T) {
	cfn := &fakeCloudFormation{describes: []describeResult{
		{status: types.StackStatusCreateComplete},
		{status: types.StackStatusUpdateComplete},
	}}
	log := &transitionLog{}

	result, err := newTestDeployer(cfn, log).Deploy(context.Background(), testStack, []byte(`{}`))
	require.NoError(t, err)

	assert.Equal(t, StateComplete, result.State)
	assert.Equal(t, "update", result.Operation)
	assert.Equal(t, "UPDATE_COMPLETE", result.StackStatus)
	assert.Equal(t, 1, cfn.updateCalls)
	assert.Equal(t, 0, cfn.createCalls)
}

func TestDeployer_NoUpdatesIsNoop(t *testing.T) {
	cfn := &fakeCloudFormation{
		describes: []describeResult{{status: types.StackStatusUpdateComplete}},
		updateErr: errNoUpdates,
	}
	log := &transitionLog{}

	result, err := newTestDeployer(cfn, log).Deploy(context.Background(), testStack, []byte(`{}`))
	require.NoError(t, err)

	assert.Equal(t, StateNoop, result.State)
	assert.Equal(t, []string{"pending->submitted", "submitted->noop"}, log.steps)
	assert.Equal(t, 1, cfn.describeCalls, "a noop must not wait for the stack")
}

func TestDeployer_RefusesRolledBackStack(t *testing.T) {
	for _, status := range []types.StackStatus{types.StackStatusRollbackComplete, types.StackStatusUpdateInProgress} {
		t.Run(string(status), func(t *testing.T) {
			cfn := &fakeCloudFormation{describes: []describeResult{{status: status}}}
			log := &transitionLog{}

			result, err := newTestDeployer(cfn, log).Deploy(context.Background(), testStack, []byte(`{}`))
			require.Error(t, err)

			assert.True(t, engine.IsConflict(err))
			assert.Equal(t, StateFailed, result.State)
			assert.Equal(t, []string{"pending->failed"}, log.steps)
			assert.Zero(t, cfn.createCalls+cfn.updateCalls)
		})
	}
}

func TestDeployer_RetriesThrottling(t *testing.T) {
	cfn := &fakeCloudFormation{
		describes: []describeResult{
			{err: errStackMissing},
			{status: types.StackStatusCreateComplete},
		},
		createErrs: []error{errThrottled, errThrottled, nil},
	}

	result, err := newTestDeployer(cfn, &transitionLog{}).Deploy(context.Background(), testStack, []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, StateComplete, result.State)
	assert.Equal(t, 3, cfn.createCalls)
}

func TestDeployer_ThrottlingGivesUp(t *testing.T) {
	cfn := &fakeCloudFormation{
		describes:  []describeResult{{err: errStackMissing}},
		createErrs: []error{errThrottled, errThrottled, errThrottled, errThrottled, errThrottled},
	}

	_, err := newTestDeployer(cfn, &transitionLog{}).Deploy(context.Background(), testStack, []byte(`{}`))
	require.Error(t, err)
	assert.True(t, engine.IsThrottled(err))
	assert.Equal(t, 4, cfn.createCalls)
}

func TestDeployer_CancelStopsThrottlingBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cfn := &fakeCloudFormation{
		describes:  []describeResult{{err: errStackMissing}},
		createErrs: []error{errThrottled, errThrottled, errThrottled, errThrottled},
	}
	deployer := NewDeployer(cfn, DeployerOptions{
		MaxWait:       5 * time.Second,
		PollInterval:  time.Millisecond,
		RetryAttempts: 4,
		RetryDelay:    20 * time.Second,
	}, zerolog.Nop())

	start := time.Now()
	time.AfterFunc(100*time.Millisecond, cancel)
	_, err := deployer.Deploy(ctx, testStack, []byte(`{}`))
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second, "a cancelled deploy must not sleep through the backoff")
	assert.Equal(t, 1, cfn.createCalls)
}

func TestDeployer_PermanentErrorsAreNotRetried(t *testing.T) {
	denied := &smithy.GenericAPIError{Code: "AccessDenied", Message: "not authorized to perform cloudformation:CreateStack"}
	cfn := &fakeCloudFormation{
		describes:  []describeResult{{err: errStackMissing}},
		createErrs: []error{denied},
	}
	log := &transitionLog{}

	result, err := newTestDeployer(cfn, log).Deploy(context.Background(), testStack, []byte(`{}`))
	require.Error(t, err)

	assert.Equal(t, 1, cfn.createCalls)
	assert.Equal(t, engine.ErrCodePermissionDenied, engine.CodeOf(err))
	assert.True(t, errors.Is(err, denied), "the SDK error must stay reachable")
	assert.Equal(t, StateFailed, result.State)
	assert.Equal(t, []string{"pending->failed"}, log.steps)
}

func TestDeployer_WaiterFailure(t *testing.T) {
	cfn := &fakeCloudFormation{describes: []describeResult{
		{err: errStackMissing},
		{status: types.StackStatusRollbackComplete, reason: "The following resource(s) failed to create: [MyGlueJob]"},
	}}
	log := &transitionLog{}

	result, err := newTestDeployer(cfn, log).Deploy(context.Background(), testStack, []byte(`{}`))
	require.Error(t, err)

	assert.Equal(t, engine.ErrCodeDeployFailed, engine.CodeOf(err))
	assert.Equal(t, StateFailed, result.State)
	assert.Equal(t, "ROLLBACK_COMPLETE", result.StackStatus)
	assert.Equal(t, []string{"pending->submitted", "submitted->failed"}, log.steps)

	var engErr *engine.EngineError
	require.True(t, errors.As(err, &engErr))
	assert.Contains(t, engErr.Details["reason"], "MyGlueJob")
}

func TestDeployer_Validate(t *testing.T) {
	cfn := &fakeCloudFormation{}
	d := newTestDeployer(cfn, &transitionLog{})
	require.NoError(t, d.Validate(context.Background(), []byte(`{}`)))

	cfn.validateErr = &smithy.GenericAPIError{Code: "ValidationError", Message: "Template format error"}
	err := d.Validate(context.Background(), []byte(`{`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, engine.ErrValidation))
}
