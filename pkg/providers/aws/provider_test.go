package aws

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/glue"
	gluetypes "github.com/aws/aws-sdk-go-v2/service/glue/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go"
	"github.com/minio/minio-go/v7"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/glueflow/pkg/engine"
	"github.com/openfroyo/glueflow/pkg/workflow"
)

func TestLifecycle(t *testing.T) {
	ctx := context.Background()

	lc := NewLifecycle(testStack, nil)
	assert.Equal(t, StatePending, lc.Current())
	assert.False(t, lc.Can(TransitionComplete))
	assert.Error(t, lc.Apply(ctx, TransitionComplete))

	require.NoError(t, lc.Apply(ctx, TransitionSubmit))
	assert.False(t, lc.Terminal())
	require.NoError(t, lc.Apply(ctx, TransitionComplete))
	assert.True(t, lc.Terminal())
	assert.Error(t, lc.Apply(ctx, TransitionFail), "terminal states are final")

	lc = NewLifecycle(testStack, nil)
	require.NoError(t, lc.Apply(ctx, TransitionFail))
	assert.Equal(t, StateFailed, lc.Current())

	lc = NewLifecycle(testStack, nil)
	assert.Error(t, lc.Apply(ctx, TransitionNoop), "noop requires a submitted change")
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		class engine.ErrorClass
		code  string
	}{
		{"throttling", &smithy.GenericAPIError{Code: "ThrottlingException"}, engine.ErrorClassThrottled, engine.ErrCodeRateLimited},
		{"rate exceeded", &smithy.GenericAPIError{Code: "TooManyRequestsException"}, engine.ErrorClassThrottled, engine.ErrCodeRateLimited},
		{"access denied", &smithy.GenericAPIError{Code: "AccessDeniedException"}, engine.ErrorClassPermanent, engine.ErrCodePermissionDenied},
		{"already exists", &smithy.GenericAPIError{Code: "AlreadyExistsException"}, engine.ErrorClassConflict, engine.ErrCodeAlreadyExists},
		{"concurrent runs", &smithy.GenericAPIError{Code: "ConcurrentRunsExceededException"}, engine.ErrorClassConflict, engine.ErrCodeConflict},
		{"not found", &smithy.GenericAPIError{Code: "EntityNotFoundException"}, engine.ErrorClassPermanent, engine.ErrCodeNotFound},
		{"validation", &smithy.GenericAPIError{Code: "ValidationError", Message: "bad"}, engine.ErrorClassPermanent, engine.ErrCodeValidation},
		{"unknown code", &smithy.GenericAPIError{Code: "InternalFailure"}, engine.ErrorClassPermanent, engine.ErrCodeProviderFailed},
		{"plain error", errors.New("connection reset"), engine.ErrorClassPermanent, engine.ErrCodeProviderFailed},
		{"deadline", context.DeadlineExceeded, engine.ErrorClassTransient, engine.ErrCodeTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classify(tt.err, "glue", "StartJobRun")
			require.Error(t, err)
			assert.Equal(t, tt.class, engine.ClassOf(err))
			assert.Equal(t, tt.code, engine.CodeOf(err))
			assert.True(t, errors.Is(err, tt.err))
		})
	}

	assert.NoError(t, classify(nil, "glue", "StartJobRun"))
}

func TestErrorCode(t *testing.T) {
	err := classify(&smithy.GenericAPIError{Code: "ConcurrentRunsExceededException"}, "glue", "StartJobRun")
	assert.Equal(t, "ConcurrentRunsExceededException", ErrorCode(err))
	assert.Equal(t, "", ErrorCode(errors.New("plain")))

	assert.True(t, isNoUpdates(classify(errNoUpdates, "cloudformation", "UpdateStack")))
	assert.False(t, isNoUpdates(errStackMissing))
	assert.True(t, isStackMissing(errStackMissing))
}

type fakeSTS struct {
	account string
	err     error
}

func (f *fakeSTS) GetCallerIdentity(context.Context, *sts.GetCallerIdentityInput, ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &sts.GetCallerIdentityOutput{Account: aws.String(f.account)}, nil
}

func TestAccountResolver(t *testing.T) {
	account, err := NewAccountResolver(&fakeSTS{account: "123456789012"}).Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "123456789012", account)

	_, err = NewAccountResolver(&fakeSTS{}).Resolve(context.Background())
	assert.Error(t, err)

	_, err = NewAccountResolver(&fakeSTS{err: &smithy.GenericAPIError{Code: "ExpiredToken"}}).Resolve(context.Background())
	assert.Equal(t, engine.ErrCodePermissionDenied, engine.CodeOf(err))
}

type fakeGlue struct {
	runID string
	state gluetypes.JobRunState
	err   error
	input *glue.StartJobRunInput
}

func (f *fakeGlue) StartJobRun(_ context.Context, in *glue.StartJobRunInput, _ ...func(*glue.Options)) (*glue.StartJobRunOutput, error) {
	f.input = in
	if f.err != nil {
		return nil, f.err
	}
	return &glue.StartJobRunOutput{JobRunId: aws.String(f.runID)}, nil
}

func (f *fakeGlue) GetJobRun(_ context.Context, in *glue.GetJobRunInput, _ ...func(*glue.Options)) (*glue.GetJobRunOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &glue.GetJobRunOutput{JobRun: &gluetypes.JobRun{Id: in.RunId, JobRunState: f.state}}, nil
}

func TestJobRunner_WithWorkflow(t *testing.T) {
	fake := &fakeGlue{runID: "jr_0123", state: gluetypes.JobRunStateRunning}
	runner := NewJobRunner(fake, zerolog.Nop())

	def := workflow.StartJobRunDefinition("Start Glue Job", "MyGlueJob", "$.glueJobRunId")
	exec, err := workflow.NewExecutor(runner, zerolog.Nop()).Execute(context.Background(), def, []byte(`{"source":"schedule"}`))
	require.NoError(t, err)

	assert.Equal(t, workflow.StatusSucceeded, exec.Status)
	assert.JSONEq(t, `{"source":"schedule","glueJobRunId":{"JobRunId":"jr_0123"}}`, string(exec.Output))
	assert.Equal(t, "MyGlueJob", aws.ToString(fake.input.JobName))
	assert.Nil(t, fake.input.Arguments)

	state, err := runner.JobRunState(context.Background(), "MyGlueJob", "jr_0123")
	require.NoError(t, err)
	assert.Equal(t, "RUNNING", state)
}

func TestJobRunner_ErrorsKeepServiceCode(t *testing.T) {
	fake := &fakeGlue{err: &smithy.GenericAPIError{Code: "ConcurrentRunsExceededException", Message: "max concurrent runs"}}
	runner := NewJobRunner(fake, zerolog.Nop())

	_, err := runner.StartJobRun(context.Background(), "MyGlueJob", nil)
	require.Error(t, err)
	assert.True(t, engine.IsConflict(err))

	def := workflow.StartJobRunDefinition("Start Glue Job", "MyGlueJob", "$.glueJobRunId")
	exec, err := workflow.NewExecutor(runner, zerolog.Nop()).Execute(context.Background(), def, nil)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusFailed, exec.Status)
	assert.Equal(t, "Glue.ConcurrentRunsExceededException", exec.Error)
}

type fakeObjectStore struct {
	buckets map[string]bool
	objects map[string]minio.ObjectInfo
	err     error
}

func (f *fakeObjectStore) BucketExists(_ context.Context, bucket string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.buckets[bucket], nil
}

func (f *fakeObjectStore) StatObject(_ context.Context, bucket, key string, _ minio.StatObjectOptions) (minio.ObjectInfo, error) {
	info, ok := f.objects[bucket+"/"+key]
	if !ok {
		return minio.ObjectInfo{}, minio.ErrorResponse{Code: "NoSuchKey", StatusCode: http.StatusNotFound}
	}
	return info, nil
}

func TestBucketChecker(t *testing.T) {
	modified := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	store := &fakeObjectStore{
		buckets: map[string]bool{"rodes-bucket-1909001": true},
		objects: map[string]minio.ObjectInfo{
			"rodes-bucket-1909001/cdk-hello-world-v2.py": {Size: 512, LastModified: modified},
		},
	}
	checker := NewBucketChecker(store, zerolog.Nop())

	report, err := checker.Check(context.Background(), "rodes-bucket-1909001", "cdk-hello-world-v2.py")
	require.NoError(t, err)
	assert.True(t, report.BucketExists)
	assert.True(t, report.ObjectExists)
	assert.Equal(t, int64(512), report.Size)
	assert.Equal(t, modified, report.LastModified)

	report, err = checker.Check(context.Background(), "rodes-bucket-1909001", "missing.py")
	require.NoError(t, err, "a missing script is reported, not fatal")
	assert.False(t, report.ObjectExists)

	_, err = checker.Check(context.Background(), "other-bucket", "cdk-hello-world-v2.py")
	require.Error(t, err)
	assert.True(t, errors.Is(err, engine.ErrValidation))

	store.err = minio.ErrorResponse{Code: "AccessDenied", StatusCode: http.StatusForbidden}
	_, err = checker.Check(context.Background(), "rodes-bucket-1909001", "")
	assert.Equal(t, engine.ErrCodePermissionDenied, engine.CodeOf(err))
}

func TestObjectStoreConfigFor(t *testing.T) {
	tests := []struct {
		endpoint string
		want     ObjectStoreConfig
	}{
		{"", ObjectStoreConfig{UseSSL: true}},
		{"http://localhost:4566", ObjectStoreConfig{Endpoint: "localhost:4566", UseSSL: false}},
		{"https://s3.eu-west-1.amazonaws.com", ObjectStoreConfig{Endpoint: "s3.eu-west-1.amazonaws.com", UseSSL: true}},
		{"minio.internal:9000", ObjectStoreConfig{Endpoint: "minio.internal:9000", UseSSL: true}},
	}
	for _, tt := range tests {
		t.Run(tt.endpoint, func(t *testing.T) {
			got, err := ObjectStoreConfigFor(tt.endpoint)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ObjectStoreConfigFor("ftp://files.example.com")
	assert.Error(t, err)
}
