package aws

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/glue"
	"github.com/rs/zerolog"

	"github.com/openfroyo/glueflow/pkg/telemetry"
	"github.com/openfroyo/glueflow/pkg/workflow"
)

const serviceGlue = "glue"

// JobRunner starts Glue job runs. Errors keep their service code so the
// workflow executor can name them Glue.<code>.
type JobRunner struct {
	glue   glueClient
	logger zerolog.Logger
}

var _ workflow.JobStarter = (*JobRunner)(nil)

// NewJobRunner creates a runner over a Glue client.
func NewJobRunner(client glueClient, logger zerolog.Logger) *JobRunner {
	return &JobRunner{
		glue:   client,
		logger: logger.With().Str("component", "glue-runner").Logger(),
	}
}

// StartJobRun implements workflow.JobStarter. It is called once per
// execution; failures are not retried.
func (r *JobRunner) StartJobRun(ctx context.Context, jobName string, arguments map[string]string) (string, error) {
	var runID string
	err := telemetry.RecordAWSCall(ctx, serviceGlue, "StartJobRun", func(ctx context.Context) error {
		input := &glue.StartJobRunInput{JobName: aws.String(jobName)}
		if len(arguments) > 0 {
			input.Arguments = arguments
		}
		out, err := r.glue.StartJobRun(ctx, input)
		if err != nil {
			return classify(err, serviceGlue, "StartJobRun")
		}
		runID = aws.ToString(out.JobRunId)
		return nil
	})
	if err != nil {
		return "", err
	}

	r.logger.Info().Str("job", jobName).Str("run_id", runID).Msg("Job run started")
	return runID, nil
}

// JobRunState returns the state of a job run, e.g. RUNNING or SUCCEEDED.
func (r *JobRunner) JobRunState(ctx context.Context, jobName, runID string) (string, error) {
	var state string
	err := telemetry.RecordAWSCall(ctx, serviceGlue, "GetJobRun", func(ctx context.Context) error {
		out, err := r.glue.GetJobRun(ctx, &glue.GetJobRunInput{
			JobName: aws.String(jobName),
			RunId:   aws.String(runID),
		})
		if err != nil {
			return classify(err, serviceGlue, "GetJobRun")
		}
		if out.JobRun != nil {
			state = string(out.JobRun.JobRunState)
		}
		return nil
	})
	return state, err
}
