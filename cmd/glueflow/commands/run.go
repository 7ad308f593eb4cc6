package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"

	awsprovider "github.com/openfroyo/glueflow/pkg/providers/aws"
	"github.com/openfroyo/glueflow/pkg/stack"
	"github.com/openfroyo/glueflow/pkg/telemetry"
	"github.com/openfroyo/glueflow/pkg/workflow"
)

func newRunCommand() *cobra.Command {
	var (
		local        bool
		input        string
		wait         bool
		pollInterval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute the workflow once",
		Long: `Execute the declared workflow once, as the schedule rule would.

The workflow's single task starts the job and stores the run id at the
workflow's result path. With --local the job is not started; a placeholder
run id is returned instead.`,
		Example: `  # Start the job through the workflow
  glueflow run

  # Start it and wait for the job run to finish
  glueflow run --wait

  # Exercise the workflow without an account
  glueflow run --local --input '{"source":"manual"}'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			tel, err := newTelemetry()
			if err != nil {
				return err
			}
			defer func() { _ = tel.Shutdown(context.Background()) }()
			ctx = tel.WithContext(ctx)

			loaded, err := loadStack(ctx)
			if err != nil {
				return err
			}

			starter, runner, err := jobStarter(ctx, local, tel.Logger.Zerolog())
			if err != nil {
				return err
			}

			if input == "" {
				event, err := scheduledEventInput(loaded.Stack, time.Now().UTC())
				if err != nil {
					return err
				}
				input = string(event)
			}
			exec, err := executeWorkflow(ctx, tel, starter, loaded.Stack, []byte(input), "manual")
			if err != nil {
				return err
			}

			if jsonOutput {
				if err := printJSON(cmd.OutOrStdout(), exec); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Execution %s: %s\n", exec.ID, exec.Status)
				if exec.Error != "" {
					fmt.Fprintf(cmd.OutOrStdout(), "  %s: %s\n", exec.Error, exec.Cause)
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "  output: %s\n", exec.Output)
				}
			}
			if exec.Status != workflow.StatusSucceeded {
				return fmt.Errorf("workflow execution %s", strings.ToLower(string(exec.Status)))
			}

			if !wait || runner == nil {
				return nil
			}
			runID := jobRunID(exec.Output, loaded.Stack.Workflow.ResultPath)
			if runID == "" {
				return fmt.Errorf("no job run id at %s", loaded.Stack.Workflow.ResultPath)
			}
			state, err := waitForJobRun(ctx, runner, loaded.Stack.Job.Name, runID, pollInterval)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Job run %s: %s\n", runID, state)
			if state != "SUCCEEDED" {
				return fmt.Errorf("job run %s ended in %s", runID, state)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&local, "local", false, "do not start the job; return a placeholder run id")
	cmd.Flags().StringVar(&input, "input", "", "workflow input JSON (defaults to a scheduled event)")
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for the started job run to finish")
	cmd.Flags().DurationVar(&pollInterval, "poll-interval", 15*time.Second, "job run polling interval")

	return cmd
}

// localStarter stands in for the job service.
type localStarter struct {
	logger zerolog.Logger
}

func (s localStarter) StartJobRun(_ context.Context, jobName string, arguments map[string]string) (string, error) {
	runID := "jr_local_" + strings.ReplaceAll(uuid.New().String(), "-", "")
	s.logger.Info().Str("job", jobName).Str("run_id", runID).Int("arguments", len(arguments)).Msg("Job start simulated")
	return runID, nil
}

func jobStarter(ctx context.Context, local bool, logger zerolog.Logger) (workflow.JobStarter, *awsprovider.JobRunner, error) {
	if local {
		return localStarter{logger: logger}, nil, nil
	}
	clients, err := awsClients(ctx)
	if err != nil {
		return nil, nil, err
	}
	runner := awsprovider.NewJobRunner(clients.Glue, logger)
	return runner, runner, nil
}

// executeWorkflow runs the stack's workflow definition once.
func executeWorkflow(ctx context.Context, tel *telemetry.Telemetry, starter workflow.JobStarter, s *stack.Stack, input []byte, trigger string) (*workflow.Execution, error) {
	w := s.Workflow
	def := workflow.StartJobRunDefinition(w.StateName, w.JobName, w.ResultPath)

	ctx, span := tel.Tracer.StartWorkflowSpan(ctx, w.LogicalID, trigger)
	defer span.End()

	exec, err := workflow.NewExecutor(starter, tel.Logger.Zerolog()).Execute(ctx, def, input)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	tel.Metrics.RecordWorkflowExecution(strings.ToLower(string(exec.Status)))
	logger := tel.Logger.WithExecution(w.LogicalID, exec.ID).WithField("trigger", trigger)
	if exec.Status == workflow.StatusSucceeded {
		telemetry.RecordSuccess(span)
		logger.Infof("execution succeeded in %s", exec.StoppedAt.Sub(exec.StartedAt))
	} else {
		telemetry.RecordError(span, fmt.Errorf("%s: %s", exec.Error, exec.Cause))
		logger.Warn("execution " + strings.ToLower(string(exec.Status)) + ": " + exec.Error)
	}
	return exec, nil
}

// scheduledEvent is the event the schedule rule passes to the workflow.
type scheduledEvent struct {
	Version    string          `json:"version"`
	ID         string          `json:"id"`
	DetailType string          `json:"detail-type"`
	Source     string          `json:"source"`
	Account    string          `json:"account,omitempty"`
	Time       string          `json:"time"`
	Region     string          `json:"region,omitempty"`
	Resources  []string        `json:"resources"`
	Detail     json.RawMessage `json:"detail"`
}

func scheduledEventInput(s *stack.Stack, at time.Time) ([]byte, error) {
	data, err := json.Marshal(scheduledEvent{
		Version:    "0",
		ID:         uuid.New().String(),
		DetailType: "Scheduled Event",
		Source:     "aws.events",
		Account:    s.Account,
		Time:       at.UTC().Format(time.RFC3339),
		Region:     s.Region,
		Resources:  []string{s.RuleARN()},
		Detail:     json.RawMessage(`{}`),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode scheduled event: %w", err)
	}
	return data, nil
}

// jobRunID reads the run id the workflow stored at resultPath.
func jobRunID(output []byte, resultPath string) string {
	path := strings.TrimPrefix(strings.TrimPrefix(resultPath, "$"), ".")
	if path == "" {
		return gjson.GetBytes(output, "JobRunId").String()
	}
	return gjson.GetBytes(output, path+".JobRunId").String()
}

var terminalJobRunStates = map[string]bool{
	"SUCCEEDED": true, "FAILED": true, "STOPPED": true,
	"TIMEOUT": true, "ERROR": true, "EXPIRED": true,
}

func waitForJobRun(ctx context.Context, runner *awsprovider.JobRunner, jobName, runID string, interval time.Duration) (string, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		state, err := runner.JobRunState(ctx, jobName, runID)
		if err != nil {
			return "", err
		}
		log.Debug().Str("run_id", runID).Str("state", state).Msg("Job run state")
		if terminalJobRunStates[state] {
			return state, nil
		}
		select {
		case <-ctx.Done():
			return state, ctx.Err()
		case <-ticker.C:
		}
	}
}
