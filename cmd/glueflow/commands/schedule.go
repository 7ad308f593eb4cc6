package commands

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/glueflow/pkg/schedule"
	"github.com/openfroyo/glueflow/pkg/stack"
)

func newScheduleCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Inspect and drive the schedule rule",
		Long: `Evaluate the schedule rule in UTC.

Every tick starts one workflow execution. Nothing deduplicates ticks, skips
a tick while an earlier execution is still running, or catches up ticks
missed while the rule was disabled.`,
	}

	cmd.AddCommand(newScheduleNextCommand())
	cmd.AddCommand(newScheduleSimulateCommand())
	cmd.AddCommand(newScheduleTriggerCommand())

	return cmd
}

func ruleExpression(cmd *cobra.Command) (*stack.Stack, *schedule.Expression, error) {
	loaded, err := loadStack(cmd.Context())
	if err != nil {
		return nil, nil, err
	}
	expr, err := schedule.Parse(loaded.Stack.Rule.Expression)
	if err != nil {
		return nil, nil, err
	}
	return loaded.Stack, expr, nil
}

func newScheduleNextCommand() *cobra.Command {
	var count int

	cmd := &cobra.Command{
		Use:   "next",
		Short: "List the next fire times",
		Example: `  glueflow schedule next --count 3`,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, expr, err := ruleExpression(cmd)
			if err != nil {
				return err
			}

			var ticks []time.Time
			t := time.Now().UTC()
			for i := 0; i < count; i++ {
				t = expr.Next(t)
				if t.IsZero() {
					break
				}
				ticks = append(ticks, t)
			}

			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), ticks)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n", expr)
			for _, tick := range ticks {
				fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", tick.Format(time.RFC3339))
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&count, "count", "n", 5, "number of fire times")

	return cmd
}

func newScheduleSimulateCommand() *cobra.Command {
	var (
		from        string
		to          string
		runDuration time.Duration
	)

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Replay the rule over a window",
		Long: `Replay the rule over a window assuming every execution takes --duration,
and report executions that overlap an earlier one.`,
		Example: `  # One week from now, executions taking 30 minutes
  glueflow schedule simulate --duration 30m

  # A fixed window with executions longer than a day
  glueflow schedule simulate --from 2024-01-01T00:00:00Z --to 2024-01-08T00:00:00Z --duration 36h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, expr, err := ruleExpression(cmd)
			if err != nil {
				return err
			}

			start := time.Now().UTC()
			if from != "" {
				if start, err = time.Parse(time.RFC3339, from); err != nil {
					return fmt.Errorf("invalid --from: %w", err)
				}
			}
			end := start.Add(7 * 24 * time.Hour)
			if to != "" {
				if end, err = time.Parse(time.RFC3339, to); err != nil {
					return fmt.Errorf("invalid --to: %w", err)
				}
			}
			if !end.After(start) {
				return fmt.Errorf("--to must be after --from")
			}

			sim := schedule.Simulate(expr, start, end, runDuration)
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), sim)
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%s from %s to %s, each run %s\n",
				sim.Expression, sim.From.Format(time.RFC3339), sim.To.Format(time.RFC3339), sim.RunDuration)
			for _, inv := range sim.Invocations {
				note := ""
				if inv.Concurrent > 0 {
					note = fmt.Sprintf("  (%d still running)", inv.Concurrent)
				}
				fmt.Fprintf(w, "  #%d %s%s\n", inv.Seq, inv.ScheduledAt.Format(time.RFC3339), note)
			}
			fmt.Fprintf(w, "%d executions, %d overlapping, at most %d at once\n",
				len(sim.Invocations), sim.Overlapping, sim.MaxConcurrent)
			return nil
		},
	}

	cmd.Flags().StringVar(&from, "from", "", "window start, RFC 3339 (default now)")
	cmd.Flags().StringVar(&to, "to", "", "window end, RFC 3339 (default one week after --from)")
	cmd.Flags().DurationVar(&runDuration, "duration", 5*time.Minute, "assumed execution duration")

	return cmd
}

func newScheduleTriggerCommand() *cobra.Command {
	var (
		local        bool
		serveMetrics bool
	)

	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Fire the workflow on the rule until interrupted",
		Long: `Run the rule locally: on every tick the workflow is executed once, exactly
as the deployed rule would do it. Overlapping executions are allowed and
counted.`,
		Example: `  # Start real job runs on schedule and expose metrics
  glueflow schedule trigger --metrics

  # Exercise the rule without an account
  glueflow schedule trigger --local`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			tel, err := newTelemetry()
			if err != nil {
				return err
			}
			defer func() { _ = tel.Shutdown(context.Background()) }()
			ctx = tel.WithContext(ctx)
			logger := tel.Logger.NewComponentLogger("schedule").Zerolog()

			s, expr, err := ruleExpression(cmd)
			if err != nil {
				return err
			}
			starter, _, err := jobStarter(ctx, local, logger)
			if err != nil {
				return err
			}

			if serveMetrics {
				go func() {
					if err := tel.Metrics.StartMetricsServer(ctx, tel.Logger); err != nil {
						logger.Error().Err(err).Msg("Metrics server stopped")
					}
				}()
			}

			var inflight atomic.Int64
			fire := func(ctx context.Context, ev schedule.TriggerEvent) {
				overlapping := inflight.Add(1) > 1
				defer inflight.Add(-1)

				tel.Metrics.RecordScheduleTick(s.Rule.LogicalID, overlapping)
				if overlapping {
					logger.Warn().Int64("seq", ev.Seq).Msg("Earlier execution still running; starting another")
				}

				event, err := scheduledEventInput(s, ev.ScheduledAt)
				if err != nil {
					logger.Error().Err(err).Int64("seq", ev.Seq).Msg("Workflow execution failed to run")
					return
				}
				exec, err := executeWorkflow(ctx, tel, starter, s, event, "schedule")
				if err != nil {
					logger.Error().Err(err).Int64("seq", ev.Seq).Msg("Workflow execution failed to run")
					return
				}
				logger.Info().
					Int64("seq", ev.Seq).
					Str("execution", exec.ID).
					Str("status", string(exec.Status)).
					RawJSON("output", nonEmptyJSON(exec.Output)).
					Msg("Workflow executed")
			}

			trigger := schedule.NewTrigger(expr, fire, logger)
			trigger.Start(ctx)
			<-ctx.Done()
			trigger.Stop()

			fmt.Fprintf(cmd.OutOrStdout(), "Rule fired %d time(s)\n", trigger.Fired())
			return nil
		},
	}

	cmd.Flags().BoolVar(&local, "local", false, "do not start the job; return a placeholder run id")
	cmd.Flags().BoolVar(&serveMetrics, "metrics", false, "serve Prometheus metrics")

	return cmd
}

func nonEmptyJSON(raw []byte) []byte {
	if len(raw) == 0 {
		return []byte("null")
	}
	return raw
}
