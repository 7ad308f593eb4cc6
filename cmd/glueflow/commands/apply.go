package commands

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/glueflow/pkg/deploy"
	awsprovider "github.com/openfroyo/glueflow/pkg/providers/aws"
)

func newApplyCommand() *cobra.Command {
	var (
		dryRun           bool
		autoApprove      bool
		validateTemplate bool
		skipBucketCheck  bool
		parallelism      int
		policyPaths      []string
	)

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Deploy the stack",
		Long: `Check, plan and deploy the stack.

This command:
  - Validates the declaration and evaluates the policies
  - Plans against the state recorded by the last deployment
  - Resolves the account and region left open by the declaration
  - Checks that the referenced bucket exists (it is never created)
  - Submits the whole template as one stack transaction and waits for it
  - Records the deployed state, the timeline and an audit entry`,
		Example: `  # Apply with approval prompt
  glueflow apply

  # Auto-approve against a named profile
  glueflow apply --auto-approve --profile data-prod

  # Render and record without touching the account
  glueflow apply --dry-run`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			tel, err := newTelemetry()
			if err != nil {
				return err
			}
			defer func() { _ = tel.Shutdown(context.Background()) }()
			ctx = tel.WithContext(ctx)
			logger := tel.Logger.Zerolog()

			loaded, err := loadStack(ctx)
			if err != nil {
				return err
			}
			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			policies, err := newPolicyEngine(ctx, logger, append(loaded.Config.PolicyPaths, policyPaths...))
			if err != nil {
				return err
			}

			opts := []deploy.Option{deploy.WithMaxParallel(parallelism)}
			if !dryRun {
				clients, err := awsClients(ctx)
				if err != nil {
					return err
				}
				if loaded, err = pinTarget(ctx, loaded, clients); err != nil {
					return err
				}

				deployerOpts := awsprovider.DefaultDeployerOptions()
				deployerOpts.OnTransition = deploy.RecordTransition
				deployerOpts.Tags = map[string]string{
					"glueflow:stack":   loaded.Stack.Name,
					"glueflow:variant": string(loaded.Stack.Variant),
				}
				opts = append(opts, deploy.WithDeployer(awsprovider.NewDeployer(clients.CloudFormation, deployerOpts, logger)))

				if !skipBucketCheck {
					storeCfg, err := awsprovider.ObjectStoreConfigFor(awsEndpoint)
					if err != nil {
						return err
					}
					s3, err := awsprovider.NewObjectStoreClient(ctx, clients.Config, storeCfg)
					if err != nil {
						return err
					}
					opts = append(opts, deploy.WithBucketChecker(awsprovider.NewBucketChecker(s3, logger)))
				}
			}

			svc := deploy.NewService(store, policies, tel, opts...)

			if !dryRun && !autoApprove && !jsonOutput {
				plan, err := svc.Plan(ctx, loaded.Stack, loaded.Source)
				if err != nil {
					return err
				}
				printPlan(cmd.OutOrStdout(), plan)
				if plan.HasChanges() && !confirm(cmd.InOrStdin(), cmd.OutOrStdout()) {
					fmt.Fprintln(cmd.OutOrStdout(), "Apply cancelled.")
					return nil
				}
			}

			log.Info().
				Str("stack", loaded.Stack.Name).
				Str("variant", string(loaded.Stack.Variant)).
				Bool("dry_run", dryRun).
				Msg("Applying stack")

			result, applyErr := svc.Apply(ctx, loaded.Stack, deploy.ApplyOptions{
				Source:           loaded.Source,
				Actor:            currentActor(),
				DryRun:           dryRun,
				ValidateTemplate: validateTemplate,
			})
			if jsonOutput {
				if err := printJSON(cmd.OutOrStdout(), result); err != nil {
					return err
				}
			} else {
				printApplyResult(cmd.OutOrStdout(), result)
			}
			return applyErr
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "plan and render without deploying")
	cmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "skip approval prompt")
	cmd.Flags().BoolVar(&validateTemplate, "validate-template", true, "ask the control plane to validate the template first")
	cmd.Flags().BoolVar(&skipBucketCheck, "skip-bucket-check", false, "do not look the bucket up before deploying")
	cmd.Flags().IntVar(&parallelism, "parallelism", 4, "max parallel state writes")
	cmd.Flags().StringSliceVar(&policyPaths, "policy", nil, "extra rego policy files or directories")

	return cmd
}

func confirm(in io.Reader, out io.Writer) bool {
	fmt.Fprint(out, "\nDeploy these changes? Only 'yes' will be accepted: ")
	answer, _ := bufio.NewReader(in).ReadString('\n')
	return strings.TrimSpace(answer) == "yes"
}

func printApplyResult(w io.Writer, result *deploy.ApplyResult) {
	if result == nil || result.Deployment == nil {
		return
	}
	d := result.Deployment
	if result.Check != nil {
		printCheckReport(w, d.StackName, result.Check)
	}
	if result.Bucket != nil && !result.Bucket.ObjectExists && result.Bucket.BucketExists {
		fmt.Fprintf(w, "! Script s3://%s/%s not found; the job will fail when it runs\n", result.Bucket.Bucket, result.Bucket.Key)
	}
	if result.Stack != nil {
		fmt.Fprintf(w, "Stack %s: %s (%s)\n", result.Stack.StackName, result.Stack.State, result.Stack.StackStatus)
		keys := make([]string, 0, len(result.Stack.Outputs))
		for k := range result.Stack.Outputs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(w, "  %s = %s\n", k, result.Stack.Outputs[k])
		}
	}
	if result.Run != nil {
		fmt.Fprintf(w, "Recorded %d resource(s)\n", result.Run.Summary.Succeeded)
	}
	fmt.Fprintf(w, "Deployment %s: %s\n", d.ID, d.Status)
}
