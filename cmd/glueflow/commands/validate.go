package commands

import (
	"fmt"
	"io"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/glueflow/pkg/config"
	"github.com/openfroyo/glueflow/pkg/deploy"
	"github.com/openfroyo/glueflow/pkg/policy"
)

func newValidateCommand() *cobra.Command {
	var (
		policyPaths []string
		printConfig bool
	)

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the stack declaration",
		Long: `Validate the stack declaration against its schema, the graph invariants
and the policies.

This command checks:
  - CUE syntax and schema conformance
  - Role, workflow grant, rule target and catalog invariants
  - Policy compliance (OPA/rego), built-in and --policy files`,
		Example: `  # Validate configs in the current directory
  glueflow validate

  # Validate a specific file with extra policies
  glueflow validate -c ./stack.cue --policy ./policies

  # Show the declaration after the override script ran
  glueflow validate --overrides ./overrides.star --print-config`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			tel, err := newTelemetry()
			if err != nil {
				return err
			}

			loaded, err := loadStack(ctx)
			if err != nil {
				return err
			}
			log.Info().Str("stack", loaded.Stack.Name).Str("variant", string(loaded.Stack.Variant)).Msg("Validating stack")

			if printConfig {
				data, err := config.ExportJSON(loaded.Config)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
				return err
			}

			policies, err := newPolicyEngine(ctx, tel.Logger.Zerolog(), append(loaded.Config.PolicyPaths, policyPaths...))
			if err != nil {
				return err
			}
			result, err := policies.EvaluateStack(ctx, loaded.Stack)
			if err != nil {
				return err
			}
			report := &deploy.CheckReport{Problems: loaded.Stack.Problems(), Policy: result}
			for _, v := range result.Violations {
				tel.Metrics.RecordPolicyViolation(v.Policy, v.Severity)
			}

			if jsonOutput {
				if err := printJSON(cmd.OutOrStdout(), report); err != nil {
					return err
				}
			} else {
				printCheckReport(cmd.OutOrStdout(), loaded.Stack.Name, report)
			}
			return report.Err()
		},
	}

	cmd.Flags().StringSliceVar(&policyPaths, "policy", nil, "extra rego policy files or directories")
	cmd.Flags().BoolVar(&printConfig, "print-config", false, "print the resolved declaration, overrides applied, and exit")

	return cmd
}

func printCheckReport(w io.Writer, stackName string, report *deploy.CheckReport) {
	for _, p := range report.Problems {
		fmt.Fprintf(w, "✗ %s\n", p)
	}
	if report.Policy != nil {
		for _, v := range report.Policy.Violations {
			mark := "!"
			if policy.Severity(v.Severity).Blocking() {
				mark = "✗"
			}
			fmt.Fprintf(w, "%s [%s] %s: %s\n", mark, v.Severity, v.Policy, v.Message)
		}
	}
	if report.OK() {
		fmt.Fprintf(w, "✓ Stack %s is valid\n", stackName)
	}
}
