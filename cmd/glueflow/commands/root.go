package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPaths   []string
	overridesPath string
	statePath     string
	verbose       bool
	jsonOutput    bool

	// AWS flags
	awsRegion   string
	awsProfile  string
	awsEndpoint string

	buildVersion = "dev"
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	buildVersion = version

	rootCmd := &cobra.Command{
		Use:   "glueflow",
		Short: "glueflow - scheduled ETL pipeline stacks",
		Long: `glueflow declares, checks, plans and deploys a scheduled ETL pipeline:
a managed job, the workflow that starts it and the cron rule that fires the
workflow, with an optional catalog database, table and network connection.

Features:
  - Typed stack declaration via CUE
  - Starlark override scripts
  - Permission and graph policies in rego
  - Plans diffed against the last deployment
  - Single-transaction deployment of the rendered template
  - Local schedule simulation and workflow execution`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringSliceVarP(&configPaths, "config", "c", []string{"."}, "CUE files or directories declaring the stack")
	rootCmd.PersistentFlags().StringVar(&overridesPath, "overrides", "", "Starlark script overriding stack fields")
	rootCmd.PersistentFlags().StringVar(&statePath, "state", defaultStatePath, "deployment state database")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.PersistentFlags().StringVar(&awsRegion, "region", "", "AWS region (defaults to the shared configuration)")
	rootCmd.PersistentFlags().StringVar(&awsProfile, "profile", "", "AWS shared configuration profile")
	rootCmd.PersistentFlags().StringVar(&awsEndpoint, "endpoint", "", "override the AWS endpoint, e.g. for a local emulator")

	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newSynthCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newApplyCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newScheduleCommand())
	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newDevCommand())

	return rootCmd
}
