package commands

import (
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/openfroyo/glueflow/pkg/deploy"
	"github.com/openfroyo/glueflow/pkg/engine"
	"github.com/openfroyo/glueflow/pkg/policy"
)

func newPlanCommand() *cobra.Command {
	var policyPaths []string

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show what a deployment would change",
		Long: `Diff the stack against the state recorded by its last deployment.

Each declared resource is planned as create, update, recreate (its physical
identity changed) or unchanged. Resources recorded but no longer declared are
planned for deletion. The looked-up bucket is never changed.`,
		Example: `  # Plan against the default state database
  glueflow plan

  # Plan against another state database, as JSON
  glueflow plan --state ./prod.db --json`,
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
			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			policies, err := newPolicyEngine(ctx, tel.Logger.Zerolog(), append(loaded.Config.PolicyPaths, policyPaths...))
			if err != nil {
				return err
			}
			svc := deploy.NewService(store, policies, tel)

			plan, err := svc.Plan(ctx, loaded.Stack, loaded.Source)
			if err != nil {
				return err
			}
			planPolicy, err := policies.EvaluatePlan(ctx, plan)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), struct {
					Plan   *engine.Plan         `json:"plan"`
					Policy *engine.PolicyResult `json:"policy"`
				}{plan, planPolicy})
			}
			printPlan(cmd.OutOrStdout(), plan)
			for _, v := range planPolicy.Violations {
				fmt.Fprintf(cmd.OutOrStdout(), "! [%s] %s: %s\n", v.Severity, v.Policy, v.Message)
			}
			if blocking := policy.Blocking(planPolicy); len(blocking) > 0 {
				return fmt.Errorf("plan denied by %d policy violation(s)", len(blocking))
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&policyPaths, "policy", nil, "extra rego policy files or directories")

	return cmd
}

var operationSymbols = map[engine.OperationType]string{
	engine.OperationCreate:   "+",
	engine.OperationUpdate:   "~",
	engine.OperationRecreate: "-/+",
	engine.OperationDelete:   "-",
}

func printPlan(w io.Writer, plan *engine.Plan) {
	fmt.Fprintf(w, "Plan for stack %s\n\n", plan.StackName)
	if !plan.HasChanges() {
		fmt.Fprintln(w, "No changes. The recorded state matches the declaration.")
		return
	}

	for level := 0; plan.Graph != nil && level < plan.Graph.Depth; level++ {
		var units []*engine.PlanUnit
		for i := range plan.Units {
			if node, ok := plan.Graph.Nodes[plan.Units[i].ID]; ok && node.Level == level {
				units = append(units, &plan.Units[i])
			}
		}
		sort.Slice(units, func(a, b int) bool { return units[a].ResourceID < units[b].ResourceID })

		for _, unit := range units {
			fmt.Fprintf(w, "  %-3s %s (%s) [level %d]\n", operationSymbols[unit.Operation], unit.ResourceID, unit.Kind, level)
			for _, c := range unit.Changes {
				fmt.Fprintf(w, "        %s %s\n", c.Action, c.Path)
			}
		}
	}

	s := plan.Summary
	fmt.Fprintf(w, "\nPlan: %d to create, %d to update, %d to recreate, %d to delete, %d unchanged.\n",
		s.ToCreate, s.ToUpdate, s.ToRecreate, s.ToDelete, s.NoChange)
}
