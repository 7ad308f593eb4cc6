package commands

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newHistoryCommand() *cobra.Command {
	var (
		stackName string
		limit     int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show deployment history",
		Long: `Show the recorded deployments of a stack, the timeline of one deployment,
or the audit log.`,
		Example: `  # Recent deployments of the declared stack
  glueflow history

  # Timeline of one deployment
  glueflow history events 3f0c...

  # Audit log of a named stack
  glueflow history audit --stack CdhelloWorldV2Stack`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			name, err := historyStackName(cmd, stackName)
			if err != nil {
				return err
			}
			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			deployments, err := store.ListDeployments(ctx, name, limit)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), deployments)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTATUS\tVARIANT\tCHANGES\tSTARTED\tDURATION")
			for _, d := range deployments {
				changes := d.Summary.ToCreate + d.Summary.ToUpdate + d.Summary.ToRecreate + d.Summary.ToDelete
				duration := "-"
				if d.CompletedAt != nil {
					duration = d.CompletedAt.Sub(d.StartedAt).Round(time.Millisecond).String()
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
					d.ID, d.Status, d.Variant, changes, d.StartedAt.Format(time.RFC3339), duration)
			}
			return tw.Flush()
		},
	}

	cmd.PersistentFlags().StringVar(&stackName, "stack", "", "stack name (defaults to the declared stack)")
	cmd.PersistentFlags().IntVar(&limit, "limit", 20, "maximum number of entries")

	cmd.AddCommand(newHistoryEventsCommand())
	cmd.AddCommand(newHistoryAuditCommand(&stackName, &limit))

	return cmd
}

func newHistoryEventsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "events <deployment-id>",
		Short: "Show the timeline of a deployment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			events, err := store.ListEvents(ctx, args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), events)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tLEVEL\tTYPE\tRESOURCE\tMESSAGE")
			for _, e := range events {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					e.Timestamp.Format(time.RFC3339), e.Level, e.Type, e.ResourceID, e.Message)
			}
			return tw.Flush()
		},
	}
}

func newHistoryAuditCommand(stackName *string, limit *int) *cobra.Command {
	return &cobra.Command{
		Use:   "audit",
		Short: "Show the audit log",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			name, err := historyStackName(cmd, *stackName)
			if err != nil {
				return err
			}
			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			entries, err := store.ListAuditEntries(ctx, name, *limit)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), entries)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tACTOR\tACTION\tRESULT\tDEPLOYMENT")
			for _, a := range entries {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%v\n",
					a.Timestamp.Format(time.RFC3339), a.Actor, a.Action, a.Result, a.Details["deployment_id"])
			}
			return tw.Flush()
		},
	}
}

func historyStackName(cmd *cobra.Command, explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	loaded, err := loadStack(cmd.Context())
	if err != nil {
		return "", fmt.Errorf("no --stack given and %w", err)
	}
	return loaded.Stack.Name, nil
}
