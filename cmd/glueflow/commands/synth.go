package commands

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/glueflow/pkg/synth"
)

func newSynthCommand() *cobra.Command {
	var (
		format  string
		outFile string
	)

	cmd := &cobra.Command{
		Use:   "synth",
		Short: "Render the deployment template",
		Long: `Render the stack as a CloudFormation template. The stack must be valid.

The template contains the job role, the job, the workflow and its role, the
schedule rule and its role, and for the catalog variant the database, table
and connection. The bucket is referenced by name and never declared.`,
		Example: `  # Print the template as JSON
  glueflow synth

  # Write YAML to a file
  glueflow synth --format yaml --out template.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := loadStack(cmd.Context())
			if err != nil {
				return err
			}

			tmpl, err := synth.Synthesize(loaded.Stack)
			if err != nil {
				return err
			}
			out, err := tmpl.Render(format)
			if err != nil {
				return err
			}

			if outFile == "" {
				_, err = cmd.OutOrStdout().Write(out)
				return err
			}
			if err := os.WriteFile(outFile, out, 0o644); err != nil {
				return fmt.Errorf("failed to write template: %w", err)
			}
			log.Info().
				Str("stack", loaded.Stack.Name).
				Str("file", outFile).
				Int("resources", len(tmpl.ResourceIDs())).
				Msg("Template written")
			return nil
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "json", "template format (json or yaml)")
	cmd.Flags().StringVarP(&outFile, "out", "o", "", "write the template to a file instead of stdout")

	return cmd
}
