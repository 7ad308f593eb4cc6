package commands

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const basicStackTemplate = `// Stack declaration. Every field has a default; see "glueflow validate".
stack: {
	name:       "CdhelloWorldV2Stack"
	variant:    "basic"
	bucket:     "rodes-bucket-1909001"
	script_key: "cdk-hello-world-v2.py"

	job: name: "MyGlueJob"

	// Daily at 10:00 UTC.
	schedule: {
		minute: "0"
		hour:   "10"
	}
}
`

const catalogStackTemplate = `// Stack declaration. Every field has a default; see "glueflow validate".
stack: {
	name:       "CdhelloWorldV2Stack"
	variant:    "catalog"
	bucket:     "rodes-bucket-1909001"
	script_key: "cdk-hello-world-v2.py"

	job: name: "MyGlueJob"

	schedule: {
		minute: "0"
		hour:   "10"
	}

	catalog: {
		database: "glueflow_database"
		table: name: "glueflow_table"
	}
}
`

func newInitCommand() *cobra.Command {
	var (
		dir     string
		variant string
		force   bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a glueflow workspace",
		Long: `Initialize a workspace with a starter stack declaration and an empty
deployment state database.`,
		Example: `  # Basic variant in the current directory
  glueflow init

  # Catalog variant in ./pipeline
  glueflow init --dir ./pipeline --variant catalog`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var template string
			switch variant {
			case "basic":
				template = basicStackTemplate
			case "catalog":
				template = catalogStackTemplate
			default:
				return fmt.Errorf("unknown variant %q (must be basic or catalog)", variant)
			}

			log.Info().Str("dir", dir).Str("variant", variant).Msg("Initializing workspace")

			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", dir, err)
			}

			stackFile := filepath.Join(dir, "stack.cue")
			if _, err := os.Stat(stackFile); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", stackFile)
			} else if err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
			if err := os.WriteFile(stackFile, []byte(template), 0o644); err != nil {
				return fmt.Errorf("failed to write %s: %w", stackFile, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Wrote %s\n", stackFile)

			if !cmd.Flags().Changed("state") {
				statePath = filepath.Join(dir, defaultStatePath)
			}
			store, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Initialized state database: %s\n", statePath)

			fmt.Fprintf(cmd.OutOrStdout(), "\nNext: glueflow validate -c %s\n", dir)
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", ".", "workspace directory")
	cmd.Flags().StringVar(&variant, "variant", "basic", "stack variant (basic or catalog)")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing stack.cue")

	return cmd
}
