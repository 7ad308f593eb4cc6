package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/openfroyo/glueflow/pkg/deploy"
	"github.com/openfroyo/glueflow/pkg/policy"
	"github.com/openfroyo/glueflow/pkg/synth"
)

const devDebounce = 300 * time.Millisecond

func newDevCommand() *cobra.Command {
	var (
		outFile     string
		format      string
		policyPaths []string
	)

	cmd := &cobra.Command{
		Use:   "dev",
		Short: "Re-check and re-render on every change",
		Long: `Watch the configuration, override script and policy files. On every change
the stack is loaded, validated and checked against the policies, and when it
is valid the template is rendered to --out.`,
		Example: `  # Watch the current directory
  glueflow dev

  # Keep template.yaml up to date while editing
  glueflow dev --out template.yaml --format yaml --policy ./policies`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			tel, err := newTelemetry()
			if err != nil {
				return err
			}
			logger := tel.Logger.NewComponentLogger("dev").Zerolog()

			policies, err := newPolicyEngine(ctx, tel.Logger.Zerolog(), policyPaths)
			if err != nil {
				return err
			}

			d := &devLoop{
				out:      cmd.OutOrStdout(),
				outFile:  outFile,
				format:   format,
				policies: policies,
				logger:   logger,
			}
			d.check(ctx)

			watcher, err := fsnotify.NewWatcher()
			if err != nil {
				return fmt.Errorf("failed to create watcher: %w", err)
			}
			defer watcher.Close()

			watched := append([]string{}, configPaths...)
			if overridesPath != "" {
				watched = append(watched, overridesPath)
			}
			for _, path := range watched {
				if err := addWatch(watcher, path); err != nil {
					logger.Warn().Err(err).Str("path", path).Msg("Failed to watch path")
				}
			}

			if len(policyPaths) > 0 {
				loader := policy.NewLoader(tel.Logger.Zerolog())
				err := loader.Watch(ctx, policyPaths, func(loadedPolicies []policy.Policy) error {
					if err := policies.ReloadPolicies(ctx, loadedPolicies); err != nil {
						return err
					}
					d.check(ctx)
					return nil
				})
				if err != nil {
					return err
				}
				defer loader.StopWatching()
			}

			logger.Info().Strs("paths", watched).Msg("Watching for changes")
			return d.run(ctx, watcher)
		},
	}

	cmd.Flags().StringVarP(&outFile, "out", "o", "", "render the template to this file on every valid change")
	cmd.Flags().StringVarP(&format, "format", "f", "json", "template format (json or yaml)")
	cmd.Flags().StringSliceVar(&policyPaths, "policy", nil, "extra rego policy files or directories to watch")

	return cmd
}

func addWatch(watcher *fsnotify.Watcher, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		// Editors replace files; watch the directory and filter by name.
		return watcher.Add(filepath.Dir(path))
	}
	return filepath.WalkDir(path, func(p string, entry os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			if entry.Name() != "." && strings.HasPrefix(entry.Name(), ".") {
				return filepath.SkipDir
			}
			return watcher.Add(p)
		}
		return nil
	})
}

type devLoop struct {
	out      io.Writer
	outFile  string
	format   string
	policies *policy.Engine
	logger   zerolog.Logger

	mu sync.Mutex
}

func (d *devLoop) run(ctx context.Context, watcher *fsnotify.Watcher) error {
	var timer *time.Timer
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 || !relevantFile(event.Name) {
				continue
			}
			d.logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("Configuration changed")
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(devDebounce, func() { d.check(ctx) })

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			d.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

func relevantFile(name string) bool {
	switch filepath.Ext(name) {
	case ".cue", ".star":
		return true
	}
	return false
}

// check loads, validates and renders the stack once.
func (d *devLoop) check(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()

	fmt.Fprintf(d.out, "\n[%s] ", time.Now().Format("15:04:05"))
	loaded, err := loadStack(ctx)
	if err != nil {
		fmt.Fprintf(d.out, "✗ %v\n", err)
		return
	}
	result, err := d.policies.EvaluateStack(ctx, loaded.Stack)
	if err != nil {
		fmt.Fprintf(d.out, "✗ %v\n", err)
		return
	}
	report := &deploy.CheckReport{Problems: loaded.Stack.Problems(), Policy: result}
	printCheckReport(d.out, loaded.Stack.Name, report)
	if !report.OK() || d.outFile == "" {
		return
	}

	tmpl, err := synth.Synthesize(loaded.Stack)
	if err != nil {
		fmt.Fprintf(d.out, "✗ %v\n", err)
		return
	}
	body, err := tmpl.Render(d.format)
	if err != nil {
		fmt.Fprintf(d.out, "✗ %v\n", err)
		return
	}
	if err := os.WriteFile(d.outFile, body, 0o644); err != nil {
		fmt.Fprintf(d.out, "✗ %v\n", err)
		return
	}
	fmt.Fprintf(d.out, "✓ Rendered %d resources to %s\n", len(tmpl.ResourceIDs()), d.outFile)
}
