package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/openfroyo/glueflow/pkg/schedule"
	"github.com/openfroyo/glueflow/pkg/stack"
	"github.com/openfroyo/glueflow/pkg/workflow"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCommand("test", "none", "today")
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

// initWorkspace writes a starter declaration and returns its path and the
// state database path.
func initWorkspace(t *testing.T, variant string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	out, err := runCLI(t, "init", "--dir", dir, "--variant", variant)
	if err != nil {
		t.Fatalf("init failed: %v\n%s", err, out)
	}
	return filepath.Join(dir, "stack.cue"), filepath.Join(dir, defaultStatePath)
}

func TestInit_RefusesToOverwrite(t *testing.T) {
	dir := t.TempDir()
	if _, err := runCLI(t, "init", "--dir", dir); err != nil {
		t.Fatalf("first init failed: %v", err)
	}
	if _, err := runCLI(t, "init", "--dir", dir); err == nil {
		t.Fatal("expected second init to fail without --force")
	}
	if _, err := runCLI(t, "init", "--dir", dir, "--force"); err != nil {
		t.Fatalf("init --force failed: %v", err)
	}
	if _, err := runCLI(t, "init", "--dir", dir, "--variant", "lambda"); err == nil {
		t.Fatal("expected unknown variant to fail")
	}
}

func TestValidate_StarterStacks(t *testing.T) {
	for _, variant := range []string{"basic", "catalog"} {
		t.Run(variant, func(t *testing.T) {
			stackFile, statePath := initWorkspace(t, variant)

			out, err := runCLI(t, "validate", "-c", stackFile, "--state", statePath)
			if err != nil {
				t.Fatalf("validate failed: %v\n%s", err, out)
			}
			if !strings.Contains(out, "is valid") {
				t.Errorf("expected a valid report, got:\n%s", out)
			}
		})
	}
}

func TestValidate_PrintConfigWithOverrides(t *testing.T) {
	stackFile, statePath := initWorkspace(t, "basic")
	script := filepath.Join(filepath.Dir(stackFile), "overrides.star")
	if err := os.WriteFile(script, []byte("hour = \"6\"\njob_name = config[\"job\"][\"name\"] + \"-nightly\"\n"), 0o644); err != nil {
		t.Fatalf("failed to write overrides: %v", err)
	}

	out, err := runCLI(t, "validate", "-c", stackFile, "--state", statePath, "--overrides", script, "--print-config")
	if err != nil {
		t.Fatalf("validate failed: %v\n%s", err, out)
	}
	if got := gjson.Get(out, "stack.schedule.hour").String(); got != "6" {
		t.Errorf("expected hour 6 from the override, got %q", got)
	}
	if got := gjson.Get(out, "stack.job.name").String(); got != "MyGlueJob-nightly" {
		t.Errorf("expected the renamed job, got %q", got)
	}
	if got := gjson.Get(out, "stack.schedule.minute").String(); got != "0" {
		t.Errorf("expected the declared minute to survive, got %q", got)
	}
}

func TestSynth_RendersTemplate(t *testing.T) {
	stackFile, _ := initWorkspace(t, "catalog")

	out, err := runCLI(t, "synth", "-c", stackFile)
	if err != nil {
		t.Fatalf("synth failed: %v\n%s", err, out)
	}

	var tmpl struct {
		Resources map[string]json.RawMessage `json:"Resources"`
	}
	if err := json.Unmarshal([]byte(out), &tmpl); err != nil {
		t.Fatalf("synth output is not JSON: %v", err)
	}
	if len(tmpl.Resources) == 0 {
		t.Fatal("expected resources in the template")
	}
	if !strings.Contains(out, "MyGlueJob") {
		t.Error("expected the job name in the template")
	}
}

func TestScheduleNext(t *testing.T) {
	stackFile, _ := initWorkspace(t, "basic")

	out, err := runCLI(t, "schedule", "next", "-c", stackFile, "--count", "3", "--json")
	if err != nil {
		t.Fatalf("schedule next failed: %v\n%s", err, out)
	}

	var ticks []time.Time
	if err := json.Unmarshal([]byte(out), &ticks); err != nil {
		t.Fatalf("failed to decode ticks: %v", err)
	}
	if len(ticks) != 3 {
		t.Fatalf("expected 3 ticks, got %d", len(ticks))
	}
	for i, tick := range ticks {
		if tick.Hour() != 10 || tick.Minute() != 0 {
			t.Errorf("tick %d: expected 10:00 UTC, got %s", i, tick)
		}
		if i > 0 && tick.Sub(ticks[i-1]) != 24*time.Hour {
			t.Errorf("tick %d: expected daily spacing, got %s", i, tick.Sub(ticks[i-1]))
		}
	}
}

func TestScheduleSimulate_ReportsOverlap(t *testing.T) {
	stackFile, _ := initWorkspace(t, "basic")

	out, err := runCLI(t, "schedule", "simulate", "-c", stackFile, "--json",
		"--from", "2024-01-01T00:00:00Z", "--to", "2024-01-04T00:00:00Z", "--duration", "36h")
	if err != nil {
		t.Fatalf("schedule simulate failed: %v\n%s", err, out)
	}

	var sim schedule.Simulation
	if err := json.Unmarshal([]byte(out), &sim); err != nil {
		t.Fatalf("failed to decode simulation: %v", err)
	}
	if len(sim.Invocations) != 3 {
		t.Fatalf("expected 3 invocations, got %d", len(sim.Invocations))
	}
	if sim.Overlapping != 2 || sim.MaxConcurrent != 2 {
		t.Errorf("expected 2 overlapping and 2 at once, got %d and %d", sim.Overlapping, sim.MaxConcurrent)
	}

	if _, err := runCLI(t, "schedule", "simulate", "-c", stackFile,
		"--from", "2024-01-04T00:00:00Z", "--to", "2024-01-01T00:00:00Z"); err == nil {
		t.Error("expected an inverted window to fail")
	}
}

func TestRunLocal(t *testing.T) {
	stackFile, _ := initWorkspace(t, "basic")

	out, err := runCLI(t, "run", "-c", stackFile, "--local", "--json", "--input", `{"source":"manual"}`)
	if err != nil {
		t.Fatalf("run failed: %v\n%s", err, out)
	}

	var exec workflow.Execution
	if err := json.Unmarshal([]byte(out), &exec); err != nil {
		t.Fatalf("failed to decode execution: %v", err)
	}
	if exec.Status != workflow.StatusSucceeded {
		t.Fatalf("expected SUCCEEDED, got %s (%s: %s)", exec.Status, exec.Error, exec.Cause)
	}
	runID := jobRunID(exec.Output, stack.DefaultResultPath)
	if !strings.HasPrefix(runID, "jr_local_") {
		t.Errorf("expected a local run id, got %q in %s", runID, exec.Output)
	}
	if gjson.GetBytes(exec.Output, "source").String() != "manual" {
		t.Errorf("expected the input to be kept, got %s", exec.Output)
	}
}

func TestJobRunID(t *testing.T) {
	output := []byte(`{"source":"schedule","glueJobRunId":{"JobRunId":"jr_0123"}}`)

	if got := jobRunID(output, "$.glueJobRunId"); got != "jr_0123" {
		t.Errorf("expected jr_0123, got %q", got)
	}
	if got := jobRunID([]byte(`{"JobRunId":"jr_root"}`), "$"); got != "jr_root" {
		t.Errorf("expected jr_root, got %q", got)
	}
	if got := jobRunID(output, "$.missing"); got != "" {
		t.Errorf("expected no run id, got %q", got)
	}
}

func TestScheduledEventInput(t *testing.T) {
	s, err := stack.Build(stack.DefaultParams())
	if err != nil {
		t.Fatalf("failed to build stack: %v", err)
	}
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	data, err := scheduledEventInput(s, at)
	if err != nil {
		t.Fatalf("scheduledEventInput failed: %v", err)
	}
	var event map[string]interface{}
	if err := json.Unmarshal(data, &event); err != nil {
		t.Fatalf("event is not JSON: %v", err)
	}
	if event["detail-type"] != "Scheduled Event" || event["source"] != "aws.events" {
		t.Errorf("unexpected event header: %v", event)
	}
	if event["time"] != "2024-05-01T10:00:00Z" {
		t.Errorf("expected the tick time, got %v", event["time"])
	}
	if _, ok := event["account"]; ok {
		t.Error("expected no account for an unpinned stack")
	}
	resources, ok := event["resources"].([]interface{})
	if !ok || len(resources) != 1 || resources[0] != s.RuleARN() {
		t.Errorf("expected the rule ARN as the only resource, got %v", event["resources"])
	}
	if detail, ok := event["detail"].(map[string]interface{}); !ok || len(detail) != 0 {
		t.Errorf("expected an empty detail object, got %v", event["detail"])
	}

	p := stack.DefaultParams()
	p.Account, p.Region = "123456789012", "us-east-1"
	pinned, err := stack.Build(p)
	if err != nil {
		t.Fatalf("failed to build stack: %v", err)
	}
	data, err = scheduledEventInput(pinned, at)
	if err != nil {
		t.Fatalf("scheduledEventInput failed: %v", err)
	}
	want := "arn:aws:events:us-east-1:123456789012:rule/CdhelloWorldV2Stack-GlueJobSchedule"
	if got := gjson.GetBytes(data, "resources.0").String(); got != want {
		t.Errorf("expected resource %s, got %s", want, got)
	}
	if gjson.GetBytes(data, "account").String() != "123456789012" || gjson.GetBytes(data, "region").String() != "us-east-1" {
		t.Errorf("expected pinned account and region, got %s", data)
	}
}

func TestLocalStarter(t *testing.T) {
	starter := localStarter{logger: zerolog.Nop()}
	a, err := starter.StartJobRun(context.Background(), "MyGlueJob", nil)
	if err != nil {
		t.Fatalf("StartJobRun failed: %v", err)
	}
	b, _ := starter.StartJobRun(context.Background(), "MyGlueJob", nil)
	if a == b {
		t.Error("expected distinct run ids")
	}
}

func TestRelevantFile(t *testing.T) {
	for name, want := range map[string]bool{
		"stack.cue":       true,
		"overrides.star":  true,
		"policy.rego":     false,
		"stack.cue.swp":   false,
		".glueflow/state": false,
	} {
		if got := relevantFile(name); got != want {
			t.Errorf("relevantFile(%q) = %v, want %v", name, got, want)
		}
	}
}
