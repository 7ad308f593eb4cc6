package config

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/openfroyo/glueflow/pkg/stack"
)

func writeConfig(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func parseInline(t *testing.T, content string) *ParsedConfig {
	t.Helper()
	parsed, err := NewCUEParser().ParseInline(context.Background(), content)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return parsed
}

func TestCUEParser_ParseInline_Defaults(t *testing.T) {
	parsed := parseInline(t, `stack: {}`)
	if len(parsed.Errors) > 0 {
		t.Fatalf("unexpected errors: %v", parsed.Errors)
	}

	cfg := parsed.Stack
	if cfg.Name != "CdhelloWorldV2Stack" || cfg.Variant != "basic" {
		t.Errorf("unexpected stack identity %s/%s", cfg.Name, cfg.Variant)
	}
	if cfg.Job.Name != "MyGlueJob" || cfg.Job.GlueVersion != "3.0" || cfg.Job.PythonVersion != "3" {
		t.Errorf("unexpected job defaults: %+v", cfg.Job)
	}
	if cfg.Schedule.Minute != "0" || cfg.Schedule.Hour != "10" {
		t.Errorf("unexpected schedule defaults: %+v", cfg.Schedule)
	}
	if cfg.Catalog != nil {
		t.Errorf("expected no catalog block, got %+v", cfg.Catalog)
	}

	if got := cfg.Params(); !reflect.DeepEqual(got, stack.DefaultParams()) {
		t.Errorf("expected default params, got %+v", got)
	}
}

func TestCUEParser_ParseInline_Catalog(t *testing.T) {
	parsed := parseInline(t, `
stack: {
	variant: "catalog"
	catalog: {}
}
`)
	if len(parsed.Errors) > 0 {
		t.Fatalf("unexpected errors: %v", parsed.Errors)
	}
	if got := parsed.Stack.Params(); !reflect.DeepEqual(got, stack.CatalogParams()) {
		t.Errorf("expected catalog params, got %+v", got)
	}

	s, err := parsed.Stack.Stack()
	if err != nil {
		t.Fatalf("failed to build stack: %v", err)
	}
	if err := s.Validate(); err != nil {
		t.Errorf("expected a valid stack, got %v", err)
	}
}

func TestCUEParser_ParseInline_Overrides(t *testing.T) {
	parsed := parseInline(t, `
stack: {
	name:    "NightlyStack"
	account: "123456789012"
	region:  "eu-west-1"
	job: name: "nightly-etl"
	schedule: {minute: "30", hour: "2"}
	catalog: table: columns: [{name: "id", type: "bigint"}]
	variant: "catalog"
}
`)
	if len(parsed.Errors) > 0 {
		t.Fatalf("unexpected errors: %v", parsed.Errors)
	}

	p := parsed.Stack.Params()
	if p.StackName != "NightlyStack" || p.JobName != "nightly-etl" {
		t.Errorf("unexpected names %s/%s", p.StackName, p.JobName)
	}
	if p.Account != "123456789012" || p.Region != "eu-west-1" {
		t.Errorf("unexpected target %s/%s", p.Account, p.Region)
	}
	if stack.ScheduleExpression(p.Minute, p.Hour) != "cron(30 2 * * ? *)" {
		t.Errorf("unexpected schedule %s %s", p.Minute, p.Hour)
	}
	if len(p.Table.Columns) != 1 || p.Table.Columns[0].Type != "bigint" {
		t.Errorf("unexpected columns %+v", p.Table.Columns)
	}
	if p.Table.Name != "glueflow_table" {
		t.Errorf("expected default table name, got %s", p.Table.Name)
	}
}

func TestCUEParser_ParseInline_Rejects(t *testing.T) {
	tests := map[string]string{
		"unknown field":   `stack: colour: "red"`,
		"bad variant":     `stack: variant: "huge"`,
		"short account":   `stack: account: "1234"`,
		"bad region":      `stack: region: "mars"`,
		"bad bucket":      `stack: bucket: "Upper_Case"`,
		"python version":  `stack: job: python_version: "4"`,
		"workflow type":   `stack: workflow: type: "BATCH"`,
		"empty columns":   `stack: {variant: "catalog", catalog: table: columns: []}`,
		"bad column name": `stack: {variant: "catalog", catalog: table: columns: [{name: "1st", type: "int"}]}`,
		"no stack":        `other: {}`,
		"syntax":          `stack: {`,
	}

	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			parsed := parseInline(t, content)
			if len(parsed.Errors) == 0 {
				t.Errorf("expected errors, got config %+v", parsed.Stack)
			}
			if parsed.Stack != nil {
				t.Errorf("expected no config alongside errors")
			}
		})
	}
}

func TestCUEParser_ParseFiles_Unify(t *testing.T) {
	dir := t.TempDir()
	a := writeConfig(t, dir, "stack.cue", `stack: variant: "catalog"`)
	b := writeConfig(t, dir, "schedule.cue", `stack: schedule: hour: "6"`)

	parsed, err := NewCUEParser().Parse(context.Background(), []string{a, b})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(parsed.Errors) > 0 {
		t.Fatalf("unexpected errors: %v", parsed.Errors)
	}
	if parsed.Stack.Variant != "catalog" || parsed.Stack.Schedule.Hour != "6" {
		t.Errorf("expected both files to contribute, got %+v", parsed.Stack)
	}
	if len(parsed.SourceFiles) != 2 {
		t.Errorf("expected 2 source files, got %v", parsed.SourceFiles)
	}

	c := writeConfig(t, dir, "conflict.cue", `stack: schedule: hour: "7"`)
	parsed, err = NewCUEParser().Parse(context.Background(), []string{b, c})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(parsed.Errors) == 0 {
		t.Errorf("expected conflicting hours to be reported")
	}
}

func TestCUEParser_Parse_MissingSource(t *testing.T) {
	if _, err := NewCUEParser().Parse(context.Background(), nil); err == nil {
		t.Error("expected error for no sources")
	}
	if _, err := NewCUEParser().Parse(context.Background(), []string{"/nonexistent/stack.cue"}); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestCUEParser_Load(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir, "stack.cue", `stack: {variant: "catalog", catalog: {}}`)
	script := writeConfig(t, dir, "overrides.star", `
hour = "6" if config["variant"] == "catalog" else config["schedule"]["hour"]
minute = 15
database = "analytics"
`)

	cfg, err := NewCUEParser().Load(context.Background(), []string{cfgPath}, script)
	if err != nil {
		t.Fatalf("failed to load: %v", err)
	}
	if cfg.Schedule.Hour != "6" || cfg.Schedule.Minute != "15" {
		t.Errorf("expected overridden schedule, got %+v", cfg.Schedule)
	}
	if cfg.Catalog == nil || cfg.Catalog.Database != "analytics" {
		t.Errorf("expected overridden database, got %+v", cfg.Catalog)
	}
}

func TestCUEParser_Load_RejectsUnknownOverride(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir, "stack.cue", `stack: {}`)
	script := writeConfig(t, dir, "overrides.star", "hours = \"6\"\n")

	_, err := NewCUEParser().Load(context.Background(), []string{cfgPath}, script)
	if err == nil || !strings.Contains(err.Error(), "unknown overrides: hours") {
		t.Errorf("expected unknown override error, got %v", err)
	}
}

func TestCUEParser_Load_ValidatesAfterOverrides(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir, "stack.cue", `stack: {}`)

	script := writeConfig(t, dir, "bad-variant.star", "variant = \"huge\"\n")
	if _, err := NewCUEParser().Load(context.Background(), []string{cfgPath}, script); err == nil {
		t.Error("expected validator to reject overridden variant")
	}

	script = writeConfig(t, dir, "empty-job.star", "job_name = \"\"\n")
	if _, err := NewCUEParser().Load(context.Background(), []string{cfgPath}, script); err == nil {
		t.Error("expected validator to reject empty job name")
	}

	// passes the struct validator, fails the #Stack pattern
	script = writeConfig(t, dir, "spaced-job.star", "job_name = \"my job\"\n")
	_, err := NewCUEParser().Load(context.Background(), []string{cfgPath}, script)
	if err == nil || !strings.Contains(err.Error(), "spaced-job.star") {
		t.Errorf("expected the schema to reject the overridden job name, got %v", err)
	}
}

func TestCUEParser_Validate_CatalogOnBasic(t *testing.T) {
	parsed := parseInline(t, `stack: catalog: {}`)
	if len(parsed.Errors) > 0 {
		t.Fatalf("unexpected errors: %v", parsed.Errors)
	}
	if err := NewCUEParser().Validate(context.Background(), parsed.Stack); err == nil {
		t.Error("expected catalog settings on the basic variant to be rejected")
	}
}

func TestExportJSON(t *testing.T) {
	parsed := parseInline(t, `stack: {}`)
	data, err := ExportJSON(parsed.Stack)
	if err != nil {
		t.Fatalf("failed to export: %v", err)
	}
	if !strings.Contains(string(data), `"script_key": "cdk-hello-world-v2.py"`) {
		t.Errorf("unexpected export: %s", data)
	}
}
