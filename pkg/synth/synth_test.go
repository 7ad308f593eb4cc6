package synth

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/openfroyo/glueflow/pkg/stack"
	"github.com/openfroyo/glueflow/pkg/workflow"
)

func synthesize(t *testing.T, p stack.Params) *Template {
	t.Helper()
	s, err := stack.Build(p)
	if err != nil {
		t.Fatalf("Expected no error building stack, got: %v", err)
	}
	tpl, err := Synthesize(s)
	if err != nil {
		t.Fatalf("Expected no error synthesizing, got: %v", err)
	}
	return tpl
}

func decode(t *testing.T, tpl *Template) map[string]interface{} {
	t.Helper()
	data, err := tpl.JSON()
	if err != nil {
		t.Fatalf("Expected no error rendering, got: %v", err)
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("Expected valid JSON, got: %v", err)
	}
	return doc
}

func dig(doc interface{}, path ...string) interface{} {
	cur := doc
	for _, p := range path {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil
		}
		cur = m[p]
	}
	return cur
}

func TestSynthesize_BasicResources(t *testing.T) {
	tpl := synthesize(t, stack.DefaultParams())

	want := map[string]string{
		stack.IDRole:             "AWS::IAM::Role",
		stack.IDJob:              "AWS::Glue::Job",
		stack.IDStateMachineRole: "AWS::IAM::Role",
		stack.IDStateMachine:     "AWS::StepFunctions::StateMachine",
		stack.IDRuleRole:         "AWS::IAM::Role",
		stack.IDRule:             "AWS::Events::Rule",
	}
	if len(tpl.Resources) != len(want) {
		t.Fatalf("Expected %d resources, got %v", len(want), tpl.ResourceIDs())
	}
	for id, typ := range want {
		if tpl.Resources[id].Type != typ {
			t.Errorf("Expected %s to be %s, got %q", id, typ, tpl.Resources[id].Type)
		}
	}
	if _, ok := tpl.Resources[stack.IDBucket]; ok {
		t.Errorf("Expected the looked-up bucket not to be created")
	}
}

func TestSynthesize_JobAndSchedule(t *testing.T) {
	doc := decode(t, synthesize(t, stack.DefaultParams()))
	res := dig(doc, "Resources")

	if got := dig(res, stack.IDJob, "Properties", "Command", "ScriptLocation"); got != "s3://rodes-bucket-1909001/cdk-hello-world-v2.py" {
		t.Errorf("Unexpected script location %v", got)
	}
	if got := dig(res, stack.IDJob, "Properties", "Name"); got != "MyGlueJob" {
		t.Errorf("Unexpected job name %v", got)
	}
	if got := dig(res, stack.IDRule, "Properties", "ScheduleExpression"); got != "cron(0 10 * * ? *)" {
		t.Errorf("Unexpected schedule %v", got)
	}

	targets, _ := dig(res, stack.IDRule, "Properties", "Targets").([]interface{})
	if len(targets) != 1 {
		t.Fatalf("Expected exactly one target, got %v", targets)
	}
	if ref := dig(targets[0], "Arn", "Ref"); ref != stack.IDStateMachine {
		t.Errorf("Expected target Ref %s, got %v", stack.IDStateMachine, ref)
	}
}

func TestSynthesize_StateMachineDefinition(t *testing.T) {
	tpl := synthesize(t, stack.DefaultParams())
	sm := tpl.Resources[stack.IDStateMachine]

	if sm.Properties["StateMachineType"] != "EXPRESS" {
		t.Errorf("Expected EXPRESS, got %v", sm.Properties["StateMachineType"])
	}
	body, _ := sm.Properties["DefinitionString"].(string)
	def, err := workflow.Parse([]byte(body))
	if err != nil {
		t.Fatalf("Expected parseable definition, got: %v", err)
	}
	st := def.States[def.StartAt]
	if def.StartAt != "Start Glue Job" || !st.End || st.Resource != workflow.StartJobRunResource {
		t.Errorf("Unexpected definition %s", body)
	}
	if st.ResultPath != "$.glueJobRunId" || st.Parameters["JobName"] != "MyGlueJob" {
		t.Errorf("Unexpected task parameters %+v", st)
	}
}

func TestSynthesize_TokensBecomeSub(t *testing.T) {
	doc := decode(t, synthesize(t, stack.DefaultParams()))

	statements, _ := dig(doc, "Resources", stack.IDStateMachineRole, "Properties").(map[string]interface{})["Policies"].([]interface{})
	if len(statements) != 1 {
		t.Fatalf("Expected one inline policy, got %v", statements)
	}
	stmts, _ := dig(statements[0], "PolicyDocument", "Statement").([]interface{})
	resources, _ := dig(stmts[0], "Resource").([]interface{})
	if len(resources) != 1 {
		t.Fatalf("Expected one grant resource, got %v", resources)
	}
	if sub := dig(resources[0], "Fn::Sub"); sub != "arn:aws:glue:${AWS::Region}:${AWS::AccountId}:job/MyGlueJob" {
		t.Errorf("Expected Fn::Sub job ARN, got %v", resources[0])
	}
}

func TestSynthesize_PinnedAccountHasNoSub(t *testing.T) {
	p := stack.DefaultParams()
	p.Account = "123456789012"
	p.Region = "eu-west-1"

	data, err := synthesize(t, p).JSON()
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if bytes.Contains(data, []byte("Fn::Sub")) {
		t.Errorf("Expected no Fn::Sub with pinned account and region")
	}
	if !bytes.Contains(data, []byte("arn:aws:logs:eu-west-1:123456789012:*")) {
		t.Errorf("Expected pinned logs namespace")
	}
}

func TestSynthesize_CatalogVariant(t *testing.T) {
	tpl := synthesize(t, stack.CatalogParams())

	for id, typ := range map[string]string{
		stack.IDDatabase:   "AWS::Glue::Database",
		stack.IDTable:      "AWS::Glue::Table",
		stack.IDConnection: "AWS::Glue::Connection",
	} {
		if tpl.Resources[id].Type != typ {
			t.Errorf("Expected %s to be %s, got %q", id, typ, tpl.Resources[id].Type)
		}
	}

	doc := decode(t, tpl)
	loc := dig(doc, "Resources", stack.IDTable, "Properties", "TableInput", "StorageDescriptor", "Location")
	if loc != "s3://rodes-bucket-1909001/data/" {
		t.Errorf("Unexpected table location %v", loc)
	}
	if _, ok := dig(doc, "Resources", stack.IDJob, "Properties").(map[string]interface{})["Connections"]; ok {
		t.Errorf("Expected the job not to reference the connection")
	}
	data, _ := tpl.JSON()
	if !strings.Contains(string(data), "arn:aws:s3:::rodes-bucket-1909001/*") {
		t.Errorf("Expected bucket-wide object scope in the catalog variant")
	}
}

func TestSynthesize_Deterministic(t *testing.T) {
	for _, format := range []string{"json", "yaml"} {
		a, err := synthesize(t, stack.CatalogParams()).Render(format)
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		b, err := synthesize(t, stack.CatalogParams()).Render(format)
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		if !bytes.Equal(a, b) {
			t.Errorf("Expected identical %s output", format)
		}
	}
}

func TestSynthesize_YAMLRoundTrip(t *testing.T) {
	data, err := synthesize(t, stack.DefaultParams()).YAML()
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	var doc map[string]interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		t.Fatalf("Expected valid YAML, got: %v", err)
	}
	if doc["AWSTemplateFormatVersion"] != FormatVersion {
		t.Errorf("Unexpected format version %v", doc["AWSTemplateFormatVersion"])
	}
}

func TestSynthesize_RejectsInvalidStack(t *testing.T) {
	s, err := stack.Build(stack.DefaultParams())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	s.Rule.Targets = append(s.Rule.Targets, "Extra")
	if _, err := Synthesize(s); err == nil {
		t.Errorf("Expected invalid stack to be rejected")
	}
}

func TestRender_UnknownFormat(t *testing.T) {
	if _, err := synthesize(t, stack.DefaultParams()).Render("toml"); err == nil {
		t.Errorf("Expected error for unknown format")
	}
}
