package stack

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/openfroyo/glueflow/pkg/engine"
	"github.com/openfroyo/glueflow/pkg/schedule"
)

func pinned(p Params) Params {
	p.Account = "123456789012"
	p.Region = "us-east-1"
	return p
}

func mustBuild(t *testing.T, p Params) *Stack {
	t.Helper()
	s, err := Build(p)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	return s
}

func TestBuild_ObservedDeclaration(t *testing.T) {
	s := mustBuild(t, pinned(DefaultParams()))

	if err := s.Validate(); err != nil {
		t.Fatalf("Expected valid stack, got: %v", err)
	}

	var s3Stmt *PolicyStatement
	for i, st := range s.Role.Statements {
		if strings.HasPrefix(st.Actions[0], "s3:") {
			s3Stmt = &s.Role.Statements[i]
		}
	}
	if s3Stmt == nil {
		t.Fatalf("Expected an object-store statement, got %+v", s.Role.Statements)
	}
	if !equalSet(s3Stmt.Actions, []string{"s3:GetObject", "s3:PutObject"}) {
		t.Errorf("Expected Get/PutObject, got %v", s3Stmt.Actions)
	}
	if len(s3Stmt.Resources) != 1 || s3Stmt.Resources[0] != "arn:aws:s3:::rodes-bucket-1909001/cdk-hello-world-v2.py" {
		t.Errorf("Expected exactly the script object, got %v", s3Stmt.Resources)
	}

	if s.Job.Name != "MyGlueJob" {
		t.Errorf("Expected job MyGlueJob, got %s", s.Job.Name)
	}
	if s.Job.ScriptLocation != "s3://rodes-bucket-1909001/cdk-hello-world-v2.py" {
		t.Errorf("Unexpected script location %s", s.Job.ScriptLocation)
	}
	if s.Job.Command != "glueetl" || s.Job.PythonVersion != "3" || s.Job.GlueVersion != "3.0" {
		t.Errorf("Unexpected job settings %+v", s.Job)
	}

	if s.Workflow.Type != WorkflowExpress || s.Workflow.ResultPath != "$.glueJobRunId" {
		t.Errorf("Unexpected workflow %+v", s.Workflow)
	}
	if got := s.Workflow.Grant.Resources; len(got) != 1 || got[0] != "arn:aws:glue:us-east-1:123456789012:job/MyGlueJob" {
		t.Errorf("Unexpected workflow grant resources %v", got)
	}

	if len(s.Rule.Targets) != 1 || s.Rule.Targets[0] != IDStateMachine {
		t.Errorf("Expected single workflow target, got %v", s.Rule.Targets)
	}
	expr := schedule.MustParse(s.Rule.Expression)
	next := expr.Next(time.Date(2024, time.May, 1, 0, 0, 0, 0, time.UTC))
	if next.Hour() != 10 || next.Minute() != 0 || next.Day() != 1 {
		t.Errorf("Expected 10:00 UTC, got %s", next)
	}

	if s.Database != nil || s.Table != nil || s.Connection != nil {
		t.Errorf("Expected no catalog resources in the basic variant")
	}
}

func TestBuild_LogsStatementUsesTokensWhenUnpinned(t *testing.T) {
	s := mustBuild(t, DefaultParams())

	found := false
	for _, st := range s.Role.Statements {
		for _, r := range st.Resources {
			if r == "arn:aws:logs:${AWS::Region}:${AWS::AccountId}:*" {
				found = true
			}
		}
	}
	if !found {
		t.Errorf("Expected tokenized logs namespace, got %+v", s.Role.Statements)
	}
	if err := s.Validate(); err != nil {
		t.Errorf("Expected valid stack, got: %v", err)
	}
}

func TestBuild_CatalogVariant(t *testing.T) {
	s := mustBuild(t, pinned(CatalogParams()))

	if err := s.Validate(); err != nil {
		t.Fatalf("Expected valid stack, got: %v", err)
	}
	if !containsStatement(s.Role.Statements, Allow([]string{"s3:GetObject", "s3:PutObject"}, "arn:aws:s3:::rodes-bucket-1909001/*")) {
		t.Errorf("Expected bucket-wide object scope, got %+v", s.Role.Statements)
	}
	if s.Table.Location != "s3://rodes-bucket-1909001/data/" {
		t.Errorf("Unexpected table location %s", s.Table.Location)
	}
	if s.Database.CatalogID != "123456789012" {
		t.Errorf("Expected catalog id to be the account, got %s", s.Database.CatalogID)
	}
	if len(s.Job.Connections) != 0 {
		t.Errorf("Expected the job not to reference the connection, got %v", s.Job.Connections)
	}
}

func TestBuild_MissingParams(t *testing.T) {
	p := DefaultParams()
	p.JobName = ""
	p.Bucket = " "

	_, err := Build(p)
	if err == nil {
		t.Fatalf("Expected error for missing params")
	}
	if !strings.Contains(err.Error(), "bucket, job_name") {
		t.Errorf("Expected sorted missing names, got: %v", err)
	}
}

func TestBuild_UnknownVariant(t *testing.T) {
	p := DefaultParams()
	p.Variant = "v3"
	if _, err := Build(p); err == nil {
		t.Errorf("Expected error for unknown variant")
	}
}

func TestBuild_LeadingSlashScriptKey(t *testing.T) {
	p := pinned(DefaultParams())
	p.ScriptKey = "/scripts/etl.py"
	s := mustBuild(t, p)

	if err := s.Validate(); err != nil {
		t.Fatalf("Expected valid stack, got: %v", err)
	}
	if s.ScriptKey != "scripts/etl.py" {
		t.Errorf("Expected normalised key, got %q", s.ScriptKey)
	}
	if s.Job.ScriptLocation != "s3://rodes-bucket-1909001/scripts/etl.py" {
		t.Errorf("Unexpected script location %q", s.Job.ScriptLocation)
	}
	if got := s.ObjectScope(); got != "arn:aws:s3:::rodes-bucket-1909001/scripts/etl.py" {
		t.Errorf("Role scope %q does not cover the script", got)
	}

	p.ScriptKey = "/"
	if _, err := Build(p); err == nil {
		t.Errorf("Expected error for a key naming no object")
	}
}

func TestValidate_Violations(t *testing.T) {
	tests := []struct {
		name   string
		params Params
		mutate func(s *Stack)
		want   string
	}{
		{
			name:   "role widened in basic variant",
			params: DefaultParams(),
			mutate: func(s *Stack) {
				s.Role.Statements[0] = Allow([]string{"s3:GetObject", "s3:PutObject"}, s.Bucket.ObjectARN("*"))
			},
			want: "missing exact statement",
		},
		{
			name:   "script key with leading slash",
			params: DefaultParams(),
			mutate: func(s *Stack) { s.ScriptKey = "/" + s.ScriptKey },
			want:   "must not start with /",
		},
		{
			name:   "extra role action",
			params: DefaultParams(),
			mutate: func(s *Stack) {
				s.Role.Statements[0].Actions = append(s.Role.Statements[0].Actions, "s3:DeleteObject")
			},
			want: "missing exact statement",
		},
		{
			name:   "extra statement",
			params: DefaultParams(),
			mutate: func(s *Stack) {
				s.Role.Statements = append(s.Role.Statements, Allow([]string{"s3:ListBucket"}, s.Bucket.ARN()))
			},
			want: "expected 2 statements",
		},
		{
			name:   "wrong trust principal",
			params: DefaultParams(),
			mutate: func(s *Stack) { s.Role.TrustPrincipal = "lambda.amazonaws.com" },
			want:   "trust principal",
		},
		{
			name:   "workflow grant wildcard",
			params: DefaultParams(),
			mutate: func(s *Stack) { s.Workflow.Grant.Resources = []string{"*"} },
			want:   "grant must be exactly",
		},
		{
			name:   "second rule target",
			params: DefaultParams(),
			mutate: func(s *Stack) { s.Rule.Targets = append(s.Rule.Targets, "Other") },
			want:   "exactly one target",
		},
		{
			name:   "bad expression",
			params: DefaultParams(),
			mutate: func(s *Stack) { s.Rule.Expression = "cron(0 10 * * * *)" },
			want:   "exactly one of day-of-month",
		},
		{
			name:   "job references connection",
			params: CatalogParams(),
			mutate: func(s *Stack) { s.Job.Connections = []string{s.Connection.Name} },
			want:   "must not reference connections",
		},
		{
			name:   "table location without suffix",
			params: CatalogParams(),
			mutate: func(s *Stack) { s.Table.Location = s.Bucket.Location() },
			want:   "location must be s3://rodes-bucket-1909001/data/",
		},
		{
			name:   "unsupported column type",
			params: CatalogParams(),
			mutate: func(s *Stack) { s.Table.Columns[2].Type = "map<string,int>" },
			want:   "unsupported type",
		},
		{
			name:   "duplicate column",
			params: CatalogParams(),
			mutate: func(s *Stack) { s.Table.Columns = append(s.Table.Columns, Column{Name: "ID", Type: "string"}) },
			want:   "duplicate column",
		},
		{
			name:   "catalog resources in basic variant",
			params: DefaultParams(),
			mutate: func(s *Stack) { s.Database = &CatalogDatabase{LogicalID: IDDatabase, Name: "db"} },
			want:   "must not declare catalog resources",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := mustBuild(t, tt.params)
			tt.mutate(s)

			err := s.Validate()
			if err == nil {
				t.Fatalf("Expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected error containing %q, got: %v", tt.want, err)
			}
			if engine.CodeOf(err) != engine.ErrCodeValidation {
				t.Errorf("Expected validation code, got %s", engine.CodeOf(err))
			}
			if !errors.Is(err, engine.ErrValidation) {
				t.Errorf("Expected errors.Is ErrValidation")
			}
		})
	}
}

func TestIsPrimitiveColumnType(t *testing.T) {
	for _, typ := range []string{"string", "INT", "decimal(10,2)", "timestamp"} {
		if !IsPrimitiveColumnType(typ) {
			t.Errorf("Expected %s to be primitive", typ)
		}
	}
	for _, typ := range []string{"array<int>", "varchar(10)", "", "struct"} {
		if IsPrimitiveColumnType(typ) {
			t.Errorf("Expected %s to be rejected", typ)
		}
	}
}

func TestResources_Graph(t *testing.T) {
	s := mustBuild(t, pinned(CatalogParams()))

	resources, err := s.Resources()
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(resources) != 8 {
		t.Fatalf("Expected 8 resources, got %d", len(resources))
	}

	byID := make(map[string]engine.Resource)
	for _, r := range resources {
		byID[r.ID] = r
	}
	wantDeps := map[string][]string{
		IDBucket:       nil,
		IDRole:         {IDBucket},
		IDJob:          {IDRole, IDBucket},
		IDStateMachine: {IDJob},
		IDRule:         {IDStateMachine},
		IDDatabase:     nil,
		IDTable:        {IDDatabase, IDBucket},
		IDConnection:   nil,
	}
	for id, deps := range wantDeps {
		r, ok := byID[id]
		if !ok {
			t.Errorf("Expected resource %s", id)
			continue
		}
		if !equalSet(r.Dependencies, deps) {
			t.Errorf("Expected %s deps %v, got %v", id, deps, r.Dependencies)
		}
	}

	if !byID[IDBucket].Kind.IsLookup() {
		t.Errorf("Expected bucket to be a lookup")
	}
	if byID[IDJob].Identity != "MyGlueJob" {
		t.Errorf("Expected job identity MyGlueJob, got %s", byID[IDJob].Identity)
	}
	if byID[IDTable].Identity != "glueflow_database.glueflow_table" {
		t.Errorf("Unexpected table identity %s", byID[IDTable].Identity)
	}
}

func TestConfig_PlansCleanly(t *testing.T) {
	s := mustBuild(t, DefaultParams())

	cfg, err := s.Config("test")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if cfg.ID != "CdhelloWorldV2Stack" {
		t.Errorf("Expected stack name as config id, got %s", cfg.ID)
	}

	builder := engine.NewDAGBuilder()
	units := make([]engine.PlanUnit, 0, len(cfg.Resources))
	for _, r := range cfg.Resources {
		u := engine.PlanUnit{ID: r.ID, ResourceID: r.ID, Operation: engine.OperationCreate}
		for _, d := range r.Dependencies {
			u.Dependencies = append(u.Dependencies, engine.Dependency{TargetID: d, Type: engine.DependencyRequire})
		}
		units = append(units, u)
	}
	graph, err := builder.BuildGraph(units)
	if err != nil {
		t.Fatalf("Expected acyclic graph, got: %v", err)
	}
	if graph.Depth != 5 {
		t.Errorf("Expected depth 5 (bucket, role, job, workflow, rule), got %d", graph.Depth)
	}
}
