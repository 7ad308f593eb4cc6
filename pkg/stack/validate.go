package stack

import (
	"fmt"
	"sort"
	"strings"

	"github.com/openfroyo/glueflow/pkg/engine"
	"github.com/openfroyo/glueflow/pkg/schedule"
)

// Validate checks the invariants of the declared graph and returns a
// validation error listing every problem found.
func (s *Stack) Validate() error {
	problems := s.Problems()
	if len(problems) == 0 {
		return nil
	}
	return engine.NewValidationError(
		fmt.Sprintf("stack %s is invalid: %s", s.Name, strings.Join(problems, "; ")), nil,
	).WithResource(s.Name).WithOperation("validate").WithDetail("problems", problems)
}

// Problems returns every invariant violation in a stable order.
func (s *Stack) Problems() []string {
	var v validator
	s.checkRole(&v)
	s.checkJob(&v)
	s.checkWorkflow(&v)
	s.checkRule(&v)
	switch s.Variant {
	case VariantCatalog:
		s.checkCatalog(&v)
	case VariantBasic:
		if s.Database != nil || s.Table != nil || s.Connection != nil {
			v.addf("basic variant must not declare catalog resources")
		}
	default:
		v.addf("unknown variant %q", s.Variant)
	}
	return v.problems
}

type validator struct {
	problems []string
}

func (v *validator) addf(format string, args ...interface{}) {
	v.problems = append(v.problems, fmt.Sprintf(format, args...))
}

func (s *Stack) checkRole(v *validator) {
	r := s.Role
	if r.TrustPrincipal != GlueServicePrincipal {
		v.addf("%s: trust principal must be %s, got %q", r.LogicalID, GlueServicePrincipal, r.TrustPrincipal)
	}
	if !equalSet(r.ManagedPolicies, []string{GlueServiceRolePolicy}) {
		v.addf("%s: managed policies must be exactly [%s], got %v", r.LogicalID, GlueServiceRolePolicy, r.ManagedPolicies)
	}

	expected := s.ExpectedRoleStatements()
	if len(r.Statements) != len(expected) {
		v.addf("%s: expected %d statements, got %d", r.LogicalID, len(expected), len(r.Statements))
		return
	}
	for _, want := range expected {
		if !containsStatement(r.Statements, want) {
			v.addf("%s: missing exact statement %s on %v", r.LogicalID, strings.Join(want.Actions, ","), want.Resources)
		}
	}
}

func (s *Stack) checkJob(v *validator) {
	j := s.Job
	if j.Name == "" {
		v.addf("%s: job name is required", j.LogicalID)
	}
	if j.Command != CommandGlueETL {
		v.addf("%s: command must be %s, got %q", j.LogicalID, CommandGlueETL, j.Command)
	}
	if strings.HasPrefix(s.ScriptKey, "/") {
		v.addf("%s: script key %q must not start with /", j.LogicalID, s.ScriptKey)
	}
	if want := s.Bucket.URI(s.ScriptKey); j.ScriptLocation != want {
		v.addf("%s: script location must be %s, got %q", j.LogicalID, want, j.ScriptLocation)
	}
	if j.RoleRef != s.Role.LogicalID {
		v.addf("%s: must run under role %s, got %q", j.LogicalID, s.Role.LogicalID, j.RoleRef)
	}
	if j.PythonVersion == "" || j.GlueVersion == "" {
		v.addf("%s: python and glue versions are required", j.LogicalID)
	}
	if len(j.Connections) > 0 {
		v.addf("%s: job must not reference connections, got %v", j.LogicalID, j.Connections)
	}
}

func (s *Stack) checkWorkflow(v *validator) {
	w := s.Workflow
	if w.Type != WorkflowExpress && w.Type != WorkflowStandard {
		v.addf("%s: type must be %s or %s, got %q", w.LogicalID, WorkflowExpress, WorkflowStandard, w.Type)
	}
	if w.StateName == "" {
		v.addf("%s: state name is required", w.LogicalID)
	}
	if w.JobName != s.Job.Name {
		v.addf("%s: starts job %q but the declared job is %q", w.LogicalID, w.JobName, s.Job.Name)
	}
	if !strings.HasPrefix(w.ResultPath, "$") {
		v.addf("%s: result path must start with $, got %q", w.LogicalID, w.ResultPath)
	}
	g := w.Grant
	if g.Effect != "Allow" || !equalSet(g.Actions, []string{"glue:StartJobRun"}) || !equalSet(g.Resources, []string{s.JobARN()}) {
		v.addf("%s: grant must be exactly glue:StartJobRun on %s, got %s on %v",
			w.LogicalID, s.JobARN(), strings.Join(g.Actions, ","), g.Resources)
	}
}

func (s *Stack) checkRule(v *validator) {
	r := s.Rule
	if len(r.Targets) != 1 || r.Targets[0] != s.Workflow.LogicalID {
		v.addf("%s: must have exactly one target %s, got %v", r.LogicalID, s.Workflow.LogicalID, r.Targets)
	}
	if r.TimeZone != ScheduleTimeZone {
		v.addf("%s: time zone must be %s, got %q", r.LogicalID, ScheduleTimeZone, r.TimeZone)
	}
	if _, err := schedule.Parse(r.Expression); err != nil {
		v.addf("%s: %v", r.LogicalID, err)
	}
}

func (s *Stack) checkCatalog(v *validator) {
	if s.Database == nil || s.Table == nil || s.Connection == nil {
		v.addf("catalog variant must declare a database, a table and a connection")
		return
	}

	if s.Database.Name == "" {
		v.addf("%s: database name is required", s.Database.LogicalID)
	}

	t := s.Table
	if t.Name == "" {
		v.addf("%s: table name is required", t.LogicalID)
	}
	if t.DatabaseRef != s.Database.LogicalID {
		v.addf("%s: must belong to %s, got %q", t.LogicalID, s.Database.LogicalID, t.DatabaseRef)
	}
	if want := s.Bucket.Location() + TableDataSuffix; t.Location != want {
		v.addf("%s: location must be %s, got %q", t.LogicalID, want, t.Location)
	}
	if len(t.Columns) == 0 {
		v.addf("%s: at least one column is required", t.LogicalID)
	}
	seen := make(map[string]bool, len(t.Columns))
	for _, c := range t.Columns {
		name := strings.ToLower(c.Name)
		if name == "" {
			v.addf("%s: column name is required", t.LogicalID)
			continue
		}
		if seen[name] {
			v.addf("%s: duplicate column %q", t.LogicalID, c.Name)
		}
		seen[name] = true
		if !IsPrimitiveColumnType(c.Type) {
			v.addf("%s: column %q has unsupported type %q", t.LogicalID, c.Name, c.Type)
		}
	}

	c := s.Connection
	if c.Name == "" || c.AvailabilityZone == "" || c.SubnetID == "" || len(c.SecurityGroupIDs) == 0 {
		v.addf("%s: name, availability zone, subnet and security groups are required", c.LogicalID)
	}
	if c.Type != ConnectionNetwork {
		v.addf("%s: type must be %s, got %q", c.LogicalID, ConnectionNetwork, c.Type)
	}
}

func containsStatement(statements []PolicyStatement, want PolicyStatement) bool {
	for _, st := range statements {
		if st.Effect == want.Effect && equalSet(st.Actions, want.Actions) && equalSet(st.Resources, want.Resources) {
			return true
		}
	}
	return false
}

func equalSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as, bs := sortedCopy(a), sortedCopy(b)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

func sortedCopy(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}
