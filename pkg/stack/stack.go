// Package stack declares the scheduled ETL stack: a looked-up bucket, the job's
// execution role, the job itself, a single-step workflow that starts it and a
// daily schedule rule. The catalog variant adds a database, a table and a
// network connection.
//
// A Stack is pure declaration. It is checked by Validate, turned into engine
// resources by Resources, and into a deployable template by package synth.
package stack

import (
	"fmt"
	"strings"
)

// ConnectionParams describes the network connection of the catalog variant.
type ConnectionParams struct {
	Name             string   `json:"name"`
	AvailabilityZone string   `json:"availability_zone"`
	SecurityGroupIDs []string `json:"security_group_ids"`
	SubnetID         string   `json:"subnet_id"`
}

// TableParams describes the catalog table of the catalog variant.
type TableParams struct {
	Name         string   `json:"name"`
	Columns      []Column `json:"columns"`
	InputFormat  string   `json:"input_format"`
	OutputFormat string   `json:"output_format"`
	SerdeLibrary string   `json:"serde_library"`
}

// Params are the inputs of Build.
type Params struct {
	StackName     string           `json:"stack_name"`
	Variant       Variant          `json:"variant"`
	Account       string           `json:"account,omitempty"`
	Region        string           `json:"region,omitempty"`
	Bucket        string           `json:"bucket"`
	ScriptKey     string           `json:"script_key"`
	JobName       string           `json:"job_name"`
	GlueVersion   string           `json:"glue_version"`
	PythonVersion string           `json:"python_version"`
	WorkflowType  string           `json:"workflow_type"`
	Minute        string           `json:"minute"`
	Hour          string           `json:"hour"`
	Database      string           `json:"database,omitempty"`
	Table         TableParams      `json:"table"`
	Connection    ConnectionParams `json:"connection"`
}

// DefaultParams returns the declaration of the basic variant: bucket
// rodes-bucket-1909001, script cdk-hello-world-v2.py, job MyGlueJob, daily at
// 10:00 UTC. Account and region are left to deployment time.
func DefaultParams() Params {
	return Params{
		StackName:     "CdhelloWorldV2Stack",
		Variant:       VariantBasic,
		Bucket:        "rodes-bucket-1909001",
		ScriptKey:     "cdk-hello-world-v2.py",
		JobName:       "MyGlueJob",
		GlueVersion:   "3.0",
		PythonVersion: "3",
		WorkflowType:  WorkflowExpress,
		Minute:        "0",
		Hour:          "10",
		Database:      "glueflow_database",
		Table: TableParams{
			Name: "glueflow_table",
			Columns: []Column{
				{Name: "id", Type: "string"},
				{Name: "name", Type: "string"},
				{Name: "value", Type: "int"},
			},
			InputFormat:  "org.apache.hadoop.mapred.TextInputFormat",
			OutputFormat: "org.apache.hadoop.hive.ql.io.HiveIgnoreKeyTextOutputFormat",
			SerdeLibrary: "org.apache.hadoop.hive.serde2.lazy.LazySimpleSerDe",
		},
		Connection: ConnectionParams{
			Name:             "glueflow-connection",
			AvailabilityZone: "us-east-1a",
			SecurityGroupIDs: []string{"sg-12345678"},
			SubnetID:         "subnet-12345678",
		},
	}
}

// CatalogParams returns DefaultParams with the catalog variant selected.
func CatalogParams() Params {
	p := DefaultParams()
	p.Variant = VariantCatalog
	return p
}

// ScheduleExpression renders the rule expression for the given minute and hour.
func ScheduleExpression(minute, hour string) string {
	return fmt.Sprintf("cron(%s %s * * ? *)", minute, hour)
}

// Stack is the declared resource graph.
type Stack struct {
	Name       string             `json:"name"`
	Variant    Variant            `json:"variant"`
	Account    string             `json:"account,omitempty"`
	Region     string             `json:"region,omitempty"`
	Bucket     ObjectStoreRef     `json:"bucket"`
	ScriptKey  string             `json:"scriptKey"`
	Role       ExecutionRole      `json:"role"`
	Job        ProcessingJob      `json:"job"`
	Workflow   Workflow           `json:"workflow"`
	Rule       ScheduleRule       `json:"rule"`
	Database   *CatalogDatabase   `json:"database,omitempty"`
	Table      *CatalogTable      `json:"table,omitempty"`
	Connection *NetworkConnection `json:"connection,omitempty"`
}

// Build declares the stack for the given parameters. It fills the graph but
// does not check invariants; call Validate for that.
func Build(p Params) (*Stack, error) {
	var missing []string
	for name, v := range map[string]string{
		"stack_name": p.StackName, "bucket": p.Bucket, "script_key": p.ScriptKey,
		"job_name": p.JobName, "minute": p.Minute, "hour": p.Hour,
	} {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required parameters: %s", strings.Join(sortedCopy(missing), ", "))
	}

	variant := p.Variant
	if variant == "" {
		variant = VariantBasic
	}
	if variant != VariantBasic && variant != VariantCatalog {
		return nil, fmt.Errorf("unknown variant %q", variant)
	}
	workflowType := p.WorkflowType
	if workflowType == "" {
		workflowType = WorkflowExpress
	}

	// Keys are stored without a leading slash so the job's script location
	// and the role's object ARN name the same object.
	scriptKey := strings.TrimLeft(p.ScriptKey, "/")
	if scriptKey == "" {
		return nil, fmt.Errorf("script_key %q names no object", p.ScriptKey)
	}

	bucket := LookupBucket(p.Bucket)
	s := &Stack{
		Name:      p.StackName,
		Variant:   variant,
		Account:   p.Account,
		Region:    p.Region,
		Bucket:    bucket,
		ScriptKey: scriptKey,
	}

	s.Role = ExecutionRole{
		LogicalID:       IDRole,
		TrustPrincipal:  GlueServicePrincipal,
		ManagedPolicies: []string{GlueServiceRolePolicy},
		Statements:      s.ExpectedRoleStatements(),
	}

	s.Job = ProcessingJob{
		LogicalID:      IDJob,
		Name:           p.JobName,
		RoleRef:        IDRole,
		Command:        CommandGlueETL,
		ScriptLocation: bucket.URI(scriptKey),
		PythonVersion:  p.PythonVersion,
		GlueVersion:    p.GlueVersion,
	}

	s.Workflow = Workflow{
		LogicalID:  IDStateMachine,
		Type:       workflowType,
		StateName:  DefaultStateName,
		JobName:    p.JobName,
		ResultPath: DefaultResultPath,
		Grant:      Allow([]string{"glue:StartJobRun"}, GlueJobARN(p.Region, p.Account, p.JobName)),
	}

	s.Rule = ScheduleRule{
		LogicalID:  IDRule,
		Expression: ScheduleExpression(p.Minute, p.Hour),
		TimeZone:   ScheduleTimeZone,
		Targets:    []string{IDStateMachine},
	}

	if variant == VariantCatalog {
		catalogID := orToken(p.Account, AccountToken)
		s.Database = &CatalogDatabase{LogicalID: IDDatabase, Name: p.Database, CatalogID: catalogID}
		s.Table = &CatalogTable{
			LogicalID:    IDTable,
			Name:         p.Table.Name,
			DatabaseRef:  IDDatabase,
			CatalogID:    catalogID,
			Columns:      append([]Column(nil), p.Table.Columns...),
			Location:     bucket.Location() + TableDataSuffix,
			InputFormat:  p.Table.InputFormat,
			OutputFormat: p.Table.OutputFormat,
			SerdeLibrary: p.Table.SerdeLibrary,
		}
		s.Connection = &NetworkConnection{
			LogicalID:        IDConnection,
			Name:             p.Connection.Name,
			Type:             ConnectionNetwork,
			AvailabilityZone: p.Connection.AvailabilityZone,
			SecurityGroupIDs: append([]string(nil), p.Connection.SecurityGroupIDs...),
			SubnetID:         p.Connection.SubnetID,
		}
	}

	return s, nil
}

// ObjectScope returns the object-store resource the role may read and write:
// the script object itself, or every object of the bucket in the catalog variant.
func (s *Stack) ObjectScope() string {
	if s.Variant == VariantCatalog {
		return s.Bucket.ObjectARN("*")
	}
	return s.Bucket.ObjectARN(s.ScriptKey)
}

// JobARN returns the ARN of the declared job.
func (s *Stack) JobARN() string {
	return GlueJobARN(s.Region, s.Account, s.Job.Name)
}

// RuleName returns the name of the deployed schedule rule, which the
// deployment derives from the stack name and the rule's logical id.
func (s *Stack) RuleName() string {
	return s.Name + "-" + s.Rule.LogicalID
}

// RuleARN returns the ARN of the deployed schedule rule.
func (s *Stack) RuleARN() string {
	return EventsRuleARN(s.Region, s.Account, s.RuleName())
}

// ExpectedRoleStatements returns the exact statements the role must carry.
func (s *Stack) ExpectedRoleStatements() []PolicyStatement {
	return []PolicyStatement{
		Allow([]string{"s3:GetObject", "s3:PutObject"}, s.ObjectScope()),
		Allow([]string{"logs:CreateLogGroup", "logs:CreateLogStream", "logs:PutLogEvents"},
			LogsNamespaceARN(s.Region, s.Account)),
	}
}

// Location returns the bucket root URI without a trailing slash.
func (b ObjectStoreRef) Location() string {
	return "s3://" + b.Name
}
