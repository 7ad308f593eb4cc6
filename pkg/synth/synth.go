package synth

import (
	"fmt"

	"github.com/openfroyo/glueflow/pkg/stack"
	"github.com/openfroyo/glueflow/pkg/workflow"
)

const (
	policyVersion    = "2012-10-17"
	managedPolicyARN = "arn:aws:iam::aws:policy/"
	ruleTargetID     = "Target0"
)

// Synthesize renders the stack as a template. The stack must be valid.
func Synthesize(s *stack.Stack) (*Template, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}

	t := &Template{
		AWSTemplateFormatVersion: FormatVersion,
		Description:              fmt.Sprintf("glueflow stack %s (%s variant)", s.Name, s.Variant),
		Resources:                make(map[string]Resource),
		Outputs:                  make(map[string]Output),
	}

	t.Resources[s.Role.LogicalID] = jobRole(s)
	t.Resources[s.Job.LogicalID] = job(s)

	smRole, sm, err := stateMachine(s)
	if err != nil {
		return nil, err
	}
	t.Resources[stack.IDStateMachineRole] = smRole
	t.Resources[s.Workflow.LogicalID] = sm

	t.Resources[stack.IDRuleRole] = ruleRole(s)
	t.Resources[s.Rule.LogicalID] = rule(s)

	if s.Database != nil {
		t.Resources[s.Database.LogicalID] = database(s.Database)
	}
	if s.Table != nil {
		t.Resources[s.Table.LogicalID] = table(s.Table)
	}
	if s.Connection != nil {
		catalogID := stack.AccountToken
		if s.Account != "" {
			catalogID = s.Account
		}
		t.Resources[s.Connection.LogicalID] = connection(s.Connection, catalogID)
	}

	t.Outputs["JobName"] = Output{Description: "Name of the processing job", Value: Ref(s.Job.LogicalID)}
	t.Outputs["JobRoleArn"] = Output{Description: "ARN of the job execution role", Value: GetAtt(s.Role.LogicalID, "Arn")}
	t.Outputs["StateMachineArn"] = Output{Description: "ARN of the workflow", Value: Ref(s.Workflow.LogicalID)}
	t.Outputs["ScheduleRuleArn"] = Output{Description: "ARN of the schedule rule", Value: GetAtt(s.Rule.LogicalID, "Arn")}
	if s.Database != nil {
		t.Outputs["DatabaseName"] = Output{Description: "Name of the catalog database", Value: Ref(s.Database.LogicalID)}
	}

	return t, nil
}

func trustPolicy(service string) Object {
	return Object{
		"Version": policyVersion,
		"Statement": []Object{{
			"Effect":    "Allow",
			"Principal": Object{"Service": service},
			"Action":    "sts:AssumeRole",
		}},
	}
}

func policyDocument(statements ...Object) Object {
	return Object{"Version": policyVersion, "Statement": statements}
}

func statement(st stack.PolicyStatement) Object {
	return Object{
		"Effect":   st.Effect,
		"Action":   st.Actions,
		"Resource": values(st.Resources),
	}
}

func jobRole(s *stack.Stack) Resource {
	statements := make([]Object, 0, len(s.Role.Statements))
	for _, st := range s.Role.Statements {
		statements = append(statements, statement(st))
	}
	managed := make([]string, 0, len(s.Role.ManagedPolicies))
	for _, p := range s.Role.ManagedPolicies {
		managed = append(managed, managedPolicyARN+p)
	}
	return Resource{
		Type: "AWS::IAM::Role",
		Properties: Object{
			"AssumeRolePolicyDocument": trustPolicy(s.Role.TrustPrincipal),
			"ManagedPolicyArns":        managed,
			"Policies": []Object{{
				"PolicyName":     s.Role.LogicalID + "Policy",
				"PolicyDocument": policyDocument(statements...),
			}},
		},
	}
}

func job(s *stack.Stack) Resource {
	return Resource{
		Type:      "AWS::Glue::Job",
		DependsOn: []string{s.Job.RoleRef},
		Properties: Object{
			"Name": s.Job.Name,
			"Role": GetAtt(s.Job.RoleRef, "Arn"),
			"Command": Object{
				"Name":           s.Job.Command,
				"ScriptLocation": s.Job.ScriptLocation,
				"PythonVersion":  s.Job.PythonVersion,
			},
			"GlueVersion": s.Job.GlueVersion,
		},
	}
}

func stateMachine(s *stack.Stack) (Resource, Resource, error) {
	w := s.Workflow
	def := workflow.StartJobRunDefinition(w.StateName, w.JobName, w.ResultPath)
	body, err := def.JSON()
	if err != nil {
		return Resource{}, Resource{}, err
	}

	role := Resource{
		Type: "AWS::IAM::Role",
		Properties: Object{
			"AssumeRolePolicyDocument": trustPolicy(stack.StatesServicePrincipal),
			"Policies": []Object{{
				"PolicyName":     stack.IDStateMachineRole + "Policy",
				"PolicyDocument": policyDocument(statement(w.Grant)),
			}},
		},
	}
	sm := Resource{
		Type:      "AWS::StepFunctions::StateMachine",
		DependsOn: []string{stack.IDStateMachineRole, s.Job.LogicalID},
		Properties: Object{
			"StateMachineType": w.Type,
			"RoleArn":          GetAtt(stack.IDStateMachineRole, "Arn"),
			"DefinitionString": body,
		},
	}
	return role, sm, nil
}

func ruleRole(s *stack.Stack) Resource {
	return Resource{
		Type:      "AWS::IAM::Role",
		DependsOn: []string{s.Workflow.LogicalID},
		Properties: Object{
			"AssumeRolePolicyDocument": trustPolicy(stack.EventsServicePrincipal),
			"Policies": []Object{{
				"PolicyName": stack.IDRuleRole + "Policy",
				"PolicyDocument": policyDocument(Object{
					"Effect":   "Allow",
					"Action":   []string{"states:StartExecution"},
					"Resource": []interface{}{Ref(s.Workflow.LogicalID)},
				}),
			}},
		},
	}
}

func rule(s *stack.Stack) Resource {
	targets := make([]Object, 0, len(s.Rule.Targets))
	for i, target := range s.Rule.Targets {
		id := ruleTargetID
		if i > 0 {
			id = fmt.Sprintf("Target%d", i)
		}
		targets = append(targets, Object{
			"Arn":     Ref(target),
			"Id":      id,
			"RoleArn": GetAtt(stack.IDRuleRole, "Arn"),
		})
	}
	return Resource{
		Type:      "AWS::Events::Rule",
		DependsOn: append(append([]string(nil), s.Rule.Targets...), stack.IDRuleRole),
		Properties: Object{
			"ScheduleExpression": s.Rule.Expression,
			"State":              "ENABLED",
			"Targets":            targets,
		},
	}
}

func database(d *stack.CatalogDatabase) Resource {
	return Resource{
		Type: "AWS::Glue::Database",
		Properties: Object{
			"CatalogId":     value(d.CatalogID),
			"DatabaseInput": Object{"Name": d.Name},
		},
	}
}

func table(tb *stack.CatalogTable) Resource {
	columns := make([]Object, 0, len(tb.Columns))
	for _, c := range tb.Columns {
		columns = append(columns, Object{"Name": c.Name, "Type": c.Type})
	}
	return Resource{
		Type:      "AWS::Glue::Table",
		DependsOn: []string{tb.DatabaseRef},
		Properties: Object{
			"CatalogId":    value(tb.CatalogID),
			"DatabaseName": Ref(tb.DatabaseRef),
			"TableInput": Object{
				"Name":      tb.Name,
				"TableType": "EXTERNAL_TABLE",
				"StorageDescriptor": Object{
					"Columns":      columns,
					"Location":     tb.Location,
					"InputFormat":  tb.InputFormat,
					"OutputFormat": tb.OutputFormat,
					"SerdeInfo":    Object{"SerializationLibrary": tb.SerdeLibrary},
				},
			},
		},
	}
}

func connection(c *stack.NetworkConnection, catalogID string) Resource {
	return Resource{
		Type: "AWS::Glue::Connection",
		Properties: Object{
			"CatalogId": value(catalogID),
			"ConnectionInput": Object{
				"Name":                 c.Name,
				"ConnectionType":       c.Type,
				"ConnectionProperties": Object{},
				"PhysicalConnectionRequirements": Object{
					"AvailabilityZone":    c.AvailabilityZone,
					"SecurityGroupIdList": c.SecurityGroupIDs,
					"SubnetId":            c.SubnetID,
				},
			},
		},
	}
}
