package policy

import (
	"time"
)

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		roleScopePolicy(),
		trustPrincipalPolicy(),
		workflowGrantPolicy(),
		scheduleTargetPolicy(),
		catalogTablePolicy(),
		networkAttachmentPolicy(),
		destructiveOperationsPolicy(),
	}
}

func builtin(name, description string, severity Severity, tags []string, rego string) Policy {
	now := time.Now()
	return Policy{
		Name:        name,
		Description: description,
		Severity:    severity,
		Enabled:     true,
		Tags:        tags,
		Metadata:    map[string]interface{}{"source": "builtin"},
		CreatedAt:   now,
		UpdatedAt:   now,
		Rego:        rego,
	}
}

// roleScopePolicy pins the job role's statements to the declared scope.
func roleScopePolicy() Policy {
	return builtin("execution-role-scope",
		"The job role may only read and write the declared object scope and write its own logs",
		SeverityError, []string{"iam", "least-privilege"},
		`package glueflow.policies.role_scope

import rego.v1

object_actions := {"s3:GetObject", "s3:PutObject"}

log_actions := {"logs:CreateLogGroup", "logs:CreateLogStream", "logs:PutLogEvents"}

role_id := input.stack.role.logicalId

object_statements contains st if {
	some st in input.stack.role.statements
	some action in st.actions
	startswith(action, "s3:")
}

deny contains violation if {
	input.stack
	count(object_statements) == 0
	violation := {
		"message": sprintf("role %s has no object-store statement", [role_id]),
		"resource": role_id,
	}
}

deny contains violation if {
	some st in object_statements
	{r | some r in st.resources} != {input.expected.object_scope}
	violation := {
		"message": sprintf("role %s object-store access must cover exactly %s, got %v", [role_id, input.expected.object_scope, st.resources]),
		"resource": role_id,
	}
}

deny contains violation if {
	some st in object_statements
	{a | some a in st.actions} != object_actions
	violation := {
		"message": sprintf("role %s object-store actions must be exactly s3:GetObject and s3:PutObject, got %v", [role_id, st.actions]),
		"resource": role_id,
	}
}

deny contains violation if {
	some st in input.stack.role.statements
	some action in st.actions
	contains(action, "*")
	violation := {
		"message": sprintf("role %s must not grant wildcard action %s", [role_id, action]),
		"resource": role_id,
	}
}

logs_statement_present if {
	some st in input.stack.role.statements
	{a | some a in st.actions} == log_actions
	{r | some r in st.resources} == {input.expected.logs_scope}
}

deny contains violation if {
	input.stack
	not logs_statement_present
	violation := {
		"message": sprintf("role %s must grant log writes on exactly %s", [role_id, input.expected.logs_scope]),
		"resource": role_id,
	}
}`)
}

func trustPrincipalPolicy() Policy {
	return builtin("trust-principal",
		"The job role is assumable only by the job service and carries only the service role policy",
		SeverityError, []string{"iam"},
		`package glueflow.policies.trust

import rego.v1

role := input.stack.role

deny contains violation if {
	role.trustPrincipal != "glue.amazonaws.com"
	violation := {
		"message": sprintf("role %s must trust glue.amazonaws.com, got %s", [role.logicalId, role.trustPrincipal]),
		"resource": role.logicalId,
	}
}

deny contains violation if {
	input.stack
	policies := [p | some p in role.managedPolicies]
	policies != ["service-role/AWSGlueServiceRole"]
	violation := {
		"message": sprintf("role %s must carry exactly service-role/AWSGlueServiceRole, got %v", [role.logicalId, policies]),
		"resource": role.logicalId,
	}
}`)
}

func workflowGrantPolicy() Policy {
	return builtin("workflow-grant",
		"The workflow may only start the declared job",
		SeverityError, []string{"iam", "workflow"},
		`package glueflow.policies.workflow_grant

import rego.v1

wf := input.stack.workflow

deny contains violation if {
	input.stack
	{a | some a in wf.grant.actions} != {"glue:StartJobRun"}
	violation := {
		"message": sprintf("workflow %s must be granted exactly glue:StartJobRun, got %v", [wf.logicalId, wf.grant.actions]),
		"resource": wf.logicalId,
	}
}

deny contains violation if {
	input.stack
	{r | some r in wf.grant.resources} != {input.expected.job_arn}
	violation := {
		"message": sprintf("workflow %s grant must target exactly %s, got %v", [wf.logicalId, input.expected.job_arn, wf.grant.resources]),
		"resource": wf.logicalId,
	}
}

deny contains violation if {
	wf.jobName != input.stack.job.name
	violation := {
		"message": sprintf("workflow %s starts %s but the declared job is %s", [wf.logicalId, wf.jobName, input.stack.job.name]),
		"resource": wf.logicalId,
	}
}`)
}

func scheduleTargetPolicy() Policy {
	return builtin("schedule-target",
		"The schedule rule fires exactly one target, the workflow, in UTC",
		SeverityError, []string{"schedule"},
		`package glueflow.policies.schedule

import rego.v1

sched := input.stack.rule

targets := [t | some t in sched.targets]

deny contains violation if {
	input.stack
	count(targets) != 1
	violation := {
		"message": sprintf("rule %s must have exactly one target, got %d", [sched.logicalId, count(targets)]),
		"resource": sched.logicalId,
	}
}

deny contains violation if {
	some t in targets
	t != input.stack.workflow.logicalId
	violation := {
		"message": sprintf("rule %s targets %s instead of the workflow", [sched.logicalId, t]),
		"resource": sched.logicalId,
	}
}

deny contains violation if {
	sched.timeZone != "UTC"
	violation := {
		"message": sprintf("rule %s must be evaluated in UTC, got %s", [sched.logicalId, sched.timeZone]),
		"resource": sched.logicalId,
	}
}`)
}

func catalogTablePolicy() Policy {
	return builtin("catalog-table",
		"Catalog tables live under the bucket's data prefix and use primitive column types",
		SeverityError, []string{"catalog"},
		`package glueflow.policies.catalog

import rego.v1

tbl := input.stack.table

column_types := {t | some t in input.expected.column_types}

valid_type(t) if lower(t) in column_types

valid_type(t) if regex.match("^decimal\\(\\d+,\\s*\\d+\\)$", lower(t))

deny contains violation if {
	input.stack.variant == "catalog"
	tbl.location != input.expected.table_location
	violation := {
		"message": sprintf("table %s must be located at %s, got %s", [tbl.name, input.expected.table_location, tbl.location]),
		"resource": tbl.logicalId,
	}
}

deny contains violation if {
	some col in tbl.columns
	not valid_type(col.type)
	violation := {
		"message": sprintf("table %s column %s has unsupported type %s", [tbl.name, col.name, col.type]),
		"resource": tbl.logicalId,
	}
}

deny contains violation if {
	cols := tbl.columns
	some i, j
	lower(cols[i].name) == lower(cols[j].name)
	i < j
	violation := {
		"message": sprintf("table %s declares column %s twice", [tbl.name, cols[j].name]),
		"resource": tbl.logicalId,
	}
}`)
}

func networkAttachmentPolicy() Policy {
	return builtin("network-attachment",
		"Reports network connections that no job uses",
		SeverityWarning, []string{"network"},
		`package glueflow.policies.network

import rego.v1

attached(name) if {
	some c in input.stack.job.connections
	c == name
}

deny contains violation if {
	conn := input.stack.connection
	not attached(conn.name)
	violation := {
		"message": sprintf("connection %s is declared but job %s does not use it", [conn.name, input.stack.job.name]),
		"severity": "warning",
		"resource": conn.logicalId,
	}
}`)
}

func destructiveOperationsPolicy() Policy {
	return builtin("destructive-operations",
		"Reports deletes and replacements in a plan and blocks any attempt to delete the looked-up bucket",
		SeverityWarning, []string{"plan"},
		`package glueflow.policies.operations

import rego.v1

deny contains violation if {
	some unit in input.plan.units
	unit.operation in {"delete", "recreate"}
	unit.kind != "s3.bucket_ref"
	violation := {
		"message": sprintf("plan will %s %s (%s)", [unit.operation, unit.resource_id, unit.kind]),
		"severity": "warning",
		"resource": unit.resource_id,
	}
}

deny contains violation if {
	some unit in input.plan.units
	unit.kind == "s3.bucket_ref"
	unit.operation != "noop"
	violation := {
		"message": sprintf("bucket %s is looked up and must never be %sd", [unit.resource_id, unit.operation]),
		"severity": "critical",
		"resource": unit.resource_id,
	}
}`)
}
