// Package policy evaluates rego policies over a declared stack and over the
// plan computed for it.
//
// # Inputs
//
// Stack policies see the stack document as input.stack: the role with its
// trust principal and statements, the job, the workflow with its grant, the
// schedule rule and, for the catalog variant, the database, table and
// connection. Plan policies see input.plan with its units, each carrying an
// operation, a kind and a resource id.
//
// Both are evaluated with a context holding the operation ("validate" or
// "plan") and the evaluation time.
//
// # Built-in policies
//
//  1. execution-role-scope - object actions only on the declared scope, log
//     actions only on the account's log namespace
//  2. trust-principal - assumable only by the job service, service role
//     policy only
//  3. workflow-grant - glue:StartJobRun on the declared job and nothing else
//  4. schedule-target - one target, the workflow, evaluated in UTC
//  5. catalog-table - table location under the bucket's /data/ prefix and
//     primitive column types
//  6. network-attachment (warning) - a connection no job uses
//  7. destructive-operations (warning) - deletes and replacements in a plan;
//     any change to the looked-up bucket is critical
//
// Violations at error or critical severity block a deployment; warning and
// info are reported only.
//
// # Custom policies
//
// Extra rego files are loaded with the built-ins and follow the same result
// shape:
//
//	package glueflow.custom.naming
//
//	import rego.v1
//
//	deny contains violation if {
//	    not startswith(input.stack.job.name, "etl-")
//	    violation := {
//	        "message": sprintf("job %s must be prefixed etl-", [input.stack.job.name]),
//	        "severity": "error",
//	        "resource": input.stack.job.logicalId,
//	    }
//	}
//
// The Loader watches policy paths and hands the reloaded set to
// Engine.ReloadPolicies, which recompiles the built-ins with it.
package policy
