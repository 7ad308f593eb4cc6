// Package engine plans and records changes to a declared stack.
//
// # Overview
//
// A stack is declared as a Config: a list of Resources with logical IDs, kinds,
// properties and dependency edges. Applying it goes through four steps:
//
//  1. Diff - compare each declared resource with the state recorded by the
//     last successful deployment (Planner.ComputeDiff)
//  2. Plan - turn changed resources into PlanUnits with require edges (Planner.BuildPlan)
//  3. Level - order units into a DAG whose levels can run in parallel (Planner.BuildDAG)
//  4. Record - after the deployment transaction commits, run the plan through
//     the ParallelScheduler with a StateRecorder so recorded state follows
//     what was deployed
//
// # Operations
//
// A declared resource with no recorded state is a create. A recorded resource
// whose content hash still matches is a noop. A changed identity field (the job
// name, for instance) forces a recreate; any other change is an update.
// Recorded resources that are no longer declared are deleted, in reverse
// dependency order. Looked-up resources such as an existing bucket are never
// created or deleted.
//
// Planning an unchanged declaration twice yields a plan with no units.
//
// # Error Classification
//
// Errors carry a class that drives retries:
//
//   - Transient: temporary failures that may succeed on retry
//   - Throttled: rate limiting that requires backoff
//   - Conflict: competing updates to the same stack
//   - Permanent: validation, authorization and everything unclassified
package engine
