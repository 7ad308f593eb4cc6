// Package stores persists deployment history for glueflow in SQLite.
//
// The store records deployments, the per-resource state of the last
// successful deployment of each stack (the baseline the planner diffs
// against), the event timeline of each run, and an audit log. The schema is
// managed by embedded golang-migrate migrations.
package stores
