package policy

import (
	"time"

	"github.com/openfroyo/glueflow/pkg/engine"
	"github.com/openfroyo/glueflow/pkg/stack"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for findings that are reported but do not block.
	SeverityWarning Severity = "warning"

	// SeverityError is for violations that block synthesis and deployment.
	SeverityError Severity = "error"

	// SeverityCritical is for violations that must be addressed immediately.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether violations of this severity deny the operation.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code. Violations are read from the
	// package's deny set.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Metadata contains additional policy metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PolicyInput is the document policies are evaluated against.
type PolicyInput struct {
	// Stack is the declared stack.
	Stack *stack.Stack `json:"stack,omitempty"`

	// Expected holds values derived from the declaration that policies
	// compare against.
	Expected *Expected `json:"expected,omitempty"`

	// Plan is the execution plan being evaluated.
	Plan *engine.Plan `json:"plan,omitempty"`

	// Context provides additional evaluation context.
	Context *PolicyContext `json:"context"`
}

// Expected is derived from a stack by Go code so that policies need not
// reimplement ARN construction.
type Expected struct {
	ObjectScope   string   `json:"object_scope"`
	LogsScope     string   `json:"logs_scope"`
	JobARN        string   `json:"job_arn"`
	ScriptURI     string   `json:"script_uri"`
	TableLocation string   `json:"table_location"`
	ColumnTypes   []string `json:"column_types"`
}

// ExpectedFor derives the comparison values of s.
func ExpectedFor(s *stack.Stack) *Expected {
	return &Expected{
		ObjectScope:   s.ObjectScope(),
		LogsScope:     stack.LogsNamespaceARN(s.Region, s.Account),
		JobARN:        s.JobARN(),
		ScriptURI:     s.Bucket.URI(s.ScriptKey),
		TableLocation: s.Bucket.Location() + stack.TableDataSuffix,
		ColumnTypes:   stack.PrimitiveColumnTypes,
	}
}

// PolicyContext provides context information for policy evaluation.
type PolicyContext struct {
	// User is the user performing the operation.
	User string `json:"user,omitempty"`

	// Timestamp is when the evaluation is occurring.
	Timestamp time.Time `json:"timestamp"`

	// Operation is the operation being performed ("validate", "plan").
	Operation string `json:"operation,omitempty"`

	// DryRun indicates if this is a dry-run evaluation.
	DryRun bool `json:"dry_run"`
}

// PolicyBundle represents a collection of related policies.
type PolicyBundle struct {
	Name        string    `json:"name"`
	Version     string    `json:"version"`
	Description string    `json:"description"`
	Policies    []Policy  `json:"policies"`
	CreatedAt   time.Time `json:"created_at"`
}
