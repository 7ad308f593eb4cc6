package stores

import (
	"context"
	"time"

	"github.com/openfroyo/glueflow/pkg/engine"
)

// DeploymentStatus mirrors the deployment lifecycle.
type DeploymentStatus string

const (
	DeploymentPending   DeploymentStatus = "pending"
	DeploymentSubmitted DeploymentStatus = "submitted"
	DeploymentComplete  DeploymentStatus = "complete"
	DeploymentFailed    DeploymentStatus = "failed"
	DeploymentNoop      DeploymentStatus = "noop"
	DeploymentDryRun    DeploymentStatus = "dry_run"
)

// IsTerminal reports whether no further transition is expected.
func (s DeploymentStatus) IsTerminal() bool {
	switch s {
	case DeploymentComplete, DeploymentFailed, DeploymentNoop, DeploymentDryRun:
		return true
	}
	return false
}

// Deployment records one apply of a stack.
type Deployment struct {
	ID           string             `json:"id"`
	StackName    string             `json:"stack_name"`
	Variant      string             `json:"variant"`
	PlanID       string             `json:"plan_id"`
	Status       DeploymentStatus   `json:"status"`
	TemplateHash string             `json:"template_hash"`
	Summary      engine.PlanSummary `json:"summary"`
	Error        *string            `json:"error,omitempty"`
	StartedAt    time.Time          `json:"started_at"`
	CompletedAt  *time.Time         `json:"completed_at,omitempty"`
	Metadata     map[string]string  `json:"metadata,omitempty"`
}

// AuditEntry records who did what to a stack.
type AuditEntry struct {
	ID        int64                  `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Actor     string                 `json:"actor"`
	Action    string                 `json:"action"`
	StackName string                 `json:"stack_name"`
	Result    string                 `json:"result"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// Store is the persistence surface used by the CLI.
type Store interface {
	engine.StateManager
	engine.EventPublisher

	// Lifecycle
	Init(ctx context.Context) error
	Migrate(ctx context.Context) error
	HealthCheck(ctx context.Context) error
	Close() error

	// Deployments
	CreateDeployment(ctx context.Context, d *Deployment) error
	UpdateDeploymentStatus(ctx context.Context, id string, status DeploymentStatus, errMsg *string) error
	GetDeployment(ctx context.Context, id string) (*Deployment, error)
	ListDeployments(ctx context.Context, stackName string, limit int) ([]*Deployment, error)

	// Events
	ListEvents(ctx context.Context, runID string) ([]*engine.Event, error)

	// Audit
	CreateAuditEntry(ctx context.Context, entry *AuditEntry) error
	ListAuditEntries(ctx context.Context, stackName string, limit int) ([]*AuditEntry, error)
}

var _ Store = (*SQLiteStore)(nil)
