package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"

	"github.com/openfroyo/glueflow/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// SQLiteStore implements Store using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to :memory: is a separate database.
	if cfg.Path == MemoryPath {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Init opens the database and applies connection pragmas.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.cfg.Path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	if s.cfg.Path != MemoryPath {
		dsn += "&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database answers queries.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	var one int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	return nil
}

// CreateDeployment inserts a deployment record. A missing ID is generated.
func (s *SQLiteStore) CreateDeployment(ctx context.Context, d *Deployment) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.StartedAt.IsZero() {
		d.StartedAt = time.Now().UTC()
	}
	if d.Status == "" {
		d.Status = DeploymentPending
	}

	summary, err := json.Marshal(d.Summary)
	if err != nil {
		return fmt.Errorf("failed to encode summary: %w", err)
	}
	metadata, err := marshalMap(d.Metadata)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO deployments (id, stack_name, variant, plan_id, status, template_hash, summary, error, started_at, completed_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		d.ID,
		d.StackName,
		d.Variant,
		d.PlanID,
		string(d.Status),
		d.TemplateHash,
		string(summary),
		d.Error,
		d.StartedAt,
		d.CompletedAt,
		metadata,
	)
	if err != nil {
		return fmt.Errorf("failed to create deployment: %w", err)
	}
	return nil
}

// UpdateDeploymentStatus moves a deployment to status. Terminal statuses set
// the completion time.
func (s *SQLiteStore) UpdateDeploymentStatus(ctx context.Context, id string, status DeploymentStatus, errMsg *string) error {
	var completedAt *time.Time
	if status.IsTerminal() {
		now := time.Now().UTC()
		completedAt = &now
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE deployments SET status = ?, error = ?, completed_at = ? WHERE id = ?`,
		string(status), errMsg, completedAt, id)
	if err != nil {
		return fmt.Errorf("failed to update deployment status: %w", err)
	}
	return requireRow(result, "deployment", id)
}

const deploymentColumns = `id, stack_name, variant, plan_id, status, template_hash, summary, error, started_at, completed_at, metadata`

// GetDeployment retrieves a deployment by ID
func (s *SQLiteStore) GetDeployment(ctx context.Context, id string) (*Deployment, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+deploymentColumns+` FROM deployments WHERE id = ?`, id)
	d, err := scanDeployment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("deployment", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get deployment: %w", err)
	}
	return d, nil
}

// ListDeployments lists the deployments of a stack, newest first. An empty
// stack name lists every stack.
func (s *SQLiteStore) ListDeployments(ctx context.Context, stackName string, limit int) ([]*Deployment, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+deploymentColumns+` FROM deployments
		WHERE ? = '' OR stack_name = ?
		ORDER BY started_at DESC
		LIMIT ?
	`, stackName, stackName, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list deployments: %w", err)
	}
	defer rows.Close()

	deployments := []*Deployment{}
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan deployment: %w", err)
		}
		deployments = append(deployments, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating deployments: %w", err)
	}
	return deployments, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanDeployment(row scanner) (*Deployment, error) {
	d := &Deployment{}
	var status, summary, metadata string
	var errMsg sql.NullString
	var completedAt sql.NullTime

	if err := row.Scan(
		&d.ID,
		&d.StackName,
		&d.Variant,
		&d.PlanID,
		&status,
		&d.TemplateHash,
		&summary,
		&errMsg,
		&d.StartedAt,
		&completedAt,
		&metadata,
	); err != nil {
		return nil, err
	}

	d.Status = DeploymentStatus(status)
	if errMsg.Valid {
		d.Error = &errMsg.String
	}
	if completedAt.Valid {
		t := completedAt.Time
		d.CompletedAt = &t
	}
	if err := json.Unmarshal([]byte(summary), &d.Summary); err != nil {
		return nil, fmt.Errorf("invalid summary: %w", err)
	}
	if err := json.Unmarshal([]byte(metadata), &d.Metadata); err != nil {
		return nil, fmt.Errorf("invalid metadata: %w", err)
	}
	return d, nil
}

// GetResourceState implements engine.StateManager.
func (s *SQLiteStore) GetResourceState(ctx context.Context, stackName, resourceID string) (*engine.ResourceState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT resource_id, kind, name, identity, properties, dependencies, hash, deployment_id, applied_at
		FROM resource_state
		WHERE stack_name = ? AND resource_id = ?
	`, stackName, resourceID)

	state, err := scanResourceState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("resource state", stackName+"/"+resourceID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get resource state: %w", err)
	}
	return state, nil
}

// ListResourceStates implements engine.StateManager.
func (s *SQLiteStore) ListResourceStates(ctx context.Context, stackName string) ([]engine.ResourceState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT resource_id, kind, name, identity, properties, dependencies, hash, deployment_id, applied_at
		FROM resource_state
		WHERE stack_name = ?
		ORDER BY resource_id
	`, stackName)
	if err != nil {
		return nil, fmt.Errorf("failed to list resource states: %w", err)
	}
	defer rows.Close()

	states := []engine.ResourceState{}
	for rows.Next() {
		state, err := scanResourceState(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan resource state: %w", err)
		}
		states = append(states, *state)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating resource states: %w", err)
	}
	return states, nil
}

// SaveResourceState implements engine.StateManager.
func (s *SQLiteStore) SaveResourceState(ctx context.Context, stackName string, state *engine.ResourceState) error {
	deps, err := json.Marshal(state.Dependencies)
	if err != nil {
		return fmt.Errorf("failed to encode dependencies: %w", err)
	}
	if state.Dependencies == nil {
		deps = []byte("[]")
	}

	query := `
		INSERT INTO resource_state (stack_name, resource_id, kind, name, identity, properties, dependencies, hash, deployment_id, applied_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(stack_name, resource_id) DO UPDATE SET
			kind = excluded.kind,
			name = excluded.name,
			identity = excluded.identity,
			properties = excluded.properties,
			dependencies = excluded.dependencies,
			hash = excluded.hash,
			deployment_id = excluded.deployment_id,
			applied_at = excluded.applied_at
	`
	_, err = s.db.ExecContext(ctx, query,
		stackName,
		state.ResourceID,
		string(state.Kind),
		state.Name,
		state.Identity,
		string(state.Properties),
		string(deps),
		state.Hash,
		state.DeploymentID,
		state.AppliedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save resource state: %w", err)
	}
	return nil
}

// DeleteResourceState implements engine.StateManager.
func (s *SQLiteStore) DeleteResourceState(ctx context.Context, stackName, resourceID string) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM resource_state WHERE stack_name = ? AND resource_id = ?`, stackName, resourceID)
	if err != nil {
		return fmt.Errorf("failed to delete resource state: %w", err)
	}
	return requireRow(result, "resource state", stackName+"/"+resourceID)
}

func scanResourceState(row scanner) (*engine.ResourceState, error) {
	state := &engine.ResourceState{}
	var kind, properties, deps string

	if err := row.Scan(
		&state.ResourceID,
		&kind,
		&state.Name,
		&state.Identity,
		&properties,
		&deps,
		&state.Hash,
		&state.DeploymentID,
		&state.AppliedAt,
	); err != nil {
		return nil, err
	}

	state.Kind = engine.ResourceKind(kind)
	state.Properties = json.RawMessage(properties)
	if err := json.Unmarshal([]byte(deps), &state.Dependencies); err != nil {
		return nil, fmt.Errorf("invalid dependencies: %w", err)
	}
	if len(state.Dependencies) == 0 {
		state.Dependencies = nil
	}
	return state, nil
}

// Publish implements engine.EventPublisher. Events keep their insertion order.
func (s *SQLiteStore) Publish(ctx context.Context, event *engine.Event) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Level == "" {
		event.Level = event.Type.Severity()
	}
	details, err := marshalMap(event.Details)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO events (id, run_id, type, plan_unit_id, resource_id, level, message, details, timestamp, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM events))
	`
	_, err = s.db.ExecContext(ctx, query,
		event.ID,
		event.RunID,
		string(event.Type),
		event.PlanUnitID,
		event.ResourceID,
		event.Level,
		event.Message,
		details,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// ListEvents returns the timeline of a run in publication order.
func (s *SQLiteStore) ListEvents(ctx context.Context, runID string) ([]*engine.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, type, plan_unit_id, resource_id, level, message, details, timestamp
		FROM events
		WHERE run_id = ?
		ORDER BY seq ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := []*engine.Event{}
	for rows.Next() {
		event := &engine.Event{}
		var eventType, details string
		if err := rows.Scan(
			&event.ID,
			&event.RunID,
			&eventType,
			&event.PlanUnitID,
			&event.ResourceID,
			&event.Level,
			&event.Message,
			&details,
			&event.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		event.Type = engine.EventType(eventType)
		if err := json.Unmarshal([]byte(details), &event.Details); err != nil {
			return nil, fmt.Errorf("invalid event details: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}

// CreateAuditEntry creates a new audit log entry
func (s *SQLiteStore) CreateAuditEntry(ctx context.Context, entry *AuditEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	details, err := marshalMap(entry.Details)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO audit (timestamp, actor, action, stack_name, result, details)
		VALUES (?, ?, ?, ?, ?, ?)
	`, entry.Timestamp, entry.Actor, entry.Action, entry.StackName, entry.Result, details)
	if err != nil {
		return fmt.Errorf("failed to create audit entry: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get audit entry ID: %w", err)
	}
	entry.ID = id
	return nil
}

// ListAuditEntries lists audit entries of a stack, newest first.
func (s *SQLiteStore) ListAuditEntries(ctx context.Context, stackName string, limit int) ([]*AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, timestamp, actor, action, stack_name, result, details
		FROM audit
		WHERE ? = '' OR stack_name = ?
		ORDER BY id DESC
		LIMIT ?
	`, stackName, stackName, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	entries := []*AuditEntry{}
	for rows.Next() {
		entry := &AuditEntry{}
		var details string
		if err := rows.Scan(
			&entry.ID,
			&entry.Timestamp,
			&entry.Actor,
			&entry.Action,
			&entry.StackName,
			&entry.Result,
			&details,
		); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		if err := json.Unmarshal([]byte(details), &entry.Details); err != nil {
			return nil, fmt.Errorf("invalid audit details: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}
	return entries, nil
}

func notFound(what, id string) error {
	return engine.NewPermanentError(fmt.Sprintf("%s not found: %s", what, id), nil).
		WithCode(engine.ErrCodeNotFound).
		WithResource(id)
}

func requireRow(result sql.Result, what, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return notFound(what, id)
	}
	return nil
}

func marshalMap[V any](m map[string]V) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to encode map: %w", err)
	}
	return string(data), nil
}
