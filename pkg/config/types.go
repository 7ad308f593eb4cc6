package config

import (
	"fmt"
	"time"

	"github.com/openfroyo/glueflow/pkg/stack"
)

// StackConfig is the decoded `stack` block of a configuration.
type StackConfig struct {
	// Name is the deployment stack name.
	Name string `json:"name" validate:"required"`

	// Variant is "basic" or "catalog".
	Variant string `json:"variant" validate:"required,oneof=basic catalog"`

	// Account and Region pin the deployment target. When empty they are
	// resolved at deployment time.
	Account string `json:"account,omitempty" validate:"omitempty,len=12,numeric"`
	Region  string `json:"region,omitempty"`

	// Bucket is the name of the existing bucket holding the job script.
	Bucket string `json:"bucket" validate:"required,min=3,max=63"`

	// ScriptKey is the object key of the job script.
	ScriptKey string `json:"script_key" validate:"required"`

	Job      JobConfig      `json:"job"`
	Workflow WorkflowConfig `json:"workflow"`
	Schedule ScheduleConfig `json:"schedule"`

	// Catalog is only honored by the catalog variant.
	Catalog *CatalogConfig `json:"catalog,omitempty"`

	// PolicyPaths are extra Rego files or directories evaluated with the built-in policies.
	PolicyPaths []string `json:"policy_paths,omitempty"`
}

// JobConfig configures the ETL job.
type JobConfig struct {
	Name          string `json:"name" validate:"required"`
	GlueVersion   string `json:"glue_version" validate:"required"`
	PythonVersion string `json:"python_version" validate:"required,oneof=2 3"`
}

// WorkflowConfig configures the workflow that starts the job.
type WorkflowConfig struct {
	Type string `json:"type" validate:"required,oneof=EXPRESS STANDARD"`
}

// ScheduleConfig holds the minute and hour fields of the daily rule.
type ScheduleConfig struct {
	Minute string `json:"minute" validate:"required"`
	Hour   string `json:"hour" validate:"required"`
}

// CatalogConfig configures the catalog variant's extra resources.
type CatalogConfig struct {
	Database   string           `json:"database" validate:"required"`
	Table      TableConfig      `json:"table"`
	Connection ConnectionConfig `json:"connection"`
}

// TableConfig configures the catalog table.
type TableConfig struct {
	Name         string         `json:"name" validate:"required"`
	Columns      []ColumnConfig `json:"columns" validate:"required,min=1,dive"`
	InputFormat  string         `json:"input_format" validate:"required"`
	OutputFormat string         `json:"output_format" validate:"required"`
	SerdeLibrary string         `json:"serde_library" validate:"required"`
}

// ColumnConfig is a single table column.
type ColumnConfig struct {
	Name string `json:"name" validate:"required"`
	Type string `json:"type" validate:"required"`
}

// ConnectionConfig configures the network connection.
type ConnectionConfig struct {
	Name             string   `json:"name" validate:"required"`
	AvailabilityZone string   `json:"availability_zone" validate:"required"`
	SecurityGroupIDs []string `json:"security_group_ids" validate:"required,min=1"`
	SubnetID         string   `json:"subnet_id" validate:"required"`
}

// Params converts the configuration into stack builder parameters. Catalog
// settings left out of the configuration keep their defaults.
func (c *StackConfig) Params() stack.Params {
	p := stack.DefaultParams()
	p.StackName = c.Name
	p.Variant = stack.Variant(c.Variant)
	p.Account = c.Account
	p.Region = c.Region
	p.Bucket = c.Bucket
	p.ScriptKey = c.ScriptKey
	p.JobName = c.Job.Name
	p.GlueVersion = c.Job.GlueVersion
	p.PythonVersion = c.Job.PythonVersion
	p.WorkflowType = c.Workflow.Type
	p.Minute = c.Schedule.Minute
	p.Hour = c.Schedule.Hour

	if c.Catalog != nil {
		p.Database = c.Catalog.Database
		t := c.Catalog.Table
		p.Table = stack.TableParams{
			Name:         t.Name,
			InputFormat:  t.InputFormat,
			OutputFormat: t.OutputFormat,
			SerdeLibrary: t.SerdeLibrary,
		}
		for _, col := range t.Columns {
			p.Table.Columns = append(p.Table.Columns, stack.Column{Name: col.Name, Type: col.Type})
		}
		conn := c.Catalog.Connection
		p.Connection = stack.ConnectionParams{
			Name:             conn.Name,
			AvailabilityZone: conn.AvailabilityZone,
			SecurityGroupIDs: append([]string(nil), conn.SecurityGroupIDs...),
			SubnetID:         conn.SubnetID,
		}
	}
	return p
}

// Stack builds the declared stack.
func (c *StackConfig) Stack() (*stack.Stack, error) {
	return stack.Build(c.Params())
}

// ParsedConfig represents a parsed configuration with its provenance.
type ParsedConfig struct {
	// Stack is the decoded stack block. Nil when Errors is not empty.
	Stack *StackConfig `json:"stack,omitempty"`

	// SourceFiles lists all source files that were parsed.
	SourceFiles []string `json:"source_files"`

	// ParsedAt is when the configuration was parsed.
	ParsedAt time.Time `json:"parsed_at"`

	// Errors contains any parsing or validation errors.
	Errors []ValidationError `json:"errors,omitempty"`
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	// File is the source file where the error occurred.
	File string `json:"file,omitempty"`

	// Line is the line number where the error occurred.
	Line int `json:"line,omitempty"`

	// Column is the column number where the error occurred.
	Column int `json:"column,omitempty"`

	// Path is the configuration path (e.g., "stack.job.name").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`

	// Severity is the error severity (error, warning, info).
	Severity string `json:"severity"`
}

// Error implements the error interface.
func (ve ValidationError) Error() string {
	if ve.File != "" && ve.Line > 0 {
		return fmt.Sprintf("%s:%d:%d: %s", ve.File, ve.Line, ve.Column, ve.Message)
	}
	if ve.Path != "" {
		return fmt.Sprintf("%s: %s", ve.Path, ve.Message)
	}
	return ve.Message
}

// ScriptResult is the outcome of one override script run.
type ScriptResult struct {
	// Globals holds the public scalar globals the script defined.
	Globals map[string]interface{} `json:"globals"`

	// Printed collects the script's print() output.
	Printed []string `json:"printed,omitempty"`

	ExecutionTime time.Duration `json:"execution_time"`
	Error         string        `json:"error,omitempty"`
}
