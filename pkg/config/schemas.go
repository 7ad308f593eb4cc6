package config

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaRegistry manages CUE schemas for validation.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	return newSchemaRegistry(cuecontext.New())
}

// newSchemaRegistry compiles the built-in schemas in ctx. Values unified with
// them must come from the same context.
func newSchemaRegistry(ctx *cue.Context) *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     ctx,
		schemas: make(map[string]cue.Value),
	}
	sr.registerBuiltInSchemas()
	return sr
}

func (sr *SchemaRegistry) registerBuiltInSchemas() {
	if err := sr.RegisterSchema("stack", builtinSchemas, "#Stack"); err != nil {
		panic(err)
	}
	if err := sr.RegisterSchema("column", builtinSchemas, "#Column"); err != nil {
		panic(err)
	}
}

// RegisterSchema compiles source and registers its definition under name.
func (sr *SchemaRegistry) RegisterSchema(name, source, definition string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(source, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	def := val.LookupPath(cue.ParsePath(definition))
	if !def.Exists() {
		return fmt.Errorf("schema %s does not define %s", name, definition)
	}

	sr.schemas[name] = def
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// ValidateAgainstSchema validates data against a named schema. Schema
// defaults fill fields missing from data.
func (sr *SchemaRegistry) ValidateAgainstSchema(ctx context.Context, schemaName string, data interface{}) error {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}

	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	unified := schema.Unify(dataVal)
	if err := unified.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// ListSchemas returns all registered schema names in sorted order.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// builtinSchemas declares the stack block. Every field has a default so an
// empty `stack: {}` yields the basic variant.
const builtinSchemas = `
#Column: {
	name: string & =~"^[A-Za-z_][A-Za-z0-9_]*$"
	type: string & !=""
}

#Stack: {
	name:       *"CdhelloWorldV2Stack" | (string & =~"^[A-Za-z][A-Za-z0-9-]*$")
	variant:    *"basic" | "catalog"
	account?:   string & =~"^[0-9]{12}$"
	region?:    string & =~"^[a-z]{2}(-[a-z]+)+-[0-9]$"
	bucket:     *"rodes-bucket-1909001" | (string & =~"^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$")
	script_key: *"cdk-hello-world-v2.py" | (string & !="")

	job: {
		name:           *"MyGlueJob" | (string & =~"^[A-Za-z0-9_-]+$")
		glue_version:   *"3.0" | "1.0" | "2.0" | "4.0" | "5.0"
		python_version: *"3" | "2"
	}

	workflow: {
		type: *"EXPRESS" | "STANDARD"
	}

	schedule: {
		minute: *"0" | (string & !="")
		hour:   *"10" | (string & !="")
	}

	catalog?: {
		database: *"glueflow_database" | (string & =~"^[a-z0-9_]+$")
		table: {
			name: *"glueflow_table" | (string & =~"^[a-z0-9_]+$")
			columns: *[
				{name: "id", type:    "string"},
				{name: "name", type:  "string"},
				{name: "value", type: "int"},
			] | [#Column, ...#Column]
			input_format:  *"org.apache.hadoop.mapred.TextInputFormat" | string
			output_format: *"org.apache.hadoop.hive.ql.io.HiveIgnoreKeyTextOutputFormat" | string
			serde_library: *"org.apache.hadoop.hive.serde2.lazy.LazySimpleSerDe" | string
		}
		connection: {
			name:               *"glueflow-connection" | (string & !="")
			availability_zone:  *"us-east-1a" | string
			security_group_ids: *["sg-12345678"] | [string, ...string]
			subnet_id:          *"subnet-12345678" | string
		}
	}

	policy_paths?: [...string]
}
`
