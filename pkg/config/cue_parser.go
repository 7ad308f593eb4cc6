package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"github.com/go-playground/validator/v10"
)

// StackField is the top-level field holding the stack declaration.
const StackField = "stack"

// CUEParser parses and validates CUE configuration files.
type CUEParser struct {
	ctx            *cue.Context
	schemaRegistry *SchemaRegistry
	scripts        *ScriptRunner
	validator      *validator.Validate
}

// NewCUEParser creates a new CUE parser.
func NewCUEParser() *CUEParser {
	ctx := cuecontext.New()
	return &CUEParser{
		ctx:            ctx,
		schemaRegistry: newSchemaRegistry(ctx),
		scripts:        NewScriptRunner(defaultScriptTimeout),
		validator:      validator.New(),
	}
}

// Load parses sources, applies the optional Starlark override script and
// validates the result. Any parse or validation problem is returned as an error.
func (cp *CUEParser) Load(ctx context.Context, sources []string, overrideScript string) (*StackConfig, error) {
	parsed, err := cp.Parse(ctx, sources)
	if err != nil {
		return nil, err
	}
	if len(parsed.Errors) > 0 {
		return nil, joinErrors(parsed.Errors)
	}

	cfg := parsed.Stack
	if overrideScript != "" {
		script, err := os.ReadFile(overrideScript)
		if err != nil {
			return nil, fmt.Errorf("failed to read override script: %w", err)
		}
		if err := cp.ApplyOverrides(ctx, cfg, filepath.Base(overrideScript), string(script)); err != nil {
			return nil, err
		}
		// overridden values must still satisfy #Stack
		doc, err := toGenericMap(cfg)
		if err != nil {
			return nil, err
		}
		if err := cp.schemaRegistry.ValidateAgainstSchema(ctx, "stack", doc); err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(overrideScript), err)
		}
	}

	if err := cp.Validate(ctx, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks a decoded configuration with the struct validator.
func (cp *CUEParser) Validate(ctx context.Context, cfg *StackConfig) error {
	if cfg == nil {
		return fmt.Errorf("configuration cannot be nil")
	}
	if err := cp.validator.Struct(cfg); err != nil {
		return fmt.Errorf("stack %s validation failed: %w", cfg.Name, err)
	}
	if cfg.Variant == "basic" && cfg.Catalog != nil {
		return fmt.Errorf("stack %s: catalog settings require the catalog variant", cfg.Name)
	}
	return nil
}

// Parse parses CUE configuration from the given files and directories.
// Problems in the configuration itself are reported in ParsedConfig.Errors;
// the returned error is reserved for unreadable sources.
func (cp *CUEParser) Parse(ctx context.Context, sources []string) (*ParsedConfig, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("no sources provided")
	}

	var cueValue cue.Value
	var sourceFiles []string
	var parseErrors []ValidationError

	for _, source := range sources {
		info, err := os.Stat(source)
		if err != nil {
			return nil, fmt.Errorf("failed to stat source %s: %w", source, err)
		}

		var val cue.Value
		var errs []ValidationError
		if info.IsDir() {
			var files []string
			val, files, errs = cp.loadDirectory(source)
			sourceFiles = append(sourceFiles, files...)
		} else {
			val, errs = cp.loadFile(source)
			sourceFiles = append(sourceFiles, source)
		}
		parseErrors = append(parseErrors, errs...)

		if val.Exists() {
			if cueValue.Exists() {
				cueValue = cueValue.Unify(val)
			} else {
				cueValue = val
			}
		}
	}

	if len(parseErrors) > 0 {
		return &ParsedConfig{SourceFiles: sourceFiles, ParsedAt: time.Now(), Errors: parseErrors}, nil
	}

	if err := cueValue.Err(); err != nil {
		return &ParsedConfig{SourceFiles: sourceFiles, ParsedAt: time.Now(), Errors: cp.convertCUEErrors(err)}, nil
	}

	return cp.extractConfig(cueValue, sourceFiles), nil
}

// ParseInline parses inline CUE content.
func (cp *CUEParser) ParseInline(ctx context.Context, content string) (*ParsedConfig, error) {
	val := cp.ctx.CompileString(content, cue.Filename("inline"))
	if err := val.Err(); err != nil {
		return &ParsedConfig{
			SourceFiles: []string{"inline"},
			ParsedAt:    time.Now(),
			Errors:      cp.convertCUEErrors(err),
		}, nil
	}

	return cp.extractConfig(val, []string{"inline"}), nil
}

// loadDirectory loads a directory as a CUE package.
func (cp *CUEParser) loadDirectory(dir string) (cue.Value, []string, []ValidationError) {
	buildInstances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(buildInstances) == 0 {
		return cue.Value{}, nil, []ValidationError{{
			File:     dir,
			Message:  "no CUE files found",
			Severity: "error",
		}}
	}

	inst := buildInstances[0]
	if inst.Err != nil {
		return cue.Value{}, nil, cp.convertCUEErrors(inst.Err)
	}

	val := cp.ctx.BuildInstance(inst)
	if err := val.Err(); err != nil {
		return cue.Value{}, nil, cp.convertCUEErrors(err)
	}

	var files []string
	for _, file := range inst.Files {
		if file.Filename != "" {
			files = append(files, file.Filename)
		}
	}
	sort.Strings(files)

	return val, files, nil
}

// loadFile loads a single CUE file.
func (cp *CUEParser) loadFile(path string) (cue.Value, []ValidationError) {
	content, err := os.ReadFile(path)
	if err != nil {
		return cue.Value{}, []ValidationError{{
			File:     path,
			Message:  fmt.Sprintf("failed to read file: %v", err),
			Severity: "error",
		}}
	}

	val := cp.ctx.CompileString(string(content), cue.Filename(path))
	if err := val.Err(); err != nil {
		return cue.Value{}, cp.convertCUEErrors(err)
	}

	return val, nil
}

// extractConfig unifies the stack block with the #Stack schema and decodes it.
func (cp *CUEParser) extractConfig(val cue.Value, sourceFiles []string) *ParsedConfig {
	parsed := &ParsedConfig{
		SourceFiles: sourceFiles,
		ParsedAt:    time.Now(),
	}

	stackVal := val.LookupPath(cue.ParsePath(StackField))
	if !stackVal.Exists() {
		parsed.Errors = append(parsed.Errors, ValidationError{
			Path:     StackField,
			Message:  "no stack declared",
			Severity: "error",
		})
		return parsed
	}

	schema, _ := cp.schemaRegistry.GetSchema("stack")
	unified := schema.Unify(stackVal)
	if err := unified.Validate(); err != nil {
		parsed.Errors = append(parsed.Errors, cp.convertCUEErrors(err)...)
		return parsed
	}

	var cfg StackConfig
	if err := unified.Decode(&cfg); err != nil {
		parsed.Errors = append(parsed.Errors, ValidationError{
			Path:     StackField,
			Message:  fmt.Sprintf("failed to decode stack: %v", err),
			Severity: "error",
		})
		return parsed
	}
	parsed.Stack = &cfg

	return parsed
}

// convertCUEErrors converts CUE errors to ValidationError slice.
func (cp *CUEParser) convertCUEErrors(err error) []ValidationError {
	var validationErrors []ValidationError

	for _, e := range errors.Errors(err) {
		pos := errors.Positions(e)
		var file string
		var line, column int

		if len(pos) > 0 {
			file = pos[0].Filename()
			line = pos[0].Line()
			column = pos[0].Column()
		}

		validationErrors = append(validationErrors, ValidationError{
			File:     file,
			Line:     line,
			Column:   column,
			Path:     strings.Join(e.Path(), "."),
			Message:  errors.Details(e, nil),
			Severity: "error",
		})
	}

	return validationErrors
}

// ExportJSON renders a decoded configuration as indented JSON.
func ExportJSON(cfg *StackConfig) ([]byte, error) {
	return json.MarshalIndent(map[string]interface{}{StackField: cfg}, "", "  ")
}

func joinErrors(errs []ValidationError) error {
	msgs := make([]string, 0, len(errs))
	for _, e := range errs {
		msgs = append(msgs, e.Error())
	}
	return fmt.Errorf("configuration errors: %s", strings.Join(msgs, "; "))
}
