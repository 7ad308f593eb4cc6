package config

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// overrideSetters maps the globals an override script may assign to the
// configuration field they replace.
var overrideSetters = map[string]func(c *StackConfig, v string){
	"name":           func(c *StackConfig, v string) { c.Name = v },
	"variant":        func(c *StackConfig, v string) { c.Variant = v },
	"account":        func(c *StackConfig, v string) { c.Account = v },
	"region":         func(c *StackConfig, v string) { c.Region = v },
	"bucket":         func(c *StackConfig, v string) { c.Bucket = v },
	"script_key":     func(c *StackConfig, v string) { c.ScriptKey = v },
	"job_name":       func(c *StackConfig, v string) { c.Job.Name = v },
	"glue_version":   func(c *StackConfig, v string) { c.Job.GlueVersion = v },
	"python_version": func(c *StackConfig, v string) { c.Job.PythonVersion = v },
	"workflow_type":  func(c *StackConfig, v string) { c.Workflow.Type = v },
	"minute":         func(c *StackConfig, v string) { c.Schedule.Minute = v },
	"hour":           func(c *StackConfig, v string) { c.Schedule.Hour = v },
	"database": func(c *StackConfig, v string) {
		if c.Catalog != nil {
			c.Catalog.Database = v
		}
	},
}

// ApplyOverrides runs script with the current configuration bound to the
// global `config` and copies the scalar globals it defines back into cfg.
// Unknown globals are rejected so that typos do not pass silently.
//
//	hour = "6" if config["variant"] == "catalog" else config["schedule"]["hour"]
//	bucket = env("GLUEFLOW_BUCKET", config["bucket"])
func (cp *CUEParser) ApplyOverrides(ctx context.Context, cfg *StackConfig, filename, script string) error {
	current, err := toGenericMap(cfg)
	if err != nil {
		return err
	}

	result, err := cp.scripts.Run(ctx, filename, script, map[string]interface{}{"config": current})
	if err != nil {
		return fmt.Errorf("override script failed: %w", err)
	}

	var unknown []string
	for _, name := range result.Names() {
		set, ok := overrideSetters[name]
		if !ok {
			unknown = append(unknown, name)
			continue
		}
		switch v := result.Globals[name].(type) {
		case string:
			set(cfg, v)
		case int64:
			set(cfg, fmt.Sprintf("%d", v))
		default:
			return fmt.Errorf("override %s must be a string or integer, got %T", name, v)
		}
	}
	if len(unknown) > 0 {
		return fmt.Errorf("unknown overrides: %s", strings.Join(unknown, ", "))
	}
	return nil
}

func toGenericMap(cfg *StackConfig) (map[string]interface{}, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode configuration: %w", err)
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	return out, nil
}
