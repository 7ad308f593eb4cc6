package config

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"go.starlark.net/starlark"
)

const (
	defaultScriptTimeout = 30 * time.Second
	defaultScriptSteps   = 1 << 24
)

// ScriptRunner executes override scripts. A script sees its inputs as frozen
// globals and may call env(name, default="") to read the environment.
// Top-level names starting with an underscore and functions are private to
// the script; every other global it defines must be a scalar.
type ScriptRunner struct {
	timeout   time.Duration
	maxSteps  uint64
	lookupEnv func(string) (string, bool)
}

// NewScriptRunner creates a runner that aborts scripts after timeout.
func NewScriptRunner(timeout time.Duration) *ScriptRunner {
	if timeout <= 0 {
		timeout = defaultScriptTimeout
	}
	return &ScriptRunner{
		timeout:   timeout,
		maxSteps:  defaultScriptSteps,
		lookupEnv: os.LookupEnv,
	}
}

// Run executes script with inputs bound as predeclared globals.
func (r *ScriptRunner) Run(ctx context.Context, filename, script string, inputs map[string]interface{}) (*ScriptResult, error) {
	start := time.Now()
	result := &ScriptResult{Globals: make(map[string]interface{})}
	fail := func(err error) (*ScriptResult, error) {
		result.ExecutionTime = time.Since(start)
		result.Error = err.Error()
		return result, err
	}

	predeclared := starlark.StringDict{
		"env": starlark.NewBuiltin("env", r.env),
	}
	for name, v := range inputs {
		sv, err := toStarlarkValue(v)
		if err != nil {
			return fail(fmt.Errorf("input %s: %w", name, err))
		}
		sv.Freeze()
		predeclared[name] = sv
	}

	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name:  filename,
		Print: func(_ *starlark.Thread, msg string) { result.Printed = append(result.Printed, msg) },
	}
	thread.SetMaxExecutionSteps(r.maxSteps)
	stop := context.AfterFunc(runCtx, func() { thread.Cancel(runCtx.Err().Error()) })
	defer stop()

	globals, err := starlark.ExecFile(thread, filename, script, predeclared)
	if err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return fail(fmt.Errorf("%s: timed out after %v", filename, r.timeout))
		}
		return fail(err)
	}

	for name, v := range globals {
		if name[0] == '_' {
			continue
		}
		if _, ok := v.(starlark.Callable); ok {
			continue
		}
		gv, err := fromStarlarkScalar(v)
		if err != nil {
			return fail(fmt.Errorf("%s: global %s: %w", filename, name, err))
		}
		result.Globals[name] = gv
	}
	result.ExecutionTime = time.Since(start)
	return result, nil
}

func (r *ScriptRunner) env(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name, def string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name, "default?", &def); err != nil {
		return nil, err
	}
	if v, ok := r.lookupEnv(name); ok {
		return starlark.String(v), nil
	}
	return starlark.String(def), nil
}

// Names returns the script's public globals in sorted order.
func (r *ScriptResult) Names() []string {
	names := make([]string, 0, len(r.Globals))
	for name := range r.Globals {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// toStarlarkValue converts JSON-shaped Go values.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	switch val := v.(type) {
	case nil:
		return starlark.None, nil
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		// encoding/json decodes every number as float64
		if val == float64(int64(val)) {
			return starlark.MakeInt64(int64(val)), nil
		}
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []string:
		items := make([]starlark.Value, len(val))
		for i, s := range val {
			items[i] = starlark.String(s)
		}
		return starlark.NewList(items), nil
	case []interface{}:
		items := make([]starlark.Value, len(val))
		for i, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			items[i] = sv
		}
		return starlark.NewList(items), nil
	case map[string]interface{}:
		dict := starlark.NewDict(len(val))
		for k, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type %T", v)
	}
}

func fromStarlarkScalar(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer %s out of range", val)
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	default:
		return nil, fmt.Errorf("must be a scalar, got %s (prefix helpers with _)", v.Type())
	}
}
