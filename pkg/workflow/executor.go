package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// JobStarter starts a run of a named job and returns its run id.
type JobStarter interface {
	StartJobRun(ctx context.Context, jobName string, arguments map[string]string) (string, error)
}

// ExecutionStatus is the status of a workflow execution.
type ExecutionStatus string

const (
	StatusRunning   ExecutionStatus = "RUNNING"
	StatusSucceeded ExecutionStatus = "SUCCEEDED"
	StatusFailed    ExecutionStatus = "FAILED"
)

// Error names reported by failed executions.
const (
	ErrorTaskFailed = "States.TaskFailed"
	ErrorTimeout    = "States.Timeout"
	ErrorRuntime    = "States.Runtime"

	ErrorResultPathMatchFailure = "States.ResultPathMatchFailure"
)

// HistoryEvent is one entry of an execution's history.
type HistoryEvent struct {
	Type      string    `json:"type"`
	State     string    `json:"state,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Detail    string    `json:"detail,omitempty"`
}

// Execution is the record of one workflow run.
type Execution struct {
	ID        string          `json:"id"`
	Status    ExecutionStatus `json:"status"`
	Input     json.RawMessage `json:"input"`
	Output    json.RawMessage `json:"output,omitempty"`
	Error     string          `json:"error,omitempty"`
	Cause     string          `json:"cause,omitempty"`
	StartedAt time.Time       `json:"started_at"`
	StoppedAt time.Time       `json:"stopped_at,omitempty"`
	History   []HistoryEvent  `json:"history"`
}

// maxTransitions bounds Pass loops.
const maxTransitions = 1000

// Executor runs definitions locally.
type Executor struct {
	starter JobStarter
	logger  zerolog.Logger
	now     func() time.Time
}

// NewExecutor creates an executor that starts jobs through starter.
func NewExecutor(starter JobStarter, logger zerolog.Logger) *Executor {
	return &Executor{
		starter: starter,
		logger:  logger.With().Str("component", "workflow").Logger(),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Execute runs def against input. It returns an error only when the
// definition or the input is unusable; a failing state produces a FAILED
// execution and a nil error.
func (e *Executor) Execute(ctx context.Context, def *Definition, input []byte) (*Execution, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if len(input) == 0 {
		input = []byte("{}")
	}
	if !gjson.ValidBytes(input) {
		return nil, fmt.Errorf("execution input is not valid JSON")
	}

	exec := &Execution{
		ID:        uuid.New().String(),
		Status:    StatusRunning,
		Input:     append(json.RawMessage(nil), input...),
		StartedAt: e.now(),
	}
	log := e.logger.With().Str("execution_id", exec.ID).Logger()
	exec.record(e.now(), "ExecutionStarted", "", "")
	log.Info().Str("start_at", def.StartAt).Msg("Execution started")

	if def.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(def.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	data := input
	name := def.StartAt
	for i := 0; ; i++ {
		if i >= maxTransitions {
			e.fail(exec, ErrorRuntime, fmt.Sprintf("exceeded %d state transitions", maxTransitions))
			break
		}
		st := def.States[name]
		exec.record(e.now(), "StateEntered", name, "")

		out, err := e.runState(ctx, name, st, data)
		if err != nil {
			var fe *stateFailure
			if errors.As(err, &fe) {
				e.fail(exec, fe.name, fe.cause)
			} else {
				e.fail(exec, ErrorRuntime, err.Error())
			}
			exec.record(e.now(), "StateFailed", name, exec.Error)
			break
		}
		data = out
		exec.record(e.now(), "StateExited", name, "")

		if st.Type == StateSucceed || st.End {
			exec.Status = StatusSucceeded
			exec.Output = append(json.RawMessage(nil), data...)
			exec.StoppedAt = e.now()
			exec.record(exec.StoppedAt, "ExecutionSucceeded", "", "")
			break
		}
		name = st.Next
	}

	if exec.Status == StatusFailed {
		log.Warn().Str("error", exec.Error).Str("cause", exec.Cause).Msg("Execution failed")
	} else {
		log.Info().RawJSON("output", exec.Output).Msg("Execution succeeded")
	}
	return exec, nil
}

func (e *Executor) fail(exec *Execution, name, cause string) {
	exec.Status = StatusFailed
	exec.Error = name
	exec.Cause = cause
	exec.StoppedAt = e.now()
	exec.record(exec.StoppedAt, "ExecutionFailed", "", name)
}

func (x *Execution) record(at time.Time, typ, state, detail string) {
	x.History = append(x.History, HistoryEvent{Type: typ, State: state, Timestamp: at, Detail: detail})
}

// stateFailure is a named failure raised by a state.
type stateFailure struct {
	name  string
	cause string
}

func (f *stateFailure) Error() string { return f.name + ": " + f.cause }

func (e *Executor) runState(ctx context.Context, name string, st *State, data []byte) ([]byte, error) {
	switch st.Type {
	case StatePass:
		result := data
		if len(st.Result) > 0 {
			result = st.Result
		}
		return applyResultPath(data, st.ResultPath, result)
	case StateSucceed:
		return data, nil
	case StateFail:
		return nil, &stateFailure{name: st.Error, cause: st.Cause}
	case StateTask:
		return e.runTask(ctx, name, st, data)
	}
	return nil, fmt.Errorf("state %q has unsupported type %q", name, st.Type)
}

func (e *Executor) runTask(ctx context.Context, name string, st *State, data []byte) ([]byte, error) {
	if st.Resource != StartJobRunResource {
		return nil, fmt.Errorf("task %q uses unsupported resource %s", name, st.Resource)
	}
	params := resolveParameters(st.Parameters, data)

	jobName, _ := params["JobName"].(string)
	if jobName == "" {
		return nil, &stateFailure{name: ErrorTaskFailed, cause: "JobName parameter is required"}
	}
	args := map[string]string{}
	if raw, ok := params["Arguments"].(map[string]interface{}); ok {
		for k, v := range raw {
			args[k] = fmt.Sprint(v)
		}
	}

	runID, err := e.starter.StartJobRun(ctx, jobName, args)
	if err != nil {
		return nil, &stateFailure{name: errorName(ctx, err), cause: err.Error()}
	}
	e.logger.Debug().Str("state", name).Str("job", jobName).Str("run_id", runID).Msg("Job run started")

	result, err := json.Marshal(map[string]string{"JobRunId": runID})
	if err != nil {
		return nil, err
	}
	return applyResultPath(data, st.ResultPath, result)
}

// errorName maps a start failure onto a States error name. Service errors
// carrying a code become Glue.<code>.
func errorName(ctx context.Context, err error) string {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrorTimeout
	}
	var coded interface{ ErrorCode() string }
	if errors.As(err, &coded) && coded.ErrorCode() != "" {
		return "Glue." + coded.ErrorCode()
	}
	return ErrorTaskFailed
}

// resolveParameters evaluates "Key.$" entries as paths into data.
func resolveParameters(params map[string]interface{}, data []byte) map[string]interface{} {
	out := make(map[string]interface{}, len(params))
	for k, v := range params {
		if strings.HasSuffix(k, ".$") {
			if path, ok := v.(string); ok {
				out[strings.TrimSuffix(k, ".$")] = gjson.GetBytes(data, jsonPath(path)).Value()
				continue
			}
		}
		if nested, ok := v.(map[string]interface{}); ok {
			out[k] = resolveParameters(nested, data)
			continue
		}
		out[k] = v
	}
	return out
}

// applyResultPath places result into data at path. An empty path or "$"
// replaces the whole document; any other path needs data to be an object
// all the way down to the parent of the target field.
func applyResultPath(data []byte, path string, result []byte) ([]byte, error) {
	p := jsonPath(path)
	if p == "@this" {
		return append([]byte(nil), result...), nil
	}
	node := gjson.ParseBytes(data)
	parts := strings.Split(p, ".")
	for i, part := range parts {
		if !node.IsObject() {
			at := "$"
			if i > 0 {
				at += "." + strings.Join(parts[:i], ".")
			}
			return nil, &stateFailure{
				name:  ErrorResultPathMatchFailure,
				cause: fmt.Sprintf("unable to apply ResultPath %s: %s is not an object", path, at),
			}
		}
		node = node.Get(gjson.Escape(part))
		if !node.Exists() {
			break
		}
	}
	out, err := sjson.SetRawBytes(data, p, result)
	if err != nil {
		return nil, fmt.Errorf("failed to write result at %s: %w", path, err)
	}
	return out, nil
}

// jsonPath converts "$.a.b" to the dotted form "a.b".
func jsonPath(path string) string {
	p := strings.TrimPrefix(strings.TrimPrefix(path, "$"), ".")
	if p == "" {
		return "@this"
	}
	return p
}
