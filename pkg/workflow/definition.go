// Package workflow models the orchestration workflow that starts the job: an
// Amazon States Language document and a local executor for it.
//
// The executor runs Task, Pass, Succeed and Fail states. A Task whose
// resource is the startJobRun integration calls a JobStarter and writes the
// returned run id at the state's result path. Retry and Catch are not part of
// the model: a failed start fails the execution.
package workflow

import (
	"encoding/json"
	"fmt"
	"sort"
)

// StartJobRunResource is the SDK integration that starts a Glue job run and
// returns as soon as the run is accepted.
const StartJobRunResource = "arn:aws:states:::aws-sdk:glue:startJobRun"

// State types.
const (
	StateTask    = "Task"
	StatePass    = "Pass"
	StateSucceed = "Succeed"
	StateFail    = "Fail"
)

// Definition is a States Language document.
type Definition struct {
	Comment        string            `json:"Comment,omitempty"`
	StartAt        string            `json:"StartAt"`
	TimeoutSeconds int               `json:"TimeoutSeconds,omitempty"`
	States         map[string]*State `json:"States"`
}

// State is one state of a Definition.
type State struct {
	Type       string                 `json:"Type"`
	Comment    string                 `json:"Comment,omitempty"`
	Resource   string                 `json:"Resource,omitempty"`
	Parameters map[string]interface{} `json:"Parameters,omitempty"`
	Result     json.RawMessage        `json:"Result,omitempty"`
	ResultPath string                 `json:"ResultPath,omitempty"`
	Next       string                 `json:"Next,omitempty"`
	End        bool                   `json:"End,omitempty"`
	Error      string                 `json:"Error,omitempty"`
	Cause      string                 `json:"Cause,omitempty"`
}

// StartJobRunDefinition returns the single-state workflow: one Task that is
// both the initial and the terminal state.
func StartJobRunDefinition(stateName, jobName, resultPath string) *Definition {
	return &Definition{
		StartAt: stateName,
		States: map[string]*State{
			stateName: {
				Type:       StateTask,
				Resource:   StartJobRunResource,
				Parameters: map[string]interface{}{"JobName": jobName},
				ResultPath: resultPath,
				End:        true,
			},
		},
	}
}

// Parse decodes and validates a definition.
func Parse(data []byte) (*Definition, error) {
	var def Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to parse definition: %w", err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// JSON returns the compact encoding used as the deployed definition string.
// Map keys are sorted, so the output is stable.
func (d *Definition) JSON() (string, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("failed to encode definition: %w", err)
	}
	return string(data), nil
}

// Validate checks the structure of the document: a known start state, known
// state types, and transitions that end or lead to declared states.
func (d *Definition) Validate() error {
	if len(d.States) == 0 {
		return fmt.Errorf("definition has no states")
	}
	if _, ok := d.States[d.StartAt]; !ok {
		return fmt.Errorf("StartAt %q is not a declared state", d.StartAt)
	}

	for _, name := range d.StateNames() {
		st := d.States[name]
		if st == nil {
			return fmt.Errorf("state %q is empty", name)
		}
		switch st.Type {
		case StateTask, StatePass:
			if st.Type == StateTask && st.Resource == "" {
				return fmt.Errorf("task state %q has no resource", name)
			}
			if st.End == (st.Next != "") {
				return fmt.Errorf("state %q must have exactly one of End and Next", name)
			}
			if st.Next != "" {
				if _, ok := d.States[st.Next]; !ok {
					return fmt.Errorf("state %q transitions to unknown state %q", name, st.Next)
				}
			}
			if st.ResultPath != "" && st.ResultPath[0] != '$' {
				return fmt.Errorf("state %q has invalid result path %q", name, st.ResultPath)
			}
		case StateSucceed, StateFail:
			if st.Next != "" || st.End {
				return fmt.Errorf("terminal state %q must not declare Next or End", name)
			}
		default:
			return fmt.Errorf("state %q has unsupported type %q", name, st.Type)
		}
	}
	return nil
}

// StateNames returns the state names in sorted order.
func (d *Definition) StateNames() []string {
	names := make([]string, 0, len(d.States))
	for name := range d.States {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
