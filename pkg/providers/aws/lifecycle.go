package aws

import (
	"context"

	"github.com/looplab/fsm"
	"github.com/samber/oops"
)

// DeploymentState is a state of the deployment lifecycle. The values match
// the statuses the deployment store records.
type DeploymentState string

const (
	StatePending   DeploymentState = "pending"
	StateSubmitted DeploymentState = "submitted"
	StateComplete  DeploymentState = "complete"
	StateFailed    DeploymentState = "failed"
	StateNoop      DeploymentState = "noop"
)

func (s DeploymentState) String() string { return string(s) }

// Transition is an event of the deployment lifecycle.
type Transition string

const (
	TransitionSubmit   Transition = "submit"
	TransitionComplete Transition = "complete"
	TransitionFail     Transition = "fail"
	TransitionNoop     Transition = "noop"
)

func (t Transition) String() string { return string(t) }

// TransitionHook observes every state change of a lifecycle.
type TransitionHook func(ctx context.Context, stackName string, from, to DeploymentState)

// Lifecycle tracks one deployment: pending, then submitted, then exactly one
// of complete, failed or noop. A deployment can also fail before it is
// submitted.
type Lifecycle struct {
	StackName    string
	StateMachine *fsm.FSM
}

func convertEvent(transition Transition, sourceStates []DeploymentState, destination DeploymentState) fsm.EventDesc {
	src := make([]string, len(sourceStates))
	for i, state := range sourceStates {
		src[i] = state.String()
	}
	return fsm.EventDesc{
		Name: transition.String(),
		Src:  src,
		Dst:  destination.String(),
	}
}

// NewLifecycle creates a lifecycle in the pending state. hook may be nil.
func NewLifecycle(stackName string, hook TransitionHook) *Lifecycle {
	callbacks := fsm.Callbacks{}
	if hook != nil {
		callbacks["enter_state"] = func(ctx context.Context, e *fsm.Event) {
			hook(ctx, stackName, DeploymentState(e.Src), DeploymentState(e.Dst))
		}
	}

	return &Lifecycle{
		StackName: stackName,
		StateMachine: fsm.NewFSM(
			StatePending.String(),
			fsm.Events{
				convertEvent(TransitionSubmit, []DeploymentState{StatePending}, StateSubmitted),
				convertEvent(TransitionComplete, []DeploymentState{StateSubmitted}, StateComplete),
				convertEvent(TransitionNoop, []DeploymentState{StateSubmitted}, StateNoop),
				convertEvent(TransitionFail, []DeploymentState{StatePending, StateSubmitted}, StateFailed),
			},
			callbacks,
		),
	}
}

// Current returns the current state.
func (l *Lifecycle) Current() DeploymentState {
	return DeploymentState(l.StateMachine.Current())
}

// Can reports whether transition is allowed from the current state.
func (l *Lifecycle) Can(transition Transition) bool {
	return l.StateMachine.Can(transition.String())
}

// Apply fires transition.
func (l *Lifecycle) Apply(ctx context.Context, transition Transition) error {
	if err := l.StateMachine.Event(ctx, transition.String()); err != nil {
		return oops.In(logDomain).
			With("stack", l.StackName).
			With("state", l.StateMachine.Current()).
			Wrapf(err, "deployment transition %s", transition)
	}
	return nil
}

// Terminal reports whether no further transition is possible.
func (l *Lifecycle) Terminal() bool {
	switch l.Current() {
	case StateComplete, StateFailed, StateNoop:
		return true
	}
	return false
}
