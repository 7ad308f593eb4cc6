package deploy

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/openfroyo/glueflow/pkg/engine"
	"github.com/openfroyo/glueflow/pkg/providers/aws"
	"github.com/openfroyo/glueflow/pkg/stores"
)

type trackerKey struct{}

// tracker ties a running stack transaction to its deployment record.
type tracker struct {
	service      *Service
	deploymentID string
	logger       zerolog.Logger
}

func withTracker(ctx context.Context, t *tracker) context.Context {
	return context.WithValue(ctx, trackerKey{}, t)
}

func trackerFrom(ctx context.Context) *tracker {
	t, _ := ctx.Value(trackerKey{}).(*tracker)
	return t
}

// DeploymentID returns the deployment being applied in ctx, if any.
func DeploymentID(ctx context.Context) string {
	if t := trackerFrom(ctx); t != nil {
		return t.deploymentID
	}
	return ""
}

var transitionEvents = map[aws.DeploymentState]engine.EventType{
	aws.StateSubmitted: engine.EventTypeDeploySubmitted,
	aws.StateComplete:  engine.EventTypeDeployCompleted,
	aws.StateNoop:      engine.EventTypeDeployCompleted,
	aws.StateFailed:    engine.EventTypeDeployFailed,
}

// RecordTransition is an aws.TransitionHook that mirrors the lifecycle of a
// stack transaction into the deployment record and its timeline. It does
// nothing for transactions not started by Service.Apply.
func RecordTransition(ctx context.Context, stackName string, from, to aws.DeploymentState) {
	t := trackerFrom(ctx)
	if t == nil {
		return
	}

	if err := t.service.store.UpdateDeploymentStatus(ctx, t.deploymentID, stores.DeploymentStatus(to), nil); err != nil {
		t.logger.Warn().Err(err).Str("status", to.String()).Msg("Failed to record deployment status")
	}

	typ, ok := transitionEvents[to]
	if !ok {
		return
	}
	_ = t.service.publisher.Publish(ctx, &engine.Event{
		Type:    typ,
		RunID:   t.deploymentID,
		Message: fmt.Sprintf("Stack %s is %s", stackName, to),
		Details: map[string]interface{}{"stack": stackName, "from": from.String(), "to": to.String()},
	})
}

var _ aws.TransitionHook = RecordTransition

// timeline files scheduler events under the deployment and annotates plan
// unit events with the unit's operation and kind.
type timeline struct {
	next         engine.EventPublisher
	deploymentID string
	units        map[string]*engine.PlanUnit
}

func (t *timeline) Publish(ctx context.Context, event *engine.Event) error {
	if event.Details == nil {
		event.Details = make(map[string]interface{})
	}
	event.Details["run_id"] = event.RunID
	event.RunID = t.deploymentID
	if unit, ok := t.units[event.PlanUnitID]; ok {
		event.Details["operation"] = string(unit.Operation)
		event.Details["kind"] = string(unit.Kind)
	}
	return t.next.Publish(ctx, event)
}
