package telemetry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/glueflow/pkg/engine"
)

// EventSubscriber is called for every published event.
type EventSubscriber func(event engine.Event)

// EventPublisher logs engine events, counts them, and forwards them to
// downstream publishers such as the deployment store.
type EventPublisher struct {
	logger  *Logger
	metrics *Metrics
	sinks   []engine.EventPublisher

	mu          sync.RWMutex
	subscribers []EventSubscriber
	published   int
}

var _ engine.EventPublisher = (*EventPublisher)(nil)

// NewEventPublisher creates a publisher. Nil sinks are ignored.
func NewEventPublisher(logger *Logger, metrics *Metrics, sinks ...engine.EventPublisher) *EventPublisher {
	p := &EventPublisher{
		logger:  logger.NewComponentLogger("events"),
		metrics: metrics,
	}
	for _, sink := range sinks {
		if sink != nil {
			p.sinks = append(p.sinks, sink)
		}
	}
	return p
}

// Subscribe registers fn to receive every later event.
func (p *EventPublisher) Subscribe(fn EventSubscriber) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subscribers = append(p.subscribers, fn)
}

// Published returns the number of events seen so far.
func (p *EventPublisher) Published() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.published
}

// Publish implements engine.EventPublisher. Every sink receives the event
// even when an earlier one fails; the errors are joined.
func (p *EventPublisher) Publish(ctx context.Context, event *engine.Event) error {
	if event == nil {
		return nil
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Level == "" {
		event.Level = event.Type.Severity()
	}

	p.log(event)
	p.record(event)

	var errs []error
	for _, sink := range p.sinks {
		if err := sink.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}

	p.mu.Lock()
	p.published++
	subscribers := append([]EventSubscriber(nil), p.subscribers...)
	p.mu.Unlock()

	for _, fn := range subscribers {
		fn(*event)
	}

	return errors.Join(errs...)
}

func (p *EventPublisher) log(event *engine.Event) {
	zlog := p.logger.Zerolog()
	var e *zerolog.Event
	switch event.Level {
	case "error":
		e = zlog.Error()
	case "warning":
		e = zlog.Warn()
	default:
		e = zlog.Debug()
	}
	e = e.Str("type", string(event.Type)).Str("run_id", event.RunID)
	if event.ResourceID != "" {
		e = e.Str("resource_id", event.ResourceID)
	}
	if len(event.Details) > 0 {
		e = e.Fields(event.Details)
	}
	e.Msg(event.Message)
}

func (p *EventPublisher) record(event *engine.Event) {
	if p.metrics == nil {
		return
	}
	switch event.Type {
	case engine.EventTypePlanUnitCompleted, engine.EventTypePlanUnitFailed, engine.EventTypePlanUnitSkipped:
		status := "completed"
		if event.Type == engine.EventTypePlanUnitFailed {
			status = "failed"
		} else if event.Type == engine.EventTypePlanUnitSkipped {
			status = "skipped"
		}
		p.metrics.RecordPlanUnitExecution(detail(event, "operation"), status, 0, detail(event, "kind"))
	case engine.EventTypePolicyViolation:
		p.metrics.RecordPolicyViolation(detail(event, "policy"), detail(event, "severity"))
	}
}

func detail(event *engine.Event, key string) string {
	if v, ok := event.Details[key].(string); ok {
		return v
	}
	return "unknown"
}
