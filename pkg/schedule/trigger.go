package schedule

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// TriggerEvent is emitted each time the rule fires.
type TriggerEvent struct {
	Seq         int64     `json:"seq"`
	ScheduledAt time.Time `json:"scheduled_at"` // intended fire time (UTC)
	FiredAt     time.Time `json:"fired_at"`     // actual emission time
}

// FireFunc receives trigger events. It may run concurrently with itself when
// a previous invocation has not returned by the next tick.
type FireFunc func(ctx context.Context, ev TriggerEvent)

// Trigger fires a FireFunc on an Expression using a cron.Cron pinned to UTC.
// Every tick enqueues one invocation; there is no overlap guard.
type Trigger struct {
	expr   *Expression
	fire   FireFunc
	logger zerolog.Logger

	cron  *cron.Cron
	entry cron.EntryID
	seq   atomic.Int64

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewTrigger creates a stopped trigger.
func NewTrigger(expr *Expression, fire FireFunc, logger zerolog.Logger) *Trigger {
	return &Trigger{
		expr:   expr,
		fire:   fire,
		logger: logger.With().Str("component", "trigger").Str("expression", expr.String()).Logger(),
		cron:   cron.New(cron.WithLocation(time.UTC)),
	}
}

// Start begins firing. Invocations receive a context derived from ctx that is
// cancelled by Stop.
func (t *Trigger) Start(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel

	t.entry = t.cron.Schedule(t.expr, cron.FuncJob(func() {
		now := time.Now().UTC()
		ev := TriggerEvent{
			Seq:         t.seq.Add(1),
			ScheduledAt: now.Truncate(time.Minute),
			FiredAt:     now,
		}
		t.logger.Info().Int64("seq", ev.Seq).Time("scheduled_at", ev.ScheduledAt).Msg("Rule fired")
		t.fire(runCtx, ev)
	}))
	t.cron.Start()
	t.logger.Info().Time("next", t.expr.Next(time.Now())).Msg("Trigger started")
}

// Stop halts the trigger and waits for running invocations to return. A
// stopped trigger may be started again.
func (t *Trigger) Stop() {
	t.mu.Lock()
	cancel := t.cancel
	t.cancel = nil
	if cancel != nil {
		t.cron.Remove(t.entry)
	}
	t.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-t.cron.Stop().Done()
	t.logger.Info().Int64("fired", t.seq.Load()).Msg("Trigger stopped")
}

// Fired returns how many times the rule has fired.
func (t *Trigger) Fired() int64 {
	return t.seq.Load()
}
