package schedule

import (
	"time"
)

// Invocation is one workflow execution enqueued by the rule.
type Invocation struct {
	Seq         int       `json:"seq"`
	ScheduledAt time.Time `json:"scheduled_at"`
	EndsAt      time.Time `json:"ends_at"`

	// Concurrent is how many earlier invocations are still running when this
	// one starts. Nothing prevents this from being non-zero.
	Concurrent int `json:"concurrent"`
}

// Simulation is the outcome of replaying a schedule over a window.
type Simulation struct {
	Expression  string       `json:"expression"`
	From        time.Time    `json:"from"`
	To          time.Time    `json:"to"`
	RunDuration string       `json:"run_duration"`
	Invocations []Invocation `json:"invocations"`

	// Overlapping counts invocations that started while another was running.
	Overlapping int `json:"overlapping"`

	// MaxConcurrent is the peak number of simultaneous runs.
	MaxConcurrent int `json:"max_concurrent"`
}

// Simulate replays the rule over (from, to], assuming every run takes
// runDuration. Each tick yields exactly one invocation: there is no
// deduplication, no skip-if-running and no catch-up for missed ticks.
func Simulate(expr *Expression, from, to time.Time, runDuration time.Duration) *Simulation {
	sim := &Simulation{
		Expression:  expr.String(),
		From:        from.UTC(),
		To:          to.UTC(),
		RunDuration: runDuration.String(),
		Invocations: []Invocation{},
	}

	for i, tick := range expr.Ticks(from, to) {
		inv := Invocation{Seq: i + 1, ScheduledAt: tick, EndsAt: tick.Add(runDuration)}
		for _, prev := range sim.Invocations {
			if prev.EndsAt.After(tick) {
				inv.Concurrent++
			}
		}
		if inv.Concurrent > 0 {
			sim.Overlapping++
		}
		if inv.Concurrent+1 > sim.MaxConcurrent {
			sim.MaxConcurrent = inv.Concurrent + 1
		}
		sim.Invocations = append(sim.Invocations, inv)
	}
	return sim
}
