// Package metrics keeps process-wide counters for the HTTP API and the
// company engines and renders them in the Prometheus text format.
package metrics

import (
	"context"
	"strings"
	"sync"

	"AgentCompany/internal/events"
)

type engineMetrics struct {
	mu          sync.Mutex
	events      *series
	transitions *series
	outcomes    *series
	payments    *series
	waves       *series
	cycles      *series
	activeRuns  *series
	costUSD     *series
}

var engineCollector = newEngineMetrics()

func newEngineMetrics() *engineMetrics {
	return &engineMetrics{
		events: newSeries("counter", "agentcompany_events_total",
			"Engine events published on the company bus.", "company", "topic"),
		transitions: newSeries("counter", "agentcompany_task_transitions_total",
			"Task state transitions by target status.", "company", "status"),
		outcomes: newSeries("counter", "agentcompany_goal_runs_completed_total",
			"Finished goal runs by outcome.", "company", "outcome"),
		payments: newSeries("counter", "agentcompany_payment_requests_total",
			"Payment queue actions.", "company", "action"),
		waves: newSeries("counter", "agentcompany_waves_total",
			"Execution waves dispatched by the scheduler.", "company"),
		cycles: newSeries("counter", "agentcompany_cycles_total",
			"Plan/execute/review cycles started.", "company"),
		activeRuns: newSeries("gauge", "agentcompany_goal_runs_active",
			"Goal runs currently executing.", "company"),
		costUSD: newSeries("gauge", "agentcompany_cost_usd_total",
			"Model spend recorded by the cost ledger.", "company"),
	}
}

// Observe folds one engine event into the counters.
func Observe(ev events.Event) {
	engineCollector.observe(ev)
}

// Follow consumes a bus subscription until ctx is done or the subscription closes.
func Follow(ctx context.Context, sub *events.Subscription) {
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			Observe(ev)
		}
	}
}

func (e *engineMetrics) observe(ev events.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()

	company := ev.Company
	e.events.add(1, company, string(ev.Topic))
	switch ev.Topic {
	case events.TopicTaskTransitioned:
		if to, ok := ev.Payload["to"].(string); ok {
			e.transitions.add(1, company, to)
		}
	case events.TopicCycleWave:
		e.waves.add(1, company)
	case events.TopicCycleStarted:
		e.cycles.add(1, company)
	case events.TopicGoalStarted:
		e.activeRuns.add(1, company)
	case events.TopicGoalCompleted:
		if e.activeRuns.get(company) > 0 {
			e.activeRuns.add(-1, company)
		} else {
			e.activeRuns.set(0, company)
		}
		if outcome, ok := ev.Payload["outcome"].(string); ok {
			e.outcomes.add(1, company, outcome)
		}
	case events.TopicCostUpdated:
		// 费用事件可能乱序到达，只保留最大值。
		if total, ok := ev.Payload["total_cost_usd"].(float64); ok && total > e.costUSD.get(company) {
			e.costUSD.set(total, company)
		}
	case events.TopicPaymentRequested, events.TopicPaymentApproved, events.TopicPaymentRejected,
		events.TopicPaymentSent, events.TopicPaymentFailed:
		e.payments.add(1, company, strings.TrimPrefix(string(ev.Topic), "payment."))
	}
}

func (e *engineMetrics) render(b *strings.Builder) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range []*series{e.events, e.transitions, e.outcomes, e.payments, e.waves, e.cycles, e.activeRuns, e.costUSD} {
		s.write(b)
	}
}
