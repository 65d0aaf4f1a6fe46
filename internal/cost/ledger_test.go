package cost

import (
	"math"
	"sync"
	"testing"

	"AgentCompany/internal/events"
	"AgentCompany/pkg/logger"
)

func TestPricingLookup(t *testing.T) {
	p := NewPricing(map[string]Price{"my-model": {Input: 1, Output: 2}})

	if got := p.Estimate("gpt-4o", 1_000_000, 1_000_000); got != 12.5 {
		t.Fatalf("expected 12.5, got %v", got)
	}
	// gpt-4o-mini must win over gpt-4o for its own dated variants.
	price, ok := p.Lookup("gpt-4o-mini-2024-07-18")
	if !ok || price.Input != 0.15 {
		t.Fatalf("expected longest-prefix match, got %+v %v", price, ok)
	}
	if _, ok := p.Lookup("unknown"); ok {
		t.Fatalf("unknown model must not resolve")
	}
	if got := p.Estimate("unknown", 1000, 1000); got != 0 {
		t.Fatalf("unknown model must cost 0, got %v", got)
	}
	if got := p.Estimate("my-model", 500_000, 0); got != 0.5 {
		t.Fatalf("override not applied, got %v", got)
	}

	p.Replace(nil)
	if _, ok := p.Lookup("my-model"); ok {
		t.Fatalf("replace should drop previous overrides")
	}
}

func TestReserveIsAdvisory(t *testing.T) {
	l := NewLedger(WithCap(1.0), WithLogger(logger.Discard()))
	if !l.Reserve(0.5) {
		t.Fatalf("reserve under cap should be allowed")
	}
	if l.Total() != 0 {
		t.Fatalf("reserve must not hold funds")
	}
	l.Record("a", "m", 0.75, 10)
	if l.Reserve(0.5) {
		t.Fatalf("reserve past cap should be refused")
	}
	if !l.Reserve(0.25) {
		t.Fatalf("reserve reaching the cap exactly should be allowed")
	}
	if !l.ReserveWithin(0, 100) {
		t.Fatalf("zero cap means unlimited")
	}
	if l.Exceeded(1.0) {
		t.Fatalf("0.75 must not exceed 1.0")
	}
	l.Record("a", "m", 0.25, 0)
	if !l.Exceeded(1.0) {
		t.Fatalf("1.0 must count as exceeded")
	}
}

func TestConcurrentRecordSumsExactly(t *testing.T) {
	l := NewLedger(WithLogger(logger.Discard()))
	var wg sync.WaitGroup
	const workers, per = 20, 50
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < per; j++ {
				l.Record("agent", "model", 0.001, 3)
			}
		}(i)
	}

	last := 0.0
	for i := 0; i < 100; i++ {
		cur := l.Total()
		if cur < last {
			t.Fatalf("total decreased from %v to %v", last, cur)
		}
		last = cur
	}
	wg.Wait()

	if got := l.Total(); math.Abs(got-1.0) > 1e-9 {
		t.Fatalf("expected total 1.0, got %v", got)
	}
	s := l.Summary()
	if s.APICalls != workers*per || s.TotalTokens != 3*workers*per {
		t.Fatalf("unexpected summary: %+v", s)
	}
	l.Record("agent", "model", -5, 0)
	if got := l.Total(); math.Abs(got-1.0) > 1e-9 {
		t.Fatalf("negative record must not decrease total, got %v", got)
	}
}

func TestSummaryStateAndEvents(t *testing.T) {
	var published []events.Event
	pub := events.PublisherFunc(func(ev events.Event) events.Event {
		published = append(published, ev)
		return ev
	})
	l := NewLedger(WithPublisher(pub), WithLogger(logger.Discard()))
	l.RecordUsage("ceo", "gpt-4o", 1_000_000, 0)
	l.RecordUsage("dev", "gpt-4o-mini", 0, 1_000_000)

	s := l.Summary()
	if s.ByAgent["ceo"] != 2.5 || s.ByModel["gpt-4o-mini"] != 0.6 {
		t.Fatalf("unexpected breakdown: %+v", s)
	}
	if len(s.Pairs) != 2 || s.Pairs[0].Agent != "ceo" {
		t.Fatalf("pairs should be sorted: %+v", s.Pairs)
	}
	if len(published) != 2 || published[1].Topic != events.TopicCostUpdated {
		t.Fatalf("expected cost.updated events, got %+v", published)
	}
	if recent := l.Recent(1); len(recent) != 1 || recent[0].Agent != "dev" {
		t.Fatalf("recent should list newest first: %+v", recent)
	}

	state := l.State()
	restored := NewLedger(WithLogger(logger.Discard()))
	if !restored.Restore(state) {
		t.Fatalf("restore into empty ledger should succeed")
	}
	if restored.Total() != l.Total() || restored.Summary().APICalls != 2 {
		t.Fatalf("restored ledger differs: %+v", restored.Summary())
	}
	if restored.Restore(State{TotalUSD: 0.1}) {
		t.Fatalf("restore must not lower the total")
	}
}
