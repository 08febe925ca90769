package gate

import (
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/danielpatrickdp/cuidado/internal/signals"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func enabledConfig() Config {
	cfg := DefaultConfig()
	cfg.Enabled = true
	return cfg
}

var hot = signals.ControlSignals{Uncertainty: 0.9}

func TestGateDisabledNeverEngages(t *testing.T) {
	g := NewGate(DefaultConfig())
	d := g.Evaluate(signals.ControlSignals{Uncertainty: 1, Novelty: 1, ValueAtRisk: 1})
	if d.Engage {
		t.Fatal("disabled gate must not engage")
	}
	if d.Reason != "helper disabled" {
		t.Errorf("unexpected reason %q", d.Reason)
	}
	if g.Budget().Remaining() != 30 {
		t.Error("disabled gate must not spend budget")
	}
}

func TestGateBelowTriggers(t *testing.T) {
	g := NewGate(enabledConfig())
	d := g.Evaluate(signals.ControlSignals{Uncertainty: 0.64, Novelty: 0.64, ValueAtRisk: 0.54})
	if d.Engage {
		t.Fatalf("expected skip, got engage: %s", d.Reason)
	}
	if len(d.Triggers) != 0 {
		t.Errorf("expected no triggers, got %v", d.Triggers)
	}
}

func TestGateTriggers(t *testing.T) {
	cases := []struct {
		sig  signals.ControlSignals
		want TriggerType
	}{
		{signals.ControlSignals{Uncertainty: 0.65}, TriggerUncertainty},
		{signals.ControlSignals{Novelty: 0.65}, TriggerNovelty},
		{signals.ControlSignals{ValueAtRisk: 0.55}, TriggerValueAtRisk},
	}
	for _, c := range cases {
		g := NewGate(enabledConfig())
		d := g.Evaluate(c.sig)
		if !d.Engage {
			t.Fatalf("expected engage for %+v: %s", c.sig, d.Reason)
		}
		if len(d.Triggers) != 1 || d.Triggers[0] != c.want {
			t.Errorf("expected trigger %s, got %v", c.want, d.Triggers)
		}
		if d.Reservation == nil {
			t.Error("engaged decision must carry a reservation")
		}
	}
}

func TestBudgetEnforcement(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	cfg := enabledConfig()
	g := NewGateWithBudget(cfg, NewBudgetWithClock(cfg.MaxPerHour, cfg.Window, clock.Now))

	for i := 0; i < 30; i++ {
		if d := g.Evaluate(hot); !d.Engage {
			t.Fatalf("call %d should engage: %s", i+1, d.Reason)
		}
		clock.Advance(time.Minute)
	}

	d := g.Evaluate(hot)
	if d.Engage {
		t.Fatal("31st call within the hour must not engage")
	}
	if len(d.Triggers) == 0 {
		t.Error("budget denial should still report triggers")
	}

	// 30 minutes elapsed so far; roll past the hour.
	clock.Advance(31 * time.Minute)
	if d := g.Evaluate(hot); !d.Engage {
		t.Fatalf("expected engage after window rollover: %s", d.Reason)
	}
}

func TestBudgetWindowBoundaryIsExclusive(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	b := NewBudgetWithClock(1, time.Hour, clock.Now)
	if _, ok := b.Reserve(); !ok {
		t.Fatal("first reserve should succeed")
	}
	clock.Advance(time.Hour)
	if _, ok := b.Reserve(); ok {
		t.Fatal("window resets only after more than an hour")
	}
	clock.Advance(time.Nanosecond)
	if _, ok := b.Reserve(); !ok {
		t.Fatal("expected reset just past the hour")
	}
}

func TestRefundOnlyCountsSuccesses(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	b := NewBudgetWithClock(2, time.Hour, clock.Now)

	r1, _ := b.Reserve()
	b.Refund(r1)
	b.Refund(r1) // double refund is ignored
	if got := b.Remaining(); got != 2 {
		t.Fatalf("expected 2 remaining after refund, got %d", got)
	}

	b.Reserve()
	r3, _ := b.Reserve()
	if got := b.Remaining(); got != 0 {
		t.Fatalf("expected 0 remaining, got %d", got)
	}

	// A refund from a previous window must not credit the new one.
	clock.Advance(2 * time.Hour)
	b.Reserve()
	b.Refund(r3)
	if got := b.Remaining(); got != 1 {
		t.Fatalf("stale refund leaked into new window: remaining %d", got)
	}
}

func TestBudgetConcurrentReserveNeverOverspends(t *testing.T) {
	defer goleak.VerifyNone(t)

	b := NewBudget(30, time.Hour)
	var mu sync.Mutex
	granted := 0

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := b.Reserve(); ok {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if granted != 30 {
		t.Fatalf("expected exactly 30 grants, got %d", granted)
	}
}
