package breaker

import (
	"sync"
	"testing"
	"time"

	"github.com/patchline/patchline/internal/clock"
	"github.com/patchline/patchline/internal/store"
)

func testBreaker(cfg Config) (*Breaker, *clock.Manual, *store.Memory) {
	clk := clock.NewManual(time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC))
	st := store.NewMemory()
	return New(cfg, clk, st), clk, st
}

func TestCheck_DailyBudgetIsAtomic(t *testing.T) {
	b, _, _ := testBreaker(Config{
		MaxDailyTokens:     1000,
		MaxTaskTokens:      1000,
		MaxConcurrentTasks: 100,
	})

	const callers = 10
	const tokens = 300

	var wg sync.WaitGroup
	allowed := make([]bool, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d := b.Check("llm", "analyze", tokens, string(rune('a'+i)))
			allowed[i] = d.Allowed
		}(i)
	}
	wg.Wait()

	count := 0
	for _, ok := range allowed {
		if ok {
			count++
		}
	}
	// Pre-reservation means at most floor(1000/300) = 3 grants.
	if count != 3 {
		t.Errorf("expected exactly 3 allowed calls, got %d", count)
	}
	if got := b.Status().DailyTokensUsed; got != 3*tokens {
		t.Errorf("expected %d reserved tokens, got %d", 3*tokens, got)
	}
}

func TestCheck_ConcurrencyCap(t *testing.T) {
	b, _, _ := testBreaker(Config{
		MaxDailyTokens:     1_000_000,
		MaxTaskTokens:      100_000,
		MaxConcurrentTasks: 2,
	})

	if d := b.Check("llm", "analyze", 10, "t1"); !d.Allowed {
		t.Fatal("t1 should be admitted")
	}
	if d := b.Check("llm", "analyze", 10, "t2"); !d.Allowed {
		t.Fatal("t2 should be admitted")
	}
	d := b.Check("llm", "analyze", 10, "t3")
	if d.Allowed || d.Reason != store.EventConcurrencyLimit {
		t.Fatalf("t3 should hit concurrency limit, got %+v", d)
	}

	// The same in-flight task keeps its slot.
	if d := b.Check("llm", "plan", 10, "t1"); !d.Allowed {
		t.Error("in-flight task should not be counted twice")
	}

	b.Release("t1", 20)
	if d := b.Check("llm", "analyze", 10, "t3"); !d.Allowed {
		t.Error("t3 should be admitted after a release")
	}
}

func TestRelease_ReconcilesUsage(t *testing.T) {
	b, _, _ := testBreaker(Config{MaxDailyTokens: 10_000, MaxTaskTokens: 10_000, MaxConcurrentTasks: 5})

	pairs := []struct{ reserved, actual int }{
		{1000, 700},
		{1000, 1200},
		{500, 0},
	}
	sum := 0
	for i, p := range pairs {
		id := string(rune('a' + i))
		if d := b.Check("llm", "call", p.reserved, id); !d.Allowed {
			t.Fatalf("pair %d denied", i)
		}
		b.Release(id, p.actual)
		sum += p.actual
	}

	s := b.Status()
	if s.DailyTokensUsed != sum {
		t.Errorf("expected daily usage %d, got %d", sum, s.DailyTokensUsed)
	}
	if s.ConcurrentTasks != 0 {
		t.Errorf("expected 0 in-flight tasks, got %d", s.ConcurrentTasks)
	}
}

func TestTaskBudget_AccumulatesAcrossCalls(t *testing.T) {
	b, _, _ := testBreaker(Config{MaxDailyTokens: 100_000, MaxTaskTokens: 1000, MaxConcurrentTasks: 5})

	if d := b.Check("llm", "analyze", 600, "t1"); !d.Allowed {
		t.Fatal("first call should pass")
	}
	b.Release("t1", 600)

	d := b.Check("llm", "plan", 600, "t1")
	if d.Allowed || d.Reason != store.EventTaskLimit {
		t.Fatalf("second call should exceed the task budget, got %+v", d)
	}
}

func TestTripAndRecover(t *testing.T) {
	b, clk, st := testBreaker(Config{
		MaxDailyTokens:     100,
		MaxTaskTokens:      100,
		MaxConcurrentTasks: 5,
		TripThreshold:      5,
		TripWindow:         60 * time.Second,
		HalfOpenInterval:   10 * time.Minute,
	})

	// Five denials inside the window trip the circuit.
	for i := 0; i < 5; i++ {
		d := b.Check("llm", "analyze", 500, "t1")
		if d.Allowed {
			t.Fatalf("denial %d unexpectedly allowed", i)
		}
		clk.Advance(time.Second)
	}
	if got := b.Status().CircuitState; got != CircuitOpen {
		t.Fatalf("expected open circuit, got %s", got)
	}

	// While open, even an affordable request is denied circuit_open.
	d := b.Check("llm", "analyze", 10, "t2")
	if d.Allowed || d.Reason != store.EventCircuitOpen {
		t.Fatalf("expected circuit_open denial, got %+v", d)
	}

	// After the cooldown the next check is admitted as a probe.
	clk.Advance(11 * time.Minute)
	d = b.Check("llm", "analyze", 10, "t2")
	if !d.Allowed {
		t.Fatalf("probe should be admitted, got %+v", d)
	}
	if d.Snapshot.CircuitState != CircuitHalfOpen {
		t.Errorf("expected half_open during probe, got %s", d.Snapshot.CircuitState)
	}

	// A successful release closes the circuit.
	b.Release("t2", 10)
	if got := b.Status().CircuitState; got != CircuitClosed {
		t.Errorf("expected closed after probe release, got %s", got)
	}

	// Denials were written to the audit trail.
	_, total, err := st.ListBreakerEvents(store.EventFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if total != 6 {
		t.Errorf("expected 6 audit rows, got %d", total)
	}
}

func TestHalfOpenDenyReopensWithExtension(t *testing.T) {
	b, clk, _ := testBreaker(Config{
		MaxDailyTokens:     100,
		MaxTaskTokens:      100,
		MaxConcurrentTasks: 5,
		TripThreshold:      2,
		TripWindow:         60 * time.Second,
		HalfOpenInterval:   10 * time.Minute,
	})

	b.Check("llm", "a", 500, "t1")
	b.Check("llm", "a", 500, "t1")
	if b.Status().CircuitState != CircuitOpen {
		t.Fatal("circuit should be open")
	}

	clk.Advance(11 * time.Minute)
	// The probe itself is denied (still over budget): re-open, extended.
	d := b.Check("llm", "a", 500, "t1")
	if d.Allowed {
		t.Fatal("over-budget probe should be denied")
	}
	s := b.Status()
	if s.CircuitState != CircuitOpen {
		t.Fatalf("expected re-opened circuit, got %s", s.CircuitState)
	}
	if want := clk.Now().Add(10 * time.Minute); !s.OpenUntil.Equal(want) {
		t.Errorf("expected cooldown until %v, got %v", want, s.OpenUntil)
	}
}

func TestDailyWindowReset(t *testing.T) {
	b, clk, _ := testBreaker(Config{
		MaxDailyTokens:     1000,
		MaxTaskTokens:      1000,
		MaxConcurrentTasks: 5,
		TokenWindow:        24 * time.Hour,
	})

	b.Check("llm", "a", 900, "t1")
	b.Release("t1", 900)
	if d := b.Check("llm", "a", 200, "t2"); d.Allowed {
		t.Fatal("should be over the daily budget")
	}

	clk.Advance(25 * time.Hour)
	if d := b.Check("llm", "a", 200, "t2"); !d.Allowed {
		t.Error("budget should reset with the window")
	}
}

func TestIncrementRetry_Bound(t *testing.T) {
	b, _, st := testBreaker(Config{MaxRetries: 3, MaxDailyTokens: 1000, MaxTaskTokens: 1000, MaxConcurrentTasks: 5})

	for i := 1; i <= 3; i++ {
		if !b.IncrementRetry("t1") {
			t.Fatalf("retry %d should be allowed", i)
		}
	}
	if b.IncrementRetry("t1") {
		t.Error("fourth retry should be rejected")
	}
	if got := b.GetRetryCount("t1"); got != 4 {
		t.Errorf("expected retry count 4, got %d", got)
	}

	list, _, _ := st.ListBreakerEvents(store.EventFilter{})
	if len(list) != 1 || list[0].Type != store.EventMaxRetries {
		t.Errorf("expected one max_retries event, got %+v", list)
	}
}

func TestProbe_LeavesStateUntouched(t *testing.T) {
	b, _, st := testBreaker(Config{MaxDailyTokens: 1000, MaxTaskTokens: 1000, MaxConcurrentTasks: 1, TripThreshold: 2, TripWindow: 60 * time.Second})

	if d := b.Check("llm", "call", 100, "t1"); !d.Allowed {
		t.Fatal("t1 should be admitted")
	}

	// An allowed probe on the in-flight task reserves nothing and keeps
	// its concurrency slot.
	if d := b.Probe("llm", "call", 100, "t1"); !d.Allowed {
		t.Fatalf("probe should be allowed: %+v", d)
	}
	s := b.Status()
	if s.DailyTokensUsed != 100 || s.ConcurrentTasks != 1 || s.TrackedTasks != 1 {
		t.Errorf("probe mutated state: %+v", s)
	}

	// A probe without a task id creates no entry either.
	if d := b.Probe("llm", "call", 100, ""); d.Allowed {
		t.Fatal("second slot should be denied")
	}
	if s := b.Status(); s.TrackedTasks != 1 {
		t.Errorf("denied probe created an entry: %+v", s)
	}

	// Denied probes still count toward the trip rule and the audit trail.
	b.Probe("llm", "call", 100, "")
	if got := b.Status().CircuitState; got != CircuitOpen {
		t.Errorf("expected probes to trip the circuit, got %s", got)
	}
	if _, total, _ := st.ListBreakerEvents(store.EventFilter{}); total != 2 {
		t.Errorf("expected 2 audit rows, got %d", total)
	}
}

func TestHousekeeping_ExpiresStaleEntries(t *testing.T) {
	b, clk, _ := testBreaker(Config{MaxDailyTokens: 1000, MaxTaskTokens: 1000, MaxConcurrentTasks: 1})

	b.Check("llm", "a", 10, "leaked")
	if b.Status().ConcurrentTasks != 1 {
		t.Fatal("expected one in-flight task")
	}

	// The task never releases. After the TTL the slot is reclaimed.
	clk.Advance(2 * time.Hour)
	s := b.Status()
	if s.ConcurrentTasks != 0 || s.TrackedTasks != 0 {
		t.Errorf("expected leak guard to reclaim the entry, got %+v", s)
	}
}
