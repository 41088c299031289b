// Package breaker rations model tokens and task concurrency across the
// pipeline. It is the single owner of quota state: callers only ever go
// through Check, Release, IncrementRetry and Status, and every state
// transition happens under one lock so admission appears atomic.
package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/patchline/patchline/internal/clock"
	"github.com/patchline/patchline/internal/store"
)

// Config holds the admission thresholds.
type Config struct {
	MaxDailyTokens     int
	MaxTaskTokens      int
	MaxConcurrentTasks int
	MaxRetries         int
	TokenWindow        time.Duration // rolling daily bucket, default 24h
	HalfOpenInterval   time.Duration // cooldown before a probe is admitted
	TripThreshold      int           // denials inside TripWindow that open the circuit
	TripWindow         time.Duration
}

// DefaultConfig returns production thresholds.
func DefaultConfig() Config {
	return Config{
		MaxDailyTokens:     1_000_000,
		MaxTaskTokens:      100_000,
		MaxConcurrentTasks: 5,
		MaxRetries:         3,
		TokenWindow:        24 * time.Hour,
		HalfOpenInterval:   10 * time.Minute,
		TripThreshold:      5,
		TripWindow:         60 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxDailyTokens <= 0 {
		c.MaxDailyTokens = d.MaxDailyTokens
	}
	if c.MaxTaskTokens <= 0 {
		c.MaxTaskTokens = d.MaxTaskTokens
	}
	if c.MaxConcurrentTasks <= 0 {
		c.MaxConcurrentTasks = d.MaxConcurrentTasks
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.TokenWindow <= 0 {
		c.TokenWindow = d.TokenWindow
	}
	if c.HalfOpenInterval <= 0 {
		c.HalfOpenInterval = d.HalfOpenInterval
	}
	if c.TripThreshold <= 0 {
		c.TripThreshold = d.TripThreshold
	}
	if c.TripWindow <= 0 {
		c.TripWindow = d.TripWindow
	}
	return c
}

// Circuit states.
const (
	CircuitClosed   = "closed"
	CircuitOpen     = "open"
	CircuitHalfOpen = "half_open"
)

// taskEntryTTL is the leak guard: entries for tasks that never released
// are expired after this long.
const taskEntryTTL = time.Hour

// Decision is the outcome of one Check call.
type Decision struct {
	Allowed  bool                   `json:"allowed"`
	Reason   store.BreakerEventType `json:"reason,omitempty"`
	Snapshot Snapshot               `json:"snapshot"`
}

// Snapshot is the observable breaker state.
type Snapshot struct {
	CircuitState       string    `json:"circuit_state"`
	DailyTokensUsed    int       `json:"daily_tokens_used"`
	MaxDailyTokens     int       `json:"max_daily_tokens"`
	ConcurrentTasks    int       `json:"concurrent_tasks"`
	MaxConcurrentTasks int       `json:"max_concurrent_tasks"`
	TrackedTasks       int       `json:"tracked_tasks"`
	RecentDenials      int       `json:"recent_denials"`
	WindowResetAt      time.Time `json:"window_reset_at"`
	OpenUntil          time.Time `json:"open_until,omitempty"`
}

// taskEntry tracks one task's budget. The entry survives Release (it
// carries the cumulative token count and the retry counter for the
// whole task) but only in-flight entries count toward concurrency.
type taskEntry struct {
	tokensUsed int // cumulative, reconciled on Release
	reserved   int // last pre-reservation, not yet reconciled
	retries    int
	inFlight   bool
	createdAt  time.Time
}

// Breaker is the admission controller. A single instance guards all
// external calls.
type Breaker struct {
	cfg Config
	clk clock.Clock
	st  store.Store // audit trail for denials; best-effort

	mu          sync.Mutex
	dailyUsed   int
	windowStart time.Time
	tasks       map[string]*taskEntry
	concurrent  int
	circuit     string
	openUntil   time.Time
	denials     []time.Time // ring of recent denials inside TripWindow
}

// New creates a breaker. st may be nil (no audit rows are written).
func New(cfg Config, clk clock.Clock, st store.Store) *Breaker {
	if clk == nil {
		clk = clock.System()
	}
	b := &Breaker{
		cfg:         cfg.withDefaults(),
		clk:         clk,
		st:          st,
		tasks:       make(map[string]*taskEntry),
		circuit:     CircuitClosed,
		windowStart: clk.Now(),
	}
	return b
}

// Check runs the ordered admission tests and, on allow, pre-reserves the
// estimated tokens so concurrent callers cannot jointly exceed a limit.
func (b *Breaker) Check(service, action string, estimatedTokens int, taskID string) Decision {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clk.Now()
	b.housekeepLocked(now)

	// (i) open circuit: deny until the cooldown elapses, then probe.
	if b.circuit == CircuitOpen {
		if now.Before(b.openUntil) {
			return b.denyLocked(now, service, action, taskID, store.EventCircuitOpen)
		}
		b.circuit = CircuitHalfOpen
	}

	// (ii) daily budget.
	if b.dailyUsed+estimatedTokens > b.cfg.MaxDailyTokens {
		return b.denyLocked(now, service, action, taskID, store.EventDailyLimit)
	}

	entry := b.tasks[taskID]

	// (iii) concurrency cap; an already in-flight task holds its slot.
	if (entry == nil || !entry.inFlight) && b.concurrent >= b.cfg.MaxConcurrentTasks {
		return b.denyLocked(now, service, action, taskID, store.EventConcurrencyLimit)
	}

	// (iv) per-task budget.
	if entry != nil && entry.tokensUsed+estimatedTokens > b.cfg.MaxTaskTokens {
		return b.denyLocked(now, service, action, taskID, store.EventTaskLimit)
	}

	// Allowed: pre-reserve.
	if entry == nil {
		entry = &taskEntry{createdAt: now}
		b.tasks[taskID] = entry
	}
	if !entry.inFlight {
		entry.inFlight = true
		b.concurrent++
	}
	entry.tokensUsed += estimatedTokens
	entry.reserved = estimatedTokens
	b.dailyUsed += estimatedTokens

	return Decision{Allowed: true, Snapshot: b.snapshotLocked(now)}
}

// Probe runs the ordered admission tests without reserving anything.
// Denials are recorded and count toward the trip rule like any other;
// an allowed probe leaves no trace: no reservation, no task entry, no
// half-open transition, and an in-flight task keeps its slot.
func (b *Breaker) Probe(service, action string, estimatedTokens int, taskID string) Decision {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clk.Now()
	b.housekeepLocked(now)

	if b.circuit == CircuitOpen && now.Before(b.openUntil) {
		return b.denyLocked(now, service, action, taskID, store.EventCircuitOpen)
	}
	if b.dailyUsed+estimatedTokens > b.cfg.MaxDailyTokens {
		return b.denyLocked(now, service, action, taskID, store.EventDailyLimit)
	}
	entry := b.tasks[taskID]
	if (entry == nil || !entry.inFlight) && b.concurrent >= b.cfg.MaxConcurrentTasks {
		return b.denyLocked(now, service, action, taskID, store.EventConcurrencyLimit)
	}
	if entry != nil && entry.tokensUsed+estimatedTokens > b.cfg.MaxTaskTokens {
		return b.denyLocked(now, service, action, taskID, store.EventTaskLimit)
	}
	return Decision{Allowed: true, Snapshot: b.snapshotLocked(now)}
}

// Release reconciles the last reservation against the actual token
// count and frees the task's concurrency slot. A successful release
// while half-open closes the circuit.
func (b *Breaker) Release(taskID string, actualTokens int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry := b.tasks[taskID]
	if entry == nil {
		return
	}

	delta := actualTokens - entry.reserved
	b.dailyUsed += delta
	if b.dailyUsed < 0 {
		b.dailyUsed = 0
	}
	entry.tokensUsed += delta
	if entry.tokensUsed < 0 {
		entry.tokensUsed = 0
	}
	entry.reserved = 0

	if entry.inFlight {
		entry.inFlight = false
		b.concurrent--
	}

	if b.circuit == CircuitHalfOpen {
		b.circuit = CircuitClosed
		b.denials = nil
	}
}

// IncrementRetry bumps the task's retry counter. It returns false once
// the new count exceeds MaxRetries, recording a max_retries event.
func (b *Breaker) IncrementRetry(taskID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clk.Now()
	entry := b.tasks[taskID]
	if entry == nil {
		entry = &taskEntry{createdAt: now}
		b.tasks[taskID] = entry
	}
	entry.retries++
	if entry.retries > b.cfg.MaxRetries {
		b.recordEvent(now, "pipeline", "retry", taskID, store.EventMaxRetries)
		return false
	}
	return true
}

// GetRetryCount returns the task's retry counter.
func (b *Breaker) GetRetryCount(taskID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if entry := b.tasks[taskID]; entry != nil {
		return entry.retries
	}
	return 0
}

// Forget drops a task's entry once its pipeline reached a terminal
// state, releasing any slot it still holds.
func (b *Breaker) Forget(taskID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if entry := b.tasks[taskID]; entry != nil {
		if entry.inFlight {
			b.concurrent--
		}
		delete(b.tasks, taskID)
	}
}

// Status returns the current snapshot.
func (b *Breaker) Status() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clk.Now()
	b.housekeepLocked(now)
	return b.snapshotLocked(now)
}

// Run drives the housekeeping tick until the context is cancelled.
func (b *Breaker) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.mu.Lock()
			b.housekeepLocked(b.clk.Now())
			b.mu.Unlock()
		}
	}
}

// housekeepLocked resets the daily bucket when its window closes, trims
// the denial ring and expires stale task entries.
func (b *Breaker) housekeepLocked(now time.Time) {
	if now.Sub(b.windowStart) >= b.cfg.TokenWindow {
		b.dailyUsed = 0
		b.windowStart = now
	}

	cutoff := now.Add(-b.cfg.TripWindow)
	i := 0
	for i < len(b.denials) && b.denials[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		b.denials = b.denials[i:]
	}

	for id, entry := range b.tasks {
		if now.Sub(entry.createdAt) > taskEntryTTL {
			if entry.inFlight {
				b.concurrent--
			}
			delete(b.tasks, id)
		}
	}
}

// denyLocked records a denial, evaluates the trip rule, and returns the
// decision.
func (b *Breaker) denyLocked(now time.Time, service, action, taskID string, reason store.BreakerEventType) Decision {
	b.denials = append(b.denials, now)

	switch {
	case b.circuit == CircuitHalfOpen:
		// Probe failed: re-open and extend the cooldown.
		b.circuit = CircuitOpen
		b.openUntil = now.Add(b.cfg.HalfOpenInterval)
	case b.circuit == CircuitClosed && len(b.denials) >= b.cfg.TripThreshold:
		b.circuit = CircuitOpen
		b.openUntil = now.Add(b.cfg.HalfOpenInterval)
	}

	b.recordEvent(now, service, action, taskID, reason)
	return Decision{Allowed: false, Reason: reason, Snapshot: b.snapshotLocked(now)}
}

// recordEvent appends an audit row for a non-allowed decision. Audit
// failures never block admission.
func (b *Breaker) recordEvent(now time.Time, service, action, taskID string, reason store.BreakerEventType) {
	if b.st == nil {
		return
	}
	b.st.AppendBreakerEvent(&store.BreakerEvent{
		ID:      clock.NewID(),
		Service: service,
		Action:  action,
		Type:    reason,
		Usage: store.UsageSnapshot{
			DailyTokensUsed: b.dailyUsed,
			ConcurrentTasks: b.concurrent,
			CircuitState:    b.circuit,
		},
		TaskID:    taskID,
		Timestamp: now,
	})
}

func (b *Breaker) snapshotLocked(now time.Time) Snapshot {
	s := Snapshot{
		CircuitState:       b.circuit,
		DailyTokensUsed:    b.dailyUsed,
		MaxDailyTokens:     b.cfg.MaxDailyTokens,
		ConcurrentTasks:    b.concurrent,
		MaxConcurrentTasks: b.cfg.MaxConcurrentTasks,
		TrackedTasks:       len(b.tasks),
		RecentDenials:      len(b.denials),
		WindowResetAt:      b.windowStart.Add(b.cfg.TokenWindow),
	}
	if b.circuit == CircuitOpen {
		s.OpenUntil = b.openUntil
	}
	return s
}
