// Package clock provides the time and ID sources used across patchline.
// Quota windows in the breaker depend on an injectable clock so tests
// can advance time without sleeping.
package clock

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Clock is the time source. The system clock is used everywhere outside
// of tests.
type Clock interface {
	Now() time.Time
}

// System returns the real wall clock.
func System() Clock { return systemClock{} }

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Manual is a hand-advanced clock for tests.
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

// NewManual creates a manual clock starting at t.
func NewManual(t time.Time) *Manual {
	return &Manual{now: t}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the clock forward by d.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}

// NewID returns a fresh opaque identifier.
func NewID() string { return uuid.NewString() }

// ShortID returns the first segment of an identifier, used in branch
// names and log lines.
func ShortID(id string) string {
	if i := strings.IndexByte(id, '-'); i > 0 {
		return id[:i]
	}
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
