package clock

import (
	"sync"
	"time"
)

// Clock provides current time abstraction for deterministic tests.
// Params: none.
// Returns: current wall-clock time.
type Clock interface {
	Now() time.Time
}

// RealClock reads current UTC time from system clock.
// Params: none.
// Returns: current UTC timestamp.
type RealClock struct{}

// Now returns current UTC time.
// Params: none.
// Returns: current UTC timestamp.
func (RealClock) Now() time.Time {
	return time.Now().UTC()
}

// Manual is a settable clock for deterministic time-driven tests.
// Params: guarded current timestamp.
// Returns: clock whose time only moves when advanced explicitly.
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

// NewManual creates manual clock pinned at the given instant.
// Params: initial timestamp.
// Returns: initialized manual clock.
func NewManual(now time.Time) *Manual {
	return &Manual{now: now.UTC()}
}

// Now returns the pinned timestamp.
// Params: none.
// Returns: current manual time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves manual time forward.
// Params: positive duration step.
// Returns: new current time after the step.
func (m *Manual) Advance(step time.Duration) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(step)
	return m.now
}

// Set pins manual time at an absolute instant.
// Params: replacement timestamp.
// Returns: none.
func (m *Manual) Set(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now.UTC()
}
