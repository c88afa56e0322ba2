package clock

import (
	"sync"
	"time"
)

// Clock abstracts time operations for testability.
type Clock interface {
	Now() time.Time
}

// Real is a Clock backed by the system clock.
type Real struct{}

// Now returns the current time.
func (Real) Now() time.Time { return time.Now() }

// Mock is a Clock that returns a fixed time until advanced.
type Mock struct {
	mu sync.Mutex
	T  time.Time
}

// NewMock returns a Mock pinned to t.
func NewMock(t time.Time) *Mock {
	return &Mock{T: t}
}

// Now returns the pinned time.
func (m *Mock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.T
}

// Advance moves the pinned time forward by d.
func (m *Mock) Advance(d time.Duration) {
	m.mu.Lock()
	m.T = m.T.Add(d)
	m.mu.Unlock()
}
