// Package timeutil abstracts the wall clock so time-dependent components can
// be driven deterministically in tests.
package timeutil

import (
	"sync"
	"time"
)

// Provider supplies the current time.
type Provider interface {
	Now() time.Time
}

type realProvider struct{}

func (realProvider) Now() time.Time { return time.Now().UTC() }

// Default returns a Provider backed by the system clock.
func Default() Provider { return realProvider{} }

// Manual is a Provider whose time only moves when told to.
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

// NewManual returns a Manual provider starting at start.
func NewManual(start time.Time) *Manual { return &Manual{now: start} }

// Now returns the provider's current time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the clock forward by d.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}
