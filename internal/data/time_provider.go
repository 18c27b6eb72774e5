package data

import "time"

// TimeProvider abstracts clock access so repository tests can pin time.
type TimeProvider interface {
	Now() time.Time
}

// RealTimeProvider returns the wall clock.
type RealTimeProvider struct{}

// Now returns the current time.
func (RealTimeProvider) Now() time.Time { return time.Now() }

// FixedTimeProvider always returns the same instant.
type FixedTimeProvider struct {
	Time time.Time
}

// Now returns the fixed instant.
func (p FixedTimeProvider) Now() time.Time { return p.Time }

func nowUTC() time.Time { return time.Now().UTC() }
