package timeutil

import (
	"sync"
	"time"
)

// StreamClock estimates the current position of a frame stream whose
// timestamps come from the camera rather than the host clock. The
// estimate is the latest stream timestamp seen plus the host time
// elapsed since it was seen.
type StreamClock struct {
	host Clock

	mu       sync.Mutex
	last     time.Time
	observed time.Time
}

// NewStreamClock returns a StreamClock that measures elapsed host time
// with host. A nil host uses RealClock.
func NewStreamClock(host Clock) *StreamClock {
	if host == nil {
		host = RealClock{}
	}
	return &StreamClock{host: host}
}

// Observe records a stream timestamp. Timestamps older than the latest
// one are ignored.
func (s *StreamClock) Observe(ts time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.last.IsZero() && ts.Before(s.last) {
		return
	}
	s.last = ts
	s.observed = s.host.Now()
}

// Now returns the estimated stream time, or the zero time when nothing
// has been observed yet.
func (s *StreamClock) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last.IsZero() {
		return time.Time{}
	}
	return s.last.Add(s.host.Since(s.observed))
}
