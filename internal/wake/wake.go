// Package wake provides a coalescing wake-up signal between a fast
// producer (a timer) and a slow consumer (a worker goroutine).
package wake

// Signal is a single-slot notification. At most one wake is ever
// pending: notifying while one is outstanding is absorbed, so a
// producer that outpaces its consumer never builds a backlog.
type Signal struct {
	ch chan struct{}
}

// New returns a Signal with no pending wake.
func New() *Signal {
	return &Signal{ch: make(chan struct{}, 1)}
}

// Notify posts a wake without blocking. It reports false when a wake
// was already pending and this one was absorbed.
func (s *Signal) Notify() bool {
	select {
	case s.ch <- struct{}{}:
		return true
	default:
		return false
	}
}

// C returns the channel the consumer receives wakes on.
func (s *Signal) C() <-chan struct{} {
	return s.ch
}
