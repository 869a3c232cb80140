// Package connstate tracks whether the network link and the broker
// session are up. Writers are asynchronous driver callbacks (the link
// watcher and the MQTT client); the reader is the capture worker. Both
// flags are atomics, so no lock spans them and no invariant ties them
// together beyond [State.IsReady].
//
// A false→true transition of the session flag runs the registered
// session hooks. That edge is the only thing that arms the capture
// scheduler; a session loss never disarms it. Cycles that start while
// the session is down are skipped by the capture routine instead.
package connstate

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// State is the shared connectivity state. The zero value is not usable;
// construct with [New].
type State struct {
	networkUp atomic.Bool
	sessionUp atomic.Bool

	mu    sync.Mutex
	hooks []func()

	logger *slog.Logger
}

// New creates a State with both flags down.
func New(logger *slog.Logger) *State {
	if logger == nil {
		logger = slog.Default()
	}
	return &State{logger: logger}
}

// OnSessionUp registers fn to run on every session false→true
// transition. Hooks run synchronously on the goroutine that reported
// the transition, so they must return quickly; idempotent arming is the
// hook's responsibility.
func (s *State) OnSessionUp(fn func()) {
	s.mu.Lock()
	s.hooks = append(s.hooks, fn)
	s.mu.Unlock()
}

// SetNetworkUp records the link state.
func (s *State) SetNetworkUp(up bool) {
	if s.networkUp.Swap(up) == up {
		return
	}
	if up {
		s.logger.Info("network link up")
	} else {
		s.logger.Warn("network link down")
	}
}

// SetSessionUp records the broker session state and fires the session
// hooks on a rising edge.
func (s *State) SetSessionUp(up bool) {
	if s.sessionUp.Swap(up) == up {
		return
	}
	if !up {
		s.logger.Warn("broker session lost")
		return
	}

	s.logger.Info("broker session established")

	s.mu.Lock()
	hooks := make([]func(), len(s.hooks))
	copy(hooks, s.hooks)
	s.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
}

// NetworkUp reports the last recorded link state.
func (s *State) NetworkUp() bool {
	return s.networkUp.Load()
}

// SessionUp reports the last recorded broker session state.
func (s *State) SessionUp() bool {
	return s.sessionUp.Load()
}

// IsReady reports whether both the link and the session are up.
func (s *State) IsReady() bool {
	return s.networkUp.Load() && s.sessionUp.Load()
}
