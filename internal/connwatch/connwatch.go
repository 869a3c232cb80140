// Package connwatch monitors whether the network link to the broker is
// usable. The operating system owns association and addressing; this
// package only observes reachability and reports transitions.
//
// A Watcher alternates between two phases for as long as it runs:
//  1. Connecting: probe with exponential backoff (1s, 2s, 4s, ... capped
//     at 30s) until a probe succeeds.
//  2. Connected: probe every poll interval. A failed poll reports the
//     link down and returns to phase 1.
//
// There is no retry ceiling.
package connwatch

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// ProbeFunc checks whether the link is usable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// BackoffConfig controls the probe schedule.
type BackoffConfig struct {
	// InitialDelay is the delay before the first retry (default: 1s).
	InitialDelay time.Duration

	// MaxDelay is the ceiling for backoff growth (default: 30s).
	MaxDelay time.Duration

	// Multiplier scales the delay after each retry (default: 2.0).
	Multiplier float64

	// PollInterval is the check interval while connected (default: 15s).
	PollInterval time.Duration

	// ProbeTimeout limits how long each individual probe call may take (default: 3s).
	ProbeTimeout time.Duration
}

// DefaultBackoffConfig returns the default schedule: 1s, 2s, 4s, ...
// 30s (capped) while connecting, 15-second polling while connected.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		PollInterval: 15 * time.Second,
		ProbeTimeout: 3 * time.Second,
	}
}

// WatcherConfig configures a link watcher.
type WatcherConfig struct {
	// Name identifies the watched link in logs (e.g., "broker").
	Name string

	// Probe checks reachability. Must be safe for concurrent use.
	Probe ProbeFunc

	// Backoff controls retry timing. Zero fields take defaults.
	Backoff BackoffConfig

	// OnReady is called when the link transitions from down to up.
	// Called on the watcher goroutine; must return quickly. Optional.
	OnReady func()

	// OnDown is called when the link transitions from up to down.
	// Called on the watcher goroutine; must return quickly. Optional.
	OnDown func(err error)

	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// Status is the health status of a watched link.
type Status struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
	Drops     uint64    `json:"drops"`
}

// Watcher monitors a single link.
type Watcher struct {
	config WatcherConfig
	ready  atomic.Bool
	drops  atomic.Uint64
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
}

// Watch starts a watcher in a background goroutine that runs until ctx
// is cancelled or Stop is called.
//
// Panics if Name is empty or Probe is nil.
func Watch(ctx context.Context, cfg WatcherConfig) *Watcher {
	if cfg.Name == "" {
		panic("connwatch: WatcherConfig.Name must not be empty")
	}
	if cfg.Probe == nil {
		panic("connwatch: WatcherConfig.Probe must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	defaults := DefaultBackoffConfig()
	if cfg.Backoff.InitialDelay <= 0 {
		cfg.Backoff.InitialDelay = defaults.InitialDelay
	}
	if cfg.Backoff.MaxDelay <= 0 {
		cfg.Backoff.MaxDelay = defaults.MaxDelay
	}
	if cfg.Backoff.Multiplier <= 0 {
		cfg.Backoff.Multiplier = defaults.Multiplier
	}
	if cfg.Backoff.PollInterval <= 0 {
		cfg.Backoff.PollInterval = defaults.PollInterval
	}
	if cfg.Backoff.ProbeTimeout <= 0 {
		cfg.Backoff.ProbeTimeout = defaults.ProbeTimeout
	}

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		config: cfg,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go w.run(watchCtx)
	return w
}

// IsReady reports whether the link is currently reachable.
func (w *Watcher) IsReady() bool {
	return w.ready.Load()
}

// LastError returns the most recent probe error, or nil if healthy.
func (w *Watcher) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Status returns the current health status.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := Status{
		Name:      w.config.Name,
		Ready:     w.ready.Load(),
		LastCheck: w.lastCheck,
		Drops:     w.drops.Load(),
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Wait blocks until the watcher goroutine exits.
func (w *Watcher) Wait() {
	<-w.done
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	for {
		if !w.connect(ctx) {
			return
		}
		if !w.poll(ctx) {
			return
		}
	}
}

// connect probes with exponential backoff until the link is up.
// Returns false if ctx was cancelled.
func (w *Watcher) connect(ctx context.Context) bool {
	cfg := w.config.Backoff
	logger := w.config.Logger

	delay := cfg.InitialDelay
	for attempt := 1; ; attempt++ {
		err := w.probe(ctx)
		if ctx.Err() != nil {
			return false
		}
		w.recordResult(err)

		if err == nil {
			w.ready.Store(true)
			logger.Info("link up",
				"link", w.config.Name,
				"after_attempts", attempt,
			)
			if w.config.OnReady != nil {
				w.config.OnReady()
			}
			return true
		}

		logger.Debug("link probe failed, retrying",
			"link", w.config.Name,
			"attempt", attempt,
			"next_delay", delay.String(),
			"error", err,
		)

		if !sleepCtx(ctx, delay) {
			return false
		}

		delay = time.Duration(float64(delay) * cfg.Multiplier)
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
}

// poll probes periodically until a probe fails. Returns false if ctx
// was cancelled.
func (w *Watcher) poll(ctx context.Context) bool {
	ticker := time.NewTicker(w.config.Backoff.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			err := w.probe(ctx)
			if ctx.Err() != nil {
				return false
			}
			w.recordResult(err)
			if err == nil {
				continue
			}

			w.ready.Store(false)
			w.drops.Add(1)
			w.config.Logger.Warn("link lost",
				"link", w.config.Name,
				"error", err,
			)
			if w.config.OnDown != nil {
				w.config.OnDown(err)
			}
			return true
		}
	}
}

// probe calls the configured ProbeFunc with a timeout.
func (w *Watcher) probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.config.Backoff.ProbeTimeout)
	defer cancel()
	return w.config.Probe(probeCtx)
}

// recordResult stores the probe outcome under the mutex.
func (w *Watcher) recordResult(err error) {
	w.mu.Lock()
	w.lastErr = err
	w.lastCheck = time.Now()
	w.mu.Unlock()
}

// DialProbe returns a ProbeFunc that opens and immediately closes a TCP
// connection to addr.
func DialProbe(addr string) ProbeFunc {
	var d net.Dialer
	return func(ctx context.Context) error {
		if addr == "" {
			return errors.New("no probe address configured")
		}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return err
		}
		return conn.Close()
	}
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
