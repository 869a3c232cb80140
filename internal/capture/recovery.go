package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nugget/camrelay/internal/sensor"
)

// RecoveryState is the camera's recovery state.
type RecoveryState int32

const (
	// StateReady means the camera is expected to deliver frames.
	StateReady RecoveryState = iota
	// StateReinitializing means a recovery is in progress.
	StateReinitializing
)

func (s RecoveryState) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateReinitializing:
		return "reinitializing"
	default:
		return fmt.Sprintf("RecoveryState(%d)", int32(s))
	}
}

// Reinitializer is the part of a sensor driver recovery needs.
type Reinitializer interface {
	Init(ctx context.Context, cfg sensor.Config) error
	Deinit() error
}

// Recovery restarts the camera after a failed acquisition. There is no
// attempt ceiling: a failed reinitialization leaves the camera broken,
// the next acquisition fails again and recovery runs again.
type Recovery struct {
	dev    Reinitializer
	cfg    sensor.Config
	settle time.Duration
	logger *slog.Logger

	state       atomic.Int32
	attempts    atomic.Uint64
	consecutive atomic.Uint64
}

// NewRecovery creates a Recovery that reapplies cfg to dev, waiting
// settle between releasing and reinitializing the device.
func NewRecovery(dev Reinitializer, cfg sensor.Config, settle time.Duration, logger *slog.Logger) *Recovery {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recovery{
		dev:    dev,
		cfg:    cfg,
		settle: settle,
		logger: logger,
	}
}

// Recover runs one Ready → Reinitializing → Ready pass. The returned
// error is informational; the state is Ready again either way.
func (r *Recovery) Recover(ctx context.Context) error {
	r.state.Store(int32(StateReinitializing))
	defer r.state.Store(int32(StateReady))

	attempt := r.attempts.Add(1)
	streak := r.consecutive.Add(1)
	r.logger.Warn("reinitializing sensor",
		"attempt", attempt,
		"consecutive_failures", streak,
		"settle", r.settle,
	)

	if err := r.dev.Deinit(); err != nil {
		r.logger.Warn("sensor deinit failed", "error", err)
	}

	if !sleepCtx(ctx, r.settle) {
		return ctx.Err()
	}

	if err := r.dev.Init(ctx, r.cfg); err != nil {
		return fmt.Errorf("reinitialize sensor: %w", err)
	}

	r.logger.Info("sensor reinitialized", "attempt", attempt)
	return nil
}

// Healthy records a successful acquisition, ending a failure streak.
func (r *Recovery) Healthy() {
	if n := r.consecutive.Swap(0); n > 0 {
		r.logger.Info("sensor delivering frames again", "after_failures", n)
	}
}

// State returns the current recovery state.
func (r *Recovery) State() RecoveryState {
	return RecoveryState(r.state.Load())
}

// Attempts returns the total number of recoveries run.
func (r *Recovery) Attempts() uint64 {
	return r.attempts.Load()
}

// ConsecutiveFailures returns the length of the current failure streak.
func (r *Recovery) ConsecutiveFailures() uint64 {
	return r.consecutive.Load()
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
