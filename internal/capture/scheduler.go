package capture

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/camrelay/internal/wake"
)

// Runner executes one cycle. [*Routine] is the production Runner.
type Runner interface {
	Run(ctx context.Context) error
}

// TickerFunc starts a periodic tick source and returns its channel and
// a stop function.
type TickerFunc func(d time.Duration) (<-chan time.Time, func())

func stdTicker(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithTicker replaces the wall-clock ticker.
func WithTicker(fn TickerFunc) SchedulerOption {
	return func(s *Scheduler) {
		s.newTicker = fn
	}
}

// Scheduler drives a Runner from a periodic timer through a coalescing
// wake signal, on exactly one worker goroutine.
type Scheduler struct {
	interval  time.Duration
	runner    Runner
	signal    *wake.Signal
	newTicker TickerFunc
	logger    *slog.Logger

	armOnce sync.Once
	armed   chan struct{}

	ticks     atomic.Uint64
	coalesced atomic.Uint64
	cycles    atomic.Uint64
	panics    atomic.Uint64
}

// NewScheduler creates a disarmed scheduler firing every interval.
func NewScheduler(interval time.Duration, runner Runner, logger *slog.Logger, opts ...SchedulerOption) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		interval:  interval,
		runner:    runner,
		signal:    wake.New(),
		newTicker: stdTicker,
		logger:    logger,
		armed:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Arm starts the timer. Only the first call has an effect, so Arm can
// be registered as a session-up hook and survive reconnects.
func (s *Scheduler) Arm() {
	s.armOnce.Do(func() {
		close(s.armed)
		s.logger.Info("capture timer armed", "interval", s.interval)
	})
}

// Armed reports whether Arm has been called.
func (s *Scheduler) Armed() bool {
	select {
	case <-s.armed:
		return true
	default:
		return false
	}
}

// Run blocks until the scheduler is armed, then ticks until ctx is
// cancelled. It returns after the worker has exited.
func (s *Scheduler) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case <-s.armed:
	}

	ticks, stop := s.newTicker(s.interval)
	defer stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.work(ctx)
	}()

	for {
		select {
		case <-ctx.Done():
			<-done
			return nil
		case <-ticks:
			if !s.signal.Notify() {
				s.coalesced.Add(1)
				s.logger.Debug("capture still in progress, tick coalesced")
			}
			s.ticks.Add(1)
		}
	}
}

func (s *Scheduler) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.signal.C():
			s.runCycle(ctx)
		}
	}
}

func (s *Scheduler) runCycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.panics.Add(1)
			s.logger.Error("capture cycle panicked",
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
		}
	}()

	s.cycles.Add(1)
	if err := s.runner.Run(ctx); err != nil {
		s.logger.Debug("capture cycle ended", "result", Classify(err))
	}
}

// SchedulerStats is a snapshot of scheduler counters.
type SchedulerStats struct {
	Ticks     uint64
	Coalesced uint64
	Cycles    uint64
	Panics    uint64
}

// Stats returns a snapshot of the scheduler's counters.
func (s *Scheduler) Stats() SchedulerStats {
	return SchedulerStats{
		Ticks:     s.ticks.Load(),
		Coalesced: s.coalesced.Load(),
		Cycles:    s.cycles.Load(),
		Panics:    s.panics.Load(),
	}
}
