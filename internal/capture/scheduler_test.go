package capture

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nugget/camrelay/internal/connstate"
)

func manualTicker(ch chan time.Time) TickerFunc {
	return func(time.Duration) (<-chan time.Time, func()) {
		return ch, func() {}
	}
}

// notifyingRunner wraps a Runner and reports each finished cycle.
type notifyingRunner struct {
	inner Runner
	done  chan error
}

func (n *notifyingRunner) Run(ctx context.Context) error {
	err := n.inner.Run(ctx)
	n.done <- err
	return err
}

type runnerFunc func(ctx context.Context) error

func (f runnerFunc) Run(ctx context.Context) error { return f(ctx) }

func waitCycle(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a cycle")
		return nil
	}
}

func startScheduler(t *testing.T, s *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		_ = s.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-stopped
	})
}

func TestScheduler_RunReturnsWhenNeverArmed(t *testing.T) {
	var calls atomic.Int32
	s := NewScheduler(time.Millisecond, runnerFunc(func(context.Context) error {
		calls.Add(1)
		return nil
	}), quietLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := s.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if calls.Load() != 0 {
		t.Errorf("runner called %d times before arming", calls.Load())
	}
}

func TestScheduler_ArmFromSessionHook(t *testing.T) {
	state := connstate.New(quietLogger())
	s := NewScheduler(time.Second, runnerFunc(func(context.Context) error { return nil }), quietLogger())
	state.OnSessionUp(s.Arm)

	if s.Armed() {
		t.Fatal("armed before session up")
	}
	state.SetSessionUp(true)
	if !s.Armed() {
		t.Fatal("not armed after session up")
	}

	// Reconnects re-fire the hook; Arm must tolerate it.
	state.SetSessionUp(false)
	state.SetSessionUp(true)
	if !s.Armed() {
		t.Error("disarmed after reconnect")
	}
}

func TestScheduler_OneTickOneMessage(t *testing.T) {
	frame := jpegOfSize(12000)
	cam := newFakeSensor(step{data: frame})
	pub := &fakePublisher{}
	routine, _ := newTestRoutine(cam, pub, openGate())

	ticks := make(chan time.Time)
	runner := &notifyingRunner{inner: routine, done: make(chan error, 4)}
	s := NewScheduler(10*time.Second, runner, quietLogger(), WithTicker(manualTicker(ticks)))
	s.Arm()
	startScheduler(t, s)

	ticks <- time.Now()
	if err := waitCycle(t, runner.done); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if n := len(pub.published()); n != 1 {
		t.Errorf("published %d, want 1", n)
	}
}

func TestScheduler_NeverReadyNeverCaptures(t *testing.T) {
	cam := newFakeSensor(step{data: jpegOfSize(10)})
	pub := &fakePublisher{}
	routine, _ := newTestRoutine(cam, pub, &fakeGate{})

	ticks := make(chan time.Time)
	runner := &notifyingRunner{inner: routine, done: make(chan error, 8)}
	s := NewScheduler(time.Second, runner, quietLogger(), WithTicker(manualTicker(ticks)))
	s.Arm()
	startScheduler(t, s)

	for range 4 {
		ticks <- time.Now()
		waitCycle(t, runner.done)
	}
	if n := len(cam.eventLog()); n != 0 {
		t.Errorf("sensor saw %d calls, want 0", n)
	}
	if n := len(pub.published()); n != 0 {
		t.Errorf("published %d, want 0", n)
	}
}

func TestScheduler_WorkerSurvivesFailures(t *testing.T) {
	cam := newFakeSensor(step{}, step{}, step{}, step{data: jpegOfSize(500)})
	pub := &fakePublisher{}
	routine, rec := newTestRoutine(cam, pub, openGate())

	var calls atomic.Int32
	runner := &notifyingRunner{
		inner: runnerFunc(func(ctx context.Context) error {
			if calls.Add(1) == 1 {
				panic("sensor driver exploded")
			}
			return routine.Run(ctx)
		}),
		done: make(chan error, 8),
	}

	ticks := make(chan time.Time)
	s := NewScheduler(time.Second, runner, quietLogger(), WithTicker(manualTicker(ticks)))
	s.Arm()
	startScheduler(t, s)

	// The panicking cycle never reaches done; wait for the panic count.
	ticks <- time.Now()
	deadline := time.Now().Add(2 * time.Second)
	for s.Stats().Panics == 0 {
		if time.Now().After(deadline) {
			t.Fatal("panic not recovered")
		}
		time.Sleep(time.Millisecond)
	}

	for range 3 {
		ticks <- time.Now()
		waitCycle(t, runner.done)
	}
	if rec.Attempts() != 3 {
		t.Errorf("recoveries = %d, want 3", rec.Attempts())
	}
	if len(pub.published()) != 0 {
		t.Error("published during failures")
	}

	ticks <- time.Now()
	if err := waitCycle(t, runner.done); err != nil {
		t.Fatalf("cycle after failures: %v", err)
	}
	if len(pub.published()) != 1 {
		t.Errorf("published %d, want 1", len(pub.published()))
	}
}

func TestScheduler_BusyTicksCoalesce(t *testing.T) {
	started := make(chan struct{}, 8)
	release := make(chan struct{})
	var calls atomic.Int32
	runner := runnerFunc(func(ctx context.Context) error {
		calls.Add(1)
		started <- struct{}{}
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	})

	ticks := make(chan time.Time)
	s := NewScheduler(time.Second, runner, quietLogger(), WithTicker(manualTicker(ticks)))
	s.Arm()
	startScheduler(t, s)

	ticks <- time.Now()
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("first cycle did not start")
	}

	for range 5 {
		ticks <- time.Now()
	}
	deadline := time.Now().Add(2 * time.Second)
	for s.Stats().Ticks < 6 {
		if time.Now().After(deadline) {
			t.Fatal("ticks not processed")
		}
		time.Sleep(time.Millisecond)
	}
	close(release)

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("catch-up cycle did not start")
	}
	time.Sleep(50 * time.Millisecond)

	if got := calls.Load(); got != 2 {
		t.Errorf("cycles = %d, want 2", got)
	}
	if got := s.Stats().Coalesced; got != 4 {
		t.Errorf("coalesced = %d, want 4", got)
	}
}
