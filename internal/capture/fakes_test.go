package capture

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/nugget/camrelay/internal/sensor"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// step scripts one Acquire call. A zero step is a null frame.
type step struct {
	data []byte
	err  error
}

type fakeSensor struct {
	mu       sync.Mutex
	steps    []step
	events   []string
	released map[*sensor.Frame]int
	frames   []*sensor.Frame
	initErr  error
	onDeinit func()
}

func newFakeSensor(steps ...step) *fakeSensor {
	return &fakeSensor{steps: steps, released: make(map[*sensor.Frame]int)}
}

func (f *fakeSensor) Init(_ context.Context, _ sensor.Config) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, "init")
	return f.initErr
}

func (f *fakeSensor) Deinit() error {
	f.mu.Lock()
	f.events = append(f.events, "deinit")
	hook := f.onDeinit
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return nil
}

func (f *fakeSensor) Acquire(_ context.Context) (*sensor.Frame, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, "acquire")
	if len(f.steps) == 0 {
		return nil, sensor.ErrNoFrame
	}
	s := f.steps[0]
	f.steps = f.steps[1:]
	if s.err != nil || s.data == nil {
		return nil, s.err
	}
	fr := &sensor.Frame{Data: s.data, Seq: uint64(len(f.frames) + 1)}
	f.frames = append(f.frames, fr)
	return fr, nil
}

func (f *fakeSensor) Release(fr *sensor.Frame) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, "release")
	f.released[fr]++
}

func (f *fakeSensor) eventLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.events...)
}

func (f *fakeSensor) count(event string) int {
	n := 0
	for _, e := range f.eventLog() {
		if e == event {
			n++
		}
	}
	return n
}

// releasedOnce reports whether every acquired frame was released exactly once.
func (f *fakeSensor) releasedOnce() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, fr := range f.frames {
		if f.released[fr] != 1 {
			return false
		}
	}
	return len(f.released) == len(f.frames)
}

type publication struct {
	topic   string
	payload []byte
	qos     byte
	retain  bool
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []publication
	err  error
}

func (p *fakePublisher) Publish(_ context.Context, topic string, payload []byte, qos byte, retain bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, publication{topic: topic, payload: payload, qos: qos, retain: retain})
	return nil
}

func (p *fakePublisher) published() []publication {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]publication(nil), p.msgs...)
}

type fakeGate struct{ up atomic.Bool }

func (g *fakeGate) SessionUp() bool { return g.up.Load() }

func openGate() *fakeGate {
	g := &fakeGate{}
	g.up.Store(true)
	return g
}

type fakeRecorder struct {
	mu       sync.Mutex
	outcomes []Outcome
	err      error
}

func (r *fakeRecorder) Record(_ context.Context, o Outcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, o)
	return r.err
}

var errBoom = errors.New("boom")

func testRoutineConfig() RoutineConfig {
	return RoutineConfig{
		DeviceID:      "access_control_camera",
		AccessMethod:  "camera",
		Topic:         "iot/telemetry",
		MaxFrameBytes: 30000,
	}
}
