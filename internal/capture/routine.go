package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/camrelay/internal/config"
	"github.com/nugget/camrelay/internal/sensor"
)

// Image messages are fire-and-forget: a lost frame is superseded by
// the next one, and a retained frame would be stale to new subscribers.
const (
	imageQoS    byte = 0
	imageRetain      = false
)

// Sensor is the camera as the routine sees it.
type Sensor interface {
	Acquire(ctx context.Context) (*sensor.Frame, error)
	Release(f *sensor.Frame)
}

// Publisher hands a message to the broker session.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error
}

// Gate reports whether the broker session is established.
type Gate interface {
	SessionUp() bool
}

// Recorder receives the outcome of every cycle.
type Recorder interface {
	Record(ctx context.Context, o Outcome) error
}

// Outcome summarizes one cycle.
type Outcome struct {
	CycleID      string
	StartedAt    time.Time
	Duration     time.Duration
	Result       Result
	FrameBytes   int
	PayloadBytes int
	Err          string
}

// RoutineConfig fixes the envelope identity and the payload bound.
type RoutineConfig struct {
	DeviceID      string
	AccessMethod  string
	Topic         string
	MaxFrameBytes int
}

// Stats is a snapshot of routine counters.
type Stats struct {
	Cycles          uint64
	Published       uint64
	Skipped         uint64
	AcquireFailures uint64
	Dropped         uint64
	PublishFailures uint64
	LastPublished   time.Time
}

// Routine runs capture-and-publish cycles. Run is not safe for
// concurrent use; the scheduler's single worker is its only caller.
type Routine struct {
	cfg      RoutineConfig
	sensor   Sensor
	pub      Publisher
	gate     Gate
	recovery *Recovery
	recorder Recorder
	logger   *slog.Logger

	cycles          atomic.Uint64
	published       atomic.Uint64
	skipped         atomic.Uint64
	acquireFailures atomic.Uint64
	dropped         atomic.Uint64
	publishFailures atomic.Uint64
	lastPublished   atomic.Int64
}

// NewRoutine wires a routine to its collaborators. recovery runs after
// every failed acquisition.
func NewRoutine(cfg RoutineConfig, cam Sensor, pub Publisher, gate Gate, recovery *Recovery, logger *slog.Logger) *Routine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Routine{
		cfg:      cfg,
		sensor:   cam,
		pub:      pub,
		gate:     gate,
		recovery: recovery,
		logger:   logger,
	}
}

// SetRecorder installs a recorder for cycle outcomes. Call before the
// scheduler starts.
func (r *Routine) SetRecorder(rec Recorder) {
	r.recorder = rec
}

// Run executes one cycle. The returned error classifies the outcome
// (see [Classify]); none of them are fatal to the caller.
func (r *Routine) Run(ctx context.Context) error {
	id := uuid.NewString()
	o := Outcome{CycleID: id, StartedAt: time.Now()}
	log := r.logger.With("cycle", id[:8])

	err := r.cycle(ctx, log, &o)

	o.Duration = time.Since(o.StartedAt)
	o.Result = Classify(err)
	if err != nil {
		o.Err = err.Error()
	}
	r.count(o)

	if r.recorder != nil {
		if rerr := r.recorder.Record(ctx, o); rerr != nil {
			log.Warn("failed to record cycle", "error", rerr)
		}
	}

	return err
}

func (r *Routine) cycle(ctx context.Context, log *slog.Logger, o *Outcome) error {
	if !r.gate.SessionUp() {
		log.Warn("broker session not ready, skipping capture")
		return ErrSessionNotReady
	}

	log.Debug("capturing frame")
	frame, err := r.sensor.Acquire(ctx)
	if err != nil || frame == nil {
		if err == nil {
			err = sensor.ErrNoFrame
		}
		log.Error("frame acquisition failed", "error", err)
		if r.recovery != nil {
			if rerr := r.recovery.Recover(ctx); rerr != nil {
				log.Error("sensor recovery failed", "error", rerr)
			}
		}
		return fmt.Errorf("%w: %w", ErrSensorAcquireFailed, err)
	}
	if r.recovery != nil {
		r.recovery.Healthy()
	}

	released := false
	release := func() {
		if !released {
			released = true
			r.sensor.Release(frame)
		}
	}
	defer release()

	n := frame.Len()
	o.FrameBytes = n
	log.Info("frame captured", "bytes", n, "seq", frame.Seq)

	if n > r.cfg.MaxFrameBytes {
		log.Error("frame too large, dropping", "bytes", n, "limit", r.cfg.MaxFrameBytes)
		return fmt.Errorf("%w: %d > %d bytes", ErrPayloadTooLarge, n, r.cfg.MaxFrameBytes)
	}
	if n == 0 {
		log.Error("empty frame, dropping")
		return fmt.Errorf("%w: empty frame", ErrEncodeFailed)
	}

	img := encodeFrame(frame.Data)
	release()
	log.Log(ctx, config.LevelTrace, "frame encoded", "base64_bytes", len(img))

	payload, err := marshalMessage(Message{
		DeviceID:     r.cfg.DeviceID,
		AccessMethod: r.cfg.AccessMethod,
		Image:        string(img),
	})
	if err != nil {
		log.Error("failed to build message", "error", err)
		return fmt.Errorf("%w: %w", ErrSerializeFailed, err)
	}
	o.PayloadBytes = len(payload)

	if err := r.pub.Publish(ctx, r.cfg.Topic, payload, imageQoS, imageRetain); err != nil {
		log.Error("publish failed", "topic", r.cfg.Topic, "error", err)
		return fmt.Errorf("%w: %w", ErrPublishRejected, err)
	}

	log.Info("frame published", "topic", r.cfg.Topic, "bytes", len(payload))
	return nil
}

func (r *Routine) count(o Outcome) {
	r.cycles.Add(1)
	switch o.Result {
	case ResultPublished:
		r.published.Add(1)
		r.lastPublished.Store(o.StartedAt.Add(o.Duration).UnixNano())
	case ResultSkipped:
		r.skipped.Add(1)
	case ResultAcquireFailed:
		r.acquireFailures.Add(1)
	case ResultPublishFailed:
		r.publishFailures.Add(1)
	default:
		r.dropped.Add(1)
	}
}

// Stats returns a snapshot of the routine's counters.
func (r *Routine) Stats() Stats {
	s := Stats{
		Cycles:          r.cycles.Load(),
		Published:       r.published.Load(),
		Skipped:         r.skipped.Load(),
		AcquireFailures: r.acquireFailures.Load(),
		Dropped:         r.dropped.Load(),
		PublishFailures: r.publishFailures.Load(),
	}
	if ns := r.lastPublished.Load(); ns != 0 {
		s.LastPublished = time.Unix(0, ns)
	}
	return s
}
