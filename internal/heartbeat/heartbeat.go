// Package heartbeat publishes a small identity and liveness message so
// operators can see that a camera is alive without subscribing to its
// image stream.
//
// A beacon publishes once on every broker session establishment and,
// when an interval is set, periodically while the session is up. Wakes
// from both sources go through one coalescing signal so a burst of
// reconnects produces one heartbeat.
package heartbeat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nugget/camrelay/internal/buildinfo"
	"github.com/nugget/camrelay/internal/wake"
)

// Heartbeats must arrive; they are small and infrequent.
const (
	heartbeatQoS    byte = 1
	heartbeatRetain      = false
)

// Telemetry is the heartbeat payload.
type Telemetry struct {
	Device    string `json:"device"`
	UptimeSec int64  `json:"uptime_sec"`
	SSID      string `json:"ssid"`
}

// Publisher hands a message to the broker session.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error
}

// Gate reports whether the broker session is established.
type Gate interface {
	SessionUp() bool
}

// Config configures a Beacon.
type Config struct {
	Topic string
	// Device defaults to [buildinfo.HostModel].
	Device string
	SSID   string
	// Interval of zero publishes only on session establishment.
	Interval time.Duration
	// Uptime defaults to [buildinfo.Uptime].
	Uptime func() time.Duration
}

// Beacon publishes heartbeats.
type Beacon struct {
	cfg    Config
	pub    Publisher
	gate   Gate
	signal *wake.Signal
	logger *slog.Logger

	sent   atomic.Uint64
	failed atomic.Uint64
}

// New creates a beacon. Register [Beacon.Trigger] as a session-up hook
// and run [Beacon.Run] to start it.
func New(cfg Config, pub Publisher, gate Gate, logger *slog.Logger) *Beacon {
	if cfg.Device == "" {
		cfg.Device = buildinfo.HostModel()
	}
	if cfg.Uptime == nil {
		cfg.Uptime = buildinfo.Uptime
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Beacon{
		cfg:    cfg,
		pub:    pub,
		gate:   gate,
		signal: wake.New(),
		logger: logger,
	}
}

// Trigger requests a heartbeat without blocking.
func (b *Beacon) Trigger() {
	b.signal.Notify()
}

// Run publishes on every trigger and, with a non-zero interval, on
// every tick until ctx is cancelled. Publish failures are logged and
// never stop the loop.
func (b *Beacon) Run(ctx context.Context) error {
	var tick <-chan time.Time
	if b.cfg.Interval > 0 {
		ticker := time.NewTicker(b.cfg.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-b.signal.C():
		case <-tick:
		}

		if !b.gate.SessionUp() {
			b.logger.Debug("broker session not ready, skipping heartbeat")
			continue
		}
		if err := b.Publish(ctx); err != nil {
			b.logger.Warn("heartbeat publish failed", "error", err)
		}
	}
}

// Publish sends one heartbeat now.
func (b *Beacon) Publish(ctx context.Context) error {
	payload, err := b.Payload()
	if err != nil {
		return err
	}
	if err := b.pub.Publish(ctx, b.cfg.Topic, payload, heartbeatQoS, heartbeatRetain); err != nil {
		b.failed.Add(1)
		return err
	}
	b.sent.Add(1)
	b.logger.Info("heartbeat published", "topic", b.cfg.Topic, "payload", string(payload))
	return nil
}

// Payload builds the compact JSON heartbeat body.
func (b *Beacon) Payload() ([]byte, error) {
	t := Telemetry{
		Device:    b.cfg.Device,
		UptimeSec: int64(b.cfg.Uptime() / time.Second),
		SSID:      b.cfg.SSID,
	}
	payload, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("marshal heartbeat: %w", err)
	}
	return payload, nil
}

// Sent returns the number of heartbeats published.
func (b *Beacon) Sent() uint64 {
	return b.sent.Load()
}
