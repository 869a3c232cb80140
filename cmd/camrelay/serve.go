package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/nugget/camrelay/internal/buildinfo"
	"github.com/nugget/camrelay/internal/capture"
	"github.com/nugget/camrelay/internal/config"
	"github.com/nugget/camrelay/internal/connstate"
	"github.com/nugget/camrelay/internal/connwatch"
	"github.com/nugget/camrelay/internal/heartbeat"
	"github.com/nugget/camrelay/internal/journal"
	"github.com/nugget/camrelay/internal/mqtt"
	"github.com/nugget/camrelay/internal/sensor"
)

// shutdownTimeout bounds the offline publish and disconnect on exit.
const shutdownTimeout = 5 * time.Second

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "capture and publish frames until interrupted",
		Action: func(c *cli.Context) error {
			return runServe(c.Context, c.App.Writer, c.String("config"))
		},
	}
}

func heartbeatCommand() *cli.Command {
	return &cli.Command{
		Name:  "heartbeat",
		Usage: "publish device telemetry without capturing images",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "once",
				Usage: "publish a single heartbeat and exit",
			},
			&cli.DurationFlag{
				Name:  "wait",
				Value: 30 * time.Second,
				Usage: "with --once, how long to wait for the broker",
			},
		},
		Action: func(c *cli.Context) error {
			if c.Bool("once") {
				return runHeartbeatOnce(c.Context, c.App.Writer, c.String("config"), c.Duration("wait"))
			}
			return runHeartbeat(c.Context, c.App.Writer, c.String("config"))
		},
	}
}

// relay is the connectivity plumbing shared by serve and heartbeat:
// the link watcher feeds the network flag, the first link-up starts the
// broker session, and the session feeds the session flag.
type relay struct {
	cfg     *config.Config
	logger  *slog.Logger
	state   *connstate.State
	session *mqtt.Session

	startOnce sync.Once
	watcher   *connwatch.Watcher
}

func newRelay(cfg *config.Config, logger *slog.Logger) *relay {
	state := connstate.New(logger.With("component", "connstate"))
	clientID := mqtt.ClientID(cfg.MQTT.ClientID)
	return &relay{
		cfg:     cfg,
		logger:  logger,
		state:   state,
		session: mqtt.New(cfg.MQTT, clientID, state, logger.With("component", "mqtt")),
	}
}

// start begins link monitoring. The broker session starts on the first
// link-up and reconnects on its own from then on.
func (r *relay) start(ctx context.Context) {
	r.watcher = connwatch.Watch(ctx, connwatch.WatcherConfig{
		Name:  "broker-link",
		Probe: connwatch.DialProbe(r.cfg.Network.ProbeAddress),
		Backoff: connwatch.BackoffConfig{
			PollInterval: time.Duration(r.cfg.Network.ProbeIntervalMs) * time.Millisecond,
			ProbeTimeout: time.Duration(r.cfg.Network.ProbeTimeoutMs) * time.Millisecond,
		},
		OnReady: func() {
			r.state.SetNetworkUp(true)
			r.startOnce.Do(func() {
				if err := r.session.Start(ctx); err != nil {
					r.logger.Error("mqtt session failed to start", "error", err)
				}
			})
		},
		OnDown: func(error) {
			r.state.SetNetworkUp(false)
		},
		Logger: r.logger.With("component", "connwatch"),
	})
}

// stop disconnects from the broker and stops link monitoring.
func (r *relay) stop() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := r.session.Stop(ctx); err != nil {
		r.logger.Error("mqtt shutdown failed", "error", err)
	}
	if r.watcher != nil {
		r.watcher.Stop()
	}
}

func newBeacon(cfg *config.Config, r *relay) *heartbeat.Beacon {
	return heartbeat.New(heartbeat.Config{
		Topic:    cfg.Heartbeat.Topic,
		Device:   cfg.Heartbeat.Device,
		SSID:     cfg.Network.SSID,
		Interval: time.Duration(cfg.Heartbeat.IntervalSec) * time.Second,
	}, r.session, r.state, r.logger.With("component", "heartbeat"))
}

// loadServiceConfig loads the config and switches to the configured
// logger. A broker is mandatory for the long-running commands.
func loadServiceConfig(stdout io.Writer, configPath string) (*config.Config, *slog.Logger, error) {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting camrelay",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"branch", buildinfo.GitBranch,
		"built", buildinfo.BuildTime,
	)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	if !cfg.MQTT.Configured() {
		return nil, nil, errors.New("mqtt.broker is required")
	}

	logger = configuredLogger(stdout, cfg)
	logger.Info("config loaded",
		"path", cfgPath,
		"broker", cfg.MQTT.Broker,
		"topic", cfg.MQTT.Topic,
		"driver", cfg.Camera.Driver,
		"interval", cfg.Capture.Interval(),
	)
	return cfg, logger, nil
}

func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	cfg, logger, err := loadServiceConfig(stdout, configPath)
	if err != nil {
		return err
	}

	// NotifyContext wraps the parent context so that SIGINT/SIGTERM
	// cancellation flows through the same ctx used by all components.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// --- Camera ---
	cam, err := sensor.New(cfg.Camera, logger.With("component", "sensor"))
	if err != nil {
		return fmt.Errorf("camera: %w", err)
	}
	sensorCfg := sensor.ConfigFrom(cfg.Camera)
	if err := cam.Init(ctx, sensorCfg); err != nil {
		return fmt.Errorf("initialize camera: %w", err)
	}
	defer cam.Deinit()
	logger.Info("camera initialized",
		"driver", cfg.Camera.Driver,
		"device", cfg.Camera.Device,
		"width", cfg.Camera.Width,
		"height", cfg.Camera.Height,
	)

	rt := newRelay(cfg, logger)

	// --- Capture ---
	captureLogger := logger.With("component", "capture")
	recovery := capture.NewRecovery(cam, sensorCfg,
		time.Duration(cfg.Camera.SettleDelayMs)*time.Millisecond, captureLogger)
	routine := capture.NewRoutine(capture.RoutineConfig{
		DeviceID:      cfg.DeviceID,
		AccessMethod:  cfg.AccessMethod,
		Topic:         cfg.MQTT.Topic,
		MaxFrameBytes: cfg.Capture.MaxFrameBytes,
	}, cam, rt.session, rt.state, recovery, captureLogger)

	if cfg.Journal.Configured() {
		j, err := journal.Open(cfg.Journal.Path, cfg.Journal.Keep)
		if err != nil {
			return fmt.Errorf("journal: %w", err)
		}
		defer j.Close()
		routine.SetRecorder(j)
		logger.Info("cycle journal enabled", "path", cfg.Journal.Path, "keep", cfg.Journal.Keep)
	}

	sched := capture.NewScheduler(cfg.Capture.Interval(), routine, captureLogger)
	rt.state.OnSessionUp(sched.Arm)

	// --- Heartbeat ---
	var beacon *heartbeat.Beacon
	if cfg.Heartbeat.Enabled {
		beacon = newBeacon(cfg, rt)
		rt.state.OnSessionUp(beacon.Trigger)
	}

	rt.start(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Run(gctx) })
	if beacon != nil {
		g.Go(func() error { return beacon.Run(gctx) })
	}
	err = g.Wait()

	logger.Info("shutdown signal received")
	rt.stop()

	st := routine.Stats()
	ss := sched.Stats()
	logger.Info("camrelay stopped",
		"uptime", buildinfo.Uptime(),
		"cycles", st.Cycles,
		"published", st.Published,
		"skipped", st.Skipped,
		"acquire_failures", st.AcquireFailures,
		"dropped", st.Dropped,
		"publish_failures", st.PublishFailures,
		"coalesced_ticks", ss.Coalesced,
		"recoveries", recovery.Attempts(),
	)
	return err
}

func runHeartbeat(ctx context.Context, stdout io.Writer, configPath string) error {
	cfg, logger, err := loadServiceConfig(stdout, configPath)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt := newRelay(cfg, logger)
	beacon := newBeacon(cfg, rt)
	rt.state.OnSessionUp(beacon.Trigger)
	rt.start(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return beacon.Run(gctx) })
	err = g.Wait()

	logger.Info("shutdown signal received")
	rt.stop()
	logger.Info("camrelay stopped", "heartbeats", beacon.Sent())
	return err
}

func runHeartbeatOnce(ctx context.Context, stdout io.Writer, configPath string, wait time.Duration) error {
	cfg, logger, err := loadServiceConfig(stdout, configPath)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt := newRelay(cfg, logger)
	beacon := newBeacon(cfg, rt)
	rt.start(ctx)
	defer rt.stop()

	waitCtx, waitCancel := context.WithTimeout(ctx, wait)
	defer waitCancel()
	for {
		err := rt.session.AwaitConnection(waitCtx)
		if err == nil {
			break
		}
		if !errors.Is(err, mqtt.ErrNotStarted) {
			return fmt.Errorf("waiting for broker: %w", err)
		}
		// The session starts once the link is up.
		select {
		case <-waitCtx.Done():
			return fmt.Errorf("waiting for network link: %w", waitCtx.Err())
		case <-time.After(100 * time.Millisecond):
		}
	}

	return beacon.Publish(ctx)
}
