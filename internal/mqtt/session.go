package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/camrelay/internal/config"
)

// ErrNotStarted is returned by operations that need a connection
// manager before [Session.Start] has run.
var ErrNotStarted = errors.New("mqtt session not started")

const (
	availabilityOnline  = "online"
	availabilityOffline = "offline"
)

// Observer receives session transitions.
type Observer interface {
	SetSessionUp(up bool)
}

// Session manages the broker connection and publishes on behalf of the
// capture routine and the heartbeat beacon.
type Session struct {
	cfg      config.MQTTConfig
	clientID string
	obs      Observer
	logger   *slog.Logger

	cm atomic.Pointer[autopaho.ConnectionManager]

	published atomic.Uint64
	failed    atomic.Uint64
}

// New creates a Session but does not connect. Call [Session.Start] to
// begin connecting.
func New(cfg config.MQTTConfig, clientID string, obs Observer, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		cfg:      cfg,
		clientID: clientID,
		obs:      obs,
		logger:   logger,
	}
}

// ClientID returns the MQTT client identifier in use.
func (s *Session) ClientID() string {
	return s.clientID
}

// Start begins connecting in the background and returns. autopaho keeps
// reconnecting until ctx is cancelled or [Session.Stop] is called.
func (s *Session) Start(ctx context.Context) error {
	pahoCfg, err := s.clientConfig(ctx)
	if err != nil {
		return err
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	s.cm.Store(cm)

	s.logger.Info("mqtt session starting",
		"broker", s.cfg.Broker,
		"client_id", s.clientID,
	)
	return nil
}

func (s *Session) clientConfig(ctx context.Context) (autopaho.ClientConfig, error) {
	brokerURL, err := url.Parse(s.cfg.Broker)
	if err != nil {
		return autopaho.ClientConfig{}, fmt.Errorf("parse mqtt broker URL: %w", err)
	}
	if brokerURL.Host == "" {
		return autopaho.ClientConfig{}, fmt.Errorf("parse mqtt broker URL: missing host in %q", s.cfg.Broker)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{brokerURL},
		KeepAlive:                     uint16(s.cfg.KeepAliveSec),
		CleanStartOnInitialConnection: true,
		ConnectTimeout:                time.Duration(s.cfg.ConnectTimeoutSec) * time.Second,
		ConnectUsername:               s.cfg.Username,
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			s.handleConnectionUp(ctx, cm)
		},
		OnConnectError: s.handleConnectError,
		ClientConfig: paho.ClientConfig{
			ClientID:           s.clientID,
			OnServerDisconnect: s.handleServerDisconnect,
			OnClientError:      s.handleClientError,
		},
	}
	if s.cfg.Password != "" {
		pahoCfg.ConnectPassword = []byte(s.cfg.Password)
	}

	if s.cfg.AvailabilityTopic != "" {
		pahoCfg.WillMessage = &paho.WillMessage{
			Topic:   s.cfg.AvailabilityTopic,
			Payload: []byte(availabilityOffline),
			QoS:     1,
			Retain:  true,
		}
	}

	// Enable TLS for mqtts://, ssl:// or tls:// schemes.
	switch brokerURL.Scheme {
	case "mqtts", "ssl", "tls":
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	return pahoCfg, nil
}

func (s *Session) handleConnectionUp(ctx context.Context, cm *autopaho.ConnectionManager) {
	s.logger.Info("mqtt connected to broker", "broker", s.cfg.Broker)
	if s.cfg.AvailabilityTopic != "" {
		s.publishAvailability(ctx, cm, availabilityOnline)
	}
	if s.obs != nil {
		s.obs.SetSessionUp(true)
	}
}

func (s *Session) handleConnectError(err error) {
	attrs := []any{"broker", s.cfg.Broker, "error", err}
	if hint := Diagnose(err); hint != "" {
		attrs = append(attrs, "hint", hint)
	}
	s.logger.Warn("mqtt connection error", attrs...)
	if s.obs != nil {
		s.obs.SetSessionUp(false)
	}
}

func (s *Session) handleServerDisconnect(d *paho.Disconnect) {
	attrs := []any{"reason_code", d.ReasonCode}
	if d.Properties != nil && d.Properties.ReasonString != "" {
		attrs = append(attrs, "reason", d.Properties.ReasonString)
	}
	s.logger.Warn("mqtt server disconnected", attrs...)
	if s.obs != nil {
		s.obs.SetSessionUp(false)
	}
}

func (s *Session) handleClientError(err error) {
	s.logger.Warn("mqtt connection lost", "error", err)
	if s.obs != nil {
		s.obs.SetSessionUp(false)
	}
}

// Publish sends one message. The call is bounded by the configured
// publish timeout. Failures are returned, never retried.
func (s *Session) Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error {
	cm := s.cm.Load()
	if cm == nil {
		return ErrNotStarted
	}

	if s.cfg.PublishTimeoutSec > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(s.cfg.PublishTimeoutSec)*time.Second)
		defer cancel()
	}

	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     qos,
		Retain:  retain,
	}); err != nil {
		s.failed.Add(1)
		return fmt.Errorf("mqtt publish to %s: %w", topic, err)
	}

	s.published.Add(1)
	s.logger.Debug("mqtt published", "topic", topic, "bytes", len(payload), "qos", qos)
	return nil
}

// AwaitConnection blocks until the broker connection is established or
// ctx expires.
func (s *Session) AwaitConnection(ctx context.Context) error {
	cm := s.cm.Load()
	if cm == nil {
		return ErrNotStarted
	}
	return cm.AwaitConnection(ctx)
}

// Done is closed when the connection manager has shut down.
func (s *Session) Done() <-chan struct{} {
	cm := s.cm.Load()
	if cm == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return cm.Done()
}

// Stop gracefully disconnects by publishing an "offline" availability
// message before closing the connection. The provided context controls
// how long to wait for the publish and disconnect to complete.
func (s *Session) Stop(ctx context.Context) error {
	cm := s.cm.Load()
	if cm == nil {
		return nil
	}
	if s.cfg.AvailabilityTopic != "" {
		s.publishAvailability(ctx, cm, availabilityOffline)
	}
	if s.obs != nil {
		s.obs.SetSessionUp(false)
	}
	return cm.Disconnect(ctx)
}

// Stats reports how many publishes succeeded and failed.
func (s *Session) Stats() (published, failed uint64) {
	return s.published.Load(), s.failed.Load()
}

func (s *Session) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   s.cfg.AvailabilityTopic,
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		s.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		s.logger.Info("mqtt availability published", "status", status)
	}
}
