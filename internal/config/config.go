// Package config handles camrelay configuration loading.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults. The wire contract downstream consumers rely on
// (device_id, access_method, topic) is reproduced exactly.
const (
	DefaultDeviceID       = "access_control_camera"
	DefaultAccessMethod   = "camera"
	DefaultTopic          = "iot/telemetry"
	DefaultIntervalMs     = 10000
	DefaultMaxFrameBytes  = 30000
	DefaultSettleDelayMs  = 1000
	DefaultKeepAliveSec   = 30
	DefaultJPEGQuality    = 80
	DefaultFrameBuffers   = 2
	DefaultProbeTimeoutMs = 3000
)

// DefaultSearchPaths returns the config file search order used when no
// explicit path is given: ./config.yaml, ~/.config/camrelay/config.yaml,
// /etc/camrelay/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "camrelay", "config.yaml"))
	}

	paths = append(paths, "/etc/camrelay/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all camrelay configuration.
type Config struct {
	// DeviceID and AccessMethod are copied verbatim into every image
	// envelope.
	DeviceID     string `yaml:"device_id"`
	AccessMethod string `yaml:"access_method"`

	Network   NetworkConfig   `yaml:"network"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Camera    CameraConfig    `yaml:"camera"`
	Capture   CaptureConfig   `yaml:"capture"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Journal   JournalConfig   `yaml:"journal"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// NetworkConfig controls link monitoring. Association with the access
// point is the operating system's job; camrelay only observes whether
// the broker's network is reachable.
type NetworkConfig struct {
	// SSID is reported in heartbeat telemetry. Informational only.
	SSID string `yaml:"ssid"`
	// ProbeAddress is the host:port dialed to decide whether the link
	// is up. Defaults to the broker's address.
	ProbeAddress    string `yaml:"probe_address"`
	ProbeIntervalMs int    `yaml:"probe_interval_ms"`
	ProbeTimeoutMs  int    `yaml:"probe_timeout_ms"`
}

// MQTTConfig defines the broker session.
type MQTTConfig struct {
	Broker   string `yaml:"broker"` // mqtt://host:1883, mqtts://host:8883, ws://...
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// ClientID defaults to "camrelay-" plus a random suffix.
	ClientID string `yaml:"client_id"`
	// Topic receives the image envelopes.
	Topic string `yaml:"topic"`
	// AvailabilityTopic, when set, gets a retained "online" on connect
	// and is the target of the "offline" last will.
	AvailabilityTopic string `yaml:"availability_topic"`
	KeepAliveSec      int    `yaml:"keepalive_sec"`
	ConnectTimeoutSec int    `yaml:"connect_timeout_sec"`
	PublishTimeoutSec int    `yaml:"publish_timeout_sec"`
}

// Configured reports whether a broker has been set.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// CameraConfig selects and configures the sensor backend.
type CameraConfig struct {
	// Driver is one of "gocv", "http" or "dir".
	Driver string `yaml:"driver"`
	// Device is the backend-specific source: a V4L2 index or path for
	// gocv, a snapshot URL for http, a directory for dir.
	Device       string `yaml:"device"`
	Width        int    `yaml:"width"`
	Height       int    `yaml:"height"`
	JPEGQuality  int    `yaml:"jpeg_quality"` // 1-100, higher is better
	FrameBuffers int    `yaml:"frame_buffers"`
	// SettleDelayMs is how long recovery waits between releasing and
	// reinitializing the sensor.
	SettleDelayMs int `yaml:"settle_delay_ms"`
}

// CaptureConfig holds the capture cadence and payload bound.
type CaptureConfig struct {
	IntervalMs    int `yaml:"interval_ms"`
	MaxFrameBytes int `yaml:"max_frame_bytes"`
}

// Interval returns the capture period.
func (c CaptureConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMs) * time.Millisecond
}

// HeartbeatConfig controls the telemetry beacon.
type HeartbeatConfig struct {
	// Enabled runs the beacon alongside capture in "serve". The
	// standalone "heartbeat" command ignores it.
	Enabled bool   `yaml:"enabled"`
	Topic   string `yaml:"topic"`
	// Device overrides the reported device model.
	Device string `yaml:"device"`
	// IntervalSec of zero publishes only when the session comes up.
	IntervalSec int `yaml:"interval_sec"`
}

// JournalConfig enables the local cycle journal.
type JournalConfig struct {
	// Path to the SQLite database. Empty disables the journal.
	Path string `yaml:"path"`
	// Keep bounds the number of retained rows (default 1000).
	Keep int `yaml:"keep"`
}

// Configured reports whether a journal path has been set.
func (c JournalConfig) Configured() bool {
	return c.Path != ""
}

// Load reads configuration from a YAML file. Environment variables of
// the form ${NAME} are expanded before parsing so credentials can stay
// out of the file. Defaults are applied and the result validated.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied and no
// broker set.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.DeviceID == "" {
		c.DeviceID = DefaultDeviceID
	}
	if c.AccessMethod == "" {
		c.AccessMethod = DefaultAccessMethod
	}

	if c.MQTT.Topic == "" {
		c.MQTT.Topic = DefaultTopic
	}
	if c.MQTT.KeepAliveSec <= 0 {
		c.MQTT.KeepAliveSec = DefaultKeepAliveSec
	}
	if c.MQTT.ConnectTimeoutSec <= 0 {
		c.MQTT.ConnectTimeoutSec = 30
	}
	if c.MQTT.PublishTimeoutSec <= 0 {
		c.MQTT.PublishTimeoutSec = 10
	}

	if c.Network.ProbeAddress == "" {
		c.Network.ProbeAddress = brokerHostPort(c.MQTT.Broker)
	}
	if c.Network.ProbeIntervalMs <= 0 {
		c.Network.ProbeIntervalMs = 15000
	}
	if c.Network.ProbeTimeoutMs <= 0 {
		c.Network.ProbeTimeoutMs = DefaultProbeTimeoutMs
	}

	if c.Camera.Driver == "" {
		c.Camera.Driver = "gocv"
	}
	if c.Camera.Device == "" && c.Camera.Driver == "gocv" {
		c.Camera.Device = "0"
	}
	if c.Camera.Width <= 0 {
		c.Camera.Width = 320
	}
	if c.Camera.Height <= 0 {
		c.Camera.Height = 240
	}
	if c.Camera.JPEGQuality <= 0 {
		c.Camera.JPEGQuality = DefaultJPEGQuality
	}
	if c.Camera.FrameBuffers <= 0 {
		c.Camera.FrameBuffers = DefaultFrameBuffers
	}
	if c.Camera.SettleDelayMs <= 0 {
		c.Camera.SettleDelayMs = DefaultSettleDelayMs
	}

	if c.Capture.IntervalMs <= 0 {
		c.Capture.IntervalMs = DefaultIntervalMs
	}
	if c.Capture.MaxFrameBytes <= 0 {
		c.Capture.MaxFrameBytes = DefaultMaxFrameBytes
	}

	if c.Heartbeat.Topic == "" {
		c.Heartbeat.Topic = DefaultTopic
	}

	if c.Journal.Keep <= 0 {
		c.Journal.Keep = 1000
	}
}

// Validate checks the configuration for values that would make startup
// meaningless. It reports every problem at once.
func (c *Config) Validate() error {
	var errs []error

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseLogFormat(c.LogFormat); err != nil {
		errs = append(errs, err)
	}

	if c.MQTT.Broker != "" {
		u, err := url.Parse(c.MQTT.Broker)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("mqtt.broker: %w", err))
		case !validBrokerScheme(u.Scheme):
			errs = append(errs, fmt.Errorf("mqtt.broker: unsupported scheme %q (valid: mqtt, tcp, mqtts, ssl, ws, wss)", u.Scheme))
		case u.Host == "":
			errs = append(errs, fmt.Errorf("mqtt.broker: missing host in %q", c.MQTT.Broker))
		}
	}
	if strings.ContainsAny(c.MQTT.Topic, "+#") {
		errs = append(errs, fmt.Errorf("mqtt.topic: wildcards are not allowed in a publish topic: %q", c.MQTT.Topic))
	}
	if strings.ContainsAny(c.Heartbeat.Topic, "+#") {
		errs = append(errs, fmt.Errorf("heartbeat.topic: wildcards are not allowed in a publish topic: %q", c.Heartbeat.Topic))
	}

	switch c.Camera.Driver {
	case "gocv", "http", "dir":
	default:
		errs = append(errs, fmt.Errorf("camera.driver: unknown driver %q (valid: gocv, http, dir)", c.Camera.Driver))
	}
	if c.Camera.Driver != "gocv" && c.Camera.Device == "" {
		errs = append(errs, fmt.Errorf("camera.device: required for driver %q", c.Camera.Driver))
	}
	if c.Camera.JPEGQuality > 100 {
		errs = append(errs, fmt.Errorf("camera.jpeg_quality: %d out of range 1-100", c.Camera.JPEGQuality))
	}

	if c.Heartbeat.IntervalSec < 0 {
		errs = append(errs, fmt.Errorf("heartbeat.interval_sec: must not be negative"))
	}

	return errors.Join(errs...)
}

func validBrokerScheme(s string) bool {
	switch s {
	case "mqtt", "tcp", "mqtts", "ssl", "tls", "ws", "wss":
		return true
	}
	return false
}

// brokerHostPort derives a dialable host:port from a broker URL,
// filling in the scheme's well-known port. Returns "" when the URL is
// empty or unparseable; Validate reports the latter.
func brokerHostPort(broker string) string {
	if broker == "" {
		return ""
	}
	u, err := url.Parse(broker)
	if err != nil || u.Hostname() == "" {
		return ""
	}
	if u.Port() != "" {
		return u.Host
	}
	port := "1883"
	switch u.Scheme {
	case "mqtts", "ssl", "tls":
		port = "8883"
	case "ws":
		port = "80"
	case "wss":
		port = "443"
	}
	return net.JoinHostPort(u.Hostname(), port)
}
