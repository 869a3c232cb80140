package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/nugget/camrelay/internal/capture"
	"github.com/nugget/camrelay/internal/config"
	"github.com/nugget/camrelay/internal/journal"
)

// clearUmask sets the process umask to 0 so file permission assertions are
// deterministic. It restores the original umask when the test completes.
func clearUmask(t *testing.T) {
	t.Helper()
	old := syscall.Umask(0)
	t.Cleanup(func() { syscall.Umask(old) })
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func runArgs(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), &stdout, &stderr, args)
	return stdout.String(), err
}

func TestRun_VersionText(t *testing.T) {
	out, err := runArgs(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out, "camrelay ") {
		t.Errorf("output = %q, want camrelay banner", out)
	}
	if !strings.Contains(out, "go_version:") {
		t.Errorf("output missing go_version: %q", out)
	}
}

func TestRun_VersionJSON(t *testing.T) {
	out, err := runArgs(t, "-o", "json", "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	var info map[string]string
	if err := json.Unmarshal([]byte(out), &info); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	if info["version"] == "" || info["os"] == "" {
		t.Errorf("info = %v", info)
	}
}

func TestRun_UnknownOutputFormat(t *testing.T) {
	_, err := runArgs(t, "--output", "yaml", "version")
	if err == nil || !strings.Contains(err.Error(), "unknown output format") {
		t.Errorf("err = %v, want unknown output format", err)
	}
}

func TestRun_UnknownCommand(t *testing.T) {
	if _, err := runArgs(t, "explode"); err == nil {
		t.Error("unknown command succeeded")
	}
}

func TestRun_ServeRequiresBroker(t *testing.T) {
	path := writeConfig(t, "camera:\n  driver: dir\n  device: /nonexistent\n")
	_, err := runArgs(t, "--config", path, "serve")
	if err == nil || !strings.Contains(err.Error(), "mqtt.broker is required") {
		t.Errorf("err = %v, want broker required", err)
	}
}

func TestRun_ServeRejectsInvalidConfig(t *testing.T) {
	path := writeConfig(t, "mqtt:\n  broker: http://example.com\n")
	_, err := runArgs(t, "--config", path, "serve")
	if err == nil || !strings.Contains(err.Error(), "unsupported scheme") {
		t.Errorf("err = %v, want scheme error", err)
	}
}

func TestRun_ServeCameraInitFailure(t *testing.T) {
	path := writeConfig(t, "mqtt:\n  broker: mqtt://127.0.0.1:1\ncamera:\n  driver: dir\n  device: "+
		filepath.Join(t.TempDir(), "missing")+"\n")
	_, err := runArgs(t, "--config", path, "serve")
	if err == nil || !strings.Contains(err.Error(), "initialize camera") {
		t.Errorf("err = %v, want camera init error", err)
	}
}

func TestRunInit_FreshDirectory(t *testing.T) {
	clearUmask(t)
	dir := filepath.Join(t.TempDir(), "cam")
	var buf bytes.Buffer

	if err := runInit(&buf, dir); err != nil {
		t.Fatalf("runInit failed: %v", err)
	}

	path := filepath.Join(dir, "config.yaml")
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("config.yaml not created: %v", err)
	}
	if got := info.Mode().Perm(); got != 0o600 {
		t.Errorf("config.yaml permissions = %o, want 0600", got)
	}
	if !strings.Contains(buf.String(), "✓") {
		t.Errorf("output = %q, want a checkmark", buf.String())
	}

	// The shipped example must load as-is.
	t.Setenv("CAMRELAY_MQTT_PASSWORD", "hunter2")
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("example config does not load: %v", err)
	}
	if cfg.MQTT.Password != "hunter2" {
		t.Errorf("password = %q, want env expansion", cfg.MQTT.Password)
	}
	if cfg.DeviceID != config.DefaultDeviceID || cfg.MQTT.Topic != config.DefaultTopic {
		t.Errorf("identity = %q on %q", cfg.DeviceID, cfg.MQTT.Topic)
	}
	if cfg.Capture.IntervalMs != 10000 || cfg.Capture.MaxFrameBytes != 30000 {
		t.Errorf("capture = %+v", cfg.Capture)
	}
}

func TestRunInit_PreservesExisting(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("custom: true\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := runInit(&buf, dir); err != nil {
		t.Fatalf("runInit failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "custom: true\n" {
		t.Errorf("existing config overwritten: %q", data)
	}
	if !strings.Contains(buf.String(), "left unchanged") {
		t.Errorf("output = %q", buf.String())
	}
}

func TestRun_InitCommand(t *testing.T) {
	dir := t.TempDir()
	if _, err := runArgs(t, "init", dir); err != nil {
		t.Fatalf("init: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "config.yaml")); err != nil {
		t.Errorf("config.yaml not written: %v", err)
	}
}

func TestRun_JournalDisabled(t *testing.T) {
	path := writeConfig(t, "mqtt:\n  broker: mqtt://127.0.0.1:1883\n")
	_, err := runArgs(t, "--config", path, "journal")
	if err == nil || !strings.Contains(err.Error(), "journal is disabled") {
		t.Errorf("err = %v, want journal disabled", err)
	}
}

func seedJournal(t *testing.T, dbPath string) {
	t.Helper()
	store, err := journal.Open(dbPath, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	base := time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)
	outcomes := []capture.Outcome{
		{CycleID: "aaaaaaaa-0001", StartedAt: base, Duration: 80 * time.Millisecond,
			Result: capture.ResultPublished, FrameBytes: 12000, PayloadBytes: 16070},
		{CycleID: "bbbbbbbb-0002", StartedAt: base.Add(10 * time.Second), Duration: time.Second,
			Result: capture.ResultAcquireFailed, Err: "sensor acquisition failed: sensor returned no frame"},
	}
	for _, o := range outcomes {
		if err := store.Record(context.Background(), o); err != nil {
			t.Fatal(err)
		}
	}
}

func TestRun_JournalText(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "journal.db")
	seedJournal(t, dbPath)
	path := writeConfig(t, "journal:\n  path: "+dbPath+"\n")

	out, err := runArgs(t, "--config", path, "journal", "-n", "5")
	if err != nil {
		t.Fatalf("journal: %v", err)
	}
	for _, want := range []string{"2 cycles journaled", "published 1", "acquire_failed 1", "aaaaaaaa", "bbbbbbbb", "no frame"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Index(out, "bbbbbbbb") > strings.Index(out, "aaaaaaaa") {
		t.Errorf("newest cycle not listed first:\n%s", out)
	}
}

func TestRun_JournalJSON(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "journal.db")
	seedJournal(t, dbPath)
	path := writeConfig(t, "journal:\n  path: "+dbPath+"\n")

	out, err := runArgs(t, "--config", path, "-o", "json", "journal", "-n", "1")
	if err != nil {
		t.Fatalf("journal: %v", err)
	}
	var report journalReport
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	if len(report.Recent) != 1 || report.Recent[0].CycleID != "bbbbbbbb-0002" {
		t.Errorf("recent = %+v", report.Recent)
	}
	if report.Summary[capture.ResultPublished] != 1 {
		t.Errorf("summary = %v", report.Summary)
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, config.LevelTrace, "json")
	logger.Log(context.Background(), config.LevelTrace, "frame encoded")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("not JSON: %v: %s", err, buf.String())
	}
	if entry["level"] != "TRACE" {
		t.Errorf("level = %v, want TRACE", entry["level"])
	}

	buf.Reset()
	logger = newLogger(&buf, config.LevelTrace, "text")
	logger.Info("hello")
	if !strings.Contains(buf.String(), "level=INFO") {
		t.Errorf("text output = %q", buf.String())
	}
}
