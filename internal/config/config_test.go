package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/e7canasta/expression-client/internal/types"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	if err := Validate(cfg); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}

	if got := cfg.PipelineConfig().Timeout; got != 5*time.Second {
		t.Errorf("request timeout = %v, want 5s", got)
	}
	if got := cfg.MonitorConfig().BaseDelay; got != 3*time.Second {
		t.Errorf("base delay = %v, want 3s", got)
	}
	sc := cfg.SchedulerConfig()
	if sc.MinInterval != 500*time.Millisecond || sc.MaxInterval != 2*time.Second {
		t.Errorf("interval bounds = [%v, %v], want [500ms, 2s]", sc.MinInterval, sc.MaxInterval)
	}
	if got := cfg.SessionConfig().StartDelay; got != 2*time.Second {
		t.Errorf("start delay = %v, want 2s", got)
	}
	if got := cfg.CaptureConfig(); got.Width != 640 || got.Height != 480 || got.FPS != 24 {
		t.Errorf("capture = %+v, want 640x480@24", got)
	}
}

func TestLoad_File(t *testing.T) {
	path := writeFile(t, "expressiond.yaml", `
instance_id: kiosk-2
backend:
  url: http://detector:5000
  request_timeout_ms: 3000
session:
  mode: Gesture
capture:
  source: synthetic
  fps: 10
mqtt:
  enabled: true
  broker: mqtt:1883
  codec: msgpack
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.InstanceID != "kiosk-2" {
		t.Errorf("instance_id = %q", cfg.InstanceID)
	}
	if cfg.Backend.URL != "http://detector:5000" {
		t.Errorf("backend url = %q", cfg.Backend.URL)
	}
	if got := cfg.SessionConfig().Mode; got != types.ModeGesture {
		t.Errorf("mode = %q, want gesture (normalised)", got)
	}
	if cfg.Capture.Source != SourceSynthetic || cfg.Capture.FPS != 10 {
		t.Errorf("capture = %+v", cfg.Capture)
	}
	// Unset keys keep their defaults.
	if cfg.Capture.Width != 640 || cfg.Backend.MaxDelayMS != 30000 {
		t.Errorf("defaults lost: width=%d max_delay=%d", cfg.Capture.Width, cfg.Backend.MaxDelayMS)
	}
	ec := cfg.EmitterConfig()
	if ec.ClientID != "kiosk-2" || ec.Broker != "mqtt:1883" || ec.Codec != "msgpack" {
		t.Errorf("emitter config = %+v", ec)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, "expressiond.yaml", "backend:\n  url: http://file:5000\n")
	t.Setenv("BACKEND_URL", "http://env:5000")
	t.Setenv("DETECTION_MODE", "sign")
	t.Setenv("CAPTURE_FPS", "12.5")
	t.Setenv("MQTT_ENABLED", "true")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Backend.URL != "http://env:5000" {
		t.Errorf("backend url = %q, want env value", cfg.Backend.URL)
	}
	if cfg.Session.Mode != "sign" {
		t.Errorf("mode = %q, want sign", cfg.Session.Mode)
	}
	if cfg.Capture.FPS != 12.5 {
		t.Errorf("fps = %v, want 12.5", cfg.Capture.FPS)
	}
	if !cfg.MQTT.Enabled {
		t.Error("mqtt not enabled by env")
	}
}

func TestLoad_Errors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}

	path := writeFile(t, "bad.yaml", "backend: [")
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "parse") {
		t.Errorf("expected parse error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty instance id", func(c *Config) { c.InstanceID = "" }},
		{"bad instance id", func(c *Config) { c.InstanceID = "Kiosk_1" }},
		{"relative backend url", func(c *Config) { c.Backend.URL = "localhost:5000" }},
		{"max delay below base", func(c *Config) { c.Backend.BaseDelayMS = 5000; c.Backend.MaxDelayMS = 1000 }},
		{"unknown mode", func(c *Config) { c.Session.Mode = "dance" }},
		{"negative start delay", func(c *Config) { c.Session.StartDelayMS = -1 }},
		{"unknown source", func(c *Config) { c.Capture.Source = "rtsp" }},
		{"jpeg quality", func(c *Config) { c.Capture.JPEGQuality = 101 }},
		{"zero width", func(c *Config) { c.Capture.Width = 0 }},
		{"fps too high", func(c *Config) { c.Capture.FPS = 240 }},
		{"interval bounds inverted", func(c *Config) { c.Scheduler.MinIntervalMS = 3000 }},
		{"mqtt without broker", func(c *Config) { c.MQTT.Enabled = true; c.MQTT.Broker = "" }},
		{"mqtt bad qos", func(c *Config) { c.MQTT.Enabled = true; c.MQTT.QoS = 3 }},
		{"mqtt bad codec", func(c *Config) { c.MQTT.Enabled = true; c.MQTT.Codec = "xml" }},
		{"log format", func(c *Config) { c.Log.Format = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := Validate(cfg); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestValidate_FillsDefaults(t *testing.T) {
	cfg := Default()
	cfg.Backend.ProbeTimeoutMS = 0
	cfg.Capture.JPEGQuality = 0
	cfg.Capture.Device = ""
	cfg.Server.Listen = ""
	cfg.ShutdownTimeoutS = 0

	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Backend.ProbeTimeoutMS != 5000 {
		t.Errorf("probe timeout = %d, want 5000", cfg.Backend.ProbeTimeoutMS)
	}
	if cfg.Capture.JPEGQuality != 70 {
		t.Errorf("jpeg quality = %d, want 70", cfg.Capture.JPEGQuality)
	}
	if cfg.Capture.Device != "auto" {
		t.Errorf("device = %q, want auto", cfg.Capture.Device)
	}
	if cfg.Server.Listen != ":8090" {
		t.Errorf("listen = %q, want :8090", cfg.Server.Listen)
	}
	if cfg.ShutdownTimeout() != 5*time.Second {
		t.Errorf("shutdown timeout = %v, want 5s", cfg.ShutdownTimeout())
	}
}

func TestLoadDotEnv(t *testing.T) {
	path := writeFile(t, ".env", "EXPRESSION_TEST_FROM_FILE=file\nEXPRESSION_TEST_KEEP=file\n")
	t.Setenv("EXPRESSION_TEST_KEEP", "process")
	t.Cleanup(func() { os.Unsetenv("EXPRESSION_TEST_FROM_FILE") })

	LoadDotEnv(path)

	if got := os.Getenv("EXPRESSION_TEST_FROM_FILE"); got != "file" {
		t.Errorf("EXPRESSION_TEST_FROM_FILE = %q, want file", got)
	}
	if got := os.Getenv("EXPRESSION_TEST_KEEP"); got != "process" {
		t.Errorf("EXPRESSION_TEST_KEEP = %q, want process value kept", got)
	}

	// Missing file is tolerated.
	LoadDotEnv(filepath.Join(t.TempDir(), "none.env"))
}

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	t.Setenv("TEST_INT_INVALID", "not-a-number")
	t.Setenv("TEST_FLOAT", "2.5")
	t.Setenv("TEST_BOOL", "false")

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"string missing", getEnv("TEST_MISSING_KEY", "default"), "default"},
		{"int", getEnvInt("TEST_INT", 10), 42},
		{"int invalid", getEnvInt("TEST_INT_INVALID", 10), 10},
		{"int missing", getEnvInt("TEST_MISSING_INT", 10), 10},
		{"float", getEnvFloat("TEST_FLOAT", 1.0), 2.5},
		{"bool", getEnvBool("TEST_BOOL", true), false},
		{"bool missing", getEnvBool("TEST_MISSING_BOOL", true), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %v, want %v", tt.got, tt.want)
			}
		})
	}
}

func TestLoad_ShippedExample(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "config", "expressiond.yaml"))
	if err != nil {
		t.Fatalf("shipped example does not load: %v", err)
	}
	if cfg.Server.Listen != ":8090" {
		t.Errorf("listen = %q, want :8090", cfg.Server.Listen)
	}
}
