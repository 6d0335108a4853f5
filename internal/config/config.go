// Package config loads the client configuration: YAML file first, then
// environment overrides (optionally from a .env file).
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/e7canasta/expression-client/internal/capture"
	"github.com/e7canasta/expression-client/internal/connection"
	"github.com/e7canasta/expression-client/internal/core"
	"github.com/e7canasta/expression-client/internal/emitter"
	"github.com/e7canasta/expression-client/internal/pipeline"
	"github.com/e7canasta/expression-client/internal/scheduler"
	"github.com/e7canasta/expression-client/internal/types"
)

// Capture sources.
const (
	SourceSynthetic = "synthetic"
	SourceCamera    = "camera"
)

// Config represents the complete client configuration.
type Config struct {
	InstanceID       string          `yaml:"instance_id"`
	ShutdownTimeoutS int             `yaml:"shutdown_timeout_s"` // Graceful shutdown timeout in seconds (default: 5)
	Backend          BackendConfig   `yaml:"backend"`
	Session          SessionConfig   `yaml:"session"`
	Capture          CaptureConfig   `yaml:"capture"`
	Scheduler        SchedulerConfig `yaml:"scheduler"`
	Server           ServerConfig    `yaml:"server"`
	MQTT             MQTTConfig      `yaml:"mqtt"`
	Log              LogConfig       `yaml:"log"`
}

// BackendConfig contains detection backend settings.
type BackendConfig struct {
	URL              string `yaml:"url"`
	ProbeTimeoutMS   int    `yaml:"probe_timeout_ms"`
	BaseDelayMS      int    `yaml:"base_delay_ms"`
	MaxDelayMS       int    `yaml:"max_delay_ms"`
	PollIntervalMS   int    `yaml:"poll_interval_ms"`
	RequestTimeoutMS int    `yaml:"request_timeout_ms"` // per-frame race deadline
}

// SessionConfig contains session settings.
type SessionConfig struct {
	Mode          string `yaml:"mode"` // emotion, gesture, sign, combined
	StartDelayMS  int    `yaml:"start_delay_ms"`
	FPSIntervalMS int    `yaml:"fps_interval_ms"`
}

// CaptureConfig contains frame source settings.
type CaptureConfig struct {
	Source      string  `yaml:"source"` // synthetic, camera
	Device      string  `yaml:"device"` // /dev/videoN, "auto" or "test" (camera source only)
	Width       int     `yaml:"width"`
	Height      int     `yaml:"height"`
	FPS         float64 `yaml:"fps"`
	JPEGQuality int     `yaml:"jpeg_quality"`
}

// SchedulerConfig contains adaptive interval settings.
type SchedulerConfig struct {
	InitialIntervalMS int     `yaml:"initial_interval_ms"`
	MinIntervalMS     int     `yaml:"min_interval_ms"`
	MaxIntervalMS     int     `yaml:"max_interval_ms"`
	LatencyFactor     float64 `yaml:"latency_factor"`
	MinSpacingMS      int     `yaml:"min_spacing_ms"`
}

// ServerConfig contains presentation bridge settings.
type ServerConfig struct {
	Listen string `yaml:"listen"`
}

// MQTTConfig contains optional broker settings.
type MQTTConfig struct {
	Enabled bool   `yaml:"enabled"`
	Broker  string `yaml:"broker"`
	Prefix  string `yaml:"prefix"`
	Codec   string `yaml:"codec"` // json, msgpack
	QoS     byte   `yaml:"qos"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		InstanceID:       "expression-client",
		ShutdownTimeoutS: 5,
		Backend: BackendConfig{
			URL:              "http://localhost:5000",
			ProbeTimeoutMS:   5000,
			BaseDelayMS:      3000,
			MaxDelayMS:       30000,
			PollIntervalMS:   10000,
			RequestTimeoutMS: 5000,
		},
		Session: SessionConfig{
			Mode:          string(types.ModeCombined),
			StartDelayMS:  2000,
			FPSIntervalMS: 1000,
		},
		Capture: CaptureConfig{
			Source:      SourceCamera,
			Device:      "auto",
			Width:       640,
			Height:      480,
			FPS:         24,
			JPEGQuality: pipeline.DefaultJPEGQuality,
		},
		Scheduler: SchedulerConfig{
			InitialIntervalMS: 1000,
			MinIntervalMS:     500,
			MaxIntervalMS:     2000,
			LatencyFactor:     1.5,
			MinSpacingMS:      100,
		},
		Server: ServerConfig{Listen: ":8090"},
		MQTT: MQTTConfig{
			Broker: "localhost:1883",
			Prefix: "expression",
			Codec:  string(emitter.CodecJSON),
		},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

// Load reads path (skipped when empty) over the defaults, applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	ApplyEnv(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MonitorConfig returns the connection monitor settings.
func (c *Config) MonitorConfig() connection.Config {
	return connection.Config{
		ProbeTimeout: ms(c.Backend.ProbeTimeoutMS),
		BaseDelay:    ms(c.Backend.BaseDelayMS),
		MaxDelay:     ms(c.Backend.MaxDelayMS),
		PollInterval: ms(c.Backend.PollIntervalMS),
	}
}

// SchedulerConfig returns the frame scheduler settings.
func (c *Config) SchedulerConfig() scheduler.Config {
	return scheduler.Config{
		InitialInterval: ms(c.Scheduler.InitialIntervalMS),
		MinInterval:     ms(c.Scheduler.MinIntervalMS),
		MaxInterval:     ms(c.Scheduler.MaxIntervalMS),
		LatencyFactor:   c.Scheduler.LatencyFactor,
		MinSpacing:      ms(c.Scheduler.MinSpacingMS),
	}
}

// PipelineConfig returns the attempt settings.
func (c *Config) PipelineConfig() pipeline.Config {
	return pipeline.Config{
		Timeout:     ms(c.Backend.RequestTimeoutMS),
		JPEGQuality: c.Capture.JPEGQuality,
	}
}

// CaptureConfig returns the frame format requested from the source.
func (c *Config) CaptureConfig() capture.Config {
	return capture.Config{
		Width:  c.Capture.Width,
		Height: c.Capture.Height,
		FPS:    c.Capture.FPS,
	}
}

// SessionConfig returns the session settings. Mode must already be valid.
func (c *Config) SessionConfig() core.Config {
	mode, _ := types.ParseMode(c.Session.Mode)
	return core.Config{
		Mode:        mode,
		StartDelay:  ms(c.Session.StartDelayMS),
		FPSInterval: ms(c.Session.FPSIntervalMS),
	}
}

// EmitterConfig returns the MQTT emitter settings.
func (c *Config) EmitterConfig() emitter.Config {
	return emitter.Config{
		Broker:   c.MQTT.Broker,
		ClientID: c.InstanceID,
		Prefix:   c.MQTT.Prefix,
		QoS:      c.MQTT.QoS,
		Codec:    emitter.Codec(c.MQTT.Codec),
	}
}

// ShutdownTimeout returns the graceful shutdown bound.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutS) * time.Second
}

func ms(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}
