package config

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/e7canasta/expression-client/internal/capture"
	"github.com/e7canasta/expression-client/internal/emitter"
	"github.com/e7canasta/expression-client/internal/types"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

// Validate checks the configuration and fills in defaults for optional
// fields left at zero.
func Validate(cfg *Config) error {
	if cfg.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}
	if cfg.ShutdownTimeoutS <= 0 {
		cfg.ShutdownTimeoutS = 5
	}

	if err := validateBackend(&cfg.Backend); err != nil {
		return fmt.Errorf("backend: %w", err)
	}

	mode, err := types.ParseMode(cfg.Session.Mode)
	if err != nil {
		return fmt.Errorf("session.mode: %w", err)
	}
	cfg.Session.Mode = string(mode)
	if cfg.Session.StartDelayMS < 0 {
		return fmt.Errorf("session.start_delay_ms must be >= 0")
	}
	if cfg.Session.FPSIntervalMS <= 0 {
		cfg.Session.FPSIntervalMS = 1000
	}

	if err := validateCapture(&cfg.Capture); err != nil {
		return fmt.Errorf("capture: %w", err)
	}

	if err := cfg.SchedulerConfig().Validate(); err != nil {
		return err
	}

	if cfg.Server.Listen == "" {
		cfg.Server.Listen = ":8090"
	}

	if cfg.MQTT.Enabled {
		if cfg.MQTT.Broker == "" {
			return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
		}
		if cfg.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
		}
		if _, err := emitter.ParseCodec(cfg.MQTT.Codec); err != nil {
			return fmt.Errorf("mqtt.codec: %w", err)
		}
	}

	switch strings.ToLower(cfg.Log.Format) {
	case "", "json", "text":
	default:
		return fmt.Errorf("log.format must be json or text, got %q", cfg.Log.Format)
	}

	return nil
}

func validateBackend(b *BackendConfig) error {
	if b.URL == "" {
		return fmt.Errorf("url is required")
	}
	u, err := url.Parse(b.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("url must be an absolute http(s) URL, got %q", b.URL)
	}
	if b.ProbeTimeoutMS <= 0 {
		b.ProbeTimeoutMS = 5000
	}
	if b.BaseDelayMS <= 0 {
		b.BaseDelayMS = 3000
	}
	if b.MaxDelayMS <= 0 {
		b.MaxDelayMS = 30000
	}
	if b.MaxDelayMS < b.BaseDelayMS {
		return fmt.Errorf("max_delay_ms (%d) must be >= base_delay_ms (%d)", b.MaxDelayMS, b.BaseDelayMS)
	}
	if b.PollIntervalMS <= 0 {
		b.PollIntervalMS = 10000
	}
	if b.RequestTimeoutMS <= 0 {
		b.RequestTimeoutMS = 5000
	}
	return nil
}

func validateCapture(c *CaptureConfig) error {
	switch c.Source {
	case SourceSynthetic, SourceCamera:
	case "":
		c.Source = SourceCamera
	default:
		return fmt.Errorf("source must be %q or %q, got %q", SourceSynthetic, SourceCamera, c.Source)
	}
	if c.Source == SourceCamera && c.Device == "" {
		c.Device = "auto"
	}
	if c.JPEGQuality == 0 {
		c.JPEGQuality = 70
	}
	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		return fmt.Errorf("jpeg_quality must be in [1,100], got %d", c.JPEGQuality)
	}
	return capture.Config{Width: c.Width, Height: c.Height, FPS: c.FPS}.Validate()
}
