package config

import (
	"log/slog"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// LoadDotEnv loads .env files into the process environment. Variables that
// are already set win. A missing file is not an error.
func LoadDotEnv(files ...string) {
	if err := godotenv.Load(files...); err != nil {
		slog.Debug("config: no .env file loaded, using process environment", "error", err)
	}
}

// ApplyEnv overrides cfg with environment variables:
//
//	INSTANCE_ID, BACKEND_URL, REQUEST_TIMEOUT_MS, DETECTION_MODE,
//	START_DELAY_MS, CAPTURE_SOURCE, CAPTURE_DEVICE, CAPTURE_WIDTH,
//	CAPTURE_HEIGHT, CAPTURE_FPS, JPEG_QUALITY, LISTEN_ADDR, MQTT_ENABLED,
//	MQTT_BROKER, MQTT_PREFIX, MQTT_CODEC, LOG_LEVEL, LOG_FORMAT
func ApplyEnv(cfg *Config) {
	cfg.InstanceID = getEnv("INSTANCE_ID", cfg.InstanceID)

	cfg.Backend.URL = getEnv("BACKEND_URL", cfg.Backend.URL)
	cfg.Backend.RequestTimeoutMS = getEnvInt("REQUEST_TIMEOUT_MS", cfg.Backend.RequestTimeoutMS)

	cfg.Session.Mode = getEnv("DETECTION_MODE", cfg.Session.Mode)
	cfg.Session.StartDelayMS = getEnvInt("START_DELAY_MS", cfg.Session.StartDelayMS)

	cfg.Capture.Source = getEnv("CAPTURE_SOURCE", cfg.Capture.Source)
	cfg.Capture.Device = getEnv("CAPTURE_DEVICE", cfg.Capture.Device)
	cfg.Capture.Width = getEnvInt("CAPTURE_WIDTH", cfg.Capture.Width)
	cfg.Capture.Height = getEnvInt("CAPTURE_HEIGHT", cfg.Capture.Height)
	cfg.Capture.FPS = getEnvFloat("CAPTURE_FPS", cfg.Capture.FPS)
	cfg.Capture.JPEGQuality = getEnvInt("JPEG_QUALITY", cfg.Capture.JPEGQuality)

	cfg.Server.Listen = getEnv("LISTEN_ADDR", cfg.Server.Listen)

	cfg.MQTT.Enabled = getEnvBool("MQTT_ENABLED", cfg.MQTT.Enabled)
	cfg.MQTT.Broker = getEnv("MQTT_BROKER", cfg.MQTT.Broker)
	cfg.MQTT.Prefix = getEnv("MQTT_PREFIX", cfg.MQTT.Prefix)
	cfg.MQTT.Codec = getEnv("MQTT_CODEC", cfg.MQTT.Codec)

	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getEnv("LOG_FORMAT", cfg.Log.Format)
}

func getEnv(key string, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if intVal, err := strconv.Atoi(v); err == nil {
			return intVal
		}
		slog.Warn("config: ignoring invalid integer", "key", key, "value", v)
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
		slog.Warn("config: ignoring invalid number", "key", key, "value", v)
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
		slog.Warn("config: ignoring invalid boolean", "key", key, "value", v)
	}
	return defaultVal
}
