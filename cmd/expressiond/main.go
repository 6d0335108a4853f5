package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/e7canasta/expression-client/internal/backend"
	"github.com/e7canasta/expression-client/internal/capture"
	"github.com/e7canasta/expression-client/internal/capture/gstreamer"
	"github.com/e7canasta/expression-client/internal/config"
	"github.com/e7canasta/expression-client/internal/connection"
	"github.com/e7canasta/expression-client/internal/core"
	"github.com/e7canasta/expression-client/internal/emitter"
	"github.com/e7canasta/expression-client/internal/metrics"
	"github.com/e7canasta/expression-client/internal/pipeline"
	"github.com/e7canasta/expression-client/internal/results"
	"github.com/e7canasta/expression-client/internal/scheduler"
	"github.com/e7canasta/expression-client/internal/server"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML configuration file (optional)")
	envFile := flag.String("env", ".env", "Path to .env file (optional)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	backendURL := flag.String("backend", "", "Detection backend base URL (overrides config)")
	mode := flag.String("mode", "", "Initial mode: emotion, gesture, sign or combined (overrides config)")
	source := flag.String("source", "", "Frame source: camera or synthetic (overrides config)")
	listen := flag.String("listen", "", "Presentation bridge address (overrides config)")
	flag.Parse()

	config.LoadDotEnv(*envFile)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "expressiond: %v\n", err)
		os.Exit(1)
	}
	applyFlags(cfg, *backendURL, *mode, *source, *listen)
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "expressiond: invalid flags: %v\n", err)
		os.Exit(1)
	}

	setupLogger(cfg.Log, *debug)

	slog.Info("starting expression client",
		"config", *configPath,
		"instance_id", cfg.InstanceID,
		"backend", cfg.Backend.URL,
		"mode", cfg.Session.Mode,
		"source", cfg.Capture.Source,
		"debug", *debug,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	app, err := build(ctx, cfg)
	if err != nil {
		slog.Error("failed to create expression client", "error", err)
		os.Exit(1)
	}

	if err := app.server.Start(); err != nil {
		slog.Error("failed to start presentation bridge", "error", err)
		os.Exit(1)
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- app.session.Run(ctx)
	}()

	select {
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	case err := <-errChan:
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("session error", "error", err)
		}
	}

	timeout := cfg.ShutdownTimeout()
	slog.Info("shutting down gracefully", "timeout", timeout)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), timeout)
	defer shutdownCancel()

	if err := app.shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown failed", "error", err)
		os.Exit(1)
	}
	slog.Info("expression client stopped successfully")
}

type application struct {
	session *core.Session
	server  *server.Server
	emitter *emitter.MQTTEmitter // nil when MQTT is disabled
}

// build wires every component from cfg.
func build(ctx context.Context, cfg *config.Config) (*application, error) {
	client, err := backend.New(cfg.Backend.URL)
	if err != nil {
		return nil, err
	}

	monitor, err := connection.NewMonitor(client, cfg.MonitorConfig())
	if err != nil {
		return nil, err
	}

	sched, err := scheduler.New(cfg.SchedulerConfig())
	if err != nil {
		return nil, err
	}

	src, err := newSource(cfg)
	if err != nil {
		return nil, err
	}

	pipe, err := pipeline.New(src, client, cfg.PipelineConfig())
	if err != nil {
		return nil, err
	}

	app := &application{}
	deps := core.Deps{
		Monitor:    monitor,
		Scheduler:  sched,
		Pipeline:   pipe,
		Aggregator: results.NewAggregator(results.DefaultHistorySize),
		Metrics:    metrics.NewCollector(time.Now()),
		Source:     src,
	}

	if cfg.MQTT.Enabled {
		em, err := emitter.NewMQTTEmitter(cfg.EmitterConfig())
		if err != nil {
			return nil, err
		}
		// paho keeps retrying in the background; detections published before
		// the broker is reachable are counted as emitter errors.
		if err := em.Connect(ctx); err != nil {
			slog.Warn("mqtt broker not reachable yet", "error", err)
		}
		app.emitter = em
		deps.Publisher = em
	}

	app.session, err = core.New(cfg.SessionConfig(), deps)
	if err != nil {
		return nil, err
	}

	app.server, err = server.New(cfg.Server.Listen, app.session)
	if err != nil {
		return nil, err
	}
	return app, nil
}

func (a *application) shutdown(ctx context.Context) error {
	var errs []error
	if err := a.server.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := a.session.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if a.emitter != nil {
		if err := a.emitter.Disconnect(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func newSource(cfg *config.Config) (capture.Source, error) {
	switch cfg.Capture.Source {
	case config.SourceSynthetic:
		return capture.NewSynthetic(cfg.CaptureConfig())
	default:
		return gstreamer.NewCamera(cfg.Capture.Device, cfg.CaptureConfig())
	}
}

// applyFlags lets command line flags win over file and environment.
func applyFlags(cfg *config.Config, backendURL, mode, source, listen string) {
	if backendURL != "" {
		cfg.Backend.URL = backendURL
	}
	if mode != "" {
		cfg.Session.Mode = mode
	}
	if source != "" {
		cfg.Capture.Source = source
	}
	if listen != "" {
		cfg.Server.Listen = listen
	}
}

func setupLogger(lc config.LogConfig, debug bool) {
	level := slog.LevelInfo
	switch strings.ToLower(lc.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if debug {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.ToLower(lc.Format) == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
