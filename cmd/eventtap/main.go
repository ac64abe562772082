// Command eventtap launches the capture runtime entrypoint.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/coachpo/eventtap/internal/adapters/wsfeed"
	"github.com/coachpo/eventtap/internal/bus/eventbus"
	"github.com/coachpo/eventtap/internal/capture"
	"github.com/coachpo/eventtap/internal/capture/jstransform"
	"github.com/coachpo/eventtap/internal/config"
	"github.com/coachpo/eventtap/internal/observability"
	semconv "github.com/coachpo/eventtap/internal/telemetry"
	"github.com/coachpo/eventtap/lib/telemetry"
)

const (
	defaultConfigPath        = "config/app.yaml"
	tapLoggerPrefix          = "eventtap "
	statusInterval           = 30 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
)

func main() {
	cfgPath := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := newTapLogger()
	observability.SetLogger(observability.NewStdLogger(logger))

	configPath := resolveConfigPath(cfgPath)
	appCfg, loadedFromFile, err := config.LoadOrDefault(ctx, configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if !loadedFromFile {
		logger.Printf("configuration file not found, using defaults")
	}
	logger.Printf("configuration initialised: env=%s, channels=%d, captures=%d",
		appCfg.Environment, len(appCfg.Bus.Channels), len(appCfg.Captures))

	semconv.SetEnvironment(string(appCfg.Environment))

	_, telemetryShutdown, err := telemetry.Init(ctx, telemetry.Config{
		OTLPEndpoint:   appCfg.Telemetry.OTLPEndpoint,
		ServiceName:    appCfg.Telemetry.ServiceName,
		ExportInterval: appCfg.Telemetry.ExportInterval.Value(),
	})
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}

	bus := eventbus.NewMemoryBus(eventbus.MemoryConfig{
		Channels:      appCfg.Bus.Channels,
		FanoutWorkers: appCfg.Bus.FanoutWorkers,
	})

	buffers, err := buildBuffers(bus, appCfg.Captures, logger)
	if err != nil {
		logger.Fatalf("initialise capture buffers: %v", err)
	}

	var feed *wsfeed.Feed
	if appCfg.Feed.Enabled {
		feed, err = wsfeed.New(wsfeed.Config{
			Name:    appCfg.Feed.Name,
			URL:     appCfg.Feed.URL,
			Channel: appCfg.Feed.Channel,
		}, bus)
		if err != nil {
			logger.Fatalf("initialise feed: %v", err)
		}
		feed.Start()
		logger.Printf("feed started: %s -> %s", appCfg.Feed.URL, appCfg.Feed.Channel)
	}

	logger.Print("eventtap started; awaiting shutdown signal")
	runStatusLoop(ctx, logger, buffers)

	logger.Print("shutdown signal received, initiating graceful shutdown")
	if feed != nil {
		feed.Stop()
	}
	for _, buf := range buffers {
		buf.Close()
	}
	bus.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
	defer shutdownCancel()
	if err := telemetryShutdown(shutdownCtx); err != nil {
		logger.Printf("telemetry shutdown: %v", err)
	}
	logger.Print("shutdown complete")
}

func buildBuffers(bus *eventbus.MemoryBus, captures []config.CaptureConfig, logger *log.Logger) ([]*capture.Buffer, error) {
	buffers := make([]*capture.Buffer, 0, len(captures))
	for _, captureCfg := range captures {
		opts := capture.Options{Capacity: captureCfg.Capacity}
		if captureCfg.TransformScript != "" {
			src, err := os.ReadFile(filepath.Clean(captureCfg.TransformScript)) // #nosec G304 -- path is operator controlled.
			if err != nil {
				return nil, fmt.Errorf("read transform script %s: %w", captureCfg.TransformScript, err)
			}
			program, err := jstransform.Compile(filepath.Base(captureCfg.TransformScript), string(src))
			if err != nil {
				return nil, fmt.Errorf("compile transform %s: %w", captureCfg.TransformScript, err)
			}
			opts.Transform = program.Transform()
		}

		buf, err := capture.NewBuffer(bus, captureCfg.Channel, opts)
		if err != nil {
			return nil, fmt.Errorf("capture buffer %s: %w", captureCfg.Channel, err)
		}
		buffers = append(buffers, buf)
		logger.Printf("capture buffer attached: channel=%s capacity=%d transform=%t",
			buf.Channel(), buf.Capacity(), buf.HasTransform())
	}
	return buffers, nil
}

func runStatusLoop(ctx context.Context, logger *log.Logger, buffers []*capture.Buffer) {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, buf := range buffers {
				status := buf.Status()
				logger.Printf("capture status: channel=%s running=%t transform=%t count=%d/%d",
					status.Channel, status.Running, status.Transforming, status.Count, status.Capacity)
			}
		}
	}
}

func parseFlags() string {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	return *cfgPath
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return defaultConfigPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newTapLogger() *log.Logger {
	return log.New(os.Stdout, tapLoggerPrefix, log.LstdFlags|log.Lmicroseconds)
}
