package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"

	server "stonefall/server"
	servernet "stonefall/server/internal/net"
	"stonefall/server/internal/observability"
	"stonefall/server/internal/telemetry"
	"stonefall/server/logging"
	loggingSinks "stonefall/server/logging/sinks"
)

// Config carries the process-level wiring Run cannot derive itself.
type Config struct {
	Addr          string
	Logger        telemetry.Logger
	Observability observability.Config
}

// Run wires logging, the hub and the HTTP surface, then serves until the
// context is cancelled.
func Run(ctx context.Context, cfg Config) error {
	telemetryLogger := cfg.Logger
	if telemetryLogger == nil {
		telemetryLogger = telemetry.WrapLogger(log.Default())
	}

	logConfig := logging.DefaultConfig()
	namedSinks := []logging.NamedSink{
		{Name: "console", Sink: loggingSinks.NewConsoleSink(os.Stdout, logConfig.Console)},
	}
	if path := os.Getenv("STONEFALL_LOG_JSON"); path != "" {
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open json log: %w", err)
		}
		defer file.Close()
		namedSinks = append(namedSinks, logging.NamedSink{
			Name: "json",
			Sink: loggingSinks.NewJSON(file, logConfig.JSON.FlushInterval),
		})
	}

	router, err := logging.NewRouter(logging.SystemClock{}, logConfig, namedSinks)
	if err != nil {
		return fmt.Errorf("failed to construct logging router: %w", err)
	}
	defer func() {
		if cerr := router.Close(context.Background()); cerr != nil {
			telemetryLogger.Printf("failed to close logging router: %v", cerr)
		}
	}()

	hubCfg := server.DefaultHubConfig()
	hubCfg.Logger = telemetryLogger
	if raw := os.Getenv("STONEFALL_TICK_RATE"); raw != "" {
		if value, err := strconv.Atoi(raw); err == nil {
			hubCfg.TickRate = value
		} else {
			telemetryLogger.Printf("invalid STONEFALL_TICK_RATE=%q: %v", raw, err)
		}
	}
	if raw := os.Getenv("STONEFALL_QUEUE_CAP"); raw != "" {
		if value, err := strconv.Atoi(raw); err == nil {
			hubCfg.Engine.QueueCap = value
		} else {
			telemetryLogger.Printf("invalid STONEFALL_QUEUE_CAP=%q: %v", raw, err)
		}
	}

	observabilityCfg := cfg.Observability
	if raw := os.Getenv("ENABLE_PPROF_TRACE"); raw != "" {
		if value, err := strconv.ParseBool(raw); err == nil {
			observabilityCfg.EnablePprofTrace = value
		} else {
			telemetryLogger.Printf("invalid ENABLE_PPROF_TRACE=%q: %v", raw, err)
		}
	}

	hub, err := server.NewHubWithConfig(hubCfg, router)
	if err != nil {
		return fmt.Errorf("failed to construct hub: %w", err)
	}
	stop := make(chan struct{})
	go hub.RunSimulation(stop)
	defer close(stop)

	handler := servernet.NewHTTPHandler(hub, servernet.HTTPHandlerConfig{
		Logger:        telemetryLogger,
		Observability: observabilityCfg,
	})

	addr := cfg.Addr
	if addr == "" {
		addr = ":8080"
	}
	if raw := os.Getenv("STONEFALL_ADDR"); raw != "" {
		addr = raw
	}

	srv := &http.Server{Addr: addr, Handler: handler}
	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	telemetryLogger.Printf("server listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}
