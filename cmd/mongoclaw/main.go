// MongoClaw engine server — watches MongoDB change streams, fans matching
// events out to declarative AI agents, and writes model results back to the
// originating documents.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/mongoclaw/mongoclaw/pkg/api"
	"github.com/mongoclaw/mongoclaw/pkg/config"
	"github.com/mongoclaw/mongoclaw/pkg/runtime"
	"github.com/mongoclaw/mongoclaw/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configPath := flag.String("config",
		getEnv("MONGOCLAW_CONFIG", ""),
		"Path to the configuration file (empty runs on built-in defaults)")
	envPath := flag.String("env-file",
		getEnv("MONGOCLAW_ENV_FILE", ".env"),
		"Path to a .env file with provider API keys")
	flag.Parse()

	if err := godotenv.Load(*envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", *envPath, "error", err)
	}

	ctx := context.Background()

	cfg, err := config.Initialize(ctx, *configPath)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(cfg.Observability.BuildLogger(os.Stdout))

	slog.Info("Starting MongoClaw", "version", version.Full(), "config_path", cfg.Path())

	engine, err := runtime.New(ctx, cfg)
	if err != nil {
		slog.Error("Failed to build engine", "error", err)
		os.Exit(1)
	}
	if err := engine.Start(ctx); err != nil {
		slog.Error("Failed to start engine", "error", err)
		engine.Stop(ctx)
		os.Exit(1)
	}

	server := api.NewServer(engine, engine.Agents(), engine.Executions(), engine.Sink().Handler())
	httpServer := server.HTTPServer(cfg.API)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		slog.Error("HTTP server error triggered shutdown", "error", err)
	}

	// The API goes first so the load balancer stops routing, then the engine
	// drains: feed, dispatcher fan-out, in-flight executions, token flush.
	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.API.ShutdownTimeout.Std())
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}
	cancel()

	drainCtx, cancel := context.WithTimeout(ctx, cfg.Worker.ShutdownTimeout.Std()+10*time.Second)
	engine.Stop(drainCtx)
	cancel()

	slog.Info("Shutdown complete")
}
