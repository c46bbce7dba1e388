// Runtimed hosts agent executions and serves the admin API.
//
// Configuration is loaded from ~/.config/runtimed/config.yaml (or the file
// given with -config) and RUNTIMED_* environment variables. See
// internal/config for details.
//
// Usage:
//
//	# Start with defaults (in-memory snapshots, admin API on 127.0.0.1:9090)
//	runtimed
//
//	# Persist snapshots to JetStream and delegate handlers to NATS workers
//	RUNTIMED_PERSISTENCE_BACKEND=nats RUNTIMED_WORKERS_ENABLED=true runtimed
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/runtimed/internal/config"
	httpserver "github.com/fyrsmithlabs/runtimed/internal/http"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default ~/.config/runtimed/config.yaml)")
	flag.Parse()
	args := flag.Args()

	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  runtimed [-config path]   Start the runtimed daemon\n")
			fmt.Fprintf(os.Stderr, "  runtimed version          Show version information\n")
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadWithFile(*configPath)
	if err != nil {
		log.Fatalf("Configuration error: %v", err)
	}

	if err := run(ctx, cfg, *configPath); err != nil {
		log.Fatalf("Server error: %v", err)
	}
	log.Println("Server shutdown complete")
}

func printVersion() {
	fmt.Printf("runtimed by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run starts runtimed and blocks until ctx is cancelled or the admin server
// fails.
//
// Startup order:
//  1. Telemetry and logger
//  2. NATS, snapshot persistor and notification sink
//  3. Runtime with the configured middleware chain and worker handlers
//  4. Admin HTTP server
//  5. Config file watcher, which applies quota changes without a restart
//
// Shutdown runs in reverse: the admin server stops accepting requests, the
// runtime pauses every running execution, then telemetry flushes and NATS
// drains.
func run(ctx context.Context, cfg *config.Config, configPath string) error {
	app, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.close()

	logger := app.logger
	logger.Info("Starting runtimed",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.String("persistence", cfg.Persistence.Backend),
		zap.Bool("nats_connected", app.nc != nil),
		zap.Bool("workers", cfg.Workers.Enabled))

	opts := []httpserver.Option{httpserver.WithHealth(app.health)}
	if m, err := httpserver.NewHTTPMetrics(app.tel.Meter(httpserver.InstrumentationName)); err != nil {
		logger.Warn("http metrics unavailable", zap.Error(err))
	} else {
		opts = append(opts, httpserver.WithHTTPMetrics(m))
	}
	srv, err := httpserver.NewServer(app.rt, logger, &httpserver.Config{
		Host:    cfg.Server.Host,
		Port:    cfg.Server.Port,
		Version: version,
		Token:   cfg.Server.Token.Value(),
	}, opts...)
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	if w, err := config.NewWatcher(configPath, app.reload, config.WithWatchLogger(logger)); err != nil {
		logger.Warn("Config reload disabled", zap.Error(err))
	} else if err := w.Start(ctx); err != nil {
		logger.Warn("Config reload disabled", zap.Error(err))
	} else {
		defer w.Stop()
	}

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutdown requested")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", zap.Error(err))
	}
	return errors.Join(serveErr, app.shutdown(context.WithoutCancel(ctx)))
}
