// Dialectd is the adaptive dialect daemon for inter-agent signal
// communication.
//
// This binary starts the dialectd HTTP server with full subsystem
// initialization: pattern discovery, effectiveness tracking, the
// two-tier pattern cache, per-pair dialect management, background
// persistence, and the optional NATS event mirror.
//
// Configuration is loaded from ~/.config/dialectd/config.yaml and
// overridden by DIALECTD_* environment variables. See internal/config
// for details.
//
// Usage:
//
//	# Start daemon with defaults
//	dialectd
//
//	# Configure via flags and environment
//	DIALECTD_SERVER_PORT=9090 dialectd -config /etc/dialectd/config.yaml
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dialectd/internal/basespec"
	"github.com/fyrsmithlabs/dialectd/internal/cache"
	"github.com/fyrsmithlabs/dialectd/internal/config"
	"github.com/fyrsmithlabs/dialectd/internal/dialect"
	"github.com/fyrsmithlabs/dialectd/internal/discovery"
	"github.com/fyrsmithlabs/dialectd/internal/effectiveness"
	"github.com/fyrsmithlabs/dialectd/internal/events"
	"github.com/fyrsmithlabs/dialectd/internal/logging"
	"github.com/fyrsmithlabs/dialectd/internal/persistence"
	"github.com/fyrsmithlabs/dialectd/pkg/server"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default ~/.config/dialectd/config.yaml)")
	instanceID := flag.String("instance", "", "instance identifier (default: generated)")
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
			fmt.Fprintf(os.Stderr, "  dialectd           Start the dialectd daemon\n")
			fmt.Fprintf(os.Stderr, "  dialectd version   Show version information\n")
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := run(ctx, *configPath, *instanceID); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server error: %v", err)
	}

	log.Println("Server shutdown complete")
}

func printVersion() {
	fmt.Printf("dialectd by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run starts the dialectd daemon and blocks until the context is
// cancelled.
//
// Initialization order:
//  1. Load and validate configuration
//  2. Build the structured logger
//  3. Create the notification bus and optional NATS mirror
//  4. Create discovery engine, cache, tracker, and dialect manager
//  5. Start background workers (analyzer, sweeper, persistence)
//  6. Start the HTTP server
//
// Returns http.ErrServerClosed on graceful shutdown.
func run(ctx context.Context, configPath, instanceID string) error {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := logging.NewLogger(&cfg.Logging, nil)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync() // Best-effort sync on shutdown
	}()
	zlog := logger.Underlying()

	if instanceID == "" {
		instanceID = "dialectd-" + uuid.NewString()[:8]
	}

	logger.Info(ctx, "Starting dialectd",
		zap.Int("port", cfg.Server.Port),
		zap.String("instance_id", instanceID),
		zap.Duration("shutdown_timeout", cfg.Server.ShutdownTimeout))

	// Notification bus and optional NATS mirror.
	bus := events.NewBus(cfg.Events.Buffer)

	var natsConn *nats.Conn
	var mirror *events.Mirror
	if cfg.NATS.Enabled {
		natsConn, err = nats.Connect(cfg.NATS.URL,
			nats.RetryOnFailedConnect(true),
			nats.MaxReconnects(5),
			nats.ReconnectWait(1*time.Second),
		)
		if err != nil {
			return fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATS.URL, err)
		}
		defer natsConn.Close()

		mirror = events.NewMirror(bus, natsConn, zlog)
		defer mirror.Close()

		logger.Info(ctx, "NATS event mirror started", zap.String("url", cfg.NATS.URL))
	}

	// Core subsystems.
	engine := discovery.NewEngine(cfg.Discovery, bus, zlog)
	patternCache := cache.New(cfg.Cache)
	tracker := effectiveness.NewTracker(cfg.Effectiveness, bus, zlog)
	fallback := basespec.NewHandler(instanceID)
	manager := dialect.NewManager(cfg.Dialect, instanceID, engine, patternCache, fallback, bus, zlog)

	// Background workers.
	analyzer := discovery.NewAnalyzer(engine, zlog)
	analyzer.Start(ctx)
	defer analyzer.Stop()

	manager.Start(ctx)
	defer manager.Stop()

	// Background persistence of confirmed patterns and phonemes.
	if cfg.Persistence.Enabled {
		store, err := persistence.NewFileStore(cfg.Persistence.Dir)
		if err != nil {
			return fmt.Errorf("failed to open persistence store: %w", err)
		}
		defer store.Close()

		queue := persistence.NewQueue(cfg.Persistence, store, zlog)
		queue.Start(ctx)
		defer queue.Stop()

		bridge := persistence.NewBridge(queue, bus, engine, patternCache, zlog)
		bridge.Start()
		defer bridge.Stop()

		logger.Info(ctx, "Persistence enabled",
			zap.String("dir", cfg.Persistence.Dir),
			zap.Duration("flush_interval", cfg.Persistence.FlushInterval))
	}

	srv := server.NewServer(cfg.Server, logger, manager, patternCache, bus, manager, fallback, tracker)

	logger.Info(ctx, "Server configured",
		zap.String("health_endpoint", fmt.Sprintf("http://localhost:%d/health", cfg.Server.Port)),
		zap.String("metrics_endpoint", "/metrics"))

	return srv.Start(ctx)
}
