package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/odvcencio/preflight/pkg/bus"
	"github.com/odvcencio/preflight/pkg/client"
	"github.com/odvcencio/preflight/pkg/config"
	"github.com/odvcencio/preflight/pkg/coordinator"
	"github.com/odvcencio/preflight/pkg/detached"
	"github.com/odvcencio/preflight/pkg/events"
	"github.com/odvcencio/preflight/pkg/ipc"
	"github.com/odvcencio/preflight/pkg/logging"
	"github.com/odvcencio/preflight/pkg/msgchannel"
	"github.com/odvcencio/preflight/pkg/origin"
	"github.com/odvcencio/preflight/pkg/render"
	"github.com/odvcencio/preflight/pkg/speculation"
	"github.com/odvcencio/preflight/pkg/telemetry"
	"github.com/odvcencio/preflight/pkg/throttle"
)

// Version information - set via ldflags during build
var (
	version   = "1.0.0-dev"
	commit    = "unknown"
	buildDate = "unknown"
)

const shutdownTimeout = 5 * time.Second

var (
	configPath  string
	showVersion bool
)

func main() {
	flag.StringVar(&configPath, "config", "", "path to config file")
	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("preflightd %s (%s, built %s)\n", version, commit, buildDate)
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "preflightd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	instanceID := ulid.Make().String()
	logger, err := logging.NewLogger(cfg.LogDir(), instanceID)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer logger.Close()
	logger.SetMinLevel(logging.Level(cfg.Logging.Level))

	tracer, err := telemetry.NewTracerProvider("preflightd")
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = tracer.Shutdown(shutdownCtx)
	}()

	hub := events.NewHub()
	defer hub.Close()

	messageBus, err := connectBus(cfg)
	if err != nil {
		return err
	}
	defer messageBus.Close()

	sessions := client.NewManager()
	verifier := origin.NewStaticVerifier()
	cookies := render.NewCookiePolicy()
	provider := render.NewPool(cfg.Speculation.SpareRendererPool)

	engine := speculation.NewEngine(provider, cookies, hub, cfg.Speculation.ExtraSchemes)
	throttler := throttle.New(throttle.Config{
		MinDelay: cfg.Throttle.MinDelay,
		MaxDelay: cfg.Throttle.MaxDelay,
	})
	fetcher := detached.NewHTTPFetcher(cfg.Network.FetchTimeout, cfg.Network.UserAgent)
	validator := detached.NewValidator(sessions, verifier, fetcher, hub)
	channels := msgchannel.NewManager(provider, hub)

	coord := coordinator.New(coordinator.Options{
		Sessions:  sessions,
		Throttler: throttler,
		Engine:    engine,
		Channels:  channels,
		Detached:  validator,
		Verifier:  verifier,
		Hub:       hub,
		Logger:    logger,
		Config:    cfg,
	})
	defer coord.Close()

	bridge := ipc.NewBusBridge(messageBus, hub)
	bridge.Start(ctx)
	defer bridge.Stop()

	server := ipc.NewServer(cfg.IPC, coord, hub, logger)
	_ = logger.Info(logging.CategoryIPC, "startup", "preflightd "+version, map[string]any{
		"instance_id": instanceID,
		"bind":        server.Addr(),
	})
	return server.Start(ctx)
}

func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadFromPath(configPath)
	}
	return config.Load()
}

// connectBus returns the configured bus, falling back to the in-memory one
// when NATS is disabled.
func connectBus(cfg *config.Config) (bus.MessageBus, error) {
	if !cfg.Bus.Enabled {
		return bus.NewMemoryBus(), nil
	}
	natsBus, err := bus.NewNATSBus(bus.Config{
		URL:  cfg.Bus.URL,
		Name: cfg.Bus.Name,
	})
	if err != nil {
		return nil, fmt.Errorf("connect bus %s: %w", cfg.Bus.URL, err)
	}
	return natsBus, nil
}
