package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel"

	"github.com/nugget/devkit/internal/config"
	"github.com/nugget/devkit/internal/events"
	"github.com/nugget/devkit/internal/ledger"
	"github.com/nugget/devkit/internal/mcp"
	"github.com/nugget/devkit/internal/skills"
	"github.com/nugget/devkit/internal/telemetry"
	"github.com/nugget/devkit/internal/toolcache"
)

// app holds the components shared by every command that touches the
// tool cache.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	bus    *events.Bus
	ledger *ledger.Store
	cache  *toolcache.Cache
	skills *skills.Loader

	shutdownTelemetry telemetry.ShutdownFunc
}

// newApp loads configuration and builds the tool cache with its ledger,
// event bus and telemetry. Logs go to logW.
func newApp(ctx context.Context, logW io.Writer, configPath string) (*app, error) {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	// Validate has already accepted the level.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger := config.NewLogger(logW, level, cfg.LogFormat)

	if cfgPath == "" {
		logger.Info("no config file found, using defaults")
	} else {
		logger.Info("config loaded", "path", cfgPath)
	}

	if err := cfg.LoadEnvFile(); err != nil {
		return nil, err
	}

	shutdown, err := telemetry.Setup(ctx, cfg.Telemetry, logger)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		_ = shutdown(ctx)
		return nil, fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}
	store, err := ledger.NewStore(filepath.Join(cfg.DataDir, "devkit.db"))
	if err != nil {
		_ = shutdown(ctx)
		return nil, err
	}

	observer, err := telemetry.NewDiscoveryObserver(
		otel.Meter(telemetry.ScopeName),
		otel.Tracer(telemetry.ScopeName),
	)
	if err != nil {
		store.Close()
		_ = shutdown(ctx)
		return nil, fmt.Errorf("create discovery observer: %w", err)
	}

	bus := events.New()
	cache := toolcache.New(toolcache.Config{
		Resolver: cfg.Resolver(),
		Options: mcp.Options{
			HandshakeTimeout: cfg.MCP.HandshakeTimeout,
			DiscoveryTimeout: cfg.MCP.DiscoveryTimeout,
			Logger:           logger,
		},
		Logger:   logger,
		Events:   bus,
		Observer: observer,
		Recorder: store,
	})

	return &app{
		cfg:               cfg,
		logger:            logger,
		bus:               bus,
		ledger:            store,
		cache:             cache,
		skills:            skills.NewLoader(cfg.SkillsDir, logger),
		shutdownTelemetry: shutdown,
	}, nil
}

// Close releases the ledger and flushes telemetry.
func (a *app) Close() {
	if err := a.ledger.Close(); err != nil {
		a.logger.Warn("failed to close ledger", "error", err)
	}
	if err := a.shutdownTelemetry(context.Background()); err != nil {
		a.logger.Warn("telemetry shutdown failed", "error", err)
	}
}

// loadConfig reads the config file. An explicit path must exist; when
// auto-discovery finds nothing the built-in defaults are used and the
// returned path is empty.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if errors.Is(err, config.ErrNoConfig) {
		return config.Default(), "", nil
	}
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}
