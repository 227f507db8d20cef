// Package main is the entry point for the elementald server: the agent
// orchestration core behind the REST, SSE, and WebSocket surfaces.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/elementalhq/elemental/internal/common/config"
	"github.com/elementalhq/elemental/internal/common/httpmw"
	"github.com/elementalhq/elemental/internal/common/logger"
	"github.com/elementalhq/elemental/internal/common/telemetry"
	"github.com/elementalhq/elemental/internal/dispatch"
	"github.com/elementalhq/elemental/internal/events"
	"github.com/elementalhq/elemental/internal/gateway/handlers"
	"github.com/elementalhq/elemental/internal/gateway/sse"
	gatewayws "github.com/elementalhq/elemental/internal/gateway/websocket"
	"github.com/elementalhq/elemental/internal/provider"
	"github.com/elementalhq/elemental/internal/session/manager"
	"github.com/elementalhq/elemental/internal/session/spawner"
	"github.com/elementalhq/elemental/internal/store"
)

const serverName = "elementald"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting elementald",
		zap.String("store_driver", cfg.Store.Driver),
		zap.Bool("dispatch_enabled", cfg.Dispatch.Enabled))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := telemetry.Init(ctx, cfg.Telemetry); err != nil {
		log.Warn("tracing disabled: exporter init failed", zap.Error(err))
	}

	// Event bus: NATS when a URL is configured, in-memory otherwise.
	provided, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("failed to initialize event bus", zap.Error(err))
	}
	defer func() { _ = busCleanup() }()
	eventBus := provided.Bus
	log.Info("event bus ready", zap.Bool("nats", provided.NATS != nil))

	st, err := store.New(ctx, cfg.Store)
	if err != nil {
		log.Fatal("failed to open task store", zap.Error(err))
	}
	defer st.Close()

	registry, err := provider.NewRegistry(cfg.Provider)
	if err != nil {
		log.Fatal("failed to build provider registry", zap.Error(err))
	}
	log.Info("providers registered", zap.Strings("available", registry.Available()))

	sp := spawner.New(cfg.Spawner, registry, cfg.Provider.WorkspaceRoot, log)
	mgr := manager.New(sp, st, eventBus, log)

	var daemon *dispatch.Daemon
	if cfg.Dispatch.Enabled {
		daemon = dispatch.NewDaemon(cfg.Dispatch, st, eventBus, log)
		daemon.Start(ctx)
		log.Info("dispatch daemon started",
			zap.Duration("tick", cfg.Dispatch.TickDuration()),
			zap.Int("batch_size", cfg.Dispatch.BatchSize))
	}

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(log, serverName))
	router.Use(httpmw.OtelTracing(serverName))

	handlers.NewHandler(mgr, daemon, log).SetupRoutes(router)
	sse.NewHandler(mgr, eventBus, log).SetupRoutes(router)
	gatewayws.NewGateway(ctx, eventBus, log).SetupRoutes(router)

	// WriteTimeout stays unset: the SSE and WebSocket endpoints hold their
	// connections open indefinitely.
	server := &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeoutDuration(),
	}

	go func() {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down elementald")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	if daemon != nil {
		daemon.Stop()
	}
	mgr.Shutdown(shutdownCtx)

	if err := telemetry.Shutdown(shutdownCtx); err != nil {
		log.Error("telemetry shutdown error", zap.Error(err))
	}
	log.Info("elementald stopped")
}
