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

	"github.com/browserdeck/browserdeck/internal/agent/auth"
	"github.com/browserdeck/browserdeck/internal/agent/engine"
	"github.com/browserdeck/browserdeck/internal/agent/store"
	"github.com/browserdeck/browserdeck/internal/common/config"
	"github.com/browserdeck/browserdeck/internal/common/logger"
	"github.com/browserdeck/browserdeck/internal/events/bus"
	"github.com/browserdeck/browserdeck/internal/orchestrator"
	"github.com/browserdeck/browserdeck/internal/orchestrator/api"
	"github.com/browserdeck/browserdeck/internal/orchestrator/streaming"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting Browser Agent Orchestrator...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Open the agent store
	agentStore, err := openStore(ctx, cfg.Storage)
	if err != nil {
		log.Fatal("Failed to open agent store", zap.Error(err))
	}
	defer agentStore.Close()
	log.Info("Opened agent store", zap.String("driver", cfg.Storage.Driver))

	// 5. Connect the event bus: NATS when configured, in-process otherwise
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS.URL, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		eventBus = bus.NewMemoryEventBus()
		log.Info("Using in-process event bus")
	}
	defer eventBus.Close()

	// 6. Initialize the authorization ledger
	ledger := auth.NewLedger(agentStore, cfg.Auth.CodeTTL(), log)

	// 7. Initialize the browser engine and profile locking
	rodEngine := engine.NewRodEngine(cfg.Engine.ProfilesDir, log)
	locker, err := engine.NewProfileLocker(cfg.Engine.ProfilesDir)
	if err != nil {
		log.Fatal("Failed to initialize profile locker", zap.Error(err))
	}

	// 8. Initialize the orchestrator
	orch := orchestrator.New(agentStore, rodEngine, ledger, eventBus, locker, log, orchestrator.Options{
		QueueSize:   cfg.Engine.QueueSize,
		GracePeriod: cfg.Engine.GracePeriod(),
	})

	// 9. Initialize the streaming hub and feed it status transitions
	hub := streaming.NewHub(log)
	unsubscribe := orch.SubscribeStatus(hub.BroadcastStatus)
	defer unsubscribe()

	// 10. Setup HTTP server with Gin
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := api.SetupRouter(orch, hub, log)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	// 11. Start server in goroutine
	go func() {
		log.Info("HTTP server listening", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// 12. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down Browser Agent Orchestrator...")

	// 13. Graceful shutdown
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Stop every running agent so browser sessions close cleanly
	if err := orch.Shutdown(shutdownCtx); err != nil {
		log.Error("Agent shutdown error", zap.Error(err))
	}

	log.Info("Browser Agent Orchestrator stopped")
}

// openStore picks the configured storage backend
func openStore(ctx context.Context, cfg config.StorageConfig) (store.Store, error) {
	switch cfg.Driver {
	case "sqlite":
		return store.NewSQLiteStore(cfg.Path)
	case "postgres":
		return store.NewPostgresStore(ctx, cfg.DSN)
	case "memory":
		return store.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}
